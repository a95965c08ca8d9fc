// Command tsstress drives tsmutex through the lock patterns it has to
// survive: smoke lock/unlock, a two-goroutine counter, nested independent
// locks, a sweep of many goroutines over an array of mutexes with sleeps in
// the critical section, and a sum check of many goroutines over a set of
// mutexes. It exits non-zero on a lost update or when a scenario does not
// finish before the timeout.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/llxisdsh/tsmutex"
	"github.com/zeebo/pcg"
	"golang.org/x/sync/errgroup"
)

type config struct {
	scenario   string
	goroutines int
	mutexes    int
	rounds     int
	sleep      time.Duration
	chains     int
	shift      uint
	timeout    time.Duration
	logLevel   string
}

var scenarios = map[string]func(context.Context, *slog.Logger, *tsmutex.Pool, config) error{
	"smoke":   smoke,
	"counter": counter,
	"nested":  nested,
	"sweep":   sweep,
	"sum":     sum,
}

var scenarioOrder = []string{"smoke", "counter", "nested", "sweep", "sum"}

var errTimeout = errors.New("scenario did not finish in time; suspected deadlock")

func parseFlags(args []string, output io.Writer) (config, error) {
	var c config
	fs := flag.NewFlagSet("tsstress", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&c.scenario, "scenario", "all", "scenario to run: all, smoke, counter, nested, sweep, sum")
	fs.IntVar(&c.goroutines, "goroutines", 300, "number of concurrent goroutines")
	fs.IntVar(&c.mutexes, "mutexes", 1000, "number of mutexes")
	fs.IntVar(&c.rounds, "rounds", 10000, "lock/unlock rounds per goroutine (sum)")
	fs.DurationVar(&c.sleep, "sleep", 10*time.Microsecond, "sleep inside the critical section (sweep)")
	fs.IntVar(&c.chains, "chains", 128, "turnstile chains of the pool")
	fs.UintVar(&c.shift, "shift", 8, "address bits discarded before hashing")
	fs.DurationVar(&c.timeout, "timeout", 5*time.Minute, "per-scenario deadline")
	fs.StringVar(&c.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		return c, err
	}
	if c.scenario != "all" {
		if _, ok := scenarios[c.scenario]; !ok {
			return c, fmt.Errorf("unknown scenario %q", c.scenario)
		}
	}
	if c.goroutines <= 0 || c.mutexes <= 0 || c.rounds <= 0 {
		return c, errors.New("goroutines, mutexes and rounds must be positive")
	}
	return c, nil
}

func newLogger(level string, w io.Writer) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l})), nil
}

func run(ctx context.Context, args []string, stderr io.Writer) error {
	c, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	log, err := newLogger(c.logLevel, stderr)
	if err != nil {
		return err
	}

	pool := tsmutex.NewPool(tsmutex.WithChains(c.chains), tsmutex.WithHashShift(c.shift))
	names := scenarioOrder
	if c.scenario != "all" {
		names = []string{c.scenario}
	}
	for _, name := range names {
		start := time.Now()
		log.Info("scenario started", "name", name)
		if err := runScenario(ctx, log, pool, c, name); err != nil {
			return fmt.Errorf("scenario %s: %w", name, err)
		}
		log.Info("scenario passed", "name", name, "elapsed", time.Since(start))
	}
	s := pool.Stats()
	log.Info("pool stats",
		"chains", s.Chains,
		"live", s.Live,
		"free", s.Free,
		"allocated", s.Allocated,
		"recycled", s.Recycled,
		"contended", s.Contended,
		"handoffs", s.Handoffs,
	)
	log.Debug("pool stats detail", "stats", s.String())
	return nil
}

// runScenario runs one scenario under the timeout. A scenario that hangs
// cannot be interrupted, since Lock has no cancellation; it is abandoned and
// reported instead.
func runScenario(ctx context.Context, log *slog.Logger, pool *tsmutex.Pool, c config, name string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- scenarios[name](ctx, log, pool, c) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errTimeout
		}
		return ctx.Err()
	}
}

func smoke(_ context.Context, _ *slog.Logger, pool *tsmutex.Pool, _ config) error {
	var m tsmutex.Mutex
	for range 3 {
		pool.Lock(&m)
		pool.Unlock(&m)
	}
	return nil
}

func counter(_ context.Context, _ *slog.Logger, pool *tsmutex.Pool, _ config) error {
	const rounds = 100
	var m tsmutex.Mutex
	shared := 0
	var g errgroup.Group
	for range 2 {
		g.Go(func() error {
			for range rounds {
				pool.Lock(&m)
				shared++
				pool.Unlock(&m)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if shared != 2*rounds {
		return fmt.Errorf("counter = %d, want %d", shared, 2*rounds)
	}
	return nil
}

func nested(_ context.Context, _ *slog.Logger, pool *tsmutex.Pool, _ config) error {
	var m1, m2 tsmutex.Mutex
	pool.Lock(&m1)
	pool.Lock(&m2)
	pool.Unlock(&m2)
	pool.Unlock(&m1)
	return nil
}

func sweep(ctx context.Context, log *slog.Logger, pool *tsmutex.Pool, c config) error {
	mus := make([]tsmutex.Mutex, c.mutexes)
	g, ctx := errgroup.WithContext(ctx)
	for range c.goroutines {
		g.Go(func() error {
			for i := range mus {
				if i%1024 == 0 && ctx.Err() != nil {
					return ctx.Err()
				}
				pool.Lock(&mus[i])
				if c.sleep > 0 {
					time.Sleep(c.sleep)
				}
				pool.Unlock(&mus[i])
			}
			return nil
		})
	}
	log.Debug("sweep running", "goroutines", c.goroutines, "mutexes", c.mutexes)
	return g.Wait()
}

func sum(ctx context.Context, log *slog.Logger, pool *tsmutex.Pool, c config) error {
	mus := make([]tsmutex.Mutex, c.mutexes)
	counters := make([]int, c.mutexes)
	g, ctx := errgroup.WithContext(ctx)
	for range c.goroutines {
		g.Go(func() error {
			for i := range c.rounds {
				if i%1024 == 0 && ctx.Err() != nil {
					return ctx.Err()
				}
				k := i % c.mutexes
				pool.Lock(&mus[k])
				counters[k]++
				if c.sleep > 0 && pcg.Uint32n(64) == 0 {
					time.Sleep(c.sleep)
				}
				pool.Unlock(&mus[k])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	total := 0
	for _, n := range counters {
		total += n
	}
	want := c.rounds * c.goroutines
	log.Info("sum computed", "sum", total, "want", want)
	if total != want {
		return fmt.Errorf("sum = %d, want %d", total, want)
	}
	return nil
}

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "tsstress:", err)
		os.Exit(1)
	}
}
