package tsmutex

import (
	"math"
	"strings"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/zeebo/assert"
)

// waitFor polls cond until it holds or a generous deadline expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// snapshot reads the reference count and turnstile of m under its chain lock.
func snapshot(p *Pool, m *Mutex) (refs uint64, queued int, owed bool) {
	ts, h := p.lookup(unsafe.Pointer(m))
	refs = m.refs
	if ts != nil {
		queued, owed = len(ts.tokens), ts.owed
	}
	h.unlock()
	return refs, queued, owed
}

// contend holds m while n goroutines queue on it, then releases it and waits
// for all of them to pass through.
func contend(t *testing.T, p *Pool, m *Mutex, n int) {
	t.Helper()
	p.Lock(m)
	var wg sync.WaitGroup
	wg.Add(n)
	for range n {
		go func() {
			defer wg.Done()
			p.Lock(m)
			p.Unlock(m)
		}()
	}
	waitFor(t, "waiters to queue", func() bool {
		refs, _, _ := snapshot(p, m)
		return refs == uint64(n+1)
	})
	p.Unlock(m)
	wg.Wait()
}

func TestNewPool_Defaults(t *testing.T) {
	p := NewPool()
	assert.Equal(t, len(p.chains), defaultChains)
	assert.Equal(t, p.mask, uintptr(defaultChains-1))
	assert.Equal(t, p.shift, uint(defaultHashShift))
	assert.Equal(t, DefaultPool().Stats().Chains, defaultChains)
}

func TestNewPool_Options(t *testing.T) {
	cases := []struct {
		opts   []func(*PoolConfig)
		chains int
		shift  uint
	}{
		{[]func(*PoolConfig){WithChains(100)}, 128, defaultHashShift},
		{[]func(*PoolConfig){WithChains(1)}, 1, defaultHashShift},
		{[]func(*PoolConfig){WithChains(0)}, defaultChains, defaultHashShift},
		{[]func(*PoolConfig){WithChains(-4)}, defaultChains, defaultHashShift},
		{[]func(*PoolConfig){WithHashShift(3)}, defaultChains, 3},
		{[]func(*PoolConfig){WithHashShift(200)}, defaultChains, maxHashShift},
		{[]func(*PoolConfig){WithChains(1000), WithHashShift(0)}, 1024, 0},
		{[]func(*PoolConfig){WithChains(maxChains + 1)}, maxChains, defaultHashShift},
		{[]func(*PoolConfig){WithChains(math.MaxInt)}, maxChains, defaultHashShift},
	}
	for _, c := range cases {
		p := NewPool(c.opts...)
		assert.Equal(t, len(p.chains), c.chains)
		assert.Equal(t, p.shift, c.shift)
	}
}

func TestChainFor(t *testing.T) {
	p := NewPool()
	block := make([]byte, 4096)

	for off := range len(block) / 8 {
		addr := unsafe.Pointer(&block[off*8])
		want := &p.chains[(uintptr(addr)>>defaultHashShift)&uintptr(defaultChains-1)]
		assert.That(t, p.chainFor(addr) == want)
		// pure: same address, same chain
		assert.That(t, p.chainFor(addr) == p.chainFor(addr))
	}

	// Addresses within one 256-byte window share a chain.
	for off := range len(block) - 256 {
		if uintptr(unsafe.Pointer(&block[off]))%256 != 0 {
			continue
		}
		a := unsafe.Pointer(&block[off])
		b := unsafe.Pointer(&block[off+248])
		assert.That(t, p.chainFor(a) == p.chainFor(b))
		break
	}
}

func TestChainPadding(t *testing.T) {
	size := unsafe.Sizeof(chain{})
	assert.That(t, size >= unsafe.Sizeof(chainBody{}))
}

func TestHeld_ReleasedTwicePanics(t *testing.T) {
	p := NewPool()
	var m Mutex
	_, h := p.lookup(unsafe.Pointer(&m))
	h.unlock()
	defer func() {
		r := recover()
		assert.Equal(t, r, "tsmutex: chain lock released twice")
	}()
	h.unlock()
}

func TestPool_UnlockOfUnlockedPanics(t *testing.T) {
	p := NewPool()
	var m Mutex
	func() {
		defer func() {
			r := recover()
			assert.Equal(t, r, "tsmutex: unlock of unlocked mutex")
		}()
		p.Unlock(&m)
	}()

	// The chain lock was released before the panic.
	p.Lock(&m)
	p.Unlock(&m)
}

func TestPool_UncontendedUsesNoTurnstile(t *testing.T) {
	p := NewPool()
	var m Mutex
	for range 10 {
		p.Lock(&m)
		refs, queued, _ := snapshot(p, &m)
		assert.Equal(t, refs, 1)
		assert.Equal(t, queued, 0)
		p.Unlock(&m)
	}
	s := p.Stats()
	assert.Equal(t, s.Allocated, 0)
	assert.Equal(t, s.Contended, 0)
	assert.Equal(t, m.refs, 0)
}

func TestPool_UncontendedDoesNotAllocate(t *testing.T) {
	p := NewPool()
	m := new(Mutex)
	allocs := testing.AllocsPerRun(1000, func() {
		p.Lock(m)
		p.Unlock(m)
	})
	assert.Equal(t, allocs, 0.0)
	assert.Equal(t, p.Stats().Contended, 0)
}

func TestPool_QueueTracksRefs(t *testing.T) {
	p := NewPool()
	var m Mutex
	const waiters = 4

	p.Lock(&m)
	var wg sync.WaitGroup
	wg.Add(waiters)
	release := make(chan struct{})
	for range waiters {
		go func() {
			defer wg.Done()
			p.Lock(&m)
			<-release
			p.Unlock(&m)
		}()
	}
	waitFor(t, "waiters to queue", func() bool {
		refs, _, _ := snapshot(p, &m)
		return refs == waiters+1
	})

	// The first holder took the lock uncontended: it owns its token, and
	// the queue holds exactly one token per sleeper.
	refs, queued, owed := snapshot(p, &m)
	assert.Equal(t, refs, waiters+1)
	assert.Equal(t, queued, waiters)
	assert.False(t, owed)

	p.Unlock(&m)

	// A woken waiter now holds the lock and its token is still queued.
	refs, queued, owed = snapshot(p, &m)
	assert.Equal(t, refs, waiters)
	assert.Equal(t, queued, waiters)
	assert.True(t, owed)

	close(release)
	wg.Wait()

	refs, queued, _ = snapshot(p, &m)
	assert.Equal(t, refs, 0)
	assert.Equal(t, queued, 0)

	s := p.Stats()
	assert.Equal(t, s.Live, 0)
	assert.Equal(t, s.Free, 1)
	assert.Equal(t, s.Allocated, 1)
	assert.Equal(t, s.Contended, waiters)
	assert.Equal(t, s.Handoffs, waiters)
}

func TestPool_RecyclesTurnstiles(t *testing.T) {
	p := NewPool()
	var m Mutex
	const cycles = 20

	for i := range cycles {
		contend(t, p, &m, 1+i%5)

		s := p.Stats()
		assert.Equal(t, s.Live, 0)
		assert.Equal(t, s.Free, 1)
		assert.Equal(t, s.Allocated, 1)
		assert.Equal(t, s.Recycled, i)
	}
	assert.Equal(t, m.refs, 0)
}

func TestPool_RecycledTurnstileServesAnotherMutex(t *testing.T) {
	p := NewPool()
	mus := make([]Mutex, 16)

	for round := range 3 {
		for i := range mus {
			contend(t, p, &mus[i], 3)
			s := p.Stats()
			assert.Equal(t, s.Live, 0)
			assert.Equal(t, s.Allocated, 1)
			assert.Equal(t, s.Recycled, uint64(round*len(mus)+i))
		}
	}
	for i := range mus {
		assert.Equal(t, mus[i].refs, 0)
	}
}

func TestPool_CollidingMutexesAreIndependent(t *testing.T) {
	p := NewPool(WithChains(1))
	var a, b Mutex
	assert.That(t, p.chainFor(unsafe.Pointer(&a)) == p.chainFor(unsafe.Pointer(&b)))

	// Holding a must not block b.
	p.Lock(&a)
	done := make(chan struct{})
	go func() {
		p.Lock(&b)
		p.Unlock(&b)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("lock on a colliding mutex blocked")
	}

	// Contend both at once: two live turnstiles on one chain.
	p.Lock(&b)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.Lock(&a)
		p.Unlock(&a)
	}()
	go func() {
		defer wg.Done()
		p.Lock(&b)
		p.Unlock(&b)
	}()
	waitFor(t, "both mutexes contended", func() bool {
		ra, _, _ := snapshot(p, &a)
		rb, _, _ := snapshot(p, &b)
		return ra == 2 && rb == 2
	})
	s := p.Stats()
	assert.Equal(t, s.Live, 2)
	assert.Equal(t, s.MaxChainLen, 2)

	// Releasing b wakes only b's waiter.
	p.Unlock(&b)
	waitFor(t, "b to drain", func() bool {
		rb, _, _ := snapshot(p, &b)
		return rb == 0
	})
	ra, queued, _ := snapshot(p, &a)
	assert.Equal(t, ra, 2)
	assert.Equal(t, queued, 1)

	p.Unlock(&a)
	wg.Wait()
	s = p.Stats()
	assert.Equal(t, s.Live, 0)
	assert.Equal(t, s.Free, 2)
}

func TestPool_CollisionStress(t *testing.T) {
	p := NewPool(WithChains(1))
	const (
		goroutines = 16
		rounds     = 500
		locks      = 8
	)
	mus := make([]Mutex, locks)
	counters := make([]int, locks)

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := range goroutines {
		go func() {
			defer wg.Done()
			for i := range rounds {
				k := (g + i) % locks
				p.Lock(&mus[k])
				counters[k]++
				p.Unlock(&mus[k])
			}
		}()
	}
	wg.Wait()

	sum := 0
	for _, c := range counters {
		sum += c
	}
	assert.Equal(t, sum, goroutines*rounds)
	s := p.Stats()
	assert.Equal(t, s.Live, 0)
	assert.Equal(t, uint64(s.Free), s.Allocated)
}

func TestPoolStats_String(t *testing.T) {
	p := NewPool(WithChains(4))
	str := p.Stats().String()
	assert.That(t, strings.HasPrefix(str, "PoolStats{"))
	assert.That(t, strings.Contains(str, "Chains:      4"))
	assert.That(t, strings.HasSuffix(str, "}"))
}
