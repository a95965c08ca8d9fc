package tsmutex

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/llxisdsh/tsmutex/internal/opt"
)

// Pool is a process-wide table of turnstiles shared by many Mutex values.
//
// A Mutex stores nothing but its reference count; everything needed to park
// and wake goroutines lives here, keyed by the mutex address:
//   - chains: a fixed power-of-two table of buckets, each guarded by its own
//     lock and holding the turnstiles of the contended mutexes that hash to it.
//   - free: retired turnstiles waiting to be reused by any chain, guarded by
//     a single lock distinct from every chain lock.
//
// Two mutexes whose addresses hash to the same chain serialize their
// lookups (false contention) but otherwise stay independent.
//
// A Mutex must always be used with the same Pool.
type Pool struct {
	_      noCopy
	chains []chain
	mask   uintptr
	shift  uint

	freeMu sync.Mutex
	free   []*turnstile

	allocated atomic.Uint64
	recycled  atomic.Uint64
	contended atomic.Uint64
	handoffs  atomic.Uint64
}

// turnstile queues the tokens lent by goroutines contending on one mutex.
type turnstile struct {
	// obj is the address of the mutex served, nil while on the free list.
	obj unsafe.Pointer
	// tokens are the loaned tokens. Every sleeper waits on tokens[0].
	tokens []*token
	// owed is set while the current holder acquired the mutex through the
	// queue: its own token is still queued and it reclaims one on release.
	owed bool
}

// chainBody holds the unpadded chain fields.
type chainBody struct {
	mu sync.Mutex
	ts []*turnstile
}

// chain is a hash bucket, padded to a cache line.
type chain struct {
	chainBody
	_ [(opt.CacheLineSize_ - unsafe.Sizeof(chainBody{})%opt.CacheLineSize_) %
		opt.CacheLineSize_ * opt.PadChains_]byte
}

// held is a locked chain handed from lookup to the code path that releases
// it. It must be released exactly once.
type held struct {
	c *chain
}

func (h *held) unlock() {
	c := h.c
	if c == nil {
		throw("chain lock released twice")
	}
	h.c = nil
	c.mu.Unlock()
}

var defaultPool = NewPool()

// DefaultPool returns the pool that serves Mutex.Lock and Mutex.Unlock.
func DefaultPool() *Pool {
	return defaultPool
}

// NewPool creates a new Pool.
//
// Parameters:
//   - options: configuration options (WithChains, WithHashShift)
func NewPool(options ...func(*PoolConfig)) *Pool {
	c := newPoolConfig(options...)
	return &Pool{
		chains: make([]chain, c.chains),
		mask:   uintptr(c.chains - 1),
		shift:  c.shift,
	}
}

// chainFor maps a mutex address to its chain. It takes no locks.
//
//go:nosplit
func (p *Pool) chainFor(obj unsafe.Pointer) *chain {
	return &p.chains[(uintptr(obj)>>p.shift)&p.mask]
}

// lookup locks the chain of obj and returns the turnstile serving obj, or
// nil. The chain stays locked; the caller owns the returned held value.
func (p *Pool) lookup(obj unsafe.Pointer) (*turnstile, held) {
	c := p.chainFor(obj)
	c.mu.Lock()
	for _, ts := range c.ts {
		if ts.obj == obj {
			return ts, held{c: c}
		}
	}
	return nil, held{c: c}
}

// register attaches a clean turnstile to obj on the held chain, reusing a
// retired one when the free list has any.
func (p *Pool) register(h *held, obj unsafe.Pointer) *turnstile {
	var ts *turnstile
	p.freeMu.Lock()
	if n := len(p.free); n > 0 {
		ts = p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
	}
	p.freeMu.Unlock()

	if ts == nil {
		ts = &turnstile{}
		p.allocated.Add(1)
	} else {
		if ts.obj != nil || len(ts.tokens) != 0 || ts.owed {
			h.unlock()
			throw("recycled turnstile is not clean")
		}
		p.recycled.Add(1)
	}
	ts.obj = obj
	h.c.ts = append(h.c.ts, ts)
	return ts
}

// retire detaches ts from the held chain and pushes it onto the free list.
// The caller keeps the chain locked.
func (p *Pool) retire(h *held, ts *turnstile, refs uint64) {
	if refs != 0 || len(ts.tokens) != 0 {
		h.unlock()
		throw("retiring a turnstile that still has waiters")
	}
	list := h.c.ts
	for i, v := range list {
		if v == ts {
			last := len(list) - 1
			list[i] = list[last]
			list[last] = nil
			h.c.ts = list[:last]
			break
		}
	}
	ts.obj = nil
	ts.owed = false

	p.freeMu.Lock()
	p.free = append(p.free, ts)
	p.freeMu.Unlock()
}

// acquire registers the caller as a holder or waiter of obj.
//
// If the mutex was free, the caller owns it immediately and no token is
// touched. Otherwise a token from the cache is donated to the turnstile of
// obj, and the caller sleeps on the turnstile's head token until it has been
// handed the mutex. It then owns no token until release gives it one back.
func (p *Pool) acquire(obj unsafe.Pointer, refs *uint64) {
	ts, h := p.lookup(obj)
	*refs++
	if *refs == 1 {
		h.unlock()
		return
	}

	if ts == nil {
		// The first waiter creates the queue, so refs just went 1 -> 2.
		if *refs != 2 {
			h.unlock()
			throw("waiters without a turnstile")
		}
		ts = p.register(&h, obj)
	}
	ts.tokens = append(ts.tokens, getToken())
	head := ts.tokens[0]
	h.unlock()

	p.contended.Add(1)
	head.wait()
}

// tryAcquire takes obj only if nobody holds or awaits it.
func (p *Pool) tryAcquire(obj unsafe.Pointer, refs *uint64) bool {
	_, h := p.lookup(obj)
	if *refs != 0 {
		h.unlock()
		return false
	}
	*refs = 1
	h.unlock()
	return true
}

// release gives up the caller's hold on obj.
//
// A holder that came through the queue reclaims the newest token of the
// turnstile; the reclaimed token, or nil, is returned for the token cache.
// The head token is then signalled to hand the mutex to one sleeper, or the
// turnstile is retired when nobody is left.
func (p *Pool) release(obj unsafe.Pointer, refs *uint64) *token {
	ts, h := p.lookup(obj)
	if *refs == 0 {
		h.unlock()
		throw("unlock of unlocked mutex")
	}
	*refs--

	if ts == nil {
		if *refs != 0 {
			h.unlock()
			throw("waiters without a turnstile")
		}
		h.unlock()
		return nil
	}
	if len(ts.tokens) == 0 {
		h.unlock()
		throw("registered turnstile with an empty queue")
	}

	var tok *token
	if ts.owed {
		last := len(ts.tokens) - 1
		tok = ts.tokens[last]
		ts.tokens[last] = nil
		ts.tokens = ts.tokens[:last]
	}
	// Each goroutine still counted in refs has exactly one token queued.
	if uint64(len(ts.tokens)) != *refs {
		h.unlock()
		throw("turnstile queue out of step with reference count")
	}
	if tok != nil && tok.pending() != 0 {
		h.unlock()
		throw("reclaimed token has a pending signal")
	}

	if len(ts.tokens) > 0 {
		ts.owed = true
		ts.tokens[0].signal()
		p.handoffs.Add(1)
	} else {
		p.retire(&h, ts, *refs)
	}
	h.unlock()
	return tok
}
