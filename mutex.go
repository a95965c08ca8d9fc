package tsmutex

import (
	"sync"
	"unsafe"
)

// Mutex is a mutual exclusion lock that occupies 8 bytes.
//
// Unlike sync.Mutex, it does not embed anything to sleep on. Its only state
// is the number of goroutines holding or waiting for it; parking and waking
// are delegated to a shared Pool of turnstiles keyed by the mutex address.
// Uncontended Lock/Unlock never touch a turnstile.
//
// The zero value is an unlocked mutex.
//
// Rules:
//   - Not reentrant: locking a Mutex already held by the caller deadlocks.
//   - Unlock must be called by the current holder.
//   - No FIFO guarantee among waiters; every waiter eventually wakes.
//   - The address is the identity, so a Mutex must not be copied after first
//     use, and must not move while it is held or awaited.
//
// Size: 8 bytes.
type Mutex struct {
	_ noCopy
	// refs counts holders plus waiters:
	//   0: unlocked
	//   1: held, no waiters
	//   n: held, n-1 waiters queued on the turnstile
	// It is only read or written under the chain lock of the address.
	refs uint64
}

var _ sync.Locker = (*Mutex)(nil)

// Lock locks m. If the lock is already in use, the calling goroutine blocks
// until the mutex is available.
func (m *Mutex) Lock() {
	defaultPool.Lock(m)
}

// TryLock tries to lock m and reports whether it succeeded.
// It fails whenever another goroutine holds or awaits m.
func (m *Mutex) TryLock() bool {
	return defaultPool.TryLock(m)
}

// Unlock unlocks m. It panics if m is not locked.
func (m *Mutex) Unlock() {
	defaultPool.Unlock(m)
}

// Lock locks m using the turnstiles of p.
func (p *Pool) Lock(m *Mutex) {
	p.acquire(unsafe.Pointer(m), &m.refs)
}

// TryLock tries to lock m using the turnstiles of p.
func (p *Pool) TryLock(m *Mutex) bool {
	return p.tryAcquire(unsafe.Pointer(m), &m.refs)
}

// Unlock unlocks m using the turnstiles of p.
func (p *Pool) Unlock(m *Mutex) {
	putToken(p.release(unsafe.Pointer(m), &m.refs))
}
