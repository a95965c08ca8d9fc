// Package tsmutex provides an 8-byte mutual exclusion lock backed by a
// shared pool of turnstiles.
//
// A sync.Mutex is small, but a lock that embeds its own wait queue or
// semaphore costs tens of bytes, which adds up when every fine-grained object
// carries one and almost all of them are never contended. Mutex keeps only a
// reference count. When a second goroutine arrives, the pair borrow a
// turnstile from a Pool: a fixed table of chains indexed by the mutex
// address, each chain guarded by its own short lock. Waiters lend the
// turnstile a token (a tiny semaphore) and sleep on the turnstile's first
// token; each Unlock signals that token once, handing the mutex to exactly
// one sleeper. When the last waiter leaves, the turnstile goes back to a free
// list for any other mutex to reuse.
//
//	var mu tsmutex.Mutex
//	mu.Lock()
//	// critical section
//	mu.Unlock()
//
// Addresses that hash to the same chain briefly serialize their Lock and
// Unlock bookkeeping, never their critical sections.
//
// MutexGroup builds keyed locks on top of Mutex.
package tsmutex
