package tsmutex

import "github.com/llxisdsh/pb"

// MutexGroup allows locking on arbitrary keys (string, int, struct, etc.).
// Each live key is backed by an 8-byte Mutex, so a group can hold locks for a
// very large number of keys while only contended keys use a turnstile.
//
// Features:
//   - Infinite Keys: No need to pre-allocate locks.
//   - Auto-Cleanup: A key's Mutex is removed when its last holder or waiter
//     unlocks.
//
// Usage:
//
//	var group MutexGroup[string]
//	group.Lock("user-123")
//	// Critical section for user-123
//	group.Unlock("user-123")
//
// Unlock of a key that has no entry is a no-op.
type MutexGroup[K comparable] struct {
	_ noCopy
	m pb.MapOf[K, *mutexGroupEntry]
}

type mutexGroupEntry struct {
	mu  Mutex
	ref int32 // guarded by the map entry
}

func (g *MutexGroup[K]) ref(k K) *mutexGroupEntry {
	v, _ := g.m.ProcessEntry(
		k,
		func(l *pb.EntryOf[K, *mutexGroupEntry]) (*pb.EntryOf[K, *mutexGroupEntry], *mutexGroupEntry, bool) {
			if l != nil {
				l.Value.ref++
				return l, l.Value, true
			}
			e := &mutexGroupEntry{ref: 1}
			return &pb.EntryOf[K, *mutexGroupEntry]{Value: e}, e, false
		},
	)
	return v
}

func (g *MutexGroup[K]) unref(k K) {
	_, _ = g.m.ProcessEntry(
		k,
		func(l *pb.EntryOf[K, *mutexGroupEntry]) (*pb.EntryOf[K, *mutexGroupEntry], *mutexGroupEntry, bool) {
			if l == nil {
				return nil, nil, false
			}
			l.Value.ref--
			if l.Value.ref <= 0 {
				return nil, nil, true
			}
			return l, l.Value, true
		},
	)
}

// Lock locks the mutex of k, blocking until it is available.
func (g *MutexGroup[K]) Lock(k K) {
	g.ref(k).mu.Lock()
}

// TryLock tries to lock the mutex of k without blocking.
func (g *MutexGroup[K]) TryLock(k K) bool {
	if g.ref(k).mu.TryLock() {
		return true
	}
	g.unref(k)
	return false
}

// Unlock unlocks the mutex of k.
func (g *MutexGroup[K]) Unlock(k K) {
	v, ok := g.m.Load(k)
	if !ok {
		return
	}
	v.mu.Unlock()
	g.unref(k)
}
