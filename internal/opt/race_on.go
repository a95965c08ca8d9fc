//go:build race

package opt

import "sync"

const Race_ = true

// Sema is the race-detector friendly semaphore.
// The runtime semaphore carries no happens-before edges the detector can see,
// so under -race the count is guarded by a sync.Mutex and sleepers park on a
// sync.Cond. Acquire re-checks the count after every wakeup.
type Sema struct {
	mu    sync.Mutex
	cond  sync.Cond
	count uint32
}

func (s *Sema) Acquire() {
	s.mu.Lock()
	if s.cond.L == nil {
		s.cond.L = &s.mu
	}
	for s.count == 0 {
		s.cond.Wait()
	}
	s.count--
	s.mu.Unlock()
}

func (s *Sema) Release() {
	s.mu.Lock()
	s.count++
	s.cond.Signal()
	s.mu.Unlock()
}

// Pending reports the number of releases not yet consumed by Acquire.
func (s *Sema) Pending() uint32 {
	s.mu.Lock()
	n := s.count
	s.mu.Unlock()
	return n
}
