//go:build !race

package opt

import (
	"sync/atomic"
	_ "unsafe" // for linkname
)

const Race_ = false

// Sema is a zero-allocation semaphore optimized for performance.
// In !race mode, it is a direct wrapper around runtime.semacquire/semrelease:
// Acquire sleeps until the count is positive and decrements it, Release
// increments it and readies at most one sleeper.
type Sema uint32

func (s *Sema) Acquire() {
	runtime_semacquire((*uint32)(s))
}

func (s *Sema) Release() {
	runtime_semrelease((*uint32)(s), false, 0)
}

// Pending reports the number of releases not yet consumed by Acquire.
func (s *Sema) Pending() uint32 {
	return atomic.LoadUint32((*uint32)(s))
}

//go:linkname runtime_semacquire sync.runtime_Semacquire
func runtime_semacquire(s *uint32)

//go:linkname runtime_semrelease sync.runtime_Semrelease
func runtime_semrelease(s *uint32, handoff bool, skipframes int)
