package tsmutex

import (
	"fmt"
	"strings"
)

// PoolStats is a snapshot of a Pool's turnstile usage.
//
// Counters are read chain by chain without stopping the world, so a snapshot
// taken under load is approximate. Once every mutex of the pool is idle,
// Live is 0 and Allocated == Free.
type PoolStats struct {
	// Chains is the number of hash buckets.
	Chains int
	// Live is the number of turnstiles currently attached to a mutex.
	Live int
	// MaxChainLen is the largest number of live turnstiles seen on a single
	// chain, i.e. contended collisions.
	MaxChainLen int
	// Free is the number of retired turnstiles ready for reuse.
	Free int
	// Allocated is the number of turnstiles ever created.
	Allocated uint64
	// Recycled is the number of times a retired turnstile was reused.
	Recycled uint64
	// Contended is the number of Lock calls that had to sleep.
	Contended uint64
	// Handoffs is the number of Unlock calls that woke a sleeper.
	Handoffs uint64
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() PoolStats {
	s := PoolStats{
		Chains:    len(p.chains),
		Allocated: p.allocated.Load(),
		Recycled:  p.recycled.Load(),
		Contended: p.contended.Load(),
		Handoffs:  p.handoffs.Load(),
	}
	for i := range p.chains {
		c := &p.chains[i]
		c.mu.Lock()
		n := len(c.ts)
		c.mu.Unlock()
		s.Live += n
		s.MaxChainLen = max(s.MaxChainLen, n)
	}
	p.freeMu.Lock()
	s.Free = len(p.free)
	p.freeMu.Unlock()
	return s
}

// String returns a human readable representation of the snapshot.
func (s PoolStats) String() string {
	var sb strings.Builder
	sb.WriteString("PoolStats{\n")
	fmt.Fprintf(&sb, "Chains:      %d\n", s.Chains)
	fmt.Fprintf(&sb, "Live:        %d\n", s.Live)
	fmt.Fprintf(&sb, "MaxChainLen: %d\n", s.MaxChainLen)
	fmt.Fprintf(&sb, "Free:        %d\n", s.Free)
	fmt.Fprintf(&sb, "Allocated:   %d\n", s.Allocated)
	fmt.Fprintf(&sb, "Recycled:    %d\n", s.Recycled)
	fmt.Fprintf(&sb, "Contended:   %d\n", s.Contended)
	fmt.Fprintf(&sb, "Handoffs:    %d\n", s.Handoffs)
	sb.WriteString("}")
	return sb.String()
}
