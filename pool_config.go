package tsmutex

// ============================================================================
// Configuration
// ============================================================================

const (
	// defaultChains is the number of turnstile chains in a pool.
	defaultChains = 128
	// defaultHashShift discards the low address bits, which are dominated by
	// allocator alignment and carry little entropy.
	defaultHashShift = 8
	// maxChains bounds the chain table so rounding cannot overflow.
	maxChains = 1 << 20
	// maxHashShift keeps the shift inside a 64-bit address.
	maxHashShift = 63
)

// PoolConfig defines configurable options for Pool initialization.
type PoolConfig struct {
	// chains is the number of turnstile chains (hash buckets).
	// It is rounded up to the next power of 2 so the hash can be masked.
	// If zero or negative, defaultChains is used.
	chains int

	// shift is the number of low address bits discarded before masking.
	// Larger shifts map more neighbouring mutexes onto one chain, which
	// raises false contention but keeps unrelated objects apart when they
	// are laid out in large strides.
	shift uint
}

// WithChains configures the number of turnstile chains of a new Pool.
// The value is clamped to 1<<20 and rounded up to the next power of 2.
// If n is zero or negative, the value is ignored.
//
// A single chain is legal and makes every mutex of the pool collide, which is
// useful to exercise the collision path.
func WithChains(n int) func(*PoolConfig) {
	return func(c *PoolConfig) {
		if n > 0 {
			c.chains = min(n, maxChains)
		}
	}
}

// WithHashShift configures how many low address bits are discarded before a
// mutex address is masked into a chain index. Values above 63 are clamped.
func WithHashShift(shift uint) func(*PoolConfig) {
	return func(c *PoolConfig) {
		c.shift = min(shift, maxHashShift)
	}
}

func newPoolConfig(options ...func(*PoolConfig)) *PoolConfig {
	c := &PoolConfig{
		chains: defaultChains,
		shift:  defaultHashShift,
	}
	for _, o := range options {
		o(c)
	}
	c.chains = nextPowOf2(c.chains)
	return c
}
