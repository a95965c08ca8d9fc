//go:build !tsmutex_disable_padding

package opt

// PadChains_ multiplies the padding appended to each turnstile chain.
// With padding, every chain lock lives on its own cache line so that traffic
// on one bucket does not invalidate its neighbours.
const PadChains_ = 1
