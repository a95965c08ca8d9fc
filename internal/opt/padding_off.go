//go:build tsmutex_disable_padding

package opt

// PadChains_ is zero when padding is force-disabled via the
// tsmutex_disable_padding build tag, trading false sharing for a smaller table.
// Use: go build -tags=tsmutex_disable_padding
const PadChains_ = 0
