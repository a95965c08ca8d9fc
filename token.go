package tsmutex

import (
	"sync"

	"github.com/llxisdsh/tsmutex/internal/opt"
)

// token is the blocking primitive lent between goroutines.
//
// It is a plain counting semaphore: wait sleeps until a signal is banked and
// consumes it, signal banks one unit and readies at most one sleeper. A
// signal that arrives before the matching wait is retained, so a sleeper can
// never miss its wakeup. Tokens carry no identity; any token can stand in for
// any goroutine.
//
// The zero value has a count of 0, so the first wait blocks.
//
// Size: 4 bytes (non-race builds).
type token struct {
	_    noCopy
	sema opt.Sema
}

// wait blocks until a signal is available, then consumes it.
func (t *token) wait() {
	t.sema.Acquire()
}

// signal banks one wakeup and readies at most one waiter.
func (t *token) signal() {
	t.sema.Release()
}

// pending reports how many signals are banked and not yet consumed.
func (t *token) pending() uint32 {
	return t.sema.Pending()
}

// tokenCache holds idle tokens. Go has no goroutine-local storage, so the
// per-thread cache is a sync.Pool: it is per-P, fills lazily through New and
// lets the GC drop tokens nobody reuses.
var tokenCache = sync.Pool{
	New: func() any { return new(token) },
}

func getToken() *token {
	return tokenCache.Get().(*token)
}

func putToken(t *token) {
	if t != nil {
		tokenCache.Put(t)
	}
}
