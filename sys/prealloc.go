package sys

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrPreallocNotSupported is returned when the file or filesystem cannot
// preallocate. Callers treat it as informational.
var ErrPreallocNotSupported = errors.New("preallocation not supported")

// preallocCache maps device id -> whether fallocate works there.
var preallocCache sync.Map

var (
	preallocCacheHits   atomic.Uint64
	preallocCacheMisses atomic.Uint64
	preallocSuccesses   atomic.Uint64
	preallocFailures    atomic.Uint64
	preallocUnsupported atomic.Uint64
)

func preallocCacheLoad(dev uint64) (allowed bool, found bool) {
	if v, ok := preallocCache.Load(dev); ok {
		return v.(bool), true
	}
	return false, false
}

func preallocCacheStore(dev uint64, allowed bool) {
	if dev == 0 {
		return
	}
	preallocCache.Store(dev, allowed)
}

// PreallocStats is a snapshot of the preallocation counters.
type PreallocStats struct {
	CacheHits   uint64
	CacheMisses uint64
	Successes   uint64
	Failures    uint64
	Unsupported uint64
}

func GetPreallocStats() PreallocStats {
	return PreallocStats{
		CacheHits:   preallocCacheHits.Load(),
		CacheMisses: preallocCacheMisses.Load(),
		Successes:   preallocSuccesses.Load(),
		Failures:    preallocFailures.Load(),
		Unsupported: preallocUnsupported.Load(),
	}
}
