package cache

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// WarmKind selects how the cache is preloaded.
type WarmKind uint8

const (
	WarmNone WarmKind = iota
	// WarmRecentWrites preloads the most recently written keys.
	WarmRecentWrites
	// WarmKeyList preloads an explicit list of keys.
	WarmKeyList
)

func (k WarmKind) String() string {
	switch k {
	case WarmRecentWrites:
		return "recent_writes"
	case WarmKeyList:
		return "key_list"
	default:
		return "none"
	}
}

// WarmStrategy describes a warming pass. Keys are only used by WarmKeyList;
// Limit caps the number of keys loaded (zero means no cap).
type WarmStrategy struct {
	Kind  WarmKind
	Keys  []string
	Limit int
}

// ParseWarmStrategy maps the config spelling to a strategy.
func ParseWarmStrategy(s string, keys []string, limit int) (WarmStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return WarmStrategy{Kind: WarmNone}, nil
	case "recent_writes", "recent":
		return WarmStrategy{Kind: WarmRecentWrites, Limit: limit}, nil
	case "key_list", "keys":
		return WarmStrategy{Kind: WarmKeyList, Keys: keys, Limit: limit}, nil
	default:
		return WarmStrategy{}, fmt.Errorf("unknown cache warm strategy %q", s)
	}
}

// Loader fetches the value for a key from the system of record. A nil Value
// with a nil error means the key no longer exists and is skipped.
type Loader func(ctx context.Context, key string) (Value, time.Duration, error)

// Filler loads a key and stores it through set. Callers that must order the
// store against their own writers call set while holding their lock.
type Filler func(ctx context.Context, key string, set func(v Value, ttl time.Duration)) error

// Warm loads keys through loader with at most concurrency loads in flight and
// stores the results. It returns the number of entries populated. Keys already
// cached are left alone.
func (c *Cache) Warm(ctx context.Context, keys []string, concurrency int, loader Loader) (int, error) {
	return c.WarmFunc(ctx, keys, concurrency, func(ctx context.Context, key string, set func(Value, time.Duration)) error {
		v, ttl, err := loader(ctx, key)
		if err != nil || v == nil {
			return err
		}
		set(v, ttl)
		return nil
	})
}

// WarmFunc is Warm for callers that store values themselves.
func (c *Cache) WarmFunc(ctx context.Context, keys []string, concurrency int, fill Filler) (int, error) {
	if concurrency <= 0 {
		concurrency = 4
	}
	var loaded atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, key := range keys {
		if gctx.Err() != nil {
			break
		}
		if _, ok := c.Peek(key); ok {
			continue
		}
		g.Go(func() error {
			err := fill(gctx, key, func(v Value, ttl time.Duration) {
				c.Set(key, v, ttl)
				loaded.Add(1)
			})
			if err != nil {
				return fmt.Errorf("failed to warm key %q: %w", key, err)
			}
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	n := int(loaded.Load())
	c.logger.Info("Cache warmed", "requested", len(keys), "loaded", n, "error", err)
	return n, err
}
