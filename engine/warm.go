package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/INLOpen/nexusdoc/cache"
	"github.com/INLOpen/nexusdoc/core"
)

// WarmCache preloads the cache. RecentWrites loads the most recently written
// documents across all collections; KeyList loads "collection/id" keys.
// Missing documents and unknown collections are skipped. It returns the
// number of documents cached.
func (e *Engine) WarmCache(ctx context.Context, strategy cache.WarmStrategy) (int, error) {
	if err := e.checkStarted(); err != nil {
		return 0, err
	}
	return e.warm(ctx, strategy)
}

func (e *Engine) warm(ctx context.Context, strategy cache.WarmStrategy) (int, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.WarmCache")
	defer span.End()

	var keys []string
	switch strategy.Kind {
	case cache.WarmNone:
		return 0, nil
	case cache.WarmRecentWrites:
		limit := strategy.Limit
		if limit <= 0 {
			limit = e.opts.CacheMaxEntries
		}
		for _, ref := range e.store.Recent(limit) {
			keys = append(keys, cacheKey(ref.Collection, ref.ID))
		}
	case cache.WarmKeyList:
		keys = strategy.Keys
		if strategy.Limit > 0 && len(keys) > strategy.Limit {
			keys = keys[:strategy.Limit]
		}
	default:
		return 0, fmt.Errorf("unknown warm strategy %s", strategy.Kind)
	}

	start := time.Now()
	n, err := e.cache.WarmFunc(ctx, keys, e.opts.WarmConcurrency, e.fillCache)
	e.metrics.CacheWarmedTotal.Add(int64(n))
	if err != nil {
		recordSpanError(span, err, "warm_failed")
	}
	e.logger.Info("Cache warming finished", "strategy", strategy.Kind, "keys", len(keys), "loaded", n, "duration", time.Since(start))
	return n, err
}

// fillCache loads one "collection/id" key and stores it under the document's
// stripe lock, the same ordering a read miss uses.
func (e *Engine) fillCache(ctx context.Context, key string, set func(cache.Value, time.Duration)) error {
	collection, id, ok := strings.Cut(key, "/")
	if !ok {
		e.logger.Warn("Skipping malformed warm key", "key", key)
		return nil
	}
	cs, err := e.collection(collection)
	if err != nil {
		e.logger.Debug("Skipping warm key of unknown collection", "key", key)
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	lock := e.locks.forDoc(collection, id)
	lock.RLock()
	defer lock.RUnlock()
	doc, err := e.store.Get(collection, id)
	if err != nil || doc == nil {
		return err
	}
	if ttl, ok := e.cacheTTL(cs, doc); ok {
		set(cache.NewString(core.EncodeDocument(doc)), ttl)
	}
	return nil
}
