package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/INLOpen/nexusdoc/cache"
	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/index"
	"go.opentelemetry.io/otel/attribute"
)

// Read returns the document stored as (collection, id), or nil when it does
// not exist or has expired. The cache is consulted first; a miss loads from
// the store and populates the cache.
func (e *Engine) Read(ctx context.Context, collection, id string) (doc *core.Document, err error) {
	_, span := e.tracer.Start(ctx, "Engine.Read")
	start := time.Now()
	defer func() {
		e.metrics.observeRead(time.Since(start))
		if err != nil {
			recordSpanError(span, err, "read_failed")
		}
		span.End()
	}()
	span.SetAttributes(attribute.String("db.collection", collection), attribute.String("db.doc_id", id))

	if err := e.checkStarted(); err != nil {
		return nil, err
	}
	cs, err := e.collection(collection)
	if err != nil {
		return nil, err
	}
	e.metrics.ReadsTotal.Add(1)

	key := cacheKey(collection, id)
	if v, ok := e.cache.Get(key); ok {
		cached, derr := decodeCached(collection, id, v)
		if derr == nil {
			span.SetAttributes(attribute.Bool("db.cache_hit", true))
			if cached.Expired(e.clock.Now()) {
				return nil, nil
			}
			return cached, nil
		}
		e.logger.Warn("Dropping undecodable cache entry", "key", key, "error", derr)
		e.cache.Invalidate(key)
	}
	span.SetAttributes(attribute.Bool("db.cache_hit", false))

	// held while populating so a concurrent commit cannot be overwritten by
	// the older value read here
	lock := e.locks.forDoc(collection, id)
	lock.RLock()
	defer lock.RUnlock()
	doc, err = e.store.Get(collection, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s/%s: %w", collection, id, err)
	}
	if doc == nil || doc.Expired(e.clock.Now()) {
		return nil, nil
	}
	if ttl, ok := e.cacheTTL(cs, doc); ok {
		e.cache.Set(key, cache.NewString(core.EncodeDocument(doc)), ttl)
	}
	return doc, nil
}

func decodeCached(collection, id string, v cache.Value) (*core.Document, error) {
	s, ok := v.(*cache.String)
	if !ok {
		return nil, fmt.Errorf("%w: %s", cache.ErrWrongKind, v.Kind())
	}
	return core.DecodeDocument(collection, id, s.Bytes())
}

// Scan calls fn for every live, unexpired document of a collection in id
// order. The scan does not block writers; each document is the latest
// version at the moment it is read.
func (e *Engine) Scan(ctx context.Context, collection string, fn func(doc *core.Document) error) (err error) {
	ctx, span := e.tracer.Start(ctx, "Engine.Scan")
	start := time.Now()
	defer func() {
		observeLatency(e.metrics.ScanLatencyHist, time.Since(start).Seconds())
		if err != nil {
			recordSpanError(span, err, "scan_failed")
		}
		span.End()
	}()
	span.SetAttributes(attribute.String("db.collection", collection))
	if err := e.checkStarted(); err != nil {
		return err
	}
	if _, err := e.collection(collection); err != nil {
		return err
	}
	e.metrics.ScansTotal.Add(1)

	it, err := e.store.Scan(collection)
	if err != nil {
		return err
	}
	defer it.Close()
	now := e.clock.Now()
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		doc := it.Document()
		if doc.Expired(now) {
			continue
		}
		if err := fn(doc); err != nil {
			return err
		}
	}
	return it.Err()
}

func (e *Engine) index(collection, name string) (*index.Index, error) {
	if err := e.checkStarted(); err != nil {
		return nil, err
	}
	cs, err := e.collection(collection)
	if err != nil {
		return nil, err
	}
	return cs.indexes.Get(name)
}

// RangeScan returns the ids of documents whose key in the named index lies
// between lower and upper (nil for unbounded), in ascending key order. It
// fails with core.ErrIndexNotReady while the index is building; callers fall
// back to Scan. Entries of expired documents remain until the TTL sweep
// removes them.
func (e *Engine) RangeScan(ctx context.Context, collection, indexName string, lower, upper *index.Bound) (*index.Iterator, error) {
	_, span := e.tracer.Start(ctx, "Engine.RangeScan")
	defer span.End()
	span.SetAttributes(attribute.String("db.collection", collection), attribute.String("db.index", indexName))
	idx, err := e.index(collection, indexName)
	if err != nil {
		recordSpanError(span, err, "index_unavailable")
		return nil, err
	}
	if err := idx.CheckReady(); err != nil {
		recordSpanError(span, err, "index_not_ready")
		return nil, err
	}
	e.metrics.ScansTotal.Add(1)
	return idx.RangeScan(lower, upper), nil
}

// Lookup returns the ids holding key in the named index.
func (e *Engine) Lookup(ctx context.Context, collection, indexName string, key index.Key) ([]string, error) {
	_, span := e.tracer.Start(ctx, "Engine.Lookup")
	defer span.End()
	idx, err := e.index(collection, indexName)
	if err != nil {
		recordSpanError(span, err, "index_unavailable")
		return nil, err
	}
	if err := idx.CheckReady(); err != nil {
		recordSpanError(span, err, "index_not_ready")
		return nil, err
	}
	return idx.Lookup(key), nil
}

// IndexStats reports planner statistics for an index in any state.
func (e *Engine) IndexStats(collection, indexName string) (index.Stats, error) {
	idx, err := e.index(collection, indexName)
	if err != nil {
		return index.Stats{}, err
	}
	return idx.Stats(), nil
}

// Indexes lists the index definitions of a collection with their current status.
func (e *Engine) Indexes(collection string) ([]core.IndexDefinition, error) {
	if err := e.checkStarted(); err != nil {
		return nil, err
	}
	cs, err := e.collection(collection)
	if err != nil {
		return nil, err
	}
	return cs.indexes.List(), nil
}
