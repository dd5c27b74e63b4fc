package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/index"
	"github.com/INLOpen/nexusdoc/storage"
	"go.opentelemetry.io/otel/attribute"
)

// CreateCollection registers a new collection. Options are fixed for the
// lifetime of the collection.
func (e *Engine) CreateCollection(ctx context.Context, name string, opts CollectionOptions) error {
	ctx, span := e.tracer.Start(ctx, "Engine.CreateCollection")
	defer span.End()
	span.SetAttributes(attribute.String("db.collection", name))
	if err := e.checkStarted(); err != nil {
		return err
	}
	if err := e.checkWritable(); err != nil {
		return err
	}
	if err := core.ValidateName("collection", name); err != nil {
		return err
	}
	if opts.Encrypted && e.opts.Cipher == nil {
		return fmt.Errorf("collection %s: encryption requested but no cipher is configured", name)
	}
	payload, err := json.Marshal(opts)
	if err != nil {
		return fmt.Errorf("failed to encode collection options: %w", err)
	}

	e.ddlMu.Lock()
	defer e.ddlMu.Unlock()
	if _, err := e.collection(name); err == nil {
		return fmt.Errorf("%w: %s", core.ErrCollectionExists, name)
	}

	e.commitMu.RLock()
	defer e.commitMu.RUnlock()
	if _, err := e.logDurable(ctx, core.WALEntry{Kind: core.OpCollectionCreate, Collection: name, Payload: payload}); err != nil {
		recordSpanError(span, err, "wal_append_failed")
		return err
	}
	if err := e.store.EnsureCollection(name, opts.storage()); err != nil {
		recordSpanError(span, err, "storage_failed")
		return fmt.Errorf("failed to create collection %s: %w", name, err)
	}
	e.catalogMu.Lock()
	e.collections[name] = e.newCollectionState(name, opts)
	e.catalogMu.Unlock()
	e.logger.Info("Collection created", "collection", name, "strategy", opts.Strategy, "encrypted", opts.Encrypted)
	return e.saveCatalog()
}

// DropCollection removes a collection with its documents and indexes. It
// waits for in-flight writes to finish and checkpoints afterwards, so the
// drop is never replayed over a later collection of the same name.
func (e *Engine) DropCollection(ctx context.Context, name string) error {
	ctx, span := e.tracer.Start(ctx, "Engine.DropCollection")
	defer span.End()
	span.SetAttributes(attribute.String("db.collection", name))
	if err := e.checkStarted(); err != nil {
		return err
	}
	if err := e.checkWritable(); err != nil {
		return err
	}

	e.ddlMu.Lock()
	defer e.ddlMu.Unlock()
	e.commitMu.Lock()
	defer e.commitMu.Unlock()
	cs, err := e.collection(name)
	if err != nil {
		return err
	}
	if _, err := e.logDurable(ctx, core.WALEntry{Kind: core.OpCollectionDrop, Collection: name}); err != nil {
		recordSpanError(span, err, "wal_append_failed")
		return err
	}
	e.catalogMu.Lock()
	delete(e.collections, name)
	e.catalogMu.Unlock()
	for _, def := range cs.indexes.List() {
		cs.indexes.Drop(def.Name)
	}
	prefix := cacheKey(name, "")
	dropped := e.cache.InvalidateFunc(func(key string) bool { return strings.HasPrefix(key, prefix) })
	if err := e.store.DropCollection(name); err != nil {
		recordSpanError(span, err, "storage_failed")
		return fmt.Errorf("failed to drop collection %s: %w", name, err)
	}
	if err := e.saveCatalog(); err != nil {
		return err
	}
	e.logger.Info("Collection dropped", "collection", name, "cache_entries", dropped)
	_, err = e.checkpointLocked(ctx)
	return err
}

// Collections lists the registered collections in sorted order.
func (e *Engine) Collections() []string {
	e.catalogMu.RLock()
	defer e.catalogMu.RUnlock()
	return slices.Sorted(maps.Keys(e.collections))
}

// CollectionOptions returns the options a collection was created with.
func (e *Engine) CollectionOptions(name string) (CollectionOptions, error) {
	cs, err := e.collection(name)
	if err != nil {
		return CollectionOptions{}, err
	}
	return cs.opts, nil
}

// CollectionStats reports the on-disk state of a collection.
func (e *Engine) CollectionStats(name string) (storage.Stats, error) {
	if err := e.checkStarted(); err != nil {
		return storage.Stats{}, err
	}
	if _, err := e.collection(name); err != nil {
		return storage.Stats{}, err
	}
	return e.store.Stats(name)
}

// CreateIndex registers an index and builds it in the background. The
// returned definition carries the resolved name. Writes continue during the
// build and maintain the new index; queries on it fail with
// core.ErrIndexNotReady until the build finishes (see WaitIndex).
func (e *Engine) CreateIndex(ctx context.Context, collection string, def core.IndexDefinition) (core.IndexDefinition, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.CreateIndex")
	defer span.End()
	span.SetAttributes(attribute.String("db.collection", collection))
	if err := e.checkStarted(); err != nil {
		return core.IndexDefinition{}, err
	}
	if err := e.checkWritable(); err != nil {
		return core.IndexDefinition{}, err
	}
	if err := def.Validate(); err != nil {
		return core.IndexDefinition{}, err
	}
	def.Status = core.IndexBuilding
	span.SetAttributes(attribute.String("db.index", def.Name))
	payload, err := core.EncodeIndexDefinition(def)
	if err != nil {
		return core.IndexDefinition{}, err
	}

	e.ddlMu.Lock()
	defer e.ddlMu.Unlock()
	cs, err := e.collection(collection)
	if err != nil {
		return core.IndexDefinition{}, err
	}
	if _, err := cs.indexes.Get(def.Name); err == nil {
		return core.IndexDefinition{}, fmt.Errorf("%w: %s.%s", core.ErrIndexExists, collection, def.Name)
	}

	// exclusive so that every write either sees the new index or is applied
	// before the builder lists the collection
	e.commitMu.Lock()
	if _, err := e.logDurable(ctx, core.WALEntry{Kind: core.OpIndexCreate, Collection: collection, Payload: payload}); err != nil {
		e.commitMu.Unlock()
		recordSpanError(span, err, "wal_append_failed")
		return core.IndexDefinition{}, err
	}
	idx, err := cs.indexes.Create(def)
	e.commitMu.Unlock()
	if err != nil {
		return core.IndexDefinition{}, err
	}
	if err := e.saveCatalog(); err != nil {
		return core.IndexDefinition{}, err
	}

	e.logger.Info("Index build started", "collection", collection, "index", def.Name, "fields", def.Fields, "unique", def.Unique)
	e.builder.Start(idx, e.indexSource(collection), func(idx *index.Index, err error) {
		if err := e.saveCatalog(); err != nil {
			e.logger.Warn("Failed to record index status", "index", idx.Name(), "error", err)
		}
	})
	return idx.Definition(), nil
}

// indexSource feeds a background build. Each document is read and indexed
// under its stripe lock, so a concurrent writer either commits before the
// read or moves the entry the builder inserted.
func (e *Engine) indexSource(collection string) index.Source {
	return func(ctx context.Context, pace func(context.Context) error, fn func(doc *core.Document) error) error {
		ids, err := e.store.IDs(collection)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := pace(ctx); err != nil {
				return err
			}
			if err := e.withDocument(collection, id, fn); err != nil {
				return err
			}
		}
		return nil
	}
}

func (e *Engine) withDocument(collection, id string, fn func(doc *core.Document) error) error {
	lock := e.locks.forDoc(collection, id)
	lock.RLock()
	defer lock.RUnlock()
	doc, err := e.store.Get(collection, id)
	if err != nil || doc == nil {
		return err
	}
	return fn(doc)
}

// WaitIndex blocks until the named index has finished building. It returns
// the build error when the build failed.
func (e *Engine) WaitIndex(ctx context.Context, collection, indexName string) error {
	idx, err := e.index(collection, indexName)
	if err != nil {
		return err
	}
	return idx.Wait(ctx)
}

// DropIndex removes an index. A build in progress is abandoned.
func (e *Engine) DropIndex(ctx context.Context, collection, indexName string) error {
	ctx, span := e.tracer.Start(ctx, "Engine.DropIndex")
	defer span.End()
	span.SetAttributes(attribute.String("db.collection", collection), attribute.String("db.index", indexName))
	if err := e.checkStarted(); err != nil {
		return err
	}
	if err := e.checkWritable(); err != nil {
		return err
	}

	e.ddlMu.Lock()
	defer e.ddlMu.Unlock()
	cs, err := e.collection(collection)
	if err != nil {
		return err
	}
	if _, err := cs.indexes.Get(indexName); err != nil {
		return err
	}
	e.commitMu.RLock()
	if _, err := e.logDurable(ctx, core.WALEntry{Kind: core.OpIndexDrop, Collection: collection, Payload: []byte(indexName)}); err != nil {
		e.commitMu.RUnlock()
		recordSpanError(span, err, "wal_append_failed")
		return err
	}
	_, err = cs.indexes.Drop(indexName)
	e.commitMu.RUnlock()
	if err != nil {
		return err
	}
	e.logger.Info("Index dropped", "collection", collection, "index", indexName)
	return e.saveCatalog()
}
