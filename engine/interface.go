package engine

import (
	"context"
	"fmt"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/index"
	"github.com/INLOpen/nexusdoc/storage"
	"github.com/INLOpen/nexusdoc/wal"
	"go.opentelemetry.io/otel/attribute"
)

// EncryptionCapability is what a key-rotation subsystem needs from the
// engine. It never sees plaintext: refs carry the stored bytes and
// replacements are written verbatim.
type EncryptionCapability interface {
	EncryptionEligible(collection string) bool
	EligibleCollections() []string
	EncryptedRefs(ctx context.Context, collection string, fn func(ref storage.EncryptedRef) error) error
	ReplaceEncrypted(ctx context.Context, collection, id string, stored []byte) error
}

// QueryCollaborator is the surface query execution plans against.
type QueryCollaborator interface {
	Read(ctx context.Context, collection, id string) (*core.Document, error)
	Scan(ctx context.Context, collection string, fn func(doc *core.Document) error) error
	RangeScan(ctx context.Context, collection, indexName string, lower, upper *index.Bound) (*index.Iterator, error)
	Lookup(ctx context.Context, collection, indexName string, key index.Key) ([]string, error)
	IndexStats(collection, indexName string) (index.Stats, error)
	Indexes(collection string) ([]core.IndexDefinition, error)
}

// ReplicationSource streams committed WAL entries to followers.
type ReplicationSource interface {
	TailWAL(fromSeq uint64) (*wal.Reader, error)
	Replicas() []ReplicaInfo
}

var (
	_ EncryptionCapability = (*Engine)(nil)
	_ QueryCollaborator    = (*Engine)(nil)
	_ ReplicationSource    = (*Engine)(nil)
)

// EncryptionEligible reports whether a collection stores sealed documents.
func (e *Engine) EncryptionEligible(collection string) bool {
	if e.checkStarted() != nil {
		return false
	}
	return e.store.EncryptionEligible(collection)
}

// EligibleCollections lists the encrypted collections.
func (e *Engine) EligibleCollections() []string {
	if e.checkStarted() != nil {
		return nil
	}
	return e.store.EligibleCollections()
}

// EncryptedRefs calls fn with the stored bytes of each document of an
// encrypted collection.
func (e *Engine) EncryptedRefs(ctx context.Context, collection string, fn func(ref storage.EncryptedRef) error) error {
	if err := e.checkStarted(); err != nil {
		return err
	}
	return e.store.EncryptedRefs(collection, func(ref storage.EncryptedRef) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn(ref)
	})
}

// ReplaceEncrypted swaps the stored bytes of an existing document, typically
// after re-encryption under a new key. The change is logged and durable
// before it is applied, like any other write.
func (e *Engine) ReplaceEncrypted(ctx context.Context, collection, id string, stored []byte) error {
	ctx, span := e.tracer.Start(ctx, "Engine.ReplaceEncrypted")
	defer span.End()
	span.SetAttributes(attribute.String("db.collection", collection), attribute.String("db.doc_id", id))
	if err := e.checkStarted(); err != nil {
		return err
	}
	if err := e.checkWritable(); err != nil {
		return err
	}
	if !e.store.EncryptionEligible(collection) {
		return fmt.Errorf("collection %s is not encrypted", collection)
	}

	e.commitMu.RLock()
	defer e.commitMu.RUnlock()
	if _, err := e.collection(collection); err != nil {
		return err
	}
	lock := e.locks.forDoc(collection, id)
	lock.Lock()
	defer lock.Unlock()

	current, err := e.store.Get(collection, id)
	if err != nil {
		return err
	}
	if current == nil {
		return fmt.Errorf("%w: %s/%s", core.ErrKeyNotFound, collection, id)
	}
	seq, err := e.logDurable(ctx, core.WALEntry{Kind: core.OpRewrite, Collection: collection, DocID: id, Payload: stored})
	if err != nil {
		recordSpanError(span, err, "wal_append_failed")
		return err
	}
	if err := e.store.ReplaceStored(collection, id, stored, seq); err != nil {
		recordSpanError(span, err, "storage_failed")
		// the entry is durable; replay applies it
		e.markDegraded(fmt.Errorf("rewrite %s/%s logged at %d but not applied: %w", collection, id, seq, err))
		return e.storageFailure(err)
	}
	e.cache.Invalidate(cacheKey(collection, id))
	return nil
}
