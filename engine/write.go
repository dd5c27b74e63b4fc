package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/INLOpen/nexusdoc/cache"
	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/hooks"
	"github.com/INLOpen/nexusdoc/sys"
	"go.opentelemetry.io/otel/attribute"
)

// Write stores doc as (collection, id) and returns the sequence number of its
// WAL entry. It returns after the entry is durable under the configured sync
// mode and the document is visible to readers. The caller's document is not
// modified; the stored copy gets the next version number.
func (e *Engine) Write(ctx context.Context, collection, id string, doc *core.Document) (seq uint64, err error) {
	ctx, span := e.tracer.Start(ctx, "Engine.Write")
	start := time.Now()
	defer func() {
		e.metrics.observeWrite(time.Since(start))
		if err != nil {
			e.metrics.WriteErrorsTotal.Add(1)
			recordSpanError(span, err, "write_failed")
		} else {
			span.SetAttributes(attribute.Int64("db.seq", int64(seq)))
		}
		span.End()
	}()
	span.SetAttributes(attribute.String("db.collection", collection), attribute.String("db.doc_id", id))

	if err := e.checkStarted(); err != nil {
		return 0, err
	}
	if err := e.checkWritable(); err != nil {
		return 0, err
	}
	if doc == nil {
		return 0, &core.ValidationError{Message: "document is nil", Field: "document", Value: id}
	}
	cs, err := e.collection(collection)
	if err != nil {
		return 0, err
	}

	doc = doc.Clone()
	doc.Collection, doc.ID = collection, id
	if doc.ExpiresAt.IsZero() && cs.opts.DocumentTTL > 0 {
		doc.ExpiresAt = e.clock.Now().Add(cs.opts.DocumentTTL)
	}
	if err := core.ValidateDocument(doc); err != nil {
		return 0, err
	}
	if err := e.hookManager.Trigger(ctx, hooks.NewPreWriteEvent(hooks.PreWritePayload{Document: doc})); err != nil {
		return 0, fmt.Errorf("write cancelled by pre-hook: %w", err)
	}
	// listeners may have rewritten fields but not the identity
	doc.Collection, doc.ID = collection, id
	if err := core.ValidateDocument(doc); err != nil {
		return 0, err
	}

	if err := e.releaseExpiredKeys(ctx, cs, doc); err != nil {
		return 0, err
	}

	e.commitMu.RLock()
	defer e.commitMu.RUnlock()
	if cs, err = e.collection(collection); err != nil {
		return 0, err
	}
	lock := e.locks.forDoc(collection, id)
	lock.Lock()
	defer lock.Unlock()

	old, err := e.store.Get(collection, id)
	if err != nil {
		return 0, err
	}
	doc.Version = 1
	if old != nil {
		doc.Version = old.Version + 1
	}
	created := old == nil || old.Expired(e.clock.Now())

	payload, err := e.logPayload(cs, doc)
	if err != nil {
		return 0, err
	}
	if seq, err = e.logDurable(ctx, core.WALEntry{Kind: core.OpPut, Collection: collection, DocID: id, Payload: payload}); err != nil {
		return 0, err
	}

	update, err := cs.indexes.Prepare(old, doc)
	if err != nil {
		return 0, e.rejectWrite(ctx, cs, old, doc, seq, err)
	}
	if _, err := e.store.Put(doc, seq); err != nil {
		update.Rollback()
		if _, uerr := e.logUndo(ctx, cs, id, old); uerr != nil {
			return 0, errors.Join(e.storageFailure(err), uerr)
		}
		e.metrics.CompensationsTotal.Add(1)
		return 0, e.storageFailure(err)
	}
	update.Commit()
	e.cacheCommitted(cs, doc)

	e.metrics.WritesTotal.Add(1)
	e.hookManager.Trigger(ctx, hooks.NewPostWriteEvent(hooks.PostWritePayload{Document: doc, SeqNum: seq, Created: created}))
	return seq, nil
}

// logDurable appends entry and waits until it is durable. The wait ignores
// cancellation: once appended, the entry will be replayed after a crash, so
// the caller must not abandon it before it has been applied.
func (e *Engine) logDurable(ctx context.Context, entry core.WALEntry) (uint64, error) {
	seq, err := e.wal.Append(ctx, entry)
	if err != nil {
		return 0, e.walFailure(err)
	}
	if err := e.wal.WaitDurable(context.WithoutCancel(ctx), seq); err != nil {
		return 0, e.walFailure(err)
	}
	return seq, nil
}

// logUndo records that the preceding entry for the document was reverted.
// The payload is the document as it was before (empty when it did not exist).
func (e *Engine) logUndo(ctx context.Context, cs *collectionState, id string, prior *core.Document) (uint64, error) {
	var payload []byte
	if prior != nil {
		var err error
		if payload, err = e.logPayload(cs, prior); err != nil {
			return 0, fmt.Errorf("failed to log compensation for %s/%s: %w", cs.name, id, err)
		}
	}
	seq, err := e.logDurable(ctx, core.WALEntry{Kind: core.OpUndo, Collection: cs.name, DocID: id, Payload: payload})
	if err != nil {
		return 0, fmt.Errorf("failed to log compensation for %s/%s: %w", cs.name, id, err)
	}
	return seq, nil
}

// logPayload encodes doc for a WAL entry. Documents of encrypted collections
// are sealed with the configured cipher, as they are in the data files.
func (e *Engine) logPayload(cs *collectionState, doc *core.Document) ([]byte, error) {
	plain := core.EncodeDocument(doc)
	if !cs.opts.Encrypted {
		return plain, nil
	}
	if e.opts.Cipher == nil {
		return nil, fmt.Errorf("collection %s is encrypted but no cipher is configured", cs.name)
	}
	sealed, err := e.opts.Cipher.Seal(cs.name, doc.ID, plain)
	if err != nil {
		return nil, fmt.Errorf("failed to seal %s/%s: %w", cs.name, doc.ID, err)
	}
	return sealed, nil
}

// decodeLogged is the inverse of logPayload.
func (e *Engine) decodeLogged(cs *collectionState, entry *core.WALEntry) (*core.Document, error) {
	payload := entry.Payload
	if cs.opts.Encrypted {
		if e.opts.Cipher == nil {
			return nil, fmt.Errorf("collection %s is encrypted but no cipher is configured", cs.name)
		}
		plain, err := e.opts.Cipher.Open(entry.Collection, entry.DocID, payload)
		if err != nil {
			return nil, fmt.Errorf("failed to open logged %s/%s: %w", entry.Collection, entry.DocID, err)
		}
		payload = plain
	}
	return core.DecodeDocument(entry.Collection, entry.DocID, payload)
}

// releaseExpiredKeys deletes expired documents that still hold one of doc's
// unique keys. Readers already treat them as absent, so they must not make
// the write fail. Runs before the writer takes its own document lock.
func (e *Engine) releaseExpiredKeys(ctx context.Context, cs *collectionState, doc *core.Document) error {
	now := e.clock.Now()
	for _, idx := range cs.indexes.Indexes() {
		if !idx.Unique() || idx.Status() == core.IndexFailed {
			continue
		}
		for _, holder := range idx.Lookup(idx.KeyOf(doc)) {
			if holder == doc.ID {
				continue
			}
			held, err := e.store.Get(cs.name, holder)
			if err != nil {
				return err
			}
			if held == nil || !held.Expired(now) {
				continue
			}
			if _, _, err := e.deleteDoc(ctx, cs.name, holder, true); err != nil {
				return fmt.Errorf("failed to release key held by expired document %s/%s: %w", cs.name, holder, err)
			}
		}
	}
	return nil
}

// rejectWrite compensates a write whose index update failed. The index
// manager has already rolled back its own changes and the document was never
// applied to the store; the undo entry keeps replay from applying it.
func (e *Engine) rejectWrite(ctx context.Context, cs *collectionState, old, doc *core.Document, seq uint64, cause error) error {
	undoSeq, err := e.logUndo(ctx, cs, doc.ID, old)
	if err != nil {
		return errors.Join(cause, err)
	}
	e.metrics.CompensationsTotal.Add(1)
	var violation *core.UniqueConstraintError
	if errors.As(cause, &violation) {
		e.metrics.UniqueViolationsTotal.Add(1)
		e.logger.Debug("Write rejected by unique index", "collection", doc.Collection, "doc_id", doc.ID, "seq", seq, "undo_seq", undoSeq, "index", violation.Index)
		e.hookManager.Trigger(ctx, hooks.NewPostUniqueViolationEvent(hooks.PostUniqueViolationPayload{
			Violation:          violation,
			CompensationSeqNum: undoSeq,
		}))
	}
	return fmt.Errorf("write %s/%s rejected: %w", doc.Collection, doc.ID, cause)
}

func (e *Engine) storageFailure(err error) error {
	if sys.IsDiskFull(err) {
		e.diskFull.Store(true)
		return fmt.Errorf("%w: %w", core.ErrDiskFull, err)
	}
	return err
}

// cacheCommitted refreshes the cache after a committed write according to the
// collection's strategy.
func (e *Engine) cacheCommitted(cs *collectionState, doc *core.Document) {
	key := cacheKey(cs.name, doc.ID)
	if cs.opts.Strategy == WriteAround {
		e.cache.Invalidate(key)
		return
	}
	ttl, ok := e.cacheTTL(cs, doc)
	if !ok {
		e.cache.Invalidate(key)
		return
	}
	e.cache.Set(key, cache.NewString(core.EncodeDocument(doc)), ttl)
}

// cacheTTL is the collection's cache TTL bounded by the document's own
// expiry. It reports false when the document has already expired.
func (e *Engine) cacheTTL(cs *collectionState, doc *core.Document) (time.Duration, bool) {
	ttl := cs.opts.CacheTTL
	if ttl == 0 {
		ttl = e.opts.CacheDefaultTTL
	}
	if doc.ExpiresAt.IsZero() {
		if ttl == 0 {
			return 0, true
		}
		return ttl, true
	}
	remaining := doc.ExpiresAt.Sub(e.clock.Now())
	if remaining <= 0 {
		return 0, false
	}
	if ttl <= 0 || remaining < ttl {
		return remaining, true
	}
	return ttl, true
}

// Delete removes (collection, id) and returns the sequence number of the
// delete entry. Deleting a missing document is a no-op returning 0 unless
// opts.MustExist is set.
func (e *Engine) Delete(ctx context.Context, collection, id string, opts DeleteOptions) (seq uint64, err error) {
	ctx, span := e.tracer.Start(ctx, "Engine.Delete")
	start := time.Now()
	defer func() {
		observeLatency(e.metrics.DeleteLatencyHist, time.Since(start).Seconds())
		if err != nil {
			e.metrics.WriteErrorsTotal.Add(1)
			recordSpanError(span, err, "delete_failed")
		}
		span.End()
	}()
	span.SetAttributes(attribute.String("db.collection", collection), attribute.String("db.doc_id", id))

	if err := e.checkStarted(); err != nil {
		return 0, err
	}
	if err := e.checkWritable(); err != nil {
		return 0, err
	}
	if _, err := e.collection(collection); err != nil {
		return 0, err
	}
	if err := e.hookManager.Trigger(ctx, hooks.NewPreDeleteEvent(hooks.PreDeletePayload{Collection: collection, DocID: id})); err != nil {
		return 0, fmt.Errorf("delete cancelled by pre-hook: %w", err)
	}
	seq, deleted, err := e.deleteDoc(ctx, collection, id, false)
	if err != nil {
		return 0, err
	}
	if !deleted && opts.MustExist {
		return 0, fmt.Errorf("%w: %s/%s", core.ErrKeyNotFound, collection, id)
	}
	return seq, nil
}

// deleteDoc runs the delete path. With onlyExpired it deletes only if the
// stored document has expired, which the TTL sweep re-checks under the lock.
func (e *Engine) deleteDoc(ctx context.Context, collection, id string, onlyExpired bool) (uint64, bool, error) {
	e.commitMu.RLock()
	defer e.commitMu.RUnlock()
	cs, err := e.collection(collection)
	if err != nil {
		return 0, false, err
	}
	lock := e.locks.forDoc(collection, id)
	lock.Lock()
	defer lock.Unlock()

	old, err := e.store.Get(collection, id)
	if err != nil {
		return 0, false, err
	}
	if old == nil {
		return 0, false, nil
	}
	expired := old.Expired(e.clock.Now())
	if onlyExpired && !expired {
		return 0, false, nil
	}

	seq, err := e.logDurable(ctx, core.WALEntry{Kind: core.OpDelete, Collection: collection, DocID: id})
	if err != nil {
		return 0, false, err
	}
	if _, err := e.store.Delete(collection, id, seq); err != nil {
		if _, uerr := e.logUndo(ctx, cs, id, old); uerr != nil {
			return 0, false, errors.Join(e.storageFailure(err), uerr)
		}
		e.metrics.CompensationsTotal.Add(1)
		return 0, false, e.storageFailure(err)
	}
	cs.indexes.OnDelete(old)
	e.cache.Invalidate(cacheKey(collection, id))

	e.metrics.DeletesTotal.Add(1)
	if onlyExpired {
		e.metrics.ExpiredDocumentsTotal.Add(1)
	}
	e.hookManager.Trigger(ctx, hooks.NewPostDeleteEvent(hooks.PostDeletePayload{
		Collection: collection,
		DocID:      id,
		SeqNum:     seq,
		Expired:    expired,
	}))
	// an expired document was already invisible to readers
	return seq, !expired || onlyExpired, nil
}
