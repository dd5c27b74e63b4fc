package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/snapshot"
	"go.opentelemetry.io/otel/attribute"
)

// ExportSnapshot writes a point-in-time snapshot of every collection to w.
// Mutations wait until the export finishes.
func (e *Engine) ExportSnapshot(ctx context.Context, w io.Writer) (snapshot.Metadata, int64, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.ExportSnapshot")
	defer span.End()
	if err := e.checkStarted(); err != nil {
		return snapshot.Metadata{}, 0, err
	}
	e.commitMu.Lock()
	defer e.commitMu.Unlock()
	meta, n, err := snapshot.Write(ctx, w, snapshotSource{e: e})
	if err != nil {
		recordSpanError(span, err, "snapshot_export_failed")
		return meta, n, err
	}
	span.SetAttributes(attribute.Int64("snapshot.seq", int64(meta.Seq)), attribute.Int64("snapshot.size", n))
	return meta, n, nil
}

// CreateSnapshot writes a snapshot file into the engine's snapshot directory.
func (e *Engine) CreateSnapshot(ctx context.Context) (snapshot.Info, error) {
	if err := e.checkStarted(); err != nil {
		return snapshot.Info{}, err
	}
	e.commitMu.Lock()
	defer e.commitMu.Unlock()
	return e.snapshots.CreateFull(ctx, snapshotSource{e: e})
}

// ListSnapshots lists the snapshot files in the engine's snapshot directory, oldest first.
func (e *Engine) ListSnapshots() ([]snapshot.Info, error) {
	return e.snapshots.List()
}

// PruneSnapshots deletes old snapshot files and returns their ids.
func (e *Engine) PruneSnapshots(ctx context.Context, opts snapshot.PruneOptions) ([]string, error) {
	return e.snapshots.Prune(ctx, opts)
}

// RestoreSnapshot replaces the whole engine state with the snapshot read
// from r. Nothing changes unless the snapshot parses and its checksum
// matches. Indexes are rebuilt from the restored documents and a checkpoint
// is written afterwards.
func (e *Engine) RestoreSnapshot(ctx context.Context, r io.Reader) (snapshot.Metadata, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.RestoreSnapshot")
	defer span.End()
	if err := e.checkStarted(); err != nil {
		return snapshot.Metadata{}, err
	}
	if err := e.checkWritable(); err != nil {
		return snapshot.Metadata{}, err
	}
	e.ddlMu.Lock()
	defer e.ddlMu.Unlock()
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	meta, err := snapshot.Read(ctx, r, &restoreSink{e: e})
	if err != nil {
		recordSpanError(span, err, "snapshot_restore_failed")
		return meta, err
	}
	span.SetAttributes(attribute.Int64("snapshot.seq", int64(meta.Seq)), attribute.Int("snapshot.collections", len(meta.Collections)))
	return meta, nil
}

// RestoreSnapshotFile restores from a file created by CreateSnapshot or ExportSnapshot.
func (e *Engine) RestoreSnapshotFile(ctx context.Context, path string) (snapshot.Metadata, error) {
	if err := e.checkStarted(); err != nil {
		return snapshot.Metadata{}, err
	}
	if err := e.checkWritable(); err != nil {
		return snapshot.Metadata{}, err
	}
	e.ddlMu.Lock()
	defer e.ddlMu.Unlock()
	e.commitMu.Lock()
	defer e.commitMu.Unlock()
	return e.snapshots.Restore(ctx, path, &restoreSink{e: e})
}

// snapshotSource exports the engine. The caller holds commitMu exclusively,
// so counts and scans agree.
type snapshotSource struct{ e *Engine }

func (s snapshotSource) SnapshotMetadata(ctx context.Context) (snapshot.Metadata, error) {
	e := s.e
	meta := snapshot.Metadata{Seq: min(e.wal.LastSeq(), e.wal.DurabilityPoint())}
	for _, name := range e.Collections() {
		cs, err := e.collection(name)
		if err != nil {
			return meta, err
		}
		opts, err := json.Marshal(cs.opts)
		if err != nil {
			return meta, fmt.Errorf("failed to encode options of %s: %w", name, err)
		}
		count, err := e.store.Count(name)
		if err != nil {
			return meta, err
		}
		defs := cs.indexes.List()
		for i := range defs {
			defs[i].Status = core.IndexBuilding
		}
		meta.Collections = append(meta.Collections, snapshot.CollectionMeta{
			Name:      name,
			Options:   opts,
			Indexes:   defs,
			Documents: count,
		})
	}
	return meta, nil
}

func (s snapshotSource) ScanCollection(ctx context.Context, name string, fn func(doc *core.Document) error) error {
	it, err := s.e.store.Scan(name)
	if err != nil {
		return err
	}
	defer it.Close()
	for it.Next() {
		if err := fn(it.Document()); err != nil {
			return err
		}
	}
	return it.Err()
}

// restoreSink stages a snapshot in memory and swaps it in on Commit. The
// caller holds ddlMu and commitMu exclusively.
type restoreSink struct {
	e    *Engine
	meta snapshot.Metadata
	docs map[string][]*core.Document
}

func (s *restoreSink) Begin(ctx context.Context, meta snapshot.Metadata) error {
	for _, c := range meta.Collections {
		if err := core.ValidateName("collection", c.Name); err != nil {
			return err
		}
		var opts CollectionOptions
		if len(c.Options) > 0 {
			if err := json.Unmarshal(c.Options, &opts); err != nil {
				return fmt.Errorf("invalid options for collection %s: %w", c.Name, err)
			}
		}
		if opts.Encrypted && s.e.opts.Cipher == nil {
			return fmt.Errorf("collection %s: snapshot holds an encrypted collection but no cipher is configured", c.Name)
		}
	}
	s.meta = meta
	s.docs = make(map[string][]*core.Document, len(meta.Collections))
	return nil
}

func (s *restoreSink) Document(ctx context.Context, collection string, doc *core.Document) error {
	s.docs[collection] = append(s.docs[collection], doc)
	return nil
}

func (s *restoreSink) Abort(ctx context.Context) {
	s.docs = nil
}

func (s *restoreSink) Commit(ctx context.Context) error {
	e := s.e
	// every WAL entry so far is superseded by the restored state
	seq := e.wal.LastSeq()

	e.catalogMu.Lock()
	old := e.collections
	e.collections = make(map[string]*collectionState)
	e.catalogMu.Unlock()
	for name, cs := range old {
		for _, def := range cs.indexes.List() {
			cs.indexes.Drop(def.Name)
		}
		if err := e.store.DropCollection(name); err != nil {
			return e.restoreFailed(fmt.Errorf("failed to drop collection %s: %w", name, err))
		}
	}
	e.cache.Clear()

	docs := 0
	for _, c := range s.meta.Collections {
		var opts CollectionOptions
		if len(c.Options) > 0 {
			if err := json.Unmarshal(c.Options, &opts); err != nil {
				return e.restoreFailed(err)
			}
		}
		if err := e.store.EnsureCollection(c.Name, opts.storage()); err != nil {
			return e.restoreFailed(err)
		}
		if err := e.store.Restore(c.Name, seq, s.docs[c.Name]); err != nil {
			return e.restoreFailed(fmt.Errorf("failed to restore collection %s: %w", c.Name, err))
		}
		cs := e.newCollectionState(c.Name, opts)
		for _, def := range c.Indexes {
			def.Status = core.IndexBuilding
			if _, err := cs.indexes.Create(def); err != nil {
				return e.restoreFailed(fmt.Errorf("failed to restore index %s.%s: %w", c.Name, def.Name, err))
			}
		}
		if cs.indexes.Len() > 0 {
			if err := e.stateLoader.backfill(cs); err != nil {
				return e.restoreFailed(err)
			}
		}
		e.catalogMu.Lock()
		e.collections[c.Name] = cs
		e.catalogMu.Unlock()
		docs += len(s.docs[c.Name])
	}
	s.docs = nil

	if err := e.saveCatalog(); err != nil {
		return e.restoreFailed(err)
	}
	if _, err := e.checkpointLocked(ctx); err != nil {
		return e.restoreFailed(err)
	}
	e.logger.Info("Snapshot restored",
		"snapshot_seq", s.meta.Seq,
		"collections", strings.Join(e.Collections(), ","),
		"documents", docs,
	)
	return nil
}

// restoreFailed degrades the engine: a restore that fails halfway leaves
// data files that match neither the snapshot nor the WAL.
func (e *Engine) restoreFailed(err error) error {
	e.markDegraded(fmt.Errorf("snapshot restore failed: %w", err))
	return err
}
