package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/INLOpen/nexusdoc/checkpoint"
	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/hooks"
	"github.com/INLOpen/nexusdoc/index"
	"github.com/INLOpen/nexusdoc/storage"
	"github.com/INLOpen/nexusdoc/wal"
)

// StateLoader rebuilds the engine's state from disk: catalog, checkpoint,
// collection data files, indexes and finally the WAL tail.
type StateLoader struct {
	engine *Engine
	logger *slog.Logger
}

// NewStateLoader creates a new loader for the given engine.
func NewStateLoader(engine *Engine) *StateLoader {
	return &StateLoader{
		engine: engine,
		logger: engine.logger.With("component", "StateLoader"),
	}
}

// Load orchestrates the entire state loading process.
func (sl *StateLoader) Load() error {
	e := sl.engine
	start := time.Now()

	// --- Phase 1: Catalog ---
	cat, err := readCatalog(e.opts.DataDir)
	if err != nil {
		return err
	}

	// --- Phase 2: Checkpoint ---
	cp, found, err := checkpoint.Read(e.opts.DataDir)
	if err != nil {
		return fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	if found {
		sl.logger.Info("Checkpoint found", "applied_seq", cp.AppliedSeq, "last_safe_segment_index", cp.LastSafeSegmentIndex)
	} else {
		sl.logger.Info("No checkpoint found, will perform full recovery from all available WAL segments.")
	}
	e.lastCheckpoint = cp

	// --- Phase 3: Collection data files ---
	if err := sl.openStore(cat); err != nil {
		return err
	}

	// --- Phase 4: Indexes from the stored documents ---
	if err := sl.rebuildIndexes(); err != nil {
		return err
	}

	// --- Phase 5: WAL replay ---
	w, entries, err := wal.Open(wal.Options{
		Dir:            filepath.Join(e.opts.DataDir, core.WALDirName),
		SyncMode:       e.opts.WALSyncMode,
		FlushInterval:  e.opts.WALFlushInterval,
		MaxSegmentSize: e.opts.WALMaxSegmentSize,
		Preallocate:    e.opts.WALPreallocate,
		StartSegment:   cp.LastSafeSegmentIndex,
		StartSeq:       cp.AppliedSeq,
		MinSeq:         e.store.AppliedSeq(),
		BytesWritten:   e.metrics.WALBytesWrittenTotal,
		EntriesWritten: e.metrics.WALEntriesWrittenTotal,
		Syncs:          e.metrics.WALSyncsTotal,
		Logger:         e.logger,
		HookManager:    e.hookManager,
	})
	if err != nil {
		return fmt.Errorf("failed to open WAL: %w", err)
	}
	e.wal = w
	applied, err := sl.replay(entries)
	if err != nil {
		return fmt.Errorf("failed to replay WAL: %w", err)
	}

	if err := e.saveCatalog(); err != nil {
		return err
	}

	rec := w.Recovery()
	took := time.Since(start)
	e.metrics.WALRecoveredEntriesTotal.Add(int64(len(entries)))
	e.metrics.WALRecoveryDurationSeconds.Set(took.Seconds())
	sl.logger.Info("State loading completed successfully.",
		"recovered_entries", len(entries),
		"applied_entries", applied,
		"last_seq", w.LastSeq(),
		"truncated", rec.Truncated,
		"duration", took,
	)
	e.hookManager.Trigger(context.Background(), hooks.NewPostWALRecoveryEvent(hooks.PostWALRecoveryPayload{
		RecoveredEntriesCount: len(entries),
		AppliedEntriesCount:   applied,
		LastSeqNum:            w.LastSeq(),
		Truncated:             rec.Truncated,
		Duration:              took,
	}))
	return nil
}

func (sl *StateLoader) openStore(cat catalogFile) error {
	e := sl.engine
	store, err := storage.Open(storage.Options{
		Dir:                    filepath.Join(e.opts.DataDir, core.CollectionsDirName),
		Compression:            e.opts.Compression,
		CompactionGarbageRatio: e.opts.CompactionGarbageRatio,
		Cipher:                 e.opts.Cipher,
		Logger:                 e.logger,
		HookManager:            e.hookManager,
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	e.store = store

	for _, cc := range cat.Collections {
		if err := store.EnsureCollection(cc.Name, cc.Options.storage()); err != nil {
			return fmt.Errorf("failed to open collection %s: %w", cc.Name, err)
		}
		cs := e.newCollectionState(cc.Name, cc.Options)
		for _, def := range cc.Indexes {
			def.Status = core.IndexBuilding
			if _, err := cs.indexes.Create(def); err != nil {
				return fmt.Errorf("failed to restore index %s.%s: %w", cc.Name, def.Name, err)
			}
		}
		e.collections[cc.Name] = cs
	}
	for _, name := range store.Collections() {
		if _, ok := e.collections[name]; ok {
			continue
		}
		sl.logger.Warn("Collection found on disk but not in catalog, registering with default options", "collection", name)
		e.collections[name] = e.newCollectionState(name, CollectionOptions{})
	}
	return nil
}

// rebuildIndexes fills every index from the stored documents. Indexes that
// were Ready, Failed or interrupted mid-build all start over; a unique index
// whose data holds duplicates ends up Failed again.
func (sl *StateLoader) rebuildIndexes() error {
	for _, cs := range sl.engine.collections {
		if cs.indexes.Len() == 0 {
			continue
		}
		if err := sl.backfill(cs); err != nil {
			return err
		}
	}
	return nil
}

func (sl *StateLoader) backfill(cs *collectionState) error {
	it, err := sl.engine.store.Scan(cs.name)
	if err != nil {
		return fmt.Errorf("failed to scan %s for index rebuild: %w", cs.name, err)
	}
	defer it.Close()
	docs := 0
	for it.Next() {
		cs.indexes.Backfill(it.Document())
		docs++
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("failed to scan %s for index rebuild: %w", cs.name, err)
	}
	cs.indexes.FinishBackfill()
	sl.logger.Info("Indexes rebuilt", "collection", cs.name, "indexes", cs.indexes.Len(), "documents", docs)
	return nil
}

type docRef struct{ collection, id string }

// compensated finds the entries an Undo reverted: the newest Put or Delete of
// the same document preceding each Undo. Writers of one document are
// serialized, so nothing else touches it in between.
func compensated(entries []core.WALEntry) map[uint64]struct{} {
	last := make(map[docRef]uint64)
	out := make(map[uint64]struct{})
	for _, entry := range entries {
		ref := docRef{entry.Collection, entry.DocID}
		switch entry.Kind {
		case core.OpPut, core.OpDelete:
			last[ref] = entry.SeqNum
		case core.OpUndo:
			if seq, ok := last[ref]; ok {
				out[seq] = struct{}{}
				delete(last, ref)
			}
		}
	}
	return out
}

// replay applies recovered entries in sequence order. Document entries
// already reflected in a data file are skipped by sequence number, so
// replaying twice is harmless.
func (sl *StateLoader) replay(entries []core.WALEntry) (int, error) {
	skip := compensated(entries)
	applied := 0
	for i := range entries {
		entry := &entries[i]
		if _, ok := skip[entry.SeqNum]; ok {
			continue
		}
		ok, err := sl.apply(entry)
		if err != nil {
			return applied, fmt.Errorf("entry %d (%s %s/%s): %w", entry.SeqNum, entry.Kind, entry.Collection, entry.DocID, err)
		}
		if ok {
			applied++
		}
	}
	return applied, nil
}

func (sl *StateLoader) apply(entry *core.WALEntry) (bool, error) {
	e := sl.engine
	switch entry.Kind {
	case core.OpCollectionCreate:
		if _, ok := e.collections[entry.Collection]; ok {
			return false, nil
		}
		var opts CollectionOptions
		if len(entry.Payload) > 0 {
			if err := json.Unmarshal(entry.Payload, &opts); err != nil {
				return false, fmt.Errorf("failed to decode collection options: %w", err)
			}
		}
		if err := e.store.EnsureCollection(entry.Collection, opts.storage()); err != nil {
			return false, err
		}
		e.collections[entry.Collection] = e.newCollectionState(entry.Collection, opts)
		return true, nil

	case core.OpCollectionDrop:
		if _, ok := e.collections[entry.Collection]; !ok {
			return false, nil
		}
		delete(e.collections, entry.Collection)
		if err := e.store.DropCollection(entry.Collection); err != nil && !errors.Is(err, core.ErrCollectionNotFound) {
			return false, err
		}
		return true, nil

	case core.OpIndexCreate:
		cs, ok := e.collections[entry.Collection]
		if !ok {
			return false, nil
		}
		def, err := core.DecodeIndexDefinition(entry.Payload)
		if err != nil {
			return false, err
		}
		def.Status = core.IndexBuilding
		if _, err := cs.indexes.Create(def); err != nil {
			if errors.Is(err, core.ErrIndexExists) {
				return false, nil
			}
			return false, err
		}
		// every other index is already Ready or Failed, so this fills only the new one
		return true, sl.backfill(cs)

	case core.OpIndexDrop:
		cs, ok := e.collections[entry.Collection]
		if !ok {
			return false, nil
		}
		if _, err := cs.indexes.Drop(string(entry.Payload)); err != nil {
			if errors.Is(err, core.ErrIndexNotFound) {
				return false, nil
			}
			return false, err
		}
		return true, nil
	}

	cs, ok := e.collections[entry.Collection]
	if !ok {
		// dropped later in the log
		return false, nil
	}
	recSeq, found, err := e.store.RecordSeq(entry.Collection, entry.DocID)
	if err != nil {
		return false, err
	}
	if found && recSeq >= entry.SeqNum {
		return false, nil
	}
	old, err := e.store.Get(entry.Collection, entry.DocID)
	if err != nil {
		return false, err
	}

	switch entry.Kind {
	case core.OpPut:
		doc, err := e.decodeLogged(cs, entry)
		if err != nil {
			return false, err
		}
		if err := cs.indexes.OnPut(old, doc); err != nil {
			if !core.IsUniqueViolation(err) {
				return false, err
			}
			// the write never got its undo logged before the crash
			undoSeq, cerr := e.logUndo(context.Background(), cs, entry.DocID, old)
			if cerr != nil {
				return false, cerr
			}
			sl.logger.Warn("Replayed write violates a unique index, compensated", "seq", entry.SeqNum, "undo_seq", undoSeq, "error", err)
			return false, nil
		}
		_, err = e.store.Put(doc, entry.SeqNum)
		return true, err

	case core.OpDelete:
		if old == nil {
			return false, nil
		}
		if _, err := e.store.Delete(entry.Collection, entry.DocID, entry.SeqNum); err != nil {
			return false, err
		}
		cs.indexes.OnDelete(old)
		return true, nil

	case core.OpUndo:
		if len(entry.Payload) == 0 {
			if old == nil {
				return false, nil
			}
			if _, err := e.store.Delete(entry.Collection, entry.DocID, entry.SeqNum); err != nil {
				return false, err
			}
			cs.indexes.OnDelete(old)
			return true, nil
		}
		doc, err := e.decodeLogged(cs, entry)
		if err != nil {
			return false, err
		}
		if err := cs.indexes.OnPut(old, doc); err != nil {
			sl.logger.Error("Undo entry conflicts with a unique index", "seq", entry.SeqNum, "error", err)
		}
		_, err = e.store.Put(doc, entry.SeqNum)
		return true, err

	case core.OpRewrite:
		if err := e.store.ReplaceStored(entry.Collection, entry.DocID, entry.Payload, entry.SeqNum); err != nil {
			if errors.Is(err, core.ErrKeyNotFound) {
				return false, nil
			}
			return false, err
		}
		return true, nil
	}
	sl.logger.Warn("Skipping WAL entry of unknown kind", "seq", entry.SeqNum, "kind", entry.Kind)
	return false, nil
}

func (e *Engine) newCollectionState(name string, opts CollectionOptions) *collectionState {
	return &collectionState{
		name: name,
		opts: opts,
		indexes: index.NewManager(name, index.ManagerOptions{
			Degree: e.opts.IndexDegree,
			Logger: e.logger,
		}),
	}
}
