package index

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/caio/go-tdigest/v4"
)

// Index is one secondary index of a collection: a B-tree from Key to the
// ordinals of the documents holding that key. A single RWMutex per index
// serializes mutations, so a unique check and the insert that follows it are
// atomic with respect to other writers.
type Index struct {
	collection string
	def        core.IndexDefinition
	ids        *DocIDs
	logger     *slog.Logger

	mu       sync.RWMutex
	tree     *BTree[Key, *roaring64.Bitmap]
	entries  int
	keyBytes int64
	keySizes *tdigest.TDigest

	buildErr      error
	buildDuration time.Duration
	buildDocs     int
	done          chan struct{}
}

func newIndex(collection string, def core.IndexDefinition, degree int, ids *DocIDs, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	idx := &Index{
		collection: collection,
		def:        def,
		ids:        ids,
		logger:     logger.With("index", def.Name),
		tree:       NewBTree[Key, *roaring64.Bitmap](degree, CompareKeys),
		done:       make(chan struct{}),
	}
	idx.keySizes, _ = tdigest.New()
	if def.Status != core.IndexBuilding {
		close(idx.done)
	}
	return idx
}

func (x *Index) Name() string       { return x.def.Name }
func (x *Index) Collection() string { return x.collection }
func (x *Index) Fields() []string   { return x.def.Fields }
func (x *Index) Unique() bool       { return x.def.Unique }

// Definition returns the definition with the current status.
func (x *Index) Definition() core.IndexDefinition {
	x.mu.RLock()
	defer x.mu.RUnlock()
	d := x.def
	d.Fields = slices.Clone(x.def.Fields)
	return d
}

func (x *Index) Status() core.IndexStatus {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.def.Status
}

// Err returns the reason a failed build failed.
func (x *Index) Err() error {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.buildErr
}

// KeyOf extracts this index's key from doc.
func (x *Index) KeyOf(doc *core.Document) Key { return KeyOf(doc, x.def.Fields) }

// Insert adds docID under key. On a unique index a key already held by a
// different document yields *core.UniqueConstraintError and nothing changes.
// Inserting a pair that is already present is a no-op.
func (x *Index) Insert(key Key, docID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	_, err := x.insertLocked(key, docID)
	return err
}

// insertLocked reports whether the pair was added.
func (x *Index) insertLocked(key Key, docID string) (bool, error) {
	ord := x.ids.Ordinal(docID)
	bm, ok := x.tree.Get(key)
	if ok && x.def.Unique && !bm.IsEmpty() && !bm.Contains(ord) {
		existing, _ := x.ids.ID(bm.Minimum())
		return false, &core.UniqueConstraintError{
			Collection:    x.collection,
			Index:         x.def.Name,
			Key:           key.String(),
			ExistingDocID: existing,
			RejectedDocID: docID,
		}
	}
	if !ok {
		bm = roaring64.New()
		x.tree.ReplaceOrInsert(key, bm)
		size := key.Size()
		x.keyBytes += int64(size)
		_ = x.keySizes.Add(float64(size))
	}
	if !bm.CheckedAdd(ord) {
		return false, nil
	}
	x.entries++
	return true, nil
}

// Remove deletes the pair (key, docID) and reports whether it was present.
func (x *Index) Remove(key Key, docID string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.removeLocked(key, docID)
}

func (x *Index) removeLocked(key Key, docID string) bool {
	ord, ok := x.ids.Lookup(docID)
	if !ok {
		return false
	}
	bm, ok := x.tree.Get(key)
	if !ok || !bm.CheckedRemove(ord) {
		return false
	}
	x.entries--
	if bm.IsEmpty() {
		x.tree.Delete(key)
		x.keyBytes -= int64(key.Size())
	}
	return true
}

// Lookup returns the documents holding key, sorted by id.
func (x *Index) Lookup(key Key) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	bm, ok := x.tree.Get(key)
	if !ok {
		return nil
	}
	ids := x.ids.IDs(bm)
	slices.Sort(ids)
	return ids
}

// Len is the number of (key, document) pairs.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.entries
}

type scanEntry struct {
	key  Key
	docs *roaring64.Bitmap
}

// RangeScan returns the documents whose key lies between lower and upper, in
// ascending key order and by id within a key. The key range is captured under
// the read lock, so the iterator sees a consistent state even while writers
// continue; document ids are resolved lazily as the iterator advances.
func (x *Index) RangeScan(lower, upper *Bound) *Iterator {
	var geq func(Key) bool
	if lower != nil {
		geq = func(k Key) bool { return comparePrefix(k, lower.Key) >= 0 }
	}
	var entries []scanEntry
	x.mu.RLock()
	x.tree.Ascend(geq, func(k Key, bm *roaring64.Bitmap) bool {
		if lower != nil && !lower.admitsLower(k) {
			return true
		}
		if upper != nil && !upper.admitsUpper(k) {
			return false
		}
		entries = append(entries, scanEntry{key: k, docs: bm.Clone()})
		return true
	})
	x.mu.RUnlock()
	return &Iterator{ids: x.ids, entries: entries, pos: -1}
}

// Iterator walks the result of a range scan.
type Iterator struct {
	ids     *DocIDs
	entries []scanEntry
	pos     int
	batch   []string
	cur     int
}

// Next advances to the next document and reports whether there is one.
func (it *Iterator) Next() bool {
	for {
		if it.cur+1 < len(it.batch) {
			it.cur++
			return true
		}
		it.pos++
		if it.pos >= len(it.entries) {
			it.batch = nil
			return false
		}
		it.batch = it.ids.IDs(it.entries[it.pos].docs)
		slices.Sort(it.batch)
		it.cur = -1
	}
}

// Key is the index key of the current document.
func (it *Iterator) Key() Key { return it.entries[it.pos].key }

// DocID is the id of the current document.
func (it *Iterator) DocID() string { return it.batch[it.cur] }

// Collect drains the iterator.
func (it *Iterator) Collect() []string {
	var out []string
	for it.Next() {
		out = append(out, it.DocID())
	}
	return out
}

// Stats describes an index for query planning.
type Stats struct {
	Collection   string
	Name         string
	Fields       []string
	Unique       bool
	Status       core.IndexStatus
	Entries      int
	DistinctKeys int
	Height       int
	Nodes        int
	AvgKeySize   float64
	P99KeySize   float64
	// Selectivity is distinct keys per entry; 1 means every key is unique.
	Selectivity float64
	// RebuildCost estimates the node visits needed to rebuild from scratch.
	RebuildCost int
	// EstimatedRebuild extrapolates the last build's throughput to the current size.
	EstimatedRebuild time.Duration
}

func (x *Index) Stats() Stats {
	x.mu.Lock()
	defer x.mu.Unlock()
	s := Stats{
		Collection:   x.collection,
		Name:         x.def.Name,
		Fields:       slices.Clone(x.def.Fields),
		Unique:       x.def.Unique,
		Status:       x.def.Status,
		Entries:      x.entries,
		DistinctKeys: x.tree.Len(),
		Height:       x.tree.Height(),
		Nodes:        x.tree.Nodes(),
	}
	if s.DistinctKeys > 0 {
		s.AvgKeySize = float64(x.keyBytes) / float64(s.DistinctKeys)
	}
	if x.keySizes.Count() > 0 {
		s.P99KeySize = x.keySizes.Quantile(0.99)
	}
	if s.Entries > 0 {
		s.Selectivity = float64(s.DistinctKeys) / float64(s.Entries)
	}
	s.RebuildCost = s.Entries * max(s.Height, 1)
	if x.buildDocs > 0 && x.buildDuration > 0 {
		perDoc := x.buildDuration / time.Duration(x.buildDocs)
		s.EstimatedRebuild = perDoc * time.Duration(s.Entries)
	}
	return s
}

// Wait blocks until the index leaves the Building state. It returns nil once
// the index is Ready and the build error if it failed.
func (x *Index) Wait(ctx context.Context) error {
	select {
	case <-x.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.def.Status == core.IndexFailed {
		return x.buildErr
	}
	return nil
}

// CheckReady returns core.ErrIndexNotReady unless the index can serve queries.
func (x *Index) CheckReady() error {
	switch st := x.Status(); st {
	case core.IndexReady:
		return nil
	case core.IndexFailed:
		return fmt.Errorf("%w: %s.%s: %w", core.ErrIndexNotReady, x.collection, x.def.Name, x.Err())
	default:
		return fmt.Errorf("%w: %s.%s is %s", core.ErrIndexNotReady, x.collection, x.def.Name, st)
	}
}

func (x *Index) finishBuild(err error, docs int, took time.Duration) {
	x.mu.Lock()
	if x.def.Status != core.IndexBuilding {
		x.mu.Unlock()
		return
	}
	x.buildDocs, x.buildDuration = docs, took
	if err != nil {
		x.def.Status = core.IndexFailed
		x.buildErr = fmt.Errorf("%w: %w", core.ErrIndexBuildFailed, err)
		// a failed index holds no entries
		x.tree = NewBTree[Key, *roaring64.Bitmap](x.tree.degree, CompareKeys)
		x.entries, x.keyBytes = 0, 0
	} else {
		x.def.Status = core.IndexReady
	}
	x.mu.Unlock()
	close(x.done)
}

// markReady sets a Building index Ready without a background build, used by
// synchronous rebuilds at startup.
func (x *Index) markReady() { x.finishBuild(nil, 0, 0) }
