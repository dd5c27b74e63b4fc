package index

import (
	"sync"

	"github.com/RoaringBitmap/roaring/roaring64"
)

// DocIDs interns document ids as dense ordinals so postings can be kept in
// roaring bitmaps. Ordinals are never reused within the life of a registry.
type DocIDs struct {
	mu    sync.RWMutex
	toOrd map[string]uint64
	toID  []string // ordinal-1 -> id
}

func NewDocIDs() *DocIDs {
	return &DocIDs{toOrd: make(map[string]uint64)}
}

// Ordinal returns the ordinal for id, assigning one if needed.
func (d *DocIDs) Ordinal(id string) uint64 {
	d.mu.RLock()
	ord, ok := d.toOrd[id]
	d.mu.RUnlock()
	if ok {
		return ord
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if ord, ok := d.toOrd[id]; ok {
		return ord
	}
	d.toID = append(d.toID, id)
	ord = uint64(len(d.toID))
	d.toOrd[id] = ord
	return ord
}

// Lookup returns the ordinal of id without assigning one.
func (d *DocIDs) Lookup(id string) (uint64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ord, ok := d.toOrd[id]
	return ord, ok
}

// ID resolves an ordinal.
func (d *DocIDs) ID(ord uint64) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if ord == 0 || ord > uint64(len(d.toID)) {
		return "", false
	}
	return d.toID[ord-1], true
}

// IDs resolves every ordinal of a bitmap, in ordinal order.
func (d *DocIDs) IDs(bm *roaring64.Bitmap) []string {
	out := make([]string, 0, bm.GetCardinality())
	d.mu.RLock()
	defer d.mu.RUnlock()
	it := bm.Iterator()
	for it.HasNext() {
		ord := it.Next()
		if ord > 0 && ord <= uint64(len(d.toID)) {
			out = append(out, d.toID[ord-1])
		}
	}
	return out
}

func (d *DocIDs) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.toID)
}
