package engine

import (
	"hash/maphash"
	"sync"
)

// lockTable maps documents onto a fixed set of RWMutex stripes. Two
// documents may share a stripe; a goroutine never holds more than one.
type lockTable struct {
	seed    maphash.Seed
	stripes []sync.RWMutex
}

func newLockTable(n int) *lockTable {
	return &lockTable{seed: maphash.MakeSeed(), stripes: make([]sync.RWMutex, n)}
}

func (t *lockTable) forDoc(collection, id string) *sync.RWMutex {
	var h maphash.Hash
	h.SetSeed(t.seed)
	h.WriteString(collection)
	h.WriteByte(0)
	h.WriteString(id)
	return &t.stripes[h.Sum64()%uint64(len(t.stripes))]
}
