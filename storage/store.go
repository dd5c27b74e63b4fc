package storage

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/INLOpen/nexusdoc/compressors"
	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/hooks"
	"github.com/INLOpen/nexusdoc/sys"
)

// DefaultCompactionGarbageRatio is the garbage share above which Compact rewrites a data file.
const DefaultCompactionGarbageRatio = 0.5

// Options configures a Store.
type Options struct {
	Dir string
	// Compression is applied to document bytes of collections that are not encrypted.
	Compression            core.CompressionType
	CompactionGarbageRatio float64
	// Cipher seals documents of collections opened with Encrypted set.
	Cipher      Cipher
	Logger      *slog.Logger
	HookManager hooks.HookManager
}

// CollectionOptions are the storage-relevant options of a collection.
type CollectionOptions struct {
	Encrypted bool
}

// Store is the persistent layer: one append-only data file per collection
// with an in-memory keydir. It assumes every mutation it is given has
// already been made durable in the WAL.
type Store struct {
	dir        string
	opts       Options
	logger     *slog.Logger
	hooks      hooks.HookManager
	compressor core.Compressor

	mu          sync.RWMutex
	collections map[string]*collection

	appliedSeq atomic.Uint64
}

// Open loads every collection found under dir.
func Open(opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "Store_default")
	} else {
		opts.Logger = opts.Logger.With("component", "Store")
	}
	if opts.CompactionGarbageRatio <= 0 {
		opts.CompactionGarbageRatio = DefaultCompactionGarbageRatio
	}
	compressor, err := compressors.Get(opts.Compression)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory %s: %w", opts.Dir, err)
	}

	s := &Store{
		dir:         opts.Dir,
		opts:        opts,
		logger:      opts.Logger,
		hooks:       opts.HookManager,
		compressor:  compressor,
		collections: make(map[string]*collection),
	}
	entries, err := os.ReadDir(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read storage directory %s: %w", opts.Dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		c, err := openCollection(filepath.Join(opts.Dir, e.Name()), e.Name(), s.logger)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.collections[e.Name()] = c
		s.bumpApplied(c.maxSeq)
	}
	s.logger.Info("Store opened", "dir", opts.Dir, "collections", len(s.collections), "applied_seq", s.AppliedSeq())
	return s, nil
}

func (s *Store) bumpApplied(seq uint64) {
	for {
		cur := s.appliedSeq.Load()
		if seq <= cur || s.appliedSeq.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// AppliedSeq is the highest sequence number of any mutation applied.
func (s *Store) AppliedSeq() uint64 {
	return s.appliedSeq.Load()
}

func (s *Store) get(name string) (*collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrCollectionNotFound, name)
	}
	return c, nil
}

// EnsureCollection creates the collection if needed and sets its options.
func (s *Store) EnsureCollection(name string, opts CollectionOptions) error {
	if err := core.ValidateName("collection", name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[name]
	if !ok {
		var err error
		c, err = openCollection(filepath.Join(s.dir, name), name, s.logger)
		if err != nil {
			return err
		}
		if err := sys.SyncDir(s.dir); err != nil {
			c.close()
			return err
		}
		s.collections[name] = c
		s.logger.Info("Collection created", "collection", name, "encrypted", opts.Encrypted)
	}
	c.mu.Lock()
	c.opts = opts
	c.mu.Unlock()
	return nil
}

// DropCollection closes the collection and removes its files.
func (s *Store) DropCollection(name string) error {
	s.mu.Lock()
	c, ok := s.collections[name]
	delete(s.collections, name)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrCollectionNotFound, name)
	}
	c.close()
	if err := os.RemoveAll(c.dir); err != nil {
		return fmt.Errorf("failed to remove collection %s: %w", name, err)
	}
	return sys.SyncDir(s.dir)
}

// HasCollection reports whether name exists.
func (s *Store) HasCollection(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.collections[name]
	return ok
}

// Collections returns collection names in sorted order.
func (s *Store) Collections() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns the stored document, or nil if it does not exist.
func (s *Store) Get(collectionName, id string) (*core.Document, error) {
	c, err := s.get(collectionName)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	loc, ok := c.lookup(id)
	if !ok || loc.deleted {
		return nil, nil
	}
	rec, err := c.readLocked(loc)
	if err != nil {
		return nil, err
	}
	return s.decode(c, rec)
}

func (s *Store) decode(c *collection, rec record) (*core.Document, error) {
	plain, err := compressors.Decode(rec.comp, rec.payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress %s/%s: %w", c.name, rec.id, err)
	}
	if c.opts.Encrypted {
		if s.opts.Cipher == nil {
			return nil, fmt.Errorf("collection %s is encrypted but no cipher is configured", c.name)
		}
		if plain, err = s.opts.Cipher.Open(c.name, rec.id, plain); err != nil {
			return nil, fmt.Errorf("failed to decrypt %s/%s: %w", c.name, rec.id, err)
		}
	}
	return core.DecodeDocument(c.name, rec.id, plain)
}

func (s *Store) encode(c *collection, doc *core.Document) ([]byte, core.CompressionType, error) {
	plain := core.EncodeDocument(doc)
	if c.opts.Encrypted {
		if s.opts.Cipher == nil {
			return nil, 0, fmt.Errorf("collection %s is encrypted but no cipher is configured", c.name)
		}
		sealed, err := s.opts.Cipher.Seal(c.name, doc.ID, plain)
		return sealed, core.CompressionNone, err
	}
	if s.compressor.Type() == core.CompressionNone {
		return plain, core.CompressionNone, nil
	}
	compressed, err := s.compressor.Compress(nil, plain)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to compress %s/%s: %w", c.name, doc.ID, err)
	}
	return compressed, s.compressor.Type(), nil
}

// Put stores doc as the result of WAL entry seq. It reports false without
// writing when the stored record is already at seq or newer, which makes
// WAL replay idempotent.
func (s *Store) Put(doc *core.Document, seq uint64) (bool, error) {
	c, err := s.get(doc.Collection)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if loc, ok := c.lookup(doc.ID); ok && loc.seq >= seq {
		return false, nil
	}
	payload, comp, err := s.encode(c, doc)
	if err != nil {
		return false, err
	}
	if err := c.appendLocked(record{kind: recordPut, seq: seq, comp: comp, id: doc.ID, payload: payload}); err != nil {
		return false, err
	}
	s.bumpApplied(seq)
	return true, nil
}

// Delete removes id as the result of WAL entry seq and reports whether a
// live document was removed.
func (s *Store) Delete(collectionName, id string, seq uint64) (bool, error) {
	c, err := s.get(collectionName)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	loc, ok := c.lookup(id)
	if !ok || loc.deleted || loc.seq >= seq {
		return false, nil
	}
	if err := c.appendLocked(record{kind: recordDelete, seq: seq, id: id}); err != nil {
		return false, err
	}
	s.bumpApplied(seq)
	return true, nil
}

// RecordSeq returns the sequence number of the newest record for id,
// tombstones included, and whether one exists.
func (s *Store) RecordSeq(collectionName, id string) (uint64, bool, error) {
	c, err := s.get(collectionName)
	if err != nil {
		return 0, false, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	loc, ok := c.lookup(id)
	if !ok {
		return 0, false, nil
	}
	return loc.seq, true, nil
}

// Count returns the number of live documents in a collection.
func (s *Store) Count(collectionName string) (int, error) {
	c, err := s.get(collectionName)
	if err != nil {
		return 0, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.live, nil
}

// Stats describes the on-disk state of one collection.
type Stats struct {
	Live         int
	LiveBytes    int64
	FileBytes    int64
	GarbageRatio float64
	Encrypted    bool
}

func (s *Store) Stats(collectionName string) (Stats, error) {
	c, err := s.get(collectionName)
	if err != nil {
		return Stats{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Live:         c.live,
		LiveBytes:    c.liveBytes,
		FileBytes:    c.size,
		GarbageRatio: c.garbageRatio(),
		Encrypted:    c.opts.Encrypted,
	}, nil
}

// IDs returns the live document ids of a collection in id order.
func (s *Store) IDs(collectionName string) ([]string, error) {
	c, err := s.get(collectionName)
	if err != nil {
		return nil, err
	}
	return c.ids(), nil
}

// Ref names one stored document and the sequence number that wrote it.
type Ref struct {
	Collection string
	ID         string
	Seq        uint64
}

// Recent returns up to limit live documents across all collections, most
// recently written first. A limit <= 0 returns every live document.
func (s *Store) Recent(limit int) []Ref {
	var refs []Ref
	for _, name := range s.Collections() {
		c, err := s.get(name)
		if err != nil {
			continue
		}
		c.mu.RLock()
		c.keydir.Range(func(id string, loc location) bool {
			if !loc.deleted {
				refs = append(refs, Ref{Collection: name, ID: id, Seq: loc.seq})
			}
			return true
		})
		c.mu.RUnlock()
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Seq > refs[j].Seq })
	if limit > 0 && len(refs) > limit {
		refs = refs[:limit]
	}
	return refs
}

// Scan returns an iterator over the live documents of a collection in id
// order. The set of ids is fixed when Scan is called; each document is read
// at its newest version when the iterator reaches it, and ids deleted in
// the meantime are skipped.
func (s *Store) Scan(collectionName string) (*Iterator, error) {
	c, err := s.get(collectionName)
	if err != nil {
		return nil, err
	}
	return &Iterator{store: s, c: c, ids: c.ids()}, nil
}

// Restore replaces the contents of a collection with docs, all recorded at
// seq, and syncs the result.
func (s *Store) Restore(collectionName string, seq uint64, docs []*core.Document) error {
	c, err := s.get(collectionName)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.resetLocked(); err != nil {
		return err
	}
	for _, doc := range docs {
		payload, comp, err := s.encode(c, doc)
		if err != nil {
			return err
		}
		if err := c.appendLocked(record{kind: recordPut, seq: seq, comp: comp, id: doc.ID, payload: payload}); err != nil {
			return err
		}
	}
	s.bumpApplied(seq)
	return c.file.Sync()
}

func (c *collection) resetLocked() error {
	if err := c.file.Truncate(int64(core.FileHeaderSize)); err != nil {
		return fmt.Errorf("failed to reset %s: %w", c.path, err)
	}
	if _, err := c.file.Seek(int64(core.FileHeaderSize), io.SeekStart); err != nil {
		return err
	}
	c.size = int64(core.FileHeaderSize)
	c.keydir = newKeydir()
	c.live = 0
	c.liveBytes = 0
	return nil
}

// Sync fsyncs every collection's data file.
func (s *Store) Sync() error {
	s.mu.RLock()
	cols := make([]*collection, 0, len(s.collections))
	for _, c := range s.collections {
		cols = append(cols, c)
	}
	s.mu.RUnlock()

	var errs []error
	for _, c := range cols {
		c.mu.RLock()
		if c.file != nil {
			if err := c.file.Sync(); err != nil {
				errs = append(errs, fmt.Errorf("failed to sync %s: %w", c.path, err))
			}
		}
		c.mu.RUnlock()
	}
	return errors.Join(errs...)
}

// Close closes every data file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, c := range s.collections {
		if c.file != nil {
			if err := c.file.Sync(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := c.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Iterator walks the documents of one collection.
type Iterator struct {
	store *Store
	c     *collection
	ids   []string
	pos   int
	cur   *core.Document
	err   error
}

// Next advances to the next live document.
func (it *Iterator) Next() bool {
	for it.err == nil && it.pos < len(it.ids) {
		id := it.ids[it.pos]
		it.pos++
		doc, err := it.load(id)
		if err != nil {
			it.err = err
			return false
		}
		if doc != nil {
			it.cur = doc
			return true
		}
	}
	it.cur = nil
	return false
}

func (it *Iterator) load(id string) (*core.Document, error) {
	it.c.mu.RLock()
	defer it.c.mu.RUnlock()
	if it.c.file == nil {
		return nil, fmt.Errorf("collection %s closed during scan", it.c.name)
	}
	loc, ok := it.c.lookup(id)
	if !ok || loc.deleted {
		return nil, nil
	}
	rec, err := it.c.readLocked(loc)
	if err != nil {
		return nil, err
	}
	return it.store.decode(it.c, rec)
}

// Document returns the current document.
func (it *Iterator) Document() *core.Document { return it.cur }

// Err returns the error that stopped iteration, if any.
func (it *Iterator) Err() error { return it.err }

// Close releases the iterator.
func (it *Iterator) Close() error {
	it.ids = nil
	it.cur = nil
	return nil
}
