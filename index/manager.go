package index

import (
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/INLOpen/nexusdoc/core"
)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Degree int
	Logger *slog.Logger
}

// Manager holds the indexes of one collection and applies document changes
// to all of them.
type Manager struct {
	collection string
	degree     int
	ids        *DocIDs
	logger     *slog.Logger

	mu      sync.RWMutex
	indexes map[string]*Index
}

func NewManager(collection string, opts ManagerOptions) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		collection: collection,
		degree:     opts.Degree,
		ids:        NewDocIDs(),
		logger:     logger.With("component", "IndexManager", "collection", collection),
		indexes:    make(map[string]*Index),
	}
}

// Create registers a new index. Its status is taken from def: Building
// indexes are filled by a Builder (or Backfill), Ready ones are served as is.
func (m *Manager) Create(def core.IndexDefinition) (*Index, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	def.Fields = slices.Clone(def.Fields)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.indexes[def.Name]; ok {
		return nil, fmt.Errorf("%w: %s.%s", core.ErrIndexExists, m.collection, def.Name)
	}
	idx := newIndex(m.collection, def, m.degree, m.ids, m.logger)
	m.indexes[def.Name] = idx
	m.logger.Debug("Index registered", "index", def.Name, "fields", strings.Join(def.Fields, ","), "unique", def.Unique, "status", def.Status)
	return idx, nil
}

// Drop removes an index. Waiters on a build still in progress are released
// with an error.
func (m *Manager) Drop(name string) (*Index, error) {
	m.mu.Lock()
	idx, ok := m.indexes[name]
	if ok {
		delete(m.indexes, name)
	}
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", core.ErrIndexNotFound, m.collection, name)
	}
	idx.finishBuild(fmt.Errorf("%w: dropped during build", core.ErrIndexNotFound), 0, 0)
	return idx, nil
}

func (m *Manager) Get(name string) (*Index, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.indexes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", core.ErrIndexNotFound, m.collection, name)
	}
	return idx, nil
}

// Indexes returns the registered indexes ordered by name.
func (m *Manager) Indexes() []*Index {
	m.mu.RLock()
	out := make([]*Index, 0, len(m.indexes))
	for _, idx := range m.indexes {
		out = append(out, idx)
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Index) int { return strings.Compare(a.Name(), b.Name()) })
	return out
}

// List returns the definitions with their current status, ordered by name.
func (m *Manager) List() []core.IndexDefinition {
	idxs := m.Indexes()
	out := make([]core.IndexDefinition, len(idxs))
	for i, idx := range idxs {
		out[i] = idx.Definition()
	}
	return out
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.indexes)
}

// lockAll write-locks every index in name order so multi-index updates are
// atomic and cannot deadlock with each other.
func lockAll(idxs []*Index) {
	for _, idx := range idxs {
		idx.mu.Lock()
	}
}

func unlockAll(idxs []*Index) {
	for i := len(idxs) - 1; i >= 0; i-- {
		idxs[i].mu.Unlock()
	}
}

type keyChange struct {
	idx      *Index
	oldKey   Key
	newKey   Key
	inserted bool
	removed  bool
}

// Update is an index change made by Prepare. Every index of the collection
// stays write-locked until Commit or Rollback, so no other writer can take a
// key the change released before the change is final.
type Update struct {
	m       *Manager
	idxs    []*Index
	applied []keyChange
	docID   string
	done    bool
}

// Prepare moves the document's entries from the keys of old (nil when the
// document is new) to the keys of doc in every Building or Ready index. If
// any unique index rejects its key, the changes already made are rolled
// back, the locks are released and the *core.UniqueConstraintError is
// returned. Otherwise the caller must end the update with Commit or Rollback.
func (m *Manager) Prepare(old, doc *core.Document) (*Update, error) {
	idxs := m.Indexes()
	u := &Update{m: m, idxs: idxs, docID: doc.ID}
	if len(idxs) == 0 {
		return u, nil
	}
	lockAll(idxs)

	u.applied = make([]keyChange, 0, len(idxs))
	for _, idx := range idxs {
		if idx.def.Status == core.IndexFailed {
			continue
		}
		ch := keyChange{idx: idx, newKey: idx.KeyOf(doc)}
		if old != nil {
			ch.oldKey = idx.KeyOf(old)
			if ch.oldKey.Equal(ch.newKey) {
				continue
			}
		}
		inserted, err := idx.insertLocked(ch.newKey, doc.ID)
		if err != nil {
			u.Rollback()
			return nil, err
		}
		ch.inserted = inserted
		if old != nil {
			ch.removed = idx.removeLocked(ch.oldKey, doc.ID)
		}
		u.applied = append(u.applied, ch)
	}
	return u, nil
}

// Commit keeps the changes and releases the locks.
func (u *Update) Commit() {
	if u.done {
		return
	}
	u.done = true
	unlockAll(u.idxs)
}

// Rollback reverts the changes and releases the locks.
func (u *Update) Rollback() {
	if u.done {
		return
	}
	u.done = true
	u.m.rollback(u.applied, u.docID)
	unlockAll(u.idxs)
}

// OnPut applies Prepare and commits at once.
func (m *Manager) OnPut(old, doc *core.Document) error {
	u, err := m.Prepare(old, doc)
	if err != nil {
		return err
	}
	u.Commit()
	return nil
}

func (m *Manager) rollback(applied []keyChange, docID string) {
	for i := len(applied) - 1; i >= 0; i-- {
		ch := applied[i]
		if ch.inserted {
			ch.idx.removeLocked(ch.newKey, docID)
		}
		if ch.removed {
			if _, err := ch.idx.insertLocked(ch.oldKey, docID); err != nil {
				// cannot happen while the locks taken by Prepare are held
				m.logger.Error("Failed to restore index entry during rollback", "index", ch.idx.Name(), "doc_id", docID, "error", err)
			}
		}
	}
}

// OnDelete removes the document from every index.
func (m *Manager) OnDelete(doc *core.Document) {
	idxs := m.Indexes()
	lockAll(idxs)
	defer unlockAll(idxs)
	for _, idx := range idxs {
		idx.removeLocked(idx.KeyOf(doc), doc.ID)
	}
}

// Backfill inserts doc into every Building index. An index whose unique
// constraint is broken by the existing data fails; the others continue.
func (m *Manager) Backfill(doc *core.Document) {
	for _, idx := range m.Indexes() {
		idx.mu.Lock()
		var err error
		if idx.def.Status == core.IndexBuilding {
			_, err = idx.insertLocked(idx.KeyOf(doc), doc.ID)
		}
		idx.mu.Unlock()
		if err != nil {
			m.logger.Warn("Index rebuild found duplicate keys", "index", idx.Name(), "error", err)
			idx.finishBuild(err, 0, 0)
		}
	}
}

// FinishBackfill marks every index still Building as Ready.
func (m *Manager) FinishBackfill() {
	for _, idx := range m.Indexes() {
		idx.markReady()
	}
}
