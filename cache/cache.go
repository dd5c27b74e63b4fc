package cache

import (
	"container/list"
	"expvar"
	"hash/fnv"
	"io"
	"log/slog"
	"math/bits"
	"sync"
	"time"

	"github.com/INLOpen/nexusdoc/core"
)

// NoExpiry passed as a TTL stores an entry without expiry.
const NoExpiry time.Duration = -1

// EvictReason says why an entry left the cache.
type EvictReason uint8

const (
	EvictExpired EvictReason = iota + 1
	EvictCapacity
	EvictPressure
	EvictInvalidated
)

func (r EvictReason) String() string {
	switch r {
	case EvictExpired:
		return "expired"
	case EvictCapacity:
		return "capacity"
	case EvictPressure:
		return "pressure"
	case EvictInvalidated:
		return "invalidated"
	default:
		return "unknown"
	}
}

// Options configures a Cache.
type Options struct {
	// Shards is rounded up to a power of two. Default 16.
	Shards int
	// MaxEntries and MaxBytes bound the cache; zero means unbounded.
	MaxEntries int
	MaxBytes   int64
	// DefaultTTL applies when Set is called with a zero TTL. Zero means no expiry.
	DefaultTTL time.Duration
	Clock      core.Clock

	OnEvict func(key string, value Value, reason EvictReason)
	OnHit   func(key string)
	OnMiss  func(key string)

	Hits      *expvar.Int
	Misses    *expvar.Int
	Evictions *expvar.Int

	Logger *slog.Logger
}

// entry is one cached value with its expiry and access metadata.
type entry struct {
	key        string
	value      Value
	size       int64
	expiresAt  time.Time
	lastAccess time.Time
	elem       *list.Element
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

type shard struct {
	mu    sync.Mutex
	items map[string]*entry
	lru   *list.List // front = most recently used
	bytes int64
}

// Cache is a sharded TTL cache with LRU eviction. Each shard has its own
// lock, so operations on keys in different shards never contend.
type Cache struct {
	shards     []*shard
	mask       uint64
	maxEntries int // per shard
	maxBytes   int64
	defaultTTL time.Duration
	clock      core.Clock
	logger     *slog.Logger

	onEvict func(key string, value Value, reason EvictReason)
	onHit   func(key string)
	onMiss  func(key string)

	hits      *expvar.Int
	misses    *expvar.Int
	evictions *expvar.Int

	sweepStop chan struct{}
	sweepWG   sync.WaitGroup
	closeOnce sync.Once
}

// New creates a cache.
func New(opts Options) *Cache {
	n := opts.Shards
	if n <= 0 {
		n = 16
	}
	n = 1 << bits.Len(uint(n-1))
	if opts.Clock == nil {
		opts.Clock = core.SystemClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Cache{
		shards:     make([]*shard, n),
		mask:       uint64(n - 1),
		defaultTTL: opts.DefaultTTL,
		clock:      opts.Clock,
		logger:     opts.Logger.With("component", "Cache"),
		onEvict:    opts.OnEvict,
		onHit:      opts.OnHit,
		onMiss:     opts.OnMiss,
		hits:       opts.Hits,
		misses:     opts.Misses,
		evictions:  opts.Evictions,
	}
	if opts.MaxEntries > 0 {
		c.maxEntries = (opts.MaxEntries + n - 1) / n
	}
	if opts.MaxBytes > 0 {
		c.maxBytes = (opts.MaxBytes + int64(n) - 1) / int64(n)
	}
	if c.hits == nil {
		c.hits = new(expvar.Int)
	}
	if c.misses == nil {
		c.misses = new(expvar.Int)
	}
	if c.evictions == nil {
		c.evictions = new(expvar.Int)
	}
	for i := range c.shards {
		c.shards[i] = &shard{items: make(map[string]*entry), lru: list.New()}
	}
	return c
}

func (c *Cache) shardFor(key string) *shard {
	h := fnv.New64a()
	h.Write([]byte(key))
	return c.shards[h.Sum64()&c.mask]
}

// Get returns the value for key. An expired entry is treated as absent and
// removed, whether or not a sweep has run.
func (c *Cache) Get(key string) (Value, bool) {
	s := c.shardFor(key)
	now := c.clock.Now()
	var evicted []evictedEntry

	s.mu.Lock()
	e, ok := s.items[key]
	if ok && e.expired(now) {
		evicted = append(evicted, c.removeLocked(s, e, EvictExpired))
		ok = false
	}
	var v Value
	if ok {
		e.lastAccess = now
		s.lru.MoveToFront(e.elem)
		v = e.value
	}
	s.mu.Unlock()

	c.notify(evicted)
	if ok {
		c.hits.Add(1)
		if c.onHit != nil {
			c.onHit(key)
		}
		return v, true
	}
	c.misses.Add(1)
	if c.onMiss != nil {
		c.onMiss(key)
	}
	return nil, false
}

// Peek is Get without touching recency or hit counters.
func (c *Cache) Peek(key string) (Value, bool) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[key]
	if !ok || e.expired(c.clock.Now()) {
		return nil, false
	}
	return e.value, true
}

// Set stores value under key. A zero ttl uses the default TTL, NoExpiry
// (any negative ttl) stores without expiry.
func (c *Cache) Set(key string, value Value, ttl time.Duration) {
	s := c.shardFor(key)
	now := c.clock.Now()
	e := &entry{key: key, value: value, size: value.Size() + int64(len(key)) + entryOverhead, lastAccess: now}
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}

	s.mu.Lock()
	if old, ok := s.items[key]; ok {
		s.lru.Remove(old.elem)
		s.bytes -= old.size
	}
	e.elem = s.lru.PushFront(e)
	s.items[key] = e
	s.bytes += e.size
	evicted := c.enforceLocked(s, now)
	s.mu.Unlock()

	c.notify(evicted)
}

// Mutate applies fn to the container under key, creating an empty one of
// kind if the key is absent or expired. The change is made under the
// shard lock. A zero ttl keeps an existing entry's expiry.
func (c *Cache) Mutate(key string, kind Kind, ttl time.Duration, fn func(Value) error) error {
	s := c.shardFor(key)
	now := c.clock.Now()

	s.mu.Lock()
	var evicted []evictedEntry
	e, ok := s.items[key]
	if ok && e.expired(now) {
		evicted = append(evicted, c.removeLocked(s, e, EvictExpired))
		ok = false
	}
	if ok && e.value.Kind() != kind {
		s.mu.Unlock()
		c.notify(evicted)
		return ErrWrongKind
	}
	if !ok {
		v := newContainer(kind)
		if v == nil {
			s.mu.Unlock()
			c.notify(evicted)
			return ErrWrongKind
		}
		e = &entry{key: key, value: v}
		if ttl == 0 {
			ttl = c.defaultTTL
		}
		e.elem = s.lru.PushFront(e)
		s.items[key] = e
	}
	if err := fn(e.value); err != nil {
		if !ok {
			s.lru.Remove(e.elem)
			delete(s.items, key)
		}
		s.mu.Unlock()
		c.notify(evicted)
		return err
	}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	} else if ttl < 0 {
		e.expiresAt = time.Time{}
	}
	e.lastAccess = now
	s.lru.MoveToFront(e.elem)
	newSize := e.value.Size() + int64(len(key)) + entryOverhead
	s.bytes += newSize - e.size
	e.size = newSize
	evicted = append(evicted, c.enforceLocked(s, now)...)
	s.mu.Unlock()

	c.notify(evicted)
	return nil
}

// Invalidate removes key and reports whether it was present.
func (c *Cache) Invalidate(key string) bool {
	s := c.shardFor(key)
	s.mu.Lock()
	e, ok := s.items[key]
	var ev evictedEntry
	if ok {
		ev = c.removeLocked(s, e, EvictInvalidated)
	}
	s.mu.Unlock()
	if ok {
		c.notify([]evictedEntry{ev})
	}
	return ok
}

// InvalidateFunc removes every key for which match returns true and returns
// how many it removed.
func (c *Cache) InvalidateFunc(match func(key string) bool) int {
	var total int
	for _, s := range c.shards {
		var evicted []evictedEntry
		s.mu.Lock()
		for key, e := range s.items {
			if match(key) {
				evicted = append(evicted, c.removeLocked(s, e, EvictInvalidated))
			}
		}
		s.mu.Unlock()
		c.notify(evicted)
		total += len(evicted)
	}
	return total
}

// TTL returns the remaining lifetime of key; false if absent or without expiry.
func (c *Cache) TTL(key string) (time.Duration, bool) {
	s := c.shardFor(key)
	now := c.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[key]
	if !ok || e.expiresAt.IsZero() || e.expired(now) {
		return 0, false
	}
	return e.expiresAt.Sub(now), true
}

// SweepExpired removes every expired entry and returns how many it removed.
func (c *Cache) SweepExpired() int {
	now := c.clock.Now()
	var total int
	for _, s := range c.shards {
		var evicted []evictedEntry
		s.mu.Lock()
		for _, e := range s.items {
			if e.expired(now) {
				evicted = append(evicted, c.removeLocked(s, e, EvictExpired))
			}
		}
		s.mu.Unlock()
		c.notify(evicted)
		total += len(evicted)
	}
	return total
}

// Shrink evicts roughly fraction of the entries in every shard, expired
// entries first and then least recently used. It returns the number evicted.
func (c *Cache) Shrink(fraction float64) int {
	if fraction <= 0 {
		return 0
	}
	fraction = min(fraction, 1)
	now := c.clock.Now()
	var total int
	for _, s := range c.shards {
		s.mu.Lock()
		target := int(float64(len(s.items))*fraction + 0.5)
		var evicted []evictedEntry
		for _, e := range s.items {
			if len(evicted) >= target {
				break
			}
			if e.expired(now) {
				evicted = append(evicted, c.removeLocked(s, e, EvictExpired))
			}
		}
		for len(evicted) < target {
			back := s.lru.Back()
			if back == nil {
				break
			}
			evicted = append(evicted, c.removeLocked(s, back.Value.(*entry), EvictPressure))
		}
		s.mu.Unlock()
		c.notify(evicted)
		total += len(evicted)
	}
	if total > 0 {
		c.logger.Debug("Cache shrunk under memory pressure", "fraction", fraction, "evicted", total)
	}
	return total
}

// enforceLocked evicts until the shard is within budget: expired entries
// first, then from the LRU tail.
func (c *Cache) enforceLocked(s *shard, now time.Time) []evictedEntry {
	if !c.overLocked(s) {
		return nil
	}
	var evicted []evictedEntry
	for _, e := range s.items {
		if !c.overLocked(s) {
			return evicted
		}
		if e.expired(now) {
			evicted = append(evicted, c.removeLocked(s, e, EvictExpired))
		}
	}
	for c.overLocked(s) {
		back := s.lru.Back()
		if back == nil || back == s.lru.Front() {
			// never evict the entry just written
			break
		}
		evicted = append(evicted, c.removeLocked(s, back.Value.(*entry), EvictCapacity))
	}
	return evicted
}

func (c *Cache) overLocked(s *shard) bool {
	return (c.maxEntries > 0 && len(s.items) > c.maxEntries) ||
		(c.maxBytes > 0 && s.bytes > c.maxBytes)
}

type evictedEntry struct {
	key    string
	value  Value
	reason EvictReason
}

func (c *Cache) removeLocked(s *shard, e *entry, reason EvictReason) evictedEntry {
	s.lru.Remove(e.elem)
	delete(s.items, e.key)
	s.bytes -= e.size
	return evictedEntry{key: e.key, value: e.value, reason: reason}
}

// notify runs eviction callbacks outside the shard lock.
func (c *Cache) notify(evicted []evictedEntry) {
	for _, ev := range evicted {
		if ev.reason != EvictInvalidated {
			c.evictions.Add(1)
		}
		if c.onEvict != nil {
			c.onEvict(ev.key, ev.value, ev.reason)
		}
	}
}

// Len returns the number of entries, including expired ones not yet swept.
func (c *Cache) Len() int {
	var n int
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.items)
		s.mu.Unlock()
	}
	return n
}

// SizeBytes returns the approximate memory held by entries.
func (c *Cache) SizeBytes() int64 {
	var n int64
	for _, s := range c.shards {
		s.mu.Lock()
		n += s.bytes
		s.mu.Unlock()
	}
	return n
}

// Clear removes all entries without eviction callbacks and resets the counters.
func (c *Cache) Clear() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.items = make(map[string]*entry)
		s.lru = list.New()
		s.bytes = 0
		s.mu.Unlock()
	}
	c.hits.Set(0)
	c.misses.Set(0)
}

// HitRate is hits / (hits + misses).
func (c *Cache) HitRate() float64 {
	hits := float64(c.hits.Value())
	total := hits + float64(c.misses.Value())
	if total == 0 {
		return 0.0
	}
	return hits / total
}

// StartSweeper removes expired entries every interval until Close.
func (c *Cache) StartSweeper(interval time.Duration) {
	if interval <= 0 || c.sweepStop != nil {
		return
	}
	c.sweepStop = make(chan struct{})
	c.sweepWG.Add(1)
	go func() {
		defer c.sweepWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.sweepStop:
				return
			case <-ticker.C:
				if n := c.SweepExpired(); n > 0 {
					c.logger.Debug("Swept expired cache entries", "count", n)
				}
			}
		}
	}()
}

// Close stops the sweeper.
func (c *Cache) Close() {
	c.closeOnce.Do(func() {
		if c.sweepStop != nil {
			close(c.sweepStop)
			c.sweepWG.Wait()
		}
	})
}
