package store

import (
	"container/heap"
	"container/list"
	"sync"
	"time"

	"github.com/subotai-dht/subotai/pkg/kademlia"
)

// StoreResult reports the outcome of a local or network-originated
// store attempt (§4.3).
type StoreResult int

const (
	StoreSuccess StoreResult = iota
	StoreRefreshed
	StoreFull
)

func (r StoreResult) String() string {
	switch r {
	case StoreSuccess:
		return "success"
	case StoreRefreshed:
		return "refreshed"
	case StoreFull:
		return "full"
	default:
		return "unknown"
	}
}

// Republish names one originator entry whose republish deadline has
// arrived; the façade's maintenance ticker turns these into outbound
// network STOREs (§4.6).
type Republish struct {
	Key   kademlia.ID
	Entry Entry
}

// TickResult is returned by Tick, reporting what the sweep found.
type TickResult struct {
	ExpiredKeys []kademlia.ID
	DueRepublish []Republish
}

// record is the table's internal bookkeeping around a stored Entry.
// removed lets the two lazy-deletion heaps skip stale references
// without needing to splice themselves on every mutation.
type record struct {
	entry   Entry
	removed bool
}

// Config holds the storage table's capacity and timing knobs, all
// named in spec.md §6's Configuration list.
type Config struct {
	MaxEntriesPerKey int
	MaxKeys          int
	CacheCapacity    int
	EntryDefaultTTL  time.Duration
	RepublishInterval time.Duration
	MaxBlobSize      int

	// CacheDiscountBucket is the bucket-index threshold past which a
	// cached (non-original) entry's expiration is discounted, following
	// _examples/original_source/src/storage/mod.rs's
	// EXPIRATION_DISTANCE_THRESHOLD. Entries learned from peers at or
	// beyond this many buckets away get a shortened TTL, to prevent
	// over-caching distant, rarely-useful copies.
	CacheDiscountBucket int
	// CacheDiscountTTL is the shortened TTL applied past the threshold.
	CacheDiscountTTL time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxEntriesPerKey <= 0 {
		c.MaxEntriesPerKey = 16
	}
	if c.MaxKeys <= 0 {
		c.MaxKeys = 10000
	}
	if c.CacheCapacity <= 0 {
		c.CacheCapacity = 1000
	}
	if c.EntryDefaultTTL <= 0 {
		c.EntryDefaultTTL = 24 * time.Hour
	}
	if c.RepublishInterval <= 0 {
		c.RepublishInterval = time.Hour
	}
	if c.MaxBlobSize <= 0 {
		c.MaxBlobSize = 1 << 16
	}
	if c.CacheDiscountBucket <= 0 {
		c.CacheDiscountBucket = 5
	}
	if c.CacheDiscountTTL <= 0 {
		c.CacheDiscountTTL = time.Hour
	}
}

// Table is the storage table of §4.3: a main entry set per key, a
// separate LRU-capped cache of entries learned along lookup paths,
// and priority queues driving expiration and originator republish.
type Table struct {
	mu   sync.Mutex
	self kademlia.ID
	cfg  Config

	main  map[kademlia.ID][]*record
	cache map[kademlia.ID][]*record

	cacheOrder *list.List               // front = least recently used
	cacheElem  map[*record]*list.Element
	cacheCount int

	expirations expirationHeap
	republishes republishHeap
}

// New constructs a Table for a node identified by self, used to
// compute the distance-discounted cache TTL.
func New(self kademlia.ID, cfg Config) *Table {
	cfg.setDefaults()
	return &Table{
		self:       self,
		cfg:        cfg,
		main:       make(map[kademlia.ID][]*record),
		cache:      make(map[kademlia.ID][]*record),
		cacheOrder: list.New(),
		cacheElem:  make(map[*record]*list.Element),
	}
}

// Store inserts or refreshes a main (non-cache) entry under key, per
// §4.3: duplicate (variant, payload) refreshes expiration monotonically
// rather than growing the set. now is passed explicitly so callers
// (and tests) control the clock.
func (t *Table) Store(key kademlia.ID, e Entry, now time.Time) StoreResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e.Expiration.IsZero() {
		e.Expiration = now.Add(t.cfg.EntryDefaultTTL)
	}

	entries, keyExists := t.main[key]
	for _, r := range entries {
		if r.entry.SameAs(e) {
			if e.Expiration.After(r.entry.Expiration) {
				r.entry.Expiration = e.Expiration
				t.pushExpiration(key, r, false)
			}
			if e.Original && !r.entry.Original {
				r.entry.Original = true
				t.pushRepublish(key, r, now)
			}
			return StoreRefreshed
		}
	}

	if !keyExists && len(t.main) >= t.cfg.MaxKeys {
		return StoreFull
	}
	if len(entries) >= t.cfg.MaxEntriesPerKey {
		return StoreFull
	}

	r := &record{entry: e.Clone()}
	t.main[key] = append(entries, r)
	t.pushExpiration(key, r, false)
	if e.Original {
		t.pushRepublish(key, r, now)
	}
	return StoreSuccess
}

// Retrieve returns every live entry stored under key, main and cached,
// cloned so the caller cannot mutate table state (§4.3 op
// `retrieve(key)`; §9's open question resolved as "cache entries are
// returned too"). Cache hits refresh LRU recency.
func (t *Table) Retrieve(key kademlia.ID, now time.Time) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Entry
	for _, r := range t.main[key] {
		if !r.removed && r.entry.Expiration.After(now) {
			out = append(out, r.entry.Clone())
		}
	}
	for _, r := range t.cache[key] {
		if r.removed || !r.entry.Expiration.After(now) {
			continue
		}
		out = append(out, r.entry.Clone())
		if elem, ok := t.cacheElem[r]; ok {
			t.cacheOrder.MoveToBack(elem)
		}
	}
	return out
}

// MarkCached places an entry learned along a lookup path into the
// cache (§4.3 op `mark_cached`). bucketDistance is the bucket index of
// the peer the entry was learned from relative to self, used to apply
// the distance discount described on Config.CacheDiscountBucket.
func (t *Table) MarkCached(key kademlia.ID, e Entry, bucketDistance int, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e.Original = false
	ttl := t.cfg.EntryDefaultTTL
	if bucketDistance >= t.cfg.CacheDiscountBucket && t.cfg.CacheDiscountTTL < ttl {
		ttl = t.cfg.CacheDiscountTTL
	}
	expiration := now.Add(ttl)
	if !e.Expiration.IsZero() && e.Expiration.Before(expiration) {
		expiration = e.Expiration // never exceed the origin's remaining lifetime
	}
	e.Expiration = expiration

	entries := t.cache[key]
	for _, r := range entries {
		if r.entry.SameAs(e) {
			if e.Expiration.After(r.entry.Expiration) {
				r.entry.Expiration = e.Expiration
				t.pushExpiration(key, r, true)
			}
			if elem, ok := t.cacheElem[r]; ok {
				t.cacheOrder.MoveToBack(elem)
			}
			return
		}
	}

	r := &record{entry: e.Clone()}
	t.cache[key] = append(entries, r)
	t.pushExpiration(key, r, true)
	elem := t.cacheOrder.PushBack(r)
	t.cacheElem[r] = elem
	t.cacheCount++

	for t.cacheCount > t.cfg.CacheCapacity {
		t.evictOldestCacheLocked()
	}
}

func (t *Table) evictOldestCacheLocked() {
	front := t.cacheOrder.Front()
	if front == nil {
		return
	}
	r := front.Value.(*record)
	t.cacheOrder.Remove(front)
	delete(t.cacheElem, r)
	r.removed = true
	t.cacheCount--

	for key, entries := range t.cache {
		for i, candidate := range entries {
			if candidate == r {
				t.cache[key] = append(entries[:i], entries[i+1:]...)
				if len(t.cache[key]) == 0 {
					delete(t.cache, key)
				}
				return
			}
		}
	}
}

// Tick drains the expiration and republish schedules (§4.3 op
// `tick(now)`). Expired entries are removed from their key's set
// (deleting the key if it becomes empty); originals whose republish
// deadline has passed are returned for the caller to re-announce on
// the network, and re-enqueued with a fresh deadline.
func (t *Table) Tick(now time.Time) TickResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	var result TickResult
	emptied := make(map[kademlia.ID]bool)

	for t.expirations.Len() > 0 && !t.expirations[0].at.After(now) {
		item := heap.Pop(&t.expirations).(*expirationItem)
		if item.rec.removed || item.rec.entry.Expiration.After(item.at) {
			// Already gone, or a stale item left behind by a refresh that
			// pushed a later deadline for the same record.
			continue
		}
		item.rec.removed = true
		set := t.main
		if item.cache {
			set = t.cache
		}
		entries := set[item.key]
		for i, r := range entries {
			if r == item.rec {
				entries = append(entries[:i], entries[i+1:]...)
				break
			}
		}
		if len(entries) == 0 {
			delete(set, item.key)
			if !item.cache {
				emptied[item.key] = true
			}
		} else {
			set[item.key] = entries
		}
		if item.cache {
			if elem, ok := t.cacheElem[item.rec]; ok {
				t.cacheOrder.Remove(elem)
				delete(t.cacheElem, item.rec)
				t.cacheCount--
			}
		}
	}
	for key := range emptied {
		result.ExpiredKeys = append(result.ExpiredKeys, key)
	}

	for t.republishes.Len() > 0 && !t.republishes[0].at.After(now) {
		item := heap.Pop(&t.republishes).(*republishItem)
		if item.rec.removed || !item.rec.entry.Original {
			continue
		}
		result.DueRepublish = append(result.DueRepublish, Republish{Key: item.key, Entry: item.rec.entry.Clone()})
		t.pushRepublish(item.key, item.rec, now)
	}

	return result
}

// Len reports the number of distinct keys held in the main table
// (excludes the cache).
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.main)
}

func (t *Table) pushExpiration(key kademlia.ID, r *record, cache bool) {
	heap.Push(&t.expirations, &expirationItem{key: key, rec: r, at: r.entry.Expiration, cache: cache})
}

func (t *Table) pushRepublish(key kademlia.ID, r *record, now time.Time) {
	heap.Push(&t.republishes, &republishItem{key: key, rec: r, at: now.Add(t.cfg.RepublishInterval)})
}
