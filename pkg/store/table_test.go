package store

import (
	"testing"
	"time"

	"github.com/subotai-dht/subotai/pkg/kademlia"
)

func key(t *testing.T) kademlia.ID {
	t.Helper()
	return kademlia.HashID([]byte("k"))
}

func TestStoreAndRetrieveSingleNode(t *testing.T) {
	self, _ := kademlia.RandomID()
	tbl := New(self, Config{})
	now := time.Now()
	k := key(t)

	result := tbl.Store(k, Entry{Variant: VariantBlob, Payload: []byte{0, 1, 2}, Original: true}, now)
	if result != StoreSuccess {
		t.Fatalf("expected StoreSuccess, got %v", result)
	}

	got := tbl.Retrieve(k, now)
	if len(got) != 1 || !got[0].SameAs(Entry{Variant: VariantBlob, Payload: []byte{0, 1, 2}}) {
		t.Fatalf("unexpected retrieve result: %+v", got)
	}
}

func TestStoreDedupRefreshesMonotonically(t *testing.T) {
	self, _ := kademlia.RandomID()
	tbl := New(self, Config{})
	k := key(t)
	now := time.Now()

	e := Entry{Variant: VariantValue, Payload: []byte("v"), Original: true}
	tbl.Store(k, e, now)

	later := now.Add(time.Hour)
	result := tbl.Store(k, e, later)
	if result != StoreRefreshed {
		t.Fatalf("expected StoreRefreshed on duplicate store, got %v", result)
	}
	if len(tbl.main[k]) != 1 {
		t.Fatalf("dedup store should not grow the entry set, got %d entries", len(tbl.main[k]))
	}

	earlier := now.Add(-time.Hour)
	tbl.Store(k, Entry{Variant: VariantValue, Payload: []byte("v"), Expiration: earlier}, now)
	if tbl.main[k][0].entry.Expiration.Before(later) {
		t.Fatalf("expiration must never shorten on refresh")
	}
}

func TestStoreFullPerKeyCap(t *testing.T) {
	self, _ := kademlia.RandomID()
	tbl := New(self, Config{MaxEntriesPerKey: 1})
	k := key(t)
	now := time.Now()

	if r := tbl.Store(k, Entry{Variant: VariantValue, Payload: []byte("a")}, now); r != StoreSuccess {
		t.Fatalf("first store should succeed, got %v", r)
	}
	if r := tbl.Store(k, Entry{Variant: VariantValue, Payload: []byte("b")}, now); r != StoreFull {
		t.Fatalf("expected StoreFull once per-key cap is hit, got %v", r)
	}
}

func TestStoreFullGlobalKeyCap(t *testing.T) {
	self, _ := kademlia.RandomID()
	tbl := New(self, Config{MaxKeys: 1})
	now := time.Now()
	k1, _ := kademlia.RandomID()
	k2, _ := kademlia.RandomID()

	if r := tbl.Store(k1, Entry{Variant: VariantValue, Payload: []byte("a")}, now); r != StoreSuccess {
		t.Fatalf("first key should succeed, got %v", r)
	}
	if r := tbl.Store(k2, Entry{Variant: VariantValue, Payload: []byte("b")}, now); r != StoreFull {
		t.Fatalf("expected StoreFull once global key cap is hit, got %v", r)
	}
}

func TestTickExpiresEntriesAndEmptiesKey(t *testing.T) {
	self, _ := kademlia.RandomID()
	tbl := New(self, Config{})
	k := key(t)
	now := time.Now()
	tbl.Store(k, Entry{Variant: VariantValue, Payload: []byte("v"), Expiration: now.Add(time.Second)}, now)

	result := tbl.Tick(now.Add(2 * time.Second))
	if len(result.ExpiredKeys) != 1 || result.ExpiredKeys[0] != k {
		t.Fatalf("expected key to be reported expired, got %+v", result.ExpiredKeys)
	}
	if got := tbl.Retrieve(k, now.Add(2*time.Second)); len(got) != 0 {
		t.Fatalf("expected no entries after expiration, got %v", got)
	}
}

func TestTickSurfacesDueRepublish(t *testing.T) {
	self, _ := kademlia.RandomID()
	tbl := New(self, Config{RepublishInterval: time.Minute})
	k := key(t)
	now := time.Now()
	tbl.Store(k, Entry{Variant: VariantValue, Payload: []byte("v"), Original: true}, now)

	result := tbl.Tick(now.Add(2 * time.Minute))
	if len(result.DueRepublish) != 1 || result.DueRepublish[0].Key != k {
		t.Fatalf("expected due republish for original entry, got %+v", result.DueRepublish)
	}

	// Re-enqueued with a fresh deadline: an immediate second tick at the
	// same instant should not surface it again.
	result2 := tbl.Tick(now.Add(2 * time.Minute))
	if len(result2.DueRepublish) != 0 {
		t.Fatalf("republish should not repeat before the new interval elapses")
	}
}

func TestMarkCachedDiscountsDistantEntries(t *testing.T) {
	self, _ := kademlia.RandomID()
	tbl := New(self, Config{CacheDiscountBucket: 5, CacheDiscountTTL: time.Minute, EntryDefaultTTL: time.Hour})
	k := key(t)
	now := time.Now()

	tbl.MarkCached(k, Entry{Variant: VariantValue, Payload: []byte("near")}, 1, now)
	tbl.MarkCached(k, Entry{Variant: VariantValue, Payload: []byte("far")}, 10, now)

	entries := tbl.Retrieve(k, now)
	var near, far Entry
	for _, e := range entries {
		if string(e.Payload) == "near" {
			near = e
		}
		if string(e.Payload) == "far" {
			far = e
		}
	}
	if !far.Expiration.Before(near.Expiration) {
		t.Fatalf("distant cache entry should expire sooner: near=%v far=%v", near.Expiration, far.Expiration)
	}
}

func TestMarkCachedEvictsLRUOnCapacity(t *testing.T) {
	self, _ := kademlia.RandomID()
	tbl := New(self, Config{CacheCapacity: 2})
	now := time.Now()

	k1, _ := kademlia.RandomID()
	k2, _ := kademlia.RandomID()
	k3, _ := kademlia.RandomID()

	tbl.MarkCached(k1, Entry{Variant: VariantValue, Payload: []byte("1")}, 0, now)
	tbl.MarkCached(k2, Entry{Variant: VariantValue, Payload: []byte("2")}, 0, now)
	tbl.MarkCached(k3, Entry{Variant: VariantValue, Payload: []byte("3")}, 0, now)

	if got := tbl.Retrieve(k1, now); len(got) != 0 {
		t.Fatalf("expected k1's cache entry evicted as LRU, got %v", got)
	}
	if got := tbl.Retrieve(k3, now); len(got) != 1 {
		t.Fatalf("expected k3's cache entry to survive, got %v", got)
	}
}

func TestRetrieveNeverReturnsExpiredEntriesBetweenTicks(t *testing.T) {
	self, _ := kademlia.RandomID()
	tbl := New(self, Config{})
	k := key(t)
	now := time.Now()
	tbl.Store(k, Entry{Variant: VariantValue, Payload: []byte("v"), Expiration: now.Add(time.Second)}, now)

	// No Tick has run, but Retrieve must still filter by wall-clock time.
	if got := tbl.Retrieve(k, now.Add(2*time.Second)); len(got) != 0 {
		t.Fatalf("expected expired entry hidden even without a Tick, got %v", got)
	}
}
