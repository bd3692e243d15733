package kademlia

import (
	"testing"
	"time"
)

func newTestContact(t *testing.T, suffix byte) Contact {
	t.Helper()
	id, err := RandomID()
	if err != nil {
		t.Fatalf("RandomID: %v", err)
	}
	id[IDLength-1] = suffix
	return Contact{ID: id, Addr: Endpoint("127.0.0.1:0")}
}

func TestBucketAppendAndPromote(t *testing.T) {
	b := newBucket(2)
	c1 := newTestContact(t, 1)
	c2 := newTestContact(t, 2)

	if !b.appendIfRoom(c1) {
		t.Fatalf("expected room for first contact")
	}
	if !b.appendIfRoom(c2) {
		t.Fatalf("expected room for second contact")
	}
	c3 := newTestContact(t, 3)
	if b.appendIfRoom(c3) {
		t.Fatalf("bucket should be full")
	}

	if !b.promoteIfKnown(c1) {
		t.Fatalf("c1 should be promotable")
	}
	all := b.all()
	if all[len(all)-1].ID != c1.ID {
		t.Fatalf("promoted contact should be MRU (tail)")
	}
}

func TestBucketEvictForGraceAndSaturation(t *testing.T) {
	b := newBucket(1)
	c1 := newTestContact(t, 1)
	b.appendIfRoom(c1)

	c2 := newTestContact(t, 2)
	evicted, ok := b.evictForGrace(c2, time.Now(), time.Second)
	if !ok || evicted.ID != c1.ID {
		t.Fatalf("expected c1 evicted to grace, got %v ok=%v", evicted, ok)
	}
	if b.size() != 1 || b.graceSize() != 1 {
		t.Fatalf("expected main=1 grace=1, got main=%d grace=%d", b.size(), b.graceSize())
	}

	// Grace list is also at capacity (k=1): next eviction must fail,
	// signaling the caller to enter defensive state.
	c3 := newTestContact(t, 3)
	_, ok = b.evictForGrace(c3, time.Now(), time.Second)
	if ok {
		t.Fatalf("expected evictForGrace to fail when grace list is saturated")
	}
}

func TestBucketResolveProbeSuccessReinstates(t *testing.T) {
	b := newBucket(1)
	c1 := newTestContact(t, 1)
	c2 := newTestContact(t, 2)
	b.appendIfRoom(c1)
	b.evictForGrace(c2, time.Now(), time.Second)

	b.resolveProbe(c1, true)
	all := b.all()
	if len(all) != 1 || all[0].ID != c1.ID {
		t.Fatalf("expected c1 reinstated, got %v", all)
	}
	if b.graceSize() != 0 {
		t.Fatalf("grace slot should be reclaimed after resolution")
	}
}

func TestBucketResolveProbeFailureKeepsEvictor(t *testing.T) {
	b := newBucket(1)
	c1 := newTestContact(t, 1)
	c2 := newTestContact(t, 2)
	b.appendIfRoom(c1)
	b.evictForGrace(c2, time.Now(), time.Second)

	b.resolveProbe(c1, false)
	all := b.all()
	if len(all) != 1 || all[0].ID != c2.ID {
		t.Fatalf("expected c2 to remain after failed probe, got %v", all)
	}
}

func TestBucketResolveProbeKeepsPromotedEvictor(t *testing.T) {
	b := newBucket(1)
	c1 := newTestContact(t, 1)
	c2 := newTestContact(t, 2)
	b.appendIfRoom(c1)
	b.evictForGrace(c2, time.Now(), time.Second)

	// c2 proves itself alive again before the probe of c1 resolves.
	if !b.promoteIfKnown(c2) {
		t.Fatalf("c2 should still be promotable while occupying main")
	}
	b.resolveProbe(c1, true)

	all := b.all()
	if len(all) != 1 || all[0].ID != c2.ID {
		t.Fatalf("expected evictor c2 kept over late-successful c1, got %v", all)
	}
}

func TestBucketResolveProbeIgnoresReclaimedSlot(t *testing.T) {
	b := newBucket(1)
	c1 := newTestContact(t, 1)
	c2 := newTestContact(t, 2)
	b.appendIfRoom(c1)
	b.evictForGrace(c2, time.Now(), time.Second)

	expired := b.expireGrace(time.Now().Add(2 * time.Second))
	if len(expired) != 1 || expired[0].ID != c1.ID {
		t.Fatalf("expected c1 to expire from grace, got %v", expired)
	}

	// A late success for the now-reclaimed slot must be a no-op.
	b.resolveProbe(c1, true)
	all := b.all()
	if len(all) != 1 || all[0].ID != c2.ID {
		t.Fatalf("late probe resolution should not reinstate c1, got %v", all)
	}
}

func TestBucketRemove(t *testing.T) {
	b := newBucket(2)
	c1 := newTestContact(t, 1)
	b.appendIfRoom(c1)
	if !b.remove(c1.ID) {
		t.Fatalf("expected remove to succeed")
	}
	if b.size() != 0 {
		t.Fatalf("expected bucket empty after remove")
	}
	if b.remove(c1.ID) {
		t.Fatalf("second remove of same id should report false")
	}
}
