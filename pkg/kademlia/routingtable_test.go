package kademlia

import (
	"context"
	"testing"
	"time"
)

// contactForBucket builds a contact whose distance from the all-zero
// self ID has its highest set bit at idx, so BucketIndex(zeroID, .) ==
// idx regardless of tail (tail lives in a lower, non-overlapping byte
// as long as idx >= 8).
func contactForBucket(idx int, tail byte) Contact {
	var id ID
	byteIndex := IDLength - 1 - idx/8
	bitIndex := uint(idx % 8)
	id[byteIndex] |= 1 << bitIndex
	id[IDLength-1] = tail
	return Contact{ID: id, Addr: Endpoint("127.0.0.1:0")}
}

func TestRoutingTableAppendsUpToK(t *testing.T) {
	var self ID
	rt := NewRoutingTable(self, RoutingConfig{K: 2, GraceTimeout: time.Second}, nil)

	c1 := contactForBucket(50, 1)
	c2 := contactForBucket(50, 2)
	rt.UpdateContact(c1)
	rt.UpdateContact(c2)

	if rt.Size() != 2 {
		t.Fatalf("expected 2 contacts, got %d", rt.Size())
	}
}

func TestRoutingTableFloodTripsDefensive(t *testing.T) {
	var self ID
	rt := NewRoutingTable(self, RoutingConfig{K: 1, GraceTimeout: time.Hour}, func(ctx context.Context, c Contact) bool {
		<-ctx.Done()
		return false
	})

	c1 := contactForBucket(50, 1)
	c2 := contactForBucket(50, 2)
	c3 := contactForBucket(50, 3)

	rt.UpdateContact(c1) // fills main (k=1)
	rt.UpdateContact(c2) // evicts c1 to the single grace slot
	if rt.IsDefensive() {
		t.Fatalf("should not be defensive yet, grace has room")
	}
	rt.UpdateContact(c3) // grace is also full now: must trip defensive
	if !rt.IsDefensive() {
		t.Fatalf("expected defensive state after grace saturation")
	}

	if _, ok := rt.SpecificContact(c3.ID); ok {
		t.Fatalf("c3 should have been ignored while entering defensive state")
	}
}

func TestRoutingTableDefensiveCooldownExpires(t *testing.T) {
	var self ID
	rt := NewRoutingTable(self, RoutingConfig{K: 1, GraceTimeout: time.Hour, DefensiveCooldown: time.Millisecond}, nil)
	rt.MarkDefensive()
	if !rt.IsDefensive() {
		t.Fatalf("expected defensive immediately after MarkDefensive")
	}
	rt.ClearDefenseIfExpired(time.Now().Add(time.Second))
	if rt.IsDefensive() {
		t.Fatalf("expected defensive flag to clear after cooldown elapses")
	}
}

func TestRoutingTableKnownContactsPromotedWhileDefensive(t *testing.T) {
	var self ID
	rt := NewRoutingTable(self, RoutingConfig{K: 2, GraceTimeout: time.Hour}, nil)
	c1 := contactForBucket(50, 1)
	rt.UpdateContact(c1)
	rt.MarkDefensive()

	// Step 1 (promote known) must still work while defensive.
	rt.UpdateContact(c1)
	if _, ok := rt.SpecificContact(c1.ID); !ok {
		t.Fatalf("known contact should remain present")
	}
}

func TestRoutingTableExpireGraceSlotsClearsDefensive(t *testing.T) {
	var self ID
	rt := NewRoutingTable(self, RoutingConfig{K: 1, GraceTimeout: time.Millisecond}, nil)
	c1 := contactForBucket(50, 1)
	c2 := contactForBucket(50, 2)
	c3 := contactForBucket(50, 3)

	rt.UpdateContact(c1)
	rt.UpdateContact(c2) // c1 -> grace
	rt.UpdateContact(c3) // grace saturated -> defensive

	if !rt.IsDefensive() {
		t.Fatalf("expected defensive state")
	}
	rt.ExpireGraceSlots(time.Now().Add(time.Second))
	if rt.IsDefensive() {
		t.Fatalf("expected defensive flag cleared once a grace slot frees")
	}
}

func TestRoutingTableClosestToSortedAndBounded(t *testing.T) {
	var self ID
	rt := NewRoutingTable(self, RoutingConfig{K: 20, GraceTimeout: time.Second}, nil)

	for idx := 10; idx < 60; idx += 5 {
		rt.UpdateContact(contactForBucket(idx, byte(idx)))
	}

	var target ID
	got := rt.ClosestTo(target, 3)
	if len(got) != 3 {
		t.Fatalf("expected 3 contacts, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if !CloserThan(got[i-1].ID, got[i].ID, target) {
			t.Fatalf("ClosestTo result not sorted ascending by distance at index %d", i)
		}
	}
}

func TestRoutingTableRemoveContact(t *testing.T) {
	var self ID
	rt := NewRoutingTable(self, RoutingConfig{K: 2, GraceTimeout: time.Second}, nil)
	c1 := contactForBucket(50, 1)
	rt.UpdateContact(c1)
	if !rt.RemoveContact(c1.ID) {
		t.Fatalf("expected removal to succeed")
	}
	if _, ok := rt.SpecificContact(c1.ID); ok {
		t.Fatalf("contact should be gone after removal")
	}
}

func TestRoutingTableProbeReinstatesOnSuccess(t *testing.T) {
	var self ID
	done := make(chan struct{})
	rt := NewRoutingTable(self, RoutingConfig{K: 1, GraceTimeout: time.Second}, func(ctx context.Context, c Contact) bool {
		defer close(done)
		return true
	})

	c1 := contactForBucket(50, 1)
	c2 := contactForBucket(50, 2)
	rt.UpdateContact(c1)
	rt.UpdateContact(c2) // c1 evicted to grace, async probe fires

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("probe never ran")
	}
	// Give resolveProbe a moment to land after the probe returns.
	time.Sleep(20 * time.Millisecond)

	if _, ok := rt.SpecificContact(c1.ID); !ok {
		t.Fatalf("expected c1 reinstated after successful probe")
	}
}
