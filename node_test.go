package subotai

import (
	"context"
	"testing"
	"time"

	"github.com/subotai-dht/subotai/pkg/kademlia"
	"github.com/subotai-dht/subotai/pkg/socket"
	"github.com/subotai-dht/subotai/pkg/store"
)

func testConfig() Config {
	return Config{
		K:                     8,
		Alpha:                 3,
		RequestTimeout:        200 * time.Millisecond,
		LookupRoundTimeout:    150 * time.Millisecond,
		BootstrapDeadline:     2 * time.Second,
		AliveThreshold:        1,
		GraceTimeout:          200 * time.Millisecond,
		DefensiveCooldown:     time.Second,
		RepublishInterval:     time.Hour,
		EntryDefaultTTL:       time.Hour,
		MaxEntriesPerKey:      16,
		MaxKeys:               1000,
		CacheCapacity:         100,
		MaxBlobSize:           1 << 16,
		BucketRefreshInterval: time.Hour,
		MaintenanceTick:       time.Hour,
	}
}

func newTestNode(t *testing.T, net *socket.MockNetwork, addr kademlia.Endpoint) *Node {
	t.Helper()
	sock := net.NewSocket(addr)
	n, err := newWithSocket(testConfig(), sock)
	if err != nil {
		t.Fatalf("newWithSocket: %v", err)
	}
	t.Cleanup(func() { n.Shutdown() })
	return n
}

func (n *Node) contact() kademlia.Contact {
	return kademlia.Contact{ID: n.ID(), Addr: n.LocalAddr()}
}

// Scenario 1 (spec.md §8): single-node store/retrieve.
func TestSingleNodeStoreRetrieve(t *testing.T) {
	net := socket.NewMockNetwork(0)
	a := newTestNode(t, net, "a")

	key := kademlia.HashID([]byte("k"))
	if err := a.Store(context.Background(), key, store.VariantBlob, []byte{0, 1, 2}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	got, err := a.Retrieve(context.Background(), key)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 1 || string(got[0].Payload) != string([]byte{0, 1, 2}) {
		t.Fatalf("expected exactly one [0,1,2] blob entry, got %+v", got)
	}
}

// Scenario 2 (spec.md §8): two-node propagation via bootstrap.
func TestTwoNodePropagation(t *testing.T) {
	net := socket.NewMockNetwork(0)
	// IP:port endpoints, so contact lists in replies can be encoded.
	a := newTestNode(t, net, "127.0.0.1:7001")
	b := newTestNode(t, net, "127.0.0.1:7002")

	if err := b.Bootstrap(context.Background(), a.contact()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	key := kademlia.HashID([]byte("k"))
	if err := a.Store(context.Background(), key, store.VariantValue, []byte{9}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	got, err := b.Retrieve(context.Background(), key)
	if err != nil {
		t.Fatalf("Retrieve from b: %v", err)
	}
	if len(got) != 1 || string(got[0].Payload) != string([]byte{9}) {
		t.Fatalf("expected b to retrieve the entry stored by a, got %+v", got)
	}
}

// Scenario 4 (spec.md §8): expiration.
func TestExpirationYieldsNotFound(t *testing.T) {
	net := socket.NewMockNetwork(0)
	a := newTestNode(t, net, "a")

	key := kademlia.HashID([]byte("k"))
	e := store.Entry{Variant: store.VariantValue, Payload: []byte("v"), Original: true, Expiration: time.Now().Add(50 * time.Millisecond)}
	a.storage.Store(key, e, time.Now())

	time.Sleep(100 * time.Millisecond)

	_, err := a.Retrieve(context.Background(), key)
	serr, ok := err.(*Error)
	if !ok || serr.Kind != KindNotFound {
		t.Fatalf("expected KindNotFound after expiration, got %v", err)
	}
}

// Boundary (spec.md §8): empty routing table.
func TestRetrieveNotFoundOnEmptyNetwork(t *testing.T) {
	net := socket.NewMockNetwork(0)
	a := newTestNode(t, net, "a")

	_, err := a.Retrieve(context.Background(), kademlia.HashID([]byte("absent")))
	serr, ok := err.(*Error)
	if !ok || serr.Kind != KindNotFound {
		t.Fatalf("expected KindNotFound, got %v", err)
	}
}

// Boundary (spec.md §8): bootstrap fails against an unreachable seed.
func TestBootstrapIncompleteWithUnreachableSeed(t *testing.T) {
	net := socket.NewMockNetwork(0)
	a := newTestNode(t, net, "a")

	ghost := kademlia.Contact{ID: kademlia.HashID([]byte("ghost")), Addr: "nowhere"}
	err := a.Bootstrap(context.Background(), ghost)
	serr, ok := err.(*Error)
	if !ok || serr.Kind != KindBootstrapIncomplete {
		t.Fatalf("expected KindBootstrapIncomplete, got %v", err)
	}
}

func TestPingRoundTrip(t *testing.T) {
	net := socket.NewMockNetwork(0)
	a := newTestNode(t, net, "a")
	b := newTestNode(t, net, "b")

	if err := a.Ping(context.Background(), b.contact()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestFindNodePassthrough(t *testing.T) {
	net := socket.NewMockNetwork(0)
	// IP:port endpoints, so contact lists in replies can be encoded.
	a := newTestNode(t, net, "127.0.0.1:7001")
	b := newTestNode(t, net, "127.0.0.1:7002")
	c := newTestNode(t, net, "127.0.0.1:7003")

	if err := b.Bootstrap(context.Background(), a.contact()); err != nil {
		t.Fatalf("b bootstrap: %v", err)
	}
	if err := c.Bootstrap(context.Background(), a.contact()); err != nil {
		t.Fatalf("c bootstrap: %v", err)
	}

	found := a.FindNode(context.Background(), c.ID())
	ok := false
	for _, contact := range found {
		if contact.ID == c.ID() {
			ok = true
		}
	}
	if !ok {
		t.Fatalf("expected a.FindNode to surface c after both bootstrapped through a, got %+v", found)
	}
}

// Receptions (SPEC_FULL.md supplemented feature).
func TestReceptionsObservesInboundPing(t *testing.T) {
	net := socket.NewMockNetwork(0)
	a := newTestNode(t, net, "a")
	b := newTestNode(t, net, "b")

	receptions := a.Receptions()
	defer receptions.Close()

	if err := b.Ping(context.Background(), a.contact()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	rcpt, ok := receptions.Next(ctx)
	if !ok {
		t.Fatalf("expected a reception for b's PING")
	}
	if rcpt.Sender != b.ID() {
		t.Fatalf("expected sender to be b, got %s", rcpt.Sender)
	}
}
