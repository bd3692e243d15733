// Package subotai implements a peer-to-peer Kademlia DHT node: a
// routing table, a storage table, a binary RPC layer, and the
// iterative lookup algorithms that tie them together behind a
// synchronous public API (spec.md §2, §4.6).
package subotai

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/subotai-dht/subotai/internal/lookup"
	"github.com/subotai-dht/subotai/internal/rpc"
	"github.com/subotai-dht/subotai/pkg/kademlia"
	"github.com/subotai-dht/subotai/pkg/socket"
	"github.com/subotai-dht/subotai/pkg/store"
)

// Node is a single Subotai DHT participant: it binds a socket, runs a
// receive loop, and drives a maintenance ticker, all started by New
// and torn down by Shutdown.
type Node struct {
	id      kademlia.ID
	cfg     Config
	log     *zap.SugaredLogger
	sock    socket.Socket
	routing *kademlia.RoutingTable
	storage *store.Table
	rpc     *rpc.RPC
	lookups *lookup.Lookups

	tickerDone chan struct{}
	tickerOnce sync.Once
}

// New binds a socket, constructs the routing/storage/RPC layers, and
// starts the receive loop and maintenance ticker. The node's ID is
// generated randomly.
func New(cfg Config) (*Node, error) {
	cfg.setDefaults()

	sock, err := openSocket(cfg)
	if err != nil {
		return nil, newError("New", KindTransport, err)
	}
	return newWithSocket(cfg, sock)
}

// newWithSocket builds a Node over an already-bound Socket, letting
// tests substitute an in-memory socket.MockSocket in place of a real
// UDP/QUIC one.
func newWithSocket(cfg Config, sock socket.Socket) (*Node, error) {
	cfg.setDefaults()

	id, err := kademlia.RandomID()
	if err != nil {
		return nil, newError("New", KindTransport, err)
	}

	n := &Node{
		id:         id,
		cfg:        cfg,
		log:        cfg.Logger,
		sock:       sock,
		tickerDone: make(chan struct{}),
	}

	var prober kademlia.Prober = func(ctx context.Context, c kademlia.Contact) bool {
		return n.rpc.Ping(ctx, c)
	}
	n.routing = kademlia.NewRoutingTable(id, kademlia.RoutingConfig{
		K:                 cfg.K,
		GraceTimeout:      cfg.GraceTimeout,
		DefensiveCooldown: cfg.DefensiveCooldown,
	}, prober)

	n.storage = store.New(id, store.Config{
		MaxEntriesPerKey:  cfg.MaxEntriesPerKey,
		MaxKeys:           cfg.MaxKeys,
		CacheCapacity:     cfg.CacheCapacity,
		EntryDefaultTTL:   cfg.EntryDefaultTTL,
		RepublishInterval: cfg.RepublishInterval,
		MaxBlobSize:       cfg.MaxBlobSize,
	})

	n.rpc = rpc.New(id, sock, n.routing, n.storage, rpc.Config{
		RequestTimeout: cfg.RequestTimeout,
	}, n.log)
	n.lookups = lookup.New(id, n.rpc, lookup.Config{
		K:            cfg.K,
		Alpha:        cfg.Alpha,
		RoundTimeout: cfg.LookupRoundTimeout,
	})

	go n.rpc.Run()
	go n.maintain()

	return n, nil
}

func openSocket(cfg Config) (socket.Socket, error) {
	switch cfg.Transport {
	case "quic":
		return socket.ListenQUIC(cfg.BindAddress)
	default:
		return socket.ListenUDP(cfg.BindAddress)
	}
}

// ID returns the node's own identifier.
func (n *Node) ID() kademlia.ID { return n.id }

// LocalAddr returns the node's bound endpoint.
func (n *Node) LocalAddr() kademlia.Endpoint { return n.sock.LocalAddr() }

// Bootstrap inserts seed into the routing table, performs a BOOTSTRAP
// RPC against it, runs node_lookup(self) to populate the neighborhood,
// then refreshes every bucket beyond the closest discovered contact's
// bucket index (§4.6). The whole sequence is bounded by
// BootstrapDeadline, and the outcome is checked once, when it ends: it
// fails with KindBootstrapIncomplete if fewer than AliveThreshold
// contacts are known, or if neither the seed nor any contact queried
// by the lookup answered.
func (n *Node) Bootstrap(ctx context.Context, seed kademlia.Contact) error {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.BootstrapDeadline)
	defer cancel()

	n.routing.UpdateContact(seed)
	seedAnswered := false
	if discovered, err := n.rpc.Bootstrap(ctx, seed); err == nil {
		seedAnswered = true
		for _, c := range discovered {
			n.routing.UpdateContact(c)
		}
	}

	seedList := n.routing.ClosestTo(n.id, n.cfg.K)
	found := n.lookups.NodeLookup(ctx, n.id, seedList)
	closestIdx := kademlia.IDBits - 1
	for _, c := range found {
		n.routing.UpdateContact(c)
		if idx, ok := kademlia.BucketIndex(n.id, c.ID); ok && idx < closestIdx {
			closestIdx = idx
		}
	}

	for idx := closestIdx + 1; idx < kademlia.IDBits; idx++ {
		target, err := kademlia.RandomIDInBucket(n.id, idx)
		if err != nil {
			continue
		}
		n.lookups.NodeLookup(ctx, target, n.routing.ClosestTo(target, n.cfg.K))
	}

	if n.routing.Size() < n.cfg.AliveThreshold || (!seedAnswered && len(found) == 0) {
		return newError("Bootstrap", KindBootstrapIncomplete, ctx.Err())
	}
	return nil
}

// Store originates an entry (flagged republishable), stores it
// locally, and fans it out to the network via store_on_network
// (§4.6).
func (n *Node) Store(ctx context.Context, key kademlia.ID, variant store.Variant, payload []byte) error {
	e := store.Entry{
		Variant:    variant,
		Payload:    payload,
		Expiration: time.Now().Add(n.cfg.EntryDefaultTTL),
		Original:   true,
	}
	result := n.storage.Store(key, e, time.Now())
	if result == store.StoreFull {
		return newError("Store", KindStorageFull, nil)
	}

	seed := n.routing.ClosestTo(key, n.cfg.K)
	n.lookups.StoreOnNetwork(ctx, key, e, seed)
	return nil
}

// Retrieve returns local entries if fresh; otherwise it runs
// value_lookup and opportunistically caches the result along the path
// of contacts that did not have it (§4.6, §6.3).
func (n *Node) Retrieve(ctx context.Context, key kademlia.ID) ([]store.Entry, error) {
	if local := n.storage.Retrieve(key, time.Now()); len(local) > 0 {
		return local, nil
	}

	seed := n.routing.ClosestTo(key, n.cfg.K)
	entries, path := n.lookups.ValueLookup(ctx, key, seed)
	if len(entries) == 0 {
		return nil, newError("Retrieve", KindNotFound, nil)
	}

	if len(path) > 0 {
		closest := path[0]
		for _, c := range path[1:] {
			if kademlia.CloserThan(c.ID, closest.ID, key) {
				closest = c
			}
		}
		if idx, ok := kademlia.BucketIndex(n.id, closest.ID); ok {
			for _, e := range entries {
				n.storage.MarkCached(key, e, idx, time.Now())
			}
		}
		go n.cacheAlongPath(closest, key, entries[0])
	}
	return entries, nil
}

// cacheAlongPath issues a best-effort STORE of a representative entry
// to the closest contact that did not already have it, so that peer
// ends up holding a cached copy for future lookups along this path
// (§4.5 Resources). Errors are ignored: correctness does not depend on
// this succeeding.
func (n *Node) cacheAlongPath(to kademlia.Contact, key kademlia.ID, e store.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.RequestTimeout)
	defer cancel()
	n.rpc.StoreEntry(ctx, to, key, e)
}

// Ping issues a PING against peer and reports whether it answered.
func (n *Node) Ping(ctx context.Context, peer kademlia.Contact) error {
	if ok := n.rpc.Ping(ctx, peer); !ok {
		return newError("Ping", KindTimeout, nil)
	}
	return nil
}

// FindNode is a thin passthrough to node_lookup(target).
func (n *Node) FindNode(ctx context.Context, target kademlia.ID) []kademlia.Contact {
	seed := n.routing.ClosestTo(target, n.cfg.K)
	return n.lookups.NodeLookup(ctx, target, seed)
}

// maintain drives the periodic upkeep described in §4.6: storage tick
// and republish, stale-bucket refresh, and defensive-flag aging.
func (n *Node) maintain() {
	ticker := time.NewTicker(n.cfg.MaintenanceTick)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			n.runMaintenance(now)
		case <-n.tickerDone:
			return
		}
	}
}

func (n *Node) runMaintenance(now time.Time) {
	tick := n.storage.Tick(now)
	for _, rep := range tick.DueRepublish {
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.BootstrapDeadline)
		seed := n.routing.ClosestTo(rep.Key, n.cfg.K)
		n.lookups.StoreOnNetwork(ctx, rep.Key, rep.Entry, seed)
		cancel()
	}

	n.routing.ClearDefenseIfExpired(now)
	n.routing.ExpireGraceSlots(now)

	for _, idx := range n.routing.StaleBuckets(now, n.cfg.BucketRefreshInterval) {
		target, err := kademlia.RandomIDInBucket(n.id, idx)
		if err != nil {
			continue
		}
		seed := n.routing.ClosestTo(target, n.cfg.K)
		if len(seed) == 0 {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.LookupRoundTimeout*4)
		n.lookups.NodeLookup(ctx, target, seed)
		cancel()
	}
}

// Shutdown stops the maintenance ticker and closes the socket (§4.6,
// §6 "Library API surface"). Outstanding send_request callers are not
// woken: each one still ends at its own timeout or context, and none
// of them sees KindShutdown.
func (n *Node) Shutdown() error {
	n.tickerOnce.Do(func() { close(n.tickerDone) })
	if err := n.sock.Close(); err != nil {
		return newError("Shutdown", KindTransport, err)
	}
	return nil
}
