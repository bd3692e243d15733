package rpc

import (
	"sync"
	"time"

	"github.com/subotai-dht/subotai/pkg/kademlia"
	"github.com/subotai-dht/subotai/pkg/wire"
)

// Reception is one observed inbound RPC, surfaced for the root
// package's Receptions iterator (supplemented from
// _examples/original_source/src/node/receptions.rs).
type Reception struct {
	Kind   wire.Kind
	Sender kademlia.ID
	From   kademlia.Endpoint
	At     time.Time
}

// broadcaster fans inbound-frame events out to any number of
// subscribers without ever blocking the receive loop: a subscriber
// that falls behind simply misses events past its buffer, exactly the
// tradeoff the original Rust implementation's bus-backed iterator
// makes (observability, not a delivery guarantee).
type broadcaster struct {
	mu   sync.Mutex
	subs map[int]chan Reception
	next int
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]chan Reception)}
}

func (b *broadcaster) subscribe() (int, <-chan Reception) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Reception, 64)
	b.subs[id] = ch
	return id, ch
}

func (b *broadcaster) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

func (b *broadcaster) publish(r Reception) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- r:
		default:
		}
	}
}

// Subscribe registers a new Reception listener. The caller must call
// the returned cancel function when done to free the subscription.
func (r *RPC) Subscribe() (<-chan Reception, func()) {
	id, ch := r.bus.subscribe()
	return ch, func() { r.bus.unsubscribe(id) }
}
