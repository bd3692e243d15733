package subotai

import (
	"context"
	"time"

	"github.com/subotai-dht/subotai/internal/rpc"
	"github.com/subotai-dht/subotai/pkg/kademlia"
	"github.com/subotai-dht/subotai/pkg/wire"
)

// Reception is one RPC this node has observed arriving, surfaced by
// Receptions. Supplemented from
// _examples/original_source/src/node/receptions.rs, which exposes the
// same data as a blocking, filterable Rust Iterator; Next(ctx) plays
// that role here.
type Reception struct {
	Kind   wire.Kind
	Sender kademlia.ID
	From   kademlia.Endpoint
	At     time.Time
}

// Receptions is a chainable, filterable view over a node's inbound
// RPC stream. A zero-value filter field matches everything.
type Receptions struct {
	ch     <-chan rpc.Reception
	cancel func()

	until   time.Time
	kind    *wire.Kind
	senders map[kademlia.ID]bool
}

// Receptions opens a new subscription to this node's inbound RPC
// stream. Callers should eventually discard it (letting it be
// garbage-collected is safe; Close releases the subscription
// immediately for long-lived nodes).
func (n *Node) Receptions() *Receptions {
	ch, cancel := n.rpc.Subscribe()
	return &Receptions{ch: ch, cancel: cancel}
}

// During restricts the iterator to a span of time starting now.
func (r *Receptions) During(span time.Duration) *Receptions {
	r.until = time.Now().Add(span)
	return r
}

// OfKind restricts the iterator to a single RPC kind.
func (r *Receptions) OfKind(k wire.Kind) *Receptions {
	r.kind = &k
	return r
}

// From restricts the iterator to one or more sender IDs.
func (r *Receptions) From(senders ...kademlia.ID) *Receptions {
	r.senders = make(map[kademlia.ID]bool, len(senders))
	for _, s := range senders {
		r.senders[s] = true
	}
	return r
}

// Next blocks until the next matching reception, the During deadline
// passes, or ctx ends. ok is false in either terminal case.
func (r *Receptions) Next(ctx context.Context) (Reception, bool) {
	var timeout <-chan time.Time
	if !r.until.IsZero() {
		d := time.Until(r.until)
		if d <= 0 {
			return Reception{}, false
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}
	for {
		select {
		case rcpt, ok := <-r.ch:
			if !ok {
				return Reception{}, false
			}
			if r.kind != nil && rcpt.Kind != *r.kind {
				continue
			}
			if r.senders != nil && !r.senders[rcpt.Sender] {
				continue
			}
			return Reception{Kind: rcpt.Kind, Sender: rcpt.Sender, From: rcpt.From, At: rcpt.At}, true
		case <-timeout:
			return Reception{}, false
		case <-ctx.Done():
			return Reception{}, false
		}
	}
}

// Close releases the underlying subscription.
func (r *Receptions) Close() {
	r.cancel()
}
