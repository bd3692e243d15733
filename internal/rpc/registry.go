// Package rpc implements the RPC layer of §4.4: frame-level
// request/response correlation over a Socket, routing/storage updates
// on every inbound frame, and the handlers that synthesize responses.
package rpc

import (
	"errors"
	"sync"

	"github.com/subotai-dht/subotai/pkg/kademlia"
	"github.com/subotai-dht/subotai/pkg/wire"
)

// ErrBusy is returned by register when the pending registry is
// already at capacity, per spec.md §5's "Resource budget: the
// pending registry is bounded (reject new RPCs with Busy when
// saturated)".
var ErrBusy = errors.New("rpc: pending registry full")

// pendingKey identifies one outstanding request: the peer it was sent
// to, and the nonce that correlates its response.
type pendingKey struct {
	Peer  kademlia.ID
	Nonce uint64
}

// registry is the pending-request table: one single-slot channel per
// in-flight RPC, created on send and torn down on response, timeout,
// or caller cancellation (§3's "Lifecycles").
type registry struct {
	mu      sync.Mutex
	pending map[pendingKey]chan wire.Frame
	maxSize int
}

func newRegistry(maxSize int) *registry {
	if maxSize <= 0 {
		maxSize = 4096
	}
	return &registry{
		pending: make(map[pendingKey]chan wire.Frame),
		maxSize: maxSize,
	}
}

// register creates a slot for key and returns the channel its
// response will be delivered to. The channel is buffered by one so a
// deliver that races a timeout/cancel never blocks.
func (r *registry) register(key pendingKey) (chan wire.Frame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) >= r.maxSize {
		return nil, ErrBusy
	}
	ch := make(chan wire.Frame, 1)
	r.pending[key] = ch
	return ch, nil
}

// deliver routes a response frame to its waiting caller, if any is
// still registered. Returns false if no one was waiting (a duplicate,
// a late response after timeout, or an unsolicited frame).
func (r *registry) deliver(key pendingKey, f wire.Frame) bool {
	r.mu.Lock()
	ch, ok := r.pending[key]
	if ok {
		delete(r.pending, key)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	ch <- f
	return true
}

// cancel tears down a pending slot without a response having arrived
// (timeout or caller cancellation).
func (r *registry) cancel(key pendingKey) {
	r.mu.Lock()
	delete(r.pending, key)
	r.mu.Unlock()
}

func (r *registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
