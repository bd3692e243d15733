package rpc

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/subotai-dht/subotai/pkg/constants"
	"github.com/subotai-dht/subotai/pkg/kademlia"
	"github.com/subotai-dht/subotai/pkg/socket"
	"github.com/subotai-dht/subotai/pkg/store"
	"github.com/subotai-dht/subotai/pkg/wire"
)

// ErrTimeout is returned by SendRequest when no response arrives
// before the per-call deadline.
var ErrTimeout = errors.New("rpc: request timed out")

// Config holds the RPC layer's timing knobs (spec.md §6's
// Configuration list).
type Config struct {
	RequestTimeout time.Duration
	PendingLimit   int
}

func (c *Config) setDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = constants.RequestTimeout
	}
}

// RPC is the node's RPC layer: it owns the socket, multiplexes
// inbound frames between the pending registry and the request
// handlers, and exposes typed Send* helpers for outbound calls.
// Handlers only touch routing and storage (§9's design note); they
// never originate a lookup.
type RPC struct {
	self    kademlia.ID
	sock    socket.Socket
	routing *kademlia.RoutingTable
	storage *store.Table
	cfg     Config
	log     *zap.SugaredLogger

	pending *registry
	bus     *broadcaster
}

// New constructs an RPC layer over an already-bound Socket.
func New(self kademlia.ID, sock socket.Socket, routing *kademlia.RoutingTable, storage *store.Table, cfg Config, log *zap.SugaredLogger) *RPC {
	cfg.setDefaults()
	return &RPC{
		self:    self,
		sock:    sock,
		routing: routing,
		storage: storage,
		cfg:     cfg,
		log:     log,
		pending: newRegistry(cfg.PendingLimit),
		bus:     newBroadcaster(),
	}
}

// Run drives the single receive-loop goroutine for this node's
// socket, per §5's concurrency model. It returns when the socket
// closes.
func (r *RPC) Run() {
	for {
		data, from, err := r.sock.ReadFrom()
		if err != nil {
			return
		}
		f, err := wire.Decode(data)
		if err != nil {
			r.log.Debugw("dropping malformed datagram", "from", from, "error", err)
			continue
		}
		r.handleFrame(f, from)
	}
}

// handleFrame implements §4.4 steps 1-3: refresh the sender's routing
// entry, then either deliver a response to its waiting caller or
// synthesize and send one for a request.
func (r *RPC) handleFrame(f wire.Frame, from kademlia.Endpoint) {
	if f.SenderID != r.self {
		r.routing.UpdateContact(kademlia.Contact{ID: f.SenderID, Addr: from})
	}
	r.bus.publish(Reception{Kind: f.Kind, Sender: f.SenderID, From: from, At: time.Now()})

	if !f.Kind.IsRequest() {
		r.pending.deliver(pendingKey{Peer: f.SenderID, Nonce: f.Nonce}, f)
		return
	}

	rspPayload, rspKind, err := r.respond(f)
	if err != nil {
		r.log.Debugw("failed to build response", "kind", f.Kind, "from", from, "error", err)
		return
	}
	rsp := wire.Frame{
		Version:  constants.ProtocolVersion,
		Kind:     rspKind,
		SenderID: r.self,
		Nonce:    f.Nonce,
		Payload:  rspPayload,
	}
	buf, err := wire.Encode(rsp)
	if err != nil {
		r.log.Debugw("failed to encode response", "kind", rspKind, "error", err)
		return
	}
	if err := r.sock.WriteTo(buf, from); err != nil {
		r.log.Debugw("failed to send response", "kind", rspKind, "to", from, "error", err)
	}
}

// respond synthesizes the payload for a request frame, applying it to
// local storage first when the request is a STORE (§4.4 step 3).
func (r *RPC) respond(f wire.Frame) ([]byte, wire.Kind, error) {
	rspKind, ok := f.Kind.Response()
	if !ok {
		return nil, 0, fmt.Errorf("rpc: kind %v is not a request", f.Kind)
	}
	now := time.Now()

	switch f.Kind {
	case wire.KindPing:
		return nil, rspKind, nil

	case wire.KindStore:
		key, entry, err := wire.DecodeStorePayload(f.Payload, now)
		if err != nil {
			return nil, 0, err
		}
		result := r.storage.Store(key, entry, now)
		return wire.EncodeStoreRspPayload(toWireStatus(result)), rspKind, nil

	case wire.KindFindNode, wire.KindBootstrap:
		target, err := wire.DecodeIDPayload(f.Payload)
		if err != nil {
			return nil, 0, err
		}
		contacts := r.routing.ClosestTo(target, constants.K)
		payload, err := wire.EncodeFindNodeRspPayload(contacts)
		return payload, rspKind, err

	case wire.KindFindValue:
		key, err := wire.DecodeIDPayload(f.Payload)
		if err != nil {
			return nil, 0, err
		}
		entries := r.storage.Retrieve(key, now)
		if len(entries) > 0 {
			payload, err := wire.EncodeFindValueRspEntries(entries, now)
			return payload, rspKind, err
		}
		contacts := r.routing.ClosestTo(key, constants.K)
		payload, err := wire.EncodeFindValueRspNodes(contacts)
		return payload, rspKind, err

	default:
		return nil, 0, fmt.Errorf("rpc: unhandled request kind %v", f.Kind)
	}
}

func toWireStatus(r store.StoreResult) wire.Status {
	switch r {
	case store.StoreSuccess:
		return wire.StatusSuccess
	case store.StoreRefreshed:
		return wire.StatusRefreshed
	default:
		return wire.StatusFull
	}
}

// SendRequest sends one RPC and blocks for its response, subject to
// ctx and the configured per-call timeout, whichever is sooner (§4.4
// step 4, §5's "Suspension points").
func (r *RPC) SendRequest(ctx context.Context, to kademlia.Contact, kind wire.Kind, payload []byte) (wire.Frame, error) {
	nonce, err := randomNonce()
	if err != nil {
		return wire.Frame{}, fmt.Errorf("rpc: generate nonce: %w", err)
	}
	key := pendingKey{Peer: to.ID, Nonce: nonce}
	ch, err := r.pending.register(key)
	if err != nil {
		return wire.Frame{}, err
	}
	defer r.pending.cancel(key)

	f := wire.Frame{
		Version:  constants.ProtocolVersion,
		Kind:     kind,
		SenderID: r.self,
		Nonce:    nonce,
		Payload:  payload,
	}
	buf, err := wire.Encode(f)
	if err != nil {
		return wire.Frame{}, err
	}
	if err := r.sock.WriteTo(buf, to.Addr); err != nil {
		return wire.Frame{}, fmt.Errorf("rpc: send to %s: %w", to.Addr, err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()
	select {
	case rsp := <-ch:
		return rsp, nil
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return wire.Frame{}, ctx.Err()
		}
		return wire.Frame{}, ErrTimeout
	}
}

// Ping issues a PING and reports whether it was answered in time,
// suitable as a kademlia.Prober.
func (r *RPC) Ping(ctx context.Context, c kademlia.Contact) bool {
	_, err := r.SendRequest(ctx, c, wire.KindPing, nil)
	return err == nil
}

// FindNode issues FIND_NODE and returns the responder's closest
// contacts to target.
func (r *RPC) FindNode(ctx context.Context, to kademlia.Contact, target kademlia.ID) ([]kademlia.Contact, error) {
	rsp, err := r.SendRequest(ctx, to, wire.KindFindNode, wire.EncodeIDPayload(target))
	if err != nil {
		return nil, err
	}
	return wire.DecodeFindNodeRspPayload(rsp.Payload)
}

// Bootstrap issues BOOTSTRAP (a FIND_NODE for the caller's own ID) to
// a seed contact.
func (r *RPC) Bootstrap(ctx context.Context, seed kademlia.Contact) ([]kademlia.Contact, error) {
	rsp, err := r.SendRequest(ctx, seed, wire.KindBootstrap, wire.EncodeIDPayload(r.self))
	if err != nil {
		return nil, err
	}
	return wire.DecodeFindNodeRspPayload(rsp.Payload)
}

// FindValueResult is the decoded outcome of a FIND_VALUE RPC.
type FindValueResult struct {
	Tag      wire.FindValueTag
	Contacts []kademlia.Contact
	Entries  []store.Entry
}

// FindValue issues FIND_VALUE against a single peer.
func (r *RPC) FindValue(ctx context.Context, to kademlia.Contact, key kademlia.ID) (FindValueResult, error) {
	rsp, err := r.SendRequest(ctx, to, wire.KindFindValue, wire.EncodeIDPayload(key))
	if err != nil {
		return FindValueResult{}, err
	}
	tag, contacts, entries, err := wire.DecodeFindValueRspPayload(rsp.Payload, time.Now())
	if err != nil {
		return FindValueResult{}, err
	}
	return FindValueResult{Tag: tag, Contacts: contacts, Entries: entries}, nil
}

// StoreEntry issues a STORE against a single peer.
func (r *RPC) StoreEntry(ctx context.Context, to kademlia.Contact, key kademlia.ID, e store.Entry) (wire.Status, error) {
	payload, err := wire.EncodeStorePayload(key, e, time.Now())
	if err != nil {
		return 0, err
	}
	rsp, err := r.SendRequest(ctx, to, wire.KindStore, payload)
	if err != nil {
		return 0, err
	}
	return wire.DecodeStoreRspPayload(rsp.Payload)
}

// PendingCount reports the number of in-flight outbound requests,
// exposed for maintenance/diagnostics.
func (r *RPC) PendingCount() int { return r.pending.size() }

func randomNonce() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}
