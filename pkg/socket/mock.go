package socket

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/subotai-dht/subotai/pkg/kademlia"
)

// MockNetwork is an in-process registry of MockSockets keyed by
// endpoint, used by tests in place of a real UDP/QUIC socket,
// following the same registry-of-nodes pattern as the teacher's own
// MockNetwork (internal/dht/integration_test.go): WriteTo on one peer
// delivers, after a small simulated delay, straight into the target's
// ReadFrom queue.
type MockNetwork struct {
	mu      sync.Mutex
	sockets map[kademlia.Endpoint]*MockSocket
	delay   time.Duration
	// DropRate, in [0,1), randomly drops outbound datagrams to exercise
	// timeout paths against an "unreliable" transport.
	DropRate float64
}

// NewMockNetwork creates an empty network. delay simulates link
// latency before a datagram is enqueued at the receiver.
func NewMockNetwork(delay time.Duration) *MockNetwork {
	return &MockNetwork{
		sockets: make(map[kademlia.Endpoint]*MockSocket),
		delay:   delay,
	}
}

// NewSocket registers and returns a new socket at the given endpoint.
func (n *MockNetwork) NewSocket(addr kademlia.Endpoint) *MockSocket {
	s := &MockSocket{
		net:    n,
		addr:   addr,
		inbox:  make(chan mockDatagram, 256),
		closed: make(chan struct{}),
	}
	n.mu.Lock()
	n.sockets[addr] = s
	n.mu.Unlock()
	return s
}

type mockDatagram struct {
	data []byte
	from kademlia.Endpoint
}

func (n *MockNetwork) deliver(data []byte, from, to kademlia.Endpoint) {
	if n.DropRate > 0 && rand.Float64() < n.DropRate {
		return
	}
	n.mu.Lock()
	target, ok := n.sockets[to]
	n.mu.Unlock()
	if !ok {
		return
	}
	go func() {
		if n.delay > 0 {
			time.Sleep(n.delay)
		}
		select {
		case target.inbox <- mockDatagram{data: data, from: from}:
		case <-target.closed:
		}
	}()
}

// MockSocket is a Socket bound to one endpoint of a MockNetwork.
type MockSocket struct {
	net  *MockNetwork
	addr kademlia.Endpoint

	inbox     chan mockDatagram
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *MockSocket) ReadFrom() ([]byte, kademlia.Endpoint, error) {
	select {
	case msg := <-s.inbox:
		return msg.data, msg.from, nil
	case <-s.closed:
		return nil, "", ErrClosed
	}
}

// WriteTo delivers to the named peer within the same MockNetwork.
func (s *MockSocket) WriteTo(data []byte, to kademlia.Endpoint) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	if string(to) == "" {
		return fmt.Errorf("socket: empty destination endpoint")
	}
	s.net.deliver(data, s.addr, to)
	return nil
}

func (s *MockSocket) LocalAddr() kademlia.Endpoint { return s.addr }

func (s *MockSocket) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}
