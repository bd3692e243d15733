// Package socket provides the datagram transport collaborator named
// in spec.md §1/§6: "unordered, unreliable, bounded-size datagrams
// between endpoints. One socket per node."
package socket

import (
	"errors"

	"github.com/subotai-dht/subotai/pkg/kademlia"
)

// ErrClosed is returned by ReadFrom/WriteTo once the socket has been
// closed.
var ErrClosed = errors.New("socket: closed")

// Socket is the minimal datagram transport surface the RPC layer
// needs: receive whatever arrives, send to an address, know your own
// address, and shut down. Implementations: udp.go (default), quic.go
// (opt-in, exercising quic-go's unreliable-datagram extension), and
// mock.go (in-process, for tests).
type Socket interface {
	// ReadFrom blocks until a datagram arrives or the socket closes.
	ReadFrom() (data []byte, from kademlia.Endpoint, err error)
	// WriteTo sends a single datagram. Delivery is not guaranteed.
	WriteTo(data []byte, to kademlia.Endpoint) error
	// LocalAddr is the endpoint other nodes should use to reach this
	// socket.
	LocalAddr() kademlia.Endpoint
	Close() error
}
