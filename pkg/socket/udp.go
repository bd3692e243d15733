package socket

import (
	"fmt"
	"net"
	"sync"

	"github.com/subotai-dht/subotai/pkg/constants"
	"github.com/subotai-dht/subotai/pkg/kademlia"
)

// UDPSocket is the default Socket implementation: a single bound
// net.UDPConn shared by every peer, matching §6's "one socket per
// node" over plain unreliable datagrams.
type UDPSocket struct {
	conn *net.UDPConn

	closeOnce sync.Once
}

// ListenUDP binds a UDP socket at bindAddr ("host:port"; an empty host
// or ":0" port picks defaults per net.ResolveUDPAddr).
func ListenUDP(bindAddr string) (*UDPSocket, error) {
	addr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("socket: resolve %q: %w", bindAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("socket: listen %q: %w", bindAddr, err)
	}
	return &UDPSocket{conn: conn}, nil
}

func (s *UDPSocket) ReadFrom() ([]byte, kademlia.Endpoint, error) {
	buf := make([]byte, constants.MaxDatagramSize)
	n, addr, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, "", err
	}
	return buf[:n], kademlia.Endpoint(addr.String()), nil
}

func (s *UDPSocket) WriteTo(data []byte, to kademlia.Endpoint) error {
	addr, err := net.ResolveUDPAddr("udp", string(to))
	if err != nil {
		return fmt.Errorf("socket: resolve %q: %w", to, err)
	}
	_, err = s.conn.WriteToUDP(data, addr)
	return err
}

func (s *UDPSocket) LocalAddr() kademlia.Endpoint {
	return kademlia.Endpoint(s.conn.LocalAddr().String())
}

func (s *UDPSocket) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.conn.Close() })
	return err
}
