package socket

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/subotai-dht/subotai/pkg/kademlia"
)

// QUICSocket is an alternate Socket implementation built on quic-go's
// unreliable-datagram extension (SendDatagram/ReceiveDatagram) rather
// than its stream API: each peer gets one lazily-established QUIC
// connection, and every RPC rides a single unordered, unreliable
// datagram on top of it — matching §6's transport model more closely
// than a stream-oriented use of QUIC would. Inbound connections arrive
// on the listener's bound UDP port; outbound connections are dialed
// with quic.DialAddr, which opens its own UDP socket per dial, so they
// do not share the listener's port. Selected via Config.Transport =
// "quic".
//
// TLS here exists only because QUIC requires it to establish a
// connection; §13's Non-goals exclude cryptographic peer
// authentication, so the server cert is self-signed and the client
// never verifies it.
type QUICSocket struct {
	listener *quic.Listener

	mu    sync.Mutex
	conns map[kademlia.Endpoint]*quic.Conn
	alpn  string

	tlsClient *tls.Config
	quicConf  *quic.Config

	incoming  chan datagramMsg
	closed    chan struct{}
	closeOnce sync.Once
}

type datagramMsg struct {
	data []byte
	from kademlia.Endpoint
}

const subotaiALPN = "subotai/1"

// ListenQUIC binds a QUIC socket at bindAddr.
func ListenQUIC(bindAddr string) (*QUICSocket, error) {
	serverTLS, err := selfSignedTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("socket: generate quic tls config: %w", err)
	}
	quicConf := &quic.Config{
		EnableDatagrams: true,
		MaxIdleTimeout:  5 * time.Minute,
		KeepAlivePeriod: 30 * time.Second,
	}

	listener, err := quic.ListenAddr(bindAddr, serverTLS, quicConf)
	if err != nil {
		return nil, fmt.Errorf("socket: quic listen %q: %w", bindAddr, err)
	}

	s := &QUICSocket{
		listener: listener,
		conns:    make(map[kademlia.Endpoint]*quic.Conn),
		alpn:     subotaiALPN,
		tlsClient: &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{subotaiALPN},
		},
		quicConf: quicConf,
		incoming: make(chan datagramMsg, 64),
		closed:   make(chan struct{}),
	}
	go s.acceptLoop()
	return s, nil
}

func (s *QUICSocket) acceptLoop() {
	for {
		conn, err := s.listener.Accept(context.Background())
		if err != nil {
			return
		}
		from := kademlia.Endpoint(conn.RemoteAddr().String())
		s.register(from, conn)
		go s.readLoop(conn, from)
	}
}

func (s *QUICSocket) register(addr kademlia.Endpoint, conn *quic.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[addr] = conn
}

func (s *QUICSocket) readLoop(conn *quic.Conn, from kademlia.Endpoint) {
	for {
		data, err := conn.ReceiveDatagram(context.Background())
		if err != nil {
			return
		}
		msg := datagramMsg{data: append([]byte(nil), data...), from: from}
		select {
		case s.incoming <- msg:
		case <-s.closed:
			return
		}
	}
}

func (s *QUICSocket) connFor(to kademlia.Endpoint) (*quic.Conn, error) {
	s.mu.Lock()
	conn, ok := s.conns[to]
	s.mu.Unlock()
	if ok {
		return conn, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := quic.DialAddr(ctx, string(to), s.tlsClient, s.quicConf)
	if err != nil {
		return nil, fmt.Errorf("socket: quic dial %q: %w", to, err)
	}
	s.register(to, conn)
	go s.readLoop(conn, to)
	return conn, nil
}

func (s *QUICSocket) ReadFrom() ([]byte, kademlia.Endpoint, error) {
	select {
	case msg := <-s.incoming:
		return msg.data, msg.from, nil
	case <-s.closed:
		return nil, "", ErrClosed
	}
}

func (s *QUICSocket) WriteTo(data []byte, to kademlia.Endpoint) error {
	conn, err := s.connFor(to)
	if err != nil {
		return err
	}
	return conn.SendDatagram(data)
}

func (s *QUICSocket) LocalAddr() kademlia.Endpoint {
	return kademlia.Endpoint(s.listener.Addr().String())
}

func (s *QUICSocket) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		for _, conn := range s.conns {
			conn.CloseWithError(0, "socket closed")
		}
		s.mu.Unlock()
	})
	return s.listener.Close()
}

// selfSignedTLSConfig builds a throwaway server certificate. No
// certificate authority, no verification: it exists purely to satisfy
// QUIC's mandatory TLS handshake, not to authenticate peers.
func selfSignedTLSConfig() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{SerialNumber: big.NewInt(1)}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{subotaiALPN},
	}, nil
}
