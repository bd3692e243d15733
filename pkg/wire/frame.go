// Package wire implements the fixed-offset binary frame layout of the
// Subotai wire protocol, as specified in §6: magic(4) | version(1) |
// kind(1) | sender_id(20) | nonce(8) | payload_len(2) | payload.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/subotai-dht/subotai/pkg/constants"
	"github.com/subotai-dht/subotai/pkg/kademlia"
)

// headerLen is the fixed portion of every frame, before the payload.
const headerLen = 4 + 1 + 1 + kademlia.IDLength + 8 + 2

// Frame is a decoded wire envelope.
type Frame struct {
	Version  uint8
	Kind     Kind
	SenderID kademlia.ID
	Nonce    uint64
	Payload  []byte
}

// Encode serializes f into the fixed-offset wire layout. It rejects
// frames whose total encoded size exceeds the configured MTU with
// FrameTooLarge, per spec.md §5's "Resource budget" note.
func Encode(f Frame) ([]byte, error) {
	if len(f.Payload) > 0xFFFF {
		return nil, fmt.Errorf("wire: %w: payload length %d exceeds uint16", ErrFrameTooLarge, len(f.Payload))
	}
	total := headerLen + len(f.Payload)
	if total > constants.MaxDatagramSize {
		return nil, fmt.Errorf("wire: %w: frame of %d bytes exceeds MTU %d", ErrFrameTooLarge, total, constants.MaxDatagramSize)
	}

	buf := make([]byte, total)
	binary.BigEndian.PutUint32(buf[0:4], constants.FrameMagic)
	buf[4] = f.Version
	buf[5] = byte(f.Kind)
	copy(buf[6:6+kademlia.IDLength], f.SenderID[:])
	binary.BigEndian.PutUint64(buf[6+kademlia.IDLength:14+kademlia.IDLength], f.Nonce)
	binary.BigEndian.PutUint16(buf[14+kademlia.IDLength:16+kademlia.IDLength], uint16(len(f.Payload)))
	copy(buf[headerLen:], f.Payload)
	return buf, nil
}

// Decode parses a wire envelope out of a raw datagram, validating the
// magic number and that the declared payload length matches what was
// actually received.
func Decode(b []byte) (Frame, error) {
	if len(b) < headerLen {
		return Frame{}, fmt.Errorf("wire: %w: got %d bytes, need at least %d", ErrMalformed, len(b), headerLen)
	}
	magic := binary.BigEndian.Uint32(b[0:4])
	if magic != constants.FrameMagic {
		return Frame{}, fmt.Errorf("wire: %w: bad magic %#x", ErrMalformed, magic)
	}

	var f Frame
	f.Version = b[4]
	f.Kind = Kind(b[5])
	copy(f.SenderID[:], b[6:6+kademlia.IDLength])
	f.Nonce = binary.BigEndian.Uint64(b[6+kademlia.IDLength : 14+kademlia.IDLength])
	payloadLen := binary.BigEndian.Uint16(b[14+kademlia.IDLength : 16+kademlia.IDLength])

	if len(b) != headerLen+int(payloadLen) {
		return Frame{}, fmt.Errorf("wire: %w: declared payload length %d does not match datagram size %d", ErrMalformed, payloadLen, len(b)-headerLen)
	}
	if payloadLen > 0 {
		f.Payload = make([]byte, payloadLen)
		copy(f.Payload, b[headerLen:])
	}
	return f, nil
}
