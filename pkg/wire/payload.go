package wire

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/subotai-dht/subotai/pkg/kademlia"
	"github.com/subotai-dht/subotai/pkg/store"
)

// FindValueTag distinguishes the two FIND_VALUE_RSP shapes of §6.
type FindValueTag uint8

const (
	TagNodes   FindValueTag = 0
	TagEntries FindValueTag = 1
)

// EncodeIDPayload encodes the target_or_key(20) payload shared by
// FIND_NODE, FIND_VALUE, and BOOTSTRAP requests.
func EncodeIDPayload(id kademlia.ID) []byte {
	out := make([]byte, kademlia.IDLength)
	copy(out, id[:])
	return out
}

// DecodeIDPayload reverses EncodeIDPayload.
func DecodeIDPayload(b []byte) (kademlia.ID, error) {
	if len(b) != kademlia.IDLength {
		return kademlia.ID{}, fmt.Errorf("wire: %w: want %d-byte id payload, got %d", ErrMalformed, kademlia.IDLength, len(b))
	}
	var id kademlia.ID
	copy(id[:], b)
	return id, nil
}

// EncodeStorePayload builds the STORE request payload: key(20) |
// entry_variant(1) | entry_len(2) | entry_bytes | expiration_delta_secs(4).
func EncodeStorePayload(key kademlia.ID, e store.Entry, now time.Time) ([]byte, error) {
	if len(e.Payload) > 0xFFFF {
		return nil, fmt.Errorf("wire: %w: entry of %d bytes too large to frame", ErrFrameTooLarge, len(e.Payload))
	}
	delta := deltaSeconds(e.Expiration, now)

	out := make([]byte, kademlia.IDLength+1+2+len(e.Payload)+4)
	copy(out[0:kademlia.IDLength], key[:])
	pos := kademlia.IDLength
	out[pos] = byte(e.Variant)
	pos++
	binary.BigEndian.PutUint16(out[pos:pos+2], uint16(len(e.Payload)))
	pos += 2
	copy(out[pos:pos+len(e.Payload)], e.Payload)
	pos += len(e.Payload)
	binary.BigEndian.PutUint32(out[pos:pos+4], delta)
	return out, nil
}

// DecodeStorePayload reverses EncodeStorePayload. The returned Entry's
// Original flag is always false: a STORE received over the wire is,
// by definition, not this node's origin (§4.3 "applied as a received,
// non-original entry").
func DecodeStorePayload(b []byte, now time.Time) (kademlia.ID, store.Entry, error) {
	if len(b) < kademlia.IDLength+1+2+4 {
		return kademlia.ID{}, store.Entry{}, fmt.Errorf("wire: %w: truncated STORE payload", ErrMalformed)
	}
	var key kademlia.ID
	copy(key[:], b[0:kademlia.IDLength])
	pos := kademlia.IDLength
	variant := store.Variant(b[pos])
	pos++
	entryLen := int(binary.BigEndian.Uint16(b[pos : pos+2]))
	pos += 2
	if len(b) != pos+entryLen+4 {
		return kademlia.ID{}, store.Entry{}, fmt.Errorf("wire: %w: STORE payload length mismatch", ErrMalformed)
	}
	payload := make([]byte, entryLen)
	copy(payload, b[pos:pos+entryLen])
	pos += entryLen
	delta := binary.BigEndian.Uint32(b[pos : pos+4])

	return key, store.Entry{
		Variant:    variant,
		Payload:    payload,
		Expiration: now.Add(time.Duration(delta) * time.Second),
	}, nil
}

// EncodeStoreRspPayload builds the STORE_RSP payload: status(1).
func EncodeStoreRspPayload(status Status) []byte {
	return []byte{byte(status)}
}

// DecodeStoreRspPayload reverses EncodeStoreRspPayload.
func DecodeStoreRspPayload(b []byte) (Status, error) {
	if len(b) != 1 {
		return 0, fmt.Errorf("wire: %w: want 1-byte STORE_RSP payload, got %d", ErrMalformed, len(b))
	}
	return Status(b[0]), nil
}

// EncodeFindNodeRspPayload builds the FIND_NODE_RSP / BOOTSTRAP_RSP
// payload: count(1) | count x (id(20) | addr_family(1) | addr | port(2)).
func EncodeFindNodeRspPayload(contacts []kademlia.Contact) ([]byte, error) {
	if len(contacts) > 0xFF {
		contacts = contacts[:0xFF]
	}
	out := []byte{byte(len(contacts))}
	for _, c := range contacts {
		addr, err := encodeEndpoint(c.Addr)
		if err != nil {
			return nil, err
		}
		out = append(out, c.ID[:]...)
		out = append(out, addr...)
	}
	return out, nil
}

// DecodeFindNodeRspPayload reverses EncodeFindNodeRspPayload.
func DecodeFindNodeRspPayload(b []byte) ([]kademlia.Contact, error) {
	if len(b) < 1 {
		return nil, fmt.Errorf("wire: %w: empty FIND_NODE_RSP payload", ErrMalformed)
	}
	count := int(b[0])
	b = b[1:]
	contacts := make([]kademlia.Contact, 0, count)
	for i := 0; i < count; i++ {
		if len(b) < kademlia.IDLength {
			return nil, fmt.Errorf("wire: %w: truncated FIND_NODE_RSP contact", ErrMalformed)
		}
		var id kademlia.ID
		copy(id[:], b[:kademlia.IDLength])
		b = b[kademlia.IDLength:]
		addr, n, err := decodeEndpoint(b)
		if err != nil {
			return nil, err
		}
		b = b[n:]
		contacts = append(contacts, kademlia.Contact{ID: id, Addr: addr})
	}
	return contacts, nil
}

// EncodeFindValueRspNodes builds a FIND_VALUE_RSP payload carrying a
// node list (tag 0): the key was not found locally.
func EncodeFindValueRspNodes(contacts []kademlia.Contact) ([]byte, error) {
	body, err := EncodeFindNodeRspPayload(contacts)
	if err != nil {
		return nil, err
	}
	return append([]byte{byte(TagNodes)}, body...), nil
}

// EncodeFindValueRspEntries builds a FIND_VALUE_RSP payload carrying
// the matching entries (tag 1): count(1) | count x (variant(1) |
// entry_len(2) | entry_bytes | expiration_delta_secs(4)).
func EncodeFindValueRspEntries(entries []store.Entry, now time.Time) ([]byte, error) {
	if len(entries) > 0xFF {
		entries = entries[:0xFF]
	}
	out := []byte{byte(TagEntries), byte(len(entries))}
	for _, e := range entries {
		if len(e.Payload) > 0xFFFF {
			return nil, fmt.Errorf("wire: %w: entry of %d bytes too large to frame", ErrFrameTooLarge, len(e.Payload))
		}
		entryHeader := make([]byte, 1+2)
		entryHeader[0] = byte(e.Variant)
		binary.BigEndian.PutUint16(entryHeader[1:3], uint16(len(e.Payload)))
		out = append(out, entryHeader...)
		out = append(out, e.Payload...)

		delta := make([]byte, 4)
		binary.BigEndian.PutUint32(delta, deltaSeconds(e.Expiration, now))
		out = append(out, delta...)
	}
	return out, nil
}

// DecodeFindValueRspPayload reverses either FIND_VALUE_RSP encoder,
// branching on the leading tag byte.
func DecodeFindValueRspPayload(b []byte, now time.Time) (FindValueTag, []kademlia.Contact, []store.Entry, error) {
	if len(b) < 1 {
		return 0, nil, nil, fmt.Errorf("wire: %w: empty FIND_VALUE_RSP payload", ErrMalformed)
	}
	tag := FindValueTag(b[0])
	b = b[1:]

	switch tag {
	case TagNodes:
		contacts, err := DecodeFindNodeRspPayload(b)
		return tag, contacts, nil, err
	case TagEntries:
		if len(b) < 1 {
			return 0, nil, nil, fmt.Errorf("wire: %w: truncated FIND_VALUE_RSP entries", ErrMalformed)
		}
		count := int(b[0])
		b = b[1:]
		entries := make([]store.Entry, 0, count)
		for i := 0; i < count; i++ {
			if len(b) < 3 {
				return 0, nil, nil, fmt.Errorf("wire: %w: truncated FIND_VALUE_RSP entry header", ErrMalformed)
			}
			variant := store.Variant(b[0])
			entryLen := int(binary.BigEndian.Uint16(b[1:3]))
			b = b[3:]
			if len(b) < entryLen+4 {
				return 0, nil, nil, fmt.Errorf("wire: %w: truncated FIND_VALUE_RSP entry body", ErrMalformed)
			}
			payload := make([]byte, entryLen)
			copy(payload, b[:entryLen])
			b = b[entryLen:]
			delta := binary.BigEndian.Uint32(b[:4])
			b = b[4:]
			entries = append(entries, store.Entry{
				Variant:    variant,
				Payload:    payload,
				Expiration: now.Add(time.Duration(delta) * time.Second),
			})
		}
		return tag, nil, entries, nil
	default:
		return 0, nil, nil, fmt.Errorf("wire: %w: unknown FIND_VALUE_RSP tag %d", ErrMalformed, tag)
	}
}

// deltaSeconds clamps the distance between an expiration and now to a
// non-negative uint32 seconds count, since an entry can be handed to
// the encoder fractionally past its deadline between a Tick and a
// send.
func deltaSeconds(expiration, now time.Time) uint32 {
	d := expiration.Sub(now)
	if d <= 0 {
		return 0
	}
	secs := int64(d / time.Second)
	if secs > 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return uint32(secs)
}
