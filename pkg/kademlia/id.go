// Package kademlia implements the XOR-metric identifier space and the
// k-bucket routing table of the Kademlia DHT, as specified in §4.1 and
// §4.2 of the Subotai design.
package kademlia

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
)

// IDLength is the width of the identifier space in bytes (160 bits),
// fixed per the Subotai design's id_bits configuration value.
const IDLength = 20

// IDBits is the width of the identifier space in bits.
const IDBits = IDLength * 8

// ID is a 160-bit Kademlia identifier. Both node identifiers and
// storage keys live in this same space.
type ID [IDLength]byte

// RandomID generates a cryptographically random identifier, suitable
// for self IDs and for picking lookup targets inside empty bucket
// ranges during bucket refresh.
func RandomID() (ID, error) {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		return ID{}, fmt.Errorf("kademlia: generate random id: %w", err)
	}
	return id, nil
}

// HashID derives an identifier from an arbitrary byte string using
// SHA-1, the hash function named by the Subotai design (§1, §4.1).
func HashID(data []byte) ID {
	return ID(sha1.Sum(data))
}

// Bytes returns the identifier's underlying bytes.
func (id ID) Bytes() []byte {
	return id[:]
}

// String renders the identifier as lowercase hex.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether the identifier is the all-zero value.
func (id ID) IsZero() bool {
	return id == ID{}
}

// Xor returns the bitwise XOR distance between two identifiers.
func (id ID) Xor(other ID) ID {
	var out ID
	for i := 0; i < IDLength; i++ {
		out[i] = id[i] ^ other[i]
	}
	return out
}

// Less reports whether id is numerically less than other, treating
// both as big-endian unsigned integers. Used to break distance ties
// deterministically (§4.2, closest_to tie-break).
func (id ID) Less(other ID) bool {
	for i := 0; i < IDLength; i++ {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// Equal reports whether two identifiers are identical.
func (id ID) Equal(other ID) bool {
	return id == other
}

// CloserThan reports whether id is closer to target than other is,
// breaking exact ties by ascending numeric ID as required by §4.2.
func CloserThan(id, other, target ID) bool {
	da, db := id.Xor(target), other.Xor(target)
	if da == db {
		return id.Less(other)
	}
	return da.Less(db)
}

// BucketIndex returns the bucket index of x relative to self: the
// position of the highest set bit of x XOR self, counted from the
// least-significant bit, in the half-open range [0, IDBits). Per
// §3/§4.1 this is undefined when x equals self; ok is false in that
// case.
func BucketIndex(self, x ID) (index int, ok bool) {
	distance := self.Xor(x)
	if distance.IsZero() {
		return 0, false
	}
	// floor(log2(distance)): find the most significant set byte, then
	// the most significant set bit within it, then convert that
	// MSB-relative position into an LSB-relative bit index.
	for i := 0; i < IDLength; i++ {
		b := distance[i]
		if b == 0 {
			continue
		}
		highBit := 0
		for j := 7; j >= 0; j-- {
			if b&(1<<uint(j)) != 0 {
				highBit = j
				break
			}
		}
		bitFromMSB := i*8 + (7 - highBit)
		return IDBits - 1 - bitFromMSB, true
	}
	return 0, false
}

// SetBitsDescending returns the bucket indices of every set bit of
// id, ordered from most significant to least significant. Paired with
// UnsetBitsAscending below, this reproduces the original
// Subotai "bounce lookup" scan order (see
// _examples/original_source/src/routing/mod.rs): descend through
// every "1" bit's bucket, then bounce back up through every "0" bit's
// bucket, ascending.
func (id ID) SetBitsDescending() []int {
	var out []int
	for bit := IDBits - 1; bit >= 0; bit-- {
		if id.bitAt(bit) {
			out = append(out, bit)
		}
	}
	return out
}

// UnsetBitsAscending returns the bucket indices of every unset bit of
// id, ordered from least significant to most significant.
func (id ID) UnsetBitsAscending() []int {
	var out []int
	for bit := 0; bit < IDBits; bit++ {
		if !id.bitAt(bit) {
			out = append(out, bit)
		}
	}
	return out
}

// bitAt reports whether the bit at the given index (0 = bucket index
// of the least significant bit) is set.
func (id ID) bitAt(bit int) bool {
	byteIndex := IDLength - 1 - bit/8
	bitIndex := uint(bit % 8)
	return id[byteIndex]&(1<<bitIndex) != 0
}

func (id *ID) setBit(bit int, value bool) {
	byteIndex := IDLength - 1 - bit/8
	bitIndex := uint(bit % 8)
	if value {
		id[byteIndex] |= 1 << bitIndex
	} else {
		id[byteIndex] &^= 1 << bitIndex
	}
}

// RandomIDInBucket generates a random identifier whose bucket index
// relative to self is exactly idx: it agrees with self on every bit
// above idx, disagrees at bit idx, and is random below it. Used by
// the maintenance ticker's bucket refresh (§4.6: "node_lookup on a
// random ID in their range").
func RandomIDInBucket(self ID, idx int) (ID, error) {
	var buf [IDLength]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return ID{}, fmt.Errorf("kademlia: random id in bucket: %w", err)
	}
	x := ID(buf)
	for bit := idx + 1; bit < IDBits; bit++ {
		x.setBit(bit, self.bitAt(bit))
	}
	x.setBit(idx, !self.bitAt(idx))
	return x, nil
}
