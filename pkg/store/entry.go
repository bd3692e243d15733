// Package store implements the storage table: per-key sets of entries
// with expiration, originator republish, and a distance-discounted
// cache, as specified in §4.3 of the Subotai design.
package store

import (
	"bytes"
	"time"
)

// Variant distinguishes the two entry payload shapes named in §3.
type Variant uint8

const (
	// VariantValue is a small inline payload.
	VariantValue Variant = iota
	// VariantBlob is an arbitrary-size payload up to max_blob_size.
	VariantBlob
)

func (v Variant) String() string {
	switch v {
	case VariantValue:
		return "value"
	case VariantBlob:
		return "blob"
	default:
		return "unknown"
	}
}

// Entry is a single value stored under a key. Equality for dedup
// purposes is on (Variant, Payload) only (§3, §4.3): Expiration and
// Original are metadata, not identity.
type Entry struct {
	Variant    Variant
	Payload    []byte
	Expiration time.Time
	// Original marks an entry as one this node originated via a local
	// store, making it eligible for the republish schedule. Entries
	// received via a remote STORE, or placed by the cache-along-path
	// optimization, are never republished.
	Original bool
}

// SameAs reports whether two entries are duplicates under the
// dedup rule of §4.3 ("a key's entry set is deduplicated on
// variant+payload equality").
func (e Entry) SameAs(other Entry) bool {
	return e.Variant == other.Variant && bytes.Equal(e.Payload, other.Payload)
}

// Clone returns a deep copy, so callers handed an Entry from Retrieve
// cannot mutate table-internal state through a shared Payload slice.
func (e Entry) Clone() Entry {
	payload := make([]byte, len(e.Payload))
	copy(payload, e.Payload)
	return Entry{
		Variant:    e.Variant,
		Payload:    payload,
		Expiration: e.Expiration,
		Original:   e.Original,
	}
}
