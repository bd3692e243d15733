// Package constants defines the default values for a Subotai node's
// tunable parameters, per spec.md §6's Configuration list.
package constants

import "time"

// DHT shape (§4.1, §4.2).
const (
	// K is the recommended bucket size (main list and grace list each
	// hold up to K contacts).
	K = 20
	// Alpha is the lookup parallelism.
	Alpha = 3
	// IDBits is the fixed width of the identifier space.
	IDBits = 160
)

// RPC and lookup timing (§4.4, §4.5).
const (
	RequestTimeout     = 5 * time.Second
	LookupRoundTimeout = 2 * time.Second
	BootstrapDeadline  = 30 * time.Second
)

// AliveThreshold is the minimum number of routing-table contacts
// bootstrap requires before the network is deemed "alive" (§4.6).
const AliveThreshold = K

// Routing table admission timing (§4.2).
const (
	GraceTimeout      = 5 * time.Second
	DefensiveCooldown = 30 * time.Second
)

// Storage timing and capacity (§4.3).
const (
	RepublishInterval = time.Hour
	EntryDefaultTTL    = 24 * time.Hour
	MaxEntriesPerKey   = 16
	MaxKeys            = 10000
	CacheCapacity      = 1000
	MaxBlobSize        = 1 << 16 // 64 KiB

	// CacheDiscountBucket and CacheDiscountTTL implement the
	// over-caching guard from
	// _examples/original_source/src/storage/mod.rs: a cached entry
	// learned from a peer this many buckets away or further gets the
	// shorter TTL instead of EntryDefaultTTL.
	CacheDiscountBucket = 5
	CacheDiscountTTL    = time.Hour
)

// Maintenance (§4.6).
const (
	BucketRefreshInterval = 10 * time.Minute
	MaintenanceTick       = 30 * time.Second
)

// Wire format (§6).
const (
	ProtocolVersion = 1
	FrameMagic      = 0x53554254 // "SUBT"
	MaxDatagramSize = 1400       // stays under common MTUs with headroom
)

// DefaultBindAddress is used when Config.BindAddress is left empty.
const DefaultBindAddress = "0.0.0.0:0"
