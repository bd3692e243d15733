package subotai

import (
	"time"

	"go.uber.org/zap"

	"github.com/subotai-dht/subotai/pkg/constants"
	"github.com/subotai-dht/subotai/pkg/log"
)

// Config holds every knob named in spec.md §6's Configuration list,
// plus the Transport and Logger injection points SPEC_FULL.md adds.
type Config struct {
	K     int
	Alpha int

	RequestTimeout     time.Duration
	LookupRoundTimeout time.Duration
	BootstrapDeadline  time.Duration
	AliveThreshold     int

	GraceTimeout      time.Duration
	DefensiveCooldown time.Duration

	RepublishInterval time.Duration
	EntryDefaultTTL   time.Duration
	MaxEntriesPerKey  int
	MaxKeys           int
	CacheCapacity     int
	MaxBlobSize       int

	BucketRefreshInterval time.Duration
	MaintenanceTick       time.Duration

	BindAddress string

	// Transport selects the Socket implementation: "udp" (default) or
	// "quic" (opt-in, §8 of SPEC_FULL.md).
	Transport string

	// Logger is injected for structured logging; a production zap
	// logger is used if nil.
	Logger *zap.SugaredLogger
}

func (c *Config) setDefaults() {
	if c.K <= 0 {
		c.K = constants.K
	}
	if c.Alpha <= 0 {
		c.Alpha = constants.Alpha
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = constants.RequestTimeout
	}
	if c.LookupRoundTimeout <= 0 {
		c.LookupRoundTimeout = constants.LookupRoundTimeout
	}
	if c.BootstrapDeadline <= 0 {
		c.BootstrapDeadline = constants.BootstrapDeadline
	}
	if c.AliveThreshold <= 0 {
		c.AliveThreshold = constants.AliveThreshold
	}
	if c.GraceTimeout <= 0 {
		c.GraceTimeout = constants.GraceTimeout
	}
	if c.DefensiveCooldown <= 0 {
		c.DefensiveCooldown = constants.DefensiveCooldown
	}
	if c.RepublishInterval <= 0 {
		c.RepublishInterval = constants.RepublishInterval
	}
	if c.EntryDefaultTTL <= 0 {
		c.EntryDefaultTTL = constants.EntryDefaultTTL
	}
	if c.MaxEntriesPerKey <= 0 {
		c.MaxEntriesPerKey = constants.MaxEntriesPerKey
	}
	if c.MaxKeys <= 0 {
		c.MaxKeys = constants.MaxKeys
	}
	if c.CacheCapacity <= 0 {
		c.CacheCapacity = constants.CacheCapacity
	}
	if c.MaxBlobSize <= 0 {
		c.MaxBlobSize = constants.MaxBlobSize
	}
	if c.BucketRefreshInterval <= 0 {
		c.BucketRefreshInterval = constants.BucketRefreshInterval
	}
	if c.MaintenanceTick <= 0 {
		c.MaintenanceTick = constants.MaintenanceTick
	}
	if c.BindAddress == "" {
		c.BindAddress = constants.DefaultBindAddress
	}
	if c.Transport == "" {
		c.Transport = "udp"
	}
	if c.Logger == nil {
		c.Logger = log.New("subotai")
	}
}
