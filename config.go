package resolver

import (
	"time"
)

// Defaults for optional configuration.
const (
	// DefaultNegativeTTL caches NXDOMAIN/NODATA answers without an SOA
	// minimum for this long.
	DefaultNegativeTTL = 30 * time.Second

	// DefaultECSPrefixV4 is the source prefix length sent for IPv4 client
	// addresses.
	DefaultECSPrefixV4 = 24

	// DefaultECSPrefixV6 is the source prefix length sent for IPv6 client
	// addresses.
	DefaultECSPrefixV6 = 56

	// DefaultIdleTimeout closes pooled TCP/DoT connections after this
	// idle period.
	DefaultIdleTimeout = 30 * time.Second

	// DefaultRaceStagger delays each additional racer in a concurrent
	// dispatch.
	DefaultRaceStagger = 50 * time.Millisecond
)

// Config is the resolved configuration produced by the builder.
type Config struct {
	Strategy Strategy

	// Timeout bounds a whole race, or each attempt of an ordered plan.
	Timeout time.Duration

	// Retries is the number of extra attempts for single-upstream plans.
	Retries int

	CacheEnabled bool
	MaxCacheTTL  time.Duration
	MaxEntries   int
	NegativeTTL  time.Duration

	HealthChecks  bool
	ProbeInterval time.Duration
	Canary        string

	// DefaultPort is appended to udp and tcp upstream addresses registered
	// without an explicit port.
	DefaultPort uint16

	// Concurrency caps concurrent outbound dispatches.
	Concurrency int64

	// BufferSize is the EDNS UDP payload size advertised in OPT records.
	BufferSize uint16

	FailureThreshold int
	ECSPrefixV4      int
	ECSPrefixV6      int
	IdleTimeout      time.Duration
	RaceStagger      time.Duration
}
