package resolver

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"stub-resolver/internal/cache"
	"stub-resolver/internal/health"
	"stub-resolver/internal/prober"
	"stub-resolver/internal/strategy"
	"stub-resolver/internal/transport"
	"stub-resolver/internal/upstream"
)

// Mandatory builder fields. Build fails listing every field that was never
// set; there are no silent defaults for these.
const (
	fieldStrategy      = "strategy"
	fieldTimeout       = "timeout"
	fieldRetries       = "retries"
	fieldCache         = "cache"
	fieldCacheTTL      = "max cache ttl"
	fieldHealthChecks  = "health checks"
	fieldProbeInterval = "probe interval"
	fieldDefaultPort   = "default port"
	fieldConcurrency   = "concurrency"
	fieldBufferSize    = "buffer size"
	fieldUpstreams     = "at least one upstream"
)

// UpstreamSpec configures one upstream server for the builder.
type UpstreamSpec struct {
	Name string

	// Kind is one of "udp", "tcp", "dot", "doh".
	Kind string

	// Address is host:port for udp/tcp/dot, or the full https URL for
	// doh. A bare host is completed with the default port for udp/tcp
	// and with port 853 for dot.
	Address string

	// ServerName overrides SNI / certificate verification for dot.
	ServerName string

	// Method is GET or POST for doh. Defaults to GET.
	Method string

	// Weight is used by weighted scoring; defaults to 1.
	Weight int

	// SkipVerify disables TLS certificate validation.
	SkipVerify bool
}

// Builder assembles a Resolver. All mandatory fields must be set explicitly;
// Build returns a *ConfigError naming everything that is missing.
type Builder struct {
	cfg       Config
	specs     []UpstreamSpec
	logger    *logrus.Logger
	set       map[string]bool
	buildErrs []string
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{
		cfg: Config{
			NegativeTTL:      DefaultNegativeTTL,
			ECSPrefixV4:      DefaultECSPrefixV4,
			ECSPrefixV6:      DefaultECSPrefixV6,
			IdleTimeout:      DefaultIdleTimeout,
			RaceStagger:      DefaultRaceStagger,
			FailureThreshold: health.DefaultFailureThreshold,
			ProbeInterval:    prober.DefaultInterval,
			Canary:           prober.DefaultCanary,
			MaxEntries:       cache.DefaultMaxEntries,
		},
		set: make(map[string]bool),
	}
}

// WithStrategy sets the upstream selection strategy.
func (b *Builder) WithStrategy(s Strategy) *Builder {
	b.cfg.Strategy = s
	b.set[fieldStrategy] = true
	return b
}

// WithTimeout sets the default query timeout.
func (b *Builder) WithTimeout(d time.Duration) *Builder {
	if d <= 0 {
		b.fail("timeout must be positive")
		return b
	}
	b.cfg.Timeout = d
	b.set[fieldTimeout] = true
	return b
}

// WithRetries sets the extra attempt count for single-upstream plans.
func (b *Builder) WithRetries(n int) *Builder {
	if n < 0 {
		b.fail("retries must not be negative")
		return b
	}
	b.cfg.Retries = n
	b.set[fieldRetries] = true
	return b
}

// WithCache enables or disables the response cache.
func (b *Builder) WithCache(enabled bool) *Builder {
	b.cfg.CacheEnabled = enabled
	b.set[fieldCache] = true
	return b
}

// WithMaxCacheTTL clamps the TTL of cached responses.
func (b *Builder) WithMaxCacheTTL(d time.Duration) *Builder {
	if d <= 0 {
		b.fail("max cache ttl must be positive")
		return b
	}
	b.cfg.MaxCacheTTL = d
	b.set[fieldCacheTTL] = true
	return b
}

// WithMaxCacheEntries caps the cache size. Optional; defaults to 10000.
func (b *Builder) WithMaxCacheEntries(n int) *Builder {
	if n <= 0 {
		b.fail("max cache entries must be positive")
		return b
	}
	b.cfg.MaxEntries = n
	return b
}

// WithNegativeTTL sets the negative caching TTL. Optional.
func (b *Builder) WithNegativeTTL(d time.Duration) *Builder {
	b.cfg.NegativeTTL = d
	return b
}

// WithHealthChecks enables or disables the background prober.
func (b *Builder) WithHealthChecks(enabled bool) *Builder {
	b.cfg.HealthChecks = enabled
	b.set[fieldHealthChecks] = true
	return b
}

// WithProbeInterval sets the background probe period.
func (b *Builder) WithProbeInterval(d time.Duration) *Builder {
	if d <= 0 {
		b.fail("probe interval must be positive")
		return b
	}
	b.cfg.ProbeInterval = d
	b.set[fieldProbeInterval] = true
	return b
}

// WithCanary sets the probe query name. Optional.
func (b *Builder) WithCanary(name string) *Builder {
	b.cfg.Canary = name
	return b
}

// WithDefaultPort sets the port appended to udp and tcp upstream addresses
// registered without one. Bare dot addresses get port 853 instead.
func (b *Builder) WithDefaultPort(port uint16) *Builder {
	if port == 0 {
		b.fail("default port must not be zero")
		return b
	}
	b.cfg.DefaultPort = port
	b.set[fieldDefaultPort] = true
	return b
}

// WithConcurrency caps concurrent outbound dispatches.
func (b *Builder) WithConcurrency(n int) *Builder {
	if n <= 0 {
		b.fail("concurrency must be positive")
		return b
	}
	b.cfg.Concurrency = int64(n)
	b.set[fieldConcurrency] = true
	return b
}

// WithBufferSize sets the EDNS UDP payload size.
func (b *Builder) WithBufferSize(size uint16) *Builder {
	if size < 512 {
		b.fail("buffer size must be at least 512")
		return b
	}
	b.cfg.BufferSize = size
	b.set[fieldBufferSize] = true
	return b
}

// WithFailureThreshold sets the consecutive failure count that marks an
// upstream unavailable. Optional; defaults to 3.
func (b *Builder) WithFailureThreshold(n int) *Builder {
	if n <= 0 {
		b.fail("failure threshold must be positive")
		return b
	}
	b.cfg.FailureThreshold = n
	return b
}

// WithECSPrefixes sets the EDNS Client Subnet source prefix lengths.
// Optional; defaults to /24 and /56.
func (b *Builder) WithECSPrefixes(v4, v6 int) *Builder {
	if v4 < 0 || v4 > 32 || v6 < 0 || v6 > 128 {
		b.fail("invalid ecs prefix length")
		return b
	}
	b.cfg.ECSPrefixV4 = v4
	b.cfg.ECSPrefixV6 = v6
	return b
}

// WithIdleTimeout sets the idle lifetime of pooled connections. Optional.
func (b *Builder) WithIdleTimeout(d time.Duration) *Builder {
	if d > 0 {
		b.cfg.IdleTimeout = d
	}
	return b
}

// WithLogger sets the logger used by the resolver and prober. Optional; the
// default logger discards everything below warning level.
func (b *Builder) WithLogger(log *logrus.Logger) *Builder {
	b.logger = log
	return b
}

// AddUpstream registers an upstream server.
func (b *Builder) AddUpstream(spec UpstreamSpec) *Builder {
	b.specs = append(b.specs, spec)
	b.set[fieldUpstreams] = true
	return b
}

// AddUDP registers a plain UDP upstream.
func (b *Builder) AddUDP(name, addr string) *Builder {
	return b.AddUpstream(UpstreamSpec{Name: name, Kind: transport.KindUDP, Address: addr})
}

// AddTCP registers a plain TCP upstream.
func (b *Builder) AddTCP(name, addr string) *Builder {
	return b.AddUpstream(UpstreamSpec{Name: name, Kind: transport.KindTCP, Address: addr})
}

// AddDoT registers a DNS-over-TLS upstream.
func (b *Builder) AddDoT(name, addr, serverName string) *Builder {
	return b.AddUpstream(UpstreamSpec{Name: name, Kind: transport.KindDoT, Address: addr, ServerName: serverName})
}

// AddDoH registers a DNS-over-HTTPS upstream with the given request method.
func (b *Builder) AddDoH(name, url, method string) *Builder {
	return b.AddUpstream(UpstreamSpec{Name: name, Kind: transport.KindDoH, Address: url, Method: method})
}

func (b *Builder) fail(msg string) {
	b.buildErrs = append(b.buildErrs, msg)
}

// Build validates the configuration and assembles the resolver.
func (b *Builder) Build() (*Resolver, error) {
	mandatory := []string{
		fieldStrategy, fieldTimeout, fieldRetries, fieldCache, fieldCacheTTL,
		fieldHealthChecks, fieldProbeInterval, fieldDefaultPort,
		fieldConcurrency, fieldBufferSize, fieldUpstreams,
	}
	var missing []string
	for _, f := range mandatory {
		if !b.set[f] {
			missing = append(missing, f)
		}
	}
	sort.Strings(missing)
	if len(missing) > 0 {
		return nil, &ConfigError{Missing: missing}
	}
	if len(b.buildErrs) > 0 {
		return nil, &ConfigError{Message: strings.Join(b.buildErrs, "; ")}
	}

	log := b.logger
	if log == nil {
		log = logrus.New()
		log.SetLevel(logrus.WarnLevel)
	}

	registry := upstream.NewRegistry()
	names := make([]string, 0, len(b.specs))
	for _, spec := range b.specs {
		normalized, err := b.normalizeSpec(spec)
		if err != nil {
			return nil, &ConfigError{Message: err.Error()}
		}
		if _, err := registry.Add(normalized, b.cfg.IdleTimeout, b.cfg.BufferSize); err != nil {
			return nil, &ConfigError{Message: err.Error()}
		}
		names = append(names, normalized.String())
	}

	tracker := health.NewTracker(names, b.cfg.FailureThreshold, b.cfg.HealthChecks)
	engine := strategy.NewEngine(toStrategy(b.cfg.Strategy), registry, tracker)

	ctx, cancel := context.WithCancel(context.Background())
	r := &Resolver{
		cfg:      b.cfg,
		log:      log,
		registry: registry,
		tracker:  tracker,
		engine:   engine,
		sem:      semaphore.NewWeighted(b.cfg.Concurrency),
		ctx:      ctx,
		cancel:   cancel,
	}
	if b.cfg.CacheEnabled {
		r.cache = cache.New(cache.Config{
			MaxEntries:  b.cfg.MaxEntries,
			MaxTTL:      b.cfg.MaxCacheTTL,
			NegativeTTL: b.cfg.NegativeTTL,
		})
	}
	if b.cfg.HealthChecks {
		r.prober = prober.New(registry, tracker, b.cfg.ProbeInterval, b.cfg.Canary, log)
		r.prober.Start(ctx)
	}
	return r, nil
}

// normalizeSpec validates one upstream spec and completes a missing port
// with the configured default.
func (b *Builder) normalizeSpec(spec UpstreamSpec) (upstream.Spec, error) {
	if spec.Address == "" {
		return upstream.Spec{}, fmt.Errorf("upstream %q: empty address", spec.Name)
	}

	switch spec.Kind {
	case transport.KindUDP, transport.KindTCP:
		if _, _, err := net.SplitHostPort(spec.Address); err != nil {
			spec.Address = net.JoinHostPort(spec.Address, fmt.Sprint(b.cfg.DefaultPort))
		}
	case transport.KindDoT:
		if _, _, err := net.SplitHostPort(spec.Address); err != nil {
			spec.Address = net.JoinHostPort(spec.Address, "853")
		}
	case transport.KindDoH:
		if !strings.HasPrefix(spec.Address, "https://") {
			return upstream.Spec{}, fmt.Errorf("upstream %q: doh address must be an https URL", spec.Name)
		}
	default:
		return upstream.Spec{}, fmt.Errorf("upstream %q: unknown kind %q", spec.Name, spec.Kind)
	}

	return upstream.Spec{
		Name:       spec.Name,
		Kind:       spec.Kind,
		Address:    spec.Address,
		ServerName: spec.ServerName,
		Method:     spec.Method,
		Weight:     spec.Weight,
		SkipVerify: spec.SkipVerify,
	}, nil
}

func toStrategy(s Strategy) strategy.Strategy {
	switch s {
	case RoundRobin:
		return strategy.RoundRobin
	case Smart:
		return strategy.Smart
	default:
		return strategy.FIFO
	}
}
