// Package upstream holds the configured set of upstream servers. The registry
// is populated once while the resolver is being built and is read-only
// afterwards, so no locking is needed on the query path.
package upstream

import (
	"fmt"
	"time"

	"stub-resolver/internal/transport"
)

// Spec describes one upstream server. Specs are immutable after registration.
type Spec struct {
	// Name is the human readable label.
	Name string

	// Kind is one of the transport kinds (udp, tcp, dot, doh).
	Kind string

	// Address is the host:port for udp/tcp/dot, or the full URL for doh.
	Address string

	// ServerName overrides the SNI / certificate name for dot.
	ServerName string

	// Method selects GET or POST for doh.
	Method string

	// Weight is the positive weight used by weighted strategies.
	Weight int

	// SkipVerify disables certificate chain validation for dot/doh.
	SkipVerify bool
}

// String returns a descriptive name for logs and diagnostics.
func (s Spec) String() string {
	if s.Name != "" {
		return fmt.Sprintf("%s (%s://%s)", s.Name, s.Kind, s.Address)
	}
	return fmt.Sprintf("%s://%s", s.Kind, s.Address)
}

// Upstream is a registered upstream with its stable ID and live transport.
type Upstream struct {
	// ID is the registration ordinal, starting at 0.
	ID int

	Spec Spec

	// Transport is the exchanger for the declared kind.
	Transport transport.Transport

	// tcpFallback handles retry-over-TCP after a truncated UDP reply.
	tcpFallback transport.Transport
}

// TCPFallback returns the transport used to retry a truncated UDP reply, or
// nil if the upstream is not UDP.
func (u *Upstream) TCPFallback() transport.Transport {
	return u.tcpFallback
}

// Registry is the ordered, build-time-frozen set of upstreams.
type Registry struct {
	upstreams []*Upstream
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers a spec and constructs its transport. payload is the receive
// buffer size for UDP replies; zero selects the default. The
// returned upstream carries the next ordinal ID.
func (r *Registry) Add(spec Spec, idleTimeout time.Duration, payload uint16) (*Upstream, error) {
	var tr transport.Transport
	var fallback transport.Transport

	switch spec.Kind {
	case transport.KindUDP:
		tr = transport.NewUDP(spec.Address, payload)
		fallback = transport.NewTCP(spec.Address, idleTimeout)
	case transport.KindTCP:
		tr = transport.NewTCP(spec.Address, idleTimeout)
	case transport.KindDoT:
		tr = transport.NewDoT(spec.Address, spec.ServerName, spec.SkipVerify, idleTimeout)
	case transport.KindDoH:
		tr = transport.NewDoH(spec.Address, spec.Method, spec.SkipVerify, idleTimeout)
	default:
		return nil, fmt.Errorf("unknown upstream kind %q", spec.Kind)
	}

	if spec.Weight <= 0 {
		spec.Weight = 1
	}

	up := &Upstream{
		ID:          len(r.upstreams),
		Spec:        spec,
		Transport:   tr,
		tcpFallback: fallback,
	}
	r.upstreams = append(r.upstreams, up)
	return up, nil
}

// Get returns the upstream with the given ID, or nil.
func (r *Registry) Get(id int) *Upstream {
	if id < 0 || id >= len(r.upstreams) {
		return nil
	}
	return r.upstreams[id]
}

// All returns the upstreams in registration order. The slice must not be
// modified.
func (r *Registry) All() []*Upstream {
	return r.upstreams
}

// Count returns the number of registered upstreams.
func (r *Registry) Count() int {
	return len(r.upstreams)
}

// Close closes all transports.
func (r *Registry) Close() {
	for _, up := range r.upstreams {
		_ = up.Transport.Close()
		if up.tcpFallback != nil {
			_ = up.tcpFallback.Close()
		}
	}
}
