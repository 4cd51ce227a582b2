// Package resolver is a client-side stub resolver that multiplexes DNS
// queries across a fleet of upstream servers reachable over UDP, TCP,
// DNS-over-TLS and DNS-over-HTTPS. Upstream health and latency are tracked
// per server; a configurable strategy picks the upstream(s) for each query
// and responses are cached according to their TTLs.
package resolver

import (
	"net"
	"time"

	"github.com/miekg/dns"

	"stub-resolver/internal/health"
)

// Strategy selects how upstreams are chosen per query.
type Strategy int

// Query strategies.
const (
	// FIFO tries upstreams in registration order.
	FIFO Strategy = iota
	// RoundRobin rotates the primary upstream across the healthy set.
	RoundRobin
	// Smart scores upstreams by latency, failure rate and weight.
	Smart
)

// DoH request methods.
const (
	MethodGET  = "GET"
	MethodPOST = "POST"
)

// QueryRequest describes one DNS question.
type QueryRequest struct {
	// Domain is the name to resolve. It is normalized to a lowercased
	// FQDN for the cache key.
	Domain string

	// Type is the record type, e.g. dns.TypeA. Zero means dns.TypeA.
	Type uint16

	// QueryID is an optional client tag echoed in the response.
	QueryID string

	// EnableEDNS appends an OPT record advertising the configured UDP
	// payload size.
	EnableEDNS bool

	// ClientAddress, when set together with EnableEDNS, attaches an EDNS
	// Client Subnet option with the configured prefix length. It is
	// ignored when EnableEDNS is false.
	ClientAddress net.IP

	// Timeout overrides the resolver's default timeout for this query.
	Timeout time.Duration

	// DisableCache bypasses the response cache for this query.
	DisableCache bool
}

// QueryResponse is the result of a resolved query.
type QueryResponse struct {
	// QueryID echoes the request's client tag.
	QueryID string

	// Domain is the normalized FQDN that was queried.
	Domain string

	// Type is the queried record type.
	Type uint16

	// Records holds the answer section.
	Records []dns.RR

	// Rcode is the DNS response code (dns.RcodeSuccess, dns.RcodeNameError, ...).
	Rcode int

	// Authoritative reports the AA bit of the reply.
	Authoritative bool

	// UpstreamID identifies the upstream that produced the answer. It is
	// -1 for answers served from the cache.
	UpstreamID int

	// Elapsed is the total time spent answering the query.
	Elapsed time.Duration

	// ServedFromCache reports whether the answer came from the cache.
	ServedFromCache bool

	// Emergency is set when the answer was obtained via the emergency
	// path, i.e. while no upstream was marked available.
	Emergency *EmergencyInfo
}

// IPAddresses extracts the A/AAAA addresses from the answer records.
func (r *QueryResponse) IPAddresses() []net.IP {
	var ips []net.IP
	for _, rr := range r.Records {
		switch rec := rr.(type) {
		case *dns.A:
			ips = append(ips, rec.A)
		case *dns.AAAA:
			ips = append(ips, rec.AAAA)
		}
	}
	return ips
}

// NxDomain reports whether the response is an authoritative name error.
func (r *QueryResponse) NxDomain() bool {
	return r.Rcode == dns.RcodeNameError
}

// NoData reports whether the response is an empty NOERROR answer.
func (r *QueryResponse) NoData() bool {
	return r.Rcode == dns.RcodeSuccess && len(r.Records) == 0
}

// BatchResult holds one outcome of a batch query.
type BatchResult struct {
	Response *QueryResponse
	Err      error
}

// UpstreamStats is the public per-upstream state snapshot.
type UpstreamStats struct {
	ID                  int
	Name                string
	Kind                string
	Address             string
	Available           bool
	ConsecutiveFailures int
	TotalSuccesses      uint64
	TotalFailures       uint64
	LatencyEWMA         time.Duration
	LastSuccess         time.Time
	LastFailure         time.Time
	LastFailureReason   string
}

// FailedUpstream describes one unavailable upstream in an emergency
// snapshot.
type FailedUpstream struct {
	ID                  int
	Name                string
	ConsecutiveFailures int
	LastFailureReason   string
	LastFailureAt       time.Time
}

// EmergencyInfo is the diagnostic snapshot surfaced when no upstream is
// marked available. The copy attached to a DNSError after a failed plan
// covers only the upstreams that plan attempted: there every field below
// refers to that subset, and AllFailed is always true.
type EmergencyInfo struct {
	// AllFailed reports whether every upstream is currently unavailable.
	AllFailed bool

	// FailedUpstreams lists the unavailable upstreams.
	FailedUpstreams []FailedUpstream

	// LastWorkingID is the upstream with the most recent success, or -1.
	LastWorkingID int

	// TotalFailures is the failure total across all upstreams.
	TotalFailures uint64
}

func emergencyFromHealth(info *health.EmergencyInfo) *EmergencyInfo {
	if info == nil {
		return nil
	}
	out := &EmergencyInfo{
		AllFailed:     info.AllFailed,
		LastWorkingID: info.LastWorkingID,
		TotalFailures: info.TotalFailures,
	}
	for _, f := range info.FailedUpstreams {
		out.FailedUpstreams = append(out.FailedUpstreams, FailedUpstream{
			ID:                  f.ID,
			Name:                f.Name,
			ConsecutiveFailures: f.ConsecutiveFailures,
			LastFailureReason:   f.LastFailureReason,
			LastFailureAt:       f.LastFailureAt,
		})
	}
	return out
}
