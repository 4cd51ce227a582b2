package resolver

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"stub-resolver/internal/cache"
	"stub-resolver/internal/health"
	"stub-resolver/internal/prober"
	"stub-resolver/internal/strategy"
	"stub-resolver/internal/upstream"
)

const maxDomainLength = 253

// Resolver multiplexes DNS queries across the configured upstreams. It is
// safe for concurrent use; create one through the Builder.
type Resolver struct {
	cfg Config
	log *logrus.Logger

	registry *upstream.Registry
	tracker  *health.Tracker
	engine   *strategy.Engine
	cache    *cache.Cache
	prober   *prober.Prober

	sf  singleflight.Group
	sem *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
}

// flightResult is what one wire resolution produces; shared between
// single-flight waiters.
type flightResult struct {
	msg        *dns.Msg
	upstreamID int
	emergency  *EmergencyInfo
}

// Query resolves one request according to the configured strategy.
// NXDOMAIN and NODATA come back as responses, not errors.
func (r *Resolver) Query(ctx context.Context, req *QueryRequest) (*QueryResponse, error) {
	start := time.Now()

	fqdn, qtype, err := normalizeRequest(req)
	if err != nil {
		return nil, err
	}
	key := cacheKey(fqdn, qtype)

	if r.cache != nil && !req.DisableCache {
		if msg, ok := r.cache.Get(key); ok {
			r.log.WithFields(logrus.Fields{"domain": fqdn, "qtype": dns.TypeToString[qtype]}).
				Debug("cache hit")
			return r.makeResponse(req, fqdn, qtype, msg, -1, true, nil, time.Since(start)), nil
		}

		// Coalesce concurrent identical lookups into one dispatch.
		v, err, shared := r.sf.Do(key, func() (interface{}, error) {
			return r.resolve(ctx, req, fqdn, qtype, key)
		})
		if err != nil {
			return nil, err
		}
		res := v.(*flightResult)
		msg := res.msg
		if shared {
			msg = msg.Copy()
		}
		return r.makeResponse(req, fqdn, qtype, msg, res.upstreamID, false, res.emergency, time.Since(start)), nil
	}

	res, err := r.resolve(ctx, req, fqdn, qtype, key)
	if err != nil {
		return nil, err
	}
	return r.makeResponse(req, fqdn, qtype, res.msg, res.upstreamID, false, res.emergency, time.Since(start)), nil
}

// resolve performs one wire resolution: admission, plan, dispatch, tracker
// bookkeeping and cache insertion.
func (r *Resolver) resolve(ctx context.Context, req *QueryRequest, fqdn string, qtype uint16, key string) (*flightResult, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.cfg.Timeout
	}

	// Await admission under the advisory concurrency cap; the query
	// timeout bounds the wait.
	admitCtx, cancelAdmit := context.WithTimeout(ctx, timeout)
	err := r.sem.Acquire(admitCtx, 1)
	cancelAdmit()
	if err != nil {
		return nil, &DNSError{Kind: ErrTimeout, Message: "awaiting dispatch admission", Err: err}
	}
	defer r.sem.Release(1)

	msg := r.buildQuery(fqdn, qtype, req)
	plan := r.engine.Select()
	if len(plan.IDs) == 0 {
		return nil, &DNSError{Kind: ErrNoUpstreamAvailable, Message: "no upstreams registered"}
	}
	// Snapshot the diagnostic before dispatching: a successful emergency
	// dispatch marks its upstream available again.
	var em *EmergencyInfo
	if plan.Emergency {
		em = emergencyFromHealth(r.engine.EmergencyInfo())
		r.log.WithField("domain", fqdn).Warn("no upstream available, using least-failed upstream")
	}

	reply, upstreamID, err := r.dispatch(ctx, plan, msg, timeout)
	if err != nil {
		return nil, err
	}

	if r.cache != nil && !req.DisableCache {
		r.cache.Set(key, reply)
	}

	return &flightResult{msg: reply, upstreamID: upstreamID, emergency: em}, nil
}

// Stats returns a snapshot of every upstream's health and performance state
// in registration order.
func (r *Resolver) Stats() []UpstreamStats {
	snaps := r.tracker.SnapshotAll()
	stats := make([]UpstreamStats, 0, len(snaps))
	for _, snap := range snaps {
		up := r.registry.Get(snap.ID)
		stats = append(stats, UpstreamStats{
			ID:                  snap.ID,
			Name:                up.Spec.Name,
			Kind:                up.Spec.Kind,
			Address:             up.Spec.Address,
			Available:           snap.Available,
			ConsecutiveFailures: snap.ConsecutiveFailures,
			TotalSuccesses:      snap.TotalSuccesses,
			TotalFailures:       snap.TotalFailures,
			LatencyEWMA:         snap.LatencyEWMA,
			LastSuccess:         snap.LastSuccess,
			LastFailure:         snap.LastFailure,
			LastFailureReason:   snap.LastFailureReason,
		})
	}
	return stats
}

// EmergencyInfo returns the availability-based emergency snapshot.
func (r *Resolver) EmergencyInfo() *EmergencyInfo {
	return emergencyFromHealth(r.tracker.EmergencyInfo())
}

// WriteMetrics writes per-upstream metrics in Prometheus text format.
func (r *Resolver) WriteMetrics(w io.Writer) {
	r.tracker.WritePrometheus(w)
}

// Close stops the prober and cache sweeper and closes all pooled
// connections. The resolver must not be used afterwards.
func (r *Resolver) Close() {
	r.cancel()
	if r.prober != nil {
		r.prober.Wait()
	}
	if r.cache != nil {
		r.cache.Stop()
	}
	r.registry.Close()
}

// normalizeRequest validates the domain and produces the lowercased FQDN
// and effective record type.
func normalizeRequest(req *QueryRequest) (string, uint16, error) {
	domain := strings.TrimSpace(req.Domain)
	if domain == "" {
		return "", 0, &DNSError{Kind: ErrInvalidRequest, Message: "empty domain"}
	}

	bare := strings.TrimSuffix(domain, ".")
	if len(bare) > maxDomainLength {
		return "", 0, &DNSError{Kind: ErrInvalidRequest, Message: fmt.Sprintf("domain exceeds %d octets", maxDomainLength)}
	}
	for _, label := range strings.Split(bare, ".") {
		if label == "" {
			return "", 0, &DNSError{Kind: ErrInvalidRequest, Message: "empty label in " + domain}
		}
		if len(label) > 63 {
			return "", 0, &DNSError{Kind: ErrInvalidRequest, Message: "label exceeds 63 octets in " + domain}
		}
	}
	if _, ok := dns.IsDomainName(domain); !ok {
		return "", 0, &DNSError{Kind: ErrInvalidRequest, Message: "invalid domain " + domain}
	}

	qtype := req.Type
	if qtype == 0 {
		qtype = dns.TypeA
	}

	return dns.Fqdn(strings.ToLower(domain)), qtype, nil
}

// cacheKey builds the lookup key from the normalized question.
func cacheKey(fqdn string, qtype uint16) string {
	return fmt.Sprintf("%s:%d:%d", fqdn, qtype, dns.ClassINET)
}

func (r *Resolver) makeResponse(req *QueryRequest, fqdn string, qtype uint16, msg *dns.Msg, upstreamID int, cached bool, em *EmergencyInfo, elapsed time.Duration) *QueryResponse {
	return &QueryResponse{
		QueryID:         req.QueryID,
		Domain:          fqdn,
		Type:            qtype,
		Records:         msg.Answer,
		Rcode:           msg.Rcode,
		Authoritative:   msg.Authoritative,
		UpstreamID:      upstreamID,
		Elapsed:         elapsed,
		ServedFromCache: cached,
		Emergency:       em,
	}
}
