// Package prober implements the background health prober: a periodic canary
// query per upstream that refreshes availability independently of query
// traffic.
package prober

import (
	"context"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"stub-resolver/internal/health"
	"stub-resolver/internal/upstream"
)

const (
	// DefaultInterval is the probe period per upstream.
	DefaultInterval = 30 * time.Second

	// DefaultCanary is the probe query name.
	DefaultCanary = "dns.quad9.net."

	probeTimeout = 2 * time.Second
)

// Prober periodically issues a canary query to every upstream and reports
// the outcome to the tracker.
type Prober struct {
	registry *upstream.Registry
	tracker  *health.Tracker
	interval time.Duration
	canary   string
	log      *logrus.Logger

	wg sync.WaitGroup
}

// New returns a prober over the given registry and tracker.
func New(reg *upstream.Registry, tr *health.Tracker, interval time.Duration, canary string, log *logrus.Logger) *Prober {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if canary == "" {
		canary = DefaultCanary
	}
	return &Prober{
		registry: reg,
		tracker:  tr,
		interval: interval,
		canary:   dns.Fqdn(canary),
		log:      log,
	}
}

// Start launches one probe loop per upstream. The loops stop when ctx is
// cancelled; Wait blocks until they have all returned.
func (p *Prober) Start(ctx context.Context) {
	for _, up := range p.registry.All() {
		p.wg.Add(1)
		go p.loop(ctx, up)
	}
}

// Wait blocks until all probe loops have stopped.
func (p *Prober) Wait() {
	p.wg.Wait()
}

func (p *Prober) loop(ctx context.Context, up *upstream.Upstream) {
	defer p.wg.Done()

	// Probe immediately so upstreams leave their initial unavailable
	// state without waiting a full interval.
	p.probe(ctx, up)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.probe(ctx, up)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Prober) probe(ctx context.Context, up *upstream.Upstream) {
	msg := new(dns.Msg)
	msg.SetQuestion(p.canary, dns.TypeA)
	msg.Id = dns.Id()

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	reply, rtt, err := up.Transport.Exchange(probeCtx, msg)
	switch {
	case ctx.Err() != nil:
		// Shutting down; do not count an aborted probe as a failure.
		return
	case err != nil:
		p.tracker.RecordProbe(up.ID, false, 0, err.Error())
		p.log.WithFields(logrus.Fields{
			"upstream": up.Spec.String(),
			"error":    err,
		}).Debug("health probe failed")
	case reply.Rcode == dns.RcodeServerFailure:
		p.tracker.RecordProbe(up.ID, false, 0, "probe returned SERVFAIL")
		p.log.WithField("upstream", up.Spec.String()).Debug("health probe returned SERVFAIL")
	default:
		p.tracker.RecordProbe(up.ID, true, rtt, "")
	}
}
