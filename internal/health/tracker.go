// Package health tracks per-upstream rolling statistics: success and failure
// totals, consecutive failures, a latency EWMA and the derived availability
// flag. The tracker is the single writer of upstream state; the selection
// engine and the public stats API read snapshots from it.
package health

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/tevino/abool"
)

// DefaultFailureThreshold is the number of consecutive failures after which
// an upstream is marked unavailable.
const DefaultFailureThreshold = 3

// ewmaAlpha is the smoothing factor for the latency moving average.
const ewmaAlpha = 0.3

// Snapshot is a point-in-time copy of one upstream's state.
type Snapshot struct {
	ID                  int
	Available           bool
	ConsecutiveFailures int
	TotalSuccesses      uint64
	TotalFailures       uint64
	LatencyEWMA         time.Duration
	LastSuccess         time.Time
	LastFailure         time.Time
	LastFailureReason   string
}

// entry holds the mutable state for one upstream. Totals are atomics; the
// compound of consecutive failures, EWMA, timestamps and reason is guarded by
// a short-held mutex.
type entry struct {
	totalSuccesses atomic.Uint64
	totalFailures  atomic.Uint64
	available      *abool.AtomicBool

	mu                  sync.Mutex
	consecutiveFailures int
	latencyEWMAMs       float64
	lastSuccess         time.Time
	lastFailure         time.Time
	lastFailureReason   string

	successes *metrics.Counter
	failures  *metrics.Counter
	latency   *metrics.Histogram
}

// Tracker owns one state entry per registered upstream, keyed by ID.
type Tracker struct {
	entries   []*entry
	names     []string
	threshold int
	set       *metrics.Set
}

// NewTracker creates a tracker for n upstreams. With probing enabled,
// upstreams start out unavailable until their first successful probe; without
// probing they start available.
func NewTracker(names []string, threshold int, probing bool) *Tracker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	t := &Tracker{
		names:     names,
		threshold: threshold,
		set:       metrics.NewSet(),
	}
	for _, name := range names {
		e := &entry{available: abool.NewBool(!probing)}
		e.successes = t.set.GetOrCreateCounter(fmt.Sprintf(`dns_upstream_queries_total{upstream=%q,result="success"}`, name))
		e.failures = t.set.GetOrCreateCounter(fmt.Sprintf(`dns_upstream_queries_total{upstream=%q,result="failure"}`, name))
		e.latency = t.set.GetOrCreateHistogram(fmt.Sprintf(`dns_upstream_latency_seconds{upstream=%q}`, name))
		t.entries = append(t.entries, e)
	}
	return t
}

// Count returns the number of tracked upstreams.
func (t *Tracker) Count() int { return len(t.entries) }

// FailureThreshold returns the configured consecutive failure threshold.
func (t *Tracker) FailureThreshold() int { return t.threshold }

// RecordSuccess resets the failure streak, folds the latency into the EWMA
// and marks the upstream available again.
func (t *Tracker) RecordSuccess(id int, latency time.Duration) {
	e := t.entry(id)
	if e == nil {
		return
	}
	e.totalSuccesses.Add(1)
	e.successes.Inc()
	e.latency.Update(latency.Seconds())

	e.mu.Lock()
	e.consecutiveFailures = 0
	ms := float64(latency) / float64(time.Millisecond)
	if e.latencyEWMAMs == 0 {
		e.latencyEWMAMs = ms
	} else {
		e.latencyEWMAMs = ewmaAlpha*ms + (1-ewmaAlpha)*e.latencyEWMAMs
	}
	e.lastSuccess = time.Now()
	e.mu.Unlock()

	e.available.Set()
}

// RecordFailure bumps the failure streak and marks the upstream unavailable
// once the threshold is reached.
func (t *Tracker) RecordFailure(id int, reason string) {
	e := t.entry(id)
	if e == nil {
		return
	}
	e.totalFailures.Add(1)
	e.failures.Inc()

	e.mu.Lock()
	e.consecutiveFailures++
	e.lastFailure = time.Now()
	e.lastFailureReason = reason
	unavailable := e.consecutiveFailures >= t.threshold
	e.mu.Unlock()

	if unavailable {
		e.available.UnSet()
	}
}

// RecordProbe records a probe outcome. A failed probe marks the upstream
// unavailable immediately; a successful probe recovers it like any success.
func (t *Tracker) RecordProbe(id int, ok bool, latency time.Duration, reason string) {
	if ok {
		t.RecordSuccess(id, latency)
		return
	}

	e := t.entry(id)
	if e == nil {
		return
	}
	e.totalFailures.Add(1)
	e.failures.Inc()

	e.mu.Lock()
	e.consecutiveFailures++
	e.lastFailure = time.Now()
	e.lastFailureReason = reason
	e.mu.Unlock()

	e.available.UnSet()
}

// Available reports whether the upstream is currently marked available.
func (t *Tracker) Available(id int) bool {
	e := t.entry(id)
	return e != nil && e.available.IsSet()
}

// Snapshot returns a copy of one upstream's state.
func (t *Tracker) Snapshot(id int) Snapshot {
	e := t.entry(id)
	if e == nil {
		return Snapshot{ID: id}
	}

	e.mu.Lock()
	snap := Snapshot{
		ID:                  id,
		Available:           e.available.IsSet(),
		ConsecutiveFailures: e.consecutiveFailures,
		LatencyEWMA:         time.Duration(e.latencyEWMAMs * float64(time.Millisecond)),
		LastSuccess:         e.lastSuccess,
		LastFailure:         e.lastFailure,
		LastFailureReason:   e.lastFailureReason,
	}
	e.mu.Unlock()

	snap.TotalSuccesses = e.totalSuccesses.Load()
	snap.TotalFailures = e.totalFailures.Load()
	return snap
}

// SnapshotAll returns a copy of every upstream's state in ID order.
func (t *Tracker) SnapshotAll() []Snapshot {
	snaps := make([]Snapshot, 0, len(t.entries))
	for id := range t.entries {
		snaps = append(snaps, t.Snapshot(id))
	}
	return snaps
}

// WritePrometheus writes the tracker's metrics in Prometheus text format.
func (t *Tracker) WritePrometheus(w io.Writer) {
	t.set.WritePrometheus(w)
}

func (t *Tracker) entry(id int) *entry {
	if id < 0 || id >= len(t.entries) {
		return nil
	}
	return t.entries[id]
}
