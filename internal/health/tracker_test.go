package health

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestTracker(n int, threshold int, probing bool) *Tracker {
	names := make([]string, n)
	for i := range names {
		names[i] = "upstream-" + string(rune('a'+i))
	}
	return NewTracker(names, threshold, probing)
}

func TestTracker_SuccessResetsFailureStreak(t *testing.T) {
	tr := newTestTracker(1, 3, false)

	tr.RecordFailure(0, "timeout")
	tr.RecordFailure(0, "timeout")
	tr.RecordSuccess(0, 20*time.Millisecond)

	snap := tr.Snapshot(0)
	assert.Equal(t, 0, snap.ConsecutiveFailures)
	assert.True(t, snap.Available)
	assert.Equal(t, uint64(1), snap.TotalSuccesses)
	assert.Equal(t, uint64(2), snap.TotalFailures)
}

func TestTracker_ThresholdMarksUnavailable(t *testing.T) {
	tr := newTestTracker(1, 3, false)

	tr.RecordFailure(0, "connection refused")
	assert.True(t, tr.Available(0))
	tr.RecordFailure(0, "connection refused")
	assert.True(t, tr.Available(0))
	tr.RecordFailure(0, "connection refused")
	assert.False(t, tr.Available(0))

	snap := tr.Snapshot(0)
	assert.Equal(t, 3, snap.ConsecutiveFailures)
	assert.Equal(t, "connection refused", snap.LastFailureReason)
	assert.False(t, snap.LastFailure.IsZero())
}

func TestTracker_RecoveryOnlyViaSuccess(t *testing.T) {
	tr := newTestTracker(1, 3, false)

	for i := 0; i < 3; i++ {
		tr.RecordFailure(0, "timeout")
	}
	assert.False(t, tr.Available(0))

	// No time-based recovery: still unavailable until a success.
	tr.RecordSuccess(0, 15*time.Millisecond)
	assert.True(t, tr.Available(0))
	assert.Equal(t, 0, tr.Snapshot(0).ConsecutiveFailures)
}

func TestTracker_LatencyEWMA(t *testing.T) {
	tr := newTestTracker(1, 3, false)

	tr.RecordSuccess(0, 100*time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, tr.Snapshot(0).LatencyEWMA)

	// alpha 0.3: 0.3*200 + 0.7*100 = 130ms
	tr.RecordSuccess(0, 200*time.Millisecond)
	assert.InDelta(t, 130, float64(tr.Snapshot(0).LatencyEWMA.Milliseconds()), 1)
}

func TestTracker_ProbeFailureMarksUnavailableImmediately(t *testing.T) {
	tr := newTestTracker(1, 3, false)

	tr.RecordProbe(0, false, 0, "probe timeout")
	assert.False(t, tr.Available(0))

	tr.RecordProbe(0, true, 10*time.Millisecond, "")
	assert.True(t, tr.Available(0))
}

func TestTracker_ProbingStartsUnavailable(t *testing.T) {
	tr := newTestTracker(2, 3, true)
	assert.False(t, tr.Available(0))
	assert.False(t, tr.Available(1))

	tr.RecordProbe(0, true, 5*time.Millisecond, "")
	assert.True(t, tr.Available(0))
	assert.False(t, tr.Available(1))
}

func TestTracker_EmergencyInfo(t *testing.T) {
	tr := newTestTracker(3, 3, false)

	tr.RecordSuccess(1, 10*time.Millisecond)
	for id := 0; id < 3; id++ {
		for i := 0; i < 3; i++ {
			tr.RecordFailure(id, "io error")
		}
	}

	info := tr.EmergencyInfo()
	assert.True(t, info.AllFailed)
	assert.Len(t, info.FailedUpstreams, 3)
	assert.Equal(t, 1, info.LastWorkingID)
	assert.Equal(t, uint64(9), info.TotalFailures)

	// One recovery flips the aggregate.
	tr.RecordSuccess(2, 10*time.Millisecond)
	info = tr.EmergencyInfo()
	assert.False(t, info.AllFailed)
	assert.Len(t, info.FailedUpstreams, 2)
	assert.Equal(t, 2, info.LastWorkingID)
}

func TestTracker_WritePrometheus(t *testing.T) {
	tr := newTestTracker(1, 3, false)
	tr.RecordSuccess(0, 10*time.Millisecond)
	tr.RecordFailure(0, "timeout")

	var b strings.Builder
	tr.WritePrometheus(&b)
	out := b.String()
	assert.Contains(t, out, `dns_upstream_queries_total`)
	assert.Contains(t, out, `result="success"`)
	assert.Contains(t, out, `result="failure"`)
}
