package health

import "time"

// FailedUpstream describes one unavailable upstream in an emergency snapshot.
type FailedUpstream struct {
	ID                  int
	Name                string
	ConsecutiveFailures int
	LastFailureReason   string
	LastFailureAt       time.Time
}

// EmergencyInfo is the diagnostic snapshot surfaced when no upstream is
// available.
type EmergencyInfo struct {
	AllFailed       bool
	FailedUpstreams []FailedUpstream
	LastWorkingID   int
	TotalFailures   uint64
}

// EmergencyInfo computes the emergency snapshot from the current state.
// LastWorkingID is the upstream with the most recent success, or -1 when no
// upstream has ever succeeded.
func (t *Tracker) EmergencyInfo() *EmergencyInfo {
	info := &EmergencyInfo{AllFailed: true, LastWorkingID: -1}

	var lastSuccess time.Time
	for id := range t.entries {
		snap := t.Snapshot(id)
		info.TotalFailures += snap.TotalFailures

		if snap.Available {
			info.AllFailed = false
		} else {
			info.FailedUpstreams = append(info.FailedUpstreams, FailedUpstream{
				ID:                  id,
				Name:                t.names[id],
				ConsecutiveFailures: snap.ConsecutiveFailures,
				LastFailureReason:   snap.LastFailureReason,
				LastFailureAt:       snap.LastFailure,
			})
		}
		if !snap.LastSuccess.IsZero() && snap.LastSuccess.After(lastSuccess) {
			lastSuccess = snap.LastSuccess
			info.LastWorkingID = id
		}
	}
	return info
}
