package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"stub-resolver/internal/strategy"
	"stub-resolver/internal/transport"
	"stub-resolver/internal/upstream"
)

// attemptError is the outcome of one failed attempt against one upstream.
type attemptError struct {
	// servfail marks a reply with SERVFAIL (or another non-acceptable
	// rcode) rather than a transport failure.
	servfail bool

	// skipped marks attempts that never dispatched (race cancelled
	// before the stagger elapsed); they are not recorded against the
	// upstream.
	skipped bool

	err error
}

// dispatch executes the selection plan and returns the winning reply and
// upstream ID.
func (r *Resolver) dispatch(ctx context.Context, plan strategy.Plan, msg *dns.Msg, timeout time.Duration) (*dns.Msg, int, error) {
	switch plan.Mode {
	case strategy.ModeRace:
		return r.dispatchRace(ctx, plan.IDs, msg, timeout)
	case strategy.ModeOrdered:
		return r.dispatchOrdered(ctx, plan.IDs, msg, timeout)
	default:
		return r.dispatchSingle(ctx, plan.IDs[0], msg, timeout)
	}
}

// dispatchSingle tries exactly one upstream, re-attempting up to the
// configured retry count.
func (r *Resolver) dispatchSingle(ctx context.Context, id int, msg *dns.Msg, timeout time.Duration) (*dns.Msg, int, error) {
	up := r.registry.Get(id)

	var last *attemptError
	for attempt := 0; attempt <= r.cfg.Retries; attempt++ {
		if ctx.Err() != nil {
			return nil, -1, &DNSError{Kind: ErrTimeout, UpstreamIDs: []int{id}, Err: ctx.Err()}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		reply, aerr := r.attempt(attemptCtx, up, msg)
		cancel()
		if aerr == nil {
			return reply, id, nil
		}
		last = aerr
	}

	return nil, -1, r.planFailed([]int{id}, last.servfail, last.err)
}

// dispatchOrdered tries upstreams in order, advancing on transport errors
// and SERVFAIL. Each attempt gets the full timeout.
func (r *Resolver) dispatchOrdered(ctx context.Context, ids []int, msg *dns.Msg, timeout time.Duration) (*dns.Msg, int, error) {
	allServfail := true
	var last *attemptError

	for _, id := range ids {
		if ctx.Err() != nil {
			return nil, -1, &DNSError{Kind: ErrTimeout, UpstreamIDs: ids, Err: ctx.Err()}
		}

		up := r.registry.Get(id)
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		reply, aerr := r.attempt(attemptCtx, up, msg)
		cancel()
		if aerr == nil {
			return reply, id, nil
		}

		r.log.WithFields(logrus.Fields{
			"upstream": up.Spec.String(),
			"error":    aerr.err,
		}).Debug("upstream attempt failed, advancing")

		last = aerr
		if !aerr.servfail {
			allServfail = false
		}
	}

	return nil, -1, r.planFailed(ids, allServfail, last.err)
}

// dispatchRace dispatches to all planned upstreams concurrently with a
// staggered start; the first acceptable reply wins and cancels the rest. The
// timeout bounds the whole race.
func (r *Resolver) dispatchRace(ctx context.Context, ids []int, msg *dns.Msg, timeout time.Duration) (*dns.Msg, int, error) {
	raceCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type raceOutcome struct {
		id    int
		reply *dns.Msg
		aerr  *attemptError
	}
	outcomes := make(chan raceOutcome, len(ids))

	for i, id := range ids {
		go func(i, id int) {
			if i > 0 {
				select {
				case <-time.After(time.Duration(i) * r.cfg.RaceStagger):
				case <-raceCtx.Done():
					outcomes <- raceOutcome{id: id, aerr: &attemptError{skipped: true, err: raceCtx.Err()}}
					return
				}
			}
			reply, aerr := r.attempt(raceCtx, r.registry.Get(id), msg.Copy())
			outcomes <- raceOutcome{id: id, reply: reply, aerr: aerr}
		}(i, id)
	}

	allServfail := true
	var failed []int
	var last error
	for range ids {
		out := <-outcomes
		if out.aerr == nil {
			// Winner; losers observe the cancelled context.
			cancel()
			return out.reply, out.id, nil
		}
		if out.aerr.skipped {
			continue
		}
		failed = append(failed, out.id)
		last = out.aerr.err
		if !out.aerr.servfail {
			allServfail = false
		}
	}

	if last == nil {
		last = raceCtx.Err()
	}
	if len(failed) == 0 {
		return nil, -1, &DNSError{Kind: ErrTimeout, UpstreamIDs: ids, Err: last}
	}
	return nil, -1, r.planFailed(failed, allServfail, last)
}

// attempt performs one exchange against one upstream, including the
// retry-over-TCP path for truncated UDP replies, validates the reply and
// records the outcome in the tracker.
func (r *Resolver) attempt(ctx context.Context, up *upstream.Upstream, msg *dns.Msg) (*dns.Msg, *attemptError) {
	reply, rtt, err := up.Transport.Exchange(ctx, msg)

	if transport.IsTruncated(err) {
		if fallback := up.TCPFallback(); fallback != nil {
			r.log.WithField("upstream", up.Spec.String()).Debug("reply truncated, retrying over tcp")
			reply, rtt, err = fallback.Exchange(ctx, msg)
		} else {
			var terr *transport.Error
			if errors.As(err, &terr) && terr.Reply != nil {
				// No TCP path for this upstream; use the truncated
				// reply rather than fail.
				reply, err = terr.Reply, nil
			}
		}
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Lost a race; not the upstream's fault.
			return nil, &attemptError{skipped: true, err: err}
		}
		r.tracker.RecordFailure(up.ID, err.Error())
		return nil, &attemptError{err: err}
	}

	if verr := validateReply(msg, reply); verr != nil {
		r.tracker.RecordFailure(up.ID, verr.Error())
		return nil, &attemptError{err: verr}
	}

	switch reply.Rcode {
	case dns.RcodeSuccess, dns.RcodeNameError:
		r.tracker.RecordSuccess(up.ID, rtt)
		return reply, nil
	default:
		rcode := dns.RcodeToString[reply.Rcode]
		r.tracker.RecordFailure(up.ID, "upstream returned "+rcode)
		return nil, &attemptError{
			servfail: true,
			err:      fmt.Errorf("upstream %s returned %s", up.Spec.String(), rcode),
		}
	}
}

// validateReply rejects replies whose id or question do not match the query.
func validateReply(query, reply *dns.Msg) error {
	if reply.Id != query.Id {
		return fmt.Errorf("reply id %d does not match query id %d", reply.Id, query.Id)
	}
	if len(reply.Question) != 1 {
		return fmt.Errorf("reply carries %d questions", len(reply.Question))
	}
	q, rq := query.Question[0], reply.Question[0]
	if !strings.EqualFold(q.Name, rq.Name) {
		return fmt.Errorf("reply question %s does not match query %s", rq.Name, q.Name)
	}
	if q.Qtype != rq.Qtype {
		return fmt.Errorf("reply qtype %d does not match query qtype %d", rq.Qtype, q.Qtype)
	}
	return nil
}

// planFailed builds the error for an exhausted plan, attaching the emergency
// snapshot over the attempted upstreams.
func (r *Resolver) planFailed(attempted []int, allServfail bool, last error) *DNSError {
	kind := ErrAllUpstreamsFailed
	msg := "every upstream in the selection plan failed"
	if allServfail {
		kind = ErrServFail
		msg = "every upstream in the selection plan returned SERVFAIL"
	}
	return &DNSError{
		Kind:        kind,
		Message:     msg,
		UpstreamIDs: attempted,
		Emergency:   r.emergencyForPlan(attempted),
		Err:         last,
	}
}

// emergencyForPlan summarizes the attempted upstreams after a full plan
// failure.
func (r *Resolver) emergencyForPlan(attempted []int) *EmergencyInfo {
	info := &EmergencyInfo{AllFailed: true, LastWorkingID: -1}

	var lastSuccess time.Time
	for _, id := range attempted {
		snap := r.tracker.Snapshot(id)
		info.TotalFailures += snap.TotalFailures
		info.FailedUpstreams = append(info.FailedUpstreams, FailedUpstream{
			ID:                  id,
			Name:                r.registry.Get(id).Spec.Name,
			ConsecutiveFailures: snap.ConsecutiveFailures,
			LastFailureReason:   snap.LastFailureReason,
			LastFailureAt:       snap.LastFailure,
		})
		if !snap.LastSuccess.IsZero() && snap.LastSuccess.After(lastSuccess) {
			lastSuccess = snap.LastSuccess
			info.LastWorkingID = id
		}
	}
	return info
}
