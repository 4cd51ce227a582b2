// Package strategy implements the selection engine. Given the registry and
// the health tracker it produces a selection plan: the ordered or concurrent
// set of upstreams the pipeline will try for one query.
package strategy

import (
	"math"
	"sort"
	"sync/atomic"

	"stub-resolver/internal/health"
	"stub-resolver/internal/upstream"
)

// Strategy selects how upstreams are chosen per query. The set is closed, so
// it is a plain enum rather than an interface.
type Strategy int

// Available strategies.
const (
	// FIFO tries upstreams in registration order.
	FIFO Strategy = iota
	// RoundRobin rotates the primary upstream across the available set.
	RoundRobin
	// Smart scores upstreams by latency, failure rate and weight.
	Smart
)

func (s Strategy) String() string {
	switch s {
	case RoundRobin:
		return "round_robin"
	case Smart:
		return "smart"
	default:
		return "fifo"
	}
}

// Mode tags the dispatch shape of a plan.
type Mode int

// Plan modes.
const (
	// ModeSingle dispatches to exactly one upstream.
	ModeSingle Mode = iota
	// ModeOrdered tries upstreams in order, advancing on failure.
	ModeOrdered
	// ModeRace dispatches concurrently; the first success wins.
	ModeRace
)

// Plan is the selection result for one query.
type Plan struct {
	Mode Mode
	IDs  []int

	// Emergency is set when no upstream was available and the plan fell
	// back to the least-failed upstream.
	Emergency bool
}

// Smart scoring defaults.
const (
	defaultRaceTopK   = 2
	defaultRaceSpread = 0.15

	weightLatency     = 0.5
	weightFailureRate = 0.4
	weightWeight      = 0.1
)

// Engine applies the active strategy to the registry and tracker. It holds no
// per-request state beyond the round-robin counter.
type Engine struct {
	strategy Strategy
	registry *upstream.Registry
	tracker  *health.Tracker

	rrCounter atomic.Uint64

	raceTopK   int
	raceSpread float64
}

// NewEngine returns a selection engine over the given registry and tracker.
func NewEngine(s Strategy, reg *upstream.Registry, tr *health.Tracker) *Engine {
	return &Engine{
		strategy:   s,
		registry:   reg,
		tracker:    tr,
		raceTopK:   defaultRaceTopK,
		raceSpread: defaultRaceSpread,
	}
}

// Strategy returns the active strategy.
func (e *Engine) Strategy() Strategy { return e.strategy }

// Select produces the selection plan for the next query.
func (e *Engine) Select() Plan {
	n := e.registry.Count()
	if n == 0 {
		return Plan{Mode: ModeSingle}
	}

	available := make([]int, 0, n)
	for id := 0; id < n; id++ {
		if e.tracker.Available(id) {
			available = append(available, id)
		}
	}
	if len(available) == 0 {
		return e.emergency(n)
	}

	switch e.strategy {
	case RoundRobin:
		return e.selectRoundRobin(n, available)
	case Smart:
		return e.selectSmart(available)
	default:
		return e.selectFIFO(n)
	}
}

// EmergencyInfo exposes the tracker's emergency snapshot so the caller can
// surface a diagnostic alongside the emergency plan.
func (e *Engine) EmergencyInfo() *health.EmergencyInfo {
	return e.tracker.EmergencyInfo()
}

// selectFIFO orders all upstreams by registration ID. Unavailable upstreams
// stay in the list as fallback; the first available one is simply the first
// that is expected to answer.
func (e *Engine) selectFIFO(n int) Plan {
	ids := make([]int, n)
	for id := 0; id < n; id++ {
		ids[id] = id
	}
	return Plan{Mode: ModeOrdered, IDs: ids}
}

// selectRoundRobin rotates the primary across the available set, then falls
// back to the remaining available upstreams and finally to the unavailable
// ones ordered by ascending failure streak.
func (e *Engine) selectRoundRobin(n int, available []int) Plan {
	c := e.rrCounter.Add(1) - 1
	primary := available[int(c%uint64(len(available)))]

	ids := make([]int, 0, n)
	ids = append(ids, primary)
	for _, id := range available {
		if id != primary {
			ids = append(ids, id)
		}
	}

	var unavailable []int
	for id := 0; id < n; id++ {
		if !e.tracker.Available(id) {
			unavailable = append(unavailable, id)
		}
	}
	sort.SliceStable(unavailable, func(i, j int) bool {
		fi := e.tracker.Snapshot(unavailable[i]).ConsecutiveFailures
		fj := e.tracker.Snapshot(unavailable[j]).ConsecutiveFailures
		if fi != fj {
			return fi < fj
		}
		return unavailable[i] < unavailable[j]
	})
	ids = append(ids, unavailable...)

	return Plan{Mode: ModeOrdered, IDs: ids}
}

type scored struct {
	id    int
	score float64
}

// selectSmart scores the available set and either races the top candidates
// (when the best clearly separates from the rest) or tries them in score
// order.
func (e *Engine) selectSmart(available []int) Plan {
	scores := e.scoreAvailable(available)

	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].score != scores[j].score {
			return scores[i].score < scores[j].score
		}
		return scores[i].id < scores[j].id
	})

	ids := make([]int, len(scores))
	for i, s := range scores {
		ids[i] = s.id
	}

	if len(scores) >= 2 && scores[1].score-scores[0].score > e.raceSpread {
		k := e.raceTopK
		if k > len(ids) {
			k = len(ids)
		}
		return Plan{Mode: ModeRace, IDs: ids[:k]}
	}
	return Plan{Mode: ModeOrdered, IDs: ids}
}

// scoreAvailable computes min-max normalized scores; lower is better.
func (e *Engine) scoreAvailable(available []int) []scored {
	type raw struct {
		latencyMs float64
		failRate  float64
		weight    float64
	}

	raws := make([]raw, len(available))
	minLat, maxLat := math.Inf(1), math.Inf(-1)
	minFail, maxFail := math.Inf(1), math.Inf(-1)
	minW, maxW := math.Inf(1), math.Inf(-1)

	for i, id := range available {
		snap := e.tracker.Snapshot(id)
		lat := float64(snap.LatencyEWMA.Milliseconds())
		total := snap.TotalSuccesses + snap.TotalFailures
		var failRate float64
		if total > 0 {
			failRate = float64(snap.TotalFailures) / float64(total)
		}
		w := float64(e.registry.Get(id).Spec.Weight)

		raws[i] = raw{latencyMs: lat, failRate: failRate, weight: w}
		minLat, maxLat = minMax(minLat, maxLat, lat)
		minFail, maxFail = minMax(minFail, maxFail, failRate)
		minW, maxW = minMax(minW, maxW, w)
	}

	scores := make([]scored, len(available))
	for i, id := range available {
		score := weightLatency*normalize(raws[i].latencyMs, minLat, maxLat) +
			weightFailureRate*normalize(raws[i].failRate, minFail, maxFail) -
			weightWeight*normalize(raws[i].weight, minW, maxW)
		scores[i] = scored{id: id, score: score}
	}
	return scores
}

// emergency picks the upstream with the smallest failure streak, ties broken
// by ascending ID.
func (e *Engine) emergency(n int) Plan {
	best := 0
	bestFails := e.tracker.Snapshot(0).ConsecutiveFailures
	for id := 1; id < n; id++ {
		if fails := e.tracker.Snapshot(id).ConsecutiveFailures; fails < bestFails {
			best = id
			bestFails = fails
		}
	}
	return Plan{Mode: ModeSingle, IDs: []int{best}, Emergency: true}
}

func normalize(v, min, max float64) float64 {
	if max <= min {
		return 0
	}
	return (v - min) / (max - min)
}

func minMax(curMin, curMax, v float64) (float64, float64) {
	if v < curMin {
		curMin = v
	}
	if v > curMax {
		curMax = v
	}
	return curMin, curMax
}
