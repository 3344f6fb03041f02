// Package idle decides when a running worker qualifies for auto-pause.
package idle

import (
	"time"

	"github.com/cuemby/labfleet/pkg/types"
)

// Verdict is the outcome of one idleness evaluation
type Verdict struct {
	Idle          bool
	Reason        string
	TargetPauseAt time.Time
}

// Evaluator applies the idle policy to worker state
type Evaluator struct {
	threshold time.Duration
	grace     time.Duration
}

// NewEvaluator builds an evaluator; non-positive values fall back to one
// hour of inactivity and ten minutes of grace
func NewEvaluator(threshold, grace time.Duration) *Evaluator {
	if threshold <= 0 {
		threshold = time.Hour
	}
	if grace <= 0 {
		grace = 10 * time.Minute
	}
	return &Evaluator{threshold: threshold, grace: grace}
}

// Evaluate determines whether the worker is idle right now. A worker is
// idle when it runs with idle detection enabled, none of its labs are
// started, and the last observed activity is older than the threshold.
// Workers with no recorded activity are never idle; the first activity
// observation starts the clock.
func (e *Evaluator) Evaluate(w *types.Worker, labs []*types.LabRecord, now time.Time) Verdict {
	if !w.IsIdleDetectionEnabled {
		return Verdict{Reason: "detection_disabled"}
	}
	if w.Status != types.WorkerStatusRunning {
		return Verdict{Reason: "not_running"}
	}
	if w.LastActivityAt == nil {
		return Verdict{Reason: "no_activity_baseline"}
	}
	for _, lab := range labs {
		if lab.State == "STARTED" {
			return Verdict{Reason: "lab_running"}
		}
	}
	if now.Sub(*w.LastActivityAt) <= e.threshold {
		return Verdict{Reason: "recently_active"}
	}
	return Verdict{
		Idle:          true,
		Reason:        "idle",
		TargetPauseAt: now.Add(e.grace).UTC(),
	}
}

// ShouldPause reports whether a previously marked worker reached its
// pause deadline
func (e *Evaluator) ShouldPause(w *types.Worker, now time.Time) bool {
	return w.TargetPauseAt != nil && !now.Before(*w.TargetPauseAt)
}
