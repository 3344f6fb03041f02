package idle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/labfleet/pkg/types"
)

func runningWorker(lastActivity time.Time) *types.Worker {
	return &types.Worker{
		Status:                 types.WorkerStatusRunning,
		IsIdleDetectionEnabled: true,
		LastActivityAt:         &lastActivity,
	}
}

func TestEvaluateIdle(t *testing.T) {
	e := NewEvaluator(time.Hour, 10*time.Minute)
	now := time.Now().UTC()

	v := e.Evaluate(runningWorker(now.Add(-2*time.Hour)), nil, now)
	assert.True(t, v.Idle)
	assert.Equal(t, now.Add(10*time.Minute), v.TargetPauseAt)
}

func TestEvaluateNotIdleCases(t *testing.T) {
	e := NewEvaluator(time.Hour, 10*time.Minute)
	now := time.Now().UTC()
	old := now.Add(-2 * time.Hour)

	tests := []struct {
		name   string
		worker *types.Worker
		labs   []*types.LabRecord
		reason string
	}{
		{
			name: "detection disabled",
			worker: &types.Worker{
				Status:         types.WorkerStatusRunning,
				LastActivityAt: &old,
			},
			reason: "detection_disabled",
		},
		{
			name: "stopped worker",
			worker: &types.Worker{
				Status:                 types.WorkerStatusStopped,
				IsIdleDetectionEnabled: true,
				LastActivityAt:         &old,
			},
			reason: "not_running",
		},
		{
			name: "no baseline",
			worker: &types.Worker{
				Status:                 types.WorkerStatusRunning,
				IsIdleDetectionEnabled: true,
			},
			reason: "no_activity_baseline",
		},
		{
			name:   "lab running",
			worker: runningWorker(old),
			labs:   []*types.LabRecord{{State: "STARTED"}},
			reason: "lab_running",
		},
		{
			name:   "recent activity",
			worker: runningWorker(now.Add(-5 * time.Minute)),
			reason: "recently_active",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := e.Evaluate(tt.worker, tt.labs, now)
			assert.False(t, v.Idle)
			assert.Equal(t, tt.reason, v.Reason)
		})
	}
}

func TestStoppedLabsDoNotBlockIdle(t *testing.T) {
	e := NewEvaluator(time.Hour, 10*time.Minute)
	now := time.Now().UTC()

	v := e.Evaluate(runningWorker(now.Add(-2*time.Hour)),
		[]*types.LabRecord{{State: "STOPPED"}, {State: "DEFINED_ON_CORE"}}, now)
	assert.True(t, v.Idle)
}

func TestShouldPause(t *testing.T) {
	e := NewEvaluator(time.Hour, 10*time.Minute)
	now := time.Now().UTC()

	assert.False(t, e.ShouldPause(&types.Worker{}, now))

	future := now.Add(5 * time.Minute)
	assert.False(t, e.ShouldPause(&types.Worker{TargetPauseAt: &future}, now))

	due := now.Add(-time.Second)
	assert.True(t, e.ShouldPause(&types.Worker{TargetPauseAt: &due}, now))
}
