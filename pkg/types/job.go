package types

import "time"

// JobKind distinguishes recurrent jobs from scheduled one-shots
type JobKind string

const (
	JobKindRecurrent JobKind = "recurrent"
	JobKindOneShot   JobKind = "oneshot"
)

// ScheduledJob is the persisted form of one scheduler job. Only primitive
// data survives serialization; collaborators (repositories, clients) are
// re-injected when the job executes. Name resolves the job constructor
// from the registry populated at startup.
type ScheduledJob struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Kind            JobKind        `json:"kind"`
	IntervalSeconds int            `json:"interval_seconds,omitempty"`
	NextRunAt       time.Time      `json:"next_run_at"`
	Data            map[string]any `json:"data,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}
