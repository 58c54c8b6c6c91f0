package model

import "time"

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

// Run lifecycle: created as running, moved exactly once to a terminal state.
const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the status is an end state.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// Stats accumulates per-stage counters for a batch. The counters are
// independent tallies, not a funnel: an entity can be enriched without a
// prior fetch (fallback generation), so no subset relation holds between
// them beyond Processed covering every entity the batch touched.
type Stats struct {
	Processed int `json:"processed"`
	Fetched   int `json:"fetched"`
	Verified  int `json:"verified"`
	Enriched  int `json:"enriched"`
	Generated int `json:"generated"`
	Failed    int `json:"failed"`
}

// Add merges other into s.
func (s *Stats) Add(other Stats) {
	s.Processed += other.Processed
	s.Fetched += other.Fetched
	s.Verified += other.Verified
	s.Enriched += other.Enriched
	s.Generated += other.Generated
	s.Failed += other.Failed
}

// Map returns the stats as a counter map for JSON responses and run rows.
func (s Stats) Map() map[string]int {
	return map[string]int{
		"processed": s.Processed,
		"fetched":   s.Fetched,
		"verified":  s.Verified,
		"enriched":  s.Enriched,
		"generated": s.Generated,
		"failed":    s.Failed,
	}
}

// PipelineRun records one invocation of a pipeline action, start to finish.
// It is the only externally observable record of whether a run happened and
// what it did.
type PipelineRun struct {
	ID           string     `json:"id"`
	RunType      string     `json:"run_type"`
	Status       RunStatus  `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Stats        Stats      `json:"stats"`
	ErrorMessage string     `json:"error_message,omitempty"`
}
