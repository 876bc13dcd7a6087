package model

import "time"

// ReconcileRun is one comparison of the registry against the engine.
type ReconcileRun struct {
	ID            string     `json:"id"`
	TriggerType   string     `json:"trigger_type"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	TotalRegistry int        `json:"total_registry"`
	TotalEngine   int        `json:"total_engine"`
	DriftCount    int        `json:"drift_count"`
	Status        string     `json:"status"`
	Error         string     `json:"error,omitempty"`
}

// Drift is one disagreement found by a run. Nothing is repaired automatically.
type Drift struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Owner     string    `json:"owner,omitempty"`
	Number    int       `json:"number,omitempty"`
	DriftType string    `json:"drift_type"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

type ReconcileRunListResponse struct {
	Runs []ReconcileRun `json:"runs"`
}

type ReconcileRunDetailResponse struct {
	Run   ReconcileRun `json:"run"`
	Drift []Drift      `json:"drift"`
}
