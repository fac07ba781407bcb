package models

import (
	"time"

	"github.com/google/uuid"
)

// Entity sync outcomes as recorded in the run summary.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// EntitySummary captures the outcome of one entity's sync pass.
type EntitySummary struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Fetched    int    `json:"fetched"`
	Inserted   int    `json:"inserted"`
	Updated    int    `json:"updated"`
	Errors     int    `json:"errors"`
	DurationMs int64  `json:"duration_ms"`
}

// RunSummary aggregates per-entity outcomes for one sync run.
type RunSummary struct {
	RunID      string          `json:"run_id"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Entities   []EntitySummary `json:"entities"`
}

func NewRunSummary() *RunSummary {
	return &RunSummary{
		RunID:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
	}
}

func (r *RunSummary) Add(e EntitySummary) {
	r.Entities = append(r.Entities, e)
}

func (r *RunSummary) Finish() {
	r.FinishedAt = time.Now().UTC()
}

// Totals folds the per-entity counters into one overall line.
func (r *RunSummary) Totals() EntitySummary {
	total := EntitySummary{Name: "total", Status: StatusSuccess}
	for _, e := range r.Entities {
		total.Fetched += e.Fetched
		total.Inserted += e.Inserted
		total.Updated += e.Updated
		total.Errors += e.Errors
		total.DurationMs += e.DurationMs
		if e.Status == StatusFailed || e.Status == StatusPartial {
			total.Status = StatusPartial
		}
	}
	return total
}
