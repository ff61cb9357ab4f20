// Package history persists pipeline run events and serves them back over a
// small read-only HTTP API. The engine stays stateless; this service is the
// system of record for what ran and how it went.
package history

import (
	"time"

	"github.com/google/uuid"
)

// Run is the API shape of a recorded pipeline run.
type Run struct {
	ID         uuid.UUID      `json:"id" db:"id"`
	App        string         `json:"app" db:"app"`
	Number     int            `json:"number" db:"number"`
	Status     string         `json:"status" db:"status"`
	Reason     string         `json:"reason,omitempty" db:"reason"`
	Commit     map[string]any `json:"commit,omitempty" db:"commit"`
	StartedAt  time.Time      `json:"started_at" db:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty" db:"finished_at"`
	Stages     []StageRecord  `json:"stages,omitempty"`
	// ReportURL is a time-limited link to the archived report, present only
	// for finished runs when a report archive is configured.
	ReportURL string `json:"report_url,omitempty"`
}

// StageRecord is the API shape of one recorded stage outcome.
type StageRecord struct {
	Stage      string    `json:"stage" db:"stage"`
	Status     string    `json:"status" db:"status"`
	Reason     string    `json:"reason,omitempty" db:"reason"`
	StartedAt  time.Time `json:"started_at" db:"started_at"`
	FinishedAt time.Time `json:"finished_at" db:"finished_at"`
}
