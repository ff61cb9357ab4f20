package pipeline

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage identifies one phase of the pipeline state machine.
type Stage string

const (
	StageCheckout Stage = "checkout"
	StageBuild    Stage = "build"
	StagePackage  Stage = "package"
	StageDeploy   Stage = "deploy"
	StageVerify   Stage = "verify"
	StageNotify   Stage = "notify"
)

// Status is the overall outcome of a run.
type Status string

const (
	StatusRunning        Status = "running"
	StatusSuccess        Status = "success"
	StatusPartialFailure Status = "partial_failure"
	StatusFailed         Status = "failed"
)

// ExitCode maps a final status to a process exit code for hosting CLIs.
// PartialFailure exits zero; callers are expected to log a warning.
func (s Status) ExitCode() int {
	if s == StatusFailed {
		return 1
	}
	return 0
}

// StageStatus is the outcome of a single stage.
type StageStatus string

const (
	StageSucceeded StageStatus = "succeeded"
	StageDegraded  StageStatus = "degraded"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// StageOutcome records one stage's result within a run.
type StageOutcome struct {
	Stage      Stage       `json:"stage"`
	Status     StageStatus `json:"status"`
	Reason     string      `json:"reason,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
}

// Duration is the wall time the stage spent executing.
func (o StageOutcome) Duration() time.Duration {
	return o.FinishedAt.Sub(o.StartedAt)
}

// CommitInfo carries optional source metadata attached to a run. Empty fields
// are omitted from reports rather than treated as errors.
type CommitInfo struct {
	Branch     string `json:"branch,omitempty"`
	Commit     string `json:"commit,omitempty"`
	BuildURL   string `json:"build_url,omitempty"`
	ConsoleURL string `json:"console_url,omitempty"`
}

// Run is the aggregate root for a single pipeline execution. It exclusively
// owns its stage outcomes; only the coordinator appends to it, and once
// finalized it rejects further mutation.
type Run struct {
	ID        uuid.UUID  `json:"id"`
	App       string     `json:"app"`
	Number    int        `json:"number"`
	Status    Status     `json:"status"`
	Reason    string     `json:"reason,omitempty"`
	Commit    CommitInfo `json:"commit"`
	StartedAt time.Time  `json:"started_at"`
	// FinishedAt is zero until the run is finalized.
	FinishedAt time.Time `json:"finished_at,omitzero"`

	stages    []StageOutcome
	finalized bool
}

// NewRun starts a run for the named application and build number.
func NewRun(app string, number int) *Run {
	return &Run{
		ID:        uuid.New(),
		App:       app,
		Number:    number,
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
	}
}

// RecordStage appends a stage outcome. Recording after finalization is a
// programming error and panics rather than silently dropping history.
func (r *Run) RecordStage(outcome StageOutcome) {
	if r.finalized {
		panic(fmt.Sprintf("pipeline: stage %s recorded after run %s was finalized", outcome.Stage, r.ID))
	}
	r.stages = append(r.stages, outcome)
}

// Finalize fixes the final status and freezes the run. It is idempotent.
func (r *Run) Finalize(status Status, reason string) {
	if r.finalized {
		return
	}
	r.Status = status
	r.Reason = reason
	r.FinishedAt = time.Now().UTC()
	r.finalized = true
}

// Finalized reports whether the run has been frozen.
func (r *Run) Finalized() bool { return r.finalized }

// Duration is the elapsed run time, using current time while still running.
func (r *Run) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Stages returns a copy of the recorded stage outcomes in execution order.
func (r *Run) Stages() []StageOutcome {
	out := make([]StageOutcome, len(r.stages))
	copy(out, r.stages)
	return out
}

// FirstFailing returns the earliest stage that failed, if any.
func (r *Run) FirstFailing() (StageOutcome, bool) {
	for _, s := range r.stages {
		if s.Status == StageFailed {
			return s, true
		}
	}
	return StageOutcome{}, false
}

// Identity is a human-readable run identifier used in notifications.
func (r *Run) Identity() string {
	return fmt.Sprintf("%s #%d", r.App, r.Number)
}
