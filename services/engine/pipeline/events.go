package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"slipway/pkg/bus"
)

// Event subjects published on the bus.
const (
	RunStartedSubject    = bus.SubjectPrefix + "runs.started"
	StageFinishedSubject = bus.SubjectPrefix + "stages.finished"
	RunFinishedSubject   = bus.SubjectPrefix + "runs.finished"
)

// RunEvent is the payload for run lifecycle subjects.
type RunEvent struct {
	RunID      uuid.UUID  `json:"run_id"`
	App        string     `json:"app"`
	Number     int        `json:"number"`
	Status     Status     `json:"status"`
	Reason     string     `json:"reason,omitempty"`
	Commit     CommitInfo `json:"commit"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// StageEvent is the payload for the stage finished subject.
type StageEvent struct {
	RunID      uuid.UUID   `json:"run_id"`
	App        string      `json:"app"`
	Stage      Stage       `json:"stage"`
	Status     StageStatus `json:"status"`
	Reason     string      `json:"reason,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
}

// BusSink publishes run lifecycle events to NATS. Publish failures are logged
// and dropped: eventing is observability, not control flow.
type BusSink struct {
	Bus    *bus.Bus
	Logger *slog.Logger
}

// RunStarted implements EventSink.
func (s *BusSink) RunStarted(ctx context.Context, run *Run) {
	s.publish(ctx, RunStartedSubject, runEvent(run))
}

// StageFinished implements EventSink.
func (s *BusSink) StageFinished(ctx context.Context, run *Run, outcome StageOutcome) {
	s.publish(ctx, StageFinishedSubject, StageEvent{
		RunID:      run.ID,
		App:        run.App,
		Stage:      outcome.Stage,
		Status:     outcome.Status,
		Reason:     outcome.Reason,
		StartedAt:  outcome.StartedAt,
		FinishedAt: outcome.FinishedAt,
	})
}

// RunFinished implements EventSink.
func (s *BusSink) RunFinished(ctx context.Context, run *Run) {
	s.publish(ctx, RunFinishedSubject, runEvent(run))
}

func (s *BusSink) publish(ctx context.Context, subj string, v any) {
	if s == nil || s.Bus == nil {
		return
	}
	if err := s.Bus.Publish(ctx, subj, v); err != nil {
		s.logger().Warn("event publish failed", "subject", subj, "error", err)
	}
}

func runEvent(run *Run) RunEvent {
	evt := RunEvent{
		RunID:     run.ID,
		App:       run.App,
		Number:    run.Number,
		Status:    run.Status,
		Reason:    run.Reason,
		Commit:    run.Commit,
		StartedAt: run.StartedAt,
	}
	if !run.FinishedAt.IsZero() {
		finished := run.FinishedAt
		evt.FinishedAt = &finished
	}
	return evt
}

func (s *BusSink) logger() *slog.Logger {
	if s != nil && s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
