package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"slipway/services/engine/pipeline"
)

// ErrNotFound is returned when a requested run does not exist.
var ErrNotFound = errors.New("run not found")

const defaultListLimit = 50

// Store persists run history through gorm.
type Store struct {
	ORM *gorm.DB
}

// NewStore validates dependencies and returns a store.
func NewStore(orm *gorm.DB) (*Store, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &Store{ORM: orm}, nil
}

// RecordRunStarted inserts the run row, or refreshes it when the started
// event is redelivered.
func (s *Store) RecordRunStarted(ctx context.Context, evt pipeline.RunEvent) error {
	if evt.RunID == uuid.Nil {
		return errors.New("run id is required")
	}

	model := runModel{
		ID:        evt.RunID,
		App:       evt.App,
		Number:    evt.Number,
		Status:    string(evt.Status),
		Reason:    evt.Reason,
		Commit:    commitMap(evt.Commit),
		StartedAt: evt.StartedAt,
	}

	return s.ORM.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		Create(&model).Error
}

// RecordRunFinished stamps the final status onto the run row. A finished event
// for an unknown run inserts the row so late consumers still converge.
func (s *Store) RecordRunFinished(ctx context.Context, evt pipeline.RunEvent) error {
	if evt.RunID == uuid.Nil {
		return errors.New("run id is required")
	}

	model := runModel{
		ID:         evt.RunID,
		App:        evt.App,
		Number:     evt.Number,
		Status:     string(evt.Status),
		Reason:     evt.Reason,
		Commit:     commitMap(evt.Commit),
		StartedAt:  evt.StartedAt,
		FinishedAt: evt.FinishedAt,
	}

	return s.ORM.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		Create(&model).Error
}

// RecordStage appends a stage outcome for the run.
func (s *Store) RecordStage(ctx context.Context, evt pipeline.StageEvent) error {
	if evt.RunID == uuid.Nil {
		return errors.New("run id is required")
	}
	if evt.Stage == "" {
		return errors.New("stage is required")
	}

	model := stageModel{
		RunID:      evt.RunID,
		Stage:      string(evt.Stage),
		Status:     string(evt.Status),
		Reason:     evt.Reason,
		StartedAt:  evt.StartedAt,
		FinishedAt: evt.FinishedAt,
	}
	return s.ORM.WithContext(ctx).Create(&model).Error
}

// ListRuns returns the most recent runs, optionally filtered by application.
func (s *Store) ListRuns(ctx context.Context, app string, limit int) ([]Run, error) {
	if limit <= 0 || limit > 500 {
		limit = defaultListLimit
	}

	query := s.ORM.WithContext(ctx).Order("started_at DESC").Limit(limit)
	if app != "" {
		query = query.Where("app = ?", app)
	}

	var models []runModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}

	runs := make([]Run, 0, len(models))
	for _, m := range models {
		runs = append(runs, m.toAPI())
	}
	return runs, nil
}

// GetRun returns one run with its stage outcomes in execution order.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (Run, error) {
	var model runModel
	if err := s.ORM.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Run{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Run{}, err
	}

	var stages []stageModel
	if err := s.ORM.WithContext(ctx).Where("run_id = ?", id).Order("started_at ASC, id ASC").Find(&stages).Error; err != nil {
		return Run{}, err
	}

	run := model.toAPI()
	run.Stages = make([]StageRecord, 0, len(stages))
	for _, st := range stages {
		run.Stages = append(run.Stages, st.toAPI())
	}
	return run, nil
}

// Ready reports whether the database answers queries.
func (s *Store) Ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	sqlDB, err := s.ORM.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func commitMap(c pipeline.CommitInfo) datatypes.JSONMap {
	m := datatypes.JSONMap{}
	if c.Branch != "" {
		m["branch"] = c.Branch
	}
	if c.Commit != "" {
		m["commit"] = c.Commit
	}
	if c.BuildURL != "" {
		m["build_url"] = c.BuildURL
	}
	if c.ConsoleURL != "" {
		m["console_url"] = c.ConsoleURL
	}
	return m
}
