package history

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type runModel struct {
	ID         uuid.UUID         `gorm:"type:uuid;primaryKey"`
	App        string            `gorm:"type:text;not null"`
	Number     int               `gorm:"type:int;not null"`
	Status     string            `gorm:"type:text;not null"`
	Reason     string            `gorm:"type:text"`
	Commit     datatypes.JSONMap `gorm:"type:jsonb"`
	StartedAt  time.Time         `gorm:"type:timestamptz;not null"`
	FinishedAt *time.Time        `gorm:"type:timestamptz"`
}

func (runModel) TableName() string { return "runs" }

func (m runModel) toAPI() Run {
	return Run{
		ID:         m.ID,
		App:        m.App,
		Number:     m.Number,
		Status:     m.Status,
		Reason:     m.Reason,
		Commit:     map[string]any(m.Commit),
		StartedAt:  m.StartedAt,
		FinishedAt: m.FinishedAt,
	}
}

type stageModel struct {
	ID         int64     `gorm:"type:bigserial;primaryKey"`
	RunID      uuid.UUID `gorm:"type:uuid;not null;index"`
	Stage      string    `gorm:"type:text;not null"`
	Status     string    `gorm:"type:text;not null"`
	Reason     string    `gorm:"type:text"`
	StartedAt  time.Time `gorm:"type:timestamptz;not null"`
	FinishedAt time.Time `gorm:"type:timestamptz;not null"`
}

func (stageModel) TableName() string { return "stages" }

func (m stageModel) toAPI() StageRecord {
	return StageRecord{
		Stage:      m.Stage,
		Status:     m.Status,
		Reason:     m.Reason,
		StartedAt:  m.StartedAt,
		FinishedAt: m.FinishedAt,
	}
}
