package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type Run struct {
	ID         uuid.UUID         `gorm:"type:uuid;primaryKey"`
	App        string            `gorm:"type:text;not null;index"`
	Number     int               `gorm:"type:int;not null"`
	Status     string            `gorm:"type:text;not null"`
	Reason     string            `gorm:"type:text"`
	Commit     datatypes.JSONMap `gorm:"type:jsonb"`
	StartedAt  time.Time         `gorm:"type:timestamptz;not null"`
	FinishedAt *time.Time        `gorm:"type:timestamptz"`
	CreatedAt  time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt  time.Time         `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

type Stage struct {
	ID         int64     `gorm:"type:bigserial;primaryKey"`
	RunID      uuid.UUID `gorm:"type:uuid;not null;index"`
	Stage      string    `gorm:"type:text;not null"`
	Status     string    `gorm:"type:text;not null"`
	Reason     string    `gorm:"type:text"`
	StartedAt  time.Time `gorm:"type:timestamptz;not null"`
	FinishedAt time.Time `gorm:"type:timestamptz;not null"`
	Run        Run       `gorm:"foreignKey:RunID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&Run{},
		&Stage{},
	); err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().CreateConstraint(&Stage{}, "Run")
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&Stage{},
		&Run{},
	)
}
