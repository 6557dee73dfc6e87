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
	ID            uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Status        string            `gorm:"type:text;not null;index"`
	State         string            `gorm:"type:text;not null"`
	DeviceSerial  string            `gorm:"type:text;index"`
	CurrentBuild  *time.Time        `gorm:"type:date"`
	LatestBuild   *time.Time        `gorm:"type:date"`
	PatchedSuffix string            `gorm:"type:text"`
	ErrorKind     string            `gorm:"type:text"`
	Error         string            `gorm:"type:text"`
	Summary       datatypes.JSONMap `gorm:"type:jsonb"`
	StartedAt     time.Time         `gorm:"type:timestamptz;not null;default:now()"`
	FinishedAt    *time.Time        `gorm:"type:timestamptz"`
}

type RunEvent struct {
	ID      int64             `gorm:"type:bigserial;primaryKey"`
	RunID   uuid.UUID         `gorm:"type:uuid;not null;index"`
	Kind    string            `gorm:"type:text;not null"`
	State   string            `gorm:"type:text;not null"`
	Details datatypes.JSONMap `gorm:"type:jsonb"`
	At      time.Time         `gorm:"type:timestamptz;not null;default:now()"`
	Run     Run               `gorm:"foreignKey:RunID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type RunArtifact struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	RunID     uuid.UUID `gorm:"type:uuid;not null;index"`
	Kind      string    `gorm:"type:text;not null"`
	Name      string    `gorm:"type:text;not null"`
	SHA256    string    `gorm:"type:text;not null;index"`
	Size      int64     `gorm:"type:bigint"`
	SourceURL string    `gorm:"type:text"`
	MirrorURL string    `gorm:"type:text"`
	Attempts  int       `gorm:"type:integer"`
	CreatedAt time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	Run       Run       `gorm:"foreignKey:RunID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func openTx(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&Run{},
		&RunEvent{},
		&RunArtifact{},
	); err != nil {
		return err
	}

	m := gormDB.WithContext(ctx).Migrator()
	if err := m.CreateConstraint(&RunEvent{}, "Run"); err != nil {
		return err
	}
	return m.CreateConstraint(&RunArtifact{}, "Run")
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&RunArtifact{},
		&RunEvent{},
		&Run{},
	)
}
