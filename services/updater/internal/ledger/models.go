package ledger

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type runModel struct {
	ID            uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Status        string            `gorm:"type:text"`
	State         string            `gorm:"type:text"`
	DeviceSerial  string            `gorm:"type:text"`
	CurrentBuild  *time.Time        `gorm:"type:date"`
	LatestBuild   *time.Time        `gorm:"type:date"`
	PatchedSuffix string            `gorm:"type:text"`
	ErrorKind     string            `gorm:"type:text"`
	Error         string            `gorm:"type:text"`
	Summary       datatypes.JSONMap `gorm:"type:jsonb"`
	StartedAt     time.Time         `gorm:"type:timestamptz"`
	FinishedAt    *time.Time        `gorm:"type:timestamptz"`
}

func (runModel) TableName() string { return "runs" }

type runEventModel struct {
	ID      int64             `gorm:"primaryKey;autoIncrement"`
	RunID   uuid.UUID         `gorm:"type:uuid"`
	Kind    string            `gorm:"type:text"`
	State   string            `gorm:"type:text"`
	Details datatypes.JSONMap `gorm:"type:jsonb"`
	At      time.Time         `gorm:"type:timestamptz"`
}

func (runEventModel) TableName() string { return "run_events" }

type runArtifactModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	RunID     uuid.UUID `gorm:"type:uuid"`
	Kind      string    `gorm:"type:text"`
	Name      string    `gorm:"type:text"`
	SHA256    string    `gorm:"column:sha256;type:text"`
	Size      int64     `gorm:"type:bigint"`
	SourceURL string    `gorm:"type:text"`
	MirrorURL string    `gorm:"type:text"`
	Attempts  int       `gorm:"type:integer"`
}

func (runArtifactModel) TableName() string { return "run_artifacts" }

// RunRecord is one row of the run history.
type RunRecord struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	Status        string     `db:"status" json:"status"`
	State         string     `db:"state" json:"state"`
	DeviceSerial  string     `db:"device_serial" json:"device_serial,omitempty"`
	PatchedSuffix string     `db:"patched_suffix" json:"patched_suffix,omitempty"`
	ErrorKind     string     `db:"error_kind" json:"error_kind,omitempty"`
	Error         string     `db:"error" json:"error,omitempty"`
	StartedAt     time.Time  `db:"started_at" json:"started_at"`
	FinishedAt    *time.Time `db:"finished_at" json:"finished_at,omitempty"`
	Artifacts     int        `db:"artifacts" json:"artifacts"`
}

// EventRecord is one stored run event.
type EventRecord struct {
	Kind  string    `db:"kind" json:"kind"`
	State string    `db:"state" json:"state"`
	At    time.Time `db:"at" json:"at"`
}
