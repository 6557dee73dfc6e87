package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"fpupdate/pkg/db"
	"fpupdate/services/updater/internal/workflow"
)

const (
	recentRunsQuery = `
SELECT r.id, r.status, r.state,
       COALESCE(r.device_serial, '') AS device_serial,
       COALESCE(r.patched_suffix, '') AS patched_suffix,
       COALESCE(r.error_kind, '') AS error_kind,
       COALESCE(r.error, '') AS error,
       r.started_at, r.finished_at,
       (SELECT count(*) FROM run_artifacts a WHERE a.run_id = r.id) AS artifacts
FROM runs r
ORDER BY r.started_at DESC
LIMIT $1`

	runQuery = `
SELECT r.id, r.status, r.state,
       COALESCE(r.device_serial, '') AS device_serial,
       COALESCE(r.patched_suffix, '') AS patched_suffix,
       COALESCE(r.error_kind, '') AS error_kind,
       COALESCE(r.error, '') AS error,
       r.started_at, r.finished_at,
       (SELECT count(*) FROM run_artifacts a WHERE a.run_id = r.id) AS artifacts
FROM runs r
WHERE r.id = $1`

	runEventsQuery = `
SELECT kind, state, at
FROM run_events
WHERE run_id = $1
ORDER BY at, id`
)

// ErrRunNotFound is returned by Run for an unknown run ID.
var ErrRunNotFound = errors.New("run not found")

// Store persists runs to Postgres. Writes go through gorm, history reads
// through scany.
type Store struct {
	orm  *gorm.DB
	pool *pgxpool.Pool
}

// NewStore binds a Store to its connections.
func NewStore(orm *gorm.DB, pool *pgxpool.Pool) (*Store, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &Store{orm: orm, pool: pool}, nil
}

// Observe implements workflow.Observer.
func (s *Store) Observe(ctx context.Context, evt workflow.Event) error {
	ctx, cancel := context.WithTimeout(ctx, db.DefaultTimeout)
	defer cancel()

	switch evt.Kind {
	case workflow.EventRunStarted:
		return s.orm.WithContext(ctx).Create(&runModel{
			ID:        evt.RunID,
			Status:    workflow.StatusRunning,
			State:     string(evt.State),
			StartedAt: evt.At,
		}).Error

	case workflow.EventStateEntered, workflow.EventStateCompleted:
		return s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if evt.Kind == workflow.EventStateEntered {
				if err := tx.Model(&runModel{}).Where("id = ?", evt.RunID).Update("state", string(evt.State)).Error; err != nil {
					return err
				}
			}
			return tx.Create(eventModel(evt)).Error
		})

	case workflow.EventRunFinished:
		if evt.Summary == nil {
			return errors.New("run finished event without summary")
		}
		updates, artifacts, err := finishedRows(evt)
		if err != nil {
			return err
		}
		return s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Model(&runModel{}).Where("id = ?", evt.RunID).Updates(updates).Error; err != nil {
				return err
			}
			for i := range artifacts {
				if err := tx.Create(&artifacts[i]).Error; err != nil {
					return err
				}
			}
			return tx.Create(eventModel(evt)).Error
		})

	default:
		return fmt.Errorf("unknown event kind %q", evt.Kind)
	}
}

// Recent returns the newest runs first.
func (s *Store) Recent(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []RunRecord
	if err := db.Select(ctx, s.pool, &out, recentRunsQuery, limit); err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	return out, nil
}

// Run returns one recorded run.
func (s *Store) Run(ctx context.Context, runID uuid.UUID) (RunRecord, error) {
	var out RunRecord
	if err := db.Get(ctx, s.pool, &out, runQuery, runID); err != nil {
		return RunRecord{}, lookupErr(runID, err)
	}
	return out, nil
}

func lookupErr(runID uuid.UUID, err error) error {
	if db.IsNotFound(err) {
		return fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
	}
	return fmt.Errorf("query run %s: %w", runID, err)
}

// Events returns the stored events of one run in order.
func (s *Store) Events(ctx context.Context, runID uuid.UUID) ([]EventRecord, error) {
	var out []EventRecord
	if err := db.Select(ctx, s.pool, &out, runEventsQuery, runID); err != nil {
		return nil, fmt.Errorf("query events for %s: %w", runID, err)
	}
	return out, nil
}

func eventModel(evt workflow.Event) *runEventModel {
	details := datatypes.JSONMap{}
	for k, v := range evt.Details {
		details[k] = v
	}
	if evt.Duration > 0 {
		details["duration_ms"] = evt.Duration.Milliseconds()
	}
	if evt.Error != "" {
		details["error"] = evt.Error
		details["error_kind"] = evt.ErrorKind
	}
	return &runEventModel{
		RunID:   evt.RunID,
		Kind:    string(evt.Kind),
		State:   string(evt.State),
		Details: details,
		At:      evt.At,
	}
}

func finishedRows(evt workflow.Event) (map[string]any, []runArtifactModel, error) {
	sum := evt.Summary
	summary, err := toJSONMap(sum)
	if err != nil {
		return nil, nil, err
	}

	updates := map[string]any{
		"status":         sum.Status,
		"state":          string(sum.State),
		"device_serial":  sum.DeviceSerial,
		"patched_suffix": sum.PatchedSuffix,
		"error_kind":     sum.ErrorKind,
		"error":          sum.Error,
		"summary":        summary,
		"finished_at":    sum.FinishedAt,
	}
	if !sum.CurrentBuild.IsZero() {
		updates["current_build"] = sum.CurrentBuild
	}
	if !sum.LatestBuild.IsZero() {
		updates["latest_build"] = sum.LatestBuild
	}

	artifacts := make([]runArtifactModel, 0, len(sum.Artifacts)+1)
	for _, a := range sum.Artifacts {
		artifacts = append(artifacts, runArtifactModel{
			ID:        uuid.New(),
			RunID:     evt.RunID,
			Kind:      string(a.Kind),
			Name:      a.Name(),
			SHA256:    a.SHA256,
			Size:      a.Size,
			SourceURL: a.RemoteURL,
			MirrorURL: sum.MirrorURL,
			Attempts:  a.Attempts,
		})
	}
	if p := sum.Patched; p != nil && p.SHA256 != "" {
		artifacts = append(artifacts, runArtifactModel{
			ID:        uuid.New(),
			RunID:     evt.RunID,
			Kind:      "patched_boot",
			Name:      filepath.Base(p.LocalPath),
			SHA256:    p.SHA256,
			SourceURL: p.SourcePath,
			Attempts:  1,
		})
	}
	return updates, artifacts, nil
}

func toJSONMap(v any) (datatypes.JSONMap, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := datatypes.JSONMap{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
