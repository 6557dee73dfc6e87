package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"fpupdate/services/updater/internal/download"
	"fpupdate/services/updater/internal/fault"
	"fpupdate/services/updater/internal/workflow"
)

func TestNewStoreRequiresConnections(t *testing.T) {
	if _, err := NewStore(nil, nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestObserveRejectsFinishedWithoutSummary(t *testing.T) {
	s := &Store{}
	err := s.Observe(context.Background(), workflow.Event{Kind: workflow.EventRunFinished})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestLookupErr(t *testing.T) {
	id := uuid.New()
	if err := lookupErr(id, pgx.ErrNoRows); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("lookupErr(no rows) = %v, want ErrRunNotFound", err)
	}
	down := errors.New("connection reset")
	err := lookupErr(id, down)
	if errors.Is(err, ErrRunNotFound) || !errors.Is(err, down) {
		t.Fatalf("lookupErr(other) = %v", err)
	}
}

func TestEventModel(t *testing.T) {
	runID := uuid.New()
	at := time.Date(2023, 5, 8, 10, 0, 0, 0, time.UTC)
	m := eventModel(workflow.Event{
		RunID:     runID,
		Kind:      workflow.EventStateCompleted,
		State:     workflow.StateDownloadRecovery,
		At:        at,
		Duration:  2500 * time.Millisecond,
		Error:     "boom",
		ErrorKind: "network",
		Details:   map[string]any{"bundle": "/tmp/x"},
	})
	if m.RunID != runID || m.Kind != "state_completed" || m.State != "download_recovery" || !m.At.Equal(at) {
		t.Fatalf("eventModel() = %+v", m)
	}
	if m.Details["duration_ms"] != int64(2500) || m.Details["error_kind"] != "network" || m.Details["bundle"] != "/tmp/x" {
		t.Fatalf("details = %v", m.Details)
	}
}

func TestFinishedRows(t *testing.T) {
	runID := uuid.New()
	run := &workflow.Run{
		ID:           runID,
		State:        workflow.StateFailed,
		StartedAt:    time.Date(2023, 5, 8, 10, 0, 0, 0, time.UTC),
		FinishedAt:   time.Date(2023, 5, 8, 10, 5, 0, 0, time.UTC),
		CurrentBuild: time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC),
		Recovery: download.Artifact{
			Kind:      download.KindRecovery,
			RemoteURL: "https://builds.example.org/recovery.img",
			LocalPath: "/work/recovery.img",
			SHA256:    "abc",
			Size:      42,
			Attempts:  2,
		},
		MirrorURL: "s3://mirror/recovery/abc.img",
		Patched: workflow.PatchedFile{
			Suffix:     "12345_abcde",
			SourcePath: "/storage/emulated/0/Download/magisk_patched-12345_abcde.img",
			LocalPath:  "/work/magisk_patched-12345_abcde.img",
			SHA256:     "def",
		},
		Err: fault.Timeoutf("await bootloader", "gave up"),
	}
	sum := run.Summary()

	updates, artifacts, err := finishedRows(workflow.Event{RunID: runID, Kind: workflow.EventRunFinished, Summary: &sum})
	if err != nil {
		t.Fatalf("finishedRows() error = %v", err)
	}
	if updates["status"] != workflow.StatusFailed || updates["error_kind"] != "timeout" || updates["patched_suffix"] != "12345_abcde" {
		t.Fatalf("updates = %v", updates)
	}
	if _, ok := updates["latest_build"]; ok {
		t.Fatal("zero latest build must not be written")
	}
	if len(artifacts) != 2 {
		t.Fatalf("artifacts = %+v", artifacts)
	}
	if a := artifacts[0]; a.Name != "recovery.img" || a.MirrorURL != "s3://mirror/recovery/abc.img" || a.Attempts != 2 || a.Size != 42 {
		t.Fatalf("recovery row = %+v", a)
	}
	if a := artifacts[1]; a.Kind != "patched_boot" || a.Name != "magisk_patched-12345_abcde.img" {
		t.Fatalf("patched row = %+v", a)
	}
	if !errors.Is(run.Err, fault.ErrTimeout) {
		t.Fatal("run error lost its kind")
	}
}

func TestToJSONMap(t *testing.T) {
	m, err := toJSONMap(struct {
		A string `json:"a"`
		B int    `json:"b"`
	}{"x", 3})
	if err != nil {
		t.Fatal(err)
	}
	if m["a"] != "x" || m["b"] != float64(3) {
		t.Fatalf("toJSONMap() = %v", m)
	}
}
