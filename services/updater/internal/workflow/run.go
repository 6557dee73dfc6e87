package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fpupdate/services/updater/internal/adb"
	"fpupdate/services/updater/internal/catalog"
	"fpupdate/services/updater/internal/download"
	"fpupdate/services/updater/internal/fault"
)

// PatchedFile is the boot image produced on the device by the patch step.
type PatchedFile struct {
	// Suffix is the variable part of the file name and identifies the run on the device.
	Suffix     string `json:"suffix" yaml:"suffix"`
	SourcePath string `json:"source_path" yaml:"source_path"`
	LocalPath  string `json:"local_path" yaml:"local_path"`
	SHA256     string `json:"sha256" yaml:"sha256"`
}

// Run carries everything a single update run accumulates. It is owned by the
// goroutine executing the workflow.
type Run struct {
	ID     uuid.UUID
	State  State
	Logger zerolog.Logger

	StartedAt  time.Time
	FinishedAt time.Time

	Device       adb.Device
	CurrentBuild time.Time
	Latest       catalog.Build

	Recovery           download.Artifact
	RecoveryRemotePath string
	MirrorURL          string
	Patched            PatchedFile
	FlashedSlots       []string

	BundlePath string
	Err        error

	announced bool
	pending   []Event
}

// Status returns the run's status string.
func (r *Run) Status() string {
	switch {
	case !r.State.Terminal():
		return StatusRunning
	case r.State == StateFailed:
		return StatusFailed
	default:
		return StatusSucceeded
	}
}

// Summary is a flat, serialisable view of a run.
type Summary struct {
	RunID         string              `json:"run_id" yaml:"run_id"`
	Status        string              `json:"status" yaml:"status"`
	State         State               `json:"state" yaml:"state"`
	StartedAt     time.Time           `json:"started_at" yaml:"started_at"`
	FinishedAt    time.Time           `json:"finished_at" yaml:"finished_at"`
	DeviceSerial  string              `json:"device_serial,omitempty" yaml:"device_serial,omitempty"`
	CurrentBuild  time.Time           `json:"current_build" yaml:"current_build"`
	LatestBuild   time.Time           `json:"latest_build" yaml:"latest_build"`
	Artifacts     []download.Artifact `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
	MirrorURL     string              `json:"mirror_url,omitempty" yaml:"mirror_url,omitempty"`
	Patched       *PatchedFile        `json:"patched,omitempty" yaml:"patched,omitempty"`
	PatchedSuffix string              `json:"patched_suffix,omitempty" yaml:"patched_suffix,omitempty"`
	Slots         []string            `json:"slots,omitempty" yaml:"slots,omitempty"`
	ErrorKind     string              `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
	Error         string              `json:"error,omitempty" yaml:"error,omitempty"`
}

// Summary snapshots the run.
func (r *Run) Summary() Summary {
	s := Summary{
		RunID:        r.ID.String(),
		Status:       r.Status(),
		State:        r.State,
		StartedAt:    r.StartedAt,
		FinishedAt:   r.FinishedAt,
		DeviceSerial: r.Device.Serial,
		CurrentBuild: r.CurrentBuild,
		LatestBuild:  r.Latest.Date,
		MirrorURL:    r.MirrorURL,
		Slots:        append([]string(nil), r.FlashedSlots...),
	}
	if r.Recovery.LocalPath != "" {
		s.Artifacts = append(s.Artifacts, r.Recovery)
	}
	if r.Patched.Suffix != "" {
		p := r.Patched
		s.Patched = &p
		s.PatchedSuffix = p.Suffix
	}
	if r.Err != nil {
		s.Error = r.Err.Error()
		s.ErrorKind = ErrorKind(r.Err)
	}
	return s
}

// ErrorKind names the failure class of err for reporting.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, fault.ErrPrecondition):
		return "precondition"
	case errors.Is(err, fault.ErrChecksumMismatch):
		return "checksum_mismatch"
	case errors.Is(err, fault.ErrNetwork):
		return "network"
	case errors.Is(err, fault.ErrAmbiguousState):
		return "ambiguous_state"
	case errors.Is(err, fault.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, fault.ErrToolInvocation):
		return "tool_invocation"
	case errors.Is(err, fault.ErrParse):
		return "parse"
	default:
		return "internal"
	}
}

// EventKind classifies run events.
type EventKind string

const (
	EventRunStarted     EventKind = "run_started"
	EventStateEntered   EventKind = "state_entered"
	EventStateCompleted EventKind = "state_completed"
	EventRunFinished    EventKind = "run_finished"
)

// Event is emitted to observers as the run progresses.
type Event struct {
	RunID     uuid.UUID      `json:"run_id"`
	Kind      EventKind      `json:"kind"`
	State     State          `json:"state"`
	At        time.Time      `json:"at"`
	Duration  time.Duration  `json:"duration_ns,omitempty"`
	ErrorKind string         `json:"error_kind,omitempty"`
	Error     string         `json:"error,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	// Summary is set on EventRunFinished.
	Summary *Summary `json:"summary,omitempty"`
}
