package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"fpupdate/pkg/render"
	"fpupdate/services/updater/internal/adb"
	"fpupdate/services/updater/internal/catalog"
	"fpupdate/services/updater/internal/download"
	"fpupdate/services/updater/internal/operator"
)

const (
	DefaultDeviceDir              = "/storage/emulated/0/Download"
	DefaultPatchedPrefix          = "magisk_patched-"
	DefaultPatchedExt             = ".img"
	DefaultBootloaderPollInterval = 5 * time.Second
	DefaultNormalPollInterval     = 20 * time.Second

	buildDateProperty = "ro.system.build.date"
)

// DefaultFlashSlots is the order the patched image is written in.
var DefaultFlashSlots = []string{"boot_a", "boot_b"}

// Device is the subset of the debug bridge the workflow drives.
type Device interface {
	ListDevices(ctx context.Context) ([]adb.Device, error)
	GetProp(ctx context.Context, name string) (string, error)
	Shell(ctx context.Context, args ...string) (string, error)
	Push(ctx context.Context, localPath, remoteDir string) error
	Pull(ctx context.Context, remotePath, localDir string) (string, error)
	Reboot(ctx context.Context, target adb.Target) error
	Flash(ctx context.Context, partition, imagePath string) error
	Sideload(ctx context.Context, packagePath string) error
}

// Catalog resolves the newest published build.
type Catalog interface {
	LatestBuild(ctx context.Context) (catalog.Build, error)
}

// Fetcher downloads an artifact and verifies it against its published checksum.
type Fetcher interface {
	FetchWithVerification(ctx context.Context, kind download.Kind, url, checksumURL, destDir string) (download.Artifact, error)
}

// ModeWaiter blocks until the device reaches a mode.
type ModeWaiter interface {
	AwaitMode(ctx context.Context, target adb.Mode, interval, timeout time.Duration) error
}

// Observer receives run events. Errors are logged and never fail the run.
type Observer interface {
	Observe(ctx context.Context, evt Event) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, evt Event) error

// Observe calls f.
func (f ObserverFunc) Observe(ctx context.Context, evt Event) error { return f(ctx, evt) }

// ArtifactMirror copies a verified artifact to secondary storage and returns its location.
type ArtifactMirror interface {
	Mirror(ctx context.Context, runID uuid.UUID, artifact download.Artifact) (string, error)
}

// Archiver packs a finished run into a single file and returns its path.
type Archiver interface {
	Archive(ctx context.Context, summary Summary) (string, error)
}

// Dependencies are the collaborators of a Workflow. Device, Catalog, Fetcher,
// Poller and Operator are required.
type Dependencies struct {
	Device   Device
	Catalog  Catalog
	Fetcher  Fetcher
	Poller   ModeWaiter
	Operator operator.Acknowledger

	Renderer  *render.Engine
	Observers []Observer
	Mirror    ArtifactMirror
	Archiver  Archiver
	Tracer    trace.Tracer
	Logger    zerolog.Logger
	Now       func() time.Time
}

// Config tunes a Workflow.
type Config struct {
	// RunID names the run. A fresh ID is generated when it is nil.
	RunID         uuid.UUID
	WorkDir       string
	DeviceDir     string
	PatchedPrefix string
	PatchedExt    string
	FlashSlots    []string

	BootloaderPollInterval time.Duration
	NormalPollInterval     time.Duration
	// Zero waits forever.
	BootloaderTimeout time.Duration
	NormalBootTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.DeviceDir == "" {
		c.DeviceDir = DefaultDeviceDir
	}
	if c.PatchedPrefix == "" {
		c.PatchedPrefix = DefaultPatchedPrefix
	}
	if c.PatchedExt == "" {
		c.PatchedExt = DefaultPatchedExt
	}
	if len(c.FlashSlots) == 0 {
		c.FlashSlots = append([]string(nil), DefaultFlashSlots...)
	}
	if c.BootloaderPollInterval <= 0 {
		c.BootloaderPollInterval = DefaultBootloaderPollInterval
	}
	if c.NormalPollInterval <= 0 {
		c.NormalPollInterval = DefaultNormalPollInterval
	}
}

// Workflow executes update runs.
type Workflow struct {
	deps Dependencies
	cfg  Config
}

// New validates deps and cfg and returns a Workflow.
func New(deps Dependencies, cfg Config) (*Workflow, error) {
	if deps.Device == nil {
		return nil, errors.New("device is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("catalog is required")
	}
	if deps.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if deps.Poller == nil {
		return nil, errors.New("poller is required")
	}
	if deps.Operator == nil {
		return nil, errors.New("operator is required")
	}
	if cfg.WorkDir == "" {
		return nil, errors.New("work dir is required")
	}
	if len(cfg.FlashSlots) != 0 && len(cfg.FlashSlots) != 2 {
		return nil, fmt.Errorf("exactly two flash slots are required, got %d", len(cfg.FlashSlots))
	}
	if deps.Renderer == nil {
		engine, err := render.New()
		if err != nil {
			return nil, err
		}
		deps.Renderer = engine
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("fpupdate/workflow")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	cfg.applyDefaults()

	return &Workflow{deps: deps, cfg: cfg}, nil
}

type step struct {
	state State
	fn    func(ctx context.Context, run *Run) error
}

func (w *Workflow) steps() []step {
	return []step{
		{StatePreflightCheck, w.preflight},
		{StateDetectCurrentBuild, w.detectCurrentBuild},
		{StateResolveLatestBuild, w.resolveLatestBuild},
		{StateDownloadRecovery, w.downloadRecovery},
		{StatePushRecovery, w.pushRecovery},
		{StateAwaitHumanPatch, w.awaitHumanPatch},
		{StateLocatePatchedFile, w.locatePatchedFile},
		{StatePullPatchedFile, w.pullPatchedFile},
		{StateRebootToBootloader, w.rebootToBootloader},
		{StateAwaitBootloaderMode, w.awaitBootloader},
		{StateFlashPartitions, w.flashPartitions},
		{StateRebootNormal, w.rebootNormal},
		{StateAwaitNormalBootMode, w.awaitNormalBoot},
		{StateCleanup, w.cleanup},
	}
}

// Execute performs one update run. The returned Run is never nil; on failure
// it is in StateFailed and carries the error that stopped it.
func (w *Workflow) Execute(ctx context.Context) (*Run, error) {
	id := w.cfg.RunID
	if id == uuid.Nil {
		id = uuid.New()
	}
	run := &Run{
		ID:        id,
		State:     StateStart,
		StartedAt: w.deps.Now().UTC(),
	}
	run.Logger = w.deps.Logger.With().Str("run_id", run.ID.String()).Logger()

	ctx, span := w.deps.Tracer.Start(ctx, "fpupdate.run", trace.WithAttributes(attribute.String("run.id", run.ID.String())))
	defer span.End()

	run.Logger.Info().Str("work_dir", w.cfg.WorkDir).Msg("update run started")
	w.emit(ctx, run, Event{Kind: EventRunStarted, State: StateStart})

	for _, s := range w.steps() {
		if err := ctx.Err(); err != nil {
			return w.finish(ctx, run, span, err)
		}
		if err := w.enter(ctx, run, s); err != nil {
			return w.finish(ctx, run, span, err)
		}
		if s.state == StatePreflightCheck {
			w.announce(ctx, run)
		}
	}
	return w.finish(ctx, run, span, nil)
}

func (w *Workflow) enter(ctx context.Context, run *Run, s step) error {
	run.State = s.state
	logger := run.Logger.With().Str("state", string(s.state)).Logger()
	logger.Info().Msg("entering state")
	w.emit(ctx, run, Event{Kind: EventStateEntered, State: s.state})

	ctx, span := w.deps.Tracer.Start(ctx, "fpupdate.state."+string(s.state))
	defer span.End()

	start := w.deps.Now()
	err := s.fn(ctx, run)
	elapsed := w.deps.Now().Sub(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Dur("elapsed", elapsed).Msg("state failed")
		return err
	}

	logger.Debug().Dur("elapsed", elapsed).Msg("state completed")
	w.emit(ctx, run, Event{Kind: EventStateCompleted, State: s.state, Duration: elapsed})
	return nil
}

func (w *Workflow) finish(ctx context.Context, run *Run, span trace.Span, err error) (*Run, error) {
	failedIn := run.State
	run.FinishedAt = w.deps.Now().UTC()
	run.Err = err
	if err != nil {
		run.State = StateFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		run.State = StateDone
	}

	// Observers and archiving must still run after the caller cancelled.
	finalCtx := context.WithoutCancel(ctx)

	if w.deps.Archiver != nil {
		path, archiveErr := w.deps.Archiver.Archive(finalCtx, run.Summary())
		if archiveErr != nil {
			run.Logger.Warn().Err(archiveErr).Msg("archive run failed")
		} else {
			run.BundlePath = path
			run.Logger.Info().Str("bundle", path).Msg("run archived")
		}
	}

	summary := run.Summary()
	evt := Event{Kind: EventRunFinished, State: run.State, Summary: &summary}
	if err != nil {
		evt.Error = err.Error()
		evt.ErrorKind = ErrorKind(err)
		evt.Details = map[string]any{"failed_state": string(failedIn)}
		run.Logger.Error().Err(err).Str("failed_state", string(failedIn)).Str("error_kind", evt.ErrorKind).Msg("update run failed")
	} else {
		run.Logger.Info().Dur("elapsed", run.FinishedAt.Sub(run.StartedAt)).Msg("update run finished")
	}
	if run.BundlePath != "" {
		if evt.Details == nil {
			evt.Details = map[string]any{}
		}
		evt.Details["bundle"] = run.BundlePath
	}
	if run.announced {
		w.emit(finalCtx, run, evt)
	} else {
		run.Logger.Debug().Msg("run stopped before preflight passed; observers not notified")
	}

	return run, err
}

// announce releases the events held back during preflight. Observers hear
// nothing about a run that fails its local checks.
func (w *Workflow) announce(ctx context.Context, run *Run) {
	run.announced = true
	pending := run.pending
	run.pending = nil
	for _, evt := range pending {
		w.notify(ctx, run, evt)
	}
}

func (w *Workflow) emit(ctx context.Context, run *Run, evt Event) {
	evt.RunID = run.ID
	if evt.At.IsZero() {
		evt.At = w.deps.Now().UTC()
	}
	if !run.announced {
		run.pending = append(run.pending, evt)
		return
	}
	w.notify(ctx, run, evt)
}

func (w *Workflow) notify(ctx context.Context, run *Run, evt Event) {
	for _, o := range w.deps.Observers {
		if err := o.Observe(ctx, evt); err != nil {
			run.Logger.Warn().Err(err).Str("event", string(evt.Kind)).Msg("observer failed")
		}
	}
}
