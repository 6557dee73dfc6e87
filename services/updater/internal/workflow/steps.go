package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fpupdate/pkg/render"
	"fpupdate/services/updater/internal/adb"
	"fpupdate/services/updater/internal/download"
	"fpupdate/services/updater/internal/fault"
	"fpupdate/services/updater/internal/integrity"
	"fpupdate/services/updater/internal/operator"
)

func (w *Workflow) preflight(ctx context.Context, run *Run) error {
	if err := CheckWorkDir(w.cfg.WorkDir); err != nil {
		return err
	}

	device, err := w.singleDevice(ctx)
	if err != nil {
		return err
	}
	run.Device = device
	run.Logger = run.Logger.With().Str("device", device.Serial).Logger()
	run.Logger.Info().Msg("device connected")
	return nil
}

// CheckWorkDir fails with a precondition error unless dir is an existing,
// writable directory.
func CheckWorkDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fault.Preconditionf("preflight", "work dir %s does not exist", dir)
		}
		return fault.Preconditionf("preflight", "work dir %s: %v", dir, err)
	}
	if !info.IsDir() {
		return fault.Preconditionf("preflight", "work dir %s is not a directory", dir)
	}
	if err := writable(dir); err != nil {
		return fault.Preconditionf("preflight", "work dir %s is not writable: %v", dir, err)
	}
	return nil
}

func (w *Workflow) singleDevice(ctx context.Context) (adb.Device, error) {
	return SingleDevice(ctx, w.deps.Device)
}

// DeviceLister lists the devices visible to the debug bridge.
type DeviceLister interface {
	ListDevices(ctx context.Context) ([]adb.Device, error)
}

// SingleDevice returns the one authorized device, or a precondition error
// when none or several are connected.
func SingleDevice(ctx context.Context, lister DeviceLister) (adb.Device, error) {
	devices, err := lister.ListDevices(ctx)
	if err != nil {
		return adb.Device{}, err
	}
	ready := adb.WithState(devices, adb.MarkerDevice)
	switch len(ready) {
	case 1:
		return ready[0], nil
	case 0:
		if len(devices) > 0 {
			return adb.Device{}, fault.Preconditionf("preflight", "device %s is %s; authorize USB debugging and retry", devices[0].Serial, devices[0].State)
		}
		return adb.Device{}, fault.Preconditionf("preflight", "no device connected")
	default:
		serials := make([]string, 0, len(ready))
		for _, d := range ready {
			serials = append(serials, d.Serial)
		}
		return adb.Device{}, fault.Preconditionf("preflight", "%d devices connected (%s); connect exactly one", len(ready), strings.Join(serials, ", "))
	}
}

func (w *Workflow) detectCurrentBuild(ctx context.Context, run *Run) error {
	out, err := w.deps.Device.GetProp(ctx, buildDateProperty)
	if err != nil {
		return err
	}
	date, err := adb.ParseBuildDate(out)
	if err != nil {
		return err
	}
	run.CurrentBuild = date
	run.Logger.Info().Str("build_date", date.Format("2006-01-02")).Msg("current build detected")
	return nil
}

func (w *Workflow) resolveLatestBuild(ctx context.Context, run *Run) error {
	build, err := w.deps.Catalog.LatestBuild(ctx)
	if err != nil {
		return err
	}
	run.Latest = build

	evt := run.Logger.Info().
		Str("build_date", build.Date.Format("2006-01-02")).
		Str("recovery_url", build.RecoveryImageURL)
	if build.NewerThan(run.CurrentBuild) {
		evt.Msg("newer build available")
	} else {
		evt.Msg("device already runs the latest build; patching it again")
	}
	return nil
}

func (w *Workflow) downloadRecovery(ctx context.Context, run *Run) error {
	artifact, err := w.deps.Fetcher.FetchWithVerification(ctx, download.KindRecovery, run.Latest.RecoveryImageURL, run.Latest.RecoveryChecksumURL, w.cfg.WorkDir)
	if err != nil {
		return err
	}
	run.Recovery = artifact

	if w.deps.Mirror != nil {
		url, err := w.deps.Mirror.Mirror(ctx, run.ID, artifact)
		if err != nil {
			run.Logger.Warn().Err(err).Msg("mirror recovery image failed")
		} else {
			run.MirrorURL = url
			run.Logger.Info().Str("mirror", url).Msg("recovery image mirrored")
		}
	}
	return nil
}

func (w *Workflow) pushRecovery(ctx context.Context, run *Run) error {
	if err := w.deps.Device.Push(ctx, run.Recovery.LocalPath, w.cfg.DeviceDir); err != nil {
		return err
	}
	run.RecoveryRemotePath = path.Join(w.cfg.DeviceDir, run.Recovery.Name())
	run.Logger.Info().Str("remote", run.RecoveryRemotePath).Msg("recovery image pushed")
	return nil
}

func (w *Workflow) awaitHumanPatch(ctx context.Context, run *Run) error {
	msg, err := w.deps.Renderer.Render(render.PatchPrompt, map[string]string{
		"File":      run.Recovery.Name(),
		"DeviceDir": w.cfg.DeviceDir,
		"Pattern":   w.cfg.PatchedPrefix + "*" + w.cfg.PatchedExt,
	})
	if err != nil {
		return err
	}
	prompt := operator.Prompt{
		ID:      uuid.NewString(),
		RunID:   run.ID.String(),
		Title:   "Patch recovery image",
		Message: msg,
		Details: map[string]string{
			"file":       run.RecoveryRemotePath,
			"device_dir": w.cfg.DeviceDir,
		},
		Issued: w.deps.Now().UTC(),
	}
	if err := w.deps.Operator.Await(ctx, prompt); err != nil {
		return fmt.Errorf("await patch confirmation: %w", err)
	}
	run.Logger.Info().Msg("operator confirmed patch")
	return nil
}

func (w *Workflow) locatePatchedFile(ctx context.Context, run *Run) error {
	listing, err := w.deps.Device.Shell(ctx, "ls", "-1", w.cfg.DeviceDir)
	if err != nil {
		return err
	}
	suffixes := adb.FindPatchedSuffixes(listing, adb.PatchedImagePattern(w.cfg.PatchedPrefix, w.cfg.PatchedExt))
	switch len(suffixes) {
	case 0:
		return fault.Ambiguousf("locate patched file", "no %s*%s in %s", w.cfg.PatchedPrefix, w.cfg.PatchedExt, w.cfg.DeviceDir)
	case 1:
	default:
		return fault.Ambiguousf("locate patched file", "%d patched images in %s (%s); remove stale ones and retry",
			len(suffixes), w.cfg.DeviceDir, strings.Join(suffixes, ", "))
	}

	suffix := suffixes[0]
	run.Patched = PatchedFile{
		Suffix:     suffix,
		SourcePath: path.Join(w.cfg.DeviceDir, w.cfg.PatchedPrefix+suffix+w.cfg.PatchedExt),
	}
	run.Logger = run.Logger.With().Str("patch_suffix", suffix).Logger()
	run.Logger.Info().Str("remote", run.Patched.SourcePath).Msg("patched image found")
	return nil
}

func (w *Workflow) pullPatchedFile(ctx context.Context, run *Run) error {
	local, err := w.deps.Device.Pull(ctx, run.Patched.SourcePath, w.cfg.WorkDir)
	if err != nil {
		return err
	}
	if _, err := os.Stat(local); err != nil {
		return fault.Preconditionf("pull patched file", "%s missing after pull: %v", local, err)
	}
	digest, err := integrity.ComputeDigest(local)
	if err != nil {
		return err
	}
	run.Patched.LocalPath = local
	run.Patched.SHA256 = digest
	run.Logger.Info().Str("path", local).Str("sha256", digest).Msg("patched image pulled")
	return nil
}

func (w *Workflow) rebootToBootloader(ctx context.Context, run *Run) error {
	return w.deps.Device.Reboot(ctx, adb.TargetBootloader)
}

func (w *Workflow) awaitBootloader(ctx context.Context, run *Run) error {
	return w.deps.Poller.AwaitMode(ctx, adb.ModeBootloader, w.cfg.BootloaderPollInterval, w.cfg.BootloaderTimeout)
}

// flashPartitions writes both slots as one unit. Cancellation is honoured
// before the first write only; once started, both flashes run to completion.
func (w *Workflow) flashPartitions(ctx context.Context, run *Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	flashCtx := context.WithoutCancel(ctx)
	for _, slot := range w.cfg.FlashSlots {
		if err := w.deps.Device.Flash(flashCtx, slot, run.Patched.LocalPath); err != nil {
			return err
		}
		run.FlashedSlots = append(run.FlashedSlots, slot)
		run.Logger.Info().Str("partition", slot).Msg("partition flashed")
	}
	if ctx.Err() != nil {
		run.Logger.Warn().Msg("cancelled while flashing; both slots were written")
	}
	return nil
}

func (w *Workflow) rebootNormal(ctx context.Context, run *Run) error {
	return w.deps.Device.Reboot(ctx, adb.TargetNormal)
}

func (w *Workflow) awaitNormalBoot(ctx context.Context, run *Run) error {
	return w.deps.Poller.AwaitMode(ctx, adb.ModeDebugBridge, w.cfg.NormalPollInterval, w.cfg.NormalBootTimeout)
}

func (w *Workflow) cleanup(ctx context.Context, run *Run) error {
	w.Cleanup(ctx, run.Logger, run.Patched.SourcePath, run.RecoveryRemotePath)
	return nil
}

// Cleanup removes files from the device in the given order. Missing files
// and failed removals are logged and otherwise ignored, so repeating a
// cleanup is harmless. It returns the paths that could not be removed.
func (w *Workflow) Cleanup(ctx context.Context, logger zerolog.Logger, paths ...string) []string {
	var failed []string
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := w.deps.Device.Shell(ctx, "rm", "-f", p); err != nil {
			logger.Warn().Err(err).Str("remote", p).Msg("remove device file failed")
			failed = append(failed, p)
			continue
		}
		logger.Info().Str("remote", p).Msg("device file removed")
	}
	return failed
}
