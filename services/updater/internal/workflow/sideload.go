package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"fpupdate/pkg/render"
	"fpupdate/services/updater/internal/adb"
	"fpupdate/services/updater/internal/fault"
	"fpupdate/services/updater/internal/operator"
)

// Sideload reboots the single attached device into recovery, waits for the
// operator to start ADB sideload mode and streams packagePath to it.
func (w *Workflow) Sideload(ctx context.Context, packagePath string) (err error) {
	ctx, span := w.deps.Tracer.Start(ctx, "fpupdate.sideload", trace.WithAttributes(attribute.String("package", filepath.Base(packagePath))))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	logger := w.deps.Logger.With().Str("package", packagePath).Logger()

	info, err := os.Stat(packagePath)
	if err != nil {
		return fault.Preconditionf("sideload", "package %s: %v", packagePath, err)
	}
	if info.IsDir() {
		return fault.Preconditionf("sideload", "package %s is a directory", packagePath)
	}

	device, err := w.singleDevice(ctx)
	if err != nil {
		return err
	}
	logger = logger.With().Str("device", device.Serial).Logger()

	logger.Info().Msg("rebooting into recovery")
	if err := w.deps.Device.Reboot(ctx, adb.TargetRecovery); err != nil {
		return err
	}

	msg, err := w.deps.Renderer.Render(render.SideloadPrompt, map[string]string{"File": filepath.Base(packagePath)})
	if err != nil {
		return err
	}
	prompt := operator.Prompt{
		ID:      uuid.NewString(),
		Title:   "Start ADB sideload",
		Message: msg,
		Details: map[string]string{"package": packagePath, "device": device.Serial},
		Issued:  w.deps.Now().UTC(),
	}
	if err := w.deps.Operator.Await(ctx, prompt); err != nil {
		return fmt.Errorf("await sideload confirmation: %w", err)
	}

	logger.Info().Int64("bytes", info.Size()).Msg("sideloading package")
	if err := w.deps.Device.Sideload(ctx, packagePath); err != nil {
		return err
	}
	logger.Info().Msg("sideload finished")
	return nil
}
