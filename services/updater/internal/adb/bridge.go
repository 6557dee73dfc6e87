package adb

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// Bridge exposes typed device operations on top of the adb and fastboot binaries.
// It keeps no state between calls.
type Bridge struct {
	runner   Runner
	adb      string
	fastboot string
	logger   zerolog.Logger
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithADBPath overrides the adb binary.
func WithADBPath(p string) Option {
	return func(b *Bridge) {
		if p != "" {
			b.adb = p
		}
	}
}

// WithFastbootPath overrides the fastboot binary.
func WithFastbootPath(p string) Option {
	return func(b *Bridge) {
		if p != "" {
			b.fastboot = p
		}
	}
}

// WithLogger sets the logger used for command tracing.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// NewBridge returns a Bridge that runs tools through runner.
func NewBridge(runner Runner, opts ...Option) *Bridge {
	if runner == nil {
		runner = ExecRunner{}
	}
	b := &Bridge{
		runner:   runner,
		adb:      "adb",
		fastboot: "fastboot",
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bridge) run(ctx context.Context, tool string, args ...string) (string, error) {
	b.logger.Debug().Str("tool", tool).Strs("args", args).Msg("invoke")
	out, err := b.runner.Run(ctx, tool, args...)
	return string(out), err
}

// ListDevices enumerates devices visible to adb.
func (b *Bridge) ListDevices(ctx context.Context) ([]Device, error) {
	out, err := b.run(ctx, b.adb, "devices")
	if err != nil {
		return nil, err
	}
	return ParseDevices(out)
}

// ListBootloaderDevices enumerates devices visible to fastboot.
func (b *Bridge) ListBootloaderDevices(ctx context.Context) ([]Device, error) {
	out, err := b.run(ctx, b.fastboot, "devices")
	if err != nil {
		return nil, err
	}
	return ParseDevices(out)
}

// DetectMode reports the mode of the single attached device. Bootloader mode
// is checked first since adb cannot see a device sitting in fastboot.
func (b *Bridge) DetectMode(ctx context.Context) (Mode, error) {
	fb, err := b.ListBootloaderDevices(ctx)
	if err != nil {
		return ModeAbsent, err
	}
	if _, ok, err := single("detect mode", WithState(fb, MarkerFastboot)); err != nil {
		return ModeAbsent, err
	} else if ok {
		return ModeBootloader, nil
	}

	devices, err := b.ListDevices(ctx)
	if err != nil {
		return ModeAbsent, err
	}
	if _, ok, err := single("detect mode", WithState(devices, MarkerDevice)); err != nil {
		return ModeAbsent, err
	} else if ok {
		return ModeDebugBridge, nil
	}
	return ModeAbsent, nil
}

// Shell runs a command on the device and returns its output.
func (b *Bridge) Shell(ctx context.Context, args ...string) (string, error) {
	return b.run(ctx, b.adb, append([]string{"shell"}, args...)...)
}

// GetProp reads a system property.
func (b *Bridge) GetProp(ctx context.Context, name string) (string, error) {
	out, err := b.Shell(ctx, "getprop", name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Push copies a host file into remoteDir on the device.
func (b *Bridge) Push(ctx context.Context, localPath, remoteDir string) error {
	_, err := b.run(ctx, b.adb, "push", localPath, ensureTrailingSlash(remoteDir))
	return err
}

// Pull copies a device file into localDir and returns the host path.
func (b *Bridge) Pull(ctx context.Context, remotePath, localDir string) (string, error) {
	local := filepath.Join(localDir, path.Base(remotePath))
	if _, err := b.run(ctx, b.adb, "pull", remotePath, local); err != nil {
		return "", err
	}
	return local, nil
}

// Reboot sends the device to target. Normal reboots are issued from the
// bootloader through fastboot.
func (b *Bridge) Reboot(ctx context.Context, target Target) error {
	var err error
	switch target {
	case TargetRecovery:
		_, err = b.run(ctx, b.adb, "reboot", "recovery")
	case TargetBootloader:
		_, err = b.run(ctx, b.adb, "reboot", "bootloader")
	case TargetNormal:
		_, err = b.run(ctx, b.fastboot, "reboot")
	default:
		return fmt.Errorf("unknown reboot target %q", target)
	}
	return err
}

// Flash writes imagePath to partition. The device must be in bootloader mode.
func (b *Bridge) Flash(ctx context.Context, partition, imagePath string) error {
	if _, err := os.Stat(imagePath); err != nil {
		return fmt.Errorf("flash %s: %w", partition, err)
	}
	_, err := b.run(ctx, b.fastboot, "flash", partition, imagePath)
	return err
}

// Sideload streams an update package to a device in recovery sideload mode.
func (b *Bridge) Sideload(ctx context.Context, packagePath string) error {
	_, err := b.run(ctx, b.adb, "sideload", packagePath)
	return err
}

func ensureTrailingSlash(dir string) string {
	if strings.HasSuffix(dir, "/") {
		return dir
	}
	return dir + "/"
}
