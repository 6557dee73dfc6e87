package adb

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"fpupdate/services/updater/internal/fault"
)

// scriptedRunner answers commands from a table keyed by "tool arg arg ...".
type scriptedRunner struct {
	outputs map[string]string
	errs    map[string]error
	calls   []string
}

func (r *scriptedRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	key := strings.TrimSpace(name + " " + strings.Join(args, " "))
	r.calls = append(r.calls, key)
	if err, ok := r.errs[key]; ok {
		return nil, err
	}
	return []byte(r.outputs[key]), nil
}

func TestDetectMode(t *testing.T) {
	tests := []struct {
		name     string
		fastboot string
		adb      string
		want     Mode
		wantErr  error
	}{
		{"absent", "", "List of devices attached\n\n", ModeAbsent, nil},
		{"bootloader", "A1\tfastboot\n", "List of devices attached\n\n", ModeBootloader, nil},
		{"debug bridge", "", "List of devices attached\nA1\tdevice\n\n", ModeDebugBridge, nil},
		{"unauthorised is not ready", "", "List of devices attached\nA1\tunauthorized\n\n", ModeAbsent, nil},
		{"two booted devices", "", "List of devices attached\nA1\tdevice\nB2\tdevice\n\n", ModeAbsent, fault.ErrPrecondition},
		{"two bootloader devices", "A1\tfastboot\nB2\tfastboot\n", "", ModeAbsent, fault.ErrPrecondition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &scriptedRunner{outputs: map[string]string{
				"fastboot devices": tt.fastboot,
				"adb devices":      tt.adb,
			}}
			got, err := NewBridge(runner).DetectMode(context.Background())
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("DetectMode() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("DetectMode() error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("DetectMode() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestBridgeCommands(t *testing.T) {
	dir := t.TempDir()
	image := filepath.Join(dir, "magisk_patched-12345_abcde.img")
	if err := os.WriteFile(image, []byte("boot"), 0o644); err != nil {
		t.Fatal(err)
	}

	runner := &scriptedRunner{outputs: map[string]string{
		"adb shell getprop ro.system.build.date": "Mon May  1 12:00:00 UTC 2023\n",
	}}
	b := NewBridge(runner, WithADBPath("adb"), WithFastbootPath("fastboot"))
	ctx := context.Background()

	if err := b.Push(ctx, "/tmp/recovery.img", "/storage/emulated/0/Download"); err != nil {
		t.Fatal(err)
	}
	local, err := b.Pull(ctx, "/storage/emulated/0/Download/magisk_patched-12345_abcde.img", dir)
	if err != nil {
		t.Fatal(err)
	}
	if local != image {
		t.Fatalf("Pull() = %s, want %s", local, image)
	}
	prop, err := b.GetProp(ctx, "ro.system.build.date")
	if err != nil {
		t.Fatal(err)
	}
	if prop != "Mon May  1 12:00:00 UTC 2023" {
		t.Fatalf("GetProp() = %q", prop)
	}
	for _, target := range []Target{TargetBootloader, TargetNormal, TargetRecovery} {
		if err := b.Reboot(ctx, target); err != nil {
			t.Fatal(err)
		}
	}
	if err := b.Flash(ctx, "boot_a", image); err != nil {
		t.Fatal(err)
	}
	if err := b.Sideload(ctx, "/tmp/update.zip"); err != nil {
		t.Fatal(err)
	}

	want := []string{
		"adb push /tmp/recovery.img /storage/emulated/0/Download/",
		"adb pull /storage/emulated/0/Download/magisk_patched-12345_abcde.img " + image,
		"adb shell getprop ro.system.build.date",
		"adb reboot bootloader",
		"fastboot reboot",
		"adb reboot recovery",
		"fastboot flash boot_a " + image,
		"adb sideload /tmp/update.zip",
	}
	if !reflect.DeepEqual(runner.calls, want) {
		t.Fatalf("calls = %#v, want %#v", runner.calls, want)
	}
}

func TestFlashRejectsMissingImage(t *testing.T) {
	runner := &scriptedRunner{}
	err := NewBridge(runner).Flash(context.Background(), "boot_a", filepath.Join(t.TempDir(), "missing.img"))
	if err == nil {
		t.Fatal("expected error for missing image")
	}
	if len(runner.calls) != 0 {
		t.Fatalf("fastboot must not run, got calls %v", runner.calls)
	}
}

func TestToolFailurePropagates(t *testing.T) {
	toolErr := &fault.ToolInvocationError{Tool: "adb", Args: []string{"devices"}, ExitCode: 1}
	runner := &scriptedRunner{errs: map[string]error{"adb devices": toolErr}}
	_, err := NewBridge(runner).ListDevices(context.Background())
	if !errors.Is(err, fault.ErrToolInvocation) {
		t.Fatalf("ListDevices() error = %v, want tool invocation", err)
	}
}
