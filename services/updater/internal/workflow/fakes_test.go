package workflow

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"fpupdate/services/updater/internal/adb"
	"fpupdate/services/updater/internal/catalog"
	"fpupdate/services/updater/internal/download"
	"fpupdate/services/updater/internal/fault"
	"fpupdate/services/updater/internal/operator"
)

const patchedListing = "lineage-20.0-20230508-recovery-FP3.img\nmagisk_patched-12345_abcde.img\nDCIM\n"

// fakeDevice records every bridge call as "<op> <args...>".
type fakeDevice struct {
	mu        sync.Mutex
	calls     []string
	devices   []adb.Device
	buildDate string
	listing   string
	pulled    []byte
	skipPull  bool
	failRm    bool

	// onFlash runs inside Flash before the call is recorded.
	onFlash     func(partition string)
	flashCtxErr []error
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		devices:   []adb.Device{{Serial: "FP3-0001", State: "device"}},
		buildDate: "Mon May  1 12:00:00 UTC 2023",
		listing:   patchedListing,
		pulled:    []byte("patched boot image"),
	}
}

func (d *fakeDevice) record(format string, args ...any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, fmt.Sprintf(format, args...))
}

func (d *fakeDevice) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func (d *fakeDevice) ListDevices(context.Context) ([]adb.Device, error) {
	d.record("devices")
	return d.devices, nil
}

func (d *fakeDevice) GetProp(_ context.Context, name string) (string, error) {
	d.record("getprop %s", name)
	return d.buildDate, nil
}

func (d *fakeDevice) Shell(_ context.Context, args ...string) (string, error) {
	d.record("shell %s", strings.Join(args, " "))
	switch {
	case len(args) > 0 && args[0] == "ls":
		return d.listing, nil
	case len(args) > 0 && args[0] == "rm" && d.failRm:
		return "", &fault.ToolInvocationError{Tool: "adb", Args: append([]string{"shell"}, args...), ExitCode: 1, Stderr: "device offline"}
	}
	return "", nil
}

func (d *fakeDevice) Push(_ context.Context, localPath, remoteDir string) error {
	d.record("push %s %s", filepath.Base(localPath), remoteDir)
	return nil
}

func (d *fakeDevice) Pull(_ context.Context, remotePath, localDir string) (string, error) {
	d.record("pull %s", remotePath)
	local := filepath.Join(localDir, path.Base(remotePath))
	if d.skipPull {
		return local, nil
	}
	return local, os.WriteFile(local, d.pulled, 0o644)
}

func (d *fakeDevice) Reboot(_ context.Context, target adb.Target) error {
	d.record("reboot %s", target)
	return nil
}

func (d *fakeDevice) Flash(ctx context.Context, partition, imagePath string) error {
	if d.onFlash != nil {
		d.onFlash(partition)
	}
	d.mu.Lock()
	d.flashCtxErr = append(d.flashCtxErr, ctx.Err())
	d.mu.Unlock()
	d.record("flash %s %s", partition, filepath.Base(imagePath))
	return nil
}

func (d *fakeDevice) Sideload(_ context.Context, packagePath string) error {
	d.record("sideload %s", filepath.Base(packagePath))
	return nil
}

type fakeCatalog struct {
	calls int
	build catalog.Build
}

func (c *fakeCatalog) LatestBuild(context.Context) (catalog.Build, error) {
	c.calls++
	return c.build, nil
}

// fakeFetcher writes a file into destDir instead of downloading.
type fakeFetcher struct {
	calls int
}

func (f *fakeFetcher) FetchWithVerification(_ context.Context, kind download.Kind, url, _ string, destDir string) (download.Artifact, error) {
	f.calls++
	local := filepath.Join(destDir, path.Base(url))
	if err := os.WriteFile(local, []byte("recovery"), 0o644); err != nil {
		return download.Artifact{}, err
	}
	return download.Artifact{Kind: kind, RemoteURL: url, LocalPath: local, SHA256: "00", Attempts: 1}, nil
}

type modeWait struct {
	target   adb.Mode
	interval time.Duration
}

type fakePoller struct {
	waits []modeWait
}

func (p *fakePoller) AwaitMode(_ context.Context, target adb.Mode, interval, _ time.Duration) error {
	p.waits = append(p.waits, modeWait{target, interval})
	return nil
}

type fakeAck struct {
	prompts []operator.Prompt
	err     error
}

func (a *fakeAck) Await(_ context.Context, p operator.Prompt) error {
	a.prompts = append(a.prompts, p)
	return a.err
}

type recordingObserver struct {
	mu     sync.Mutex
	events []Event
}

func (o *recordingObserver) Observe(_ context.Context, evt Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, evt)
	return nil
}

func (o *recordingObserver) kinds() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.events))
	for _, e := range o.events {
		out = append(out, string(e.Kind)+":"+string(e.State))
	}
	return out
}
