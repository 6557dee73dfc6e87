package render

import (
	"strings"
	"testing"
	"time"
)

type artifact struct {
	Kind     string
	SHA256   string
	Attempts int
	path     string
}

func (a artifact) Name() string { return a.path }

func TestRenderPatchPrompt(t *testing.T) {
	e, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	out, err := e.Render(PatchPrompt, map[string]string{
		"File":      "recovery.img",
		"DeviceDir": "/storage/emulated/0/Download",
		"Pattern":   "magisk_patched-*.img",
	})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if !strings.Contains(out, "patch recovery.img") || strings.HasSuffix(out, "\n") {
		t.Fatalf("unexpected prompt %q", out)
	}

	if _, err := e.Render(PatchPrompt, map[string]string{"File": "x"}); err == nil {
		t.Fatal("expected error for missing key")
	}
}

func TestRenderRunSummary(t *testing.T) {
	e, err := New()
	if err != nil {
		t.Fatal(err)
	}
	data := struct {
		RunID, Status, DeviceSerial, PatchedSuffix, Error string
		StartedAt, FinishedAt, CurrentBuild, LatestBuild  time.Time
		Artifacts                                         []artifact
		Slots                                             []string
	}{
		RunID:         "r1",
		Status:        "succeeded",
		DeviceSerial:  "A1B2",
		PatchedSuffix: "12345_abcde",
		StartedAt:     time.Date(2023, 5, 8, 10, 0, 0, 0, time.UTC),
		CurrentBuild:  time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC),
		Artifacts:     []artifact{{Kind: "recovery", SHA256: strings.Repeat("ab", 32), Attempts: 2, path: "recovery.img"}},
		Slots:         []string{"boot_a", "boot_b"},
	}
	out, err := e.Render(RunSummary, data)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	for _, want := range []string{
		"Run r1 succeeded",
		"finished: -",
		"current build: 2023-05-01",
		"latest build:  unknown",
		"recovery: recovery.img sha256 abababababab (2 attempts)",
		"patched image suffix: 12345_abcde",
		"flashed: boot_a, boot_b",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("summary missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "error:") {
		t.Fatalf("summary has error line:\n%s", out)
	}
}

func TestRenderNilEngine(t *testing.T) {
	var e *Engine
	if _, err := e.Render(RunSummary, nil); err == nil {
		t.Fatal("expected error")
	}
}
