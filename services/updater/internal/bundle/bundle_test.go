package bundle

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"filippo.io/age"
	"github.com/rs/zerolog"

	"fpupdate/services/updater/internal/download"
	"fpupdate/services/updater/internal/workflow"
)

func newSigner(t *testing.T) *Signer {
	t.Helper()
	id, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewSigner(id.String(), "")
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}
	if s.Recipient() != id.Recipient().String() {
		t.Fatalf("Recipient() = %q, want %q", s.Recipient(), id.Recipient().String())
	}
	return s
}

func write(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func fixture(t *testing.T) (workflow.Summary, string) {
	t.Helper()
	dir := t.TempDir()
	logPath := write(t, dir, "fpupdate-run.log", `{"level":"info","message":"run started"}`+"\n")
	summary := workflow.Summary{
		RunID:     "5f0c8f2e-0000-4000-8000-000000000001",
		Status:    workflow.StatusSucceeded,
		State:     workflow.StateDone,
		StartedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Artifacts: []download.Artifact{{
			Kind:      download.KindRecovery,
			LocalPath: write(t, dir, "recovery.img", "recovery"),
			SHA256:    "unused",
		}},
		Patched: &workflow.PatchedFile{Suffix: "AbCd1", LocalPath: write(t, dir, "magisk_patched-AbCd1.img", "patched")},
		Slots:   []string{"boot_a", "boot_b"},
	}
	return summary, logPath
}

func TestArchiveAndVerify(t *testing.T) {
	summary, logPath := fixture(t)
	signer := newSigner(t)
	out := t.TempDir()

	archiver, err := NewArchiver(Config{
		Dir:           out,
		LogPath:       logPath,
		IncludeImages: true,
		Signer:        signer,
		Now:           func() time.Time { return time.Date(2024, 5, 1, 10, 5, 0, 0, time.UTC) },
		Logger:        zerolog.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}

	bundlePath, err := archiver.Archive(context.Background(), summary)
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if want := filepath.Join(out, "fpupdate-"+summary.RunID+".tar.zst"); bundlePath != want {
		t.Fatalf("Archive() = %s, want %s", bundlePath, want)
	}

	verifier, err := NewSigner("", signer.PublicKeyBase64())
	if err != nil {
		t.Fatal(err)
	}
	manifest, err := Verify(context.Background(), bundlePath, verifier)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	var paths []string
	for _, f := range manifest.Files {
		paths = append(paths, f.Kind+":"+f.Path)
	}
	want := []string{"log:logs/fpupdate-run.log", "recovery:images/recovery.img", "patched_boot:images/magisk_patched-AbCd1.img"}
	if !reflect.DeepEqual(paths, want) {
		t.Fatalf("files = %v, want %v", paths, want)
	}
	if manifest.Run.RunID != summary.RunID || manifest.Run.Patched.Suffix != "AbCd1" {
		t.Fatalf("manifest run = %+v", manifest.Run)
	}
}

func TestArchiveSkipsMissingFiles(t *testing.T) {
	summary, _ := fixture(t)
	summary.Patched = nil
	if err := os.Remove(summary.Artifacts[0].LocalPath); err != nil {
		t.Fatal(err)
	}

	archiver, _ := NewArchiver(Config{Dir: t.TempDir(), IncludeImages: true, Logger: zerolog.Nop()})
	bundlePath, err := archiver.Archive(context.Background(), summary)
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	manifest, err := Verify(context.Background(), bundlePath, nil)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if len(manifest.Files) != 0 || manifest.Signature != "" {
		t.Fatalf("manifest = %+v, want unsigned and empty", manifest)
	}
}

func TestVerifyRejects(t *testing.T) {
	summary, logPath := fixture(t)

	t.Run("unsigned", func(t *testing.T) {
		archiver, _ := NewArchiver(Config{Dir: t.TempDir(), LogPath: logPath})
		bundlePath, err := archiver.Archive(context.Background(), summary)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := Verify(context.Background(), bundlePath, newSigner(t)); err == nil || !strings.Contains(err.Error(), "not signed") {
			t.Fatalf("Verify() error = %v, want unsigned error", err)
		}
	})

	t.Run("other key", func(t *testing.T) {
		archiver, _ := NewArchiver(Config{Dir: t.TempDir(), LogPath: logPath, Signer: newSigner(t)})
		bundlePath, err := archiver.Archive(context.Background(), summary)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := Verify(context.Background(), bundlePath, newSigner(t)); err == nil {
			t.Fatal("Verify() accepted a manifest signed by another key")
		}
	})

	t.Run("digest mismatch", func(t *testing.T) {
		manifest := Manifest{Version: manifestVersion, Files: []File{{Path: "logs/run.log", Kind: KindLog, Size: 3, SHA256: strings.Repeat("0", 64)}}}
		data, err := manifest.SigningBytes()
		if err != nil {
			t.Fatal(err)
		}
		local := write(t, t.TempDir(), "run.log", "abc")
		bundlePath := filepath.Join(t.TempDir(), "bad.tar.zst")
		if err := writeArchive(bundlePath, data, []source{{File: manifest.Files[0], local: local}}); err != nil {
			t.Fatal(err)
		}
		if _, err := Verify(context.Background(), bundlePath, nil); err == nil || !strings.Contains(err.Error(), "sha256 mismatch") {
			t.Fatalf("Verify() error = %v, want digest mismatch", err)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		manifest := Manifest{Version: manifestVersion, Files: []File{{Path: "logs/run.log", Kind: KindLog, Size: 3}}}
		data, _ := manifest.SigningBytes()
		bundlePath := filepath.Join(t.TempDir(), "short.tar.zst")
		if err := writeArchive(bundlePath, data, nil); err != nil {
			t.Fatal(err)
		}
		if _, err := Verify(context.Background(), bundlePath, nil); err == nil || !strings.Contains(err.Error(), "logs/run.log") {
			t.Fatalf("Verify() error = %v, want missing file", err)
		}
	})
}

func TestNewSigner(t *testing.T) {
	signer := newSigner(t)
	other := newSigner(t)

	if _, err := NewSigner("", ""); err == nil {
		t.Fatal("expected error without keys")
	}
	if _, err := NewSigner("AGE-SECRET-KEY-1NOTVALID", ""); err == nil {
		t.Fatal("expected error for malformed secret")
	}
	if _, err := NewSigner("", "c2hvcnQ="); err == nil {
		t.Fatal("expected error for short public key")
	}

	verifyOnly, err := NewSigner("", signer.PublicKeyBase64())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := verifyOnly.Sign([]byte("x")); err == nil {
		t.Fatal("verify-only signer produced a signature")
	}

	sig, err := signer.Sign([]byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	if err := verifyOnly.Verify([]byte("payload"), sig, ""); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if err := verifyOnly.Verify([]byte("tampered"), sig, ""); err == nil {
		t.Fatal("Verify() accepted a tampered payload")
	}
	if err := verifyOnly.Verify([]byte("payload"), sig, other.PublicKeyBase64()); err == nil {
		t.Fatal("Verify() accepted a mismatched embedded key")
	}
}
