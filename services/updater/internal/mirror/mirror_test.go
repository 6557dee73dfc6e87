package mirror

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fpupdate/services/updater/internal/download"
)

type fakeStore struct {
	objects map[string]string
	puts    []string
	headErr error
}

func (s *fakeStore) PutObject(_ context.Context, bucket, key string, r io.Reader, size int64, sha string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return errors.New("size mismatch")
	}
	s.puts = append(s.puts, bucket+"/"+key)
	s.objects[key] = sha
	return nil
}

func (s *fakeStore) ObjectSHA256(_ context.Context, _, key string) (string, bool, error) {
	if s.headErr != nil {
		return "", false, s.headErr
	}
	sha, ok := s.objects[key]
	return sha, ok, nil
}

func artifact(t *testing.T, content string) download.Artifact {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recovery.img")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256([]byte(content))
	return download.Artifact{Kind: download.KindRecovery, LocalPath: path, SHA256: hex.EncodeToString(sum[:])}
}

func TestMirrorUploadsOnce(t *testing.T) {
	store := &fakeStore{objects: map[string]string{}}
	m, err := New(store, "fpupdate", "/mirror/", zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	a := artifact(t, "image")

	for i := 0; i < 2; i++ {
		loc, err := m.Mirror(context.Background(), uuid.New(), a)
		if err != nil {
			t.Fatalf("Mirror() error = %v", err)
		}
		if want := "s3://fpupdate/mirror/recovery/" + a.SHA256 + "/recovery.img"; loc != want {
			t.Fatalf("Mirror() = %s, want %s", loc, want)
		}
	}
	if len(store.puts) != 1 {
		t.Fatalf("uploads = %v, want exactly one", store.puts)
	}
}

func TestMirrorRejectsModifiedFile(t *testing.T) {
	store := &fakeStore{objects: map[string]string{}}
	m, _ := New(store, "fpupdate", "", zerolog.Nop())
	a := artifact(t, "image")
	if err := os.WriteFile(a.LocalPath, []byte("tampered"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Mirror(context.Background(), uuid.New(), a); err == nil {
		t.Fatal("expected error for modified file")
	}
	if len(store.puts) != 0 {
		t.Fatal("modified file was uploaded")
	}
}

func TestMirrorErrors(t *testing.T) {
	if _, err := New(nil, "b", "", zerolog.Nop()); err == nil {
		t.Fatal("expected error for nil store")
	}
	if _, err := New(&fakeStore{}, "", "", zerolog.Nop()); err == nil {
		t.Fatal("expected error for empty bucket")
	}

	m, _ := New(&fakeStore{headErr: errors.New("denied")}, "b", "", zerolog.Nop())
	if _, err := m.Mirror(context.Background(), uuid.New(), artifact(t, "x")); err == nil {
		t.Fatal("expected head error")
	}
	if _, err := m.Mirror(context.Background(), uuid.New(), download.Artifact{}); err == nil {
		t.Fatal("expected error for unverified artifact")
	}
}
