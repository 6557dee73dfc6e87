package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fpupdate/services/updater/internal/download"
	"fpupdate/services/updater/internal/integrity"
)

// ObjectStore is the part of pkg/s3 the mirror uses.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256 string) error
	ObjectSHA256(ctx context.Context, bucket, key string) (string, bool, error)
}

// S3Mirror uploads verified artifacts to a bucket keyed by content digest, so
// each image is stored once no matter how many runs fetched it.
type S3Mirror struct {
	store  ObjectStore
	bucket string
	prefix string
	logger zerolog.Logger
}

// New returns a mirror writing under prefix in bucket.
func New(store ObjectStore, bucket, prefix string, logger zerolog.Logger) (*S3Mirror, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	return &S3Mirror{store: store, bucket: bucket, prefix: strings.Trim(prefix, "/"), logger: logger}, nil
}

// Key returns the object key for an artifact.
func (m *S3Mirror) Key(a download.Artifact) string {
	return path.Join(m.prefix, string(a.Kind), a.SHA256, a.Name())
}

// Mirror implements workflow.ArtifactMirror. The local file is re-hashed
// before upload and skipped when the bucket already holds the same digest.
func (m *S3Mirror) Mirror(ctx context.Context, runID uuid.UUID, a download.Artifact) (string, error) {
	if a.SHA256 == "" || a.LocalPath == "" {
		return "", errors.New("artifact has not been verified")
	}
	key := m.Key(a)
	location := fmt.Sprintf("s3://%s/%s", m.bucket, key)
	logger := m.logger.With().Str("run_id", runID.String()).Str("key", key).Logger()

	existing, ok, err := m.store.ObjectSHA256(ctx, m.bucket, key)
	if err != nil {
		return "", fmt.Errorf("head %s: %w", location, err)
	}
	if ok && integrity.Match(existing, a.SHA256) {
		logger.Debug().Msg("artifact already mirrored")
		return location, nil
	}

	ok, err = integrity.Verify(a.LocalPath, a.SHA256)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%s changed on disk since verification", a.LocalPath)
	}

	file, err := os.Open(a.LocalPath)
	if err != nil {
		return "", fmt.Errorf("open %q: %w", a.LocalPath, err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return "", fmt.Errorf("stat %q: %w", a.LocalPath, err)
	}

	if err := m.store.PutObject(ctx, m.bucket, key, file, info.Size(), a.SHA256); err != nil {
		return "", fmt.Errorf("upload %s: %w", location, err)
	}
	logger.Info().Int64("bytes", info.Size()).Msg("artifact mirrored")
	return location, nil
}
