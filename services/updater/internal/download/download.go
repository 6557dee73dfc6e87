package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"fpupdate/services/updater/internal/fault"
	"fpupdate/services/updater/internal/integrity"
)

const (
	// DefaultMaxAttempts caps the fetch-and-verify loop when Config leaves it zero.
	DefaultMaxAttempts = 5
	// Unlimited retries until the digest matches.
	Unlimited = -1

	defaultRetryDelay       = 2 * time.Second
	defaultProgressInterval = time.Second
	maxChecksumBytes        = 1 << 20
)

// Kind labels what a downloaded artifact is used for.
type Kind string

const (
	KindRecovery Kind = "recovery"
	KindBoot     Kind = "boot"
)

// Artifact is a downloaded file whose digest matched the published checksum.
type Artifact struct {
	Kind      Kind   `yaml:"kind" json:"kind"`
	RemoteURL string `yaml:"remote_url" json:"remote_url"`
	LocalPath string `yaml:"local_path" json:"local_path"`
	SHA256    string `yaml:"sha256" json:"sha256"`
	Size      int64  `yaml:"size" json:"size"`
	Attempts  int    `yaml:"attempts" json:"attempts"`
}

// Name returns the artifact's file name.
func (a Artifact) Name() string { return filepath.Base(a.LocalPath) }

// Recorder receives download outcomes for metrics.
type Recorder interface {
	DownloadAttempt(kind, outcome string)
}

// Config configures a Downloader.
type Config struct {
	HTTPClient *http.Client
	// MaxAttempts bounds FetchWithVerification. Zero selects DefaultMaxAttempts;
	// a negative value (Unlimited) retries until the digest matches.
	MaxAttempts      int
	RetryDelay       time.Duration
	ProgressInterval time.Duration
	// NamePattern selects a checksum entry when no entry carries the exact file name.
	NamePattern *regexp.Regexp
	OnProgress  ProgressFunc
	Recorder    Recorder
	Logger      zerolog.Logger
}

// Downloader fetches remote files into a local directory.
type Downloader struct {
	cfg Config
}

// New returns a Downloader with defaults applied to cfg.
func New(cfg Config) *Downloader {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Minute}
	}
	switch {
	case cfg.MaxAttempts == 0:
		cfg.MaxAttempts = DefaultMaxAttempts
	case cfg.MaxAttempts < 0:
		cfg.MaxAttempts = Unlimited
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = defaultProgressInterval
	}
	if cfg.NamePattern == nil {
		cfg.NamePattern = integrity.DefaultNamePattern
	}
	return &Downloader{cfg: cfg}
}

// Fetch streams rawURL into destDir, naming the file after the URL's last
// path segment and overwriting any existing file. It returns the absolute path.
func (d *Downloader) Fetch(ctx context.Context, rawURL, destDir string) (string, error) {
	return d.fetch(ctx, rawURL, destDir, new(atomic.Int64), new(atomic.Int64))
}

// FetchChecksum downloads a sha256sum listing and returns the entry for filename.
func (d *Downloader) FetchChecksum(ctx context.Context, checksumURL, filename string) (integrity.Checksum, error) {
	resp, err := d.get(ctx, checksumURL)
	if err != nil {
		return integrity.Checksum{}, err
	}
	defer resp.Body.Close()

	sum, err := integrity.ParseChecksumList(io.LimitReader(resp.Body, maxChecksumBytes), filename, d.cfg.NamePattern)
	if err != nil {
		return integrity.Checksum{}, fmt.Errorf("checksum %s: %w", checksumURL, err)
	}
	return sum, nil
}

// FetchWithVerification downloads rawURL until its SHA-256 matches the digest
// published at checksumURL. Mismatches and network failures are retried up to
// MaxAttempts; the returned artifact always carries a verified file.
func (d *Downloader) FetchWithVerification(ctx context.Context, kind Kind, rawURL, checksumURL, destDir string) (Artifact, error) {
	name, err := fileName(rawURL)
	if err != nil {
		return Artifact{}, err
	}
	expected, err := d.FetchChecksum(ctx, checksumURL, name)
	if err != nil {
		return Artifact{}, err
	}

	logger := d.cfg.Logger.With().Str("artifact", name).Str("kind", string(kind)).Logger()
	logger.Info().Str("sha256", expected.Digest).Msg("expected digest resolved")

	var (
		attempt  int
		artifact Artifact
	)
	err = retry.Do(ctx, d.backoff(), func(ctx context.Context) error {
		attempt++
		local, size, err := d.fetchWithProgress(ctx, rawURL, destDir, attempt)
		if err != nil {
			d.record(kind, "error")
			if fault.Retryable(err) {
				logger.Warn().Err(err).Int("attempt", attempt).Msg("download failed, retrying")
				return retry.RetryableError(err)
			}
			return err
		}

		actual, err := integrity.ComputeDigest(local)
		if err != nil {
			return err
		}
		if !integrity.Match(actual, expected.Digest) {
			d.record(kind, "mismatch")
			logger.Warn().Int("attempt", attempt).Str("sha256", actual).Msg("digest does not match published checksum, downloading again")
			_ = os.Remove(local)
			return retry.RetryableError(&fault.ChecksumMismatchError{Path: local, Expected: expected.Digest, Actual: actual})
		}

		d.record(kind, "verified")
		artifact = Artifact{
			Kind:      kind,
			RemoteURL: rawURL,
			LocalPath: local,
			SHA256:    actual,
			Size:      size,
			Attempts:  attempt,
		}
		return nil
	})
	if err != nil {
		return Artifact{}, fmt.Errorf("download %s (%d attempts): %w", name, attempt, err)
	}

	logger.Info().Int("attempts", attempt).Str("path", artifact.LocalPath).Msg("digest verified")
	return artifact, nil
}

func (d *Downloader) backoff() retry.Backoff {
	b := retry.NewConstant(d.cfg.RetryDelay)
	if d.cfg.MaxAttempts > 0 {
		b = retry.WithMaxRetries(uint64(d.cfg.MaxAttempts-1), b)
	}
	return b
}

// fetchWithProgress runs the transfer in its own goroutine and reports
// progress from the caller's goroutine until the transfer finishes.
func (d *Downloader) fetchWithProgress(ctx context.Context, rawURL, destDir string, attempt int) (string, int64, error) {
	var (
		written atomic.Int64
		total   atomic.Int64
		local   string
	)
	total.Store(-1)

	done := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(done)
		p, err := d.fetch(gctx, rawURL, destDir, &written, &total)
		local = p
		return err
	})

	start := time.Now()
	snapshot := func(finished bool) Progress {
		return Progress{
			URL:          rawURL,
			Attempt:      attempt,
			BytesWritten: written.Load(),
			TotalBytes:   total.Load(),
			Elapsed:      time.Since(start),
			Done:         finished,
		}
	}

	ticker := time.NewTicker(d.cfg.ProgressInterval)
	defer ticker.Stop()
wait:
	for {
		select {
		case <-done:
			break wait
		case <-ticker.C:
			d.report(snapshot(false))
		}
	}

	if err := g.Wait(); err != nil {
		return "", 0, err
	}
	d.report(snapshot(true))
	return local, written.Load(), nil
}

func (d *Downloader) fetch(ctx context.Context, rawURL, destDir string, written, total *atomic.Int64) (string, error) {
	name, err := fileName(rawURL)
	if err != nil {
		return "", err
	}
	resp, err := d.get(ctx, rawURL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	total.Store(resp.ContentLength)

	dest, err := filepath.Abs(filepath.Join(destDir, name))
	if err != nil {
		return "", fmt.Errorf("resolve destination: %w", err)
	}
	file, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("create %q: %w", dest, err)
	}

	if _, err := io.Copy(file, io.TeeReader(resp.Body, &counter{n: written})); err != nil {
		file.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fault.Network("fetch "+rawURL, err)
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("close %q: %w", dest, err)
	}
	return dest, nil
}

func (d *Downloader) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := d.cfg.HTTPClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
		}
		return nil, fault.Network("get "+rawURL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, fault.Networkf("get "+rawURL, "unexpected status %d", resp.StatusCode)
	}
	return resp, nil
}

func (d *Downloader) record(kind Kind, outcome string) {
	if d.cfg.Recorder != nil {
		d.cfg.Recorder.DownloadAttempt(string(kind), outcome)
	}
}

func (d *Downloader) report(p Progress) {
	if d.cfg.OnProgress != nil {
		d.cfg.OnProgress(p)
	}
}

func fileName(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return "", fmt.Errorf("url %q has no file name", rawURL)
	}
	return name, nil
}

type counter struct {
	n *atomic.Int64
}

func (c *counter) Write(p []byte) (int, error) {
	c.n.Add(int64(len(p)))
	return len(p), nil
}
