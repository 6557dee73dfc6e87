package bundle

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"fpupdate/services/updater/internal/workflow"
)

const (
	manifestFileName = "manifest.yaml"

	KindLog         = "log"
	KindPatchedBoot = "patched_boot"
)

// Config configures an Archiver.
type Config struct {
	// Dir receives fpupdate-<run id>.tar.zst.
	Dir string
	// LogPath is the run's log file. Optional.
	LogPath string
	// IncludeImages adds the recovery and patched images to the archive.
	IncludeImages bool
	// Signer signs the manifest when it holds a private key. Optional.
	Signer *Signer
	Now    func() time.Time
	Logger zerolog.Logger
}

// Archiver writes a finished run into a compressed, optionally signed archive.
type Archiver struct {
	cfg Config
}

// NewArchiver validates cfg.
func NewArchiver(cfg Config) (*Archiver, error) {
	if cfg.Dir == "" {
		return nil, errors.New("archive directory is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Archiver{cfg: cfg}, nil
}

type source struct {
	File
	local string
}

// Archive implements workflow.Archiver.
func (a *Archiver) Archive(ctx context.Context, summary workflow.Summary) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	sources, err := a.collect(summary)
	if err != nil {
		return "", err
	}

	manifest := Manifest{
		Version:   manifestVersion,
		CreatedAt: a.cfg.Now().UTC().Truncate(time.Second),
		Run:       summary,
	}
	for _, s := range sources {
		manifest.Files = append(manifest.Files, s.File)
	}
	if a.cfg.Signer != nil && len(a.cfg.Signer.privateKey) > 0 {
		manifest.Signer = a.cfg.Signer.Recipient()
		manifest.SigningPublicKey = a.cfg.Signer.PublicKeyBase64()
		payload, err := manifest.SigningBytes()
		if err != nil {
			return "", fmt.Errorf("marshal manifest for signing: %w", err)
		}
		if manifest.Signature, err = a.cfg.Signer.Sign(payload); err != nil {
			return "", fmt.Errorf("sign manifest: %w", err)
		}
	}

	manifestBytes, err := yaml.Marshal(manifest)
	if err != nil {
		return "", fmt.Errorf("marshal manifest: %w", err)
	}

	output := filepath.Join(a.cfg.Dir, "fpupdate-"+summary.RunID+".tar.zst")
	if err := writeArchive(output, manifestBytes, sources); err != nil {
		return "", err
	}
	a.cfg.Logger.Info().Str("bundle", output).Int("files", len(sources)).Bool("signed", manifest.Signature != "").Msg("run archived")
	return output, nil
}

func (a *Archiver) collect(summary workflow.Summary) ([]source, error) {
	type candidate struct{ kind, local, dir string }
	var candidates []candidate
	if a.cfg.LogPath != "" {
		candidates = append(candidates, candidate{KindLog, a.cfg.LogPath, "logs"})
	}
	if a.cfg.IncludeImages {
		for _, art := range summary.Artifacts {
			candidates = append(candidates, candidate{string(art.Kind), art.LocalPath, "images"})
		}
		if summary.Patched != nil && summary.Patched.LocalPath != "" {
			candidates = append(candidates, candidate{KindPatchedBoot, summary.Patched.LocalPath, "images"})
		}
	}

	var sources []source
	for _, c := range candidates {
		f, err := describe(c.local)
		if errors.Is(err, os.ErrNotExist) {
			a.cfg.Logger.Warn().Str("path", c.local).Msg("file missing, not archived")
			continue
		}
		if err != nil {
			return nil, err
		}
		f.Kind = c.kind
		f.Path = path.Join(c.dir, filepath.Base(c.local))
		sources = append(sources, source{File: f, local: c.local})
	}
	return sources, nil
}

// describe hashes the first Size bytes of a file. Files that are still being
// appended to, like the log, are archived up to that point.
func describe(local string) (File, error) {
	file, err := os.Open(local)
	if err != nil {
		return File{}, err
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return File{}, fmt.Errorf("stat %q: %w", local, err)
	}
	if !info.Mode().IsRegular() {
		return File{}, fmt.Errorf("%q is not a regular file", local)
	}
	hash := sha256.New()
	if _, err := io.CopyN(hash, file, info.Size()); err != nil {
		return File{}, fmt.Errorf("hash %q: %w", local, err)
	}
	return File{Size: info.Size(), SHA256: hex.EncodeToString(hash.Sum(nil))}, nil
}

func writeArchive(output string, manifest []byte, sources []source) (err error) {
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(output), ".fpupdate-bundle-*")
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	encoder, err := zstd.NewWriter(tmp)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	tw := tar.NewWriter(encoder)

	now := time.Now().UTC()
	if err := tw.WriteHeader(&tar.Header{Name: manifestFileName, Mode: 0o644, Size: int64(len(manifest)), ModTime: now, Typeflag: tar.TypeReg}); err != nil {
		return fmt.Errorf("write manifest header: %w", err)
	}
	if _, err := tw.Write(manifest); err != nil {
		return fmt.Errorf("write manifest body: %w", err)
	}

	for _, s := range sources {
		if err := appendFile(tw, s, now); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close output file: %w", err)
	}
	if err := os.Rename(tmp.Name(), output); err != nil {
		return fmt.Errorf("rename bundle: %w", err)
	}
	return nil
}

func appendFile(tw *tar.Writer, s source, modTime time.Time) error {
	file, err := os.Open(s.local)
	if err != nil {
		return fmt.Errorf("open %q: %w", s.local, err)
	}
	defer file.Close()

	header := &tar.Header{Name: s.Path, Mode: 0o644, Size: s.Size, ModTime: modTime, Typeflag: tar.TypeReg}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write header for %q: %w", s.Path, err)
	}
	if _, err := io.CopyN(tw, file, s.Size); err != nil {
		return fmt.Errorf("copy %q: %w", s.Path, err)
	}
	return nil
}

// Verify reads an archive and checks every file against the manifest. When
// signer is non-nil the manifest must carry a valid signature from its key.
func Verify(ctx context.Context, bundlePath string, signer *Signer) (*Manifest, error) {
	file, err := os.Open(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}
	defer file.Close()

	decoder, err := zstd.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()
	tr := tar.NewReader(decoder)

	header, err := tr.Next()
	if err != nil {
		return nil, fmt.Errorf("read manifest entry: %w", err)
	}
	if header.Name != manifestFileName {
		return nil, fmt.Errorf("bundle starts with %q, want %s", header.Name, manifestFileName)
	}
	data, err := io.ReadAll(tr)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if manifest.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported manifest version %q", manifest.Version)
	}

	if signer != nil {
		if manifest.Signature == "" {
			return nil, errors.New("manifest is not signed")
		}
		payload, err := manifest.SigningBytes()
		if err != nil {
			return nil, fmt.Errorf("marshal manifest for verification: %w", err)
		}
		if err := signer.Verify(payload, manifest.Signature, manifest.SigningPublicKey); err != nil {
			return nil, fmt.Errorf("verify manifest signature: %w", err)
		}
	}

	expected := make(map[string]File, len(manifest.Files))
	for _, f := range manifest.Files {
		expected[f.Path] = f
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar entry: %w", err)
		}
		want, ok := expected[header.Name]
		if !ok {
			return nil, fmt.Errorf("entry %q is not listed in the manifest", header.Name)
		}
		hash := sha256.New()
		size, err := io.Copy(hash, tr)
		if err != nil {
			return nil, fmt.Errorf("hash %q: %w", header.Name, err)
		}
		if size != want.Size {
			return nil, fmt.Errorf("size mismatch for %q: expected %d got %d", header.Name, want.Size, size)
		}
		if !strings.EqualFold(hex.EncodeToString(hash.Sum(nil)), want.SHA256) {
			return nil, fmt.Errorf("sha256 mismatch for %q", header.Name)
		}
		delete(expected, header.Name)
	}
	if len(expected) > 0 {
		missing := make([]string, 0, len(expected))
		for name := range expected {
			missing = append(missing, name)
		}
		sort.Strings(missing)
		return nil, fmt.Errorf("files missing from bundle: %s", strings.Join(missing, ", "))
	}
	return &manifest, nil
}
