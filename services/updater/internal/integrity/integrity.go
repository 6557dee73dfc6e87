package integrity

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"fpupdate/services/updater/internal/fault"
)

// AlgorithmSHA256 is the only supported digest algorithm.
const AlgorithmSHA256 = "sha256"

// DefaultNamePattern matches the published build file naming convention.
var DefaultNamePattern = regexp.MustCompile(`^lineage-.*\.(zip|img)$`)

var hexDigest = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// Checksum is a published digest for one file.
type Checksum struct {
	Algorithm string
	Digest    string
	Filename  string
}

// ComputeDigest returns the lowercase hex SHA-256 of the file at path.
func ComputeDigest(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %q: %w", path, err)
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", fmt.Errorf("hash %q: %w", path, err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// Verify reports whether the file at path hashes to expected. Hex case is ignored.
func Verify(path, expected string) (bool, error) {
	computed, err := ComputeDigest(path)
	if err != nil {
		return false, err
	}
	return Match(computed, expected), nil
}

// Match compares two hex digests, ignoring case and surrounding whitespace.
func Match(actual, expected string) bool {
	return strings.EqualFold(strings.TrimSpace(actual), strings.TrimSpace(expected))
}

// ParseChecksumList extracts the digest for filename from sha256sum-style
// output ("<hex>  <name>" or "<hex> *<name>"). An exact name match wins;
// otherwise the first entry whose name matches pattern is used.
func ParseChecksumList(r io.Reader, filename string, pattern *regexp.Regexp) (Checksum, error) {
	if pattern == nil {
		pattern = DefaultNamePattern
	}

	var fallback *Checksum
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return Checksum{}, fault.Parsef("parse checksum", "unrecognised line %q", line)
		}
		digest, name := fields[0], strings.TrimPrefix(fields[1], "*")
		if !hexDigest.MatchString(digest) {
			return Checksum{}, fault.Parsef("parse checksum", "invalid sha256 digest %q", digest)
		}
		sum := Checksum{Algorithm: AlgorithmSHA256, Digest: strings.ToLower(digest), Filename: name}
		if filename != "" && name == filename {
			return sum, nil
		}
		if fallback == nil && pattern.MatchString(name) {
			fallback = &sum
		}
	}
	if err := scanner.Err(); err != nil {
		return Checksum{}, fmt.Errorf("read checksum list: %w", err)
	}
	if fallback != nil {
		return *fallback, nil
	}
	return Checksum{}, fault.Parsef("parse checksum", "no entry for %q", filename)
}
