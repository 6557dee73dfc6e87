package bundle

import (
	"time"

	"gopkg.in/yaml.v3"

	"fpupdate/services/updater/internal/workflow"
)

const manifestVersion = "1"

// Manifest is the signed index stored at the head of every run archive.
type Manifest struct {
	Version          string           `yaml:"version"`
	CreatedAt        time.Time        `yaml:"created_at"`
	Signer           string           `yaml:"signer,omitempty"`
	SigningPublicKey string           `yaml:"signing_public_key,omitempty"`
	Signature        string           `yaml:"signature,omitempty"`
	Run              workflow.Summary `yaml:"run"`
	Files            []File           `yaml:"files"`
}

// SigningBytes marshals the manifest without its signature.
func (m Manifest) SigningBytes() ([]byte, error) {
	clone := m
	clone.Signature = ""
	return yaml.Marshal(clone)
}

// File describes one archived file.
type File struct {
	Path   string `yaml:"path"`
	Kind   string `yaml:"kind"`
	Size   int64  `yaml:"size"`
	SHA256 string `yaml:"sha256"`
}
