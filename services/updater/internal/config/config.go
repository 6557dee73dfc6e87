package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-envconfig"

	"fpupdate/services/updater/internal/download"
)

const (
	AckConsole = "console"
	AckHTTP    = "http"
)

// Config holds runtime configuration for fpupdate.
type Config struct {
	WorkDir      string `env:"FPUPDATE_WORK_DIR,default=."`
	DeviceDir    string `env:"FPUPDATE_DEVICE_DIR,default=/storage/emulated/0/Download"`
	CatalogURL   string `env:"FPUPDATE_CATALOG_URL,default=https://download.lineageos.org/FP3"`
	ADBPath      string `env:"FPUPDATE_ADB,default=adb"`
	FastbootPath string `env:"FPUPDATE_FASTBOOT,default=fastboot"`

	PatchedPrefix string   `env:"FPUPDATE_PATCHED_PREFIX,default=magisk_patched-"`
	FlashSlots    []string `env:"FPUPDATE_FLASH_SLOTS,default=boot_a,boot_b"`

	// -1 retries the download until the digest matches.
	DownloadAttempts int           `env:"FPUPDATE_DOWNLOAD_ATTEMPTS,default=5"`
	RetryDelay       time.Duration `env:"FPUPDATE_RETRY_DELAY,default=2s"`
	HTTPTimeout      time.Duration `env:"FPUPDATE_HTTP_TIMEOUT,default=30m"`

	BootloaderPollInterval time.Duration `env:"FPUPDATE_BOOTLOADER_POLL,default=5s"`
	NormalPollInterval     time.Duration `env:"FPUPDATE_NORMAL_POLL,default=20s"`
	BootloaderTimeout      time.Duration `env:"FPUPDATE_BOOTLOADER_TIMEOUT,default=0s"`
	NormalBootTimeout      time.Duration `env:"FPUPDATE_NORMAL_BOOT_TIMEOUT,default=0s"`

	AckMode string `env:"FPUPDATE_ACK,default=console"`
	AckAddr string `env:"FPUPDATE_ACK_ADDR,default=127.0.0.1:8787"`

	LogLevel string `env:"FPUPDATE_LOG_LEVEL,default=info"`
	LogFile  bool   `env:"FPUPDATE_LOG_FILE,default=true"`
	NoColor  bool   `env:"NO_COLOR,default=false"`

	Bundle       bool   `env:"FPUPDATE_BUNDLE,default=false"`
	BundleDir    string `env:"FPUPDATE_BUNDLE_DIR"`
	BundleImages bool   `env:"FPUPDATE_BUNDLE_IMAGES,default=false"`
	AgeSecretKey string `env:"AGE_SECRET_KEY"`
	AgePublicKey string `env:"AGE_PUBLIC_KEY"`

	NATSURL        string   `env:"NATS_URL"`
	DBDSN          string   `env:"DB_DSN"`
	S3             S3Config `env:", prefix=S3_"`
	PushgatewayURL string   `env:"PUSHGATEWAY_URL"`
	OTLPEndpoint   string   `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// S3Config configures the artifact mirror.
type S3Config struct {
	Endpoint       string `env:"ENDPOINT"`
	AccessKey      string `env:"ACCESS_KEY"`
	SecretKey      string `env:"SECRET_KEY"`
	Region         string `env:"REGION,default=us-east-1"`
	Bucket         string `env:"BUCKET"`
	Prefix         string `env:"PREFIX,default=fpupdate"`
	DisableTLS     bool   `env:"DISABLE_TLS,default=false"`
	ForcePathStyle bool   `env:"FORCE_PATH_STYLE,default=true"`
}

// Enabled reports whether mirroring is configured.
func (c S3Config) Enabled() bool {
	return c.Endpoint != "" && c.Bucket != ""
}

// Load returns a Config populated from environment variables.
func Load(ctx context.Context) (Config, error) {
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith populates a Config from lookuper and validates it.
func LoadWith(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: lookuper}); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values envconfig cannot express.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.WorkDir) == "" {
		errs = append(errs, errors.New("work dir is required"))
	}
	c.FlashSlots = trimAll(c.FlashSlots)
	if len(c.FlashSlots) != 2 {
		errs = append(errs, fmt.Errorf("exactly two flash slots are required, got %d", len(c.FlashSlots)))
	} else if c.FlashSlots[0] == c.FlashSlots[1] {
		errs = append(errs, fmt.Errorf("flash slots must differ, got %q twice", c.FlashSlots[0]))
	}
	if c.DownloadAttempts == 0 || c.DownloadAttempts < download.Unlimited {
		errs = append(errs, fmt.Errorf("download attempts must be positive or %d for unlimited", download.Unlimited))
	}
	if c.BootloaderPollInterval <= 0 || c.NormalPollInterval <= 0 {
		errs = append(errs, errors.New("poll intervals must be positive"))
	}
	if c.BootloaderTimeout < 0 || c.NormalBootTimeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	switch c.AckMode {
	case AckConsole, AckHTTP:
	default:
		errs = append(errs, fmt.Errorf("unknown ack mode %q", c.AckMode))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log level: %w", err))
	}
	if c.S3.Enabled() && (c.S3.AccessKey == "" || c.S3.SecretKey == "") {
		errs = append(errs, errors.New("S3_ACCESS_KEY and S3_SECRET_KEY are required when mirroring"))
	}
	return errors.Join(errs...)
}

// ArchiveDir is where run bundles are written.
func (c Config) ArchiveDir() string {
	if c.BundleDir != "" {
		return c.BundleDir
	}
	return c.WorkDir
}

// LogPath returns the log file for a run, or "" when file logging is off.
func (c Config) LogPath(runID string) string {
	if !c.LogFile {
		return ""
	}
	return filepath.Join(c.WorkDir, "fpupdate-"+runID+".log")
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
