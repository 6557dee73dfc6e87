package config

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWith(context.Background(), envconfig.MapLookuper(map[string]string{}))
	if err != nil {
		t.Fatalf("LoadWith() error = %v", err)
	}
	if !reflect.DeepEqual(cfg.FlashSlots, []string{"boot_a", "boot_b"}) {
		t.Fatalf("FlashSlots = %v", cfg.FlashSlots)
	}
	if cfg.BootloaderPollInterval != 5*time.Second || cfg.NormalPollInterval != 20*time.Second {
		t.Fatalf("poll intervals = %s / %s", cfg.BootloaderPollInterval, cfg.NormalPollInterval)
	}
	if cfg.DeviceDir != "/storage/emulated/0/Download" || cfg.AckMode != AckConsole || cfg.DownloadAttempts != 5 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.S3.Enabled() || cfg.S3.Prefix != "fpupdate" || !cfg.S3.ForcePathStyle {
		t.Fatalf("s3 = %+v", cfg.S3)
	}
	if cfg.ArchiveDir() != "." {
		t.Fatalf("ArchiveDir() = %q", cfg.ArchiveDir())
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := LoadWith(context.Background(), envconfig.MapLookuper(map[string]string{
		"FPUPDATE_WORK_DIR":          "/tmp/fp",
		"FPUPDATE_FLASH_SLOTS":       "boot_b, boot_a",
		"FPUPDATE_ACK":               "http",
		"FPUPDATE_NORMAL_POLL":       "1s",
		"FPUPDATE_LOG_FILE":          "false",
		"FPUPDATE_BUNDLE_DIR":        "/var/fp",
		"S3_ENDPOINT":                "localhost:9000",
		"S3_BUCKET":                  "images",
		"S3_ACCESS_KEY":              "minio",
		"S3_SECRET_KEY":              "minio123",
		"FPUPDATE_BOOTLOADER_POLL":   "250ms",
		"FPUPDATE_DOWNLOAD_ATTEMPTS": "0",
	}))
	if err != nil {
		t.Fatalf("LoadWith() error = %v", err)
	}
	if !reflect.DeepEqual(cfg.FlashSlots, []string{"boot_b", "boot_a"}) {
		t.Fatalf("FlashSlots = %v", cfg.FlashSlots)
	}
	if cfg.AckMode != AckHTTP || cfg.NormalPollInterval != time.Second || cfg.BootloaderPollInterval != 250*time.Millisecond {
		t.Fatalf("cfg = %+v", cfg)
	}
	if !cfg.S3.Enabled() || cfg.S3.Endpoint != "localhost:9000" {
		t.Fatalf("s3 = %+v", cfg.S3)
	}
	if cfg.LogPath("abc") != "" || cfg.ArchiveDir() != "/var/fp" {
		t.Fatalf("LogPath = %q ArchiveDir = %q", cfg.LogPath("abc"), cfg.ArchiveDir())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"one slot", map[string]string{"FPUPDATE_FLASH_SLOTS": "boot_a"}, "exactly two flash slots"},
		{"three slots", map[string]string{"FPUPDATE_FLASH_SLOTS": "boot_a,boot_b,boot_c"}, "exactly two flash slots"},
		{"same slot", map[string]string{"FPUPDATE_FLASH_SLOTS": "boot_a,boot_a"}, "must differ"},
		{"zero attempts", map[string]string{"FPUPDATE_DOWNLOAD_ATTEMPTS": "0"}, "download attempts"},
		{"negative attempts", map[string]string{"FPUPDATE_DOWNLOAD_ATTEMPTS": "-2"}, "download attempts"},
		{"zero poll", map[string]string{"FPUPDATE_BOOTLOADER_POLL": "0s"}, "poll intervals"},
		{"negative timeout", map[string]string{"FPUPDATE_NORMAL_BOOT_TIMEOUT": "-1s"}, "timeouts"},
		{"ack mode", map[string]string{"FPUPDATE_ACK": "carrier-pigeon"}, "unknown ack mode"},
		{"log level", map[string]string{"FPUPDATE_LOG_LEVEL": "loud"}, "log level"},
		{"s3 without keys", map[string]string{"S3_ENDPOINT": "localhost:9000", "S3_BUCKET": "b"}, "S3_ACCESS_KEY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadWith(context.Background(), envconfig.MapLookuper(tt.env))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("LoadWith() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestLogPath(t *testing.T) {
	cfg := Config{WorkDir: "/work", LogFile: true}
	if got := cfg.LogPath("1234"); got != "/work/fpupdate-1234.log" {
		t.Fatalf("LogPath() = %q", got)
	}
}
