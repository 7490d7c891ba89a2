package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidateTieredBadPortIsFatal(t *testing.T) {
	cfg := Default()
	cfg.ListenPort = 70000
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("out-of-range listen_port should be fatal")
	}
}

func TestValidateTieredEmptyCapsVersionsIsFatal(t *testing.T) {
	cfg := Default()
	cfg.CapsVersions = nil
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("empty caps_versions should be fatal")
	}
}

func TestValidateTieredUnknownBackendIsFatal(t *testing.T) {
	cfg := Default()
	cfg.CredentialsBackend = "vault"
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("unknown credentials_backend should be fatal")
	}
}

func TestValidateTieredMissingCertFileIsWarningNotFatal(t *testing.T) {
	cfg := Default()
	cfg.TLSCertFile = filepath.Join(t.TempDir(), "does-not-exist.pem")
	result := cfg.ValidateTiered()

	if result.HasFatals() {
		t.Fatalf("missing cert file should not be fatal, got %v", result.Fatals)
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected a warning about the missing cert file")
	}
	if cfg.TLSCertFile != "" {
		t.Fatal("expected TLSCertFile to be cleared after ConfigError")
	}
}

func TestValidateTieredDirNotRegularFileIsWarning(t *testing.T) {
	cfg := Default()
	cfg.TLSCertFile = t.TempDir() // a directory, not a regular file
	result := cfg.ValidateTiered()

	if result.HasFatals() {
		t.Fatalf("directory-as-cert-file should not be fatal, got %v", result.Fatals)
	}
	if cfg.TLSCertFile != "" {
		t.Fatal("expected TLSCertFile to be cleared")
	}
}

func TestValidateTieredAcceptsRealCertFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cert.pem")
	if err := os.WriteFile(path, []byte("placeholder"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg := Default()
	cfg.TLSCertFile = path
	result := cfg.ValidateTiered()

	if cfg.TLSCertFile != path {
		t.Fatal("valid cert file should not be cleared")
	}
	_ = result
}

func TestValidateTieredClampsTileSize(t *testing.T) {
	cfg := Default()
	cfg.TileSize = 0
	result := cfg.ValidateTiered()

	if cfg.TileSize != 64 {
		t.Fatalf("expected tile_size clamped to 64, got %d", cfg.TileSize)
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected a warning for clamped tile_size")
	}
}

func TestValidateTieredClampsMaxFrameRateBelowMin(t *testing.T) {
	cfg := Default()
	cfg.MinFrameRate = 30
	cfg.MaxFrameRate = 10
	cfg.ValidateTiered()

	if cfg.MaxFrameRate != 30 {
		t.Fatalf("expected max_frame_rate clamped up to min, got %d", cfg.MaxFrameRate)
	}
}

func TestDefaultConfigPassesValidation(t *testing.T) {
	cfg := Default()
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("default config should never be fatal, got %v", result.Fatals)
	}
}
