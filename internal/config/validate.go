package config

import (
	"fmt"
	"os"
)

// Result splits validation errors into ones that block startup and ones
// that are logged but tolerated.
type Result struct {
	Fatals   []error
	Warnings []error
}

// HasFatals reports whether any fatal error was recorded.
func (r Result) HasFatals() bool { return len(r.Fatals) > 0 }

var validBackends = map[string]bool{
	"file": true, "secret-service": true, "tpm": true, "one-time": true,
}

var knownCapsVersions = map[string]bool{
	"8.0": true, "8.1": true,
	"10.0": true, "10.1": true, "10.2": true, "10.3": true,
	"10.4": true, "10.5": true, "10.6": true, "10.7": true,
}

// ValidateTiered checks the config, clamping dangerous zero/out-of-range
// values to safe defaults and splitting remaining problems into fatal
// (block startup) and warning (log and continue) buckets.
func (c *Config) ValidateTiered() Result {
	var res Result

	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		res.Fatals = append(res.Fatals, fmt.Errorf("listen_port %d out of range", c.ListenPort))
	}

	if len(c.CapsVersions) == 0 {
		res.Fatals = append(res.Fatals, fmt.Errorf("caps_versions must not be empty"))
	}
	for _, v := range c.CapsVersions {
		if !knownCapsVersions[v] {
			res.Warnings = append(res.Warnings, fmt.Errorf("unknown caps_version %q ignored", v))
		}
	}

	// A cert path that is configured but missing or not a regular file is
	// a ConfigError: the setting is ignored, not fatal.
	if c.TLSCertFile != "" {
		if err := regularFile(c.TLSCertFile); err != nil {
			res.Warnings = append(res.Warnings, fmt.Errorf("tls_cert_file %q: %w (TLS disabled)", c.TLSCertFile, err))
			c.TLSCertFile = ""
			c.TLSKeyFile = ""
		}
	}

	if c.TileSize <= 0 {
		res.Warnings = append(res.Warnings, fmt.Errorf("tile_size %d invalid, clamping to 64", c.TileSize))
		c.TileSize = 64
	}

	if c.MaxTrackedEncFrames <= 1 {
		res.Warnings = append(res.Warnings, fmt.Errorf("max_tracked_enc_frames %d invalid, clamping to 1000", c.MaxTrackedEncFrames))
		c.MaxTrackedEncFrames = 1000
	}

	if c.MinFrameRate <= 0 {
		c.MinFrameRate = 10
	}
	if c.MaxFrameRate < c.MinFrameRate {
		res.Warnings = append(res.Warnings, fmt.Errorf("max_frame_rate %d below min_frame_rate %d, clamping", c.MaxFrameRate, c.MinFrameRate))
		c.MaxFrameRate = c.MinFrameRate
	}

	if c.CredentialsBackend == "" {
		c.CredentialsBackend = "file"
	} else if !validBackends[c.CredentialsBackend] {
		res.Fatals = append(res.Fatals, fmt.Errorf("credentials_backend %q is not one of file/secret-service/tpm/one-time", c.CredentialsBackend))
	}

	if c.LogLevel != "" {
		switch c.LogLevel {
		case "debug", "info", "warn", "warning", "error":
		default:
			res.Warnings = append(res.Warnings, fmt.Errorf("log_level %q not recognized, using info", c.LogLevel))
			c.LogLevel = "info"
		}
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		res.Warnings = append(res.Warnings, fmt.Errorf("log_format %q not recognized, using text", c.LogFormat))
		c.LogFormat = "text"
	}

	if c.LogMaxSizeMB <= 0 {
		c.LogMaxSizeMB = 50
	}
	if c.LogMaxBackups <= 0 {
		c.LogMaxBackups = 3
	}

	return res
}

func regularFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("not a regular file")
	}
	return nil
}
