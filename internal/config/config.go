// Package config loads the daemon's configuration: listen address, TLS
// certificate paths, RDP Graphics Pipeline capability bounds, codec and
// frame-rate defaults, and the selected credentials backend.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/GNOME/gnome-remote-desktop-sub002/internal/logging"
)

var log = logging.L("config")

// Config holds the daemon's runtime configuration. Field names mirror the
// persisted configuration and credential data model.
type Config struct {
	ListenAddress string `mapstructure:"listen_address"`
	ListenPort    int    `mapstructure:"listen_port"`

	TLSCertFile string `mapstructure:"tls_cert_file"`
	TLSKeyFile  string `mapstructure:"tls_key_file"`

	// CapsVersions lists the capability versions this server advertises,
	// e.g. "8.0", "8.1", "10.0" .. "10.7". Order does not matter; selection
	// always iterates highest-to-lowest internally.
	CapsVersions []string `mapstructure:"caps_versions"`

	NVENCEnabled   bool `mapstructure:"nvenc_enabled"`
	CUDADamageEnabled bool `mapstructure:"cuda_damage_enabled"`

	TileSize              int `mapstructure:"tile_size"`
	MaxTrackedEncFrames   int `mapstructure:"max_tracked_enc_frames"`
	MinBandwidthMeasureBytes int `mapstructure:"min_bandwidth_measure_bytes"`

	MinFrameRate int `mapstructure:"min_frame_rate"`
	MaxFrameRate int `mapstructure:"max_frame_rate"`

	// CredentialsBackend selects one of "file", "secret-service", "tpm",
	// "one-time".
	CredentialsBackend string `mapstructure:"credentials_backend"`
	DataDir            string `mapstructure:"data_dir"`
	RuntimeDir         string `mapstructure:"runtime_dir"`

	CameraRedirectionEnabled bool `mapstructure:"camera_redirection_enabled"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	LogFile   string `mapstructure:"log_file"`

	// LogMaxSizeMB/LogMaxBackups bound the daemon's own rotating log
	// file (cmd/grd-rdpd's rdpLogFile); only consulted when LogFile is
	// set.
	LogMaxSizeMB  int `mapstructure:"log_max_size_mb"`
	LogMaxBackups int `mapstructure:"log_max_backups"`
}

// Default returns a Config with the server's baseline defaults applied.
func Default() *Config {
	return &Config{
		ListenAddress: "0.0.0.0",
		ListenPort:    3389,

		CapsVersions: []string{
			"8.0", "8.1", "10.0", "10.1", "10.2", "10.3",
			"10.4", "10.5", "10.6", "10.7",
		},

		NVENCEnabled:      false,
		CUDADamageEnabled: false,

		TileSize:                 64,
		MaxTrackedEncFrames:      1000,
		MinBandwidthMeasureBytes: 10 * 1024,

		MinFrameRate: 10,
		MaxFrameRate: 60,

		CredentialsBackend: "file",
		DataDir:            "/var/lib/gnome-remote-desktop",
		RuntimeDir:         "/run/gnome-remote-desktop",

		CameraRedirectionEnabled: true,

		LogLevel:  "info",
		LogFormat: "text",

		LogMaxSizeMB:  50,
		LogMaxBackups: 3,
	}
}

// Load reads configuration from cfgFile (or the default search path when
// empty), layering GRD_-prefixed environment overrides on top.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("grd-rdpd")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/gnome-remote-desktop")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("GRD")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	result := cfg.ValidateTiered()
	for _, err := range result.Warnings {
		log.Warn("config validation", "error", err)
	}
	if result.HasFatals() {
		for _, err := range result.Fatals {
			log.Error("config validation fatal", "error", err)
		}
		return nil, fmt.Errorf("config has fatal validation errors: %w", result.Fatals[0])
	}

	return cfg, nil
}

// Save writes cfg to its default location.
func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

// SaveTo writes cfg as YAML to cfgFile, or the default path when empty.
func SaveTo(cfg *Config, cfgFile string) error {
	v := viper.New()
	v.Set("listen_address", cfg.ListenAddress)
	v.Set("listen_port", cfg.ListenPort)
	v.Set("tls_cert_file", cfg.TLSCertFile)
	v.Set("tls_key_file", cfg.TLSKeyFile)
	v.Set("caps_versions", cfg.CapsVersions)
	v.Set("nvenc_enabled", cfg.NVENCEnabled)
	v.Set("cuda_damage_enabled", cfg.CUDADamageEnabled)
	v.Set("tile_size", cfg.TileSize)
	v.Set("max_tracked_enc_frames", cfg.MaxTrackedEncFrames)
	v.Set("credentials_backend", cfg.CredentialsBackend)
	v.Set("data_dir", cfg.DataDir)
	v.Set("camera_redirection_enabled", cfg.CameraRedirectionEnabled)

	var cfgPath string
	if cfgFile != "" {
		cfgPath = cfgFile
	} else {
		cfgPath = filepath.Join("/etc/gnome-remote-desktop", "grd-rdpd.yaml")
	}

	if dir := filepath.Dir(cfgPath); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}

	if err := v.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	return os.Chmod(cfgPath, 0600)
}

// CredentialsFilePath returns the path of the file-backed credentials
// store, matching the daemon's persisted state layout.
func (c *Config) CredentialsFilePath() string {
	return filepath.Join(c.DataDir, "gnome-remote-desktop", "credentials.ini")
}

// TPMSealedPath returns the path of the TPM-sealed secret file for kind
// ("rdp" or "vnc").
func (c *Config) TPMSealedPath(kind string) string {
	return filepath.Join(c.DataDir, "gnome-remote-desktop", kind+"-credentials.priv")
}

// SAMExchangePath returns a fresh temp-file path for the SAM exchange
// file, one per session, under the configured runtime directory.
func (c *Config) SAMExchangePath() (string, error) {
	dir := filepath.Join(c.RuntimeDir, "gnome-remote-desktop")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(dir, "rdp-sam-*")
	if err != nil {
		return "", err
	}
	path := f.Name()
	f.Close()
	return path, nil
}
