// Package config holds the closed configuration record streamcached reads
// at startup. It is a plain record (spec.md §9: "model it as a plain
// record, not a key-value bag"), loaded the same way the teacher CLI loads
// its own YAML config in internal/config/config.go: unmarshal with
// gopkg.in/yaml.v3, fall back to DefaultConfig() when the file is absent.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	ConfigFileName = "config.yml"
	AppDirName     = "streamcached"
)

// ConfigDir returns the standard config directory: ~/.config/streamcached/
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", AppDirName), nil
}

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ConfigFileName), nil
}

// Config is the recognized option set from spec.md §6. Every field here is
// load-bearing for one of the core components; there is no provision for
// arbitrary extra keys.
type Config struct {
	// CacheDir is the root directory for backing files (one per entry).
	CacheDir string `yaml:"cache_dir"`

	// FixedMaxBytes is the hard ceiling on total cache size.
	FixedMaxBytes int64 `yaml:"fixed_max_bytes"`

	// ReservedDiskHeadroomBytes is subtracted from free disk space when
	// computing the effective limit.
	ReservedDiskHeadroomBytes int64 `yaml:"reserved_disk_headroom_bytes"`

	// CleanupThresholdRatio (0,1) is the fraction of the effective limit at
	// which eviction begins.
	CleanupThresholdRatio float64 `yaml:"cleanup_threshold_ratio"`

	// MaxConcurrentDownloads caps simultaneously active producers.
	MaxConcurrentDownloads int `yaml:"max_concurrent_downloads"`

	// InitialWaitTimeoutMs bounds how long a request blocks for upstream
	// metadata (Content-Length/ETag/range support) before a 503.
	InitialWaitTimeoutMs int `yaml:"initial_wait_timeout_ms"`

	// ReadWaitTimeoutMs bounds how long a single read-ahead wait blocks.
	ReadWaitTimeoutMs int `yaml:"read_wait_timeout_ms"`

	// ProbeBytes is the size of the metadata-probe GET.
	ProbeBytes int64 `yaml:"probe_bytes"`

	// DefaultReadAheadBytes sizes the producer's read-ahead window past the
	// client's current read position.
	DefaultReadAheadBytes int64 `yaml:"default_read_ahead_bytes"`

	// BindAddr is the proxy's listen address, e.g. "127.0.0.1:0".
	BindAddr string `yaml:"bind_addr"`

	// LogLevel controls internal/logging's verbosity (expansion: not in
	// spec.md §6's closed set but required to run the ambient logging
	// stack; defaults to "info").
	LogLevel string `yaml:"log_level,omitempty"`
}

// DefaultConfig returns the documented defaults from spec.md §4/§6.
func DefaultConfig() *Config {
	return &Config{
		CacheDir:                  defaultCacheDir(),
		FixedMaxBytes:             20 << 30, // 20 GiB
		ReservedDiskHeadroomBytes: 2 << 30,  // 2 GiB
		CleanupThresholdRatio:     0.9,
		MaxConcurrentDownloads:    4,
		InitialWaitTimeoutMs:      10_000,
		ReadWaitTimeoutMs:         15_000,
		ProbeBytes:                64 << 10, // 64 KiB
		DefaultReadAheadBytes:     8 << 20,  // 8 MiB
		BindAddr:                  "127.0.0.1:0",
		LogLevel:                  "info",
	}
}

func defaultCacheDir() string {
	dir, err := ConfigDir()
	if err != nil {
		return filepath.Join(".", "streamcached-cache")
	}
	return filepath.Join(dir, "cache")
}

// Exists reports whether a config file is present.
func Exists() bool {
	path, err := ConfigPath()
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Load reads the config from ~/.config/streamcached/config.yml.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to ~/.config/streamcached/config.yml.
func Save(cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}

	configPath, err := ConfigPath()
	if err != nil {
		return fmt.Errorf("failed to get config path: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	header := "# streamcached configuration file\n# Run 'streamcached init' to regenerate with defaults\n\n"
	return os.WriteFile(configPath, []byte(header+string(data)), 0644)
}

// SavePath returns the path Save will write to.
func SavePath() string {
	if path, err := ConfigPath(); err == nil {
		return path
	}
	return ConfigFileName
}

// Init creates a new config.yml with default values; it refuses to
// overwrite an existing one.
func Init() error {
	if Exists() {
		path, _ := ConfigPath()
		return fmt.Errorf("%s already exists", path)
	}
	return Save(DefaultConfig())
}

// LoadOrDefault loads the config if present, otherwise returns defaults.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return DefaultConfig()
	}
	return cfg
}
