// Package config provides unified configuration for the eventcore store and
// its embedding server binary.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arkiliandb/eventcore/internal/storage"
)

// Config holds the configuration for one Store and the process that hosts
// it.
type Config struct {
	// DataDir is the root directory: DataDir/events holds segment files,
	// DataDir/projections holds one SQLite file per registered projection.
	DataDir string `json:"data_dir" yaml:"data_dir"`

	Log        LogConfig        `json:"log" yaml:"log"`
	Admission  AdmissionConfig  `json:"admission" yaml:"admission"`
	Archive    ArchiveConfig    `json:"archive" yaml:"archive"`
	Projection ProjectionConfig `json:"projection" yaml:"projection"`

	// ShutdownTimeout bounds how long the shutdown manager waits for
	// in-flight operations to drain on a stop signal. The closers that then
	// stop projection workers and the archiver are not bounded by it.
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// LogConfig controls the event log's segment and payload limits.
type LogConfig struct {
	// MaxPayloadBytes caps a single event's payload (default 1 MiB).
	MaxPayloadBytes int `json:"max_payload_bytes" yaml:"max_payload_bytes"`

	// MaxSegmentBytes is the segment roll threshold (default 128 MiB).
	MaxSegmentBytes int64 `json:"max_segment_bytes" yaml:"max_segment_bytes"`

	// MaxResidentLocators bounds the stream index's resident locator
	// count across all streams; 0 disables eviction.
	MaxResidentLocators int64 `json:"max_resident_locators" yaml:"max_resident_locators"`

	// NotifyBufferSize is the per-subscriber channel depth on the
	// write-visibility notifier.
	NotifyBufferSize int `json:"notify_buffer_size" yaml:"notify_buffer_size"`
}

// AdmissionConfig controls the write-path admission controller.
type AdmissionConfig struct {
	TargetP99Ms    int           `json:"target_p99_ms" yaml:"target_p99_ms"`
	HardCap        int           `json:"hard_cap" yaml:"hard_cap"`
	MinLimit       int           `json:"min_limit" yaml:"min_limit"`
	SampleWindow   int           `json:"sample_window" yaml:"sample_window"`
	Tick           time.Duration `json:"tick" yaml:"tick"`
	EvaluateEveryN int           `json:"evaluate_every_n" yaml:"evaluate_every_n"`
}

// ArchiveConfig controls the cold-storage segment archiver.
type ArchiveConfig struct {
	Enabled       bool          `json:"enabled" yaml:"enabled"`
	Prefix        string        `json:"prefix" yaml:"prefix"`
	RetryInterval time.Duration `json:"retry_interval" yaml:"retry_interval"`
	MaxAttempts   int           `json:"max_attempts" yaml:"max_attempts"`
	Storage       StorageConfig `json:"storage" yaml:"storage"`
}

// StorageConfig selects and configures the object storage backend the
// archiver uploads sealed segments to.
type StorageConfig struct {
	// Type is "local" or "s3".
	Type string             `json:"type" yaml:"type"`
	Path string             `json:"path" yaml:"path"`
	S3   storage.S3Config   `json:"s3" yaml:"s3"`
}

// ProjectionConfig holds projection defaults read from the configuration.
// They are not passed on to the Store: a registration that leaves
// BatchSize or PollInterval zero gets the worker's built-in defaults
// (100 events, 50 ms) whatever these fields hold.
type ProjectionConfig struct {
	DefaultBatchSize    int `json:"default_batch_size" yaml:"default_batch_size"`
	DefaultPollInterval int `json:"default_poll_interval_ms" yaml:"default_poll_interval_ms"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/eventcore",
		Log: LogConfig{
			MaxPayloadBytes:     1 << 20,
			MaxSegmentBytes:     128 << 20,
			MaxResidentLocators: 0,
			NotifyBufferSize:    16,
		},
		Admission: AdmissionConfig{
			TargetP99Ms:    100,
			HardCap:        256,
			MinLimit:       1,
			SampleWindow:   256,
			Tick:           1 * time.Second,
			EvaluateEveryN: 32,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			Prefix:        "segments/",
			RetryInterval: 30 * time.Second,
			MaxAttempts:   10,
			Storage: StorageConfig{
				Type: "local",
			},
		},
		Projection: ProjectionConfig{
			DefaultBatchSize:    100,
			DefaultPollInterval: 50,
		},
		ShutdownTimeout: 30 * time.Second,
	}
}

// Resolve fills in paths derived from DataDir that were left empty.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/eventcore"
	}
	if c.Archive.Storage.Path == "" {
		c.Archive.Storage.Path = filepath.Join(c.DataDir, "archive")
	}
}

// EventsDir returns the directory holding segment files.
func (c *Config) EventsDir() string { return filepath.Join(c.DataDir, "events") }

// ProjectionsDir returns the directory holding per-projection SQLite files.
func (c *Config) ProjectionsDir() string { return filepath.Join(c.DataDir, "projections") }

// Validate checks the configuration for internally-inconsistent values.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Archive.Enabled {
		switch c.Archive.Storage.Type {
		case "local", "s3":
		default:
			return fmt.Errorf("invalid archive storage type: %s (must be local or s3)", c.Archive.Storage.Type)
		}
		if c.Archive.Storage.Type == "s3" && c.Archive.Storage.S3.Bucket == "" {
			return fmt.Errorf("archive.storage.s3.bucket is required when archive storage type is s3")
		}
	}
	if c.Log.MaxPayloadBytes <= 0 {
		return fmt.Errorf("log.max_payload_bytes must be positive")
	}
	if c.Admission.TargetP99Ms <= 0 {
		return fmt.Errorf("admission.target_p99_ms must be positive")
	}
	return nil
}

// EnsureDirectories creates every directory the configuration references.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir, c.EventsDir(), c.ProjectionsDir()}
	if c.Archive.Enabled && c.Archive.Storage.Type == "local" {
		dirs = append(dirs, c.Archive.Storage.Path)
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file, layered over
// the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv overlays environment variables, using the EVENTCORE_ prefix,
// onto an existing configuration.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("EVENTCORE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("EVENTCORE_MAX_PAYLOAD_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Log.MaxPayloadBytes = n
		}
	}
	if v := os.Getenv("EVENTCORE_MAX_SEGMENT_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Log.MaxSegmentBytes = n
		}
	}
	if v := os.Getenv("EVENTCORE_ADMISSION_TARGET_P99_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Admission.TargetP99Ms = n
		}
	}
	if v := os.Getenv("EVENTCORE_ADMISSION_HARD_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Admission.HardCap = n
		}
	}
	if v := os.Getenv("EVENTCORE_ARCHIVE_ENABLED"); v != "" {
		cfg.Archive.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("EVENTCORE_ARCHIVE_STORAGE_TYPE"); v != "" {
		cfg.Archive.Storage.Type = v
	}
	if v := os.Getenv("EVENTCORE_ARCHIVE_STORAGE_PATH"); v != "" {
		cfg.Archive.Storage.Path = v
	}
	if v := os.Getenv("EVENTCORE_S3_BUCKET"); v != "" {
		cfg.Archive.Storage.S3.Bucket = v
	}
	if v := os.Getenv("EVENTCORE_S3_REGION"); v != "" {
		cfg.Archive.Storage.S3.Region = v
	}
	if v := os.Getenv("EVENTCORE_S3_ENDPOINT"); v != "" {
		cfg.Archive.Storage.S3.Endpoint = v
	}
}
