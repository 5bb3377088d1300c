// Package config handles loading, validating, and writing the ledger
// configuration from ~/.ledger/config.yaml.
//
// The config defines:
//   - Server bind address for the metrics, health and live feed endpoints
//   - Event store database path
//   - Archive object storage (local directory or S3)
//   - Job intervals for verification, export and replication polling
//   - Archive retention and cleanup windows
//   - Offline batch inbox directory and file patterns
//
// Relative paths are resolved against the config directory.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level ledger configuration.
// Loaded from ~/.ledger/config.yaml, with defaults for fields that are not
// explicitly set.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Storage  StorageConfig  `yaml:"storage"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Inbox    InboxConfig    `yaml:"inbox"`
	Feed     FeedConfig     `yaml:"feed"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig defines where `ledger serve` listens.
// Default: 127.0.0.1:3200 (loopback only).
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StoreConfig locates the SQLite event store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// StorageConfig selects the archive object store.
//
// Driver "local" writes archives under LocalDir and reports replication as
// NOT_CONFIGURED. Driver "s3" needs Bucket and uses the default AWS
// credential chain; Endpoint and UsePathStyle target S3-compatible services.
type StorageConfig struct {
	Driver       string `yaml:"driver"`
	LocalDir     string `yaml:"localDir"`
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"usePathStyle"`
	Prefix       string `yaml:"prefix"`
}

// ScheduleConfig sets job intervals in minutes. Zero disables a job's timer;
// it can still be triggered by hand.
type ScheduleConfig struct {
	VerifyIntervalMinutes      int `yaml:"verifyIntervalMinutes"`
	ExportIntervalMinutes      int `yaml:"exportIntervalMinutes"`
	ReplicationIntervalMinutes int `yaml:"replicationIntervalMinutes"`
}

// ArchiveConfig controls export retention.
//
// RetentionGraceDays is added to a window's end to get its object lock
// expiry. CleanupRetentionDays is how long exported events stay in the
// store before being flagged as archived (0 = never flag). LookbackDays
// bounds the catch-up export.
type ArchiveConfig struct {
	RetentionGraceDays   int `yaml:"retentionGraceDays"`
	CleanupRetentionDays int `yaml:"cleanupRetentionDays"`
	LookbackDays         int `yaml:"lookbackDays"`
	PresignTTLMinutes    int `yaml:"presignTTLMinutes"`
}

// InboxConfig is the drop directory for offline batches. Files whose names
// match one of Patterns are merged; others are ignored.
type InboxConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Dir      string   `yaml:"dir"`
	Patterns []string `yaml:"patterns"`
}

// FeedConfig controls the websocket live feed served at /feed.
type FeedConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LogConfig sets the slog level: debug, info, warn or error.
type LogConfig struct {
	Level string `yaml:"level"`
}

// SlogLevel parses Level, defaulting to info.
func (l LogConfig) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// Load reads and parses config.yaml from the given path.
// If the file doesn't exist, returns defaults (not an error).
// Invalid YAML or validation failures return an error.
// Relative paths are resolved against the file's directory.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	cfg.resolve(filepath.Dir(path))
	return cfg, nil
}

// WriteDefault writes a default config.yaml with all fields populated
// and a comment header. Used by `ledger config init`.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# Audit Ledger Configuration
#
# server:
#   host, port: Bind address for /metrics, /health and /feed (default 127.0.0.1:3200)
#
# store:
#   path: SQLite event store (relative to this directory)
#
# storage:
#   driver: local | s3
#   localDir: Archive directory for the local driver
#   bucket, region, endpoint, usePathStyle: S3 settings (bucket needs object lock)
#   prefix: Key prefix for every archive object
#
# schedule:
#   *IntervalMinutes: Job timers; 0 disables the timer
#
# archive:
#   retentionGraceDays: Object lock = window end + grace
#   cleanupRetentionDays: Flag exported events as archived after this long (0 = never)
#   lookbackDays: How far back the scheduled export catches up
#   presignTTLMinutes: Lifetime of download URLs
#
# inbox:
#   dir, patterns: Offline batch drop directory and file-name globs
#
# feed:
#   enabled: Serve the websocket live feed at /feed
#
# log:
#   level: debug | info | warn | error

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// Interval converts a minutes field to a duration.
func Interval(minutes int) time.Duration {
	return time.Duration(minutes) * time.Minute
}

// Days converts a days field to a duration.
func Days(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}

// applyDefaults returns a Config with all fields set to their default values.
func applyDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 3200,
		},
		Store: StoreConfig{
			Path: "ledger.db",
		},
		Storage: StorageConfig{
			Driver:   "local",
			LocalDir: "archives",
			Region:   "us-east-1",
			Prefix:   "audit/",
		},
		Schedule: ScheduleConfig{
			VerifyIntervalMinutes:      60,
			ExportIntervalMinutes:      60,
			ReplicationIntervalMinutes: 15,
		},
		Archive: ArchiveConfig{
			RetentionGraceDays:   365,
			CleanupRetentionDays: 90,
			LookbackDays:         7,
			PresignTTLMinutes:    15,
		},
		Inbox: InboxConfig{
			Enabled:  true,
			Dir:      "inbox",
			Patterns: []string{"*.json", "batch-*.jsonl"},
		},
		Feed: FeedConfig{
			Enabled: true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}
	if cfg.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}

	switch cfg.Storage.Driver {
	case "local":
		if cfg.Storage.LocalDir == "" {
			return fmt.Errorf("storage.localDir is required for the local driver")
		}
	case "s3":
		if cfg.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the s3 driver")
		}
	default:
		return fmt.Errorf("storage.driver %q: must be local or s3", cfg.Storage.Driver)
	}

	for name, v := range map[string]int{
		"schedule.verifyIntervalMinutes":      cfg.Schedule.VerifyIntervalMinutes,
		"schedule.exportIntervalMinutes":      cfg.Schedule.ExportIntervalMinutes,
		"schedule.replicationIntervalMinutes": cfg.Schedule.ReplicationIntervalMinutes,
		"archive.retentionGraceDays":          cfg.Archive.RetentionGraceDays,
		"archive.cleanupRetentionDays":        cfg.Archive.CleanupRetentionDays,
	} {
		if v < 0 {
			return fmt.Errorf("%s must be non-negative", name)
		}
	}
	if cfg.Archive.LookbackDays < 1 {
		return fmt.Errorf("archive.lookbackDays must be at least 1")
	}
	if cfg.Archive.PresignTTLMinutes < 1 {
		return fmt.Errorf("archive.presignTTLMinutes must be at least 1")
	}

	if cfg.Inbox.Enabled {
		if cfg.Inbox.Dir == "" {
			return fmt.Errorf("inbox.dir must not be empty when the inbox is enabled")
		}
		if len(cfg.Inbox.Patterns) == 0 {
			return fmt.Errorf("inbox.patterns must list at least one pattern")
		}
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q: must be debug, info, warn or error", cfg.Log.Level)
	}

	return nil
}

// resolve makes relative paths absolute against dir.
func (c *Config) resolve(dir string) {
	for _, p := range []*string{&c.Store.Path, &c.Storage.LocalDir, &c.Inbox.Dir} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
}
