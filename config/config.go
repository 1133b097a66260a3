// Package config provides configuration management for feedpoll.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/robertmeta/feedpoll/model"
)

// Configuration validation errors.
var (
	ErrInvalidInterval  = errors.New("poll.interval must be at least 1s")
	ErrInvalidWorkers   = errors.New("poll.workers must be at least 1")
	ErrInvalidTimeout   = errors.New("poll.fetch_timeout must be positive")
	ErrMissingDataDir   = errors.New("storage.data_dir is required")
	ErrInvalidDriver    = errors.New("database.driver must be one of: sqlite, postgres, none")
	ErrInvalidBatchSize = fmt.Errorf("database.batch_size must be between 1 and %d", model.MaxBatchSize)
	ErrInvalidDBTimeout = errors.New("database.timeout must be positive")
	ErrInvalidImages    = errors.New("images.workers and images.queue_size must be at least 1")
	ErrInvalidLogLevel  = errors.New("logging.level must be one of: debug, info, warn, error")
	ErrInvalidLogFormat = errors.New("logging.format must be 'text' or 'json'")
	ErrNoDefaultSources = errors.New("at least one default source is required")
)

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverNone     = "none"
)

// DefaultSource is polled when no source list exists yet.
const DefaultSource = "https://www.vrt.be/vrtnws/nl.rss.articles.xml"

// Config represents the complete configuration.
type Config struct {
	Poll           PollConfig     `yaml:"poll"`
	Storage        StorageConfig  `yaml:"storage"`
	Database       DatabaseConfig `yaml:"database"`
	Images         ImagesConfig   `yaml:"images"`
	API            APIConfig      `yaml:"api"`
	Redis          RedisConfig    `yaml:"redis"`
	Logging        LoggingConfig  `yaml:"logging"`
	DefaultSources []string       `yaml:"default_sources"`
}

// PollConfig controls the scheduler and the feed fetcher.
type PollConfig struct {
	Interval     time.Duration `yaml:"interval"`
	Workers      int           `yaml:"workers"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	MaxFeedBytes int64         `yaml:"max_feed_bytes"`
	UserAgent    string        `yaml:"user_agent"`
}

// StorageConfig locates local files. Relative file names resolve against
// DataDir.
type StorageConfig struct {
	DataDir     string `yaml:"data_dir"`
	MirrorFile  string `yaml:"mirror_file"`
	SourcesFile string `yaml:"sources_file"`
	ImageDir    string `yaml:"image_dir"`
}

// DatabaseConfig selects the primary store.
type DatabaseConfig struct {
	Driver    string        `yaml:"driver"`
	DSN       string        `yaml:"dsn"`
	BatchSize int           `yaml:"batch_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

// ImagesConfig controls the thumbnail cache.
type ImagesConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Workers   int           `yaml:"workers"`
	Timeout   time.Duration `yaml:"timeout"`
	MaxBytes  int64         `yaml:"max_bytes"`
	QueueSize int           `yaml:"queue_size"`
}

// APIConfig controls the control API. An empty Addr disables it.
type APIConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// RedisConfig controls event publishing. An empty URL disables it.
type RedisConfig struct {
	URL     string `yaml:"url"`
	Channel string `yaml:"channel"`
	Queue   string `yaml:"queue"`
}

// LoggingConfig defines logging behavior.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Poll: PollConfig{
			Interval:     600 * time.Second,
			Workers:      4,
			FetchTimeout: 20 * time.Second,
			MaxFeedBytes: 10 << 20,
		},
		Storage: StorageConfig{
			DataDir:     defaultDataDir(),
			MirrorFile:  "articles.csv",
			SourcesFile: "feeds.json",
			ImageDir:    "images",
		},
		Database: DatabaseConfig{
			Driver:    DriverSQLite,
			DSN:       "feedpoll.db",
			BatchSize: 500,
			Timeout:   30 * time.Second,
		},
		Images: ImagesConfig{
			Enabled:   true,
			Workers:   2,
			Timeout:   10 * time.Second,
			MaxBytes:  5 << 20,
			QueueSize: 256,
		},
		API: APIConfig{Addr: "127.0.0.1:8088"},
		Redis: RedisConfig{
			Channel: "feedpoll:events",
			Queue:   "feedpoll:queue:articles",
		},
		Logging:        LoggingConfig{Level: "info", Format: "text"},
		DefaultSources: []string{DefaultSource},
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "feedpoll")
	}
	return "."
}

// Load reads path over the defaults, applies environment overrides (after
// loading a .env file if present) and validates the result. A missing file
// is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse YAML: %w", err)
			}
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env file", "error", err)
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Storage.DataDir = getenv("FEEDPOLL_DATA_DIR", c.Storage.DataDir)
	c.Poll.Interval = parseDurationEnv("FEEDPOLL_POLL_INTERVAL", c.Poll.Interval)
	c.Poll.Workers = parseIntEnv("FEEDPOLL_WORKERS", c.Poll.Workers)
	c.Database.Driver = getenv("FEEDPOLL_DB_DRIVER", c.Database.Driver)
	c.Database.DSN = getenv("FEEDPOLL_DB_DSN", c.Database.DSN)
	c.API.Addr = getenv("FEEDPOLL_API_ADDR", c.API.Addr)
	c.Redis.URL = getenv("REDIS_URL", c.Redis.URL)
	c.Logging.Level = getenv("FEEDPOLL_LOG_LEVEL", c.Logging.Level)

	if c.Database.Driver == DriverPostgres && (c.Database.DSN == "" || c.Database.DSN == Default().Database.DSN) {
		c.Database.DSN = postgresDSN()
	}
}

// postgresDSN assembles a connection URL from the standard libpq variables.
func postgresDSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(getenv("PGUSER", "postgres"), getenv("PGPASSWORD", "")),
		Host:   getenv("PGHOST", "localhost") + ":" + getenv("PGPORT", "5432"),
		Path:   "/" + getenv("PGDATABASE", "feedpoll"),
	}
	q := url.Values{}
	q.Set("sslmode", getenv("PGSSLMODE", "disable"))
	u.RawQuery = q.Encode()
	return u.String()
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Poll.Interval < time.Second {
		return ErrInvalidInterval
	}
	if c.Poll.Workers < 1 {
		return ErrInvalidWorkers
	}
	if c.Poll.FetchTimeout <= 0 {
		return ErrInvalidTimeout
	}

	if c.Storage.DataDir == "" {
		return ErrMissingDataDir
	}

	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres, DriverNone:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidDriver, c.Database.Driver)
	}
	if c.Database.BatchSize < 1 || c.Database.BatchSize > model.MaxBatchSize {
		return ErrInvalidBatchSize
	}
	if c.Database.Timeout <= 0 {
		return ErrInvalidDBTimeout
	}

	if c.Images.Enabled && (c.Images.Workers < 1 || c.Images.QueueSize < 1) {
		return ErrInvalidImages
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return ErrInvalidLogLevel
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return ErrInvalidLogFormat
	}

	if len(c.DefaultSources) == 0 {
		return ErrNoDefaultSources
	}
	for i, raw := range c.DefaultSources {
		src := model.Source{FeedURL: raw}
		if err := src.Validate(); err != nil {
			return fmt.Errorf("default_sources[%d]: %w", i, err)
		}
	}

	return nil
}

// Path resolves a storage file name against the data directory.
func (c *Config) Path(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.Storage.DataDir, name)
}

// MirrorPath is the flat-file mirror location.
func (c *Config) MirrorPath() string { return c.Path(c.Storage.MirrorFile) }

// SourcesPath is the source list location.
func (c *Config) SourcesPath() string { return c.Path(c.Storage.SourcesFile) }

// ImageDir is the thumbnail cache directory.
func (c *Config) ImageDir() string { return c.Path(c.Storage.ImageDir) }

// DatabaseDSN returns the DSN for the configured driver. sqlite file names
// resolve against the data directory.
func (c *Config) DatabaseDSN() string {
	if c.Database.Driver == DriverSQLite && c.Database.DSN != ":memory:" && !strings.Contains(c.Database.DSN, ":") {
		return c.Path(c.Database.DSN)
	}
	return c.Database.DSN
}

// Sources converts DefaultSources into source records.
func (c *Config) Sources() []model.Source {
	out := make([]model.Source, 0, len(c.DefaultSources))
	for _, raw := range c.DefaultSources {
		out = append(out, model.Source{FeedURL: strings.TrimSpace(raw)})
	}
	return out
}

// Logger builds the process logger.
func (c *Config) Logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if c.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// String returns a string representation of the config.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Interval: %s, Workers: %d, Driver: %s, DataDir: %s}",
		c.Poll.Interval,
		c.Poll.Workers,
		c.Database.Driver,
		c.Storage.DataDir,
	)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseIntEnv(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func parseDurationEnv(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
