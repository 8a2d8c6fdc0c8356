// Package config loads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Addr    string `env:"FILE_VAULT_ADDR" envDefault:":8080"`
	DataDir string `env:"FILE_VAULT_DATA_DIR"`
	DBPath  string `env:"FILE_VAULT_DB_PATH,required"`

	BlobBackend string `env:"FILE_VAULT_BLOB_BACKEND" envDefault:"fs"`
	S3Bucket    string `env:"FILE_VAULT_S3_BUCKET"`
	S3Region    string `env:"FILE_VAULT_S3_REGION" envDefault:"us-east-1"`
	S3Endpoint  string `env:"FILE_VAULT_S3_ENDPOINT"`
	S3AccessKey string `env:"FILE_VAULT_S3_ACCESS_KEY"`
	S3SecretKey string `env:"FILE_VAULT_S3_SECRET_KEY"`
	S3Prefix    string `env:"FILE_VAULT_S3_PREFIX"`

	JWTSecret       string        `env:"FILE_VAULT_JWT_SECRET"`
	JWKSURL         string        `env:"FILE_VAULT_JWKS_URL"`
	JWKSRefresh     time.Duration `env:"FILE_VAULT_JWKS_REFRESH" envDefault:"15m"`
	JWTLeeway       time.Duration `env:"FILE_VAULT_JWT_LEEWAY" envDefault:"30s"`
	MaxFileSize     int64         `env:"FILE_VAULT_MAX_FILE_SIZE" envDefault:"10485760"`
	MaxRequestSize  int64         `env:"FILE_VAULT_MAX_REQUEST_SIZE" envDefault:"67108864"`
	UploadWorkers   int           `env:"FILE_VAULT_UPLOAD_CONCURRENCY" envDefault:"4"`
	StorageTimeout  time.Duration `env:"FILE_VAULT_STORAGE_TIMEOUT" envDefault:"30s"`
	KeepVersions    bool          `env:"FILE_VAULT_KEEP_VERSIONS" envDefault:"false"`
	HideForeign     bool          `env:"FILE_VAULT_HIDE_FOREIGN" envDefault:"true"`
	ListCacheSize   int           `env:"FILE_VAULT_LIST_CACHE_SIZE" envDefault:"1024"`
	ListCacheTTL    time.Duration `env:"FILE_VAULT_LIST_CACHE_TTL" envDefault:"1m"`
	PublicURL       string        `env:"FILE_VAULT_PUBLIC_URL"`
	ShutdownTimeout time.Duration `env:"FILE_VAULT_SHUTDOWN_TIMEOUT" envDefault:"15s"`

	OrphanGrace   time.Duration `env:"FILE_VAULT_ORPHAN_GRACE" envDefault:"1h"`
	TrashTTL      time.Duration `env:"FILE_VAULT_TRASH_TTL" envDefault:"0s"`
	SweepSchedule string        `env:"FILE_VAULT_SWEEP_SCHEDULE" envDefault:"@every 15m"`

	LogLevel      string `env:"FILE_VAULT_LOG_LEVEL" envDefault:"info"`
	LogFormat     string `env:"FILE_VAULT_LOG_FORMAT" envDefault:"json"`
	LogFile       string `env:"FILE_VAULT_LOG_FILE"`
	LogMaxSizeMB  int    `env:"FILE_VAULT_LOG_MAX_SIZE_MB" envDefault:"100"`
	LogMaxBackups int    `env:"FILE_VAULT_LOG_MAX_BACKUPS" envDefault:"5"`
	LogMaxAgeDays int    `env:"FILE_VAULT_LOG_MAX_AGE_DAYS" envDefault:"30"`
}

// Load reads an optional .env file and parses the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse reads settings from the given variables only.
func Parse(environ map[string]string) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Environment: environ}); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects inconsistent combinations.
func (c *Config) Validate() error {
	var errs []error

	switch c.BlobBackend {
	case "fs":
		if c.DataDir == "" {
			errs = append(errs, errors.New("FILE_VAULT_DATA_DIR is required for the fs backend"))
		}
	case "s3":
		if c.S3Bucket == "" {
			errs = append(errs, errors.New("FILE_VAULT_S3_BUCKET is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown blob backend %q", c.BlobBackend))
	}

	if c.JWTSecret == "" && c.JWKSURL == "" {
		errs = append(errs, errors.New("FILE_VAULT_JWT_SECRET or FILE_VAULT_JWKS_URL is required"))
	}
	if c.MaxFileSize <= 0 {
		errs = append(errs, errors.New("FILE_VAULT_MAX_FILE_SIZE must be positive"))
	}
	if c.MaxRequestSize < c.MaxFileSize {
		errs = append(errs, errors.New("FILE_VAULT_MAX_REQUEST_SIZE must not be below FILE_VAULT_MAX_FILE_SIZE"))
	}
	if c.UploadWorkers <= 0 {
		errs = append(errs, errors.New("FILE_VAULT_UPLOAD_CONCURRENCY must be positive"))
	}
	if c.StorageTimeout <= 0 {
		errs = append(errs, errors.New("FILE_VAULT_STORAGE_TIMEOUT must be positive"))
	}
	if c.TrashTTL < 0 || c.OrphanGrace < 0 {
		errs = append(errs, errors.New("janitor durations must not be negative"))
	}
	if _, err := cron.ParseStandard(c.SweepSchedule); err != nil {
		errs = append(errs, fmt.Errorf("invalid FILE_VAULT_SWEEP_SCHEDULE: %w", err))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}

	return errors.Join(errs...)
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

// SetupLogger builds the process logger. When a log file is configured the
// output is duplicated there with rotation; the returned closer releases it.
func (c *Config) SetupLogger(stdout io.Writer) (*slog.Logger, io.Closer) {
	level, _ := parseLevel(c.LogLevel)

	var (
		w      = stdout
		closer io.Closer = nopCloser{}
	)
	if c.LogFile != "" {
		rotating := &lumberjack.Logger{
			Filename:   c.LogFile,
			MaxSize:    c.LogMaxSizeMB,
			MaxBackups: c.LogMaxBackups,
			MaxAge:     c.LogMaxAgeDays,
			Compress:   true,
		}
		w = io.MultiWriter(stdout, rotating)
		closer = rotating
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if c.LogFormat == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler).With(slog.String("service", "file-vault")), closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
