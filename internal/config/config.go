// Package config loads process configuration from an optional YAML file with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full process configuration.
type Config struct {
	StorageDriver string `yaml:"storage_driver"`
	SQLitePath    string `yaml:"sqlite_path"`
	PostgresDSN   string `yaml:"postgres_dsn"`

	BlobDriver   string `yaml:"blob_driver"`
	BlobS3Bucket string `yaml:"blob_s3_bucket"`

	DiagnosisURL            string `yaml:"diagnosis_url"`
	DiagnosisTimeoutSeconds int    `yaml:"diagnosis_timeout_seconds"`

	AdjustmentThreshold float64 `yaml:"adjustment_threshold"`
	CooldownHours       int     `yaml:"cooldown_hours"`
	MaxAccumulatedEdits int     `yaml:"max_accumulated_edits"`

	LogLevel string `yaml:"log_level"`
}

// Load reads config.yaml (or DIAGCORE_CONFIG_PATH) when present, applies
// DIAGCORE_* environment overrides, then fills defaults.
func Load() (Config, error) {
	var cfg Config

	path := "config.yaml"
	if envPath := os.Getenv("DIAGCORE_CONFIG_PATH"); envPath != "" {
		path = envPath
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	envOverride(&cfg.StorageDriver, "DIAGCORE_STORAGE_DRIVER")
	envOverride(&cfg.SQLitePath, "DIAGCORE_SQLITE_PATH")
	envOverride(&cfg.PostgresDSN, "DIAGCORE_POSTGRES_DSN")
	envOverride(&cfg.BlobDriver, "DIAGCORE_BLOB_DRIVER")
	envOverride(&cfg.BlobS3Bucket, "DIAGCORE_BLOB_S3_BUCKET")
	envOverride(&cfg.DiagnosisURL, "DIAGCORE_DIAGNOSIS_URL")
	envOverrideInt(&cfg.DiagnosisTimeoutSeconds, "DIAGCORE_DIAGNOSIS_TIMEOUT_SECONDS")
	envOverrideFloat(&cfg.AdjustmentThreshold, "DIAGCORE_ADJUSTMENT_THRESHOLD")
	envOverrideInt(&cfg.CooldownHours, "DIAGCORE_COOLDOWN_HOURS")
	envOverrideInt(&cfg.MaxAccumulatedEdits, "DIAGCORE_MAX_ACCUMULATED_EDITS")
	envOverride(&cfg.LogLevel, "DIAGCORE_LOG_LEVEL")

	if cfg.StorageDriver == "" {
		cfg.StorageDriver = "sqlite"
	}
	if cfg.SQLitePath == "" {
		cfg.SQLitePath = "./diagcore.db"
	}
	if cfg.BlobDriver == "" {
		cfg.BlobDriver = "memory"
	}
	if cfg.DiagnosisTimeoutSeconds == 0 {
		cfg.DiagnosisTimeoutSeconds = 30
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	switch cfg.StorageDriver {
	case "memory", "sqlite":
	case "postgres":
		if cfg.PostgresDSN == "" {
			return Config{}, fmt.Errorf("postgres_dsn required when storage_driver=postgres")
		}
	default:
		return Config{}, fmt.Errorf("storage_driver must be memory, sqlite or postgres, got %q", cfg.StorageDriver)
	}
	switch cfg.BlobDriver {
	case "memory":
	case "s3":
		if cfg.BlobS3Bucket == "" && os.Getenv("DIAGCORE_BLOB_S3_BUCKET") == "" {
			return Config{}, fmt.Errorf("blob_s3_bucket required when blob_driver=s3")
		}
	default:
		return Config{}, fmt.Errorf("blob_driver must be memory or s3, got %q", cfg.BlobDriver)
	}
	return cfg, nil
}

// DiagnosisTimeout returns the configured external service timeout.
func (c Config) DiagnosisTimeout() time.Duration {
	return time.Duration(c.DiagnosisTimeoutSeconds) * time.Second
}

// CooldownDuration returns the configured commit cooldown; zero means the
// engine default applies.
func (c Config) CooldownDuration() time.Duration {
	return time.Duration(c.CooldownHours) * time.Hour
}

func envOverride(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func envOverrideInt(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func envOverrideFloat(target *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*target = f
		}
	}
}
