// Package config provides application settings loaded from environment variables.
//
// Settings are created via New() which handles:
// - Environment variable parsing with validation
// - Default value application

package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Settings holds all application configuration.
type Settings struct {
	Storage StorageConfig
	Log     LogConfig
}

// StorageConfig holds session storage configuration.
type StorageConfig struct {
	Path         string
	ReportsLimit int
	Compress     bool
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level slog.Level
}

// Environment variable names.
const (
	EnvDBPath       = "EZXSS_DB"
	EnvReportsLimit = "REPORTS_LIMIT"
	EnvCompress     = "EZXSS_COMPRESS"
	EnvLogLevel     = "EZXSS_LOG_LEVEL"
)

// DefaultDBPath is used when EZXSS_DB is not set.
const DefaultDBPath = ".ezxss/ezxss.db"

// New creates settings, loading values from environment variables.
// Returns an error if environment variables contain invalid values.
func New() (Settings, error) {
	reportsLimit, err := getEnvInt(EnvReportsLimit, 100)
	if err != nil {
		return Settings{}, err
	}
	if reportsLimit <= 0 {
		return Settings{}, fmt.Errorf("invalid value for %s: must be positive, got %d", EnvReportsLimit, reportsLimit)
	}

	compress, err := getEnvBool(EnvCompress, false)
	if err != nil {
		return Settings{}, err
	}

	level, err := getEnvLevel(EnvLogLevel, slog.LevelInfo)
	if err != nil {
		return Settings{}, err
	}

	path := os.Getenv(EnvDBPath)
	if path == "" {
		path = DefaultDBPath
	}

	return Settings{
		Storage: StorageConfig{
			Path:         path,
			ReportsLimit: reportsLimit,
			Compress:     compress,
		},
		Log: LogConfig{
			Level: level,
		},
	}, nil
}

// MustNew creates settings from the environment.
// Panics if environment variables are invalid.
// Use this only when configuration errors should be fatal.
func MustNew() Settings {
	settings, err := New()
	if err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
	return settings
}

// Static is a fixed compress setting, for callers that do not persist the
// setting in the database.
type Static bool

// CompressEnabled reports the fixed value.
func (s Static) CompressEnabled(ctx context.Context) (bool, error) {
	return bool(s), nil
}

// Environment variable helpers with proper error handling

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return i, nil
}

func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return b, nil
}

func getEnvLevel(key string, defaultVal slog.Level) (slog.Level, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(val))); err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return level, nil
}
