// Package config holds the runtime configuration of the placer server.
package config

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/placer-project/placer/pkg/storage"
)

const (
	// DefaultIncompleteUUID is the well-known sentinel attached to consumers
	// whose real owner is unknown. Project and user share it.
	DefaultIncompleteUUID = "00000000-0000-0000-0000-000000000000"

	// DefaultMaxConflictRetries bounds the allocation-write retry loop.
	DefaultMaxConflictRetries = 4
)

// DatastoreConfig defines configuration settings
// for the datastore of the placer server.
type DatastoreConfig struct {
	// Engine is the datastore engine to use (e.g. "memory", "postgres",
	// "mysql", "sqlite").
	Engine   string
	URI      string
	Username string
	Password string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration

	// Metrics enables the sql.DBStats metrics export.
	Metrics bool
}

// LogConfig defines the configuration settings for logging.
type LogConfig struct {
	// Format is the log format ("text" or "json").
	Format string

	// Level is the log level ("none", "debug", "info", "warn", "error",
	// "panic", "fatal").
	Level string
}

// Config defines the placer server configuration.
type Config struct {
	Datastore DatastoreConfig
	Log       LogConfig

	// IncompleteProjectUUID and IncompleteUserUUID name the sentinel owners
	// attached to consumers without a real ownership chain.
	IncompleteProjectUUID string
	IncompleteUserUUID    string

	// IncompleteBatchSize bounds one ownership-repair pass.
	IncompleteBatchSize int

	// MaxConflictRetries bounds the generation-race retry loop of
	// allocation writes.
	MaxConflictRetries int
}

// DefaultConfig returns the placer server default configuration.
func DefaultConfig() *Config {
	return &Config{
		Datastore: DatastoreConfig{
			Engine: "memory",
		},
		Log: LogConfig{
			Format: "text",
			Level:  "info",
		},
		IncompleteProjectUUID: DefaultIncompleteUUID,
		IncompleteUserUUID:    DefaultIncompleteUUID,
		IncompleteBatchSize:   storage.DefaultIncompleteBatchSize,
		MaxConflictRetries:    DefaultMaxConflictRetries,
	}
}

// Verify checks the config for invalid settings.
func (cfg *Config) Verify() error {
	switch cfg.Datastore.Engine {
	case "memory":
	case "postgres", "mysql", "sqlite":
		if cfg.Datastore.URI == "" {
			return fmt.Errorf("datastore uri is required for engine %q", cfg.Datastore.Engine)
		}
	default:
		return fmt.Errorf("unknown datastore engine %q", cfg.Datastore.Engine)
	}

	switch cfg.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q", cfg.Log.Format)
	}

	switch cfg.Log.Level {
	case "none", "debug", "info", "warn", "error", "panic", "fatal":
	default:
		return fmt.Errorf("invalid log level %q", cfg.Log.Level)
	}

	if _, err := uuid.Parse(cfg.IncompleteProjectUUID); err != nil {
		return fmt.Errorf("invalid incomplete project uuid: %w", err)
	}
	if _, err := uuid.Parse(cfg.IncompleteUserUUID); err != nil {
		return fmt.Errorf("invalid incomplete user uuid: %w", err)
	}

	if cfg.IncompleteBatchSize <= 0 {
		return fmt.Errorf("incomplete batch size must be positive, got %d", cfg.IncompleteBatchSize)
	}
	if cfg.MaxConflictRetries < 0 {
		return fmt.Errorf("max conflict retries must not be negative, got %d", cfg.MaxConflictRetries)
	}

	return nil
}
