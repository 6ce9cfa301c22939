package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	charmlog "github.com/charmbracelet/log"

	"github.com/newsroomhq/publishing/es/outbox"
)

// Config is the daemon configuration, read from the environment.
type Config struct {
	// DatabaseDriver selects the storage adapter: "postgres" or "sqlite".
	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"sqlite"`

	// DatabaseDSN is the driver-specific connection string.
	DatabaseDSN string `env:"DATABASE_DSN" envDefault:"file:publishing.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"`

	// OutboxPolicy is "before-commit" or "after-commit".
	OutboxPolicy string `env:"OUTBOX_POLICY" envDefault:"after-commit"`

	// BatchSize is the number of events per projection batch.
	BatchSize int `env:"PROJECTION_BATCH_SIZE" envDefault:"100"`

	// PollInterval bounds the sleep between empty projection batches.
	PollInterval time.Duration `env:"PROJECTION_POLL_INTERVAL" envDefault:"250ms"`

	// BusBuffer is the in-process bus channel capacity.
	BusBuffer int `env:"BUS_BUFFER" envDefault:"64"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

func loadConfig() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}
	switch cfg.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return Config{}, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}
	switch outbox.Policy(cfg.OutboxPolicy) {
	case outbox.PolicyBeforeCommit, outbox.PolicyAfterCommit:
	default:
		return Config{}, fmt.Errorf("unsupported outbox policy %q", cfg.OutboxPolicy)
	}
	return cfg, nil
}

func newLogger(level string) (*charmlog.Logger, error) {
	parsed, err := charmlog.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		Level:           parsed,
		ReportTimestamp: true,
		Prefix:          "publishingd",
	}), nil
}

// charmAdapter bridges charmbracelet/log to the es.Logger interface.
type charmAdapter struct {
	logger *charmlog.Logger
}

func (a charmAdapter) Debug(_ context.Context, msg string, keyvals ...interface{}) {
	a.logger.Debug(msg, keyvals...)
}

func (a charmAdapter) Info(_ context.Context, msg string, keyvals ...interface{}) {
	a.logger.Info(msg, keyvals...)
}

func (a charmAdapter) Error(_ context.Context, msg string, keyvals ...interface{}) {
	a.logger.Error(msg, keyvals...)
}
