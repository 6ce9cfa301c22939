// Package migrations provides SQL migration generation for the runtime tables.
package migrations

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config configures migration generation.
type Config struct {
	// OutputFolder is the directory where the migration file will be written
	OutputFolder string

	// OutputFilename is the name of the migration file
	OutputFilename string

	// EventsTable is the name of the events table
	EventsTable string

	// CheckpointsTable is the name of the projection checkpoints table
	CheckpointsTable string

	// StreamHeadsTable is the name of the stream version tracking table
	StreamHeadsTable string

	// DocumentsTable is the name of the read-model documents table
	DocumentsTable string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	timestamp := time.Now().Format("20060102150405")
	return Config{
		OutputFolder:     "migrations",
		OutputFilename:   fmt.Sprintf("%s_init_event_sourcing.sql", timestamp),
		EventsTable:      "events",
		CheckpointsTable: "projection_checkpoints",
		StreamHeadsTable: "stream_heads",
		DocumentsTable:   "read_model_documents",
	}
}

// GeneratePostgres generates a PostgreSQL migration file.
func GeneratePostgres(config *Config) error {
	return writeMigration(config, PostgresSQL(config))
}

// GenerateSQLite generates a SQLite migration file.
func GenerateSQLite(config *Config) error {
	return writeMigration(config, SQLiteSQL(config))
}

func writeMigration(config *Config, sql string) error {
	if err := os.MkdirAll(config.OutputFolder, 0o755); err != nil {
		return fmt.Errorf("failed to create output folder: %w", err)
	}

	outputPath := filepath.Join(config.OutputFolder, config.OutputFilename)
	if err := os.WriteFile(outputPath, []byte(sql), 0o600); err != nil {
		return fmt.Errorf("failed to write migration file: %w", err)
	}
	return nil
}

// PostgresSQL returns the PostgreSQL schema for the runtime tables.
func PostgresSQL(config *Config) string {
	return fmt.Sprintf(`-- Event Sourcing Infrastructure Migration
-- Generated: %s

-- Events table stores all domain events in append-only fashion
CREATE TABLE IF NOT EXISTS %[2]s (
    global_position BIGSERIAL PRIMARY KEY,
    aggregate_type TEXT NOT NULL,
    aggregate_id UUID NOT NULL,
    aggregate_version BIGINT NOT NULL,
    event_id UUID NOT NULL UNIQUE,
    event_type TEXT NOT NULL,
    event_version INT NOT NULL DEFAULT 1,
    payload BYTEA NOT NULL,
    correlation_id UUID,
    causation_id UUID,
    metadata JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    -- Ensure version uniqueness per stream
    UNIQUE (aggregate_type, aggregate_id, aggregate_version)
);

-- Index for stream reads
CREATE INDEX IF NOT EXISTS idx_%[2]s_stream
    ON %[2]s (aggregate_type, aggregate_id, aggregate_version);

-- Index for cross-stream event type queries
CREATE INDEX IF NOT EXISTS idx_%[2]s_event_type
    ON %[2]s (event_type, global_position);

-- Stream heads table tracks the current version of each stream
-- Provides O(1) version lookup for appends
CREATE TABLE IF NOT EXISTS %[3]s (
    aggregate_type TEXT NOT NULL,
    aggregate_id UUID NOT NULL,
    aggregate_version BIGINT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    PRIMARY KEY (aggregate_type, aggregate_id)
);

-- Projection checkpoints track progress and lifecycle of async projections
CREATE TABLE IF NOT EXISTS %[4]s (
    projection_name TEXT PRIMARY KEY,
    last_global_position BIGINT NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'live',
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- Read-model documents are disposable projection output
CREATE TABLE IF NOT EXISTS %[5]s (
    model_name TEXT NOT NULL,
    doc_id TEXT NOT NULL,
    data JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    PRIMARY KEY (model_name, doc_id)
);
`,
		time.Now().Format(time.RFC3339),
		config.EventsTable,
		config.StreamHeadsTable,
		config.CheckpointsTable,
		config.DocumentsTable,
	)
}

// SQLiteSQL returns the SQLite schema for the runtime tables.
func SQLiteSQL(config *Config) string {
	return fmt.Sprintf(`-- Event Sourcing Infrastructure Migration
-- Generated: %s

CREATE TABLE IF NOT EXISTS %[2]s (
    global_position INTEGER PRIMARY KEY AUTOINCREMENT,
    aggregate_type TEXT NOT NULL,
    aggregate_id TEXT NOT NULL,
    aggregate_version INTEGER NOT NULL,
    event_id TEXT NOT NULL UNIQUE,
    event_type TEXT NOT NULL,
    event_version INTEGER NOT NULL DEFAULT 1,
    payload BLOB NOT NULL,
    correlation_id TEXT,
    causation_id TEXT,
    metadata BLOB,
    created_at TEXT NOT NULL,

    UNIQUE (aggregate_type, aggregate_id, aggregate_version)
);

CREATE INDEX IF NOT EXISTS idx_%[2]s_stream
    ON %[2]s (aggregate_type, aggregate_id, aggregate_version);

CREATE INDEX IF NOT EXISTS idx_%[2]s_event_type
    ON %[2]s (event_type, global_position);

CREATE TABLE IF NOT EXISTS %[3]s (
    aggregate_type TEXT NOT NULL,
    aggregate_id TEXT NOT NULL,
    aggregate_version INTEGER NOT NULL,
    updated_at TEXT NOT NULL,

    PRIMARY KEY (aggregate_type, aggregate_id)
);

CREATE TABLE IF NOT EXISTS %[4]s (
    projection_name TEXT PRIMARY KEY,
    last_global_position INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'live',
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS %[5]s (
    model_name TEXT NOT NULL,
    doc_id TEXT NOT NULL,
    data BLOB NOT NULL,
    updated_at TEXT NOT NULL,

    PRIMARY KEY (model_name, doc_id)
);
`,
		time.Now().Format(time.RFC3339),
		config.EventsTable,
		config.StreamHeadsTable,
		config.CheckpointsTable,
		config.DocumentsTable,
	)
}
