package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/newsroomhq/publishing/es"
	"github.com/newsroomhq/publishing/es/store"
)

// sqliteDateTimeFormats lists common SQLite datetime formats for parsing
var sqliteDateTimeFormats = []string{
	sqliteDateTimeFormat,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.999999Z",
	"2006-01-02T15:04:05Z",
	time.RFC3339,
	time.RFC3339Nano,
}

// parseSQLiteTime parses SQLite datetime strings to time.Time
func parseSQLiteTime(s string) (time.Time, error) {
	for _, format := range sqliteDateTimeFormats {
		t, err := time.Parse(format, s)
		if err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unable to parse timestamp: %s", s)
}

// GetCheckpoint implements store.CheckpointStore.
// An unknown projection yields a zero checkpoint in StatusLive.
func (s *Store) GetCheckpoint(ctx context.Context, tx es.DBTX, projectionName string) (store.Checkpoint, error) {
	query := fmt.Sprintf(`
		SELECT last_global_position, status
		FROM %s
		WHERE projection_name = ?
	`, s.config.CheckpointsTable)

	var checkpoint store.Checkpoint
	var status string
	err := tx.QueryRowContext(ctx, query, projectionName).Scan(&checkpoint.Position, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Checkpoint{Status: store.StatusLive}, nil
		}
		return store.Checkpoint{}, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	checkpoint.Status = store.CheckpointStatus(status)
	return checkpoint, nil
}

// UpdateCheckpoint implements store.CheckpointStore.
// It advances the position and keeps the current status.
func (s *Store) UpdateCheckpoint(ctx context.Context, tx es.DBTX, projectionName string, position int64) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (projection_name, last_global_position, status, updated_at)
		VALUES (?, ?, ?, datetime('now'))
		ON CONFLICT (projection_name)
		DO UPDATE SET
			last_global_position = excluded.last_global_position,
			updated_at = excluded.updated_at
	`, s.config.CheckpointsTable)

	_, err := tx.ExecContext(ctx, query, projectionName, position, string(store.StatusLive))
	return err
}

// SetCheckpoint implements store.CheckpointStore.
// It overwrites position and status; rebuilds use it to rewind to zero.
func (s *Store) SetCheckpoint(ctx context.Context, tx es.DBTX, projectionName string, position int64, status store.CheckpointStatus) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (projection_name, last_global_position, status, updated_at)
		VALUES (?, ?, ?, datetime('now'))
		ON CONFLICT (projection_name)
		DO UPDATE SET
			last_global_position = excluded.last_global_position,
			status = excluded.status,
			updated_at = excluded.updated_at
	`, s.config.CheckpointsTable)

	_, err := tx.ExecContext(ctx, query, projectionName, position, string(status))
	return err
}
