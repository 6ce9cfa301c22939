package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/newsroomhq/publishing/es"
	"github.com/newsroomhq/publishing/es/store"
)

// GetCheckpoint implements store.CheckpointStore.
// An unknown projection yields a zero checkpoint in StatusLive.
func (s *Store) GetCheckpoint(ctx context.Context, tx es.DBTX, projectionName string) (store.Checkpoint, error) {
	query := fmt.Sprintf(`
		SELECT last_global_position, status
		FROM %s
		WHERE projection_name = $1
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
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (projection_name)
		DO UPDATE SET
			last_global_position = EXCLUDED.last_global_position,
			updated_at = EXCLUDED.updated_at
	`, s.config.CheckpointsTable)

	_, err := tx.ExecContext(ctx, query, projectionName, position, string(store.StatusLive))
	return err
}

// SetCheckpoint implements store.CheckpointStore.
// It overwrites position and status; rebuilds use it to rewind to zero.
func (s *Store) SetCheckpoint(ctx context.Context, tx es.DBTX, projectionName string, position int64, status store.CheckpointStatus) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (projection_name, last_global_position, status, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (projection_name)
		DO UPDATE SET
			last_global_position = EXCLUDED.last_global_position,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
	`, s.config.CheckpointsTable)

	_, err := tx.ExecContext(ctx, query, projectionName, position, string(status))
	return err
}
