// Package postgres provides a PostgreSQL adapter for event sourcing.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/newsroomhq/publishing/es"
	"github.com/newsroomhq/publishing/es/store"
)

// StoreConfig contains configuration for the Postgres event store.
// Configuration is immutable after construction.
type StoreConfig struct {
	// Logger is an optional logger for observability.
	// If nil, logging is disabled (zero overhead).
	Logger es.Logger

	// EventsTable is the name of the events table
	EventsTable string

	// CheckpointsTable is the name of the projection checkpoints table
	CheckpointsTable string

	// StreamHeadsTable is the name of the stream version tracking table
	StreamHeadsTable string
}

// DefaultStoreConfig returns the default configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		EventsTable:      "events",
		CheckpointsTable: "projection_checkpoints",
		StreamHeadsTable: "stream_heads",
	}
}

// Store is a PostgreSQL-backed event store implementation.
type Store struct {
	config StoreConfig
}

// NewStore creates a new Postgres event store with the given configuration.
func NewStore(config StoreConfig) *Store {
	return &Store{config: config}
}

// Append implements store.EventStore.
// It tracks stream versions in the stream_heads table for O(1) lookup and
// validates expectedVersion against the current head. The unique constraint
// on (aggregate_type, aggregate_id, aggregate_version) backstops races
// between the version check and the insert.
func (s *Store) Append(ctx context.Context, tx es.DBTX, expectedVersion es.ExpectedVersion, events []es.Event) (es.AppendResult, error) {
	if len(events) == 0 {
		return es.AppendResult{}, store.ErrNoEvents
	}

	firstEvent := events[0]
	for i := range events {
		e := &events[i]
		if e.AggregateType != firstEvent.AggregateType {
			return es.AppendResult{}, fmt.Errorf("event %d: aggregate type mismatch", i)
		}
		if e.AggregateID != firstEvent.AggregateID {
			return es.AppendResult{}, fmt.Errorf("event %d: aggregate ID mismatch", i)
		}
	}

	var currentVersion sql.NullInt64
	headQuery := fmt.Sprintf(`
		SELECT aggregate_version
		FROM %s
		WHERE aggregate_type = $1 AND aggregate_id = $2
	`, s.config.StreamHeadsTable)

	err := tx.QueryRowContext(ctx, headQuery, firstEvent.AggregateType, firstEvent.AggregateID).Scan(&currentVersion)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return es.AppendResult{}, fmt.Errorf("failed to check current version: %w", err)
	}

	if err := validateExpectedVersion(expectedVersion, currentVersion); err != nil {
		if s.config.Logger != nil {
			s.config.Logger.Error(ctx, "expected version validation failed",
				"aggregate_type", firstEvent.AggregateType,
				"aggregate_id", firstEvent.AggregateID,
				"expected_version", expectedVersion.String(),
				"error", err)
		}
		return es.AppendResult{}, err
	}

	nextVersion := int64(1)
	if currentVersion.Valid {
		nextVersion = currentVersion.Int64 + 1
	}

	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (
			aggregate_type, aggregate_id, aggregate_version,
			event_id, event_type, event_version,
			payload, correlation_id, causation_id,
			metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING global_position
	`, s.config.EventsTable)

	globalPositions := make([]int64, len(events))
	persistedEvents := make([]es.PersistedEvent, len(events))

	for i := range events {
		event := &events[i]
		aggregateVersion := nextVersion + int64(i)

		var globalPos int64
		err := tx.QueryRowContext(ctx, insertQuery,
			event.AggregateType,
			event.AggregateID,
			aggregateVersion,
			event.EventID,
			event.EventType,
			event.EventVersion,
			event.Payload,
			event.CorrelationID,
			event.CausationID,
			event.Metadata,
			event.CreatedAt,
		).Scan(&globalPos)

		if err != nil {
			if IsUniqueViolation(err) {
				if s.config.Logger != nil {
					s.config.Logger.Error(ctx, "optimistic concurrency conflict",
						"aggregate_type", event.AggregateType,
						"aggregate_id", event.AggregateID,
						"aggregate_version", aggregateVersion)
				}
				return es.AppendResult{}, store.ErrOptimisticConcurrency
			}
			return es.AppendResult{}, fmt.Errorf("failed to insert event %d: %w", i, err)
		}

		globalPositions[i] = globalPos
		persistedEvents[i] = es.PersistedEvent{
			Event:            *event,
			GlobalPosition:   globalPos,
			AggregateVersion: aggregateVersion,
		}
	}

	latestVersion := nextVersion + int64(len(events)) - 1
	upsertQuery := fmt.Sprintf(`
		INSERT INTO %s (aggregate_type, aggregate_id, aggregate_version, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (aggregate_type, aggregate_id)
		DO UPDATE SET aggregate_version = $3, updated_at = NOW()
	`, s.config.StreamHeadsTable)

	if _, err := tx.ExecContext(ctx, upsertQuery,
		firstEvent.AggregateType, firstEvent.AggregateID, latestVersion); err != nil {
		return es.AppendResult{}, fmt.Errorf("failed to update stream head: %w", err)
	}

	if s.config.Logger != nil {
		s.config.Logger.Info(ctx, "events appended",
			"aggregate_type", firstEvent.AggregateType,
			"aggregate_id", firstEvent.AggregateID,
			"event_count", len(events),
			"version_range", fmt.Sprintf("%d-%d", nextVersion, latestVersion))
	}

	return es.AppendResult{
		Events:          persistedEvents,
		GlobalPositions: globalPositions,
	}, nil
}

func validateExpectedVersion(expected es.ExpectedVersion, current sql.NullInt64) error {
	switch {
	case expected.IsAny():
		return nil
	case expected.IsNoStream():
		if current.Valid {
			return store.ErrStreamExists
		}
		return nil
	default:
		if !current.Valid || current.Int64 != expected.Value() {
			return store.ErrOptimisticConcurrency
		}
		return nil
	}
}

// IsUniqueViolation checks if an error is a PostgreSQL unique constraint violation.
// This is exported for testing purposes.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505" // unique_violation
	}

	errMsg := err.Error()
	return strings.Contains(errMsg, "duplicate key") || strings.Contains(errMsg, "unique constraint")
}

const eventColumns = `global_position, aggregate_type, aggregate_id, aggregate_version,
		event_id, event_type, event_version,
		payload, correlation_id, causation_id,
		metadata, created_at`

// ReadEvents implements store.EventReader.
func (s *Store) ReadEvents(ctx context.Context, tx es.DBTX, fromPosition int64, limit int) ([]es.PersistedEvent, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE global_position > $1
		ORDER BY global_position ASC
		LIMIT $2
	`, eventColumns, s.config.EventsTable)

	return s.queryEvents(ctx, tx, query, fromPosition, limit)
}

// ReadEventsByType implements store.TypeReader.
func (s *Store) ReadEventsByType(ctx context.Context, tx es.DBTX, eventType string, fromPosition int64, limit int) ([]es.PersistedEvent, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE event_type = $1 AND global_position > $2
		ORDER BY global_position ASC
		LIMIT $3
	`, eventColumns, s.config.EventsTable)

	return s.queryEvents(ctx, tx, query, eventType, fromPosition, limit)
}

// ReadStream implements store.StreamReader.
// An unknown stream yields an empty stream, not an error.
func (s *Store) ReadStream(ctx context.Context, tx es.DBTX, aggregateType string, aggregateID uuid.UUID, fromVersion, toVersion *int64) (es.Stream, error) {
	var sb strings.Builder
	args := []interface{}{aggregateType, aggregateID}

	fmt.Fprintf(&sb, `
		SELECT %s
		FROM %s
		WHERE aggregate_type = $1 AND aggregate_id = $2
	`, eventColumns, s.config.EventsTable)
	if fromVersion != nil {
		args = append(args, *fromVersion)
		fmt.Fprintf(&sb, " AND aggregate_version >= $%d", len(args))
	}
	if toVersion != nil {
		args = append(args, *toVersion)
		fmt.Fprintf(&sb, " AND aggregate_version <= $%d", len(args))
	}
	sb.WriteString(" ORDER BY aggregate_version ASC")

	events, err := s.queryEvents(ctx, tx, sb.String(), args...)
	if err != nil {
		return es.Stream{}, err
	}

	return es.Stream{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Events:        events,
	}, nil
}

func (s *Store) queryEvents(ctx context.Context, tx es.DBTX, query string, args ...interface{}) ([]es.PersistedEvent, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []es.PersistedEvent
	for rows.Next() {
		var e es.PersistedEvent
		err := rows.Scan(
			&e.GlobalPosition,
			&e.AggregateType,
			&e.AggregateID,
			&e.AggregateVersion,
			&e.EventID,
			&e.EventType,
			&e.EventVersion,
			&e.Payload,
			&e.CorrelationID,
			&e.CausationID,
			&e.Metadata,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return events, nil
}
