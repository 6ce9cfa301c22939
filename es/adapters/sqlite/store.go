// Package sqlite provides a SQLite adapter for event sourcing.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/newsroomhq/publishing/es"
	"github.com/newsroomhq/publishing/es/store"
)

const (
	// sqliteDateTimeFormat is the format used for timestamp storage/parsing in SQLite
	sqliteDateTimeFormat = "2006-01-02 15:04:05.999999"
)

// StoreConfig contains configuration for the SQLite event store.
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

// StoreOption is a functional option for configuring a Store.
type StoreOption func(*StoreConfig)

// WithLogger sets a logger for the store.
func WithLogger(logger es.Logger) StoreOption {
	return func(c *StoreConfig) {
		c.Logger = logger
	}
}

// WithEventsTable sets a custom events table name.
func WithEventsTable(tableName string) StoreOption {
	return func(c *StoreConfig) {
		c.EventsTable = tableName
	}
}

// NewStoreConfig creates a store configuration with functional options applied
// over the defaults.
func NewStoreConfig(opts ...StoreOption) StoreConfig {
	config := DefaultStoreConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return config
}

// Store is a SQLite-backed event store implementation.
type Store struct {
	config StoreConfig
}

// NewStore creates a new SQLite event store with the given configuration.
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

	currentVersion, err := s.currentVersion(ctx, tx, firstEvent.AggregateType, firstEvent.AggregateID)
	if err != nil {
		return es.AppendResult{}, err
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
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.config.EventsTable)

	globalPositions := make([]int64, len(events))
	persistedEvents := make([]es.PersistedEvent, len(events))

	for i := range events {
		event := &events[i]
		aggregateVersion := nextVersion + int64(i)

		result, execErr := tx.ExecContext(ctx, insertQuery,
			event.AggregateType,
			event.AggregateID.String(),
			aggregateVersion,
			event.EventID.String(),
			event.EventType,
			event.EventVersion,
			event.Payload,
			nullableUUID(event.CorrelationID),
			nullableUUID(event.CausationID),
			event.Metadata,
			event.CreatedAt.UTC().Format(sqliteDateTimeFormat),
		)
		if execErr != nil {
			if IsUniqueViolation(execErr) {
				if s.config.Logger != nil {
					s.config.Logger.Error(ctx, "optimistic concurrency conflict",
						"aggregate_type", event.AggregateType,
						"aggregate_id", event.AggregateID,
						"aggregate_version", aggregateVersion)
				}
				return es.AppendResult{}, store.ErrOptimisticConcurrency
			}
			return es.AppendResult{}, fmt.Errorf("failed to insert event %d: %w", i, execErr)
		}

		globalPos, idErr := result.LastInsertId()
		if idErr != nil {
			return es.AppendResult{}, fmt.Errorf("failed to get last insert id: %w", idErr)
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
		VALUES (?, ?, ?, datetime('now'))
		ON CONFLICT (aggregate_type, aggregate_id)
		DO UPDATE SET aggregate_version = ?, updated_at = datetime('now')
	`, s.config.StreamHeadsTable)

	if _, err := tx.ExecContext(ctx, upsertQuery,
		firstEvent.AggregateType, firstEvent.AggregateID.String(), latestVersion, latestVersion); err != nil {
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

func (s *Store) currentVersion(ctx context.Context, tx es.DBTX, aggregateType string, aggregateID uuid.UUID) (sql.NullInt64, error) {
	query := fmt.Sprintf(`
		SELECT aggregate_version
		FROM %s
		WHERE aggregate_type = ? AND aggregate_id = ?
	`, s.config.StreamHeadsTable)

	var currentVersion sql.NullInt64
	err := tx.QueryRowContext(ctx, query, aggregateType, aggregateID.String()).Scan(&currentVersion)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return sql.NullInt64{}, fmt.Errorf("failed to check current version: %w", err)
	}
	return currentVersion, nil
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

func nullableUUID(id uuid.NullUUID) interface{} {
	if id.Valid {
		return id.UUID.String()
	}
	return nil
}

// IsUniqueViolation checks if an error is a SQLite unique constraint violation.
// This is exported for testing purposes.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	errMsg := err.Error()
	return strings.Contains(errMsg, "UNIQUE constraint failed") ||
		strings.Contains(errMsg, "unique constraint") ||
		strings.Contains(errMsg, "constraint failed")
}

// ReadEvents implements store.EventReader.
func (s *Store) ReadEvents(ctx context.Context, tx es.DBTX, fromPosition int64, limit int) ([]es.PersistedEvent, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE global_position > ?
		ORDER BY global_position ASC
		LIMIT ?
	`, eventColumns, s.config.EventsTable)

	return s.queryEvents(ctx, tx, query, fromPosition, limit)
}

// ReadEventsByType implements store.TypeReader.
func (s *Store) ReadEventsByType(ctx context.Context, tx es.DBTX, eventType string, fromPosition int64, limit int) ([]es.PersistedEvent, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE event_type = ? AND global_position > ?
		ORDER BY global_position ASC
		LIMIT ?
	`, eventColumns, s.config.EventsTable)

	return s.queryEvents(ctx, tx, query, eventType, fromPosition, limit)
}

// ReadStream implements store.StreamReader.
// An unknown stream yields an empty stream, not an error.
func (s *Store) ReadStream(ctx context.Context, tx es.DBTX, aggregateType string, aggregateID uuid.UUID, fromVersion, toVersion *int64) (es.Stream, error) {
	var sb strings.Builder
	args := []interface{}{aggregateType, aggregateID.String()}

	fmt.Fprintf(&sb, `
		SELECT %s
		FROM %s
		WHERE aggregate_type = ? AND aggregate_id = ?
	`, eventColumns, s.config.EventsTable)
	if fromVersion != nil {
		sb.WriteString(" AND aggregate_version >= ?")
		args = append(args, *fromVersion)
	}
	if toVersion != nil {
		sb.WriteString(" AND aggregate_version <= ?")
		args = append(args, *toVersion)
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

const eventColumns = `global_position, aggregate_type, aggregate_id, aggregate_version,
		event_id, event_type, event_version,
		payload, correlation_id, causation_id,
		metadata, created_at`

func (s *Store) queryEvents(ctx context.Context, tx es.DBTX, query string, args ...interface{}) ([]es.PersistedEvent, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []es.PersistedEvent
	for rows.Next() {
		event, scanErr := scanEvent(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (es.PersistedEvent, error) {
	var e es.PersistedEvent
	var aggregateID, eventID, createdAt string
	var correlationID, causationID sql.NullString

	err := rows.Scan(
		&e.GlobalPosition,
		&e.AggregateType,
		&aggregateID,
		&e.AggregateVersion,
		&eventID,
		&e.EventType,
		&e.EventVersion,
		&e.Payload,
		&correlationID,
		&causationID,
		&e.Metadata,
		&createdAt,
	)
	if err != nil {
		return es.PersistedEvent{}, fmt.Errorf("failed to scan event: %w", err)
	}

	if e.AggregateID, err = uuid.Parse(aggregateID); err != nil {
		return es.PersistedEvent{}, fmt.Errorf("failed to parse aggregate ID: %w", err)
	}
	if e.EventID, err = uuid.Parse(eventID); err != nil {
		return es.PersistedEvent{}, fmt.Errorf("failed to parse event ID: %w", err)
	}
	if e.CorrelationID, err = parseNullUUID(correlationID); err != nil {
		return es.PersistedEvent{}, fmt.Errorf("failed to parse correlation ID: %w", err)
	}
	if e.CausationID, err = parseNullUUID(causationID); err != nil {
		return es.PersistedEvent{}, fmt.Errorf("failed to parse causation ID: %w", err)
	}
	if e.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return es.PersistedEvent{}, fmt.Errorf("failed to parse created_at: %w", err)
	}
	return e, nil
}

func parseNullUUID(value sql.NullString) (uuid.NullUUID, error) {
	if !value.Valid {
		return uuid.NullUUID{}, nil
	}
	id, err := uuid.Parse(value.String)
	if err != nil {
		return uuid.NullUUID{}, err
	}
	return uuid.NullUUID{UUID: id, Valid: true}, nil
}
