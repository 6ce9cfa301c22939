// Package store provides event store abstractions.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/newsroomhq/publishing/es"
)

var (
	// ErrOptimisticConcurrency indicates a version conflict during append.
	// The caller's expected version is stale; reload and retry, or surface
	// the conflict. The store never retries on its own.
	ErrOptimisticConcurrency = errors.New("optimistic concurrency conflict")

	// ErrStreamExists indicates an append with NoStream hit an existing stream.
	ErrStreamExists = errors.New("stream already exists")

	// ErrNoEvents indicates an attempt to append zero events.
	ErrNoEvents = errors.New("no events to append")
)

// EventStore defines the interface for appending events.
type EventStore interface {
	// Append atomically appends one or more events within the provided transaction.
	// Events must all belong to the same stream.
	//
	// The store assigns consecutive aggregate versions starting from the stream's
	// current version + 1 and validates expectedVersion against the current version:
	//   - Exact(n): the stream must be at version n
	//   - NoStream: the stream must not exist (returns ErrStreamExists otherwise)
	//   - Any: no validation
	//
	// A unique constraint on (aggregate_type, aggregate_id, aggregate_version)
	// backstops races between the version check and the insert: the losing
	// transaction gets ErrOptimisticConcurrency.
	Append(ctx context.Context, tx es.DBTX, expectedVersion es.ExpectedVersion, events []es.Event) (es.AppendResult, error)
}

// EventReader defines the interface for reading events sequentially.
type EventReader interface {
	// ReadEvents reads up to limit events with global position greater than
	// fromPosition, ordered by global position ascending.
	ReadEvents(ctx context.Context, tx es.DBTX, fromPosition int64, limit int) ([]es.PersistedEvent, error)
}

// StreamReader reads the event stream of a single aggregate instance.
type StreamReader interface {
	// ReadStream reads events for one stream ordered by aggregate version.
	// fromVersion and toVersion bound the read when non-nil (inclusive),
	// which makes the sequence restartable for paged replays.
	// An unknown stream yields an empty Stream, not an error.
	ReadStream(ctx context.Context, tx es.DBTX, aggregateType string, aggregateID uuid.UUID, fromVersion, toVersion *int64) (es.Stream, error)
}

// TypeReader scans events of one type across all streams.
// Projections use it for correlation data outside their own stream.
type TypeReader interface {
	// ReadEventsByType reads up to limit events of the given type with global
	// position greater than fromPosition, ordered by global position ascending.
	ReadEventsByType(ctx context.Context, tx es.DBTX, eventType string, fromPosition int64, limit int) ([]es.PersistedEvent, error)
}

// CheckpointStore tracks async projection progress.
type CheckpointStore interface {
	// GetCheckpoint returns the checkpoint for a projection.
	// An unknown projection yields a zero checkpoint in StatusLive.
	GetCheckpoint(ctx context.Context, tx es.DBTX, projectionName string) (Checkpoint, error)

	// UpdateCheckpoint advances a projection's position, keeping its status.
	UpdateCheckpoint(ctx context.Context, tx es.DBTX, projectionName string, position int64) error

	// SetCheckpoint overwrites position and status. Used by rebuilds.
	SetCheckpoint(ctx context.Context, tx es.DBTX, projectionName string, position int64, status CheckpointStatus) error
}

// CheckpointStatus is the lifecycle state of an async projection's read model.
type CheckpointStatus string

const (
	// StatusLive means the read model is current up to the checkpoint position.
	StatusLive CheckpointStatus = "live"

	// StatusRebuilding means the read model is being replayed from position
	// zero and must not be treated as live until the replay catches up.
	StatusRebuilding CheckpointStatus = "rebuilding"
)

// Checkpoint is a projection's recorded position in the global log.
type Checkpoint struct {
	Position int64
	Status   CheckpointStatus
}

// FindEventByType pages through events of one type until match returns true.
// It tolerates absence: when the log holds no matching event it returns
// (zero, false, nil). The batch size bounds memory, not correctness.
func FindEventByType(ctx context.Context, tx es.DBTX, reader TypeReader, eventType string, match func(es.PersistedEvent) bool) (es.PersistedEvent, bool, error) {
	const batchSize = 256

	var position int64
	for {
		events, err := reader.ReadEventsByType(ctx, tx, eventType, position, batchSize)
		if err != nil {
			return es.PersistedEvent{}, false, err
		}
		if len(events) == 0 {
			return es.PersistedEvent{}, false, nil
		}
		for i := range events {
			if match(events[i]) {
				return events[i], true, nil
			}
		}
		position = events[len(events)-1].GlobalPosition
	}
}
