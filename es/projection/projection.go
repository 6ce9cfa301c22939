// Package projection provides projection processing capabilities.
//
// Projections fold events into read models. Inline projections run in the
// same transaction as the originating append and see only that stream's
// events. Async projections run in background processors that poll the
// global log, checkpoint their position, and may raise outbox messages or
// rebuild their read model from position zero.
package projection

import (
	"context"
	"errors"
	"hash/fnv"
	"time"

	"github.com/newsroomhq/publishing/es"
	"github.com/newsroomhq/publishing/es/outbox"
)

var (
	// ErrProjectionStopped indicates the projection was stopped due to an error.
	// The checkpoint does not advance past the failing event; the events are
	// replayed on restart (at-least-once, made idempotent by the fold).
	ErrProjectionStopped = errors.New("projection stopped")
)

// Inline is a projection that executes inside the write transaction.
// It receives exactly the events just appended to one stream. An error
// aborts the whole write: events never commit without their projection.
type Inline interface {
	// Name returns the unique name of this projection.
	Name() string

	// ApplyInline folds the freshly appended events of a single stream
	// into the read model, within the append's transaction.
	ApplyInline(ctx context.Context, tx es.DBTX, events []es.PersistedEvent) error
}

// Projection is an async projection handler.
type Projection interface {
	// Name returns the unique name of this projection.
	// The name keys checkpoint tracking and rebuild requests.
	Name() string

	// Handle processes a single event within the processor's transaction.
	// Return an error to stop processing; the batch rolls back and is
	// retried, never skipped.
	Handle(ctx context.Context, tx es.DBTX, event es.PersistedEvent) error
}

// ScopedProjection optionally narrows a projection to specific aggregate types.
// Events of other aggregate types advance the checkpoint without a Handle call.
type ScopedProjection interface {
	Projection

	// AggregateTypes returns the aggregate types this projection consumes.
	// An empty list means all types.
	AggregateTypes() []string
}

// SideEffectEmitter is an async projection that raises outbox messages.
// RaiseSideEffects runs once per processed batch, after every Handle call,
// inside the same transaction. The projection inspects the batch and the
// resulting read-model state and publishes only on a guarded edge - never
// merely because a satisfied state was folded again.
type SideEffectEmitter interface {
	Projection

	RaiseSideEffects(ctx context.Context, tx es.DBTX, batch *outbox.Batch, events []es.PersistedEvent) error
}

// Rebuildable is an async projection whose read model can be discarded and
// replayed from the beginning of the log.
type Rebuildable interface {
	Projection

	// Reset discards the read model within the given transaction.
	Reset(ctx context.Context, tx es.DBTX) error
}

// ProcessorRunner runs one async projection until its context is canceled.
// Implementations are adapter-specific and own transactions and checkpoints.
type ProcessorRunner interface {
	Run(ctx context.Context, proj Projection) error
}

// Rebuilder requests a full replay of one projection's read model.
// The reset is transactional; the replay happens in the processor's loop.
type Rebuilder interface {
	Rebuild(ctx context.Context, proj Projection) error
}

// PartitionStrategy defines how events are partitioned across projection instances.
type PartitionStrategy interface {
	// ShouldProcess returns true if this projection instance should process
	// the given event. partitionKey identifies this instance (0-indexed).
	ShouldProcess(aggregateID string, partitionKey int, totalPartitions int) bool
}

// HashPartitionStrategy implements deterministic hash-based partitioning.
// All events of one stream land on the same partition, so per-stream
// ordering survives horizontal scaling.
type HashPartitionStrategy struct{}

// ShouldProcess implements PartitionStrategy using FNV-1a hashing.
func (HashPartitionStrategy) ShouldProcess(aggregateID string, partitionKey int, totalPartitions int) bool {
	if totalPartitions <= 1 {
		return true
	}

	h := fnv.New32a()
	h.Write([]byte(aggregateID))
	partition := int(h.Sum32()) % totalPartitions
	return partition == partitionKey
}

// ProcessorConfig configures an async projection processor.
type ProcessorConfig struct {
	// Logger is an optional logger for observability.
	Logger es.Logger

	// BatchSize is the number of events to read per batch
	BatchSize int

	// PollInterval bounds how long the processor sleeps after draining the log
	PollInterval time.Duration

	// PartitionKey identifies this processor instance (0-indexed)
	PartitionKey int

	// TotalPartitions is the total number of processor instances
	TotalPartitions int

	// PartitionStrategy determines which events this processor handles
	PartitionStrategy PartitionStrategy
}

// DefaultProcessorConfig returns the default configuration.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		BatchSize:         100,
		PollInterval:      250 * time.Millisecond,
		PartitionKey:      0,
		TotalPartitions:   1,
		PartitionStrategy: HashPartitionStrategy{},
	}
}

// BuildAggregateTypeFilter builds a lookup for scoped projections.
// Returns nil when the projection is unscoped.
func BuildAggregateTypeFilter(proj Projection) map[string]bool {
	scoped, ok := proj.(ScopedProjection)
	if !ok {
		return nil
	}

	types := scoped.AggregateTypes()
	if len(types) == 0 {
		return nil
	}

	filter := make(map[string]bool, len(types))
	for _, aggregateType := range types {
		filter[aggregateType] = true
	}
	return filter
}
