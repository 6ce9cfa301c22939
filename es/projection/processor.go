package projection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/newsroomhq/publishing/es"
	"github.com/newsroomhq/publishing/es/outbox"
	"github.com/newsroomhq/publishing/es/store"
)

// Source is the storage surface a processor needs: a global-position event
// reader plus checkpoint tracking. Both SQL adapters implement it.
type Source interface {
	store.EventReader
	store.CheckpointStore
}

// Processor runs one async projection against the event log.
// It reads batches beyond the projection's checkpoint, applies partition and
// scope filters, hands events to the projection, raises side effects, and
// advances the checkpoint - all within one transaction per batch.
type Processor struct {
	db         *sql.DB
	source     Source
	dispatcher *outbox.Dispatcher
	config     ProcessorConfig
}

// NewProcessor creates a processor. dispatcher may be nil when the projection
// raises no side effects.
func NewProcessor(db *sql.DB, source Source, dispatcher *outbox.Dispatcher, config ProcessorConfig) *Processor {
	return &Processor{
		db:         db,
		source:     source,
		dispatcher: dispatcher,
		config:     config,
	}
}

// Run processes events for the given projection until the context is canceled.
// Returns ErrProjectionStopped (wrapped) if the projection handler fails; the
// checkpoint stays put so the failing batch replays on restart.
func (p *Processor) Run(ctx context.Context, proj Projection) error {
	if p.config.Logger != nil {
		p.config.Logger.Info(ctx, "projection processor starting",
			"projection", proj.Name(),
			"partition_key", p.config.PartitionKey,
			"total_partitions", p.config.TotalPartitions,
			"batch_size", p.config.BatchSize)
	}

	// Build the aggregate type filter once, not per batch
	aggregateTypeFilter := BuildAggregateTypeFilter(proj)

	for {
		select {
		case <-ctx.Done():
			if p.config.Logger != nil {
				p.config.Logger.Info(ctx, "projection processor stopped",
					"projection", proj.Name(),
					"reason", ctx.Err())
			}
			return ctx.Err()
		default:
		}

		drained, err := p.processBatch(ctx, proj, aggregateTypeFilter)
		if err != nil {
			if p.config.Logger != nil {
				p.config.Logger.Error(ctx, "projection processor error",
					"projection", proj.Name(),
					"error", err)
			}
			return fmt.Errorf("%w: %v", ErrProjectionStopped, err)
		}

		if drained {
			select {
			case <-time.After(p.pollInterval()):
			case <-ctx.Done():
			}
		}
	}
}

// Rebuild rewinds the projection's checkpoint to zero and discards its read
// model in one transaction. The replay itself happens in the Run loop, which
// flips the checkpoint back to live once it reaches the end of the log.
func (p *Processor) Rebuild(ctx context.Context, proj Projection) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := p.source.SetCheckpoint(ctx, tx, proj.Name(), 0, store.StatusRebuilding); err != nil {
		return fmt.Errorf("failed to rewind checkpoint: %w", err)
	}

	if rebuildable, ok := proj.(Rebuildable); ok {
		if err := rebuildable.Reset(ctx, tx); err != nil {
			return fmt.Errorf("failed to reset read model: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rebuild: %w", err)
	}

	if p.config.Logger != nil {
		p.config.Logger.Info(ctx, "projection rebuild started", "projection", proj.Name())
	}
	return nil
}

func (p *Processor) pollInterval() time.Duration {
	if p.config.PollInterval > 0 {
		return p.config.PollInterval
	}
	return 250 * time.Millisecond
}

func (p *Processor) shouldProcessEvent(event *es.PersistedEvent, aggregateTypeFilter map[string]bool) bool {
	if !p.config.PartitionStrategy.ShouldProcess(
		event.AggregateID.String(),
		p.config.PartitionKey,
		p.config.TotalPartitions,
	) {
		return false
	}

	if aggregateTypeFilter != nil && !aggregateTypeFilter[event.AggregateType] {
		return false
	}

	return true
}

// processBatch handles one batch. It reports drained=true when the log held
// no events beyond the checkpoint, so Run can sleep instead of spinning.
func (p *Processor) processBatch(ctx context.Context, proj Projection, aggregateTypeFilter map[string]bool) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	checkpoint, err := p.source.GetCheckpoint(ctx, tx, proj.Name())
	if err != nil {
		return false, fmt.Errorf("failed to get checkpoint: %w", err)
	}

	events, err := p.source.ReadEvents(ctx, tx, checkpoint.Position, p.config.BatchSize)
	if err != nil {
		return false, fmt.Errorf("failed to read events: %w", err)
	}

	if len(events) == 0 {
		// Caught up. A rebuilding projection becomes live here: the replay
		// has covered the whole log.
		if checkpoint.Status == store.StatusRebuilding {
			if err := p.source.SetCheckpoint(ctx, tx, proj.Name(), checkpoint.Position, store.StatusLive); err != nil {
				return false, fmt.Errorf("failed to mark projection live: %w", err)
			}
			if err := tx.Commit(); err != nil {
				return false, err
			}
			if p.config.Logger != nil {
				p.config.Logger.Info(ctx, "projection rebuild complete",
					"projection", proj.Name(),
					"checkpoint", checkpoint.Position)
			}
			return true, nil
		}
		return true, nil
	}

	var lastPosition int64
	var processed []es.PersistedEvent
	for i := range events {
		event := events[i]

		if !p.shouldProcessEvent(&event, aggregateTypeFilter) {
			lastPosition = event.GlobalPosition
			continue
		}

		if handlerErr := proj.Handle(ctx, tx, event); handlerErr != nil {
			if p.config.Logger != nil {
				p.config.Logger.Error(ctx, "projection handler error",
					"projection", proj.Name(),
					"position", event.GlobalPosition,
					"aggregate_type", event.AggregateType,
					"aggregate_id", event.AggregateID,
					"event_type", event.EventType,
					"error", handlerErr)
			}
			return false, fmt.Errorf("projection handler error at position %d: %w", event.GlobalPosition, handlerErr)
		}

		lastPosition = event.GlobalPosition
		processed = append(processed, event)
	}

	// During a rebuild the emitter still runs, so emission-gating state in
	// the read model (ready markers and the like) is rebuilt identically,
	// but the collected messages are dropped: the outside world already saw
	// them the first time around.
	replaying := checkpoint.Status == store.StatusRebuilding

	batch := outbox.NewBatch()
	if emitter, ok := proj.(SideEffectEmitter); ok && len(processed) > 0 {
		if err := emitter.RaiseSideEffects(ctx, tx, batch, processed); err != nil {
			return false, fmt.Errorf("projection side effects failed: %w", err)
		}
	}

	if lastPosition > 0 {
		if err := p.source.UpdateCheckpoint(ctx, tx, proj.Name(), lastPosition); err != nil {
			return false, fmt.Errorf("failed to update checkpoint: %w", err)
		}
	}

	// Before-commit delivery: a publish failure rolls the whole batch back.
	if !replaying {
		if err := p.dispatcher.BeforeCommit(ctx, batch); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}

	// After-commit delivery: the batch is already durable, losing the
	// message here is the documented at-most-once trade-off.
	if !replaying {
		if err := p.dispatcher.AfterCommit(ctx, batch); err != nil && p.config.Logger != nil {
			p.config.Logger.Error(ctx, "outbox after-commit publish failed",
				"projection", proj.Name(),
				"error", err)
		}
	}

	if p.config.Logger != nil {
		p.config.Logger.Debug(ctx, "batch processed",
			"projection", proj.Name(),
			"processed", len(processed),
			"skipped", len(events)-len(processed),
			"checkpoint", lastPosition,
			"messages", batch.Len())
	}

	return false, nil
}
