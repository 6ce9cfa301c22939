// Package es provides core event sourcing interfaces and types.
package es

import (
	"time"

	"github.com/google/uuid"
)

// Event represents an immutable domain event.
// Events are value objects without identity until persisted.
type Event struct {
	// CreatedAt is when the event was created
	CreatedAt time.Time

	// AggregateType identifies the type of aggregate this event belongs to
	AggregateType string

	// EventType identifies the type of event
	EventType string

	// Payload contains the event data
	// Stored as a byte blob for flexibility - allows any serialization format
	Payload []byte

	// Metadata contains additional event metadata as JSON
	Metadata []byte

	// EventVersion is the schema version of this event type
	EventVersion int

	// CausationID identifies the event/command that caused this event (optional)
	CausationID uuid.NullUUID

	// CorrelationID links related events across aggregates (optional)
	CorrelationID uuid.NullUUID

	// EventID is a unique identifier for this event
	EventID uuid.UUID

	// AggregateID uniquely identifies the aggregate instance
	AggregateID uuid.UUID
}

// PersistedEvent represents an event that has been stored.
// GlobalPosition and AggregateVersion are assigned by the event store.
type PersistedEvent struct {
	Event

	// GlobalPosition is the event's position in the global log, assigned on append
	GlobalPosition int64

	// AggregateVersion is the version of the aggregate after this event is applied.
	// Versions start at 1; a stream with no events is at version 0.
	AggregateVersion int64
}

// AppendResult is returned by a successful append.
type AppendResult struct {
	// Events are the persisted events with assigned positions and versions
	Events []PersistedEvent

	// GlobalPositions are the assigned global positions, in append order
	GlobalPositions []int64
}

// NewVersion returns the aggregate version after the append.
func (r AppendResult) NewVersion() int64 {
	if len(r.Events) == 0 {
		return 0
	}
	return r.Events[len(r.Events)-1].AggregateVersion
}

// Stream is the ordered event sequence of one aggregate instance.
type Stream struct {
	AggregateType string
	AggregateID   uuid.UUID
	Events        []PersistedEvent
}

// Version returns the current version of the stream.
// An empty stream is at version 0.
func (s Stream) Version() int64 {
	if len(s.Events) == 0 {
		return 0
	}
	return s.Events[len(s.Events)-1].AggregateVersion
}

// IsEmpty reports whether the stream holds no events.
func (s Stream) IsEmpty() bool {
	return len(s.Events) == 0
}

// Len returns the number of events in the stream.
func (s Stream) Len() int {
	return len(s.Events)
}
