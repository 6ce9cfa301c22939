// Package codec maps domain event payloads to and from stored events.
//
// Each aggregate package registers its event variants once at init time;
// stores and projections then round-trip payloads through the registry
// without knowing concrete types.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/newsroomhq/publishing/es"
)

// ErrUnknownEventType indicates a stored event type has no registered decoder.
// Async projections treat this as fatal unless skipping is explicitly enabled.
var ErrUnknownEventType = errors.New("unknown event type")

// DomainEvent is implemented by every domain event variant.
// The event type string is the stable wire identity of the variant.
type DomainEvent interface {
	EventType() string
}

// Registry maps event type strings to payload factories.
// Registration happens at package init time; reads are lock-free afterwards.
type Registry struct {
	factories map[string]func() DomainEvent
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]func() DomainEvent{}}
}

// Register adds a factory for one event type.
// Registering the same type twice panics: it is a wiring bug, not a runtime condition.
func (r *Registry) Register(eventType string, factory func() DomainEvent) {
	if _, dup := r.factories[eventType]; dup {
		panic(fmt.Sprintf("codec: event type %q registered twice", eventType))
	}
	r.factories[eventType] = factory
}

// Option customizes the stored form of an encoded event.
type Option func(*es.Event)

// WithMetadata attaches JSON metadata to the stored event.
func WithMetadata(metadata []byte) Option {
	return func(e *es.Event) { e.Metadata = metadata }
}

// WithCausationID records the event or command that caused this event.
func WithCausationID(id uuid.UUID) Option {
	return func(e *es.Event) { e.CausationID = uuid.NullUUID{UUID: id, Valid: true} }
}

// WithCorrelationID links related events across streams.
func WithCorrelationID(id uuid.UUID) Option {
	return func(e *es.Event) { e.CorrelationID = uuid.NullUUID{UUID: id, Valid: true} }
}

// ToEvent encodes one domain event for appending to a stream.
func (r *Registry) ToEvent(aggregateType string, aggregateID uuid.UUID, domainEvent DomainEvent, opts ...Option) (es.Event, error) {
	payload, err := json.Marshal(domainEvent)
	if err != nil {
		return es.Event{}, fmt.Errorf("failed to marshal %q payload: %w", domainEvent.EventType(), err)
	}

	event := es.Event{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventID:       uuid.New(),
		EventType:     domainEvent.EventType(),
		EventVersion:  1,
		Payload:       payload,
		CreatedAt:     time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&event)
	}
	return event, nil
}

// ToEvents encodes a batch of domain events for one stream, in order.
func (r *Registry) ToEvents(aggregateType string, aggregateID uuid.UUID, domainEvents []DomainEvent, opts ...Option) ([]es.Event, error) {
	events := make([]es.Event, 0, len(domainEvents))
	for _, domainEvent := range domainEvents {
		event, err := r.ToEvent(aggregateType, aggregateID, domainEvent, opts...)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

// FromEvent decodes a stored event back into its domain variant.
func (r *Registry) FromEvent(persisted es.PersistedEvent) (DomainEvent, error) {
	factory, ok := r.factories[persisted.EventType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, persisted.EventType)
	}

	domainEvent := factory()
	if err := json.Unmarshal(persisted.Payload, domainEvent); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %q payload at position %d: %w",
			persisted.EventType, persisted.GlobalPosition, err)
	}
	return domainEvent, nil
}

// FromStream decodes every event of a stream, in stream order.
func (r *Registry) FromStream(stream es.Stream) ([]DomainEvent, error) {
	domainEvents := make([]DomainEvent, 0, stream.Len())
	for _, persisted := range stream.Events {
		domainEvent, err := r.FromEvent(persisted)
		if err != nil {
			return nil, err
		}
		domainEvents = append(domainEvents, domainEvent)
	}
	return domainEvents, nil
}

// Knows reports whether the registry can decode the given event type.
func (r *Registry) Knows(eventType string) bool {
	_, ok := r.factories[eventType]
	return ok
}
