package codec

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/newsroomhq/publishing/es"
)

type testEvent struct {
	Name string `json:"name"`
}

func (*testEvent) EventType() string { return "test.happened" }

func newTestRegistry() *Registry {
	r := NewRegistry()
	r.Register("test.happened", func() DomainEvent { return &testEvent{} })
	return r
}

func TestRegistry_RoundTrip(t *testing.T) {
	r := newTestRegistry()
	aggregateID := uuid.New()

	encoded, err := r.ToEvent("Publication", aggregateID, &testEvent{Name: "hello"})
	if err != nil {
		t.Fatalf("ToEvent() failed: %v", err)
	}

	if encoded.AggregateType != "Publication" {
		t.Errorf("AggregateType = %q, want Publication", encoded.AggregateType)
	}
	if encoded.AggregateID != aggregateID {
		t.Errorf("AggregateID = %v, want %v", encoded.AggregateID, aggregateID)
	}
	if encoded.EventType != "test.happened" {
		t.Errorf("EventType = %q, want test.happened", encoded.EventType)
	}
	if encoded.EventID == uuid.Nil {
		t.Error("EventID not assigned")
	}
	if encoded.EventVersion != 1 {
		t.Errorf("EventVersion = %d, want 1", encoded.EventVersion)
	}
	if encoded.CreatedAt.IsZero() {
		t.Error("CreatedAt not assigned")
	}

	decoded, err := r.FromEvent(es.PersistedEvent{Event: encoded})
	if err != nil {
		t.Fatalf("FromEvent() failed: %v", err)
	}
	roundTripped, ok := decoded.(*testEvent)
	if !ok {
		t.Fatalf("FromEvent() returned %T, want *testEvent", decoded)
	}
	if roundTripped.Name != "hello" {
		t.Errorf("Name = %q, want hello", roundTripped.Name)
	}
}

func TestRegistry_FromEvent_UnknownType(t *testing.T) {
	r := newTestRegistry()

	_, err := r.FromEvent(es.PersistedEvent{
		Event: es.Event{EventType: "test.unregistered", Payload: []byte("{}")},
	})
	if !errors.Is(err, ErrUnknownEventType) {
		t.Errorf("FromEvent() = %v, want ErrUnknownEventType", err)
	}
}

func TestRegistry_DuplicateRegistrationPanics(t *testing.T) {
	r := newTestRegistry()

	defer func() {
		if recover() == nil {
			t.Error("expected duplicate registration to panic")
		}
	}()
	r.Register("test.happened", func() DomainEvent { return &testEvent{} })
}

func TestRegistry_Knows(t *testing.T) {
	r := newTestRegistry()

	if !r.Knows("test.happened") {
		t.Error("Knows(test.happened) = false, want true")
	}
	if r.Knows("test.unregistered") {
		t.Error("Knows(test.unregistered) = true, want false")
	}
}

func TestRegistry_ToEvents_PreservesOrder(t *testing.T) {
	r := newTestRegistry()
	aggregateID := uuid.New()

	events, err := r.ToEvents("Publication", aggregateID, []DomainEvent{
		&testEvent{Name: "first"},
		&testEvent{Name: "second"},
	})
	if err != nil {
		t.Fatalf("ToEvents() failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}

	first, err := r.FromEvent(es.PersistedEvent{Event: events[0]})
	if err != nil {
		t.Fatalf("FromEvent() failed: %v", err)
	}
	if first.(*testEvent).Name != "first" {
		t.Errorf("first event Name = %q, want first", first.(*testEvent).Name)
	}
}

func TestRegistry_Options(t *testing.T) {
	r := newTestRegistry()
	causationID := uuid.New()
	correlationID := uuid.New()

	encoded, err := r.ToEvent("Publication", uuid.New(), &testEvent{},
		WithCausationID(causationID),
		WithCorrelationID(correlationID),
		WithMetadata([]byte(`{"source":"test"}`)))
	if err != nil {
		t.Fatalf("ToEvent() failed: %v", err)
	}

	if !encoded.CausationID.Valid || encoded.CausationID.UUID != causationID {
		t.Errorf("CausationID = %v, want %v", encoded.CausationID, causationID)
	}
	if !encoded.CorrelationID.Valid || encoded.CorrelationID.UUID != correlationID {
		t.Errorf("CorrelationID = %v, want %v", encoded.CorrelationID, correlationID)
	}
	if string(encoded.Metadata) != `{"source":"test"}` {
		t.Errorf("Metadata = %s", encoded.Metadata)
	}
}

func TestRegistry_FromStream(t *testing.T) {
	r := newTestRegistry()
	aggregateID := uuid.New()

	encoded, err := r.ToEvents("Publication", aggregateID, []DomainEvent{
		&testEvent{Name: "a"},
		&testEvent{Name: "b"},
	})
	if err != nil {
		t.Fatalf("ToEvents() failed: %v", err)
	}

	stream := es.Stream{AggregateType: "Publication", AggregateID: aggregateID}
	for i, event := range encoded {
		stream.Events = append(stream.Events, es.PersistedEvent{
			Event:            event,
			GlobalPosition:   int64(i + 1),
			AggregateVersion: int64(i + 1),
		})
	}

	decoded, err := r.FromStream(stream)
	if err != nil {
		t.Fatalf("FromStream() failed: %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("len(decoded) = %d, want 2", len(decoded))
	}
	if decoded[0].(*testEvent).Name != "a" || decoded[1].(*testEvent).Name != "b" {
		t.Error("FromStream() did not preserve order")
	}
}
