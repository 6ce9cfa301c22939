// Package outbox couples message publication to the storage commit boundary.
//
// Projections raise messages into a Batch scoped to one commit. The
// Dispatcher relays the batch to the bus either before the transaction
// commits (at-least-once: a crash after publish redelivers the transition on
// retry) or after it commits (at-most-once: a crash after commit loses the
// batch, but nothing is published for a write that never happened).
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Message is an integration message bound for the bus.
type Message struct {
	// Type identifies the message kind (e.g. "publication.ready")
	Type string

	// Body is the JSON-encoded message payload
	Body []byte

	// OccurredAt is when the triggering transition was observed
	OccurredAt time.Time
}

// NewMessage builds a message with a JSON body.
func NewMessage(messageType string, payload any) (Message, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal %q message: %w", messageType, err)
	}
	return Message{Type: messageType, Body: body, OccurredAt: time.Now().UTC()}, nil
}

// Bus delivers messages out of process. The physical transport (a durable
// pub/sub broker) stays behind this interface.
type Bus interface {
	Publish(ctx context.Context, message Message) error
}

// Policy selects when a batch is relayed relative to the commit.
type Policy string

const (
	// PolicyBeforeCommit publishes before the transaction commits.
	// At-least-once: no transition is silently lost, duplicates are possible.
	PolicyBeforeCommit Policy = "before-commit"

	// PolicyAfterCommit publishes after the transaction commits.
	// At-most-once: nothing is published for an uncommitted write, a crash
	// between commit and publish loses the batch.
	PolicyAfterCommit Policy = "after-commit"
)

// Batch collects the messages raised during one projection commit.
// A batch belongs to exactly one commit and is never shared across commits.
type Batch struct {
	messages []Message
}

// NewBatch creates an empty batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Publish enqueues a message into the batch.
func (b *Batch) Publish(message Message) {
	b.messages = append(b.messages, message)
}

// Messages returns the enqueued messages in publish order.
func (b *Batch) Messages() []Message {
	return b.messages
}

// Len returns the number of enqueued messages.
func (b *Batch) Len() int {
	return len(b.messages)
}

// Dispatcher relays commit-scoped batches to the bus under one policy.
type Dispatcher struct {
	bus    Bus
	policy Policy
}

// NewDispatcher creates a dispatcher for the given bus and policy.
func NewDispatcher(bus Bus, policy Policy) *Dispatcher {
	return &Dispatcher{bus: bus, policy: policy}
}

// Policy returns the configured delivery policy.
func (d *Dispatcher) Policy() Policy {
	return d.policy
}

// BeforeCommit flushes the batch when the policy is before-commit.
// A publish failure is returned so the caller rolls the whole write back:
// the batch is attributed to its commit as a unit.
func (d *Dispatcher) BeforeCommit(ctx context.Context, batch *Batch) error {
	if d == nil || d.policy != PolicyBeforeCommit {
		return nil
	}
	return d.flush(ctx, batch)
}

// AfterCommit flushes the batch when the policy is after-commit.
// The transaction is already durable; a publish failure is returned for
// logging only and must not fail the originating operation.
func (d *Dispatcher) AfterCommit(ctx context.Context, batch *Batch) error {
	if d == nil || d.policy != PolicyAfterCommit {
		return nil
	}
	return d.flush(ctx, batch)
}

func (d *Dispatcher) flush(ctx context.Context, batch *Batch) error {
	for _, message := range batch.Messages() {
		if err := d.bus.Publish(ctx, message); err != nil {
			return fmt.Errorf("failed to publish %q: %w", message.Type, err)
		}
	}
	return nil
}
