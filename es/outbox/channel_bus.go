package outbox

import (
	"context"
	"errors"
	"sync"
)

// ErrBusClosed indicates a publish on a closed bus.
var ErrBusClosed = errors.New("bus closed")

// ChannelBus is an in-process Bus with buffered fan-out to subscribers.
// The daemon uses it to feed integration messages back into command
// handlers (e.g. video ingestion notifications) without a broker.
type ChannelBus struct {
	mu     sync.Mutex
	subs   []chan Message
	buffer int
	closed bool
}

// NewChannelBus creates a bus whose subscriber channels hold up to buffer
// undelivered messages each.
func NewChannelBus(buffer int) *ChannelBus {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelBus{buffer: buffer}
}

// Publish implements Bus. It blocks while any subscriber's buffer is full,
// which backpressures the publishing commit rather than dropping messages.
func (b *ChannelBus) Publish(ctx context.Context, message Message) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	subs := make([]chan Message, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub <- message:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers a new subscriber and returns its receive channel.
// The channel is closed when the bus closes.
func (b *ChannelBus) Subscribe() <-chan Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Message, b.buffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Close closes the bus and every subscriber channel.
// Publishes after Close return ErrBusClosed.
func (b *ChannelBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub)
	}
	b.subs = nil
}
