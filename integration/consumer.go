package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/newsroomhq/publishing/es"
	"github.com/newsroomhq/publishing/es/outbox"
)

// VideoIngestor records a video ingestion by external id. found is false
// when the id is unknown to the system.
type VideoIngestor interface {
	IngestVideoByExternalID(ctx context.Context, videoID string, at time.Time) (found bool, err error)
}

// VideoIngestedConsumer turns VideoIngested bus messages into ingestion
// commands. Messages for unknown videos are dropped: the media pipeline
// reports on every video it processes, not only ours.
type VideoIngestedConsumer struct {
	ingestor VideoIngestor
	logger   es.Logger
}

// NewVideoIngestedConsumer creates the consumer. A nil logger disables logging.
func NewVideoIngestedConsumer(ingestor VideoIngestor, logger es.Logger) *VideoIngestedConsumer {
	if logger == nil {
		logger = es.NoOpLogger{}
	}
	return &VideoIngestedConsumer{ingestor: ingestor, logger: logger}
}

// Run consumes messages until the channel closes or the context ends.
// Handling errors are logged and do not stop the loop: the bus delivers
// at-least-once and a duplicate ingestion is rejected by the aggregate.
func (c *VideoIngestedConsumer) Run(ctx context.Context, messages <-chan outbox.Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case message, ok := <-messages:
			if !ok {
				return nil
			}
			if err := c.Handle(ctx, message); err != nil {
				c.logger.Error(ctx, "failed to handle message", "type", message.Type, "error", err)
			}
		}
	}
}

// Handle processes a single message. Non-ingestion messages are ignored.
func (c *VideoIngestedConsumer) Handle(ctx context.Context, message outbox.Message) error {
	if message.Type != MessageTypeVideoIngested {
		return nil
	}

	var payload VideoIngested
	if err := json.Unmarshal(message.Body, &payload); err != nil {
		return fmt.Errorf("failed to unmarshal %q message: %w", message.Type, err)
	}
	if payload.IngestedAt.IsZero() {
		payload.IngestedAt = message.OccurredAt
	}

	found, err := c.ingestor.IngestVideoByExternalID(ctx, payload.VideoID, payload.IngestedAt)
	if err != nil {
		return err
	}
	if !found {
		c.logger.Debug(ctx, "ignoring ingestion for unknown video", "video_id", payload.VideoID)
		return nil
	}
	c.logger.Info(ctx, "video ingested", "video_id", payload.VideoID)
	return nil
}
