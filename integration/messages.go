// Package integration defines the messages exchanged with other systems
// over the outbox bus, and the consumers that turn inbound messages into
// commands.
package integration

import (
	"time"

	"github.com/google/uuid"
)

// Outbound message types raised by projections.
const (
	MessageTypeVideoUploaded    = "video.uploaded"
	MessageTypeVideoRevoked     = "video.revoked"
	MessageTypePublicationReady = "publication.ready"
)

// Inbound message types consumed from the bus.
const (
	MessageTypeVideoIngested = "video.ingested"
)

// VideoUploaded announces that a video stream was opened and its media is
// available for the ingestion pipeline.
type VideoUploaded struct {
	VideoStreamID uuid.UUID `json:"videoStreamId"`
	VideoID       string    `json:"videoId"`
	PublicationID string    `json:"publicationId,omitempty"`
	URL           string    `json:"url"`
	UploadedAt    time.Time `json:"uploadedAt"`
}

// VideoRevoked announces that a video was pulled from circulation.
type VideoRevoked struct {
	VideoStreamID uuid.UUID `json:"videoStreamId"`
	VideoID       string    `json:"videoId"`
	Reason        string    `json:"reason,omitempty"`
	RevokedAt     time.Time `json:"revokedAt"`
}

// PublicationReady announces that every video linked to a publication has
// been ingested and a publish request is pending: the publication can go
// live on the requested platforms.
type PublicationReady struct {
	PublicationStreamID uuid.UUID `json:"publicationStreamId"`
	PublicationID       string    `json:"publicationId"`
	ReadyAt             time.Time `json:"readyAt"`
}

// VideoIngested is the media pipeline's completion notice for one video,
// identified by its external id.
type VideoIngested struct {
	VideoID    string    `json:"videoId"`
	IngestedAt time.Time `json:"ingestedAt"`
}
