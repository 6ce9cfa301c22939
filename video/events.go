package video

import (
	"time"

	"github.com/google/uuid"

	"github.com/newsroomhq/publishing/es/codec"
)

// AggregateType is the stream prefix for video events.
const AggregateType = "Video"

const (
	EventTypeCreated  = "video.created"
	EventTypeIngested = "video.ingested"
	EventTypeRevoked  = "video.revoked"
)

// Event is the closed set of events a video stream can contain.
type Event interface {
	codec.DomainEvent
	isVideoEvent()
}

// Origin identifies where the raw media lives.
type Origin string

const (
	OriginS3        Origin = "s3"
	OriginAzureBlob Origin = "azure-blob"
)

// Created opens a video stream. A video is created in the context of a
// publication, so the opening event carries the owning publication's
// identifiers for downstream correlation.
type Created struct {
	ID                  uuid.UUID `json:"id"`
	VideoID             string    `json:"videoId"`
	PublicationStreamID uuid.UUID `json:"publicationStreamId"`
	PublicationID       string    `json:"publicationId"`
	MediaType           string    `json:"mediaType"`
	Origin              Origin    `json:"origin"`
	URL                 string    `json:"url"`
	VideoCreatedAt      time.Time `json:"videoCreatedAt"`
	CreatedAt           time.Time `json:"createdAt"`
}

// Ingested records that the media pipeline finished processing the
// video. Terminal for the happy path.
type Ingested struct {
	ID         uuid.UUID `json:"id"`
	VideoID    string    `json:"videoId"`
	IngestedAt time.Time `json:"ingestedAt"`
}

// Revoked records that the video was pulled from circulation, for
// example on a takedown request.
type Revoked struct {
	ID        uuid.UUID `json:"id"`
	VideoID   string    `json:"videoId"`
	Reason    string    `json:"reason"`
	RevokedAt time.Time `json:"revokedAt"`
}

func (*Created) EventType() string  { return EventTypeCreated }
func (*Ingested) EventType() string { return EventTypeIngested }
func (*Revoked) EventType() string  { return EventTypeRevoked }

func (*Created) isVideoEvent()  {}
func (*Ingested) isVideoEvent() {}
func (*Revoked) isVideoEvent()  {}

// RegisterEvents adds every video event to the codec registry.
func RegisterEvents(r *codec.Registry) {
	r.Register(EventTypeCreated, func() codec.DomainEvent { return &Created{} })
	r.Register(EventTypeIngested, func() codec.DomainEvent { return &Ingested{} })
	r.Register(EventTypeRevoked, func() codec.DomainEvent { return &Revoked{} })
}
