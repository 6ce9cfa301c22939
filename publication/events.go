package publication

import (
	"time"

	"github.com/google/uuid"

	"github.com/newsroomhq/publishing/es/codec"
)

// AggregateType is the stream prefix for publication events.
const AggregateType = "Publication"

// Event type identifiers as persisted in the event log.
const (
	EventTypeCreated            = "publication.created"
	EventTypeArticleLinked      = "publication.article_linked"
	EventTypeArticleUnlinked    = "publication.article_unlinked"
	EventTypeVideoLinked        = "publication.video_linked"
	EventTypeVideoUnlinked      = "publication.video_unlinked"
	EventTypePublishRequested   = "publication.publish_requested"
	EventTypeUnpublishRequested = "publication.unpublish_requested"
	EventTypePublished          = "publication.published"
	EventTypeUnpublished        = "publication.unpublished"
)

// Event is the closed set of events a publication stream can contain.
type Event interface {
	codec.DomainEvent
	isPublicationEvent()
}

// Article is an article snapshot embedded in publication events. Articles
// are value objects owned by the publication, they have no stream of their
// own.
type Article struct {
	ArticleID uuid.UUID `json:"articleId"`
	Title     string    `json:"title"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
	VideoIDs  []string  `json:"videoIds,omitempty"`
}

// Created opens a publication stream.
type Created struct {
	ID                   uuid.UUID   `json:"id"`
	PublicationID        string      `json:"publicationId"`
	Title                string      `json:"title"`
	Synopsis             string      `json:"synopsis"`
	Articles             []Article   `json:"articles,omitempty"`
	VideoStreamIDs       []uuid.UUID `json:"videoStreamIds,omitempty"`
	VideoIDs             []string    `json:"videoIds,omitempty"`
	PublicationCreatedAt time.Time   `json:"publicationCreatedAt"`
	CreatedAt            time.Time   `json:"createdAt"`
}

// ArticleLinked records an article attached after creation.
type ArticleLinked struct {
	ID       uuid.UUID `json:"id"`
	Article  Article   `json:"article"`
	LinkedAt time.Time `json:"linkedAt"`
}

// ArticleUnlinked records an article detached from the publication.
type ArticleUnlinked struct {
	ID         uuid.UUID `json:"id"`
	ArticleID  uuid.UUID `json:"articleId"`
	UnlinkedAt time.Time `json:"unlinkedAt"`
}

// VideoLinked records a video attached after creation.
type VideoLinked struct {
	ID            uuid.UUID `json:"id"`
	VideoStreamID uuid.UUID `json:"videoStreamId"`
	VideoID       string    `json:"videoId"`
	LinkedAt      time.Time `json:"linkedAt"`
}

// VideoUnlinked records a video detached from the publication.
type VideoUnlinked struct {
	ID         uuid.UUID `json:"id"`
	VideoID    string    `json:"videoId"`
	UnlinkedAt time.Time `json:"unlinkedAt"`
}

// PublishRequested asks a platform to take the publication live.
type PublishRequested struct {
	ID          uuid.UUID `json:"id"`
	Platform    Platform  `json:"platform"`
	RequestedAt time.Time `json:"requestedAt"`
}

// UnpublishRequested asks a platform to take the publication down.
type UnpublishRequested struct {
	ID          uuid.UUID `json:"id"`
	Platform    Platform  `json:"platform"`
	RequestedAt time.Time `json:"requestedAt"`
}

// Published confirms a platform completed publishing.
type Published struct {
	ID          uuid.UUID `json:"id"`
	Platform    Platform  `json:"platform"`
	PublishedAt time.Time `json:"publishedAt"`
}

// Unpublished confirms a platform took the publication down.
type Unpublished struct {
	ID            uuid.UUID `json:"id"`
	Platform      Platform  `json:"platform"`
	UnpublishedAt time.Time `json:"unpublishedAt"`
}

func (*Created) EventType() string            { return EventTypeCreated }
func (*ArticleLinked) EventType() string      { return EventTypeArticleLinked }
func (*ArticleUnlinked) EventType() string    { return EventTypeArticleUnlinked }
func (*VideoLinked) EventType() string        { return EventTypeVideoLinked }
func (*VideoUnlinked) EventType() string      { return EventTypeVideoUnlinked }
func (*PublishRequested) EventType() string   { return EventTypePublishRequested }
func (*UnpublishRequested) EventType() string { return EventTypeUnpublishRequested }
func (*Published) EventType() string          { return EventTypePublished }
func (*Unpublished) EventType() string        { return EventTypeUnpublished }

func (*Created) isPublicationEvent()            {}
func (*ArticleLinked) isPublicationEvent()      {}
func (*ArticleUnlinked) isPublicationEvent()    {}
func (*VideoLinked) isPublicationEvent()        {}
func (*VideoUnlinked) isPublicationEvent()      {}
func (*PublishRequested) isPublicationEvent()   {}
func (*UnpublishRequested) isPublicationEvent() {}
func (*Published) isPublicationEvent()          {}
func (*Unpublished) isPublicationEvent()        {}

// RegisterEvents adds every publication event to the codec registry.
func RegisterEvents(r *codec.Registry) {
	r.Register(EventTypeCreated, func() codec.DomainEvent { return &Created{} })
	r.Register(EventTypeArticleLinked, func() codec.DomainEvent { return &ArticleLinked{} })
	r.Register(EventTypeArticleUnlinked, func() codec.DomainEvent { return &ArticleUnlinked{} })
	r.Register(EventTypeVideoLinked, func() codec.DomainEvent { return &VideoLinked{} })
	r.Register(EventTypeVideoUnlinked, func() codec.DomainEvent { return &VideoUnlinked{} })
	r.Register(EventTypePublishRequested, func() codec.DomainEvent { return &PublishRequested{} })
	r.Register(EventTypeUnpublishRequested, func() codec.DomainEvent { return &UnpublishRequested{} })
	r.Register(EventTypePublished, func() codec.DomainEvent { return &Published{} })
	r.Register(EventTypeUnpublished, func() codec.DomainEvent { return &Unpublished{} })
}
