package video

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/newsroomhq/publishing/es"
	"github.com/newsroomhq/publishing/es/codec"
	"github.com/newsroomhq/publishing/es/outbox"
	"github.com/newsroomhq/publishing/es/readmodel"
	"github.com/newsroomhq/publishing/integration"
)

// DetailsModel is the read-model name of the video details documents.
const DetailsModel = "video_details"

// Publication stream events are consumed by wire format: this package
// sits below the publication package and cannot import its types.
const (
	publicationAggregateType    = "Publication"
	publicationVideoLinkedEvent = "publication.video_linked"
)

// videoLinkedPayload is the subset of the publication video-linked event
// this projection needs.
type videoLinkedPayload struct {
	VideoStreamID uuid.UUID `json:"videoStreamId"`
	VideoID       string    `json:"videoId"`
}

// DetailsStatus is the lifecycle of a video as seen by the read model.
type DetailsStatus string

const (
	DetailsStatusCreated  DetailsStatus = "created"
	DetailsStatusIngested DetailsStatus = "ingested"
	DetailsStatusRevoked  DetailsStatus = "revoked"
)

// PublicationRef names a publication a video belongs to. Title is an
// enrichment and may be empty when the publication's read model has not
// been folded yet.
type PublicationRef struct {
	StreamID      uuid.UUID `json:"streamId"`
	PublicationID string    `json:"publicationId"`
	Title         string    `json:"title,omitempty"`
}

// Details is the per-video read model.
type Details struct {
	ID           uuid.UUID        `json:"id"`
	VideoID      string           `json:"videoId"`
	MediaType    string           `json:"mediaType"`
	Origin       Origin           `json:"origin"`
	URL          string           `json:"url"`
	Status       DetailsStatus    `json:"status"`
	Publications []PublicationRef `json:"publications,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
	IngestedAt   *time.Time       `json:"ingestedAt,omitempty"`
	RevokedAt    *time.Time       `json:"revokedAt,omitempty"`
}

// PublicationLookup resolves a publication reference for enrichment.
// Absence is not an error: cross-stream fold order is unconstrained.
type PublicationLookup interface {
	LookupPublication(ctx context.Context, tx es.DBTX, streamID uuid.UUID) (PublicationRef, bool, error)
}

// DetailsProjection folds video streams into Details documents and
// announces uploads and revocations on the bus.
type DetailsProjection struct {
	registry     *codec.Registry
	docs         *readmodel.Store
	publications PublicationLookup
}

// NewDetailsProjection creates the video details projection. The lookup
// may be nil; references then stay unenriched.
func NewDetailsProjection(registry *codec.Registry, docs *readmodel.Store, publications PublicationLookup) *DetailsProjection {
	return &DetailsProjection{registry: registry, docs: docs, publications: publications}
}

// Name implements projection.Projection.
func (p *DetailsProjection) Name() string { return DetailsModel }

// AggregateTypes implements projection.ScopedProjection. Publication
// streams are included so later links grow a video's publication set.
func (p *DetailsProjection) AggregateTypes() []string {
	return []string{AggregateType, publicationAggregateType}
}

// Reset implements projection.Rebuildable.
func (p *DetailsProjection) Reset(ctx context.Context, tx es.DBTX) error {
	return p.docs.Reset(ctx, tx, DetailsModel)
}

// Handle implements projection.Projection.
func (p *DetailsProjection) Handle(ctx context.Context, tx es.DBTX, persisted es.PersistedEvent) error {
	if persisted.AggregateType == publicationAggregateType {
		if persisted.EventType == publicationVideoLinkedEvent {
			return p.handlePublicationVideoLinked(ctx, tx, persisted)
		}
		return nil
	}

	decoded, err := p.registry.FromEvent(persisted)
	if err != nil {
		return err
	}

	docID := persisted.AggregateID.String()
	switch e := decoded.(type) {
	case *Created:
		ref := PublicationRef{StreamID: e.PublicationStreamID, PublicationID: e.PublicationID}
		if p.publications != nil {
			enriched, found, err := p.publications.LookupPublication(ctx, tx, e.PublicationStreamID)
			if err != nil {
				return err
			}
			if found {
				ref = enriched
			}
		}
		return p.docs.Put(ctx, tx, DetailsModel, docID, Details{
			ID:           e.ID,
			VideoID:      e.VideoID,
			MediaType:    e.MediaType,
			Origin:       e.Origin,
			URL:          e.URL,
			Status:       DetailsStatusCreated,
			Publications: []PublicationRef{ref},
			CreatedAt:    e.VideoCreatedAt,
		})

	case *Ingested:
		doc, found, err := p.loadDoc(ctx, tx, docID)
		if err != nil || !found {
			return err
		}
		at := e.IngestedAt
		doc.Status = DetailsStatusIngested
		doc.IngestedAt = &at
		return p.docs.Put(ctx, tx, DetailsModel, docID, doc)

	case *Revoked:
		doc, found, err := p.loadDoc(ctx, tx, docID)
		if err != nil || !found {
			return err
		}
		at := e.RevokedAt
		doc.Status = DetailsStatusRevoked
		doc.RevokedAt = &at
		return p.docs.Put(ctx, tx, DetailsModel, docID, doc)

	default:
		return nil
	}
}

// handlePublicationVideoLinked grows the linked video's publication set.
// A details document that does not exist yet is skipped: the video stream
// replay will carry the reference through the created event's lookup.
func (p *DetailsProjection) handlePublicationVideoLinked(ctx context.Context, tx es.DBTX, persisted es.PersistedEvent) error {
	var payload videoLinkedPayload
	if err := json.Unmarshal(persisted.Payload, &payload); err != nil {
		return err
	}

	doc, found, err := p.loadDoc(ctx, tx, payload.VideoStreamID.String())
	if err != nil || !found {
		return err
	}

	for _, existing := range doc.Publications {
		if existing.StreamID == persisted.AggregateID {
			return nil
		}
	}

	ref := PublicationRef{StreamID: persisted.AggregateID}
	if p.publications != nil {
		enriched, ok, err := p.publications.LookupPublication(ctx, tx, persisted.AggregateID)
		if err != nil {
			return err
		}
		if ok {
			ref = enriched
		}
	}
	doc.Publications = append(doc.Publications, ref)
	return p.docs.Put(ctx, tx, DetailsModel, payload.VideoStreamID.String(), doc)
}

// RaiseSideEffects implements projection.SideEffectEmitter. Uploads and
// revocations are announced exactly when their event is in the batch.
func (p *DetailsProjection) RaiseSideEffects(ctx context.Context, tx es.DBTX, batch *outbox.Batch, events []es.PersistedEvent) error {
	for _, persisted := range events {
		switch persisted.EventType {
		case EventTypeCreated:
			doc, found, err := p.loadDoc(ctx, tx, persisted.AggregateID.String())
			if err != nil {
				return err
			}
			if !found {
				continue
			}
			publicationID := ""
			if len(doc.Publications) > 0 {
				publicationID = doc.Publications[0].PublicationID
			}
			message, err := outbox.NewMessage(integration.MessageTypeVideoUploaded, integration.VideoUploaded{
				VideoStreamID: doc.ID,
				VideoID:       doc.VideoID,
				PublicationID: publicationID,
				URL:           doc.URL,
				UploadedAt:    doc.CreatedAt,
			})
			if err != nil {
				return err
			}
			batch.Publish(message)

		case EventTypeRevoked:
			decoded, err := p.registry.FromEvent(persisted)
			if err != nil {
				return err
			}
			revoked, ok := decoded.(*Revoked)
			if !ok {
				continue
			}
			message, err := outbox.NewMessage(integration.MessageTypeVideoRevoked, integration.VideoRevoked{
				VideoStreamID: persisted.AggregateID,
				VideoID:       revoked.VideoID,
				Reason:        revoked.Reason,
				RevokedAt:     revoked.RevokedAt,
			})
			if err != nil {
				return err
			}
			batch.Publish(message)
		}
	}
	return nil
}

// Get loads the details document for one video stream.
func (p *DetailsProjection) Get(ctx context.Context, tx es.DBTX, id uuid.UUID) (Details, error) {
	var doc Details
	if err := p.docs.Get(ctx, tx, DetailsModel, id.String(), &doc); err != nil {
		return Details{}, err
	}
	return doc, nil
}

// FindByVideoID scans the model for the document with the given external
// video id.
func (p *DetailsProjection) FindByVideoID(ctx context.Context, tx es.DBTX, videoID string) (Details, bool, error) {
	var match Details
	found := false
	err := p.docs.List(ctx, tx, DetailsModel, func(id string, data []byte) error {
		if found {
			return nil
		}
		var doc Details
		if err := json.Unmarshal(data, &doc); err != nil {
			return err
		}
		if doc.VideoID == videoID {
			match = doc
			found = true
		}
		return nil
	})
	if err != nil {
		return Details{}, false, err
	}
	return match, found, nil
}

func (p *DetailsProjection) loadDoc(ctx context.Context, tx es.DBTX, docID string) (Details, bool, error) {
	var doc Details
	err := p.docs.Get(ctx, tx, DetailsModel, docID, &doc)
	if errors.Is(err, readmodel.ErrNotFound) {
		return Details{}, false, nil
	}
	if err != nil {
		return Details{}, false, err
	}
	return doc, true, nil
}
