package publication

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/newsroomhq/publishing/es"
	"github.com/newsroomhq/publishing/es/codec"
	"github.com/newsroomhq/publishing/es/readmodel"
	"github.com/newsroomhq/publishing/video"
)

// DetailsModel is the read-model name of the publication details documents.
const DetailsModel = "publication_details"

// Details is the point-lookup read model for one publication. It is kept
// inline with the write: a committed event is always visible here.
type Details struct {
	ID            uuid.UUID                 `json:"id"`
	PublicationID string                    `json:"publicationId"`
	Title         string                    `json:"title"`
	Synopsis      string                    `json:"synopsis"`
	Kind          Kind                      `json:"kind"`
	Status        Status                    `json:"status"`
	Articles      []Article                 `json:"articles,omitempty"`
	VideoIDs      []string                  `json:"videoIds,omitempty"`
	Platforms     map[string]PlatformStatus `json:"platforms,omitempty"`
	Version       int64                     `json:"version"`
	CreatedAt     time.Time                 `json:"createdAt"`
	UpdatedAt     time.Time                 `json:"updatedAt"`
}

// DetailsProjection maintains Details documents inside write transactions.
type DetailsProjection struct {
	registry *codec.Registry
	docs     *readmodel.Store
}

// NewDetailsProjection creates the inline details projection.
func NewDetailsProjection(registry *codec.Registry, docs *readmodel.Store) *DetailsProjection {
	return &DetailsProjection{registry: registry, docs: docs}
}

// Name implements projection.Inline.
func (p *DetailsProjection) Name() string { return DetailsModel }

// ApplyInline folds the freshly appended events of one publication stream
// into its details document. Receiving a foreign stream's events is a
// wiring bug and they are ignored rather than misfiled.
func (p *DetailsProjection) ApplyInline(ctx context.Context, tx es.DBTX, events []es.PersistedEvent) error {
	for _, persisted := range events {
		if persisted.AggregateType != AggregateType {
			continue
		}
		if err := p.applyOne(ctx, tx, persisted); err != nil {
			return err
		}
	}
	return nil
}

func (p *DetailsProjection) applyOne(ctx context.Context, tx es.DBTX, persisted es.PersistedEvent) error {
	decoded, err := p.registry.FromEvent(persisted)
	if err != nil {
		return err
	}
	event, ok := decoded.(Event)
	if !ok {
		return fmt.Errorf("unexpected event %q on publication stream %s", persisted.EventType, persisted.AggregateID)
	}

	docID := persisted.AggregateID.String()
	var details Details
	if err := p.docs.Get(ctx, tx, DetailsModel, docID, &details); err != nil && !errors.Is(err, readmodel.ErrNotFound) {
		return err
	}

	// Replays of an already folded event keep the document unchanged.
	if details.Version >= persisted.AggregateVersion {
		return nil
	}

	next, err := foldDetails(details, event)
	if err != nil {
		return err
	}
	next.Version = persisted.AggregateVersion
	next.UpdatedAt = persisted.CreatedAt
	return p.docs.Put(ctx, tx, DetailsModel, docID, next)
}

// LookupPublication implements video.PublicationLookup. A publication
// whose details have not been folded yet resolves to not-found.
func (p *DetailsProjection) LookupPublication(ctx context.Context, tx es.DBTX, streamID uuid.UUID) (video.PublicationRef, bool, error) {
	var details Details
	err := p.docs.Get(ctx, tx, DetailsModel, streamID.String(), &details)
	if errors.Is(err, readmodel.ErrNotFound) {
		return video.PublicationRef{}, false, nil
	}
	if err != nil {
		return video.PublicationRef{}, false, err
	}
	return video.PublicationRef{
		StreamID:      streamID,
		PublicationID: details.PublicationID,
		Title:         details.Title,
	}, true, nil
}

// Get loads the details document for one publication stream.
func (p *DetailsProjection) Get(ctx context.Context, tx es.DBTX, id uuid.UUID) (Details, error) {
	var details Details
	if err := p.docs.Get(ctx, tx, DetailsModel, id.String(), &details); err != nil {
		return Details{}, err
	}
	return details, nil
}

func foldDetails(d Details, event Event) (Details, error) {
	switch e := event.(type) {
	case *Created:
		kind, err := EvaluateKind(e.Articles, toSet(e.VideoIDs))
		if err != nil {
			return Details{}, err
		}
		return Details{
			ID:            e.ID,
			PublicationID: e.PublicationID,
			Title:         e.Title,
			Synopsis:      e.Synopsis,
			Kind:          kind,
			Status:        StatusPending,
			Articles:      append([]Article(nil), e.Articles...),
			VideoIDs:      append([]string(nil), e.VideoIDs...),
			Platforms:     map[string]PlatformStatus{},
			CreatedAt:     e.PublicationCreatedAt,
		}, nil

	case *ArticleLinked:
		for _, a := range d.Articles {
			if a.ArticleID == e.Article.ArticleID {
				return d, nil
			}
		}
		d.Articles = append(append([]Article(nil), d.Articles...), e.Article)
		return reclassifyDetails(d)

	case *ArticleUnlinked:
		articles := make([]Article, 0, len(d.Articles))
		for _, a := range d.Articles {
			if a.ArticleID != e.ArticleID {
				articles = append(articles, a)
			}
		}
		d.Articles = articles
		return reclassifyDetails(d)

	case *VideoLinked:
		for _, id := range d.VideoIDs {
			if id == e.VideoID {
				return d, nil
			}
		}
		d.VideoIDs = append(append([]string(nil), d.VideoIDs...), e.VideoID)
		return reclassifyDetails(d)

	case *VideoUnlinked:
		videoIDs := make([]string, 0, len(d.VideoIDs))
		for _, id := range d.VideoIDs {
			if id != e.VideoID {
				videoIDs = append(videoIDs, id)
			}
		}
		d.VideoIDs = videoIDs
		return reclassifyDetails(d)

	case *PublishRequested:
		return d.withPlatformStatus(e.Platform, PlatformStatusPublishRequested), nil

	case *UnpublishRequested:
		next := d.withPlatformStatus(e.Platform, PlatformStatusUnpublishRequested)
		next.Status = detailsStatus(next.Platforms)
		return next, nil

	case *Published:
		next := d.withPlatformStatus(e.Platform, PlatformStatusPublished)
		next.Status = detailsStatus(next.Platforms)
		return next, nil

	case *Unpublished:
		next := d.withPlatformStatus(e.Platform, PlatformStatusUnpublished)
		next.Status = detailsStatus(next.Platforms)
		return next, nil

	default:
		return Details{}, fmt.Errorf("unhandled publication event %T", event)
	}
}

func reclassifyDetails(d Details) (Details, error) {
	kind, err := EvaluateKind(d.Articles, toSet(d.VideoIDs))
	if err != nil {
		return Details{}, err
	}
	d.Kind = kind
	return d, nil
}

func (d Details) withPlatformStatus(platform Platform, status PlatformStatus) Details {
	platforms := make(map[string]PlatformStatus, len(d.Platforms)+1)
	for k, v := range d.Platforms {
		platforms[k] = v
	}
	platforms[string(platform)] = status
	d.Platforms = platforms
	return d
}

func detailsStatus(platforms map[string]PlatformStatus) Status {
	if len(platforms) == 0 {
		return StatusPending
	}
	for _, status := range platforms {
		if status != PlatformStatusPublished {
			return StatusPending
		}
	}
	return StatusPublishedAndClosed
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
