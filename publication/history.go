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
)

// HistoryModel is the read-model name of the publication history documents.
const HistoryModel = "publication_history"

// History is the audit trail of one publication: a readable entry per
// event, in stream order.
type History struct {
	ID      uuid.UUID      `json:"id"`
	Entries []HistoryEntry `json:"entries,omitempty"`
}

// HistoryEntry describes one event in operator-readable form.
type HistoryEntry struct {
	Version     int64     `json:"version"`
	EventType   string    `json:"eventType"`
	Description string    `json:"description"`
	At          time.Time `json:"at"`
}

// HistoryProjection appends audit entries as publication events arrive.
type HistoryProjection struct {
	registry *codec.Registry
	docs     *readmodel.Store
}

// NewHistoryProjection creates the publication-history projection.
func NewHistoryProjection(registry *codec.Registry, docs *readmodel.Store) *HistoryProjection {
	return &HistoryProjection{registry: registry, docs: docs}
}

// Name implements projection.Projection.
func (p *HistoryProjection) Name() string { return HistoryModel }

// AggregateTypes implements projection.ScopedProjection.
func (p *HistoryProjection) AggregateTypes() []string {
	return []string{AggregateType}
}

// Reset implements projection.Rebuildable.
func (p *HistoryProjection) Reset(ctx context.Context, tx es.DBTX) error {
	return p.docs.Reset(ctx, tx, HistoryModel)
}

// Handle implements projection.Projection. Replayed events are detected
// by aggregate version and leave the trail unchanged.
func (p *HistoryProjection) Handle(ctx context.Context, tx es.DBTX, persisted es.PersistedEvent) error {
	decoded, err := p.registry.FromEvent(persisted)
	if err != nil {
		return err
	}
	event, ok := decoded.(Event)
	if !ok {
		return nil
	}

	docID := persisted.AggregateID.String()
	var history History
	err = p.docs.Get(ctx, tx, HistoryModel, docID, &history)
	if errors.Is(err, readmodel.ErrNotFound) {
		history = History{ID: persisted.AggregateID}
	} else if err != nil {
		return err
	}

	updated, changed := appendEntry(history, persisted, event)
	if !changed {
		return nil
	}
	return p.docs.Put(ctx, tx, HistoryModel, docID, updated)
}

// appendEntry adds one audit entry unless the trail already covers the
// event's aggregate version. Replayed events report changed=false.
func appendEntry(history History, persisted es.PersistedEvent, event Event) (History, bool) {
	if len(history.Entries) > 0 && history.Entries[len(history.Entries)-1].Version >= persisted.AggregateVersion {
		return history, false
	}
	history.Entries = append(history.Entries, HistoryEntry{
		Version:     persisted.AggregateVersion,
		EventType:   persisted.EventType,
		Description: describe(event),
		At:          persisted.CreatedAt,
	})
	return history, true
}

// Get loads the history document for one publication stream.
func (p *HistoryProjection) Get(ctx context.Context, tx es.DBTX, id uuid.UUID) (History, error) {
	var history History
	if err := p.docs.Get(ctx, tx, HistoryModel, id.String(), &history); err != nil {
		return History{}, err
	}
	return history, nil
}

func describe(event Event) string {
	switch e := event.(type) {
	case *Created:
		return fmt.Sprintf("publication %q created with %d article(s) and %d video(s)",
			e.Title, len(e.Articles), len(e.VideoIDs))
	case *ArticleLinked:
		return fmt.Sprintf("article %q linked", e.Article.Title)
	case *ArticleUnlinked:
		return fmt.Sprintf("article %s unlinked", e.ArticleID)
	case *VideoLinked:
		return fmt.Sprintf("video %s linked", e.VideoID)
	case *VideoUnlinked:
		return fmt.Sprintf("video %s unlinked", e.VideoID)
	case *PublishRequested:
		return fmt.Sprintf("publish requested on %s", e.Platform)
	case *UnpublishRequested:
		return fmt.Sprintf("unpublish requested on %s", e.Platform)
	case *Published:
		return fmt.Sprintf("published on %s", e.Platform)
	case *Unpublished:
		return fmt.Sprintf("unpublished from %s", e.Platform)
	default:
		return event.EventType()
	}
}
