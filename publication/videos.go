package publication

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/newsroomhq/publishing/es"
	"github.com/newsroomhq/publishing/es/codec"
	"github.com/newsroomhq/publishing/es/outbox"
	"github.com/newsroomhq/publishing/es/readmodel"
	"github.com/newsroomhq/publishing/integration"
	"github.com/newsroomhq/publishing/video"
)

// VideosModel is the read-model name of the publication-videos documents.
const VideosModel = "publication_videos"

// Videos tracks, per publication, every video the publication references:
// directly linked ones plus the ones embedded in its articles. It drives
// the publication-ready trigger: once all tracked videos are ingested
// while a publish request is pending, the publication can go live.
type Videos struct {
	ID               uuid.UUID           `json:"id"`
	PublicationID    string              `json:"publicationId"`
	DirectVideos     []string            `json:"directVideos,omitempty"`
	ArticleVideos    map[string][]string `json:"articleVideos,omitempty"`
	IngestedVideos   []IngestedVideo     `json:"ingestedVideos,omitempty"`
	PublishRequested bool                `json:"publishRequested"`
	ReadyAt          *time.Time          `json:"readyAt,omitempty"`
}

// IngestedVideo is one completed ingestion tracked by the model.
type IngestedVideo struct {
	VideoID    string    `json:"videoId"`
	IngestedAt time.Time `json:"ingestedAt"`
}

// Tracked is the union of directly linked and article-embedded video ids.
// Articles are visited in key order so the result is deterministic.
func (v Videos) Tracked() []string {
	tracked := append([]string(nil), v.DirectVideos...)
	articleIDs := make([]string, 0, len(v.ArticleVideos))
	for articleID := range v.ArticleVideos {
		articleIDs = append(articleIDs, articleID)
	}
	sort.Strings(articleIDs)
	for _, articleID := range articleIDs {
		for _, id := range v.ArticleVideos[articleID] {
			tracked = appendUnique(tracked, id)
		}
	}
	return tracked
}

// Remaining lists the tracked videos still awaiting ingestion.
func (v Videos) Remaining() []string {
	var remaining []string
	for _, id := range v.Tracked() {
		if !v.isIngested(id) {
			remaining = append(remaining, id)
		}
	}
	return remaining
}

func (v Videos) isIngested(videoID string) bool {
	for _, ingested := range v.IngestedVideos {
		if ingested.VideoID == videoID {
			return true
		}
	}
	return false
}

func (v Videos) isTracked(videoID string) bool {
	return containsString(v.Tracked(), videoID)
}

// videoRoute maps an external video id to the publications referencing
// it. Routes live in the same model namespace under a "video/" prefix, so
// the projection never depends on another projection's checkpoint.
type videoRoute struct {
	VideoID        string      `json:"videoId"`
	PublicationIDs []uuid.UUID `json:"publicationIds,omitempty"`
	Ingested       bool        `json:"ingested"`
	IngestedAt     time.Time   `json:"ingestedAt,omitempty"`
}

// VideosProjection folds publication and video streams into Videos
// documents and raises PublicationReady on the completing edge.
type VideosProjection struct {
	registry *codec.Registry
	docs     *readmodel.Store
}

// NewVideosProjection creates the publication-videos projection.
func NewVideosProjection(registry *codec.Registry, docs *readmodel.Store) *VideosProjection {
	return &VideosProjection{registry: registry, docs: docs}
}

// Name implements projection.Projection.
func (p *VideosProjection) Name() string { return VideosModel }

// AggregateTypes implements projection.ScopedProjection.
func (p *VideosProjection) AggregateTypes() []string {
	return []string{AggregateType, video.AggregateType}
}

// Reset implements projection.Rebuildable.
func (p *VideosProjection) Reset(ctx context.Context, tx es.DBTX) error {
	return p.docs.Reset(ctx, tx, VideosModel)
}

// Handle implements projection.Projection.
func (p *VideosProjection) Handle(ctx context.Context, tx es.DBTX, persisted es.PersistedEvent) error {
	decoded, err := p.registry.FromEvent(persisted)
	if err != nil {
		return err
	}

	switch e := decoded.(type) {
	case *Created:
		return p.handlePublicationCreated(ctx, tx, persisted.AggregateID, e)
	case *ArticleLinked:
		return p.handleArticleLinked(ctx, tx, persisted.AggregateID, e)
	case *ArticleUnlinked:
		return p.handleArticleUnlinked(ctx, tx, persisted.AggregateID, e)
	case *VideoLinked:
		return p.handleVideoLinked(ctx, tx, persisted.AggregateID, e)
	case *VideoUnlinked:
		return p.handleVideoUnlinked(ctx, tx, persisted.AggregateID, e)
	case *PublishRequested:
		return p.handlePublishRequested(ctx, tx, persisted.AggregateID)
	case *video.Created:
		return p.handleVideoCreated(ctx, tx, e)
	case *video.Ingested:
		return p.handleVideoIngested(ctx, tx, e)
	default:
		// Other events of the two streams do not affect this model.
		return nil
	}
}

func (p *VideosProjection) handlePublicationCreated(ctx context.Context, tx es.DBTX, pubID uuid.UUID, e *Created) error {
	doc := Videos{ID: pubID, PublicationID: e.PublicationID}
	for _, videoID := range e.VideoIDs {
		doc.DirectVideos = appendUnique(doc.DirectVideos, videoID)
	}
	for _, article := range e.Articles {
		if len(article.VideoIDs) > 0 {
			if doc.ArticleVideos == nil {
				doc.ArticleVideos = map[string][]string{}
			}
			doc.ArticleVideos[article.ArticleID.String()] = append([]string(nil), article.VideoIDs...)
		}
	}
	ordered := append([]string(nil), doc.DirectVideos...)
	for _, article := range e.Articles {
		for _, videoID := range article.VideoIDs {
			ordered = appendUnique(ordered, videoID)
		}
	}
	for _, videoID := range ordered {
		ingested, ingestedAt, err := p.trackVideo(ctx, tx, pubID, videoID)
		if err != nil {
			return err
		}
		if ingested {
			doc.IngestedVideos = appendIngested(doc.IngestedVideos, videoID, ingestedAt)
		}
	}
	return p.docs.Put(ctx, tx, VideosModel, pubID.String(), doc)
}

func (p *VideosProjection) handleArticleLinked(ctx context.Context, tx es.DBTX, pubID uuid.UUID, e *ArticleLinked) error {
	if len(e.Article.VideoIDs) == 0 {
		return nil
	}
	doc, err := p.load(ctx, tx, pubID)
	if err != nil {
		return err
	}
	if doc.ArticleVideos == nil {
		doc.ArticleVideos = map[string][]string{}
	}
	doc.ArticleVideos[e.Article.ArticleID.String()] = append([]string(nil), e.Article.VideoIDs...)
	for _, videoID := range e.Article.VideoIDs {
		ingested, ingestedAt, err := p.trackVideo(ctx, tx, pubID, videoID)
		if err != nil {
			return err
		}
		if ingested {
			doc.IngestedVideos = appendIngested(doc.IngestedVideos, videoID, ingestedAt)
		} else {
			// The completed state is gone; a later completion is a new edge.
			doc.ReadyAt = nil
		}
	}
	return p.docs.Put(ctx, tx, VideosModel, pubID.String(), doc)
}

func (p *VideosProjection) handleArticleUnlinked(ctx context.Context, tx es.DBTX, pubID uuid.UUID, e *ArticleUnlinked) error {
	doc, err := p.load(ctx, tx, pubID)
	if err != nil {
		return err
	}
	if _, ok := doc.ArticleVideos[e.ArticleID.String()]; !ok {
		return nil
	}
	delete(doc.ArticleVideos, e.ArticleID.String())
	doc.IngestedVideos = pruneIngested(doc)
	return p.docs.Put(ctx, tx, VideosModel, pubID.String(), doc)
}

func (p *VideosProjection) handleVideoLinked(ctx context.Context, tx es.DBTX, pubID uuid.UUID, e *VideoLinked) error {
	doc, err := p.load(ctx, tx, pubID)
	if err != nil {
		return err
	}
	doc.DirectVideos = appendUnique(doc.DirectVideos, e.VideoID)
	ingested, ingestedAt, err := p.trackVideo(ctx, tx, pubID, e.VideoID)
	if err != nil {
		return err
	}
	if ingested {
		doc.IngestedVideos = appendIngested(doc.IngestedVideos, e.VideoID, ingestedAt)
	} else {
		// The completed state is gone; a later completion is a new edge.
		doc.ReadyAt = nil
	}
	return p.docs.Put(ctx, tx, VideosModel, pubID.String(), doc)
}

func (p *VideosProjection) handleVideoUnlinked(ctx context.Context, tx es.DBTX, pubID uuid.UUID, e *VideoUnlinked) error {
	doc, err := p.load(ctx, tx, pubID)
	if err != nil {
		return err
	}
	doc.DirectVideos = removeString(doc.DirectVideos, e.VideoID)
	doc.IngestedVideos = pruneIngested(doc)
	return p.docs.Put(ctx, tx, VideosModel, pubID.String(), doc)
}

func (p *VideosProjection) handlePublishRequested(ctx context.Context, tx es.DBTX, pubID uuid.UUID) error {
	doc, err := p.load(ctx, tx, pubID)
	if err != nil {
		return err
	}
	doc.PublishRequested = true
	return p.docs.Put(ctx, tx, VideosModel, pubID.String(), doc)
}

func (p *VideosProjection) handleVideoCreated(ctx context.Context, tx es.DBTX, e *video.Created) error {
	route, err := p.loadRoute(ctx, tx, e.VideoID)
	if err != nil {
		return err
	}
	route.VideoID = e.VideoID
	route.PublicationIDs = appendUUID(route.PublicationIDs, e.PublicationStreamID)
	return p.docs.Put(ctx, tx, VideosModel, routeDocID(e.VideoID), route)
}

func (p *VideosProjection) handleVideoIngested(ctx context.Context, tx es.DBTX, e *video.Ingested) error {
	route, err := p.loadRoute(ctx, tx, e.VideoID)
	if err != nil {
		return err
	}
	route.VideoID = e.VideoID
	route.Ingested = true
	route.IngestedAt = e.IngestedAt
	if err := p.docs.Put(ctx, tx, VideosModel, routeDocID(e.VideoID), route); err != nil {
		return err
	}

	// Fan out to every publication referencing the video. Publications the
	// route does not know about yet pick the ingestion up from the route
	// when they start tracking the video.
	for _, pubID := range route.PublicationIDs {
		doc, err := p.load(ctx, tx, pubID)
		if err != nil {
			return err
		}
		if !doc.isTracked(e.VideoID) || doc.isIngested(e.VideoID) {
			continue
		}
		doc.IngestedVideos = appendIngested(doc.IngestedVideos, e.VideoID, e.IngestedAt)
		if err := p.docs.Put(ctx, tx, VideosModel, pubID.String(), doc); err != nil {
			return err
		}
	}
	return nil
}

// RaiseSideEffects implements projection.SideEffectEmitter. It emits
// PublicationReady exactly when a triggering event in this batch completed
// the ready condition: every tracked video ingested, at least one video
// present, and a publish request recorded.
func (p *VideosProjection) RaiseSideEffects(ctx context.Context, tx es.DBTX, batch *outbox.Batch, events []es.PersistedEvent) error {
	candidates := make(map[uuid.UUID]struct{})
	for _, persisted := range events {
		switch persisted.EventType {
		case EventTypePublishRequested:
			candidates[persisted.AggregateID] = struct{}{}
		case video.EventTypeIngested:
			decoded, err := p.registry.FromEvent(persisted)
			if err != nil {
				return err
			}
			ingested, ok := decoded.(*video.Ingested)
			if !ok {
				continue
			}
			route, err := p.loadRoute(ctx, tx, ingested.VideoID)
			if err != nil {
				return err
			}
			for _, pubID := range route.PublicationIDs {
				candidates[pubID] = struct{}{}
			}
		}
	}

	for pubID := range candidates {
		doc, err := p.load(ctx, tx, pubID)
		if err != nil {
			return err
		}
		if !doc.PublishRequested || doc.ReadyAt != nil ||
			len(doc.Remaining()) > 0 || len(doc.IngestedVideos) == 0 {
			continue
		}

		readyAt := lastIngestedAt(doc.IngestedVideos)
		message, err := outbox.NewMessage(integration.MessageTypePublicationReady, integration.PublicationReady{
			PublicationStreamID: pubID,
			PublicationID:       doc.PublicationID,
			ReadyAt:             readyAt,
		})
		if err != nil {
			return err
		}
		batch.Publish(message)

		doc.ReadyAt = &readyAt
		if err := p.docs.Put(ctx, tx, VideosModel, pubID.String(), doc); err != nil {
			return err
		}
	}
	return nil
}

// Get loads the videos document for one publication stream.
func (p *VideosProjection) Get(ctx context.Context, tx es.DBTX, id uuid.UUID) (Videos, error) {
	var doc Videos
	if err := p.docs.Get(ctx, tx, VideosModel, id.String(), &doc); err != nil {
		return Videos{}, err
	}
	return doc, nil
}

// load tolerates an absent document: streams can be folded in any
// cross-stream order, so a missing document is an empty one.
func (p *VideosProjection) load(ctx context.Context, tx es.DBTX, pubID uuid.UUID) (Videos, error) {
	var doc Videos
	err := p.docs.Get(ctx, tx, VideosModel, pubID.String(), &doc)
	if errors.Is(err, readmodel.ErrNotFound) {
		return Videos{ID: pubID}, nil
	}
	if err != nil {
		return Videos{}, err
	}
	return doc, nil
}

func (p *VideosProjection) loadRoute(ctx context.Context, tx es.DBTX, videoID string) (videoRoute, error) {
	var route videoRoute
	err := p.docs.Get(ctx, tx, VideosModel, routeDocID(videoID), &route)
	if errors.Is(err, readmodel.ErrNotFound) {
		return videoRoute{}, nil
	}
	if err != nil {
		return videoRoute{}, err
	}
	return route, nil
}

// trackVideo registers one publication on a video's route and reports
// whether the video is already ingested.
func (p *VideosProjection) trackVideo(ctx context.Context, tx es.DBTX, pubID uuid.UUID, videoID string) (bool, time.Time, error) {
	route, err := p.loadRoute(ctx, tx, videoID)
	if err != nil {
		return false, time.Time{}, err
	}
	route.VideoID = videoID
	route.PublicationIDs = appendUUID(route.PublicationIDs, pubID)
	if err := p.docs.Put(ctx, tx, VideosModel, routeDocID(videoID), route); err != nil {
		return false, time.Time{}, err
	}
	return route.Ingested, route.IngestedAt, nil
}

func routeDocID(videoID string) string {
	return "video/" + videoID
}

// pruneIngested drops ingestion records for videos the document no longer
// tracks, keeping their original order.
func pruneIngested(doc Videos) []IngestedVideo {
	out := doc.IngestedVideos[:0:0]
	for _, ingested := range doc.IngestedVideos {
		if doc.isTracked(ingested.VideoID) {
			out = append(out, ingested)
		}
	}
	return out
}

func lastIngestedAt(ingested []IngestedVideo) time.Time {
	var last time.Time
	for _, v := range ingested {
		if v.IngestedAt.After(last) {
			last = v.IngestedAt
		}
	}
	return last
}

func appendUnique(ids []string, id string) []string {
	if containsString(ids, id) {
		return ids
	}
	return append(ids, id)
}

func appendIngested(ingested []IngestedVideo, videoID string, at time.Time) []IngestedVideo {
	for _, v := range ingested {
		if v.VideoID == videoID {
			return ingested
		}
	}
	return append(ingested, IngestedVideo{VideoID: videoID, IngestedAt: at})
}

func appendUUID(ids []uuid.UUID, id uuid.UUID) []uuid.UUID {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func removeString(ids []string, id string) []string {
	out := ids[:0:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}

func containsString(ids []string, id string) bool {
	for _, existing := range ids {
		if existing == id {
			return true
		}
	}
	return false
}
