// Package publishing hosts the publishing domain facade: event registry
// wiring and the command service over the event-sourcing runtime.
package publishing

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/newsroomhq/publishing/domain"
	"github.com/newsroomhq/publishing/es"
	"github.com/newsroomhq/publishing/es/codec"
	"github.com/newsroomhq/publishing/es/projection"
	"github.com/newsroomhq/publishing/es/store"
	"github.com/newsroomhq/publishing/publication"
	"github.com/newsroomhq/publishing/video"
)

// Store is the event-store surface the service needs. Both SQL adapters
// satisfy it.
type Store interface {
	store.EventStore
	store.StreamReader
	store.TypeReader
}

// Service executes commands against the event log. Every command runs as
// one transaction: load the stream, decide, append with an expected
// version, fold inline projections, commit. A conflict or an inline
// projection error rolls the whole write back.
type Service struct {
	db       *sql.DB
	store    Store
	registry *codec.Registry
	inline   []projection.Inline
	logger   es.Logger
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithInlineProjections registers projections folded inside every write.
func WithInlineProjections(projections ...projection.Inline) ServiceOption {
	return func(s *Service) { s.inline = append(s.inline, projections...) }
}

// WithLogger sets the service logger.
func WithLogger(logger es.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// NewService creates a command service.
func NewService(db *sql.DB, st Store, registry *codec.Registry, opts ...ServiceOption) *Service {
	s := &Service{db: db, store: st, registry: registry, logger: es.NoOpLogger{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// VideoInput names one video attached to a publication command. Videos
// unknown to the system get their stream opened within the same write.
type VideoInput struct {
	VideoID   string
	MediaType string
	Origin    video.Origin
	URL       string
	CreatedAt time.Time
}

// CreatePublicationCommand opens a publication stream and any missing
// video streams in a single transaction.
type CreatePublicationCommand struct {
	PublicationID string
	Title         string
	Synopsis      string
	Articles      []publication.Article
	Videos        []VideoInput
	CreatedAt     time.Time
}

// CreatePublicationResult reports the streams touched by the create.
type CreatePublicationResult struct {
	PublicationStreamID uuid.UUID
	Version             int64
	VideoStreamIDs      []uuid.UUID
}

// CreatePublication starts a publication. Video streams named by the
// command are resolved by external id; unknown ones are created first so
// the publication never references a stream that does not exist.
func (s *Service) CreatePublication(ctx context.Context, cmd CreatePublicationCommand) (CreatePublicationResult, error) {
	publicationStreamID := uuid.New()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CreatePublicationResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	videoStreamIDs := make([]uuid.UUID, 0, len(cmd.Videos))
	videoIDs := make([]string, 0, len(cmd.Videos))
	for _, input := range cmd.Videos {
		streamID, err := s.ensureVideoStream(ctx, tx, publicationStreamID, cmd.PublicationID, input)
		if err != nil {
			return CreatePublicationResult{}, err
		}
		videoStreamIDs = append(videoStreamIDs, streamID)
		videoIDs = append(videoIDs, input.VideoID)
	}

	created, err := publication.Create(publication.CreateCommand{
		ID:             publicationStreamID,
		PublicationID:  cmd.PublicationID,
		Title:          cmd.Title,
		Synopsis:       cmd.Synopsis,
		Articles:       cmd.Articles,
		VideoStreamIDs: videoStreamIDs,
		VideoIDs:       videoIDs,
		CreatedAt:      cmd.CreatedAt,
		Now:            time.Now().UTC(),
	})
	if err != nil {
		return CreatePublicationResult{}, err
	}

	result, err := s.appendAndProject(ctx, tx, publication.AggregateType, publicationStreamID, es.NoStream(), created)
	if err != nil {
		return CreatePublicationResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return CreatePublicationResult{}, fmt.Errorf("failed to commit: %w", err)
	}

	s.logger.Info(ctx, "publication created",
		"publication_stream_id", publicationStreamID,
		"publication_id", cmd.PublicationID,
		"videos", len(videoIDs))
	return CreatePublicationResult{
		PublicationStreamID: publicationStreamID,
		Version:             result.NewVersion(),
		VideoStreamIDs:      videoStreamIDs,
	}, nil
}

// LinkArticle attaches an article to a publication.
func (s *Service) LinkArticle(ctx context.Context, publicationStreamID uuid.UUID, article publication.Article, ifVersion *int64) (int64, error) {
	return s.decidePublication(ctx, publicationStreamID, ifVersion, func(p publication.Publication) (publication.Event, error) {
		return publication.LinkArticle(p, article, time.Now().UTC())
	})
}

// UnlinkArticle detaches an article from a publication.
func (s *Service) UnlinkArticle(ctx context.Context, publicationStreamID, articleID uuid.UUID, ifVersion *int64) (int64, error) {
	return s.decidePublication(ctx, publicationStreamID, ifVersion, func(p publication.Publication) (publication.Event, error) {
		return publication.UnlinkArticle(p, articleID, time.Now().UTC())
	})
}

// LinkVideo attaches a video to a publication, opening the video stream
// first when the external id is unknown.
func (s *Service) LinkVideo(ctx context.Context, publicationStreamID uuid.UUID, input VideoInput, ifVersion *int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	state, version, err := s.loadPublication(ctx, tx, publicationStreamID)
	if err != nil {
		return 0, err
	}

	videoStreamID, err := s.ensureVideoStream(ctx, tx, publicationStreamID, state.PublicationID, input)
	if err != nil {
		return 0, err
	}

	event, err := publication.LinkVideo(state, videoStreamID, input.VideoID, time.Now().UTC())
	if err != nil {
		return 0, err
	}

	result, err := s.appendAndProject(ctx, tx, publication.AggregateType, publicationStreamID, expectedVersion(version, ifVersion), event)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return result.NewVersion(), nil
}

// UnlinkVideo detaches a video from a publication.
func (s *Service) UnlinkVideo(ctx context.Context, publicationStreamID uuid.UUID, videoID string, ifVersion *int64) (int64, error) {
	return s.decidePublication(ctx, publicationStreamID, ifVersion, func(p publication.Publication) (publication.Event, error) {
		return publication.UnlinkVideo(p, videoID, time.Now().UTC())
	})
}

// RequestPublish starts a platform's publish workflow.
func (s *Service) RequestPublish(ctx context.Context, publicationStreamID uuid.UUID, platform publication.Platform, ifVersion *int64) (int64, error) {
	return s.decidePublication(ctx, publicationStreamID, ifVersion, func(p publication.Publication) (publication.Event, error) {
		return publication.RequestPublish(p, platform, time.Now().UTC())
	})
}

// RequestUnpublish starts a platform's unpublish workflow.
func (s *Service) RequestUnpublish(ctx context.Context, publicationStreamID uuid.UUID, platform publication.Platform, ifVersion *int64) (int64, error) {
	return s.decidePublication(ctx, publicationStreamID, ifVersion, func(p publication.Publication) (publication.Event, error) {
		return publication.RequestUnpublish(p, platform, time.Now().UTC())
	})
}

// ConfirmPublish records a platform's publish completion.
func (s *Service) ConfirmPublish(ctx context.Context, publicationStreamID uuid.UUID, platform publication.Platform, ifVersion *int64) (int64, error) {
	return s.decidePublication(ctx, publicationStreamID, ifVersion, func(p publication.Publication) (publication.Event, error) {
		return publication.ConfirmPublish(p, platform, time.Now().UTC())
	})
}

// ConfirmUnpublish records a platform's unpublish completion.
func (s *Service) ConfirmUnpublish(ctx context.Context, publicationStreamID uuid.UUID, platform publication.Platform, ifVersion *int64) (int64, error) {
	return s.decidePublication(ctx, publicationStreamID, ifVersion, func(p publication.Publication) (publication.Event, error) {
		return publication.ConfirmUnpublish(p, platform, time.Now().UTC())
	})
}

// IngestVideo records the media pipeline's completion for a video stream.
func (s *Service) IngestVideo(ctx context.Context, videoStreamID uuid.UUID, at time.Time) (int64, error) {
	return s.decideVideo(ctx, videoStreamID, func(v video.Video) (video.Event, error) {
		return video.Ingest(v, at)
	})
}

// RevokeVideo pulls a video from circulation.
func (s *Service) RevokeVideo(ctx context.Context, videoStreamID uuid.UUID, reason string, at time.Time) (int64, error) {
	return s.decideVideo(ctx, videoStreamID, func(v video.Video) (video.Event, error) {
		return video.Revoke(v, reason, at)
	})
}

// IngestVideoByExternalID resolves a video stream by its external id and
// records the ingestion. Unknown ids report found=false without error:
// pipeline notices for videos this system never tracked are dropped.
func (s *Service) IngestVideoByExternalID(ctx context.Context, videoID string, at time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	streamID, found, err := s.findVideoStream(ctx, tx, videoID)
	tx.Rollback()
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	if _, err := s.IngestVideo(ctx, streamID, at); err != nil {
		return true, err
	}
	return true, nil
}

func (s *Service) decidePublication(ctx context.Context, publicationStreamID uuid.UUID, ifVersion *int64, decide func(publication.Publication) (publication.Event, error)) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	state, version, err := s.loadPublication(ctx, tx, publicationStreamID)
	if err != nil {
		return 0, err
	}

	event, err := decide(state)
	if err != nil {
		return 0, err
	}

	result, err := s.appendAndProject(ctx, tx, publication.AggregateType, publicationStreamID, expectedVersion(version, ifVersion), event)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return result.NewVersion(), nil
}

func (s *Service) decideVideo(ctx context.Context, videoStreamID uuid.UUID, decide func(video.Video) (video.Event, error)) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	state, version, err := s.loadVideo(ctx, tx, videoStreamID)
	if err != nil {
		return 0, err
	}

	event, err := decide(state)
	if err != nil {
		return 0, err
	}

	result, err := s.appendAndProject(ctx, tx, video.AggregateType, videoStreamID, es.Exact(version), event)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return result.NewVersion(), nil
}

// appendAndProject appends domain events and folds the inline projections
// within the caller's transaction.
func (s *Service) appendAndProject(ctx context.Context, tx es.DBTX, aggregateType string, aggregateID uuid.UUID, expected es.ExpectedVersion, domainEvents ...codec.DomainEvent) (es.AppendResult, error) {
	events, err := s.registry.ToEvents(aggregateType, aggregateID, domainEvents)
	if err != nil {
		return es.AppendResult{}, err
	}

	result, err := s.store.Append(ctx, tx, expected, events)
	if err != nil {
		return es.AppendResult{}, err
	}

	for _, inline := range s.inline {
		if err := inline.ApplyInline(ctx, tx, result.Events); err != nil {
			return es.AppendResult{}, fmt.Errorf("inline projection %q failed: %w", inline.Name(), err)
		}
	}
	return result, nil
}

func (s *Service) loadPublication(ctx context.Context, tx es.DBTX, id uuid.UUID) (publication.Publication, int64, error) {
	stream, err := s.store.ReadStream(ctx, tx, publication.AggregateType, id, nil, nil)
	if err != nil {
		return publication.Publication{}, 0, err
	}
	if stream.IsEmpty() {
		return publication.Publication{}, 0, fmt.Errorf("%w: publication %s", domain.ErrNotFound, id)
	}

	decoded, err := s.registry.FromStream(stream)
	if err != nil {
		return publication.Publication{}, 0, err
	}
	events := make([]publication.Event, 0, len(decoded))
	for _, d := range decoded {
		event, ok := d.(publication.Event)
		if !ok {
			return publication.Publication{}, 0, fmt.Errorf("%w: foreign event %q on publication stream %s", domain.ErrInvalidState, d.EventType(), id)
		}
		events = append(events, event)
	}

	state, err := publication.Fold(events)
	if err != nil {
		return publication.Publication{}, 0, err
	}
	return state, stream.Version(), nil
}

func (s *Service) loadVideo(ctx context.Context, tx es.DBTX, id uuid.UUID) (video.Video, int64, error) {
	stream, err := s.store.ReadStream(ctx, tx, video.AggregateType, id, nil, nil)
	if err != nil {
		return video.Video{}, 0, err
	}
	if stream.IsEmpty() {
		return video.Video{}, 0, fmt.Errorf("%w: video %s", domain.ErrNotFound, id)
	}

	decoded, err := s.registry.FromStream(stream)
	if err != nil {
		return video.Video{}, 0, err
	}
	events := make([]video.Event, 0, len(decoded))
	for _, d := range decoded {
		event, ok := d.(video.Event)
		if !ok {
			return video.Video{}, 0, fmt.Errorf("%w: foreign event %q on video stream %s", domain.ErrInvalidState, d.EventType(), id)
		}
		events = append(events, event)
	}

	state, err := video.Fold(events)
	if err != nil {
		return video.Video{}, 0, err
	}
	return state, stream.Version(), nil
}

// ensureVideoStream resolves a video by external id, opening its stream
// when it does not exist yet. An existing video is left untouched.
func (s *Service) ensureVideoStream(ctx context.Context, tx es.DBTX, publicationStreamID uuid.UUID, publicationID string, input VideoInput) (uuid.UUID, error) {
	streamID, found, err := s.findVideoStream(ctx, tx, input.VideoID)
	if err != nil {
		return uuid.Nil, err
	}
	if found {
		return streamID, nil
	}

	streamID = uuid.New()
	created, err := video.Create(video.CreateCommand{
		ID:                  streamID,
		VideoID:             input.VideoID,
		PublicationStreamID: publicationStreamID,
		PublicationID:       publicationID,
		MediaType:           input.MediaType,
		Origin:              input.Origin,
		URL:                 input.URL,
		CreatedAt:           input.CreatedAt,
		Now:                 time.Now().UTC(),
	})
	if err != nil {
		return uuid.Nil, err
	}

	events, err := s.registry.ToEvents(video.AggregateType, streamID, []codec.DomainEvent{created},
		codec.WithCorrelationID(publicationStreamID))
	if err != nil {
		return uuid.Nil, err
	}
	if _, err := s.store.Append(ctx, tx, es.NoStream(), events); err != nil {
		return uuid.Nil, err
	}
	return streamID, nil
}

// findVideoStream scans opening events for the external video id.
func (s *Service) findVideoStream(ctx context.Context, tx es.DBTX, videoID string) (uuid.UUID, bool, error) {
	event, found, err := store.FindEventByType(ctx, tx, s.store, video.EventTypeCreated, func(persisted es.PersistedEvent) bool {
		var payload struct {
			VideoID string `json:"videoId"`
		}
		if err := json.Unmarshal(persisted.Payload, &payload); err != nil {
			return false
		}
		return payload.VideoID == videoID
	})
	if err != nil || !found {
		return uuid.Nil, false, err
	}
	return event.AggregateID, true, nil
}

func expectedVersion(loaded int64, ifVersion *int64) es.ExpectedVersion {
	if ifVersion != nil {
		return es.Exact(*ifVersion)
	}
	return es.Exact(loaded)
}
