// Package publication implements the publication aggregate: a titled
// collection of articles and videos that moves through per-platform
// publish workflows. All state transitions are pure decide/apply
// functions over the event union in events.go.
package publication

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/newsroomhq/publishing/domain"
)

// Kind classifies a publication by its content mix. It is derived from
// the linked articles and videos, never stored by commands directly.
type Kind string

const (
	KindArticle Kind = "article"
	KindVideo   Kind = "video"
	KindMixed   Kind = "mixed"
)

// Status is the publication-level lifecycle.
type Status string

const (
	StatusPending            Status = "pending"
	StatusPublishedAndClosed Status = "published-and-closed"
)

// Platform identifies a distribution target. Each platform runs its own
// publish workflow, recorded as an append-only history on the aggregate.
type Platform string

// PlatformStatus is the state of one platform's workflow. Only the LAST
// record of a platform's history is authoritative for decisions.
type PlatformStatus string

const (
	PlatformStatusNone               PlatformStatus = ""
	PlatformStatusPublishRequested   PlatformStatus = "publish-requested"
	PlatformStatusUnpublishRequested PlatformStatus = "unpublish-requested"
	PlatformStatusInProgress         PlatformStatus = "publishing-in-progress"
	PlatformStatusPublished          PlatformStatus = "published"
	PlatformStatusUnpublished        PlatformStatus = "unpublished"
)

// PlatformRecord is one entry in a platform's workflow history.
type PlatformRecord struct {
	Status PlatformStatus
	At     time.Time
}

// Publication is the in-memory fold of a publication stream. It is a
// value: apply returns a new state and never mutates its input maps in
// place from the caller's perspective.
type Publication struct {
	ID            uuid.UUID
	PublicationID string
	Title         string
	Synopsis      string
	Articles      []Article
	VideoIDs      map[string]struct{}
	Kind          Kind
	Status        Status
	Platforms     map[Platform][]PlatformRecord
	CreatedAt     time.Time
}

// LastPlatformStatus reports the most recent workflow status for a
// platform, PlatformStatusNone when the platform has no history.
func (p Publication) LastPlatformStatus(platform Platform) PlatformStatus {
	records := p.Platforms[platform]
	if len(records) == 0 {
		return PlatformStatusNone
	}
	return records[len(records)-1].Status
}

// HasVideo reports whether the video id is currently linked.
func (p Publication) HasVideo(videoID string) bool {
	_, ok := p.VideoIDs[videoID]
	return ok
}

func (p Publication) findArticle(articleID uuid.UUID) (Article, bool) {
	for _, a := range p.Articles {
		if a.ArticleID == articleID {
			return a, true
		}
	}
	return Article{}, false
}

// EvaluateKind derives the publication kind from its current content.
// A publication with no articles and no videos has no kind, which is an
// invalid state: the caller must reject whatever produced it.
func EvaluateKind(articles []Article, videoIDs map[string]struct{}) (Kind, error) {
	articleVideos := false
	for _, a := range articles {
		if len(a.VideoIDs) > 0 {
			articleVideos = true
			break
		}
	}
	switch {
	case len(articles) > 0 && (len(videoIDs) > 0 || articleVideos):
		return KindMixed, nil
	case len(articles) > 0:
		return KindArticle, nil
	case len(videoIDs) > 0:
		return KindVideo, nil
	default:
		return "", fmt.Errorf("%w: publication has no articles and no videos", domain.ErrInvalidState)
	}
}

// evaluateStatus closes the publication once every platform's last
// record is Published.
func evaluateStatus(platforms map[Platform][]PlatformRecord) Status {
	if len(platforms) == 0 {
		return StatusPending
	}
	for _, records := range platforms {
		if len(records) == 0 || records[len(records)-1].Status != PlatformStatusPublished {
			return StatusPending
		}
	}
	return StatusPublishedAndClosed
}

// CreateCommand opens a new publication stream.
type CreateCommand struct {
	ID             uuid.UUID
	PublicationID  string
	Title          string
	Synopsis       string
	Articles       []Article
	VideoStreamIDs []uuid.UUID
	VideoIDs       []string
	CreatedAt      time.Time
	Now            time.Time
}

// Create validates and produces the opening event. The content must
// evaluate to a kind: an empty publication is rejected up front rather
// than discovered later as a corrupt fold.
func Create(cmd CreateCommand) (*Created, error) {
	if cmd.Title == "" {
		return nil, fmt.Errorf("%w: title is required", domain.ErrInvalidOperation)
	}
	if len(cmd.VideoStreamIDs) != len(cmd.VideoIDs) {
		return nil, fmt.Errorf("%w: video stream ids and video ids must pair up", domain.ErrInvalidOperation)
	}
	videoSet := make(map[string]struct{}, len(cmd.VideoIDs))
	for _, id := range cmd.VideoIDs {
		videoSet[id] = struct{}{}
	}
	if _, err := EvaluateKind(cmd.Articles, videoSet); err != nil {
		return nil, err
	}
	return &Created{
		ID:                   cmd.ID,
		PublicationID:        cmd.PublicationID,
		Title:                cmd.Title,
		Synopsis:             cmd.Synopsis,
		Articles:             cmd.Articles,
		VideoStreamIDs:       cmd.VideoStreamIDs,
		VideoIDs:             cmd.VideoIDs,
		PublicationCreatedAt: cmd.CreatedAt,
		CreatedAt:            cmd.Now,
	}, nil
}

func (p Publication) requirePending(verb string) error {
	if p.Status == StatusPublishedAndClosed {
		return fmt.Errorf("%w: cannot %s a published and closed publication", domain.ErrInvalidOperation, verb)
	}
	return nil
}

// LinkArticle attaches an article to a pending publication. Linking an
// already-present article still emits the event; apply deduplicates.
func LinkArticle(p Publication, article Article, now time.Time) (*ArticleLinked, error) {
	if err := p.requirePending("modify"); err != nil {
		return nil, err
	}
	return &ArticleLinked{ID: p.ID, Article: article, LinkedAt: now}, nil
}

// UnlinkArticle detaches an article. Removing the last content item
// leaves nothing to classify, so the kind recomputation fails with
// ErrInvalidState rather than an up-front ErrInvalidOperation.
func UnlinkArticle(p Publication, articleID uuid.UUID, now time.Time) (*ArticleUnlinked, error) {
	if err := p.requirePending("modify"); err != nil {
		return nil, err
	}
	if _, exists := p.findArticle(articleID); !exists {
		return nil, fmt.Errorf("%w: article %s is not linked", domain.ErrInvalidOperation, articleID)
	}
	remaining := make([]Article, 0, len(p.Articles)-1)
	for _, a := range p.Articles {
		if a.ArticleID != articleID {
			remaining = append(remaining, a)
		}
	}
	if _, err := EvaluateKind(remaining, p.VideoIDs); err != nil {
		return nil, fmt.Errorf("unlinking article %s: %w", articleID, err)
	}
	return &ArticleUnlinked{ID: p.ID, ArticleID: articleID, UnlinkedAt: now}, nil
}

// LinkVideo attaches a video to a pending publication. Linking an
// already-present video still emits the event; apply deduplicates.
func LinkVideo(p Publication, videoStreamID uuid.UUID, videoID string, now time.Time) (*VideoLinked, error) {
	if err := p.requirePending("modify"); err != nil {
		return nil, err
	}
	return &VideoLinked{ID: p.ID, VideoStreamID: videoStreamID, VideoID: videoID, LinkedAt: now}, nil
}

// UnlinkVideo detaches a video, subject to the same kind rule as
// UnlinkArticle.
func UnlinkVideo(p Publication, videoID string, now time.Time) (*VideoUnlinked, error) {
	if err := p.requirePending("modify"); err != nil {
		return nil, err
	}
	if !p.HasVideo(videoID) {
		return nil, fmt.Errorf("%w: video %s is not linked", domain.ErrInvalidOperation, videoID)
	}
	remaining := make(map[string]struct{}, len(p.VideoIDs)-1)
	for id := range p.VideoIDs {
		if id != videoID {
			remaining[id] = struct{}{}
		}
	}
	if _, err := EvaluateKind(p.Articles, remaining); err != nil {
		return nil, fmt.Errorf("unlinking video %s: %w", videoID, err)
	}
	return &VideoUnlinked{ID: p.ID, VideoID: videoID, UnlinkedAt: now}, nil
}

// RequestPublish starts (or restarts) a platform's publish workflow.
func RequestPublish(p Publication, platform Platform, now time.Time) (*PublishRequested, error) {
	if err := p.requirePending("publish"); err != nil {
		return nil, err
	}
	switch last := p.LastPlatformStatus(platform); last {
	case PlatformStatusPublishRequested:
		return nil, fmt.Errorf("%w: publish already requested on %s", domain.ErrInvalidOperation, platform)
	case PlatformStatusInProgress:
		return nil, fmt.Errorf("%w: publishing already in progress on %s", domain.ErrInvalidOperation, platform)
	case PlatformStatusPublished:
		return nil, fmt.Errorf("%w: already published on %s", domain.ErrInvalidOperation, platform)
	default:
		return &PublishRequested{ID: p.ID, Platform: platform, RequestedAt: now}, nil
	}
}

// RequestUnpublish asks a platform to take the publication down.
func RequestUnpublish(p Publication, platform Platform, now time.Time) (*UnpublishRequested, error) {
	switch last := p.LastPlatformStatus(platform); last {
	case PlatformStatusPublished:
		return &UnpublishRequested{ID: p.ID, Platform: platform, RequestedAt: now}, nil
	case PlatformStatusNone:
		return nil, fmt.Errorf("%w: never published on %s", domain.ErrInvalidOperation, platform)
	default:
		return nil, fmt.Errorf("%w: cannot request unpublish on %s while %s", domain.ErrInvalidOperation, platform, last)
	}
}

// ConfirmPublish records that a platform completed publishing. Only a
// pending request (or a previously unpublished platform being retried)
// may be confirmed; confirming from any other status is a broken
// workflow, not a user mistake.
func ConfirmPublish(p Publication, platform Platform, now time.Time) (*Published, error) {
	switch last := p.LastPlatformStatus(platform); last {
	case PlatformStatusPublishRequested, PlatformStatusUnpublished:
		return &Published{ID: p.ID, Platform: platform, PublishedAt: now}, nil
	case PlatformStatusNone:
		return nil, fmt.Errorf("%w: no publish request found for %s", domain.ErrInvalidOperation, platform)
	case PlatformStatusInProgress:
		return nil, fmt.Errorf("%w: publishing still in progress on %s", domain.ErrInvalidOperation, platform)
	default:
		return nil, fmt.Errorf("%w: cannot confirm publish on %s from status %s", domain.ErrInvalidState, platform, last)
	}
}

// ConfirmUnpublish records that a platform took the publication down.
func ConfirmUnpublish(p Publication, platform Platform, now time.Time) (*Unpublished, error) {
	switch last := p.LastPlatformStatus(platform); last {
	case PlatformStatusPublished, PlatformStatusUnpublishRequested:
		return &Unpublished{ID: p.ID, Platform: platform, UnpublishedAt: now}, nil
	case PlatformStatusNone:
		return nil, fmt.Errorf("%w: never published on %s", domain.ErrInvalidOperation, platform)
	case PlatformStatusInProgress:
		return nil, fmt.Errorf("%w: publishing still in progress on %s", domain.ErrInvalidOperation, platform)
	default:
		return nil, fmt.Errorf("%w: cannot confirm unpublish on %s from status %s", domain.ErrInvalidState, platform, last)
	}
}

// Apply folds one event into the state. Unknown event types and
// unevaluable content are surfaced as ErrInvalidState: a fold error
// means the stream is corrupt and the whole operation must abort.
func Apply(p Publication, event Event) (Publication, error) {
	switch e := event.(type) {
	case *Created:
		videoSet := make(map[string]struct{}, len(e.VideoIDs))
		for _, id := range e.VideoIDs {
			videoSet[id] = struct{}{}
		}
		kind, err := EvaluateKind(e.Articles, videoSet)
		if err != nil {
			return Publication{}, err
		}
		return Publication{
			ID:            e.ID,
			PublicationID: e.PublicationID,
			Title:         e.Title,
			Synopsis:      e.Synopsis,
			Articles:      append([]Article(nil), e.Articles...),
			VideoIDs:      videoSet,
			Kind:          kind,
			Status:        StatusPending,
			Platforms:     map[Platform][]PlatformRecord{},
			CreatedAt:     e.PublicationCreatedAt,
		}, nil

	case *ArticleLinked:
		if _, exists := p.findArticle(e.Article.ArticleID); exists {
			return p, nil
		}
		next := p
		next.Articles = append(append([]Article(nil), p.Articles...), e.Article)
		kind, err := EvaluateKind(next.Articles, next.VideoIDs)
		if err != nil {
			return Publication{}, err
		}
		next.Kind = kind
		return next, nil

	case *ArticleUnlinked:
		next := p
		next.Articles = make([]Article, 0, len(p.Articles))
		for _, a := range p.Articles {
			if a.ArticleID != e.ArticleID {
				next.Articles = append(next.Articles, a)
			}
		}
		kind, err := EvaluateKind(next.Articles, next.VideoIDs)
		if err != nil {
			return Publication{}, err
		}
		next.Kind = kind
		return next, nil

	case *VideoLinked:
		next := p
		next.VideoIDs = cloneSet(p.VideoIDs)
		next.VideoIDs[e.VideoID] = struct{}{}
		kind, err := EvaluateKind(next.Articles, next.VideoIDs)
		if err != nil {
			return Publication{}, err
		}
		next.Kind = kind
		return next, nil

	case *VideoUnlinked:
		next := p
		next.VideoIDs = cloneSet(p.VideoIDs)
		delete(next.VideoIDs, e.VideoID)
		kind, err := EvaluateKind(next.Articles, next.VideoIDs)
		if err != nil {
			return Publication{}, err
		}
		next.Kind = kind
		return next, nil

	case *PublishRequested:
		return p.withPlatformRecord(e.Platform, PlatformRecord{Status: PlatformStatusPublishRequested, At: e.RequestedAt}), nil

	case *UnpublishRequested:
		next := p.withPlatformRecord(e.Platform, PlatformRecord{Status: PlatformStatusUnpublishRequested, At: e.RequestedAt})
		next.Status = evaluateStatus(next.Platforms)
		return next, nil

	case *Published:
		next := p.withPlatformRecord(e.Platform, PlatformRecord{Status: PlatformStatusPublished, At: e.PublishedAt})
		next.Status = evaluateStatus(next.Platforms)
		return next, nil

	case *Unpublished:
		next := p.withPlatformRecord(e.Platform, PlatformRecord{Status: PlatformStatusUnpublished, At: e.UnpublishedAt})
		next.Status = evaluateStatus(next.Platforms)
		return next, nil

	default:
		return Publication{}, fmt.Errorf("%w: unhandled publication event %T", domain.ErrInvalidState, event)
	}
}

// Fold replays a full event sequence from the zero state.
func Fold(events []Event) (Publication, error) {
	var p Publication
	for _, e := range events {
		next, err := Apply(p, e)
		if err != nil {
			return Publication{}, err
		}
		p = next
	}
	return p, nil
}

func (p Publication) withPlatformRecord(platform Platform, record PlatformRecord) Publication {
	next := p
	next.Platforms = make(map[Platform][]PlatformRecord, len(p.Platforms)+1)
	for k, v := range p.Platforms {
		next.Platforms[k] = v
	}
	next.Platforms[platform] = append(append([]PlatformRecord(nil), p.Platforms[platform]...), record)
	return next
}

func cloneSet(s map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}
