// Package video implements the video aggregate. Videos are created as
// part of a publication and reach their terminal state when the media
// pipeline reports ingestion.
package video

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/newsroomhq/publishing/domain"
)

// Video is the in-memory fold of a video stream.
type Video struct {
	ID             uuid.UUID
	VideoID        string
	PublicationIDs map[string]struct{}
	MediaType      string
	Origin         Origin
	URL            string
	CreatedAt      time.Time
	IngestedAt     *time.Time
	RevokedAt      *time.Time
}

// Ingested reports whether the video reached its terminal state.
func (v Video) Ingested() bool { return v.IngestedAt != nil }

// Revoked reports whether the video was pulled from circulation.
func (v Video) Revoked() bool { return v.RevokedAt != nil }

// CreateCommand opens a new video stream.
type CreateCommand struct {
	ID                  uuid.UUID
	VideoID             string
	PublicationStreamID uuid.UUID
	PublicationID       string
	MediaType           string
	Origin              Origin
	URL                 string
	CreatedAt           time.Time
	Now                 time.Time
}

// Create validates and produces the opening event.
func Create(cmd CreateCommand) (*Created, error) {
	if cmd.VideoID == "" {
		return nil, fmt.Errorf("%w: video id is required", domain.ErrInvalidOperation)
	}
	if cmd.URL == "" {
		return nil, fmt.Errorf("%w: video url is required", domain.ErrInvalidOperation)
	}
	switch cmd.Origin {
	case OriginS3, OriginAzureBlob:
	default:
		return nil, fmt.Errorf("%w: unsupported video origin %q", domain.ErrInvalidOperation, cmd.Origin)
	}
	return &Created{
		ID:                  cmd.ID,
		VideoID:             cmd.VideoID,
		PublicationStreamID: cmd.PublicationStreamID,
		PublicationID:       cmd.PublicationID,
		MediaType:           cmd.MediaType,
		Origin:              cmd.Origin,
		URL:                 cmd.URL,
		VideoCreatedAt:      cmd.CreatedAt,
		CreatedAt:           cmd.Now,
	}, nil
}

// Ingest marks the video as processed. Re-ingesting is rejected: the
// media pipeline retries delivery and the aggregate absorbs exactly one.
func Ingest(v Video, now time.Time) (*Ingested, error) {
	if v.Revoked() {
		return nil, fmt.Errorf("%w: video %s is revoked", domain.ErrInvalidOperation, v.VideoID)
	}
	if v.Ingested() {
		return nil, fmt.Errorf("%w: video %s already ingested", domain.ErrInvalidOperation, v.VideoID)
	}
	return &Ingested{ID: v.ID, VideoID: v.VideoID, IngestedAt: now}, nil
}

// Revoke pulls the video from circulation.
func Revoke(v Video, reason string, now time.Time) (*Revoked, error) {
	if v.Revoked() {
		return nil, fmt.Errorf("%w: video %s already revoked", domain.ErrInvalidOperation, v.VideoID)
	}
	return &Revoked{ID: v.ID, VideoID: v.VideoID, Reason: reason, RevokedAt: now}, nil
}

// Apply folds one event into the state.
func Apply(v Video, event Event) (Video, error) {
	switch e := event.(type) {
	case *Created:
		return Video{
			ID:             e.ID,
			VideoID:        e.VideoID,
			PublicationIDs: map[string]struct{}{e.PublicationID: {}},
			MediaType:      e.MediaType,
			Origin:         e.Origin,
			URL:            e.URL,
			CreatedAt:      e.VideoCreatedAt,
		}, nil
	case *Ingested:
		next := v
		at := e.IngestedAt
		next.IngestedAt = &at
		return next, nil
	case *Revoked:
		next := v
		at := e.RevokedAt
		next.RevokedAt = &at
		return next, nil
	default:
		return Video{}, fmt.Errorf("%w: unhandled video event %T", domain.ErrInvalidState, event)
	}
}

// Fold replays a full event sequence from the zero state.
func Fold(events []Event) (Video, error) {
	var v Video
	for _, e := range events {
		next, err := Apply(v, e)
		if err != nil {
			return Video{}, err
		}
		v = next
	}
	return v, nil
}
