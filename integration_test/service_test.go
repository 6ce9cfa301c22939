// Package integration_test exercises the full publishing flow against
// embedded SQLite: commands, inline details, async projections, outbox
// messages, and the ingestion consumer.
//
// Run with: go test -tags=integration ./integration_test/...
//
//go:build integration

package integration_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/newsroomhq/publishing"
	"github.com/newsroomhq/publishing/domain"
	"github.com/newsroomhq/publishing/es/adapters/sqlite"
	"github.com/newsroomhq/publishing/es/migrations"
	"github.com/newsroomhq/publishing/es/outbox"
	"github.com/newsroomhq/publishing/es/projection"
	"github.com/newsroomhq/publishing/es/readmodel"
	"github.com/newsroomhq/publishing/es/store"
	"github.com/newsroomhq/publishing/integration"
	"github.com/newsroomhq/publishing/publication"
	"github.com/newsroomhq/publishing/video"
)

type testEnv struct {
	db           *sql.DB
	service      *publishing.Service
	docs         *readmodel.Store
	details      *publication.DetailsProjection
	videos       *publication.VideosProjection
	videoDetails *video.DetailsProjection
	bus          *outbox.ChannelBus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dbFile := fmt.Sprintf("/tmp/publishing_flow_test_%d.db", time.Now().UnixNano())
	t.Cleanup(func() {
		os.Remove(dbFile)
	})

	db, err := sql.Open("sqlite", dbFile+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	// One connection serializes writers; SQLite rejects concurrent write
	// transactions with SQLITE_BUSY otherwise.
	db.SetMaxOpenConns(1)

	config := migrations.DefaultConfig()
	if _, err := db.Exec(migrations.SQLiteSQL(&config)); err != nil {
		t.Fatalf("Failed to execute migration: %v", err)
	}

	registry := publishing.NewRegistry()
	docs := readmodel.NewStore(readmodel.DefaultStoreConfig(readmodel.SQLite))
	details := publication.NewDetailsProjection(registry, docs)

	service := publishing.NewService(db, sqlite.NewStore(sqlite.DefaultStoreConfig()), registry,
		publishing.WithInlineProjections(details))

	bus := outbox.NewChannelBus(16)
	t.Cleanup(bus.Close)

	return &testEnv{
		db:           db,
		service:      service,
		docs:         docs,
		details:      details,
		videos:       publication.NewVideosProjection(registry, docs),
		videoDetails: video.NewDetailsProjection(registry, docs, details),
		bus:          bus,
	}
}

// startProcessor runs one async projection in the background for the
// duration of the test and returns its processor for rebuilds.
func (env *testEnv) startProcessor(t *testing.T, proj projection.Projection) *projection.Processor {
	t.Helper()

	config := projection.DefaultProcessorConfig()
	config.BatchSize = 10
	config.PollInterval = 10 * time.Millisecond

	dispatcher := outbox.NewDispatcher(env.bus, outbox.PolicyAfterCommit)
	processor := projection.NewProcessor(env.db, sqlite.NewStore(sqlite.DefaultStoreConfig()), dispatcher, config)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		processor.Run(ctx, proj)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return processor
}

// waitUntil polls the condition until it holds or the deadline expires.
func waitUntil(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !condition() {
		select {
		case <-deadline:
			t.Fatal("condition not reached within deadline")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// snapshotModel copies every document of one read model, keyed by id.
func (env *testEnv) snapshotModel(t *testing.T, model string) map[string][]byte {
	t.Helper()
	snapshot := make(map[string][]byte)
	err := env.docs.List(context.Background(), env.db, model, func(id string, data []byte) error {
		snapshot[id] = append([]byte(nil), data...)
		return nil
	})
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	return snapshot
}

func videoInput(videoID string) publishing.VideoInput {
	return publishing.VideoInput{
		VideoID:   videoID,
		MediaType: "video/mp4",
		Origin:    video.OriginS3,
		URL:       "s3://media/" + videoID + ".mp4",
		CreatedAt: time.Now().UTC(),
	}
}

func waitForMessage(t *testing.T, messages <-chan outbox.Message, messageType string) outbox.Message {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case message := <-messages:
			if message.Type == messageType {
				return message
			}
		case <-deadline:
			t.Fatalf("no %q message within deadline", messageType)
		}
	}
}

func expectNoMessage(t *testing.T, messages <-chan outbox.Message, messageType string) {
	t.Helper()
	select {
	case message := <-messages:
		if message.Type == messageType {
			t.Fatalf("unexpected %q message", messageType)
		}
	case <-time.After(300 * time.Millisecond):
	}
}

func TestPublishingFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	messages := env.bus.Subscribe()
	env.startProcessor(t, env.videos)

	result, err := env.service.CreatePublication(ctx, publishing.CreatePublicationCommand{
		PublicationID: "pub-1",
		Title:         "spring launch",
		Synopsis:      "two clips",
		Videos:        []publishing.VideoInput{videoInput("v-1"), videoInput("v-2")},
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreatePublication() failed: %v", err)
	}
	if len(result.VideoStreamIDs) != 2 {
		t.Fatalf("len(VideoStreamIDs) = %d, want 2", len(result.VideoStreamIDs))
	}

	// The inline details document is visible as soon as the write commits
	details, err := env.details.Get(ctx, env.db, result.PublicationStreamID)
	if err != nil {
		t.Fatalf("details Get() failed: %v", err)
	}
	if details.Kind != publication.KindVideo || details.Status != publication.StatusPending {
		t.Errorf("details = %s/%s, want video/pending", details.Kind, details.Status)
	}

	version, err := env.service.RequestPublish(ctx, result.PublicationStreamID, "web", nil)
	if err != nil {
		t.Fatalf("RequestPublish() failed: %v", err)
	}

	// Ingestion notices arrive through the consumer, exactly as they would
	// from the media pipeline
	consumer := integration.NewVideoIngestedConsumer(env.service, nil)
	for _, videoID := range []string{"v-1"} {
		message, err := outbox.NewMessage(integration.MessageTypeVideoIngested, integration.VideoIngested{
			VideoID: videoID, IngestedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("NewMessage() failed: %v", err)
		}
		if err := consumer.Handle(ctx, message); err != nil {
			t.Fatalf("Handle() failed: %v", err)
		}
	}

	// One of two videos ingested: not ready yet
	expectNoMessage(t, messages, integration.MessageTypePublicationReady)

	if _, err := env.service.IngestVideoByExternalID(ctx, "v-2", time.Now().UTC()); err != nil {
		t.Fatalf("IngestVideoByExternalID() failed: %v", err)
	}

	ready := waitForMessage(t, messages, integration.MessageTypePublicationReady)
	if ready.Type != integration.MessageTypePublicationReady {
		t.Fatalf("message type = %q", ready.Type)
	}

	// The completed state never re-announces itself
	expectNoMessage(t, messages, integration.MessageTypePublicationReady)

	// A newly linked video reopens the gate; ingesting it completes a new
	// state and announces again
	version, err = env.service.LinkVideo(ctx, result.PublicationStreamID, videoInput("v-3"), &version)
	if err != nil {
		t.Fatalf("LinkVideo() failed: %v", err)
	}
	if _, err := env.service.IngestVideoByExternalID(ctx, "v-3", time.Now().UTC()); err != nil {
		t.Fatalf("IngestVideoByExternalID() failed: %v", err)
	}
	waitForMessage(t, messages, integration.MessageTypePublicationReady)

	// Confirm the platform publish and verify closure
	if _, err := env.service.ConfirmPublish(ctx, result.PublicationStreamID, "web", nil); err != nil {
		t.Fatalf("ConfirmPublish() failed: %v", err)
	}
	details, err = env.details.Get(ctx, env.db, result.PublicationStreamID)
	if err != nil {
		t.Fatalf("details Get() failed: %v", err)
	}
	if details.Status != publication.StatusPublishedAndClosed {
		t.Errorf("Status = %s, want published-and-closed", details.Status)
	}
}

func TestOptimisticConcurrency_SecondWriterLoses(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.service.CreatePublication(ctx, publishing.CreatePublicationCommand{
		PublicationID: "pub-1",
		Title:         "race",
		Videos:        []publishing.VideoInput{videoInput("v-1")},
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreatePublication() failed: %v", err)
	}

	version := result.Version
	if _, err := env.service.RequestPublish(ctx, result.PublicationStreamID, "web", &version); err != nil {
		t.Fatalf("first RequestPublish() failed: %v", err)
	}

	// The second writer still holds the old version token
	_, err = env.service.RequestPublish(ctx, result.PublicationStreamID, "app", &version)
	if !errors.Is(err, store.ErrOptimisticConcurrency) {
		t.Errorf("second RequestPublish() = %v, want ErrOptimisticConcurrency", err)
	}
}

func TestUnlinkLastVideoRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.service.CreatePublication(ctx, publishing.CreatePublicationCommand{
		PublicationID: "pub-1",
		Title:         "single clip",
		Videos:        []publishing.VideoInput{videoInput("v-1")},
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreatePublication() failed: %v", err)
	}

	_, err = env.service.UnlinkVideo(ctx, result.PublicationStreamID, "v-1", nil)
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("UnlinkVideo() = %v, want ErrInvalidState", err)
	}
	if errors.Is(err, domain.ErrInvalidOperation) {
		t.Errorf("UnlinkVideo() = %v, must not be ErrInvalidOperation", err)
	}
}

func TestIngestUnknownVideoIsDropped(t *testing.T) {
	env := newTestEnv(t)

	found, err := env.service.IngestVideoByExternalID(context.Background(), "never-seen", time.Now().UTC())
	if err != nil {
		t.Fatalf("IngestVideoByExternalID() failed: %v", err)
	}
	if found {
		t.Error("found = true for a video the system never tracked")
	}
}

func TestCreatePublication_ReusesExistingVideoStream(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.service.CreatePublication(ctx, publishing.CreatePublicationCommand{
		PublicationID: "pub-1",
		Title:         "first",
		Videos:        []publishing.VideoInput{videoInput("v-shared")},
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreatePublication() failed: %v", err)
	}

	second, err := env.service.CreatePublication(ctx, publishing.CreatePublicationCommand{
		PublicationID: "pub-2",
		Title:         "second",
		Videos:        []publishing.VideoInput{videoInput("v-shared")},
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreatePublication() failed: %v", err)
	}

	if first.VideoStreamIDs[0] != second.VideoStreamIDs[0] {
		t.Errorf("video streams differ: %s vs %s", first.VideoStreamIDs[0], second.VideoStreamIDs[0])
	}
	if first.PublicationStreamID == second.PublicationStreamID {
		t.Error("publication streams collide")
	}
}

func TestEmbeddedArticleVideoGatesReadiness(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	messages := env.bus.Subscribe()
	env.startProcessor(t, env.videos)

	article := publication.Article{
		ArticleID: uuid.New(),
		Title:     "clip roundup",
		Text:      "one embedded clip",
		VideoIDs:  []string{"av-1"},
		CreatedAt: time.Now().UTC(),
	}
	first, err := env.service.CreatePublication(ctx, publishing.CreatePublicationCommand{
		PublicationID: "pub-1",
		Title:         "embedded clips",
		Articles:      []publication.Article{article},
		Videos:        []publishing.VideoInput{videoInput("v-1")},
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreatePublication() failed: %v", err)
	}
	if _, err := env.service.RequestPublish(ctx, first.PublicationStreamID, "web", nil); err != nil {
		t.Fatalf("RequestPublish() failed: %v", err)
	}

	if _, err := env.service.IngestVideoByExternalID(ctx, "v-1", time.Now().UTC()); err != nil {
		t.Fatalf("IngestVideoByExternalID() failed: %v", err)
	}

	// The direct video is in, but the article's embedded clip is not
	expectNoMessage(t, messages, integration.MessageTypePublicationReady)

	// A second publication opens the embedded clip's video stream; its
	// ingestion completes the first publication
	if _, err := env.service.CreatePublication(ctx, publishing.CreatePublicationCommand{
		PublicationID: "pub-2",
		Title:         "clip reel",
		Videos:        []publishing.VideoInput{videoInput("av-1")},
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		t.Fatalf("CreatePublication() failed: %v", err)
	}
	found, err := env.service.IngestVideoByExternalID(ctx, "av-1", time.Now().UTC())
	if err != nil {
		t.Fatalf("IngestVideoByExternalID() failed: %v", err)
	}
	if !found {
		t.Fatal("found = false for a video the second publication opened")
	}

	ready := waitForMessage(t, messages, integration.MessageTypePublicationReady)
	var body integration.PublicationReady
	if err := json.Unmarshal(ready.Body, &body); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	if body.PublicationStreamID != first.PublicationStreamID {
		t.Errorf("ready publication = %s, want %s", body.PublicationStreamID, first.PublicationStreamID)
	}

	// The second publication never requested a publish
	expectNoMessage(t, messages, integration.MessageTypePublicationReady)
}

func TestVideoDetails_GrowsWithLaterPublicationLinks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.startProcessor(t, env.videoDetails)

	first, err := env.service.CreatePublication(ctx, publishing.CreatePublicationCommand{
		PublicationID: "pub-1",
		Title:         "first run",
		Videos:        []publishing.VideoInput{videoInput("v-1")},
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreatePublication() failed: %v", err)
	}
	streamID := first.VideoStreamIDs[0]

	waitUntil(t, func() bool {
		doc, err := env.videoDetails.Get(ctx, env.db, streamID)
		return err == nil && len(doc.Publications) == 1
	})

	second, err := env.service.CreatePublication(ctx, publishing.CreatePublicationCommand{
		PublicationID: "pub-2",
		Title:         "second run",
		Videos:        []publishing.VideoInput{videoInput("v-2")},
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreatePublication() failed: %v", err)
	}
	if _, err := env.service.LinkVideo(ctx, second.PublicationStreamID, videoInput("v-1"), nil); err != nil {
		t.Fatalf("LinkVideo() failed: %v", err)
	}

	waitUntil(t, func() bool {
		doc, err := env.videoDetails.Get(ctx, env.db, streamID)
		return err == nil && len(doc.Publications) == 2
	})

	doc, err := env.videoDetails.Get(ctx, env.db, streamID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if doc.Publications[1].StreamID != second.PublicationStreamID {
		t.Errorf("Publications[1].StreamID = %s, want %s", doc.Publications[1].StreamID, second.PublicationStreamID)
	}
	if doc.Publications[1].PublicationID != "pub-2" || doc.Publications[1].Title != "second run" {
		t.Errorf("Publications[1] = %+v, want enriched pub-2 reference", doc.Publications[1])
	}

	// Linking the same video again leaves the set alone; a distinct new
	// link proves the event was folded
	if _, err := env.service.LinkVideo(ctx, second.PublicationStreamID, videoInput("v-1"), nil); err != nil {
		t.Fatalf("LinkVideo() failed: %v", err)
	}
	if _, err := env.service.LinkVideo(ctx, second.PublicationStreamID, videoInput("v-3"), nil); err != nil {
		t.Fatalf("LinkVideo() failed: %v", err)
	}
	waitUntil(t, func() bool {
		doc, found, err := env.videoDetails.FindByVideoID(ctx, env.db, "v-3")
		return err == nil && found && len(doc.Publications) == 1
	})

	doc, err = env.videoDetails.Get(ctx, env.db, streamID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if len(doc.Publications) != 2 {
		t.Errorf("len(Publications) = %d after duplicate link, want 2", len(doc.Publications))
	}
}

func TestVideosRebuildConvergence(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	messages := env.bus.Subscribe()
	processor := env.startProcessor(t, env.videos)
	str := sqlite.NewStore(sqlite.DefaultStoreConfig())

	article := publication.Article{
		ArticleID: uuid.New(),
		Title:     "field report",
		Text:      "embedded clip",
		VideoIDs:  []string{"av-1"},
		CreatedAt: time.Now().UTC(),
	}
	result, err := env.service.CreatePublication(ctx, publishing.CreatePublicationCommand{
		PublicationID: "pub-1",
		Title:         "rebuild run",
		Articles:      []publication.Article{article},
		Videos:        []publishing.VideoInput{videoInput("v-1"), videoInput("v-2")},
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreatePublication() failed: %v", err)
	}
	if _, err := env.service.RequestPublish(ctx, result.PublicationStreamID, "web", nil); err != nil {
		t.Fatalf("RequestPublish() failed: %v", err)
	}
	if _, err := env.service.LinkVideo(ctx, result.PublicationStreamID, videoInput("v-3"), nil); err != nil {
		t.Fatalf("LinkVideo() failed: %v", err)
	}
	if _, err := env.service.UnlinkVideo(ctx, result.PublicationStreamID, "v-2", nil); err != nil {
		t.Fatalf("UnlinkVideo() failed: %v", err)
	}
	if _, err := env.service.CreatePublication(ctx, publishing.CreatePublicationCommand{
		PublicationID: "pub-2",
		Title:         "clip reel",
		Videos:        []publishing.VideoInput{videoInput("av-1")},
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		t.Fatalf("CreatePublication() failed: %v", err)
	}
	for _, videoID := range []string{"v-1", "v-3", "av-1"} {
		if _, err := env.service.IngestVideoByExternalID(ctx, videoID, time.Now().UTC()); err != nil {
			t.Fatalf("IngestVideoByExternalID(%s) failed: %v", videoID, err)
		}
	}

	waitForMessage(t, messages, integration.MessageTypePublicationReady)

	// Let the processor drain the log completely before snapshotting
	var position int64
	waitUntil(t, func() bool {
		checkpoint, err := str.GetCheckpoint(ctx, env.db, publication.VideosModel)
		if err != nil || checkpoint.Status != store.StatusLive {
			return false
		}
		if checkpoint.Position != position {
			position = checkpoint.Position
			return false
		}
		return position > 0
	})

	before := env.snapshotModel(t, publication.VideosModel)
	if len(before) == 0 {
		t.Fatal("no documents to compare")
	}

	if err := processor.Rebuild(ctx, env.videos); err != nil {
		t.Fatalf("Rebuild() failed: %v", err)
	}
	waitUntil(t, func() bool {
		checkpoint, err := str.GetCheckpoint(ctx, env.db, publication.VideosModel)
		return err == nil && checkpoint.Status == store.StatusLive && checkpoint.Position == position
	})

	after := env.snapshotModel(t, publication.VideosModel)
	if len(after) != len(before) {
		t.Fatalf("document count after rebuild = %d, want %d", len(after), len(before))
	}
	for id, data := range before {
		if !bytes.Equal(after[id], data) {
			t.Errorf("document %s diverged after rebuild:\nbefore: %s\nafter:  %s", id, data, after[id])
		}
	}

	// The replay rebuilt the ready marker without re-announcing it
	expectNoMessage(t, messages, integration.MessageTypePublicationReady)
}
