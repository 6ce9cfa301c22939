// Package integration_test contains integration tests for the SQLite adapter.
// SQLite is embedded, so no external services are needed.
//
// Run with: go test -tags=integration ./es/adapters/sqlite/integration_test/...
//
//go:build integration

package integration_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/newsroomhq/publishing/es"
	"github.com/newsroomhq/publishing/es/adapters/sqlite"
	"github.com/newsroomhq/publishing/es/migrations"
	"github.com/newsroomhq/publishing/es/store"
)

func getTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbFile := fmt.Sprintf("/tmp/publishing_test_%d.db", time.Now().UnixNano())
	t.Cleanup(func() {
		os.Remove(dbFile)
	})

	db, err := sql.Open("sqlite", dbFile)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	// One connection serializes writers; SQLite rejects concurrent write
	// transactions with SQLITE_BUSY otherwise.
	db.SetMaxOpenConns(1)

	_, err = db.Exec("PRAGMA foreign_keys = ON; PRAGMA journal_mode = WAL;")
	if err != nil {
		t.Fatalf("Failed to configure database: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("Failed to ping database: %v", err)
	}

	config := migrations.DefaultConfig()
	if _, err := db.Exec(migrations.SQLiteSQL(&config)); err != nil {
		t.Fatalf("Failed to execute migration: %v", err)
	}

	return db
}

func testEvent(aggregateID uuid.UUID, eventType string) es.Event {
	return es.Event{
		AggregateType: "Publication",
		AggregateID:   aggregateID,
		EventID:       uuid.New(),
		EventType:     eventType,
		EventVersion:  1,
		Payload:       []byte(`{}`),
		Metadata:      []byte(`{}`),
		CreatedAt:     time.Now(),
	}
}

func TestAppend_AssignsVersionsAndPositions(t *testing.T) {
	db := getTestDB(t)
	ctx := context.Background()
	str := sqlite.NewStore(sqlite.DefaultStoreConfig())

	aggregateID := uuid.New()
	events := []es.Event{
		testEvent(aggregateID, "publication.created"),
		testEvent(aggregateID, "publication.video_linked"),
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("Failed to begin transaction: %v", err)
	}
	defer tx.Rollback()

	result, err := str.Append(ctx, tx, es.NoStream(), events)
	if err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Failed to commit: %v", err)
	}

	if len(result.Events) != 2 {
		t.Fatalf("len(Events) = %d, want 2", len(result.Events))
	}
	if result.Events[0].AggregateVersion != 1 || result.Events[1].AggregateVersion != 2 {
		t.Errorf("versions = %d, %d, want 1, 2",
			result.Events[0].AggregateVersion, result.Events[1].AggregateVersion)
	}
	if result.NewVersion() != 2 {
		t.Errorf("NewVersion() = %d, want 2", result.NewVersion())
	}
	for i := 1; i < len(result.GlobalPositions); i++ {
		if result.GlobalPositions[i] <= result.GlobalPositions[i-1] {
			t.Errorf("positions not increasing: %v", result.GlobalPositions)
		}
	}
}

func TestAppend_NoStreamRejectsExistingStream(t *testing.T) {
	db := getTestDB(t)
	ctx := context.Background()
	str := sqlite.NewStore(sqlite.DefaultStoreConfig())

	aggregateID := uuid.New()

	tx1, _ := db.BeginTx(ctx, nil)
	if _, err := str.Append(ctx, tx1, es.NoStream(), []es.Event{testEvent(aggregateID, "publication.created")}); err != nil {
		t.Fatalf("First append failed: %v", err)
	}
	if err := tx1.Commit(); err != nil {
		t.Fatalf("First commit failed: %v", err)
	}

	tx2, _ := db.BeginTx(ctx, nil)
	defer tx2.Rollback()

	_, err := str.Append(ctx, tx2, es.NoStream(), []es.Event{testEvent(aggregateID, "publication.created")})
	if !errors.Is(err, store.ErrStreamExists) {
		t.Errorf("Append() = %v, want ErrStreamExists", err)
	}
}

func TestAppend_ExactVersionConflict(t *testing.T) {
	db := getTestDB(t)
	ctx := context.Background()
	str := sqlite.NewStore(sqlite.DefaultStoreConfig())

	aggregateID := uuid.New()

	tx1, _ := db.BeginTx(ctx, nil)
	if _, err := str.Append(ctx, tx1, es.NoStream(), []es.Event{testEvent(aggregateID, "publication.created")}); err != nil {
		t.Fatalf("First append failed: %v", err)
	}
	if err := tx1.Commit(); err != nil {
		t.Fatalf("First commit failed: %v", err)
	}

	// Stream is at version 1; expecting a stale version loses
	tx2, _ := db.BeginTx(ctx, nil)
	defer tx2.Rollback()

	_, err := str.Append(ctx, tx2, es.Exact(2), []es.Event{testEvent(aggregateID, "publication.publish_requested")})
	if !errors.Is(err, store.ErrOptimisticConcurrency) {
		t.Errorf("Append() with stale version = %v, want ErrOptimisticConcurrency", err)
	}

	// Expecting the actual head wins
	tx3, _ := db.BeginTx(ctx, nil)
	result, err := str.Append(ctx, tx3, es.Exact(1), []es.Event{testEvent(aggregateID, "publication.publish_requested")})
	if err != nil {
		t.Fatalf("Append() with correct version failed: %v", err)
	}
	if err := tx3.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if result.NewVersion() != 2 {
		t.Errorf("NewVersion() = %d, want 2", result.NewVersion())
	}
}

func TestAppend_EmptyBatch(t *testing.T) {
	db := getTestDB(t)
	ctx := context.Background()
	str := sqlite.NewStore(sqlite.DefaultStoreConfig())

	tx, _ := db.BeginTx(ctx, nil)
	defer tx.Rollback()

	if _, err := str.Append(ctx, tx, es.Any(), nil); !errors.Is(err, store.ErrNoEvents) {
		t.Errorf("Append(nil) = %v, want ErrNoEvents", err)
	}
}

func TestReadEvents_GlobalOrder(t *testing.T) {
	db := getTestDB(t)
	ctx := context.Background()
	str := sqlite.NewStore(sqlite.DefaultStoreConfig())

	tx, _ := db.BeginTx(ctx, nil)
	for i := 0; i < 3; i++ {
		if _, err := str.Append(ctx, tx, es.NoStream(), []es.Event{testEvent(uuid.New(), "publication.created")}); err != nil {
			t.Fatalf("Append() failed: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	tx2, _ := db.BeginTx(ctx, nil)
	defer tx2.Rollback()

	events, err := str.ReadEvents(ctx, tx2, 0, 10)
	if err != nil {
		t.Fatalf("ReadEvents() failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len(events) = %d, want 3", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].GlobalPosition <= events[i-1].GlobalPosition {
			t.Error("events not ordered by global position")
		}
	}

	// fromPosition is exclusive
	tail, err := str.ReadEvents(ctx, tx2, events[0].GlobalPosition, 10)
	if err != nil {
		t.Fatalf("ReadEvents() failed: %v", err)
	}
	if len(tail) != 2 {
		t.Errorf("len(tail) = %d, want 2", len(tail))
	}
}

func TestReadStream(t *testing.T) {
	db := getTestDB(t)
	ctx := context.Background()
	str := sqlite.NewStore(sqlite.DefaultStoreConfig())

	aggregateID := uuid.New()
	events := []es.Event{
		testEvent(aggregateID, "publication.created"),
		testEvent(aggregateID, "publication.video_linked"),
		testEvent(aggregateID, "publication.publish_requested"),
	}

	tx, _ := db.BeginTx(ctx, nil)
	if _, err := str.Append(ctx, tx, es.NoStream(), events); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	tx2, _ := db.BeginTx(ctx, nil)
	defer tx2.Rollback()

	stream, err := str.ReadStream(ctx, tx2, "Publication", aggregateID, nil, nil)
	if err != nil {
		t.Fatalf("ReadStream() failed: %v", err)
	}
	if stream.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", stream.Len())
	}
	for i, event := range stream.Events {
		if event.AggregateVersion != int64(i+1) {
			t.Errorf("event %d version = %d, want %d", i, event.AggregateVersion, i+1)
		}
		if event.AggregateID != aggregateID {
			t.Errorf("event %d aggregate id = %s, want %s", i, event.AggregateID, aggregateID)
		}
	}

	fromVersion := int64(2)
	bounded, err := str.ReadStream(ctx, tx2, "Publication", aggregateID, &fromVersion, nil)
	if err != nil {
		t.Fatalf("ReadStream() failed: %v", err)
	}
	if bounded.Len() != 2 || bounded.Events[0].AggregateVersion != 2 {
		t.Errorf("bounded read = %d events from version %d, want 2 from 2",
			bounded.Len(), bounded.Events[0].AggregateVersion)
	}

	toVersion := int64(2)
	window, err := str.ReadStream(ctx, tx2, "Publication", aggregateID, &fromVersion, &toVersion)
	if err != nil {
		t.Fatalf("ReadStream() failed: %v", err)
	}
	if window.Len() != 1 {
		t.Errorf("windowed read = %d events, want 1", window.Len())
	}
}

func TestReadStream_UnknownStreamIsEmpty(t *testing.T) {
	db := getTestDB(t)
	ctx := context.Background()
	str := sqlite.NewStore(sqlite.DefaultStoreConfig())

	tx, _ := db.BeginTx(ctx, nil)
	defer tx.Rollback()

	stream, err := str.ReadStream(ctx, tx, "Publication", uuid.New(), nil, nil)
	if err != nil {
		t.Fatalf("ReadStream() failed: %v", err)
	}
	if stream.Len() != 0 {
		t.Errorf("Len() = %d, want 0", stream.Len())
	}
}

func TestReadEventsByType(t *testing.T) {
	db := getTestDB(t)
	ctx := context.Background()
	str := sqlite.NewStore(sqlite.DefaultStoreConfig())

	matching := uuid.New()
	tx, _ := db.BeginTx(ctx, nil)
	if _, err := str.Append(ctx, tx, es.NoStream(), []es.Event{testEvent(uuid.New(), "publication.created")}); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	if _, err := str.Append(ctx, tx, es.NoStream(), []es.Event{testEvent(matching, "video.created")}); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	tx2, _ := db.BeginTx(ctx, nil)
	defer tx2.Rollback()

	events, err := str.ReadEventsByType(ctx, tx2, "video.created", 0, 10)
	if err != nil {
		t.Fatalf("ReadEventsByType() failed: %v", err)
	}
	if len(events) != 1 || events[0].AggregateID != matching {
		t.Errorf("ReadEventsByType() = %v, want the single video.created event", events)
	}

	found, ok, err := store.FindEventByType(ctx, tx2, str, "video.created", func(e es.PersistedEvent) bool {
		return e.AggregateID == matching
	})
	if err != nil {
		t.Fatalf("FindEventByType() failed: %v", err)
	}
	if !ok || found.AggregateID != matching {
		t.Errorf("FindEventByType() = (%v, %v), want the matching event", found, ok)
	}

	_, ok, err = store.FindEventByType(ctx, tx2, str, "video.revoked", func(es.PersistedEvent) bool { return true })
	if err != nil {
		t.Fatalf("FindEventByType() failed: %v", err)
	}
	if ok {
		t.Error("FindEventByType() found an event for an absent type")
	}
}

func TestStreamHeadTracking(t *testing.T) {
	db := getTestDB(t)
	ctx := context.Background()
	str := sqlite.NewStore(sqlite.DefaultStoreConfig())

	aggregateID := uuid.New()

	tx1, _ := db.BeginTx(ctx, nil)
	if _, err := str.Append(ctx, tx1, es.NoStream(), []es.Event{
		testEvent(aggregateID, "publication.created"),
		testEvent(aggregateID, "publication.video_linked"),
	}); err != nil {
		t.Fatalf("First append failed: %v", err)
	}
	if err := tx1.Commit(); err != nil {
		t.Fatalf("First commit failed: %v", err)
	}

	headVersion := func() int64 {
		var version int64
		err := db.QueryRowContext(ctx, `
			SELECT aggregate_version
			FROM stream_heads
			WHERE aggregate_type = ? AND aggregate_id = ?
		`, "Publication", aggregateID.String()).Scan(&version)
		if err != nil {
			t.Fatalf("Failed to query stream_heads: %v", err)
		}
		return version
	}

	if got := headVersion(); got != 2 {
		t.Errorf("head version = %d, want 2", got)
	}

	tx2, _ := db.BeginTx(ctx, nil)
	if _, err := str.Append(ctx, tx2, es.Exact(2), []es.Event{testEvent(aggregateID, "publication.publish_requested")}); err != nil {
		t.Fatalf("Second append failed: %v", err)
	}
	if err := tx2.Commit(); err != nil {
		t.Fatalf("Second commit failed: %v", err)
	}

	if got := headVersion(); got != 3 {
		t.Errorf("head version = %d, want 3", got)
	}
}

func TestCheckpoints(t *testing.T) {
	db := getTestDB(t)
	ctx := context.Background()
	str := sqlite.NewStore(sqlite.DefaultStoreConfig())

	tx, _ := db.BeginTx(ctx, nil)
	defer tx.Rollback()

	checkpoint, err := str.GetCheckpoint(ctx, tx, "publication_videos")
	if err != nil {
		t.Fatalf("GetCheckpoint() failed: %v", err)
	}
	if checkpoint.Position != 0 || checkpoint.Status != store.StatusLive {
		t.Errorf("zero checkpoint = %+v, want position 0 live", checkpoint)
	}

	if err := str.UpdateCheckpoint(ctx, tx, "publication_videos", 42); err != nil {
		t.Fatalf("UpdateCheckpoint() failed: %v", err)
	}
	checkpoint, err = str.GetCheckpoint(ctx, tx, "publication_videos")
	if err != nil {
		t.Fatalf("GetCheckpoint() failed: %v", err)
	}
	if checkpoint.Position != 42 || checkpoint.Status != store.StatusLive {
		t.Errorf("checkpoint = %+v, want position 42 live", checkpoint)
	}

	if err := str.SetCheckpoint(ctx, tx, "publication_videos", 0, store.StatusRebuilding); err != nil {
		t.Fatalf("SetCheckpoint() failed: %v", err)
	}
	checkpoint, err = str.GetCheckpoint(ctx, tx, "publication_videos")
	if err != nil {
		t.Fatalf("GetCheckpoint() failed: %v", err)
	}
	if checkpoint.Position != 0 || checkpoint.Status != store.StatusRebuilding {
		t.Errorf("checkpoint = %+v, want position 0 rebuilding", checkpoint)
	}

	// UpdateCheckpoint advances position without touching status
	if err := str.UpdateCheckpoint(ctx, tx, "publication_videos", 7); err != nil {
		t.Fatalf("UpdateCheckpoint() failed: %v", err)
	}
	checkpoint, err = str.GetCheckpoint(ctx, tx, "publication_videos")
	if err != nil {
		t.Fatalf("GetCheckpoint() failed: %v", err)
	}
	if checkpoint.Position != 7 || checkpoint.Status != store.StatusRebuilding {
		t.Errorf("checkpoint = %+v, want position 7 rebuilding", checkpoint)
	}
}
