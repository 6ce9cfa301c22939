//go:build integration

package integration_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/newsroomhq/publishing/es"
	"github.com/newsroomhq/publishing/es/adapters/postgres"
	"github.com/newsroomhq/publishing/es/store"
)

func TestAppend_ExpectedVersionSemantics(t *testing.T) {
	db := getTestDB(t)
	ctx := context.Background()
	str := postgres.NewStore(postgres.DefaultStoreConfig())

	aggregateID := uuid.New()

	// NoStream succeeds on a fresh stream
	tx, _ := db.BeginTx(ctx, nil)
	if _, err := str.Append(ctx, tx, es.NoStream(), []es.Event{testEvent(aggregateID, "publication.created")}); err != nil {
		t.Fatalf("Append(NoStream) failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	// NoStream fails once the stream exists
	tx2, _ := db.BeginTx(ctx, nil)
	_, err := str.Append(ctx, tx2, es.NoStream(), []es.Event{testEvent(aggregateID, "publication.created")})
	tx2.Rollback()
	if !errors.Is(err, store.ErrStreamExists) {
		t.Errorf("Append(NoStream) on existing stream = %v, want ErrStreamExists", err)
	}

	// Exact with a stale version loses
	tx3, _ := db.BeginTx(ctx, nil)
	_, err = str.Append(ctx, tx3, es.Exact(5), []es.Event{testEvent(aggregateID, "publication.publish_requested")})
	tx3.Rollback()
	if !errors.Is(err, store.ErrOptimisticConcurrency) {
		t.Errorf("Append(Exact(5)) = %v, want ErrOptimisticConcurrency", err)
	}

	// Exact with the current head wins
	tx4, _ := db.BeginTx(ctx, nil)
	result, err := str.Append(ctx, tx4, es.Exact(1), []es.Event{testEvent(aggregateID, "publication.publish_requested")})
	if err != nil {
		t.Fatalf("Append(Exact(1)) failed: %v", err)
	}
	if err := tx4.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if result.NewVersion() != 2 {
		t.Errorf("NewVersion() = %d, want 2", result.NewVersion())
	}

	// Any skips validation entirely
	tx5, _ := db.BeginTx(ctx, nil)
	result, err = str.Append(ctx, tx5, es.Any(), []es.Event{testEvent(aggregateID, "publication.published")})
	if err != nil {
		t.Fatalf("Append(Any) failed: %v", err)
	}
	if err := tx5.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if result.NewVersion() != 3 {
		t.Errorf("NewVersion() = %d, want 3", result.NewVersion())
	}
}

func TestAppend_ConcurrentWritersOneLoses(t *testing.T) {
	db := getTestDB(t)
	ctx := context.Background()
	str := postgres.NewStore(postgres.DefaultStoreConfig())

	aggregateID := uuid.New()

	tx, _ := db.BeginTx(ctx, nil)
	if _, err := str.Append(ctx, tx, es.NoStream(), []es.Event{testEvent(aggregateID, "publication.created")}); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	// Two writers both expect version 1; exactly one commits
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			wtx, err := db.BeginTx(ctx, nil)
			if err != nil {
				results <- err
				return
			}
			defer wtx.Rollback()

			_, err = str.Append(ctx, wtx, es.Exact(1), []es.Event{testEvent(aggregateID, "publication.publish_requested")})
			if err != nil {
				results <- err
				return
			}
			results <- wtx.Commit()
		}()
	}

	var wins, losses int
	for i := 0; i < 2; i++ {
		err := <-results
		switch {
		case err == nil:
			wins++
		case errors.Is(err, store.ErrOptimisticConcurrency):
			losses++
		default:
			// Serialization failures surface as driver errors; they still
			// mean the writer lost the race.
			losses++
		}
	}
	if wins != 1 || losses != 1 {
		t.Errorf("wins = %d losses = %d, want exactly one of each", wins, losses)
	}
}
