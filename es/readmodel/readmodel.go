// Package readmodel provides a document store for projection-owned read models.
//
// Read models are disposable JSON documents keyed by (model name, document id)
// in a single table. They are derived state: any of them can be discarded via
// Reset and rebuilt from the event log. The store is injected into projections,
// which keeps them testable and lets rebuilds of different models stay isolated.
package readmodel

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/newsroomhq/publishing/es"
)

// ErrNotFound indicates the requested document does not exist.
// Callers that tolerate absence check for it with errors.Is.
var ErrNotFound = errors.New("read model document not found")

// Dialect selects the SQL flavor for placeholders and upserts.
type Dialect int

const (
	// Postgres uses $n placeholders and NOW().
	Postgres Dialect = iota
	// SQLite uses ? placeholders and datetime('now').
	SQLite
)

// StoreConfig contains configuration for the document store.
type StoreConfig struct {
	// DocumentsTable is the name of the documents table
	DocumentsTable string

	// Dialect selects the SQL flavor
	Dialect Dialect
}

// DefaultStoreConfig returns the default configuration for the given dialect.
func DefaultStoreConfig(dialect Dialect) StoreConfig {
	return StoreConfig{
		DocumentsTable: "read_model_documents",
		Dialect:        dialect,
	}
}

// Store reads and writes read-model documents through a DBTX.
type Store struct {
	config StoreConfig
}

// NewStore creates a document store with the given configuration.
func NewStore(config StoreConfig) *Store {
	return &Store{config: config}
}

// Get loads the document with the given id into out.
// Returns ErrNotFound when the document does not exist.
func (s *Store) Get(ctx context.Context, tx es.DBTX, model, id string, out any) error {
	query := fmt.Sprintf(`
		SELECT data
		FROM %s
		WHERE model_name = %s AND doc_id = %s
	`, s.config.DocumentsTable, s.placeholder(1), s.placeholder(2))

	var data []byte
	err := tx.QueryRowContext(ctx, query, model, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, model, id)
	}
	if err != nil {
		return fmt.Errorf("failed to load document %s/%s: %w", model, id, err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal document %s/%s: %w", model, id, err)
	}
	return nil
}

// Put upserts the document with the given id.
func (s *Store) Put(ctx context.Context, tx es.DBTX, model, id string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document %s/%s: %w", model, id, err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (model_name, doc_id, data, updated_at)
		VALUES (%s, %s, %s, %s)
		ON CONFLICT (model_name, doc_id)
		DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, s.config.DocumentsTable, s.placeholder(1), s.placeholder(2), s.placeholder(3), s.now())

	if _, err := tx.ExecContext(ctx, query, model, id, data); err != nil {
		return fmt.Errorf("failed to upsert document %s/%s: %w", model, id, err)
	}
	return nil
}

// Delete removes the document with the given id.
// Deleting an absent document is a no-op.
func (s *Store) Delete(ctx context.Context, tx es.DBTX, model, id string) error {
	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE model_name = %s AND doc_id = %s
	`, s.config.DocumentsTable, s.placeholder(1), s.placeholder(2))

	if _, err := tx.ExecContext(ctx, query, model, id); err != nil {
		return fmt.Errorf("failed to delete document %s/%s: %w", model, id, err)
	}
	return nil
}

// Reset discards every document of one model. Used by projection rebuilds;
// documents of other models are untouched.
func (s *Store) Reset(ctx context.Context, tx es.DBTX, model string) error {
	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE model_name = %s
	`, s.config.DocumentsTable, s.placeholder(1))

	if _, err := tx.ExecContext(ctx, query, model); err != nil {
		return fmt.Errorf("failed to reset model %s: %w", model, err)
	}
	return nil
}

// List streams every document of one model to fn, ordered by document id.
func (s *Store) List(ctx context.Context, tx es.DBTX, model string, fn func(id string, data []byte) error) error {
	query := fmt.Sprintf(`
		SELECT doc_id, data
		FROM %s
		WHERE model_name = %s
		ORDER BY doc_id
	`, s.config.DocumentsTable, s.placeholder(1))

	rows, err := tx.QueryContext(ctx, query, model)
	if err != nil {
		return fmt.Errorf("failed to list model %s: %w", model, err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return fmt.Errorf("failed to scan document of model %s: %w", model, err)
		}
		if err := fn(id, data); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *Store) placeholder(n int) string {
	if s.config.Dialect == Postgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *Store) now() string {
	if s.config.Dialect == Postgres {
		return "NOW()"
	}
	return "datetime('now')"
}
