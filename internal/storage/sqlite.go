package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// OpenSQLite opens the database file shared by the document store and the attempt history
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single writer avoids SQLITE_BUSY under concurrent puts
	db.SetMaxOpenConns(1)
	return db, nil
}

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed document store
func NewSQLiteStore(logger *zap.Logger, db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{
		logger: logger.Named("sqlite-store"),
		db:     db,
	}
	if err := s.initialize(); err != nil {
		return nil, err
	}
	return s, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			namespace TEXT NOT NULL,
			id TEXT NOT NULL,
			version INTEGER NOT NULL,
			data TEXT NOT NULL,
			text TEXT,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (namespace, id)
		);
		CREATE INDEX IF NOT EXISTS idx_documents_updated_at ON documents(updated_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Get implements Store.Get
func (s *SQLiteStore) Get(ctx context.Context, namespace, id string) (*Document, error) {
	doc := &Document{Namespace: namespace, ID: id}
	var data string
	var text sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT version, data, text, updated_at
		FROM documents
		WHERE namespace = ? AND id = ?`, namespace, id).Scan(
		&doc.Version,
		&data,
		&text,
		&doc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	doc.Data = []byte(data)
	doc.Text = text.String
	return doc, nil
}

// Put implements Store.Put
func (s *SQLiteStore) Put(ctx context.Context, doc *Document) (*Document, error) {
	if err := validate(doc); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx,
		"SELECT version FROM documents WHERE namespace = ? AND id = ?",
		doc.Namespace, doc.ID).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read version: %w", err)
	}
	if current != doc.Version {
		return nil, ErrVersionConflict
	}

	stored := *doc
	stored.Version = current + 1
	stored.UpdatedAt = time.Now().UTC()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (namespace, id, version, data, text, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(namespace, id) DO UPDATE SET
			version = excluded.version,
			data = excluded.data,
			text = excluded.text,
			updated_at = excluded.updated_at`,
		stored.Namespace,
		stored.ID,
		stored.Version,
		string(stored.Data),
		sql.NullString{String: stored.Text, Valid: stored.Text != ""},
		stored.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to put document: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit document: %w", err)
	}
	return &stored, nil
}

// Delete implements Store.Delete
func (s *SQLiteStore) Delete(ctx context.Context, namespace, id string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM documents WHERE namespace = ? AND id = ?", namespace, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

// List implements Store.List
func (s *SQLiteStore) List(ctx context.Context, namespace string) ([]*Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, version, data, text, updated_at
		FROM documents
		WHERE namespace = ?
		ORDER BY id`, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc := &Document{Namespace: namespace}
		var data string
		var text sql.NullString
		if err := rows.Scan(&doc.ID, &doc.Version, &data, &text, &doc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		doc.Data = []byte(data)
		doc.Text = text.String
		docs = append(docs, doc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return docs, nil
}

// Search implements Store.Search
func (s *SQLiteStore) Search(ctx context.Context, namespace, query string, limit int) ([]Match, error) {
	docs, err := s.List(ctx, namespace)
	if err != nil {
		return nil, err
	}
	return rank(docs, query, limit), nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
