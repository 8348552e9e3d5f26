package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var ErrDocumentNotFound = errors.New("document not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, status, diagram_count, updated_by, updated_at
		FROM documents
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	docs := make([]Document, 0)
	for rows.Next() {
		var doc Document
		if err := rows.Scan(&doc.ID, &doc.Title, &doc.Status, &doc.DiagramCount, &doc.UpdatedBy, &doc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	var doc Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, status, diagram_count, updated_by, updated_at
		FROM documents
		WHERE id = $1
	`, documentID).Scan(&doc.ID, &doc.Title, &doc.Status, &doc.DiagramCount, &doc.UpdatedBy, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrDocumentNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) UpsertDocument(ctx context.Context, doc Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, title, status, diagram_count, updated_by, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			status = EXCLUDED.status,
			diagram_count = EXCLUDED.diagram_count,
			updated_by = EXCLUDED.updated_by,
			updated_at = NOW()
	`, doc.ID, doc.Title, doc.Status, doc.DiagramCount, doc.UpdatedBy)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateDocumentStatus(ctx context.Context, documentID, status, updatedBy string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status = $2, updated_by = $3, updated_at = NOW()
		WHERE id = $1
	`, documentID, status, updatedBy)
	if err != nil {
		return fmt.Errorf("update document status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update document status: %w", err)
	}
	if affected == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

// DeleteDocument removes the metadata row; publish log entries cascade.
func (s *PostgresStore) DeleteDocument(ctx context.Context, documentID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, documentID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if affected == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

func (s *PostgresStore) InsertPublishLog(ctx context.Context, entry PublishLogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO publish_log (document_id, commit_hash, published_by, message, published_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, entry.DocumentID, entry.CommitHash, entry.PublishedBy, entry.Message)
	if err != nil {
		return fmt.Errorf("insert publish log: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPublishLog(ctx context.Context, documentID string, limit int) ([]PublishLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, commit_hash, published_by, message, published_at
		FROM publish_log
		WHERE document_id = $1
		ORDER BY published_at DESC
		LIMIT $2
	`, documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list publish log: %w", err)
	}
	defer rows.Close()

	entries := make([]PublishLogEntry, 0)
	for rows.Next() {
		var entry PublishLogEntry
		if err := rows.Scan(&entry.ID, &entry.DocumentID, &entry.CommitHash, &entry.PublishedBy, &entry.Message, &entry.PublishedAt); err != nil {
			return nil, fmt.Errorf("scan publish log: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate publish log: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
