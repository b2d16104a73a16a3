package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// ReplaceComments overwrites the saved comment set of a document in one
// transaction. Records are stored in the given order.
func (s *PostgresStore) ReplaceComments(ctx context.Context, save DocumentSave, records []CommentRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	savedAt := save.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now().UTC()
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO comment_documents (id, checksum, saved_by_name, saved_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET checksum=EXCLUDED.checksum, saved_by_name=EXCLUDED.saved_by_name, saved_at=EXCLUDED.saved_at
	`, save.DocumentID, save.Checksum, save.SavedBy, savedAt); err != nil {
		return fmt.Errorf("upsert comment document: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM comment_records WHERE document_id=$1`, save.DocumentID); err != nil {
		return fmt.Errorf("clear comment records: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO comment_records (document_id, id, ordinal, anchor_node_id, anchor_offset, body, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`)
	if err != nil {
		return fmt.Errorf("prepare comment insert: %w", err)
	}
	defer stmt.Close()

	for i, record := range records {
		if _, err := stmt.ExecContext(ctx,
			save.DocumentID,
			record.ID,
			i,
			record.AnchorNodeID,
			record.AnchorOffset,
			record.Body,
			record.CreatedAt,
			record.UpdatedAt,
		); err != nil {
			return fmt.Errorf("insert comment record %s: %w", record.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save tx: %w", err)
	}
	return nil
}

// ListComments returns the saved records of a document in save order. A
// document that was never saved yields an empty list.
func (s *PostgresStore) ListComments(ctx context.Context, documentID string) ([]CommentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, id, ordinal, anchor_node_id, anchor_offset, body, created_at, updated_at
		FROM comment_records
		WHERE document_id=$1
		ORDER BY ordinal ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list comment records: %w", err)
	}
	defer rows.Close()

	items := make([]CommentRecord, 0)
	for rows.Next() {
		var item CommentRecord
		if err := rows.Scan(
			&item.DocumentID,
			&item.ID,
			&item.Ordinal,
			&item.AnchorNodeID,
			&item.AnchorOffset,
			&item.Body,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan comment record: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comment records: %w", err)
	}
	return items, nil
}

// LastSave returns sql.ErrNoRows when the document was never saved.
func (s *PostgresStore) LastSave(ctx context.Context, documentID string) (DocumentSave, error) {
	var item DocumentSave
	err := s.db.QueryRowContext(ctx, `
		SELECT id, checksum, saved_by_name, saved_at
		FROM comment_documents
		WHERE id=$1
	`, documentID).Scan(&item.DocumentID, &item.Checksum, &item.SavedBy, &item.SavedAt)
	if err != nil {
		return DocumentSave{}, err
	}
	return item, nil
}

// SearchComments runs a Postgres full-text query over saved comment bodies.
func (s *PostgresStore) SearchComments(ctx context.Context, query, documentID string, limit, offset int) ([]SearchHit, int, error) {
	if limit <= 0 {
		limit = 20
	}
	var total int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM comment_records
		WHERE search_vector @@ plainto_tsquery('simple', $1)
		  AND ($2::text = '' OR document_id = $2)
	`, query, documentID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count comment search: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, id, body,
		       ts_headline('simple', body, plainto_tsquery('simple', $1), 'StartSel=<mark>, StopSel=</mark>'),
		       ts_rank(search_vector, plainto_tsquery('simple', $1))
		FROM comment_records
		WHERE search_vector @@ plainto_tsquery('simple', $1)
		  AND ($2::text = '' OR document_id = $2)
		ORDER BY 5 DESC, document_id ASC, ordinal ASC
		LIMIT $3 OFFSET $4
	`, query, documentID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("search comments: %w", err)
	}
	defer rows.Close()

	hits := make([]SearchHit, 0)
	for rows.Next() {
		var hit SearchHit
		if err := rows.Scan(&hit.DocumentID, &hit.CommentID, &hit.Body, &hit.Snippet, &hit.Rank); err != nil {
			return nil, 0, fmt.Errorf("scan comment hit: %w", err)
		}
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate comment hits: %w", err)
	}
	return hits, total, nil
}

// AllComments returns every saved record, used to rebuild search indexes.
func (s *PostgresStore) AllComments(ctx context.Context) ([]CommentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, id, ordinal, anchor_node_id, anchor_offset, body, created_at, updated_at
		FROM comment_records
		ORDER BY document_id ASC, ordinal ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list all comment records: %w", err)
	}
	defer rows.Close()

	items := make([]CommentRecord, 0)
	for rows.Next() {
		var item CommentRecord
		if err := rows.Scan(&item.DocumentID, &item.ID, &item.Ordinal, &item.AnchorNodeID, &item.AnchorOffset, &item.Body, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan comment record: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("database not configured")
	}
	return s.db.PingContext(ctx)
}
