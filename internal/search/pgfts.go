package search

import (
	"context"
	"strings"

	"chronicle/comments/internal/store"
)

// commentQuerier is the part of the Postgres store PgFTS needs.
type commentQuerier interface {
	SearchComments(ctx context.Context, query, documentID string, limit, offset int) ([]store.SearchHit, int, error)
	AllComments(ctx context.Context) ([]store.CommentRecord, error)
}

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db commentQuerier
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db commentQuerier) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs plainto_tsquery over saved comment bodies with ts_headline snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	hits, total, err := p.db.SearchComments(context.Background(), q.Text, q.DocumentID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		results = append(results, Result{
			ID:         hit.CommentID,
			DocumentID: hit.DocumentID,
			Snippet:    firstNonBlank(hit.Snippet, hit.Body),
			Rank:       hit.Rank,
		})
	}
	return results, total, nil
}

// LoadAllRecords returns all saved comments for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]CommentRecord, error) {
	rows, err := p.db.AllComments(ctx)
	if err != nil {
		return nil, err
	}
	records := make([]CommentRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, FromStore(row))
	}
	return records, nil
}
