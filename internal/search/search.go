package search

import (
	"strings"

	"chronicle/comments/internal/store"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID           string  `json:"id"`
	DocumentID   string  `json:"documentId"`
	AnchorNodeID string  `json:"anchorNodeId,omitempty"`
	Snippet      string  `json:"snippet"`
	Rank         float64 `json:"rank,omitempty"`
}

// Query describes a search request. An empty DocumentID searches every document.
type Query struct {
	Text       string
	DocumentID string
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// CommentRecord is the data we index for a saved comment.
type CommentRecord struct {
	Key          string `json:"key"`
	ID           string `json:"id"`
	DocumentID   string `json:"documentId"`
	AnchorNodeID string `json:"anchorNodeId"`
	Body         string `json:"body"`
}

// FromStore converts a saved row into its index record.
func FromStore(record store.CommentRecord) CommentRecord {
	return CommentRecord{
		Key:          IndexKey(record.DocumentID, record.ID),
		ID:           record.ID,
		DocumentID:   record.DocumentID,
		AnchorNodeID: record.AnchorNodeID,
		Body:         record.Body,
	}
}

// IndexKey builds the primary key of a comment in the index. Comment ids are
// only unique within a document, and Meilisearch keys allow [A-Za-z0-9_-].
func IndexKey(documentID, commentID string) string {
	return sanitizeKey(documentID) + "--" + sanitizeKey(commentID)
}

func sanitizeKey(value string) string {
	var b strings.Builder
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}
