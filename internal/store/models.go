package store

import "time"

// CommentRecord is one row of comment_records.
type CommentRecord struct {
	DocumentID   string
	ID           string
	Ordinal      int
	AnchorNodeID string
	AnchorOffset int
	Body         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DocumentSave describes the last save of a document's comments.
type DocumentSave struct {
	DocumentID string
	Checksum   string
	SavedBy    string
	SavedAt    time.Time
}

// SearchHit is a full-text match over comment bodies.
type SearchHit struct {
	DocumentID string
	CommentID  string
	Body       string
	Snippet    string
	Rank       float64
}

// CommitInfo describes one save in a document's comment history.
type CommitInfo struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
	Comments  int
}
