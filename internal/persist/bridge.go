// Package persist converts a comment store to and from the records embedded
// in a saved document.
package persist

import (
	"errors"
	"fmt"
	"time"

	"chronicle/comments/internal/anchor"
	"chronicle/comments/internal/comments"
)

// ErrStoreNotEmpty is returned by Load when the target store already holds comments.
var ErrStoreNotEmpty = errors.New("load target store is not empty")

// Record is the saved form of one comment.
type Record struct {
	ID        string          `json:"id"`
	Position  anchor.Position `json:"anchor"`
	Body      string          `json:"body"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Dropped describes a record Load skipped.
type Dropped struct {
	Record Record
	Err    error
}

type Report struct {
	Loaded  int
	Dropped []Dropped
}

// Save returns one record per live comment in insertion order.
func Save(store *comments.Store) ([]Record, error) {
	anchors := store.Anchors()
	items := store.All()
	records := make([]Record, 0, len(items))
	for _, c := range items {
		pos, ok := anchors.Resolve(c.Anchor)
		if !ok {
			return nil, fmt.Errorf("save %s: %w", c.ID, comments.ErrAnchorUnresolved)
		}
		records = append(records, Record{
			ID:        c.ID,
			Position:  pos,
			Body:      c.Body,
			CreatedAt: c.CreatedAt,
			UpdatedAt: c.UpdatedAt,
		})
	}
	return records, nil
}

// Load populates a fresh store. Each anchor is placed before its comment is
// restored. Records that cannot be restored are reported, not fatal.
func Load(records []Record, store *comments.Store) (Report, error) {
	if store.Len() != 0 {
		return Report{}, ErrStoreNotEmpty
	}
	anchors := store.Anchors()
	report := Report{}
	for _, record := range records {
		anchorID, err := anchors.Place(record.Position)
		if err != nil {
			report.Dropped = append(report.Dropped, Dropped{
				Record: record,
				Err:    fmt.Errorf("%w: %v", comments.ErrAnchorUnresolved, err),
			})
			continue
		}
		if err := store.Restore(comments.Comment{
			ID:        record.ID,
			Anchor:    anchorID,
			Body:      record.Body,
			CreatedAt: record.CreatedAt,
			UpdatedAt: record.UpdatedAt,
		}); err != nil {
			anchors.Release(anchorID)
			report.Dropped = append(report.Dropped, Dropped{Record: record, Err: err})
			continue
		}
		report.Loaded++
	}
	return report, nil
}
