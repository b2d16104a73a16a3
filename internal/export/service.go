package export

import (
	"context"
	"fmt"
	"time"
)

// CommentSource supplies the comments of a document.
type CommentSource interface {
	ExportComments(ctx context.Context, documentID string) ([]Comment, error)
}

// Service provides comment report export
type Service struct {
	source CommentSource
	now    func() time.Time
	pdf    func(ctx context.Context, html, title string) (*Result, error)
	docx   func(ctx context.Context, html, title string) (*Result, error)
}

// NewService creates a new export service
func NewService(source CommentSource) *Service {
	return &Service{
		source: source,
		now:    time.Now,
		pdf:    exportPDF,
		docx:   exportDOCX,
	}
}

// Export generates a report in the requested format
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	comments, err := s.source.ExportComments(ctx, req.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("load comments: %w", err)
	}

	title := req.Title
	if title == "" {
		title = req.DocumentID + " comments"
	}
	data := TemplateData{
		Title:       title,
		DocumentID:  req.DocumentID,
		GeneratedBy: req.GeneratedBy,
		GeneratedAt: s.now().UTC(),
		Total:       len(comments),
		Groups:      groupByNode(comments),
	}

	html, err := RenderCommentsHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch req.Format {
	case FormatHTML:
		return &Result{
			Data:     []byte(html),
			Filename: sanitizeFilename(title) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	case FormatPDF:
		return s.pdf(ctx, html, title)
	case FormatDOCX:
		return s.docx(ctx, html, title)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
}

// groupByNode keeps comment order and groups by anchor node in order of
// first appearance.
func groupByNode(comments []Comment) []TemplateGroup {
	groups := make([]TemplateGroup, 0)
	index := make(map[string]int)
	for _, c := range comments {
		i, ok := index[c.NodeID]
		if !ok {
			i = len(groups)
			index[c.NodeID] = i
			groups = append(groups, TemplateGroup{NodeID: c.NodeID})
		}
		groups[i].Comments = append(groups[i].Comments, TemplateComment{
			ID:        c.ID,
			Offset:    c.Offset,
			BodyHTML:  BodyToHTML(c.Body),
			CreatedAt: c.CreatedAt,
			Edited:    c.UpdatedAt.After(c.CreatedAt),
		})
	}
	return groups
}
