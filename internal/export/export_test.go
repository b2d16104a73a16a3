package export

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type fakeSource struct {
	commentsFn func(ctx context.Context, documentID string) ([]Comment, error)
}

func (f fakeSource) ExportComments(ctx context.Context, documentID string) ([]Comment, error) {
	return f.commentsFn(ctx, documentID)
}

func fixedComments() []Comment {
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return []Comment{
		{ID: "cmt_1", NodeID: "para-1", Offset: 4, Body: "Check <this> figure", CreatedAt: created, UpdatedAt: created},
		{ID: "cmt_2", NodeID: "para-2", Offset: 0, Body: "First line\nsecond line", CreatedAt: created, UpdatedAt: created.Add(time.Hour)},
		{ID: "cmt_3", NodeID: "para-1", Offset: 9, Body: "Also here", CreatedAt: created, UpdatedAt: created},
	}
}

func TestBodyToHTML(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"plain", "<p>plain</p>"},
		{"a\nb", "<p>a<br>b</p>"},
		{"one\n\ntwo", "<p>one</p><p>two</p>"},
		{"<script>x</script>", "<p>&lt;script&gt;x&lt;/script&gt;</p>"},
		{"a\r\n\r\n\n\nb", "<p>a</p><p>b</p>"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := string(BodyToHTML(tt.input)); got != tt.expected {
				t.Errorf("BodyToHTML(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestGroupByNodeKeepsFirstAppearanceOrder(t *testing.T) {
	groups := groupByNode(fixedComments())
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	if groups[0].NodeID != "para-1" || len(groups[0].Comments) != 2 {
		t.Fatalf("unexpected first group %+v", groups[0])
	}
	if groups[0].Comments[0].ID != "cmt_1" || groups[0].Comments[1].ID != "cmt_3" {
		t.Fatalf("comment order not kept: %+v", groups[0].Comments)
	}
	if !groups[1].Comments[0].Edited || groups[0].Comments[0].Edited {
		t.Fatal("edited flag should follow UpdatedAt > CreatedAt")
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello-World"},
		{"Spec v1.2 comments", "Spec-v12-comments"},
		{"Special!@#$%Chars", "SpecialChars"},
		{"", "comments"},
		{"Very Long Title That Exceeds Fifty Characters Limit", "Very-Long-Title-That-Exceeds-Fifty-Characters-Limi"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := sanitizeFilename(tt.input)
			if result != tt.expected {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	for input, want := range map[string]Format{"": FormatPDF, "pdf": FormatPDF, "html": FormatHTML, "docx": FormatDOCX} {
		got, err := ParseFormat(input)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %q, %v", input, got, err)
		}
	}
	if _, err := ParseFormat("odt"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestExportHTML(t *testing.T) {
	svc := NewService(fakeSource{commentsFn: func(_ context.Context, documentID string) ([]Comment, error) {
		if documentID != "doc-1" {
			t.Fatalf("unexpected document %q", documentID)
		}
		return fixedComments(), nil
	}})
	svc.now = func() time.Time { return time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) }

	result, err := svc.Export(context.Background(), Request{DocumentID: "doc-1", Title: "Design Review", Format: FormatHTML, GeneratedBy: "Avery"})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if result.Filename != "Design-Review.html" || !strings.HasPrefix(result.MimeType, "text/html") {
		t.Fatalf("unexpected result metadata %q %q", result.Filename, result.MimeType)
	}
	html := string(result.Data)
	for _, want := range []string{"Design Review", "3 comments", "Node para-1", "Node para-2", "Check &lt;this&gt; figure", "First line<br>second line", "edited", "Avery"} {
		if !strings.Contains(html, want) {
			t.Errorf("report missing %q", want)
		}
	}
	if strings.Contains(html, "<this>") {
		t.Error("comment body was not escaped")
	}
}

func TestExportEmptyDocument(t *testing.T) {
	svc := NewService(fakeSource{commentsFn: func(context.Context, string) ([]Comment, error) {
		return nil, nil
	}})
	result, err := svc.Export(context.Background(), Request{DocumentID: "doc-1", Format: FormatHTML})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if !strings.Contains(string(result.Data), "No comments.") {
		t.Fatal("expected empty-state message")
	}
	if result.Filename != "doc-1-comments.html" {
		t.Fatalf("unexpected default filename %q", result.Filename)
	}
}

func TestExportDispatchesPDF(t *testing.T) {
	svc := NewService(fakeSource{commentsFn: func(context.Context, string) ([]Comment, error) {
		return fixedComments(), nil
	}})
	var gotHTML string
	svc.pdf = func(_ context.Context, html, title string) (*Result, error) {
		gotHTML = html
		return &Result{Data: []byte("%PDF"), Filename: sanitizeFilename(title) + ".pdf", MimeType: "application/pdf"}, nil
	}
	result, err := svc.Export(context.Background(), Request{DocumentID: "doc-1", Title: "Report", Format: FormatPDF})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if result.Filename != "Report.pdf" || !strings.Contains(gotHTML, "Also here") {
		t.Fatalf("pdf renderer not fed the report: %q", result.Filename)
	}
}

func TestExportSourceError(t *testing.T) {
	svc := NewService(fakeSource{commentsFn: func(context.Context, string) ([]Comment, error) {
		return nil, errors.New("boom")
	}})
	if _, err := svc.Export(context.Background(), Request{DocumentID: "doc-1", Format: FormatHTML}); err == nil {
		t.Fatal("expected source error")
	}
}

func TestExportUnsupportedFormat(t *testing.T) {
	svc := NewService(fakeSource{commentsFn: func(context.Context, string) ([]Comment, error) {
		return nil, nil
	}})
	if _, err := svc.Export(context.Background(), Request{DocumentID: "doc-1", Format: "odt"}); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}
