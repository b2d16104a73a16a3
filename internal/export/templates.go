package export

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var commentsTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
	}

	templateContent, err := templateFS.ReadFile("templates/comments.html")
	if err != nil {
		commentsTemplate = template.Must(template.New("comments").Funcs(funcMap).Parse(fallbackTemplate))
		return
	}

	commentsTemplate = template.Must(template.New("comments").Funcs(funcMap).Parse(string(templateContent)))
}

// TemplateData holds data for report rendering
type TemplateData struct {
	Title       string
	DocumentID  string
	GeneratedBy string
	GeneratedAt time.Time
	Total       int
	Groups      []TemplateGroup
}

// TemplateGroup is the comments anchored in one node.
type TemplateGroup struct {
	NodeID   string
	Comments []TemplateComment
}

type TemplateComment struct {
	ID        string
	Offset    int
	BodyHTML  template.HTML
	CreatedAt time.Time
	Edited    bool
}

// RenderCommentsHTML renders the report template with provided data
func RenderCommentsHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := commentsTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// BodyToHTML escapes a plain-text comment body and turns blank-line separated
// blocks into paragraphs and single newlines into line breaks.
func BodyToHTML(body string) template.HTML {
	normalized := strings.ReplaceAll(body, "\r\n", "\n")
	var b strings.Builder
	for _, block := range strings.Split(normalized, "\n\n") {
		block = strings.Trim(block, "\n")
		if strings.TrimSpace(block) == "" {
			continue
		}
		lines := strings.Split(block, "\n")
		for i, line := range lines {
			lines[i] = template.HTMLEscapeString(line)
		}
		b.WriteString("<p>")
		b.WriteString(strings.Join(lines, "<br>"))
		b.WriteString("</p>")
	}
	return template.HTML(b.String())
}

// fallbackTemplate is used if the embedded template fails to load
const fallbackTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
</head>
<body>
  <h1>{{.Title}}</h1>
  {{range .Groups}}<h2>{{.NodeID}}</h2>{{range .Comments}}<div class="comment">{{.BodyHTML}}</div>{{end}}{{end}}
</body>
</html>`
