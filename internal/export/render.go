package export

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"

	"gitlab.com/golang-commonmark/markdown"
)

// Section is one article in document order. Depth is 0 for the exported
// article itself.
type Section struct {
	ID      string
	Title   string
	Content string
	Depth   int
}

var md = markdown.New(markdown.HTML(false), markdown.Linkify(true))

func RenderMarkdown(sections []Section) []byte {
	var buf bytes.Buffer
	for i, section := range sections {
		if i > 0 {
			buf.WriteString("\n")
		}
		buf.WriteString(strings.Repeat("#", headingLevel(section.Depth)))
		buf.WriteString(" ")
		buf.WriteString(section.Title)
		buf.WriteString("\n")
		if content := strings.TrimSpace(section.Content); content != "" {
			buf.WriteString("\n")
			buf.WriteString(content)
			buf.WriteString("\n")
		}
	}
	return buf.Bytes()
}

type templateSection struct {
	ID      string
	Title   string
	Level   int
	Content template.HTML
}

type templateData struct {
	Title       string
	GeneratedAt time.Time
	Sections    []templateSection
}

var documentTemplate = template.Must(template.New("document").Funcs(template.FuncMap{
	"heading": func(level int, title string) template.HTML {
		return template.HTML(fmt.Sprintf("<h%d>%s</h%d>", level, template.HTMLEscapeString(title), level))
	},
}).Parse(documentHTML))

// RenderHTML renders sections as a standalone page. Article content is treated
// as CommonMark with raw HTML disabled.
func RenderHTML(sections []Section, generatedAt time.Time) ([]byte, error) {
	data := templateData{GeneratedAt: generatedAt}
	if len(sections) > 0 {
		data.Title = sections[0].Title
	}
	for _, section := range sections {
		data.Sections = append(data.Sections, templateSection{
			ID:      section.ID,
			Title:   section.Title,
			Level:   headingLevel(section.Depth),
			Content: template.HTML(md.RenderToString([]byte(section.Content))),
		})
	}

	var buf bytes.Buffer
	if err := documentTemplate.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func headingLevel(depth int) int {
	if depth < 0 {
		return 1
	}
	if depth > 5 {
		return 6
	}
	return depth + 1
}

const documentHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Georgia, serif; line-height: 1.6; max-width: 760px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
  </style>
</head>
<body>
  <div class="meta">Exported {{.GeneratedAt.Format "Jan 2, 2006 15:04"}}</div>
  {{range .Sections}}<section id="{{.ID}}">
  {{heading .Level .Title}}
  {{.Content}}
  </section>
  {{end}}
</body>
</html>`
