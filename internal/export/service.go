package export

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"marginalia/api/internal/article"
	"marginalia/api/internal/store"
)

// ArticleSource defines the data access export needs.
type ArticleSource interface {
	GetArticle(ctx context.Context, id string) (store.Article, error)
	FindDescendants(ctx context.Context, ancestorID string) ([]store.Article, error)
}

// Uploader stores a finished export and returns its key and a download URL.
type Uploader interface {
	Upload(ctx context.Context, result Result) (key, url string, err error)
}

// Service provides article export functionality
type Service struct {
	source   ArticleSource
	uploader Uploader
	now      func() time.Time
}

// NewService creates an export service. uploader may be nil, in which case
// exports are only returned inline.
func NewService(source ArticleSource, uploader Uploader) *Service {
	return &Service{source: source, uploader: uploader, now: time.Now}
}

func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	root, err := s.source.GetArticle(ctx, req.ArticleID)
	if err != nil {
		return nil, fmt.Errorf("get article: %w", err)
	}

	sections := []Section{{ID: root.ID, Title: root.Title, Content: root.Content}}
	if req.Descendants {
		descendants, err := s.source.FindDescendants(ctx, root.ID)
		if err != nil {
			return nil, fmt.Errorf("find descendants: %w", err)
		}
		sections = append(sections, subtreeSections(root.ID, descendants)...)
	}

	now := s.now().UTC()
	result := &Result{
		Articles:  len(sections),
		CreatedAt: now,
	}
	base := slugify(root.Title)
	switch req.Format {
	case FormatMarkdown, "":
		result.Data = RenderMarkdown(sections)
		result.Filename = base + ".md"
		result.MimeType = "text/markdown; charset=utf-8"
	case FormatHTML:
		data, err := RenderHTML(sections, now)
		if err != nil {
			return nil, fmt.Errorf("render html: %w", err)
		}
		result.Data = data
		result.Filename = base + ".html"
		result.MimeType = "text/html; charset=utf-8"
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}

	if s.uploader != nil {
		key, url, err := s.uploader.Upload(ctx, *result)
		if err != nil {
			return nil, fmt.Errorf("upload export: %w", err)
		}
		result.Key = key
		result.URL = url
	}
	return result, nil
}

// subtreeSections walks the rebuilt tree depth first so children follow their
// parent in the output.
func subtreeSections(rootID string, descendants []store.Article) []Section {
	byID := make(map[string]store.Article, len(descendants))
	for _, a := range descendants {
		byID[a.ID] = a
	}

	var sections []Section
	var walk func(nodes []*article.TreeNode, depth int)
	walk = func(nodes []*article.TreeNode, depth int) {
		for _, node := range nodes {
			a := byID[node.ID]
			sections = append(sections, Section{ID: a.ID, Title: a.Title, Content: a.Content, Depth: depth})
			walk(node.Children, depth+1)
		}
	}
	walk(article.BuildTree(rootID, descendants), 1)
	return sections
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(title string) string {
	slug := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(title), "-"), "-")
	if slug == "" {
		return "article"
	}
	if len(slug) > 60 {
		slug = strings.TrimRight(slug[:60], "-")
	}
	return slug
}
