package search

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"marginalia/api/internal/store"
)

// ArticleSource is the store query used when no engine is available.
type ArticleSource interface {
	SearchArticles(ctx context.Context, query string, limit int) ([]store.Article, error)
}

// StoreSearcher answers searches with a case-insensitive substring match in the
// primary store. It is always available.
type StoreSearcher struct {
	source ArticleSource
}

func NewStoreSearcher(source ArticleSource) *StoreSearcher {
	return &StoreSearcher{source: source}
}

func (s *StoreSearcher) Search(ctx context.Context, q Query) ([]Result, int, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, 0, nil
	}
	articles, err := s.source.SearchArticles(ctx, text, normalizeLimit(q.Limit))
	if err != nil {
		return nil, 0, fmt.Errorf("store search: %w", err)
	}
	results := make([]Result, 0, len(articles))
	for _, a := range articles {
		results = append(results, Result{
			ID:      a.ID,
			Title:   a.Title,
			Snippet: snippet(a.Content, text, 30),
		})
	}
	return results, len(results), nil
}

// snippet returns up to radius runes on each side of the first match of term
// in content, or the start of content when term only matched the title.
func snippet(content, term string, radius int) string {
	lower := strings.ToLower(content)
	idx := strings.Index(lower, strings.ToLower(term))
	runes := []rune(content)
	if idx < 0 || len(lower) != len(content) {
		if len(runes) <= 2*radius {
			return content
		}
		return string(runes[:2*radius]) + "…"
	}

	start := utf8.RuneCountInString(content[:idx])
	end := start + utf8.RuneCountInString(term)
	from := start - radius
	if from < 0 {
		from = 0
	}
	to := end + radius
	if to > len(runes) {
		to = len(runes)
	}

	out := string(runes[from:to])
	if from > 0 {
		out = "…" + out
	}
	if to < len(runes) {
		out += "…"
	}
	return out
}
