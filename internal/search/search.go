package search

import (
	"context"

	"marginalia/api/internal/store"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// Query describes a search request.
type Query struct {
	Text  string
	Limit int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	// Engine reports which backend answered: "meilisearch" or "store".
	Engine string `json:"engine"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
}

// Engine is an external index that can be down; the Service falls back to the
// store when it is.
type Engine interface {
	Searcher
	Healthy() bool
	IndexArticles(records []ArticleRecord) error
	DeleteArticles(ids []string) error
}

// ArticleRecord is the data we index for an article.
type ArticleRecord struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Content    string   `json:"content"`
	ParentID   string   `json:"parentId"`
	TagIDs     []string `json:"tagIds"`
	Favorite   bool     `json:"favorite"`
	UpdateTime int64    `json:"updateTime"`
}

func RecordFromArticle(a store.Article) ArticleRecord {
	tags := a.TagIDs
	if tags == nil {
		tags = []string{}
	}
	return ArticleRecord{
		ID:         a.ID,
		Title:      a.Title,
		Content:    a.Content,
		ParentID:   a.ParentID(),
		TagIDs:     tags,
		Favorite:   a.Favorite,
		UpdateTime: a.UpdateTime,
	}
}

const defaultLimit = 20

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > 100 {
		return 100
	}
	return limit
}
