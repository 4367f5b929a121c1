// Package export renders an article subtree to Markdown or HTML.
package export

import (
	"errors"
	"time"
)

// Format represents the export output format
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
)

func ParseFormat(value string) (Format, error) {
	switch Format(value) {
	case "", FormatMarkdown:
		return FormatMarkdown, nil
	case FormatHTML:
		return FormatHTML, nil
	default:
		return "", ErrUnsupportedFormat
	}
}

// Request contains parameters for an export operation
type Request struct {
	ArticleID string
	Format    Format
	// Descendants includes the whole subtree below the article.
	Descendants bool
}

// Result contains the export output. Key and URL are set when the export was
// uploaded to object storage.
type Result struct {
	Data      []byte    `json:"-"`
	Filename  string    `json:"filename"`
	MimeType  string    `json:"mimeType"`
	Articles  int       `json:"articles"`
	Key       string    `json:"key,omitempty"`
	URL       string    `json:"url,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

var ErrUnsupportedFormat = errors.New("unsupported export format")
