package article

import "marginalia/api/internal/store"

type Link struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Links is the one-hop neighbourhood of an article. HasParent is false only
// for the root.
type Links struct {
	ParentID    string
	ParentTitle string
	HasParent   bool
	Children    []Link
}

// ResolveLinks takes the target and its descendant set. The parent title is
// left empty; the caller owns the lookup.
func ResolveLinks(target store.Article, descendants []store.Article) Links {
	links := Links{Children: make([]Link, 0)}
	if parentID := target.ParentID(); parentID != "" {
		links.ParentID = parentID
		links.HasParent = true
	}
	for _, child := range ImmediateChildren(target.ID, descendants) {
		links.Children = append(links.Children, Link{ID: child.ID, Title: child.Title})
	}
	return links
}

// ImmediateChildren keeps the articles whose chain ends in id.
func ImmediateChildren(id string, descendants []store.Article) []store.Article {
	children := make([]store.Article, 0)
	for _, a := range descendants {
		if a.ID != id && a.ParentID() == id {
			children = append(children, a)
		}
	}
	return children
}
