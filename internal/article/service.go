// Package article maintains the note hierarchy: parent chains, tree
// reconstruction, link resolution, guarded deletion and re-parenting.
//
// The functions in tree.go, links.go, deletion.go and relation.go are pure and
// work on snapshots; Service loads those snapshots from a Store and applies the
// result.
package article

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"marginalia/api/internal/store"
	"marginalia/api/internal/util"
)

// Store is the persistence contract. Lookups return store.ErrNotFound for
// missing rows; SetParentChains and DeleteArticles are all-or-nothing.
type Store interface {
	GetArticle(ctx context.Context, id string) (store.Article, error)
	FindRootArticle(ctx context.Context) (store.Article, error)
	FindDescendants(ctx context.Context, ancestorID string) ([]store.Article, error)
	InsertArticle(ctx context.Context, article store.Article) error
	UpdateArticle(ctx context.Context, id string, patch store.ArticlePatch) error
	SetParentChains(ctx context.Context, chains map[string][]string, updateTime int64) error
	DeleteArticles(ctx context.Context, ids []string) error
	ListFavoriteArticles(ctx context.Context) ([]store.Article, error)
	ListArticlesByIDs(ctx context.Context, ids []string) ([]store.Article, error)
}

type Service struct {
	store Store
	now   func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(st Store, opts ...Option) *Service {
	s := &Service{store: st, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type CreateInput struct {
	ParentID string
	Title    string
	Content  string
	TagIDs   []string
}

type UpdateInput struct {
	Title   *string
	Content *string
	TagIDs  *[]string
}

type DeleteResult struct {
	ParentArticleID   string   `json:"parentArticleId"`
	DeletedArticleIDs []string `json:"deletedArticleIds"`
}

func (s *Service) stamp() int64 {
	return s.now().UnixMilli()
}

func (s *Service) Get(ctx context.Context, id string) (store.Article, error) {
	a, err := s.store.GetArticle(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.Article{}, ErrNotFound
	}
	if err != nil {
		return store.Article{}, fmt.Errorf("load article %s: %w", id, err)
	}
	return a, nil
}

func (s *Service) Root(ctx context.Context) (store.Article, error) {
	root, err := s.store.FindRootArticle(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return store.Article{}, ErrNotFound
	}
	if err != nil {
		return store.Article{}, fmt.Errorf("load root article: %w", err)
	}
	return root, nil
}

// EnsureRoot creates the single root article when the store has none.
func (s *Service) EnsureRoot(ctx context.Context, title string) (store.Article, bool, error) {
	root, err := s.Root(ctx)
	if err == nil {
		return root, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return store.Article{}, false, err
	}

	now := s.stamp()
	root = store.Article{
		ID:          util.NewID(""),
		Title:       strings.TrimSpace(title),
		CreateTime:  now,
		UpdateTime:  now,
		ParentChain: []string{},
		RelatedIDs:  []string{},
		TagIDs:      []string{},
	}
	if err := s.store.InsertArticle(ctx, root); err != nil {
		return store.Article{}, false, fmt.Errorf("create root article: %w", err)
	}
	return root, true, nil
}

func (s *Service) Create(ctx context.Context, input CreateInput) (store.Article, error) {
	parent, err := s.Get(ctx, input.ParentID)
	if errors.Is(err, ErrNotFound) {
		return store.Article{}, ErrInvalidParent
	}
	if err != nil {
		return store.Article{}, err
	}

	tagIDs := input.TagIDs
	if tagIDs == nil {
		tagIDs = []string{}
	}
	now := s.stamp()
	a := store.Article{
		ID:          util.NewID(""),
		Title:       input.Title,
		Content:     input.Content,
		CreateTime:  now,
		UpdateTime:  now,
		ParentChain: ChainUnder(parent),
		RelatedIDs:  []string{},
		TagIDs:      tagIDs,
	}
	if err := s.store.InsertArticle(ctx, a); err != nil {
		return store.Article{}, fmt.Errorf("insert article: %w", err)
	}
	return a, nil
}

func (s *Service) Update(ctx context.Context, id string, input UpdateInput) (store.Article, error) {
	return s.patch(ctx, id, store.ArticlePatch{
		Title:   input.Title,
		Content: input.Content,
		TagIDs:  input.TagIDs,
	})
}

func (s *Service) SetFavorite(ctx context.Context, id string, favorite bool) (store.Article, error) {
	return s.patch(ctx, id, store.ArticlePatch{Favorite: &favorite})
}

func (s *Service) patch(ctx context.Context, id string, patch store.ArticlePatch) (store.Article, error) {
	patch.UpdateTime = s.stamp()
	err := s.store.UpdateArticle(ctx, id, patch)
	if errors.Is(err, store.ErrNotFound) {
		return store.Article{}, ErrNotFound
	}
	if err != nil {
		return store.Article{}, fmt.Errorf("update article %s: %w", id, err)
	}
	return s.Get(ctx, id)
}

// Delete removes the article, and with force its whole subtree, in a single
// store call. Nothing is written when the plan is refused.
func (s *Service) Delete(ctx context.Context, id string, force bool) (DeleteResult, error) {
	target, err := s.Get(ctx, id)
	if err != nil {
		return DeleteResult{}, err
	}
	descendants, err := s.store.FindDescendants(ctx, id)
	if err != nil {
		return DeleteResult{}, fmt.Errorf("load descendants of %s: %w", id, err)
	}

	plan, err := PlanDeletion(target, descendants, force)
	if err != nil {
		return DeleteResult{}, err
	}
	if err := s.store.DeleteArticles(ctx, plan.DeleteIDs); err != nil {
		return DeleteResult{}, fmt.Errorf("delete articles: %w", err)
	}
	return DeleteResult{ParentArticleID: plan.ParentID, DeletedArticleIDs: plan.DeleteIDs}, nil
}

// Links resolves the parent (with its title) and the direct children.
func (s *Service) Links(ctx context.Context, id string) (Links, error) {
	target, err := s.Get(ctx, id)
	if err != nil {
		return Links{}, err
	}
	descendants, err := s.store.FindDescendants(ctx, id)
	if err != nil {
		return Links{}, fmt.Errorf("load descendants of %s: %w", id, err)
	}

	links := ResolveLinks(target, descendants)
	if links.HasParent {
		parent, err := s.Get(ctx, links.ParentID)
		switch {
		case err == nil:
			links.ParentTitle = parent.Title
		case !errors.Is(err, ErrNotFound):
			return Links{}, err
		}
	}
	return links, nil
}

func (s *Service) Tree(ctx context.Context, rootID string) ([]*TreeNode, error) {
	if _, err := s.Get(ctx, rootID); err != nil {
		return nil, err
	}
	descendants, err := s.store.FindDescendants(ctx, rootID)
	if err != nil {
		return nil, fmt.Errorf("load descendants of %s: %w", rootID, err)
	}
	return BuildTree(rootID, descendants), nil
}

// Subtree returns the article with its descendant set, for callers that walk
// a whole branch (export, history snapshots).
func (s *Service) Subtree(ctx context.Context, id string) (store.Article, []store.Article, error) {
	target, err := s.Get(ctx, id)
	if err != nil {
		return store.Article{}, nil, err
	}
	descendants, err := s.store.FindDescendants(ctx, id)
	if err != nil {
		return store.Article{}, nil, fmt.Errorf("load descendants of %s: %w", id, err)
	}
	return target, descendants, nil
}

// Move re-parents id under parentID and rewrites the chains of the whole
// moved subtree in one transaction.
func (s *Service) Move(ctx context.Context, id, parentID string) (store.Article, error) {
	target, err := s.Get(ctx, id)
	if err != nil {
		return store.Article{}, err
	}
	parent, err := s.Get(ctx, parentID)
	if errors.Is(err, ErrNotFound) {
		return store.Article{}, ErrInvalidParent
	}
	if err != nil {
		return store.Article{}, err
	}
	if err := ValidateReparent(target, parent); err != nil {
		return store.Article{}, err
	}
	if target.ParentID() == parent.ID {
		return target, nil
	}

	descendants, err := s.store.FindDescendants(ctx, id)
	if err != nil {
		return store.Article{}, fmt.Errorf("load descendants of %s: %w", id, err)
	}
	chains := RebaseChains(target, parent, descendants)
	if err := s.store.SetParentChains(ctx, chains, s.stamp()); err != nil {
		return store.Article{}, fmt.Errorf("rewrite chains: %w", err)
	}
	return s.Get(ctx, id)
}

// SetRelated links or unlinks toID on fromID's record only.
func (s *Service) SetRelated(ctx context.Context, fromID, toID string, link bool) (store.Article, error) {
	from, err := s.Get(ctx, fromID)
	if err != nil {
		return store.Article{}, err
	}
	if link {
		if toID == fromID {
			return store.Article{}, ErrSelfRelation
		}
		if _, err := s.Get(ctx, toID); err != nil {
			return store.Article{}, err
		}
	}
	related := ToggleRelated(from.RelatedIDs, toID, link)
	return s.patch(ctx, fromID, store.ArticlePatch{RelatedIDs: &related})
}

// Related lists the linked articles in link order, skipping ids that no longer
// resolve.
func (s *Service) Related(ctx context.Context, id string) ([]store.Article, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	related, err := s.store.ListArticlesByIDs(ctx, a.RelatedIDs)
	if err != nil {
		return nil, fmt.Errorf("load related articles: %w", err)
	}
	return related, nil
}

func (s *Service) Favorites(ctx context.Context) ([]store.Article, error) {
	favorites, err := s.store.ListFavoriteArticles(ctx)
	if err != nil {
		return nil, fmt.Errorf("list favorites: %w", err)
	}
	return favorites, nil
}
