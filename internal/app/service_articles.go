package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"marginalia/api/internal/article"
	"marginalia/api/internal/export"
	"marginalia/api/internal/history"
	"marginalia/api/internal/search"
	"marginalia/api/internal/store"
)

const historyPageSize = 50

type CreateArticleInput struct {
	ParentID string   `json:"parentId" validate:"required"`
	Title    string   `json:"title" validate:"required,max=200"`
	Content  string   `json:"content"`
	TagIDs   []string `json:"tagIds"`
}

type UpdateArticleInput struct {
	Title   *string   `json:"title" validate:"omitempty,min=1,max=200"`
	Content *string   `json:"content"`
	TagIDs  *[]string `json:"tagIds"`
}

// afterWrite refreshes the derived views of an article. The write itself has
// already succeeded, so failures here are logged and not returned.
func (s *Service) afterWrite(a store.Article, author, message string) {
	s.search.Index(a)
	if s.history == nil {
		return
	}
	if _, _, err := s.history.Record(a.ID, history.SnapshotOf(a), author, message); err != nil {
		s.log.Warn("record history", zap.String("article", a.ID), zap.Error(err))
	}
}

func (s *Service) RootArticle(ctx context.Context) (store.Article, error) {
	return s.articles.Root(ctx)
}

func (s *Service) GetArticle(ctx context.Context, id string) (store.Article, error) {
	return s.articles.Get(ctx, id)
}

func (s *Service) CreateArticle(ctx context.Context, session Session, input CreateArticleInput) (store.Article, error) {
	if err := s.checkTags(ctx, input.TagIDs); err != nil {
		return store.Article{}, err
	}
	a, err := s.articles.Create(ctx, article.CreateInput{
		ParentID: input.ParentID,
		Title:    strings.TrimSpace(input.Title),
		Content:  input.Content,
		TagIDs:   input.TagIDs,
	})
	if err != nil {
		return store.Article{}, err
	}
	s.afterWrite(a, session.Username, "create")
	return a, nil
}

func (s *Service) UpdateArticle(ctx context.Context, session Session, id string, input UpdateArticleInput) (store.Article, error) {
	if input.Title != nil {
		trimmed := strings.TrimSpace(*input.Title)
		if trimmed == "" {
			return store.Article{}, validationError("title must not be blank")
		}
		input.Title = &trimmed
	}
	if input.TagIDs != nil {
		if err := s.checkTags(ctx, *input.TagIDs); err != nil {
			return store.Article{}, err
		}
	}
	a, err := s.articles.Update(ctx, id, article.UpdateInput{
		Title:   input.Title,
		Content: input.Content,
		TagIDs:  input.TagIDs,
	})
	if err != nil {
		return store.Article{}, err
	}
	s.afterWrite(a, session.Username, "update")
	return a, nil
}

func (s *Service) checkTags(ctx context.Context, tagIDs []string) error {
	for _, id := range tagIDs {
		if _, err := s.store.GetTag(ctx, id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return validationError(fmt.Sprintf("unknown tag %q", id))
			}
			return err
		}
	}
	return nil
}

func (s *Service) DeleteArticle(ctx context.Context, id string, force bool) (article.DeleteResult, error) {
	result, err := s.articles.Delete(ctx, id, force)
	if err != nil {
		return article.DeleteResult{}, err
	}
	s.metrics.ArticlesDeleted(len(result.DeletedArticleIDs))
	s.search.Remove(result.DeletedArticleIDs)
	if s.history != nil {
		for _, deleted := range result.DeletedArticleIDs {
			if err := s.history.Remove(deleted); err != nil {
				s.log.Warn("remove history", zap.String("article", deleted), zap.Error(err))
			}
		}
	}
	s.log.Info("deleted articles",
		zap.String("article", id),
		zap.Bool("force", force),
		zap.Int("count", len(result.DeletedArticleIDs)))

	// Only the root reports itself as parent. A notebook always has a root.
	if result.ParentArticleID == id {
		root, created, err := s.articles.EnsureRoot(ctx, s.cfg.RootTitle)
		if err != nil {
			return article.DeleteResult{}, fmt.Errorf("recreate root: %w", err)
		}
		if created {
			s.log.Info("recreated root article", zap.String("id", root.ID))
			s.afterWrite(root, "system", "create root")
		}
	}
	return result, nil
}

func (s *Service) ArticleLinks(ctx context.Context, id string) (article.Links, error) {
	return s.articles.Links(ctx, id)
}

func (s *Service) ArticleTree(ctx context.Context, id string) ([]*article.TreeNode, error) {
	return s.articles.Tree(ctx, id)
}

// MoveArticle re-parents id. Every moved article gets a new parent chain, so
// the whole subtree is re-indexed.
func (s *Service) MoveArticle(ctx context.Context, session Session, id, parentID string) (store.Article, error) {
	moved, err := s.articles.Move(ctx, id, parentID)
	if err != nil {
		return store.Article{}, err
	}
	s.afterWrite(moved, session.Username, "move")
	_, descendants, err := s.articles.Subtree(ctx, id)
	if err != nil {
		s.log.Warn("reindex moved subtree", zap.String("article", id), zap.Error(err))
		return moved, nil
	}
	for _, d := range descendants {
		s.search.Index(d)
	}
	return moved, nil
}

func (s *Service) SetFavorite(ctx context.Context, session Session, id string, favorite bool) (store.Article, error) {
	a, err := s.articles.SetFavorite(ctx, id, favorite)
	if err != nil {
		return store.Article{}, err
	}
	s.search.Index(a)
	return a, nil
}

func (s *Service) Favorites(ctx context.Context) ([]store.Article, error) {
	return s.articles.Favorites(ctx)
}

func (s *Service) Related(ctx context.Context, id string) ([]store.Article, error) {
	return s.articles.Related(ctx, id)
}

func (s *Service) SetRelated(ctx context.Context, session Session, fromID, toID string, link bool) (store.Article, error) {
	a, err := s.articles.SetRelated(ctx, fromID, toID, link)
	if err != nil {
		return store.Article{}, err
	}
	message := "link " + toID
	if !link {
		message = "unlink " + toID
	}
	s.afterWrite(a, session.Username, message)
	return a, nil
}

func (s *Service) ArticleHistory(ctx context.Context, id string) ([]store.CommitInfo, error) {
	if _, err := s.articles.Get(ctx, id); err != nil {
		return nil, err
	}
	if s.history == nil {
		return []store.CommitInfo{}, nil
	}
	return s.history.History(id, historyPageSize)
}

type ArticleVersion struct {
	Commit  store.CommitInfo `json:"commit"`
	Article history.Snapshot `json:"article"`
	Changes []history.Change `json:"changes"`
}

// ArticleVersion returns a past revision together with the fields that
// differ from the current article.
func (s *Service) ArticleVersion(ctx context.Context, id, hash string) (ArticleVersion, error) {
	current, err := s.articles.Get(ctx, id)
	if err != nil {
		return ArticleVersion{}, err
	}
	if s.history == nil {
		return ArticleVersion{}, history.ErrNotFound
	}
	snap, commit, err := s.history.Version(id, hash)
	if err != nil {
		return ArticleVersion{}, err
	}
	return ArticleVersion{
		Commit:  commit,
		Article: snap,
		Changes: history.DiffFields(snap, history.SnapshotOf(current)),
	}, nil
}

type ExportInput struct {
	Format      string `json:"format" validate:"omitempty,oneof=markdown html"`
	Descendants bool   `json:"descendants"`
}

func (s *Service) ExportArticle(ctx context.Context, id string, input ExportInput) (*export.Result, error) {
	format, err := export.ParseFormat(input.Format)
	if err != nil {
		return nil, err
	}
	if _, err := s.articles.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.exporter.Export(ctx, export.Request{
		ArticleID:   id,
		Format:      format,
		Descendants: input.Descendants,
	})
}

func (s *Service) Search(ctx context.Context, text string, limit int) search.Response {
	resp := s.search.Search(ctx, search.Query{Text: text, Limit: limit})
	s.metrics.Search(resp.Engine)
	return resp
}

// Reindex pushes every article to the search engine.
func (s *Service) Reindex(ctx context.Context) (int, error) {
	articles, err := s.store.ListAllArticles(ctx)
	if err != nil {
		return 0, fmt.Errorf("list articles: %w", err)
	}
	return s.search.Reindex(ctx, articles)
}
