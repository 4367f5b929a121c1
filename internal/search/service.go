package search

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"marginalia/api/internal/store"
)

const (
	EngineMeili = "meilisearch"
	EngineStore = "store"
)

// Service is the facade that tries the engine first and falls back to the
// store. Engine queries run through a circuit breaker so a flapping engine
// stops costing a round trip per request.
type Service struct {
	engine   Engine
	fallback Searcher
	breaker  *gobreaker.CircuitBreaker
	log      *zap.Logger
	pending  sync.WaitGroup
}

// NewService creates a search service. engine may be nil.
func NewService(engine Engine, fallback Searcher, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("search")
	return &Service{
		engine:   engine,
		fallback: fallback,
		log:      log,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "meilisearch",
			MaxRequests: 1,
			Interval:    30 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Info("circuit breaker state changed",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		}),
	}
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	q.Limit = normalizeLimit(q.Limit)
	if s.engine != nil && s.engine.Healthy() {
		out, err := s.breaker.Execute(func() (interface{}, error) {
			results, total, err := s.engine.Search(ctx, q)
			if err != nil {
				return nil, err
			}
			return Response{Results: results, Total: total}, nil
		})
		if err == nil {
			resp := out.(Response)
			resp.Results = nonNil(resp.Results)
			resp.Query = q.Text
			resp.Engine = EngineMeili
			return resp
		}
		if !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
			s.log.Warn("engine error, falling back to store", zap.Error(err))
		}
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.Warn("store search failed", zap.Error(err))
		return Response{Results: []Result{}, Query: q.Text, Engine: EngineStore}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: EngineStore}
}

// Index pushes an article to the engine (fire-and-forget).
func (s *Service) Index(article store.Article) {
	if s.engine == nil || !s.engine.Healthy() {
		return
	}
	record := RecordFromArticle(article)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := s.engine.IndexArticles([]ArticleRecord{record}); err != nil {
			s.log.Warn("index article", zap.String("article", record.ID), zap.Error(err))
		}
	}()
}

// Remove deletes articles from the engine (fire-and-forget).
func (s *Service) Remove(ids []string) {
	if s.engine == nil || !s.engine.Healthy() || len(ids) == 0 {
		return
	}
	ids = append([]string(nil), ids...)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := s.engine.DeleteArticles(ids); err != nil {
			s.log.Warn("remove articles", zap.Strings("articles", ids), zap.Error(err))
		}
	}()
}

// Reindex pushes every article to the engine synchronously. It returns the
// number of articles sent.
func (s *Service) Reindex(ctx context.Context, articles []store.Article) (int, error) {
	if s.engine == nil {
		return 0, errors.New("search engine not configured")
	}
	if !s.engine.Healthy() {
		return 0, errors.New("search engine unavailable")
	}
	records := make([]ArticleRecord, 0, len(articles))
	for _, a := range articles {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		records = append(records, RecordFromArticle(a))
	}
	if err := s.engine.IndexArticles(records); err != nil {
		return 0, err
	}
	return len(records), nil
}

// Wait blocks until queued index updates have finished.
func (s *Service) Wait() {
	s.pending.Wait()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
