package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"marginalia/api/internal/article"
	"marginalia/api/internal/auth"
	"marginalia/api/internal/authpw"
	"marginalia/api/internal/config"
	"marginalia/api/internal/email"
	"marginalia/api/internal/export"
	"marginalia/api/internal/history"
	"marginalia/api/internal/metrics"
	"marginalia/api/internal/rbac"
	"marginalia/api/internal/search"
	"marginalia/api/internal/security"
	"marginalia/api/internal/store"
	"marginalia/api/internal/util"
)

// Store is everything the service reads and writes through the primary
// database. Both store.PostgresStore and store.SQLiteStore satisfy it.
type Store interface {
	article.Store
	authpw.UserStore
	SessionStore

	ListAllArticles(ctx context.Context) ([]store.Article, error)
	SearchArticles(ctx context.Context, query string, limit int) ([]store.Article, error)

	ListTags(ctx context.Context) ([]store.Tag, error)
	GetTag(ctx context.Context, id string) (store.Tag, error)
	CreateTag(ctx context.Context, tag store.Tag) error
	UpdateTag(ctx context.Context, tag store.Tag) error
	DeleteTag(ctx context.Context, id string, updateTime int64) error
	ListTagGroups(ctx context.Context) ([]store.TagGroup, error)
	CreateTagGroup(ctx context.Context, group store.TagGroup) error
	UpdateTagGroup(ctx context.Context, group store.TagGroup) error
	DeleteTagGroup(ctx context.Context, id string) error

	ListUsers(ctx context.Context) ([]store.User, error)
	CountUsers(ctx context.Context) (int, error)
	DeleteUser(ctx context.Context, id string) error
	CreateInvite(ctx context.Context, invite store.Invite) error
	ListInvites(ctx context.Context) ([]store.Invite, error)
	DeleteInvite(ctx context.Context, code string) error

	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)

	Ping(ctx context.Context) error
}

// SessionStore keeps refresh tokens. The primary store implements it; Redis
// does when several instances share sessions.
type SessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type Deps struct {
	Store    Store
	Sessions SessionStore
	Gate     *security.Gate
	Search   *search.Service
	History  *history.Service
	Exporter *export.Service
	Mailer   *email.Service
	Metrics  *metrics.Collector
	Logger   *zap.Logger
}

type Service struct {
	cfg       config.Config
	store     Store
	sessions  SessionStore
	gate      *security.Gate
	articles  *article.Service
	passwords *authpw.Service
	search    *search.Service
	history   *history.Service
	exporter  *export.Service
	mailer    *email.Service
	metrics   *metrics.Collector
	log       *zap.Logger
	now       func() time.Time
}

// New wires the service. Store is required; every other dependency falls
// back to an in-process default or is skipped when nil.
func New(cfg config.Config, deps Deps) *Service {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = deps.Store
	}
	gate := deps.Gate
	if gate == nil {
		gate = security.NewGate(security.NewMemoryRecordStore(),
			security.WithThreshold(cfg.LockoutThreshold),
			security.WithLockDuration(cfg.LockoutDuration),
			security.WithAllowPaths(cfg.LockoutAllowPaths...),
		)
	}
	searchSvc := deps.Search
	if searchSvc == nil {
		searchSvc = search.NewService(nil, search.NewStoreSearcher(deps.Store), log)
	}
	exporter := deps.Exporter
	if exporter == nil {
		exporter = export.NewService(deps.Store, nil)
	}
	collector := deps.Metrics
	if collector == nil {
		collector = metrics.New()
	}
	return &Service{
		cfg:       cfg,
		store:     deps.Store,
		sessions:  sessions,
		gate:      gate,
		articles:  article.NewService(deps.Store),
		passwords: authpw.NewService(deps.Store),
		search:    searchSvc,
		history:   deps.History,
		exporter:  exporter,
		mailer:    deps.Mailer,
		metrics:   collector,
		log:       log.Named("app"),
		now:       time.Now,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Gate() *security.Gate {
	return s.gate
}

func (s *Service) Metrics() *metrics.Collector {
	return s.metrics
}

// Bootstrap makes sure the root article and the default tag group exist and,
// on an empty user table, provisions the configured admin account.
func (s *Service) Bootstrap(ctx context.Context) error {
	root, created, err := s.articles.EnsureRoot(ctx, s.cfg.RootTitle)
	if err != nil {
		return fmt.Errorf("ensure root: %w", err)
	}
	if created {
		s.log.Info("created root article", zap.String("id", root.ID))
		s.afterWrite(root, "system", "create root")
	}
	if err := s.ensureDefaultTagGroup(ctx); err != nil {
		return fmt.Errorf("ensure default tag group: %w", err)
	}

	if s.cfg.AdminUsername == "" || s.cfg.AdminPassword == "" {
		return nil
	}
	count, err := s.store.CountUsers(ctx)
	if err != nil {
		return fmt.Errorf("count users: %w", err)
	}
	if count > 0 {
		return nil
	}
	user, err := s.passwords.CreateUser(ctx, s.cfg.AdminUsername, s.cfg.AdminPassword, string(rbac.RoleAdmin))
	if err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	s.log.Info("created admin account", zap.String("username", user.Username))
	return nil
}

// Session is the authenticated caller. Token and RefreshToken are only set
// right after a login, registration or refresh.
type Session struct {
	Token        string    `json:"accessToken,omitempty"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	UserID       string    `json:"userId"`
	Username     string    `json:"username"`
	Role         string    `json:"role"`
	JTI          string    `json:"-"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Login checks the lockout gate before the password. A wrong password counts
// as a failure; a right one clears the failure history.
func (s *Service) Login(ctx context.Context, username, password string) (Session, error) {
	if err := s.gate.Check(ctx, ""); err != nil {
		s.metrics.LoginAttempt("locked")
		return Session{}, err
	}

	user, err := s.passwords.SignIn(ctx, username, password)
	if errors.Is(err, authpw.ErrInvalidCredentials) {
		s.metrics.LoginAttempt("failure")
		state, gateErr := s.gate.RecordFailure(ctx)
		if gateErr != nil {
			return Session{}, fmt.Errorf("record login failure: %w", gateErr)
		}
		s.reportLockout(state)
		if state != security.StateOpen {
			s.log.Warn("sign-in locked", zap.String("state", string(state)))
		}
		return Session{}, err
	}
	if err != nil {
		return Session{}, err
	}

	if err := s.gate.ClearRecord(ctx); err != nil {
		return Session{}, err
	}
	s.metrics.LoginAttempt("success")
	s.reportLockout(security.StateOpen)
	return s.issueSession(ctx, user)
}

func (s *Service) reportLockout(state security.State) {
	s.metrics.LockoutState(string(state),
		string(security.StateOpen), string(security.StateLocked), string(security.StateDeadLocked))
}

func (s *Service) Register(ctx context.Context, inviteCode, username, password string) (Session, error) {
	user, err := s.passwords.Register(ctx, authpw.RegisterRequest{
		InviteCode: inviteCode,
		Username:   username,
		Password:   password,
	})
	if err != nil {
		return Session{}, err
	}
	s.log.Info("registered user", zap.String("username", user.Username), zap.String("role", user.Role))
	return s.issueSession(ctx, user)
}

// Refresh rotates a refresh token. The user row is reloaded so a role change
// or deletion takes effect on the next rotation.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, auth.ErrInvalidToken
	}
	tokenHash := auth.HashToken(refreshToken)
	owner, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, owner.ID)
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.Username,
		Role: user.Role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewToken(32)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Username:     user.Username,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}

	return Session{
		UserID:    user.ID,
		Username:  user.Username,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		if err := s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			s.log.Warn("revoke access token", zap.Error(err))
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			s.log.Warn("revoke refresh token", zap.Error(err))
		}
	}
	return nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) LockoutStatus(ctx context.Context) (security.Status, error) {
	return s.gate.Status(ctx)
}
