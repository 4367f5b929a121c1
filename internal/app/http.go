package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"marginalia/api/internal/article"
	"marginalia/api/internal/rbac"
	"marginalia/api/internal/security"
)

type HTTPServer struct {
	service     *Service
	corsOrigin  string
	replayGuard *security.ReplayGuard
	log         *zap.Logger
}

// NewHTTPServer builds the API handler. replayGuard may be nil to accept
// requests without timestamp and nonce headers.
func NewHTTPServer(service *Service, corsOrigin string, replayGuard *security.ReplayGuard, log *zap.Logger) *HTTPServer {
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPServer{
		service:     service,
		corsOrigin:  corsOrigin,
		replayGuard: replayGuard,
		log:         log.Named("http"),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.log))
	r.Use(s.service.Metrics().Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: strings.Split(s.corsOrigin, ","),
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Authorization", "Content-Type", "X-Request-ID",
			security.HeaderTimestamp, security.HeaderNonce,
		},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))
	r.Use(s.lockout)
	r.Use(s.replay)

	r.Method(http.MethodGet, "/metrics", s.service.Metrics().Handler())
	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)

	r.Post("/api/auth/login", s.handleLogin)
	r.Post("/api/auth/register", s.handleRegister)
	r.Post("/api/auth/refresh", s.handleRefresh)
	r.Get("/api/session", s.handleSession)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/api/auth/logout", s.handleLogout)
		r.Put("/api/users/me/password", s.handleChangePassword)

		r.Group(func(r chi.Router) {
			r.Use(s.authorize)

			r.Get("/api/articles/root", s.handleRootArticle)
			r.Post("/api/articles", s.handleCreateArticle)
			r.Route("/api/articles/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetArticle)
				r.Patch("/", s.handleUpdateArticle)
				r.Delete("/", s.handleDeleteArticle)
				r.Get("/links", s.handleArticleLinks)
				r.Get("/tree", s.handleArticleTree)
				r.Put("/parent", s.handleMoveArticle)
				r.Put("/favorite", s.handleFavorite)
				r.Get("/related", s.handleListRelated)
				r.Post("/related", s.handleSetRelated)
				r.Get("/history", s.handleHistory)
				r.Get("/history/{hash}", s.handleHistoryVersion)
				r.Post("/export", s.handleExport)
			})
			r.Get("/api/favorites", s.handleFavorites)
			r.Get("/api/search", s.handleSearch)

			r.Get("/api/tags", s.handleListTags)
			r.Post("/api/tags", s.handleCreateTag)
			r.Patch("/api/tags/{id}", s.handleUpdateTag)
			r.Delete("/api/tags/{id}", s.handleDeleteTag)
			r.Get("/api/tag-groups", s.handleListTagGroups)
			r.Post("/api/tag-groups", s.handleCreateTagGroup)
			r.Patch("/api/tag-groups/{id}", s.handleRenameTagGroup)
			r.Delete("/api/tag-groups/{id}", s.handleDeleteTagGroup)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.adminOnly)
			r.Get("/api/security/lockout", s.handleLockoutStatus)
			r.Get("/api/invites", s.handleListInvites)
			r.Post("/api/invites", s.handleCreateInvite)
			r.Delete("/api/invites/{code}", s.handleDeleteInvite)
			r.Get("/api/users", s.handleListUsers)
			r.Delete("/api/users/{id}", s.handleDeleteUser)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, CodeNotFound, "Method not allowed", nil)
	})
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeOK(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	writeOK(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

type loginBody struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body loginBody
	if !s.bind(w, r, &body) {
		return
	}
	session, err := s.service.Login(r.Context(), body.Username, body.Password)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, session)
}

type registerBody struct {
	InviteCode string `json:"inviteCode" validate:"required"`
	Username   string `json:"username" validate:"required,min=3,max=40"`
	Password   string `json:"password" validate:"required,min=8"`
}

func (s *HTTPServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body registerBody
	if !s.bind(w, r, &body) {
		return
	}
	session, err := s.service.Register(r.Context(), body.InviteCode, body.Username, body.Password)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusCreated, session)
}

type refreshBody struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

func (s *HTTPServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body refreshBody
	if !s.bind(w, r, &body) {
		return
	}
	session, err := s.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, session)
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidBody, err.Error(), nil)
		return
	}
	session, _ := sessionFrom(r.Context())
	if err := s.service.Logout(r.Context(), session, body.RefreshToken); err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeOK(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeOK(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	writeOK(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"userId":        session.UserID,
		"username":      session.Username,
		"role":          session.Role,
	})
}

func (s *HTTPServer) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var body PasswordInput
	if !s.bind(w, r, &body) {
		return
	}
	session, _ := sessionFrom(r.Context())
	if err := s.service.ChangePassword(r.Context(), session, body); err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleRootArticle(w http.ResponseWriter, r *http.Request) {
	root, err := s.service.RootArticle(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, root)
}

func (s *HTTPServer) handleCreateArticle(w http.ResponseWriter, r *http.Request) {
	var body CreateArticleInput
	if !s.bind(w, r, &body) {
		return
	}
	session, _ := sessionFrom(r.Context())
	created, err := s.service.CreateArticle(r.Context(), session, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleGetArticle(w http.ResponseWriter, r *http.Request) {
	a, err := s.service.GetArticle(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, a)
}

func (s *HTTPServer) handleUpdateArticle(w http.ResponseWriter, r *http.Request) {
	var body UpdateArticleInput
	if !s.bind(w, r, &body) {
		return
	}
	session, _ := sessionFrom(r.Context())
	updated, err := s.service.UpdateArticle(r.Context(), session, chi.URLParam(r, "id"), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleDeleteArticle(w http.ResponseWriter, r *http.Request) {
	force := false
	if raw := r.URL.Query().Get("force"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			s.fail(w, r, validationError("force must be true or false"))
			return
		}
		force = parsed
	}
	result, err := s.service.DeleteArticle(r.Context(), chi.URLParam(r, "id"), force)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, result)
}

func (s *HTTPServer) handleArticleLinks(w http.ResponseWriter, r *http.Request) {
	links, err := s.service.ArticleLinks(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, newLinksView(links))
}

// linksView leaves the parent fields null for the root.
type linksView struct {
	ParentArticleID    *string        `json:"parentArticleId"`
	ParentArticleTitle *string        `json:"parentArticleTitle"`
	ChildrenArticles   []article.Link `json:"childrenArticles"`
}

func newLinksView(links article.Links) linksView {
	view := linksView{ChildrenArticles: links.Children}
	if links.HasParent {
		view.ParentArticleID = &links.ParentID
		view.ParentArticleTitle = &links.ParentTitle
	}
	return view
}

func (s *HTTPServer) handleArticleTree(w http.ResponseWriter, r *http.Request) {
	tree, err := s.service.ArticleTree(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, tree)
}

type moveBody struct {
	ParentID string `json:"parentId" validate:"required"`
}

func (s *HTTPServer) handleMoveArticle(w http.ResponseWriter, r *http.Request) {
	var body moveBody
	if !s.bind(w, r, &body) {
		return
	}
	session, _ := sessionFrom(r.Context())
	moved, err := s.service.MoveArticle(r.Context(), session, chi.URLParam(r, "id"), body.ParentID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, moved)
}

type favoriteBody struct {
	Favorite bool `json:"favorite"`
}

func (s *HTTPServer) handleFavorite(w http.ResponseWriter, r *http.Request) {
	var body favoriteBody
	if !s.bind(w, r, &body) {
		return
	}
	session, _ := sessionFrom(r.Context())
	updated, err := s.service.SetFavorite(r.Context(), session, chi.URLParam(r, "id"), body.Favorite)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleFavorites(w http.ResponseWriter, r *http.Request) {
	favorites, err := s.service.Favorites(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, favorites)
}

func (s *HTTPServer) handleListRelated(w http.ResponseWriter, r *http.Request) {
	related, err := s.service.Related(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, related)
}

type relatedBody struct {
	ArticleID string `json:"articleId" validate:"required"`
	Link      bool   `json:"link"`
}

func (s *HTTPServer) handleSetRelated(w http.ResponseWriter, r *http.Request) {
	var body relatedBody
	if !s.bind(w, r, &body) {
		return
	}
	session, _ := sessionFrom(r.Context())
	updated, err := s.service.SetRelated(r.Context(), session, chi.URLParam(r, "id"), body.ArticleID, body.Link)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	commits, err := s.service.ArticleHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, commits)
}

func (s *HTTPServer) handleHistoryVersion(w http.ResponseWriter, r *http.Request) {
	version, err := s.service.ArticleVersion(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "hash"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, version)
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	var body ExportInput
	if !s.bind(w, r, &body) {
		return
	}
	result, err := s.service.ExportArticle(r.Context(), chi.URLParam(r, "id"), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	payload := map[string]any{
		"filename":  result.Filename,
		"mimeType":  result.MimeType,
		"articles":  result.Articles,
		"createdAt": result.CreatedAt,
	}
	if result.URL != "" {
		payload["key"] = result.Key
		payload["url"] = result.URL
	} else {
		payload["content"] = string(result.Data)
	}
	writeOK(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := 0
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.fail(w, r, validationError("limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}
	writeOK(w, http.StatusOK, s.service.Search(r.Context(), query.Get("q"), limit))
}

func (s *HTTPServer) handleListTags(w http.ResponseWriter, r *http.Request) {
	tags, err := s.service.ListTags(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, tags)
}

func (s *HTTPServer) handleCreateTag(w http.ResponseWriter, r *http.Request) {
	var body TagInput
	if !s.bind(w, r, &body) {
		return
	}
	tag, err := s.service.CreateTag(r.Context(), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusCreated, tag)
}

func (s *HTTPServer) handleUpdateTag(w http.ResponseWriter, r *http.Request) {
	var body TagPatch
	if !s.bind(w, r, &body) {
		return
	}
	tag, err := s.service.UpdateTag(r.Context(), chi.URLParam(r, "id"), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, tag)
}

func (s *HTTPServer) handleDeleteTag(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteTag(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleListTagGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.service.ListTagGroups(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, groups)
}

func (s *HTTPServer) handleCreateTagGroup(w http.ResponseWriter, r *http.Request) {
	var body TagGroupInput
	if !s.bind(w, r, &body) {
		return
	}
	group, err := s.service.CreateTagGroup(r.Context(), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusCreated, group)
}

func (s *HTTPServer) handleRenameTagGroup(w http.ResponseWriter, r *http.Request) {
	var body TagGroupInput
	if !s.bind(w, r, &body) {
		return
	}
	group, err := s.service.RenameTagGroup(r.Context(), chi.URLParam(r, "id"), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, group)
}

func (s *HTTPServer) handleDeleteTagGroup(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteTagGroup(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleLockoutStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.service.LockoutStatus(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, status)
}

func (s *HTTPServer) handleListInvites(w http.ResponseWriter, r *http.Request) {
	invites, err := s.service.ListInvites(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, invites)
}

func (s *HTTPServer) handleCreateInvite(w http.ResponseWriter, r *http.Request) {
	var body InviteInput
	if !s.bind(w, r, &body) {
		return
	}
	session, _ := sessionFrom(r.Context())
	invite, err := s.service.CreateInvite(r.Context(), session, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusCreated, invite)
}

func (s *HTTPServer) handleDeleteInvite(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteInvite(r.Context(), chi.URLParam(r, "code")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.service.ListUsers(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, users)
}

func (s *HTTPServer) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	session, _ := sessionFrom(r.Context())
	if err := s.service.DeleteUser(r.Context(), session, chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"ok": true})
}

// forbid writes a 403 Forbidden response and logs the denial
func (s *HTTPServer) forbid(w http.ResponseWriter, r *http.Request, session Session, action rbac.Action) {
	s.log.Info("forbidden",
		zap.String("user", session.UserID),
		zap.String("role", session.Role),
		zap.String("action", string(action)),
		zap.String("path", r.URL.Path))
	writeError(w, http.StatusForbidden, CodeForbidden, "Forbidden", nil)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		s.fail(w, r, err)
		return Session{}, false
	}
	return session, true
}

// bind decodes and validates a JSON body, writing the error response itself
// when it returns false.
func (s *HTTPServer) bind(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidBody, err.Error(), nil)
		return false
	}
	if err := validateInput(target); err != nil {
		s.fail(w, r, err)
		return false
	}
	return true
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("requestId", middleware.GetReqID(r.Context())),
			zap.Error(err))
	}
	writeError(w, status, code, message, details)
}

type envelope struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeOK(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Code: CodeOK, Data: data})
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, envelope{Code: code, Msg: message, Data: details})
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
