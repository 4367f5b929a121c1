package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"marginalia/api/internal/config"
	"marginalia/api/internal/history"
	"marginalia/api/internal/security"
	"marginalia/api/internal/store"
)

const (
	testAdmin    = "admin"
	testPassword = "correct-horse"
)

type testEnv struct {
	t       *testing.T
	store   *store.SQLiteStore
	service *Service
	handler http.Handler
}

// newTestEnv runs the full handler over a temporary SQLite file. guard may
// be nil.
func newTestEnv(t *testing.T, guard *security.ReplayGuard) *testEnv {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	st, err := store.OpenSQLite(ctx, filepath.Join(dir, "marginalia.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.Defaults()
	cfg.JWTSecret = "test-secret"
	cfg.AdminUsername = testAdmin
	cfg.AdminPassword = testPassword
	cfg.RootTitle = "Notebook"

	env := &testEnv{t: t, store: st}
	env.service = New(cfg, Deps{Store: st, History: history.New(filepath.Join(dir, "history"))})
	if err := env.service.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	env.handler = NewHTTPServer(env.service, "*", guard, nil).Handler()
	return env
}

type response struct {
	Status int             `json:"-"`
	Code   string          `json:"code"`
	Msg    string          `json:"msg"`
	Data   json.RawMessage `json:"data"`
}

func (e *testEnv) do(method, path, token string, body any, headers ...string) response {
	e.t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			e.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)

	resp := response{Status: rr.Code}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		e.t.Fatalf("%s %s: parse response: %v body=%s", method, path, err, rr.Body.String())
	}
	return resp
}

func (e *testEnv) raw(method, path string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, httptest.NewRequest(method, path, nil))
	return rr
}

func (e *testEnv) decode(resp response, target any) {
	e.t.Helper()
	if err := json.Unmarshal(resp.Data, target); err != nil {
		e.t.Fatalf("decode data: %v data=%s", err, string(resp.Data))
	}
}

func (e *testEnv) login(username, password string) Session {
	e.t.Helper()
	resp := e.do(http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": username,
		"password": password,
	})
	if resp.Status != http.StatusOK {
		e.t.Fatalf("login %s: status %d code %s", username, resp.Status, resp.Code)
	}
	var session Session
	e.decode(resp, &session)
	return session
}

func (e *testEnv) adminToken() string {
	return e.login(testAdmin, testPassword).Token
}

func (e *testEnv) root(token string) store.Article {
	e.t.Helper()
	resp := e.do(http.MethodGet, "/api/articles/root", token, nil)
	if resp.Status != http.StatusOK {
		e.t.Fatalf("get root: status %d", resp.Status)
	}
	var a store.Article
	e.decode(resp, &a)
	return a
}

func (e *testEnv) createArticle(token, parentID, title string) store.Article {
	e.t.Helper()
	resp := e.do(http.MethodPost, "/api/articles", token, map[string]any{
		"parentId": parentID,
		"title":    title,
		"content":  "body of " + title,
	})
	if resp.Status != http.StatusCreated {
		e.t.Fatalf("create %q: status %d code %s msg %s", title, resp.Status, resp.Code, resp.Msg)
	}
	var a store.Article
	e.decode(resp, &a)
	return a
}
