package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	c := New()
	r := chi.NewRouter()
	r.Use(c.Middleware)
	r.Get("/api/articles/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, path := range []string{"/api/articles/a1", "/api/articles/a2"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	got := testutil.ToFloat64(c.requests.WithLabelValues(http.MethodGet, "/api/articles/{id}", "404"))
	assert.Equal(t, 2.0, got, "ids must collapse into the route pattern")
}

func TestDomainCounters(t *testing.T) {
	c := New()
	c.LoginAttempt("failure")
	c.LoginAttempt("failure")
	c.LoginAttempt("success")
	c.ArticlesDeleted(3)
	c.ReplayRejected()
	c.Search("store")
	c.LockoutState("locked", "open", "locked", "dead_locked")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.logins.WithLabelValues("failure")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.articlesDeleted))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.replayRejected))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.searches.WithLabelValues("store")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.lockoutState.WithLabelValues("locked")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.lockoutState.WithLabelValues("open")))
}

func TestHandlerExposesRegistry(t *testing.T) {
	c := New()
	c.LoginAttempt("success")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `marginalia_login_attempts_total{result="success"} 1`)
}
