package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"marginalia/api/internal/rbac"
	"marginalia/api/internal/security"
)

type sessionKey struct{}

func sessionFrom(ctx context.Context) (Session, bool) {
	session, ok := ctx.Value(sessionKey{}).(Session)
	return session, ok
}

func requestLogger(log *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			log.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("requestId", middleware.GetReqID(r.Context())),
				zap.String("remoteAddr", r.RemoteAddr),
			)
		})
	}
}

// lockout refuses every request outside the gate's allow list while sign-in
// is locked.
func (s *HTTPServer) lockout(next http.Handler) http.Handler {
	gate := s.service.Gate()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if err := gate.Check(r.Context(), r.URL.Path); err != nil {
			s.fail(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// replay enforces timestamp and nonce headers on mutating requests.
func (s *HTTPServer) replay(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.replayGuard == nil || !mutating(r.Method) {
			next.ServeHTTP(w, r)
			return
		}
		if err := s.replayGuard.VerifyRequest(r); err != nil {
			if errors.Is(err, security.ErrReplayDetected) {
				s.service.Metrics().ReplayRejected()
			}
			s.fail(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, session)))
	})
}

// authorize picks read or write permission from the request method.
func (s *HTTPServer) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		action := rbac.ActionRead
		if mutating(r.Method) {
			action = rbac.ActionWrite
		}
		s.requireAction(action, next).ServeHTTP(w, r)
	})
}

func (s *HTTPServer) adminOnly(next http.Handler) http.Handler {
	return s.requireAction(rbac.ActionAdmin, next)
}

func (s *HTTPServer) requireAction(action rbac.Action, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, _ := sessionFrom(r.Context())
		if !s.service.Can(session.Role, action) {
			s.forbid(w, r, session, action)
			return
		}
		next.ServeHTTP(w, r)
	})
}
