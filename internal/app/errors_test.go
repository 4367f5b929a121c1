package app

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"marginalia/api/internal/article"
	"marginalia/api/internal/security"
	"marginalia/api/internal/store"
)

func TestMapErrorKinds(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{article.ErrNotFound, http.StatusNotFound, CodeNotFound},
		{fmt.Errorf("load: %w", store.ErrNotFound), http.StatusNotFound, CodeNotFound},
		{article.ErrHasChildren, http.StatusConflict, CodeHasChildren},
		{article.ErrInvalidParent, http.StatusBadRequest, CodeInvalidParent},
		{fmt.Errorf("gate: %w", security.ErrLocked), http.StatusLocked, CodeLocked},
		{security.ErrDeadLocked, http.StatusLocked, CodeDeadLocked},
		{fmt.Errorf("%w: nonce reused", security.ErrReplayDetected), http.StatusConflict, CodeReplayDetected},
		{validationError("bad"), http.StatusUnprocessableEntity, CodeValidation},
		{errors.New("boom"), http.StatusInternalServerError, CodeServerError},
	}
	for _, tc := range cases {
		status, code, _, _ := mapError(tc.err)
		if status != tc.status || code != tc.code {
			t.Errorf("mapError(%v) = %d %s, want %d %s", tc.err, status, code, tc.status, tc.code)
		}
	}
}
