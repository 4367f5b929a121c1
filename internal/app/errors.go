package app

import (
	"errors"
	"fmt"
	"net/http"

	"marginalia/api/internal/article"
	"marginalia/api/internal/auth"
	"marginalia/api/internal/authpw"
	"marginalia/api/internal/export"
	"marginalia/api/internal/history"
	"marginalia/api/internal/security"
	"marginalia/api/internal/store"
)

// Error kinds carried in the envelope's code field.
const (
	CodeOK                 = "OK"
	CodeNotFound           = "NOT_FOUND"
	CodeHasChildren        = "HAS_CHILDREN"
	CodeInvalidParent      = "INVALID_PARENT"
	CodeLocked             = "LOCKED"
	CodeDeadLocked         = "DEAD_LOCKED"
	CodeReplayDetected     = "REPLAY_DETECTED"
	CodeValidation         = "VALIDATION_ERROR"
	CodeInvalidBody        = "INVALID_BODY"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeConflict           = "CONFLICT"
	CodeServerError        = "SERVER_ERROR"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, CodeValidation, message, nil)
}

// mapError is the only place errors become HTTP statuses and kinds.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	switch {
	case errors.As(err, &domainErr):
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	case errors.Is(err, article.ErrNotFound), errors.Is(err, store.ErrNotFound), errors.Is(err, history.ErrNotFound):
		return http.StatusNotFound, CodeNotFound, "Not found", nil
	case errors.Is(err, article.ErrHasChildren):
		return http.StatusConflict, CodeHasChildren, "Article has children; delete with force to remove them too", nil
	case errors.Is(err, article.ErrInvalidParent):
		return http.StatusBadRequest, CodeInvalidParent, "Invalid parent article", nil
	case errors.Is(err, article.ErrSelfRelation):
		return http.StatusUnprocessableEntity, CodeValidation, "An article cannot be related to itself", nil
	case errors.Is(err, security.ErrLocked):
		return http.StatusLocked, CodeLocked, "Sign-in is locked after repeated failures", nil
	case errors.Is(err, security.ErrDeadLocked):
		return http.StatusLocked, CodeDeadLocked, "Sign-in is locked until an administrator unlocks it", nil
	case errors.Is(err, security.ErrReplayDetected):
		return http.StatusConflict, CodeReplayDetected, "Request rejected as a replay", nil
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return http.StatusUnauthorized, CodeInvalidCredentials, "Invalid username or password", nil
	case errors.Is(err, authpw.ErrInvalidInvite):
		return http.StatusUnprocessableEntity, CodeValidation, "Invite code is invalid, used or expired", nil
	case errors.Is(err, authpw.ErrWeakPassword):
		return http.StatusUnprocessableEntity, CodeValidation, "Password must be at least 8 characters", nil
	case errors.Is(err, authpw.ErrUsernameTaken):
		return http.StatusConflict, CodeConflict, "Username already taken", nil
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, CodeConflict, "Already exists", nil
	case errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusUnprocessableEntity, CodeValidation, "Unsupported export format", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", nil
	}
	return http.StatusInternalServerError, CodeServerError, "Server error", nil
}
