package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"gitvox/api/internal/apperr"
	"gitvox/api/internal/room"
	"gitvox/api/internal/store"
)

// ErrLoginDisabled rejects handle-only sign-in unless dev_login is set. It
// still matches apperr.ErrPermissionDenied.
var ErrLoginDisabled = fmt.Errorf("handle login is disabled: %w", apperr.ErrPermissionDenied)

// mapError turns a service failure into the HTTP status and error code the
// REST surface reports. Validation failures keep their own message.
func mapError(err error) (status int, code, message string) {
	switch {
	case errors.Is(err, ErrLoginDisabled):
		return http.StatusForbidden, "LOGIN_DISABLED", "Handle login is disabled on this server"
	case errors.Is(err, apperr.ErrUnauthenticated):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized"
	case errors.Is(err, apperr.ErrPermissionDenied):
		return http.StatusForbidden, "FORBIDDEN", "Forbidden"
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found"
	case errors.Is(err, apperr.ErrAlreadyMember):
		return http.StatusConflict, "ALREADY_MEMBER", "Already a member or invited"
	case errors.Is(err, apperr.ErrNoPendingInvite):
		return http.StatusConflict, "NO_PENDING_INVITE", "No pending invite"
	case errors.Is(err, apperr.ErrSelfRevocation):
		return http.StatusConflict, "SELF_REVOCATION", "The owner cannot revoke themselves"
	case errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict, "CONFLICT", "Already exists"
	case apperr.Retryable(err):
		return http.StatusServiceUnavailable, "UNAVAILABLE", "Temporarily unavailable, retry"
	case errors.Is(err, apperr.ErrInvalid):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error()
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error"
}

// streamError is mapError for websocket error frames. Authorization kinds
// never reach it; the registry swallows them.
func streamError(err error) (code, message string) {
	switch {
	case errors.Is(err, room.ErrRateLimited):
		return "RATE_LIMITED", "Too many messages, slow down"
	case errors.Is(err, apperr.ErrInvalid):
		return "VALIDATION_ERROR", err.Error()
	case apperr.Retryable(err), errors.Is(err, room.ErrClosed):
		return "UNAVAILABLE", "Temporarily unavailable, retry"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "UNAVAILABLE", "Request cancelled"
	}
	return "SERVER_ERROR", "Server error"
}
