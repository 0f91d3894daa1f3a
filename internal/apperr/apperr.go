// Package apperr defines the failure kinds shared by the ledger, the stores
// and the transports. Callers match them with errors.Is; producers wrap them
// with fmt.Errorf("...: %w", apperr.ErrX) to add context.
package apperr

import "errors"

var (
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotFound         = errors.New("not found")
	ErrInvalid          = errors.New("invalid input")

	// Ledger state machine violations.
	ErrAlreadyMember   = errors.New("already a member or invited")
	ErrNoPendingInvite = errors.New("no pending invite")
	ErrSelfRevocation  = errors.New("owner cannot revoke themselves")

	// ErrTransient marks store failures the caller may retry.
	ErrTransient = errors.New("transient store failure")
)

// Retryable reports whether err is a transient store failure.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Authorization reports whether err is one of the kinds the streaming
// transport must never reveal to a client.
func Authorization(err error) bool {
	return errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrUnauthenticated)
}
