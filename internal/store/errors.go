package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"gitvox/api/internal/apperr"
)

// ErrDuplicate is returned when a unique key already exists.
var ErrDuplicate = errors.New("duplicate key")

// wrap adds the operation name and maps driver failures onto the shared
// failure kinds.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, apperr.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w", op, ErrDuplicate)
	}
	if transient(err) {
		return fmt.Errorf("%s: %w: %w", op, apperr.ErrTransient, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func transient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"): // connection exception
			return true
		case pgErr.Code == "40001", pgErr.Code == "40P01": // serialization, deadlock
			return true
		case pgErr.Code == "53300": // too many connections
			return true
		case pgErr.Code == "57P01", pgErr.Code == "57P02", pgErr.Code == "57P03":
			return true
		}
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// checkInvariants rejects membership states that break the ledger rules.
func checkInvariants(repo Repository) error {
	if repo.OwnerHandle != "" && repo.State(repo.OwnerHandle) != MemberAccepted {
		return fmt.Errorf("owner %q must stay accepted: %w", repo.OwnerHandle, apperr.ErrInvalid)
	}
	seen := make(map[string]struct{}, len(repo.AcceptedMembers))
	for _, handle := range repo.AcceptedMembers {
		seen[handle] = struct{}{}
	}
	for _, handle := range repo.PendingMembers {
		if _, dup := seen[handle]; dup {
			return fmt.Errorf("handle %q is both accepted and pending: %w", handle, apperr.ErrInvalid)
		}
	}
	return nil
}
