// Package membership owns the per-repository access ledger: who is accepted,
// who is invited and pending, and the transitions between those states.
package membership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"gitvox/api/internal/apperr"
	"gitvox/api/internal/rbac"
	"gitvox/api/internal/store"
	"gitvox/api/internal/util"
)

// RequestAccess is the self-service Absent -> Accepted transition. It reports
// whether repo changed; a pending handle stays pending.
func RequestAccess(repo *store.Repository, handle string) bool {
	if repo.State(handle) != store.MemberAbsent {
		return false
	}
	repo.AcceptedMembers = append(repo.AcceptedMembers, handle)
	return true
}

// Allows reports whether handle's role in repo permits action.
func Allows(repo store.Repository, handle string, action rbac.Action) bool {
	return rbac.Can(rbac.RoleOf(repo, handle), action)
}

func Invite(repo *store.Repository, caller, target string) error {
	if !Allows(*repo, caller, rbac.ActionInvite) {
		return fmt.Errorf("invite to %s: %w", repo.ID, apperr.ErrPermissionDenied)
	}
	if repo.State(target) != store.MemberAbsent {
		return fmt.Errorf("invite %q: %w", target, apperr.ErrAlreadyMember)
	}
	repo.PendingMembers = append(repo.PendingMembers, target)
	return nil
}

func Accept(repo *store.Repository, handle string) error {
	if !Allows(*repo, handle, rbac.ActionAccept) {
		return fmt.Errorf("accept %q: %w", handle, apperr.ErrNoPendingInvite)
	}
	repo.PendingMembers = slices.DeleteFunc(repo.PendingMembers, func(h string) bool { return h == handle })
	repo.AcceptedMembers = append(repo.AcceptedMembers, handle)
	return nil
}

// Revoke removes target from both sets. Revoking an absent handle succeeds.
func Revoke(repo *store.Repository, caller, target string) error {
	if !Allows(*repo, caller, rbac.ActionRevoke) {
		return fmt.Errorf("revoke on %s: %w", repo.ID, apperr.ErrPermissionDenied)
	}
	if target == repo.OwnerHandle {
		return fmt.Errorf("revoke %q: %w", target, apperr.ErrSelfRevocation)
	}
	drop := func(h string) bool { return h == target }
	repo.AcceptedMembers = slices.DeleteFunc(repo.AcceptedMembers, drop)
	repo.PendingMembers = slices.DeleteFunc(repo.PendingMembers, drop)
	return nil
}

func CanView(repo store.Repository, handle string) bool {
	return Allows(repo, handle, rbac.ActionView)
}

// CanJoin gates rooms and messages: accepted members only.
func CanJoin(repo store.Repository, handle string) bool {
	return Allows(repo, handle, rbac.ActionChat)
}

type ledgerStore interface {
	GetRepository(ctx context.Context, id string) (store.Repository, error)
	UpdateMembers(ctx context.Context, repoID string, fn func(*store.Repository) error) (store.Repository, error)
	GetPrincipalByHandle(ctx context.Context, handle string) (store.Principal, error)
	InsertNotification(ctx context.Context, n store.Notification) (store.Notification, error)
}

// Ledger applies the transitions above as single store transactions.
type Ledger struct {
	store  ledgerStore
	logger *slog.Logger
}

func NewLedger(st ledgerStore, logger *slog.Logger) *Ledger {
	return &Ledger{store: st, logger: logger}
}

func normalizeHandle(handle string) (string, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return "", fmt.Errorf("handle is required: %w", apperr.ErrInvalid)
	}
	return handle, nil
}

func (l *Ledger) RequestAccess(ctx context.Context, repoID, handle string) (store.Repository, error) {
	return l.store.UpdateMembers(ctx, repoID, func(repo *store.Repository) error {
		RequestAccess(repo, handle)
		return nil
	})
}

// Invite adds target to the pending set. When target already has a principal
// the returned notification has been persisted for it; callers push it to
// live connections.
func (l *Ledger) Invite(ctx context.Context, repoID string, caller store.Principal, target string) (store.Repository, *store.Notification, error) {
	target, err := normalizeHandle(target)
	if err != nil {
		return store.Repository{}, nil, err
	}
	repo, err := l.store.UpdateMembers(ctx, repoID, func(repo *store.Repository) error {
		return Invite(repo, caller.Handle, target)
	})
	if err != nil {
		return store.Repository{}, nil, err
	}

	invitee, err := l.store.GetPrincipalByHandle(ctx, target)
	if errors.Is(err, apperr.ErrNotFound) {
		return repo, nil, nil
	}
	if err != nil {
		l.logger.Warn("invite notification skipped", "repo", repoID, "target", target, "error", err)
		return repo, nil, nil
	}
	note, err := l.store.InsertNotification(ctx, store.Notification{
		ID:          util.NewID("ntf"),
		RecipientID: invitee.ID,
		Kind:        store.NotificationCollabInvite,
		Message:     fmt.Sprintf("%s invited you to collaborate on %s", caller.Handle, repo.DisplayName),
		Link:        "/repos/" + repo.ID,
	})
	if err != nil {
		l.logger.Warn("invite notification not stored", "repo", repoID, "target", target, "error", err)
		return repo, nil, nil
	}
	return repo, &note, nil
}

func (l *Ledger) Accept(ctx context.Context, repoID, handle string) (store.Repository, error) {
	return l.store.UpdateMembers(ctx, repoID, func(repo *store.Repository) error {
		return Accept(repo, handle)
	})
}

func (l *Ledger) Revoke(ctx context.Context, repoID string, caller store.Principal, target string) (store.Repository, error) {
	target, err := normalizeHandle(target)
	if err != nil {
		return store.Repository{}, err
	}
	return l.store.UpdateMembers(ctx, repoID, func(repo *store.Repository) error {
		return Revoke(repo, caller.Handle, target)
	})
}

// CanView reports false for a missing repository so callers cannot tell
// absence from denial.
func (l *Ledger) CanView(ctx context.Context, repoID, handle string) (bool, error) {
	return l.check(ctx, repoID, handle, CanView)
}

func (l *Ledger) CanJoin(ctx context.Context, repoID, handle string) (bool, error) {
	return l.check(ctx, repoID, handle, CanJoin)
}

// Allows is the stored-repository form of Allows.
func (l *Ledger) Allows(ctx context.Context, repoID, handle string, action rbac.Action) (bool, error) {
	return l.check(ctx, repoID, handle, func(repo store.Repository, handle string) bool {
		return Allows(repo, handle, action)
	})
}

func (l *Ledger) check(ctx context.Context, repoID, handle string, rule func(store.Repository, string) bool) (bool, error) {
	repo, err := l.store.GetRepository(ctx, repoID)
	if errors.Is(err, apperr.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rule(repo, handle), nil
}
