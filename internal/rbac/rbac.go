// Package rbac maps a handle's standing in a repository to what it may do.
package rbac

import "gitvox/api/internal/store"

type Role string
type Action string

const (
	RoleNone    Role = "none"
	RolePending Role = "pending"
	RoleMember  Role = "member"
	RoleOwner   Role = "owner"
)

const (
	ActionView   Action = "view"
	ActionAccept Action = "accept"
	ActionChat   Action = "chat"
	ActionReport Action = "report"
	ActionTriage Action = "triage"
	ActionInvite Action = "invite"
	ActionRevoke Action = "revoke"
)

// Can reports whether role permits action. Accept belongs to pending
// invitees only; an owner has nothing to accept.
func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return action != ActionAccept
	case RoleMember:
		return action == ActionView || action == ActionChat || action == ActionReport || action == ActionTriage
	case RolePending:
		return action == ActionView || action == ActionAccept
	default:
		return false
	}
}

// RoleOf derives handle's role in repo from the membership sets.
func RoleOf(repo store.Repository, handle string) Role {
	if handle == "" {
		return RoleNone
	}
	if handle == repo.OwnerHandle {
		return RoleOwner
	}
	switch repo.State(handle) {
	case store.MemberAccepted:
		return RoleMember
	case store.MemberPending:
		return RolePending
	default:
		return RoleNone
	}
}

var allActions = []Action{ActionView, ActionAccept, ActionChat, ActionReport, ActionTriage, ActionInvite, ActionRevoke}

// Allowed lists the actions role may take, in a fixed order.
func Allowed(role Role) []Action {
	out := []Action{}
	for _, action := range allActions {
		if Can(role, action) {
			out = append(out, action)
		}
	}
	return out
}
