package rbac

import (
	"slices"
	"testing"

	"gitvox/api/internal/store"
)

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "none view", role: RoleNone, action: ActionView, allow: false},
		{name: "pending view", role: RolePending, action: ActionView, allow: true},
		{name: "pending accept", role: RolePending, action: ActionAccept, allow: true},
		{name: "pending chat", role: RolePending, action: ActionChat, allow: false},
		{name: "member chat", role: RoleMember, action: ActionChat, allow: true},
		{name: "member triage", role: RoleMember, action: ActionTriage, allow: true},
		{name: "member invite", role: RoleMember, action: ActionInvite, allow: false},
		{name: "member accept", role: RoleMember, action: ActionAccept, allow: false},
		{name: "owner revoke", role: RoleOwner, action: ActionRevoke, allow: true},
		{name: "owner chat", role: RoleOwner, action: ActionChat, allow: true},
		{name: "owner accept", role: RoleOwner, action: ActionAccept, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestRoleOf(t *testing.T) {
	repo := store.Repository{
		OwnerHandle:     "alice",
		AcceptedMembers: []string{"alice", "carol"},
		PendingMembers:  []string{"bob"},
	}
	cases := map[string]Role{
		"alice": RoleOwner,
		"carol": RoleMember,
		"bob":   RolePending,
		"dave":  RoleNone,
		"":      RoleNone,
	}
	for handle, want := range cases {
		if got := RoleOf(repo, handle); got != want {
			t.Fatalf("RoleOf(%q) = %q, want %q", handle, got, want)
		}
	}
}

func TestAllowed(t *testing.T) {
	if got := Allowed(RoleNone); len(got) != 0 {
		t.Fatalf("Allowed(none) = %v, want nothing", got)
	}
	got := Allowed(RolePending)
	if len(got) != 2 || got[0] != ActionView || got[1] != ActionAccept {
		t.Fatalf("Allowed(pending) = %v", got)
	}
	got = Allowed(RoleOwner)
	if len(got) != len(allActions)-1 || slices.Contains(got, ActionAccept) {
		t.Fatalf("Allowed(owner) = %v, want every action but accept", got)
	}
}
