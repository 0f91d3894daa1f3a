package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitvox/api/internal/apperr"
)

// exerciseStore runs the behaviour both implementations must share.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	alice, err := s.EnsurePrincipal(ctx, Principal{ID: "pr_alice", Handle: "alice", DisplayName: "Alice", Credential: "tok"})
	require.NoError(t, err)
	assert.Equal(t, "member", alice.Role)

	again, err := s.EnsurePrincipal(ctx, Principal{ID: "pr_other", Handle: "alice", Credential: "stolen"})
	require.NoError(t, err)
	assert.Equal(t, "pr_alice", again.ID, "second sign-in keeps the principal id")
	assert.Equal(t, "Alice", again.DisplayName)
	assert.Equal(t, "tok", again.Credential, "a later sign-in never replaces the credential")

	bob, err := s.EnsurePrincipal(ctx, Principal{ID: "pr_bob", Handle: "bob"})
	require.NoError(t, err)

	repo, err := s.CreateRepository(ctx, Repository{
		ID:                "repo_1",
		CanonicalURL:      "https://github.com/acme/widgets",
		OwnerPrincipalID:  alice.ID,
		DisplayName:       "widgets",
		SourceOwnerHandle: "acme",
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", repo.OwnerHandle)
	assert.Equal(t, []string{"alice"}, repo.AcceptedMembers)
	assert.Empty(t, repo.PendingMembers)

	_, err = s.CreateRepository(ctx, Repository{ID: "repo_2", CanonicalURL: repo.CanonicalURL, OwnerPrincipalID: alice.ID, DisplayName: "widgets", SourceOwnerHandle: "acme"})
	require.ErrorIs(t, err, ErrDuplicate)

	byURL, err := s.GetRepositoryByURL(ctx, repo.CanonicalURL)
	require.NoError(t, err)
	assert.Equal(t, repo.ID, byURL.ID)

	_, err = s.GetRepository(ctx, "missing")
	require.ErrorIs(t, err, apperr.ErrNotFound)

	updated, err := s.UpdateMembers(ctx, repo.ID, func(r *Repository) error {
		r.PendingMembers = append(r.PendingMembers, "bob")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, MemberPending, updated.State("bob"))

	_, err = s.UpdateMembers(ctx, repo.ID, func(r *Repository) error {
		r.AcceptedMembers = append(r.AcceptedMembers, "bob")
		return nil
	})
	require.ErrorIs(t, err, apperr.ErrInvalid, "a handle may not sit in both sets")

	_, err = s.UpdateMembers(ctx, repo.ID, func(r *Repository) error {
		r.AcceptedMembers = []string{}
		return nil
	})
	require.ErrorIs(t, err, apperr.ErrInvalid, "the owner may not be removed")

	listed, err := s.ListRepositoriesForHandle(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	accepted, err := s.ListRepositoriesForHandle(ctx, "bob", MemberAccepted)
	require.NoError(t, err)
	assert.Empty(t, accepted)

	first, err := s.InsertMessage(ctx, Message{ID: "msg_1", RepositoryID: repo.ID, CommitHash: "abc", SenderPrincipalID: alice.ID, Body: "first look"})
	require.NoError(t, err)
	second, err := s.InsertMessage(ctx, Message{ID: "msg_2", RepositoryID: repo.ID, CommitHash: "abc", SenderPrincipalID: alice.ID, Body: "second look"})
	require.NoError(t, err)
	assert.Greater(t, second.Seq, first.Seq)
	assert.Equal(t, "alice", first.SenderHandle)
	assert.False(t, first.SentAt.IsZero())

	history, err := s.ListMessages(ctx, repo.ID, "abc")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "msg_1", history[0].ID)

	recent, err := s.RecentMessages(ctx, repo.ID, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "msg_2", recent[0].ID)

	defect, err := s.InsertDefect(ctx, DefectReport{ID: "def_1", RepositoryID: repo.ID, CommitHash: "abc", ReporterPrincipalID: alice.ID, Description: "null pointer in parser", Severity: SeverityCritical})
	require.NoError(t, err)
	assert.Equal(t, DefectOpen, defect.Status)
	assert.Equal(t, "alice", defect.ReporterHandle)

	toggled, err := s.ToggleDefectStatus(ctx, defect.ID)
	require.NoError(t, err)
	assert.Equal(t, DefectResolved, toggled.Status)
	toggled, err = s.ToggleDefectStatus(ctx, defect.ID)
	require.NoError(t, err)
	assert.Equal(t, DefectOpen, toggled.Status)

	_, err = s.ToggleDefectStatus(ctx, "def_missing")
	require.ErrorIs(t, err, apperr.ErrNotFound)

	byCommit, err := s.ListDefects(ctx, repo.ID, "other")
	require.NoError(t, err)
	assert.Empty(t, byCommit)
	all, err := s.ListDefects(ctx, repo.ID, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	found, err := s.SearchDefects(ctx, repo.ID, "parser", 10)
	require.NoError(t, err)
	assert.Len(t, found, 1)
	foundMessages, err := s.SearchMessages(ctx, repo.ID, "second", 10)
	require.NoError(t, err)
	require.Len(t, foundMessages, 1)
	assert.Equal(t, "msg_2", foundMessages[0].ID)

	note, err := s.InsertNotification(ctx, Notification{ID: "ntf_1", RecipientID: bob.ID, Kind: NotificationCollabInvite, Message: "alice invited you", Link: "/repos/repo_1"})
	require.NoError(t, err)
	assert.False(t, note.Read)
	require.ErrorIs(t, s.MarkNotificationRead(ctx, note.ID, alice.ID), apperr.ErrNotFound)
	require.NoError(t, s.MarkNotificationRead(ctx, note.ID, bob.ID))
	notes, err := s.ListNotifications(ctx, bob.ID, 10)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.True(t, notes[0].Read)

	require.NoError(t, s.SaveRefreshSession(ctx, "hash", alice.ID, time.Now().Add(time.Hour)))
	principalID, err := s.LookupRefreshSession(ctx, "hash")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, principalID)
	require.NoError(t, s.RevokeRefreshSession(ctx, "hash"))
	_, err = s.LookupRefreshSession(ctx, "hash")
	require.ErrorIs(t, err, apperr.ErrUnauthenticated)

	require.NoError(t, s.RevokeAccessToken(ctx, "jti-1", time.Now().Add(time.Hour)))
	revoked, err := s.IsAccessTokenRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	require.NoError(t, s.MarkSynced(ctx, repo.ID, time.Now()))
	synced, err := s.GetRepository(ctx, repo.ID)
	require.NoError(t, err)
	assert.NotNil(t, synced.LastSyncedAt)
}
