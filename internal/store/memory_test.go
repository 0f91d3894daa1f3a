package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreBehaviour(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreRecentOrderingBreaksTiesBySeq(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return fixed })

	owner, err := s.EnsurePrincipal(ctx, Principal{ID: "pr_1", Handle: "alice"})
	require.NoError(t, err)
	repo, err := s.CreateRepository(ctx, Repository{ID: "repo_1", CanonicalURL: "https://github.com/a/b", OwnerPrincipalID: owner.ID})
	require.NoError(t, err)

	for _, id := range []string{"m1", "m2", "m3"} {
		_, err := s.InsertMessage(ctx, Message{ID: id, RepositoryID: repo.ID, CommitHash: "c", SenderPrincipalID: owner.ID, Body: id})
		require.NoError(t, err)
	}
	recent, err := s.RecentMessages(ctx, repo.ID, 10)
	require.NoError(t, err)
	ids := []string{recent[0].ID, recent[1].ID, recent[2].ID}
	assert.Equal(t, []string{"m3", "m2", "m1"}, ids)
}

func TestMemoryStoreUpdateMembersIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	owner, err := s.EnsurePrincipal(ctx, Principal{ID: "pr_1", Handle: "alice"})
	require.NoError(t, err)
	repo, err := s.CreateRepository(ctx, Repository{ID: "repo_1", CanonicalURL: "https://github.com/a/b", OwnerPrincipalID: owner.ID})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, handle := range []string{"h1", "h2", "h3", "h4", "h5", "h6", "h7", "h8"} {
		handle := handle
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateMembers(ctx, repo.ID, func(r *Repository) error {
				r.PendingMembers = append(r.PendingMembers, handle)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.GetRepository(ctx, repo.ID)
	require.NoError(t, err)
	assert.Len(t, got.PendingMembers, 8)
}
