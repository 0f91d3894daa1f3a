package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitvox/api/internal/apperr"
	"gitvox/api/internal/store"
)

func newService(t *testing.T) (*Service, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	return NewService(mem, mem, []byte("test-secret"), 15*time.Minute, time.Hour), mem
}

func TestLoginCreatesPrincipalOnce(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	first, err := svc.Login(ctx, LoginInput{Handle: "alice", Credential: "gh-token"})
	require.NoError(t, err)
	assert.Equal(t, "alice", first.Principal.DisplayName)
	assert.NotEmpty(t, first.Token)
	assert.NotEmpty(t, first.RefreshToken)

	second, err := svc.Login(ctx, LoginInput{Handle: "alice", Credential: "someone-elses"})
	require.NoError(t, err)
	assert.Equal(t, first.Principal.ID, second.Principal.ID)
	assert.Equal(t, "gh-token", second.Principal.Credential)
}

func TestLoginRejectsMalformedHandle(t *testing.T) {
	svc, _ := newService(t)
	for _, handle := range []string{"", "   ", "-lead", "has space", "dot.ted"} {
		_, err := svc.Login(context.Background(), LoginInput{Handle: handle})
		assert.ErrorIs(t, err, apperr.ErrInvalid, handle)
	}
}

func TestResolveReturnsIdentity(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	session, err := svc.Login(ctx, LoginInput{Handle: "alice"})
	require.NoError(t, err)

	id, err := svc.Resolve(ctx, session.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Handle())
	assert.Equal(t, session.JTI, id.JTI)
}

func TestResolveRejectsBadTokens(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Resolve(ctx, "")
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
	_, err = svc.Resolve(ctx, "garbage")
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)

	other := NewService(store.NewMemoryStore(), store.NewMemoryStore(), []byte("other-secret"), time.Minute, time.Hour)
	foreign, err := other.Login(ctx, LoginInput{Handle: "mallory"})
	require.NoError(t, err)
	_, err = svc.Resolve(ctx, foreign.Token)
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
}

func TestLogoutRevokesAccessAndRefresh(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	session, err := svc.Login(ctx, LoginInput{Handle: "alice"})
	require.NoError(t, err)

	require.NoError(t, svc.Logout(ctx, session.Identity, session.RefreshToken))

	_, err = svc.Resolve(ctx, session.Token)
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
	_, err = svc.Refresh(ctx, session.RefreshToken)
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
}

func TestRefreshRotatesToken(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	session, err := svc.Login(ctx, LoginInput{Handle: "alice"})
	require.NoError(t, err)

	rotated, err := svc.Refresh(ctx, session.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, session.RefreshToken, rotated.RefreshToken)
	assert.Equal(t, session.Principal.ID, rotated.Principal.ID)

	_, err = svc.Refresh(ctx, session.RefreshToken)
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated, "old refresh token is single use")
}

func TestContextRoundTrip(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	ctx := WithIdentity(context.Background(), Identity{Principal: store.Principal{Handle: "alice"}})
	id, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "alice", id.Handle())
}
