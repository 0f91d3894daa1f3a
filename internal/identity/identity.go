// Package identity turns bearer tokens into authenticated principals. The
// same Resolver serves the HTTP router and the websocket acceptor.
package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"gitvox/api/internal/apperr"
	"gitvox/api/internal/auth"
	"gitvox/api/internal/store"
	"gitvox/api/internal/util"
)

// Identity is a verified principal bound to one access token.
type Identity struct {
	Principal store.Principal
	Token     string
	JTI       string
	ExpiresAt time.Time
}

func (i Identity) Handle() string { return i.Principal.Handle }

// Session is what a successful login or refresh hands back to the client.
type Session struct {
	Identity
	RefreshToken string
}

type Resolver interface {
	Resolve(ctx context.Context, token string) (Identity, error)
}

type LoginInput struct {
	Handle      string
	DisplayName string
	AvatarRef   string
	Credential  string
}

type principalStore interface {
	EnsurePrincipal(ctx context.Context, p store.Principal) (store.Principal, error)
	GetPrincipal(ctx context.Context, id string) (store.Principal, error)
}

type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, principalID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (string, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
}

var handlePattern = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9-]{0,38})$`)

type Service struct {
	principals principalStore
	sessions   sessionStore
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

func NewService(principals principalStore, sessions sessionStore, secret []byte, accessTTL, refreshTTL time.Duration) *Service {
	return &Service{
		principals: principals,
		sessions:   sessions,
		secret:     secret,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
}

// Login stands in for the identity-provider handshake: the handle is taken
// as already verified and the principal is created on first use.
func (s *Service) Login(ctx context.Context, input LoginInput) (Session, error) {
	handle := strings.TrimSpace(input.Handle)
	if !handlePattern.MatchString(handle) {
		return Session{}, fmt.Errorf("handle %q: %w", handle, apperr.ErrInvalid)
	}
	displayName := strings.TrimSpace(input.DisplayName)
	if displayName == "" {
		displayName = handle
	}

	principal, err := s.principals.EnsurePrincipal(ctx, store.Principal{
		ID:          util.NewID("pr"),
		Handle:      handle,
		DisplayName: displayName,
		AvatarRef:   strings.TrimSpace(input.AvatarRef),
		Credential:  input.Credential,
	})
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, principal)
}

// Refresh rotates a refresh token: the presented one is revoked and a new
// pair is issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, fmt.Errorf("missing refresh token: %w", apperr.ErrUnauthenticated)
	}
	tokenHash := auth.HashToken(refreshToken)
	principalID, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	principal, err := s.principals.GetPrincipal(ctx, principalID)
	if errors.Is(err, apperr.ErrNotFound) {
		return Session{}, fmt.Errorf("refresh principal: %w", apperr.ErrUnauthenticated)
	}
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, principal)
}

func (s *Service) issueSession(ctx context.Context, principal store.Principal) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.accessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken(s.secret, auth.Claims{
		Sub:  principal.ID,
		Name: principal.Handle,
		Role: principal.Role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), principal.ID, now.Add(s.refreshTTL)); err != nil {
		return Session{}, err
	}

	return Session{
		Identity: Identity{
			Principal: principal,
			Token:     token,
			JTI:       jti,
			ExpiresAt: expiresAt,
		},
		RefreshToken: refresh,
	}, nil
}

// Resolve verifies token and loads its principal. Every token problem is
// reported as apperr.ErrUnauthenticated; store outages pass through.
func (s *Service) Resolve(ctx context.Context, token string) (Identity, error) {
	if strings.TrimSpace(token) == "" {
		return Identity{}, fmt.Errorf("missing token: %w", apperr.ErrUnauthenticated)
	}
	claims, err := auth.ParseToken(s.secret, token)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", apperr.ErrUnauthenticated, err)
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Identity{}, err
	}
	if revoked {
		return Identity{}, fmt.Errorf("token revoked: %w", apperr.ErrUnauthenticated)
	}

	principal, err := s.principals.GetPrincipal(ctx, claims.Sub)
	if errors.Is(err, apperr.ErrNotFound) {
		return Identity{}, fmt.Errorf("unknown principal: %w", apperr.ErrUnauthenticated)
	}
	if err != nil {
		return Identity{}, err
	}

	return Identity{
		Principal: principal,
		Token:     token,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// Logout revokes the access token and, when given, the refresh token.
func (s *Service) Logout(ctx context.Context, id Identity, refreshToken string) error {
	if id.JTI != "" {
		if err := s.sessions.RevokeAccessToken(ctx, id.JTI, id.ExpiresAt); err != nil {
			return err
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			return err
		}
	}
	return nil
}

type contextKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}
