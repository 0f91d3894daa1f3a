package store

import (
	"context"
	"time"
)

// Store is the full persistence surface. Consumers declare the narrower
// subsets they need.
type Store interface {
	EnsurePrincipal(ctx context.Context, p Principal) (Principal, error)
	GetPrincipal(ctx context.Context, id string) (Principal, error)
	GetPrincipalByHandle(ctx context.Context, handle string) (Principal, error)

	CreateRepository(ctx context.Context, repo Repository) (Repository, error)
	GetRepository(ctx context.Context, id string) (Repository, error)
	GetRepositoryByURL(ctx context.Context, canonicalURL string) (Repository, error)
	ListRepositoriesForHandle(ctx context.Context, handle string, states ...MemberState) ([]Repository, error)
	UpdateMembers(ctx context.Context, repoID string, fn func(*Repository) error) (Repository, error)
	MarkSynced(ctx context.Context, repoID string, at time.Time) error

	InsertMessage(ctx context.Context, msg Message) (Message, error)
	ListMessages(ctx context.Context, repoID, commitHash string) ([]Message, error)
	RecentMessages(ctx context.Context, repoID string, limit int) ([]Message, error)
	SearchMessages(ctx context.Context, repoID, query string, limit int) ([]Message, error)

	InsertDefect(ctx context.Context, d DefectReport) (DefectReport, error)
	GetDefect(ctx context.Context, id string) (DefectReport, error)
	ListDefects(ctx context.Context, repoID, commitHash string) ([]DefectReport, error)
	RecentDefects(ctx context.Context, repoID string, limit int) ([]DefectReport, error)
	ToggleDefectStatus(ctx context.Context, id string) (DefectReport, error)
	SearchDefects(ctx context.Context, repoID, query string, limit int) ([]DefectReport, error)

	InsertNotification(ctx context.Context, n Notification) (Notification, error)
	ListNotifications(ctx context.Context, recipientID string, limit int) ([]Notification, error)
	MarkNotificationRead(ctx context.Context, id, recipientID string) error

	SaveRefreshSession(ctx context.Context, tokenHash, principalID string, expiresAt time.Time) error
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (string, error)
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)

	Ping(ctx context.Context) error
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
