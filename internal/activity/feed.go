// Package activity builds read-time feeds by merging chat messages and
// defect reports into one timeline.
package activity

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"gitvox/api/internal/apperr"
	"gitvox/api/internal/membership"
	"gitvox/api/internal/rbac"
	"gitvox/api/internal/store"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
	fanOut       = 8
)

type Kind string

const (
	KindMessage Kind = "message"
	KindDefect  Kind = "defect"
)

// Payload is either MessagePayload or DefectPayload.
type Payload interface {
	kind() Kind
}

type MessagePayload struct {
	MessageID string `json:"messageId"`
	Body      string `json:"body"`
}

func (MessagePayload) kind() Kind { return KindMessage }

type DefectPayload struct {
	DefectID    string             `json:"defectId"`
	Description string             `json:"description"`
	Severity    store.Severity     `json:"severity"`
	Status      store.DefectStatus `json:"status"`
}

func (DefectPayload) kind() Kind { return KindDefect }

type Entry struct {
	Kind           Kind      `json:"kind"`
	RepositoryID   string    `json:"repositoryId"`
	RepositoryName string    `json:"repositoryName"`
	CommitHash     string    `json:"commitHash"`
	ActorHandle    string    `json:"actorHandle"`
	Payload        Payload   `json:"payload"`
	OccurredAt     time.Time `json:"occurredAt"`
}

func FromMessage(repo store.Repository, m store.Message) Entry {
	return Entry{
		Kind:           KindMessage,
		RepositoryID:   m.RepositoryID,
		RepositoryName: repo.DisplayName,
		CommitHash:     m.CommitHash,
		ActorHandle:    m.SenderHandle,
		Payload:        MessagePayload{MessageID: m.ID, Body: m.Body},
		OccurredAt:     m.SentAt,
	}
}

func FromDefect(repo store.Repository, d store.DefectReport) Entry {
	return Entry{
		Kind:           KindDefect,
		RepositoryID:   d.RepositoryID,
		RepositoryName: repo.DisplayName,
		CommitHash:     d.CommitHash,
		ActorHandle:    d.ReporterHandle,
		Payload:        DefectPayload{DefectID: d.ID, Description: d.Description, Severity: d.Severity, Status: d.Status},
		OccurredAt:     d.CreatedAt,
	}
}

// ClampLimit maps a requested size into [1, MaxLimit]; zero or less means
// the default.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

type feedStore interface {
	GetRepository(ctx context.Context, id string) (store.Repository, error)
	ListRepositoriesForHandle(ctx context.Context, handle string, states ...store.MemberState) ([]store.Repository, error)
	RecentMessages(ctx context.Context, repoID string, limit int) ([]store.Message, error)
	RecentDefects(ctx context.Context, repoID string, limit int) ([]store.DefectReport, error)
	GetDefect(ctx context.Context, id string) (store.DefectReport, error)
	ToggleDefectStatus(ctx context.Context, id string) (store.DefectReport, error)
}

type Aggregator struct {
	store  feedStore
	logger *slog.Logger
}

func NewAggregator(st feedStore, logger *slog.Logger) *Aggregator {
	return &Aggregator{store: st, logger: logger}
}

// RepositoryFeed merges the newest messages and defects of one repository.
// viewer must be an accepted member.
func (a *Aggregator) RepositoryFeed(ctx context.Context, repoID, viewer string, limit int) ([]Entry, error) {
	limit = ClampLimit(limit)
	repo, err := a.store.GetRepository(ctx, repoID)
	if err != nil {
		return nil, err
	}
	if !membership.Allows(repo, viewer, rbac.ActionChat) {
		return nil, fmt.Errorf("feed for %s: %w", repoID, apperr.ErrPermissionDenied)
	}
	entries, err := a.collect(ctx, repo, limit)
	if err != nil {
		return nil, err
	}
	return merge(entries, limit), nil
}

// PrincipalFeed merges recent activity across every repository where handle
// is accepted. Repositories are read concurrently.
func (a *Aggregator) PrincipalFeed(ctx context.Context, handle string, limit int) ([]Entry, error) {
	limit = ClampLimit(limit)
	repos, err := a.store.ListRepositoriesForHandle(ctx, handle, store.MemberAccepted)
	if err != nil {
		return nil, err
	}

	perRepo := make([][]Entry, len(repos))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanOut)
	for i, repo := range repos {
		i, repo := i, repo
		g.Go(func() error {
			entries, err := a.collect(gctx, repo, limit)
			if err != nil {
				return err
			}
			perRepo[i] = entries
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []Entry
	for _, entries := range perRepo {
		all = append(all, entries...)
	}
	return merge(all, limit), nil
}

func (a *Aggregator) collect(ctx context.Context, repo store.Repository, limit int) ([]Entry, error) {
	messages, err := a.store.RecentMessages(ctx, repo.ID, limit)
	if err != nil {
		return nil, err
	}
	defects, err := a.store.RecentDefects(ctx, repo.ID, limit)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(messages)+len(defects))
	for _, m := range messages {
		entries = append(entries, FromMessage(repo, m))
	}
	for _, d := range defects {
		entries = append(entries, FromDefect(repo, d))
	}
	return entries, nil
}

// merge orders newest first. The sort is stable, so entries with equal
// timestamps keep the store order they were collected in.
func merge(entries []Entry, limit int) []Entry {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].OccurredAt.After(entries[j].OccurredAt)
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries
}

// ToggleDefectStatus flips a defect between Open and Resolved. Any accepted
// member of the defect's repository may do so.
func (a *Aggregator) ToggleDefectStatus(ctx context.Context, defectID, actor string) (store.DefectReport, error) {
	defect, err := a.store.GetDefect(ctx, defectID)
	if err != nil {
		return store.DefectReport{}, err
	}
	repo, err := a.store.GetRepository(ctx, defect.RepositoryID)
	if err != nil {
		return store.DefectReport{}, err
	}
	if !membership.Allows(repo, actor, rbac.ActionTriage) {
		return store.DefectReport{}, fmt.Errorf("toggle defect %s: %w", defectID, apperr.ErrPermissionDenied)
	}
	updated, err := a.store.ToggleDefectStatus(ctx, defectID)
	if err != nil {
		return store.DefectReport{}, err
	}
	a.logger.Info("defect status toggled", "defect", defectID, "repo", repo.ID, "actor", actor, "status", string(updated.Status))
	return updated, nil
}
