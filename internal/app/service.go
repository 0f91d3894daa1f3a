package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gitvox/api/internal/activity"
	"gitvox/api/internal/apperr"
	"gitvox/api/internal/config"
	"gitvox/api/internal/gitmirror"
	"gitvox/api/internal/identity"
	"gitvox/api/internal/membership"
	"gitvox/api/internal/rbac"
	"gitvox/api/internal/room"
	"gitvox/api/internal/search"
	"gitvox/api/internal/store"
	"gitvox/api/internal/util"
)

// SessionStore holds refresh sessions and the access-token denylist. Both
// store implementations and session.RedisStore satisfy it.
type SessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, principalID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (string, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
}

type Service struct {
	cfg      config.Config
	store    store.Store
	identity *identity.Service
	ledger   *membership.Ledger
	rooms    *room.Registry
	feed     *activity.Aggregator
	mirror   *gitmirror.Service
	search   *search.Service
	logger   *slog.Logger
}

// NewService wires the domain components. mirror may be nil, in which case
// repositories are served without commit history.
func NewService(cfg config.Config, st store.Store, sessions SessionStore, mirror *gitmirror.Service, searcher *search.Service, logger *slog.Logger) *Service {
	if sessions == nil {
		sessions = st
	}
	if searcher == nil {
		searcher = search.NewService(nil, search.NewStoreSearcher(st), logger)
	}
	ledger := membership.NewLedger(st, logger)
	svc := &Service{
		cfg:      cfg,
		store:    st,
		identity: identity.NewService(st, sessions, []byte(cfg.JWTSecret), cfg.AccessTTL, cfg.RefreshTTL),
		ledger:   ledger,
		feed:     activity.NewAggregator(st, logger),
		mirror:   mirror,
		search:   searcher,
		logger:   logger,
	}
	svc.rooms = room.NewRegistry(ledger, st, logger, room.Options{
		OutboxSize:    cfg.OutboxSize,
		MessageRate:   cfg.MessageRate,
		MessageBurst:  cfg.MessageBurst,
		MaxMessageLen: cfg.MaxMessageLen,
		OnMessage:     searcher.IndexMessage,
	})
	return svc
}

func (s *Service) Rooms() *room.Registry {
	return s.rooms
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Close disconnects live sessions and stops background search work.
func (s *Service) Close(ctx context.Context) error {
	err := s.rooms.Close(ctx)
	s.search.Close()
	return err
}

// Session lifecycle

// Login signs a bare handle in. It is only served when dev_login is on.
func (s *Service) Login(ctx context.Context, input identity.LoginInput) (identity.Session, error) {
	if !s.cfg.DevLogin {
		return identity.Session{}, ErrLoginDisabled
	}
	session, err := s.identity.Login(ctx, input)
	if err != nil {
		return identity.Session{}, err
	}
	s.logger.Info("principal signed in", "principal", session.Principal.ID, "handle", session.Handle())
	return session, nil
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (identity.Session, error) {
	return s.identity.Refresh(ctx, refreshToken)
}

func (s *Service) Logout(ctx context.Context, id identity.Identity, refreshToken string) error {
	return s.identity.Logout(ctx, id, refreshToken)
}

func (s *Service) Resolve(ctx context.Context, token string) (identity.Identity, error) {
	return s.identity.Resolve(ctx, token)
}

// Repositories

// RepositoryDetail is a repository together with its commit history.
type RepositoryDetail struct {
	Repository store.Repository
	Commits    []store.CommitInfo
}

// CreateOrAttach registers rawURL with caller as owner. If the repository is
// already known the caller's access request is recorded instead.
func (s *Service) CreateOrAttach(ctx context.Context, caller store.Principal, rawURL string) (RepositoryDetail, error) {
	source, err := gitmirror.ParseRepositoryURL(rawURL)
	if err != nil {
		return RepositoryDetail{}, err
	}

	repo, err := s.store.CreateRepository(ctx, store.Repository{
		ID:                util.NewID("repo"),
		CanonicalURL:      source.CanonicalURL,
		OwnerPrincipalID:  caller.ID,
		DisplayName:       source.Name,
		SourceOwnerHandle: source.Owner,
	})
	switch {
	case err == nil:
		s.logger.Info("repository created", "repo", repo.ID, "url", repo.CanonicalURL, "owner", caller.Handle)
	case errors.Is(err, store.ErrDuplicate):
		existing, err := s.store.GetRepositoryByURL(ctx, source.CanonicalURL)
		if err != nil {
			return RepositoryDetail{}, err
		}
		repo, err = s.ledger.RequestAccess(ctx, existing.ID, caller.Handle)
		if err != nil {
			return RepositoryDetail{}, err
		}
	default:
		return RepositoryDetail{}, err
	}

	return s.withCommits(ctx, repo, caller)
}

// FetchRepository returns the repository and its history to accepted and
// pending members.
func (s *Service) FetchRepository(ctx context.Context, caller store.Principal, repoID string) (RepositoryDetail, error) {
	repo, err := s.store.GetRepository(ctx, repoID)
	if err != nil {
		return RepositoryDetail{}, err
	}
	if !membership.CanView(repo, caller.Handle) {
		return RepositoryDetail{}, fmt.Errorf("view %s: %w", repoID, apperr.ErrPermissionDenied)
	}
	return s.withCommits(ctx, repo, caller)
}

func (s *Service) ListRepositories(ctx context.Context, caller store.Principal) ([]store.Repository, error) {
	return s.store.ListRepositoriesForHandle(ctx, caller.Handle)
}

// withCommits refreshes the mirror with the caller's credential. A failed
// refresh still serves the last mirrored history when there is one.
func (s *Service) withCommits(ctx context.Context, repo store.Repository, caller store.Principal) (RepositoryDetail, error) {
	detail := RepositoryDetail{Repository: repo, Commits: []store.CommitInfo{}}
	if s.mirror == nil {
		return detail, nil
	}

	syncErr := s.mirror.Sync(ctx, repo.ID, repo.CanonicalURL, caller.Credential)
	if syncErr == nil {
		now := time.Now().UTC()
		if err := s.store.MarkSynced(ctx, repo.ID, now); err != nil {
			s.logger.Warn("mark synced failed", "repo", repo.ID, "error", err)
		} else {
			detail.Repository.LastSyncedAt = &now
		}
	} else {
		s.logger.Warn("mirror sync failed", "repo", repo.ID, "url", repo.CanonicalURL, "error", syncErr)
	}

	commits, err := s.mirror.History(repo.ID, s.cfg.CommitLimit)
	if errors.Is(err, gitmirror.ErrNoMirror) {
		if syncErr != nil {
			return RepositoryDetail{}, syncErr
		}
		return detail, nil
	}
	if err != nil {
		return RepositoryDetail{}, err
	}
	detail.Commits = commits
	return detail, nil
}

// Membership

// Invite adds target to the pending set and pushes the invite notification
// to any live connection of the invitee.
func (s *Service) Invite(ctx context.Context, caller store.Principal, repoID, target string) (store.Repository, error) {
	repo, note, err := s.ledger.Invite(ctx, repoID, caller, target)
	if err != nil {
		return store.Repository{}, err
	}
	if note != nil {
		s.rooms.Notify(note.RecipientID, room.Event{Kind: room.EventNotification, Notification: note})
	}
	s.logger.Info("collaborator invited", "repo", repoID, "by", caller.Handle, "target", target)
	return repo, nil
}

func (s *Service) Revoke(ctx context.Context, caller store.Principal, repoID, target string) (store.Repository, error) {
	repo, err := s.ledger.Revoke(ctx, repoID, caller, target)
	if err != nil {
		return store.Repository{}, err
	}
	evicted := 0
	if p, err := s.store.GetPrincipalByHandle(ctx, strings.TrimSpace(target)); err == nil {
		evicted = s.rooms.Evict(repoID, p.ID)
	} else if !errors.Is(err, apperr.ErrNotFound) {
		s.logger.Warn("revoked principal lookup failed", "repo", repoID, "target", target, "error", err)
	}
	s.logger.Info("collaborator revoked", "repo", repoID, "by", caller.Handle, "target", target, "evicted", evicted)
	return repo, nil
}

func (s *Service) Accept(ctx context.Context, caller store.Principal, repoID string) (store.Repository, error) {
	return s.ledger.Accept(ctx, repoID, caller.Handle)
}

// require fails with ErrPermissionDenied unless handle's role allows action.
// Unknown repositories are reported the same way.
func (s *Service) require(ctx context.Context, repoID, handle string, action rbac.Action) error {
	ok, err := s.ledger.Allows(ctx, repoID, handle, action)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("repository %s: %w", repoID, apperr.ErrPermissionDenied)
	}
	return nil
}

// Messages and defects

func (s *Service) ListMessages(ctx context.Context, caller store.Principal, repoID, commitHash string) ([]store.Message, error) {
	commitHash = strings.TrimSpace(commitHash)
	if commitHash == "" {
		return nil, fmt.Errorf("commit is required: %w", apperr.ErrInvalid)
	}
	if err := s.require(ctx, repoID, caller.Handle, rbac.ActionChat); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, repoID, commitHash)
}

type SubmitDefectInput struct {
	CommitHash  string `json:"commitHash"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
}

func (s *Service) SubmitDefect(ctx context.Context, caller store.Principal, repoID string, input SubmitDefectInput) (store.DefectReport, error) {
	input.CommitHash = strings.TrimSpace(input.CommitHash)
	input.Description = strings.TrimSpace(input.Description)
	severity := store.Severity(strings.TrimSpace(input.Severity))
	switch {
	case input.CommitHash == "":
		return store.DefectReport{}, fmt.Errorf("commitHash is required: %w", apperr.ErrInvalid)
	case input.Description == "":
		return store.DefectReport{}, fmt.Errorf("description is required: %w", apperr.ErrInvalid)
	case !severity.Valid():
		return store.DefectReport{}, fmt.Errorf("severity %q must be Low, Medium or Critical: %w", input.Severity, apperr.ErrInvalid)
	}
	if err := s.require(ctx, repoID, caller.Handle, rbac.ActionReport); err != nil {
		return store.DefectReport{}, err
	}

	defect, err := s.store.InsertDefect(ctx, store.DefectReport{
		ID:                  util.NewID("bug"),
		RepositoryID:        repoID,
		CommitHash:          input.CommitHash,
		ReporterPrincipalID: caller.ID,
		Description:         input.Description,
		Severity:            severity,
		Status:              store.DefectOpen,
	})
	if err != nil {
		return store.DefectReport{}, err
	}
	s.search.IndexDefect(defect)
	s.notifyOwner(ctx, caller, repoID, defect)
	s.logger.Info("defect reported", "defect", defect.ID, "repo", repoID, "commit", defect.CommitHash, "severity", string(defect.Severity))
	return defect, nil
}

// notifyOwner tells the repository owner about a defect someone else filed.
// Failures are logged; the report itself already stands.
func (s *Service) notifyOwner(ctx context.Context, reporter store.Principal, repoID string, defect store.DefectReport) {
	repo, err := s.store.GetRepository(ctx, repoID)
	if err != nil {
		s.logger.Warn("defect notification skipped", "defect", defect.ID, "repo", repoID, "error", err)
		return
	}
	if repo.OwnerPrincipalID == reporter.ID {
		return
	}
	note, err := s.store.InsertNotification(ctx, store.Notification{
		ID:          util.NewID("ntf"),
		RecipientID: repo.OwnerPrincipalID,
		Kind:        store.NotificationBugReport,
		Message:     fmt.Sprintf("%s reported a %s defect on %s", reporter.Handle, defect.Severity, repo.DisplayName),
		Link:        "/repos/" + repo.ID + "/defects?commit=" + defect.CommitHash,
	})
	if err != nil {
		s.logger.Warn("defect notification not stored", "defect", defect.ID, "repo", repoID, "error", err)
		return
	}
	s.rooms.Notify(note.RecipientID, room.Event{Kind: room.EventNotification, Notification: &note})
}

func (s *Service) ListDefects(ctx context.Context, caller store.Principal, repoID, commitHash string) ([]store.DefectReport, error) {
	if err := s.require(ctx, repoID, caller.Handle, rbac.ActionReport); err != nil {
		return nil, err
	}
	return s.store.ListDefects(ctx, repoID, strings.TrimSpace(commitHash))
}

func (s *Service) ToggleDefect(ctx context.Context, caller store.Principal, defectID string) (store.DefectReport, error) {
	defect, err := s.feed.ToggleDefectStatus(ctx, defectID, caller.Handle)
	if err != nil {
		return store.DefectReport{}, err
	}
	s.search.IndexDefect(defect)
	return defect, nil
}

// Activity, search, notifications

func (s *Service) RepositoryFeed(ctx context.Context, caller store.Principal, repoID string, limit int) ([]activity.Entry, error) {
	return s.feed.RepositoryFeed(ctx, repoID, caller.Handle, limit)
}

func (s *Service) PrincipalFeed(ctx context.Context, caller store.Principal, limit int) ([]activity.Entry, error) {
	return s.feed.PrincipalFeed(ctx, caller.Handle, limit)
}

func (s *Service) Search(ctx context.Context, caller store.Principal, repoID, text string, limit int) (search.Response, error) {
	if err := s.require(ctx, repoID, caller.Handle, rbac.ActionChat); err != nil {
		return search.Response{}, err
	}
	return s.search.Search(ctx, search.Query{RepositoryID: repoID, Text: text, Limit: limit})
}

func (s *Service) ListNotifications(ctx context.Context, caller store.Principal, limit int) ([]store.Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListNotifications(ctx, caller.ID, limit)
}

func (s *Service) MarkNotificationRead(ctx context.Context, caller store.Principal, notificationID string) error {
	return s.store.MarkNotificationRead(ctx, notificationID, caller.ID)
}
