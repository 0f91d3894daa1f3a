package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"gitvox/api/internal/apperr"
)

// MemoryStore keeps everything in process memory. It backs tests and
// `serve --in-memory`; it matches PostgresStore's ordering and error kinds.
type MemoryStore struct {
	mu sync.Mutex

	now func() time.Time
	seq int64

	principals    map[string]Principal
	repositories  map[string]Repository
	messages      []Message
	defects       []DefectReport
	notifications []Notification
	refresh       map[string]memoryRefresh
	revoked       map[string]time.Time
}

type memoryRefresh struct {
	principalID string
	expiresAt   time.Time
	revoked     bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:          time.Now,
		principals:   map[string]Principal{},
		repositories: map[string]Repository{},
		refresh:      map[string]memoryRefresh{},
		revoked:      map[string]time.Time{},
	}
}

// SetClock replaces the time source. Tests use it to pin timestamps.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) nextSeq() int64 {
	s.seq++
	return s.seq
}

func (s *MemoryStore) principalByHandleLocked(handle string) (Principal, bool) {
	for _, p := range s.principals {
		if p.Handle == handle {
			return p, true
		}
	}
	return Principal{}, false
}

func (s *MemoryStore) EnsurePrincipal(_ context.Context, p Principal) (Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.principalByHandleLocked(p.Handle); ok {
		if p.DisplayName != "" {
			existing.DisplayName = p.DisplayName
		}
		if p.AvatarRef != "" {
			existing.AvatarRef = p.AvatarRef
		}
		s.principals[existing.ID] = existing
		return existing, nil
	}
	if p.Role == "" {
		p.Role = "member"
	}
	p.CreatedAt = s.now()
	s.principals[p.ID] = p
	return p, nil
}

func (s *MemoryStore) GetPrincipal(_ context.Context, id string) (Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.principals[id]
	if !ok {
		return Principal{}, fmt.Errorf("get principal: %w", apperr.ErrNotFound)
	}
	return p, nil
}

func (s *MemoryStore) GetPrincipalByHandle(_ context.Context, handle string) (Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.principalByHandleLocked(handle)
	if !ok {
		return Principal{}, fmt.Errorf("get principal by handle: %w", apperr.ErrNotFound)
	}
	return p, nil
}

func (s *MemoryStore) CreateRepository(_ context.Context, repo Repository) (Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.repositories {
		if existing.CanonicalURL == repo.CanonicalURL {
			return Repository{}, fmt.Errorf("insert repository: %w", ErrDuplicate)
		}
	}
	owner, ok := s.principals[repo.OwnerPrincipalID]
	if !ok {
		return Repository{}, fmt.Errorf("insert repository: owner %q: %w", repo.OwnerPrincipalID, apperr.ErrNotFound)
	}
	repo.OwnerHandle = owner.Handle
	repo.AcceptedMembers = []string{owner.Handle}
	repo.PendingMembers = []string{}
	repo.LastSyncedAt = nil
	repo.CreatedAt = s.now()
	s.repositories[repo.ID] = repo
	return repo.Clone(), nil
}

func (s *MemoryStore) GetRepository(_ context.Context, id string) (Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	repo, ok := s.repositories[id]
	if !ok {
		return Repository{}, fmt.Errorf("get repository: %w", apperr.ErrNotFound)
	}
	return repo.Clone(), nil
}

func (s *MemoryStore) GetRepositoryByURL(_ context.Context, canonicalURL string) (Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, repo := range s.repositories {
		if repo.CanonicalURL == canonicalURL {
			return repo.Clone(), nil
		}
	}
	return Repository{}, fmt.Errorf("get repository by url: %w", apperr.ErrNotFound)
}

func (s *MemoryStore) ListRepositoriesForHandle(_ context.Context, handle string, states ...MemberState) ([]Repository, error) {
	if len(states) == 0 {
		states = []MemberState{MemberAccepted, MemberPending}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]Repository, 0)
	for _, repo := range s.repositories {
		if state := repo.State(handle); state != MemberAbsent && slices.Contains(states, state) {
			items = append(items, repo.Clone())
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

func (s *MemoryStore) UpdateMembers(_ context.Context, repoID string, fn func(*Repository) error) (Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.repositories[repoID]
	if !ok {
		return Repository{}, fmt.Errorf("get repository: %w", apperr.ErrNotFound)
	}
	next := current.Clone()
	if err := fn(&next); err != nil {
		return Repository{}, err
	}
	if err := checkInvariants(next); err != nil {
		return Repository{}, err
	}
	s.repositories[repoID] = next
	return next.Clone(), nil
}

func (s *MemoryStore) MarkSynced(_ context.Context, repoID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	repo, ok := s.repositories[repoID]
	if !ok {
		return fmt.Errorf("mark synced: %w", apperr.ErrNotFound)
	}
	repo.LastSyncedAt = &at
	s.repositories[repoID] = repo
	return nil
}

func (s *MemoryStore) enrichMessageLocked(m Message) Message {
	if p, ok := s.principals[m.SenderPrincipalID]; ok {
		m.SenderHandle = p.Handle
		m.SenderDisplayName = p.DisplayName
		m.SenderAvatarRef = p.AvatarRef
	}
	return m
}

func (s *MemoryStore) InsertMessage(_ context.Context, msg Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.repositories[msg.RepositoryID]; !ok {
		return Message{}, fmt.Errorf("insert message: repository: %w", apperr.ErrNotFound)
	}
	if _, ok := s.principals[msg.SenderPrincipalID]; !ok {
		return Message{}, fmt.Errorf("insert message: sender: %w", apperr.ErrNotFound)
	}
	msg.Seq = s.nextSeq()
	msg.SentAt = s.now()
	msg = s.enrichMessageLocked(msg)
	s.messages = append(s.messages, msg)
	return msg, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, repoID, commitHash string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]Message, 0)
	for _, m := range s.messages {
		if m.RepositoryID == repoID && m.CommitHash == commitHash {
			items = append(items, s.enrichMessageLocked(m))
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].SentAt.Equal(items[j].SentAt) {
			return items[i].SentAt.Before(items[j].SentAt)
		}
		return items[i].Seq < items[j].Seq
	})
	return items, nil
}

func (s *MemoryStore) RecentMessages(_ context.Context, repoID string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]Message, 0)
	for _, m := range s.messages {
		if m.RepositoryID == repoID {
			items = append(items, s.enrichMessageLocked(m))
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].SentAt.Equal(items[j].SentAt) {
			return items[i].SentAt.After(items[j].SentAt)
		}
		return items[i].Seq > items[j].Seq
	})
	if limit >= 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *MemoryStore) enrichDefectLocked(d DefectReport) DefectReport {
	if p, ok := s.principals[d.ReporterPrincipalID]; ok {
		d.ReporterHandle = p.Handle
	}
	return d
}

func (s *MemoryStore) InsertDefect(_ context.Context, d DefectReport) (DefectReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.repositories[d.RepositoryID]; !ok {
		return DefectReport{}, fmt.Errorf("insert defect: repository: %w", apperr.ErrNotFound)
	}
	if !d.Severity.Valid() {
		return DefectReport{}, fmt.Errorf("insert defect: severity %q: %w", d.Severity, apperr.ErrInvalid)
	}
	if d.Status == "" {
		d.Status = DefectOpen
	}
	d.Seq = s.nextSeq()
	d.CreatedAt = s.now()
	d = s.enrichDefectLocked(d)
	s.defects = append(s.defects, d)
	return d, nil
}

func (s *MemoryStore) GetDefect(_ context.Context, id string) (DefectReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.defects {
		if d.ID == id {
			return s.enrichDefectLocked(d), nil
		}
	}
	return DefectReport{}, fmt.Errorf("get defect: %w", apperr.ErrNotFound)
}

func (s *MemoryStore) ListDefects(_ context.Context, repoID, commitHash string) ([]DefectReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]DefectReport, 0)
	for _, d := range s.defects {
		if d.RepositoryID == repoID && (commitHash == "" || d.CommitHash == commitHash) {
			items = append(items, s.enrichDefectLocked(d))
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].Seq < items[j].Seq
	})
	return items, nil
}

func (s *MemoryStore) RecentDefects(_ context.Context, repoID string, limit int) ([]DefectReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]DefectReport, 0)
	for _, d := range s.defects {
		if d.RepositoryID == repoID {
			items = append(items, s.enrichDefectLocked(d))
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].Seq > items[j].Seq
	})
	if limit >= 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *MemoryStore) ToggleDefectStatus(_ context.Context, id string) (DefectReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.defects {
		if s.defects[i].ID == id {
			s.defects[i].Status = s.defects[i].Status.Toggled()
			return s.enrichDefectLocked(s.defects[i]), nil
		}
	}
	return DefectReport{}, fmt.Errorf("toggle defect: %w", apperr.ErrNotFound)
}

// matchesAll is the in-memory stand-in for full-text search: every query
// word must appear in text, case-insensitively.
func matchesAll(text, query string) bool {
	words := strings.Fields(strings.ToLower(query))
	if len(words) == 0 {
		return false
	}
	text = strings.ToLower(text)
	for _, word := range words {
		if !strings.Contains(text, word) {
			return false
		}
	}
	return true
}

func (s *MemoryStore) SearchMessages(_ context.Context, repoID, query string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]Message, 0)
	for i := len(s.messages) - 1; i >= 0 && len(items) < limit; i-- {
		m := s.messages[i]
		if m.RepositoryID == repoID && matchesAll(m.Body, query) {
			items = append(items, s.enrichMessageLocked(m))
		}
	}
	return items, nil
}

func (s *MemoryStore) SearchDefects(_ context.Context, repoID, query string, limit int) ([]DefectReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]DefectReport, 0)
	for i := len(s.defects) - 1; i >= 0 && len(items) < limit; i-- {
		d := s.defects[i]
		if d.RepositoryID == repoID && matchesAll(d.Description, query) {
			items = append(items, s.enrichDefectLocked(d))
		}
	}
	return items, nil
}

func (s *MemoryStore) InsertNotification(_ context.Context, n Notification) (Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.principals[n.RecipientID]; !ok {
		return Notification{}, fmt.Errorf("insert notification: recipient: %w", apperr.ErrNotFound)
	}
	n.Read = false
	n.CreatedAt = s.now()
	s.notifications = append(s.notifications, n)
	return n, nil
}

func (s *MemoryStore) ListNotifications(_ context.Context, recipientID string, limit int) ([]Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]Notification, 0)
	for i := len(s.notifications) - 1; i >= 0 && len(items) < limit; i-- {
		if s.notifications[i].RecipientID == recipientID {
			items = append(items, s.notifications[i])
		}
	}
	return items, nil
}

func (s *MemoryStore) MarkNotificationRead(_ context.Context, id, recipientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.notifications {
		if s.notifications[i].ID == id && s.notifications[i].RecipientID == recipientID {
			s.notifications[i].Read = true
			return nil
		}
	}
	return fmt.Errorf("mark notification read: %w", apperr.ErrNotFound)
}

func (s *MemoryStore) SaveRefreshSession(_ context.Context, tokenHash, principalID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh[tokenHash] = memoryRefresh{principalID: principalID, expiresAt: expiresAt}
	return nil
}

func (s *MemoryStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.refresh[tokenHash]; ok {
		session.revoked = true
		s.refresh[tokenHash] = session
	}
	return nil
}

func (s *MemoryStore) LookupRefreshSession(_ context.Context, tokenHash string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.refresh[tokenHash]
	if !ok || session.revoked || !session.expiresAt.After(s.now()) {
		return "", fmt.Errorf("lookup refresh session: %w", apperr.ErrUnauthenticated)
	}
	return session.principalID, nil
}

func (s *MemoryStore) RevokeAccessToken(_ context.Context, jti string, exp time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[jti] = exp
	return nil
}

func (s *MemoryStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.revoked[jti]
	return ok, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}
