package store

import (
	"slices"
	"time"
)

type Principal struct {
	ID          string
	Handle      string
	DisplayName string
	AvatarRef   string
	Role        string
	// Credential is the upstream access token used to mirror private
	// repositories. Never sent to clients.
	Credential string
	CreatedAt  time.Time
}

type MemberState string

const (
	MemberAbsent   MemberState = ""
	MemberPending  MemberState = "pending"
	MemberAccepted MemberState = "accepted"
)

type Repository struct {
	ID                string
	CanonicalURL      string
	OwnerPrincipalID  string
	OwnerHandle       string
	DisplayName       string
	SourceOwnerHandle string
	AcceptedMembers   []string
	PendingMembers    []string
	LastSyncedAt      *time.Time
	CreatedAt         time.Time
}

// State reports which membership set holds handle.
func (r Repository) State(handle string) MemberState {
	if slices.Contains(r.AcceptedMembers, handle) {
		return MemberAccepted
	}
	if slices.Contains(r.PendingMembers, handle) {
		return MemberPending
	}
	return MemberAbsent
}

// Clone returns a copy whose member slices can be mutated independently.
func (r Repository) Clone() Repository {
	out := r
	out.AcceptedMembers = slices.Clone(r.AcceptedMembers)
	out.PendingMembers = slices.Clone(r.PendingMembers)
	if r.LastSyncedAt != nil {
		synced := *r.LastSyncedAt
		out.LastSyncedAt = &synced
	}
	return out
}

// MemberStates flattens both sets into handle -> state.
func (r Repository) MemberStates() map[string]MemberState {
	states := make(map[string]MemberState, len(r.AcceptedMembers)+len(r.PendingMembers))
	for _, handle := range r.PendingMembers {
		states[handle] = MemberPending
	}
	for _, handle := range r.AcceptedMembers {
		states[handle] = MemberAccepted
	}
	return states
}

type Message struct {
	ID                string
	Seq               int64
	RepositoryID      string
	CommitHash        string
	SenderPrincipalID string
	SenderHandle      string
	SenderDisplayName string
	SenderAvatarRef   string
	Body              string
	SentAt            time.Time
}

type Severity string

const (
	SeverityLow      Severity = "Low"
	SeverityMedium   Severity = "Medium"
	SeverityCritical Severity = "Critical"
)

func (s Severity) Valid() bool {
	return s == SeverityLow || s == SeverityMedium || s == SeverityCritical
}

type DefectStatus string

const (
	DefectOpen     DefectStatus = "Open"
	DefectResolved DefectStatus = "Resolved"
)

// Toggled returns the opposite status.
func (s DefectStatus) Toggled() DefectStatus {
	if s == DefectResolved {
		return DefectOpen
	}
	return DefectResolved
}

type DefectReport struct {
	ID                  string
	Seq                 int64
	RepositoryID        string
	CommitHash          string
	ReporterPrincipalID string
	ReporterHandle      string
	Description         string
	Severity            Severity
	Status              DefectStatus
	CreatedAt           time.Time
}

const (
	NotificationCollabInvite = "COLLAB_INVITE"
	NotificationBugReport    = "BUG_REPORT"
)

type Notification struct {
	ID          string
	RecipientID string
	Kind        string
	Message     string
	Link        string
	Read        bool
	CreatedAt   time.Time
}

type CommitInfo struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
}
