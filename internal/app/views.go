package app

import (
	"time"

	"gitvox/api/internal/identity"
	"gitvox/api/internal/rbac"
	"gitvox/api/internal/store"
)

type principalJSON struct {
	ID          string `json:"id"`
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty"`
	Role        string `json:"role"`
}

func principalView(p store.Principal) principalJSON {
	return principalJSON{
		ID:          p.ID,
		Handle:      p.Handle,
		DisplayName: p.DisplayName,
		AvatarRef:   p.AvatarRef,
		Role:        p.Role,
	}
}

func sessionView(s identity.Session) map[string]any {
	return map[string]any{
		"token":        s.Token,
		"refreshToken": s.RefreshToken,
		"expiresAt":    s.ExpiresAt.UTC(),
		"principal":    principalView(s.Principal),
	}
}

type repositoryJSON struct {
	ID              string     `json:"id"`
	URL             string     `json:"url"`
	Name            string     `json:"name"`
	SourceOwner     string     `json:"sourceOwner"`
	Owner           string     `json:"owner"`
	AcceptedMembers []string   `json:"acceptedMembers"`
	PendingMembers  []string   `json:"pendingMembers"`
	LastSyncedAt    *time.Time `json:"lastSyncedAt"`
	CreatedAt       time.Time  `json:"createdAt"`
}

func repositoryView(r store.Repository) repositoryJSON {
	accepted := r.AcceptedMembers
	if accepted == nil {
		accepted = []string{}
	}
	pending := r.PendingMembers
	if pending == nil {
		pending = []string{}
	}
	return repositoryJSON{
		ID:              r.ID,
		URL:             r.CanonicalURL,
		Name:            r.DisplayName,
		SourceOwner:     r.SourceOwnerHandle,
		Owner:           r.OwnerHandle,
		AcceptedMembers: accepted,
		PendingMembers:  pending,
		LastSyncedAt:    r.LastSyncedAt,
		CreatedAt:       r.CreatedAt,
	}
}

// viewerJSON tells a client what the caller may do in a repository.
type viewerJSON struct {
	Role    rbac.Role     `json:"role"`
	Actions []rbac.Action `json:"actions"`
}

func viewerView(r store.Repository, handle string) viewerJSON {
	role := rbac.RoleOf(r, handle)
	return viewerJSON{Role: role, Actions: rbac.Allowed(role)}
}

type repositorySummaryJSON struct {
	repositoryJSON
	Viewer viewerJSON `json:"viewer"`
}

func repositoryViews(items []store.Repository, handle string) []repositorySummaryJSON {
	out := make([]repositorySummaryJSON, 0, len(items))
	for _, item := range items {
		out = append(out, repositorySummaryJSON{repositoryJSON: repositoryView(item), Viewer: viewerView(item, handle)})
	}
	return out
}

type commitJSON struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

func commitViews(items []store.CommitInfo) []commitJSON {
	out := make([]commitJSON, 0, len(items))
	for _, c := range items {
		out = append(out, commitJSON{Hash: c.Hash, Message: c.Message, Author: c.Author, CreatedAt: c.CreatedAt})
	}
	return out
}

type senderJSON struct {
	ID          string `json:"id"`
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}

type messageJSON struct {
	ID           string     `json:"id"`
	RepositoryID string     `json:"repositoryId"`
	CommitHash   string     `json:"commitHash"`
	Sender       senderJSON `json:"sender"`
	Body         string     `json:"body"`
	SentAt       time.Time  `json:"sentAt"`
}

func messageView(m store.Message) messageJSON {
	return messageJSON{
		ID:           m.ID,
		RepositoryID: m.RepositoryID,
		CommitHash:   m.CommitHash,
		Sender: senderJSON{
			ID:          m.SenderPrincipalID,
			Handle:      m.SenderHandle,
			DisplayName: m.SenderDisplayName,
			AvatarRef:   m.SenderAvatarRef,
		},
		Body:   m.Body,
		SentAt: m.SentAt,
	}
}

func messageViews(items []store.Message) []messageJSON {
	out := make([]messageJSON, 0, len(items))
	for _, m := range items {
		out = append(out, messageView(m))
	}
	return out
}

type defectJSON struct {
	ID           string    `json:"id"`
	RepositoryID string    `json:"repositoryId"`
	CommitHash   string    `json:"commitHash"`
	Reporter     string    `json:"reporter"`
	Description  string    `json:"description"`
	Severity     string    `json:"severity"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
}

func defectView(d store.DefectReport) defectJSON {
	return defectJSON{
		ID:           d.ID,
		RepositoryID: d.RepositoryID,
		CommitHash:   d.CommitHash,
		Reporter:     d.ReporterHandle,
		Description:  d.Description,
		Severity:     string(d.Severity),
		Status:       string(d.Status),
		CreatedAt:    d.CreatedAt,
	}
}

func defectViews(items []store.DefectReport) []defectJSON {
	out := make([]defectJSON, 0, len(items))
	for _, d := range items {
		out = append(out, defectView(d))
	}
	return out
}

type notificationJSON struct {
	ID        string    `json:"id"`
	Kind      string    `json:"type"`
	Message   string    `json:"message"`
	Link      string    `json:"link"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

func notificationView(n store.Notification) notificationJSON {
	return notificationJSON{
		ID:        n.ID,
		Kind:      n.Kind,
		Message:   n.Message,
		Link:      n.Link,
		Read:      n.Read,
		CreatedAt: n.CreatedAt,
	}
}

func notificationViews(items []store.Notification) []notificationJSON {
	out := make([]notificationJSON, 0, len(items))
	for _, n := range items {
		out = append(out, notificationView(n))
	}
	return out
}

func detailView(d RepositoryDetail, handle string) map[string]any {
	return map[string]any{
		"repository": repositoryView(d.Repository),
		"commits":    commitViews(d.Commits),
		"viewer":     viewerView(d.Repository, handle),
	}
}
