package gitmirror

import (
	"fmt"
	"strings"

	"gitvox/api/internal/apperr"
)

// Source identifies a hosted repository by its canonical URL.
type Source struct {
	CanonicalURL string
	Owner        string
	Name         string
}

// ParseRepositoryURL normalizes a user-supplied repository URL. Surrounding
// space, trailing slashes and a ".git" suffix are dropped; the last two path
// segments are the owner and the repository name. An owner containing a dot
// means the URL stopped at the host.
func ParseRepositoryURL(raw string) (Source, error) {
	clean := strings.TrimRight(strings.TrimSpace(raw), "/")
	clean = strings.TrimSuffix(clean, ".git")
	clean = strings.TrimRight(clean, "/")

	parts := strings.Split(clean, "/")
	if len(parts) < 2 {
		return Source{}, fmt.Errorf("repository url %q: %w", raw, apperr.ErrInvalid)
	}
	name := parts[len(parts)-1]
	owner := parts[len(parts)-2]
	if name == "" || owner == "" || strings.Contains(owner, ".") || strings.HasSuffix(owner, ":") {
		return Source{}, fmt.Errorf("repository url %q: %w", raw, apperr.ErrInvalid)
	}
	return Source{CanonicalURL: clean, Owner: owner, Name: name}, nil
}
