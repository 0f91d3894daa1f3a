// Package gitmirror keeps bare local mirrors of hosted repositories and
// reads their commit history.
package gitmirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"gitvox/api/internal/apperr"
	"gitvox/api/internal/store"
)

var ErrNoMirror = errors.New("repository not mirrored yet")

type Service struct {
	baseDir string
	timeout time.Duration
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Service{
		baseDir: baseDir,
		timeout: timeout,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Sync clones remoteURL into a bare mirror on first use and fetches every
// branch afterwards. credential, when set, is sent as a token over HTTPS.
func (s *Service) Sync(ctx context.Context, repoID, remoteURL, credential string) error {
	lock := s.repoLock(repoID)
	lock.Lock()
	defer lock.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	path := s.repoPath(repoID)
	auth := authFor(credential)

	repo, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		if err := os.MkdirAll(s.baseDir, 0o755); err != nil {
			return fmt.Errorf("create mirror dir: %w", err)
		}
		_, err = git.PlainCloneContext(ctx, path, true, &git.CloneOptions{
			URL:  remoteURL,
			Auth: auth,
			Tags: git.NoTags,
		})
		if err != nil {
			_ = os.RemoveAll(path)
			return classify("clone", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("open mirror: %w", err)
	}

	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: git.DefaultRemoteName,
		RefSpecs:   []gitconfig.RefSpec{"+refs/heads/*:refs/heads/*"},
		Auth:       auth,
		Force:      true,
		Tags:       git.NoTags,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return classify("fetch", err)
	}
	return nil
}

// History lists up to limit commits reachable from the mirror's HEAD,
// newest first.
func (s *Service) History(repoID string, limit int) ([]store.CommitInfo, error) {
	lock := s.repoLock(repoID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(repoID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrNoMirror
	}
	if err != nil {
		return nil, fmt.Errorf("open mirror: %w", err)
	}

	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return []store.CommitInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash(), Order: git.LogOrderCommitterTime})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]store.CommitInfo, 0, max(limit, 0))
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

func (s *Service) repoPath(repoID string) string {
	return filepath.Join(s.baseDir, repoID+".git")
}

func (s *Service) repoLock(repoID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[repoID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[repoID] = lock
	return lock
}

func authFor(credential string) transport.AuthMethod {
	if credential == "" {
		return nil
	}
	return &githttp.BasicAuth{Username: "x-access-token", Password: credential}
}

// classify marks failures a retry could fix as transient. Authentication
// and missing-repository answers from the remote are permanent.
func classify(op string, err error) error {
	switch {
	case errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed):
		return fmt.Errorf("%s: %w: %w", op, apperr.ErrPermissionDenied, err)
	case errors.Is(err, transport.ErrRepositoryNotFound):
		return fmt.Errorf("%s: %w: %w", op, apperr.ErrNotFound, err)
	case errors.Is(err, transport.ErrEmptyRemoteRepository):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return fmt.Errorf("%s: %w: %w", op, apperr.ErrTransient, err)
	}
}

func toCommitInfo(commitObj *object.Commit) store.CommitInfo {
	return store.CommitInfo{
		Hash:      commitObj.Hash.String(),
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}
