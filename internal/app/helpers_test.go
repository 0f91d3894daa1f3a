package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/require"

	"gitvox/api/internal/config"
	"gitvox/api/internal/gitmirror"
	"gitvox/api/internal/logging"
	"gitvox/api/internal/store"
)

type testAPI struct {
	t        *testing.T
	server   *httptest.Server
	service  *Service
	memory   *store.MemoryStore
	upstream string
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:     "test-secret",
		AccessTTL:     time.Hour,
		RefreshTTL:    24 * time.Hour,
		CORSOrigin:    "*",
		MessageRate:   100,
		MessageBurst:  100,
		OutboxSize:    64,
		MaxMessageLen: 4000,
		MirrorTimeout: 10 * time.Second,
		CommitLimit:   50,
		DevLogin:      true,
	}
}

// newTestAPI serves the full router over a memory store. Wrap, when set,
// replaces the store the service sees.
func newTestAPI(t *testing.T, tweak func(*config.Config), wrap func(*store.MemoryStore) store.Store) *testAPI {
	t.Helper()
	cfg := testConfig()
	if tweak != nil {
		tweak(&cfg)
	}

	memory := store.NewMemoryStore()
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	memory.SetClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	})
	var st store.Store = memory
	if wrap != nil {
		st = wrap(memory)
	}

	logger := logging.Discard()
	svc := NewService(cfg, st, nil, gitmirror.New(t.TempDir(), cfg.MirrorTimeout), nil, logger)
	server := httptest.NewServer(NewHTTPServer(svc, cfg.CORSOrigin, logger).Handler())
	t.Cleanup(func() {
		server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})

	return &testAPI{
		t:        t,
		server:   server,
		service:  svc,
		memory:   memory,
		upstream: newUpstream(t),
	}
}

// newUpstream creates a local repository at <tmp>/acme/widget with two
// commits, so its path parses as owner "acme" and name "widget".
func newUpstream(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "acme", "widget")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	worktree, err := repo.Worktree()
	require.NoError(t, err)

	base := time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)
	for i, body := range []string{"hello\n", "hello again\n"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte(body), 0o644))
		_, err := worktree.Add("README.md")
		require.NoError(t, err)
		_, err = worktree.Commit("commit "+body, &git.CommitOptions{
			Author: &object.Signature{Name: "Avery", Email: "avery@example.com", When: base.Add(time.Duration(i) * time.Hour)},
		})
		require.NoError(t, err)
	}
	return dir
}

func (a *testAPI) do(method, path, token string, body any) (int, map[string]any) {
	a.t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(a.t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, a.server.URL+path, reader)
	require.NoError(a.t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := a.server.Client().Do(req)
	require.NoError(a.t, err)
	defer resp.Body.Close()

	payload := map[string]any{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(a.t, err)
	if len(bytes.TrimSpace(raw)) > 0 {
		require.NoError(a.t, json.Unmarshal(raw, &payload), "body=%s", raw)
	}
	return resp.StatusCode, payload
}

// login signs handle in and returns its access token.
func (a *testAPI) login(handle string) string {
	a.t.Helper()
	status, payload := a.do(http.MethodPost, "/api/session/login", "", map[string]any{"handle": handle})
	require.Equal(a.t, http.StatusOK, status, "login %s: %v", handle, payload)
	token, _ := payload["token"].(string)
	require.NotEmpty(a.t, token)
	return token
}

// createRepo registers the upstream as token's repository and returns its id.
func (a *testAPI) createRepo(token string) string {
	a.t.Helper()
	status, payload := a.do(http.MethodPost, "/api/repos", token, map[string]any{"url": a.upstream + ".git/"})
	require.Equal(a.t, http.StatusOK, status, "create repo: %v", payload)
	repo := payload["repository"].(map[string]any)
	return repo["id"].(string)
}

// addMember invites handle into repoID as owner and accepts as the invitee.
func (a *testAPI) addMember(ownerToken, repoID, handle, handleToken string) {
	a.t.Helper()
	status, payload := a.do(http.MethodPost, "/api/repos/"+repoID+"/collaborators", ownerToken, map[string]any{"handle": handle})
	require.Equal(a.t, http.StatusOK, status, "invite: %v", payload)
	status, payload = a.do(http.MethodPost, "/api/repos/"+repoID+"/accept", handleToken, nil)
	require.Equal(a.t, http.StatusOK, status, "accept: %v", payload)
}

func items(payload map[string]any) []map[string]any {
	raw, _ := payload["items"].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		out = append(out, item.(map[string]any))
	}
	return out
}

func stringSlice(values []any) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, v.(string))
	}
	return out
}
