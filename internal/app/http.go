package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"gitvox/api/internal/apperr"
	"gitvox/api/internal/identity"
	"gitvox/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *slog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, logger *slog.Logger) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withRequestLog)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{s.corsOrigin},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Get("/api/ready", s.handleReady)

	r.Post("/api/session/login", s.handleLogin)
	r.Post("/api/session/refresh", s.handleRefresh)
	r.Post("/api/session/logout", s.handleLogout)
	r.Get("/api/session", s.handleSession)

	// The websocket acceptor authenticates on its own so it can also read
	// the token from the query string.
	r.Get("/api/ws", s.handleWebsocket)

	r.Group(func(r chi.Router) {
		r.Use(s.requireIdentity)

		r.Get("/api/me", s.handleMe)

		r.Get("/api/repos", s.handleListRepositories)
		r.Post("/api/repos", s.handleCreateRepository)
		r.Route("/api/repos/{repoID}", func(r chi.Router) {
			r.Get("/", s.handleGetRepository)
			r.Post("/collaborators", s.handleInvite)
			r.Delete("/collaborators/{handle}", s.handleRevoke)
			r.Post("/accept", s.handleAccept)
			r.Get("/messages", s.handleListMessages)
			r.Get("/defects", s.handleListDefects)
			r.Post("/defects", s.handleSubmitDefect)
			r.Get("/activity", s.handleRepositoryFeed)
			r.Get("/search", s.handleSearch)
		})
		r.Post("/api/defects/{defectID}/toggle", s.handleToggleDefect)

		r.Get("/api/activity/feed", s.handlePrincipalFeed)

		r.Get("/api/notifications", s.handleListNotifications)
		r.Post("/api/notifications/{notificationID}/read", s.handleMarkNotificationRead)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return r
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
		"rooms":    s.service.Rooms().Stats(),
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// Session handlers

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Handle      string `json:"handle"`
		DisplayName string `json:"displayName"`
		AvatarRef   string `json:"avatarRef"`
		Credential  string `json:"credential"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.Login(r.Context(), identity.LoginInput{
		Handle:      body.Handle,
		DisplayName: body.DisplayName,
		AvatarRef:   body.AvatarRef,
		Credential:  body.Credential,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionView(session))
}

func (s *HTTPServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionView(session))
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	id := identity.Identity{}
	if token := bearerToken(r); token != "" {
		if resolved, err := s.service.Resolve(r.Context(), token); err == nil {
			id = resolved
		}
	}
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = decodeBody(r, &body)
	if err := s.service.Logout(r.Context(), id, body.RefreshToken); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "principal": nil})
		return
	}
	id, err := s.service.Resolve(r.Context(), token)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "principal": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "principal": principalView(id.Principal)})
}

func (s *HTTPServer) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, principalView(caller(r)))
}

// Repository handlers

func (s *HTTPServer) handleListRepositories(w http.ResponseWriter, r *http.Request) {
	principal := caller(r)
	items, err := s.service.ListRepositories(r.Context(), principal)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": repositoryViews(items, principal.Handle)})
}

func (s *HTTPServer) handleCreateRepository(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL string `json:"url"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.URL) == "" {
		s.fail(w, r, fmt.Errorf("url is required: %w", apperr.ErrInvalid))
		return
	}
	principal := caller(r)
	detail, err := s.service.CreateOrAttach(r.Context(), principal, body.URL)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detailView(detail, principal.Handle))
}

func (s *HTTPServer) handleGetRepository(w http.ResponseWriter, r *http.Request) {
	principal := caller(r)
	detail, err := s.service.FetchRepository(r.Context(), principal, chi.URLParam(r, "repoID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detailView(detail, principal.Handle))
}

func (s *HTTPServer) handleInvite(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Handle string `json:"handle"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	repo, err := s.service.Invite(r.Context(), caller(r), chi.URLParam(r, "repoID"), body.Handle)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"repository": repositoryView(repo)})
}

func (s *HTTPServer) handleRevoke(w http.ResponseWriter, r *http.Request) {
	repo, err := s.service.Revoke(r.Context(), caller(r), chi.URLParam(r, "repoID"), chi.URLParam(r, "handle"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"repository": repositoryView(repo)})
}

func (s *HTTPServer) handleAccept(w http.ResponseWriter, r *http.Request) {
	repo, err := s.service.Accept(r.Context(), caller(r), chi.URLParam(r, "repoID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"repository": repositoryView(repo)})
}

// Chat and defect handlers

func (s *HTTPServer) handleListMessages(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.ListMessages(r.Context(), caller(r), chi.URLParam(r, "repoID"), r.URL.Query().Get("commit"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": messageViews(items)})
}

func (s *HTTPServer) handleListDefects(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.ListDefects(r.Context(), caller(r), chi.URLParam(r, "repoID"), r.URL.Query().Get("commit"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": defectViews(items)})
}

func (s *HTTPServer) handleSubmitDefect(w http.ResponseWriter, r *http.Request) {
	var body SubmitDefectInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	defect, err := s.service.SubmitDefect(r.Context(), caller(r), chi.URLParam(r, "repoID"), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, defectView(defect))
}

func (s *HTTPServer) handleToggleDefect(w http.ResponseWriter, r *http.Request) {
	defect, err := s.service.ToggleDefect(r.Context(), caller(r), chi.URLParam(r, "defectID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, defectView(defect))
}

// Feed, search and notification handlers

func (s *HTTPServer) handleRepositoryFeed(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.RepositoryFeed(r.Context(), caller(r), chi.URLParam(r, "repoID"), queryInt(r, "limit"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handlePrincipalFeed(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.PrincipalFeed(r.Context(), caller(r), queryInt(r, "limit"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	resp, err := s.service.Search(r.Context(), caller(r), chi.URLParam(r, "repoID"), r.URL.Query().Get("q"), queryInt(r, "limit"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.ListNotifications(r.Context(), caller(r), queryInt(r, "limit"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": notificationViews(items)})
}

func (s *HTTPServer) handleMarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	if err := s.service.MarkNotificationRead(r.Context(), caller(r), chi.URLParam(r, "notificationID")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// Plumbing

func (s *HTTPServer) requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		id, err := s.service.Resolve(r.Context(), token)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(identity.WithIdentity(r.Context(), id)))
	})
}

func caller(r *http.Request) store.Principal {
	id, _ := identity.FromContext(r.Context())
	return id.Principal
}

// fail maps err onto the response and logs anything unexpected.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"request_id", requestID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"error", err,
		)
	}
	writeError(w, status, code, message, nil)
}

func (s *HTTPServer) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = randomRequestID()
		}
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id))

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("X-Request-ID", id)
		writer.Header().Set("Cache-Control", "no-store")

		next.ServeHTTP(writer, r)

		s.logger.Info("http request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrade take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func queryInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get(key)))
	if err != nil {
		return 0
	}
	return n
}
