// Package room multiplexes live connections into broadcast groups, one per
// (repository, commit) pair.
package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"gitvox/api/internal/apperr"
	"gitvox/api/internal/store"
	"gitvox/api/internal/util"
)

var (
	ErrRateLimited = errors.New("rate limited")
	ErrClosed      = errors.New("registry closed")
)

type Key struct {
	RepositoryID string
	CommitHash   string
}

func (k Key) valid() bool {
	return strings.TrimSpace(k.RepositoryID) != "" && strings.TrimSpace(k.CommitHash) != ""
}

type EventKind string

const (
	EventMessage      EventKind = "receive_message"
	EventNotification EventKind = "notification"
	EventError        EventKind = "error"
)

// Event is one server push. Exactly one payload is set, matching Kind.
type Event struct {
	Kind         EventKind
	Message      *store.Message
	Notification *store.Notification
	Code         string
	Text         string
}

// Gate decides whether a handle may enter a repository's rooms.
type Gate interface {
	CanJoin(ctx context.Context, repoID, handle string) (bool, error)
}

type MessageWriter interface {
	InsertMessage(ctx context.Context, msg store.Message) (store.Message, error)
}

type Options struct {
	OutboxSize    int
	MessageRate   float64
	MessageBurst  int
	MaxMessageLen int
	// OnMessage runs on the group's sequencer after each broadcast.
	OnMessage func(store.Message)
}

// Session is one live connection. Its outbox is drained by the transport.
type Session struct {
	id        string
	principal store.Principal
	out       chan Event
	limiter   *rate.Limiter

	// guarded by Registry.mu
	groups map[Key]struct{}
	closed bool
}

func (s *Session) ID() string                 { return s.id }
func (s *Session) Principal() store.Principal { return s.principal }

// Events is closed once the session has left the registry.
func (s *Session) Events() <-chan Event { return s.out }

type publishRequest struct {
	ctx    context.Context
	sender store.Principal
	body   string
	result chan error
}

type group struct {
	key     Key
	members map[*Session]struct{}
	queue   chan publishRequest
	pending int
	closed  bool
}

type Registry struct {
	gate     Gate
	messages MessageWriter
	logger   *slog.Logger
	opts     Options

	mu          sync.Mutex
	groups      map[Key]*group
	byPrincipal map[string]map[*Session]struct{}
	closed      bool
	workers     sync.WaitGroup
}

func NewRegistry(gate Gate, messages MessageWriter, logger *slog.Logger, opts Options) *Registry {
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = 64
	}
	if opts.MessageRate <= 0 {
		opts.MessageRate = 5
	}
	if opts.MessageBurst <= 0 {
		opts.MessageBurst = 10
	}
	if opts.MaxMessageLen <= 0 {
		opts.MaxMessageLen = 4000
	}
	return &Registry{
		gate:        gate,
		messages:    messages,
		logger:      logger,
		opts:        opts,
		groups:      make(map[Key]*group),
		byPrincipal: make(map[string]map[*Session]struct{}),
	}
}

// Connect registers a live connection for principal.
func (r *Registry) Connect(principal store.Principal) (*Session, error) {
	s := &Session{
		id:        util.NewID("sess"),
		principal: principal,
		out:       make(chan Event, r.opts.OutboxSize),
		limiter:   rate.NewLimiter(rate.Limit(r.opts.MessageRate), r.opts.MessageBurst),
		groups:    make(map[Key]struct{}),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	sessions := r.byPrincipal[principal.ID]
	if sessions == nil {
		sessions = make(map[*Session]struct{})
		r.byPrincipal[principal.ID] = sessions
	}
	sessions[s] = struct{}{}
	return s, nil
}

// Join adds s to the group for key when its principal is an accepted member.
// Denial is silent: no error and no event. Only non-authorization failures
// are returned.
func (r *Registry) Join(ctx context.Context, s *Session, key Key) error {
	if !key.valid() {
		return fmt.Errorf("join: repository and commit are required: %w", apperr.ErrInvalid)
	}
	ok, err := r.gate.CanJoin(ctx, key.RepositoryID, s.principal.Handle)
	if err != nil {
		if apperr.Authorization(err) {
			return nil
		}
		return fmt.Errorf("join %s@%s: %w", key.RepositoryID, key.CommitHash, err)
	}
	if !ok {
		r.logger.Debug("join withheld", "session", s.id, "repo", key.RepositoryID, "commit", key.CommitHash)
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s.closed || r.closed {
		return nil
	}
	g := r.groups[key]
	if g == nil {
		g = &group{
			key:     key,
			members: make(map[*Session]struct{}),
			queue:   make(chan publishRequest, r.opts.OutboxSize),
		}
		r.groups[key] = g
		r.workers.Add(1)
		go r.sequence(g)
	}
	g.members[s] = struct{}{}
	s.groups[key] = struct{}{}
	return nil
}

// Publish persists body as a message from s and broadcasts it to every
// member of the group, sender included. A session that is not a member of
// exactly that group is ignored without error.
func (r *Registry) Publish(ctx context.Context, s *Session, key Key, body string) error {
	r.mu.Lock()
	g := r.groups[key]
	if g == nil || s.closed {
		r.mu.Unlock()
		return nil
	}
	if _, member := g.members[s]; !member {
		r.mu.Unlock()
		return nil
	}
	if strings.TrimSpace(body) == "" {
		r.mu.Unlock()
		return fmt.Errorf("message body is required: %w", apperr.ErrInvalid)
	}
	if utf8.RuneCountInString(body) > r.opts.MaxMessageLen {
		r.mu.Unlock()
		return fmt.Errorf("message longer than %d characters: %w", r.opts.MaxMessageLen, apperr.ErrInvalid)
	}
	if !s.limiter.Allow() {
		r.mu.Unlock()
		return ErrRateLimited
	}
	g.pending++
	req := publishRequest{ctx: ctx, sender: s.principal, body: body, result: make(chan error, 1)}
	r.mu.Unlock()

	g.queue <- req
	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sequence persists and broadcasts one group's publishes one at a time, so
// every member sees the store's order.
func (r *Registry) sequence(g *group) {
	defer r.workers.Done()
	for req := range g.queue {
		msg, err := r.messages.InsertMessage(context.WithoutCancel(req.ctx), store.Message{
			ID:                util.NewID("msg"),
			RepositoryID:      g.key.RepositoryID,
			CommitHash:        g.key.CommitHash,
			SenderPrincipalID: req.sender.ID,
			Body:              req.body,
		})
		if err == nil {
			r.broadcast(g, Event{Kind: EventMessage, Message: &msg})
			if r.opts.OnMessage != nil {
				r.opts.OnMessage(msg)
			}
		} else {
			r.logger.Error("persist message failed", "repo", g.key.RepositoryID, "commit", g.key.CommitHash, "error", err)
		}
		req.result <- err

		r.mu.Lock()
		g.pending--
		r.reapLocked(g)
		r.mu.Unlock()
	}
}

func (r *Registry) broadcast(g *group, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for s := range g.members {
		r.deliverLocked(s, ev)
	}
}

// deliverLocked never blocks: a full outbox loses the event for that
// session only.
func (r *Registry) deliverLocked(s *Session, ev Event) {
	if s.closed {
		return
	}
	select {
	case s.out <- ev:
	default:
		r.logger.Warn("outbox full, event dropped", "session", s.id, "kind", string(ev.Kind))
	}
}

// reapLocked retires a group once nobody is in it and nothing is queued.
func (r *Registry) reapLocked(g *group) {
	if g.closed || g.pending > 0 || len(g.members) > 0 {
		return
	}
	g.closed = true
	close(g.queue)
	if r.groups[g.key] == g {
		delete(r.groups, g.key)
	}
}

// Send pushes ev to one session.
func (r *Registry) Send(s *Session, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliverLocked(s, ev)
}

// Notify pushes ev to every live session of principalID.
func (r *Registry) Notify(principalID string, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for s := range r.byPrincipal[principalID] {
		r.deliverLocked(s, ev)
	}
}

// Leave drops s from every group it joined and closes its outbox. Publishes
// already queued still complete for the remaining members.
func (r *Registry) Leave(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(s)
}

// Evict removes every session of principalID from the groups of repoID and
// reports how many memberships it dropped. The sessions stay connected.
func (r *Registry) Evict(repoID, principalID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for s := range r.byPrincipal[principalID] {
		for key := range s.groups {
			if key.RepositoryID != repoID {
				continue
			}
			if g := r.groups[key]; g != nil {
				delete(g.members, s)
				r.reapLocked(g)
			}
			delete(s.groups, key)
			evicted++
		}
	}
	return evicted
}

func (r *Registry) leaveLocked(s *Session) {
	if s.closed {
		return
	}
	for key := range s.groups {
		if g := r.groups[key]; g != nil {
			delete(g.members, s)
			r.reapLocked(g)
		}
	}
	s.groups = nil
	if sessions := r.byPrincipal[s.principal.ID]; sessions != nil {
		delete(sessions, s)
		if len(sessions) == 0 {
			delete(r.byPrincipal, s.principal.ID)
		}
	}
	s.closed = true
	close(s.out)
}

type Stats struct {
	Groups   int `json:"groups"`
	Sessions int `json:"sessions"`
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := Stats{Groups: len(r.groups)}
	for _, sessions := range r.byPrincipal {
		stats.Sessions += len(sessions)
	}
	return stats
}

// Close disconnects every session and waits for queued publishes to drain.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	for _, sessions := range r.byPrincipal {
		for s := range sessions {
			r.leaveLocked(s)
		}
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
