package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"gitvox/api/internal/apperr"
	"gitvox/api/internal/store"
)

const (
	defaultLimit = 20
	maxLimit     = 50
)

// Service tries Meilisearch first and falls back to the store.
type Service struct {
	meili    *Meili
	fallback *StoreSearcher
	logger   *slog.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, fallback *StoreSearcher, logger *slog.Logger) *Service {
	return &Service{meili: meili, fallback: fallback, logger: logger}
}

func (s *Service) Search(ctx context.Context, q Query) (Response, error) {
	q.Text = strings.TrimSpace(q.Text)
	if q.RepositoryID == "" {
		return Response{}, fmt.Errorf("search needs a repository: %w", apperr.ErrInvalid)
	}
	if q.Text == "" {
		return Response{Results: []Result{}, Query: q.Text, Engine: "none"}, nil
	}
	switch {
	case q.Limit <= 0:
		q.Limit = defaultLimit
	case q.Limit > maxLimit:
		q.Limit = maxLimit
	}

	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: "meilisearch"}, nil
		}
		s.logger.Warn("meilisearch error, falling back to store search", "error", err)
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		return Response{}, err
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: "store"}, nil
}

// IndexMessage indexes a message (fire-and-forget to Meilisearch).
func (s *Service) IndexMessage(m store.Message) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	rec := MessageToRecord(m)
	go func() {
		if err := s.meili.IndexMessage(rec); err != nil {
			s.logger.Warn("index message failed", "message", rec.ID, "error", err)
		}
	}()
}

// IndexDefect indexes a defect (fire-and-forget to Meilisearch).
func (s *Service) IndexDefect(d store.DefectReport) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	rec := DefectToRecord(d)
	go func() {
		if err := s.meili.IndexDefect(rec); err != nil {
			s.logger.Warn("index defect failed", "defect", rec.ID, "error", err)
		}
	}()
}

func (s *Service) Close() {
	if s.meili != nil {
		s.meili.Close()
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
