package search

import (
	"context"
	"sort"

	"gitvox/api/internal/store"
)

type textStore interface {
	SearchMessages(ctx context.Context, repoID, query string, limit int) ([]store.Message, error)
	SearchDefects(ctx context.Context, repoID, query string, limit int) ([]store.DefectReport, error)
}

// StoreSearcher answers queries from the primary store: Postgres full-text
// search in production, substring matching in the memory store.
type StoreSearcher struct {
	store textStore
}

func NewStoreSearcher(st textStore) *StoreSearcher {
	return &StoreSearcher{store: st}
}

func (s *StoreSearcher) Search(ctx context.Context, q Query) ([]Result, int, error) {
	messages, err := s.store.SearchMessages(ctx, q.RepositoryID, q.Text, q.Limit)
	if err != nil {
		return nil, 0, err
	}
	defects, err := s.store.SearchDefects(ctx, q.RepositoryID, q.Text, q.Limit)
	if err != nil {
		return nil, 0, err
	}

	results := make([]Result, 0, len(messages)+len(defects))
	for _, m := range messages {
		results = append(results, MessageResult(m))
	}
	for _, d := range defects {
		results = append(results, DefectResult(d))
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].OccurredAt.After(results[j].OccurredAt)
	})
	total := len(results)
	if len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, total, nil
}

func MessageResult(m store.Message) Result {
	return Result{
		Type:         ResultMessage,
		ID:           m.ID,
		RepositoryID: m.RepositoryID,
		CommitHash:   m.CommitHash,
		Actor:        m.SenderHandle,
		Snippet:      m.Body,
		OccurredAt:   m.SentAt,
	}
}

func DefectResult(d store.DefectReport) Result {
	return Result{
		Type:         ResultDefect,
		ID:           d.ID,
		RepositoryID: d.RepositoryID,
		CommitHash:   d.CommitHash,
		Actor:        d.ReporterHandle,
		Snippet:      d.Description,
		Severity:     string(d.Severity),
		Status:       string(d.Status),
		OccurredAt:   d.CreatedAt,
	}
}

func MessageToRecord(m store.Message) MessageRecord {
	return MessageRecord{
		ID:           m.ID,
		RepositoryID: m.RepositoryID,
		CommitHash:   m.CommitHash,
		Sender:       m.SenderHandle,
		Body:         m.Body,
		SentAt:       m.SentAt.UnixMilli(),
	}
}

func DefectToRecord(d store.DefectReport) DefectRecord {
	return DefectRecord{
		ID:           d.ID,
		RepositoryID: d.RepositoryID,
		CommitHash:   d.CommitHash,
		Reporter:     d.ReporterHandle,
		Description:  d.Description,
		Severity:     string(d.Severity),
		Status:       string(d.Status),
		CreatedAt:    d.CreatedAt.UnixMilli(),
	}
}
