package search

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const (
	idxMessages = "gitvox_messages"
	idxDefects  = "gitvox_defects"
)

// Meili searches and indexes through Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	logger  *slog.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures indexes. An
// unreachable server is not fatal; the health loop keeps probing.
func NewMeili(url, apiKey string, logger *slog.Logger) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		logger: logger,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		logger.Warn("meilisearch unavailable", "url", url, "error", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		filterable []string
		searchable []string
		sortable   []string
	}{
		{
			uid:        idxMessages,
			filterable: []string{"repositoryId", "commitHash", "sender"},
			searchable: []string{"body"},
			sortable:   []string{"sentAt"},
		},
		{
			uid:        idxDefects,
			filterable: []string{"repositoryId", "commitHash", "severity", "status"},
			searchable: []string{"description"},
			sortable:   []string{"createdAt"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        idx.uid,
			PrimaryKey: "id",
		}); err != nil {
			m.logger.Debug("create index (may already exist)", "index", idx.uid, "error", err)
		}

		index := m.client.Index(idx.uid)
		filterable := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterable[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
			m.logger.Warn("update filterable attributes", "index", idx.uid, "error", err)
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			m.logger.Warn("update searchable attributes", "index", idx.uid, "error", err)
		}
		if _, err := index.UpdateSortableAttributes(&idx.sortable); err != nil {
			m.logger.Warn("update sortable attributes", "index", idx.uid, "error", err)
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries both indexes for one repository and merges the hits.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	filter := fmt.Sprintf("repositoryId = %q", q.RepositoryID)
	queries := []*meili.SearchRequest{
		{
			IndexUID:              idxMessages,
			Query:                 q.Text,
			Limit:                 int64(q.Limit),
			Filter:                filter,
			AttributesToHighlight: []string{"body"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
		},
		{
			IndexUID:              idxDefects,
			Query:                 q.Text,
			Limit:                 int64(q.Limit),
			Filter:                filter,
			AttributesToHighlight: []string{"description"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
		},
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{Queries: queries})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, indexToResultType(sr.IndexUID)))
		}
	}
	if len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, total, nil
}

func indexToResultType(uid string) ResultType {
	switch uid {
	case idxMessages:
		return ResultMessage
	case idxDefects:
		return ResultDefect
	default:
		return ""
	}
}

func hitToResult(hit meili.Hit, rtyp ResultType) Result {
	r := Result{Type: rtyp}
	r.ID = decodeString(hit, "id")
	r.RepositoryID = decodeString(hit, "repositoryId")
	r.CommitHash = decodeString(hit, "commitHash")

	switch rtyp {
	case ResultMessage:
		r.Actor = decodeString(hit, "sender")
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "body"), decodeString(hit, "body"))
		r.OccurredAt = time.UnixMilli(decodeInt(hit, "sentAt")).UTC()
	case ResultDefect:
		r.Actor = decodeString(hit, "reporter")
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "description"), decodeString(hit, "description"))
		r.Severity = decodeString(hit, "severity")
		r.Status = decodeString(hit, "status")
		r.OccurredAt = time.UnixMilli(decodeInt(hit, "createdAt")).UTC()
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeInt(hit meili.Hit, key string) int64 {
	raw, ok := hit[key]
	if !ok {
		return 0
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	return 0
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]any
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	value, _ := formatted[key].(string)
	return strings.TrimSpace(value)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexMessage adds or updates a message in the search index.
func (m *Meili) IndexMessage(rec MessageRecord) error {
	_, err := m.client.Index(idxMessages).AddDocuments([]MessageRecord{rec}, nil)
	return err
}

// IndexDefect adds or replaces a defect, including its current status.
func (m *Meili) IndexDefect(rec DefectRecord) error {
	_, err := m.client.Index(idxDefects).AddDocuments([]DefectRecord{rec}, nil)
	return err
}
