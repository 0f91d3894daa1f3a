// Package search finds chat messages and defect reports inside one
// repository.
package search

import "time"

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultMessage ResultType = "message"
	ResultDefect  ResultType = "defect"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type         ResultType `json:"type"`
	ID           string     `json:"id"`
	RepositoryID string     `json:"repositoryId"`
	CommitHash   string     `json:"commitHash"`
	Actor        string     `json:"actor"`
	Snippet      string     `json:"snippet"`
	Severity     string     `json:"severity,omitempty"`
	Status       string     `json:"status,omitempty"`
	OccurredAt   time.Time  `json:"occurredAt"`
}

// Query describes a search request. RepositoryID is required.
type Query struct {
	RepositoryID string
	Text         string
	Limit        int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Engine  string   `json:"engine"`
}

// MessageRecord is the data we index for a chat message.
type MessageRecord struct {
	ID           string `json:"id"`
	RepositoryID string `json:"repositoryId"`
	CommitHash   string `json:"commitHash"`
	Sender       string `json:"sender"`
	Body         string `json:"body"`
	SentAt       int64  `json:"sentAt"`
}

// DefectRecord is the data we index for a defect report.
type DefectRecord struct {
	ID           string `json:"id"`
	RepositoryID string `json:"repositoryId"`
	CommitHash   string `json:"commitHash"`
	Reporter     string `json:"reporter"`
	Description  string `json:"description"`
	Severity     string `json:"severity"`
	Status       string `json:"status"`
	CreatedAt    int64  `json:"createdAt"`
}
