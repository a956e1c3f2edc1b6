// Package search finds forms by text. Meilisearch serves queries when it is
// reachable; otherwise the document store's substring match answers.
package search

import (
	"context"
	"strings"

	"formpilot/api/internal/form"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Snippet     string `json:"snippet"`
	WorkspaceID string `json:"workspaceId,omitempty"`
	IsPublic    bool   `json:"isPublic"`
}

// Query describes a search request.
type Query struct {
	Text        string
	WorkspaceID string
	Limit       int
	Offset      int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Backend string   `json:"backend"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// FormRecord is the data we index for a form.
type FormRecord struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Questions   string `json:"questions"`
	WorkspaceID string `json:"workspaceId"`
	IsPublic    bool   `json:"isPublic"`
}

// RecordFor flattens f into its index record. Question titles are joined
// so a form can be found by what it asks.
func RecordFor(f form.Form) FormRecord {
	titles := make([]string, 0, len(f.Questions))
	for _, q := range f.Questions {
		if t := strings.TrimSpace(q.Title); t != "" {
			titles = append(titles, t)
		}
	}
	return FormRecord{
		ID:          f.ID,
		Title:       f.Title,
		Description: f.Description,
		Questions:   strings.Join(titles, "\n"),
		WorkspaceID: f.WorkspaceID,
		IsPublic:    f.IsPublic,
	}
}

const defaultLimit = 20

func limitOf(q Query) int {
	if q.Limit <= 0 {
		return defaultLimit
	}
	if q.Limit > 100 {
		return 100
	}
	return q.Limit
}
