package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"formpilot/api/internal/docstore"
)

// StoreSearcher answers queries with the document store's case-insensitive
// title match. It is always healthy: when the store is down, so is the API.
type StoreSearcher struct {
	store docstore.Store
}

func NewStoreSearcher(store docstore.Store) *StoreSearcher {
	return &StoreSearcher{store: store}
}

func (s *StoreSearcher) Healthy() bool {
	return true
}

func (s *StoreSearcher) Search(ctx context.Context, q Query) ([]Result, int, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, 0, nil
	}
	filters := []docstore.Filter{docstore.Search("title", text)}
	if q.WorkspaceID != "" {
		filters = append(filters, docstore.Eq("workspaceId", q.WorkspaceID))
	}
	docs, total, err := s.store.List(ctx, docstore.CollectionForms, docstore.Query{
		Filters: filters,
		OrderBy: "updatedAt",
		Desc:    true,
		Limit:   limitOf(q),
		Offset:  max(q.Offset, 0),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("store search: %w", err)
	}

	results := make([]Result, 0, len(docs))
	for _, doc := range docs {
		rec := recordFromDocument(doc)
		results = append(results, Result{
			ID:          rec.ID,
			Title:       highlight(rec.Title, text),
			Snippet:     rec.Description,
			WorkspaceID: rec.WorkspaceID,
			IsPublic:    rec.IsPublic,
		})
	}
	return results, total, nil
}

// LoadAll reads every stored form as an index record, in pages.
func (s *StoreSearcher) LoadAll(ctx context.Context) ([]FormRecord, error) {
	const page = 200
	var records []FormRecord
	for offset := 0; ; offset += page {
		docs, total, err := s.store.List(ctx, docstore.CollectionForms, docstore.Query{OrderBy: "id", Limit: page, Offset: offset})
		if err != nil {
			return nil, fmt.Errorf("load forms: %w", err)
		}
		for _, doc := range docs {
			records = append(records, recordFromDocument(doc))
		}
		if len(docs) == 0 || offset+len(docs) >= total {
			return records, nil
		}
	}
}

// recordFromDocument reads the indexed fields straight off a stored form;
// questions are kept as a JSON string.
func recordFromDocument(doc docstore.Document) FormRecord {
	str := func(key string) string {
		s, _ := doc.Data[key].(string)
		return s
	}
	isPublic, _ := doc.Data["isPublic"].(bool)

	var questions []struct {
		Title string `json:"title"`
	}
	var titles []string
	if err := json.Unmarshal([]byte(str("questions")), &questions); err == nil {
		for _, q := range questions {
			if t := strings.TrimSpace(q.Title); t != "" {
				titles = append(titles, t)
			}
		}
	}

	return FormRecord{
		ID:          doc.ID,
		Title:       str("title"),
		Description: str("description"),
		Questions:   strings.Join(titles, "\n"),
		WorkspaceID: str("workspaceId"),
		IsPublic:    isPublic,
	}
}

// highlight wraps the first case-insensitive match of term in <mark>.
func highlight(text, term string) string {
	lower := strings.ToLower(text)
	if len(lower) != len(text) {
		return text
	}
	i := strings.Index(lower, strings.ToLower(term))
	if i < 0 || term == "" {
		return text
	}
	return text[:i] + "<mark>" + text[i:i+len(term)] + "</mark>" + text[i+len(term):]
}
