// Package docstore is a small document database client: named collections of
// JSON documents with equality/search queries and partial unique indexes.
package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	ErrNotFound  = errors.New("document not found")
	ErrConflict  = errors.New("unique index violation")
	ErrTransient = errors.New("transient store failure")
)

const (
	CollectionForms            = "forms"
	CollectionSubmissions      = "submissions"
	CollectionTemplates        = "templates"
	CollectionWorkspaces       = "workspaces"
	CollectionWorkspaceMembers = "workspace_members"
	CollectionWorkspaceInvites = "workspace_invites"
)

type Document struct {
	ID         string         `json:"id"`
	Collection string         `json:"collection"`
	Data       map[string]any `json:"data"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

type Op string

const (
	OpEq     Op = "eq"
	OpSearch Op = "search"
)

type Filter struct {
	Field string
	Op    Op
	Value any
}

func Eq(field string, value any) Filter {
	return Filter{Field: field, Op: OpEq, Value: value}
}

func Search(field, term string) Filter {
	return Filter{Field: field, Op: OpSearch, Value: term}
}

// OrderBy accepts a data field name or one of the metadata fields
// "createdAt", "updatedAt" and "id".
type Query struct {
	Filters []Filter
	OrderBy string
	Desc    bool
	Limit   int
	Offset  int
}

// Index declares a secondary index. Unique indexes reject a second document
// with the same field values. Where restricts the index to documents whose
// fields equal the given values (a partial index). Documents with a missing
// or empty indexed field are not indexed.
type Index struct {
	Name   string
	Fields []string
	Unique bool
	Where  map[string]any
}

type Store interface {
	Create(ctx context.Context, collection, id string, data map[string]any) (Document, error)
	Get(ctx context.Context, collection, id string) (Document, error)
	Update(ctx context.Context, collection, id string, data map[string]any) (Document, error)
	Delete(ctx context.Context, collection, id string) error
	List(ctx context.Context, collection string, q Query) ([]Document, int, error)
	EnsureIndex(ctx context.Context, collection string, idx Index) error
	Ping(ctx context.Context) error
}

// Encode converts a JSON-tagged struct into document data.
func Encode(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return data, nil
}

// Decode fills v from document data through its JSON tags.
func Decode(data map[string]any, v any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}

// normalize round-trips data through JSON so stored values have the same
// types regardless of adapter (numbers become float64, structs become maps).
func normalize(data map[string]any) (map[string]any, error) {
	if data == nil {
		return map[string]any{}, nil
	}
	return Encode(data)
}

func merge(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

func cloneDocument(doc Document) Document {
	cp := doc
	cp.Data = cloneValue(doc.Data).(map[string]any)
	return cp
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, item := range typed {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

func jsonEqual(a, b any) bool {
	left, errA := json.Marshal(a)
	right, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(left, right)
}

func emptyValue(v any) bool {
	switch typed := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(typed) == ""
	default:
		return false
	}
}

// indexKey returns the key data occupies in idx, or false when the document
// is outside the index.
func indexKey(idx Index, data map[string]any) (string, bool) {
	for field, want := range idx.Where {
		if !jsonEqual(data[field], want) {
			return "", false
		}
	}
	values := make([]any, 0, len(idx.Fields))
	for _, field := range idx.Fields {
		value, ok := data[field]
		if !ok || emptyValue(value) {
			return "", false
		}
		if s, isString := value.(string); isString {
			value = strings.ToLower(strings.TrimSpace(s))
		}
		values = append(values, value)
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return "", false
	}
	return string(raw), true
}

func validateIndex(idx Index) error {
	if strings.TrimSpace(idx.Name) == "" {
		return errors.New("index name is required")
	}
	if len(idx.Fields) == 0 {
		return fmt.Errorf("index %s has no fields", idx.Name)
	}
	return nil
}

func matches(doc Document, filters []Filter) bool {
	for _, filter := range filters {
		value := fieldValue(doc, filter.Field)
		switch filter.Op {
		case OpSearch:
			term := strings.ToLower(strings.TrimSpace(fmt.Sprint(filter.Value)))
			text, ok := value.(string)
			if !ok || !strings.Contains(strings.ToLower(text), term) {
				return false
			}
		default:
			if !jsonEqual(value, filter.Value) {
				return false
			}
		}
	}
	return true
}

func fieldValue(doc Document, field string) any {
	switch field {
	case "id":
		return doc.ID
	case "createdAt":
		return doc.CreatedAt
	case "updatedAt":
		return doc.UpdatedAt
	default:
		return doc.Data[field]
	}
}

func sortDocuments(docs []Document, orderBy string, desc bool) {
	if orderBy == "" {
		orderBy = "createdAt"
	}
	sort.SliceStable(docs, func(i, j int) bool {
		cmp := compareValues(fieldValue(docs[i], orderBy), fieldValue(docs[j], orderBy))
		if cmp == 0 {
			cmp = strings.Compare(docs[i].ID, docs[j].ID)
		}
		if desc {
			return cmp > 0
		}
		return cmp < 0
	})
}

func compareValues(a, b any) int {
	switch left := a.(type) {
	case time.Time:
		if right, ok := b.(time.Time); ok {
			return left.Compare(right)
		}
	case float64:
		if right, ok := b.(float64); ok {
			switch {
			case left < right:
				return -1
			case left > right:
				return 1
			}
			return 0
		}
	case string:
		if right, ok := b.(string); ok {
			return strings.Compare(left, right)
		}
	case bool:
		if right, ok := b.(bool); ok {
			switch {
			case left == right:
				return 0
			case !left:
				return -1
			}
			return 1
		}
	}
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func paginate(docs []Document, limit, offset int) []Document {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(docs) {
		return []Document{}
	}
	docs = docs[offset:]
	if limit > 0 && limit < len(docs) {
		docs = docs[:limit]
	}
	return docs
}

func ctxErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return err
	}
	return nil
}
