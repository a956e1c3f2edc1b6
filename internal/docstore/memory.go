package docstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// MemoryStore keeps documents in process memory. It backs tests and local
// development without a database.
type MemoryStore struct {
	mu          sync.Mutex
	clock       clockwork.Clock
	collections map[string]map[string]Document
	indexes     map[string]map[string]Index
}

func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{
		clock:       clock,
		collections: map[string]map[string]Document{},
		indexes:     map[string]map[string]Index{},
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctxErr(ctx)
}

func (s *MemoryStore) Create(ctx context.Context, collection, id string, data map[string]any) (Document, error) {
	if err := ctxErr(ctx); err != nil {
		return Document{}, err
	}
	normalized, err := normalize(data)
	if err != nil {
		return Document{}, err
	}
	if id == "" {
		id = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	docs := s.collection(collection)
	if _, exists := docs[id]; exists {
		return Document{}, fmt.Errorf("%w: %s/%s already exists", ErrConflict, collection, id)
	}
	if err := s.checkUnique(collection, id, normalized); err != nil {
		return Document{}, err
	}

	now := s.clock.Now().UTC()
	doc := Document{ID: id, Collection: collection, Data: normalized, CreatedAt: now, UpdatedAt: now}
	docs[id] = doc
	return cloneDocument(doc), nil
}

func (s *MemoryStore) Get(ctx context.Context, collection, id string) (Document, error) {
	if err := ctxErr(ctx); err != nil {
		return Document{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.collection(collection)[id]
	if !ok {
		return Document{}, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	return cloneDocument(doc), nil
}

func (s *MemoryStore) Update(ctx context.Context, collection, id string, data map[string]any) (Document, error) {
	if err := ctxErr(ctx); err != nil {
		return Document{}, err
	}
	patch, err := normalize(data)
	if err != nil {
		return Document{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	docs := s.collection(collection)
	doc, ok := docs[id]
	if !ok {
		return Document{}, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	merged := merge(doc.Data, patch)
	if err := s.checkUnique(collection, id, merged); err != nil {
		return Document{}, err
	}

	doc.Data = merged
	doc.UpdatedAt = s.clock.Now().UTC()
	docs[id] = doc
	return cloneDocument(doc), nil
}

func (s *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := s.collection(collection)
	if _, ok := docs[id]; !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	delete(docs, id)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, collection string, q Query) ([]Document, int, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var found []Document
	for _, doc := range s.collection(collection) {
		if matches(doc, q.Filters) {
			found = append(found, cloneDocument(doc))
		}
	}
	sortDocuments(found, q.OrderBy, q.Desc)
	return paginate(found, q.Limit, q.Offset), len(found), nil
}

// EnsureIndex registers idx. A unique index that existing documents already
// violate is rejected with ErrConflict.
func (s *MemoryStore) EnsureIndex(ctx context.Context, collection string, idx Index) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	if err := validateIndex(idx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if idx.Unique {
		seen := map[string]string{}
		for id, doc := range s.collection(collection) {
			key, ok := indexKey(idx, doc.Data)
			if !ok {
				continue
			}
			if other, dup := seen[key]; dup {
				return fmt.Errorf("%w: index %s already violated by %s and %s", ErrConflict, idx.Name, other, id)
			}
			seen[key] = id
		}
	}
	if s.indexes[collection] == nil {
		s.indexes[collection] = map[string]Index{}
	}
	s.indexes[collection][idx.Name] = idx
	return nil
}

func (s *MemoryStore) collection(name string) map[string]Document {
	docs, ok := s.collections[name]
	if !ok {
		docs = map[string]Document{}
		s.collections[name] = docs
	}
	return docs
}

func (s *MemoryStore) checkUnique(collection, id string, data map[string]any) error {
	for _, idx := range s.indexes[collection] {
		if !idx.Unique {
			continue
		}
		key, ok := indexKey(idx, data)
		if !ok {
			continue
		}
		for otherID, other := range s.collection(collection) {
			if otherID == id {
				continue
			}
			if otherKey, indexed := indexKey(idx, other.Data); indexed && otherKey == key {
				return fmt.Errorf("%w: %s on %s", ErrConflict, idx.Name, collection)
			}
		}
	}
	return nil
}
