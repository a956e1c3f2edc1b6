package docstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type slowStore struct {
	*MemoryStore
}

func (s slowStore) Get(ctx context.Context, collection, id string) (Document, error) {
	<-ctx.Done()
	return Document{}, ctx.Err()
}

func TestWithTimeoutConvertsDeadlineToTransient(t *testing.T) {
	store := WithTimeout(slowStore{NewMemoryStore(nil)}, 10*time.Millisecond)

	_, err := store.Get(context.Background(), CollectionForms, "f1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransient)
}

func TestWithTimeoutPassesThroughOtherErrors(t *testing.T) {
	store := WithTimeout(NewMemoryStore(nil), time.Second)

	_, err := store.Get(context.Background(), CollectionForms, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrTransient)
}

func TestWithTimeoutZeroReturnsStore(t *testing.T) {
	base := NewMemoryStore(nil)
	assert.Same(t, base, WithTimeout(base, 0))
}

func TestWithTracingDelegates(t *testing.T) {
	ctx := context.Background()
	store := WithTracing(NewMemoryStore(nil))

	doc, err := store.Create(ctx, CollectionTemplates, "", map[string]any{"name": "NPS"})
	require.NoError(t, err)
	_, total, err := store.List(ctx, CollectionTemplates, Query{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.NoError(t, store.Delete(ctx, CollectionTemplates, doc.ID))
	require.NoError(t, store.Ping(ctx))
}
