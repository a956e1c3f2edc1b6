package docstore

import (
	"context"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	entries, err := fs.ReadDir(migrationFiles, "migrations")
	require.NoError(t, err)

	pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)
	byVersion := map[string]map[string]bool{}
	for _, entry := range entries {
		match := pattern.FindStringSubmatch(entry.Name())
		require.NotNil(t, match, "unexpected migration file name %q", entry.Name())
		if byVersion[match[1]] == nil {
			byVersion[match[1]] = map[string]bool{}
		}
		byVersion[match[1]][match[2]] = true
	}

	require.NotEmpty(t, byVersion, "no migrations discovered")
	for version, dirs := range byVersion {
		assert.True(t, dirs["up"] && dirs["down"], "version %s must include both up and down files", version)
	}

	ups, err := UpMigrations()
	require.NoError(t, err)
	assert.Len(t, ups, len(byVersion))
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("FORMPILOT_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("FORMPILOT_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, ApplyMigrations(ctx, db))
	require.NoError(t, ApplyMigrations(ctx, db), "migrations are idempotent")

	collection := "it_" + strings.ReplaceAll(time.Now().Format("150405.000000"), ".", "")
	store := NewPostgresStore(db)
	t.Cleanup(func() {
		_, _ = db.ExecContext(context.Background(), `DELETE FROM documents WHERE collection=$1`, collection)
		_, _ = db.ExecContext(context.Background(), `DELETE FROM document_indexes WHERE collection=$1`, collection)
	})

	require.NoError(t, store.EnsureIndex(ctx, collection, Index{
		Name: "pending", Fields: []string{"workspaceId", "email"}, Unique: true,
		Where: map[string]any{"status": "pending"},
	}))

	first, err := store.Create(ctx, collection, "", map[string]any{"workspaceId": "w1", "email": "a@x.io", "status": "pending"})
	require.NoError(t, err)
	_, err = store.Create(ctx, collection, "", map[string]any{"workspaceId": "w1", "email": "a@x.io", "status": "pending"})
	assert.ErrorIs(t, err, ErrConflict)

	updated, err := store.Update(ctx, collection, first.ID, map[string]any{"status": "accepted"})
	require.NoError(t, err)
	assert.Equal(t, "w1", updated.Data["workspaceId"])

	_, err = store.Create(ctx, collection, "", map[string]any{"workspaceId": "w1", "email": "a@x.io", "status": "pending"})
	require.NoError(t, err)

	docs, total, err := store.List(ctx, collection, Query{Filters: []Filter{Eq("status", "pending"), Search("email", "A@X")}})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, docs, 1)

	_, err = store.Create(ctx, collection, "", map[string]any{"title": "Save 50% today"})
	require.NoError(t, err)
	_, err = store.Create(ctx, collection, "", map[string]any{"title": "Save 500 today"})
	require.NoError(t, err)
	docs, total, err = store.List(ctx, collection, Query{Filters: []Filter{Search("title", "50%")}})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, docs, 1)
	assert.Equal(t, "Save 50% today", docs[0].Data["title"])

	require.NoError(t, store.Delete(ctx, collection, first.ID))
	assert.ErrorIs(t, store.Delete(ctx, collection, first.ID), ErrNotFound)
	_, err = store.Get(ctx, collection, first.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
