package badgerstore

import (
	"context"
	"testing"
	"time"

	"github.com/siherrmann/persona/helper"
	"github.com/siherrmann/persona/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(Config{InMemory: true}, nil)
	require.NoError(t, err, "Expected Open to not return an error")
	t.Cleanup(func() { store.Close() })
	return store
}

func newEntity(id string, entityType string, name string) *model.Entity {
	input := &model.NewEntity{
		ID:         id,
		Type:       entityType,
		Name:       name,
		Structured: model.Metadata{"skills": []string{"Python", "ML"}, "age": 31},
		Text:       "Data scientist",
		Content:    model.Metadata{"notes": map[string]interface{}{"since": 2019}},
		Source:     "manual",
		Tags:       []string{"colleague"},
	}
	return input.Entity(time.Now().UTC())
}

func TestUpsertAndFetch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	t.Run("Fetch returns the stored record", func(t *testing.T) {
		require.NoError(t, store.Upsert(ctx, newEntity("person:alice", "Person", "Alice")))

		entity, err := store.Fetch(ctx, "person:alice")
		require.NoError(t, err)
		assert.Equal(t, "Alice", entity.Name)
		assert.Equal(t, 1, entity.Meta.Version)
		assert.Equal(t, []interface{}{"Python", "ML"}, entity.Structured["skills"])
		assert.EqualValues(t, 31, entity.Structured["age"])
		assert.Equal(t, "Data scientist", entity.Text)
		assert.Equal(t, []string{"colleague"}, entity.Meta.Tags)
		notes, ok := entity.Content["notes"].(map[string]interface{})
		require.True(t, ok, "Expected nested content to decode as a map")
		assert.EqualValues(t, 2019, notes["since"])
	})

	t.Run("Unknown id is not found", func(t *testing.T) {
		_, err := store.Fetch(ctx, "person:nobody")
		assert.ErrorIs(t, err, helper.ErrNotFound)
	})

	t.Run("Missing id is rejected", func(t *testing.T) {
		err := store.Upsert(ctx, &model.Entity{Name: "No id"})
		assert.ErrorIs(t, err, helper.ErrValidation)
	})

	t.Run("Upsert replaces but keeps creation order", func(t *testing.T) {
		require.NoError(t, store.Upsert(ctx, newEntity("person:bob", "Person", "Bob")))
		require.NoError(t, store.Upsert(ctx, newEntity("person:alice", "Person", "Alicia")))

		ids, err := store.ListIDs(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, []string{"person:alice", "person:bob"}, ids)

		found, err := store.FindByName(ctx, "Alice")
		require.NoError(t, err)
		assert.Empty(t, found, "Expected the old name index entry to be removed")
	})
}

func TestUpdate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, newEntity("person:alice", "Person", "Alice")))

	t.Run("Merge increments the version", func(t *testing.T) {
		entity, err := store.Update(ctx, "person:alice", model.NewAttributeUpdate().Set("location", "Berlin").Clear("age"))
		require.NoError(t, err)
		assert.Equal(t, 2, entity.Meta.Version)
		assert.Equal(t, "Berlin", entity.Structured["location"])
		assert.NotContains(t, entity.Structured, "age")

		fetched, err := store.Fetch(ctx, "person:alice")
		require.NoError(t, err)
		assert.Equal(t, 2, fetched.Meta.Version)
	})

	t.Run("No change keeps the version", func(t *testing.T) {
		entity, err := store.Update(ctx, "person:alice", model.NewAttributeUpdate().Set("location", "Berlin"))
		require.NoError(t, err)
		assert.Equal(t, 2, entity.Meta.Version)
	})

	t.Run("Nested values are rejected", func(t *testing.T) {
		_, err := store.Update(ctx, "person:alice", model.NewAttributeUpdate().Set("bad", map[string]interface{}{"a": 1}))
		assert.ErrorIs(t, err, helper.ErrValidation)
	})

	t.Run("Unknown id is not found", func(t *testing.T) {
		_, err := store.Update(ctx, "person:nobody", model.NewAttributeUpdate().Set("a", "b"))
		assert.ErrorIs(t, err, helper.ErrNotFound)
	})
}

func TestFindAndList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, newEntity("person:jose", "Person", "José Núñez")))
	require.NoError(t, store.Upsert(ctx, newEntity("org:acme", "Organization", "Acme")))
	require.NoError(t, store.Upsert(ctx, newEntity("person:jose-2", "Person", "jose nunez")))

	t.Run("FindByName ignores case and diacritics", func(t *testing.T) {
		found, err := store.FindByName(ctx, "JOSE NUNEZ")
		require.NoError(t, err)
		require.Len(t, found, 2)
		assert.Equal(t, "person:jose", found[0].ID)
		assert.Equal(t, "person:jose-2", found[1].ID)
	})

	t.Run("FindByName with empty name", func(t *testing.T) {
		found, err := store.FindByName(ctx, "  ")
		require.NoError(t, err)
		assert.Empty(t, found)
	})

	t.Run("ListIDs filters by type case insensitively", func(t *testing.T) {
		ids, err := store.ListIDs(ctx, "person")
		require.NoError(t, err)
		assert.Equal(t, []string{"person:jose", "person:jose-2"}, ids)
	})

	t.Run("Delete removes record and indexes", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, "person:jose"))
		require.NoError(t, store.Delete(ctx, "person:jose"), "Expected a second delete to be a no-op")

		_, err := store.Fetch(ctx, "person:jose")
		assert.ErrorIs(t, err, helper.ErrNotFound)

		ids, err := store.ListIDs(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, []string{"org:acme", "person:jose-2"}, ids)

		found, err := store.FindByName(ctx, "José Núñez")
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, "person:jose-2", found[0].ID)
	})
}

func TestPersistence(t *testing.T) {
	t.Run("Records survive a reopen", func(t *testing.T) {
		dir := t.TempDir()
		ctx := context.Background()

		store, err := Open(Config{Dir: dir}, nil)
		require.NoError(t, err)
		require.NoError(t, store.Upsert(ctx, newEntity("person:alice", "Person", "Alice")))
		require.NoError(t, store.Close())

		reopened, err := Open(Config{Dir: dir}, nil)
		require.NoError(t, err)
		defer reopened.Close()

		require.NoError(t, reopened.Upsert(ctx, newEntity("person:bob", "Person", "Bob")))
		ids, err := reopened.ListIDs(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, []string{"person:alice", "person:bob"}, ids)
	})
}
