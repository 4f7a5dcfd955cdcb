package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/siherrmann/persona/database/memory"
	"github.com/siherrmann/persona/helper"
	"github.com/siherrmann/persona/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyVectorStore fails the first failures calls of every write.
type flakyVectorStore struct {
	VectorStore
	failures int
	err      error
	calls    int
}

func (s *flakyVectorStore) UpsertChunk(ctx context.Context, chunk *model.Chunk) error {
	s.calls++
	if s.calls <= s.failures {
		return s.err
	}
	return s.VectorStore.UpsertChunk(ctx, chunk)
}

func (s *flakyVectorStore) Search(ctx context.Context, embedding []float32, query model.VectorQuery) ([]*model.Chunk, error) {
	s.calls++
	return nil, s.err
}

type flakyDocumentStore struct {
	DocumentStore
	calls int
}

func (s *flakyDocumentStore) Update(ctx context.Context, entityID string, update *model.AttributeUpdate) (*model.Entity, error) {
	s.calls++
	return nil, helper.Unavailable(errors.New("connection reset"))
}

func testPolicy() helper.RetryPolicy {
	return helper.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestRetryingVectorStore(t *testing.T) {
	ctx := context.Background()
	chunk := &model.Chunk{ID: "c1", EntityID: "person:1", Embedding: []float32{1, 0}}

	t.Run("Unavailable writes are retried", func(t *testing.T) {
		flaky := &flakyVectorStore{VectorStore: memory.NewVectorStore(), failures: 2, err: helper.Unavailable(errors.New("timeout"))}
		store := NewRetryingVectorStore(flaky, testPolicy())

		err := store.UpsertChunk(ctx, chunk)
		assert.NoError(t, err)
		assert.Equal(t, 3, flaky.calls)

		chunks, err := store.ListEntityChunks(ctx, "person:1")
		require.NoError(t, err)
		assert.Len(t, chunks, 1)
	})

	t.Run("Retries stop after the last attempt", func(t *testing.T) {
		flaky := &flakyVectorStore{VectorStore: memory.NewVectorStore(), failures: 5, err: helper.Unavailable(errors.New("timeout"))}
		store := NewRetryingVectorStore(flaky, testPolicy())

		err := store.UpsertChunk(ctx, chunk)
		assert.ErrorIs(t, err, helper.ErrStoreUnavailable)
		assert.Equal(t, 3, flaky.calls)
	})

	t.Run("Other errors are not retried", func(t *testing.T) {
		flaky := &flakyVectorStore{VectorStore: memory.NewVectorStore(), failures: 5, err: helper.Validation("bad chunk")}
		store := NewRetryingVectorStore(flaky, testPolicy())

		err := store.UpsertChunk(ctx, chunk)
		assert.ErrorIs(t, err, helper.ErrValidation)
		assert.Equal(t, 1, flaky.calls)
	})

	t.Run("Searches fail fast", func(t *testing.T) {
		flaky := &flakyVectorStore{VectorStore: memory.NewVectorStore(), err: helper.Unavailable(errors.New("timeout"))}
		store := NewRetryingVectorStore(flaky, testPolicy())

		_, err := store.Search(ctx, []float32{1, 0}, model.VectorQuery{Limit: 1})
		assert.ErrorIs(t, err, helper.ErrStoreUnavailable)
		assert.Equal(t, 1, flaky.calls)
	})
}

func TestRetryingDocumentStore(t *testing.T) {
	t.Run("Update is not retried", func(t *testing.T) {
		flaky := &flakyDocumentStore{DocumentStore: memory.NewDocumentStore()}
		store := NewRetryingDocumentStore(flaky, testPolicy())

		_, err := store.Update(context.Background(), "person:1", model.NewAttributeUpdate().Set("a", "b"))
		assert.ErrorIs(t, err, helper.ErrStoreUnavailable)
		assert.Equal(t, 1, flaky.calls)
	})

	t.Run("Upsert passes through", func(t *testing.T) {
		store := NewRetryingDocumentStore(memory.NewDocumentStore(), testPolicy())
		entity := (&model.NewEntity{ID: "person:1", Type: "Person", Name: "Alice"}).Entity(time.Now())

		require.NoError(t, store.Upsert(context.Background(), entity))
		fetched, err := store.Fetch(context.Background(), "person:1")
		require.NoError(t, err)
		assert.Equal(t, "Alice", fetched.Name)
	})
}

func TestRetryingGraphStore(t *testing.T) {
	t.Run("Delete of unknown node is not retried", func(t *testing.T) {
		store := NewRetryingGraphStore(memory.NewGraphStore(), testPolicy())
		err := store.DeleteNode(context.Background(), "person:missing")
		assert.ErrorIs(t, err, helper.ErrNotFound)
	})
}
