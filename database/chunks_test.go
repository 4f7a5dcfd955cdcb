package database

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/siherrmann/persona/helper"
	"github.com/siherrmann/persona/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDim = 3

func testChunk(entityID string, chunkType model.ChunkType, attribute string, embedding []float32) *model.Chunk {
	return &model.Chunk{
		ID:            uuid.NewString(),
		EntityID:      entityID,
		DocID:         model.DocID(entityID, 1),
		Type:          chunkType,
		AttributeName: attribute,
		Text:          "chunk of " + entityID,
		Metadata:      model.Metadata{model.PayloadEntityType: "Person", model.PayloadEntityName: entityID},
		Embedding:     embedding,
		CreatedAt:     time.Now().UTC(),
	}
}

func TestChunksNewChunksDBHandler(t *testing.T) {
	database := initDB(t)

	t.Run("Valid call NewChunksDBHandler", func(t *testing.T) {
		chunksDbHandler, err := NewChunksDBHandler(database, testDim, true)
		assert.NoError(t, err, "Expected NewChunksDBHandler to not return an error")
		require.NotNil(t, chunksDbHandler, "Expected NewChunksDBHandler to return a non-nil instance")
		require.NotNil(t, chunksDbHandler.db, "Expected NewChunksDBHandler to have a non-nil database instance")
		require.NotNil(t, chunksDbHandler.db.Instance, "Expected NewChunksDBHandler to have a non-nil database connection instance")
	})

	t.Run("Invalid call NewChunksDBHandler with nil database", func(t *testing.T) {
		_, err := NewChunksDBHandler(nil, testDim, false)
		assert.Error(t, err, "Expected error when creating ChunksDBHandler with nil database")
		assert.Contains(t, err.Error(), "database connection is nil", "Expected specific error message for nil database connection")
	})

	t.Run("Invalid call NewChunksDBHandler with zero dimension", func(t *testing.T) {
		_, err := NewChunksDBHandler(database, 0, false)
		assert.ErrorIs(t, err, helper.ErrValidation)
	})
}

func TestChunksUpsert(t *testing.T) {
	database := initDB(t)
	ctx := context.Background()

	chunksDbHandler, err := NewChunksDBHandler(database, testDim, true)
	require.NoError(t, err, "Expected NewChunksDBHandler to not return an error")

	t.Run("Upsert chunk", func(t *testing.T) {
		entityID := "person:" + uuid.NewString()
		chunk := testChunk(entityID, model.ChunkTypeGlobal, "", []float32{1, 0, 0})

		err := chunksDbHandler.UpsertChunk(ctx, chunk)
		assert.NoError(t, err, "Expected UpsertChunk to not return an error")
		assert.Greater(t, chunk.Seq, int64(0), "Expected inserted chunk to have a seq")

		chunks, err := chunksDbHandler.ListEntityChunks(ctx, entityID)
		require.NoError(t, err)
		require.Len(t, chunks, 1)
		assert.Equal(t, chunk.ID, chunks[0].ID)
		assert.Equal(t, model.ChunkTypeGlobal, chunks[0].Type)
		assert.Equal(t, "Person", chunks[0].EntityType())
		assert.Equal(t, []float32{1, 0, 0}, chunks[0].Embedding)

		// Cleanup
		chunksDbHandler.DeleteEntityChunks(ctx, entityID)
	})

	t.Run("Replaced chunk keeps its seq", func(t *testing.T) {
		entityID := "person:" + uuid.NewString()
		chunk := testChunk(entityID, model.ChunkTypeAttribute, "skills", []float32{1, 0, 0})
		require.NoError(t, chunksDbHandler.UpsertChunk(ctx, chunk))
		seq := chunk.Seq

		chunk.Text = "replaced"
		chunk.Embedding = []float32{0, 1, 0}
		require.NoError(t, chunksDbHandler.UpsertChunk(ctx, chunk))
		assert.Equal(t, seq, chunk.Seq)

		chunks, err := chunksDbHandler.ListEntityChunks(ctx, entityID)
		require.NoError(t, err)
		require.Len(t, chunks, 1)
		assert.Equal(t, "replaced", chunks[0].Text)

		// Cleanup
		chunksDbHandler.DeleteEntityChunks(ctx, entityID)
	})

	t.Run("Wrong dimension is rejected", func(t *testing.T) {
		chunk := testChunk("person:x", model.ChunkTypeGlobal, "", []float32{1, 0})
		err := chunksDbHandler.UpsertChunk(ctx, chunk)
		assert.ErrorIs(t, err, helper.ErrValidation)
	})
}

func TestChunksSearch(t *testing.T) {
	database := initDB(t)
	ctx := context.Background()

	chunksDbHandler, err := NewChunksDBHandler(database, testDim, true)
	require.NoError(t, err)

	entityA := "person:" + uuid.NewString()
	entityB := "person:" + uuid.NewString()
	chunkA := testChunk(entityA, model.ChunkTypeGlobal, "", []float32{1, 0, 0})
	chunkASkills := testChunk(entityA, model.ChunkTypeAttribute, "skills", []float32{1, 1, 0})
	chunkB := testChunk(entityB, model.ChunkTypeGlobal, "", []float32{0, 1, 0})
	for _, c := range []*model.Chunk{chunkA, chunkASkills, chunkB} {
		require.NoError(t, chunksDbHandler.UpsertChunk(ctx, c))
	}
	defer chunksDbHandler.DeleteEntityChunks(ctx, entityA)
	defer chunksDbHandler.DeleteEntityChunks(ctx, entityB)

	t.Run("Search orders by similarity", func(t *testing.T) {
		hits, err := chunksDbHandler.Search(ctx, []float32{1, 0, 0}, model.VectorQuery{
			Limit:  10,
			Filter: model.VectorFilter{EntityID: entityA},
		})
		require.NoError(t, err)
		require.Len(t, hits, 2)
		assert.Equal(t, chunkA.ID, hits[0].ID)
		assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
		assert.Equal(t, chunkASkills.ID, hits[1].ID)
	})

	t.Run("Threshold is applied before the limit", func(t *testing.T) {
		hits, err := chunksDbHandler.Search(ctx, []float32{1, 0, 0}, model.VectorQuery{
			Limit:          10,
			ScoreThreshold: model.Threshold(0.9),
			Filter:         model.VectorFilter{EntityType: "Person"},
		})
		require.NoError(t, err)
		for _, hit := range hits {
			assert.GreaterOrEqual(t, hit.Score, 0.9)
		}
		assert.NotContains(t, chunkIDs(hits), chunkB.ID)
	})

	t.Run("Filters combine", func(t *testing.T) {
		hits, err := chunksDbHandler.Search(ctx, []float32{1, 0, 0}, model.VectorQuery{
			Limit:  10,
			Filter: model.VectorFilter{EntityID: entityA, ChunkType: model.ChunkTypeAttribute, AttributeName: "skills"},
		})
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, chunkASkills.ID, hits[0].ID)
	})
}

func chunkIDs(chunks []*model.Chunk) []string {
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}
	return ids
}

func TestChunksDelete(t *testing.T) {
	database := initDB(t)
	ctx := context.Background()

	chunksDbHandler, err := NewChunksDBHandler(database, testDim, true)
	require.NoError(t, err)

	t.Run("Delete entity chunks", func(t *testing.T) {
		entityID := "person:" + uuid.NewString()
		require.NoError(t, chunksDbHandler.UpsertChunk(ctx, testChunk(entityID, model.ChunkTypeGlobal, "", []float32{1, 0, 0})))
		require.NoError(t, chunksDbHandler.UpsertChunk(ctx, testChunk(entityID, model.ChunkTypeAttribute, "skills", []float32{0, 1, 0})))

		deleted, err := chunksDbHandler.DeleteEntityChunks(ctx, entityID)
		assert.NoError(t, err, "Expected DeleteEntityChunks to not return an error")
		assert.Equal(t, 2, deleted)

		chunks, err := chunksDbHandler.ListEntityChunks(ctx, entityID)
		require.NoError(t, err)
		assert.Empty(t, chunks)
	})

	t.Run("Delete entity without chunks", func(t *testing.T) {
		deleted, err := chunksDbHandler.DeleteEntityChunks(ctx, "person:"+uuid.NewString())
		assert.NoError(t, err)
		assert.Equal(t, 0, deleted)
	})
}
