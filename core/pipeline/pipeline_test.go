package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/siherrmann/persona/database"
	"github.com/siherrmann/persona/database/memory"
	"github.com/siherrmann/persona/helper"
	"github.com/siherrmann/persona/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingDocuments fails Fetch for the configured ids.
type failingDocuments struct {
	database.DocumentStore
	failFetch map[string]bool
}

func (f *failingDocuments) Fetch(ctx context.Context, id string) (*model.Entity, error) {
	if f.failFetch[id] {
		return nil, helper.NewError("fetch document", helper.Unavailable(errors.New("connection refused")))
	}
	return f.DocumentStore.Fetch(ctx, id)
}

// failingVectors fails chunk writes when failUpsert is set and blocks
// searches when blockSearch is set.
type failingVectors struct {
	database.VectorStore
	failUpsert  bool
	blockSearch bool
}

func (f *failingVectors) UpsertChunk(ctx context.Context, chunk *model.Chunk) error {
	if f.failUpsert {
		return helper.Unavailable(errors.New("vector store down"))
	}
	return f.VectorStore.UpsertChunk(ctx, chunk)
}

func (f *failingVectors) Search(ctx context.Context, embedding []float32, query model.VectorQuery) ([]*model.Chunk, error) {
	if f.blockSearch {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.VectorStore.Search(ctx, embedding, query)
}

type failingGraph struct {
	database.GraphStore
}

func (f *failingGraph) UpsertNode(ctx context.Context, label, id string, properties model.Metadata) error {
	return helper.Unavailable(errors.New("graph store down"))
}

type testStores struct {
	documents *memory.DocumentStore
	graph     *memory.GraphStore
	vectors   *memory.VectorStore
}

func newTestStores() *testStores {
	return &testStores{
		documents: memory.NewDocumentStore(),
		graph:     memory.NewGraphStore(),
		vectors:   memory.NewVectorStore(),
	}
}

func (s *testStores) stores() Stores {
	return Stores{Documents: s.documents, Graph: s.graph, Vectors: s.vectors}
}

func newTestPipeline(t *testing.T, stores Stores) *Pipeline {
	t.Helper()
	p, err := NewPipeline(stores, NewHashingEncoder(DefaultDimension), model.DefaultPipelineConfig(), nil)
	require.NoError(t, err)
	return p
}

func newAlice() *model.NewEntity {
	return &model.NewEntity{
		ID:   "person:alice",
		Type: "Person",
		Name: "Alice",
		Structured: model.Metadata{
			"skills":   []string{"Python", "ML"},
			"location": "Berlin",
		},
		Text: "Data scientist",
	}
}

func newBob() *model.NewEntity {
	return &model.NewEntity{
		ID:   "person:bob",
		Type: "Person",
		Name: "Bob",
		Structured: model.Metadata{
			"skills":   []string{"Java"},
			"location": "Paris",
		},
		Text: "Backend developer",
	}
}

func TestNewPipeline(t *testing.T) {
	t.Run("Missing stores are rejected", func(t *testing.T) {
		_, err := NewPipeline(Stores{}, NewHashingEncoder(8), model.DefaultPipelineConfig(), nil)
		assert.ErrorIs(t, err, helper.ErrValidation)
	})

	t.Run("Missing encoder is rejected", func(t *testing.T) {
		_, err := NewPipeline(newTestStores().stores(), nil, model.DefaultPipelineConfig(), nil)
		assert.ErrorIs(t, err, helper.ErrValidation)
	})
}

func TestAddNewEntity(t *testing.T) {
	ctx := context.Background()

	t.Run("Entity is written to all three stores", func(t *testing.T) {
		s := newTestStores()
		p := newTestPipeline(t, s.stores())

		input := newAlice()
		input.Relationships = []model.RelationshipSpec{
			{Type: "works at", TargetID: "organization:acme", TargetLabel: "Organization", TargetName: "Acme"},
		}
		id, err := p.AddNewEntity(ctx, input)
		require.NoError(t, err)
		assert.Equal(t, "person:alice", id)

		doc, err := s.documents.Fetch(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 1, doc.Meta.Version)

		node, err := s.graph.Node(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "Person", node.Label)
		assert.Equal(t, "Alice", node.Name())

		acme, err := s.graph.Node(ctx, "organization:acme")
		require.NoError(t, err, "Expected relationship target to be created")
		assert.Equal(t, "Organization", acme.Label)

		edges, err := s.graph.Neighbors(ctx, id)
		require.NoError(t, err)
		require.Len(t, edges, 1)
		assert.Equal(t, "WORKS_AT", edges[0].Type)

		info, err := p.GetEntityEmbeddingsInfo(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 3, info.TotalChunks)
		assert.Equal(t, 1, info.GlobalChunks)
		assert.Equal(t, 2, info.AttributeChunks)
		assert.Equal(t, []string{"location", "skills"}, info.Attributes)
		assert.Equal(t, []string{"person:alice@v1"}, info.DocIDs)
	})

	t.Run("Ids are generated when missing", func(t *testing.T) {
		p := newTestPipeline(t, newTestStores().stores())

		input := newAlice()
		input.ID = ""
		id, err := p.AddNewEntity(ctx, input)
		require.NoError(t, err)
		assert.Regexp(t, `^person:[0-9a-f-]{36}$`, id)
	})

	t.Run("Invalid input touches no store", func(t *testing.T) {
		s := newTestStores()
		p := newTestPipeline(t, s.stores())

		input := newAlice()
		input.Name = " "
		_, err := p.AddNewEntity(ctx, input)
		assert.ErrorIs(t, err, helper.ErrValidation)

		ids, err := s.documents.ListIDs(ctx, "")
		require.NoError(t, err)
		assert.Empty(t, ids)
		assert.Equal(t, 0, s.vectors.Len())
	})

	t.Run("Vector failure is a partial write after document and graph", func(t *testing.T) {
		s := newTestStores()
		stores := s.stores()
		stores.Vectors = &failingVectors{VectorStore: s.vectors, failUpsert: true}
		p := newTestPipeline(t, stores)

		id, err := p.AddNewEntity(ctx, newAlice())
		require.Error(t, err)
		assert.Equal(t, "person:alice", id)

		var partial *helper.PartialWriteError
		require.ErrorAs(t, err, &partial)
		assert.Equal(t, helper.StoreVector, partial.Failed)
		assert.Equal(t, []helper.StoreKind{helper.StoreDocument, helper.StoreGraph}, partial.Succeeded)
		assert.ErrorIs(t, err, helper.ErrStoreUnavailable)

		_, err = s.documents.Fetch(ctx, id)
		assert.NoError(t, err, "Expected document write not to be rolled back")
	})

	t.Run("Graph failure is a partial write after the document", func(t *testing.T) {
		s := newTestStores()
		stores := s.stores()
		stores.Graph = &failingGraph{GraphStore: s.graph}
		p := newTestPipeline(t, stores)

		_, err := p.AddNewEntity(ctx, newAlice())

		var partial *helper.PartialWriteError
		require.ErrorAs(t, err, &partial)
		assert.Equal(t, helper.StoreGraph, partial.Failed)
		assert.Equal(t, []helper.StoreKind{helper.StoreDocument}, partial.Succeeded)
		assert.Equal(t, 0, s.vectors.Len(), "Expected no chunks after graph failure")
	})

	t.Run("Summary fills the global chunk of entities without text", func(t *testing.T) {
		s := newTestStores()
		p := newTestPipeline(t, s.stores())
		p.SetSummarizer(SummarizerFunc(func(ctx context.Context, name, entityType string, structured model.Metadata) (string, error) {
			return name + " builds machine learning models.", nil
		}))

		input := newAlice()
		input.Text = ""
		id, err := p.AddNewEntity(ctx, input)
		require.NoError(t, err)

		chunks, err := s.vectors.ListEntityChunks(ctx, id)
		require.NoError(t, err)
		require.NotEmpty(t, chunks)
		assert.Equal(t, "Alice (Person)\n\nAlice builds machine learning models.", chunks[0].Text)
	})

	t.Run("Failing summarizer falls back to the template", func(t *testing.T) {
		s := newTestStores()
		p := newTestPipeline(t, s.stores())
		p.SetSummarizer(SummarizerFunc(func(ctx context.Context, name, entityType string, structured model.Metadata) (string, error) {
			return "", errors.New("no quota")
		}))

		input := newAlice()
		input.Text = ""
		id, err := p.AddNewEntity(ctx, input)
		require.NoError(t, err)

		chunks, err := s.vectors.ListEntityChunks(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "Alice (Person)\n\nLocation: Berlin\nSkills: Python, ML", chunks[0].Text)
	})
}

func TestUpdateEntityEmbeddings(t *testing.T) {
	ctx := context.Background()

	t.Run("Removed attributes leave no chunk behind", func(t *testing.T) {
		s := newTestStores()
		p := newTestPipeline(t, s.stores())
		id, err := p.AddNewEntity(ctx, newAlice())
		require.NoError(t, err)

		result, err := p.UpdateEntityEmbeddings(ctx, id, model.NewAttributeUpdate().Clear("location").Set("company", "Acme"), false)
		require.NoError(t, err)
		assert.Equal(t, 2, result.Version)
		assert.True(t, result.Regenerated)
		assert.Equal(t, 3, result.ChunkCount)

		chunks, err := s.vectors.ListEntityChunks(ctx, id)
		require.NoError(t, err)
		require.Len(t, chunks, 3)
		for _, c := range chunks {
			assert.NotEqual(t, "location", c.AttributeName, "Expected stale location chunk to be removed")
			assert.Equal(t, "person:alice@v2", c.DocID)
		}

		node, err := s.graph.Node(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 2, node.Properties["version"], "Expected graph node to be refreshed")
	})

	t.Run("Replacing attributes rebuilds from the new set only", func(t *testing.T) {
		s := newTestStores()
		p := newTestPipeline(t, s.stores())
		id, err := p.AddNewEntity(ctx, newAlice())
		require.NoError(t, err)

		_, err = p.UpdateEntityEmbeddings(ctx, id, model.ReplaceAttributes(model.Metadata{"hobby": "chess"}), true)
		require.NoError(t, err)

		info, err := p.GetEntityEmbeddingsInfo(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, []string{"hobby"}, info.Attributes)
	})

	t.Run("Update without change keeps current chunks", func(t *testing.T) {
		s := newTestStores()
		p := newTestPipeline(t, s.stores())
		id, err := p.AddNewEntity(ctx, newAlice())
		require.NoError(t, err)
		before, err := s.vectors.ListEntityChunks(ctx, id)
		require.NoError(t, err)

		result, err := p.UpdateEntityEmbeddings(ctx, id, model.NewAttributeUpdate().Set("location", "Berlin"), false)
		require.NoError(t, err)
		assert.False(t, result.Regenerated)
		assert.Equal(t, 1, result.Version)
		assert.Equal(t, 3, result.ChunkCount)

		after, err := s.vectors.ListEntityChunks(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})

	t.Run("regenerateAll rebuilds without a version bump", func(t *testing.T) {
		s := newTestStores()
		p := newTestPipeline(t, s.stores())
		id, err := p.AddNewEntity(ctx, newAlice())
		require.NoError(t, err)
		before, err := s.vectors.ListEntityChunks(ctx, id)
		require.NoError(t, err)

		result, err := p.UpdateEntityEmbeddings(ctx, id, nil, true)
		require.NoError(t, err)
		assert.True(t, result.Regenerated)
		assert.Equal(t, 1, result.Version)

		after, err := s.vectors.ListEntityChunks(ctx, id)
		require.NoError(t, err)
		require.Len(t, after, len(before))
		assert.NotEqual(t, before[0].ID, after[0].ID, "Expected fresh chunk ids")
		assert.Equal(t, before[0].Text, after[0].Text)
	})

	t.Run("Unknown entity is not found", func(t *testing.T) {
		p := newTestPipeline(t, newTestStores().stores())

		_, err := p.UpdateEntityEmbeddings(ctx, "person:missing", model.NewAttributeUpdate().Set("a", "b"), false)
		assert.ErrorIs(t, err, helper.ErrNotFound)
	})

	t.Run("Nested values are rejected", func(t *testing.T) {
		p := newTestPipeline(t, newTestStores().stores())

		_, err := p.UpdateEntityEmbeddings(ctx, "person:alice", model.NewAttributeUpdate().Set("a", map[string]interface{}{"b": 1}), false)
		assert.ErrorIs(t, err, helper.ErrValidation)
	})
}

func TestSearchSimilarEntities(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*testStores, *Pipeline) {
		s := newTestStores()
		p := newTestPipeline(t, s.stores())
		_, err := p.AddNewEntity(ctx, newAlice())
		require.NoError(t, err)
		_, err = p.AddNewEntity(ctx, newBob())
		require.NoError(t, err)
		return s, p
	}

	t.Run("Attribute filter ranks the matching entity first", func(t *testing.T) {
		_, p := setup(t)

		config := model.DefaultSearchConfig()
		config.AttributeName = "skills"
		results, err := p.SearchSimilarEntities(ctx, "python expert", config)
		require.NoError(t, err)
		require.NotEmpty(t, results)

		assert.Equal(t, "person:alice", results[0].EntityID)
		assert.Equal(t, "skills", results[0].MatchedAttribute)
		assert.Equal(t, model.ChunkTypeAttribute, results[0].MatchedChunk)
		require.NotNil(t, results[0].Entity)
		assert.Equal(t, "Alice", results[0].Entity.Name)
	})

	t.Run("Each entity appears once", func(t *testing.T) {
		_, p := setup(t)

		config := model.DefaultSearchConfig()
		results, err := p.SearchSimilarEntities(ctx, "Alice Python Berlin", config)
		require.NoError(t, err)

		seen := make(map[string]bool)
		for _, r := range results {
			assert.False(t, seen[r.EntityID], "Expected %s only once", r.EntityID)
			seen[r.EntityID] = true
		}
		for i := 1; i < len(results); i++ {
			assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
		}
	})

	t.Run("Limit and threshold bound the results", func(t *testing.T) {
		_, p := setup(t)

		config := model.DefaultSearchConfig()
		config.Limit = 1
		results, err := p.SearchSimilarEntities(ctx, "Backend developer Java", config)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "person:bob", results[0].EntityID)

		config.Limit = 10
		config.ScoreThreshold = model.Threshold(1.01)
		results, err = p.SearchSimilarEntities(ctx, "Backend developer Java", config)
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	t.Run("Entity type filter excludes other types", func(t *testing.T) {
		_, p := setup(t)

		config := model.DefaultSearchConfig()
		config.EntityType = "Organization"
		results, err := p.SearchSimilarEntities(ctx, "python", config)
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	t.Run("Hits without document are dropped", func(t *testing.T) {
		s, p := setup(t)
		require.NoError(t, s.documents.Delete(ctx, "person:alice"))

		results, err := p.SearchSimilarEntities(ctx, "Alice Python", model.DefaultSearchConfig())
		require.NoError(t, err)
		for _, r := range results {
			assert.NotEqual(t, "person:alice", r.EntityID)
		}
	})

	t.Run("Entities with many chunks do not crowd out others", func(t *testing.T) {
		s := newTestStores()
		constant := &FuncEncoder{Dim: 4, Embed: func(text string) ([]float32, error) {
			return []float32{1, 0, 0, 0}, nil
		}}
		p, err := NewPipeline(s.stores(), constant, model.DefaultPipelineConfig(), nil)
		require.NoError(t, err)

		crowded := newAlice()
		crowded.Structured = model.Metadata{
			"role":       "Researcher",
			"skills":     []string{"Python"},
			"experience": "10 years",
			"education":  "PhD",
			"location":   "Berlin",
			"email":      "alice@example.com",
			"company":    "Acme",
			"projects":   []string{"Atlas"},
		}
		_, err = p.AddNewEntity(ctx, crowded)
		require.NoError(t, err)
		_, err = p.AddNewEntity(ctx, &model.NewEntity{ID: "person:bob", Type: "Person", Name: "Bob", Text: "Backend developer"})
		require.NoError(t, err)

		config := model.DefaultSearchConfig()
		config.Limit = 2
		results, err := p.SearchSimilarEntities(ctx, "anyone", config)
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, "person:alice", results[0].EntityID)
		assert.Equal(t, "person:bob", results[1].EntityID)
		assert.InDelta(t, 1.0, results[1].Score, 1e-6)
	})

	t.Run("Empty query is an error", func(t *testing.T) {
		_, p := setup(t)

		_, err := p.SearchSimilarEntities(ctx, "  ", model.DefaultSearchConfig())
		assert.ErrorIs(t, err, helper.ErrEmptyText)
	})

	t.Run("Slow vector store times out as unavailable", func(t *testing.T) {
		s := newTestStores()
		stores := s.stores()
		stores.Vectors = &failingVectors{VectorStore: s.vectors, blockSearch: true}
		config := model.DefaultPipelineConfig()
		config.StoreTimeout = 20 * time.Millisecond
		p, err := NewPipeline(stores, NewHashingEncoder(32), config, nil)
		require.NoError(t, err)

		_, err = p.SearchSimilarEntities(ctx, "python", model.DefaultSearchConfig())
		assert.ErrorIs(t, err, helper.ErrStoreUnavailable)
	})
}

func TestDeduplicate(t *testing.T) {
	hit := func(entityID string, chunkType model.ChunkType, attribute string, score float64) *model.Chunk {
		return &model.Chunk{EntityID: entityID, Type: chunkType, AttributeName: attribute, Score: score}
	}

	t.Run("Highest scoring chunk represents the entity", func(t *testing.T) {
		results := Deduplicate([]*model.Chunk{
			hit("alice", model.ChunkTypeAttribute, "skills", 0.9),
			hit("bob", model.ChunkTypeGlobal, "", 0.8),
			hit("alice", model.ChunkTypeGlobal, "", 0.7),
		})

		require.Len(t, results, 2)
		assert.Equal(t, "alice", results[0].EntityID)
		assert.Equal(t, "skills", results[0].MatchedAttribute)
		assert.Equal(t, "bob", results[1].EntityID)
		assert.Equal(t, "global", results[1].MatchedAttribute)
	})

	t.Run("A later higher hit replaces the earlier one", func(t *testing.T) {
		results := Deduplicate([]*model.Chunk{
			hit("alice", model.ChunkTypeGlobal, "", 0.5),
			hit("bob", model.ChunkTypeGlobal, "", 0.6),
			hit("alice", model.ChunkTypeAttribute, "location", 0.9),
		})

		require.Len(t, results, 2)
		assert.Equal(t, "alice", results[0].EntityID)
		assert.Equal(t, 0.9, results[0].Score)
		assert.Equal(t, "location", results[0].MatchedAttribute)
	})

	t.Run("Ties keep the earlier chunk and the hit order", func(t *testing.T) {
		results := Deduplicate([]*model.Chunk{
			hit("alice", model.ChunkTypeGlobal, "", 0.5),
			hit("bob", model.ChunkTypeGlobal, "", 0.5),
			hit("alice", model.ChunkTypeAttribute, "skills", 0.5),
		})

		require.Len(t, results, 2)
		assert.Equal(t, "alice", results[0].EntityID)
		assert.Equal(t, "global", results[0].MatchedAttribute)
		assert.Equal(t, "bob", results[1].EntityID)
	})
}

func TestProcessBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("One failing entity does not abort the batch", func(t *testing.T) {
		s := newTestStores()
		p := newTestPipeline(t, s.stores())

		var ids []string
		for i := 1; i <= 5; i++ {
			id, err := p.AddNewEntity(ctx, &model.NewEntity{
				ID:         fmt.Sprintf("person:%d", i),
				Type:       "Person",
				Name:       fmt.Sprintf("Person %d", i),
				Structured: model.Metadata{"role": "Engineer"},
			})
			require.NoError(t, err)
			ids = append(ids, id)
		}

		stores := s.stores()
		stores.Documents = &failingDocuments{DocumentStore: s.documents, failFetch: map[string]bool{ids[2]: true}}
		p = newTestPipeline(t, stores)

		results, err := p.ProcessBatch(ctx, "Person", true)
		require.NoError(t, err)
		require.Len(t, results, 5)

		succeeded := 0
		for i, r := range results {
			assert.Equal(t, ids[i], r.EntityID, "Expected results in listing order")
			if r.Succeeded() {
				succeeded++
				assert.True(t, r.Result.Regenerated)
			}
		}
		assert.Equal(t, 4, succeeded)
		assert.False(t, results[2].Succeeded())
		assert.ErrorIs(t, results[2].Err, helper.ErrStoreUnavailable)
	})

	t.Run("Without force only stale entities are rebuilt", func(t *testing.T) {
		s := newTestStores()
		p := newTestPipeline(t, s.stores())
		_, err := p.AddNewEntity(ctx, newAlice())
		require.NoError(t, err)
		_, err = p.AddNewEntity(ctx, newBob())
		require.NoError(t, err)

		_, err = s.vectors.DeleteEntityChunks(ctx, "person:bob")
		require.NoError(t, err)

		results, err := p.ProcessBatch(ctx, "", false)
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.False(t, results[0].Result.Regenerated)
		assert.True(t, results[1].Result.Regenerated)
		assert.Equal(t, 3, results[1].Result.ChunkCount)
	})

	t.Run("Unknown type yields an empty batch", func(t *testing.T) {
		p := newTestPipeline(t, newTestStores().stores())

		results, err := p.ProcessBatch(ctx, "Nothing", false)
		require.NoError(t, err)
		assert.Empty(t, results)
	})
}

func TestDeleteEntity(t *testing.T) {
	ctx := context.Background()

	t.Run("Entity is removed from all three stores", func(t *testing.T) {
		s := newTestStores()
		p := newTestPipeline(t, s.stores())
		id, err := p.AddNewEntity(ctx, newAlice())
		require.NoError(t, err)
		_, err = p.AddNewEntity(ctx, newBob())
		require.NoError(t, err)

		require.NoError(t, p.DeleteEntity(ctx, id))

		_, err = s.documents.Fetch(ctx, id)
		assert.ErrorIs(t, err, helper.ErrNotFound)
		_, err = s.graph.Node(ctx, id)
		assert.ErrorIs(t, err, helper.ErrNotFound)
		chunks, err := s.vectors.ListEntityChunks(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, chunks)

		info, err := p.GetEntityEmbeddingsInfo(ctx, "person:bob")
		require.NoError(t, err)
		assert.Equal(t, 3, info.TotalChunks, "Expected other entities untouched")
	})

	t.Run("Unknown entity is not found", func(t *testing.T) {
		p := newTestPipeline(t, newTestStores().stores())
		assert.ErrorIs(t, p.DeleteEntity(ctx, "person:missing"), helper.ErrNotFound)
	})
}
