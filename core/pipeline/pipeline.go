package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/siherrmann/persona/helper"
	"github.com/siherrmann/persona/model"
	"golang.org/x/sync/errgroup"
)

// DefaultNodeLabel is used for relationship targets without a label.
const DefaultNodeLabel = "Entity"

// AddNewEntity writes a new entity to the document store, the graph store and
// the vector store, in that order. If a write after the document write fails
// the entity id is returned together with a *helper.PartialWriteError and
// nothing is rolled back.
func (p *Pipeline) AddNewEntity(ctx context.Context, input *model.NewEntity) (string, error) {
	if err := input.Validate(); err != nil {
		return "", helper.NewError("add entity", err)
	}

	entity := input.Entity(p.now())

	err := p.Exec(ctx, "upsert document", func(ctx context.Context) error {
		return p.stores.Documents.Upsert(ctx, entity)
	})
	if err != nil {
		return "", err
	}

	err = p.writeGraph(ctx, entity, input.Relationships)
	if err != nil {
		return entity.ID, &helper.PartialWriteError{
			EntityID:  entity.ID,
			Succeeded: []helper.StoreKind{helper.StoreDocument},
			Failed:    helper.StoreGraph,
			Err:       err,
		}
	}

	result, err := p.index(ctx, entity)
	if err != nil {
		return entity.ID, &helper.PartialWriteError{
			EntityID:  entity.ID,
			Succeeded: []helper.StoreKind{helper.StoreDocument, helper.StoreGraph},
			Failed:    helper.StoreVector,
			Err:       err,
		}
	}

	p.log.Info(
		"Added entity",
		slog.String("entity_id", entity.ID),
		slog.String("entity_type", entity.Type),
		slog.Int("chunks", result.ChunkCount),
	)

	return entity.ID, nil
}

func (p *Pipeline) writeGraph(ctx context.Context, entity *model.Entity, relationships []model.RelationshipSpec) error {
	err := p.Exec(ctx, "upsert node", func(ctx context.Context) error {
		return p.stores.Graph.UpsertNode(ctx, entity.Type, entity.ID, entity.NodeProperties())
	})
	if err != nil {
		return err
	}

	for _, spec := range relationships {
		targetLabel := spec.TargetLabel
		if targetLabel == "" {
			targetLabel = DefaultNodeLabel
		}

		rel := &model.Relationship{
			ID:         uuid.NewString(),
			FromID:     entity.ID,
			FromLabel:  entity.Type,
			FromName:   entity.Name,
			Type:       model.NormalizeRelationshipType(spec.Type),
			ToID:       spec.TargetID,
			ToLabel:    targetLabel,
			ToName:     spec.TargetName,
			Properties: spec.Properties.Clone(),
			CreatedAt:  p.now(),
		}
		err := p.Exec(ctx, "upsert edge", func(ctx context.Context) error {
			return p.stores.Graph.UpsertEdge(ctx, rel)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// index generates, encodes and stores the chunk set of one entity version.
func (p *Pipeline) index(ctx context.Context, entity *model.Entity) (*model.UpdateResult, error) {
	summary := ""
	if p.config.IncludeGlobal && strings.TrimSpace(entity.Text) == "" && len(entity.Structured) > 0 {
		summary = SafeSummarize(ctx, p.summarizer, p.log, entity.Name, entity.Type, entity.Structured)
	}

	chunks := p.chunker(entity.ID, entity.DocID(), entity, p.chunkOptions(summary))

	result := &model.UpdateResult{
		EntityID:    entity.ID,
		Version:     entity.Meta.Version,
		Regenerated: true,
	}
	if len(chunks) == 0 {
		return result, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := p.encoder.EncodeBatch(ctx, texts)
	if err != nil {
		return nil, helper.NewError("encode chunks", err)
	}

	for i, c := range chunks {
		c.Embedding = vectors[i]
		err := p.Exec(ctx, "upsert chunk", func(ctx context.Context) error {
			return p.stores.Vectors.UpsertChunk(ctx, c)
		})
		if err != nil {
			return nil, err
		}
		countChunk(result, c)
	}
	return result, nil
}

func countChunk(result *model.UpdateResult, c *model.Chunk) {
	result.ChunkCount++
	if c.Type == model.ChunkTypeGlobal {
		result.GlobalChunks++
	} else {
		result.AttributeChunks++
	}
}

// UpdateEntityEmbeddings merges update into the stored entity and rebuilds
// its chunks. When the update changes nothing, the chunks are only rebuilt if
// regenerateAll is set or the stored chunks belong to another version.
func (p *Pipeline) UpdateEntityEmbeddings(ctx context.Context, entityID string, update *model.AttributeUpdate, regenerateAll bool) (*model.UpdateResult, error) {
	if err := update.Validate(); err != nil {
		return nil, helper.NewError("update entity", err)
	}

	current, err := call(ctx, p.config.StoreTimeout, "fetch document", func(ctx context.Context) (*model.Entity, error) {
		return p.stores.Documents.Fetch(ctx, entityID)
	})
	if err != nil {
		return nil, err
	}

	changed := update.Apply(current.Clone())
	if changed {
		updated, err := call(ctx, p.config.StoreTimeout, "update document", func(ctx context.Context) (*model.Entity, error) {
			return p.stores.Documents.Update(ctx, entityID, update)
		})
		if err != nil {
			return nil, err
		}
		current = updated

		err = p.Exec(ctx, "refresh node", func(ctx context.Context) error {
			return p.stores.Graph.UpsertNode(ctx, current.Type, current.ID, current.NodeProperties())
		})
		if err != nil {
			return nil, &helper.PartialWriteError{
				EntityID:  entityID,
				Succeeded: []helper.StoreKind{helper.StoreDocument},
				Failed:    helper.StoreGraph,
				Err:       err,
			}
		}
	}

	if !changed && !regenerateAll {
		existing, err := call(ctx, p.config.StoreTimeout, "list chunks", func(ctx context.Context) ([]*model.Chunk, error) {
			return p.stores.Vectors.ListEntityChunks(ctx, entityID)
		})
		if err != nil {
			return nil, err
		}
		if upToDate(existing, current.DocID()) {
			result := &model.UpdateResult{EntityID: entityID, Version: current.Meta.Version}
			for _, c := range existing {
				countChunk(result, c)
			}
			p.log.Debug("Chunks up to date", slog.String("entity_id", entityID), slog.String("doc_id", current.DocID()))
			return result, nil
		}
	}

	result, err := p.regenerate(ctx, current)
	if err != nil {
		if changed {
			return nil, &helper.PartialWriteError{
				EntityID:  entityID,
				Succeeded: []helper.StoreKind{helper.StoreDocument, helper.StoreGraph},
				Failed:    helper.StoreVector,
				Err:       err,
			}
		}
		return nil, err
	}

	p.log.Info(
		"Updated entity embeddings",
		slog.String("entity_id", entityID),
		slog.Int("version", result.Version),
		slog.Int("chunks", result.ChunkCount),
	)

	return result, nil
}

func (p *Pipeline) regenerate(ctx context.Context, entity *model.Entity) (*model.UpdateResult, error) {
	_, err := call(ctx, p.config.StoreTimeout, "delete chunks", func(ctx context.Context) (int, error) {
		return p.stores.Vectors.DeleteEntityChunks(ctx, entity.ID)
	})
	if err != nil {
		return nil, err
	}
	return p.index(ctx, entity)
}

func upToDate(chunks []*model.Chunk, docID string) bool {
	if len(chunks) == 0 {
		return false
	}
	for _, c := range chunks {
		if c.DocID != docID {
			return false
		}
	}
	return true
}

// SearchSimilarEntities finds the entities whose chunks are most similar to
// query. Each entity appears once, represented by its best chunk.
func (p *Pipeline) SearchSimilarEntities(ctx context.Context, query string, config model.SearchConfig) ([]*model.SearchResult, error) {
	if config.Limit <= 0 {
		return []*model.SearchResult{}, nil
	}
	oversample := config.Oversample
	if oversample < 1 {
		oversample = 1
	}

	embedding, err := p.encoder.Encode(ctx, query)
	if err != nil {
		return nil, helper.NewError("encode query", err)
	}

	vectorQuery := model.VectorQuery{
		Limit:          config.Limit * oversample,
		ScoreThreshold: config.ScoreThreshold,
		Filter: model.VectorFilter{
			ChunkType:     config.ChunkType,
			AttributeName: config.AttributeName,
			EntityType:    config.EntityType,
		},
	}

	// A few entities with many chunks can fill the window, so it grows
	// until enough distinct entities are found or the store runs dry.
	var ranked []*model.SearchResult
	for {
		hits, err := call(ctx, p.config.StoreTimeout, "search chunks", func(ctx context.Context) ([]*model.Chunk, error) {
			return p.stores.Vectors.Search(ctx, embedding, vectorQuery)
		})
		if err != nil {
			return nil, err
		}

		ranked = Deduplicate(hits)
		if len(ranked) >= config.Limit || vectorQuery.Limit <= 0 || len(hits) < vectorQuery.Limit {
			break
		}
		vectorQuery.Limit *= 2
		p.log.Debug("Widening search window", slog.Int("limit", vectorQuery.Limit), slog.Int("entities", len(ranked)))
	}

	results := make([]*model.SearchResult, 0, min(len(ranked), config.Limit))
	for _, r := range ranked {
		if len(results) == config.Limit {
			break
		}
		if config.Enrich {
			doc, err := call(ctx, p.config.StoreTimeout, "fetch document", func(ctx context.Context) (*model.Entity, error) {
				return p.stores.Documents.Fetch(ctx, r.EntityID)
			})
			if errors.Is(err, helper.ErrNotFound) {
				p.log.Warn("Dropping search hit without document", slog.String("entity_id", r.EntityID))
				continue
			}
			if err != nil {
				return nil, err
			}
			r.Entity = doc
			r.EntityName = doc.Name
			r.EntityType = doc.Type
		}
		results = append(results, r)
	}

	return results, nil
}

// Deduplicate keeps the best scoring chunk per entity and sorts the results
// by score descending. Ties keep the order of the hits.
func Deduplicate(hits []*model.Chunk) []*model.SearchResult {
	best := make(map[string]*model.SearchResult, len(hits))
	order := make([]string, 0, len(hits))

	for _, hit := range hits {
		current, ok := best[hit.EntityID]
		if ok && hit.Score <= current.Score {
			continue
		}
		if !ok {
			order = append(order, hit.EntityID)
		}
		best[hit.EntityID] = &model.SearchResult{
			EntityID:         hit.EntityID,
			EntityName:       hit.EntityName(),
			EntityType:       hit.EntityType(),
			Score:            hit.Score,
			MatchedChunk:     hit.Type,
			MatchedAttribute: hit.MatchTag(),
			MatchedText:      hit.Text,
			DocID:            hit.DocID,
		}
	}

	results := make([]*model.SearchResult, 0, len(order))
	for _, id := range order {
		results = append(results, best[id])
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	return results
}

// GetEntityEmbeddingsInfo counts the chunks stored for an entity.
func (p *Pipeline) GetEntityEmbeddingsInfo(ctx context.Context, entityID string) (*model.EmbeddingsInfo, error) {
	chunks, err := call(ctx, p.config.StoreTimeout, "list chunks", func(ctx context.Context) ([]*model.Chunk, error) {
		return p.stores.Vectors.ListEntityChunks(ctx, entityID)
	})
	if err != nil {
		return nil, err
	}

	info := &model.EmbeddingsInfo{
		EntityID:   entityID,
		Attributes: []string{},
		DocIDs:     []string{},
	}
	seenDocs := make(map[string]bool)
	for _, c := range chunks {
		info.TotalChunks++
		if c.Type == model.ChunkTypeGlobal {
			info.GlobalChunks++
		} else {
			info.AttributeChunks++
			info.Attributes = append(info.Attributes, c.AttributeName)
		}
		if !seenDocs[c.DocID] {
			seenDocs[c.DocID] = true
			info.DocIDs = append(info.DocIDs, c.DocID)
		}
	}
	sort.Strings(info.Attributes)
	sort.Strings(info.DocIDs)
	return info, nil
}

// ProcessBatch rebuilds the chunks of every entity of a type, or of all
// entities when entityType is empty. A failing entity is recorded in its
// result and does not stop the batch. Results are in listing order.
func (p *Pipeline) ProcessBatch(ctx context.Context, entityType string, forceRegenerate bool) ([]*model.BatchResult, error) {
	ids, err := call(ctx, p.config.StoreTimeout, "list entities", func(ctx context.Context) ([]string, error) {
		return p.stores.Documents.ListIDs(ctx, entityType)
	})
	if err != nil {
		return nil, err
	}

	results := make([]*model.BatchResult, len(ids))
	var g errgroup.Group
	g.SetLimit(p.config.BatchParallelism)

	for i, id := range ids {
		g.Go(func() error {
			result, err := p.UpdateEntityEmbeddings(ctx, id, model.NewAttributeUpdate(), forceRegenerate)
			if err != nil {
				p.log.Error("Batch entity failed", slog.String("entity_id", id), slog.Any("error", err))
			}
			results[i] = &model.BatchResult{EntityID: id, Result: result, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	succeeded := 0
	for _, r := range results {
		if r.Succeeded() {
			succeeded++
		}
	}
	p.log.Info(
		"Processed batch",
		slog.String("entity_type", entityType),
		slog.Int("entities", len(ids)),
		slog.Int("succeeded", succeeded),
	)

	return results, nil
}

// DeleteEntity removes the chunks, the graph node with its edges and the
// document of an entity, in that order.
func (p *Pipeline) DeleteEntity(ctx context.Context, entityID string) error {
	_, err := call(ctx, p.config.StoreTimeout, "fetch document", func(ctx context.Context) (*model.Entity, error) {
		return p.stores.Documents.Fetch(ctx, entityID)
	})
	if err != nil {
		return err
	}

	deleted, err := call(ctx, p.config.StoreTimeout, "delete chunks", func(ctx context.Context) (int, error) {
		return p.stores.Vectors.DeleteEntityChunks(ctx, entityID)
	})
	if err != nil {
		return err
	}

	err = p.Exec(ctx, "delete node", func(ctx context.Context) error {
		err := p.stores.Graph.DeleteNode(ctx, entityID)
		if errors.Is(err, helper.ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return &helper.PartialWriteError{
			EntityID:  entityID,
			Succeeded: []helper.StoreKind{helper.StoreVector},
			Failed:    helper.StoreGraph,
			Err:       err,
		}
	}

	err = p.Exec(ctx, "delete document", func(ctx context.Context) error {
		return p.stores.Documents.Delete(ctx, entityID)
	})
	if err != nil {
		return &helper.PartialWriteError{
			EntityID:  entityID,
			Succeeded: []helper.StoreKind{helper.StoreVector, helper.StoreGraph},
			Failed:    helper.StoreDocument,
			Err:       err,
		}
	}

	p.log.Info("Deleted entity", slog.String("entity_id", entityID), slog.Int("chunks", deleted))
	return nil
}
