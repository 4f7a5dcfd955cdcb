package memory

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/siherrmann/persona/helper"
	"github.com/siherrmann/persona/model"
)

// VectorStore is an in-memory VectorStore with exact cosine search.
type VectorStore struct {
	mu     sync.RWMutex
	chunks map[string]*model.Chunk
	seq    int64
}

func NewVectorStore() *VectorStore {
	return &VectorStore{chunks: make(map[string]*model.Chunk)}
}

func (s *VectorStore) UpsertChunk(ctx context.Context, chunk *model.Chunk) error {
	if chunk == nil || chunk.ID == "" || chunk.EntityID == "" {
		return helper.NewError("upsert chunk", helper.Validation("chunk id and entity id are required"))
	}
	if len(chunk.Embedding) == 0 {
		return helper.NewError("upsert chunk", helper.Validation("chunk %s has no embedding", chunk.ID))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := cloneChunk(chunk)
	stored.Score = 0
	if existing, ok := s.chunks[chunk.ID]; ok {
		stored.Seq = existing.Seq
	} else {
		s.seq++
		stored.Seq = s.seq
	}
	s.chunks[chunk.ID] = stored
	chunk.Seq = stored.Seq
	return nil
}

func (s *VectorStore) DeleteEntityChunks(ctx context.Context, entityID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, c := range s.chunks {
		if c.EntityID == entityID {
			delete(s.chunks, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *VectorStore) Search(ctx context.Context, embedding []float32, query model.VectorQuery) ([]*model.Chunk, error) {
	if len(embedding) == 0 {
		return nil, helper.NewError("search chunks", helper.Validation("query embedding is empty"))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var hits []*model.Chunk
	for _, c := range s.chunks {
		if !query.Filter.Matches(c) {
			continue
		}
		score := CosineSimilarity(embedding, c.Embedding)
		if !query.Accepts(score) {
			continue
		}
		hit := cloneChunk(c)
		hit.Score = score
		hits = append(hits, hit)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Seq < hits[j].Seq
	})

	if query.Limit > 0 && len(hits) > query.Limit {
		hits = hits[:query.Limit]
	}
	if hits == nil {
		hits = []*model.Chunk{}
	}
	return hits, nil
}

func (s *VectorStore) ListEntityChunks(ctx context.Context, entityID string) ([]*model.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chunks := []*model.Chunk{}
	for _, c := range s.chunks {
		if c.EntityID == entityID {
			chunks = append(chunks, cloneChunk(c))
		}
	}
	sort.Slice(chunks, func(i, j int) bool {
		return chunks[i].Seq < chunks[j].Seq
	})
	return chunks, nil
}

// Len returns the number of stored chunks.
func (s *VectorStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}

func (s *VectorStore) Close() error {
	return nil
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0 if
// either is a zero vector or the lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func cloneChunk(c *model.Chunk) *model.Chunk {
	clone := *c
	clone.Metadata = c.Metadata.Clone()
	clone.Embedding = append([]float32(nil), c.Embedding...)
	return &clone
}
