package database

import (
	"context"

	"github.com/siherrmann/persona/model"
)

// VectorStore persists chunk embeddings with their payload and answers
// filtered similarity searches.
type VectorStore interface {
	// UpsertChunk inserts or replaces a chunk by id. A replaced chunk keeps its
	// original insertion order.
	UpsertChunk(ctx context.Context, chunk *model.Chunk) error
	// DeleteEntityChunks removes all chunks of an entity and returns how many
	// were removed. An entity without chunks is not an error.
	DeleteEntityChunks(ctx context.Context, entityID string) (int, error)
	// Search returns chunks by cosine similarity descending, ties broken by
	// insertion order. The threshold is applied before the limit.
	Search(ctx context.Context, embedding []float32, query model.VectorQuery) ([]*model.Chunk, error)
	// ListEntityChunks returns all chunks of an entity in insertion order.
	ListEntityChunks(ctx context.Context, entityID string) ([]*model.Chunk, error)
	Close() error
}

// DocumentStore persists the canonical entity record.
type DocumentStore interface {
	// Upsert replaces the whole record.
	Upsert(ctx context.Context, entity *model.Entity) error
	// Update merges a partial update, increments the version once if the
	// content changed and returns the stored record.
	Update(ctx context.Context, entityID string, update *model.AttributeUpdate) (*model.Entity, error)
	// Fetch returns helper.ErrNotFound for unknown ids.
	Fetch(ctx context.Context, entityID string) (*model.Entity, error)
	// FindByName matches names case and diacritic insensitively.
	FindByName(ctx context.Context, name string) ([]*model.Entity, error)
	// ListIDs lists ids in creation order. An empty type lists all entities.
	ListIDs(ctx context.Context, entityType string) ([]string, error)
	Delete(ctx context.Context, entityID string) error
	Close() error
}

// GraphStore persists entity nodes and typed, directed relationships.
type GraphStore interface {
	// UpsertNode creates or merges a node by id.
	UpsertNode(ctx context.Context, label string, id string, properties model.Metadata) error
	// UpsertEdge creates missing endpoints and appends the edge. Identical
	// edges are not deduplicated.
	UpsertEdge(ctx context.Context, rel *model.Relationship) error
	// Node returns helper.ErrNotFound for unknown ids.
	Node(ctx context.Context, id string) (*model.Node, error)
	// Neighbors returns incoming and outgoing edges in insertion order.
	Neighbors(ctx context.Context, id string) ([]*model.Relationship, error)
	// Traverse walks breadth first in both directions up to maxDepth hops.
	Traverse(ctx context.Context, startID string, maxDepth int) (*model.Subgraph, error)
	// DeleteNode removes a node and all its edges.
	DeleteNode(ctx context.Context, id string) error
	// Stats aggregates node and edge counts.
	Stats(ctx context.Context) (*model.GraphStats, error)
	Close() error
}

var (
	_ VectorStore   = (*ChunksDBHandler)(nil)
	_ DocumentStore = (*DocumentsDBHandler)(nil)
	_ GraphStore    = (*GraphDBHandler)(nil)
)
