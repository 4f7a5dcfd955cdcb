package model

import (
	"time"
)

// ChunkType is the granularity of a chunk.
type ChunkType string

const (
	ChunkTypeGlobal    ChunkType = "global"
	ChunkTypeAttribute ChunkType = "attribute"
)

// Payload keys replicated from the entity onto every chunk.
const (
	PayloadEntityType = "entity_type"
	PayloadEntityName = "entity_name"
	PayloadAttributes = "attributes"
	PayloadSource     = "source"
)

// Chunk is a derived unit of text and its embedding. It is never the source of truth.
type Chunk struct {
	ID            string    `json:"chunk_id"`
	EntityID      string    `json:"entity_id"`
	DocID         string    `json:"doc_id"`
	Type          ChunkType `json:"chunk_type"`
	AttributeName string    `json:"attribute_name,omitempty"`
	Text          string    `json:"text"`
	Metadata      Metadata  `json:"metadata,omitempty"`
	Embedding     []float32 `json:"embedding,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	// Seq is the insertion order assigned by the vector store.
	Seq int64 `json:"seq,omitempty"`
	// Results
	Score float64 `json:"score,omitempty"`
}

// MatchTag is the attribute name of an attribute chunk or "global".
func (c *Chunk) MatchTag() string {
	if c.Type == ChunkTypeAttribute && c.AttributeName != "" {
		return c.AttributeName
	}
	return string(ChunkTypeGlobal)
}

func (c *Chunk) EntityType() string {
	return c.Metadata.String(PayloadEntityType)
}

func (c *Chunk) EntityName() string {
	return c.Metadata.String(PayloadEntityName)
}
