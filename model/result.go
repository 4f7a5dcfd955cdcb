package model

// SearchResult is one entity returned by a semantic search, represented by
// its best matching chunk.
type SearchResult struct {
	EntityID         string    `json:"entity_id"`
	EntityName       string    `json:"entity_name"`
	EntityType       string    `json:"entity_type"`
	Score            float64   `json:"score"`
	MatchedChunk     ChunkType `json:"matched_chunk_type"`
	MatchedAttribute string    `json:"matched_attribute"`
	MatchedText      string    `json:"matched_text"`
	DocID            string    `json:"doc_id"`
	Entity           *Entity   `json:"entity,omitempty"`
}

// UpdateResult is returned by an embedding update.
type UpdateResult struct {
	EntityID        string `json:"entity_id"`
	Version         int    `json:"version"`
	ChunkCount      int    `json:"chunk_count"`
	GlobalChunks    int    `json:"global_chunks"`
	AttributeChunks int    `json:"attribute_chunks"`
	Regenerated     bool   `json:"regenerated"`
}

// EmbeddingsInfo summarizes the chunks stored for an entity.
type EmbeddingsInfo struct {
	EntityID        string   `json:"entity_id"`
	TotalChunks     int      `json:"total_chunks"`
	GlobalChunks    int      `json:"global_chunks"`
	AttributeChunks int      `json:"attribute_chunks"`
	Attributes      []string `json:"attributes"`
	DocIDs          []string `json:"doc_ids"`
}

// BatchResult is the outcome of one entity in a batch run.
type BatchResult struct {
	EntityID string        `json:"entity_id"`
	Result   *UpdateResult `json:"result,omitempty"`
	Err      error         `json:"-"`
}

func (b *BatchResult) Succeeded() bool {
	return b.Err == nil
}

// EntityContext is the neighbourhood of an entity with a readable summary.
type EntityContext struct {
	Entity  *Node           `json:"entity"`
	Nodes   []*Node         `json:"nodes"`
	Edges   []*Relationship `json:"edges"`
	Summary string          `json:"summary"`
}

// Ack acknowledges a tool layer write.
type Ack struct {
	EntityID string `json:"entity_id"`
	Created  bool   `json:"created"`
	Version  int    `json:"version,omitempty"`
	Message  string `json:"message"`
}
