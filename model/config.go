package model

import "time"

// PipelineConfig controls chunk generation and store access of the pipeline.
type PipelineConfig struct {
	IncludeGlobal     bool          `json:"include_global"`
	IncludeAttributes bool          `json:"include_attributes"`
	GroupAttributes   bool          `json:"group_attributes"`
	StoreTimeout      time.Duration `json:"store_timeout"`
	BatchParallelism  int           `json:"batch_parallelism"`
}

// DefaultPipelineConfig returns a sensible default configuration
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		IncludeGlobal:     true,
		IncludeAttributes: true,
		GroupAttributes:   true,
		StoreTimeout:      10 * time.Second,
		BatchParallelism:  4,
	}
}

// SearchConfig represents configuration for a semantic entity search
type SearchConfig struct {
	Limit          int      `json:"limit"`
	ScoreThreshold *float64 `json:"score_threshold,omitempty"`

	// Filters
	EntityType    string    `json:"entity_type,omitempty"`
	ChunkType     ChunkType `json:"chunk_type,omitempty"`
	AttributeName string    `json:"attribute_name,omitempty"`

	// Enrich attaches the full document to every result.
	Enrich bool `json:"enrich"`
	// Oversample multiplies the raw chunk limit so that deduplication by
	// entity still leaves Limit results.
	Oversample int `json:"oversample"`
}

// DefaultSearchConfig returns a sensible default configuration
func DefaultSearchConfig() SearchConfig {
	return SearchConfig{
		Limit:      10,
		Enrich:     true,
		Oversample: 3,
	}
}

// Threshold returns a pointer to t for use in configs.
func Threshold(t float64) *float64 {
	return &t
}

// VectorFilter is a conjunction over the set fields.
type VectorFilter struct {
	EntityID      string    `json:"entity_id,omitempty"`
	ChunkType     ChunkType `json:"chunk_type,omitempty"`
	AttributeName string    `json:"attribute_name,omitempty"`
	EntityType    string    `json:"entity_type,omitempty"`
}

// Matches reports whether c satisfies every set field of the filter.
func (f VectorFilter) Matches(c *Chunk) bool {
	if f.EntityID != "" && c.EntityID != f.EntityID {
		return false
	}
	if f.ChunkType != "" && c.Type != f.ChunkType {
		return false
	}
	if f.AttributeName != "" && c.AttributeName != f.AttributeName {
		return false
	}
	if f.EntityType != "" && c.EntityType() != f.EntityType {
		return false
	}
	return true
}

// VectorQuery is a similarity search request against a vector store.
// The threshold is applied before the limit.
type VectorQuery struct {
	Limit          int          `json:"limit"`
	ScoreThreshold *float64     `json:"score_threshold,omitempty"`
	Filter         VectorFilter `json:"filter"`
}

// Accepts reports whether score passes the threshold.
func (q VectorQuery) Accepts(score float64) bool {
	return q.ScoreThreshold == nil || score >= *q.ScoreThreshold
}
