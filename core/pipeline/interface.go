package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/siherrmann/persona/database"
	"github.com/siherrmann/persona/helper"
	"github.com/siherrmann/persona/model"
)

// Stores groups the three backends the pipeline writes through to.
type Stores struct {
	Documents database.DocumentStore
	Graph     database.GraphStore
	Vectors   database.VectorStore
}

func (s Stores) validate() error {
	if s.Documents == nil || s.Graph == nil || s.Vectors == nil {
		return helper.Validation("document, graph and vector store are required")
	}
	return nil
}

// Pipeline keeps the document, graph and vector stores consistent for
// entity creates, updates and deletes, and answers semantic entity searches.
type Pipeline struct {
	stores     Stores
	encoder    Encoder
	summarizer Summarizer      // Optional
	chunker    ChunkFunc       // Defaults to GenerateAllChunks
	config     model.PipelineConfig
	log        *slog.Logger
	now        func() time.Time
}

// NewPipeline creates a new embedding pipeline
func NewPipeline(stores Stores, encoder Encoder, config model.PipelineConfig, logger *slog.Logger) (*Pipeline, error) {
	if err := stores.validate(); err != nil {
		return nil, err
	}
	if encoder == nil {
		return nil, helper.Validation("encoder is required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if config.BatchParallelism <= 0 {
		config.BatchParallelism = 1
	}

	return &Pipeline{
		stores:  stores,
		encoder: encoder,
		chunker: GenerateAllChunks,
		config:  config,
		log:     logger,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetSummarizer sets the summarizer used for entities without text
func (p *Pipeline) SetSummarizer(summarizer Summarizer) {
	p.summarizer = summarizer
}

// SetChunker replaces the chunk generation function
func (p *Pipeline) SetChunker(chunker ChunkFunc) {
	if chunker == nil {
		chunker = GenerateAllChunks
	}
	p.chunker = chunker
}

// Stores returns the backends of the pipeline.
func (p *Pipeline) Stores() Stores {
	return p.stores
}

// Encoder returns the encoder used for indexing and querying.
func (p *Pipeline) Encoder() Encoder {
	return p.encoder
}

func (p *Pipeline) chunkOptions(summary string) ChunkOptions {
	return ChunkOptions{
		IncludeGlobal:     p.config.IncludeGlobal,
		IncludeAttributes: p.config.IncludeAttributes,
		GroupAttributes:   p.config.GroupAttributes,
		Summary:           summary,
	}
}

// call runs one store operation under the store timeout. A deadline is
// reported as helper.ErrStoreUnavailable.
func call[T any](ctx context.Context, timeout time.Duration, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	v, err := fn(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = helper.Unavailable(err)
		}
		return v, helper.NewError(operation, err)
	}
	return v, nil
}

// Exec runs one store operation of the caller under the store timeout.
func (p *Pipeline) Exec(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	_, err := call(ctx, p.config.StoreTimeout, operation, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
