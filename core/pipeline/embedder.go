package pipeline

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"unicode"

	"github.com/cespare/xxhash/v2"
	"github.com/knights-analytics/hugot"
	"github.com/knights-analytics/hugot/pipelines"
	"github.com/siherrmann/persona/helper"
)

// DefaultModelName is the sentence transformer used by the hugot encoder.
const DefaultModelName = "sentence-transformers/all-MiniLM-L6-v2"

// DefaultDimension is the output size of DefaultModelName.
const DefaultDimension = 384

// EmbedFunc is a function that generates embeddings for text
type EmbedFunc func(text string) ([]float32, error)

// Encoder turns text into fixed length vectors. The same instance is used for
// indexing and querying. Empty input fails with helper.ErrEmptyText.
type Encoder interface {
	Encode(ctx context.Context, text string) ([]float32, error)
	// EncodeBatch is equivalent to calling Encode for every text.
	EncodeBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

func checkTexts(texts []string) error {
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return helper.NewError(fmt.Sprintf("encode text %d", i), helper.ErrEmptyText)
		}
	}
	return nil
}

// HugotEncoder runs a sentence transformer through hugot's pure Go backend.
type HugotEncoder struct {
	mu        sync.Mutex
	session   *hugot.Session
	pipeline  *pipelines.FeatureExtractionPipeline
	dimension int
}

// NewHugotEncoder downloads the model if needed and starts a hugot session.
func NewHugotEncoder(modelName string, onnxFilePath string, dimension int) (*HugotEncoder, error) {
	if modelName == "" {
		modelName = DefaultModelName
	}
	if dimension <= 0 {
		dimension = DefaultDimension
	}

	modelPath, err := helper.PrepareModel(modelName, onnxFilePath)
	if err != nil {
		return nil, err
	}

	session, err := hugot.NewGoSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create hugot session: %w", err)
	}

	config := hugot.FeatureExtractionConfig{
		ModelPath: modelPath,
		Name:      "persona-encoder",
	}
	sentencePipeline, err := hugot.NewPipeline(session, config)
	if err != nil {
		if destroyErr := session.Destroy(); destroyErr != nil {
			return nil, fmt.Errorf("failed to create sentence pipeline: %w (cleanup error: %v)", err, destroyErr)
		}
		return nil, fmt.Errorf("failed to create sentence pipeline: %w", err)
	}

	return &HugotEncoder{
		session:   session,
		pipeline:  sentencePipeline,
		dimension: dimension,
	}, nil
}

func (e *HugotEncoder) Encode(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EncodeBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (e *HugotEncoder) EncodeBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := checkTexts(texts); err != nil {
		return nil, err
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	result, err := e.pipeline.RunPipeline(texts)
	if err != nil {
		return nil, fmt.Errorf("failed to generate embedding: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(result.Embeddings))
	}
	return result.Embeddings, nil
}

func (e *HugotEncoder) Dimension() int {
	return e.dimension
}

// Close releases the hugot session.
func (e *HugotEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	err := e.session.Destroy()
	e.session = nil
	return err
}

// HashingEncoder is a deterministic bag of words encoder using signed feature
// hashing. It needs no model and is used offline and in tests.
type HashingEncoder struct {
	dimension int
}

func NewHashingEncoder(dimension int) *HashingEncoder {
	if dimension <= 0 {
		dimension = DefaultDimension
	}
	return &HashingEncoder{dimension: dimension}
}

func (e *HashingEncoder) Encode(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, helper.NewError("encode text", helper.ErrEmptyText)
	}

	vector := make([]float32, e.dimension)
	tokens := tokenize(text)
	if len(tokens) == 0 {
		tokens = []string{strings.TrimSpace(text)}
	}
	for _, token := range tokens {
		h := xxhash.Sum64String(token)
		idx := h % uint64(e.dimension)
		if h>>63 == 1 {
			vector[idx]--
		} else {
			vector[idx]++
		}
	}

	var norm float64
	for _, v := range vector {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vector {
			vector[i] *= scale
		}
	}
	return vector, nil
}

func (e *HashingEncoder) EncodeBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := checkTexts(texts); err != nil {
		return nil, err
	}
	vectors := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Encode(ctx, t)
		if err != nil {
			return nil, err
		}
		vectors[i] = v
	}
	return vectors, nil
}

func (e *HashingEncoder) Dimension() int {
	return e.dimension
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// FuncEncoder adapts an EmbedFunc to the Encoder interface.
type FuncEncoder struct {
	Embed EmbedFunc
	Dim   int
}

func (e *FuncEncoder) Encode(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, helper.NewError("encode text", helper.ErrEmptyText)
	}
	return e.Embed(text)
}

func (e *FuncEncoder) EncodeBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := checkTexts(texts); err != nil {
		return nil, err
	}
	vectors := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(t)
		if err != nil {
			return nil, err
		}
		vectors[i] = v
	}
	return vectors, nil
}

func (e *FuncEncoder) Dimension() int {
	return e.Dim
}
