package helper

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Backend names accepted by the configuration.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendQdrant   = "qdrant"
	BackendMongo    = "mongo"
	BackendBadger   = "badger"
	BackendSQLite   = "sqlite"
)

// Configuration is the application configuration. Values are resolved from
// defaults, then an optional YAML file, then environment variables.
type Configuration struct {
	LogLevel string `env:"PERSONA_LOG_LEVEL" yaml:"log_level"`

	Backends   BackendConfiguration    `yaml:"backends"`
	Database   DatabaseConfiguration   `yaml:"database"`
	Index      IndexConfiguration      `yaml:"index"`
	Qdrant     QdrantConfiguration     `yaml:"qdrant"`
	Mongo      MongoConfiguration      `yaml:"mongo"`
	Badger     BadgerConfiguration     `yaml:"badger"`
	SQLite     SQLiteConfiguration     `yaml:"sqlite"`
	Embedding  EmbeddingConfiguration  `yaml:"embedding"`
	Summarizer SummarizerConfiguration `yaml:"summarizer"`
	Pipeline   PipelineConfiguration   `yaml:"pipeline"`
	Search     SearchConfiguration     `yaml:"search"`
}

type BackendConfiguration struct {
	Vector   string `env:"PERSONA_VECTOR_BACKEND" yaml:"vector"`
	Document string `env:"PERSONA_DOCUMENT_BACKEND" yaml:"document"`
	Graph    string `env:"PERSONA_GRAPH_BACKEND" yaml:"graph"`
}

// IndexConfiguration selects the pgvector index of the chunks table. The
// index is only rebuilt on startup when Rebuild is set.
type IndexConfiguration struct {
	Rebuild        bool   `env:"INDEX_REBUILD" yaml:"rebuild"`
	Kind           string `env:"INDEX_KIND" yaml:"kind"`
	M              int    `env:"INDEX_M" yaml:"m"`
	EfConstruction int    `env:"INDEX_EF_CONSTRUCTION" yaml:"ef_construction"`
	Lists          int    `env:"INDEX_LISTS" yaml:"lists"`
}

type QdrantConfiguration struct {
	Address    string `env:"QDRANT_ADDRESS" yaml:"address"`
	Collection string `env:"QDRANT_COLLECTION" yaml:"collection"`
	APIKey     string `env:"QDRANT_API_KEY" yaml:"api_key"`
}

type MongoConfiguration struct {
	URI        string `env:"MONGO_URI" yaml:"uri"`
	Database   string `env:"MONGO_DATABASE" yaml:"database"`
	Collection string `env:"MONGO_COLLECTION" yaml:"collection"`
}

type BadgerConfiguration struct {
	Dir      string `env:"BADGER_DIR" yaml:"dir"`
	InMemory bool   `env:"BADGER_IN_MEMORY" yaml:"in_memory"`
}

type SQLiteConfiguration struct {
	Path string `env:"SQLITE_PATH" yaml:"path"`
}

type EmbeddingConfiguration struct {
	// Provider is "hugot" for the sentence transformer or "hash" for the
	// deterministic offline encoder.
	Provider     string `env:"EMBEDDING_PROVIDER" yaml:"provider"`
	Model        string `env:"EMBEDDING_MODEL" yaml:"model"`
	OnnxFilePath string `env:"EMBEDDING_ONNX_FILE" yaml:"onnx_file"`
	Dimension    int    `env:"EMBEDDING_DIMENSION" yaml:"dimension"`
}

type SummarizerConfiguration struct {
	// Provider is "openai" or "none".
	Provider    string        `env:"SUMMARIZER_PROVIDER" yaml:"provider"`
	APIKey      string        `env:"OPENAI_API_KEY" yaml:"api_key"`
	BaseURL     string        `env:"OPENAI_BASE_URL" yaml:"base_url"`
	Model       string        `env:"SUMMARIZER_MODEL" yaml:"model"`
	Temperature float64       `env:"SUMMARIZER_TEMPERATURE" yaml:"temperature"`
	MaxTokens   int64         `env:"SUMMARIZER_MAX_TOKENS" yaml:"max_tokens"`
	Timeout     time.Duration `env:"SUMMARIZER_TIMEOUT" yaml:"timeout"`
}

type PipelineConfiguration struct {
	IncludeGlobal     bool          `env:"PIPELINE_INCLUDE_GLOBAL" yaml:"include_global"`
	IncludeAttributes bool          `env:"PIPELINE_INCLUDE_ATTRIBUTES" yaml:"include_attributes"`
	GroupAttributes   bool          `env:"PIPELINE_GROUP_ATTRIBUTES" yaml:"group_attributes"`
	StoreTimeout      time.Duration `env:"PIPELINE_STORE_TIMEOUT" yaml:"store_timeout"`
	BatchParallelism  int           `env:"PIPELINE_BATCH_PARALLELISM" yaml:"batch_parallelism"`
	RetryAttempts     uint64        `env:"PIPELINE_RETRY_ATTEMPTS" yaml:"retry_attempts"`
}

type SearchConfiguration struct {
	Limit             int     `env:"SEARCH_LIMIT" yaml:"limit"`
	ScoreThreshold    float64 `env:"SEARCH_SCORE_THRESHOLD" yaml:"score_threshold"`
	FallbackThreshold float64 `env:"SEARCH_FALLBACK_THRESHOLD" yaml:"fallback_threshold"`
	Oversample        int     `env:"SEARCH_OVERSAMPLE" yaml:"oversample"`
}

// DefaultConfiguration returns an in-memory, offline configuration.
func DefaultConfiguration() *Configuration {
	return &Configuration{
		LogLevel: "info",
		Backends: BackendConfiguration{
			Vector:   BackendMemory,
			Document: BackendMemory,
			Graph:    BackendMemory,
		},
		Database: *DefaultDatabaseConfiguration(),
		Index: IndexConfiguration{
			Kind: "hnsw",
		},
		Qdrant: QdrantConfiguration{
			Address:    "localhost:6334",
			Collection: "persona_chunks",
		},
		Mongo: MongoConfiguration{
			URI:        "mongodb://localhost:27017",
			Database:   "persona",
			Collection: "entities",
		},
		Badger: BadgerConfiguration{
			Dir: "./data/badger",
		},
		SQLite: SQLiteConfiguration{
			Path: "./data/graph.db",
		},
		Embedding: EmbeddingConfiguration{
			Provider:     "hash",
			Model:        "sentence-transformers/all-MiniLM-L6-v2",
			OnnxFilePath: "onnx/model.onnx",
			Dimension:    384,
		},
		Summarizer: SummarizerConfiguration{
			Provider:    "none",
			Model:       "gpt-3.5-turbo",
			Temperature: 0.3,
			MaxTokens:   150,
			Timeout:     20 * time.Second,
		},
		Pipeline: PipelineConfiguration{
			IncludeGlobal:     true,
			IncludeAttributes: true,
			GroupAttributes:   true,
			StoreTimeout:      10 * time.Second,
			BatchParallelism:  4,
			RetryAttempts:     3,
		},
		Search: SearchConfiguration{
			Limit:             10,
			ScoreThreshold:    0,
			FallbackThreshold: 0.5,
			Oversample:        3,
		},
	}
}

// LoadConfiguration resolves the configuration. path may be empty.
func LoadConfiguration(path string) (*Configuration, error) {
	loadDotEnv()

	config := DefaultConfiguration()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, NewError("read configuration file", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, NewError("parse configuration file", err)
		}
	}

	if err := env.Parse(config); err != nil {
		return nil, NewError("parse environment", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks backend names and numeric bounds.
func (c *Configuration) Validate() error {
	check := func(kind, value string, allowed ...string) error {
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return Validation("unknown %s backend %q", kind, value)
	}

	if err := check("vector", c.Backends.Vector, BackendMemory, BackendPostgres, BackendQdrant); err != nil {
		return err
	}
	if err := check("document", c.Backends.Document, BackendMemory, BackendPostgres, BackendMongo, BackendBadger); err != nil {
		return err
	}
	if err := check("graph", c.Backends.Graph, BackendMemory, BackendPostgres, BackendSQLite); err != nil {
		return err
	}
	if c.Embedding.Dimension <= 0 {
		return Validation("embedding dimension must be positive, got %d", c.Embedding.Dimension)
	}
	if c.Pipeline.BatchParallelism <= 0 {
		return Validation("batch parallelism must be positive, got %d", c.Pipeline.BatchParallelism)
	}
	if c.Search.Oversample < 1 {
		return Validation("search oversample must be at least 1, got %d", c.Search.Oversample)
	}
	if c.Summarizer.Provider == "openai" && c.Summarizer.APIKey == "" {
		return Validation("summarizer provider openai requires an api key")
	}
	return nil
}

func (c *Configuration) String() string {
	return fmt.Sprintf("vector=%s document=%s graph=%s embedding=%s/%d summarizer=%s",
		c.Backends.Vector, c.Backends.Document, c.Backends.Graph,
		c.Embedding.Provider, c.Embedding.Dimension, c.Summarizer.Provider)
}
