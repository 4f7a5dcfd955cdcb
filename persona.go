package persona

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/siherrmann/persona/core/graph"
	"github.com/siherrmann/persona/core/pipeline"
	"github.com/siherrmann/persona/database"
	"github.com/siherrmann/persona/database/badgerstore"
	"github.com/siherrmann/persona/database/memory"
	"github.com/siherrmann/persona/database/mongostore"
	"github.com/siherrmann/persona/database/qdrantstore"
	"github.com/siherrmann/persona/database/sqlitestore"
	"github.com/siherrmann/persona/helper"
	"github.com/siherrmann/persona/model"
	loadSql "github.com/siherrmann/persona/sql"
)

// Embedding and summarizer providers accepted by the configuration.
const (
	EmbeddingHash  = "hash"
	EmbeddingHugot = "hugot"

	SummarizerNone   = "none"
	SummarizerOpenAI = "openai"
)

// connectTimeout bounds the connection setup of remote backends.
const connectTimeout = 30 * time.Second

// Persona provides the tool layer on top of the embedding pipeline
type Persona struct {
	DB       *helper.Database // Only set if a backend uses Postgres
	Pipeline *pipeline.Pipeline
	config   *helper.Configuration
	closers  []io.Closer
	// Logging
	log *slog.Logger
}

// NewPersona creates the configured stores, encoder and summarizer and wires
// them into a pipeline. A nil configuration uses the in-memory defaults.
func NewPersona(config *helper.Configuration, logger *slog.Logger) (*Persona, error) {
	if config == nil {
		config = helper.DefaultConfiguration()
	}
	if err := config.Validate(); err != nil {
		return nil, helper.NewError("configuration validation", err)
	}
	if logger == nil {
		logger = helper.NewLogger(os.Stdout, config.LogLevel)
	}

	p := &Persona{
		config: config,
		log:    logger,
	}
	err := p.init()
	if err != nil {
		p.Close()
		return nil, err
	}

	logger.Info("Initialized persona", slog.String("config", config.String()))

	return p, nil
}

func (p *Persona) init() error {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	encoder, err := newEncoder(p.config.Embedding)
	if err != nil {
		return helper.NewError("create encoder", err)
	}
	if closer, ok := encoder.(io.Closer); ok {
		p.closers = append(p.closers, closer)
	}

	if p.usesPostgres() {
		db, err := helper.NewDatabase("persona", &p.config.Database, p.log)
		if err != nil {
			return helper.NewError("connect database", err)
		}
		p.DB = db
		p.closers = append(p.closers, db)

		err = loadSql.Init(db.Instance)
		if err != nil {
			return helper.NewError("initialize database extensions", err)
		}
	}

	vectors, err := p.newVectorStore(ctx, encoder.Dimension())
	if err != nil {
		return helper.NewError("create vector store", err)
	}
	p.closers = append(p.closers, vectors)

	documents, err := p.newDocumentStore(ctx)
	if err != nil {
		return helper.NewError("create document store", err)
	}
	p.closers = append(p.closers, documents)

	nodes, err := p.newGraphStore()
	if err != nil {
		return helper.NewError("create graph store", err)
	}
	p.closers = append(p.closers, nodes)

	policy := helper.DefaultRetryPolicy()
	policy.MaxAttempts = p.config.Pipeline.RetryAttempts

	stores := pipeline.Stores{
		Documents: database.NewRetryingDocumentStore(documents, policy),
		Graph:     database.NewRetryingGraphStore(nodes, policy),
		Vectors:   database.NewRetryingVectorStore(vectors, policy),
	}

	pipelineConfig := model.PipelineConfig{
		IncludeGlobal:     p.config.Pipeline.IncludeGlobal,
		IncludeAttributes: p.config.Pipeline.IncludeAttributes,
		GroupAttributes:   p.config.Pipeline.GroupAttributes,
		StoreTimeout:      p.config.Pipeline.StoreTimeout,
		BatchParallelism:  p.config.Pipeline.BatchParallelism,
	}
	p.Pipeline, err = pipeline.NewPipeline(stores, encoder, pipelineConfig, p.log)
	if err != nil {
		return helper.NewError("create pipeline", err)
	}

	if p.config.Summarizer.Provider == SummarizerOpenAI {
		p.Pipeline.SetSummarizer(pipeline.NewOpenAISummarizer(pipeline.OpenAISummarizerOptions{
			APIKey:      p.config.Summarizer.APIKey,
			BaseURL:     p.config.Summarizer.BaseURL,
			Model:       p.config.Summarizer.Model,
			Temperature: p.config.Summarizer.Temperature,
			MaxTokens:   p.config.Summarizer.MaxTokens,
			Timeout:     p.config.Summarizer.Timeout,
		}))
	}

	return nil
}

func newEncoder(config helper.EmbeddingConfiguration) (pipeline.Encoder, error) {
	switch config.Provider {
	case EmbeddingHash, "":
		return pipeline.NewHashingEncoder(config.Dimension), nil
	case EmbeddingHugot:
		return pipeline.NewHugotEncoder(config.Model, config.OnnxFilePath, config.Dimension)
	default:
		return nil, helper.Validation("unknown embedding provider %q", config.Provider)
	}
}

func (p *Persona) usesPostgres() bool {
	b := p.config.Backends
	return b.Vector == helper.BackendPostgres || b.Document == helper.BackendPostgres || b.Graph == helper.BackendPostgres
}

func (p *Persona) newVectorStore(ctx context.Context, dimension int) (database.VectorStore, error) {
	switch p.config.Backends.Vector {
	case helper.BackendPostgres:
		chunks, err := database.NewChunksDBHandler(p.DB, dimension, false)
		if err != nil {
			return nil, err
		}
		if p.config.Index.Rebuild {
			err = chunks.RebuildIndex(ctx, database.IndexOptions{
				Kind:           p.config.Index.Kind,
				M:              p.config.Index.M,
				EfConstruction: p.config.Index.EfConstruction,
				Lists:          p.config.Index.Lists,
			})
			if err != nil {
				return nil, err
			}
		}
		return chunks, nil
	case helper.BackendQdrant:
		return qdrantstore.New(ctx, qdrantstore.Config{
			Address:    p.config.Qdrant.Address,
			Collection: p.config.Qdrant.Collection,
			APIKey:     p.config.Qdrant.APIKey,
			Dimension:  dimension,
		}, p.log)
	default:
		return memory.NewVectorStore(), nil
	}
}

func (p *Persona) newDocumentStore(ctx context.Context) (database.DocumentStore, error) {
	switch p.config.Backends.Document {
	case helper.BackendPostgres:
		return database.NewDocumentsDBHandler(p.DB, false)
	case helper.BackendMongo:
		return mongostore.Connect(ctx, mongostore.Config{
			URI:        p.config.Mongo.URI,
			Database:   p.config.Mongo.Database,
			Collection: p.config.Mongo.Collection,
		}, p.log)
	case helper.BackendBadger:
		return badgerstore.Open(badgerstore.Config{
			Dir:      p.config.Badger.Dir,
			InMemory: p.config.Badger.InMemory,
		}, p.log)
	default:
		return memory.NewDocumentStore(), nil
	}
}

func (p *Persona) newGraphStore() (database.GraphStore, error) {
	switch p.config.Backends.Graph {
	case helper.BackendPostgres:
		return database.NewGraphDBHandler(p.DB, false)
	case helper.BackendSQLite:
		return sqlitestore.Open(p.config.SQLite.Path, p.log)
	default:
		return memory.NewGraphStore(), nil
	}
}

// Close closes all stores, the encoder and the database connection
func (p *Persona) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}

// AddEntity creates an entity in all three stores
func (p *Persona) AddEntity(ctx context.Context, input *model.NewEntity) (string, error) {
	return p.Pipeline.AddNewEntity(ctx, input)
}

// UpdateEntity merges update into an entity and rebuilds its chunks
func (p *Persona) UpdateEntity(ctx context.Context, entityID string, update *model.AttributeUpdate, regenerateAll bool) (*model.UpdateResult, error) {
	return p.Pipeline.UpdateEntityEmbeddings(ctx, entityID, update, regenerateAll)
}

// DeleteEntity removes an entity from all three stores
func (p *Persona) DeleteEntity(ctx context.Context, entityID string) error {
	return p.Pipeline.DeleteEntity(ctx, entityID)
}

// EmbeddingsInfo reports the chunks stored for an entity
func (p *Persona) EmbeddingsInfo(ctx context.Context, entityID string) (*model.EmbeddingsInfo, error) {
	return p.Pipeline.GetEntityEmbeddingsInfo(ctx, entityID)
}

// ProcessBatch rebuilds the chunks of all entities of a type
func (p *Persona) ProcessBatch(ctx context.Context, entityType string, forceRegenerate bool) ([]*model.BatchResult, error) {
	return p.Pipeline.ProcessBatch(ctx, entityType, forceRegenerate)
}

// Stats aggregates the node and edge counts of the graph store
func (p *Persona) Stats(ctx context.Context) (*model.GraphStats, error) {
	var stats *model.GraphStats
	err := p.Pipeline.Exec(ctx, "graph stats", func(ctx context.Context) error {
		var err error
		stats, err = p.Pipeline.Stores().Graph.Stats(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// SearchConfig returns the configured search defaults for limit.
func (p *Persona) SearchConfig(limit int) model.SearchConfig {
	config := model.DefaultSearchConfig()
	config.Limit = p.config.Search.Limit
	config.Oversample = p.config.Search.Oversample
	if p.config.Search.ScoreThreshold > 0 {
		config.ScoreThreshold = model.Threshold(p.config.Search.ScoreThreshold)
	}
	if limit > 0 {
		config.Limit = limit
	}
	return config
}

// Search finds the entities most similar to query
func (p *Persona) Search(ctx context.Context, query string, limit int) ([]*model.SearchResult, error) {
	return p.Pipeline.SearchSimilarEntities(ctx, query, p.SearchConfig(limit))
}

// Fetch returns the entity with the given name. Without an exact match the
// best semantic hit is returned if it scores at least the fallback threshold.
func (p *Persona) Fetch(ctx context.Context, name string) (*model.Entity, error) {
	if strings.TrimSpace(name) == "" {
		return nil, helper.NewError("fetch", helper.Validation("name is required"))
	}

	found, err := p.findByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(found) > 0 {
		return found[0], nil
	}

	results, err := p.Search(ctx, name, 1)
	if err != nil {
		return nil, helper.NewError("semantic fallback", err)
	}
	if len(results) > 0 && results[0].Entity != nil && results[0].Score >= p.config.Search.FallbackThreshold {
		p.log.Debug("Fetched by semantic fallback", slog.String("name", name), slog.String("entity_id", results[0].EntityID), slog.Float64("score", results[0].Score))
		return results[0].Entity, nil
	}

	return nil, helper.NewError("fetch", fmt.Errorf("%w: no entity named %q", helper.ErrNotFound, name))
}

// Upsert updates the entity with the given name and type or creates it.
// A created entity gets the id "<type>:<slug>" unless that id is taken, so
// it takes over a node an earlier Link auto-created for the same name.
func (p *Persona) Upsert(ctx context.Context, name string, entityType string, update *model.AttributeUpdate) (*model.Ack, error) {
	if update == nil {
		update = model.NewAttributeUpdate()
	}
	if err := update.Validate(); err != nil {
		return nil, helper.NewError("upsert", err)
	}

	existing, err := p.lookup(ctx, name, entityType)
	if err != nil {
		return nil, err
	}

	if existing != nil {
		result, err := p.Pipeline.UpdateEntityEmbeddings(ctx, existing.ID, update, false)
		if err != nil {
			return nil, err
		}
		return &model.Ack{
			EntityID: existing.ID,
			Version:  result.Version,
			Message:  fmt.Sprintf("Updated %s (%s), %d chunks", existing.Name, existing.Type, result.ChunkCount),
		}, nil
	}

	id, err := p.newEntityID(ctx, name, entityType)
	if err != nil {
		return nil, err
	}
	text, _ := update.Text()
	input := &model.NewEntity{
		ID:         id,
		Type:       entityType,
		Name:       name,
		Structured: update.Sets(),
		Text:       text,
		Source:     "tool",
	}
	entityID, err := p.Pipeline.AddNewEntity(ctx, input)
	if err != nil {
		return nil, err
	}

	return &model.Ack{
		EntityID: entityID,
		Created:  true,
		Version:  1,
		Message:  fmt.Sprintf("Created %s (%s)", name, entityType),
	}, nil
}

// Link adds a typed edge between two entities given by name. Unknown names
// become "<type>:<slug>" nodes created by the graph store.
func (p *Persona) Link(ctx context.Context, nameA string, typeA string, nameB string, typeB string, relationshipType string) (*model.Ack, error) {
	if strings.TrimSpace(relationshipType) == "" {
		return nil, helper.NewError("link", helper.Validation("relationship type is required"))
	}

	from, err := p.resolve(ctx, nameA, typeA)
	if err != nil {
		return nil, err
	}
	to, err := p.resolve(ctx, nameB, typeB)
	if err != nil {
		return nil, err
	}

	rel := &model.Relationship{
		ID:        uuid.NewString(),
		FromID:    from.ID,
		FromLabel: from.Label,
		FromName:  from.Name(),
		Type:      model.NormalizeRelationshipType(relationshipType),
		ToID:      to.ID,
		ToLabel:   to.Label,
		ToName:    to.Name(),
		CreatedAt: time.Now().UTC(),
	}
	err = p.Pipeline.Exec(ctx, "upsert edge", func(ctx context.Context) error {
		return p.Pipeline.Stores().Graph.UpsertEdge(ctx, rel)
	})
	if err != nil {
		return nil, helper.NewError("link", err)
	}

	p.log.Info("Linked entities", slog.String("from_id", rel.FromID), slog.String("type", rel.Type), slog.String("to_id", rel.ToID))

	return &model.Ack{
		EntityID: from.ID,
		Message:  fmt.Sprintf("Linked %s -[%s]-> %s", from.Name(), rel.Type, to.Name()),
	}, nil
}

// Context returns the neighbourhood of an entity up to depth hops with a
// readable summary of its relations.
func (p *Persona) Context(ctx context.Context, name string, entityType string, depth int) (*model.EntityContext, error) {
	if depth < 0 {
		depth = 0
	}

	root, err := p.resolve(ctx, name, entityType)
	if err != nil {
		return nil, err
	}

	var subgraph *model.Subgraph
	err = p.Pipeline.Exec(ctx, "traverse", func(ctx context.Context) error {
		var err error
		subgraph, err = p.Pipeline.Stores().Graph.Traverse(ctx, root.ID, depth)
		return err
	})
	if errors.Is(err, helper.ErrNotFound) {
		return nil, helper.NewError("context", fmt.Errorf("%w: no entity named %q", helper.ErrNotFound, name))
	}
	if err != nil {
		return nil, err
	}

	return &model.EntityContext{
		Entity:  subgraph.Nodes[0],
		Nodes:   subgraph.Nodes,
		Edges:   subgraph.Edges,
		Summary: subgraph.Describe(),
	}, nil
}

// Neighbors returns the entities one hop away from the named entity in
// either direction, in discovery order.
func (p *Persona) Neighbors(ctx context.Context, name string, entityType string) ([]*model.Node, error) {
	root, err := p.resolve(ctx, name, entityType)
	if err != nil {
		return nil, err
	}

	var neighbors []*model.Node
	err = p.Pipeline.Exec(ctx, "neighbors", func(ctx context.Context) error {
		var err error
		neighbors, err = graph.GetNeighbors(ctx, p.Pipeline.Stores().Graph, root.ID)
		return err
	})
	if errors.Is(err, helper.ErrNotFound) {
		return nil, helper.NewError("neighbors", fmt.Errorf("%w: no entity named %q", helper.ErrNotFound, name))
	}
	if err != nil {
		return nil, err
	}
	return neighbors, nil
}

func (p *Persona) findByName(ctx context.Context, name string) ([]*model.Entity, error) {
	var found []*model.Entity
	err := p.Pipeline.Exec(ctx, "find by name", func(ctx context.Context) error {
		var err error
		found, err = p.Pipeline.Stores().Documents.FindByName(ctx, name)
		return err
	})
	return found, err
}

// lookup returns the first entity with the given name and, if set, type.
func (p *Persona) lookup(ctx context.Context, name string, entityType string) (*model.Entity, error) {
	if strings.TrimSpace(name) == "" {
		return nil, helper.NewError("lookup", helper.Validation("name is required"))
	}

	found, err := p.findByName(ctx, name)
	if err != nil {
		return nil, err
	}
	for _, e := range found {
		if entityType == "" || strings.EqualFold(e.Type, entityType) {
			return e, nil
		}
	}
	return nil, nil
}

// resolve maps a name to a graph node. Names without a document map to the
// slug id, which may not exist in the graph yet.
func (p *Persona) resolve(ctx context.Context, name string, entityType string) (*model.Node, error) {
	existing, err := p.lookup(ctx, name, entityType)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &model.Node{ID: existing.ID, Label: existing.Type, Properties: existing.NodeProperties()}, nil
	}

	label := entityType
	if label == "" {
		label = pipeline.DefaultNodeLabel
	}
	return &model.Node{
		ID:         SlugID(name, entityType),
		Label:      label,
		Properties: model.Metadata{"name": strings.TrimSpace(name)},
	}, nil
}

// newEntityID prefers the slug id and falls back to a random id when a
// document already holds it.
func (p *Persona) newEntityID(ctx context.Context, name string, entityType string) (string, error) {
	id := SlugID(name, entityType)
	err := p.Pipeline.Exec(ctx, "fetch document", func(ctx context.Context) error {
		_, err := p.Pipeline.Stores().Documents.Fetch(ctx, id)
		return err
	})
	if errors.Is(err, helper.ErrNotFound) {
		return id, nil
	}
	if err != nil {
		return "", helper.NewError("check entity id", err)
	}
	return model.NewEntityID(entityType), nil
}

// SlugID returns the id used for an entity known only by name and type,
// e.g. ("José Núñez", "Person") -> "person:jose-nunez".
func SlugID(name string, entityType string) string {
	prefix := strings.ToLower(strings.TrimSpace(entityType))
	if prefix == "" {
		prefix = strings.ToLower(pipeline.DefaultNodeLabel)
	}
	slug := helper.Slug(name)
	if slug == "" {
		slug = uuid.NewString()
	}
	return prefix + ":" + slug
}
