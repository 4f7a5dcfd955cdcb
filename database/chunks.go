package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/siherrmann/persona/helper"
	"github.com/siherrmann/persona/model"
	loadSql "github.com/siherrmann/persona/sql"
)

// ChunksDBHandler stores chunk vectors in Postgres with pgvector.
type ChunksDBHandler struct {
	db           *helper.Database
	embeddingDim int
}

// NewChunksDBHandler creates a new chunks database handler.
// It initializes the database connection and loads chunk-related SQL functions.
// If force is true, it will reload the SQL functions even if they already exist.
func NewChunksDBHandler(db *helper.Database, embeddingDim int, force bool) (*ChunksDBHandler, error) {
	if db == nil {
		return nil, helper.NewError("database connection validation", fmt.Errorf("database connection is nil"))
	}
	if embeddingDim <= 0 {
		return nil, helper.NewError("embedding dimension validation", helper.Validation("embedding dimension must be positive, got %d", embeddingDim))
	}

	chunksDbHandler := &ChunksDBHandler{
		db:           db,
		embeddingDim: embeddingDim,
	}

	err := loadSql.LoadChunksSql(chunksDbHandler.db.Instance, force)
	if err != nil {
		return nil, helper.NewError("load chunks sql", err)
	}

	err = chunksDbHandler.CreateTable()
	if err != nil {
		return nil, helper.NewError("create table", err)
	}

	db.Logger.Info("Initialized ChunksDBHandler")

	return chunksDbHandler, nil
}

// CreateTable creates the 'chunks' table in the database.
// If the table already exists, it does not create it again.
func (h *ChunksDBHandler) CreateTable() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := h.db.Instance.ExecContext(ctx, `SELECT init_chunks($1);`, h.embeddingDim)
	if err != nil {
		return helper.NewError("init chunks", helper.ClassifySQLError(err))
	}

	h.db.Logger.Info("Checked/created table chunks")

	return nil
}

// UpsertChunk inserts or replaces a chunk by id
func (h *ChunksDBHandler) UpsertChunk(ctx context.Context, chunk *model.Chunk) error {
	if len(chunk.Embedding) != h.embeddingDim {
		return helper.NewError("upsert chunk", helper.Validation("embedding has dimension %d, expected %d", len(chunk.Embedding), h.embeddingDim))
	}

	row := h.db.Instance.QueryRowContext(
		ctx,
		`SELECT upsert_chunk($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		chunk.ID,
		chunk.EntityID,
		chunk.DocID,
		string(chunk.Type),
		chunk.AttributeName,
		chunk.Text,
		chunk.Metadata,
		pgvector.NewVector(chunk.Embedding),
		chunk.CreatedAt,
	)

	err := row.Scan(&chunk.Seq)
	if err != nil {
		return helper.NewError("scan", helper.ClassifySQLError(err))
	}

	return nil
}

// DeleteEntityChunks deletes all chunks of an entity
func (h *ChunksDBHandler) DeleteEntityChunks(ctx context.Context, entityID string) (int, error) {
	var deleted int
	err := h.db.Instance.QueryRowContext(
		ctx,
		`SELECT delete_entity_chunks($1)`,
		entityID,
	).Scan(&deleted)
	if err != nil {
		return 0, helper.NewError("exec", helper.ClassifySQLError(err))
	}
	return deleted, nil
}

// ListEntityChunks retrieves all chunks of an entity in insertion order
func (h *ChunksDBHandler) ListEntityChunks(ctx context.Context, entityID string) ([]*model.Chunk, error) {
	rows, err := h.db.Instance.QueryContext(
		ctx,
		`SELECT * FROM select_chunks_by_entity($1)`,
		entityID,
	)
	if err != nil {
		return nil, helper.NewError("query", helper.ClassifySQLError(err))
	}
	defer rows.Close()

	chunks := []*model.Chunk{}
	for rows.Next() {
		chunk, err := scanChunk(rows, false)
		if err != nil {
			return nil, helper.NewError("scan", err)
		}
		chunks = append(chunks, chunk)
	}

	err = rows.Err()
	if err != nil {
		return nil, helper.NewError("rows error", helper.ClassifySQLError(err))
	}

	return chunks, nil
}

// Search finds chunks similar to the embedding using cosine distance
func (h *ChunksDBHandler) Search(ctx context.Context, embedding []float32, query model.VectorQuery) ([]*model.Chunk, error) {
	if len(embedding) != h.embeddingDim {
		return nil, helper.NewError("search chunks", helper.Validation("query embedding has dimension %d, expected %d", len(embedding), h.embeddingDim))
	}

	rows, err := h.db.Instance.QueryContext(
		ctx,
		`SELECT * FROM select_chunks_by_similarity($1, $2, $3, $4, $5, $6, $7)`,
		pgvector.NewVector(embedding),
		query.Limit,
		query.ScoreThreshold,
		query.Filter.EntityID,
		string(query.Filter.ChunkType),
		query.Filter.AttributeName,
		query.Filter.EntityType,
	)
	if err != nil {
		return nil, helper.NewError("query", helper.ClassifySQLError(err))
	}
	defer rows.Close()

	chunks := []*model.Chunk{}
	for rows.Next() {
		chunk, err := scanChunk(rows, true)
		if err != nil {
			return nil, helper.NewError("scan", err)
		}
		chunks = append(chunks, chunk)
	}

	err = rows.Err()
	if err != nil {
		return nil, helper.NewError("rows error", helper.ClassifySQLError(err))
	}

	return chunks, nil
}

// Close is a no-op, the connection pool belongs to helper.Database.
func (h *ChunksDBHandler) Close() error {
	return nil
}

func scanChunk(rows *sql.Rows, withScore bool) (*model.Chunk, error) {
	chunk := &model.Chunk{}
	var chunkType string
	var embedding pgvector.Vector

	dest := []interface{}{
		&chunk.Seq,
		&chunk.ID,
		&chunk.EntityID,
		&chunk.DocID,
		&chunkType,
		&chunk.AttributeName,
		&chunk.Text,
		&chunk.Metadata,
		&embedding,
		&chunk.CreatedAt,
	}
	if withScore {
		dest = append(dest, &chunk.Score)
	}

	err := rows.Scan(dest...)
	if err != nil {
		return nil, err
	}

	chunk.Type = model.ChunkType(chunkType)
	chunk.Embedding = embedding.Slice()
	return chunk, nil
}
