package database

import (
	"context"
	"fmt"
	"time"

	"github.com/siherrmann/persona/helper"
)

// Vector index kinds supported by pgvector.
const (
	IndexHNSW    = "hnsw"
	IndexIVFFlat = "ivfflat"
)

// IndexOptions tunes the approximate index of the chunks table.
// Zero values fall back to the pgvector defaults.
type IndexOptions struct {
	Kind string `json:"kind"`
	// HNSW
	M              int `json:"m"`
	EfConstruction int `json:"ef_construction"`
	// IVFFlat
	Lists int `json:"lists"`
}

func (o IndexOptions) statement() (string, error) {
	switch o.Kind {
	case IndexHNSW, "":
		m, ef := o.M, o.EfConstruction
		if m <= 0 {
			m = 16
		}
		if ef <= 0 {
			ef = 64
		}
		return fmt.Sprintf(
			`CREATE INDEX idx_chunks_embedding ON chunks USING hnsw (embedding vector_cosine_ops) WITH (m = %d, ef_construction = %d);`,
			m, ef,
		), nil
	case IndexIVFFlat:
		lists := o.Lists
		if lists <= 0 {
			lists = 100
		}
		return fmt.Sprintf(
			`CREATE INDEX idx_chunks_embedding ON chunks USING ivfflat (embedding vector_cosine_ops) WITH (lists = %d);`,
			lists,
		), nil
	default:
		return "", helper.Validation("unsupported index type %q (use %q or %q)", o.Kind, IndexHNSW, IndexIVFFlat)
	}
}

// RebuildIndex drops the embedding index and creates it again with opts.
// Searches keep working without the index while it is rebuilt.
func (h *ChunksDBHandler) RebuildIndex(ctx context.Context, opts IndexOptions) error {
	statement, err := opts.statement()
	if err != nil {
		return helper.NewError("rebuild index", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	_, err = h.db.Instance.ExecContext(ctx, `DROP INDEX IF EXISTS idx_chunks_embedding;`)
	if err != nil {
		return helper.NewError("drop index", helper.ClassifySQLError(err))
	}

	_, err = h.db.Instance.ExecContext(ctx, statement)
	if err != nil {
		return helper.NewError("create index", helper.ClassifySQLError(err))
	}

	h.db.Logger.Info("Rebuilt vector index", "kind", opts.Kind, "m", opts.M, "ef_construction", opts.EfConstruction, "lists", opts.Lists)

	return nil
}
