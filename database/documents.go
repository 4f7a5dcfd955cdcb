package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/siherrmann/persona/helper"
	"github.com/siherrmann/persona/model"
	loadSql "github.com/siherrmann/persona/sql"
)

// DocumentsDBHandler stores canonical entity records as JSONB rows.
type DocumentsDBHandler struct {
	db *helper.Database
}

// NewDocumentsDBHandler creates a new documents database handler.
// It initializes the database connection and loads document-related SQL functions.
// If force is true, it will reload the SQL functions even if they already exist.
func NewDocumentsDBHandler(db *helper.Database, force bool) (*DocumentsDBHandler, error) {
	if db == nil {
		return nil, helper.NewError("database connection validation", fmt.Errorf("database connection is nil"))
	}

	documentsDbHandler := &DocumentsDBHandler{
		db: db,
	}

	err := loadSql.LoadDocumentsSql(documentsDbHandler.db.Instance, force)
	if err != nil {
		return nil, helper.NewError("load documents sql", err)
	}

	err = documentsDbHandler.CreateTable()
	if err != nil {
		return nil, helper.NewError("create table", err)
	}

	db.Logger.Info("Initialized DocumentsDBHandler")

	return documentsDbHandler, nil
}

// CreateTable creates the 'documents' table in the database.
// If the table already exists, it does not create it again.
func (h *DocumentsDBHandler) CreateTable() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := h.db.Instance.ExecContext(ctx, `SELECT init_documents();`)
	if err != nil {
		return helper.NewError("init documents", helper.ClassifySQLError(err))
	}

	h.db.Logger.Info("Checked/created table documents")

	return nil
}

// Upsert replaces the whole record of an entity
func (h *DocumentsDBHandler) Upsert(ctx context.Context, entity *model.Entity) error {
	content, err := nullableJSON(entity.Content)
	if err != nil {
		return helper.NewError("marshal content", err)
	}

	_, err = h.db.Instance.ExecContext(
		ctx,
		`SELECT upsert_document($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		entity.ID,
		entity.Type,
		entity.Name,
		entity.NameKey(),
		entity.Structured,
		entity.Text,
		content,
		entity.Meta.Source,
		pq.Array(entity.Meta.Tags),
		entity.Meta.Version,
		entity.Meta.CreatedAt,
		entity.Meta.UpdatedAt,
	)
	if err != nil {
		return helper.NewError("exec", helper.ClassifySQLError(err))
	}
	return nil
}

// Update merges a partial update inside the database
func (h *DocumentsDBHandler) Update(ctx context.Context, entityID string, update *model.AttributeUpdate) (*model.Entity, error) {
	if update == nil {
		update = model.NewAttributeUpdate()
	}
	if err := update.Validate(); err != nil {
		return nil, helper.NewError("update document", err)
	}

	text, setText := update.Text()
	row := h.db.Instance.QueryRowContext(
		ctx,
		`SELECT * FROM update_document($1, $2, $3, $4, $5, $6, $7)`,
		entityID,
		update.Sets(),
		pq.Array(update.Clears()),
		update.Replace(),
		text,
		setText,
		time.Now().UTC(),
	)

	entity, err := scanEntity(row)
	if err != nil {
		return nil, helper.NewError("scan", helper.ClassifySQLError(err))
	}
	return entity, nil
}

// Fetch retrieves an entity by id
func (h *DocumentsDBHandler) Fetch(ctx context.Context, entityID string) (*model.Entity, error) {
	row := h.db.Instance.QueryRowContext(
		ctx,
		`SELECT * FROM select_document($1)`,
		entityID,
	)

	entity, err := scanEntity(row)
	if err != nil {
		return nil, helper.NewError("scan", helper.ClassifySQLError(err))
	}
	return entity, nil
}

// FindByName retrieves all entities whose normalized name matches
func (h *DocumentsDBHandler) FindByName(ctx context.Context, name string) ([]*model.Entity, error) {
	rows, err := h.db.Instance.QueryContext(
		ctx,
		`SELECT * FROM select_documents_by_name_key($1)`,
		helper.NormalizeName(name),
	)
	if err != nil {
		return nil, helper.NewError("query", helper.ClassifySQLError(err))
	}
	defer rows.Close()

	entities := []*model.Entity{}
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, helper.NewError("scan", err)
		}
		entities = append(entities, entity)
	}

	err = rows.Err()
	if err != nil {
		return nil, helper.NewError("rows error", helper.ClassifySQLError(err))
	}

	return entities, nil
}

// ListIDs lists entity ids in creation order
func (h *DocumentsDBHandler) ListIDs(ctx context.Context, entityType string) ([]string, error) {
	rows, err := h.db.Instance.QueryContext(
		ctx,
		`SELECT * FROM select_document_ids($1)`,
		entityType,
	)
	if err != nil {
		return nil, helper.NewError("query", helper.ClassifySQLError(err))
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, helper.NewError("scan", err)
		}
		ids = append(ids, id)
	}

	err = rows.Err()
	if err != nil {
		return nil, helper.NewError("rows error", helper.ClassifySQLError(err))
	}

	return ids, nil
}

// Delete deletes an entity record by id
func (h *DocumentsDBHandler) Delete(ctx context.Context, entityID string) error {
	_, err := h.db.Instance.ExecContext(
		ctx,
		`SELECT delete_document($1)`,
		entityID,
	)
	if err != nil {
		return helper.NewError("exec", helper.ClassifySQLError(err))
	}
	return nil
}

// Close is a no-op, the connection pool belongs to helper.Database.
func (h *DocumentsDBHandler) Close() error {
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntity(row rowScanner) (*model.Entity, error) {
	entity := &model.Entity{}
	var content []byte

	err := row.Scan(
		&entity.ID,
		&entity.Type,
		&entity.Name,
		&entity.Structured,
		&entity.Text,
		&content,
		&entity.Meta.Source,
		pq.Array(&entity.Meta.Tags),
		&entity.Meta.Version,
		&entity.Meta.CreatedAt,
		&entity.Meta.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(content) > 0 {
		if err := json.Unmarshal(content, &entity.Content); err != nil {
			return nil, helper.NewError("unmarshaling content", err)
		}
	}
	return entity, nil
}

// nullableJSON stores an absent content as SQL NULL instead of "{}".
func nullableJSON(m model.Metadata) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
