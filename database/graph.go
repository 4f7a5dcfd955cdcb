package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/siherrmann/persona/core/graph"
	"github.com/siherrmann/persona/helper"
	"github.com/siherrmann/persona/model"
	loadSql "github.com/siherrmann/persona/sql"
)

// GraphDBHandler stores entity nodes and relationships in Postgres tables.
type GraphDBHandler struct {
	db *helper.Database
}

// NewGraphDBHandler creates a new graph database handler.
// It initializes the database connection and loads node and edge SQL functions.
// If force is true, it will reload the SQL functions even if they already exist.
func NewGraphDBHandler(db *helper.Database, force bool) (*GraphDBHandler, error) {
	if db == nil {
		return nil, helper.NewError("database connection validation", fmt.Errorf("database connection is nil"))
	}

	graphDbHandler := &GraphDBHandler{
		db: db,
	}

	err := loadSql.LoadGraphSql(graphDbHandler.db.Instance, force)
	if err != nil {
		return nil, helper.NewError("load graph sql", err)
	}

	err = graphDbHandler.CreateTable()
	if err != nil {
		return nil, helper.NewError("create table", err)
	}

	db.Logger.Info("Initialized GraphDBHandler")

	return graphDbHandler, nil
}

// CreateTable creates the 'nodes' and 'edges' tables in the database.
// If the tables already exist, it does not create them again.
func (h *GraphDBHandler) CreateTable() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := h.db.Instance.ExecContext(ctx, `SELECT init_graph();`)
	if err != nil {
		return helper.NewError("init graph", helper.ClassifySQLError(err))
	}

	h.db.Logger.Info("Checked/created tables nodes and edges")

	return nil
}

// UpsertNode creates a node or merges its properties
func (h *GraphDBHandler) UpsertNode(ctx context.Context, label string, id string, properties model.Metadata) error {
	if id == "" {
		return helper.NewError("upsert node", helper.Validation("node id is required"))
	}

	_, err := h.db.Instance.ExecContext(
		ctx,
		`SELECT upsert_node($1, $2, $3)`,
		id,
		label,
		properties,
	)
	if err != nil {
		return helper.NewError("exec", helper.ClassifySQLError(err))
	}
	return nil
}

// UpsertEdge inserts an edge and creates missing endpoints
func (h *GraphDBHandler) UpsertEdge(ctx context.Context, rel *model.Relationship) error {
	if rel.FromID == "" || rel.ToID == "" || rel.Type == "" {
		return helper.NewError("upsert edge", helper.Validation("edge needs from id, to id and type"))
	}
	if rel.ID == "" {
		rel.ID = uuid.NewString()
	}
	if rel.CreatedAt.IsZero() {
		rel.CreatedAt = time.Now().UTC()
	}

	row := h.db.Instance.QueryRowContext(
		ctx,
		`SELECT insert_edge($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rel.ID,
		rel.FromID,
		rel.FromLabel,
		rel.FromName,
		helper.NormalizeName(rel.FromName),
		rel.Type,
		rel.ToID,
		rel.ToLabel,
		rel.ToName,
		helper.NormalizeName(rel.ToName),
		rel.Properties,
		rel.CreatedAt,
	)

	err := row.Scan(&rel.Seq)
	if err != nil {
		return helper.NewError("scan", helper.ClassifySQLError(err))
	}
	return nil
}

// Node retrieves a node by id
func (h *GraphDBHandler) Node(ctx context.Context, id string) (*model.Node, error) {
	row := h.db.Instance.QueryRowContext(
		ctx,
		`SELECT * FROM select_node($1)`,
		id,
	)

	node := &model.Node{}
	err := row.Scan(
		&node.ID,
		&node.Label,
		&node.Properties,
		&node.CreatedAt,
	)
	if err != nil {
		return nil, helper.NewError("scan", helper.ClassifySQLError(err))
	}
	return node, nil
}

// Neighbors retrieves all incoming and outgoing edges of a node
func (h *GraphDBHandler) Neighbors(ctx context.Context, id string) ([]*model.Relationship, error) {
	rows, err := h.db.Instance.QueryContext(
		ctx,
		`SELECT * FROM select_node_edges($1)`,
		id,
	)
	if err != nil {
		return nil, helper.NewError("query", helper.ClassifySQLError(err))
	}
	defer rows.Close()

	edges := []*model.Relationship{}
	for rows.Next() {
		edge := &model.Relationship{}
		err := rows.Scan(
			&edge.Seq,
			&edge.ID,
			&edge.FromID,
			&edge.FromLabel,
			&edge.FromName,
			&edge.Type,
			&edge.ToID,
			&edge.ToLabel,
			&edge.ToName,
			&edge.Properties,
			&edge.CreatedAt,
		)
		if err != nil {
			return nil, helper.NewError("scan", err)
		}
		edges = append(edges, edge)
	}

	err = rows.Err()
	if err != nil {
		return nil, helper.NewError("rows error", helper.ClassifySQLError(err))
	}

	return edges, nil
}

// Traverse walks the graph breadth first from startID
func (h *GraphDBHandler) Traverse(ctx context.Context, startID string, maxDepth int) (*model.Subgraph, error) {
	subgraph, err := graph.Traverse(ctx, h, startID, maxDepth)
	if err != nil {
		return nil, helper.NewError("traverse", err)
	}
	return subgraph, nil
}

// DeleteNode deletes a node, its edges are removed by cascade
func (h *GraphDBHandler) DeleteNode(ctx context.Context, id string) error {
	var deleted int
	err := h.db.Instance.QueryRowContext(
		ctx,
		`SELECT delete_node($1)`,
		id,
	).Scan(&deleted)
	if err != nil {
		return helper.NewError("exec", helper.ClassifySQLError(err))
	}
	if deleted == 0 {
		return helper.NewError("delete node", fmt.Errorf("%w: %s", helper.ErrNotFound, id))
	}
	return nil
}

// Stats counts nodes by label and edges by type
func (h *GraphDBHandler) Stats(ctx context.Context) (*model.GraphStats, error) {
	stats := &model.GraphStats{
		NodesByLabel: make(map[string]int),
		EdgesByType:  make(map[string]int),
	}

	err := h.collectCounts(ctx, `SELECT * FROM select_node_counts()`, stats.NodesByLabel, &stats.Nodes)
	if err != nil {
		return nil, err
	}
	err = h.collectCounts(ctx, `SELECT * FROM select_edge_counts()`, stats.EdgesByType, &stats.Edges)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (h *GraphDBHandler) collectCounts(ctx context.Context, query string, counts map[string]int, total *int) error {
	rows, err := h.db.Instance.QueryContext(ctx, query)
	if err != nil {
		return helper.NewError("query", helper.ClassifySQLError(err))
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return helper.NewError("scan", err)
		}
		counts[key] = count
		*total += count
	}

	err = rows.Err()
	if err != nil {
		return helper.NewError("rows error", helper.ClassifySQLError(err))
	}
	return nil
}

// Close is a no-op, the connection pool belongs to helper.Database.
func (h *GraphDBHandler) Close() error {
	return nil
}
