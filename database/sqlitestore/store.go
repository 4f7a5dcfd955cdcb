// Package sqlitestore implements the graph store on an embedded SQLite file.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/siherrmann/persona/core/graph"
	"github.com/siherrmann/persona/helper"
	"github.com/siherrmann/persona/model"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	id         TEXT PRIMARY KEY,
	label      TEXT NOT NULL DEFAULT 'Entity',
	properties TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS edges (
	seq               INTEGER PRIMARY KEY AUTOINCREMENT,
	id                TEXT UNIQUE NOT NULL,
	from_id           TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
	to_id             TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
	relationship_type TEXT NOT NULL,
	properties        TEXT NOT NULL DEFAULT '{}',
	created_at        TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_edges_from ON edges(from_id);
CREATE INDEX IF NOT EXISTS idx_edges_to ON edges(to_id);
`

const selectEdges = `
SELECT e.seq, e.id, e.from_id, f.label, COALESCE(json_extract(f.properties, '$.name'), ''),
       e.relationship_type, e.to_id, t.label, COALESCE(json_extract(t.properties, '$.name'), ''),
       e.properties, e.created_at
FROM edges e
JOIN nodes f ON f.id = e.from_id
JOIN nodes t ON t.id = e.to_id
WHERE e.from_id = ? OR e.to_id = ?
ORDER BY e.seq`

// Store is a GraphStore on SQLite.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open creates or opens the database file at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, helper.NewError("create sqlite dir", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, helper.NewError("open sqlite", err)
	}
	// A single writer avoids SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, helper.NewError("create graph schema", err)
	}

	logger.Info("Initialized sqlite graph store", slog.String("path", path))

	return &Store{db: db, log: logger}, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func propertiesJSON(m model.Metadata) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := m.Marshal()
	return string(b), err
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// UpsertNode creates a node or merges its properties with json_patch.
func (s *Store) UpsertNode(ctx context.Context, label string, id string, properties model.Metadata) error {
	if id == "" {
		return helper.NewError("upsert node", helper.Validation("node id is required"))
	}

	props, err := propertiesJSON(properties)
	if err != nil {
		return helper.NewError("marshal properties", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO nodes (id, label, properties, created_at)
		VALUES (?, COALESCE(NULLIF(?, ''), 'Entity'), ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			label = COALESCE(NULLIF(excluded.label, ''), nodes.label),
			properties = json_patch(nodes.properties, excluded.properties)`,
		id, label, props, formatTime(time.Now()),
	)
	if err != nil {
		return helper.NewError("upsert node", classify(err))
	}
	return nil
}

// ensureNode creates a missing endpoint without touching an existing node.
func ensureNode(ctx context.Context, tx *sql.Tx, id string, label string, name string, now string) error {
	properties := model.Metadata{}
	if name != "" {
		properties["name"] = name
		properties["name_key"] = helper.NormalizeName(name)
	}
	props, err := propertiesJSON(properties)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO nodes (id, label, properties, created_at)
		VALUES (?, COALESCE(NULLIF(?, ''), 'Entity'), ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		id, label, props, now,
	)
	return err
}

// UpsertEdge appends an edge and creates missing endpoints in one transaction.
func (s *Store) UpsertEdge(ctx context.Context, rel *model.Relationship) error {
	if rel == nil || rel.FromID == "" || rel.ToID == "" || rel.Type == "" {
		return helper.NewError("upsert edge", helper.Validation("edge needs from id, to id and type"))
	}
	if rel.ID == "" {
		rel.ID = uuid.NewString()
	}
	if rel.CreatedAt.IsZero() {
		rel.CreatedAt = time.Now().UTC()
	}

	props, err := propertiesJSON(rel.Properties)
	if err != nil {
		return helper.NewError("marshal properties", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return helper.NewError("begin", classify(err))
	}
	defer tx.Rollback()

	now := formatTime(time.Now())
	if err := ensureNode(ctx, tx, rel.FromID, rel.FromLabel, rel.FromName, now); err != nil {
		return helper.NewError("ensure node", classify(err))
	}
	if err := ensureNode(ctx, tx, rel.ToID, rel.ToLabel, rel.ToName, now); err != nil {
		return helper.NewError("ensure node", classify(err))
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO edges (id, from_id, to_id, relationship_type, properties, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rel.ID, rel.FromID, rel.ToID, rel.Type, props, formatTime(rel.CreatedAt),
	)
	if err != nil {
		return helper.NewError("insert edge", classify(err))
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return helper.NewError("last insert id", err)
	}

	if err := tx.Commit(); err != nil {
		return helper.NewError("commit", classify(err))
	}
	rel.Seq = seq
	return nil
}

func (s *Store) Node(ctx context.Context, id string) (*model.Node, error) {
	node := &model.Node{}
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, label, properties, created_at FROM nodes WHERE id = ?`, id,
	).Scan(&node.ID, &node.Label, &node.Properties, &createdAt)
	if err != nil {
		return nil, helper.NewError("get node", classify(err))
	}
	node.CreatedAt = parseTime(createdAt)
	return node, nil
}

func (s *Store) Neighbors(ctx context.Context, id string) ([]*model.Relationship, error) {
	rows, err := s.db.QueryContext(ctx, selectEdges, id, id)
	if err != nil {
		return nil, helper.NewError("query edges", classify(err))
	}
	defer rows.Close()

	edges := []*model.Relationship{}
	for rows.Next() {
		edge := &model.Relationship{}
		var createdAt string
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
			&createdAt,
		)
		if err != nil {
			return nil, helper.NewError("scan edge", err)
		}
		edge.CreatedAt = parseTime(createdAt)
		edges = append(edges, edge)
	}

	if err := rows.Err(); err != nil {
		return nil, helper.NewError("rows error", classify(err))
	}
	return edges, nil
}

func (s *Store) Traverse(ctx context.Context, startID string, maxDepth int) (*model.Subgraph, error) {
	subgraph, err := graph.Traverse(ctx, s, startID, maxDepth)
	if err != nil {
		return nil, helper.NewError("traverse", err)
	}
	return subgraph, nil
}

// DeleteNode removes the node and its edges.
func (s *Store) DeleteNode(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return helper.NewError("begin", classify(err))
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM edges WHERE from_id = ? OR to_id = ?`, id, id); err != nil {
		return helper.NewError("delete edges", classify(err))
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, id)
	if err != nil {
		return helper.NewError("delete node", classify(err))
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return helper.NewError("rows affected", err)
	}
	if deleted == 0 {
		return helper.NewError("delete node", fmt.Errorf("%w: %s", helper.ErrNotFound, id))
	}

	if err := tx.Commit(); err != nil {
		return helper.NewError("commit", classify(err))
	}
	return nil
}

func (s *Store) Stats(ctx context.Context) (*model.GraphStats, error) {
	stats := &model.GraphStats{
		NodesByLabel: make(map[string]int),
		EdgesByType:  make(map[string]int),
	}
	if err := s.collectCounts(ctx, `SELECT label, COUNT(*) FROM nodes GROUP BY label`, stats.NodesByLabel, &stats.Nodes); err != nil {
		return nil, err
	}
	if err := s.collectCounts(ctx, `SELECT relationship_type, COUNT(*) FROM edges GROUP BY relationship_type`, stats.EdgesByType, &stats.Edges); err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *Store) collectCounts(ctx context.Context, query string, counts map[string]int, total *int) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return helper.NewError("query counts", classify(err))
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return helper.NewError("scan counts", err)
		}
		counts[key] = count
		*total += count
	}
	return rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}

// classify maps sqlite errors onto the error taxonomy. Busy and locked
// databases are retryable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return helper.Unavailable(err)
		}
	}
	return helper.ClassifySQLError(err)
}
