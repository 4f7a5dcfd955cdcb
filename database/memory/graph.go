package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/siherrmann/persona/core/graph"
	"github.com/siherrmann/persona/helper"
	"github.com/siherrmann/persona/model"
)

// GraphStore is an in-memory GraphStore. Edges are kept in insertion order.
type GraphStore struct {
	mu    sync.RWMutex
	nodes map[string]*model.Node
	edges []*model.Relationship
	seq   int64
}

func NewGraphStore() *GraphStore {
	return &GraphStore{nodes: make(map[string]*model.Node)}
}

func (s *GraphStore) UpsertNode(ctx context.Context, label string, id string, properties model.Metadata) error {
	if id == "" {
		return helper.NewError("upsert node", helper.Validation("node id is required"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.mergeNode(label, id, properties)
	return nil
}

func (s *GraphStore) mergeNode(label string, id string, properties model.Metadata) {
	node, ok := s.nodes[id]
	if !ok {
		node = &model.Node{ID: id, Label: label, Properties: model.Metadata{}, CreatedAt: time.Now().UTC()}
		s.nodes[id] = node
	}
	if label != "" {
		node.Label = label
	}
	for k, v := range properties.Clone() {
		node.Properties[k] = v
	}
}

// vivify creates a missing endpoint without touching an existing node.
func (s *GraphStore) vivify(label string, id string, name string) {
	if _, ok := s.nodes[id]; ok {
		return
	}
	if label == "" {
		label = "Entity"
	}
	properties := model.Metadata{}
	if name != "" {
		properties["name"] = name
		properties["name_key"] = helper.NormalizeName(name)
	}
	s.mergeNode(label, id, properties)
}

func (s *GraphStore) UpsertEdge(ctx context.Context, rel *model.Relationship) error {
	if rel == nil || rel.FromID == "" || rel.ToID == "" || rel.Type == "" {
		return helper.NewError("upsert edge", helper.Validation("edge needs from id, to id and type"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.vivify(rel.FromLabel, rel.FromID, rel.FromName)
	s.vivify(rel.ToLabel, rel.ToID, rel.ToName)

	stored := *rel
	stored.Properties = rel.Properties.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	s.seq++
	stored.Seq = s.seq
	s.edges = append(s.edges, &stored)

	rel.ID = stored.ID
	rel.Seq = stored.Seq
	return nil
}

func (s *GraphStore) Node(ctx context.Context, id string) (*model.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, ok := s.nodes[id]
	if !ok {
		return nil, helper.NewError("get node", notFound(id))
	}
	clone := *node
	clone.Properties = node.Properties.Clone()
	return &clone, nil
}

func (s *GraphStore) Neighbors(ctx context.Context, id string) ([]*model.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	edges := []*model.Relationship{}
	for _, e := range s.edges {
		if e.FromID == id || e.ToID == id {
			clone := *e
			clone.Properties = e.Properties.Clone()
			edges = append(edges, &clone)
		}
	}
	return edges, nil
}

func (s *GraphStore) Traverse(ctx context.Context, startID string, maxDepth int) (*model.Subgraph, error) {
	subgraph, err := graph.Traverse(ctx, s, startID, maxDepth)
	if err != nil {
		return nil, helper.NewError("traverse", err)
	}
	return subgraph, nil
}

func (s *GraphStore) DeleteNode(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[id]; !ok {
		return helper.NewError("delete node", notFound(id))
	}
	delete(s.nodes, id)

	kept := s.edges[:0]
	for _, e := range s.edges {
		if e.FromID != id && e.ToID != id {
			kept = append(kept, e)
		}
	}
	s.edges = kept
	return nil
}

func (s *GraphStore) Stats(ctx context.Context) (*model.GraphStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &model.GraphStats{
		Nodes:        len(s.nodes),
		Edges:        len(s.edges),
		NodesByLabel: make(map[string]int),
		EdgesByType:  make(map[string]int),
	}
	for _, n := range s.nodes {
		stats.NodesByLabel[n.Label]++
	}
	for _, e := range s.edges {
		stats.EdgesByType[e.Type]++
	}
	return stats, nil
}

func (s *GraphStore) Close() error {
	return nil
}
