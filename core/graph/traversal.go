package graph

import (
	"context"
	"errors"

	"github.com/siherrmann/persona/helper"
	"github.com/siherrmann/persona/model"
)

// GraphDB defines the read operations a traversal needs.
type GraphDB interface {
	Node(ctx context.Context, id string) (*model.Node, error)
	Neighbors(ctx context.Context, id string) ([]*model.Relationship, error)
}

// TraversalResult contains a node and its distance from the source
type TraversalResult struct {
	Node     *model.Node
	Distance int
	Path     []string // Path from source to this node
}

// BFS performs a breadth-first search from sourceID following edges in both
// directions. The depth bound is inclusive, every node is visited once and
// results are in discovery order.
func BFS(ctx context.Context, db GraphDB, sourceID string, maxHops int) ([]*TraversalResult, []*model.Relationship, error) {
	sourceNode, err := db.Node(ctx, sourceID)
	if err != nil {
		return nil, nil, err
	}

	visited := map[string]bool{sourceID: true}
	seenEdges := make(map[string]bool)
	queue := []*TraversalResult{{
		Node:     sourceNode,
		Distance: 0,
		Path:     []string{sourceID},
	}}

	var results []*TraversalResult
	var edges []*model.Relationship

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		current := queue[0]
		queue = queue[1:]
		results = append(results, current)

		// Stop if we've reached max hops
		if current.Distance >= maxHops {
			continue
		}

		neighbors, err := db.Neighbors(ctx, current.Node.ID)
		if err != nil {
			return nil, nil, err
		}

		addEdge := func(edge *model.Relationship) {
			if !seenEdges[edgeKey(edge)] {
				seenEdges[edgeKey(edge)] = true
				edges = append(edges, edge)
			}
		}

		for _, edge := range neighbors {
			targetID := edge.Other(current.Node.ID)

			if visited[targetID] {
				addEdge(edge)
				continue
			}

			// edges to vanished nodes are left out with the node
			targetNode, err := db.Node(ctx, targetID)
			if errors.Is(err, helper.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, nil, err
			}

			visited[targetID] = true
			addEdge(edge)

			newPath := make([]string, len(current.Path), len(current.Path)+1)
			copy(newPath, current.Path)
			newPath = append(newPath, targetID)

			queue = append(queue, &TraversalResult{
				Node:     targetNode,
				Distance: current.Distance + 1,
				Path:     newPath,
			})
		}
	}

	return results, edges, nil
}

// Traverse runs BFS and packs the result as a subgraph.
func Traverse(ctx context.Context, db GraphDB, sourceID string, maxDepth int) (*model.Subgraph, error) {
	results, edges, err := BFS(ctx, db, sourceID, maxDepth)
	if err != nil {
		return nil, err
	}

	subgraph := &model.Subgraph{
		Root:  sourceID,
		Nodes: make([]*model.Node, 0, len(results)),
		Edges: edges,
		Depth: make(map[string]int, len(results)),
	}
	for _, r := range results {
		subgraph.Nodes = append(subgraph.Nodes, r.Node)
		subgraph.Depth[r.Node.ID] = r.Distance
	}
	if subgraph.Edges == nil {
		subgraph.Edges = []*model.Relationship{}
	}
	return subgraph, nil
}

// GetNeighbors retrieves immediate neighbors (1-hop) of a node
func GetNeighbors(ctx context.Context, db GraphDB, id string) ([]*model.Node, error) {
	results, _, err := BFS(ctx, db, id, 1)
	if err != nil {
		return nil, err
	}

	// Skip the source node itself (first result)
	neighbors := make([]*model.Node, 0, len(results)-1)
	for i := 1; i < len(results); i++ {
		neighbors = append(neighbors, results[i].Node)
	}

	return neighbors, nil
}

func edgeKey(e *model.Relationship) string {
	if e.ID != "" {
		return e.ID
	}
	return e.FromID + "|" + e.Type + "|" + e.ToID
}
