package model

import (
	"fmt"
	"strings"
	"time"
)

// Relationship is a directed, typed edge between two entity ids. Identity is
// the (from, type, to) triple plus insertion order, so repeated links are kept.
type Relationship struct {
	ID         string    `json:"id"`
	FromID     string    `json:"from_id"`
	FromLabel  string    `json:"from_label,omitempty"`
	FromName   string    `json:"from_name,omitempty"`
	Type       string    `json:"relationship_type"`
	ToID       string    `json:"to_id"`
	ToLabel    string    `json:"to_label,omitempty"`
	ToName     string    `json:"to_name,omitempty"`
	Properties Metadata  `json:"properties,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	// Seq is the insertion order assigned by the graph store.
	Seq int64 `json:"seq,omitempty"`
}

// Other returns the endpoint opposite to id.
func (r *Relationship) Other(id string) string {
	if r.FromID == id {
		return r.ToID
	}
	return r.FromID
}

// NormalizeRelationshipType turns "works at" into "WORKS_AT".
func NormalizeRelationshipType(t string) string {
	return strings.ToUpper(strings.Join(strings.Fields(strings.ReplaceAll(t, "-", " ")), "_"))
}

// Node is an entity vertex in the graph store.
type Node struct {
	ID         string    `json:"id"`
	Label      string    `json:"label"`
	Properties Metadata  `json:"properties,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Name returns the display name property, falling back to the id.
func (n *Node) Name() string {
	if name := n.Properties.String("name"); name != "" {
		return name
	}
	return n.ID
}

// Subgraph is the result of a bounded traversal. Nodes and edges are in
// breadth-first discovery order.
type Subgraph struct {
	Root  string          `json:"root"`
	Nodes []*Node         `json:"nodes"`
	Edges []*Relationship `json:"edges"`
	Depth map[string]int  `json:"depth"`
}

// Describe renders every edge as "A (Type) -[REL]-> B (Type)" joined by "; ".
func (s *Subgraph) Describe() string {
	if s == nil || len(s.Edges) == 0 {
		return "No relations found"
	}
	nodes := make(map[string]*Node, len(s.Nodes))
	for _, n := range s.Nodes {
		nodes[n.ID] = n
	}
	describe := func(id string) string {
		if n, ok := nodes[id]; ok {
			return fmt.Sprintf("%s (%s)", n.Name(), n.Label)
		}
		return id
	}
	lines := make([]string, 0, len(s.Edges))
	for _, e := range s.Edges {
		lines = append(lines, fmt.Sprintf("%s -[%s]-> %s", describe(e.FromID), e.Type, describe(e.ToID)))
	}
	return strings.Join(lines, "; ")
}

// GraphStats is the result of an aggregate query over the graph store.
type GraphStats struct {
	Nodes        int            `json:"nodes"`
	Edges        int            `json:"edges"`
	NodesByLabel map[string]int `json:"nodes_by_label"`
	EdgesByType  map[string]int `json:"edges_by_type"`
}
