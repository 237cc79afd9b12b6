package grid

import "sort"

// Graph owns all node and edge records and the adjacency index.
// Structural edits are all-or-nothing: every validation runs before the
// first mutation, so a rejected edit leaves the graph untouched.
//
// The Ordered Index never owns nodes; it holds only rank keys that point
// back here. Rebuilding or re-keying the index is the caller's job
// (see Simulator, which applies graph and index changes together).
type Graph struct {
	nodes map[NodeID]*Node
	edges map[EdgeID]*Edge
	adj   map[NodeID][]EdgeID

	// AllowSelfLoops permits edges with identical endpoints. Off by default.
	AllowSelfLoops bool
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes: make(map[NodeID]*Node),
		edges: make(map[EdgeID]*Edge),
		adj:   make(map[NodeID][]EdgeID),
	}
}

// AddNode inserts a node. Rejects duplicate ids, unknown kinds, and
// out-of-range numeric fields.
func (g *Graph) AddNode(n *Node) error {
	if n == nil {
		return validationErrorf("AddNode", "nil node")
	}
	if _, ok := g.nodes[n.ID]; ok {
		return validationErrorf("AddNode", "node %d already exists", n.ID)
	}
	if !IsValidNodeKind(n.Kind) {
		return validationErrorf("AddNode", "unknown node kind %q", n.Kind)
	}
	if n.Capacity < 0 {
		return validationErrorf("AddNode", "node %d capacity must be >= 0, got %f", n.ID, n.Capacity)
	}
	if n.Load < 0 {
		return validationErrorf("AddNode", "node %d load must be >= 0, got %f", n.ID, n.Load)
	}
	if n.Efficiency < 0 || n.Efficiency > 1 {
		return validationErrorf("AddNode", "node %d efficiency must be in [0,1], got %f", n.ID, n.Efficiency)
	}
	if n.Status == "" {
		n.Status = StatusActive
	}
	g.nodes[n.ID] = n
	g.adj[n.ID] = nil
	return nil
}

// RemoveNode deletes a node and, as part of the same transaction, every
// edge incident to it (an edge must never reference a dead endpoint).
func (g *Graph) RemoveNode(id NodeID) error {
	if _, ok := g.nodes[id]; !ok {
		return validationErrorf("RemoveNode", "node %d does not exist", id)
	}
	for _, eid := range g.adj[id] {
		e := g.edges[eid]
		other := e.From
		if other == id {
			other = e.To
		}
		if other != id {
			g.adj[other] = removeEdgeID(g.adj[other], eid)
		}
		delete(g.edges, eid)
	}
	delete(g.adj, id)
	delete(g.nodes, id)
	return nil
}

// AddEdge inserts an edge after validating both endpoints and all numeric
// fields. Self-loops are rejected unless AllowSelfLoops is set.
func (g *Graph) AddEdge(e *Edge) error {
	if e == nil {
		return validationErrorf("AddEdge", "nil edge")
	}
	if _, ok := g.edges[e.ID]; ok {
		return validationErrorf("AddEdge", "edge %d already exists", e.ID)
	}
	if _, ok := g.nodes[e.From]; !ok {
		return validationErrorf("AddEdge", "edge %d endpoint %d does not exist", e.ID, e.From)
	}
	if _, ok := g.nodes[e.To]; !ok {
		return validationErrorf("AddEdge", "edge %d endpoint %d does not exist", e.ID, e.To)
	}
	if e.From == e.To && !g.AllowSelfLoops {
		return validationErrorf("AddEdge", "edge %d is a self-loop on node %d", e.ID, e.From)
	}
	if e.Resistance < 0 {
		return validationErrorf("AddEdge", "edge %d resistance must be >= 0, got %f", e.ID, e.Resistance)
	}
	if e.Capacity < 0 {
		return validationErrorf("AddEdge", "edge %d capacity must be >= 0, got %f", e.ID, e.Capacity)
	}
	if e.Efficiency < 0 || e.Efficiency > 1 {
		return validationErrorf("AddEdge", "edge %d efficiency must be in [0,1], got %f", e.ID, e.Efficiency)
	}
	g.edges[e.ID] = e
	g.adj[e.From] = append(g.adj[e.From], e.ID)
	if e.To != e.From {
		g.adj[e.To] = append(g.adj[e.To], e.ID)
	}
	return nil
}

// RemoveEdge deletes an edge by id.
func (g *Graph) RemoveEdge(id EdgeID) error {
	e, ok := g.edges[id]
	if !ok {
		return validationErrorf("RemoveEdge", "edge %d does not exist", id)
	}
	g.adj[e.From] = removeEdgeID(g.adj[e.From], id)
	if e.To != e.From {
		g.adj[e.To] = removeEdgeID(g.adj[e.To], id)
	}
	delete(g.edges, id)
	return nil
}

// SetLoad updates a node's load. Rejects negative values and unknown ids.
// Status maintenance (overloaded/failed transitions) is the orchestrator's
// job, not the store's.
func (g *Graph) SetLoad(id NodeID, load float64) error {
	n, ok := g.nodes[id]
	if !ok {
		return validationErrorf("SetLoad", "node %d does not exist", id)
	}
	if load < 0 {
		return validationErrorf("SetLoad", "node %d load must be >= 0, got %f", id, load)
	}
	n.Load = load
	return nil
}

// Node returns the node with the given id, or nil.
func (g *Graph) Node(id NodeID) *Node {
	return g.nodes[id]
}

// Edge returns the edge with the given id, or nil.
func (g *Graph) Edge(id EdgeID) *Edge {
	return g.edges[id]
}

// Neighbors returns the edges incident to the given node, ordered by edge id
// for deterministic iteration.
func (g *Graph) Neighbors(id NodeID) []*Edge {
	ids := g.adj[id]
	out := make([]*Edge, 0, len(ids))
	for _, eid := range ids {
		out = append(out, g.edges[eid])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// NodeCount returns the number of nodes.
func (g *Graph) NodeCount() int { return len(g.nodes) }

// EdgeCount returns the number of edges.
func (g *Graph) EdgeCount() int { return len(g.edges) }

// NodeIDs returns all node ids in ascending order. Map iteration order is
// random in Go; every loop that mutates state must go through this.
func (g *Graph) NodeIDs() []NodeID {
	ids := make([]NodeID, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// EdgeIDs returns all edge ids in ascending order.
func (g *Graph) EdgeIDs() []EdgeID {
	ids := make([]EdgeID, 0, len(g.edges))
	for id := range g.edges {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func removeEdgeID(list []EdgeID, id EdgeID) []EdgeID {
	for i, v := range list {
		if v == id {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
