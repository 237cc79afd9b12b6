package grid

import (
	"container/heap"
	"math"
)

// Heuristic estimates the remaining cost from a node to the target. It must
// be a monotone lower bound of the true cost or the search loses optimality.
// A nil or zero heuristic degrades A* to Dijkstra.
type Heuristic func(from, to *Node) float64

// euclidean is the straight-line distance between two nodes.
func euclidean(a, b *Node) float64 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// Path is a computed route and its total traversal cost.
type Path struct {
	Nodes []NodeID
	Cost  float64
}

// Contains reports whether the path visits the given node.
func (p Path) Contains(id NodeID) bool {
	for _, n := range p.Nodes {
		if n == id {
			return true
		}
	}
	return false
}

// Router finds least-cost routes over the graph with A*. Edge cost is
// resistance / efficiency; failed nodes and impassable edges are skipped.
type Router struct {
	graph *Graph
}

// NewRouter returns a router over the given graph.
func NewRouter(g *Graph) *Router {
	return &Router{graph: g}
}

// DistanceHeuristic builds a lower-bound estimate from the graph itself:
// straight-line distance to the target times the cheapest cost per unit of
// coordinate distance any edge currently offers. Every edge satisfies
// cost >= length * scale by construction, so by the triangle inequality the
// estimate never exceeds the true remaining cost, whatever the scenario's
// resistances look like. With no usable geometry the scale is zero and the
// search degrades to Dijkstra.
func (r *Router) DistanceHeuristic() Heuristic {
	scale := math.Inf(1)
	for _, id := range r.graph.EdgeIDs() {
		e := r.graph.Edge(id)
		from := r.graph.Node(e.From)
		to := r.graph.Node(e.To)
		if from == nil || to == nil {
			continue
		}
		length := euclidean(from, to)
		cost := e.Cost()
		if length <= 0 || math.IsInf(cost, 1) {
			continue
		}
		if ratio := cost / length; ratio < scale {
			scale = ratio
		}
	}
	if math.IsInf(scale, 1) {
		scale = 0
	}
	return func(from, to *Node) float64 {
		return euclidean(from, to) * scale
	}
}

// frontierItem is one open-set entry. Expansion order is lowest f = g + h,
// ties broken by lower g, then lower node id, so two runs expand the same
// sequence.
type frontierItem struct {
	id NodeID
	f  float64
	g  float64
}

type frontier []frontierItem

func (fr frontier) Len() int { return len(fr) }

func (fr frontier) Less(i, j int) bool {
	a, b := fr[i], fr[j]
	if a.f != b.f {
		return a.f < b.f
	}
	if a.g != b.g {
		return a.g < b.g
	}
	return a.id < b.id
}

func (fr frontier) Swap(i, j int) { fr[i], fr[j] = fr[j], fr[i] }

func (fr *frontier) Push(x any) { *fr = append(*fr, x.(frontierItem)) }

func (fr *frontier) Pop() any {
	old := *fr
	n := len(old)
	item := old[n-1]
	*fr = old[:n-1]
	return item
}

// FindPath searches for the least-cost route from src to dst. Returns
// *NoPathError when the two lie in different connected components (or a
// failed node severs every route). The step count is bounded by the node
// count, so the search never loops.
func (r *Router) FindPath(src, dst NodeID, h Heuristic) (Path, error) {
	from := r.graph.Node(src)
	to := r.graph.Node(dst)
	if from == nil {
		return Path{}, validationErrorf("FindPath", "source node %d does not exist", src)
	}
	if to == nil {
		return Path{}, validationErrorf("FindPath", "target node %d does not exist", dst)
	}
	if !from.Alive() || !to.Alive() {
		return Path{}, &NoPathError{From: src, To: dst}
	}
	if h == nil {
		h = func(*Node, *Node) float64 { return 0 }
	}

	gScore := map[NodeID]float64{src: 0}
	cameFrom := make(map[NodeID]NodeID)
	closed := make(map[NodeID]bool)

	open := &frontier{{id: src, f: h(from, to), g: 0}}
	heap.Init(open)

	for open.Len() > 0 {
		cur := heap.Pop(open).(frontierItem)
		if closed[cur.id] {
			continue // stale entry from lazy decrease-key
		}
		if cur.id == dst {
			return Path{Nodes: reconstruct(cameFrom, dst), Cost: cur.g}, nil
		}
		closed[cur.id] = true

		for _, e := range r.graph.Neighbors(cur.id) {
			next, ok := e.Connects(cur.id)
			if !ok {
				continue
			}
			neighbor := r.graph.Node(next)
			if neighbor == nil || !neighbor.Alive() || closed[next] {
				continue
			}
			cost := e.Cost()
			if math.IsInf(cost, 1) {
				continue
			}
			tentative := cur.g + cost
			if prev, seen := gScore[next]; seen && tentative >= prev {
				continue
			}
			gScore[next] = tentative
			cameFrom[next] = cur.id
			heap.Push(open, frontierItem{id: next, f: tentative + h(neighbor, to), g: tentative})
		}
	}
	return Path{}, &NoPathError{From: src, To: dst}
}

func reconstruct(cameFrom map[NodeID]NodeID, cur NodeID) []NodeID {
	path := []NodeID{cur}
	for {
		prev, ok := cameFrom[cur]
		if !ok {
			break
		}
		cur = prev
		path = append(path, cur)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// PathEfficiency multiplies the edge efficiencies along a path: the share
// of injected flow that arrives at the far end. Uses the cheapest edge
// between each consecutive pair, matching the router's choice.
func (r *Router) PathEfficiency(p Path) float64 {
	eff := 1.0
	for i := 0; i+1 < len(p.Nodes); i++ {
		e := r.bestEdgeBetween(p.Nodes[i], p.Nodes[i+1])
		if e == nil {
			return 0
		}
		eff *= e.Efficiency
	}
	return eff
}

// bestEdgeBetween returns the lowest-cost edge carrying flow u -> v.
func (r *Router) bestEdgeBetween(u, v NodeID) *Edge {
	var best *Edge
	for _, e := range r.graph.Neighbors(u) {
		if next, ok := e.Connects(u); ok && next == v {
			if best == nil || e.Cost() < best.Cost() {
				best = e
			}
		}
	}
	return best
}
