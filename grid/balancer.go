package grid

import (
	"sort"

	"github.com/sirupsen/logrus"
)

// defaultCascadeDepth bounds how many hops a shed may relay through full
// intermediate nodes. Deep enough to cross any realistic grid diameter.
const defaultCascadeDepth = 15

// Balancer resolves overloaded nodes by shifting excess load across edges
// to neighbors with spare capacity. Load is never created: every unit is
// either moved or lost to the edge's loss term, so
// total_before == total_after + total_loss holds exactly (up to float
// rounding of the individual moves).
//
// Excess that does not fit the immediate neighborhood cascades: a full
// neighbor is asked to shed its own load onward first, opening room, so
// spare capacity several hops away still drains the overload.
//
// Redistribution order is deterministic: most-overloaded node first
// (smallest residual via the ordered index), ties broken by smallest id.
type Balancer struct {
	graph *Graph
	index *Index

	// MaxMovesPerTick bounds donor iterations per overloaded node per tick.
	MaxMovesPerTick int
	// MaxAttempts bounds how many consecutive ticks a node may stay
	// overloaded after balancing before it is marked failed.
	MaxAttempts int
	// CascadeDepth bounds relay chains through full intermediate nodes.
	CascadeDepth int
}

// NewBalancer returns a balancer over the given graph and index.
func NewBalancer(g *Graph, ix *Index, maxMovesPerTick, maxAttempts int) *Balancer {
	return &Balancer{
		graph:           g,
		index:           ix,
		MaxMovesPerTick: maxMovesPerTick,
		MaxAttempts:     maxAttempts,
		CascadeDepth:    defaultCascadeDepth,
	}
}

// BalanceResult reports one balancing round.
type BalanceResult struct {
	Moved    float64 // load shifted off overloaded nodes
	Lost     float64 // share of Moved dissipated by edge losses
	Resolved []NodeID
	Failed   []NodeID
	Events   []*Event
}

// Resolve runs one bounded balancing round at the given tick.
func (b *Balancer) Resolve(now int64) BalanceResult {
	var res BalanceResult
	for _, id := range b.overloadedIDs() {
		n := b.graph.Node(id)
		if n == nil || !n.Alive() || !n.Overloaded() {
			continue // resolved as an acceptor side effect, or gone
		}
		b.redistribute(n, &res)

		if !n.Overloaded() {
			n.Status = StatusActive
			n.balanceAttempts = 0
			res.Resolved = append(res.Resolved, n.ID)
			res.Events = append(res.Events, &Event{
				Kind:     EventOverloadResolved,
				Priority: PriorityMedium,
				Due:      now,
				Target:   n.ID,
				Value:    n.Load,
			})
			continue
		}
		n.balanceAttempts++
		if n.balanceAttempts > b.MaxAttempts {
			logrus.Warnf("node %d overload unresolved after %d attempts, marking failed", n.ID, n.balanceAttempts)
			n.Status = StatusFailed
			res.Failed = append(res.Failed, n.ID)
			res.Events = append(res.Events, &Event{
				Kind:     EventNodeFailed,
				Priority: PriorityCritical,
				Due:      now,
				Target:   n.ID,
				Value:    n.Excess(),
				Reason:   "capacity: overload unresolved after bounded balancing attempts",
			})
		}
	}
	return res
}

// overloadedIDs walks the index ascending: residual < 0 means overloaded,
// and the smallest residual (most overloaded) comes first. The id in the
// key breaks rank ties.
func (b *Balancer) overloadedIDs() []NodeID {
	var ids []NodeID
	b.index.InOrder(func(k RankKey) bool {
		if k.Rank >= 0 {
			return false // sorted: no overloaded keys past this point
		}
		ids = append(ids, k.ID)
		return true
	})
	return ids
}

// acceptor is one candidate destination for excess load.
type acceptor struct {
	node *Node
	edge *Edge
}

// redistribute drains n's excess, for up to MaxMovesPerTick rounds. Each
// round sheds from a fresh relay chain rooted at n.
func (b *Balancer) redistribute(n *Node, res *BalanceResult) {
	if !n.Policy().CanShed {
		return
	}
	for move := 0; move < b.MaxMovesPerTick && n.Overloaded(); move++ {
		visited := map[NodeID]bool{n.ID: true}
		if b.shed(n, n.Excess(), b.CascadeDepth, visited, res) <= 0 {
			return
		}
	}
}

// shed moves up to want load off n into connected headroom reachable
// within depth hops, and returns the amount actually taken off n. The
// direct pass splits what fits across neighbors with room now,
// proportionally to their residual capacity. The cascade pass relays the
// remainder through full neighbors, asking each to push its own load
// onward first. A relay chain never revisits a node; sibling branches
// each extend their own copy of the visited set.
func (b *Balancer) shed(n *Node, want float64, depth int, visited map[NodeID]bool, res *BalanceResult) float64 {
	if want <= 0 || depth <= 0 || !n.Policy().CanShed {
		return 0
	}
	if want > n.Load {
		want = n.Load
	}
	var moved float64

	direct := b.candidates(n, visited, true)
	totalResidual := 0.0
	for _, c := range direct {
		totalResidual += c.node.Residual()
	}
	for _, c := range direct {
		share := want * (c.node.Residual() / totalResidual)
		moved += b.record(n, c, share, res)
	}

	for _, c := range b.candidates(n, visited, false) {
		remaining := want - moved
		if remaining <= 0 {
			break
		}
		// What must leave the neighbor so the remainder fits after the
		// edge's loss term.
		needed := remaining*c.edge.Efficiency - c.node.Residual()
		if needed > 0 {
			branch := map[NodeID]bool{c.node.ID: true}
			for id := range visited {
				branch[id] = true
			}
			b.shed(c.node, needed, depth-1, branch, res)
		}
		moved += b.record(n, c, remaining, res)
	}
	return moved
}

// record performs one transfer and folds it into the running result.
func (b *Balancer) record(n *Node, c acceptor, want float64, res *BalanceResult) float64 {
	moved := b.transfer(n, c, want)
	if moved > 0 {
		res.Moved += moved
		res.Lost += c.edge.Loss(moved)
	}
	return moved
}

// Preempt sheds load off a still-healthy node down to target, using the
// same cascade machinery as Resolve. Called on predicted-risk events so
// the node never crosses its threshold at all. Returns the loss incurred.
func (b *Balancer) Preempt(n *Node, target float64) float64 {
	if !n.Policy().CanShed || n.Load <= target {
		return 0
	}
	var scratch BalanceResult
	for move := 0; move < b.MaxMovesPerTick && n.Load > target; move++ {
		visited := map[NodeID]bool{n.ID: true}
		if b.shed(n, n.Load-target, b.CascadeDepth, visited, &scratch) <= 0 {
			break
		}
	}
	return scratch.Lost
}

// candidates lists live, non-overloaded neighbors allowed to accept load,
// reachable over an edge with remaining per-tick capacity, skipping nodes
// already on the relay chain. requireRoom additionally filters to
// neighbors with spare capacity right now; the cascade pass runs without
// it and opens the room itself.
func (b *Balancer) candidates(n *Node, visited map[NodeID]bool, requireRoom bool) []acceptor {
	var out []acceptor
	for _, e := range b.graph.Neighbors(n.ID) {
		other, ok := e.Connects(n.ID)
		if !ok || visited[other] {
			continue
		}
		m := b.graph.Node(other)
		if m == nil || !m.Alive() || m.Overloaded() || !m.Policy().CanAccept {
			continue
		}
		if e.Efficiency <= 0 || e.Capacity-e.Flow <= 0 {
			continue
		}
		if requireRoom && m.Residual() <= 0 {
			continue
		}
		out = append(out, acceptor{node: m, edge: e})
	}
	// A node pair may be joined by several edges; prefer the ones that
	// waste less, then lower edge id.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].edge.Efficiency != out[j].edge.Efficiency {
			return out[i].edge.Efficiency > out[j].edge.Efficiency
		}
		return out[i].edge.ID < out[j].edge.ID
	})
	return out
}

// transfer moves up to want load from n across c.edge, capped by the
// edge's remaining capacity and by what the acceptor can absorb after the
// loss term. Returns the amount actually taken off n.
func (b *Balancer) transfer(n *Node, c acceptor, want float64) float64 {
	moved := want
	if headroom := c.edge.Capacity - c.edge.Flow; moved > headroom {
		moved = headroom
	}
	// arriving = moved * efficiency must fit the acceptor's residual.
	if maxByResidual := c.node.Residual() / c.edge.Efficiency; moved > maxByResidual {
		moved = maxByResidual
	}
	if moved <= 0 {
		return 0
	}
	arriving := moved * c.edge.Efficiency
	b.setLoad(n, n.Load-moved)
	b.setLoad(c.node, c.node.Load+arriving)
	c.edge.Flow += moved
	logrus.Debugf("balancer: moved %.2f from node %d to node %d (lost %.2f)",
		moved, n.ID, c.node.ID, moved-arriving)
	return moved
}

// setLoad updates a node's load and re-keys the ordered index, keeping the
// two in lockstep.
func (b *Balancer) setLoad(n *Node, load float64) {
	old := RankKey{Rank: n.Residual(), ID: n.ID}
	n.Load = load
	b.index.Rekey(old, RankKey{Rank: n.Residual(), ID: n.ID})
}
