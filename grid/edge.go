package grid

import (
	"fmt"
	"math"
)

// Edge is a lossy connection between two live nodes. Undirected edges carry
// flow both ways; directed edges only From -> To.
type Edge struct {
	ID         EdgeID
	From       NodeID
	To         NodeID
	Directed   bool
	Resistance float64 // >= 0, drives traversal cost
	Capacity   float64 // >= 0, max flow the edge can move per tick
	Efficiency float64 // 0..1, share of moved flow that arrives
	Flow       float64 // flow carried this tick
}

// Cost returns the traversal cost used by the router: resistance / efficiency.
// Higher resistance or lower efficiency makes the edge less attractive.
// An edge with zero efficiency is impassable.
func (e *Edge) Cost() float64 {
	if e.Efficiency <= 0 {
		return math.Inf(1)
	}
	return e.Resistance / e.Efficiency
}

// Loss returns the flow lost when moving amount across this edge.
func (e *Edge) Loss(amount float64) float64 {
	return amount * (1 - e.Efficiency)
}

// Connects reports whether the edge can carry flow from u, and if so,
// the node on the other end.
func (e *Edge) Connects(u NodeID) (NodeID, bool) {
	switch u {
	case e.From:
		return e.To, true
	case e.To:
		if e.Directed {
			return 0, false
		}
		return e.From, true
	}
	return 0, false
}

func (e *Edge) String() string {
	arrow := "<->"
	if e.Directed {
		arrow = "->"
	}
	return fmt.Sprintf("edge %d: %d%s%d (flow %.1f)", e.ID, e.From, arrow, e.To, e.Flow)
}
