package grid

import "fmt"

// Node is a producer, transformer, or consumer of flow in the grid.
// Load is always >= 0. Status becomes overloaded when load exceeds capacity,
// and failed only after an overload survives MaxAttempts balancing rounds.
type Node struct {
	ID         NodeID
	Kind       NodeKind
	Capacity   float64 // max sustainable flow
	Load       float64 // current flow through the node
	Efficiency float64 // 0..1, share of flow passed on without loss
	Status     NodeStatus
	X, Y       float64 // position, used by the router's distance heuristic

	// balanceAttempts counts consecutive ticks the node stayed overloaded
	// after the balancer ran. Reset when the overload resolves.
	balanceAttempts int
}

// Residual returns the spare capacity of the node. Negative when overloaded.
func (n *Node) Residual() float64 {
	return n.Capacity - n.Load
}

// Overloaded reports whether current load exceeds capacity.
func (n *Node) Overloaded() bool {
	return n.Load > n.Capacity
}

// Excess returns the load above capacity, or 0 when within limits.
func (n *Node) Excess() float64 {
	if n.Load <= n.Capacity {
		return 0
	}
	return n.Load - n.Capacity
}

// Alive reports whether the node participates in flow and balancing.
func (n *Node) Alive() bool {
	return n.Status != StatusFailed
}

// Policy returns the behavioral rules for the node's kind.
func (n *Node) Policy() KindPolicy {
	return PolicyFor(n.Kind)
}

func (n *Node) String() string {
	return fmt.Sprintf("[%s] node %d load %.1f/%.1f (%s)", n.Kind, n.ID, n.Load, n.Capacity, n.Status)
}
