package grid

// Identity types
type NodeID int64
type EdgeID int64

// NodeKind tags a node with its role in the distribution grid.
type NodeKind string

const (
	KindSource      NodeKind = "source"
	KindTransformer NodeKind = "transformer"
	KindSink        NodeKind = "sink"
)

// validNodeKinds maps accepted node kind strings.
var validNodeKinds = map[NodeKind]bool{
	KindSource:      true,
	KindTransformer: true,
	KindSink:        true,
}

// IsValidNodeKind returns true if the given kind is recognized.
func IsValidNodeKind(kind NodeKind) bool {
	return validNodeKinds[kind]
}

// NodeStatus is the health state of a node.
// Transitions: active -> overloaded when load exceeds capacity,
// overloaded -> failed after balancing attempts are exhausted,
// failed -> active on explicit restore.
type NodeStatus string

const (
	StatusActive     NodeStatus = "active"
	StatusOverloaded NodeStatus = "overloaded"
	StatusFailed     NodeStatus = "failed"
)

// EventKind classifies scheduler events.
type EventKind string

const (
	EventTick             EventKind = "Tick"
	EventOverloadDetected EventKind = "OverloadDetected"
	EventOverloadResolved EventKind = "OverloadResolved"
	EventNodeFailed       EventKind = "NodeFailed"
	EventNodeRestored     EventKind = "NodeRestored"
	EventPredictedRisk    EventKind = "PredictedRisk"
)

// Event priority levels. Lower value = more urgent (min-heap ordering).
const (
	PriorityCritical = 0 // node failure, blackout
	PriorityHigh     = 1 // imminent or predicted overload
	PriorityMedium   = 2 // resolved/restored notifications
	PriorityLow      = 3 // routine bookkeeping
)

// KindPolicy carries the per-kind behavioral rules attached to a node.
// A sink may shed load during balancing; a source may not (its output is
// generation, not demand). Only sinks fluctuate when demand noise is enabled.
type KindPolicy struct {
	CanShed    bool // load may be moved off this node by the balancer
	CanAccept  bool // node may receive redistributed load
	Fluctuates bool // demand noise applies
}

// kindPolicies is the fixed policy table for the three node kinds.
var kindPolicies = map[NodeKind]KindPolicy{
	KindSource:      {CanShed: false, CanAccept: false, Fluctuates: false},
	KindTransformer: {CanShed: true, CanAccept: true, Fluctuates: false},
	KindSink:        {CanShed: true, CanAccept: true, Fluctuates: true},
}

// PolicyFor returns the behavioral policy for a node kind.
func PolicyFor(kind NodeKind) KindPolicy {
	return kindPolicies[kind]
}
