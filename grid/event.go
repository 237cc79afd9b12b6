package grid

import "fmt"

// Event is one pending simulation occurrence. Events are created by
// detection logic during a tick and destroyed once processed, or silently
// dropped when their target no longer exists.
type Event struct {
	Kind     EventKind
	Priority int    // lower = more urgent
	Due      int64  // scheduled tick
	Target   NodeID // entity the event acts on
	Value    float64
	Reason   string

	// seq is the insertion sequence, assigned by the scheduler. It is the
	// final tie-breaker so two runs drain identical event streams.
	seq uint64
}

func (e *Event) String() string {
	return fmt.Sprintf("[p%d] %s -> node %d @ tick %d", e.Priority, e.Kind, e.Target, e.Due)
}
