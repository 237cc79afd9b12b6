package grid

import "github.com/sirupsen/logrus"

// Monitor combines predictor output with live thresholds. When the
// forecast crosses a configurable fraction of capacity before the real
// value does, it schedules an elevated-priority predicted-risk event so
// the balancer can act before the overload materializes. Direct threshold
// crossings observed in the live tick raise overload/restore events.
type Monitor struct {
	graph     *Graph
	predictor *Predictor

	// RiskFraction is the share of capacity at which a forecast counts as
	// a risk (e.g. 0.95).
	RiskFraction float64
	// MinConfidence gates how sure the predictor must be before a
	// predicted-risk event is worth raising.
	MinConfidence float64
}

// NewMonitor returns a monitor over the given graph and predictor.
func NewMonitor(g *Graph, p *Predictor, riskFraction, minConfidence float64) *Monitor {
	return &Monitor{graph: g, predictor: p, RiskFraction: riskFraction, MinConfidence: minConfidence}
}

// Scan feeds each node's ring into the predictor and returns anticipatory
// events for the scheduler. Nodes already overloaded are the balancer's
// problem, not a prediction.
func (m *Monitor) Scan(now int64, rings map[NodeID]*MetricRing) []*Event {
	var events []*Event
	for _, id := range m.graph.NodeIDs() {
		n := m.graph.Node(id)
		if !n.Alive() {
			continue
		}
		ring, ok := rings[id]
		if !ok {
			continue
		}
		fc := m.predictor.Observe(id, ring)
		if n.Overloaded() || fc.Confidence < m.MinConfidence {
			continue
		}
		threshold := n.Capacity * m.RiskFraction
		if fc.Value > threshold && n.Load <= threshold {
			logrus.Infof("monitor: node %d forecast %.1f exceeds %.0f%% of capacity %.1f (confidence %.2f)",
				id, fc.Value, m.RiskFraction*100, n.Capacity, fc.Confidence)
			events = append(events, &Event{
				Kind:     EventPredictedRisk,
				Priority: PriorityHigh,
				Due:      now,
				Target:   id,
				Value:    fc.Value,
				Reason:   "forecast load exceeds risk threshold",
			})
		}
	}
	return events
}

// ObserveCrossings compares each node's status with its load and returns
// the transition events for direct threshold crossings seen this tick:
// overload-detected on the way up, node-restored when a failed node comes
// back under explicit restore. Status fields are updated in place and the
// ordered index is re-keyed by the caller.
func (m *Monitor) ObserveCrossings(now int64) []*Event {
	var events []*Event
	for _, id := range m.graph.NodeIDs() {
		n := m.graph.Node(id)
		switch {
		case n.Status == StatusActive && n.Overloaded():
			n.Status = StatusOverloaded
			events = append(events, &Event{
				Kind:     EventOverloadDetected,
				Priority: PriorityHigh,
				Due:      now,
				Target:   id,
				Value:    n.Excess(),
			})
		case n.Status == StatusOverloaded && !n.Overloaded():
			// Load fell back on its own (command or fluctuation).
			n.Status = StatusActive
			n.balanceAttempts = 0
			events = append(events, &Event{
				Kind:     EventOverloadResolved,
				Priority: PriorityMedium,
				Due:      now,
				Target:   id,
				Value:    n.Load,
			})
		}
	}
	return events
}
