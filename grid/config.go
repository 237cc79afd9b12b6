package grid

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config groups the tunable simulation parameters. Zero values are filled
// in from DefaultConfig by Normalize.
type Config struct {
	Seed int64 `yaml:"seed"`

	// RingCapacity is the per-node metric ring size.
	RingCapacity int `yaml:"ring_capacity"`
	// PredictWindow is how many recent samples the predictor reads.
	PredictWindow int `yaml:"predict_window"`

	// HistoryPath is the paged history file; empty means in-memory only.
	HistoryPath string `yaml:"history_path"`
	// HistoryOrder is the B+tree branching factor.
	HistoryOrder int `yaml:"history_order"`
	// HistoryEvery is the flush cadence in ticks.
	HistoryEvery int64 `yaml:"history_every"`

	// MaxMovesPerTick bounds balancer donor iterations per node per tick.
	MaxMovesPerTick int `yaml:"max_moves_per_tick"`
	// MaxAttempts is how many ticks a node may stay overloaded after
	// balancing before it is marked failed.
	MaxAttempts int `yaml:"max_attempts"`

	// RiskFraction of capacity at which a forecast raises predicted-risk.
	RiskFraction float64 `yaml:"risk_fraction"`
	// MinConfidence the predictor needs before its forecasts are acted on.
	MinConfidence float64 `yaml:"min_confidence"`

	// DissipationShare is the fraction of a node's excess load lost per
	// tick while it stays overloaded. This is the penalty balancing avoids.
	DissipationShare float64 `yaml:"dissipation_share"`

	// Fluctuate enables per-tick random demand noise on sink nodes.
	Fluctuate bool `yaml:"fluctuate"`
	// FluctuateAmp is the noise amplitude (0.05 = +/-5% per tick).
	FluctuateAmp float64 `yaml:"fluctuate_amp"`

	// Balancing toggles the load balancer; off is the comparison baseline.
	Balancing *bool `yaml:"balancing"`
}

// DefaultConfig returns the standard parameter set.
func DefaultConfig() Config {
	on := true
	return Config{
		Seed:             42,
		RingCapacity:     24,
		PredictWindow:    12,
		HistoryOrder:     32,
		HistoryEvery:     10,
		MaxMovesPerTick:  3,
		MaxAttempts:      5,
		RiskFraction:     0.95,
		MinConfidence:    0.5,
		DissipationShare: 0.5,
		FluctuateAmp:     0.05,
		Balancing:        &on,
	}
}

// Normalize fills zero values with defaults and returns the result.
func (c Config) Normalize() Config {
	d := DefaultConfig()
	if c.RingCapacity <= 0 {
		c.RingCapacity = d.RingCapacity
	}
	if c.PredictWindow <= 0 {
		c.PredictWindow = d.PredictWindow
	}
	if c.HistoryOrder <= 0 {
		c.HistoryOrder = d.HistoryOrder
	}
	if c.HistoryEvery <= 0 {
		c.HistoryEvery = d.HistoryEvery
	}
	if c.MaxMovesPerTick <= 0 {
		c.MaxMovesPerTick = d.MaxMovesPerTick
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RiskFraction <= 0 {
		c.RiskFraction = d.RiskFraction
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = d.MinConfidence
	}
	if c.DissipationShare <= 0 {
		c.DissipationShare = d.DissipationShare
	}
	if c.FluctuateAmp <= 0 {
		c.FluctuateAmp = d.FluctuateAmp
	}
	if c.Balancing == nil {
		c.Balancing = d.Balancing
	}
	return c
}

// BalancingEnabled reports the effective balancer toggle.
func (c Config) BalancingEnabled() bool {
	return c.Balancing == nil || *c.Balancing
}

// Validate checks parameter ranges.
func (c Config) Validate() error {
	if c.RiskFraction > 1 {
		return fmt.Errorf("risk_fraction must be <= 1, got %f", c.RiskFraction)
	}
	if c.MinConfidence > 1 {
		return fmt.Errorf("min_confidence must be <= 1, got %f", c.MinConfidence)
	}
	if c.DissipationShare > 1 {
		return fmt.Errorf("dissipation_share must be <= 1, got %f", c.DissipationShare)
	}
	if c.FluctuateAmp >= 1 {
		return fmt.Errorf("fluctuate_amp must be < 1, got %f", c.FluctuateAmp)
	}
	return nil
}

// NodeSpec is the declarative form of a node in scenario and snapshot
// files.
type NodeSpec struct {
	ID         NodeID   `yaml:"id"`
	Kind       NodeKind `yaml:"kind"`
	Capacity   float64  `yaml:"capacity"`
	Load       float64  `yaml:"load"`
	Efficiency float64  `yaml:"efficiency"`
	X          float64  `yaml:"x"`
	Y          float64  `yaml:"y"`
}

// Node materializes the spec as a live node.
func (s NodeSpec) Node() *Node {
	return &Node{
		ID:         s.ID,
		Kind:       s.Kind,
		Capacity:   s.Capacity,
		Load:       s.Load,
		Efficiency: s.Efficiency,
		Status:     StatusActive,
		X:          s.X,
		Y:          s.Y,
	}
}

// EdgeSpec is the declarative form of an edge.
type EdgeSpec struct {
	ID         EdgeID  `yaml:"id"`
	From       NodeID  `yaml:"from"`
	To         NodeID  `yaml:"to"`
	Directed   bool    `yaml:"directed"`
	Resistance float64 `yaml:"resistance"`
	Capacity   float64 `yaml:"capacity"`
	Efficiency float64 `yaml:"efficiency"`
}

// Edge materializes the spec as a live edge.
func (s EdgeSpec) Edge() *Edge {
	return &Edge{
		ID:         s.ID,
		From:       s.From,
		To:         s.To,
		Directed:   s.Directed,
		Resistance: s.Resistance,
		Capacity:   s.Capacity,
		Efficiency: s.Efficiency,
	}
}

// Scenario is a complete simulation setup, loadable from YAML.
type Scenario struct {
	Config Config     `yaml:"config"`
	Nodes  []NodeSpec `yaml:"nodes"`
	Edges  []EdgeSpec `yaml:"edges"`
}

// LoadScenario reads and parses a YAML scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parsing scenario: %w", err)
	}
	sc.Config = sc.Config.Normalize()
	if err := sc.Config.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// DefaultScenario builds the reference topology: one source feeding four
// transformers in a ring, each transformer serving sinks. Used by the CLI
// when no scenario file is given and by the end-to-end comparison tests.
func DefaultScenario() *Scenario {
	sc := &Scenario{Config: DefaultConfig()}
	sc.Nodes = append(sc.Nodes, NodeSpec{ID: 1, Kind: KindSource, Capacity: 10000, Load: 0, Efficiency: 1.0, X: 0, Y: 0})
	for i := 0; i < 4; i++ {
		sc.Nodes = append(sc.Nodes, NodeSpec{
			ID: NodeID(10 + i), Kind: KindTransformer, Capacity: 1000,
			Load: 400, Efficiency: 0.95, X: 100, Y: float64(i * 100),
		})
	}
	for i := 0; i < 10; i++ {
		sc.Nodes = append(sc.Nodes, NodeSpec{
			ID: NodeID(100 + i), Kind: KindSink, Capacity: 150,
			Load: 80, Efficiency: 0.98, X: 200, Y: float64(i * 40),
		})
	}
	var eid EdgeID = 1
	addEdge := func(from, to NodeID, resistance, capacity float64) {
		sc.Edges = append(sc.Edges, EdgeSpec{
			ID: eid, From: from, To: to,
			Resistance: resistance, Capacity: capacity, Efficiency: 0.95,
		})
		eid++
	}
	// Source feeds every transformer.
	for i := 0; i < 4; i++ {
		addEdge(1, NodeID(10+i), 0.05, 5000)
	}
	// Transformer ring for redundancy and balancing headroom.
	for i := 0; i < 4; i++ {
		addEdge(NodeID(10+i), NodeID(10+(i+1)%4), 0.1, 500)
	}
	// Sinks round-robin across transformers, each double-homed.
	for i := 0; i < 10; i++ {
		sink := NodeID(100 + i)
		addEdge(NodeID(10+i%4), sink, 0.2, 300)
		addEdge(NodeID(10+(i+1)%4), sink, 0.25, 300)
	}
	return sc
}
