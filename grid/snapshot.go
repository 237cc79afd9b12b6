package grid

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/ecogrid/gridsim/grid/history"
)

// snapshotVersion guards against loading a snapshot written by an
// incompatible build.
const snapshotVersion = 1

// SnapshotNode is a node with its runtime state, as persisted.
type SnapshotNode struct {
	NodeSpec `yaml:",inline"`
	Status   NodeStatus `yaml:"status"`
}

// SnapshotEdge is an edge with its runtime state, as persisted.
type SnapshotEdge struct {
	EdgeSpec `yaml:",inline"`
	Flow     float64 `yaml:"flow"`
}

// Snapshot is the full persistable simulation state.
type Snapshot struct {
	Version int            `yaml:"version"`
	Clock   int64          `yaml:"clock"`
	Config  Config         `yaml:"config"`
	Nodes   []SnapshotNode `yaml:"nodes"`
	Edges   []SnapshotEdge `yaml:"edges"`
}

// SaveSnapshot writes the complete simulation state to path. The file is
// written to a temp sibling and renamed into place, so a crash mid-write
// never leaves a half-written snapshot behind.
func (s *Simulator) SaveSnapshot(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{Version: snapshotVersion, Clock: s.clock, Config: s.cfg}
	for _, id := range s.graph.NodeIDs() {
		n := s.graph.Node(id)
		snap.Nodes = append(snap.Nodes, SnapshotNode{
			NodeSpec: NodeSpec{
				ID: n.ID, Kind: n.Kind, Capacity: n.Capacity, Load: n.Load,
				Efficiency: n.Efficiency, X: n.X, Y: n.Y,
			},
			Status: n.Status,
		})
	}
	for _, id := range s.graph.EdgeIDs() {
		e := s.graph.Edge(id)
		snap.Edges = append(snap.Edges, SnapshotEdge{
			EdgeSpec: EdgeSpec{
				ID: e.ID, From: e.From, To: e.To, Directed: e.Directed,
				Resistance: e.Resistance, Capacity: e.Capacity, Efficiency: e.Efficiency,
			},
			Flow: e.Flow,
		})
	}

	data, err := yaml.Marshal(&snap)
	if err != nil {
		return &PersistenceError{Op: "SaveSnapshot", Err: err}
	}
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return &PersistenceError{Op: "SaveSnapshot", Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return &PersistenceError{Op: "SaveSnapshot", Err: err}
	}
	logrus.Infof("snapshot saved to %s (%d nodes, %d edges, tick %d)",
		path, len(snap.Nodes), len(snap.Edges), s.clock)
	return nil
}

// LoadSnapshot replaces the simulation state with a previously saved one.
// The snapshot is fully validated before any live state is touched; on any
// error the current state is left exactly as it was.
func (s *Simulator) LoadSnapshot(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &PersistenceError{Op: "LoadSnapshot", Err: err}
	}
	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return &CorruptTopologyError{Reason: fmt.Sprintf("unparseable snapshot: %v", err)}
	}
	if err := snap.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	graph := NewGraph()
	index := NewIndex()
	rings := make(map[NodeID]*MetricRing)
	cfg := snap.Config.Normalize()
	for _, sn := range snap.Nodes {
		n := sn.Node()
		n.Status = sn.Status
		if err := graph.AddNode(n); err != nil {
			return &CorruptTopologyError{Reason: err.Error()}
		}
		index.Insert(RankKey{Rank: n.Residual(), ID: n.ID})
		rings[n.ID] = NewMetricRing(cfg.RingCapacity)
	}
	for _, se := range snap.Edges {
		e := se.Edge()
		e.Flow = se.Flow
		if err := graph.AddEdge(e); err != nil {
			return &CorruptTopologyError{Reason: err.Error()}
		}
	}

	// The history store is bound to the path it was opened with; when the
	// snapshot carries a different one, reopen before the swap.
	if cfg.HistoryPath != s.cfg.HistoryPath {
		hist, err := history.Open(cfg.HistoryPath, cfg.HistoryOrder)
		if err != nil {
			logrus.Warnf("history store unavailable, continuing in-memory: %v", err)
			hist, _ = history.Open("", cfg.HistoryOrder)
			s.Metrics.HistoryDegraded = true
		}
		s.hist = hist
	}

	// Swap everything derived from the graph in one step.
	s.cfg = cfg
	s.clock = snap.Clock
	s.graph = graph
	s.index = index
	s.rings = rings
	s.routes = make(map[NodeID]Path)
	s.router = NewRouter(graph)
	s.balancer = NewBalancer(graph, index, cfg.MaxMovesPerTick, cfg.MaxAttempts)
	s.predictor = NewPredictor(cfg.PredictWindow, s.rng)
	s.monitor = NewMonitor(graph, s.predictor, cfg.RiskFraction, cfg.MinConfidence)
	s.sched = NewScheduler()
	s.pending = nil
	logrus.Infof("snapshot loaded from %s (%d nodes, %d edges, tick %d)",
		path, len(snap.Nodes), len(snap.Edges), snap.Clock)
	return nil
}

// validate checks the snapshot's structural integrity: version, id
// uniqueness, kind and status values, and edge endpoint references.
func (snap *Snapshot) validate() error {
	if snap.Version != snapshotVersion {
		return &CorruptTopologyError{Reason: fmt.Sprintf("unsupported snapshot version %d", snap.Version)}
	}
	nodes := make(map[NodeID]bool, len(snap.Nodes))
	for _, sn := range snap.Nodes {
		if nodes[sn.ID] {
			return &CorruptTopologyError{Reason: fmt.Sprintf("duplicate node id %d", sn.ID)}
		}
		if !IsValidNodeKind(sn.Kind) {
			return &CorruptTopologyError{Reason: fmt.Sprintf("node %d has unknown kind %q", sn.ID, sn.Kind)}
		}
		switch sn.Status {
		case StatusActive, StatusOverloaded, StatusFailed:
		default:
			return &CorruptTopologyError{Reason: fmt.Sprintf("node %d has unknown status %q", sn.ID, sn.Status)}
		}
		nodes[sn.ID] = true
	}
	edges := make(map[EdgeID]bool, len(snap.Edges))
	for _, se := range snap.Edges {
		if edges[se.ID] {
			return &CorruptTopologyError{Reason: fmt.Sprintf("duplicate edge id %d", se.ID)}
		}
		if !nodes[se.From] || !nodes[se.To] {
			return &CorruptTopologyError{Reason: fmt.Sprintf("edge %d references missing node (%d -> %d)", se.ID, se.From, se.To)}
		}
		edges[se.ID] = true
	}
	return nil
}
