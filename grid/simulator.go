package grid

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ecogrid/gridsim/grid/history"
)

// Simulator is the orchestrator: an explicit state object owned by the
// caller, so multiple independent simulations can run side by side (the
// balanced-vs-unbalanced comparison depends on this).
//
// Execution is single-threaded and tick-driven. The mutex is the one
// mutual-exclusion boundary in the design: snapshot save/load takes it for
// the whole operation, and commands arriving while it is held simply wait
// for the next tick boundary.
type Simulator struct {
	mu sync.Mutex

	cfg   Config
	clock int64

	graph     *Graph
	index     *Index
	sched     *Scheduler
	router    *Router
	balancer  *Balancer
	predictor *Predictor
	monitor   *Monitor
	hist      *history.Store
	rng       *PartitionedRNG
	rings     map[NodeID]*MetricRing

	// routes caches the least-cost source route per sink; entries are
	// dropped whenever a node or edge on them changes status.
	routes map[NodeID]Path

	Metrics *Metrics

	running bool
	// pending holds injected stimuli queued for the next tick boundary.
	pending []*Event
}

// NewSimulator builds a simulator from a scenario. A history store that
// cannot be opened degrades to in-memory-only with a warning instead of
// failing construction; structural problems in the scenario are returned
// as ValidationErrors.
func NewSimulator(sc *Scenario) (*Simulator, error) {
	cfg := sc.Config.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Simulator{
		cfg:     cfg,
		graph:   NewGraph(),
		index:   NewIndex(),
		sched:   NewScheduler(),
		rng:     NewPartitionedRNG(cfg.Seed),
		rings:   make(map[NodeID]*MetricRing),
		routes:  make(map[NodeID]Path),
		Metrics: NewMetrics(),
	}
	s.router = NewRouter(s.graph)
	s.balancer = NewBalancer(s.graph, s.index, cfg.MaxMovesPerTick, cfg.MaxAttempts)
	s.predictor = NewPredictor(cfg.PredictWindow, s.rng)
	s.monitor = NewMonitor(s.graph, s.predictor, cfg.RiskFraction, cfg.MinConfidence)

	hist, err := history.Open(cfg.HistoryPath, cfg.HistoryOrder)
	if err != nil {
		logrus.Warnf("history store unavailable, continuing in-memory: %v", err)
		hist, _ = history.Open("", cfg.HistoryOrder)
		s.Metrics.HistoryDegraded = true
	}
	s.hist = hist

	for _, ns := range sc.Nodes {
		if err := s.addNodeLocked(ns); err != nil {
			return nil, err
		}
	}
	for _, es := range sc.Edges {
		if err := s.addEdgeLocked(es); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Clock returns the current tick.
func (s *Simulator) Clock() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock
}

// Start enables tick advancement via Run.
func (s *Simulator) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
}

// Pause stops Run at the next tick boundary. Step still works while
// paused, for manual single-stepping.
func (s *Simulator) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
}

// Running reports whether Run advances ticks.
func (s *Simulator) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Run advances up to horizon ticks, stopping early on Pause.
func (s *Simulator) Run(horizon int64) {
	for i := int64(0); i < horizon; i++ {
		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			return
		}
		s.tick()
		s.mu.Unlock()
	}
}

// Step advances exactly n ticks regardless of the running flag.
func (s *Simulator) Step(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.tick()
	}
}

// InjectOverload queues extra load on a node, applied at the next tick
// boundary. Rejects unknown nodes and negative amounts synchronously.
func (s *Simulator) InjectOverload(id NodeID, extraLoad float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.graph.Node(id) == nil {
		return validationErrorf("InjectOverload", "node %d does not exist", id)
	}
	if extraLoad < 0 {
		return validationErrorf("InjectOverload", "extra load must be >= 0, got %f", extraLoad)
	}
	s.pending = append(s.pending, &Event{
		Kind: EventTick, Priority: PriorityHigh, Due: s.clock + 1,
		Target: id, Value: extraLoad, Reason: "inject-overload",
	})
	return nil
}

// InjectFailure queues a forced failure of a node, applied at the next
// tick boundary. An injected failure does not auto-restore.
func (s *Simulator) InjectFailure(id NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.graph.Node(id) == nil {
		return validationErrorf("InjectFailure", "node %d does not exist", id)
	}
	s.pending = append(s.pending, &Event{
		Kind: EventNodeFailed, Priority: PriorityCritical, Due: s.clock + 1,
		Target: id, Reason: "inject-failure",
	})
	return nil
}

// RestoreNode brings a failed node back to active. Load above capacity is
// shed to capacity on restore so the node does not re-fail immediately.
// Failed nodes never come back on their own; this is the only way back.
func (s *Simulator) RestoreNode(id NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.graph.Node(id)
	if n == nil {
		return validationErrorf("RestoreNode", "node %d does not exist", id)
	}
	if n.Status != StatusFailed {
		return validationErrorf("RestoreNode", "node %d is %s, not failed", id, n.Status)
	}
	n.Status = StatusActive
	n.balanceAttempts = 0
	if n.Load > n.Capacity {
		s.setLoadIndexed(n, n.Capacity)
	}
	s.invalidateRoutesThrough(id)
	delete(s.routes, id)
	s.Metrics.NodesRestored++
	s.sched.Schedule(&Event{
		Kind: EventNodeRestored, Priority: PriorityMedium, Due: s.clock + 1,
		Target: id, Reason: "explicit restore",
	})
	logrus.Infof("node %d restored", id)
	return nil
}

// AddNode inserts a node. The graph, the ordered index, and the per-node
// ring are updated together or not at all.
func (s *Simulator) AddNode(spec NodeSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addNodeLocked(spec)
}

func (s *Simulator) addNodeLocked(spec NodeSpec) error {
	n := spec.Node()
	if err := s.graph.AddNode(n); err != nil {
		return err
	}
	s.index.Insert(RankKey{Rank: n.Residual(), ID: n.ID})
	s.rings[n.ID] = NewMetricRing(s.cfg.RingCapacity)
	return nil
}

// RemoveNode deletes a node, its incident edges, its index key, its metric
// ring, and every cached route through it, as one transaction. Pending
// events targeting it are dropped lazily by the scheduler.
func (s *Simulator) RemoveNode(id NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.graph.Node(id)
	if n == nil {
		return validationErrorf("RemoveNode", "node %d does not exist", id)
	}
	key := RankKey{Rank: n.Residual(), ID: id}
	if err := s.graph.RemoveNode(id); err != nil {
		return err
	}
	s.index.Delete(key)
	delete(s.rings, id)
	s.predictor.Forget(id)
	s.invalidateRoutesThrough(id)
	delete(s.routes, id)
	return nil
}

// AddEdge inserts an edge and invalidates routes between its endpoints.
func (s *Simulator) AddEdge(spec EdgeSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addEdgeLocked(spec)
}

func (s *Simulator) addEdgeLocked(spec EdgeSpec) error {
	if err := s.graph.AddEdge(spec.Edge()); err != nil {
		return err
	}
	// A new edge can only improve routes; recompute them all lazily.
	s.routes = make(map[NodeID]Path)
	return nil
}

// RemoveEdge deletes an edge and invalidates routes that used it.
func (s *Simulator) RemoveEdge(id EdgeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.graph.Edge(id)
	if e == nil {
		return validationErrorf("RemoveEdge", "edge %d does not exist", id)
	}
	from, to := e.From, e.To
	if err := s.graph.RemoveEdge(id); err != nil {
		return err
	}
	s.invalidateRoutesThrough(from)
	s.invalidateRoutesThrough(to)
	return nil
}

// RecentHistory returns the last window samples for a node, oldest first.
func (s *Simulator) RecentHistory(id NodeID, window int) ([]Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ring, ok := s.rings[id]
	if !ok {
		return nil, validationErrorf("RecentHistory", "node %d does not exist", id)
	}
	return ring.Recent(window), nil
}

// History exposes the durable store for range queries over flushed data.
func (s *Simulator) History() *history.Store {
	return s.hist
}

// GlobalEfficiency is delivered over injected load across the whole run.
func (s *Simulator) GlobalEfficiency() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Metrics.GlobalEfficiency()
}

// Graph gives tests and the CLI read access to the topology. Callers must
// not mutate through it while ticks are advancing.
func (s *Simulator) Graph() *Graph { return s.graph }

// Index exposes the ordered index for inspection.
func (s *Simulator) Index() *Index { return s.index }

// --- tick pipeline ---

// tick runs one atomic simulation step. Failures inside the middle stages
// degrade specific nodes to failed instead of aborting the tick; partial
// completion is never externally observable because the mutex is held
// throughout.
func (s *Simulator) tick() {
	s.clock++
	logrus.Debugf("[tick %07d] begin", s.clock)

	// (1) Apply queued external commands atomically.
	s.applyPending()

	// (2) Propagate flow along edges, computing per-edge loss.
	sample := s.propagateFlow()

	// (3) Detect threshold breaches, updating statuses and the index.
	for _, e := range s.monitor.ObserveCrossings(s.clock) {
		s.countEvent(e)
		s.sched.Schedule(e)
	}

	// (4) Resolve overloads.
	if s.cfg.BalancingEnabled() {
		res := s.balancer.Resolve(s.clock)
		sample.TransferLoss += res.Lost
		sample.Injected += res.Lost
		for _, e := range res.Events {
			s.countEvent(e)
			s.sched.Schedule(e)
		}
		for _, id := range res.Failed {
			s.invalidateRoutesThrough(id)
		}
	}

	// (5) Recompute routes invalidated this tick.
	s.refreshRoutes()

	// (6) Predict demand and raise anticipatory events.
	for _, e := range s.monitor.Scan(s.clock, s.rings) {
		s.countEvent(e)
		s.sched.Schedule(e)
	}

	// (7) Drain this tick's ready events and apply their side effects.
	exists := func(id NodeID) bool { return s.graph.Node(id) != nil }
	for _, e := range s.sched.PopReady(s.clock, exists) {
		s.handleEvent(e, &sample)
	}

	// (8) Sample the rings and, on cadence, flush to the history store.
	s.recordSamples()

	sample.Tick = s.clock
	s.Metrics.RecordTick(sample)
	logrus.Debugf("[tick %07d] injected %.1f delivered %.1f loss %.1f",
		s.clock, sample.Injected, sample.Delivered, sample.Loss())
}

// applyPending drains the injected stimuli queued since the last tick.
func (s *Simulator) applyPending() {
	pending := s.pending
	s.pending = nil
	for _, e := range pending {
		n := s.graph.Node(e.Target)
		if n == nil {
			logrus.Debugf("dropping queued %s: node %d gone", e.Kind, e.Target)
			continue
		}
		switch e.Reason {
		case "inject-overload":
			s.setLoadIndexed(n, n.Load+e.Value)
			logrus.Infof("injected %.1f extra load on node %d (now %.1f/%.1f)",
				e.Value, n.ID, n.Load, n.Capacity)
		case "inject-failure":
			n.Status = StatusFailed
			s.invalidateRoutesThrough(n.ID)
			s.Metrics.NodesFailed++
			s.sched.Schedule(&Event{
				Kind: EventNodeFailed, Priority: PriorityCritical, Due: s.clock,
				Target: n.ID, Reason: "inject-failure",
			})
		}
	}

	// Optional demand noise on sink nodes, one RNG stream so draws stay
	// stable as other components evolve.
	if s.cfg.Fluctuate {
		rng := s.rng.ForSubsystem(SubsystemDemand)
		for _, id := range s.graph.NodeIDs() {
			n := s.graph.Node(id)
			if !n.Alive() || !n.Policy().Fluctuates {
				continue
			}
			factor := 1 + s.cfg.FluctuateAmp*(2*rng.Float64()-1)
			load := n.Load * factor
			if load <= 0 {
				load = 10 + 10*rng.Float64() // kickstart idle demand
			}
			s.setLoadIndexed(n, load)
		}
	}
}

// propagateFlow serves every sink's demand from a source along its cached
// least-cost route, charging line loss for the extra flow injected to
// cover lossy edges and dissipation for load sitting above capacity.
func (s *Simulator) propagateFlow() TickSample {
	var sample TickSample
	for _, id := range s.graph.EdgeIDs() {
		s.graph.Edge(id).Flow = 0
	}
	for _, id := range s.graph.NodeIDs() {
		n := s.graph.Node(id)
		if n.Kind != KindSink || !n.Alive() || n.Load <= 0 {
			continue
		}
		path, ok := s.route(id)
		if !ok {
			sample.UndeliveredDemand += n.Load
			continue
		}
		eff := s.router.PathEfficiency(path)
		if eff <= 0 {
			sample.UndeliveredDemand += n.Load
			continue
		}
		injected := n.Load / eff
		for i := 0; i+1 < len(path.Nodes); i++ {
			if e := s.router.bestEdgeBetween(path.Nodes[i], path.Nodes[i+1]); e != nil {
				e.Flow += injected
			}
		}
		sample.Injected += injected
		sample.Delivered += n.Load
		sample.LineLoss += injected - n.Load
	}

	// Load above capacity dissipates while the overload persists. This is
	// the steady per-tick penalty that balancing exists to avoid.
	for _, id := range s.graph.NodeIDs() {
		n := s.graph.Node(id)
		if n.Alive() && n.Overloaded() {
			dissipated := n.Excess() * s.cfg.DissipationShare
			sample.DissipationLoss += dissipated
			sample.Injected += dissipated
		}
	}
	return sample
}

// route returns the cached least-cost route from a source to the sink,
// computing it on demand. Among sources the cheapest route wins; cost
// ties break on lower source id because NodeIDs is ascending.
func (s *Simulator) route(sink NodeID) (Path, bool) {
	if p, ok := s.routes[sink]; ok {
		return p, true
	}
	var best Path
	found := false
	h := s.router.DistanceHeuristic()
	for _, id := range s.graph.NodeIDs() {
		src := s.graph.Node(id)
		if src.Kind != KindSource || !src.Alive() {
			continue
		}
		p, err := s.router.FindPath(id, sink, h)
		if err != nil {
			continue
		}
		if !found || p.Cost < best.Cost {
			best = p
			found = true
		}
	}
	if !found {
		return Path{}, false
	}
	s.routes[sink] = best
	return best, true
}

// invalidateRoutesThrough drops every cached route visiting the node.
func (s *Simulator) invalidateRoutesThrough(id NodeID) {
	for sink, p := range s.routes {
		if p.Contains(id) {
			delete(s.routes, sink)
		}
	}
}

// refreshRoutes recomputes routes for sinks whose cache was invalidated.
func (s *Simulator) refreshRoutes() {
	for _, id := range s.graph.NodeIDs() {
		n := s.graph.Node(id)
		if n.Kind != KindSink || !n.Alive() {
			continue
		}
		if _, ok := s.routes[id]; !ok {
			if _, ok := s.route(id); !ok {
				logrus.Debugf("no route to sink %d this tick", id)
			}
		}
	}
}

// handleEvent applies the side effect of one drained event.
func (s *Simulator) handleEvent(e *Event, sample *TickSample) {
	logrus.Debugf("event %s", e)
	switch e.Kind {
	case EventPredictedRisk:
		// Act before the forecast materializes: shed load down to the
		// risk threshold while the node is still healthy.
		if !s.cfg.BalancingEnabled() {
			return
		}
		n := s.graph.Node(e.Target)
		if n == nil || !n.Alive() {
			return
		}
		lost := s.balancer.Preempt(n, n.Capacity*s.cfg.RiskFraction)
		sample.TransferLoss += lost
		sample.Injected += lost
	case EventNodeFailed:
		s.invalidateRoutesThrough(e.Target)
	case EventNodeRestored:
		s.invalidateRoutesThrough(e.Target) // new capacity may improve routes
	}
}

// recordSamples pushes each live node's load into its ring and, on the
// configured cadence, appends and flushes to the history store.
func (s *Simulator) recordSamples() {
	flush := s.clock%s.cfg.HistoryEvery == 0
	for _, id := range s.graph.NodeIDs() {
		n := s.graph.Node(id)
		ring, ok := s.rings[id]
		if !ok {
			continue
		}
		ring.Push(Sample{Tick: s.clock, Value: n.Load})
		if flush {
			s.hist.Append(history.Record{Timestamp: s.clock, Entity: int64(id), Value: n.Load})
		}
	}
	if flush {
		if err := s.hist.Flush(); err != nil {
			logrus.Warnf("history flush failed: %v", err)
			s.Metrics.HistoryDegraded = true
		} else {
			s.Metrics.HistoryDegraded = s.hist.Degraded()
		}
	}
}

// countEvent updates the event counters as events are scheduled.
func (s *Simulator) countEvent(e *Event) {
	switch e.Kind {
	case EventOverloadDetected:
		s.Metrics.OverloadsDetected++
	case EventOverloadResolved:
		s.Metrics.OverloadsResolved++
	case EventPredictedRisk:
		s.Metrics.PredictedRisks++
	case EventNodeFailed:
		s.Metrics.NodesFailed++
	case EventNodeRestored:
		s.Metrics.NodesRestored++
	}
}

// setLoadIndexed changes a node's load and re-keys the ordered index in
// the same step, so the two views never diverge.
func (s *Simulator) setLoadIndexed(n *Node, load float64) {
	if load < 0 {
		load = 0
	}
	old := RankKey{Rank: n.Residual(), ID: n.ID}
	n.Load = load
	s.index.Rekey(old, RankKey{Rank: n.Residual(), ID: n.ID})
}
