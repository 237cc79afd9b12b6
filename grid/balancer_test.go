package grid

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// balancerFixture wires a graph and index the way the simulator does.
type balancerFixture struct {
	g  *Graph
	ix *Index
	b  *Balancer
}

func newBalancerFixture(t *testing.T) *balancerFixture {
	t.Helper()
	f := &balancerFixture{g: NewGraph(), ix: NewIndex()}
	f.b = NewBalancer(f.g, f.ix, 3, 5)
	return f
}

func (f *balancerFixture) addNode(t *testing.T, n *Node) {
	t.Helper()
	require.NoError(t, f.g.AddNode(n))
	f.ix.Insert(RankKey{Rank: n.Residual(), ID: n.ID})
}

func (f *balancerFixture) totalLoad() float64 {
	var total float64
	for _, id := range f.g.NodeIDs() {
		total += f.g.Node(id).Load
	}
	return total
}

func TestBalancer_ConservesLoad(t *testing.T) {
	// total_before == total_after + total_loss, exactly.
	f := newBalancerFixture(t)
	f.addNode(t, &Node{ID: 1, Kind: KindTransformer, Capacity: 100, Load: 160, Efficiency: 1, Status: StatusOverloaded})
	f.addNode(t, &Node{ID: 2, Kind: KindTransformer, Capacity: 100, Load: 20, Efficiency: 1, Status: StatusActive})
	f.addNode(t, &Node{ID: 3, Kind: KindTransformer, Capacity: 100, Load: 50, Efficiency: 1, Status: StatusActive})
	require.NoError(t, f.g.AddEdge(&Edge{ID: 1, From: 1, To: 2, Resistance: 1, Capacity: 100, Efficiency: 0.9}))
	require.NoError(t, f.g.AddEdge(&Edge{ID: 2, From: 1, To: 3, Resistance: 1, Capacity: 100, Efficiency: 0.8}))

	before := f.totalLoad()
	res := f.b.Resolve(1)

	assert.InDelta(t, before, f.totalLoad()+res.Lost, 1e-9)
	assert.Greater(t, res.Moved, 0.0)
	assert.Greater(t, res.Lost, 0.0, "lossy edges must charge a loss term")
}

func TestBalancer_ResolvesOverloadAndEmitsEvent(t *testing.T) {
	f := newBalancerFixture(t)
	f.addNode(t, &Node{ID: 1, Kind: KindTransformer, Capacity: 100, Load: 130, Efficiency: 1, Status: StatusOverloaded})
	f.addNode(t, &Node{ID: 2, Kind: KindTransformer, Capacity: 100, Load: 10, Efficiency: 1, Status: StatusActive})
	require.NoError(t, f.g.AddEdge(&Edge{ID: 1, From: 1, To: 2, Resistance: 1, Capacity: 100, Efficiency: 1}))

	res := f.b.Resolve(3)

	n := f.g.Node(1)
	assert.False(t, n.Overloaded())
	assert.Equal(t, StatusActive, n.Status)
	require.Len(t, res.Resolved, 1)
	require.Len(t, res.Events, 1)
	assert.Equal(t, EventOverloadResolved, res.Events[0].Kind)
	assert.Equal(t, int64(3), res.Events[0].Due)

	// The index must agree with the graph after the moves.
	min, ok := f.ix.Min()
	require.True(t, ok)
	assert.GreaterOrEqual(t, min.Rank, 0.0, "no overloaded keys left in the index")
}

func TestBalancer_RespectsEdgeCapacity(t *testing.T) {
	// The edge can only move 10 per tick; the overload of 30 cannot fully
	// resolve no matter how much headroom the acceptor has.
	f := newBalancerFixture(t)
	f.addNode(t, &Node{ID: 1, Kind: KindTransformer, Capacity: 100, Load: 130, Efficiency: 1, Status: StatusOverloaded})
	f.addNode(t, &Node{ID: 2, Kind: KindTransformer, Capacity: 1000, Load: 0, Efficiency: 1, Status: StatusActive})
	require.NoError(t, f.g.AddEdge(&Edge{ID: 1, From: 1, To: 2, Resistance: 1, Capacity: 10, Efficiency: 1}))

	res := f.b.Resolve(1)

	assert.InDelta(t, 10.0, res.Moved, 1e-9)
	assert.True(t, f.g.Node(1).Overloaded())
	assert.Empty(t, res.Resolved)
}

func TestBalancer_NeverOverloadsAcceptor(t *testing.T) {
	f := newBalancerFixture(t)
	f.addNode(t, &Node{ID: 1, Kind: KindTransformer, Capacity: 100, Load: 200, Efficiency: 1, Status: StatusOverloaded})
	f.addNode(t, &Node{ID: 2, Kind: KindTransformer, Capacity: 100, Load: 90, Efficiency: 1, Status: StatusActive})
	require.NoError(t, f.g.AddEdge(&Edge{ID: 1, From: 1, To: 2, Resistance: 1, Capacity: 1000, Efficiency: 0.5}))

	f.b.Resolve(1)

	assert.LessOrEqual(t, f.g.Node(2).Load, f.g.Node(2).Capacity,
		"redistribution must not push the acceptor over capacity")
}

func TestBalancer_SourcesNeverShedOrAccept(t *testing.T) {
	f := newBalancerFixture(t)
	f.addNode(t, &Node{ID: 1, Kind: KindSource, Capacity: 100, Load: 150, Efficiency: 1, Status: StatusOverloaded})
	f.addNode(t, &Node{ID: 2, Kind: KindSource, Capacity: 100, Load: 0, Efficiency: 1, Status: StatusActive})
	f.addNode(t, &Node{ID: 3, Kind: KindTransformer, Capacity: 100, Load: 150, Efficiency: 1, Status: StatusOverloaded})
	require.NoError(t, f.g.AddEdge(&Edge{ID: 1, From: 1, To: 2, Resistance: 1, Capacity: 100, Efficiency: 1}))
	require.NoError(t, f.g.AddEdge(&Edge{ID: 2, From: 3, To: 2, Resistance: 1, Capacity: 100, Efficiency: 1}))

	res := f.b.Resolve(1)

	assert.Equal(t, 150.0, f.g.Node(1).Load, "source load is generation, not shed-able demand")
	assert.Equal(t, 0.0, f.g.Node(2).Load, "sources never accept redistributed load")
	assert.True(t, f.g.Node(3).Overloaded(), "no acceptors reachable from node 3")
	assert.Zero(t, res.Moved)
}

func TestBalancer_MostOverloadedFirst(t *testing.T) {
	// Node 2 is more overloaded than node 1 and shares the only acceptor.
	// It must drain first and claim the shared headroom.
	f := newBalancerFixture(t)
	f.addNode(t, &Node{ID: 1, Kind: KindTransformer, Capacity: 100, Load: 110, Efficiency: 1, Status: StatusOverloaded})
	f.addNode(t, &Node{ID: 2, Kind: KindTransformer, Capacity: 100, Load: 180, Efficiency: 1, Status: StatusOverloaded})
	f.addNode(t, &Node{ID: 3, Kind: KindTransformer, Capacity: 100, Load: 50, Efficiency: 1, Status: StatusActive})
	require.NoError(t, f.g.AddEdge(&Edge{ID: 1, From: 1, To: 3, Resistance: 1, Capacity: 1000, Efficiency: 1}))
	require.NoError(t, f.g.AddEdge(&Edge{ID: 2, From: 2, To: 3, Resistance: 1, Capacity: 1000, Efficiency: 1}))

	res := f.b.Resolve(1)

	// 50 headroom on node 3: node 2 takes it all, node 1 gets nothing.
	assert.InDelta(t, 130.0, f.g.Node(2).Load, 1e-9)
	assert.InDelta(t, 110.0, f.g.Node(1).Load, 1e-9)
	assert.InDelta(t, 100.0, f.g.Node(3).Load, 1e-9)
	assert.Empty(t, res.Resolved)
}

func TestBalancer_FailsNodeAfterMaxAttempts(t *testing.T) {
	// Isolated overloaded node: every round makes no progress. After
	// MaxAttempts ticks it is marked failed with a critical event.
	f := newBalancerFixture(t)
	f.b.MaxAttempts = 3
	f.addNode(t, &Node{ID: 1, Kind: KindTransformer, Capacity: 100, Load: 150, Efficiency: 1, Status: StatusOverloaded})

	var failed bool
	for tick := int64(1); tick <= 4; tick++ {
		res := f.b.Resolve(tick)
		if len(res.Failed) > 0 {
			require.Equal(t, int64(4), tick, "failure fires only once attempts are exhausted")
			require.Len(t, res.Events, 1)
			assert.Equal(t, EventNodeFailed, res.Events[0].Kind)
			assert.Equal(t, PriorityCritical, res.Events[0].Priority)
			failed = true
		}
	}
	require.True(t, failed)
	assert.Equal(t, StatusFailed, f.g.Node(1).Status)
}

func TestBalancer_ProportionalSplit(t *testing.T) {
	// Two acceptors with residuals 60 and 20 split the excess 3:1.
	f := newBalancerFixture(t)
	f.addNode(t, &Node{ID: 1, Kind: KindTransformer, Capacity: 100, Load: 140, Efficiency: 1, Status: StatusOverloaded})
	f.addNode(t, &Node{ID: 2, Kind: KindTransformer, Capacity: 100, Load: 40, Efficiency: 1, Status: StatusActive})
	f.addNode(t, &Node{ID: 3, Kind: KindTransformer, Capacity: 100, Load: 80, Efficiency: 1, Status: StatusActive})
	require.NoError(t, f.g.AddEdge(&Edge{ID: 1, From: 1, To: 2, Resistance: 1, Capacity: 1000, Efficiency: 1}))
	require.NoError(t, f.g.AddEdge(&Edge{ID: 2, From: 1, To: 3, Resistance: 1, Capacity: 1000, Efficiency: 1}))

	f.b.Resolve(1)

	assert.InDelta(t, 70.0, f.g.Node(2).Load, 1e-9) // 40 + 30
	assert.InDelta(t, 90.0, f.g.Node(3).Load, 1e-9) // 80 + 10
	assert.InDelta(t, 100.0, f.g.Node(1).Load, 1e-9)
}

func TestBalancer_CascadesThroughFullNeighbor(t *testing.T) {
	// Chain 1 - 2 - 3 where the middle node is exactly full: the only spare
	// capacity sits two hops away, reachable only by having node 2 push its
	// own load onward first. Total capacity 300 covers the demand of 250,
	// so the overload must drain instead of the node failing.
	f := newBalancerFixture(t)
	f.addNode(t, &Node{ID: 1, Kind: KindTransformer, Capacity: 100, Load: 150, Efficiency: 1, Status: StatusOverloaded})
	f.addNode(t, &Node{ID: 2, Kind: KindTransformer, Capacity: 100, Load: 100, Efficiency: 1, Status: StatusActive})
	f.addNode(t, &Node{ID: 3, Kind: KindTransformer, Capacity: 100, Load: 0, Efficiency: 1, Status: StatusActive})
	require.NoError(t, f.g.AddEdge(&Edge{ID: 1, From: 1, To: 2, Resistance: 1, Capacity: 1000, Efficiency: 1}))
	require.NoError(t, f.g.AddEdge(&Edge{ID: 2, From: 2, To: 3, Resistance: 1, Capacity: 1000, Efficiency: 1}))

	before := f.totalLoad()
	res := f.b.Resolve(1)

	require.Len(t, res.Resolved, 1)
	assert.Empty(t, res.Failed)
	assert.InDelta(t, 100.0, f.g.Node(1).Load, 1e-9)
	assert.InDelta(t, 100.0, f.g.Node(2).Load, 1e-9, "the relay passes load on, it does not absorb it")
	assert.InDelta(t, 50.0, f.g.Node(3).Load, 1e-9)
	assert.InDelta(t, before, f.totalLoad()+res.Lost, 1e-9)
}

func TestBalancer_CascadeDepthBound(t *testing.T) {
	// Room three hops out, relay depth capped at two: out of reach.
	f := newBalancerFixture(t)
	f.b.CascadeDepth = 2
	f.addNode(t, &Node{ID: 1, Kind: KindTransformer, Capacity: 100, Load: 150, Efficiency: 1, Status: StatusOverloaded})
	f.addNode(t, &Node{ID: 2, Kind: KindTransformer, Capacity: 100, Load: 100, Efficiency: 1, Status: StatusActive})
	f.addNode(t, &Node{ID: 3, Kind: KindTransformer, Capacity: 100, Load: 100, Efficiency: 1, Status: StatusActive})
	f.addNode(t, &Node{ID: 4, Kind: KindTransformer, Capacity: 100, Load: 0, Efficiency: 1, Status: StatusActive})
	require.NoError(t, f.g.AddEdge(&Edge{ID: 1, From: 1, To: 2, Resistance: 1, Capacity: 1000, Efficiency: 1}))
	require.NoError(t, f.g.AddEdge(&Edge{ID: 2, From: 2, To: 3, Resistance: 1, Capacity: 1000, Efficiency: 1}))
	require.NoError(t, f.g.AddEdge(&Edge{ID: 3, From: 3, To: 4, Resistance: 1, Capacity: 1000, Efficiency: 1}))

	res := f.b.Resolve(1)

	assert.Zero(t, res.Moved)
	assert.True(t, f.g.Node(1).Overloaded())

	f.b.CascadeDepth = 3
	res = f.b.Resolve(2)
	assert.False(t, f.g.Node(1).Overloaded(), "one more hop of relay reaches the room")
	assert.InDelta(t, 50.0, f.g.Node(4).Load, 1e-9)
}

func TestBalancer_ConvergesOnRandomGraphs(t *testing.T) {
	// On any connected topology whose total capacity covers total demand,
	// repeated balancing rounds must drain every overload without marking
	// a node failed, wherever the load happens to sit.
	for seed := int64(0); seed < 25; seed++ {
		rng := rand.New(rand.NewSource(seed))
		f := newBalancerFixture(t)
		f.b.MaxAttempts = 20

		n := 6 + rng.Intn(7)
		budget := 0.85 * float64(n) * 100
		total := 0.0
		for i := 0; i < n; i++ {
			// First node always overloaded; the rest mix full, light, and
			// overloaded, truncated so demand stays under the budget.
			var load float64
			switch {
			case i == 0 || rng.Float64() < 0.25:
				load = 150
			case rng.Float64() < 0.4:
				load = 100
			default:
				load = 40 * rng.Float64()
			}
			if total+load > budget {
				load = 0
			}
			total += load
			status := StatusActive
			if load > 100 {
				status = StatusOverloaded
			}
			f.addNode(t, &Node{
				ID: NodeID(i + 1), Kind: KindTransformer, Capacity: 100,
				Load: load, Efficiency: 1, Status: status,
			})
		}

		// Random spanning tree keeps the graph connected; a few extra
		// edges add alternative relay routes.
		eid := EdgeID(1)
		link := func(a, b NodeID) {
			require.NoError(t, f.g.AddEdge(&Edge{
				ID: eid, From: a, To: b, Resistance: 1, Capacity: 10000, Efficiency: 1,
			}))
			eid++
		}
		for i := 1; i < n; i++ {
			link(NodeID(i+1), NodeID(rng.Intn(i)+1))
		}
		for i := 0; i < n/3; i++ {
			a, b := NodeID(rng.Intn(n)+1), NodeID(rng.Intn(n)+1)
			if a != b {
				link(a, b)
			}
		}

		before := f.totalLoad()
		var lost float64
		for tick := int64(1); tick <= 40; tick++ {
			for _, id := range f.g.EdgeIDs() {
				f.g.Edge(id).Flow = 0
			}
			res := f.b.Resolve(tick)
			lost += res.Lost
			require.Empty(t, res.Failed, "seed %d: node failed at tick %d despite spare capacity", seed, tick)
		}
		for _, id := range f.g.NodeIDs() {
			node := f.g.Node(id)
			assert.False(t, node.Overloaded(), "seed %d: node %d still overloaded", seed, id)
			assert.NotEqual(t, StatusFailed, node.Status, "seed %d: node %d failed", seed, id)
		}
		assert.InDelta(t, before, f.totalLoad()+lost, 1e-6, "seed %d: load not conserved", seed)
	}
}

func TestBalancer_Preempt_ShedsToTarget(t *testing.T) {
	f := newBalancerFixture(t)
	f.addNode(t, &Node{ID: 1, Kind: KindSink, Capacity: 100, Load: 98, Efficiency: 1, Status: StatusActive})
	f.addNode(t, &Node{ID: 2, Kind: KindTransformer, Capacity: 100, Load: 10, Efficiency: 1, Status: StatusActive})
	require.NoError(t, f.g.AddEdge(&Edge{ID: 1, From: 1, To: 2, Resistance: 1, Capacity: 1000, Efficiency: 1}))

	n := f.g.Node(1)
	lost := f.b.Preempt(n, 95)

	assert.InDelta(t, 95.0, n.Load, 1e-9)
	assert.Zero(t, lost, "lossless edge sheds for free")
	assert.Zero(t, f.b.Preempt(n, 95), "already at target, nothing moves")
}
