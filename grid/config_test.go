package grid

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_NormalizeFillsDefaults(t *testing.T) {
	c := Config{}.Normalize()
	d := DefaultConfig()

	assert.Equal(t, d.RingCapacity, c.RingCapacity)
	assert.Equal(t, d.PredictWindow, c.PredictWindow)
	assert.Equal(t, d.HistoryOrder, c.HistoryOrder)
	assert.Equal(t, d.MaxAttempts, c.MaxAttempts)
	assert.Equal(t, d.DissipationShare, c.DissipationShare)
	assert.True(t, c.BalancingEnabled())
}

func TestConfig_NormalizeKeepsExplicitValues(t *testing.T) {
	off := false
	c := Config{RingCapacity: 7, MaxAttempts: 2, Balancing: &off}.Normalize()

	assert.Equal(t, 7, c.RingCapacity)
	assert.Equal(t, 2, c.MaxAttempts)
	assert.False(t, c.BalancingEnabled())
}

func TestConfig_ValidateRanges(t *testing.T) {
	tests := []struct {
		name string
		c    Config
	}{
		{"risk fraction above 1", Config{RiskFraction: 1.2}},
		{"min confidence above 1", Config{MinConfidence: 2}},
		{"dissipation above 1", Config{DissipationShare: 1.5}},
		{"fluctuation amplitude at 1", Config{FluctuateAmp: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.c.Normalize().Validate())
		})
	}
	assert.NoError(t, DefaultConfig().Validate())
}

func TestLoadScenario_FromYAML(t *testing.T) {
	body := `
config:
  seed: 7
  ring_capacity: 16
  balancing: false
nodes:
  - {id: 1, kind: source, capacity: 1000, efficiency: 1.0}
  - {id: 2, kind: sink, capacity: 100, load: 40, efficiency: 0.9, x: 10, y: 20}
edges:
  - {id: 1, from: 1, to: 2, resistance: 0.5, capacity: 200, efficiency: 0.95}
`
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	sc, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, int64(7), sc.Config.Seed)
	assert.Equal(t, 16, sc.Config.RingCapacity)
	assert.False(t, sc.Config.BalancingEnabled())
	assert.Equal(t, DefaultConfig().MaxAttempts, sc.Config.MaxAttempts, "unset fields take defaults")
	require.Len(t, sc.Nodes, 2)
	require.Len(t, sc.Edges, 1)
	assert.Equal(t, KindSink, sc.Nodes[1].Kind)
	assert.Equal(t, 20.0, sc.Nodes[1].Y)

	// The parsed scenario builds a working simulator.
	_, err = NewSimulator(sc)
	assert.NoError(t, err)
}

func TestLoadScenario_Errors(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("\t:::{"), 0o644))
	_, err = LoadScenario(path)
	assert.Error(t, err)
}

func TestDefaultScenario_IsWellFormed(t *testing.T) {
	sc := DefaultScenario()
	s, err := NewSimulator(sc)
	require.NoError(t, err)

	// One source, four transformers, ten sinks; every sink double-homed.
	assert.Equal(t, 15, s.Graph().NodeCount())
	for i := 0; i < 10; i++ {
		assert.Len(t, s.Graph().Neighbors(NodeID(100+i)), 2)
	}

	// It runs cleanly and delivers all demand from the first tick.
	s.Step(5)
	assert.Zero(t, s.Metrics.UndeliveredDemand)
	assert.Zero(t, s.Metrics.OverloadsDetected)
}
