package grid

import "math"

// Forecast is the predictor's per-node output for one tick.
type Forecast struct {
	Value      float64
	Confidence float64 // 1 at zero recent error, decaying toward 0
}

// nodeModel is the per-node forecasting state: a linear trend over the
// recent window plus a small MLP updated one gradient step per tick. The
// model with the lower recent error wins; both error trackers are
// exponential moving averages of squared one-step-ahead error.
type nodeModel struct {
	mlp        *MLP
	linErr     float64
	mlpErr     float64
	lastLinear float64
	lastMLP    float64
	primed     bool
}

// Predictor maintains a short-horizon demand forecast per node from its
// metric ring. It is a small explicit numeric model, not a training
// pipeline: state advances exactly one step per Observe call.
type Predictor struct {
	window     int
	hiddenSize int
	lr         float64
	errDecay   float64
	rng        *PartitionedRNG
	models     map[NodeID]*nodeModel
}

// NewPredictor builds a predictor reading the last window samples per node.
func NewPredictor(window int, rng *PartitionedRNG) *Predictor {
	if window < 4 {
		window = 4
	}
	return &Predictor{
		window:     window,
		hiddenSize: 8,
		lr:         0.05,
		errDecay:   0.3,
		rng:        rng,
		models:     make(map[NodeID]*nodeModel),
	}
}

// Forget drops the model state for a removed node.
func (p *Predictor) Forget(id NodeID) {
	delete(p.models, id)
}

// mlpInputs is the fixed MLP window length.
const mlpInputs = 3

func (p *Predictor) model(id NodeID) *nodeModel {
	m, ok := p.models[id]
	if !ok {
		stream := p.rng.ForSubsystem(SubsystemPredictor)
		m = &nodeModel{mlp: NewMLP(mlpInputs, p.hiddenSize, p.lr, stream)}
		p.models[id] = m
	}
	return m
}

// Observe folds the node's latest ring contents into its model and returns
// the forecast for the next tick. scale normalizes MLP inputs so large
// absolute loads do not saturate the sigmoid layer.
func (p *Predictor) Observe(id NodeID, ring *MetricRing) Forecast {
	series := ring.Values(p.window)
	if len(series) < mlpInputs+1 {
		// Not enough history: echo the latest value with no confidence.
		v := 0.0
		if len(series) > 0 {
			v = series[len(series)-1]
		}
		return Forecast{Value: v, Confidence: 0}
	}
	m := p.model(id)
	latest := series[len(series)-1]

	// Score yesterday's predictions against today's observation before
	// producing new ones.
	if m.primed {
		p.updateErr(&m.linErr, latest-m.lastLinear)
		p.updateErr(&m.mlpErr, latest-m.lastMLP)
	}

	slope, intercept := linearFit(series)
	m.lastLinear = intercept + slope*float64(len(series))

	scale := seriesScale(series)
	window := scaled(series[len(series)-mlpInputs-1:len(series)-1], scale)
	m.mlp.Train(window, latest*scale)
	m.lastMLP = m.mlp.Forward(scaled(series[len(series)-mlpInputs:], scale)) / scale
	m.primed = true

	value := m.lastLinear
	chosenErr := m.linErr
	// The MLP has to beat the trend with margin before it takes over:
	// on clean ramps the trend is exact and must win.
	if m.mlpErr*1.2 < m.linErr {
		value = m.lastMLP
		chosenErr = m.mlpErr
	}
	if value < 0 {
		value = 0
	}
	return Forecast{Value: value, Confidence: confidence(chosenErr, latest)}
}

func (p *Predictor) updateErr(ema *float64, err float64) {
	*ema = (1-p.errDecay)*(*ema) + p.errDecay*err*err
}

// linearFit computes the least-squares trend of the series over indexes
// 0..n-1, returning slope and intercept.
func linearFit(series []float64) (slope, intercept float64) {
	n := float64(len(series))
	var sumX, sumY, sumXY, sumXX float64
	for i, v := range series {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, sumY / n
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n
	return slope, intercept
}

// seriesScale maps the series into roughly [0, 0.83] with 20% headroom for
// extrapolation above the observed maximum.
func seriesScale(series []float64) float64 {
	maxVal := 0.0
	for _, v := range series {
		if v > maxVal {
			maxVal = v
		}
	}
	if maxVal <= 0 {
		maxVal = 1
	}
	return 1 / (maxVal * 1.2)
}

func scaled(series []float64, scale float64) []float64 {
	out := make([]float64, len(series))
	for i, v := range series {
		out[i] = v * scale
	}
	return out
}

// confidence maps recent RMS error relative to the signal magnitude into
// (0, 1]: zero error gives 1, error on the order of the signal gives ~0.5.
func confidence(emaSqErr, latest float64) float64 {
	rms := math.Sqrt(emaSqErr)
	denom := math.Abs(latest)
	if denom < 1 {
		denom = 1
	}
	return 1 / (1 + rms/denom)
}
