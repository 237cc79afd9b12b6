package grid

import (
	"math"
	"math/rand"
)

// MLP is a fixed-topology feed-forward estimator: input -> one sigmoid
// hidden layer -> linear output. Weights are explicit matrices updated by
// one gradient step at a time; there is deliberately no learning framework
// behind this.
type MLP struct {
	inputSize  int
	hiddenSize int
	lr         float64

	weightsIH [][]float64 // [input][hidden]
	biasH     []float64
	weightsHO []float64 // [hidden]
	biasO     float64

	// hidden activations of the last forward pass, reused by Train.
	hidden []float64
}

// NewMLP builds an estimator with small random initial weights drawn from
// the given RNG stream, so two runs with the same seed train identically.
func NewMLP(inputSize, hiddenSize int, learningRate float64, rng *rand.Rand) *MLP {
	m := &MLP{
		inputSize:  inputSize,
		hiddenSize: hiddenSize,
		lr:         learningRate,
		weightsIH:  make([][]float64, inputSize),
		biasH:      make([]float64, hiddenSize),
		weightsHO:  make([]float64, hiddenSize),
		hidden:     make([]float64, hiddenSize),
	}
	for i := range m.weightsIH {
		m.weightsIH[i] = make([]float64, hiddenSize)
		for j := range m.weightsIH[i] {
			m.weightsIH[i][j] = rng.Float64() - 0.5
		}
	}
	for j := range m.weightsHO {
		m.weightsHO[j] = rng.Float64() - 0.5
	}
	return m
}

// InputSize returns the length of the expected input window.
func (m *MLP) InputSize() int { return m.inputSize }

func sigmoid(x float64) float64 {
	switch {
	case x < -500:
		return 0
	case x > 500:
		return 1
	}
	return 1 / (1 + math.Exp(-x))
}

// Forward computes the estimate for the given input window.
func (m *MLP) Forward(inputs []float64) float64 {
	if len(inputs) != m.inputSize {
		return 0
	}
	for j := 0; j < m.hiddenSize; j++ {
		activation := m.biasH[j]
		for i := 0; i < m.inputSize; i++ {
			activation += inputs[i] * m.weightsIH[i][j]
		}
		m.hidden[j] = sigmoid(activation)
	}
	out := m.biasO
	for j := 0; j < m.hiddenSize; j++ {
		out += m.hidden[j] * m.weightsHO[j]
	}
	return out
}

// Train applies a single gradient step toward target given the latest
// observed window. The output layer is linear, so its gradient is just the
// error; the hidden layer gets the error scaled by the sigmoid derivative.
func (m *MLP) Train(inputs []float64, target float64) {
	prediction := m.Forward(inputs)
	err := target - prediction

	for j := 0; j < m.hiddenSize; j++ {
		m.weightsHO[j] += m.lr * err * m.hidden[j]
	}
	m.biasO += m.lr * err

	for j := 0; j < m.hiddenSize; j++ {
		derivative := m.hidden[j] * (1 - m.hidden[j])
		gradient := err * m.weightsHO[j] * derivative
		for i := 0; i < m.inputSize; i++ {
			m.weightsIH[i][j] += m.lr * gradient * inputs[i]
		}
		m.biasH[j] += m.lr * gradient
	}
}
