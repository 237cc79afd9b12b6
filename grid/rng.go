package grid

import (
	"hash/fnv"
	"math/rand"
)

// PartitionedRNG provides isolated RNG streams per subsystem so that adding
// a consumer of randomness in one component never shifts the draws seen by
// another. Given the same master seed, every subsystem stream replays
// identically — the determinism contract the comparison tests rely on.
type PartitionedRNG struct {
	masterSeed int64
	subsystems map[string]*rand.Rand
}

// NewPartitionedRNG creates a partitioned RNG with the given master seed.
func NewPartitionedRNG(masterSeed int64) *PartitionedRNG {
	return &PartitionedRNG{
		masterSeed: masterSeed,
		subsystems: make(map[string]*rand.Rand),
	}
}

// ForSubsystem returns the RNG stream for the given subsystem name,
// creating it lazily. The stream's seed is derived from the master seed and
// the name, so creation order does not matter.
func (p *PartitionedRNG) ForSubsystem(name string) *rand.Rand {
	if rng, ok := p.subsystems[name]; ok {
		return rng
	}
	rng := rand.New(rand.NewSource(p.deriveSeed(name)))
	p.subsystems[name] = rng
	return rng
}

// deriveSeed hashes the subsystem name and XORs it with the master seed,
// keeping derivation order-independent.
func (p *PartitionedRNG) deriveSeed(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return p.masterSeed ^ int64(h.Sum64())
}

// Subsystem name constants.
const (
	SubsystemDemand    = "demand"
	SubsystemPredictor = "predictor"
)
