package midispec

import "math/rand"

// GaussianSource is the default NoiseSource, backed by math/rand with an
// explicit seed so that corruption and sampling are reproducible.
type GaussianSource struct {
	rng *rand.Rand
}

// NewGaussianSource returns a source producing a fixed stream for a fixed
// seed.
func NewGaussianSource(seed int64) *GaussianSource {
	return &GaussianSource{rng: rand.New(rand.NewSource(seed))}
}

// Normal fills dst with standard normal samples.
func (g *GaussianSource) Normal(dst []float32) {
	for i := range dst {
		dst[i] = float32(g.rng.NormFloat64())
	}
}

// Uniform fills dst with samples from [0,1).
func (g *GaussianSource) Uniform(dst []float32) {
	for i := range dst {
		dst[i] = g.rng.Float32()
	}
}
