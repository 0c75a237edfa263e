package model

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSoftmaxFloat(t *testing.T) {
	out := SoftmaxFloat([]float64{1, 2, 3})
	sum := 0.0
	for _, p := range out {
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.Greater(t, out[2], out[1])
	assert.Greater(t, out[1], out[0])

	// Stable under large logits.
	big := SoftmaxFloat([]float64{1e4, 1e4 + 1})
	assert.InDelta(t, 1.0, big[0]+big[1], 1e-9)
}

func TestApplyTopK(t *testing.T) {
	w := []float64{0.1, 0.5, 0.2, 0.2}
	out := ApplyTopK(w, 2)

	kept := 0
	for _, v := range out {
		if v > 0 {
			kept++
		}
	}
	assert.Equal(t, 2, kept)
	assert.Equal(t, 0.5, out[1])
	assert.Equal(t, 0.0, out[0], "smallest weight zeroed")

	// k >= len is a no-op.
	assert.Equal(t, w, ApplyTopK(w, 10))
}

func TestSampleWeighted(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	// A one-hot distribution always returns its index.
	for i := 0; i < 50; i++ {
		assert.Equal(t, 2, SampleWeighted([]float64{0, 0, 1, 0}, rng))
	}

	// A heavily skewed distribution picks the heavy index most of the time.
	counts := map[int]int{}
	for i := 0; i < 1000; i++ {
		counts[SampleWeighted([]float64{0.01, 0.98, 0.01}, rng)]++
	}
	assert.Greater(t, counts[1], 900)
}
