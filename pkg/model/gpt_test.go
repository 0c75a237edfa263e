package model

import (
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tinyConfig() Config {
	return Config{
		NLayer:    1,
		NHead:     2,
		NEmbd:     8,
		BlockSize: 16,
		VocabSize: 5,
		Dropout:   0,
		Bias:      false,
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	bad := tinyConfig()
	bad.NEmbd = 9 // not divisible by NHead
	_, err := New(bad, rng)
	assert.Error(t, err)

	bad = tinyConfig()
	bad.VocabSize = 1
	_, err = New(bad, rng)
	assert.Error(t, err)
}

func TestParametersClassification(t *testing.T) {
	cfg := tinyConfig()
	cfg.Bias = true
	g, err := New(cfg, rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	params := g.Parameters()
	assert.Equal(t, g.NumParams(), len(params))

	matrices, biases := 0, 0
	for _, p := range params {
		if strings.HasSuffix(p.Name, ".bias") {
			biases++
			assert.False(t, p.Decay, "bias %s must be exempt from weight decay", p.Name)
		} else {
			matrices++
			assert.True(t, p.Decay, "matrix weight %s must decay", p.Name)
		}
	}
	assert.Greater(t, matrices, 0)
	assert.Greater(t, biases, 0)
}

func TestParametersOrderIsStable(t *testing.T) {
	g, err := New(tinyConfig(), rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	a := g.Parameters()
	b := g.Parameters()
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Same(t, a[i].Val, b[i].Val, "index %d", i)
	}
}

func TestSameSeedSameWeights(t *testing.T) {
	g1, err := New(tinyConfig(), rand.New(rand.NewSource(7)))
	require.NoError(t, err)
	g2, err := New(tinyConfig(), rand.New(rand.NewSource(7)))
	require.NoError(t, err)
	assert.Equal(t, g1.ExportState(), g2.ExportState())
}

func TestExportImportRoundTrip(t *testing.T) {
	cfg := tinyConfig()
	cfg.Bias = true
	g, err := New(cfg, rand.New(rand.NewSource(3)))
	require.NoError(t, err)

	exported := g.ExportState()
	rebuilt, err := FromState(cfg, exported)
	require.NoError(t, err)
	assert.Equal(t, exported, rebuilt.ExportState())

	// Same weights, same inputs, same loss.
	inputs := []int{0, 1, 2, 3}
	targets := []int{1, 2, 3, 4}
	l1, err := g.SequenceLoss(inputs, targets, nil)
	require.NoError(t, err)
	l2, err := rebuilt.SequenceLoss(inputs, targets, nil)
	require.NoError(t, err)
	assert.InDelta(t, l1.Data, l2.Data, 1e-12)
}

func TestFromStateShapeValidation(t *testing.T) {
	cfg := tinyConfig()
	g, err := New(cfg, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	src := g.ExportState()

	delete(src, "wte")
	_, err = FromState(cfg, src)
	assert.Error(t, err, "missing tensor")

	src = g.ExportState()
	src["wte"] = src["wte"][:2]
	_, err = FromState(cfg, src)
	assert.Error(t, err, "wrong shape")

	src = g.ExportState()
	src["layer0.attn_wq.bias"] = [][]float64{make([]float64, cfg.NEmbd)}
	_, err = FromState(cfg, src)
	assert.Error(t, err, "bias tensor with bias disabled")
}

func TestSequenceLossProperties(t *testing.T) {
	cfg := tinyConfig()
	g, err := New(cfg, rand.New(rand.NewSource(2)))
	require.NoError(t, err)

	inputs := []int{0, 1, 2}
	targets := []int{1, 2, 3}
	loss, err := g.SequenceLoss(inputs, targets, nil)
	require.NoError(t, err)
	assert.Greater(t, loss.Data, 0.0)
	assert.False(t, math.IsNaN(loss.Data))

	// At random init the loss sits near log(vocab).
	assert.InDelta(t, math.Log(float64(cfg.VocabSize)), loss.Data, 1.5)

	_, err = g.SequenceLoss([]int{0}, []int{0, 1}, nil)
	assert.Error(t, err, "mismatched lengths")

	_, err = g.SequenceLoss([]int{0}, []int{99}, nil)
	assert.Error(t, err, "target outside vocab")
}

func TestSequenceLossGradientsFlow(t *testing.T) {
	g, err := New(tinyConfig(), rand.New(rand.NewSource(4)))
	require.NoError(t, err)

	loss, err := g.SequenceLoss([]int{0, 1}, []int{1, 2}, nil)
	require.NoError(t, err)
	Backward(loss)

	nonZero := 0
	for _, p := range g.Parameters() {
		if p.Val.Grad != 0 {
			nonZero++
		}
	}
	assert.Greater(t, nonZero, 0, "backprop must reach the weights")
}

func TestDropoutOnlyWithRNG(t *testing.T) {
	cfg := tinyConfig()
	cfg.Dropout = 0.5
	g, err := New(cfg, rand.New(rand.NewSource(5)))
	require.NoError(t, err)

	// nil rng disables dropout, so repeated evaluation is deterministic.
	l1, err := g.SequenceLoss([]int{0, 1}, []int{1, 2}, nil)
	require.NoError(t, err)
	l2, err := g.SequenceLoss([]int{0, 1}, []int{1, 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, l1.Data, l2.Data)
}

func TestGenerate(t *testing.T) {
	cfg := tinyConfig()
	g, err := New(cfg, rand.New(rand.NewSource(6)))
	require.NoError(t, err)

	bos := cfg.VocabSize - 1
	out := g.Generate(bos, 10, 0.8, 0, rand.New(rand.NewSource(1)))
	assert.LessOrEqual(t, len(out), 10)
	for _, id := range out {
		assert.GreaterOrEqual(t, id, 0)
		assert.Less(t, id, cfg.VocabSize)
		assert.NotEqual(t, bos, id, "BOS terminates generation and is never emitted")
	}

	// Same sampling seed, same output.
	again := g.Generate(bos, 10, 0.8, 0, rand.New(rand.NewSource(1)))
	assert.Equal(t, out, again)
}
