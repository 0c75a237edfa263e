package model

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackwardBasicOps(t *testing.T) {
	x := V(2)
	y := V(3)
	out := Add(Mul(x, y), Pow(x, 2)) // xy + x^2
	Backward(out)

	assert.InDelta(t, 10.0, out.Data, 1e-12)
	assert.InDelta(t, 7.0, x.Grad, 1e-12) // y + 2x
	assert.InDelta(t, 2.0, y.Grad, 1e-12) // x
}

func TestBackwardAccumulatesLeafGrads(t *testing.T) {
	// Parameter grads accumulate across Backward calls until the optimizer
	// zeroes them; that is what makes micro-batch accumulation work.
	x := V(2)
	Backward(Mul(x, x))
	assert.InDelta(t, 4.0, x.Grad, 1e-12)

	Backward(Mul(x, x))
	assert.InDelta(t, 8.0, x.Grad, 1e-12)
}

func TestScaleKeepsConstantOutOfGraph(t *testing.T) {
	x := V(3)
	out := Scale(x, 0.5)
	assert.InDelta(t, 1.5, out.Data, 1e-12)
	Backward(out)
	assert.InDelta(t, 0.5, x.Grad, 1e-12)
}

func TestLogExpReLU(t *testing.T) {
	x := V(2)
	Backward(Log(x))
	assert.InDelta(t, 0.5, x.Grad, 1e-12)

	y := V(1)
	e := Exp(y)
	Backward(e)
	assert.InDelta(t, math.E, e.Data, 1e-12)
	assert.InDelta(t, math.E, y.Grad, 1e-12)

	neg := V(-1)
	r := ReLU(neg)
	Backward(r)
	assert.Equal(t, 0.0, r.Data)
	assert.Equal(t, 0.0, neg.Grad)
}

func TestDivAndNeg(t *testing.T) {
	a := V(6)
	b := V(2)
	out := Div(a, b)
	assert.InDelta(t, 3.0, out.Data, 1e-12)
	Backward(out)
	assert.InDelta(t, 0.5, a.Grad, 1e-12)
	assert.InDelta(t, -1.5, b.Grad, 1e-12)

	n := Neg(V(4))
	assert.InDelta(t, -4.0, n.Data, 1e-12)
}

func TestSoftmaxGraph(t *testing.T) {
	logits := []*Value{V(1), V(2), V(3)}
	probs := softmax(logits)
	sum := 0.0
	for _, p := range probs {
		sum += p.Data
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.Greater(t, probs[2].Data, probs[0].Data)

	// Large logits must not overflow thanks to the max shift.
	big := softmax([]*Value{V(1000), V(1001)})
	require.False(t, math.IsNaN(big[0].Data))
	assert.InDelta(t, 1.0, big[0].Data+big[1].Data, 1e-9)
}

func TestRMSNorm(t *testing.T) {
	x := []*Value{V(3), V(4)}
	out := rmsnorm(x)
	ms := 0.0
	for _, o := range out {
		ms += o.Data * o.Data
	}
	assert.InDelta(t, 1.0, ms/float64(len(out)), 1e-4)
}
