package schedule

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tedtedtedtedtedted/Emotional-Learner-On-Rubik-Cube/pkg/config"
)

func testOptim() config.Optim {
	return config.Optim{
		LearningRate: 1e-3,
		MinLR:        1e-4,
		DecayLR:      true,
		WarmupIters:  100,
		LRDecayIters: 5000,
	}
}

func TestWarmupNeverZero(t *testing.T) {
	o := testOptim()
	lr := LR(o, 0)
	assert.Greater(t, lr, 0.0, "first iteration must train at a nonzero rate")
	assert.InDelta(t, o.LearningRate*1.0/101.0, lr, 1e-12)
}

func TestWarmupRampIsMonotonic(t *testing.T) {
	o := testOptim()
	prev := 0.0
	for t1 := 0; t1 < o.WarmupIters; t1++ {
		lr := LR(o, t1)
		require.Greater(t, lr, prev, "warmup step %d", t1)
		prev = lr
	}
}

func TestDecayBoundaries(t *testing.T) {
	o := testOptim()

	// Decay starts from the peak rate exactly at the warmup boundary.
	assert.InDelta(t, o.LearningRate, LR(o, o.WarmupIters), 1e-12)

	// The cosine reaches the floor at the end of the window.
	assert.InDelta(t, o.MinLR, LR(o, o.LRDecayIters), 1e-12)

	// Everything past the window sits on the floor.
	assert.Equal(t, o.MinLR, LR(o, o.LRDecayIters+1))
	assert.Equal(t, o.MinLR, LR(o, o.LRDecayIters*10))
}

func TestDecayMidpoint(t *testing.T) {
	o := testOptim()
	mid := (o.WarmupIters + o.LRDecayIters) / 2
	want := o.MinLR + 0.5*(o.LearningRate-o.MinLR)
	assert.InDelta(t, want, LR(o, mid), 1e-9)
}

func TestDecayIsMonotonicNonIncreasing(t *testing.T) {
	o := testOptim()
	prev := math.Inf(1)
	for step := o.WarmupIters; step <= o.LRDecayIters; step += 50 {
		lr := LR(o, step)
		require.LessOrEqual(t, lr, prev, "decay step %d", step)
		prev = lr
	}
}

func TestDecayDisabled(t *testing.T) {
	o := testOptim()
	o.DecayLR = false
	for _, step := range []int{0, 1, 99, 100, 5000, 123456} {
		assert.Equal(t, o.LearningRate, LR(o, step))
		assert.Equal(t, PhaseConstant, PhaseAt(o, step))
	}
}

func TestZeroLengthDecayWindow(t *testing.T) {
	o := testOptim()
	o.LRDecayIters = o.WarmupIters

	assert.Equal(t, PhaseWarmup, PhaseAt(o, o.WarmupIters-1))
	assert.Equal(t, PhaseFloor, PhaseAt(o, o.WarmupIters))
	assert.Equal(t, o.MinLR, LR(o, o.WarmupIters))
}

func TestZeroWarmup(t *testing.T) {
	o := testOptim()
	o.WarmupIters = 0
	assert.Equal(t, PhaseDecay, PhaseAt(o, 0))
	assert.InDelta(t, o.LearningRate, LR(o, 0), 1e-12)
}

func TestPhaseNames(t *testing.T) {
	assert.Equal(t, "constant", PhaseConstant.String())
	assert.Equal(t, "warmup", PhaseWarmup.String())
	assert.Equal(t, "decay", PhaseDecay.String())
	assert.Equal(t, "floor", PhaseFloor.String())
}

func TestEvalAndLogTicks(t *testing.T) {
	s := config.Schedule{EvalInterval: 250, LogInterval: 10}

	assert.True(t, IsEvalTick(s, 0), "step 0 establishes the first best_val")
	assert.False(t, IsEvalTick(s, 1))
	assert.False(t, IsEvalTick(s, 249))
	assert.True(t, IsEvalTick(s, 250))
	assert.True(t, IsEvalTick(s, 5000))

	assert.True(t, IsLogTick(s, 0))
	assert.False(t, IsLogTick(s, 9))
	assert.True(t, IsLogTick(s, 10))
}
