package train

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScalerDisabled(t *testing.T) {
	s := newLossScaler(false)
	assert.Equal(t, 1.0, s.Scale())

	assert.False(t, s.noteOverflow(), "disabled scaler cannot recover an overflow")
	s.noteGoodStep()
	assert.Equal(t, 1.0, s.Scale())
}

func TestScalerHalvesOnOverflow(t *testing.T) {
	s := newLossScaler(true)
	assert.Equal(t, initLossScale, s.Scale())

	assert.True(t, s.noteOverflow())
	assert.Equal(t, initLossScale/2, s.Scale())
	assert.True(t, s.noteOverflow())
	assert.Equal(t, initLossScale/4, s.Scale())
}

func TestScalerBottomsOut(t *testing.T) {
	s := newLossScaler(true)
	for s.Scale() > minLossScale {
		assert.True(t, s.noteOverflow())
	}
	assert.Equal(t, minLossScale, s.Scale())
	assert.False(t, s.noteOverflow(), "at the floor a retry cannot help")
}

func TestScalerGrowsAfterStableStreak(t *testing.T) {
	s := newLossScaler(true)
	s.restore(1024, 0)
	assert.Equal(t, 1024.0, s.Scale())

	for i := 0; i < scaleGrowthWait-1; i++ {
		s.noteGoodStep()
	}
	assert.Equal(t, 1024.0, s.Scale(), "no growth before the streak completes")
	s.noteGoodStep()
	assert.Equal(t, 2048.0, s.Scale())
	assert.Equal(t, 0, s.goodSteps, "streak counter resets on growth")
}

func TestScalerOverflowResetsStreak(t *testing.T) {
	s := newLossScaler(true)
	s.restore(1024, scaleGrowthWait-1)
	assert.True(t, s.noteOverflow())
	assert.Equal(t, 0, s.goodSteps)
}

func TestScalerCapsAtCeiling(t *testing.T) {
	s := newLossScaler(true)
	for i := 0; i < scaleGrowthWait; i++ {
		s.noteGoodStep()
	}
	assert.Equal(t, maxLossScale, s.Scale(), "scale never grows past the ceiling")
}

func TestScalerRestore(t *testing.T) {
	s := newLossScaler(true)
	s.restore(256, 42)
	assert.Equal(t, 256.0, s.Scale())
	assert.Equal(t, 42, s.goodSteps)

	s.restore(0, 7)
	assert.Equal(t, 256.0, s.Scale(), "non-positive scale is ignored")

	d := newLossScaler(false)
	d.restore(256, 42)
	assert.Equal(t, 1.0, d.Scale(), "disabled scaler ignores restore")
}
