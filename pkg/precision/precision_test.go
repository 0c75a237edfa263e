package precision

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	for _, name := range []string{"float32", "bfloat16", "float16"} {
		d, err := Parse(name)
		require.NoError(t, err)
		assert.Equal(t, DType(name), d)
	}
	_, err := Parse("float64")
	assert.Error(t, err)
	_, err = Parse("")
	assert.Error(t, err)
}

func TestRoundExactValues(t *testing.T) {
	// Small powers of two are exact in every supported format.
	for _, d := range []DType{Float32, BFloat16, Float16} {
		assert.Equal(t, 1.0, d.Round(1.0), string(d))
		assert.Equal(t, 0.5, d.Round(0.5), string(d))
		assert.Equal(t, -2.0, d.Round(-2.0), string(d))
		assert.Equal(t, 0.0, d.Round(0.0), string(d))
	}
}

func TestRoundPrecisionLoss(t *testing.T) {
	// 1 + 2^-20 is representable in float32 but collapses to 1 in the
	// 16-bit formats, whose mantissas are far shorter.
	x := 1.0 + math.Pow(2, -20)
	assert.NotEqual(t, 1.0, Float32.Round(x))
	assert.Equal(t, 1.0, Float16.Round(x))
	assert.Equal(t, 1.0, BFloat16.Round(x))
}

func TestFloat16Overflow(t *testing.T) {
	assert.Equal(t, MaxFloat16, Float16.Round(65504))
	assert.True(t, math.IsInf(Float16.Round(1e6), 1))

	// bfloat16 keeps float32's exponent range, so the same value survives.
	assert.False(t, math.IsInf(BFloat16.Round(1e6), 0))
}

func TestFloat16Underflow(t *testing.T) {
	// Below float16's subnormal floor the value flushes to zero. This is
	// the failure mode loss scaling exists to prevent.
	assert.Equal(t, 0.0, Float16.Round(1e-9))
	assert.NotEqual(t, 0.0, Float32.Round(1e-9))
}

func TestNeedsLossScaling(t *testing.T) {
	assert.True(t, Float16.NeedsLossScaling())
	assert.False(t, BFloat16.NeedsLossScaling())
	assert.False(t, Float32.NeedsLossScaling())
}

func TestFinite(t *testing.T) {
	for _, d := range []DType{Float32, BFloat16, Float16} {
		assert.True(t, d.Finite(1.0), string(d))
		assert.False(t, d.Finite(math.NaN()), string(d))
		assert.False(t, d.Finite(math.Inf(1)), string(d))
	}

	assert.True(t, Float16.Finite(65504))
	assert.False(t, Float16.Finite(70000))

	assert.True(t, Float32.Finite(1e38))
	assert.False(t, Float32.Finite(1e39), "overflows float32")
	assert.True(t, BFloat16.Finite(70000))
}
