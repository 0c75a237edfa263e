// Package precision models the numeric dtype a training run is declared to
// use. The trainer computes in float64, so a dtype here is a rounding mode:
// values that would live in float16 or bfloat16 storage are passed through
// the corresponding 16-bit representation and back, which reproduces the
// dynamic-range behavior (underflow to zero, overflow to Inf) that the
// loss-scaling machinery has to react to.
package precision

import (
	"fmt"
	"math"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

type DType string

const (
	Float32  DType = "float32"
	BFloat16 DType = "bfloat16"
	Float16  DType = "float16"
)

// MaxFloat16 is the largest finite value representable in IEEE binary16.
const MaxFloat16 = 65504.0

// Parse accepts exactly the three supported dtype names.
func Parse(s string) (DType, error) {
	switch DType(s) {
	case Float32, BFloat16, Float16:
		return DType(s), nil
	}
	return "", fmt.Errorf("unsupported dtype %q (want float32, bfloat16, or float16)", s)
}

// Round passes x through the dtype's storage representation. Float32 rounds
// through a 32-bit float; float64 inputs are only produced by the float64
// compute path, so this is where precision is actually lost.
func (d DType) Round(x float64) float64 {
	switch d {
	case Float16:
		return float64(float16.Fromfloat32(float32(x)).Float32())
	case BFloat16:
		return float64(bfloat16.ToFloat32(bfloat16.FromFloat32(float32(x))))
	default:
		return float64(float32(x))
	}
}

// NeedsLossScaling reports whether the dtype's dynamic range requires
// scaling losses before backprop. Only float16 qualifies; bfloat16 keeps
// float32's exponent range.
func (d DType) NeedsLossScaling() bool {
	return d == Float16
}

// Finite reports whether x survives the dtype's range without becoming
// Inf or NaN.
func (d DType) Finite(x float64) bool {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return false
	}
	if d == Float16 {
		return math.Abs(x) <= MaxFloat16
	}
	return !math.IsInf(float64(float32(x)), 0)
}
