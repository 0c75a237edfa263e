package train

// Dynamic loss scaling for float16 runs. The loss is multiplied by the
// current scale before backprop so small gradients survive float16's
// range; gradients are divided by it before the optimizer sees them. A
// non-finite result halves the scale, and a long streak of clean steps
// doubles it back toward the ceiling.
const (
	initLossScale   = 65536.0
	minLossScale    = 1.0
	maxLossScale    = 65536.0
	scaleGrowthWait = 200
)

type lossScaler struct {
	enabled   bool
	scale     float64
	goodSteps int
}

func newLossScaler(enabled bool) *lossScaler {
	s := &lossScaler{enabled: enabled, scale: 1}
	if enabled {
		s.scale = initLossScale
	}
	return s
}

func (s *lossScaler) Scale() float64 {
	return s.scale
}

// noteOverflow reacts to a non-finite loss or gradient. It reports whether
// a retry at a reduced scale is possible.
func (s *lossScaler) noteOverflow() bool {
	if !s.enabled {
		return false
	}
	s.goodSteps = 0
	if s.scale <= minLossScale {
		return false
	}
	s.scale /= 2
	return true
}

// noteGoodStep records a clean optimizer step and grows the scale after a
// stable streak.
func (s *lossScaler) noteGoodStep() {
	if !s.enabled {
		return
	}
	s.goodSteps++
	if s.goodSteps >= scaleGrowthWait && s.scale < maxLossScale {
		s.scale *= 2
		s.goodSteps = 0
	}
}

// restore reinstates scaler state from a checkpoint.
func (s *lossScaler) restore(scale float64, goodSteps int) {
	if !s.enabled || scale <= 0 {
		return
	}
	s.scale = scale
	s.goodSteps = goodSteps
}
