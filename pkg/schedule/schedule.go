// Package schedule computes the learning rate and logging/eval cadence for a
// training run. Everything here is a pure function of the iteration counter,
// which is what lets cooperating workers agree on the schedule without any
// coordination beyond sharing the step value.
package schedule

import (
	"math"

	"github.com/tedtedtedtedtedted/Emotional-Learner-On-Rubik-Cube/pkg/config"
)

// Phase identifies which regime of the LR schedule an iteration falls in.
type Phase int

const (
	// PhaseConstant means DECAY_LR is off and the schedule is bypassed.
	PhaseConstant Phase = iota
	PhaseWarmup
	PhaseDecay
	PhaseFloor
)

func (p Phase) String() string {
	switch p {
	case PhaseWarmup:
		return "warmup"
	case PhaseDecay:
		return "decay"
	case PhaseFloor:
		return "floor"
	default:
		return "constant"
	}
}

// PhaseAt returns the schedule phase for iteration t.
func PhaseAt(o config.Optim, t int) Phase {
	switch {
	case !o.DecayLR:
		return PhaseConstant
	case t < o.WarmupIters:
		return PhaseWarmup
	case t > o.LRDecayIters || o.LRDecayIters == o.WarmupIters:
		// A zero-length decay window goes straight from warmup to floor.
		return PhaseFloor
	default:
		return PhaseDecay
	}
}

// LR returns the learning rate for iteration t.
//
// Warmup ramps linearly as lr*(t+1)/(warmup+1), so the first iteration never
// trains at rate zero. The decay window follows a cosine from the peak rate
// down to MinLR, and everything past LRDecayIters sits on the MinLR floor.
func LR(o config.Optim, t int) float64 {
	switch PhaseAt(o, t) {
	case PhaseConstant:
		return o.LearningRate
	case PhaseWarmup:
		return o.LearningRate * float64(t+1) / float64(o.WarmupIters+1)
	case PhaseFloor:
		return o.MinLR
	}
	ratio := float64(t-o.WarmupIters) / float64(o.LRDecayIters-o.WarmupIters)
	coeff := 0.5 * (1.0 + math.Cos(math.Pi*ratio))
	return o.MinLR + coeff*(o.LearningRate-o.MinLR)
}

// IsEvalTick reports whether step is an evaluation/checkpoint iteration.
// Step 0 is a tick: the first evaluation establishes best_val_loss.
func IsEvalTick(s config.Schedule, step int) bool {
	return step%s.EvalInterval == 0
}

// IsLogTick reports whether step emits a progress line.
func IsLogTick(s config.Schedule, step int) bool {
	return step%s.LogInterval == 0
}
