package checkpoint

// Policy decides, at each evaluation tick, whether to persist a checkpoint.
// It is a two-state machine: before the first observation it has no best
// loss (and always saves); afterwards it saves on strict improvement, or on
// every tick when alwaysSave is set. Best-loss tracking is identical in both
// modes: only a strict improvement moves it.
type Policy struct {
	alwaysSave bool
	hasBest    bool
	best       float64
}

// Decision reports one tick's outcome. Best is the post-observation best
// validation loss, which is what a saved record carries.
type Decision struct {
	Save     bool
	Improved bool
	Best     float64
}

func NewPolicy(alwaysSave bool) *Policy {
	return &Policy{alwaysSave: alwaysSave}
}

// Restore seeds the policy from a resumed checkpoint's best loss, so a
// resumed run does not treat its first evaluation as first-ever.
func (p *Policy) Restore(best float64) {
	p.hasBest = true
	p.best = best
}

// Best returns the current best validation loss and whether one exists yet.
func (p *Policy) Best() (float64, bool) {
	return p.best, p.hasBest
}

// Observe consumes one evaluation result.
func (p *Policy) Observe(valLoss float64) Decision {
	if !p.hasBest {
		p.hasBest = true
		p.best = valLoss
		return Decision{Save: true, Improved: true, Best: p.best}
	}
	improved := valLoss < p.best
	if improved {
		p.best = valLoss
	}
	return Decision{
		Save:     p.alwaysSave || improved,
		Improved: improved,
		Best:     p.best,
	}
}
