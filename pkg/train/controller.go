package train

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"

	"github.com/tedtedtedtedtedted/Emotional-Learner-On-Rubik-Cube/pkg/config"
	"github.com/tedtedtedtedtedted/Emotional-Learner-On-Rubik-Cube/pkg/data"
	"github.com/tedtedtedtedtedted/Emotional-Learner-On-Rubik-Cube/pkg/model"
)

const adamEps = 1e-8

// Few retries are enough: each one halves the loss scale, and a step that
// overflows at scale 1 is genuinely diverged.
const maxOverflowRetries = 8

// IterationState is the mutable per-process training state, threaded
// explicitly through the loop so checkpoint/restore is a plain copy instead
// of scattered globals.
type IterationState struct {
	Step        int
	BestValLoss float64
	M           []float64
	V           []float64
}

// NewIterationState allocates optimizer moments for nParams parameters.
func NewIterationState(nParams int) *IterationState {
	return &IterationState{
		BestValLoss: math.Inf(1),
		M:           make([]float64, nParams),
		V:           make([]float64, nParams),
	}
}

// Controller executes one optimization step: GradAccumSteps micro-batches
// accumulated at 1/N weight, optional global-norm clipping, then one AdamW
// update at the learning rate the scheduler supplies.
type Controller struct {
	cfg    config.RunConfig
	gpt    *model.GPT
	params []model.Parameter
	cursor *data.Cursor
	state  *IterationState
	scaler *lossScaler

	// dropRNG drives dropout masks only, so data sampling and weight init
	// streams stay unperturbed by how many masks a step draws.
	dropRNG *rand.Rand

	grads []float64 // scratch, len(params)
}

// NewController wires the step controller. The parameter slice order is the
// moment-buffer order and must match any restored IterationState.
func NewController(cfg config.RunConfig, gpt *model.GPT, cursor *data.Cursor, state *IterationState) *Controller {
	return &Controller{
		cfg:     cfg,
		gpt:     gpt,
		params:  gpt.Parameters(),
		cursor:  cursor,
		state:   state,
		scaler:  newLossScaler(cfg.DType.NeedsLossScaling()),
		dropRNG: rand.New(rand.NewSource(cfg.Seed() + 3)),
		grads:   make([]float64, gpt.NumParams()),
	}
}

// Scaler state accessors for checkpointing.
func (c *Controller) LossScale() float64 { return c.scaler.scale }
func (c *Controller) GoodSteps() int     { return c.scaler.goodSteps }
func (c *Controller) RestoreScaler(scale float64, goodSteps int) {
	c.scaler.restore(scale, goodSteps)
}

// StepResult reports one optimization step for logging.
type StepResult struct {
	Loss      float64 // mean micro-batch loss, unscaled
	GradNorm  float64 // pre-clip global gradient norm
	LR        float64
	LossScale float64
	Retries   int
}

// RunStep consumes GradAccumSteps micro-batches and performs one parameter
// update. On float16 overflow it discards the window, halves the loss
// scale, and retries with fresh batches, matching GradScaler's skip-step
// behavior; other dtypes fail immediately with NumericalInstabilityError.
func (c *Controller) RunStep(lr float64) (StepResult, error) {
	var lastDetail string
	for retry := 0; retry <= maxOverflowRetries; retry++ {
		res, detail, err := c.tryStep(lr)
		if err != nil {
			return StepResult{}, err
		}
		if detail == "" {
			res.Retries = retry
			return res, nil
		}
		lastDetail = detail
		c.zeroGrads()
		if !c.scaler.noteOverflow() {
			return StepResult{}, &NumericalInstabilityError{
				Step:      c.state.Step,
				LossScale: c.scaler.Scale(),
				Detail:    detail,
			}
		}
	}
	return StepResult{}, &NumericalInstabilityError{
		Step:      c.state.Step,
		LossScale: c.scaler.Scale(),
		Detail:    "retries exhausted: " + lastDetail,
	}
}

// tryStep runs one accumulation window. A non-empty detail string means the
// window overflowed and the caller decides whether to retry.
func (c *Controller) tryStep(lr float64) (StepResult, string, error) {
	accum := c.cfg.GradAccumSteps
	scale := c.scaler.Scale()

	lossSum := 0.0
	for micro := 0; micro < accum; micro++ {
		b, err := c.cursor.FetchMicroBatch(data.Train)
		if err != nil {
			return StepResult{}, "", err
		}
		batchLoss := model.V(0)
		for i := range b.Inputs {
			l, err := c.gpt.SequenceLoss(b.Inputs[i], b.Targets[i], c.dropRNG)
			if err != nil {
				return StepResult{}, "", err
			}
			batchLoss = model.Add(batchLoss, l)
		}
		batchLoss = model.Scale(batchLoss, 1/float64(len(b.Inputs)))

		microLoss := c.cfg.DType.Round(batchLoss.Data)
		if !c.cfg.DType.Finite(microLoss) {
			return StepResult{}, "non-finite micro-batch loss", nil
		}
		lossSum += microLoss

		// 1/accum weighting makes the accumulated gradient equal a true
		// large-batch gradient; the loss scale rides along and is divided
		// back out below.
		model.Backward(model.Scale(batchLoss, scale/float64(accum)))
	}

	invScale := 1 / scale
	for i, p := range c.params {
		g := c.cfg.DType.Round(p.Val.Grad * invScale)
		if math.IsNaN(g) || math.IsInf(g, 0) {
			return StepResult{}, "non-finite gradient after unscale", nil
		}
		c.grads[i] = g
	}

	gradNorm := floats.Norm(c.grads, 2)
	if c.cfg.Optim.GradClip > 0 && gradNorm > c.cfg.Optim.GradClip {
		floats.Scale(c.cfg.Optim.GradClip/gradNorm, c.grads)
	}

	c.applyAdamW(lr)
	c.zeroGrads()
	c.scaler.noteGoodStep()

	return StepResult{
		Loss:      lossSum / float64(accum),
		GradNorm:  gradNorm,
		LR:        lr,
		LossScale: scale,
	}, "", nil
}

// applyAdamW updates parameters in place. Weight decay is decoupled and
// applied only to parameters classified Decay by the model (matrix weights;
// bias vectors are exempt).
func (c *Controller) applyAdamW(lr float64) {
	o := c.cfg.Optim
	t := float64(c.state.Step + 1)
	bc1 := 1 - math.Pow(o.Beta1, t)
	bc2 := 1 - math.Pow(o.Beta2, t)
	for i, p := range c.params {
		g := c.grads[i]
		c.state.M[i] = o.Beta1*c.state.M[i] + (1-o.Beta1)*g
		c.state.V[i] = o.Beta2*c.state.V[i] + (1-o.Beta2)*g*g
		mHat := c.state.M[i] / bc1
		vHat := c.state.V[i] / bc2
		update := mHat / (math.Sqrt(vHat) + adamEps)
		if p.Decay && o.WeightDecay > 0 {
			update += o.WeightDecay * p.Val.Data
		}
		p.Val.Data -= lr * update
	}
}

func (c *Controller) zeroGrads() {
	for _, p := range c.params {
		p.Val.Grad = 0
	}
}
