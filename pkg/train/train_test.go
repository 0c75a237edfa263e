package train

import (
	"bytes"
	"context"
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tedtedtedtedtedted/Emotional-Learner-On-Rubik-Cube/pkg/checkpoint"
	"github.com/tedtedtedtedtedted/Emotional-Learner-On-Rubik-Cube/pkg/config"
	"github.com/tedtedtedtedtedted/Emotional-Learner-On-Rubik-Cube/pkg/data"
	"github.com/tedtedtedtedtedted/Emotional-Learner-On-Rubik-Cube/pkg/model"
)

// tinyRunConfig shrinks the puzzle profile to one action step and a very
// small model so full optimization steps stay cheap.
func tinyRunConfig(t *testing.T, extra config.Layer) config.RunConfig {
	t.Helper()
	layer := config.Layer{
		"NUM_ACTIONS_TRAIN":    "1",
		"NUM_TOKENS_ROW_TRAIN": "39",
		"BLOCK_SIZE":           "39",
		"BATCH_SIZE":           "2",
		"GRAD_ACCUM_STEPS":     "2",
		"N_LAYER":              "1",
		"N_HEAD":               "2",
		"N_EMBD":               "8",
		"DROPOUT":              "0",
		"MAX_ITERS":            "2",
		"EVAL_INTERVAL":        "1",
		"EVAL_ITERS":           "2",
		"LOG_INTERVAL":         "1",
		"WARMUP_ITERS":         "1",
		"LR_DECAY_ITERS":       "2",
		"DTYPE":                "float32",
		"COMPILE":              "false",
	}
	for k, v := range extra {
		layer[k] = v
	}
	cfg, err := config.Resolve("puzzle_structure", layer)
	require.NoError(t, err)
	return cfg
}

func newTestController(t *testing.T, cfg config.RunConfig) (*Controller, *model.GPT, *IterationState) {
	t.Helper()
	cursor, err := data.NewCursor(cfg)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(cfg.Seed()))
	gpt, err := model.New(model.Config{
		NLayer:    cfg.Model.NLayer,
		NHead:     cfg.Model.NHead,
		NEmbd:     cfg.Model.NEmbd,
		BlockSize: cfg.BlockSize,
		VocabSize: cursor.Codec().VocabSize(),
		Dropout:   cfg.Model.Dropout,
		Bias:      cfg.Model.Bias,
	}, rng)
	require.NoError(t, err)
	state := NewIterationState(gpt.NumParams())
	return NewController(cfg, gpt, cursor, state), gpt, state
}

func TestRunStepUpdatesWeights(t *testing.T) {
	cfg := tinyRunConfig(t, nil)
	ctrl, gpt, state := newTestController(t, cfg)

	before := gpt.ExportState()
	res, err := ctrl.RunStep(1e-3)
	require.NoError(t, err)

	assert.Greater(t, res.Loss, 0.0)
	assert.False(t, math.IsNaN(res.Loss))
	assert.Greater(t, res.GradNorm, 0.0)
	assert.Equal(t, 1e-3, res.LR)
	assert.Equal(t, 1.0, res.LossScale, "float32 runs at unit scale")
	assert.Equal(t, 0, res.Retries)

	assert.NotEqual(t, before, gpt.ExportState(), "the step must move the weights")

	for i, p := range gpt.Parameters() {
		require.Zero(t, p.Val.Grad, "gradient %d left unzeroed", i)
	}

	moved := false
	for i := range state.M {
		if state.M[i] != 0 {
			moved = true
			break
		}
	}
	assert.True(t, moved, "optimizer moments must update")
}

func TestRunStepDeterministic(t *testing.T) {
	cfg := tinyRunConfig(t, nil)

	a, gptA, _ := newTestController(t, cfg)
	b, gptB, _ := newTestController(t, cfg)

	resA, err := a.RunStep(1e-3)
	require.NoError(t, err)
	resB, err := b.RunStep(1e-3)
	require.NoError(t, err)

	assert.Equal(t, resA.Loss, resB.Loss)
	assert.Equal(t, resA.GradNorm, resB.GradNorm)
	assert.Equal(t, gptA.ExportState(), gptB.ExportState())
}

func TestGradClipDoesNotChangeReportedNorm(t *testing.T) {
	// The logged norm is pre-clip; a tight clip threshold must not alter it.
	loose, _, _ := newTestController(t, tinyRunConfig(t, config.Layer{"GRAD_CLIP": "0"}))
	tight, _, _ := newTestController(t, tinyRunConfig(t, config.Layer{"GRAD_CLIP": "0.0001"}))

	resLoose, err := loose.RunStep(1e-3)
	require.NoError(t, err)
	resTight, err := tight.RunStep(1e-3)
	require.NoError(t, err)

	assert.Equal(t, resLoose.GradNorm, resTight.GradNorm)
}

func TestGradClipZeroSkipsClipping(t *testing.T) {
	// grad_clip=0 is an explicit opt-out, not a zero threshold: one step must
	// land on exactly the same weights as a threshold too large to bind.
	off, gptOff, _ := newTestController(t, tinyRunConfig(t, config.Layer{"GRAD_CLIP": "0"}))
	unbounded, gptUnbounded, _ := newTestController(t, tinyRunConfig(t, config.Layer{"GRAD_CLIP": "1e18"}))

	_, err := off.RunStep(1e-3)
	require.NoError(t, err)
	_, err = unbounded.RunStep(1e-3)
	require.NoError(t, err)

	assert.Equal(t, gptUnbounded.ExportState(), gptOff.ExportState())
}

func TestWeightDecayOnlyHitsMatrices(t *testing.T) {
	cfg := tinyRunConfig(t, config.Layer{"BIAS": "true", "WEIGHT_DECAY": "0.5"})
	ctrl, gpt, _ := newTestController(t, cfg)

	// Bias vectors start at zero; without decay the only force on them is
	// their gradient, so after one step they move but stay small.
	_, err := ctrl.RunStep(1e-3)
	require.NoError(t, err)
	for _, p := range gpt.Parameters() {
		if !p.Decay {
			assert.Less(t, math.Abs(p.Val.Data), 1e-2, "bias %s", p.Name)
		}
	}
}

func TestEstimateLoss(t *testing.T) {
	cfg := tinyRunConfig(t, nil)
	_, gpt, _ := newTestController(t, cfg)

	loss, err := EstimateLoss(context.Background(), cfg, gpt, mustCursor(t, cfg), data.Val)
	require.NoError(t, err)
	assert.Greater(t, loss, 0.0)
	assert.False(t, math.IsNaN(loss))
}

func TestEstimateLossCancelled(t *testing.T) {
	cfg := tinyRunConfig(t, nil)
	_, gpt, _ := newTestController(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := EstimateLoss(ctx, cfg, gpt, mustCursor(t, cfg), data.Val)
	assert.Error(t, err)
}

func mustCursor(t *testing.T, cfg config.RunConfig) *data.Cursor {
	t.Helper()
	c, err := data.NewCursor(cfg)
	require.NoError(t, err)
	return c
}

func TestRunnerEndToEnd(t *testing.T) {
	cfg := tinyRunConfig(t, config.Layer{"RUN_NAME": "e2e"})
	cfg.OutputRoot = t.TempDir()

	var out bytes.Buffer
	runner := &Runner{Cfg: cfg, Out: &out}
	res, err := runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, cfg.Schedule.MaxIters, res.Steps)
	assert.Greater(t, res.FinalLoss, 0.0)
	assert.False(t, math.IsInf(res.BestValLoss, 1))
	assert.NotEmpty(t, res.RunDir)

	store := checkpoint.NewStore(res.RunDir)
	require.True(t, store.Exists(), "the first eval tick always saves")
	rec, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "puzzle_structure", rec.RunConfig.DatasetID)
	assert.NotEmpty(t, rec.Vocab)
	assert.NotEmpty(t, rec.ModelState)

	latest, err := checkpoint.LoadPath(filepath.Join(cfg.OutputRoot, checkpoint.LatestFileName))
	require.NoError(t, err, "every save refreshes the root-level copy")
	assert.Equal(t, rec.Step, latest.Step)

	logs := out.String()
	assert.Contains(t, logs, "[system] dataset=puzzle_structure")
	assert.Contains(t, logs, "[step] ")
	assert.Contains(t, logs, "[eval] step=0 ")
	assert.Contains(t, logs, "[ckpt] saved: ")
	assert.Contains(t, logs, "[system] done: 2 steps")
}

func TestRunnerResume(t *testing.T) {
	cfg := tinyRunConfig(t, config.Layer{"RUN_NAME": "resume"})
	cfg.OutputRoot = t.TempDir()

	var out bytes.Buffer
	first := &Runner{Cfg: cfg, Out: &out}
	res, err := first.Run(context.Background())
	require.NoError(t, err)

	// Extend the run by one iteration and resume from the saved record.
	cfgMore := cfg
	cfgMore.Schedule.MaxIters = cfg.Schedule.MaxIters + 1
	out.Reset()
	second := &Runner{
		Cfg:        cfgMore,
		Out:        &out,
		ResumePath: filepath.Join(res.RunDir, checkpoint.FileName),
	}
	res2, err := second.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cfgMore.Schedule.MaxIters, res2.Steps)
	assert.Contains(t, out.String(), "[system] resumed from ")
}

func TestRunnerResumeRejectsTruncatedMoments(t *testing.T) {
	cfg := tinyRunConfig(t, nil)
	cfg.OutputRoot = t.TempDir()

	var out bytes.Buffer
	first := &Runner{Cfg: cfg, Out: &out}
	res, err := first.Run(context.Background())
	require.NoError(t, err)

	rec, err := checkpoint.LoadPath(filepath.Join(res.RunDir, checkpoint.FileName))
	require.NoError(t, err)
	rec.OptimState.M = rec.OptimState.M[:len(rec.OptimState.M)/2]

	doctored := checkpoint.NewStore(t.TempDir())
	require.NoError(t, doctored.Save(rec))

	second := &Runner{Cfg: cfg, Out: &bytes.Buffer{}, ResumePath: doctored.Path()}
	_, err = second.Run(context.Background())
	var ioErr *checkpoint.IOError
	require.ErrorAs(t, err, &ioErr)
	assert.Contains(t, ioErr.Error(), "optimizer moments")
}

func TestRunnerEvalOnlyNoCheckpoint(t *testing.T) {
	cfg := tinyRunConfig(t, config.Layer{"EVAL_ONLY": "true"})
	cfg.OutputRoot = t.TempDir()

	runner := &Runner{Cfg: cfg, Out: &bytes.Buffer{}}
	_, err := runner.Run(context.Background())
	assert.ErrorIs(t, err, ErrEvalOnlyNoCheckpoint)
}

func TestRunnerEvalOnlyFromCheckpoint(t *testing.T) {
	cfg := tinyRunConfig(t, nil)
	cfg.OutputRoot = t.TempDir()

	var out bytes.Buffer
	trainRun := &Runner{Cfg: cfg, Out: &out}
	_, err := trainRun.Run(context.Background())
	require.NoError(t, err)

	evalCfg := cfg
	evalCfg.Schedule.EvalOnly = true
	out.Reset()
	evalRun := &Runner{Cfg: evalCfg, Out: &out}
	res2, err := evalRun.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, res2.Steps, "eval-only performs no optimization steps")
	assert.Greater(t, res2.FinalLoss, 0.0)
	assert.Contains(t, out.String(), "[system] eval-only: loaded ")
}

func TestNumericalInstabilityErrorMessage(t *testing.T) {
	err := &NumericalInstabilityError{Step: 7, LossScale: 2, Detail: "non-finite micro-batch loss"}
	assert.Contains(t, err.Error(), "step 7")
	assert.Contains(t, err.Error(), "non-finite micro-batch loss")
}
