package train

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"path/filepath"
	"runtime"
	"time"

	"github.com/tedtedtedtedtedted/Emotional-Learner-On-Rubik-Cube/pkg/checkpoint"
	"github.com/tedtedtedtedtedted/Emotional-Learner-On-Rubik-Cube/pkg/config"
	"github.com/tedtedtedtedtedted/Emotional-Learner-On-Rubik-Cube/pkg/data"
	"github.com/tedtedtedtedtedted/Emotional-Learner-On-Rubik-Cube/pkg/model"
	"github.com/tedtedtedtedtedted/Emotional-Learner-On-Rubik-Cube/pkg/schedule"
)

// Runner owns one training run end to end: data cursor, model, step
// controller, checkpoint store, and the tagged stdout protocol the TUI
// parses. Every status line goes to Out with a [system], [step], [eval] or
// [ckpt] tag so machine readers can filter it.
type Runner struct {
	Cfg config.RunConfig
	Out io.Writer

	// ResumePath points at an existing ckpt.json. Empty means start fresh,
	// or, for eval-only, fall back to the newest run under OutputRoot.
	ResumePath string
}

// Result summarizes a finished run.
type Result struct {
	Steps       int
	FinalLoss   float64
	BestValLoss float64
	RunDir      string
}

func (r *Runner) logf(format string, args ...any) {
	fmt.Fprintf(r.Out, format+"\n", args...)
}

// Run executes the configured run to completion. Eval-only runs load a
// checkpoint, measure both splits once, and perform zero parameter updates.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	cfg := r.Cfg

	if cfg.Schedule.EvalOnly {
		return r.runEvalOnly(ctx)
	}

	cursor, err := data.NewCursor(cfg)
	if err != nil {
		return Result{}, err
	}

	var (
		gpt   *model.GPT
		state *IterationState
	)
	policy := checkpoint.NewPolicy(cfg.Schedule.AlwaysSaveCheckpoint)

	runID := checkpoint.NewRunID(cfg.RunName)
	runDir := checkpoint.RunDir(cfg.OutputRoot, runID, time.Now())

	var ctrl *Controller
	if r.ResumePath != "" {
		rec, err := checkpoint.LoadPath(r.ResumePath)
		if err != nil {
			return Result{}, err
		}
		gpt, err = r.rebuild(rec, cursor.Codec())
		if err != nil {
			return Result{}, err
		}
		if len(rec.OptimState.M) != gpt.NumParams() || len(rec.OptimState.V) != gpt.NumParams() {
			return Result{}, &checkpoint.IOError{Op: "load", Path: r.ResumePath, Err: fmt.Errorf(
				"optimizer moments cover %d/%d of %d parameters",
				len(rec.OptimState.M), len(rec.OptimState.V), gpt.NumParams())}
		}
		state = &IterationState{
			Step:        rec.Step,
			BestValLoss: rec.BestValLoss,
			M:           rec.OptimState.M,
			V:           rec.OptimState.V,
		}
		policy.Restore(rec.BestValLoss)
		ctrl = NewController(cfg, gpt, cursor, state)
		ctrl.RestoreScaler(rec.OptimState.LossScale, rec.OptimState.GoodSteps)
		r.logf("[system] resumed from %s at step %d (best_val=%.4f)", r.ResumePath, rec.Step, rec.BestValLoss)
	} else {
		mrng := rand.New(rand.NewSource(cfg.Seed()))
		gpt, err = model.New(modelConfig(cfg, cursor.Codec().VocabSize()), mrng)
		if err != nil {
			return Result{}, err
		}
		state = NewIterationState(gpt.NumParams())
		ctrl = NewController(cfg, gpt, cursor, state)
	}

	store := checkpoint.NewStoreWithLatest(runDir, cfg.OutputRoot)

	r.logf("[system] dataset=%s vocab=%d params=%d", cfg.DatasetID, cursor.Codec().VocabSize(), gpt.NumParams())
	r.logf("[system] effective batch size = %d (batch=%d x accum=%d x world=%d)",
		cfg.EffectiveBatchSize(), cfg.BatchSize, cfg.GradAccumSteps, config.WorldSize)
	r.logf("[system] run dir: %s", runDir)
	if cfg.Compile {
		// Graph compilation is accepted for config compatibility but the
		// interpreter has a single execution mode.
		r.logf("[system] compile requested; running in the default mode")
	}

	start := time.Now()
	lastLoss := 0.0

	for step := state.Step; ; step++ {
		state.Step = step
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		if schedule.IsEvalTick(cfg.Schedule, step) {
			if err := r.evalAndMaybeSave(ctx, gpt, cursor, ctrl, state, policy, store); err != nil {
				return Result{}, err
			}
		}
		if step >= cfg.Schedule.MaxIters {
			break
		}

		lr := schedule.LR(cfg.Optim, step)
		res, err := ctrl.RunStep(lr)
		if err != nil {
			return Result{}, err
		}
		lastLoss = res.Loss

		if schedule.IsLogTick(cfg.Schedule, step) {
			r.logStep(step, res, start)
		}
	}

	best, _ := policy.Best()
	r.logf("[system] done: %d steps in %s", cfg.Schedule.MaxIters, time.Since(start).Round(time.Second))
	return Result{
		Steps:       cfg.Schedule.MaxIters,
		FinalLoss:   lastLoss,
		BestValLoss: best,
		RunDir:      runDir,
	}, nil
}

func (r *Runner) evalAndMaybeSave(ctx context.Context, gpt *model.GPT, cursor *data.Cursor, ctrl *Controller, state *IterationState, policy *checkpoint.Policy, store *checkpoint.Store) error {
	trainLoss, err := EstimateLoss(ctx, r.Cfg, gpt, cursor, data.Train)
	if err != nil {
		return err
	}
	valLoss, err := EstimateLoss(ctx, r.Cfg, gpt, cursor, data.Val)
	if err != nil {
		return err
	}
	dec := policy.Observe(valLoss)
	r.logf("[eval] step=%d train_loss=%.4f val_loss=%.4f best_val=%.4f improved=%t saved=%t",
		state.Step, trainLoss, valLoss, dec.Best, dec.Improved, dec.Save)
	if !dec.Save {
		return nil
	}
	state.BestValLoss = dec.Best
	rec := checkpoint.Record{
		RunConfig:   r.Cfg,
		Vocab:       cursor.Codec().Vocab(),
		ModelState:  gpt.ExportState(),
		OptimState: checkpoint.OptimState{
			M:         state.M,
			V:         state.V,
			LossScale: ctrl.LossScale(),
			GoodSteps: ctrl.GoodSteps(),
		},
		Step:        state.Step,
		BestValLoss: dec.Best,
	}
	if err := store.Save(rec); err != nil {
		// Keep training; the in-memory best survives for the next tick.
		r.logf("[ckpt] save failed: %v", err)
		return nil
	}
	r.logf("[ckpt] saved: %s", store.Path())
	return nil
}

// runEvalOnly loads the requested or newest checkpoint, reports one
// evaluation of each split, and re-saves only when the policy asks for it.
func (r *Runner) runEvalOnly(ctx context.Context) (Result, error) {
	cfg := r.Cfg

	path := r.ResumePath
	if path == "" {
		info, ok := checkpoint.LatestRun(cfg.OutputRoot)
		if !ok {
			return Result{}, ErrEvalOnlyNoCheckpoint
		}
		path = filepath.Join(info.Path, checkpoint.FileName)
	}
	rec, err := checkpoint.LoadPath(path)
	if err != nil {
		return Result{}, err
	}

	// Geometry and data come from the stored config; only cadence knobs on
	// the live config apply to an eval pass.
	dataCfg := rec.RunConfig
	dataCfg.Schedule = cfg.Schedule
	cursor, err := data.NewCursor(dataCfg)
	if err != nil {
		return Result{}, err
	}
	gpt, err := r.rebuild(rec, cursor.Codec())
	if err != nil {
		return Result{}, err
	}

	r.logf("[system] eval-only: loaded %s (step %d, best_val=%.4f)", path, rec.Step, rec.BestValLoss)

	trainLoss, err := EstimateLoss(ctx, dataCfg, gpt, cursor, data.Train)
	if err != nil {
		return Result{}, err
	}
	valLoss, err := EstimateLoss(ctx, dataCfg, gpt, cursor, data.Val)
	if err != nil {
		return Result{}, err
	}

	policy := checkpoint.NewPolicy(cfg.Schedule.AlwaysSaveCheckpoint)
	policy.Restore(rec.BestValLoss)
	dec := policy.Observe(valLoss)
	r.logf("[eval] step=%d train_loss=%.4f val_loss=%.4f best_val=%.4f improved=%t saved=%t",
		rec.Step, trainLoss, valLoss, dec.Best, dec.Improved, dec.Save)
	if dec.Save {
		rec.BestValLoss = dec.Best
		store := checkpoint.NewStoreWithLatest(checkpoint.RunDir(cfg.OutputRoot, checkpoint.NewRunID(cfg.RunName), time.Now()), cfg.OutputRoot)
		if err := store.Save(rec); err != nil {
			r.logf("[ckpt] save failed: %v", err)
		} else {
			r.logf("[ckpt] saved: %s", store.Path())
		}
	}

	return Result{Steps: 0, FinalLoss: valLoss, BestValLoss: dec.Best}, nil
}

// rebuild reconstructs the model from a checkpoint record and checks the
// stored vocabulary against the live dataset's.
func (r *Runner) rebuild(rec checkpoint.Record, codec *data.Codec) (*model.GPT, error) {
	stored, err := data.CodecFromVocab(rec.Vocab)
	if err != nil {
		return nil, err
	}
	if stored.VocabSize() != codec.VocabSize() {
		return nil, fmt.Errorf("train: checkpoint vocab size %d does not match dataset vocab size %d",
			stored.VocabSize(), codec.VocabSize())
	}
	return model.FromState(modelConfig(rec.RunConfig, codec.VocabSize()), rec.ModelState)
}

func modelConfig(cfg config.RunConfig, vocabSize int) model.Config {
	return model.Config{
		NLayer:    cfg.Model.NLayer,
		NHead:     cfg.Model.NHead,
		NEmbd:     cfg.Model.NEmbd,
		BlockSize: cfg.BlockSize,
		VocabSize: vocabSize,
		Dropout:   cfg.Model.Dropout,
		Bias:      cfg.Model.Bias,
	}
}

func (r *Runner) logStep(step int, res StepResult, start time.Time) {
	elapsed := time.Since(start)
	stepsPerSec := 0.0
	if elapsed > 0 && step > 0 {
		stepsPerSec = float64(step) / elapsed.Seconds()
	}
	eta := time.Duration(0)
	if stepsPerSec > 0 {
		remaining := r.Cfg.Schedule.MaxIters - step
		eta = time.Duration(float64(remaining)/stepsPerSec) * time.Second
	}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	r.logf("[step] %d/%d loss=%.4f lr=%.2e grad_norm=%.3f eff_batch=%d loss_scale=%.0f steps_per_sec=%.2f elapsed=%s eta=%s heap_alloc_mb=%.1f gc=%d goroutines=%d",
		step, r.Cfg.Schedule.MaxIters, res.Loss, res.LR, res.GradNorm,
		r.Cfg.EffectiveBatchSize(), res.LossScale, stepsPerSec,
		elapsed.Round(time.Second), eta.Round(time.Second),
		float64(mem.HeapAlloc)/(1<<20), mem.NumGC, runtime.NumGoroutine())
}
