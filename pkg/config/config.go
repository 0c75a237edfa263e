// Package config resolves a training run's configuration from layered
// key/value sources and validates it into an immutable RunConfig.
//
// Merge precedence, lowest to highest: built-in defaults, the dataset
// profile, then any caller layers (environment, CLI overrides) in the order
// given. Unknown keys are ignored; a known key with an unparsable value is a
// ConfigError naming the key.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tedtedtedtedtedted/Emotional-Learner-On-Rubik-Cube/pkg/precision"
)

// WorldSize is the number of cooperating data-parallel workers. The loop is
// single-process; the constant keeps effective-batch reporting honest if a
// multi-process host ever sets it per worker group.
const WorldSize = 1

// ConfigError is a fatal pre-run configuration failure. Field names the
// offending key.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Dims are the model hyperparameters the run controls but does not interpret.
type Dims struct {
	NLayer  int     `json:"n_layer"`
	NHead   int     `json:"n_head"`
	NEmbd   int     `json:"n_embd"`
	Dropout float64 `json:"dropout"`
	Bias    bool    `json:"bias"`
}

// Optim holds optimizer and LR-schedule hyperparameters.
type Optim struct {
	LearningRate float64 `json:"learning_rate"`
	WeightDecay  float64 `json:"weight_decay"`
	Beta1        float64 `json:"beta1"`
	Beta2        float64 `json:"beta2"`
	GradClip     float64 `json:"grad_clip"`
	DecayLR      bool    `json:"decay_lr"`
	WarmupIters  int     `json:"warmup_iters"`
	LRDecayIters int     `json:"lr_decay_iters"`
	MinLR        float64 `json:"min_lr"`
}

// Schedule holds run-length and cadence parameters.
type Schedule struct {
	MaxIters             int  `json:"max_iters"`
	EvalInterval         int  `json:"eval_interval"`
	EvalIters            int  `json:"eval_iters"`
	LogInterval          int  `json:"log_interval"`
	AlwaysSaveCheckpoint bool `json:"always_save_checkpoint"`
	EvalOnly             bool `json:"eval_only"`
}

// RowLayout describes the token geometry of one dataset record: every action
// step contributes one action token, StateTokens state tokens, one reward
// token, and one separator; a record covers the initial state plus
// num_actions steps, followed by Terminator trailing tokens.
type RowLayout struct {
	StateTokens int `json:"state_tokens"`
	Terminator  int `json:"terminator"`
}

// RowTokens returns the exact token width of a record with the given number
// of actions.
func (l RowLayout) RowTokens(numActions int) int {
	return (1+l.StateTokens+1+1)*(numActions+1) + l.Terminator
}

// SeqTokens is the usable training sequence per row: the terminator is
// stripped and the last remaining token only ever appears as a target.
func (l RowLayout) SeqTokens(numActions int) int {
	return l.RowTokens(numActions) - l.Terminator - 1
}

// RunConfig is the resolved, validated configuration for one training run.
// It is created once by Resolve and never mutated afterward; all readers
// share it without locking.
type RunConfig struct {
	SeedOffset        int             `json:"seed_offset"`
	DatasetID         string          `json:"dataset_id"`
	Layout            RowLayout       `json:"row_layout"`
	BlockSize         int             `json:"block_size"`
	NumActionsTrain   int             `json:"num_actions_train"`
	NumTokensRowTrain int             `json:"num_tokens_row_train"`
	BatchSize         int             `json:"batch_size"`
	GradAccumSteps    int             `json:"gradient_accumulation_steps"`
	Model             Dims            `json:"model"`
	Optim             Optim           `json:"optim"`
	Schedule          Schedule        `json:"schedule"`
	DeviceID          string          `json:"device_id"`
	DType             precision.DType `json:"dtype"`
	Compile           bool            `json:"compile"`
	OutputRoot        string          `json:"output_root"`
	RunName           string          `json:"run_name"`
}

// EffectiveBatchSize is the statistically meaningful batch size: micro-batch
// times accumulation steps times world size. This, not BatchSize, is what
// gets reported in logs.
func (c RunConfig) EffectiveBatchSize() int {
	return c.BatchSize * c.GradAccumSteps * WorldSize
}

// Seed is the process RNG seed, base constant plus the configured offset.
func (c RunConfig) Seed() int64 {
	return 1337 + int64(c.SeedOffset)
}

// Layer is one key/value configuration source.
type Layer map[string]string

// Resolve merges defaults, the named dataset profile, and the given layers
// in order, then validates. The dataset id itself may be overridden by a
// later layer's "DATASET" key, in which case that profile's values are
// applied before the remaining keys of the same layer.
func Resolve(datasetID string, layers ...Layer) (RunConfig, error) {
	prof, ok := profiles[datasetID]
	if !ok {
		return RunConfig{}, &ConfigError{Field: "DATASET", Reason: fmt.Sprintf("unknown dataset profile %q", datasetID)}
	}
	cfg := defaults()
	cfg.DatasetID = datasetID
	cfg.Layout = prof.layout
	if err := applyLayer(&cfg, prof.values); err != nil {
		return RunConfig{}, err
	}
	for _, l := range layers {
		if id, ok := l["DATASET"]; ok && id != cfg.DatasetID {
			p2, ok := profiles[id]
			if !ok {
				return RunConfig{}, &ConfigError{Field: "DATASET", Reason: fmt.Sprintf("unknown dataset profile %q", id)}
			}
			cfg.DatasetID = id
			cfg.Layout = p2.layout
			if err := applyLayer(&cfg, p2.values); err != nil {
				return RunConfig{}, err
			}
		}
		if err := applyLayer(&cfg, l); err != nil {
			return RunConfig{}, err
		}
	}
	if err := validate(cfg); err != nil {
		return RunConfig{}, err
	}
	return cfg, nil
}

func applyLayer(cfg *RunConfig, l Layer) error {
	for k, v := range l {
		if k == "DATASET" {
			continue
		}
		set, ok := setters[k]
		if !ok {
			continue // unknown keys are ignored by contract
		}
		if err := set(cfg, strings.TrimSpace(v)); err != nil {
			return &ConfigError{Field: k, Reason: err.Error()}
		}
	}
	return nil
}

type setter func(*RunConfig, string) error

func intSetter(dst func(*RunConfig) *int) setter {
	return func(c *RunConfig, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("not an integer: %q", v)
		}
		*dst(c) = n
		return nil
	}
}

func floatSetter(dst func(*RunConfig) *float64) setter {
	return func(c *RunConfig, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("not a number: %q", v)
		}
		*dst(c) = f
		return nil
	}
}

func boolSetter(dst func(*RunConfig) *bool) setter {
	return func(c *RunConfig, v string) error {
		b, err := strconv.ParseBool(strings.ToLower(v))
		if err != nil {
			return fmt.Errorf("not a boolean: %q", v)
		}
		*dst(c) = b
		return nil
	}
}

func stringSetter(dst func(*RunConfig) *string) setter {
	return func(c *RunConfig, v string) error {
		*dst(c) = v
		return nil
	}
}

var setters = map[string]setter{
	"SEED_OFFSET":          intSetter(func(c *RunConfig) *int { return &c.SeedOffset }),
	"BLOCK_SIZE":           intSetter(func(c *RunConfig) *int { return &c.BlockSize }),
	"NUM_ACTIONS_TRAIN":    intSetter(func(c *RunConfig) *int { return &c.NumActionsTrain }),
	"NUM_TOKENS_ROW_TRAIN": intSetter(func(c *RunConfig) *int { return &c.NumTokensRowTrain }),
	"BATCH_SIZE":           intSetter(func(c *RunConfig) *int { return &c.BatchSize }),
	"GRAD_ACCUM_STEPS":     intSetter(func(c *RunConfig) *int { return &c.GradAccumSteps }),
	"N_LAYER":              intSetter(func(c *RunConfig) *int { return &c.Model.NLayer }),
	"N_HEAD":               intSetter(func(c *RunConfig) *int { return &c.Model.NHead }),
	"N_EMBD":               intSetter(func(c *RunConfig) *int { return &c.Model.NEmbd }),
	"DROPOUT":              floatSetter(func(c *RunConfig) *float64 { return &c.Model.Dropout }),
	"BIAS":                 boolSetter(func(c *RunConfig) *bool { return &c.Model.Bias }),
	"LEARNING_RATE":        floatSetter(func(c *RunConfig) *float64 { return &c.Optim.LearningRate }),
	"WEIGHT_DECAY":         floatSetter(func(c *RunConfig) *float64 { return &c.Optim.WeightDecay }),
	"BETA1":                floatSetter(func(c *RunConfig) *float64 { return &c.Optim.Beta1 }),
	"BETA2":                floatSetter(func(c *RunConfig) *float64 { return &c.Optim.Beta2 }),
	"GRAD_CLIP":            floatSetter(func(c *RunConfig) *float64 { return &c.Optim.GradClip }),
	"DECAY_LR":             boolSetter(func(c *RunConfig) *bool { return &c.Optim.DecayLR }),
	"WARMUP_ITERS":         intSetter(func(c *RunConfig) *int { return &c.Optim.WarmupIters }),
	"LR_DECAY_ITERS":       intSetter(func(c *RunConfig) *int { return &c.Optim.LRDecayIters }),
	"MIN_LR":               floatSetter(func(c *RunConfig) *float64 { return &c.Optim.MinLR }),
	"MAX_ITERS":            intSetter(func(c *RunConfig) *int { return &c.Schedule.MaxIters }),
	"EVAL_INTERVAL":        intSetter(func(c *RunConfig) *int { return &c.Schedule.EvalInterval }),
	"EVAL_ITERS":           intSetter(func(c *RunConfig) *int { return &c.Schedule.EvalIters }),
	"LOG_INTERVAL":         intSetter(func(c *RunConfig) *int { return &c.Schedule.LogInterval }),
	"ALWAYS_SAVE_CHECKPOINT": boolSetter(func(c *RunConfig) *bool {
		return &c.Schedule.AlwaysSaveCheckpoint
	}),
	"EVAL_ONLY":   boolSetter(func(c *RunConfig) *bool { return &c.Schedule.EvalOnly }),
	"DEVICE":      stringSetter(func(c *RunConfig) *string { return &c.DeviceID }),
	"OUTPUT_ROOT": stringSetter(func(c *RunConfig) *string { return &c.OutputRoot }),
	"RUN_NAME":    stringSetter(func(c *RunConfig) *string { return &c.RunName }),
	"COMPILE":     boolSetter(func(c *RunConfig) *bool { return &c.Compile }),
	"DTYPE": func(c *RunConfig, v string) error {
		d, err := precision.Parse(v)
		if err != nil {
			return err
		}
		c.DType = d
		return nil
	},
}

// Keys lists every key the resolver understands, for env collection and the
// dashboard field editor.
func Keys() []string {
	out := make([]string, 0, len(setters)+1)
	out = append(out, "DATASET")
	for k := range setters {
		out = append(out, k)
	}
	return out
}

func validate(c RunConfig) error {
	fail := func(field, reason string, args ...any) error {
		return &ConfigError{Field: field, Reason: fmt.Sprintf(reason, args...)}
	}
	if want := c.Layout.RowTokens(c.NumActionsTrain); c.NumTokensRowTrain != want {
		return fail("NUM_TOKENS_ROW_TRAIN", "token-row mismatch: got %d, row layout of %q with %d actions requires %d",
			c.NumTokensRowTrain, c.DatasetID, c.NumActionsTrain, want)
	}
	if c.NumActionsTrain < 1 {
		return fail("NUM_ACTIONS_TRAIN", "must be >= 1, got %d", c.NumActionsTrain)
	}
	if c.BlockSize < 1 {
		return fail("BLOCK_SIZE", "must be >= 1, got %d", c.BlockSize)
	}
	if c.BatchSize < 1 {
		return fail("BATCH_SIZE", "must be >= 1, got %d", c.BatchSize)
	}
	if c.GradAccumSteps < 1 {
		return fail("GRAD_ACCUM_STEPS", "must be >= 1, got %d", c.GradAccumSteps)
	}
	if c.Model.NLayer < 1 || c.Model.NHead < 1 || c.Model.NEmbd < 1 {
		return fail("N_LAYER", "model dims must be positive: n_layer=%d n_head=%d n_embd=%d",
			c.Model.NLayer, c.Model.NHead, c.Model.NEmbd)
	}
	if c.Model.NEmbd%c.Model.NHead != 0 {
		return fail("N_EMBD", "must be divisible by N_HEAD (%d %% %d != 0)", c.Model.NEmbd, c.Model.NHead)
	}
	if c.Model.Dropout < 0 || c.Model.Dropout >= 1 {
		return fail("DROPOUT", "must be in [0, 1), got %g", c.Model.Dropout)
	}
	if c.Optim.LearningRate <= 0 {
		return fail("LEARNING_RATE", "must be > 0, got %g", c.Optim.LearningRate)
	}
	if c.Optim.MinLR > c.Optim.LearningRate {
		return fail("MIN_LR", "must be <= LEARNING_RATE (%g > %g)", c.Optim.MinLR, c.Optim.LearningRate)
	}
	if c.Optim.WarmupIters < 0 {
		return fail("WARMUP_ITERS", "must be >= 0, got %d", c.Optim.WarmupIters)
	}
	if c.Optim.LRDecayIters < c.Optim.WarmupIters {
		return fail("LR_DECAY_ITERS", "must be >= WARMUP_ITERS (%d < %d)", c.Optim.LRDecayIters, c.Optim.WarmupIters)
	}
	if c.Optim.GradClip < 0 {
		return fail("GRAD_CLIP", "must be >= 0 (0 disables clipping), got %g", c.Optim.GradClip)
	}
	if c.Optim.WeightDecay < 0 {
		return fail("WEIGHT_DECAY", "must be >= 0, got %g", c.Optim.WeightDecay)
	}
	if c.Optim.Beta1 < 0 || c.Optim.Beta1 >= 1 {
		return fail("BETA1", "must be in [0, 1), got %g", c.Optim.Beta1)
	}
	if c.Optim.Beta2 < 0 || c.Optim.Beta2 >= 1 {
		return fail("BETA2", "must be in [0, 1), got %g", c.Optim.Beta2)
	}
	if c.Schedule.MaxIters < 1 {
		return fail("MAX_ITERS", "must be >= 1, got %d", c.Schedule.MaxIters)
	}
	if c.Schedule.EvalInterval < 1 {
		return fail("EVAL_INTERVAL", "must be >= 1, got %d", c.Schedule.EvalInterval)
	}
	if c.Schedule.EvalIters < 1 {
		return fail("EVAL_ITERS", "must be >= 1, got %d", c.Schedule.EvalIters)
	}
	if c.Schedule.LogInterval < 1 {
		return fail("LOG_INTERVAL", "must be >= 1, got %d", c.Schedule.LogInterval)
	}
	if _, err := precision.Parse(string(c.DType)); err != nil {
		return fail("DTYPE", "%v", err)
	}
	if c.OutputRoot == "" {
		return fail("OUTPUT_ROOT", "must not be empty")
	}
	return nil
}
