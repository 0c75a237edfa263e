package config

import (
	"sort"

	"github.com/tedtedtedtedtedted/Emotional-Learner-On-Rubik-Cube/pkg/precision"
)

// A profile is a named dataset variant: its record geometry plus the
// hyperparameter overrides it ships with. Profiles overlay the shared
// defaults and are themselves overridable by env and CLI layers.
type profile struct {
	layout RowLayout
	values Layer
}

var profiles = map[string]profile{
	// Rubik's cube action streams: 26 cubie-state tokens per step, records
	// packed back to back with no terminator. 10 actions -> 319 tokens/row.
	"cube_structure": {
		layout: RowLayout{StateTokens: 26, Terminator: 0},
		values: Layer{
			"NUM_ACTIONS_TRAIN":    "10",
			"NUM_TOKENS_ROW_TRAIN": "319",
			"BLOCK_SIZE":           "319",
			"BATCH_SIZE":           "8",
			"GRAD_ACCUM_STEPS":     "5",
			"N_LAYER":              "4",
			"N_HEAD":               "4",
			"N_EMBD":               "128",
			"DROPOUT":              "0.1",
			"MAX_ITERS":            "5000",
			"LR_DECAY_ITERS":       "5000",
			"WARMUP_ITERS":         "100",
			"EVAL_INTERVAL":        "250",
			"EVAL_ITERS":           "20",
			"COMPILE":              "false",
			"DTYPE":                "float32",
		},
	},
	// 15-puzzle action streams: 16 tile tokens per step, newline-terminated
	// rows. 5 actions -> 115 tokens/row.
	"puzzle_structure": {
		layout: RowLayout{StateTokens: 16, Terminator: 1},
		values: Layer{
			"NUM_ACTIONS_TRAIN":    "5",
			"NUM_TOKENS_ROW_TRAIN": "115",
			"BLOCK_SIZE":           "128",
			"BATCH_SIZE":           "64",
			"GRAD_ACCUM_STEPS":     "5",
			"N_LAYER":              "2",
			"N_HEAD":               "4",
			"N_EMBD":               "64",
			"DROPOUT":              "0.1",
			"MAX_ITERS":            "2000",
			"LR_DECAY_ITERS":       "2000",
			"WARMUP_ITERS":         "50",
			"EVAL_INTERVAL":        "100",
			"EVAL_ITERS":           "40",
			"ALWAYS_SAVE_CHECKPOINT": "true",
			"COMPILE":                "true",
			"DTYPE":                  "bfloat16",
		},
	},
}

// ProfileIDs returns the shipped dataset profile names, sorted.
func ProfileIDs() []string {
	out := make([]string, 0, len(profiles))
	for id := range profiles {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ProfileValues exposes a profile's override layer, mainly for the dashboard
// presets. The returned map is a copy.
func ProfileValues(id string) (Layer, bool) {
	p, ok := profiles[id]
	if !ok {
		return nil, false
	}
	out := make(Layer, len(p.values))
	for k, v := range p.values {
		out[k] = v
	}
	return out, true
}

func defaults() RunConfig {
	return RunConfig{
		SeedOffset:        0,
		BlockSize:         128,
		NumActionsTrain:   1,
		NumTokensRowTrain: 0, // profiles always set this; a zero fails validation
		BatchSize:         8,
		GradAccumSteps:    1,
		Model: Dims{
			NLayer:  2,
			NHead:   4,
			NEmbd:   64,
			Dropout: 0.0,
			Bias:    false,
		},
		Optim: Optim{
			LearningRate: 1e-3,
			WeightDecay:  0.1,
			Beta1:        0.9,
			Beta2:        0.99,
			GradClip:     1.0,
			DecayLR:      true,
			WarmupIters:  100,
			LRDecayIters: 5000,
			MinLR:        1e-4,
		},
		Schedule: Schedule{
			MaxIters:             5000,
			EvalInterval:         250,
			EvalIters:            20,
			LogInterval:          10,
			AlwaysSaveCheckpoint: false,
			EvalOnly:             false,
		},
		DeviceID:   "cpu",
		DType:      precision.Float32,
		Compile:    false,
		OutputRoot: "out",
		RunName:    "",
	}
}
