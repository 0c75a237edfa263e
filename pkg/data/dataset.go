// Package data generates the synthetic action/puzzle token streams and
// serves micro-batches from them. Two dataset variants exist, distinguished
// by their row geometry: cube rows pack 26 cubie-state tokens per step with
// no terminator, puzzle rows pack 16 tile tokens per step and end in a
// newline. The batch composer samples with replacement; there is no ordering
// guarantee across micro-batches.
package data

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/tedtedtedtedtedted/Emotional-Learner-On-Rubik-Cube/pkg/config"
)

// Split selects the train or validation stream.
type Split string

const (
	Train Split = "train"
	Val   Split = "val"
)

// Row counts mirror the original corpus files: 9000 training rows and 1000
// validation rows per dataset.
const (
	trainRows = 9000
	valRows   = 1000
)

// alphabetSpec is the per-dataset character inventory. The generator only
// ever emits these runes, so the codec alphabet is closed.
type alphabetSpec struct {
	actions   string // one per action step; first record uses start
	states    string // state token symbols
	rewards   string
	start     rune
	separator rune
	newline   rune
}

var alphabets = map[string]alphabetSpec{
	"cube_structure": {
		actions:   "UDLRFBudlrfb",
		states:    "wyrogb",
		rewards:   "01",
		start:     '.',
		separator: '|',
		newline:   '\n',
	},
	"puzzle_structure": {
		actions:   "UDLR",
		states:    "0123456789abcdef",
		rewards:   "01",
		start:     '.',
		separator: '|',
		newline:   '\n',
	},
}

func (a alphabetSpec) runes() []rune {
	out := []rune{}
	out = append(out, []rune(a.actions)...)
	out = append(out, []rune(a.states)...)
	for _, r := range a.rewards {
		out = append(out, r)
	}
	out = append(out, a.start, a.separator, a.newline)
	// Dedup while preserving first-seen order; rewards overlap puzzle states.
	seen := map[rune]bool{}
	uniq := out[:0]
	for _, r := range out {
		if !seen[r] {
			seen[r] = true
			uniq = append(uniq, r)
		}
	}
	return uniq
}

// Batch is one micro-batch: BatchSize sequences of equal length, targets
// shifted one token right of inputs.
type Batch struct {
	Inputs  [][]int
	Targets [][]int
}

// Cursor is the dataset collaborator handed to the training loop. It owns
// the generated corpus, the codec, and a seeded RNG. FetchMicroBatch is safe
// for concurrent use.
type Cursor struct {
	cfg   config.RunConfig
	codec *Codec

	mu    sync.Mutex
	rng   *rand.Rand
	train []int
	val   []int
}

// NewCursor generates both splits deterministically from the run seed and
// verifies the emitted row width against NUM_TOKENS_ROW_TRAIN, which is the
// contract the resolver validated against the profile geometry.
func NewCursor(cfg config.RunConfig) (*Cursor, error) {
	spec, ok := alphabets[cfg.DatasetID]
	if !ok {
		return nil, fmt.Errorf("data: no alphabet for dataset %q", cfg.DatasetID)
	}
	codec, err := NewCodec(spec.runes())
	if err != nil {
		return nil, err
	}

	rowWidth := cfg.Layout.RowTokens(cfg.NumActionsTrain)
	if rowWidth != cfg.NumTokensRowTrain {
		return nil, fmt.Errorf("data: emitted row width %d does not match NUM_TOKENS_ROW_TRAIN=%d", rowWidth, cfg.NumTokensRowTrain)
	}

	// Distinct generator streams per split so the validation rows are not a
	// prefix of training under a different row count.
	trainRNG := rand.New(rand.NewSource(cfg.Seed()))
	valRNG := rand.New(rand.NewSource(cfg.Seed() + 1))

	trainData, err := generateSplit(cfg, spec, codec, trainRNG, trainRows)
	if err != nil {
		return nil, err
	}
	valData, err := generateSplit(cfg, spec, codec, valRNG, valRows)
	if err != nil {
		return nil, err
	}

	return &Cursor{
		cfg:   cfg,
		codec: codec,
		rng:   rand.New(rand.NewSource(cfg.Seed() + 2)),
		train: trainData,
		val:   valData,
	}, nil
}

// Codec exposes the dataset alphabet codec for model sizing and generation.
func (c *Cursor) Codec() *Codec {
	return c.codec
}

// Rows returns the row count of a split.
func (c *Cursor) Rows(split Split) int {
	if split == Val {
		return valRows
	}
	return trainRows
}

// SeqLen is the sequence length of one training example. Row-terminated
// datasets (puzzle) train on whole rows minus terminator and target shift;
// stream datasets (cube) train on BLOCK_SIZE windows.
func (c *Cursor) SeqLen() int {
	if c.cfg.Layout.Terminator > 0 {
		return c.cfg.Layout.SeqTokens(c.cfg.NumActionsTrain)
	}
	return c.cfg.BlockSize
}

// FetchMicroBatch samples BatchSize examples with replacement from the given
// split. Row-terminated datasets sample row-aligned starts; stream datasets
// sample uniform offsets into the flat token stream.
func (c *Cursor) FetchMicroBatch(split Split) (Batch, error) {
	data := c.train
	rows := trainRows
	if split == Val {
		data = c.val
		rows = valRows
	}

	seqLen := c.SeqLen()
	rowWidth := c.cfg.NumTokensRowTrain

	b := Batch{
		Inputs:  make([][]int, c.cfg.BatchSize),
		Targets: make([][]int, c.cfg.BatchSize),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < c.cfg.BatchSize; i++ {
		var off int
		if c.cfg.Layout.Terminator > 0 {
			off = c.rng.Intn(rows) * rowWidth
		} else {
			max := len(data) - seqLen - 1
			if max < 1 {
				return Batch{}, fmt.Errorf("data: split %s too small for sequence length %d", split, seqLen)
			}
			off = c.rng.Intn(max)
		}
		b.Inputs[i] = data[off : off+seqLen]
		b.Targets[i] = data[off+1 : off+1+seqLen]
	}
	return b, nil
}

// generateSplit emits rows rows of the profile's record layout and encodes
// them into a flat id stream.
func generateSplit(cfg config.RunConfig, spec alphabetSpec, codec *Codec, rng *rand.Rand, rows int) ([]int, error) {
	actions := []rune(spec.actions)
	states := []rune(spec.states)

	out := make([]int, 0, rows*cfg.NumTokensRowTrain)
	record := make([]rune, 0, cfg.NumTokensRowTrain)
	for r := 0; r < rows; r++ {
		record = record[:0]
		for step := 0; step <= cfg.NumActionsTrain; step++ {
			if step == 0 {
				record = append(record, spec.start)
			} else {
				record = append(record, actions[rng.Intn(len(actions))])
			}
			for s := 0; s < cfg.Layout.StateTokens; s++ {
				record = append(record, states[rng.Intn(len(states))])
			}
			// Reward is 1 only on the final step of a solved row; roughly a
			// third of generated rows end solved.
			reward := '0'
			if step == cfg.NumActionsTrain && rng.Intn(3) == 0 {
				reward = '1'
			}
			record = append(record, reward, spec.separator)
		}
		if cfg.Layout.Terminator > 0 {
			record = append(record, spec.newline)
		}
		if len(record) != cfg.NumTokensRowTrain {
			return nil, fmt.Errorf("data: generated row has %d tokens, want %d", len(record), cfg.NumTokensRowTrain)
		}
		ids, err := codec.Encode(string(record))
		if err != nil {
			return nil, err
		}
		out = append(out, ids...)
	}
	return out, nil
}
