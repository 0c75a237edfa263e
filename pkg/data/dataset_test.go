package data

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tedtedtedtedtedted/Emotional-Learner-On-Rubik-Cube/pkg/config"
)

// smallConfig shrinks a profile to a single action step so tests generate a
// small corpus. The row width must match the shrunken geometry.
func smallConfig(t *testing.T, dataset string) config.RunConfig {
	t.Helper()
	var layer config.Layer
	switch dataset {
	case "cube_structure":
		layer = config.Layer{
			"NUM_ACTIONS_TRAIN":    "1",
			"NUM_TOKENS_ROW_TRAIN": "58",
			"BLOCK_SIZE":           "58",
			"BATCH_SIZE":           "4",
		}
	case "puzzle_structure":
		layer = config.Layer{
			"NUM_ACTIONS_TRAIN":    "1",
			"NUM_TOKENS_ROW_TRAIN": "39",
			"BLOCK_SIZE":           "64",
			"BATCH_SIZE":           "4",
		}
	}
	cfg, err := config.Resolve(dataset, layer)
	require.NoError(t, err)
	return cfg
}

func TestCursorRejectsBadGeometry(t *testing.T) {
	cfg, err := config.Resolve("cube_structure")
	require.NoError(t, err)
	cfg.NumTokensRowTrain = 300 // sidestep the resolver to corrupt the width
	_, err = NewCursor(cfg)
	assert.Error(t, err)
}

func TestCursorRejectsUnknownDataset(t *testing.T) {
	cfg, err := config.Resolve("cube_structure")
	require.NoError(t, err)
	cfg.DatasetID = "chess_structure"
	_, err = NewCursor(cfg)
	assert.Error(t, err)
}

func TestCubeBatchShapes(t *testing.T) {
	cfg := smallConfig(t, "cube_structure")
	c, err := NewCursor(cfg)
	require.NoError(t, err)

	// Stream dataset: windows are BLOCK_SIZE wide.
	assert.Equal(t, cfg.BlockSize, c.SeqLen())

	b, err := c.FetchMicroBatch(Train)
	require.NoError(t, err)
	require.Len(t, b.Inputs, cfg.BatchSize)
	require.Len(t, b.Targets, cfg.BatchSize)
	for i := range b.Inputs {
		require.Len(t, b.Inputs[i], c.SeqLen())
		require.Len(t, b.Targets[i], c.SeqLen())
		// Targets are the input shifted one token right.
		assert.Equal(t, b.Inputs[i][1:], b.Targets[i][:len(b.Targets[i])-1])
	}
}

func TestPuzzleBatchesAreRowAligned(t *testing.T) {
	cfg := smallConfig(t, "puzzle_structure")
	c, err := NewCursor(cfg)
	require.NoError(t, err)

	// Row-terminated dataset: whole rows minus terminator and target shift.
	assert.Equal(t, cfg.Layout.SeqTokens(cfg.NumActionsTrain), c.SeqLen())

	startID, ok := c.Codec().CharToID['.']
	require.True(t, ok)
	for trial := 0; trial < 5; trial++ {
		b, err := c.FetchMicroBatch(Val)
		require.NoError(t, err)
		for i := range b.Inputs {
			assert.Equal(t, startID, b.Inputs[i][0], "row-aligned sampling starts on the start token")
		}
	}
}

func TestSplitsDiffer(t *testing.T) {
	cfg := smallConfig(t, "puzzle_structure")
	c, err := NewCursor(cfg)
	require.NoError(t, err)
	assert.NotEqual(t, c.train[:cfg.NumTokensRowTrain], c.val[:cfg.NumTokensRowTrain],
		"validation rows come from a distinct generator stream")
}

func TestDeterministicAcrossCursors(t *testing.T) {
	cfg := smallConfig(t, "cube_structure")

	a, err := NewCursor(cfg)
	require.NoError(t, err)
	b, err := NewCursor(cfg)
	require.NoError(t, err)

	ba, err := a.FetchMicroBatch(Train)
	require.NoError(t, err)
	bb, err := b.FetchMicroBatch(Train)
	require.NoError(t, err)
	assert.Equal(t, ba.Inputs, bb.Inputs, "same seed, same corpus, same sampling stream")
}

func TestSeedOffsetChangesData(t *testing.T) {
	cfg := smallConfig(t, "cube_structure")
	a, err := NewCursor(cfg)
	require.NoError(t, err)

	cfg2 := cfg
	cfg2.SeedOffset = 1
	b, err := NewCursor(cfg2)
	require.NoError(t, err)

	assert.NotEqual(t, a.train[:200], b.train[:200])
}

func TestRowCounts(t *testing.T) {
	cfg := smallConfig(t, "puzzle_structure")
	c, err := NewCursor(cfg)
	require.NoError(t, err)
	assert.Equal(t, 9000, c.Rows(Train))
	assert.Equal(t, 1000, c.Rows(Val))
	assert.Len(t, c.train, 9000*cfg.NumTokensRowTrain)
	assert.Len(t, c.val, 1000*cfg.NumTokensRowTrain)
}

func TestGeneratedRowsDecodeToAlphabet(t *testing.T) {
	cfg := smallConfig(t, "puzzle_structure")
	c, err := NewCursor(cfg)
	require.NoError(t, err)

	row := c.Codec().Decode(c.train[:cfg.NumTokensRowTrain])
	require.Len(t, []rune(row), cfg.NumTokensRowTrain)
	assert.Equal(t, byte('.'), row[0], "records open with the start marker")
	assert.Equal(t, byte('\n'), row[len(row)-1], "puzzle rows are newline-terminated")
}
