package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tedtedtedtedtedted/Emotional-Learner-On-Rubik-Cube/pkg/config"
)

func testRecord(t *testing.T) Record {
	t.Helper()
	cfg, err := config.Resolve("puzzle_structure")
	require.NoError(t, err)
	return Record{
		RunConfig: cfg,
		Vocab:     []string{"U", "D", "L", "R", "."},
		ModelState: map[string][][]float64{
			"wte": {{0.1, 0.2}, {0.3, 0.4}},
		},
		OptimState: OptimState{
			M:         []float64{0.01, 0.02},
			V:         []float64{0.001, 0.002},
			LossScale: 32768,
			GoodSteps: 17,
		},
		Step:        250,
		BestValLoss: 1.234,
	}
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run", "2026-08-31", "12-00-00")
	store := NewStore(dir)
	assert.False(t, store.Exists())

	rec := testRecord(t)
	require.NoError(t, store.Save(rec))
	assert.True(t, store.Exists())
	assert.Equal(t, filepath.Join(dir, FileName), store.Path())

	got, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, recordVersion, got.Version, "Save stamps the version")
	assert.NotEmpty(t, got.CreatedAt)
	assert.Equal(t, rec.Vocab, got.Vocab)
	assert.Equal(t, rec.ModelState, got.ModelState)
	assert.Equal(t, rec.OptimState, got.OptimState)
	assert.Equal(t, rec.Step, got.Step)
	assert.Equal(t, rec.BestValLoss, got.BestValLoss)
	assert.Equal(t, rec.RunConfig, got.RunConfig)
}

func TestStoreMaintainsLatestCopy(t *testing.T) {
	root := t.TempDir()
	store := NewStoreWithLatest(RunDir(root, "abc", time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)), root)

	rec := testRecord(t)
	require.NoError(t, store.Save(rec))

	latest := filepath.Join(root, LatestFileName)
	got, err := LoadPath(latest)
	require.NoError(t, err)
	assert.Equal(t, rec.Step, got.Step)

	rec.Step = 500
	require.NoError(t, store.Save(rec))
	got, err = LoadPath(latest)
	require.NoError(t, err)
	assert.Equal(t, 500, got.Step, "each save replaces the copy")

	// The root-level copy never shows up as a run of its own.
	runs, err := ListRuns(root)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "abc", runs[0].RunID)
}

func TestStoreWithoutLatestWritesNone(t *testing.T) {
	root := t.TempDir()
	store := NewStore(RunDir(root, "abc", time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)))
	require.NoError(t, store.Save(testRecord(t)))

	_, err := os.Stat(filepath.Join(root, LatestFileName))
	assert.True(t, os.IsNotExist(err))
}

func TestStoreSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	require.NoError(t, store.Save(testRecord(t)))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, FileName, entries[0].Name())
}

func TestLoadPathValidation(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadPath(filepath.Join(dir, "missing.json"))
	var ioErr *IOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, "load", ioErr.Op)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o644))
	_, err = LoadPath(bad)
	assert.Error(t, err)

	// A structurally valid record without model state is rejected.
	store := NewStore(dir)
	rec := testRecord(t)
	rec.ModelState = nil
	require.NoError(t, store.Save(rec))
	_, err = LoadPath(store.Path())
	assert.Error(t, err)
}

func TestPolicyStrictImprovement(t *testing.T) {
	p := NewPolicy(false)

	_, ok := p.Best()
	assert.False(t, ok)

	losses := []float64{0.9, 0.95, 0.8, 0.8}
	wantSave := []bool{true, false, true, false}
	wantImproved := []bool{true, false, true, false}
	wantBest := []float64{0.9, 0.9, 0.8, 0.8}

	for i, loss := range losses {
		dec := p.Observe(loss)
		assert.Equal(t, wantSave[i], dec.Save, "tick %d save", i)
		assert.Equal(t, wantImproved[i], dec.Improved, "tick %d improved", i)
		assert.Equal(t, wantBest[i], dec.Best, "tick %d best", i)
	}
}

func TestPolicyAlwaysSave(t *testing.T) {
	p := NewPolicy(true)
	for i, loss := range []float64{0.9, 0.95, 0.8, 0.8} {
		dec := p.Observe(loss)
		assert.True(t, dec.Save, "tick %d", i)
	}
	best, ok := p.Best()
	require.True(t, ok)
	assert.Equal(t, 0.8, best, "ties do not move the best loss")
}

func TestPolicyRestore(t *testing.T) {
	p := NewPolicy(false)
	p.Restore(0.5)

	dec := p.Observe(0.6)
	assert.False(t, dec.Save, "resumed best suppresses the first-ever save")
	assert.Equal(t, 0.5, dec.Best)

	dec = p.Observe(0.4)
	assert.True(t, dec.Save)
	assert.Equal(t, 0.4, dec.Best)
}

func TestNewRunID(t *testing.T) {
	assert.Equal(t, "my-run", NewRunID("my-run"))
	assert.Equal(t, "my-run", NewRunID("  my-run  "))

	a := NewRunID("")
	b := NewRunID("")
	assert.Len(t, a, 8)
	assert.NotEqual(t, a, b)
}

func TestRunDirLayout(t *testing.T) {
	start := time.Date(2026, 8, 31, 14, 5, 9, 0, time.UTC)
	dir := RunDir("out", "abc123", start)
	assert.Equal(t, filepath.Join("out", "abc123", "2026-08-31", "14-05-09"), dir)
}

func TestListRunsNewestFirst(t *testing.T) {
	root := t.TempDir()
	rec := testRecord(t)

	older := NewStore(RunDir(root, "older", time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)))
	require.NoError(t, older.Save(rec))
	newer := NewStore(RunDir(root, "newer", time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)))
	rec.Step = 500
	require.NoError(t, newer.Save(rec))

	runs, err := ListRuns(root)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "newer", runs[0].RunID)
	assert.Equal(t, 500, runs[0].Record.Step)
	assert.Equal(t, "older", runs[1].RunID)
	assert.Equal(t, "2026-08-31 10:00:00", runs[0].Started)

	latest, ok := LatestRun(root)
	require.True(t, ok)
	assert.Equal(t, "newer", latest.RunID)
}

func TestListRunsMissingRoot(t *testing.T) {
	runs, err := ListRuns(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, runs)

	_, ok := LatestRun(filepath.Join(t.TempDir(), "nope"))
	assert.False(t, ok)
}
