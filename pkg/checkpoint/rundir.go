package checkpoint

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewRunID returns runName when set, else a short random id. Run names feed
// the run-directory path, so they must be path-safe.
func NewRunID(runName string) string {
	if runName = strings.TrimSpace(runName); runName != "" {
		return runName
	}
	return uuid.NewString()[:8]
}

// RunDir lays out {output_root}/{run_id}/{date}/{time}. The date and time
// components come from the run's start instant, so resuming later writes a
// fresh directory while `runs` can still group by run id.
func RunDir(outputRoot, runID string, start time.Time) string {
	return filepath.Join(outputRoot, runID, start.Format("2006-01-02"), start.Format("15-04-05"))
}

// RunInfo summarizes one discovered run directory for listings.
type RunInfo struct {
	RunID   string
	Started string
	Path    string
	Record  Record
}

// ListRuns walks output root for run directories containing a checkpoint,
// newest first.
func ListRuns(outputRoot string) ([]RunInfo, error) {
	var out []RunInfo
	ids, err := os.ReadDir(outputRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	for _, id := range ids {
		if !id.IsDir() {
			continue
		}
		pattern := filepath.Join(outputRoot, id.Name(), "*", "*", FileName)
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		for _, m := range matches {
			rec, err := LoadPath(m)
			if err != nil {
				continue
			}
			dir := filepath.Dir(m)
			date := filepath.Base(filepath.Dir(dir))
			clock := filepath.Base(dir)
			out = append(out, RunInfo{
				RunID:   id.Name(),
				Started: date + " " + strings.ReplaceAll(clock, "-", ":"),
				Path:    dir,
				Record:  rec,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started > out[j].Started })
	return out, nil
}

// LatestRun returns the most recent run containing a checkpoint, if any.
func LatestRun(outputRoot string) (RunInfo, bool) {
	runs, err := ListRuns(outputRoot)
	if err != nil || len(runs) == 0 {
		return RunInfo{}, false
	}
	return runs[0], true
}
