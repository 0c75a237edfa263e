// Package checkpoint persists training snapshots and decides when to write
// them. Records are versioned JSON, written atomically and flushed to disk
// before the training loop may proceed; at most one write is ever in flight
// because Save blocks its caller.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tedtedtedtedtedted/Emotional-Learner-On-Rubik-Cube/pkg/config"
)

const recordVersion = 2

// FileName is the checkpoint file within a run directory, overwritten on
// each save.
const FileName = "ckpt.json"

// LatestFileName is the convenience copy kept at the output root. Every
// successful save replaces it, so tools can pick up the newest record
// without scanning run directories.
const LatestFileName = "latest_checkpoint.json"

// OptimState carries the optimizer's momentum buffers and the loss-scaler
// state, indexed in model parameter order.
type OptimState struct {
	M         []float64 `json:"m"`
	V         []float64 `json:"v"`
	LossScale float64   `json:"loss_scale,omitempty"`
	GoodSteps int       `json:"good_steps,omitempty"`
}

// Record is one persisted snapshot: everything needed to resume or evaluate
// the run. Immutable once written; a new save replaces the file.
type Record struct {
	Version     int                    `json:"version"`
	CreatedAt   string                 `json:"created_at"`
	RunConfig   config.RunConfig       `json:"run_config"`
	Vocab       []string               `json:"vocab"`
	ModelState  map[string][][]float64 `json:"model_state"`
	OptimState  OptimState             `json:"optim_state"`
	Step        int                    `json:"step"`
	BestValLoss float64                `json:"best_val_loss"`
}

// IOError marks a failed checkpoint read or write. A failed save is fatal
// for that attempt only: the loop logs it and keeps its in-memory best so a
// later save is not lost.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("checkpoint %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Store reads and writes checkpoint records under one run directory.
type Store struct {
	dir    string
	latest string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// NewStoreWithLatest additionally maintains the LatestFileName copy under
// root on every successful save.
func NewStoreWithLatest(dir, root string) *Store {
	return &Store{dir: dir, latest: filepath.Join(root, LatestFileName)}
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) Path() string { return filepath.Join(s.dir, FileName) }

// Save writes rec atomically: marshal, write to a temp file, fsync, rename
// over the checkpoint path, then fsync the directory. Returns IOError on
// any failure; the partial temp file is removed.
func (s *Store) Save(rec Record) error {
	rec.Version = recordVersion
	if rec.CreatedAt == "" {
		rec.CreatedAt = time.Now().Format(time.RFC3339)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return &IOError{Op: "save", Path: s.dir, Err: err}
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return &IOError{Op: "save", Path: s.Path(), Err: err}
	}
	if err := writeAtomic(s.Path(), b); err != nil {
		return err
	}
	if s.latest != "" {
		if err := writeAtomic(s.latest, b); err != nil {
			return err
		}
	}
	return nil
}

// writeAtomic writes b to a temp file in dst's directory, fsyncs, renames it
// over dst, then fsyncs the directory. The partial temp file is removed on
// any failure.
func writeAtomic(dst string, b []byte) error {
	dir := filepath.Dir(dst)
	tmp, err := os.CreateTemp(dir, filepath.Base(dst)+".tmp-*")
	if err != nil {
		return &IOError{Op: "save", Path: dir, Err: err}
	}
	tmpName := tmp.Name()
	cleanup := func(cause error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return &IOError{Op: "save", Path: dst, Err: cause}
	}
	if _, err := tmp.Write(b); err != nil {
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		return cleanup(err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return cleanup(err)
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

// Load reads and validates the store's checkpoint.
func (s *Store) Load() (Record, error) {
	return LoadPath(s.Path())
}

// Exists reports whether a checkpoint file is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.Path())
	return err == nil
}

// LoadPath reads a checkpoint record from an arbitrary path.
func LoadPath(path string) (Record, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Record{}, &IOError{Op: "load", Path: path, Err: err}
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return Record{}, &IOError{Op: "load", Path: path, Err: err}
	}
	if rec.Version < 1 || rec.Version > recordVersion {
		return Record{}, &IOError{Op: "load", Path: path, Err: fmt.Errorf("unsupported record version %d", rec.Version)}
	}
	if len(rec.ModelState) == 0 {
		return Record{}, &IOError{Op: "load", Path: path, Err: fmt.Errorf("record has no model state")}
	}
	if len(rec.Vocab) == 0 {
		return Record{}, &IOError{Op: "load", Path: path, Err: fmt.Errorf("record has no vocab")}
	}
	return rec, nil
}
