package state

import (
	"errors"
	"fmt"
	"time"

	"stageflow/internal/dag"
)

// Recorder persists the lifecycle of runs: the run record as it progresses,
// a checkpoint per completed stage, and failure.json for runs that did not
// succeed.
type Recorder struct {
	Store *Store
	Now   func() time.Time
}

func (r *Recorder) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// SaveRun writes the current run record.
func (r *Recorder) SaveRun(run Run) error {
	if r == nil || r.Store == nil {
		return errors.New("Store is required")
	}
	return r.Store.SaveRun(run)
}

// Checkpoint validates stage index of st and persists its checkpoint.
func (r *Recorder) Checkpoint(st dag.RunStatus, index int) (Checkpoint, error) {
	if r == nil || r.Store == nil {
		return Checkpoint{}, errors.New("Store is required")
	}
	cp, err := NewCheckpoint(st, index, r.now())
	if err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint run %s: %w", st.RunID, err)
	}
	if err := r.Store.SaveCheckpoint(st.RunID, cp); err != nil {
		return Checkpoint{}, err
	}
	return cp, nil
}

// FinishRun writes the final run record and, for failed or aborted runs, the
// failure record.
func (r *Recorder) FinishRun(run Run) error {
	if r == nil || r.Store == nil {
		return errors.New("Store is required")
	}
	if !run.Terminal() {
		return fmt.Errorf("run %s is not terminal (state=%s)", run.RunID, run.State)
	}
	if err := r.Store.SaveRun(run); err != nil {
		return err
	}
	if f, ok := FailureFromStatus(run.RunStatus); ok {
		return r.Store.SaveFailure(run.RunID, f)
	}
	return nil
}

// RecordFailure classifies err and writes it as the run's failure record.
func (r *Recorder) RecordFailure(runID string, err error) error {
	if r == nil || r.Store == nil {
		return errors.New("Store is required")
	}
	f, ferr := failureFromError(err)
	if ferr != nil {
		return ferr
	}
	return r.Store.SaveFailure(runID, f)
}
