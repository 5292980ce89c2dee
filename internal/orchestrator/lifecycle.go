package orchestrator

import (
	"context"
	"time"

	"stageflow/internal/dag"
	"stageflow/internal/state"
)

// stageFinished is the executor observer: it refreshes the run record and
// checkpoints every stage that completed.
func (o *Orchestrator) stageFinished(st dag.RunStatus, stage int) {
	o.mu.Lock()
	e, ok := o.runs[st.RunID]
	o.mu.Unlock()
	if !ok {
		return
	}
	o.persist(e, st)

	if o.recorder == nil {
		return
	}
	switch st.Stages[stage].State {
	case dag.StageSucceeded, dag.StageReused:
	default:
		return
	}
	if _, err := o.recorder.Checkpoint(st, stage); err != nil {
		o.cfg.Logger.WithError(err).Warn("checkpoint not written",
			"run_id", st.RunID, "stage", st.Stages[stage].Name)
	}
}

func (o *Orchestrator) record(e *runEntry, st dag.RunStatus) state.Run {
	// The executor links the previous run once it starts; a PENDING rerun
	// record is linked here.
	if st.PreviousRunID == "" && e.run.Reuse != nil {
		st.PreviousRunID = e.run.Reuse.FromRunID
	}
	return state.RunFromStatus(st, e.mode, e.retryCount, e.fromStage)
}

func (o *Orchestrator) persist(e *runEntry, st dag.RunStatus) {
	if o.recorder == nil {
		return
	}
	if err := o.recorder.SaveRun(o.record(e, st)); err != nil {
		o.cfg.Logger.WithError(err).Warn("run record not written", "run_id", st.RunID)
	}
}

func (o *Orchestrator) finish(ctx context.Context, e *runEntry, final dag.RunStatus, err error) {
	logger := o.cfg.Logger.With("run_id", final.RunID, "pipeline", e.pipeline)
	if err != nil {
		logger.WithError(err).Error("executor reported an internal error")
	}

	if o.recorder != nil {
		if ferr := o.recorder.FinishRun(o.record(e, final)); ferr != nil {
			logger.WithError(ferr).Warn("final run state not written")
		}
		if err != nil {
			if ferr := o.recorder.RecordFailure(final.RunID, err); ferr != nil {
				logger.WithError(ferr).Warn("failure record not written")
			}
		}
	}

	e.final = final
	e.err = err
	o.scheduleRelease(ctx, e)
	close(e.done)
}

func (o *Orchestrator) scheduleRelease(ctx context.Context, e *runEntry) {
	policy := o.cfg.Retention
	switch {
	case policy.Keep:
		return
	case policy.TTL <= 0:
		_ = o.releaseNow(ctx, e.run.ID)
	default:
		runID := e.run.ID
		o.mu.Lock()
		e.release = time.AfterFunc(policy.TTL, func() {
			o.mu.Lock()
			e.release = nil
			o.mu.Unlock()
			_ = o.releaseNow(ctx, runID)
		})
		o.mu.Unlock()
	}
}

func (o *Orchestrator) releaseNow(ctx context.Context, runID string) error {
	if err := o.cfg.Store.Release(ctx, runID); err != nil {
		o.cfg.Logger.WithError(err).Warn("artifact namespace not released", "run_id", runID)
		return err
	}
	o.mu.Lock()
	if e, ok := o.runs[runID]; ok {
		e.released = true
	}
	o.mu.Unlock()
	o.cfg.Metrics.NamespaceReleased()
	o.cfg.Logger.Debug("artifact namespace released", "run_id", runID)
	return nil
}
