package state

import (
	"errors"
	"fmt"
	"strings"

	"stageflow/internal/core"
	"stageflow/internal/dag"
)

// ErrNotEligible is returned when a rerun may not build on a previous run.
var ErrNotEligible = errors.New("rerun not eligible")

// RerunEligibility decides whether a new run may reuse the leading stages of
// a previous run.
//
// Rules:
//   - the previous run exists and is terminal
//   - the graph hash is unchanged
//   - a recorded failure, if any, is resumable
//   - every reused stage has a valid checkpoint
type RerunEligibility struct {
	Store *Store
}

type RerunRequest struct {
	PreviousRunID string
	GraphHash     string

	// Stages are the current graph's stage names in declaration order.
	Stages []string

	// FromStage is the index of the first stage to execute again.
	FromStage int
}

// RerunPlan is the outcome of a successful eligibility check.
type RerunPlan struct {
	Previous   Run
	RetryCount int
	Reuse      dag.ReusePlan
}

func (c *RerunEligibility) Check(req RerunRequest) (RerunPlan, error) {
	if c == nil || c.Store == nil {
		return RerunPlan{}, errors.New("Store is required")
	}
	prevID := strings.TrimSpace(req.PreviousRunID)
	if prevID == "" {
		return RerunPlan{}, fmt.Errorf("%w: previous run id is required", ErrNotEligible)
	}
	if req.FromStage < 0 || req.FromStage >= len(req.Stages) {
		return RerunPlan{}, fmt.Errorf("%w: stage index %d out of range", ErrNotEligible, req.FromStage)
	}

	prev, err := c.Store.LoadRun(prevID)
	if err != nil {
		return RerunPlan{}, fmt.Errorf("%w: previous run: %w", ErrNotEligible, err)
	}
	if !prev.Terminal() {
		return RerunPlan{}, fmt.Errorf("%w: previous run %s is still %s", ErrNotEligible, prevID, prev.State)
	}
	if prev.GraphHash != req.GraphHash {
		return RerunPlan{}, fmt.Errorf("%w: graph hash mismatch (prev=%s new=%s)", ErrNotEligible, prev.GraphHash, req.GraphHash)
	}

	failure, err := c.Store.LoadFailure(prevID)
	switch {
	case err == nil:
		if !failure.Resumable {
			return RerunPlan{}, fmt.Errorf("%w: previous run failure is not resumable (class=%s kind=%s)",
				ErrNotEligible, failure.Class, failure.ErrorKind)
		}
	case errors.Is(err, ErrNotFound):
	default:
		return RerunPlan{}, fmt.Errorf("loading previous run failure: %w", err)
	}

	checkpoints, err := c.Store.LoadAllCheckpoints(prevID)
	if err != nil {
		return RerunPlan{}, fmt.Errorf("loading checkpoints: %w", err)
	}
	var artifacts []core.ArtifactRef
	var missing []string
	for i := 0; i < req.FromStage; i++ {
		cp, ok := checkpoints[req.Stages[i]]
		if !ok || !cp.Valid || cp.Index != i {
			missing = append(missing, req.Stages[i])
			continue
		}
		artifacts = append(artifacts, cp.Artifacts...)
	}
	if len(missing) != 0 {
		return RerunPlan{}, fmt.Errorf("%w: no checkpoint for stage(s) %s", ErrNotEligible, strings.Join(missing, ","))
	}

	return RerunPlan{
		Previous:   prev,
		RetryCount: prev.RetryCount + 1,
		Reuse: dag.ReusePlan{
			FromRunID: prevID,
			FromStage: req.FromStage,
			Artifacts: artifacts,
		},
	}, nil
}
