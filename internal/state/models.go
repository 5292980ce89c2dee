package state

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"stageflow/internal/core"
	"stageflow/internal/dag"
)

type ExecutionMode string

const (
	ExecutionModeRun   ExecutionMode = "run"
	ExecutionModeRerun ExecutionMode = "rerun"
)

// Run is the persistent record of one execution attempt: the last observed
// RunStatus snapshot plus the attempt metadata.
//
// RetryCount counts how many reruns separate this run from its original
// attempt; a rerun of a run with retry_count n has retry_count n+1.
type Run struct {
	dag.RunStatus

	Mode           ExecutionMode `json:"mode"`
	RetryCount     int           `json:"retry_count"`
	RerunFromStage string        `json:"rerun_from_stage,omitempty"`
}

// RunFromStatus builds a record from an executor snapshot.
func RunFromStatus(st dag.RunStatus, mode ExecutionMode, retryCount int, fromStage string) Run {
	return Run{RunStatus: st.Clone(), Mode: mode, RetryCount: retryCount, RerunFromStage: fromStage}
}

func (r Run) Validate() error {
	var errs []error
	if strings.TrimSpace(r.RunID) == "" {
		errs = append(errs, errors.New("run_id is required"))
	}
	if strings.TrimSpace(r.Pipeline) == "" {
		errs = append(errs, errors.New("pipeline is required"))
	}
	if strings.TrimSpace(r.GraphHash) == "" {
		errs = append(errs, errors.New("graph_hash is required"))
	}
	switch r.State {
	case dag.RunPending, dag.RunRunning, dag.RunSucceeded, dag.RunFailed, dag.RunAborted:
	default:
		errs = append(errs, fmt.Errorf("invalid state %q", r.State))
	}
	switch r.Mode {
	case ExecutionModeRun:
		if r.PreviousRunID != "" {
			errs = append(errs, errors.New("previous_run_id is only valid for reruns"))
		}
	case ExecutionModeRerun:
		if strings.TrimSpace(r.PreviousRunID) == "" {
			errs = append(errs, errors.New("previous_run_id is required for reruns"))
		}
		if strings.TrimSpace(r.RerunFromStage) == "" {
			errs = append(errs, errors.New("rerun_from_stage is required for reruns"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid mode %q", r.Mode))
	}
	if r.RetryCount < 0 {
		errs = append(errs, errors.New("retry_count must be >= 0"))
	}
	if len(r.Stages) == 0 {
		errs = append(errs, errors.New("stages are required"))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

// Checkpoint records that a stage completed and which artifacts it left
// behind for later stages.
//
// Artifacts are the refs the stage's actions published, digests included;
// OutputHash summarizes them so a reader can detect a tampered record.
type Checkpoint struct {
	Stage      string             `json:"stage"`
	Index      int                `json:"index"`
	Timestamp  time.Time          `json:"timestamp"`
	Artifacts  []core.ArtifactRef `json:"artifacts"`
	OutputHash string             `json:"output_hash"`
	Valid      bool               `json:"valid"`
}

func (c Checkpoint) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Stage) == "" {
		errs = append(errs, errors.New("stage is required"))
	}
	if c.Index < 0 {
		errs = append(errs, errors.New("index must be >= 0"))
	}
	if c.Timestamp.IsZero() {
		errs = append(errs, errors.New("timestamp is required"))
	}
	for i, a := range c.Artifacts {
		if strings.TrimSpace(a.Name) == "" || strings.TrimSpace(a.RunID) == "" {
			errs = append(errs, fmt.Errorf("artifacts[%d] must name the artifact and its run", i))
		}
		if err := a.Digest.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("artifacts[%d]: %w", i, err))
		}
	}
	if strings.TrimSpace(c.OutputHash) == "" {
		errs = append(errs, errors.New("output_hash is required"))
	} else if len(errs) == 0 && c.OutputHash != computeOutputHash(c.Artifacts) {
		errs = append(errs, errors.New("output_hash does not match artifacts"))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

type FailureClass string

const (
	FailureClassValidation FailureClass = "validation"
	FailureClassDependency FailureClass = "dependency"
	FailureClassTimeout    FailureClass = "timeout"
	FailureClassAction     FailureClass = "action"
	FailureClassCancelled  FailureClass = "cancelled"
	FailureClassSystem     FailureClass = "system"
)

// Failure is a recorded run termination reason.
//
// Stage and Action are set when the failure is attributable to one action.
type Failure struct {
	Class     FailureClass `json:"failure_class"`
	Stage     *string      `json:"stage,omitempty"`
	Action    *string      `json:"action,omitempty"`
	ErrorKind string       `json:"error_kind"`
	Message   string       `json:"error_message"`
	Resumable bool         `json:"resumable"`
}

func (f Failure) Validate() error {
	var errs []error
	switch f.Class {
	case FailureClassValidation, FailureClassDependency, FailureClassTimeout,
		FailureClassAction, FailureClassCancelled, FailureClassSystem:
	default:
		errs = append(errs, fmt.Errorf("invalid failure_class %q", f.Class))
	}
	if f.Stage != nil && strings.TrimSpace(*f.Stage) == "" {
		errs = append(errs, errors.New("stage must not be empty when provided"))
	}
	if f.Action != nil && strings.TrimSpace(*f.Action) == "" {
		errs = append(errs, errors.New("action must not be empty when provided"))
	}
	if f.Action != nil && f.Stage == nil {
		errs = append(errs, errors.New("action requires stage"))
	}
	if strings.TrimSpace(f.ErrorKind) == "" {
		errs = append(errs, errors.New("error_kind is required"))
	}
	if strings.TrimSpace(f.Message) == "" {
		errs = append(errs, errors.New("error_message is required"))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
