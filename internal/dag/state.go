package dag

import (
	"time"

	"stageflow/internal/core"
)

// ActionState is the runtime execution state of an action.
type ActionState string

const (
	ActionPending   ActionState = "PENDING"
	ActionRunning   ActionState = "RUNNING"
	ActionSucceeded ActionState = "SUCCEEDED"
	ActionFailed    ActionState = "FAILED"
	ActionTimedOut  ActionState = "TIMED_OUT"
	ActionCancelled ActionState = "CANCELLED"
	ActionSkipped   ActionState = "SKIPPED"
	ActionReused    ActionState = "REUSED"
)

// StageState is the runtime execution state of a stage.
type StageState string

const (
	StagePending   StageState = "PENDING"
	StageRunning   StageState = "RUNNING"
	StageSucceeded StageState = "SUCCEEDED"
	StageFailed    StageState = "FAILED"
	StageCancelled StageState = "CANCELLED"
	StageSkipped   StageState = "SKIPPED"
	StageReused    StageState = "REUSED"
)

// RunState is the runtime execution state of a run.
type RunState string

const (
	RunPending   RunState = "PENDING"
	RunRunning   RunState = "RUNNING"
	RunSucceeded RunState = "SUCCEEDED"
	RunFailed    RunState = "FAILED"
	RunAborted   RunState = "ABORTED"
)

// ActionStatus is the observable state of one action within a run.
type ActionStatus struct {
	Name      string             `json:"name"`
	State     ActionState        `json:"state"`
	ErrorKind string             `json:"error_kind,omitempty"`
	Error     string             `json:"error,omitempty"`
	Attempts  int                `json:"attempts,omitempty"`
	Outputs   []core.ArtifactRef `json:"outputs,omitempty"`
	StartedAt *time.Time         `json:"started_at,omitempty"`
	EndedAt   *time.Time         `json:"ended_at,omitempty"`
}

// StageStatus is the observable state of one stage within a run.
type StageStatus struct {
	Name      string         `json:"name"`
	Policy    core.Policy    `json:"policy"`
	State     StageState     `json:"state"`
	StartedAt *time.Time     `json:"started_at,omitempty"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
	Actions   []ActionStatus `json:"actions"`
}

// RunStatus is a point-in-time snapshot of a run.
//
// CurrentStage is the index of the stage being executed, or of the last stage
// that was executed once the run is terminal; -1 before any stage starts.
type RunStatus struct {
	RunID         string        `json:"run_id"`
	Pipeline      string        `json:"pipeline"`
	GraphHash     string        `json:"graph_hash"`
	State         RunState      `json:"state"`
	CurrentStage  int           `json:"current_stage"`
	PreviousRunID string        `json:"previous_run_id,omitempty"`
	ErrorKind     string        `json:"error_kind,omitempty"`
	Error         string        `json:"error,omitempty"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	EndedAt       *time.Time    `json:"ended_at,omitempty"`
	Stages        []StageStatus `json:"stages"`
}

// Clone returns a deep copy of the snapshot.
func (s RunStatus) Clone() RunStatus {
	out := s
	out.StartedAt = cloneTime(s.StartedAt)
	out.EndedAt = cloneTime(s.EndedAt)
	out.Stages = make([]StageStatus, len(s.Stages))
	for i, st := range s.Stages {
		cs := st
		cs.StartedAt = cloneTime(st.StartedAt)
		cs.EndedAt = cloneTime(st.EndedAt)
		cs.Actions = make([]ActionStatus, len(st.Actions))
		for j, a := range st.Actions {
			ca := a
			ca.StartedAt = cloneTime(a.StartedAt)
			ca.EndedAt = cloneTime(a.EndedAt)
			ca.Outputs = append([]core.ArtifactRef(nil), a.Outputs...)
			cs.Actions[j] = ca
		}
		out.Stages[i] = cs
	}
	return out
}

// Stage returns the status of the named stage.
func (s RunStatus) Stage(name string) (StageStatus, bool) {
	for _, st := range s.Stages {
		if st.Name == name {
			return st, true
		}
	}
	return StageStatus{}, false
}

// Action returns the status of the named action.
func (s RunStatus) Action(stage, action string) (ActionStatus, bool) {
	st, ok := s.Stage(stage)
	if !ok {
		return ActionStatus{}, false
	}
	for _, a := range st.Actions {
		if a.Name == action {
			return a, true
		}
	}
	return ActionStatus{}, false
}

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool { return IsRunTerminal(s.State) }

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
