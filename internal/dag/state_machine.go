package dag

import "fmt"

// IsTerminal reports whether the action state is terminal (finished).
func IsTerminal(s ActionState) bool {
	switch s {
	case ActionSucceeded, ActionFailed, ActionTimedOut, ActionCancelled, ActionSkipped, ActionReused:
		return true
	default:
		return false
	}
}

// IsSuccessful reports whether the action state satisfies stage progression.
func IsSuccessful(s ActionState) bool {
	return s == ActionSucceeded || s == ActionReused
}

// IsStageTerminal reports whether the stage state is terminal.
func IsStageTerminal(s StageState) bool {
	switch s {
	case StageSucceeded, StageFailed, StageCancelled, StageSkipped, StageReused:
		return true
	default:
		return false
	}
}

// IsRunTerminal reports whether the run state is terminal.
func IsRunTerminal(s RunState) bool {
	return s == RunSucceeded || s == RunFailed || s == RunAborted
}

var actionTransitions = map[ActionState][]ActionState{
	ActionPending: {ActionRunning, ActionSkipped, ActionReused, ActionFailed},
	ActionRunning: {ActionSucceeded, ActionFailed, ActionTimedOut, ActionCancelled},
}

var stageTransitions = map[StageState][]StageState{
	StagePending: {StageRunning, StageSkipped, StageReused, StageFailed},
	StageRunning: {StageSucceeded, StageFailed, StageCancelled},
}

var runTransitions = map[RunState][]RunState{
	RunPending: {RunRunning, RunAborted},
	RunRunning: {RunSucceeded, RunFailed, RunAborted},
}

func allowed[S ~string](table map[S][]S, from, to S) bool {
	for _, s := range table[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transition performs a validated state change.
//
// The caller supplies the expected prior state (from) to make races observable.
// cur is mutated if and only if the transition is valid.
func transition[S ~string](table map[S][]S, what string, cur *S, from, to S) error {
	if *cur != from {
		return fmt.Errorf("invalid transition for %s: expected %s, got %s", what, from, *cur)
	}
	if !allowed(table, from, to) {
		return fmt.Errorf("disallowed transition for %s: %s -> %s", what, from, to)
	}
	*cur = to
	return nil
}

// TransitionAction validates and applies an action state change.
func TransitionAction(a *ActionStatus, from, to ActionState) error {
	return transition(actionTransitions, "action "+a.Name, &a.State, from, to)
}

// TransitionStage validates and applies a stage state change.
func TransitionStage(s *StageStatus, from, to StageState) error {
	return transition(stageTransitions, "stage "+s.Name, &s.State, from, to)
}

// TransitionRun validates and applies a run state change.
func TransitionRun(r *RunStatus, from, to RunState) error {
	return transition(runTransitions, "run "+r.RunID, &r.State, from, to)
}

// SkipFrom marks every still-pending stage at or after index as SKIPPED,
// together with all of its pending actions. Stages and actions that already
// reached another state are left unchanged.
func SkipFrom(r *RunStatus, index int) {
	for i := index; i < len(r.Stages); i++ {
		st := &r.Stages[i]
		for j := range st.Actions {
			if st.Actions[j].State == ActionPending {
				st.Actions[j].State = ActionSkipped
			}
		}
		if st.State == StagePending {
			st.State = StageSkipped
		}
	}
}
