package state

import (
	"fmt"
	"testing"

	"stageflow/internal/core"
	"stageflow/internal/dag"
)

func TestFailureFromStatus_BlamesFirstFailedAction(t *testing.T) {
	f, ok := FailureFromStatus(runStatus("r", dag.RunFailed))
	if !ok {
		t.Fatalf("expected a failure record")
	}
	if f.Class != FailureClassAction || !f.Resumable || f.ErrorKind != core.KindAction {
		t.Fatalf("unexpected failure: %#v", f)
	}
	if f.Stage == nil || *f.Stage != "Deploy" || f.Action == nil || *f.Action != "Deploy" {
		t.Fatalf("failure not attributed to Deploy/Deploy: %#v", f)
	}
	if f.Message != "AccessDenied" {
		t.Fatalf("unexpected message %q", f.Message)
	}
}

func TestFailureFromStatus_Timeout(t *testing.T) {
	st := runStatus("r", dag.RunFailed)
	st.Stages[2].Actions[0] = dag.ActionStatus{Name: "Deploy", State: dag.ActionTimedOut, ErrorKind: core.KindTimeout, Error: "exceeded 1s"}
	f, ok := FailureFromStatus(st)
	if !ok || f.Class != FailureClassTimeout || !f.Resumable {
		t.Fatalf("unexpected failure: %#v", f)
	}
}

func TestFailureFromStatus_AbortedRunIsCancelled(t *testing.T) {
	st := runStatus("r", dag.RunAborted)
	st.Stages[2].Actions[0] = dag.ActionStatus{Name: "Deploy", State: dag.ActionCancelled, ErrorKind: core.KindCancelled}
	st.CurrentStage = 2
	f, ok := FailureFromStatus(st)
	if !ok {
		t.Fatalf("expected a failure record")
	}
	if f.Class != FailureClassCancelled || !f.Resumable || f.Action != nil {
		t.Fatalf("unexpected failure: %#v", f)
	}
	if f.Stage == nil || *f.Stage != "Deploy" {
		t.Fatalf("expected current stage to be named: %#v", f)
	}
	if err := f.Validate(); err != nil {
		t.Fatalf("record must be valid: %v", err)
	}
}

func TestFailureFromStatus_SucceededHasNoRecord(t *testing.T) {
	if _, ok := FailureFromStatus(dag.RunStatus{State: dag.RunSucceeded}); ok {
		t.Fatalf("succeeded runs have no failure record")
	}
	if _, ok := FailureFromStatus(dag.RunStatus{State: dag.RunRunning}); ok {
		t.Fatalf("running runs have no failure record")
	}
}

func TestFailureFromError_Classification(t *testing.T) {
	cases := []struct {
		err       error
		class     FailureClass
		resumable bool
	}{
		{fmt.Errorf("%w: bad plan", core.ErrValidation), FailureClassValidation, false},
		{fmt.Errorf("%w: missing", core.ErrDependency), FailureClassDependency, true},
		{fmt.Errorf("%w: slow", core.ErrTimeout), FailureClassTimeout, true},
		{fmt.Errorf("%w: exit 1", core.ErrActionFailed), FailureClassAction, true},
		{fmt.Errorf("%w: stop", core.ErrCancelled), FailureClassCancelled, true},
		{fmt.Errorf("disk full"), FailureClassSystem, true},
	}
	for _, tc := range cases {
		f, err := failureFromError(tc.err)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if f.Class != tc.class || f.Resumable != tc.resumable {
			t.Fatalf("%v: unexpected failure %#v", tc.err, f)
		}
		if err := f.Validate(); err != nil {
			t.Fatalf("%v: invalid record: %v", tc.err, err)
		}
	}
	if _, err := failureFromError(nil); err == nil {
		t.Fatalf("expected error for nil")
	}
}
