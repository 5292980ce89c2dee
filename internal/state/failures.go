package state

import (
	"errors"

	"stageflow/internal/core"
	"stageflow/internal/dag"
)

// classOf maps a failure kind name onto a failure class. Validation failures
// are a property of the definition and never resumable; everything else may
// be rerun from the last checkpoint.
func classOf(kind string) (FailureClass, bool) {
	switch kind {
	case core.KindValidation:
		return FailureClassValidation, false
	case core.KindDependency, core.KindNotFound:
		return FailureClassDependency, true
	case core.KindTimeout:
		return FailureClassTimeout, true
	case core.KindAction, core.KindDuplicate:
		return FailureClassAction, true
	case core.KindCancelled:
		return FailureClassCancelled, true
	default:
		return FailureClassSystem, true
	}
}

// failureFromError classifies an error that ended a run outside of any
// single action (e.g. a store outage or an invalid reuse plan).
func failureFromError(err error) (Failure, error) {
	if err == nil {
		return Failure{}, errors.New("nil error")
	}
	kind := core.KindName(err)
	class, resumable := classOf(kind)
	return Failure{
		Class:     class,
		ErrorKind: kind,
		Message:   err.Error(),
		Resumable: resumable,
	}, nil
}

// FailureFromStatus derives the failure record of a terminal run. It reports
// false for runs that succeeded or have not finished.
//
// The first FAILED or TIMED_OUT action in declaration order is blamed. An
// aborted run is attributed to cancellation even when actions were
// interrupted mid-flight.
func FailureFromStatus(st dag.RunStatus) (Failure, bool) {
	switch st.State {
	case dag.RunFailed, dag.RunAborted:
	default:
		return Failure{}, false
	}

	if st.State == dag.RunFailed {
		for _, stage := range st.Stages {
			for _, a := range stage.Actions {
				if a.State != dag.ActionFailed && a.State != dag.ActionTimedOut {
					continue
				}
				kind := nonEmptyOr(a.ErrorKind, core.KindInternal)
				class, resumable := classOf(kind)
				stageName, actionName := stage.Name, a.Name
				return Failure{
					Class:     class,
					Stage:     &stageName,
					Action:    &actionName,
					ErrorKind: kind,
					Message:   nonEmptyOr(a.Error, kind),
					Resumable: resumable,
				}, true
			}
		}
	}

	kind := st.ErrorKind
	if kind == "" {
		if st.State == dag.RunAborted {
			kind = core.KindCancelled
		} else {
			kind = core.KindInternal
		}
	}
	class, resumable := classOf(kind)
	f := Failure{
		Class:     class,
		ErrorKind: kind,
		Message:   nonEmptyOr(st.Error, "run "+string(st.State)),
		Resumable: resumable,
	}
	if st.CurrentStage >= 0 && st.CurrentStage < len(st.Stages) {
		name := st.Stages[st.CurrentStage].Name
		f.Stage = &name
	}
	return f, true
}

func nonEmptyOr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
