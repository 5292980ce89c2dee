package cli

import (
	"errors"
	"fmt"

	"stageflow/internal/core"
	"stageflow/internal/dag"
)

const (
	ExitSuccess           = 0
	ExitRunFailed         = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
	ExitRunAborted        = 5
)

// ExitError carries the exit code a command wants the process to end with.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

func invalidInvocationf(format string, args ...any) error {
	return &ExitError{Code: ExitInvalidInvocation, Err: fmt.Errorf(format, args...)}
}

func configError(err error) error {
	return &ExitError{Code: ExitConfigError, Err: err}
}

// ExitCode maps an error returned by a command onto a process exit code.
// Definition problems are configuration errors; anything unclassified is
// internal.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var ee *ExitError
	if errors.As(err, &ee) && ee != nil {
		if ee.Code != 0 {
			return ee.Code
		}
		return ExitInternalError
	}
	if errors.Is(err, core.ErrValidation) || errors.Is(err, core.ErrDependency) {
		return ExitConfigError
	}
	return ExitInternalError
}

// exitForRun maps a terminal run state onto an exit code.
func exitForRun(st dag.RunStatus) int {
	switch st.State {
	case dag.RunSucceeded:
		return ExitSuccess
	case dag.RunAborted:
		return ExitRunAborted
	case dag.RunFailed:
		return ExitRunFailed
	default:
		return ExitInternalError
	}
}
