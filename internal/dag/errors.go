package dag

import (
	"errors"
	"fmt"
	"strings"

	"stageflow/internal/core"
)

var (
	ErrInvalidGraph = errors.New("invalid pipeline graph")
	ErrCycleFound   = fmt.Errorf("%w: cycle detected", core.ErrValidation)
)

// GraphError wraps deterministic graph validation failures.
//
// Kind is core.ErrValidation, core.ErrDependency or ErrCycleFound. Every
// GraphError also matches ErrInvalidGraph.
type GraphError struct {
	Kind error
	Msg  string

	// Artifact and Action are set for dependency failures.
	Artifact string
	Action   ActionRef
}

func (e *GraphError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *GraphError) Unwrap() []error { return []error{e.Kind, ErrInvalidGraph} }

func invalidf(format string, args ...any) error {
	return &GraphError{Kind: core.ErrValidation, Msg: fmt.Sprintf(format, args...)}
}

func missingProducer(artifact string, consumer ActionRef, detail string) error {
	msg := fmt.Sprintf("artifact %q consumed by %s has no earlier producer", artifact, consumer)
	if detail != "" {
		msg += " (" + detail + ")"
	}
	return &GraphError{Kind: core.ErrDependency, Msg: msg, Artifact: artifact, Action: consumer}
}

func cycleError(path []string) error {
	msg := "cycle"
	if len(path) > 0 {
		msg = "cycle: " + strings.Join(path, " -> ")
	}
	return &GraphError{Kind: ErrCycleFound, Msg: msg}
}
