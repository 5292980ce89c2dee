package core

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrDependency        = errors.New("dependency error")
	ErrTimeout           = errors.New("action timed out")
	ErrActionFailed      = errors.New("action failed")
	ErrDuplicateArtifact = errors.New("duplicate artifact")
	ErrNotFound          = errors.New("artifact not found")
	ErrCancelled         = errors.New("cancelled")
	ErrIntegrity         = errors.New("artifact integrity check failed")
)

// ArtifactError reports a store failure for a single artifact key.
type ArtifactError struct {
	Kind  error
	Name  string
	RunID string
	Cause error
}

func (e *ArtifactError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("%s: %s (run %s)", e.Kind.Error(), e.Name, e.RunID)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ArtifactError) Unwrap() []error { return nonNil(e.Kind, e.Cause) }

func artifactErr(kind error, key ArtifactKey, cause error) error {
	return &ArtifactError{Kind: kind, Name: key.Name, RunID: key.RunID, Cause: cause}
}

// ActionError reports why an action did not succeed.
//
// Kind is one of ErrTimeout, ErrActionFailed, ErrCancelled, ErrDependency,
// ErrDuplicateArtifact or ErrIntegrity.
type ActionError struct {
	Kind   error
	Stage  string
	Action string
	Cause  error
}

func (e *ActionError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("stage %q action %q: %s", e.Stage, e.Action, e.Kind.Error())
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ActionError) Unwrap() []error { return nonNil(e.Kind, e.Cause) }

func nonNil(errs ...error) []error {
	out := make([]error, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			out = append(out, err)
		}
	}
	return out
}

// Kind names reported in run status and failure records.
const (
	KindValidation = "ValidationError"
	KindDependency = "DependencyError"
	KindTimeout    = "TimeoutError"
	KindAction     = "ActionFailure"
	KindDuplicate  = "DuplicateArtifactError"
	KindNotFound   = "NotFoundError"
	KindCancelled  = "CancelledError"
	KindIntegrity  = "IntegrityError"
	KindInternal   = "InternalError"
)

// KindName maps err onto the failure taxonomy. Typed errors report their own
// Kind; anything else is matched against the sentinels.
func KindName(err error) string {
	if err == nil {
		return ""
	}
	var ae *ActionError
	if errors.As(err, &ae) && ae.Kind != nil {
		return sentinelName(ae.Kind)
	}
	var ar *ArtifactError
	if errors.As(err, &ar) && ar.Kind != nil {
		return sentinelName(ar.Kind)
	}
	return sentinelName(err)
}

func sentinelName(err error) string {
	switch {
	case errors.Is(err, ErrDependency):
		return KindDependency
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	case errors.Is(err, ErrDuplicateArtifact):
		return KindDuplicate
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrIntegrity):
		return KindIntegrity
	case errors.Is(err, ErrActionFailed):
		return KindAction
	default:
		return KindInternal
	}
}
