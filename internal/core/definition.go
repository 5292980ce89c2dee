package core

import (
	"fmt"
	"regexp"
	"time"
)

// DefaultActionTimeout applies when an action declares no timeout.
const DefaultActionTimeout = 30 * time.Minute

// Policy controls how the actions of a stage are dispatched.
type Policy string

const (
	PolicySequential Policy = "sequential"
	PolicyParallel   Policy = "parallel"
)

// Valid reports whether p is a known policy.
func (p Policy) Valid() bool {
	return p == PolicySequential || p == PolicyParallel
}

// ProcedureRef names the procedure an action runs and its parameters.
//
// Kind is resolved against the procedure registry; With is opaque to the
// executor and interpreted by the procedure factory.
type ProcedureRef struct {
	Kind string         `json:"kind"`
	With map[string]any `json:"with,omitempty"`
}

// RetryPolicy bounds per-action retries. A zero value means a single attempt.
type RetryPolicy struct {
	MaxAttempts     int           `json:"max_attempts,omitempty"`
	InitialInterval time.Duration `json:"initial_interval,omitempty"`
	MaxInterval     time.Duration `json:"max_interval,omitempty"`
}

// ActionDef is a single unit of work within a stage.
type ActionDef struct {
	// Name is unique within its stage.
	Name string

	// Inputs lists the artifacts the action consumes, in declaration order.
	Inputs []string

	// Outputs lists the artifacts the action must produce on success.
	Outputs []string

	Procedure ProcedureRef

	// Timeout bounds the action from dispatch to result, retries included.
	// Zero selects DefaultActionTimeout.
	Timeout time.Duration

	Retry RetryPolicy
}

// StageDef is an ordered group of actions sharing a dispatch policy.
type StageDef struct {
	Name    string
	Policy  Policy
	Actions []ActionDef
}

// PipelineDef is the declarative description of a pipeline.
type PipelineDef struct {
	Name   string
	Stages []StageDef
}

// Clone returns a deep copy of the definition. Procedure parameters are
// copied one level deep; nested values are treated as read-only.
func (p PipelineDef) Clone() PipelineDef {
	out := PipelineDef{Name: p.Name, Stages: make([]StageDef, len(p.Stages))}
	for i, s := range p.Stages {
		cs := StageDef{Name: s.Name, Policy: s.Policy, Actions: make([]ActionDef, len(s.Actions))}
		for j, a := range s.Actions {
			ca := a
			ca.Inputs = append([]string(nil), a.Inputs...)
			ca.Outputs = append([]string(nil), a.Outputs...)
			if a.Procedure.With != nil {
				ca.Procedure.With = make(map[string]any, len(a.Procedure.With))
				for k, v := range a.Procedure.With {
					ca.Procedure.With[k] = v
				}
			}
			cs.Actions[j] = ca
		}
		out.Stages[i] = cs
	}
	return out
}

var artifactNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateArtifactName rejects names that cannot be used as a storage key.
func ValidateArtifactName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: artifact name is required", ErrValidation)
	}
	if len(name) > 255 || !artifactNameRe.MatchString(name) {
		return fmt.Errorf("%w: invalid artifact name %q", ErrValidation, name)
	}
	return nil
}
