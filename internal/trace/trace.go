// Package trace records the canonical, deterministic account of a pipeline run.
package trace

import (
	_ "crypto/sha256" // registers digest.Canonical
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/opencontainers/go-digest"
)

// RunTrace is the canonical record of what happened in a run.
//
// It captures logical transitions only: no timestamps, run ids or error
// strings. Two runs of the same graph that reach the same outcomes produce
// byte-identical canonical JSON, regardless of how parallel actions interleaved.
type RunTrace struct {
	GraphHash string
	Events    []Event
}

// EventKind is the stable, canonical discriminator for Event.
// The string values are part of the trace's canonical bytes; do not rename.
type EventKind string

const (
	EventActionReused    EventKind = "ActionReused"
	EventActionSucceeded EventKind = "ActionSucceeded"
	EventActionFailed    EventKind = "ActionFailed"
	EventActionTimedOut  EventKind = "ActionTimedOut"
	EventActionCancelled EventKind = "ActionCancelled"
	EventActionSkipped   EventKind = "ActionSkipped"
)

// Event is a single logical transition of one action.
type Event struct {
	Kind EventKind

	// Action is the "<stage>/<action>" address of the action.
	Action string

	// Reason is a stable reason code: a failure kind such as "TimeoutError",
	// or "UpstreamFailed" / "RunAborted" for skips.
	Reason string

	// Cause names a related action, e.g. the failing action behind a skip.
	Cause string

	// Artifacts lists the artifacts published (or carried) by the action.
	Artifacts []string
}

// Validate checks basic invariants and returns a descriptive error.
func (t *RunTrace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	if t.GraphHash == "" {
		return errors.New("graphHash is required")
	}
	for i, e := range t.Events {
		if e.Kind == "" {
			return fmt.Errorf("events[%d].kind is required", i)
		}
		if e.Action == "" {
			return fmt.Errorf("events[%d].action is required for kind %q", i, e.Kind)
		}
		for j, a := range e.Artifacts {
			if a == "" {
				return fmt.Errorf("events[%d].artifacts[%d] is empty", i, j)
			}
		}
	}
	return nil
}

// Canonicalize normalizes and sorts the trace into its canonical form:
// artifacts sorted (empty normalized to nil), then events stably sorted by
// (action, kindOrder, reason, cause, artifacts).
func (t *RunTrace) Canonicalize() {
	if t == nil {
		return
	}
	for i := range t.Events {
		if len(t.Events[i].Artifacts) == 0 {
			t.Events[i].Artifacts = nil
			continue
		}
		art := append([]string(nil), t.Events[i].Artifacts...)
		sort.Strings(art)
		t.Events[i].Artifacts = art
	}

	sort.SliceStable(t.Events, func(i, j int) bool {
		a, b := t.Events[i], t.Events[j]
		if a.Action != b.Action {
			return a.Action < b.Action
		}
		if kindOrder(a.Kind) != kindOrder(b.Kind) {
			return kindOrder(a.Kind) < kindOrder(b.Kind)
		}
		if a.Reason != b.Reason {
			return a.Reason < b.Reason
		}
		if a.Cause != b.Cause {
			return a.Cause < b.Cause
		}
		return lessStrings(a.Artifacts, b.Artifacts)
	})
}

func kindOrder(k EventKind) int {
	switch k {
	case EventActionReused:
		return 10
	case EventActionSucceeded:
		return 20
	case EventActionFailed:
		return 30
	case EventActionTimedOut:
		return 40
	case EventActionCancelled:
		return 50
	case EventActionSkipped:
		return 60
	default:
		return 1000
	}
}

func lessStrings(a, b []string) bool {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// CanonicalJSON returns the canonical JSON encoding of the trace.
// It canonicalizes a copy to avoid mutating the caller's slices.
func (t RunTrace) CanonicalJSON() ([]byte, error) {
	c := RunTrace{GraphHash: t.GraphHash, Events: append([]Event(nil), t.Events...)}
	c.Canonicalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(&c)
}

// Hash returns the digest of the canonical JSON encoding, e.g.
// "sha256:3f1c...". Equal outcomes hash equally.
func (t RunTrace) Hash() (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	return digest.Canonical.FromBytes(b).String(), nil
}

type wireTrace struct {
	GraphHash string  `json:"graphHash"`
	Events    []Event `json:"events"`
}

type wireEvent struct {
	Kind      EventKind `json:"kind"`
	Action    string    `json:"action,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Cause     string    `json:"cause,omitempty"`
	Artifacts []string  `json:"artifacts,omitempty"`
}

// MarshalJSON fixes field order: graphHash, then events.
func (t RunTrace) MarshalJSON() ([]byte, error) {
	if t.GraphHash == "" {
		return nil, errors.New("graphHash is required")
	}
	w := wireTrace{GraphHash: t.GraphHash, Events: t.Events}
	if w.Events == nil {
		w.Events = []Event{}
	}
	return json.Marshal(w)
}

// MarshalJSON fixes field order and omits empty optional fields.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Kind == "" {
		return nil, errors.New("kind is required")
	}
	w := wireEvent{Kind: e.Kind, Action: e.Action, Reason: e.Reason, Cause: e.Cause}
	if len(e.Artifacts) > 0 {
		w.Artifacts = append([]string(nil), e.Artifacts...)
		sort.Strings(w.Artifacts)
	}
	return json.Marshal(w)
}
