// Package action provides the procedures that pipeline actions run.
//
// A procedure receives the payloads of its declared inputs and returns the
// payloads of the outputs it produced. It never touches the artifact store:
// the executor resolves inputs before the call and publishes outputs after it.
package action

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"stageflow/internal/core"
	"stageflow/internal/log"
)

// Procedure is the work behind an action.
//
// Execute must honour ctx: the action timeout and stage cancellation are
// delivered through it. Returned output names that the action does not
// declare are ignored by the executor.
type Procedure interface {
	Execute(ctx context.Context, inputs map[string][]byte) (map[string][]byte, error)
}

// Func adapts a function to Procedure.
type Func func(ctx context.Context, inputs map[string][]byte) (map[string][]byte, error)

func (f Func) Execute(ctx context.Context, inputs map[string][]byte) (map[string][]byte, error) {
	return f(ctx, inputs)
}

// Factory builds a procedure from its "with" parameters.
type Factory func(with map[string]any) (Procedure, error)

// Registry maps procedure kinds to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory for kind. Registering a kind twice is an error.
func (r *Registry) Register(kind string, f Factory) error {
	if kind == "" {
		return fmt.Errorf("procedure kind is required")
	}
	if f == nil {
		return fmt.Errorf("procedure %q: factory is nil", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("procedure %q already registered", kind)
	}
	r.factories[kind] = f
	return nil
}

// MustRegister is Register for static wiring.
func (r *Registry) MustRegister(kind string, f Factory) {
	if err := r.Register(kind, f); err != nil {
		panic(err)
	}
}

// Build resolves ref to a procedure. Unknown kinds and rejected parameters
// are validation errors.
func (r *Registry) Build(ref core.ProcedureRef) (Procedure, error) {
	r.mu.RLock()
	f, ok := r.factories[ref.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown procedure kind %q", core.ErrValidation, ref.Kind)
	}
	p, err := f(ref.With)
	if err != nil {
		return nil, fmt.Errorf("%w: procedure %q: %v", core.ErrValidation, ref.Kind, err)
	}
	return p, nil
}

// Kinds lists the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Deps carries the collaborators the built-in procedures need.
type Deps struct {
	// Provisioners resolves the provision procedure's "provisioner" parameter.
	Provisioners map[string]Provisioner

	// Cloner fetches git sources. Nil selects MemoryCloner.
	Cloner Cloner

	// WorkRoot is where command workspaces are created. Empty selects the
	// system temp directory.
	WorkRoot string

	Logger *log.Logger
}

// Built-in procedure kinds.
const (
	KindLiteral   = "literal"
	KindCommand   = "command"
	KindGitSource = "git-source"
	KindProvision = "provision"
)

// DefaultRegistry returns a registry holding every built-in procedure.
func DefaultRegistry(deps Deps) *Registry {
	if deps.Logger == nil {
		deps.Logger = log.Nop()
	}
	if deps.Cloner == nil {
		deps.Cloner = MemoryCloner
	}
	r := NewRegistry()
	r.MustRegister(KindLiteral, NewLiteral)
	r.MustRegister(KindCommand, func(with map[string]any) (Procedure, error) {
		return NewCommand(with, deps.WorkRoot, deps.Logger)
	})
	r.MustRegister(KindGitSource, func(with map[string]any) (Procedure, error) {
		return NewGitSource(with, deps.Cloner)
	})
	r.MustRegister(KindProvision, func(with map[string]any) (Procedure, error) {
		return NewProvision(with, deps.Provisioners)
	})
	return r
}
