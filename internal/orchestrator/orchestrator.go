// Package orchestrator owns the registered pipelines and every run started
// against them.
//
// It is the trigger and query surface of stageflow: StartRun and StartRerun
// create runs, AbortRun asks one to stop, Status and Wait observe it. Each run
// executes on its own goroutine; the caller's context only contributes values
// (such as loggers), never cancellation, so a run outlives the request that
// started it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"stageflow/internal/action"
	"stageflow/internal/core"
	"stageflow/internal/dag"
	"stageflow/internal/log"
	"stageflow/internal/metrics"
	"stageflow/internal/state"
	"stageflow/internal/trace"
)

var (
	ErrUnknownPipeline = errors.New("unknown pipeline")
	ErrRunNotFound     = errors.New("run not found")
)

// RetentionPolicy decides when a finished run's artifact namespace is
// released. Keep wins over TTL; a zero TTL releases immediately.
type RetentionPolicy struct {
	Keep bool
	TTL  time.Duration
}

// Config wires an Orchestrator. Store and Registry are required.
type Config struct {
	Store    *core.Store
	Registry *action.Registry

	// State, if set, persists run records, stage checkpoints and failures,
	// and is consulted for reruns of runs this process did not execute.
	State *state.Store

	Parallelism int
	Retention   RetentionPolicy

	Logger  *log.Logger
	Metrics *metrics.Metrics
}

type pipeline struct {
	graph    *dag.PipelineGraph
	executor *dag.Executor
}

type runEntry struct {
	run      *dag.Run
	pipeline string
	trace    *trace.Recorder

	mode       state.ExecutionMode
	retryCount int
	fromStage  string

	done    chan struct{}
	final   dag.RunStatus
	err     error
	release *time.Timer
	// released is set once the run's artifact namespace is gone.
	released bool
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	cfg      Config
	recorder *state.Recorder

	mu        sync.Mutex
	pipelines map[string]*pipeline
	runs      map[string]*runEntry

	newID func() (string, error)
	wg    sync.WaitGroup
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: artifact store is required", core.ErrValidation)
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("%w: procedure registry is required", core.ErrValidation)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Nop()
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = dag.DefaultParallelism
	}
	o := &Orchestrator{
		cfg:       cfg,
		pipelines: make(map[string]*pipeline),
		runs:      make(map[string]*runEntry),
		newID:     dag.NewRunID,
	}
	if cfg.State != nil {
		o.recorder = &state.Recorder{Store: cfg.State}
	}
	return o, nil
}

// Register makes g available to StartRun under its pipeline name. Every
// action's procedure is resolved here, so an unknown procedure kind is a
// ValidationError and the pipeline is not registered.
func (o *Orchestrator) Register(g *dag.PipelineGraph) error {
	if g == nil {
		return fmt.Errorf("%w: graph is nil", core.ErrValidation)
	}
	exec, err := dag.NewExecutor(g, o.cfg.Store, o.cfg.Registry)
	if err != nil {
		return err
	}
	exec.Parallelism = o.cfg.Parallelism
	exec.Logger = o.cfg.Logger
	exec.Metrics = o.cfg.Metrics
	exec.Observer = dag.ObserverFunc(o.stageFinished)

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.pipelines[g.Name()]; ok {
		return fmt.Errorf("%w: pipeline %q already registered", core.ErrValidation, g.Name())
	}
	o.pipelines[g.Name()] = &pipeline{graph: g, executor: exec}
	return nil
}

// Pipelines lists the registered pipeline names.
func (o *Orchestrator) Pipelines() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	names := make([]string, 0, len(o.pipelines))
	for name := range o.pipelines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (o *Orchestrator) pipeline(name string) (*pipeline, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.pipelines[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPipeline, name)
	}
	return p, nil
}

// StartRun starts a fresh run of the named pipeline and returns its id
// without waiting for it.
func (o *Orchestrator) StartRun(ctx context.Context, name string) (string, error) {
	p, err := o.pipeline(name)
	if err != nil {
		return "", err
	}
	id, err := o.newID()
	if err != nil {
		return "", err
	}
	entry := &runEntry{
		run:      dag.NewRun(p.graph, id),
		pipeline: name,
		mode:     state.ExecutionModeRun,
	}
	o.start(ctx, p, entry)
	return id, nil
}

// StartRerun starts a partial rerun of the named pipeline: stages before
// fromStage are reused from run fromRunID and everything from fromStage on
// executes again.
//
// The previous run is looked up among this orchestrator's runs first and
// then in the state store. Ineligible reruns report state.ErrNotEligible.
func (o *Orchestrator) StartRerun(ctx context.Context, name, fromRunID, fromStage string) (string, error) {
	p, err := o.pipeline(name)
	if err != nil {
		return "", err
	}
	index, ok := p.graph.StageIndex(fromStage)
	if !ok {
		return "", fmt.Errorf("%w: pipeline %q has no stage %q", core.ErrValidation, name, fromStage)
	}

	plan, err := o.rerunPlan(ctx, p.graph, fromRunID, index)
	if err != nil {
		return "", err
	}

	id, err := o.newID()
	if err != nil {
		return "", err
	}
	run := dag.NewRun(p.graph, id)
	run.Reuse = &plan.Reuse
	entry := &runEntry{
		run:        run,
		pipeline:   name,
		mode:       state.ExecutionModeRerun,
		retryCount: plan.RetryCount,
		fromStage:  fromStage,
	}
	o.start(ctx, p, entry)
	return id, nil
}

func (o *Orchestrator) rerunPlan(ctx context.Context, g *dag.PipelineGraph, fromRunID string, index int) (state.RerunPlan, error) {
	o.mu.Lock()
	prev, inMemory := o.runs[fromRunID]
	released := inMemory && prev.released
	o.mu.Unlock()

	var plan state.RerunPlan
	var err error
	switch {
	case inMemory && released:
		return state.RerunPlan{}, fmt.Errorf("%w: artifacts of run %s were released", state.ErrNotEligible, fromRunID)
	case inMemory:
		plan, err = inMemoryPlan(g, prev, index)
	case o.cfg.State == nil:
		return state.RerunPlan{}, fmt.Errorf("%w: %s", ErrRunNotFound, fromRunID)
	default:
		plan, err = o.persistedPlan(g, fromRunID, index)
	}
	if err != nil {
		return state.RerunPlan{}, err
	}
	if err := o.checkCarried(ctx, g, plan); err != nil {
		return state.RerunPlan{}, err
	}
	return plan, nil
}

func (o *Orchestrator) persistedPlan(g *dag.PipelineGraph, fromRunID string, index int) (state.RerunPlan, error) {
	stages := make([]string, 0, len(g.Stages()))
	for _, s := range g.Stages() {
		stages = append(stages, s.Name)
	}
	check := &state.RerunEligibility{Store: o.cfg.State}
	plan, err := check.Check(state.RerunRequest{
		PreviousRunID: fromRunID,
		GraphHash:     g.Hash().String(),
		Stages:        stages,
		FromStage:     index,
	})
	if errors.Is(err, state.ErrNotFound) {
		return state.RerunPlan{}, fmt.Errorf("%w: %s: %w", ErrRunNotFound, fromRunID, err)
	}
	return plan, err
}

// checkCarried makes sure every artifact the rerun has to carry forward can
// still be read. A released or damaged namespace makes the rerun ineligible
// instead of failing it later as a dependency error.
func (o *Orchestrator) checkCarried(ctx context.Context, g *dag.PipelineGraph, plan state.RerunPlan) error {
	refs := make(map[string]core.ArtifactRef, len(plan.Reuse.Artifacts))
	for _, ref := range plan.Reuse.Artifacts {
		refs[ref.Name] = ref
	}
	for _, name := range g.CarriedInto(plan.Reuse.FromStage) {
		ref, ok := refs[name]
		if !ok {
			return fmt.Errorf("%w: run %s has no record of artifact %q", state.ErrNotEligible, plan.Reuse.FromRunID, name)
		}
		if err := o.cfg.Store.Available(ctx, ref); err != nil {
			return fmt.Errorf("%w: artifact %q of run %s is unavailable: %w", state.ErrNotEligible, name, plan.Reuse.FromRunID, err)
		}
	}
	return nil
}

// inMemoryPlan applies the same rules as state.RerunEligibility to a run this
// process still holds.
func inMemoryPlan(g *dag.PipelineGraph, prev *runEntry, index int) (state.RerunPlan, error) {
	select {
	case <-prev.done:
	default:
		return state.RerunPlan{}, fmt.Errorf("%w: previous run %s is still running", state.ErrNotEligible, prev.run.ID)
	}
	st := prev.final
	if st.GraphHash != g.Hash().String() {
		return state.RerunPlan{}, fmt.Errorf("%w: graph hash mismatch (prev=%s new=%s)", state.ErrNotEligible, st.GraphHash, g.Hash())
	}
	if f, ok := state.FailureFromStatus(st); ok && !f.Resumable {
		return state.RerunPlan{}, fmt.Errorf("%w: previous run failure is not resumable (class=%s kind=%s)", state.ErrNotEligible, f.Class, f.ErrorKind)
	}

	var artifacts []core.ArtifactRef
	for i := 0; i < index; i++ {
		cp, err := state.NewCheckpoint(st, i, time.Now())
		if err != nil {
			return state.RerunPlan{}, fmt.Errorf("%w: %w", state.ErrNotEligible, err)
		}
		artifacts = append(artifacts, cp.Artifacts...)
	}
	return state.RerunPlan{
		Previous:   state.RunFromStatus(st, prev.mode, prev.retryCount, prev.fromStage),
		RetryCount: prev.retryCount + 1,
		Reuse: dag.ReusePlan{
			FromRunID: st.RunID,
			FromStage: index,
			Artifacts: artifacts,
		},
	}, nil
}

func (o *Orchestrator) start(ctx context.Context, p *pipeline, entry *runEntry) {
	entry.trace = trace.NewRecorder()
	entry.run.Trace = entry.trace
	entry.done = make(chan struct{})

	o.mu.Lock()
	o.runs[entry.run.ID] = entry
	o.mu.Unlock()

	o.persist(entry, entry.run.Status())

	runCtx := context.WithoutCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		final, err := p.executor.Execute(runCtx, entry.run)
		o.finish(runCtx, entry, final, err)
	}()
}

func (o *Orchestrator) entry(runID string) (*runEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return e, nil
}

// AbortRun asks a run to stop. It reports false when the run had already
// finished; aborting twice is not an error.
func (o *Orchestrator) AbortRun(runID string) (bool, error) {
	e, err := o.entry(runID)
	if err != nil {
		return false, err
	}
	ack := e.run.Abort()
	if ack {
		o.cfg.Logger.Info("abort requested", "run_id", runID, "pipeline", e.pipeline)
	}
	return ack, nil
}

// Status returns a snapshot of a run. Runs this process did not execute are
// read from the state store when one is configured.
func (o *Orchestrator) Status(runID string) (dag.RunStatus, error) {
	e, err := o.entry(runID)
	if err == nil {
		return e.run.Status(), nil
	}
	if o.cfg.State == nil {
		return dag.RunStatus{}, err
	}
	rec, lerr := o.cfg.State.LoadRun(runID)
	if lerr != nil {
		if errors.Is(lerr, state.ErrNotFound) {
			return dag.RunStatus{}, err
		}
		return dag.RunStatus{}, lerr
	}
	return rec.RunStatus, nil
}

// Wait blocks until the run is terminal and its state has been persisted,
// or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, runID string) (dag.RunStatus, error) {
	e, err := o.entry(runID)
	if err != nil {
		return dag.RunStatus{}, err
	}
	select {
	case <-e.done:
		return e.final.Clone(), e.err
	case <-ctx.Done():
		return e.run.Status(), ctx.Err()
	}
}

// Trace returns the canonical trace of a run recorded so far.
func (o *Orchestrator) Trace(runID string) (trace.RunTrace, error) {
	e, err := o.entry(runID)
	if err != nil {
		return trace.RunTrace{}, err
	}
	return e.trace.Trace(e.run.Status().GraphHash), nil
}

// Runs returns snapshots of every run started by this orchestrator, oldest
// first.
func (o *Orchestrator) Runs() []dag.RunStatus {
	o.mu.Lock()
	entries := make([]*runEntry, 0, len(o.runs))
	for _, e := range o.runs {
		entries = append(entries, e)
	}
	o.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].run.ID < entries[j].run.ID })
	out := make([]dag.RunStatus, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.run.Status())
	}
	return out
}

// Close aborts every unfinished run, waits for them, and stops pending
// retention timers. Namespaces still awaiting their TTL are released now.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	entries := make([]*runEntry, 0, len(o.runs))
	for _, e := range o.runs {
		entries = append(entries, e)
	}
	o.mu.Unlock()

	for _, e := range entries {
		e.run.Abort()
	}
	waited := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		return ctx.Err()
	}

	var errs []error
	for _, e := range entries {
		o.mu.Lock()
		t := e.release
		e.release = nil
		o.mu.Unlock()
		if t != nil && t.Stop() {
			errs = append(errs, o.releaseNow(ctx, e.run.ID))
		}
	}
	return errors.Join(errs...)
}
