package dag

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"stageflow/internal/action"
	"stageflow/internal/core"
	"stageflow/internal/log"
	"stageflow/internal/metrics"
	"stageflow/internal/telemetry"
	"stageflow/internal/trace"
)

// DefaultParallelism bounds concurrent actions when Executor.Parallelism is unset.
const DefaultParallelism = 4

// Skip reasons recorded in the trace.
const (
	ReasonUpstreamFailed = "UpstreamFailed"
	ReasonRunAborted     = "RunAborted"
)

var (
	// ErrRunAborted is the cancellation cause of an aborted run.
	ErrRunAborted = fmt.Errorf("%w: run aborted", core.ErrCancelled)

	errSiblingFailed = fmt.Errorf("%w: sibling action failed", core.ErrCancelled)
)

// ReusePlan describes a partial re-run: stages before FromStage are not
// executed but marked REUSED, and the artifacts they produced for later
// stages are carried over from the earlier run.
type ReusePlan struct {
	FromRunID string
	FromStage int

	// Artifacts are the earlier run's published refs. It must contain every
	// artifact PipelineGraph.CarriedInto(FromStage) names.
	Artifacts []core.ArtifactRef
}

// Observer is notified as a run progresses. Calls are made from the
// executing goroutine and must not block for long.
type Observer interface {
	StageFinished(status RunStatus, stage int)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(status RunStatus, stage int)

func (f ObserverFunc) StageFinished(status RunStatus, stage int) { f(status, stage) }

// Run is one execution of a pipeline graph.
//
// Status may be called from any goroutine while the run executes.
type Run struct {
	ID string

	// Reuse, if set before execution, turns the run into a partial re-run.
	Reuse *ReusePlan

	// Trace receives the run's logical events.
	Trace trace.Sink

	mu     sync.Mutex
	status RunStatus

	abortOnce sync.Once
	abort     chan struct{}
	done      chan struct{}
}

// NewRun creates a PENDING run of g with every stage and action PENDING.
func NewRun(g *PipelineGraph, id string) *Run {
	st := RunStatus{
		RunID:        id,
		Pipeline:     g.Name(),
		GraphHash:    g.Hash().String(),
		State:        RunPending,
		CurrentStage: -1,
		Stages:       make([]StageStatus, 0, len(g.stages)),
	}
	for _, s := range g.stages {
		ss := StageStatus{Name: s.Name, Policy: s.Policy, State: StagePending, Actions: make([]ActionStatus, 0, len(s.Actions))}
		for _, n := range s.Actions {
			ss.Actions = append(ss.Actions, ActionStatus{Name: n.Def.Name, State: ActionPending})
		}
		st.Stages = append(st.Stages, ss)
	}
	return &Run{
		ID:     id,
		status: st,
		abort:  make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Status returns a deep-copied snapshot of the run.
func (r *Run) Status() RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status.Clone()
}

// Abort requests cooperative cancellation. It reports false if the run had
// already finished.
func (r *Run) Abort() bool {
	select {
	case <-r.done:
		return false
	default:
	}
	r.abortOnce.Do(func() { close(r.abort) })
	return true
}

// Done is closed once the run reaches a terminal state.
func (r *Run) Done() <-chan struct{} { return r.done }

func (r *Run) aborted() bool {
	select {
	case <-r.abort:
		return true
	default:
		return false
	}
}

func (r *Run) update(fn func(s *RunStatus)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.status)
}

func (r *Run) actionState(n *ActionNode) ActionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status.Stages[n.StageIndex].Actions[n.Position].State
}

// Executor drives runs of one pipeline graph.
type Executor struct {
	Graph *PipelineGraph
	Store *core.Store

	// Parallelism bounds the actions of a parallel stage running at once.
	Parallelism int

	Logger   *log.Logger
	Metrics  *metrics.Metrics
	Observer Observer

	procedures map[ActionRef]action.Procedure
	now        func() time.Time
}

// NewExecutor resolves every action's procedure against registry. An
// unresolvable procedure is a ValidationError and no executor is returned.
func NewExecutor(g *PipelineGraph, store *core.Store, registry *action.Registry) (*Executor, error) {
	if g == nil {
		return nil, fmt.Errorf("%w: graph is nil", core.ErrValidation)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: artifact store is nil", core.ErrValidation)
	}
	if registry == nil {
		return nil, fmt.Errorf("%w: procedure registry is nil", core.ErrValidation)
	}
	procs := make(map[ActionRef]action.Procedure, len(g.nodes))
	for _, n := range g.nodes {
		p, err := registry.Build(n.Def.Procedure)
		if err != nil {
			return nil, fmt.Errorf("action %s: %w", n.Ref(), err)
		}
		procs[n.Ref()] = p
	}
	return &Executor{
		Graph:       g,
		Store:       store,
		Parallelism: DefaultParallelism,
		Logger:      log.Nop(),
		procedures:  procs,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

func (e *Executor) timestamp() *time.Time {
	t := e.now()
	return &t
}

func (e *Executor) logger() *log.Logger {
	if e.Logger == nil {
		return log.Nop()
	}
	return e.Logger
}

// Execute drives run to a terminal state and returns the final snapshot.
// It must be called at most once per run.
//
// Cancelling ctx aborts the run exactly like Run.Abort. An error is returned
// only when the executor itself misbehaves (an invalid state transition);
// action failures are reported through the returned status.
func (e *Executor) Execute(ctx context.Context, run *Run) (RunStatus, error) {
	defer close(run.done)

	logger := e.logger().With("pipeline", e.Graph.Name(), "run_id", run.ID)
	pipeline := e.Graph.Name()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		select {
		case <-run.abort:
			cancel(ErrRunAborted)
		case <-runCtx.Done():
		}
	}()

	if run.aborted() {
		var err error
		run.update(func(s *RunStatus) {
			if err = TransitionRun(s, RunPending, RunAborted); err != nil {
				return
			}
			s.ErrorKind = core.KindCancelled
			s.Error = ErrRunAborted.Error()
			s.EndedAt = e.timestamp()
		})
		e.skipStages(run, 0, ReasonRunAborted, "")
		logger.Info("run aborted before start")
		return run.Status(), err
	}

	started := e.now()
	var startErr error
	run.update(func(s *RunStatus) {
		if startErr = TransitionRun(s, RunPending, RunRunning); startErr != nil {
			return
		}
		s.StartedAt = &started
		if run.Reuse != nil {
			s.PreviousRunID = run.Reuse.FromRunID
		}
	})
	if startErr != nil {
		return run.Status(), startErr
	}
	e.Metrics.RunStarted(pipeline)
	spanCtx, span := telemetry.StartRunSpan(runCtx, pipeline, run.ID)
	logger.Info("run started", "stages", len(e.Graph.stages))

	first := 0
	var failure error
	var failedAt ActionRef
	if run.Reuse != nil {
		first = run.Reuse.FromStage
		failedAt, failure = e.reuseStages(spanCtx, run)
	}

	last := first - 1
	if failure == nil {
		for i := first; i < len(e.Graph.stages); i++ {
			if runCtx.Err() != nil {
				break
			}
			last = i
			if ref, err := e.runStage(spanCtx, run, i); err != nil {
				failure, failedAt = err, ref
				break
			}
		}
	}

	completed := failure == nil && e.completed(run)
	aborted := failure == nil && !completed
	switch {
	case failure != nil:
		cause := ""
		if failedAt.Action != "" {
			cause = failedAt.String()
		}
		e.skipStages(run, last+1, ReasonUpstreamFailed, cause)
	case aborted:
		e.skipStages(run, last+1, ReasonRunAborted, "")
	}

	var endErr error
	run.update(func(s *RunStatus) {
		s.EndedAt = e.timestamp()
		if last >= first {
			s.CurrentStage = last
		}
		switch {
		case failure != nil:
			endErr = TransitionRun(s, RunRunning, RunFailed)
			s.ErrorKind = core.KindName(failure)
			s.Error = failure.Error()
		case aborted:
			endErr = TransitionRun(s, RunRunning, RunAborted)
			s.ErrorKind = core.KindCancelled
			s.Error = ErrRunAborted.Error()
			if cause := context.Cause(runCtx); cause != nil && !errors.Is(cause, ErrRunAborted) {
				s.Error = fmt.Sprintf("%s: %v", ErrRunAborted, cause)
			}
		default:
			endErr = TransitionRun(s, RunRunning, RunSucceeded)
		}
	})

	final := run.Status()
	e.Metrics.RunFinished(pipeline, string(final.State), e.now().Sub(started))
	var spanErr error
	if final.Error != "" {
		spanErr = errors.New(final.Error)
	}
	telemetry.EndSpan(span, string(final.State), spanErr)
	if final.State == RunSucceeded {
		logger.Info("run finished", "state", final.State)
	} else {
		logger.Warn("run finished", "state", final.State, "error_kind", final.ErrorKind, "error", final.Error)
	}
	return final, endErr
}

// reuseStages marks the stages before the plan's start REUSED and carries
// the artifacts later stages need into the run's namespace.
func (e *Executor) reuseStages(ctx context.Context, run *Run) (ActionRef, error) {
	plan := run.Reuse
	if plan.FromStage < 0 || plan.FromStage > len(e.Graph.stages) {
		err := fmt.Errorf("%w: reuse start stage %d out of range", core.ErrValidation, plan.FromStage)
		return ActionRef{}, err
	}

	previous := make(map[string]core.ArtifactRef, len(plan.Artifacts))
	for _, ref := range plan.Artifacts {
		previous[ref.Name] = ref
	}
	needed := make(map[string]bool)
	for _, name := range e.Graph.CarriedInto(plan.FromStage) {
		needed[name] = true
	}

	for i := 0; i < plan.FromStage; i++ {
		stage := e.Graph.stages[i]
		for _, n := range stage.Actions {
			var carried []core.ArtifactRef
			var carryErr error
			for _, out := range n.Def.Outputs {
				if !needed[out] {
					continue
				}
				from, ok := previous[out]
				if !ok {
					carryErr = fmt.Errorf("artifact %q missing from run %s", out, plan.FromRunID)
					break
				}
				ref, err := e.Store.Carry(ctx, from, run.ID)
				if err != nil {
					carryErr = err
					break
				}
				e.Metrics.ArtifactPublished(e.Graph.Name(), ref.Size)
				carried = append(carried, ref)
			}

			if carryErr != nil {
				err := &core.ActionError{Kind: core.ErrDependency, Stage: stage.Name, Action: n.Def.Name, Cause: carryErr}
				run.update(func(s *RunStatus) {
					a := &s.Stages[i].Actions[n.Position]
					_ = TransitionAction(a, ActionPending, ActionFailed)
					a.ErrorKind = core.KindName(err)
					a.Error = err.Error()
					a.EndedAt = e.timestamp()
					_ = TransitionStage(&s.Stages[i], StagePending, StageFailed)
					s.Stages[i].EndedAt = e.timestamp()
					s.CurrentStage = i
				})
				trace.SafeRecord(run.Trace, trace.Event{Kind: trace.EventActionFailed, Action: n.Ref().String(), Reason: core.KindDependency})
				e.Metrics.ActionSettled(e.Graph.Name(), stage.Name, n.Def.Name, string(ActionFailed))
				e.Metrics.StageFinished(e.Graph.Name(), stage.Name, string(StageFailed))
				e.skipStages(run, i, ReasonUpstreamFailed, n.Ref().String())
				e.notify(run, i)
				return n.Ref(), err
			}

			run.update(func(s *RunStatus) {
				a := &s.Stages[i].Actions[n.Position]
				_ = TransitionAction(a, ActionPending, ActionReused)
				a.Outputs = carried
			})
			names := make([]string, 0, len(carried))
			for _, ref := range carried {
				names = append(names, ref.Name)
			}
			trace.SafeRecord(run.Trace, trace.Event{Kind: trace.EventActionReused, Action: n.Ref().String(), Artifacts: names})
			e.Metrics.ActionSettled(e.Graph.Name(), stage.Name, n.Def.Name, string(ActionReused))
		}
		run.update(func(s *RunStatus) {
			_ = TransitionStage(&s.Stages[i], StagePending, StageReused)
		})
		e.Metrics.StageFinished(e.Graph.Name(), stage.Name, string(StageReused))
		e.notify(run, i)
	}
	return ActionRef{}, nil
}

// runStage executes one stage. On failure it returns the first failing action
// in declaration order and its error.
func (e *Executor) runStage(ctx context.Context, run *Run, index int) (ActionRef, error) {
	stage := e.Graph.stages[index]
	logger := e.logger().With("run_id", run.ID, "stage", stage.Name)

	var err error
	run.update(func(s *RunStatus) {
		s.CurrentStage = index
		if err = TransitionStage(&s.Stages[index], StagePending, StageRunning); err == nil {
			s.Stages[index].StartedAt = e.timestamp()
		}
	})
	if err != nil {
		return ActionRef{}, err
	}

	spanCtx, span := telemetry.StartStageSpan(ctx, stage.Name, string(stage.Policy))
	stageCtx, cancel := context.WithCancelCause(spanCtx)
	defer cancel(nil)
	logger.Debug("stage started", "policy", stage.Policy, "actions", len(stage.Actions))

	if stage.Policy == core.PolicyParallel {
		e.runParallel(stageCtx, cancel, run, stage)
	} else {
		e.runSequential(stageCtx, run, stage)
	}

	final := StageSucceeded
	var failure error
	var failedAt ActionRef
	snap := run.Status().Stages[index]
	for i, a := range snap.Actions {
		switch {
		case IsSuccessful(a.State):
		case a.State == ActionFailed || a.State == ActionTimedOut:
			final = StageFailed
			if failure == nil {
				failedAt = stage.Actions[i].Ref()
				failure = actionFailure(stage.Name, a)
			}
		default:
			if final == StageSucceeded {
				final = StageCancelled
			}
		}
	}

	run.update(func(s *RunStatus) {
		if err = TransitionStage(&s.Stages[index], StageRunning, final); err == nil {
			s.Stages[index].EndedAt = e.timestamp()
		}
	})
	e.Metrics.StageFinished(e.Graph.Name(), stage.Name, string(final))
	telemetry.EndSpan(span, string(final), failure)
	logger.Info("stage finished", "state", final)
	e.notify(run, index)
	if err != nil {
		return ActionRef{}, err
	}
	if failure != nil {
		return failedAt, failure
	}
	return ActionRef{}, nil
}

// actionFailure rebuilds a typed error from a recorded action status.
func actionFailure(stage string, a ActionStatus) error {
	kind := core.ErrActionFailed
	switch a.ErrorKind {
	case core.KindTimeout:
		kind = core.ErrTimeout
	case core.KindDependency:
		kind = core.ErrDependency
	case core.KindDuplicate:
		kind = core.ErrDuplicateArtifact
	case core.KindIntegrity:
		kind = core.ErrIntegrity
	}
	var cause error
	if a.Error != "" {
		cause = errors.New(a.Error)
	}
	return &core.ActionError{Kind: kind, Stage: stage, Action: a.Name, Cause: cause}
}

// runSequential runs the stage's actions one at a time in declaration order.
// After the first unsuccessful action the rest are skipped.
func (e *Executor) runSequential(ctx context.Context, run *Run, stage *StageNode) {
	for i, n := range stage.Actions {
		if ctx.Err() != nil {
			e.skipActions(run, stage.Actions[i:], ReasonRunAborted, "")
			return
		}
		if st := e.runAction(ctx, run, n); !IsSuccessful(st) {
			reason, cause := ReasonUpstreamFailed, n.Ref().String()
			if st == ActionCancelled {
				reason, cause = ReasonRunAborted, ""
			}
			e.skipActions(run, stage.Actions[i+1:], reason, cause)
			return
		}
	}
}

// runParallel dispatches the stage's actions through a bounded worker pool.
// The first unsuccessful action cancels its running siblings; actions not
// yet started are skipped.
func (e *Executor) runParallel(ctx context.Context, cancel context.CancelCauseFunc, run *Run, stage *StageNode) {
	workers := e.Parallelism
	if workers <= 0 {
		workers = DefaultParallelism
	}
	if workers > len(stage.Actions) {
		workers = len(stage.Actions)
	}

	workCh := make(chan *ActionNode, len(stage.Actions))
	for _, n := range stage.Actions {
		workCh <- n
	}
	close(workCh)

	var (
		causeMu sync.Mutex
		cause   string
	)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := range workCh {
				if ctx.Err() != nil {
					causeMu.Lock()
					reason, c := ReasonUpstreamFailed, cause
					causeMu.Unlock()
					if c == "" {
						reason = ReasonRunAborted
					}
					e.skipActions(run, []*ActionNode{n}, reason, c)
					continue
				}
				st := e.runAction(ctx, run, n)
				if st == ActionFailed || st == ActionTimedOut {
					causeMu.Lock()
					if cause == "" {
						cause = n.Ref().String()
					}
					causeMu.Unlock()
					cancel(errSiblingFailed)
				}
			}
		}()
	}
	wg.Wait()
}

// skipActions marks pending actions SKIPPED.
func (e *Executor) skipActions(run *Run, nodes []*ActionNode, reason, cause string) {
	for _, n := range nodes {
		var skipped bool
		run.update(func(s *RunStatus) {
			a := &s.Stages[n.StageIndex].Actions[n.Position]
			skipped = TransitionAction(a, ActionPending, ActionSkipped) == nil
		})
		if !skipped {
			continue
		}
		trace.SafeRecord(run.Trace, trace.Event{Kind: trace.EventActionSkipped, Action: n.Ref().String(), Reason: reason, Cause: cause})
		e.Metrics.ActionSettled(e.Graph.Name(), n.stage, n.Def.Name, string(ActionSkipped))
	}
}

// skipStages marks every pending stage from index onwards SKIPPED.
func (e *Executor) skipStages(run *Run, index int, reason, cause string) {
	if index < 0 {
		index = 0
	}
	for i := index; i < len(e.Graph.stages); i++ {
		e.skipActions(run, e.Graph.stages[i].Actions, reason, cause)
	}
	var skipped []int
	run.update(func(s *RunStatus) {
		for i := index; i < len(s.Stages); i++ {
			if s.Stages[i].State == StagePending {
				skipped = append(skipped, i)
			}
		}
		SkipFrom(s, index)
	})
	for _, i := range skipped {
		e.Metrics.StageFinished(e.Graph.Name(), e.Graph.stages[i].Name, string(StageSkipped))
	}
}

// completed reports whether every stage of run succeeded or was reused.
func (e *Executor) completed(run *Run) bool {
	for _, st := range run.Status().Stages {
		if st.State != StageSucceeded && st.State != StageReused {
			return false
		}
	}
	return true
}

func (e *Executor) notify(run *Run, stage int) {
	if e.Observer == nil {
		return
	}
	e.Observer.StageFinished(run.Status(), stage)
}

type procResult struct {
	outputs map[string][]byte
	err     error
}

// runAction executes one action and records its terminal state.
func (e *Executor) runAction(ctx context.Context, run *Run, n *ActionNode) ActionState {
	ref := n.Ref()
	pipeline := e.Graph.Name()
	logger := e.logger().With("run_id", run.ID, "stage", ref.Stage, "action", ref.Action)

	var err error
	started := e.now()
	run.update(func(s *RunStatus) {
		a := &s.Stages[n.StageIndex].Actions[n.Position]
		if err = TransitionAction(a, ActionPending, ActionRunning); err == nil {
			a.StartedAt = &started
		}
	})
	if err != nil {
		logger.WithError(err).Error("action dispatch rejected")
		return run.actionState(n)
	}
	e.Metrics.ActionStarted()
	spanCtx, span := telemetry.StartActionSpan(ctx, ref.Stage, ref.Action, n.Def.Procedure.Kind)

	actx, cancel := context.WithTimeout(spanCtx, n.Def.Timeout)
	defer cancel()

	state, outputs, failure := e.invoke(ctx, actx, run, n)

	if failure == nil {
		var published []core.ArtifactRef
		published, failure = e.publish(ctx, run, n, outputs)
		if failure != nil {
			state = ActionFailed
		} else {
			run.update(func(s *RunStatus) {
				s.Stages[n.StageIndex].Actions[n.Position].Outputs = published
			})
		}
	}

	run.update(func(s *RunStatus) {
		a := &s.Stages[n.StageIndex].Actions[n.Position]
		if err = TransitionAction(a, ActionRunning, state); err != nil {
			return
		}
		a.EndedAt = e.timestamp()
		if failure != nil {
			a.ErrorKind = core.KindName(failure)
			a.Error = failure.Error()
		}
	})
	if err != nil {
		logger.WithError(err).Error("action state update rejected")
	}

	e.Metrics.ActionFinished(pipeline, ref.Stage, ref.Action, string(state), e.now().Sub(started))
	telemetry.EndSpan(span, string(state), failure)

	ev := trace.Event{Action: ref.String()}
	switch state {
	case ActionSucceeded:
		ev.Kind = trace.EventActionSucceeded
		ev.Artifacts = append([]string(nil), n.Def.Outputs...)
		logger.Info("action succeeded")
	case ActionTimedOut:
		ev.Kind, ev.Reason = trace.EventActionTimedOut, core.KindTimeout
		logger.WithError(failure).Warn("action timed out", "timeout", n.Def.Timeout)
	case ActionCancelled:
		ev.Kind, ev.Reason = trace.EventActionCancelled, core.KindCancelled
		logger.Info("action cancelled")
	default:
		ev.Kind, ev.Reason = trace.EventActionFailed, core.KindName(failure)
		logger.WithError(failure).Warn("action failed")
	}
	trace.SafeRecord(run.Trace, ev)
	return state
}

// invoke resolves inputs and calls the procedure, classifying the outcome.
// stageCtx is the stage's context; actx additionally carries the timeout.
func (e *Executor) invoke(stageCtx, actx context.Context, run *Run, n *ActionNode) (ActionState, map[string][]byte, error) {
	ref := n.Ref()
	classify := func(cause error) (ActionState, map[string][]byte, error) {
		switch {
		case stageCtx.Err() != nil:
			return ActionCancelled, nil, &core.ActionError{Kind: core.ErrCancelled, Stage: ref.Stage, Action: ref.Action, Cause: context.Cause(stageCtx)}
		case errors.Is(actx.Err(), context.DeadlineExceeded):
			return ActionTimedOut, nil, &core.ActionError{Kind: core.ErrTimeout, Stage: ref.Stage, Action: ref.Action,
				Cause: fmt.Errorf("exceeded %s", n.Def.Timeout)}
		default:
			return ActionFailed, nil, &core.ActionError{Kind: core.ErrActionFailed, Stage: ref.Stage, Action: ref.Action, Cause: cause}
		}
	}

	inputs, err := e.resolveInputs(actx, run, n)
	if err != nil {
		if actx.Err() != nil {
			return classify(err)
		}
		kind := core.ErrDependency
		if errors.Is(err, core.ErrIntegrity) {
			kind = core.ErrIntegrity
		}
		return ActionFailed, nil, &core.ActionError{Kind: kind, Stage: ref.Stage, Action: ref.Action, Cause: err}
	}

	proc := action.WithRetry(e.procedures[ref], n.Def.Retry, func(attempt int) {
		run.update(func(s *RunStatus) {
			s.Stages[n.StageIndex].Actions[n.Position].Attempts = attempt
		})
		e.Metrics.ActionAttempt(e.Graph.Name(), ref.Stage, ref.Action)
	})

	// The procedure runs on its own goroutine so a procedure that ignores
	// its context cannot hold the stage past the deadline. A late result is
	// discarded.
	resCh := make(chan procResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resCh <- procResult{err: fmt.Errorf("procedure panicked: %v", r)}
			}
		}()
		out, err := proc.Execute(actx, inputs)
		resCh <- procResult{outputs: out, err: err}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			return classify(res.err)
		}
		return ActionSucceeded, res.outputs, nil
	case <-actx.Done():
		return classify(context.Cause(actx))
	}
}

// resolveInputs waits for every declared input to be published and reads it.
func (e *Executor) resolveInputs(ctx context.Context, run *Run, n *ActionNode) (map[string][]byte, error) {
	inputs := make(map[string][]byte, len(n.Def.Inputs))
	for _, name := range n.Def.Inputs {
		key := core.Key(run.ID, name)
		select {
		case <-e.Store.Ready(key):
		default:
			// Not yet published: only worth waiting for if the producer can
			// still publish it.
			producer := e.Graph.producers[name]
			if st := run.actionState(producer); IsTerminal(st) {
				return nil, fmt.Errorf("input %q was not produced by %s (%s)", name, producer.Ref(), st)
			}
			if _, err := e.Store.Wait(ctx, key); err != nil {
				return nil, fmt.Errorf("waiting for input %q: %w", name, err)
			}
		}
		art, err := e.Store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		inputs[name] = art.Payload
	}
	return inputs, nil
}

// publish validates the procedure's outputs against the declaration and
// publishes them together. Either every declared output becomes visible or
// none does.
func (e *Executor) publish(ctx context.Context, run *Run, n *ActionNode, outputs map[string][]byte) ([]core.ArtifactRef, error) {
	ref := n.Ref()
	declared := make(map[string]bool, len(n.Def.Outputs))
	for _, name := range n.Def.Outputs {
		declared[name] = true
		if _, ok := outputs[name]; !ok {
			return nil, &core.ActionError{Kind: core.ErrActionFailed, Stage: ref.Stage, Action: ref.Action,
				Cause: fmt.Errorf("declared output %q was not produced", name)}
		}
	}
	for name := range outputs {
		if !declared[name] {
			e.logger().Warn("ignoring undeclared output", "run_id", run.ID, "action", ref.String(), "artifact", name)
		}
	}

	// A sibling failing after this action succeeded must not undo its outputs.
	ctx = context.WithoutCancel(ctx)
	blobs := make([]core.Blob, 0, len(n.Def.Outputs))
	for _, name := range n.Def.Outputs {
		blobs = append(blobs, core.Blob{Key: core.Key(run.ID, name), Data: outputs[name]})
	}
	refs, err := e.Store.PutAll(ctx, ref.String(), blobs)
	if err != nil {
		kind := core.ErrActionFailed
		if errors.Is(err, core.ErrDuplicateArtifact) {
			kind = core.ErrDuplicateArtifact
		}
		return nil, &core.ActionError{Kind: kind, Stage: ref.Stage, Action: ref.Action, Cause: err}
	}
	for _, art := range refs {
		e.Metrics.ArtifactPublished(e.Graph.Name(), art.Size)
	}
	return refs, nil
}
