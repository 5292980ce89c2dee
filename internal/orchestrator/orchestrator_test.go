package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageflow/internal/action"
	"stageflow/internal/core"
	"stageflow/internal/dag"
	"stageflow/internal/metrics"
	"stageflow/internal/state"
)

// fixture holds the switchable procedures behind the "test" kind.
type fixture struct {
	sources     atomic.Int32
	builds      atomic.Int32
	deployFails atomic.Bool
	buildBlocks atomic.Bool
	started     chan struct{}
}

func newFixture() *fixture {
	return &fixture{started: make(chan struct{}, 8)}
}

func (f *fixture) registry() *action.Registry {
	r := action.DefaultRegistry(action.Deps{})
	r.MustRegister("test", func(with map[string]any) (action.Procedure, error) {
		switch with["id"] {
		case "source":
			return action.Func(func(ctx context.Context, _ map[string][]byte) (map[string][]byte, error) {
				f.sources.Add(1)
				return map[string][]byte{"source_output": []byte("src")}, nil
			}), nil
		case "build":
			return action.Func(func(ctx context.Context, in map[string][]byte) (map[string][]byte, error) {
				f.builds.Add(1)
				if f.buildBlocks.Load() {
					f.started <- struct{}{}
					<-ctx.Done()
					return nil, ctx.Err()
				}
				return map[string][]byte{"CdkSynthOutput": append([]byte("synth:"), in["source_output"]...)}, nil
			}), nil
		case "deploy":
			return action.Func(func(ctx context.Context, in map[string][]byte) (map[string][]byte, error) {
				if f.deployFails.Load() {
					return nil, errors.New("AccessDenied")
				}
				return nil, nil
			}), nil
		}
		return nil, errors.New("unknown test procedure")
	})
	return r
}

func testProc(id string) core.ProcedureRef {
	return core.ProcedureRef{Kind: "test", With: map[string]any{"id": id}}
}

func cdkGraph(t *testing.T) *dag.PipelineGraph {
	t.Helper()
	g, err := dag.Build(core.PipelineDef{
		Name: "CicdCdkPipeline",
		Stages: []core.StageDef{
			{Name: "Source", Actions: []core.ActionDef{
				{Name: "GitHub_Source", Outputs: []string{"source_output"}, Procedure: testProc("source")},
			}},
			{Name: "Build", Actions: []core.ActionDef{
				{Name: "Cdk_Synth", Inputs: []string{"source_output"}, Outputs: []string{"CdkSynthOutput"}, Procedure: testProc("build")},
			}},
			{Name: "Deploy", Actions: []core.ActionDef{
				{Name: "Deploy", Inputs: []string{"CdkSynthOutput"}, Procedure: testProc("deploy")},
			}},
		},
	})
	require.NoError(t, err)
	return g
}

func newOrchestrator(t *testing.T, f *fixture, cfg Config) *Orchestrator {
	t.Helper()
	if cfg.Store == nil {
		cfg.Store = core.NewStore(core.NewMemoryBackend())
	}
	cfg.Registry = f.registry()
	o, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, o.Register(cdkGraph(t)))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Close(ctx)
	})
	return o
}

func wait(t *testing.T, o *Orchestrator, runID string) dag.RunStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := o.Wait(ctx, runID)
	require.NoError(t, err)
	return st
}

func TestOrchestrator_StartRun_Succeeds(t *testing.T) {
	f := newFixture()
	o := newOrchestrator(t, f, Config{Retention: RetentionPolicy{Keep: true}})

	id, err := o.StartRun(context.Background(), "CicdCdkPipeline")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	st := wait(t, o, id)
	assert.Equal(t, dag.RunSucceeded, st.State)
	assert.Equal(t, []string{"CicdCdkPipeline"}, o.Pipelines())

	runs := o.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, id, runs[0].RunID)

	tr, err := o.Trace(id)
	require.NoError(t, err)
	h, err := tr.Hash()
	require.NoError(t, err)
	assert.NotEmpty(t, h)
}

func TestOrchestrator_CallerCancellationDoesNotAbortRun(t *testing.T) {
	f := newFixture()
	o := newOrchestrator(t, f, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	id, err := o.StartRun(ctx, "CicdCdkPipeline")
	require.NoError(t, err)
	cancel()

	assert.Equal(t, dag.RunSucceeded, wait(t, o, id).State)
}

func TestOrchestrator_UnknownNames(t *testing.T) {
	f := newFixture()
	o := newOrchestrator(t, f, Config{})

	_, err := o.StartRun(context.Background(), "Nope")
	assert.ErrorIs(t, err, ErrUnknownPipeline)
	_, err = o.StartRerun(context.Background(), "Nope", "r", "Deploy")
	assert.ErrorIs(t, err, ErrUnknownPipeline)

	_, err = o.Status("missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
	_, err = o.AbortRun("missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
	_, err = o.Wait(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
	_, err = o.StartRerun(context.Background(), "CicdCdkPipeline", "missing", "Deploy")
	assert.ErrorIs(t, err, ErrRunNotFound)
	_, err = o.StartRerun(context.Background(), "CicdCdkPipeline", "missing", "Test")
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestOrchestrator_Register_Validation(t *testing.T) {
	f := newFixture()
	o := newOrchestrator(t, f, Config{})

	assert.ErrorIs(t, o.Register(cdkGraph(t)), core.ErrValidation)

	g, err := dag.Build(core.PipelineDef{Name: "Other", Stages: []core.StageDef{{
		Name:    "Build",
		Actions: []core.ActionDef{{Name: "x", Procedure: core.ProcedureRef{Kind: "cdk"}}},
	}}})
	require.NoError(t, err)
	assert.ErrorIs(t, o.Register(g), core.ErrValidation)
	assert.Equal(t, []string{"CicdCdkPipeline"}, o.Pipelines())

	_, err = New(Config{})
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestOrchestrator_AbortRun(t *testing.T) {
	f := newFixture()
	f.buildBlocks.Store(true)
	o := newOrchestrator(t, f, Config{})

	id, err := o.StartRun(context.Background(), "CicdCdkPipeline")
	require.NoError(t, err)

	select {
	case <-f.started:
	case <-time.After(5 * time.Second):
		t.Fatal("build never started")
	}
	st, err := o.Status(id)
	require.NoError(t, err)
	assert.Equal(t, dag.RunRunning, st.State)

	ack, err := o.AbortRun(id)
	require.NoError(t, err)
	assert.True(t, ack)

	st = wait(t, o, id)
	assert.Equal(t, dag.RunAborted, st.State)
	build, _ := st.Action("Build", "Cdk_Synth")
	assert.Equal(t, dag.ActionCancelled, build.State)
	deploy, _ := st.Action("Deploy", "Deploy")
	assert.Equal(t, dag.ActionSkipped, deploy.State)

	ack, err = o.AbortRun(id)
	require.NoError(t, err)
	assert.False(t, ack)
}

func TestOrchestrator_RerunFromMemory(t *testing.T) {
	f := newFixture()
	f.deployFails.Store(true)
	o := newOrchestrator(t, f, Config{Retention: RetentionPolicy{Keep: true}})

	first, err := o.StartRun(context.Background(), "CicdCdkPipeline")
	require.NoError(t, err)
	require.Equal(t, dag.RunFailed, wait(t, o, first).State)

	f.deployFails.Store(false)
	second, err := o.StartRerun(context.Background(), "CicdCdkPipeline", first, "Deploy")
	require.NoError(t, err)
	st := wait(t, o, second)

	assert.Equal(t, dag.RunSucceeded, st.State)
	assert.Equal(t, first, st.PreviousRunID)
	assert.Equal(t, dag.StageReused, st.Stages[0].State)
	assert.Equal(t, dag.StageReused, st.Stages[1].State)
	assert.Equal(t, dag.StageSucceeded, st.Stages[2].State)
	assert.EqualValues(t, 1, f.sources.Load())
	assert.EqualValues(t, 1, f.builds.Load())
}

func TestOrchestrator_RerunAfterImmediateRelease_NotEligible(t *testing.T) {
	f := newFixture()
	f.deployFails.Store(true)
	o := newOrchestrator(t, f, Config{})

	first, err := o.StartRun(context.Background(), "CicdCdkPipeline")
	require.NoError(t, err)
	require.Equal(t, dag.RunFailed, wait(t, o, first).State)

	f.deployFails.Store(false)
	_, err = o.StartRerun(context.Background(), "CicdCdkPipeline", first, "Deploy")
	assert.ErrorIs(t, err, state.ErrNotEligible)
	assert.Len(t, o.Runs(), 1, "an ineligible rerun starts nothing")
	assert.EqualValues(t, 1, f.builds.Load())
}

func TestOrchestrator_RerunWithMissingPersistedArtifacts_NotEligible(t *testing.T) {
	artifacts := t.TempDir()
	stateStore, err := state.NewStore(t.TempDir())
	require.NoError(t, err)

	f := newFixture()
	f.deployFails.Store(true)
	o1 := newOrchestrator(t, f, Config{
		Store:     core.NewStore(core.NewFileBackend(artifacts)),
		State:     stateStore,
		Retention: RetentionPolicy{Keep: true},
	})
	first, err := o1.StartRun(context.Background(), "CicdCdkPipeline")
	require.NoError(t, err)
	require.Equal(t, dag.RunFailed, wait(t, o1, first).State)
	require.NoError(t, os.RemoveAll(filepath.Join(artifacts, first)))

	o2 := newOrchestrator(t, f, Config{
		Store: core.NewStore(core.NewFileBackend(artifacts)),
		State: stateStore,
	})
	_, err = o2.StartRerun(context.Background(), "CicdCdkPipeline", first, "Deploy")
	assert.ErrorIs(t, err, state.ErrNotEligible)
	assert.Empty(t, o2.Runs())
}

func TestOrchestrator_RerunWhileRunning_NotEligible(t *testing.T) {
	f := newFixture()
	f.buildBlocks.Store(true)
	o := newOrchestrator(t, f, Config{})

	id, err := o.StartRun(context.Background(), "CicdCdkPipeline")
	require.NoError(t, err)
	<-f.started

	_, err = o.StartRerun(context.Background(), "CicdCdkPipeline", id, "Deploy")
	assert.ErrorIs(t, err, state.ErrNotEligible)

	_, err = o.AbortRun(id)
	require.NoError(t, err)
	wait(t, o, id)
}

func TestOrchestrator_RerunFromPersistedState(t *testing.T) {
	artifacts := t.TempDir()
	stateStore, err := state.NewStore(t.TempDir())
	require.NoError(t, err)

	f := newFixture()
	f.deployFails.Store(true)
	o1 := newOrchestrator(t, f, Config{
		Store:     core.NewStore(core.NewFileBackend(artifacts)),
		State:     stateStore,
		Retention: RetentionPolicy{Keep: true},
	})
	first, err := o1.StartRun(context.Background(), "CicdCdkPipeline")
	require.NoError(t, err)
	require.Equal(t, dag.RunFailed, wait(t, o1, first).State)

	failure, err := stateStore.LoadFailure(first)
	require.NoError(t, err)
	assert.Equal(t, state.FailureClassAction, failure.Class)
	checkpoints, err := stateStore.LoadAllCheckpoints(first)
	require.NoError(t, err)
	assert.Len(t, checkpoints, 2)

	// A second process: new artifact store over the same backend, no
	// in-memory knowledge of the first run.
	f.deployFails.Store(false)
	o2 := newOrchestrator(t, f, Config{
		Store: core.NewStore(core.NewFileBackend(artifacts)),
		State: stateStore,
	})
	prev, err := o2.Status(first)
	require.NoError(t, err)
	assert.Equal(t, dag.RunFailed, prev.State)

	second, err := o2.StartRerun(context.Background(), "CicdCdkPipeline", first, "Deploy")
	require.NoError(t, err)
	st := wait(t, o2, second)
	assert.Equal(t, dag.RunSucceeded, st.State)
	assert.EqualValues(t, 1, f.builds.Load())

	rec, err := stateStore.LoadRun(second)
	require.NoError(t, err)
	assert.Equal(t, state.ExecutionModeRerun, rec.Mode)
	assert.Equal(t, 1, rec.RetryCount)
	assert.Equal(t, "Deploy", rec.RerunFromStage)
	assert.Equal(t, first, rec.PreviousRunID)
	_, err = stateStore.LoadFailure(second)
	assert.ErrorIs(t, err, state.ErrNotFound)
}

func TestOrchestrator_Retention(t *testing.T) {
	t.Run("immediate", func(t *testing.T) {
		f := newFixture()
		m := metrics.New(prometheus.NewRegistry())
		store := core.NewStore(core.NewMemoryBackend())
		o := newOrchestrator(t, f, Config{Store: store, Metrics: m})

		id, err := o.StartRun(context.Background(), "CicdCdkPipeline")
		require.NoError(t, err)
		wait(t, o, id)
		assert.Empty(t, store.Refs(id))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.ArtifactsReleased))
	})

	t.Run("ttl", func(t *testing.T) {
		f := newFixture()
		store := core.NewStore(core.NewMemoryBackend())
		o := newOrchestrator(t, f, Config{Store: store, Retention: RetentionPolicy{TTL: 50 * time.Millisecond}})

		id, err := o.StartRun(context.Background(), "CicdCdkPipeline")
		require.NoError(t, err)
		wait(t, o, id)
		assert.Len(t, store.Refs(id), 2)
		assert.Eventually(t, func() bool { return len(store.Refs(id)) == 0 }, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("keep", func(t *testing.T) {
		f := newFixture()
		store := core.NewStore(core.NewMemoryBackend())
		o := newOrchestrator(t, f, Config{Store: store, Retention: RetentionPolicy{Keep: true, TTL: time.Millisecond}})

		id, err := o.StartRun(context.Background(), "CicdCdkPipeline")
		require.NoError(t, err)
		wait(t, o, id)
		time.Sleep(20 * time.Millisecond)
		assert.Len(t, store.Refs(id), 2)
	})
}
