package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"stageflow/internal/orchestrator"
	"stageflow/internal/state"
)

func (a *app) runCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a pipeline once and print its final status",
		Long: `Run executes every stage of the pipeline in order. An interrupt or
termination signal aborts the run: running actions are cancelled and the
remaining stages are skipped.

Exit codes: 0 succeeded, 1 failed, 2 invalid invocation, 3 invalid
definition, 4 internal error, 5 aborted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.execute(cmd, func(ctx context.Context, rt *runtime) (string, error) {
				return rt.orchestrator.StartRun(ctx, rt.graph.Name())
			})
		},
	}
	a.opts.addRunFlags(cmd)
	return cmd
}

func (a *app) rerunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rerun",
		Short: "Rerun a pipeline from a stage, reusing earlier stages of a previous run",
		Long: `Rerun starts a new run that reuses the checkpointed stages before
--from-stage from the run named by --from-run and executes the rest.

The previous run must be finished, its definition unchanged, and its
failure (if any) resumable. Its artifacts must still be in the store, so
reruns need --store file or s3 and a retention that kept them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.opts.Store == storeMemory {
				return invalidInvocationf("rerun needs a persistent artifact store (--store file or s3)")
			}
			return a.execute(cmd, func(ctx context.Context, rt *runtime) (string, error) {
				id, err := rt.orchestrator.StartRerun(ctx, rt.graph.Name(), a.opts.FromRun, a.opts.FromStage)
				switch {
				case errors.Is(err, orchestrator.ErrRunNotFound), errors.Is(err, state.ErrNotEligible):
					return "", &ExitError{Code: ExitInvalidInvocation, Err: err}
				case err != nil:
					return "", err
				}
				return id, nil
			})
		},
	}
	a.opts.addRunFlags(cmd)
	cmd.Flags().StringVar(&a.opts.FromRun, "from-run", "", "id of the run to reuse stages from")
	cmd.Flags().StringVar(&a.opts.FromStage, "from-stage", "", "first stage to execute again")
	_ = cmd.MarkFlagRequired("from-run")
	_ = cmd.MarkFlagRequired("from-stage")
	return cmd
}

// execute builds a runtime, starts a run with start and waits for it. A
// cancelled command context aborts the run and still waits for it to settle.
func (a *app) execute(cmd *cobra.Command, start func(context.Context, *runtime) (string, error)) error {
	ctx := cmd.Context()
	rt, err := newRuntime(ctx, &a.opts, a.logger)
	if err != nil {
		return err
	}
	defer rt.close()

	if a.opts.MetricsAddr != "" {
		if err := rt.serveMetrics(a.opts.MetricsAddr); err != nil {
			return err
		}
	}

	runID, err := start(ctx, rt)
	if err != nil {
		return err
	}
	logger := a.logger.With("run_id", runID, "pipeline", rt.graph.Name())
	logger.Info("run started")

	final, err := rt.orchestrator.Wait(ctx, runID)
	if err != nil && ctx.Err() != nil {
		logger.Warn("interrupted, aborting run")
		if _, aerr := rt.orchestrator.AbortRun(runID); aerr != nil {
			return aerr
		}
		final, err = rt.orchestrator.Wait(context.Background(), runID)
	}
	if err != nil {
		logger.WithError(err).Error("run ended with an internal error")
	}

	if err := printStatus(cmd.OutOrStdout(), final); err != nil {
		return err
	}
	if a.opts.TraceOut != "" {
		if terr := writeTrace(rt, runID, a.opts.TraceOut); terr != nil {
			logger.WithError(terr).Warn("trace not written")
		}
	}

	if err != nil {
		return &ExitError{Code: ExitInternalError, Err: err}
	}
	if code := exitForRun(final); code != ExitSuccess {
		return &ExitError{Code: code, Err: fmt.Errorf("run %s %s", runID, final.State)}
	}
	return nil
}

func writeTrace(rt *runtime, runID, path string) error {
	tr, err := rt.orchestrator.Trace(runID)
	if err != nil {
		return err
	}
	b, err := tr.CanonicalJSON()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}
