package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"stageflow/internal/dag"
	"stageflow/internal/state"
)

func (a *app) statusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show persisted runs, or one run in detail",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := state.NewStore(a.opts.StateDir)
			if err != nil {
				return invalidInvocationf("--state-dir: %v", err)
			}
			out := cmd.OutOrStdout()
			if a.opts.RunID == "" {
				return listRuns(out, store)
			}

			rec, err := store.LoadRun(a.opts.RunID)
			if errors.Is(err, state.ErrNotFound) {
				return &ExitError{Code: ExitInvalidInvocation, Err: fmt.Errorf("run %s not found in %s", a.opts.RunID, a.opts.StateDir)}
			}
			if err != nil {
				return err
			}
			failure, ferr := store.LoadFailure(a.opts.RunID)
			hasFailure := ferr == nil
			if ferr != nil && !errors.Is(ferr, state.ErrNotFound) {
				return ferr
			}

			if a.opts.JSON {
				doc := struct {
					Run     state.Run      `json:"run"`
					Failure *state.Failure `json:"failure,omitempty"`
				}{Run: rec}
				if hasFailure {
					doc.Failure = &failure
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(doc)
			}

			if err := printStatus(out, rec.RunStatus); err != nil {
				return err
			}
			if rec.Mode == state.ExecutionModeRerun {
				fmt.Fprintf(out, "rerun of %s from stage %s (retry %d)\n", rec.PreviousRunID, rec.RerunFromStage, rec.RetryCount)
			}
			if hasFailure {
				resumable := "not resumable"
				if failure.Resumable {
					resumable = "resumable"
				}
				fmt.Fprintf(out, "failure: %s %s: %s (%s)\n", failure.Class, failure.ErrorKind, failure.Message, resumable)
			}
			return nil
		},
	}
	a.opts.addStateFlag(cmd)
	cmd.Flags().StringVar(&a.opts.RunID, "run", "", "run id to show (default: list all runs)")
	cmd.Flags().BoolVar(&a.opts.JSON, "json", false, "print the run record as JSON")
	return cmd
}

func listRuns(out io.Writer, store *state.Store) error {
	ids, err := store.ListRunIDs()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tPIPELINE\tSTATE\tMODE\tPREVIOUS")
	for _, id := range ids {
		rec, err := store.LoadRun(id)
		if err != nil {
			fmt.Fprintf(tw, "%s\t-\tUNREADABLE\t-\t-\n", id)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", rec.RunID, rec.Pipeline, rec.State, rec.Mode, dash(rec.PreviousRunID))
	}
	return tw.Flush()
}

// printStatus renders a run snapshot as a stage/action table.
func printStatus(out io.Writer, st dag.RunStatus) error {
	fmt.Fprintf(out, "run %s (%s): %s\n", st.RunID, st.Pipeline, st.State)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tACTION\tSTATE\tATTEMPTS\tERROR")
	for _, s := range st.Stages {
		fmt.Fprintf(tw, "%s\t\t%s\t\t\n", s.Name, s.State)
		for _, act := range s.Actions {
			msg := act.ErrorKind
			if act.Error != "" {
				msg = act.ErrorKind + ": " + act.Error
			}
			fmt.Fprintf(tw, "\t%s\t%s\t%d\t%s\n", act.Name, act.State, act.Attempts, dash(msg))
		}
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
