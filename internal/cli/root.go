// Package cli implements the stageflow command line.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"stageflow/internal/log"
)

// app carries per-invocation state shared by the commands.
type app struct {
	opts   options
	stdout io.Writer
	stderr io.Writer
	logger *log.Logger

	// started is set once flag parsing succeeded and a command began.
	started bool
}

// NewRootCommand builds the stageflow command tree writing to stdout and
// stderr.
func NewRootCommand(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}
	return a.rootCommand()
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "stageflow",
		Short: "Run staged CI/CD pipelines with artifact lineage",
		Long: `stageflow executes pipelines made of ordered stages. Each stage runs its
actions sequentially or in parallel, and artifacts flow between actions
through a run-scoped store. Failed runs can be rerun from a later stage,
reusing the checkpointed artifacts of earlier stages.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a.started = true
			return a.setup()
		},
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return invalidInvocationf("%v", err)
	})
	a.opts.addGlobalFlags(root)

	root.AddCommand(
		a.validateCommand(),
		a.lineageCommand(),
		a.runCommand(),
		a.rerunCommand(),
		a.statusCommand(),
	)
	return root
}

func (a *app) setup() error {
	level, err := log.ParseLevel(a.opts.LogLevel)
	if err != nil {
		return invalidInvocationf("--log-level: %v", err)
	}
	format, err := log.ParseFormat(a.opts.LogFormat)
	if err != nil {
		return invalidInvocationf("--log-format: %v", err)
	}
	a.logger = log.New(log.Config{Level: level, Format: format, Output: a.stderr})
	log.SetDefault(a.logger)
	return a.opts.resolve()
}

// Run executes the command line args and returns the process exit code.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{stdout: stdout, stderr: stderr}
	root := a.rootCommand()
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}
	code := ExitCode(err)
	if !a.started && code == ExitInternalError {
		// Unknown commands, bad arguments and missing required flags are
		// reported by cobra before any command starts.
		code = ExitInvalidInvocation
	}
	if msg := err.Error(); msg != "" {
		fmt.Fprintf(stderr, "stageflow: %s\n", msg)
	}
	return code
}
