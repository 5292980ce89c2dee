package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"stageflow/internal/cli"
)

// main cancels the command context on SIGINT/SIGTERM; a running pipeline
// is aborted and the process exits with the run's exit code.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
