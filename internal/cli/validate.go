package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"stageflow/internal/action"
)

func (a *app) validateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a pipeline definition without running it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			g, err := loadGraph(a.opts.File)
			if err != nil {
				return err
			}
			// Resolve procedures the same way a run would, so unknown kinds
			// and bad parameters surface here.
			registry := action.DefaultRegistry(action.Deps{
				Provisioners: map[string]action.Provisioner{
					"dir": action.DirProvisioner{},
					"s3":  action.S3Provisioner{},
				},
				Logger: a.logger,
			})
			var problems []string
			for _, n := range g.Actions() {
				if _, err := registry.Build(n.Def.Procedure); err != nil {
					problems = append(problems, fmt.Sprintf("%s: %v", n.Ref(), err))
				}
			}
			if len(problems) != 0 {
				return configError(fmt.Errorf("%s: %s", a.opts.File, strings.Join(problems, "; ")))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pipeline %s is valid: %d stages, %d actions, graph %s\n",
				g.Name(), len(g.Stages()), len(g.Actions()), g.Hash())
			return nil
		},
	}
	a.opts.addFileFlag(cmd)
	return cmd
}

func (a *app) lineageCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lineage",
		Short: "Print the producer and consumers of every artifact",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			g, err := loadGraph(a.opts.File)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range g.Lineage() {
				consumers := make([]string, 0, len(e.Consumers))
				for _, c := range e.Consumers {
					consumers = append(consumers, c.String())
				}
				if len(consumers) == 0 {
					consumers = append(consumers, "(unused)")
				}
				fmt.Fprintf(out, "%s: %s -> %s\n", e.Artifact, e.Producer, strings.Join(consumers, ", "))
			}
			return nil
		},
	}
	a.opts.addFileFlag(cmd)
	return cmd
}
