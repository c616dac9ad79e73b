package cmd

import (
	"github.com/spf13/cobra"
)

// createPlanCommand creates the plan subcommand
func createPlanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Print what the next run would do without changing anything",
		Long: `Resolve today's snapshot, the incremental base and the prune boundary and
check that a run could proceed. Nothing is created, sent or destroyed.

The command fails with the same exit code a real run would when today's
snapshot already exists or no base snapshot is found.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := startSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			plan, err := s.app.Plan(s.ctx)
			if err != nil {
				return err
			}
			return s.printer.Plan(plan, s.app.Engine().Options())
		},
	}
}
