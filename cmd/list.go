package cmd

import (
	"github.com/spf13/cobra"
)

// createListCommand creates the list subcommand
func createListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the source snapshots and their retention status",
		Long: `List the snapshots of the source dataset with their age, space used and
retention status:

  current         today's snapshot
  base            the snapshot the next incremental run sends from
  prune           the snapshot the next run destroys after a successful transfer
  kept            inside the retention window
  outside window  older than the window or not a dated snapshot; never touched

Examples:
  zfs-rotate list --config /etc/zfs-rotate.yaml
  zfs-rotate list -s tank/data -r --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := startSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			rows, err := s.app.Snapshots(s.ctx)
			if err != nil {
				return err
			}
			return s.printer.Snapshots(rows)
		},
	}
}
