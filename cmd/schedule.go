package cmd

import (
	"github.com/spf13/cobra"

	appErrors "zfs-rotate/internal/errors"
)

// createScheduleCommand creates the schedule subcommand
func createScheduleCommand() *cobra.Command {
	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run the rotation on a cron schedule until interrupted",
		Long: `Keep running and start a rotation whenever the cron expression fires.
A rotation still running when the next one is due is never overlapped; the
due run is skipped. SIGINT or SIGTERM cancels the running rotation and exits.

The expression uses the standard five fields or a descriptor such as
@daily or "@every 12h".

Examples:
  zfs-rotate schedule --config /etc/zfs-rotate.yaml --cron "0 2 * * *"
  ZFS_ROTATE_SCHEDULE=@daily zfs-rotate schedule`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := startSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			if s.cfg.Schedule == "" {
				return appErrors.NewConfigurationError("no schedule configured", nil).
					WithUserMessage("no schedule configured: pass --cron or set schedule in the config file")
			}
			return s.app.Schedule(s.ctx, s.cfg.Schedule)
		},
	}

	scheduleCmd.Flags().String("cron", "", `cron expression, e.g. "0 2 * * *"`)
	bindFlags(loader.Viper(), scheduleCmd.Flags(), map[string]string{
		"schedule": "cron",
	})

	return scheduleCmd
}
