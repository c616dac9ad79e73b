package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"zfs-rotate/internal/config"
	appErrors "zfs-rotate/internal/errors"
)

// createConfigCommand creates the config subcommand
func createConfigCommand() *cobra.Command {
	var (
		effective bool
		output    string
	)

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print a sample or the effective configuration",
		Long: `Without flags, print a commented sample configuration that can be used
with the --config flag.

With --effective, print the configuration a run would use after merging the
config file, ZFS_ROTATE_* environment variables and command-line flags.
Secrets are masked.

Examples:
  # Generate a config file
  zfs-rotate config > /etc/zfs-rotate.yaml
  zfs-rotate config --output /etc/zfs-rotate.yaml

  # Check what a run would use
  zfs-rotate config --effective --config /etc/zfs-rotate.yaml -k 7`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			if !effective {
				if output != "" {
					if err := config.WriteSample(output); err != nil {
						return err
					}
					fmt.Fprintf(out, "Sample configuration written to %s\n", output)
					return nil
				}
				fmt.Fprint(out, config.SampleConfig)
				return nil
			}

			cfg, err := loadConfig(cmd, false)
			if err != nil {
				return err
			}

			data, err := config.MarshalYAML(*cfg)
			if err != nil {
				return err
			}
			if used := loader.ConfigFileUsed(); used != "" {
				fmt.Fprintf(out, "# config file: %s\n", used)
			}
			if err := cfg.Validate(); err != nil {
				for _, line := range strings.Split(appErrors.FormatUserError(err), "\n") {
					fmt.Fprintf(out, "# %s\n", line)
				}
			}
			_, err = out.Write(data)
			return err
		},
	}

	configCmd.Flags().BoolVar(&effective, "effective", false, "print the merged configuration with secrets masked")
	configCmd.Flags().StringVarP(&output, "output", "o", "", "write the sample configuration to this file")
	configCmd.MarkFlagsMutuallyExclusive("effective", "output")

	return configCmd
}
