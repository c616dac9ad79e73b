package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"zfs-rotate/internal/application"
	"zfs-rotate/internal/config"
	"zfs-rotate/internal/display"
	appErrors "zfs-rotate/internal/errors"
	"zfs-rotate/internal/logging"
)

var cfgFile string

// loader owns the viper instance every flag is bound to
var loader = config.NewLoader(viper.New())

// CLI flag variables that do not map one-to-one onto a config key
var (
	mysqlLock    bool
	verbose      bool
	quiet        bool
	outputFormat string
	tableStyle   string
	noColor      bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "zfs-rotate",
	Short: "Rotate daily ZFS snapshots and replicate them to a backup target",
	Long: `zfs-rotate takes today's snapshot of a dataset, sends it to a backup
target as an incremental stream against the newest snapshot of the last
--keep days, and destroys the snapshot that just left the retention window.

Run it once a day from cron or a systemd timer, or let "zfs-rotate schedule"
drive it. The first run of a new source needs --init to send a full stream.

Examples:
  # Replicate tank/data to backup.example.com keeping a week of snapshots
  zfs-rotate -s tank/data -d backup/data -H backup.example.com -k 7

  # First run: full stream
  zfs-rotate -s tank/data -d backup/data -H backup.example.com --init

  # Flush and lock MySQL while the snapshot is taken
  zfs-rotate --config /etc/zfs-rotate.yaml --mysql

  # Archive to S3 with zstd compression
  zfs-rotate --config /etc/zfs-rotate.yaml --transport s3 --compression zstd

  # Show what would happen
  zfs-rotate --config /etc/zfs-rotate.yaml --dry-run`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runRotation,
}

// Execute adds all child commands to the root command and exits with the
// code matching the failure class.
func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}

	fmt.Fprintf(os.Stderr, "Error: %s\n", appErrors.FormatUserError(err))
	provideTroubleshootingHints(os.Stderr, err)
	os.Exit(appErrors.ExitCode(err))
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.zfs-rotate.yaml)")

	flags.StringP("source", "s", "", "source dataset, e.g. tank/data")
	flags.StringP("dest", "d", "", "destination dataset")
	flags.StringP("host", "H", "", "destination host for the ssh transport")
	flags.StringP("user", "u", config.DefaultUser, "ssh user on the destination host")
	flags.IntP("keep", "k", config.DefaultKeep, "number of daily snapshots to keep")
	flags.BoolP("recursive", "r", false, "snapshot and send descendant datasets too")
	flags.Bool("init", false, "send a full stream instead of an incremental")
	flags.Bool("dry-run", false, "print the plan without changing anything")
	flags.String("transport", config.TransportSSH, "transport: ssh, local, s3, gcs, azure")
	flags.String("compression", config.CompressionNone, "stream compression: none, gzip, zstd, lz4")
	flags.String("log-file", "", "also write logs to this file")
	flags.String("zfs-path", config.DefaultZFSPath, "path of the zfs binary")

	flags.BoolVar(&mysqlLock, "mysql", false, "flush and lock MySQL tables while the snapshot is taken")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	flags.BoolVarP(&quiet, "quiet", "q", false, "suppress non-error output")
	flags.StringVar(&outputFormat, "format", string(display.FormatTable), "output format: table, json, yaml")
	flags.StringVar(&tableStyle, "table-style", "default", "table style: default, rounded, compact")
	flags.BoolVar(&noColor, "no-color", false, "disable color output")

	rootCmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	bindFlags(loader.Viper(), flags, map[string]string{
		"source":                          "source",
		"destination":                     "dest",
		"host":                            "host",
		"user":                            "user",
		"keep":                            "keep",
		"recursive":                       "recursive",
		"init":                            "init",
		"dry_run":                         "dry-run",
		"zfs_path":                        "zfs-path",
		"transport.type":                  "transport",
		"transport.compression.algorithm": "compression",
		"log.file":                        "log-file",
	})

	rootCmd.AddCommand(
		createListCommand(),
		createPlanCommand(),
		createScheduleCommand(),
		createConfigCommand(),
		createVersionCommand(),
	)
}

// bindFlags binds each config key to its flag
func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("failed to bind flag --%s: %v", name, err))
		}
	}
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	loader.Setup(cfgFile)
}

// loadConfig reads the config file and applies the flags that do not map
// directly onto a key. validate is false for commands that only print.
func loadConfig(cmd *cobra.Command, validate bool) (*config.Config, error) {
	if err := loader.ReadInConfig(cfgFile != ""); err != nil {
		return nil, err
	}

	cfg, err := loader.Unmarshal()
	if err != nil {
		return nil, err
	}
	applyFlagOverrides(cmd, cfg)

	if validate {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// applyFlagOverrides maps the convenience flags onto the configuration
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()

	if flags.Changed("mysql") {
		if mysqlLock {
			cfg.Lock.Mode = config.LockModeMySQL
		} else {
			cfg.Lock.Mode = config.LockModeNone
		}
		cfg.Lock.SetDefaults()
	}

	switch {
	case flags.Changed("verbose") && verbose:
		cfg.Log.Level = string(logging.LogLevelVerbose)
	case flags.Changed("quiet") && quiet:
		cfg.Log.Level = string(logging.LogLevelQuiet)
	}
}

// newPrinter builds the output printer from the display flags
func newPrinter() (*display.Printer, error) {
	format, err := display.ParseFormat(outputFormat)
	if err != nil {
		return nil, appErrors.NewConfigurationError("invalid --format", err)
	}

	var colors display.ColorSystem
	if !noColor {
		colors = display.NewColorSystem(display.DarkColorTheme(), os.Stdout)
	}
	printer := display.NewPrinterTo(os.Stdout, format, colors)
	printer.SetStyle(display.TableStyleByName(tableStyle))
	return printer, nil
}

// session is what every rotation command needs
type session struct {
	cfg      *config.Config
	logger   *logging.Logger
	app      *application.Application
	printer  *display.Printer
	shutdown *appErrors.GracefulShutdownHandler
	ctx      context.Context
}

// startSession loads the configuration and builds the application. The
// returned context is canceled on SIGINT or SIGTERM.
func startSession(cmd *cobra.Command) (*session, error) {
	printer, err := newPrinter()
	if err != nil {
		return nil, err
	}

	cfg, err := loadConfig(cmd, true)
	if err != nil {
		return nil, err
	}

	logger, err := application.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		return nil, err
	}

	if used := loader.ConfigFileUsed(); used != "" {
		logger.WithField("config_file", used).Debug("Using config file")
	}

	shutdown := appErrors.NewGracefulShutdownHandler()
	ctx := shutdown.Start(cmd.Context())
	shutdown.RegisterShutdownFunc(func() error {
		logger.Warn("Interrupt received, cancelling the rotation")
		return nil
	})

	app, err := application.New(ctx, cfg, logger)
	if err != nil {
		shutdown.Stop()
		logger.Close()
		return nil, err
	}

	return &session{
		cfg:      cfg,
		logger:   logger,
		app:      app,
		printer:  printer,
		shutdown: shutdown,
		ctx:      ctx,
	}, nil
}

// Close releases the application and stops signal handling
func (s *session) Close() {
	s.shutdown.Stop()
	if err := s.app.Close(); err != nil {
		s.logger.WithField("error", err.Error()).Warn("Cleanup failed")
	}
	s.logger.Close()
}

// runRotation is the main execution function for the CLI
func runRotation(cmd *cobra.Command, args []string) error {
	s, err := startSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	if s.cfg.DryRun {
		plan, err := s.app.Plan(s.ctx)
		if err != nil {
			return err
		}
		return s.printer.Plan(plan, s.app.Engine().Options())
	}

	result, err := s.app.Run(s.ctx)
	if !quiet && result != nil {
		if perr := s.printer.Result(result); perr != nil {
			s.logger.WithField("error", perr.Error()).Warn("Failed to print the result")
		}
	}
	return err
}

// provideTroubleshootingHints prints hints for the failure classes an
// operator can act on
func provideTroubleshootingHints(w io.Writer, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}

	var hints []string
	switch appErrors.GetErrorType(err) {
	case appErrors.ErrorTypePrecondition:
		hints = []string{
			"If today's snapshot already exists, an earlier run was interrupted or ran twice; inspect it and destroy it to retry",
			"If no base snapshot is found, the retention window has no prior snapshot; run once with --init to send a full stream",
		}
	case appErrors.ErrorTypeStore:
		hints = []string{
			"Check that the datasets exist: zfs list -t all",
			"Check that the user may run zfs (root or zfs allow)",
		}
	case appErrors.ErrorTypeTransport:
		hints = []string{
			"Check that the destination host is reachable and its host key is in known_hosts",
			"Check that the destination dataset exists and has not diverged from the source",
			"Today's snapshot was kept; destroy it before retrying the run",
		}
	case appErrors.ErrorTypeConfiguration:
		hints = []string{
			"Generate a sample configuration with: zfs-rotate config --output <file>",
			"Print the effective configuration with: zfs-rotate config --effective",
		}
	}

	if len(hints) == 0 {
		return
	}
	fmt.Fprintf(w, "\nTroubleshooting hints:\n")
	for _, h := range hints {
		fmt.Fprintf(w, "- %s\n", h)
	}
}
