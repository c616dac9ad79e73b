// Package application wires the run configuration into the snapshot store,
// transport, notifier and rotation engine, and runs the engine once or on a
// cron schedule.
package application

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"zfs-rotate/internal/config"
	"zfs-rotate/internal/consistency"
	"zfs-rotate/internal/display"
	appErrors "zfs-rotate/internal/errors"
	"zfs-rotate/internal/logging"
	"zfs-rotate/internal/metrics"
	"zfs-rotate/internal/notify"
	"zfs-rotate/internal/rotation"
	"zfs-rotate/internal/snapshot"
	"zfs-rotate/internal/transport"
	"zfs-rotate/internal/zfs"
)

// Components are the collaborators of the engine. New builds them from the
// configuration; tests inject their own.
type Components struct {
	Store     snapshot.Store
	Transport transport.Transport
	Notifier  notify.Notifier
	Lock      consistency.Mode
	Clock     snapshot.Clock
	// Closers are released by Close in reverse order
	Closers []io.Closer
}

// Application represents the main application
type Application struct {
	cfg      *config.Config
	logger   *logging.Logger
	store    snapshot.Store
	notifier notify.Notifier
	engine   *rotation.Engine
	metrics  *metrics.Collector
	clock    snapshot.Clock
	closers  []io.Closer
	newRunID func() string
}

// NewLogger builds the logger described by cfg.Log
func NewLogger(cfg config.LogConfig, output io.Writer) (*logging.Logger, error) {
	level, err := logging.ParseLogLevel(cfg.Level)
	if err != nil {
		return nil, appErrors.NewConfigurationError("invalid log level", err)
	}

	logger, err := logging.NewLogger(logging.Config{
		Level:      level,
		Output:     output,
		Format:     cfg.Format,
		ShowCaller: level == logging.LogLevelDebug,
		LogFile:    cfg.File,
	})
	if err != nil {
		return nil, appErrors.NewConfigurationError("failed to create logger", err).
			WithContext("log_file", cfg.File)
	}
	return logger, nil
}

// New builds every component from cfg. The notifier is built first so a
// failure setting up the others is reported through it.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*Application, error) {
	notifier, err := notify.NewManager(logger, cfg.Notifications)
	if err != nil {
		return nil, appErrors.NewConfigurationError("failed to set up notifications", err)
	}

	var closers []io.Closer
	fail := func(err error) (*Application, error) {
		closeAll(closers, logger)
		reportSetupFailure(ctx, notifier, cfg, logger, err)
		return nil, err
	}

	store := zfs.NewStore(zfs.NewExecRunner(logger), cfg.ZFSPath, logger)

	lock, lockCloser, err := consistency.FromConfig(cfg.Lock, logger)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, lockCloser)

	tr, trCloser, err := transport.New(ctx, cfg, store, logger)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, trCloser)

	app, err := NewWithComponents(cfg, logger, Components{
		Store:     store,
		Transport: tr,
		Notifier:  notifier,
		Lock:      lock,
		Closers:   closers,
	})
	if err != nil {
		return fail(err)
	}

	logger.WithFields(map[string]interface{}{
		"source":      cfg.Source,
		"destination": cfg.Destination,
		"transport":   tr.Name(),
		"lock_mode":   lock.String(),
		"channels":    notifier.Channels(),
	}).Debug("Application initialized")

	return app, nil
}

// reportSetupFailure forwards a failure that stops the rotation before the
// engine runs. Delivery problems are only logged.
func reportSetupFailure(ctx context.Context, notifier notify.Notifier, cfg *config.Config, logger *logging.Logger, err error) {
	if notifier == nil {
		return
	}

	event := notify.Event{
		Level:   notify.LevelCritical,
		Type:    notify.EventConfigurationFailed,
		Message: appErrors.FormatUserError(err),
		Error:   err,
		Context: map[string]interface{}{
			"source":      cfg.Source,
			"destination": cfg.Destination,
			"host":        cfg.Host,
			"user":        cfg.User,
			"lock_mode":   cfg.Lock.Mode,
			"keep":        cfg.Keep,
			"error_type":  string(appErrors.GetErrorType(err)),
		},
	}
	if nerr := notifier.Notify(context.WithoutCancel(ctx), event); nerr != nil {
		logger.WithField("error", nerr.Error()).Warn("Failed to deliver notification")
	}
}

// NewWithComponents builds the engine over the given components
func NewWithComponents(cfg *config.Config, logger *logging.Logger, c Components) (*Application, error) {
	opts := rotation.Options{
		Source:          cfg.Source,
		Destination:     cfg.Destination,
		DestinationHost: cfg.Host,
		DestinationUser: cfg.User,
		Keep:            cfg.Keep,
		Recursive:       cfg.Recursive,
		Incremental:     cfg.Incremental(),
		Lock:            c.Lock,
	}

	clock := c.Clock
	if clock == nil {
		clock = snapshot.SystemClock
	}
	engine, err := rotation.NewEngine(opts, c.Store, c.Transport, c.Notifier, clock, logger)
	if err != nil {
		return nil, err
	}

	return &Application{
		cfg:      cfg,
		logger:   logger,
		store:    c.Store,
		notifier: c.Notifier,
		engine:   engine,
		metrics:  metrics.NewCollector(),
		clock:    clock,
		closers:  c.Closers,
		newRunID: uuid.NewString,
	}, nil
}

// Engine returns the rotation engine
func (app *Application) Engine() *rotation.Engine {
	return app.engine
}

// Metrics returns the run metrics collector
func (app *Application) Metrics() *metrics.Collector {
	return app.metrics
}

// Run performs one rotation under a fresh run id and records its metrics
func (app *Application) Run(ctx context.Context) (*rotation.Result, error) {
	runID := app.newRunID()
	ctx = logging.ContextWithRunID(ctx, runID)

	result, err := app.engine.Run(ctx)
	app.record(ctx, result, err)
	return result, err
}

// Plan computes what a run would do without mutating anything
func (app *Application) Plan(ctx context.Context) (rotation.Plan, error) {
	return app.engine.Plan(ctx)
}

// Snapshots lists the source snapshots with their retention status
func (app *Application) Snapshots(ctx context.Context) ([]display.SnapshotRow, error) {
	snaps, err := app.store.List(ctx, app.cfg.Source, app.cfg.Recursive)
	if err != nil {
		return nil, err
	}

	window := app.engine.Window()
	base := ""
	if app.cfg.Incremental() {
		base = nearestBase(window, app.cfg.Source, snaps)
	}
	return display.BuildRows(snaps, window, base), nil
}

// nearestBase mirrors the engine's base probe over an existing listing
func nearestBase(window snapshot.Window, dataset string, snaps []snapshot.Snapshot) string {
	present := make(map[string]bool, len(snaps))
	for _, s := range snaps {
		if s.Dataset == dataset {
			present[s.Label] = true
		}
	}
	for _, label := range window.Candidates() {
		if present[label] {
			return label
		}
	}
	return ""
}

// Schedule runs the rotation on the cron expression spec until ctx is
// canceled. A run still in progress when the next one is due is not
// overlapped; the due run is skipped.
func (app *Application) Schedule(ctx context.Context, spec string) error {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		cerr := appErrors.NewConfigurationError("invalid cron expression", err).
			WithContext("schedule", spec)
		reportSetupFailure(ctx, app.notifier, app.cfg, app.logger, cerr)
		return cerr
	}

	cronLogger := cron.PrintfLogger(app.logger)
	c := cron.New(cron.WithLogger(cronLogger), cron.WithChain(
		cron.Recover(cronLogger),
		cron.SkipIfStillRunning(cronLogger),
	))
	c.Schedule(schedule, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := app.Run(ctx); err != nil {
			app.logger.WithFields(map[string]interface{}{
				"error":      err.Error(),
				"error_type": string(appErrors.GetErrorType(err)),
			}).Error("Scheduled rotation failed")
		}
	}))

	app.logger.WithFields(map[string]interface{}{
		"schedule": spec,
		"next_run": schedule.Next(app.clock.Now()).Format("2006-01-02 15:04:05"),
	}).Info("Rotation scheduled")

	c.Start()
	<-ctx.Done()

	app.logger.Info("Waiting for the running rotation to finish")
	<-c.Stop().Done()
	return nil
}

// Close releases every component resource
func (app *Application) Close() error {
	return closeAll(app.closers, app.logger)
}

func (app *Application) record(ctx context.Context, result *rotation.Result, err error) {
	if result == nil {
		return
	}

	app.metrics.RecordRun(app.cfg.Source, metrics.RunSample{
		Outcome:       Outcome(err),
		StartedAt:     result.StartedAt,
		Duration:      result.Duration(),
		Pruned:        result.Pruned,
		Retained:      result.Retained,
		RetainedBytes: result.RetainedBytes,
	})

	path := app.cfg.Metrics.Textfile
	if path == "" {
		return
	}
	if werr := app.metrics.WriteTextfile(path); werr != nil {
		app.logger.WithContext(ctx).WithField("error", werr.Error()).Warn("Failed to write metrics textfile")
	}
}

// Outcome maps a run error onto the metrics outcome label
func Outcome(err error) string {
	if err == nil {
		return metrics.OutcomeSuccess
	}
	if errors.Is(err, context.Canceled) {
		return metrics.OutcomeInterrupted
	}

	switch appErrors.GetErrorType(err) {
	case appErrors.ErrorTypePrecondition:
		return metrics.OutcomePrecondition
	case appErrors.ErrorTypeStore:
		return metrics.OutcomeStore
	case appErrors.ErrorTypeTransport:
		return metrics.OutcomeTransport
	case appErrors.ErrorTypeInterruption:
		return metrics.OutcomeInterrupted
	default:
		return metrics.OutcomeError
	}
}

func closeAll(closers []io.Closer, logger *logging.Logger) error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			logger.WithField("error", err.Error()).Warn("Failed to release resource")
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to release resources: %w", errors.Join(errs...))
	}
	return nil
}
