// Package rotation implements the backup rotation engine: it names today's
// snapshot, finds the incremental base, and drives create, transfer and prune
// through a strictly sequential state machine.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"zfs-rotate/internal/consistency"
	appErrors "zfs-rotate/internal/errors"
	"zfs-rotate/internal/logging"
	"zfs-rotate/internal/notify"
	"zfs-rotate/internal/snapshot"
	"zfs-rotate/internal/transport"
)

// State is a step of a rotation run
type State string

const (
	StateIdle         State = "idle"
	StateValidating   State = "validating"
	StateCreating     State = "creating"
	StateTransferring State = "transferring"
	StatePruning      State = "pruning"
	StateDone         State = "done"
	StateAborted      State = "aborted"
)

// Options is the immutable run configuration of the engine
type Options struct {
	Source          string
	Destination     string
	DestinationHost string
	DestinationUser string
	Keep            int
	Recursive       bool
	// Incremental requires a base among the last Keep days; false sends a
	// full baseline stream.
	Incremental bool
	Lock        consistency.Mode
}

// Validate checks the options before any state transition
func (o Options) Validate() error {
	if err := snapshot.ValidateDataset(o.Source); err != nil {
		return appErrors.NewConfigurationError("invalid source dataset", err)
	}
	if o.Keep < 1 {
		return appErrors.NewConfigurationError(fmt.Sprintf("keep must be at least 1, got %d", o.Keep), nil)
	}
	return nil
}

// Plan is the outcome of validation: what a run would do
type Plan struct {
	Source      string   `json:"source" yaml:"source"`
	Today       string   `json:"today" yaml:"today"`
	Incremental bool     `json:"incremental" yaml:"incremental"`
	BaseLabel   string   `json:"base_label,omitempty" yaml:"base_label,omitempty"`
	Probed      []string `json:"probed,omitempty" yaml:"probed,omitempty"`
	PruneLabel  string   `json:"prune_label" yaml:"prune_label"`
}

// Result describes a finished run
type Result struct {
	RunID string
	// State is StateDone or StateAborted
	State State
	// Reached is the last state entered before the run ended
	Reached       State
	Plan          Plan
	Created       bool
	Transferred   bool
	Pruned        bool
	Retained      int
	RetainedBytes uint64
	StartedAt     time.Time
	FinishedAt    time.Time
	Err           error
}

// Duration returns the wall time of the run
func (r *Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Engine runs rotations for one source dataset
type Engine struct {
	opts      Options
	store     snapshot.Store
	transport transport.Transport
	notifier  notify.Notifier
	clock     snapshot.Clock
	logger    *logging.Logger
}

// NewEngine creates an engine. A nil clock uses the host clock.
func NewEngine(opts Options, store snapshot.Store, tr transport.Transport, notifier notify.Notifier, clock snapshot.Clock, logger *logging.Logger) (*Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = snapshot.SystemClock
	}
	return &Engine{
		opts:      opts,
		store:     store,
		transport: tr,
		notifier:  notifier,
		clock:     clock,
		logger:    logger,
	}, nil
}

// Options returns the run configuration
func (e *Engine) Options() Options {
	return e.opts
}

// Window returns the retention window for the current day
func (e *Engine) Window() snapshot.Window {
	return snapshot.WindowFor(e.clock, e.opts.Keep)
}

// Plan resolves the labels of a run and checks both guards without mutating
// anything. The returned plan is filled as far as validation got.
func (e *Engine) Plan(ctx context.Context) (Plan, error) {
	return e.plan(ctx, e.Window())
}

func (e *Engine) plan(ctx context.Context, window snapshot.Window) (Plan, error) {
	plan := Plan{
		Source:      e.opts.Source,
		Today:       window.Current(),
		Incremental: e.opts.Incremental,
		PruneLabel:  window.OldestLabel(),
	}

	if e.opts.Incremental {
		base, probed, err := e.resolveBase(ctx, window)
		plan.Probed = probed
		if err != nil {
			return plan, err
		}
		plan.BaseLabel = base
	}

	exists, err := e.store.Exists(ctx, e.opts.Source, plan.Today)
	if err != nil {
		return plan, storeFailure("failed to check for today's snapshot", err)
	}
	if exists {
		return plan, appErrors.NewPreconditionError(
			fmt.Sprintf("snapshot %s already exists", snapshot.Name(e.opts.Source, plan.Today))).
			WithContext("dataset", e.opts.Source).
			WithContext("label", plan.Today).
			WithUserMessage(fmt.Sprintf("Snapshot %s already exists: a previous run today created it and may not have finished. Check the destination and remove the snapshot before running again.",
				snapshot.Name(e.opts.Source, plan.Today)))
	}

	if e.opts.Incremental && plan.BaseLabel == "" {
		return plan, appErrors.NewPreconditionError(
			fmt.Sprintf("no incremental base found for %s within the last %d days", e.opts.Source, e.opts.Keep)).
			WithContext("dataset", e.opts.Source).
			WithContext("probed", plan.Probed).
			WithUserMessage(fmt.Sprintf("No snapshot of %s exists within the last %d days, so the incremental chain is broken. Run with --init to send a full baseline.",
				e.opts.Source, e.opts.Keep))
	}

	return plan, nil
}

// resolveBase probes today-1 .. today-keep nearest first and stops at the
// first existing snapshot
func (e *Engine) resolveBase(ctx context.Context, window snapshot.Window) (string, []string, error) {
	var probed []string
	for _, label := range window.Candidates() {
		probed = append(probed, label)

		exists, err := e.store.Exists(ctx, e.opts.Source, label)
		if err != nil {
			return "", probed, storeFailure("failed to probe for incremental base", err)
		}
		if exists {
			e.logger.WithContext(ctx).WithFields(map[string]interface{}{
				"dataset": e.opts.Source,
				"label":   label,
				"offset":  len(probed),
			}).Debug("Resolved incremental base")
			return label, probed, nil
		}
	}
	return "", probed, nil
}

// Run performs one rotation. The returned error is the abort cause; the
// result is always non-nil.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	run := &runState{
		engine: e,
		result: &Result{
			RunID:     logging.RunIDFromContext(ctx),
			State:     StateIdle,
			Reached:   StateIdle,
			StartedAt: e.clock.Now(),
		},
	}
	window := e.Window()

	e.notify(ctx, notify.Event{
		Level:   notify.LevelInfo,
		Type:    notify.EventRunStarted,
		Message: fmt.Sprintf("Rotating %s to %s", e.opts.Source, e.destination()),
	}, window)

	run.enter(ctx, StateValidating)
	plan, err := e.plan(ctx, window)
	run.result.Plan = plan
	if err != nil {
		return run.abort(ctx, err, window)
	}

	run.enter(ctx, StateCreating)
	if err := e.create(ctx, plan); err != nil {
		return run.abort(ctx, err, window)
	}
	run.result.Created = true

	run.enter(ctx, StateTransferring)
	if err := e.transfer(ctx, plan); err != nil {
		return run.abort(ctx, err, window)
	}
	run.result.Transferred = true

	run.enter(ctx, StatePruning)
	pruned, err := e.prune(ctx, plan)
	if err != nil {
		return run.abort(ctx, err, window)
	}
	run.result.Pruned = pruned
	if pruned {
		e.notify(ctx, notify.Event{
			Level:   notify.LevelInfo,
			Type:    notify.EventPruneCompleted,
			Message: fmt.Sprintf("Destroyed %s", snapshot.Name(e.opts.Source, plan.PruneLabel)),
		}, window)
	}

	run.enter(ctx, StateDone)
	run.result.State = StateDone
	e.summarize(ctx, run.result)
	run.result.FinishedAt = e.clock.Now()

	e.notify(ctx, notify.Event{
		Level:   notify.LevelInfo,
		Type:    notify.EventRunCompleted,
		Message: completionMessage(run.result),
		Context: map[string]interface{}{
			"snapshot":       snapshot.Name(e.opts.Source, plan.Today),
			"base":           plan.BaseLabel,
			"pruned":         pruned,
			"retained":       run.result.Retained,
			"retained_bytes": run.result.RetainedBytes,
		},
	}, window)

	return run.result, nil
}

func (e *Engine) create(ctx context.Context, plan Plan) error {
	req := snapshot.CreateRequest{
		Dataset:   e.opts.Source,
		Label:     plan.Today,
		Recursive: e.opts.Recursive,
		Lock:      e.opts.Lock.Quiescer(),
	}
	if err := e.store.Create(ctx, req); err != nil {
		return storeFailure("failed to create snapshot", err)
	}
	return nil
}

func (e *Engine) transfer(ctx context.Context, plan Plan) error {
	req := transport.TransferRequest{
		Dataset:            e.opts.Source,
		Label:              plan.Today,
		DestinationDataset: e.opts.Destination,
		DestinationHost:    e.opts.DestinationHost,
		DestinationUser:    e.opts.DestinationUser,
		Recursive:          e.opts.Recursive,
	}
	if e.opts.Incremental {
		req.BaseLabel = plan.BaseLabel
	}

	if err := e.transport.Transfer(ctx, req); err != nil {
		if isInterruption(err) || appErrors.GetErrorType(err) != appErrors.ErrorTypeUnknown {
			return err
		}
		return appErrors.NewTransportError("failed to transfer snapshot", err)
	}
	return nil
}

// prune destroys the snapshot at the window boundary if it exists. Labels
// skipped by missed runs are never considered.
func (e *Engine) prune(ctx context.Context, plan Plan) (bool, error) {
	exists, err := e.store.Exists(ctx, e.opts.Source, plan.PruneLabel)
	if err != nil {
		return false, storeFailure("failed to check for expired snapshot", err)
	}
	if !exists {
		e.logger.WithContext(ctx).WithFields(map[string]interface{}{
			"dataset": e.opts.Source,
			"label":   plan.PruneLabel,
		}).Info("No snapshot at retention boundary, nothing to prune")
		return false, nil
	}

	req := snapshot.DestroyRequest{
		Dataset:   e.opts.Source,
		Label:     plan.PruneLabel,
		Recursive: e.opts.Recursive,
	}
	if err := e.store.Destroy(ctx, req); err != nil {
		return false, storeFailure("failed to destroy expired snapshot", err)
	}
	return true, nil
}

// summarize records retained snapshot figures over the dated snapshots of
// the source and, when recursive, its descendants. Retained counts distinct
// labels since a recursive snapshot is one rotation step; RetainedBytes sums
// the usage of the same snapshots. Failures only warn.
func (e *Engine) summarize(ctx context.Context, result *Result) {
	snapshots, err := e.store.List(ctx, e.opts.Source, e.opts.Recursive)
	if err != nil {
		e.logger.WithContext(ctx).WithField("error", err.Error()).Warn("Failed to list retained snapshots")
		return
	}

	labels := make(map[string]struct{})
	for _, snap := range snapshots {
		if _, err := snapshot.ParseLabel(snap.Label); err != nil {
			continue
		}
		labels[snap.Label] = struct{}{}
		result.RetainedBytes += snap.UsedBytes
	}
	result.Retained = len(labels)
}

func (e *Engine) destination() string {
	if e.opts.DestinationHost == "" {
		return e.opts.Destination
	}
	return fmt.Sprintf("%s@%s:%s", e.opts.DestinationUser, e.opts.DestinationHost, e.opts.Destination)
}

// runContext is the context attached to every event of a run
func (e *Engine) runContext(window snapshot.Window) map[string]interface{} {
	return map[string]interface{}{
		"source":      e.opts.Source,
		"destination": e.opts.Destination,
		"host":        e.opts.DestinationHost,
		"user":        e.opts.DestinationUser,
		"lock_mode":   e.opts.Lock.String(),
		"keep":        e.opts.Keep,
		"run_date":    window.Current(),
	}
}

// notify forwards event and never fails the run. Delivery outlives
// cancellation so an interrupted run is still reported.
func (e *Engine) notify(ctx context.Context, event notify.Event, window snapshot.Window) {
	if e.notifier == nil {
		return
	}

	merged := e.runContext(window)
	for k, v := range event.Context {
		merged[k] = v
	}
	event.Context = merged
	if event.RunID == "" {
		event.RunID = logging.RunIDFromContext(ctx)
	}

	if err := e.notifier.Notify(context.WithoutCancel(ctx), event); err != nil {
		e.logger.WithContext(ctx).WithField("error", err.Error()).Warn("Failed to deliver notification")
	}
}

// runState tracks one invocation of Run
type runState struct {
	engine *Engine
	result *Result
}

func (r *runState) enter(ctx context.Context, next State) {
	r.engine.logger.LogStateTransition(ctx, string(r.result.Reached), string(next))
	r.result.Reached = next
}

func (r *runState) abort(ctx context.Context, err error, window snapshot.Window) (*Result, error) {
	e := r.engine
	r.result.State = StateAborted
	r.result.Err = err
	r.result.FinishedAt = e.clock.Now()

	e.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"dataset": e.opts.Source,
		"label":   r.result.Plan.Today,
		"state":   string(r.result.Reached),
		"error":   err.Error(),
	}).Error("Rotation aborted")

	level, eventType := classifyAbort(err)
	e.notify(ctx, notify.Event{
		Level:   level,
		Type:    eventType,
		Message: appErrors.FormatUserError(err),
		Error:   err,
		Context: map[string]interface{}{
			"state": string(r.result.Reached),
		},
	}, window)

	return r.result, err
}

func classifyAbort(err error) (notify.Level, notify.EventType) {
	if isInterruption(err) {
		return notify.LevelWarning, notify.EventRunInterrupted
	}
	switch appErrors.GetErrorType(err) {
	case appErrors.ErrorTypePrecondition:
		return notify.LevelWarning, notify.EventPreconditionFailed
	case appErrors.ErrorTypeTransport:
		return notify.LevelCritical, notify.EventTransportFailed
	case appErrors.ErrorTypeConfiguration:
		return notify.LevelCritical, notify.EventConfigurationFailed
	default:
		return notify.LevelCritical, notify.EventStoreFailed
	}
}

func completionMessage(result *Result) string {
	plan := result.Plan
	msg := fmt.Sprintf("Created and transferred %s", snapshot.Name(plan.Source, plan.Today))
	if plan.BaseLabel != "" {
		msg += fmt.Sprintf(" (incremental from %s)", plan.BaseLabel)
	} else {
		msg += " (full)"
	}
	if result.Pruned {
		msg += fmt.Sprintf(", pruned %s", plan.PruneLabel)
	}
	return msg
}

func isInterruption(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		appErrors.GetErrorType(err) == appErrors.ErrorTypeInterruption
}

// storeFailure types err as a store failure unless it already carries a type
// or is an interruption
func storeFailure(message string, err error) error {
	if isInterruption(err) || appErrors.GetErrorType(err) != appErrors.ErrorTypeUnknown {
		return err
	}
	return appErrors.NewStoreError(message, err)
}
