package rotation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"zfs-rotate/internal/consistency"
	appErrors "zfs-rotate/internal/errors"
	"zfs-rotate/internal/logging"
	"zfs-rotate/internal/notify"
	"zfs-rotate/internal/snapshot"
	"zfs-rotate/internal/transport"
)

const source = "tank/data"

var today = time.Date(2024, 3, 10, 12, 0, 0, 0, time.Local)

func testOptions(keep int) Options {
	return Options{
		Source:          source,
		Destination:     "backup/data",
		DestinationHost: "backup.example.com",
		DestinationUser: "root",
		Keep:            keep,
		Incremental:     true,
	}
}

func newTestEngine(t *testing.T, opts Options, store snapshot.Store, tr transport.Transport, notifier notify.Notifier) *Engine {
	t.Helper()
	engine, err := NewEngine(opts, store, tr, notifier, snapshot.FixedClock(today), logging.NewNopLogger())
	require.NoError(t, err)
	return engine
}

func transferRequest(base string) transport.TransferRequest {
	return transport.TransferRequest{
		Dataset:            source,
		Label:              "2024-03-10",
		DestinationDataset: "backup/data",
		DestinationHost:    "backup.example.com",
		DestinationUser:    "root",
		BaseLabel:          base,
	}
}

func TestRun_IncrementalNoPrune(t *testing.T) {
	// keep=5 with {03-09, 03-07}: base 03-09, boundary 03-05 absent
	store := &mockStore{}
	tr := &mockTransport{}
	notifier := &recordingNotifier{}

	mock.InOrder(
		store.On("Exists", mock.Anything, source, "2024-03-09").Return(true, nil).Once(),
		store.On("Exists", mock.Anything, source, "2024-03-10").Return(false, nil).Once(),
		store.On("Create", mock.Anything, snapshot.CreateRequest{Dataset: source, Label: "2024-03-10"}).Return(nil).Once(),
		tr.On("Transfer", mock.Anything, transferRequest("2024-03-09")).Return(nil).Once(),
		store.On("Exists", mock.Anything, source, "2024-03-05").Return(false, nil).Once(),
		store.On("List", mock.Anything, source, false).Return([]snapshot.Snapshot{
			{Dataset: source, Label: "2024-03-07", UsedBytes: 100},
			{Dataset: source, Label: "2024-03-09", UsedBytes: 200},
			{Dataset: source, Label: "2024-03-10", UsedBytes: 50},
			{Dataset: source, Label: "manual-before-upgrade", UsedBytes: 10},
		}, nil).Once(),
	)

	engine := newTestEngine(t, testOptions(5), store, tr, notifier)
	result, err := engine.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, StateDone, result.State)
	assert.Equal(t, StateDone, result.Reached)
	assert.True(t, result.Created)
	assert.True(t, result.Transferred)
	assert.False(t, result.Pruned)
	assert.Equal(t, "2024-03-09", result.Plan.BaseLabel)
	assert.Equal(t, []string{"2024-03-09"}, result.Plan.Probed)
	assert.Equal(t, "2024-03-05", result.Plan.PruneLabel)
	// the foreign label counts toward neither figure
	assert.Equal(t, 3, result.Retained)
	assert.Equal(t, uint64(350), result.RetainedBytes)

	store.AssertExpectations(t)
	tr.AssertExpectations(t)
	store.AssertNotCalled(t, "Destroy", mock.Anything, mock.Anything)
	store.AssertNotCalled(t, "Exists", mock.Anything, source, "2024-03-08")

	assert.Equal(t, []notify.EventType{notify.EventRunStarted, notify.EventRunCompleted}, notifier.types())
	completed := notifier.last()
	assert.Equal(t, notify.LevelInfo, completed.Level)
	assert.Equal(t, 3, completed.Context["retained"])
	assert.Equal(t, source, completed.Context["source"])
	assert.Equal(t, "none", completed.Context["lock_mode"])
	assert.Equal(t, 5, completed.Context["keep"])
}

func TestRun_PrunesBoundaryAfterTransfer(t *testing.T) {
	// keep=3 with 03-07 present: destroyed after the transfer, never before
	store := &mockStore{}
	tr := &mockTransport{}
	notifier := &recordingNotifier{}

	opts := testOptions(3)
	opts.Recursive = true

	req := transferRequest("2024-03-09")
	req.Recursive = true

	mock.InOrder(
		store.On("Exists", mock.Anything, source, "2024-03-09").Return(true, nil).Once(),
		store.On("Exists", mock.Anything, source, "2024-03-10").Return(false, nil).Once(),
		store.On("Create", mock.Anything, snapshot.CreateRequest{Dataset: source, Label: "2024-03-10", Recursive: true}).Return(nil).Once(),
		tr.On("Transfer", mock.Anything, req).Return(nil).Once(),
		store.On("Exists", mock.Anything, source, "2024-03-07").Return(true, nil).Once(),
		store.On("Destroy", mock.Anything, snapshot.DestroyRequest{Dataset: source, Label: "2024-03-07", Recursive: true}).Return(nil).Once(),
		store.On("List", mock.Anything, source, true).Return([]snapshot.Snapshot{
			{Dataset: source, Label: "2024-03-09", UsedBytes: 200},
			{Dataset: source + "/child", Label: "2024-03-09", UsedBytes: 20},
			{Dataset: source + "/child", Label: "pre-migration", UsedBytes: 500},
			{Dataset: source, Label: "2024-03-10", UsedBytes: 50},
		}, nil).Once(),
	)

	engine := newTestEngine(t, opts, store, tr, notifier)
	result, err := engine.Run(context.Background())

	require.NoError(t, err)
	assert.True(t, result.Pruned)
	// child usage of a dated snapshot counts; the label is counted once
	assert.Equal(t, 2, result.Retained)
	assert.Equal(t, uint64(270), result.RetainedBytes)
	store.AssertExpectations(t)
	tr.AssertExpectations(t)

	assert.Equal(t, []notify.EventType{notify.EventRunStarted, notify.EventPruneCompleted, notify.EventRunCompleted}, notifier.types())
}

func TestRun_TransferFailureKeepsSnapshotAndSkipsPrune(t *testing.T) {
	store := &mockStore{}
	tr := &mockTransport{}
	notifier := &recordingNotifier{}

	store.On("Exists", mock.Anything, source, "2024-03-09").Return(true, nil)
	store.On("Exists", mock.Anything, source, "2024-03-10").Return(false, nil)
	store.On("Create", mock.Anything, mock.Anything).Return(nil)
	tr.On("Transfer", mock.Anything, mock.Anything).Return(errors.New("connection reset by peer"))

	engine := newTestEngine(t, testOptions(3), store, tr, notifier)
	result, err := engine.Run(context.Background())

	require.Error(t, err)
	assert.Equal(t, StateAborted, result.State)
	assert.Equal(t, StateTransferring, result.Reached)
	assert.True(t, result.Created)
	assert.False(t, result.Transferred)
	assert.Equal(t, appErrors.ErrorTypeTransport, appErrors.GetErrorType(err))
	assert.Equal(t, appErrors.ExitTransport, appErrors.ExitCode(err))

	store.AssertNotCalled(t, "Destroy", mock.Anything, mock.Anything)
	store.AssertNotCalled(t, "Exists", mock.Anything, source, "2024-03-07")

	event := notifier.last()
	assert.Equal(t, notify.EventTransportFailed, event.Type)
	assert.Equal(t, notify.LevelCritical, event.Level)
	assert.Equal(t, "transferring", event.Context["state"])
	assert.Error(t, event.Error)
}

func TestRun_InitModeSendsFullStream(t *testing.T) {
	store := &mockStore{}
	tr := &mockTransport{}

	opts := testOptions(5)
	opts.Incremental = false

	store.On("Exists", mock.Anything, source, "2024-03-10").Return(false, nil).Once()
	store.On("Create", mock.Anything, mock.Anything).Return(nil).Once()
	tr.On("Transfer", mock.Anything, transferRequest("")).Return(nil).Once()
	store.On("Exists", mock.Anything, source, "2024-03-05").Return(false, nil).Once()
	store.On("List", mock.Anything, source, false).Return([]snapshot.Snapshot{}, nil).Once()

	engine := newTestEngine(t, opts, store, tr, &recordingNotifier{})
	result, err := engine.Run(context.Background())

	require.NoError(t, err)
	assert.Empty(t, result.Plan.Probed)
	assert.Empty(t, result.Plan.BaseLabel)
	store.AssertExpectations(t)
	tr.AssertExpectations(t)
	store.AssertNumberOfCalls(t, "Exists", 2)
}

func TestRun_SecondRunSameDayAborts(t *testing.T) {
	store := &mockStore{}
	tr := &mockTransport{}
	notifier := &recordingNotifier{}

	store.On("Exists", mock.Anything, source, "2024-03-09").Return(true, nil)
	store.On("Exists", mock.Anything, source, "2024-03-10").Return(true, nil)

	engine := newTestEngine(t, testOptions(5), store, tr, notifier)
	result, err := engine.Run(context.Background())

	require.Error(t, err)
	assert.Equal(t, appErrors.ErrorTypePrecondition, appErrors.GetErrorType(err))
	assert.Equal(t, appErrors.ExitPrecondition, appErrors.ExitCode(err))
	assert.Equal(t, StateValidating, result.Reached)
	assert.False(t, result.Created)
	assert.Contains(t, appErrors.FormatUserError(err), "already exists")

	store.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	tr.AssertNotCalled(t, "Transfer", mock.Anything, mock.Anything)

	event := notifier.last()
	assert.Equal(t, notify.EventPreconditionFailed, event.Type)
	assert.Equal(t, notify.LevelWarning, event.Level)
}

func TestRun_NoBaseAbortsBeforeMutation(t *testing.T) {
	store := &mockStore{}
	tr := &mockTransport{}

	store.On("Exists", mock.Anything, source, mock.Anything).Return(false, nil)

	engine := newTestEngine(t, testOptions(3), store, tr, &recordingNotifier{})
	result, err := engine.Run(context.Background())

	require.Error(t, err)
	assert.Equal(t, appErrors.ErrorTypePrecondition, appErrors.GetErrorType(err))
	assert.Equal(t, []string{"2024-03-09", "2024-03-08", "2024-03-07"}, result.Plan.Probed)
	assert.Contains(t, appErrors.FormatUserError(err), "--init")

	// three probes plus the guard on today's label
	store.AssertNumberOfCalls(t, "Exists", 4)
	store.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	store.AssertNotCalled(t, "Destroy", mock.Anything, mock.Anything)
	tr.AssertNotCalled(t, "Transfer", mock.Anything, mock.Anything)
}

func TestRun_CreateFailure(t *testing.T) {
	store := &mockStore{}
	tr := &mockTransport{}
	notifier := &recordingNotifier{}

	store.On("Exists", mock.Anything, source, "2024-03-09").Return(true, nil)
	store.On("Exists", mock.Anything, source, "2024-03-10").Return(false, nil)
	store.On("Create", mock.Anything, mock.Anything).Return(errors.New("out of space"))

	engine := newTestEngine(t, testOptions(5), store, tr, notifier)
	result, err := engine.Run(context.Background())

	require.Error(t, err)
	assert.Equal(t, StateCreating, result.Reached)
	assert.False(t, result.Created)
	assert.Equal(t, appErrors.ExitStore, appErrors.ExitCode(err))
	tr.AssertNotCalled(t, "Transfer", mock.Anything, mock.Anything)
	assert.Equal(t, notify.EventStoreFailed, notifier.last().Type)
}

func TestRun_DestroyFailureFailsRun(t *testing.T) {
	store := &mockStore{}
	tr := &mockTransport{}

	store.On("Exists", mock.Anything, source, "2024-03-09").Return(true, nil)
	store.On("Exists", mock.Anything, source, "2024-03-10").Return(false, nil)
	store.On("Exists", mock.Anything, source, "2024-03-07").Return(true, nil)
	store.On("Create", mock.Anything, mock.Anything).Return(nil)
	store.On("Destroy", mock.Anything, mock.Anything).Return(appErrors.NewStoreError("failed to destroy snapshot", errors.New("dataset is busy")))
	tr.On("Transfer", mock.Anything, mock.Anything).Return(nil)

	engine := newTestEngine(t, testOptions(3), store, tr, &recordingNotifier{})
	result, err := engine.Run(context.Background())

	require.Error(t, err)
	assert.Equal(t, StateAborted, result.State)
	assert.Equal(t, StatePruning, result.Reached)
	assert.True(t, result.Transferred)
	assert.False(t, result.Pruned)
	assert.Equal(t, appErrors.ExitStore, appErrors.ExitCode(err))
	store.AssertNotCalled(t, "List", mock.Anything, mock.Anything, mock.Anything)
}

func TestRun_ProbeFailure(t *testing.T) {
	store := &mockStore{}
	store.On("Exists", mock.Anything, source, "2024-03-09").Return(false, errors.New("pool is suspended"))

	engine := newTestEngine(t, testOptions(5), store, &mockTransport{}, &recordingNotifier{})
	result, err := engine.Run(context.Background())

	require.Error(t, err)
	assert.Equal(t, appErrors.ErrorTypeStore, appErrors.GetErrorType(err))
	assert.Equal(t, StateValidating, result.Reached)
}

func TestRun_InterruptedDuringTransfer(t *testing.T) {
	store := &mockStore{}
	tr := &mockTransport{}
	notifier := &recordingNotifier{}

	ctx, cancel := context.WithCancel(context.Background())

	store.On("Exists", mock.Anything, source, "2024-03-09").Return(true, nil)
	store.On("Exists", mock.Anything, source, "2024-03-10").Return(false, nil)
	store.On("Create", mock.Anything, mock.Anything).Return(nil)
	tr.On("Transfer", mock.Anything, mock.Anything).Run(func(mock.Arguments) { cancel() }).Return(context.Canceled)

	engine := newTestEngine(t, testOptions(5), store, tr, notifier)
	_, err := engine.Run(ctx)

	require.Error(t, err)
	assert.Equal(t, appErrors.ExitInterrupted, appErrors.ExitCode(err))

	event := notifier.last()
	assert.Equal(t, notify.EventRunInterrupted, event.Type)
}

func TestRun_SummaryFailureOnlyWarns(t *testing.T) {
	store := &mockStore{}
	tr := &mockTransport{}

	store.On("Exists", mock.Anything, source, "2024-03-09").Return(true, nil)
	store.On("Exists", mock.Anything, source, mock.Anything).Return(false, nil)
	store.On("Create", mock.Anything, mock.Anything).Return(nil)
	store.On("List", mock.Anything, source, false).Return(nil, errors.New("list failed"))
	tr.On("Transfer", mock.Anything, mock.Anything).Return(nil)

	engine := newTestEngine(t, testOptions(5), store, tr, &recordingNotifier{})
	result, err := engine.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, StateDone, result.State)
	assert.Zero(t, result.Retained)
}

func TestRun_NotifierFailureNeverFailsRun(t *testing.T) {
	store := newMemStore("2024-03-09")
	notifier := &recordingNotifier{err: errors.New("webhook down")}

	engine := newTestEngine(t, testOptions(5), store, &okTransport{}, notifier)
	result, err := engine.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, StateDone, result.State)
	assert.NotEmpty(t, notifier.events)
}

func TestRun_LockModeReachesCreate(t *testing.T) {
	store := &mockStore{}
	tr := &mockTransport{}

	opts := testOptions(5)
	opts.Lock = consistency.LockAndFlush(nopQuiescer{})

	store.On("Exists", mock.Anything, source, "2024-03-09").Return(true, nil)
	store.On("Exists", mock.Anything, source, mock.Anything).Return(false, nil)
	store.On("Create", mock.Anything, snapshot.CreateRequest{Dataset: source, Label: "2024-03-10", Lock: nopQuiescer{}}).Return(nil).Once()
	store.On("List", mock.Anything, source, false).Return([]snapshot.Snapshot{}, nil)
	tr.On("Transfer", mock.Anything, mock.Anything).Return(nil)

	notifier := &recordingNotifier{}
	engine := newTestEngine(t, opts, store, tr, notifier)
	_, err := engine.Run(context.Background())

	require.NoError(t, err)
	store.AssertExpectations(t)
	assert.Equal(t, "nop", notifier.last().Context["lock_mode"])
}

func TestRun_RunIDPropagates(t *testing.T) {
	notifier := &recordingNotifier{}
	engine := newTestEngine(t, testOptions(5), newMemStore("2024-03-09"), &okTransport{}, notifier)

	ctx := logging.ContextWithRunID(context.Background(), "run-7")
	result, err := engine.Run(ctx)

	require.NoError(t, err)
	assert.Equal(t, "run-7", result.RunID)
	for _, event := range notifier.events {
		assert.Equal(t, "run-7", event.RunID)
	}
}

func TestPlan(t *testing.T) {
	store := &mockStore{}
	store.On("Exists", mock.Anything, source, "2024-03-09").Return(false, nil).Once()
	store.On("Exists", mock.Anything, source, "2024-03-08").Return(false, nil).Once()
	store.On("Exists", mock.Anything, source, "2024-03-07").Return(true, nil).Once()
	store.On("Exists", mock.Anything, source, "2024-03-10").Return(false, nil).Once()

	engine := newTestEngine(t, testOptions(5), store, &mockTransport{}, nil)
	plan, err := engine.Plan(context.Background())

	require.NoError(t, err)
	assert.Equal(t, Plan{
		Source:      source,
		Today:       "2024-03-10",
		Incremental: true,
		BaseLabel:   "2024-03-07",
		Probed:      []string{"2024-03-09", "2024-03-08", "2024-03-07"},
		PruneLabel:  "2024-03-05",
	}, plan)

	store.AssertExpectations(t)
	store.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	store.AssertNotCalled(t, "Exists", mock.Anything, source, "2024-03-06")
}

func TestNewEngine_InvalidOptions(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{name: "keep zero", opts: Options{Source: source, Keep: 0}},
		{name: "empty source", opts: Options{Keep: 5}},
		{name: "snapshot as source", opts: Options{Source: "tank@x", Keep: 5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEngine(tt.opts, &mockStore{}, &mockTransport{}, nil, nil, logging.NewNopLogger())
			require.Error(t, err)
			assert.Equal(t, appErrors.ExitConfiguration, appErrors.ExitCode(err))
		})
	}
}
