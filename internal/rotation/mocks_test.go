package rotation

import (
	"context"
	"sort"
	"sync"

	"github.com/stretchr/testify/mock"

	"zfs-rotate/internal/notify"
	"zfs-rotate/internal/snapshot"
	"zfs-rotate/internal/transport"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) List(ctx context.Context, dataset string, recursive bool) ([]snapshot.Snapshot, error) {
	args := m.Called(ctx, dataset, recursive)
	snaps, _ := args.Get(0).([]snapshot.Snapshot)
	return snaps, args.Error(1)
}

func (m *mockStore) Exists(ctx context.Context, dataset, label string) (bool, error) {
	args := m.Called(ctx, dataset, label)
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) Create(ctx context.Context, req snapshot.CreateRequest) error {
	return m.Called(ctx, req).Error(0)
}

func (m *mockStore) Destroy(ctx context.Context, req snapshot.DestroyRequest) error {
	return m.Called(ctx, req).Error(0)
}

type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) Name() string {
	return "mock"
}

func (m *mockTransport) Transfer(ctx context.Context, req transport.TransferRequest) error {
	return m.Called(ctx, req).Error(0)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, event notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return n.err
}

func (n *recordingNotifier) types() []notify.EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	types := make([]notify.EventType, 0, len(n.events))
	for _, e := range n.events {
		types = append(types, e.Type)
	}
	return types
}

func (n *recordingNotifier) last() notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.events[len(n.events)-1]
}

// memStore is an in-memory snapshot.Store for property tests
type memStore struct {
	labels    map[string]bool
	created   []string
	destroyed []string
	probes    int
}

func newMemStore(labels ...string) *memStore {
	s := &memStore{labels: make(map[string]bool)}
	for _, l := range labels {
		s.labels[l] = true
	}
	return s
}

func (s *memStore) List(_ context.Context, dataset string, _ bool) ([]snapshot.Snapshot, error) {
	var snaps []snapshot.Snapshot
	for label := range s.labels {
		snaps = append(snaps, snapshot.Snapshot{Dataset: dataset, Label: label, UsedBytes: 1})
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Label < snaps[j].Label })
	return snaps, nil
}

func (s *memStore) Exists(_ context.Context, _ string, label string) (bool, error) {
	s.probes++
	return s.labels[label], nil
}

func (s *memStore) Create(_ context.Context, req snapshot.CreateRequest) error {
	s.labels[req.Label] = true
	s.created = append(s.created, req.Label)
	return nil
}

func (s *memStore) Destroy(_ context.Context, req snapshot.DestroyRequest) error {
	delete(s.labels, req.Label)
	s.destroyed = append(s.destroyed, req.Label)
	return nil
}

type okTransport struct {
	requests []transport.TransferRequest
}

func (t *okTransport) Name() string { return "ok" }

func (t *okTransport) Transfer(_ context.Context, req transport.TransferRequest) error {
	t.requests = append(t.requests, req)
	return nil
}

type nopQuiescer struct{}

func (nopQuiescer) Name() string { return "nop" }

func (nopQuiescer) Quiesce(context.Context) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}
