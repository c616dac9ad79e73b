package zfs

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	appErrors "zfs-rotate/internal/errors"
	"zfs-rotate/internal/logging"
	"zfs-rotate/internal/snapshot"
)

// Store is the zfs(8) implementation of snapshot.Store. It also produces send
// streams and applies receive streams for the transports.
type Store struct {
	runner  Runner
	zfsPath string
	logger  *logging.Logger
	usage   *snapshot.UsageCache
}

// SendRequest describes a send stream of Dataset@Label
type SendRequest struct {
	Dataset string
	Label   string
	// BaseLabel selects an incremental stream from Dataset@BaseLabel; empty sends a full stream
	BaseLabel string
	Recursive bool
}

// NewStore creates a store that runs zfsPath through runner
func NewStore(runner Runner, zfsPath string, logger *logging.Logger) *Store {
	if zfsPath == "" {
		zfsPath = "zfs"
	}
	s := &Store{
		runner:  runner,
		zfsPath: zfsPath,
		logger:  logger,
	}
	s.usage = snapshot.NewUsageCache(s.fetchUsage)
	return s
}

// UsageCache exposes the cache backing List
func (s *Store) UsageCache() *snapshot.UsageCache {
	return s.usage
}

// List implements snapshot.Store
func (s *Store) List(ctx context.Context, dataset string, recursive bool) ([]snapshot.Snapshot, error) {
	args := []string{"list", "-H", "-p", "-o", "name", "-t", "snapshot", "-s", "name"}
	if recursive {
		args = append(args, "-r")
	} else {
		args = append(args, "-d", "1")
	}
	args = append(args, dataset)

	out, err := s.runner.Run(ctx, nil, s.zfsPath, args...)
	if err != nil {
		return nil, s.storeError("failed to list snapshots", dataset, "", err)
	}

	var snapshots []snapshot.Snapshot
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		ds, label, ok := snapshot.SplitName(line)
		if !ok {
			s.logger.WithField("line", line).Debug("Ignoring unexpected zfs list output")
			continue
		}

		used, err := s.usage.Get(ctx, ds, label)
		if err != nil {
			return nil, s.storeError("failed to read snapshot usage", ds, label, err)
		}

		snapshots = append(snapshots, snapshot.Snapshot{
			Dataset:   ds,
			Label:     label,
			UsedBytes: used,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, s.storeError("failed to parse zfs list output", dataset, "", err)
	}

	sort.SliceStable(snapshots, func(i, j int) bool {
		if snapshots[i].Label != snapshots[j].Label {
			return snapshots[i].Label < snapshots[j].Label
		}
		return snapshots[i].Dataset < snapshots[j].Dataset
	})

	return snapshots, nil
}

// Exists implements snapshot.Store
func (s *Store) Exists(ctx context.Context, dataset, label string) (bool, error) {
	name := snapshot.Name(dataset, label)

	_, err := s.runner.Run(ctx, nil, s.zfsPath, "list", "-H", "-o", "name", "-t", "snapshot", name)
	if err == nil {
		return true, nil
	}
	if ctx.Err() == nil && strings.Contains(StderrOf(err), "does not exist") {
		return false, nil
	}
	return false, s.storeError("failed to check snapshot", dataset, label, err)
}

// Create implements snapshot.Store. The lock, when set, is held only for the
// duration of the zfs snapshot call.
func (s *Store) Create(ctx context.Context, req snapshot.CreateRequest) error {
	name := snapshot.Name(req.Dataset, req.Label)
	start := time.Now()

	if req.Lock != nil {
		release, err := req.Lock.Quiesce(ctx)
		if err != nil {
			return s.storeError(fmt.Sprintf("failed to quiesce with %s lock", req.Lock.Name()), req.Dataset, req.Label, err).
				WithContext("lock_mode", req.Lock.Name())
		}
		defer func() {
			// The snapshot outcome stands either way; a dropped lock connection releases it server-side
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.logger.WithContext(ctx).WithFields(map[string]interface{}{
					"lock_mode": req.Lock.Name(),
					"snapshot":  name,
					"error":     err.Error(),
				}).Warn("Failed to release lock after snapshot")
			}
		}()
	}

	args := []string{"snapshot"}
	if req.Recursive {
		args = append(args, "-r")
	}
	args = append(args, name)

	_, err := s.runner.Run(ctx, nil, s.zfsPath, args...)
	s.logger.LogSnapshotOperation(ctx, "create", name, req.Recursive, time.Since(start), err)
	if err != nil {
		return s.storeError("failed to create snapshot", req.Dataset, req.Label, err)
	}
	return nil
}

// Destroy implements snapshot.Store. Cached usage is dropped whatever the
// outcome, since a partial recursive destroy still frees space.
func (s *Store) Destroy(ctx context.Context, req snapshot.DestroyRequest) error {
	name := snapshot.Name(req.Dataset, req.Label)
	start := time.Now()
	defer s.usage.Invalidate()

	args := []string{"destroy"}
	if req.Recursive {
		args = append(args, "-r")
	}
	args = append(args, name)

	_, err := s.runner.Run(ctx, nil, s.zfsPath, args...)
	s.logger.LogSnapshotOperation(ctx, "destroy", name, req.Recursive, time.Since(start), err)
	if err != nil {
		return s.storeError("failed to destroy snapshot", req.Dataset, req.Label, err)
	}
	return nil
}

// Usage returns the space used by dataset@label, from cache when possible
func (s *Store) Usage(ctx context.Context, dataset, label string) (uint64, error) {
	return s.usage.Get(ctx, dataset, label)
}

func (s *Store) fetchUsage(ctx context.Context, dataset, label string) (uint64, error) {
	out, err := s.runner.Run(ctx, nil, s.zfsPath, "get", "-H", "-p", "-o", "value", "used", snapshot.Name(dataset, label))
	if err != nil {
		return 0, err
	}

	value := strings.TrimSpace(string(out))
	used, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected used value %q: %w", value, err)
	}
	return used, nil
}

// Send starts a send stream. Closing the stream waits for zfs send and
// reports its failure.
func (s *Store) Send(ctx context.Context, req SendRequest) (io.ReadCloser, error) {
	stream, err := s.runner.Start(ctx, s.zfsPath, SendArgs(req)...)
	if err != nil {
		return nil, s.storeError("failed to start zfs send", req.Dataset, req.Label, err)
	}
	return stream, nil
}

// Receive applies stream to dataset with zfs receive
func (s *Store) Receive(ctx context.Context, stream io.Reader, dataset string, recursive bool) error {
	if _, err := s.runner.Run(ctx, stream, s.zfsPath, ReceiveArgs(dataset, recursive)...); err != nil {
		return appErrors.NewTransportError("zfs receive failed", err).
			WithContext("destination", dataset).
			WithContext("stderr", StderrOf(err))
	}
	return nil
}

// SendArgs builds the zfs send argument vector for req
func SendArgs(req SendRequest) []string {
	args := []string{"send"}
	if req.Recursive {
		args = append(args, "-R")
	}
	if req.BaseLabel != "" {
		args = append(args, "-i", "@"+req.BaseLabel)
	}
	return append(args, snapshot.Name(req.Dataset, req.Label))
}

// ReceiveArgs builds the zfs receive argument vector. A forced rollback (-F)
// is never used for recursive streams, where it would destroy descendant
// datasets on the destination that are absent from the stream.
func ReceiveArgs(dataset string, recursive bool) []string {
	args := []string{"receive"}
	if !recursive {
		args = append(args, "-F")
	}
	return append(args, dataset)
}

func (s *Store) storeError(message, dataset, label string, err error) *appErrors.AppError {
	appErr := appErrors.NewStoreError(message, err).WithContext("dataset", dataset)
	if label != "" {
		appErr.WithContext("label", label)
	}
	if stderr := StderrOf(err); stderr != "" {
		appErr.WithContext("stderr", stderr)
	}
	return appErr
}
