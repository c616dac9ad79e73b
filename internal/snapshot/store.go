package snapshot

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Snapshot is one point-in-time snapshot of a dataset
type Snapshot struct {
	Dataset   string `json:"dataset" yaml:"dataset"`
	Label     string `json:"label" yaml:"label"`
	UsedBytes uint64 `json:"used_bytes" yaml:"used_bytes"`
}

// FullName returns dataset@label
func (s Snapshot) FullName() string {
	return Name(s.Dataset, s.Label)
}

// Quiescer makes the data on a dataset consistent for the instant a snapshot
// is taken. The returned release func must be called once the snapshot exists.
type Quiescer interface {
	Name() string
	Quiesce(ctx context.Context) (release func(context.Context) error, err error)
}

// CreateRequest asks the store to snapshot Dataset as Dataset@Label
type CreateRequest struct {
	Dataset   string
	Label     string
	Recursive bool
	// Lock is applied around the snapshot; nil means no quiescing.
	Lock Quiescer
}

// DestroyRequest asks the store to destroy Dataset@Label
type DestroyRequest struct {
	Dataset   string
	Label     string
	Recursive bool
}

// Store lists, creates and destroys snapshots of named datasets
type Store interface {
	// List returns the snapshots of dataset ordered by label. With recursive
	// set, snapshots of descendant datasets are included.
	List(ctx context.Context, dataset string, recursive bool) ([]Snapshot, error)

	// Exists reports whether dataset@label exists
	Exists(ctx context.Context, dataset, label string) (bool, error)

	// Create takes a snapshot. It is atomic: on failure no snapshot is left.
	Create(ctx context.Context, req CreateRequest) error

	// Destroy removes a snapshot and invalidates cached usage figures
	Destroy(ctx context.Context, req DestroyRequest) error
}

var datasetPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:/-]*$`)

// ValidateDataset checks a dataset identifier against ZFS naming rules
func ValidateDataset(name string) error {
	if name == "" {
		return fmt.Errorf("dataset name is required")
	}
	if strings.ContainsAny(name, "@#") {
		return fmt.Errorf("dataset name %q must not contain '@' or '#'", name)
	}
	if !datasetPattern.MatchString(name) {
		return fmt.Errorf("dataset name %q contains invalid characters", name)
	}
	if strings.HasSuffix(name, "/") || strings.Contains(name, "//") {
		return fmt.Errorf("dataset name %q has an empty component", name)
	}
	return nil
}
