// Package consistency quiesces applications whose files live on the source
// dataset so the snapshot captures a consistent on-disk state.
package consistency

import (
	"fmt"
	"io"

	"zfs-rotate/internal/config"
	"zfs-rotate/internal/logging"
	"zfs-rotate/internal/snapshot"
)

// Mode is the lock mode of a run: None, or LockAndFlush with a driver
type Mode struct {
	driver snapshot.Quiescer
}

// None takes the snapshot without quiescing anything
var None = Mode{}

// LockAndFlush holds driver's lock for the instant the snapshot is taken
func LockAndFlush(driver snapshot.Quiescer) Mode {
	return Mode{driver: driver}
}

// Quiescer returns the driver, or nil for None
func (m Mode) Quiescer() snapshot.Quiescer {
	return m.driver
}

// IsNone reports whether the mode takes no lock
func (m Mode) IsNone() bool {
	return m.driver == nil
}

// String returns "none" or the driver name
func (m Mode) String() string {
	if m.driver == nil {
		return config.LockModeNone
	}
	return m.driver.Name()
}

// FromConfig builds the lock mode named by cfg. The returned closer releases
// driver resources and is never nil.
func FromConfig(cfg config.LockConfig, logger *logging.Logger) (Mode, io.Closer, error) {
	switch cfg.Mode {
	case "", config.LockModeNone:
		return None, nopCloser{}, nil
	case config.LockModeMySQL:
		lock, err := NewMySQLLock(cfg.MySQL, logger)
		if err != nil {
			return None, nopCloser{}, err
		}
		return LockAndFlush(lock), lock, nil
	default:
		return None, nopCloser{}, fmt.Errorf("unsupported lock mode: %s", cfg.Mode)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
