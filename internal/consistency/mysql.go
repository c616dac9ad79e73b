package consistency

import (
	"context"
	"database/sql"
	"net"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"

	"zfs-rotate/internal/config"
	appErrors "zfs-rotate/internal/errors"
	"zfs-rotate/internal/logging"
)

const (
	flushStatement  = "FLUSH TABLES WITH READ LOCK"
	unlockStatement = "UNLOCK TABLES"
)

// MySQLLock flushes MySQL tables and holds a global read lock while the
// snapshot is taken. The lock belongs to one session, so both statements run
// on a single dedicated connection.
type MySQLLock struct {
	db      *sql.DB
	timeout time.Duration
	logger  *logging.Logger
}

// NewMySQLLock opens a connection pool for cfg. No connection is made until
// the first Quiesce.
func NewMySQLLock(cfg config.MySQLLockConfig, logger *logging.Logger) (*MySQLLock, error) {
	db, err := sql.Open("mysql", mysqlDSN(cfg))
	if err != nil {
		return nil, appErrors.NewConfigurationError("failed to open MySQL connection", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(0)

	return NewMySQLLockWithDB(db, cfg.Timeout, logger), nil
}

// NewMySQLLockWithDB creates a lock over an existing pool
func NewMySQLLockWithDB(db *sql.DB, timeout time.Duration, logger *logging.Logger) *MySQLLock {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &MySQLLock{
		db:      db,
		timeout: timeout,
		logger:  logger,
	}
}

func mysqlDSN(cfg config.MySQLLockConfig) string {
	mc := mysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	if cfg.Socket != "" {
		mc.Net = "unix"
		mc.Addr = cfg.Socket
	} else {
		mc.Net = "tcp"
		mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	}
	mc.Timeout = cfg.Timeout
	return mc.FormatDSN()
}

// Name implements snapshot.Quiescer
func (l *MySQLLock) Name() string {
	return config.LockModeMySQL
}

// Quiesce implements snapshot.Quiescer
func (l *MySQLLock) Quiesce(ctx context.Context) (func(context.Context) error, error) {
	lockCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	start := time.Now()
	conn, err := l.db.Conn(lockCtx)
	if err != nil {
		return nil, appErrors.WrapError(err, "failed to connect to MySQL")
	}

	if _, err := conn.ExecContext(lockCtx, flushStatement); err != nil {
		conn.Close()
		return nil, appErrors.WrapError(err, "failed to acquire MySQL read lock")
	}

	l.logger.WithContext(ctx).WithField("wait", time.Since(start).String()).Info("MySQL tables flushed and locked")

	locked := time.Now()
	release := func(ctx context.Context) error {
		defer conn.Close()

		releaseCtx, cancel := context.WithTimeout(ctx, l.timeout)
		defer cancel()

		if _, err := conn.ExecContext(releaseCtx, unlockStatement); err != nil {
			return appErrors.WrapError(err, "failed to release MySQL read lock")
		}

		l.logger.WithContext(ctx).WithField("held", time.Since(locked).String()).Info("MySQL tables unlocked")
		return nil
	}

	return release, nil
}

// Close closes the connection pool
func (l *MySQLLock) Close() error {
	return l.db.Close()
}
