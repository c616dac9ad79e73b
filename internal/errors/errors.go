package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/go-sql-driver/mysql"
	"golang.org/x/crypto/ssh"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	// ErrorTypePrecondition represents a guard violation detected before any mutation
	ErrorTypePrecondition ErrorType = "precondition"
	// ErrorTypeStore represents a failed snapshot store operation
	ErrorTypeStore ErrorType = "store"
	// ErrorTypeTransport represents a failed transfer
	ErrorTypeTransport ErrorType = "transport"
	// ErrorTypeConfiguration represents invalid run configuration
	ErrorTypeConfiguration ErrorType = "configuration"
	// ErrorTypeInterruption represents user interruption
	ErrorTypeInterruption ErrorType = "interruption"
	// ErrorTypeUnknown represents unknown errors
	ErrorTypeUnknown ErrorType = "unknown"
)

// Process exit codes, one per error type
const (
	ExitOK            = 0
	ExitUnknown       = 1
	ExitPrecondition  = 2
	ExitStore         = 3
	ExitTransport     = 4
	ExitConfiguration = 5
	ExitInterrupted   = 130
)

// AppError represents an application-specific error with context
type AppError struct {
	Type        ErrorType
	Message     string
	Cause       error
	Context     map[string]interface{}
	UserMessage string
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// GetUserMessage returns a user-friendly error message
func (e *AppError) GetUserMessage() string {
	if e.UserMessage != "" {
		return e.UserMessage
	}
	return e.Message
}

// WithContext adds context information to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithUserMessage sets the message shown on stderr
func (e *AppError) WithUserMessage(msg string) *AppError {
	e.UserMessage = msg
	return e
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, message string, cause error) *AppError {
	return &AppError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// NewPreconditionError creates a guard violation error
func NewPreconditionError(message string) *AppError {
	return NewAppError(ErrorTypePrecondition, message, nil)
}

// NewStoreError creates a snapshot store failure
func NewStoreError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeStore, message, cause)
}

// NewTransportError creates a transfer failure
func NewTransportError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeTransport, message, cause)
}

// NewConfigurationError creates an invalid configuration error
func NewConfigurationError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeConfiguration, message, cause)
}

// ErrorClassifier provides methods to classify and handle different types of errors
type ErrorClassifier struct{}

// NewErrorClassifier creates a new error classifier
func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{}
}

// ClassifyError analyzes an error and returns an AppError with appropriate classification
func (ec *ErrorClassifier) ClassifyError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	// Context errors first: a killed child reports an exit error too
	if ctxErr := ec.classifyContextError(err); ctxErr != nil {
		return ctxErr
	}

	if cmdErr := ec.classifyCommandError(err); cmdErr != nil {
		return cmdErr
	}

	if mysqlErr := ec.classifyMySQLError(err); mysqlErr != nil {
		return mysqlErr
	}

	if netErr := ec.classifyNetworkError(err); netErr != nil {
		return netErr
	}

	if fsErr := ec.classifyFileSystemError(err); fsErr != nil {
		return fsErr
	}

	return NewAppError(ErrorTypeUnknown, "An unexpected error occurred", err)
}

// classifyContextError classifies context-related errors
func (ec *ErrorClassifier) classifyContextError(err error) *AppError {
	if errors.Is(err, context.Canceled) {
		return NewAppError(ErrorTypeInterruption, "Operation was canceled", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewAppError(ErrorTypeInterruption, "Operation timed out", err)
	}
	return nil
}

// classifyCommandError classifies failures of local zfs(8) and remote ssh commands
func (ec *ErrorClassifier) classifyCommandError(err error) *AppError {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		appErr := NewStoreError("zfs command failed", err).
			WithContext("exit_code", exitErr.ExitCode())
		if stderr := strings.TrimSpace(string(exitErr.Stderr)); stderr != "" {
			appErr.WithContext("stderr", stderr)
		}
		return appErr
	}

	var sshExit *ssh.ExitError
	if errors.As(err, &sshExit) {
		return NewTransportError("remote command failed", err).
			WithContext("exit_code", sshExit.ExitStatus())
	}

	var sshMissing *ssh.ExitMissingError
	if errors.As(err, &sshMissing) {
		return NewTransportError("remote command exited without status", err)
	}

	return nil
}

// classifyMySQLError classifies MySQL errors raised while quiescing
func (ec *ErrorClassifier) classifyMySQLError(err error) *AppError {
	var mysqlErr *mysql.MySQLError
	if !errors.As(err, &mysqlErr) {
		return nil
	}

	switch mysqlErr.Number {
	case 1045: // Access denied
		return NewStoreError("MySQL access denied while acquiring the flush lock", err).
			WithContext("mysql_error_code", mysqlErr.Number)
	case 1227: // Access denied; you need the RELOAD privilege
		return NewStoreError("MySQL user lacks the RELOAD privilege required for FLUSH TABLES", err).
			WithContext("mysql_error_code", mysqlErr.Number)
	case 1205: // Lock wait timeout exceeded
		return NewStoreError("Timed out waiting for the MySQL flush lock", err).
			WithContext("mysql_error_code", mysqlErr.Number)
	default:
		return NewStoreError(fmt.Sprintf("MySQL error: %s", mysqlErr.Message), err).
			WithContext("mysql_error_code", mysqlErr.Number)
	}
}

// classifyNetworkError classifies network-related errors
func (ec *ErrorClassifier) classifyNetworkError(err error) *AppError {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return NewTransportError(fmt.Sprintf("network %s failed", opErr.Op), err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewTransportError("network operation timed out", err)
	}

	return nil
}

// classifyFileSystemError classifies file system errors
func (ec *ErrorClassifier) classifyFileSystemError(err error) *AppError {
	var pathErr *os.PathError
	if !errors.As(err, &pathErr) {
		return nil
	}

	switch {
	case errors.Is(pathErr.Err, syscall.ENOENT):
		return NewConfigurationError(fmt.Sprintf("File or directory not found: %s", pathErr.Path), err)
	case errors.Is(pathErr.Err, syscall.EACCES):
		return NewConfigurationError(fmt.Sprintf("Permission denied: %s", pathErr.Path), err)
	case errors.Is(pathErr.Err, syscall.ENOSPC):
		return NewStoreError("No space left on device", err)
	}
	return nil
}

// GracefulShutdownHandler turns interruption signals into context cancellation
// and runs registered cleanup in reverse order.
type GracefulShutdownHandler struct {
	mu            sync.Mutex
	shutdownFuncs []func() error
	signalChan    chan os.Signal
	done          chan struct{}
	cancel        context.CancelFunc
	once          sync.Once
}

// NewGracefulShutdownHandler creates a new graceful shutdown handler
func NewGracefulShutdownHandler() *GracefulShutdownHandler {
	return &GracefulShutdownHandler{
		shutdownFuncs: make([]func() error, 0),
		signalChan:    make(chan os.Signal, 1),
		done:          make(chan struct{}),
	}
}

// RegisterShutdownFunc registers a function to be called during shutdown
func (gsh *GracefulShutdownHandler) RegisterShutdownFunc(fn func() error) {
	gsh.mu.Lock()
	defer gsh.mu.Unlock()
	gsh.shutdownFuncs = append(gsh.shutdownFuncs, fn)
}

// Start starts listening for shutdown signals. The returned context is
// canceled on the first SIGINT or SIGTERM.
func (gsh *GracefulShutdownHandler) Start(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	gsh.cancel = cancel

	signal.Notify(gsh.signalChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case _, ok := <-gsh.signalChan:
			if !ok {
				return
			}
			gsh.Shutdown()
		case <-gsh.done:
		}
	}()

	return ctx
}

// Stop stops listening for signals without running shutdown funcs
func (gsh *GracefulShutdownHandler) Stop() {
	signal.Stop(gsh.signalChan)
	gsh.once.Do(func() {
		close(gsh.done)
	})
	if gsh.cancel != nil {
		gsh.cancel()
	}
}

// Shutdown cancels the context and executes all registered shutdown functions
func (gsh *GracefulShutdownHandler) Shutdown() {
	if gsh.cancel != nil {
		gsh.cancel()
	}

	gsh.mu.Lock()
	funcs := append([]func() error(nil), gsh.shutdownFuncs...)
	gsh.shutdownFuncs = nil
	gsh.mu.Unlock()

	for i := len(funcs) - 1; i >= 0; i-- {
		if err := funcs[i](); err != nil {
			// Log error but continue with shutdown
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
		}
	}
}

// GetErrorType returns the error type of an error
func GetErrorType(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeUnknown
}

// IsType reports whether err is an AppError of the given type
func IsType(err error, errorType ErrorType) bool {
	return err != nil && GetErrorType(err) == errorType
}

// ExitCode maps an error onto the process exit code
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	// A canceled run reports interruption whichever component noticed it
	if errors.Is(err, context.Canceled) {
		return ExitInterrupted
	}

	switch NewErrorClassifier().ClassifyError(err).Type {
	case ErrorTypePrecondition:
		return ExitPrecondition
	case ErrorTypeStore:
		return ExitStore
	case ErrorTypeTransport:
		return ExitTransport
	case ErrorTypeConfiguration:
		return ExitConfiguration
	case ErrorTypeInterruption:
		return ExitInterrupted
	default:
		return ExitUnknown
	}
}

// FormatUserError formats an error for display to users
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		msg := appErr.GetUserMessage()
		if appErr.Cause != nil && appErr.UserMessage == "" {
			msg = fmt.Sprintf("%s: %v", msg, appErr.Cause)
		}
		return msg
	}

	return fmt.Sprintf("An unexpected error occurred: %v", err)
}

// WrapError wraps an existing error with additional context
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return NewAppError(appErr.Type, message, err)
	}

	classified := NewErrorClassifier().ClassifyError(err)
	classified.Message = message
	return classified
}
