package zfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"zfs-rotate/internal/logging"
)

// Runner executes external commands. Implementations other than ExecRunner
// exist for tests.
type Runner interface {
	// Run executes name with args, feeding stdin when non-nil, and returns stdout
	Run(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error)

	// Start launches name with args and returns its stdout as a stream. Close
	// waits for the process and reports its exit status.
	Start(ctx context.Context, name string, args ...string) (io.ReadCloser, error)
}

// CommandError is a failed external command with its captured stderr
type CommandError struct {
	Command string
	Stderr  string
	Err     error
}

// Error implements the error interface
func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s: %v: %s", e.Command, e.Err, e.Stderr)
	}
	return fmt.Sprintf("%s: %v", e.Command, e.Err)
}

// Unwrap returns the underlying error
func (e *CommandError) Unwrap() error {
	return e.Err
}

// StderrOf returns the captured stderr of a failed command, or ""
func StderrOf(err error) string {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Stderr
	}
	return ""
}

// ExecRunner runs commands with os/exec
type ExecRunner struct {
	logger *logging.Logger
}

// NewExecRunner creates a runner that logs every command at debug level
func NewExecRunner(logger *logging.Logger) *ExecRunner {
	return &ExecRunner{logger: logger}
}

// Run implements Runner
func (r *ExecRunner) Run(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error) {
	r.logger.LogCommand(name, args)

	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != nil {
		cmd.Stdin = stdin
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", ctx.Err(), err)
		}
		return stdout.Bytes(), &CommandError{
			Command: commandLine(name, args),
			Stderr:  strings.TrimSpace(stderr.String()),
			Err:     err,
		}
	}

	return stdout.Bytes(), nil
}

// Start implements Runner
func (r *ExecRunner) Start(ctx context.Context, name string, args ...string) (io.ReadCloser, error) {
	r.logger.LogCommand(name, args)

	cmd := exec.CommandContext(ctx, name, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout of %s: %w", name, err)
	}

	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, &CommandError{Command: commandLine(name, args), Err: err}
	}

	return &processStream{
		ReadCloser: stdout,
		ctx:        ctx,
		cmd:        cmd,
		stderr:     stderr,
		command:    commandLine(name, args),
	}, nil
}

// processStream is the stdout of a running process
type processStream struct {
	io.ReadCloser
	ctx     context.Context
	cmd     *exec.Cmd
	stderr  *bytes.Buffer
	command string

	once sync.Once
	err  error
}

// Close closes stdout, which stops a producer the consumer abandoned, then
// waits for the process.
func (p *processStream) Close() error {
	p.once.Do(func() {
		_ = p.ReadCloser.Close()
		if err := p.cmd.Wait(); err != nil {
			if p.ctx.Err() != nil {
				err = fmt.Errorf("%w: %w", p.ctx.Err(), err)
			}
			p.err = &CommandError{
				Command: p.command,
				Stderr:  strings.TrimSpace(p.stderr.String()),
				Err:     err,
			}
		}
	})
	return p.err
}

func commandLine(name string, args []string) string {
	if len(args) == 0 {
		return name
	}
	return name + " " + strings.Join(args, " ")
}
