package logging

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{
			name: "default config",
			config: Config{
				Level:  LogLevelNormal,
				Format: "text",
			},
		},
		{
			name: "json format",
			config: Config{
				Level:  LogLevelVerbose,
				Format: "json",
			},
		},
		{
			name: "debug level with caller",
			config: Config{
				Level:      LogLevelDebug,
				Format:     "text",
				ShowCaller: true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.config.Output = &buf

			logger, err := NewLogger(tt.config)
			if err != nil {
				t.Fatalf("NewLogger() error = %v", err)
			}

			if logger == nil {
				t.Fatal("NewLogger() returned nil logger")
			}

			if logger.GetLevel() != tt.config.Level {
				t.Errorf("Expected level %v, got %v", tt.config.Level, logger.GetLevel())
			}
		})
	}
}

func TestNewLogger_LogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rotate.log")

	var buf bytes.Buffer
	logger, err := NewLogger(Config{
		Level:   LogLevelNormal,
		Output:  &buf,
		LogFile: path,
	})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}

	logger.Info("written twice")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}

	if !strings.Contains(string(data), "written twice") {
		t.Errorf("Expected log file to contain message, got: %s", data)
	}
	if !strings.Contains(buf.String(), "written twice") {
		t.Errorf("Expected output to contain message, got: %s", buf.String())
	}
}

func TestNewLogger_LogFileUnwritable(t *testing.T) {
	_, err := NewLogger(Config{
		Level:   LogLevelNormal,
		LogFile: filepath.Join(t.TempDir(), "missing", "rotate.log"),
	})
	if err == nil {
		t.Fatal("Expected error for log file in missing directory")
	}
}

func TestNewDefaultLogger(t *testing.T) {
	logger := NewDefaultLogger()
	if logger == nil {
		t.Fatal("NewDefaultLogger() returned nil")
	}

	if logger.GetLevel() != LogLevelNormal {
		t.Errorf("Expected default level %v, got %v", LogLevelNormal, logger.GetLevel())
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    LogLevel
		wantErr bool
	}{
		{input: "quiet", want: LogLevelQuiet},
		{input: "normal", want: LogLevelNormal},
		{input: "verbose", want: LogLevelVerbose},
		{input: "debug", want: LogLevelDebug},
		{input: "", want: LogLevelNormal},
		{input: "loud", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLogLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLogLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoggerWithFields(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(Config{
		Level:  LogLevelVerbose,
		Output: &buf,
		Format: "json",
	})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}

	fields := map[string]interface{}{
		"dataset": "tank/data",
		"keep":    5,
	}

	logger.WithFields(fields).Info("test message")

	output := buf.String()
	if !strings.Contains(output, "tank/data") {
		t.Errorf("Expected output to contain 'tank/data', got: %s", output)
	}
	if !strings.Contains(output, "test message") {
		t.Errorf("Expected output to contain 'test message', got: %s", output)
	}
}

func TestLoggerWithContext(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(Config{
		Level:  LogLevelVerbose,
		Output: &buf,
		Format: "json",
	})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}

	ctx := ContextWithRunID(context.Background(), "run-123")
	logger.WithContext(ctx).Info("test message with context")

	output := buf.String()
	if !strings.Contains(output, "run-123") {
		t.Errorf("Expected output to contain run id, got: %s", output)
	}
}

func TestRunIDFromContext(t *testing.T) {
	if id := RunIDFromContext(context.Background()); id != "" {
		t.Errorf("Expected empty run id, got %q", id)
	}

	ctx := ContextWithRunID(context.Background(), "abc")
	if id := RunIDFromContext(ctx); id != "abc" {
		t.Errorf("Expected run id 'abc', got %q", id)
	}
}

func TestLogSnapshotOperation(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(Config{
		Level:  LogLevelVerbose,
		Output: &buf,
		Format: "json",
	})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}

	ctx := context.Background()

	logger.LogSnapshotOperation(ctx, "create", "tank@2024-03-10", true, 40*time.Millisecond, nil)
	output := buf.String()
	if !strings.Contains(output, "Snapshot operation completed") {
		t.Errorf("Expected success message, got: %s", output)
	}
	if !strings.Contains(output, "tank@2024-03-10") {
		t.Errorf("Expected snapshot name, got: %s", output)
	}

	buf.Reset()
	logger.LogSnapshotOperation(ctx, "destroy", "tank@2024-03-05", false, time.Millisecond, errors.New("dataset is busy"))
	output = buf.String()
	if !strings.Contains(output, "Snapshot operation failed") {
		t.Errorf("Expected failure message, got: %s", output)
	}
	if !strings.Contains(output, "dataset is busy") {
		t.Errorf("Expected error text, got: %s", output)
	}
}

func TestLogTransfer(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(Config{
		Level:  LogLevelVerbose,
		Output: &buf,
		Format: "json",
	})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}

	ctx := context.Background()

	logger.LogTransfer(ctx, "tank@2024-03-10", "", "backup/tank", time.Second, nil)
	if !strings.Contains(buf.String(), `"mode":"full"`) {
		t.Errorf("Expected full mode, got: %s", buf.String())
	}

	buf.Reset()
	logger.LogTransfer(ctx, "tank@2024-03-10", "2024-03-09", "backup/tank", time.Second, nil)
	output := buf.String()
	if !strings.Contains(output, `"mode":"incremental"`) {
		t.Errorf("Expected incremental mode, got: %s", output)
	}
	if !strings.Contains(output, "2024-03-09") {
		t.Errorf("Expected base label, got: %s", output)
	}

	buf.Reset()
	logger.LogTransfer(ctx, "tank@2024-03-10", "", "backup/tank", time.Second, errors.New("broken pipe"))
	if !strings.Contains(buf.String(), "Snapshot transfer failed") {
		t.Errorf("Expected failure message, got: %s", buf.String())
	}
}

func TestLogStateTransition(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(Config{
		Level:  LogLevelVerbose,
		Output: &buf,
		Format: "text",
	})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}

	logger.LogStateTransition(context.Background(), "Validating", "Creating")

	output := buf.String()
	if !strings.Contains(output, "Validating") || !strings.Contains(output, "Creating") {
		t.Errorf("Expected both states in output, got: %s", output)
	}

	buf.Reset()
	logger.SetLevel(LogLevelNormal)
	logger.LogStateTransition(context.Background(), "Creating", "Transferring")
	if buf.Len() != 0 {
		t.Errorf("Expected state transitions to be hidden at normal level, got: %s", buf.String())
	}
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(Config{
		Level:  LogLevelNormal,
		Output: &buf,
		Format: "text",
	})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}

	logger.Debug("debug message")
	if strings.Contains(buf.String(), "debug message") {
		t.Error("Debug message should not be logged at normal level")
	}

	buf.Reset()
	logger.SetLevel(LogLevelVerbose)
	logger.Debug("debug message")
	if !strings.Contains(buf.String(), "debug message") {
		t.Error("Debug message should be logged at verbose level")
	}

	if logger.GetLevel() != LogLevelVerbose {
		t.Errorf("Expected level %v, got %v", LogLevelVerbose, logger.GetLevel())
	}
}

func TestIsLevelEnabled(t *testing.T) {
	logger, err := NewLogger(Config{
		Level:  LogLevelVerbose,
		Output: &bytes.Buffer{},
	})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}

	tests := []struct {
		level    LogLevel
		expected bool
	}{
		{LogLevelQuiet, true},
		{LogLevelNormal, true},
		{LogLevelVerbose, true},
		{LogLevelDebug, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			result := logger.IsLevelEnabled(tt.level)
			if result != tt.expected {
				t.Errorf("IsLevelEnabled(%v) = %v, expected %v", tt.level, result, tt.expected)
			}
		})
	}
}

func TestPrintf(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(Config{
		Level:  LogLevelNormal,
		Output: &buf,
	})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}

	logger.Printf("next run at %s", "02:00")
	if !strings.Contains(buf.String(), "next run at 02:00") {
		t.Errorf("Expected formatted message, got: %s", buf.String())
	}
}

func TestLogOperationStart(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(Config{
		Level:  LogLevelVerbose,
		Output: &buf,
		Format: "json",
	})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}

	fields := map[string]interface{}{
		"dataset": "tank/data",
	}

	finish := logger.LogOperationStart("rotation", fields)

	output := buf.String()
	if !strings.Contains(output, "Operation started") {
		t.Errorf("Expected 'Operation started' message, got: %s", output)
	}

	buf.Reset()
	finish(nil)

	output = buf.String()
	if !strings.Contains(output, "Operation completed") {
		t.Errorf("Expected 'Operation completed' message, got: %s", output)
	}
	if !strings.Contains(output, `"success":true`) {
		t.Errorf("Expected success flag, got: %s", output)
	}

	buf.Reset()
	finish = logger.LogOperationStart("rotation", fields)
	buf.Reset()
	finish(errors.New("boom"))
	if !strings.Contains(buf.String(), "Operation failed") {
		t.Errorf("Expected 'Operation failed' message, got: %s", buf.String())
	}
}
