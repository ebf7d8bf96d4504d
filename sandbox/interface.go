package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// ExecuteRequest represents the parameters for code execution
type ExecuteRequest struct {
	Code        string `json:"code"`
	ExecutionID string `json:"execution_id,omitempty"`
}

// ExecuteResult represents the result of code execution.
//
// Stdout and Stderr travel on the wire as "output" and "error".
// ExitCode is -1 when the interpreter never produced an exit status.
type ExecuteResult struct {
	Success        bool     `json:"success"`
	Stdout         string   `json:"output"`
	Stderr         string   `json:"error"`
	ExitCode       int      `json:"exit_code"`
	ExecutionTime  float64  `json:"execution_time"`
	ImportsUsed    []string `json:"imports_used"`
	InstallMessage string   `json:"install_message"`
	ExecutionID    string   `json:"execution_id"`
}

// Limits describes the resource limits applied to every execution
type Limits struct {
	TimeoutSec           int  `json:"max_execution_time"`
	MemoryMB             int  `json:"max_memory_mb"`
	MemoryLimitEnforced  bool `json:"memory_limit_enforced"`
	AllowedPackagesCount int  `json:"allowed_packages_count"`
}

// SandboxExecutor defines the interface for sandbox execution
type SandboxExecutor interface {
	// Execute validates, screens and runs one snippet. The error return is
	// reserved for invalid input; every other failure is reported in the result.
	Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error)
	// Cancel stops a running execution. It reports false when no live
	// execution has the given id.
	Cancel(executionID string) bool
	AllowedPackages() []string
	RunningExecutions() []string
	Limits() Limits
	// Shutdown refuses new executions and stops every running one.
	Shutdown(ctx context.Context) error
}

// Config holds the engine settings derived from the application configuration
type Config struct {
	Interpreter    string
	Timeout        time.Duration
	GracePeriod    time.Duration
	MemoryMB       int
	BaseDir        string
	MaxOutputBytes int
	MaxCodeBytes   int
	ScriptName     string
	Environment    []string
	Install        InstallConfig
}

// InstallConfig holds the dependency installer settings
type InstallConfig struct {
	Enabled      bool
	Timeout      time.Duration
	ManifestName string
	ExtraArgs    []string
}

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	RunCommand(ctx context.Context, dir string, args []string) (stdout, stderr string, exitCode int, err error)
}

// RealCommandRunner implements CommandRunner using actual exec commands.
// The command runs in its own process group which is killed when ctx is done.
type RealCommandRunner struct{}

// RunCommand executes the given command with arguments in dir
func (RealCommandRunner) RunCommand(ctx context.Context, dir string, args []string) (stdout, stderr string, exitCode int, err error) {
	if len(args) < 1 {
		return "", "", 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // arguments are built from configuration
	cmd.Dir = dir
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		return killGroup(cmd.Process.Pid)
	}
	cmd.WaitDelay = pipeWaitDelay

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()

	exitCode = 0
	if err != nil {
		var exitError *exec.ExitError
		if !errors.As(err, &exitError) {
			return stdoutBuf.String(), stderrBuf.String(), -1, err
		}
		exitCode = exitError.ExitCode()
	}

	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// FileSystem defines an interface for file system operations
type FileSystem interface {
	MkdirTemp(dir, pattern string) (string, error)
	MkdirAll(path string, perm os.FileMode) error
	WriteFile(filename string, data []byte, perm os.FileMode) error
	RemoveAll(path string) error
}

// RealFileSystem implements FileSystem using actual file system operations
type RealFileSystem struct{}

func (RealFileSystem) MkdirTemp(dir, pattern string) (string, error) {
	return os.MkdirTemp(dir, pattern)
}

func (RealFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (RealFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	return os.WriteFile(filename, data, perm)
}

func (RealFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

// File permission and timing constants
const (
	DirPermission  = 0o755
	FilePermission = 0o600

	// pipeWaitDelay bounds how long Wait blocks on pipes still held open by
	// orphaned grandchildren after the interpreter has exited.
	pipeWaitDelay = 2 * time.Second

	// killWait bounds the wait for process exit after SIGKILL.
	killWait = 2 * time.Second
)

// Execution outcomes reported to a Recorder
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeRejected  = "rejected"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
	OutcomeAborted   = "aborted"
	OutcomeConflict  = "conflict"
)

// Recorder receives execution telemetry. Implementations must be safe for
// concurrent use.
type Recorder interface {
	ObserveExecution(outcome string, duration time.Duration)
	ObserveInstall(outcome string, duration time.Duration)
	ObserveCancellation(found bool)
}

type nopRecorder struct{}

func (nopRecorder) ObserveExecution(string, time.Duration) {}
func (nopRecorder) ObserveInstall(string, time.Duration)   {}
func (nopRecorder) ObserveCancellation(bool)               {}
