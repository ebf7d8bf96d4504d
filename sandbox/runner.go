package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Process is a handle on a started interpreter. Terminate asks the process
// group to exit, Kill forces it. Done is closed once the process has been
// reaped.
type Process interface {
	PID() int
	Terminate() error
	Kill() error
	Done() <-chan struct{}
}

// RunResult is the outcome of a single interpreter run
type RunResult struct {
	OK       bool
	Stdout   string
	Stderr   string
	ExitCode int
	Outcome  string
}

// ProcessRunner writes a script into a working directory and runs it under a
// time limit.
type ProcessRunner struct {
	logger   *zap.Logger
	config   Config
	registry *Registry
	fs       FileSystem
}

// NewProcessRunner creates a ProcessRunner. Runs with an execution id are
// tracked in registry.
func NewProcessRunner(logger *zap.Logger, cfg Config, registry *Registry, fs FileSystem) *ProcessRunner {
	if fs == nil {
		fs = RealFileSystem{}
	}
	return &ProcessRunner{
		logger:   logger.With(zap.String("component", "runner")),
		config:   cfg,
		registry: registry,
		fs:       fs,
	}
}

// Run executes source with the configured interpreter inside workdir.
//
// When res is non-nil the started process is bound to it so the execution
// can be cancelled through the registry; releasing res is up to the caller.
// Exceeding timeLimit, a registry cancellation and ctx cancellation all stop
// the whole process group: SIGTERM, then SIGKILL after the grace period.
//
//nolint:funlen // linear spawn and wait sequence
func (r *ProcessRunner) Run(ctx context.Context, source, workdir string, res *Reservation, timeLimit time.Duration) RunResult {
	scriptPath := filepath.Join(workdir, r.config.ScriptName)
	if err := r.fs.WriteFile(scriptPath, []byte(source), FilePermission); err != nil {
		return failedRun(fmt.Sprintf("failed to write script: %v", err))
	}

	cmd := exec.Command(r.config.Interpreter, r.config.ScriptName) //nolint:gosec // interpreter comes from configuration
	cmd.Dir = workdir
	cmd.Env = append(os.Environ(), r.config.Environment...)
	setProcessGroup(cmd)
	cmd.WaitDelay = pipeWaitDelay

	stdoutBuf := &limitedBuffer{limit: r.config.MaxOutputBytes}
	stderrBuf := &limitedBuffer{limit: r.config.MaxOutputBytes}
	cmd.Stdout = stdoutBuf
	cmd.Stderr = stderrBuf

	if err := cmd.Start(); err != nil {
		return failedRun(fmt.Sprintf("failed to start interpreter: %v", err))
	}

	h := &processHandle{cmd: cmd, done: make(chan struct{})}
	go h.wait()

	executionID := ""
	if res != nil {
		executionID = res.ID()
	}
	log := r.logger.With(zap.String("execution_id", executionID), zap.Int("pid", h.PID()))

	if res != nil && !res.Bind(h) {
		log.Info("execution cancelled before start")
		stopProcess(h, r.config.GracePeriod)
		return RunResult{
			Stderr:   "execution cancelled",
			ExitCode: -1,
			Outcome:  OutcomeCancelled,
		}
	}

	log.Debug("interpreter started")

	timer := time.NewTimer(timeLimit)
	defer timer.Stop()

	select {
	case <-h.done:
		out := RunResult{
			OK:       true,
			Stdout:   stdoutBuf.String(),
			Stderr:   stderrBuf.String(),
			ExitCode: cmd.ProcessState.ExitCode(),
			Outcome:  OutcomeSuccess,
		}
		if h.stoppedEarly {
			out.OK = false
			out.Stderr = appendLine(out.Stderr, "execution cancelled")
			out.Outcome = OutcomeCancelled
		}
		out.Stderr = appendTruncationNote(out.Stderr, stdoutBuf, stderrBuf)
		return out

	case <-timer.C:
		log.Info("execution timed out", zap.Duration("limit", timeLimit))
		stopProcess(h, r.config.GracePeriod)
		return RunResult{
			Stderr:   fmt.Sprintf("execution timed out after %gs", timeLimit.Seconds()),
			ExitCode: -1,
			Outcome:  OutcomeTimeout,
		}

	case <-ctx.Done():
		log.Info("execution aborted", zap.Error(ctx.Err()))
		stopProcess(h, r.config.GracePeriod)
		return RunResult{
			Stderr:   "execution aborted",
			ExitCode: -1,
			Outcome:  OutcomeAborted,
		}
	}
}

func failedRun(msg string) RunResult {
	return RunResult{Stderr: msg, ExitCode: -1, Outcome: OutcomeFailure}
}

// processHandle is the Process of a started exec.Cmd. stoppedEarly is fixed
// before done is closed: it records whether a stop was requested while the
// process was still running.
type processHandle struct {
	cmd           *exec.Cmd
	done          chan struct{}
	mu            sync.Mutex
	exited        bool
	stopRequested bool
	stoppedEarly  bool
}

func (h *processHandle) wait() {
	_ = h.cmd.Wait()
	h.mu.Lock()
	h.exited = true
	h.stoppedEarly = h.stopRequested
	h.mu.Unlock()
	close(h.done)
}

// markStop records a stop request unless the process has already exited.
// The group is signalled either way since orphaned grandchildren may remain.
func (h *processHandle) markStop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.exited {
		h.stopRequested = true
	}
}

func (h *processHandle) PID() int {
	return h.cmd.Process.Pid
}

func (h *processHandle) Terminate() error {
	h.markStop()
	return terminateGroup(h.PID())
}

func (h *processHandle) Kill() error {
	h.markStop()
	return killGroup(h.PID())
}

func (h *processHandle) Done() <-chan struct{} {
	return h.done
}

// stopProcess terminates p, escalating to a kill when it is still alive after
// grace. It returns once p has exited or the kill wait expired.
func stopProcess(p Process, grace time.Duration) {
	_ = p.Terminate()
	if waitDone(p, grace) {
		return
	}
	_ = p.Kill()
	waitDone(p, killWait)
}

func waitDone(p Process, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.Done():
		return true
	case <-t.C:
		return false
	}
}

func appendLine(s, line string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s + line
	}
	return s + "\n" + line
}

func appendTruncationNote(stderr string, bufs ...*limitedBuffer) string {
	for _, b := range bufs {
		if b.truncated {
			return appendLine(stderr, fmt.Sprintf("output truncated to %d bytes", b.limit))
		}
	}
	return stderr
}

// limitedBuffer keeps the first limit bytes written to it and silently drops
// the rest.
type limitedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	if l.limit <= 0 {
		return l.buf.Write(p)
	}
	remaining := l.limit - l.buf.Len()
	if remaining <= 0 {
		l.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		l.truncated = true
		_, _ = l.buf.Write(p[:remaining])
		return len(p), nil
	}
	return l.buf.Write(p)
}

func (l *limitedBuffer) String() string {
	return l.buf.String()
}

var _ io.Writer = (*limitedBuffer)(nil)
