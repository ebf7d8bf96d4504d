package sandbox

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/pyexec/apperror"
)

var executionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// Engine implements SandboxExecutor by running snippets directly on the host
// as child processes of the service.
type Engine struct {
	logger    *zap.Logger
	config    Config
	policy    *Policy
	gate      *SafetyGate
	installer *Installer
	runner    *ProcessRunner
	registry  *Registry
	cmdRunner CommandRunner
	fs        FileSystem
	recorder  Recorder
	newID     func() string
}

// EngineOption defines a functional option for Engine
type EngineOption func(*Engine)

// WithCommandRunner sets the CommandRunner used by the dependency installer
func WithCommandRunner(cmdRunner CommandRunner) EngineOption {
	return func(e *Engine) {
		e.cmdRunner = cmdRunner
	}
}

// WithFileSystem sets the FileSystem for Engine
func WithFileSystem(fs FileSystem) EngineOption {
	return func(e *Engine) {
		e.fs = fs
	}
}

// WithRecorder sets the telemetry Recorder for Engine
func WithRecorder(recorder Recorder) EngineOption {
	return func(e *Engine) {
		if recorder != nil {
			e.recorder = recorder
		}
	}
}

// WithIDGenerator overrides how missing execution ids are generated
func WithIDGenerator(fn func() string) EngineOption {
	return func(e *Engine) {
		e.newID = fn
	}
}

// NewEngine creates a new Engine with default implementations and optional interfaces
func NewEngine(logger *zap.Logger, cfg Config, policy *Policy, opts ...EngineOption) *Engine {
	e := &Engine{
		logger:    logger,
		config:    cfg,
		policy:    policy,
		cmdRunner: RealCommandRunner{},
		fs:        RealFileSystem{},
		recorder:  nopRecorder{},
		newID:     uuid.NewString,
	}

	for _, opt := range opts {
		opt(e)
	}

	e.gate = NewSafetyGate(policy)
	e.registry = NewRegistry(logger, cfg.GracePeriod)
	e.installer = NewInstaller(logger, policy, cfg.Interpreter, cfg.Install, e.cmdRunner, e.fs, e.recorder)
	e.runner = NewProcessRunner(logger, cfg, e.registry, e.fs)

	return e
}

// Execute runs one snippet through gate, id reservation, workdir, extraction,
// installation and the interpreter. Only invalid input and an id that is
// already running produce an error; every other failure, including a panic
// inside the pipeline, is reported in the result. A rejected id leaves no
// workdir and starts no process.
func (e *Engine) Execute(ctx context.Context, req ExecuteRequest) (result ExecuteResult, err error) {
	start := time.Now()

	if strings.TrimSpace(req.Code) == "" {
		return ExecuteResult{}, apperror.ValidationFailed("code", "code must not be empty")
	}
	if len(req.Code) > e.config.MaxCodeBytes {
		return ExecuteResult{}, apperror.ValidationFailed("code",
			fmt.Sprintf("code exceeds the maximum size of %d bytes", e.config.MaxCodeBytes))
	}

	id := req.ExecutionID
	if id == "" {
		id = e.newID()
	} else if !executionIDPattern.MatchString(id) {
		return ExecuteResult{}, apperror.ValidationFailed("execution_id",
			"execution_id must be 1-128 characters of letters, digits, '.', '_', ':' or '-'")
	}

	log := e.logger.With(zap.String("execution_id", id))

	result = ExecuteResult{
		ExecutionID: id,
		ImportsUsed: []string{},
		ExitCode:    -1,
	}
	outcome := OutcomeFailure

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("execution panicked", zap.Any("panic", rec), zap.Stack("stack"))
			result.Success = false
			result.Stdout = ""
			result.Stderr = fmt.Sprintf("internal error: %v", rec)
			outcome = OutcomeFailure
			err = nil
		}
		elapsed := time.Since(start)
		result.ExecutionTime = math.Round(elapsed.Seconds()*1000) / 1000
		e.recorder.ObserveExecution(outcome, elapsed)
		log.Info("execution finished",
			zap.String("outcome", outcome),
			zap.Bool("success", result.Success),
			zap.Int("exit_code", result.ExitCode),
			zap.Duration("duration", elapsed))
	}()

	if ok, reason := e.gate.Check(req.Code); !ok {
		log.Warn("code rejected by safety gate", zap.String("reason", reason))
		result.Stderr = "safety check failed: " + reason
		outcome = OutcomeRejected
		return result, nil
	}

	reservation, resErr := e.registry.Reserve(id)
	if resErr != nil {
		if errors.Is(resErr, ErrShuttingDown) {
			result.Stderr = resErr.Error()
			outcome = OutcomeAborted
			return result, nil
		}
		log.Warn("execution id already in use")
		outcome = OutcomeConflict
		return ExecuteResult{}, resErr
	}
	defer reservation.Release()

	workdir, mkErr := e.fs.MkdirTemp(e.config.BaseDir, "exec-*")
	if mkErr != nil {
		log.Error("failed to create working directory", zap.Error(mkErr))
		result.Stderr = fmt.Sprintf("failed to create working directory: %v", mkErr)
		return result, nil
	}
	defer func() {
		if rmErr := e.fs.RemoveAll(workdir); rmErr != nil {
			log.Warn("failed to remove working directory", zap.String("workdir", workdir), zap.Error(rmErr))
		}
	}()

	result.ImportsUsed = ExtractImports(req.Code)

	installed, msg := e.installer.Install(ctx, result.ImportsUsed, workdir)
	result.InstallMessage = msg
	if !installed {
		log.Warn("dependency installation failed, running anyway", zap.String("message", msg))
	}

	run := e.runner.Run(ctx, req.Code, workdir, reservation, e.config.Timeout)
	result.Success = run.OK
	result.Stdout = run.Stdout
	result.Stderr = run.Stderr
	result.ExitCode = run.ExitCode
	outcome = run.Outcome

	return result, nil
}

// Cancel stops the live execution with the given id
func (e *Engine) Cancel(executionID string) bool {
	found := e.registry.Cancel(executionID)
	e.recorder.ObserveCancellation(found)
	return found
}

// AllowedPackages returns the allow-list sorted
func (e *Engine) AllowedPackages() []string {
	return e.policy.AllowedPackages()
}

// RunningExecutions returns the ids of live executions sorted
func (e *Engine) RunningExecutions() []string {
	return e.registry.IDs()
}

// Limits reports the configured resource limits. The memory ceiling is not
// enforced on the interpreter.
func (e *Engine) Limits() Limits {
	return Limits{
		TimeoutSec:           int(e.config.Timeout / time.Second),
		MemoryMB:             e.config.MemoryMB,
		MemoryLimitEnforced:  false,
		AllowedPackagesCount: len(e.policy.allowed),
	}
}

// Shutdown refuses new executions and stops every running one. Process
// groups still alive when ctx ends are killed before it returns.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.registry.Close()
	return e.registry.CancelAll(ctx)
}
