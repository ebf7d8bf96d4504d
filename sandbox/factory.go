package sandbox

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/pyexec/config"
)

// NewExecutor creates the execution engine from the application configuration
func NewExecutor(logger *zap.Logger, cfg *config.Config, recorder Recorder) (SandboxExecutor, error) {
	policy, err := NewPolicy(cfg.Security.AllowedPackages, cfg.Security.DangerPatterns)
	if err != nil {
		return nil, fmt.Errorf("failed to build security policy: %w", err)
	}

	if err := (RealFileSystem{}).MkdirAll(cfg.Execution.BaseDir, DirPermission); err != nil {
		return nil, fmt.Errorf("failed to create base directory %s: %w", cfg.Execution.BaseDir, err)
	}

	engineConfig := Config{
		Interpreter:    cfg.Execution.Interpreter,
		Timeout:        cfg.GetTimeout(),
		GracePeriod:    cfg.GetGracePeriod(),
		MemoryMB:       cfg.Execution.MemoryMB,
		BaseDir:        cfg.Execution.BaseDir,
		MaxOutputBytes: cfg.Execution.MaxOutputBytes,
		MaxCodeBytes:   cfg.Execution.MaxCodeBytes,
		ScriptName:     cfg.Execution.ScriptName,
		Environment:    cfg.Execution.Environment,
		Install: InstallConfig{
			Enabled:      cfg.Installer.Enabled,
			Timeout:      cfg.GetInstallTimeout(),
			ManifestName: cfg.Installer.ManifestName,
			ExtraArgs:    cfg.Installer.ExtraArgs,
		},
	}

	logger.Info("execution engine configured",
		zap.String("interpreter", engineConfig.Interpreter),
		zap.Duration("timeout", engineConfig.Timeout),
		zap.String("base_dir", engineConfig.BaseDir),
		zap.Int("allowed_packages", len(policy.allowed)),
		zap.Int("danger_patterns", len(policy.patterns)),
		zap.Bool("installer_enabled", engineConfig.Install.Enabled))
	logger.Warn("memory limit is advisory and not enforced",
		zap.Int("memory_mb", engineConfig.MemoryMB))

	return NewEngine(logger, engineConfig, policy, WithRecorder(recorder)), nil
}
