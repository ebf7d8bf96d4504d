package sandbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Installer resolves extracted imports against the allow-list and installs
// the permitted ones into the execution's working directory.
type Installer struct {
	logger      *zap.Logger
	policy      *Policy
	interpreter string
	config      InstallConfig
	cmdRunner   CommandRunner
	fs          FileSystem
	recorder    Recorder
}

// NewInstaller creates an Installer. cmdRunner and fs default to the real
// implementations when nil.
func NewInstaller(logger *zap.Logger, policy *Policy, interpreter string, cfg InstallConfig, cmdRunner CommandRunner, fs FileSystem, recorder Recorder) *Installer {
	if cmdRunner == nil {
		cmdRunner = RealCommandRunner{}
	}
	if fs == nil {
		fs = RealFileSystem{}
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Installer{
		logger:      logger.With(zap.String("component", "installer")),
		policy:      policy,
		interpreter: interpreter,
		config:      cfg,
		cmdRunner:   cmdRunner,
		fs:          fs,
		recorder:    recorder,
	}
}

// Install installs the allowed subset of modules. It never fails the
// execution: problems are reported through ok and message.
func (i *Installer) Install(ctx context.Context, modules []string, workdir string) (ok bool, message string) {
	if len(modules) == 0 {
		return true, "no packages to install"
	}

	if !i.config.Enabled {
		return true, "package installation disabled"
	}

	allowed := make([]string, 0, len(modules))
	for _, m := range modules {
		if i.policy.IsAllowed(m) {
			allowed = append(allowed, m)
		}
	}
	if len(allowed) == 0 {
		return true, "no allowed packages to install"
	}

	manifest := filepath.Join(workdir, i.config.ManifestName)
	if err := i.fs.WriteFile(manifest, []byte(strings.Join(allowed, "\n")+"\n"), FilePermission); err != nil {
		i.recorder.ObserveInstall(OutcomeFailure, 0)
		return false, fmt.Sprintf("package installation error: %v", err)
	}

	args := []string{
		i.interpreter, "-m", "pip", "install",
		"-r", i.config.ManifestName,
		"--quiet", "--disable-pip-version-check",
	}
	args = append(args, i.config.ExtraArgs...)

	installCtx, cancel := context.WithTimeout(ctx, i.config.Timeout)
	defer cancel()

	i.logger.Debug("installing packages", zap.Strings("packages", allowed))

	start := time.Now()
	_, stderr, exitCode, err := i.cmdRunner.RunCommand(installCtx, workdir, args)
	elapsed := time.Since(start)

	switch {
	case errors.Is(installCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		i.recorder.ObserveInstall(OutcomeTimeout, elapsed)
		i.logger.Warn("package installation timed out",
			zap.Strings("packages", allowed),
			zap.Duration("timeout", i.config.Timeout))
		return false, "package installation timed out"
	case err != nil:
		i.recorder.ObserveInstall(OutcomeFailure, elapsed)
		i.logger.Warn("package installation error", zap.Error(err))
		return false, fmt.Sprintf("package installation error: %v", err)
	case exitCode != 0:
		i.recorder.ObserveInstall(OutcomeFailure, elapsed)
		i.logger.Warn("package installation failed",
			zap.Int("exit_code", exitCode),
			zap.String("stderr", stderr))
		return false, fmt.Sprintf("package installation failed: %s", strings.TrimSpace(stderr))
	}

	i.recorder.ObserveInstall(OutcomeSuccess, elapsed)
	return true, "installed packages: " + strings.Join(allowed, ", ")
}
