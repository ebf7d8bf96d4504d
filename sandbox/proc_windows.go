//go:build windows

package sandbox

import (
	"errors"
	"os"
	"os/exec"
)

// Windows has no process groups reachable through signals; only the
// interpreter itself is stopped.
func setProcessGroup(*exec.Cmd) {}

func terminateGroup(pid int) error {
	return killGroup(pid)
}

func killGroup(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
