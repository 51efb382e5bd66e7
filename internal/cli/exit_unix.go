//go:build !windows

package cli

import (
	"errors"
	"os/exec"
	"syscall"
)

// workloadExitCode maps a wait error to a shell-style status; -1 means the
// workload could not be waited for.
func workloadExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return -1
	}
	if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ee.ExitCode()
}
