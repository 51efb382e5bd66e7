//go:build linux && cgo

package cli

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/agentsh/sigguard/internal/signal"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

// newWrapCmd is the first stage of the workload: it loads the signal filter,
// hands the notify fd to the supervisor over the inherited socket and execs
// the real command.
func newWrapCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "wrap -- COMMAND [ARGS...]",
		Short:  "Load the signal filter and exec COMMAND (used by run)",
		Hidden: true,
		Args:   cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return wrapExec(args)
		},
	}
}

func wrapExec(args []string) error {
	sockFD, err := wrapSockFD()
	if err != nil {
		return err
	}
	path, err := exec.LookPath(args[0])
	if err != nil {
		return &ExitError{code: 127, message: err.Error()}
	}

	// The filter applies to this thread only; exec must happen on it.
	runtime.LockOSThread()

	filt, err := signal.InstallSignalFilter(signal.DefaultSignalFilterConfig())
	if err != nil {
		return fmt.Errorf("install signal filter: %w", err)
	}
	sock := os.NewFile(uintptr(sockFD), "signal-sock")
	if err := signal.SendFD(sock, filt.NotifFD()); err != nil {
		return fmt.Errorf("send notify fd: %w", err)
	}
	// The workload must not keep a listener on its own filter.
	_ = filt.Close()
	_ = sock.Close()

	if err := unix.Exec(path, args, wrapEnv(os.Environ())); err != nil {
		return &ExitError{code: 126, message: fmt.Sprintf("exec %s: %v", path, err)}
	}
	return nil
}
