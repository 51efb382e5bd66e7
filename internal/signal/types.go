//go:build unix

// Package signal names signals, evaluates the base signal policy and
// intercepts signal syscalls with seccomp user notification.
package signal

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// Realtime signals as numbered by userspace; glibc reserves 32 and 33.
const (
	sigRTMin = 34
	sigRTMax = 64
)

// Policy shorthands. "@all" is every standard signal.
var signalGroups = map[string][]syscall.Signal{
	"@fatal":  {unix.SIGKILL, unix.SIGTERM, unix.SIGQUIT, unix.SIGABRT},
	"@guard":  {unix.SIGKILL, unix.SIGINT, unix.SIGTERM},
	"@job":    {unix.SIGSTOP, unix.SIGCONT, unix.SIGTSTP, unix.SIGTTIN, unix.SIGTTOU},
	"@reload": {unix.SIGHUP, unix.SIGUSR1, unix.SIGUSR2},
	"@ignore": {unix.SIGCHLD, unix.SIGURG, unix.SIGWINCH},
}

// SignalFromString accepts "SIGKILL", "kill", "9" or "SIGRTMIN+3".
func SignalFromString(s string) (int, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	if n, err := strconv.Atoi(name); err == nil {
		if n < 1 || n > sigRTMax {
			return 0, fmt.Errorf("signal number out of range: %d", n)
		}
		return n, nil
	}
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	if off, ok := strings.CutPrefix(name, "SIGRTMIN"); ok {
		n := 0
		if off != "" {
			v, err := strconv.Atoi(strings.TrimPrefix(off, "+"))
			if err != nil || !strings.HasPrefix(off, "+") {
				return 0, fmt.Errorf("unknown signal: %s", s)
			}
			n = v
		}
		if sigRTMin+n > sigRTMax {
			return 0, fmt.Errorf("signal number out of range: %s", s)
		}
		return sigRTMin + n, nil
	}
	if sig := unix.SignalNum(name); sig != 0 {
		return int(sig), nil
	}
	return 0, fmt.Errorf("unknown signal: %s", s)
}

// SignalName returns the conventional name of sig, "SIGRTMIN+n" for realtime
// signals and "SIG<n>" for anything else.
func SignalName(sig int) string {
	if sig >= sigRTMin && sig <= sigRTMax {
		return fmt.Sprintf("SIGRTMIN+%d", sig-sigRTMin)
	}
	if sig > 0 {
		if name := unix.SignalName(syscall.Signal(sig)); name != "" {
			return name
		}
	}
	return fmt.Sprintf("SIG%d", sig)
}

// ExpandSignalGroup returns the members of a group such as "@fatal".
func ExpandSignalGroup(group string) ([]int, error) {
	group = strings.ToLower(strings.TrimSpace(group))
	if group == "@all" {
		return AllSignals(), nil
	}
	sigs, ok := signalGroups[group]
	if !ok {
		return nil, fmt.Errorf("unknown signal group %s (known: %s)", group, strings.Join(groupNames(), ", "))
	}
	out := make([]int, len(sigs))
	for i, s := range sigs {
		out[i] = int(s)
	}
	return out, nil
}

func IsSignalGroup(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), "@")
}

// AllSignals returns the standard signals 1 through 31.
func AllSignals() []int {
	out := make([]int, 0, 31)
	for i := range 31 {
		out = append(out, i+1)
	}
	return out
}

// groupNames lists the known groups, sorted.
func groupNames() []string {
	names := []string{"@all"}
	for g := range signalGroups {
		names = append(names, g)
	}
	slices.Sort(names)
	return names
}
