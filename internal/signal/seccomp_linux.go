//go:build linux && cgo

package signal

import (
	"errors"
	"fmt"

	seccomp "github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
)

// SignalFilterConfig configures which signal syscalls to intercept.
type SignalFilterConfig struct {
	Enabled  bool
	Syscalls []int
}

// DefaultSignalFilterConfig intercepts every syscall that can deliver a
// signal to another process.
func DefaultSignalFilterConfig() SignalFilterConfig {
	return SignalFilterConfig{
		Enabled: true,
		Syscalls: []int{
			unix.SYS_KILL,
			unix.SYS_TGKILL,
			unix.SYS_TKILL,
			unix.SYS_RT_SIGQUEUEINFO,
			unix.SYS_RT_TGSIGQUEUEINFO,
		},
	}
}

// SignalFilter wraps the user-notify fd of a loaded signal filter.
type SignalFilter struct {
	fd seccomp.ScmpFd
}

// SignalContext holds the arguments of one intercepted signal syscall.
type SignalContext struct {
	PID       int // caller
	Syscall   int
	TargetPID int // raw pid argument; <= 0 for group and broadcast kills
	TargetTID int // tgkill, tkill, rt_tgsigqueueinfo
	Signal    int
}

// IsSignalSupportAvailable checks if seccomp user-notify is available (API >= 6).
func IsSignalSupportAvailable() bool {
	return DetectSignalSupport() == nil
}

// DetectSignalSupport returns an error if seccomp user-notify is not available.
func DetectSignalSupport() error {
	api, err := seccomp.GetAPI()
	if err != nil {
		return fmt.Errorf("get seccomp api: %w", err)
	}
	if api < 6 {
		return fmt.Errorf("%w: seccomp API version %d lacks user notify (need >= 6)", ErrSignalUnsupported, api)
	}
	return nil
}

// InstallSignalFilter loads a user-notify filter for the configured
// syscalls into the calling process. The filter is inherited across fork
// and exec.
func InstallSignalFilter(cfg SignalFilterConfig) (*SignalFilter, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("signal filter not enabled in config")
	}
	if err := DetectSignalSupport(); err != nil {
		return nil, err
	}

	filt, err := seccomp.NewFilter(seccomp.ActAllow)
	if err != nil {
		return nil, fmt.Errorf("create seccomp filter: %w", err)
	}

	for _, nr := range cfg.Syscalls {
		if err := filt.AddRule(seccomp.ScmpSyscall(nr), seccomp.ActNotify); err != nil {
			return nil, fmt.Errorf("add rule for syscall %d: %w", nr, err)
		}
	}
	if err := filt.Load(); err != nil {
		return nil, fmt.Errorf("load seccomp filter: %w", err)
	}

	fd, err := filt.GetNotifFd()
	if err != nil {
		return nil, fmt.Errorf("get notify fd: %w", err)
	}
	return &SignalFilter{fd: fd}, nil
}

// NewSignalFilterFromFD wraps a notify fd received from another process.
func NewSignalFilterFromFD(fd int) *SignalFilter {
	if fd < 0 {
		return nil
	}
	return &SignalFilter{fd: seccomp.ScmpFd(fd)}
}

// NotifFD returns the raw notify file descriptor.
func (f *SignalFilter) NotifFD() int {
	if f == nil {
		return -1
	}
	return int(f.fd)
}

// Close closes the notify fd. Pending callers are released with ENOSYS by
// the kernel.
func (f *SignalFilter) Close() error {
	if f == nil || f.fd < 0 {
		return nil
	}
	err := unix.Close(int(f.fd))
	f.fd = -1
	return err
}

// Wait blocks up to timeoutMs for a notification. hup is true once no
// process is attached to the filter any more.
func (f *SignalFilter) Wait(timeoutMs int) (ready bool, hup bool, err error) {
	fds := []unix.PollFd{{Fd: int32(f.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, timeoutMs)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return false, false, nil
		}
		return false, false, err
	}
	if n == 0 {
		return false, false, nil
	}
	rev := fds[0].Revents
	return rev&unix.POLLIN != 0, rev&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0, nil
}

// Receive receives one seccomp notification.
func (f *SignalFilter) Receive() (*seccomp.ScmpNotifReq, error) {
	return seccomp.NotifReceive(f.fd)
}

// Valid reports whether the notification is still pending, i.e. the caller
// has not been killed or interrupted since it was received.
func (f *SignalFilter) Valid(reqID uint64) bool {
	return seccomp.NotifIDValid(f.fd, reqID) == nil
}

// Respond lets the syscall proceed, or fails it with errno.
func (f *SignalFilter) Respond(reqID uint64, allow bool, errno int32) error {
	resp := seccomp.ScmpNotifResp{ID: reqID}
	if allow {
		resp.Flags = seccomp.NotifRespFlagContinue
	} else {
		resp.Error = -errno
	}
	return seccomp.NotifRespond(f.fd, &resp)
}

// ExtractSignalContext decodes the syscall arguments:
//
//	kill(pid, sig)
//	tkill(tid, sig)
//	tgkill(tgid, tid, sig)
//	rt_sigqueueinfo(tgid, sig, uinfo)
//	rt_tgsigqueueinfo(tgid, tid, sig, uinfo)
func ExtractSignalContext(req *seccomp.ScmpNotifReq) SignalContext {
	sc := SignalContext{
		PID:     int(req.Pid),
		Syscall: int(req.Data.Syscall),
	}
	args := req.Data.Args
	switch sc.Syscall {
	case unix.SYS_KILL:
		sc.TargetPID = int(int32(args[0]))
		sc.Signal = int(int32(args[1]))
	case unix.SYS_TKILL:
		sc.TargetTID = int(int32(args[0]))
		sc.TargetPID = sc.TargetTID
		sc.Signal = int(int32(args[1]))
	case unix.SYS_TGKILL:
		sc.TargetPID = int(int32(args[0]))
		sc.TargetTID = int(int32(args[1]))
		sc.Signal = int(int32(args[2]))
	case unix.SYS_RT_SIGQUEUEINFO:
		sc.TargetPID = int(int32(args[0]))
		sc.Signal = int(int32(args[1]))
	case unix.SYS_RT_TGSIGQUEUEINFO:
		sc.TargetPID = int(int32(args[0]))
		sc.TargetTID = int(int32(args[1]))
		sc.Signal = int(int32(args[2]))
	}
	return sc
}
