//go:build !linux || !cgo

package signal

// SignalFilterConfig configures which signal syscalls to intercept.
type SignalFilterConfig struct {
	Enabled  bool
	Syscalls []int
}

// DefaultSignalFilterConfig returns a disabled config.
func DefaultSignalFilterConfig() SignalFilterConfig {
	return SignalFilterConfig{}
}

// SignalFilter is unavailable on this platform.
type SignalFilter struct{}

// SignalContext holds the arguments of one intercepted signal syscall.
type SignalContext struct {
	PID       int
	Syscall   int
	TargetPID int
	TargetTID int
	Signal    int
}

func IsSignalSupportAvailable() bool { return false }

func DetectSignalSupport() error { return ErrSignalUnsupported }

func InstallSignalFilter(SignalFilterConfig) (*SignalFilter, error) {
	return nil, ErrSignalUnsupported
}

func NewSignalFilterFromFD(int) *SignalFilter { return nil }

func (f *SignalFilter) NotifFD() int { return -1 }

func (f *SignalFilter) Close() error { return nil }
