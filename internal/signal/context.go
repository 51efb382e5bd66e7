package signal

import "errors"

// ErrSignalUnsupported indicates signal interception is not available.
var ErrSignalUnsupported = errors.New("signal interception unsupported on this platform")

// IsProcessGroupSignal reports whether the call targets more than one
// process. Only kill(2) has group semantics.
func (c *SignalContext) IsProcessGroupSignal() bool {
	return c.Syscall == sysKill && c.TargetPID <= 0
}

// IsBroadcast reports kill(-1, sig).
func (c *SignalContext) IsBroadcast() bool {
	return c.IsProcessGroupSignal() && c.TargetPID == -1
}

// ExplicitGroup returns the pgid of kill(-pgid, sig), or 0 when the group
// is the caller's own (kill(0, sig)) or the call is not a group kill.
func (c *SignalContext) ExplicitGroup() int {
	if !c.IsProcessGroupSignal() || c.TargetPID >= -1 {
		return 0
	}
	return -c.TargetPID
}
