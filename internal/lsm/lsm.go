// Package lsm models the host's security decision pipeline for signal
// delivery: a table of decision hooks, the requests routed through it and the
// verdicts it returns.
package lsm

import (
	"context"
	"errors"
	"fmt"
)

// ErrPermissionDenied is the reason carried by a deny verdict. The host's
// delivery machinery reports it to the sender as EPERM.
var ErrPermissionDenied = errors.New("permission denied")

// Task is an opaque handle to a process that is the target of a signal.
type Task interface {
	// PID returns the process (or thread) id.
	PID() int
	// Comm returns the short command name. It may be truncated.
	Comm() string
	// ReadExe writes the canonical path of the executing image into buf and
	// returns the number of bytes written. ok is false when the task has no
	// executing image (kernel threads, exited processes).
	ReadExe(buf []byte) (n int, ok bool)
}

// FileID identifies an executable by filesystem identity.
type FileID struct {
	Dev uint64
	Ino uint64
}

// IdentifiedTask is implemented by tasks that can report the filesystem
// identity of their executing image.
type IdentifiedTask interface {
	Task
	ExeID() (FileID, bool)
}

// Sender describes the process attempting the delivery.
type Sender struct {
	PID int
	UID int
}

// Request is one signal delivery attempt.
type Request struct {
	Task   Task
	Signal int
	Sender Sender
	// Syscall is the intercepted syscall number, zero when unknown.
	Syscall int
}

// Verdict is the outcome of a signal permission decision.
type Verdict struct {
	Allowed bool
	Err     error
	Rule    string
	Message string
}

// Allow returns an allow verdict.
func Allow() Verdict { return Verdict{Allowed: true} }

// Deny returns a deny verdict. A nil reason means ErrPermissionDenied.
func Deny(reason error) Verdict {
	if reason == nil {
		reason = ErrPermissionDenied
	}
	return Verdict{Err: reason}
}

// Error returns nil for an allow verdict and the deny reason otherwise.
func (v Verdict) Error() error {
	if v.Allowed {
		return nil
	}
	if v.Err == nil {
		return ErrPermissionDenied
	}
	return v.Err
}

func (v Verdict) String() string {
	if v.Allowed {
		return "allow"
	}
	if v.Message != "" {
		return fmt.Sprintf("deny: %s", v.Message)
	}
	return "deny"
}

// SignalPolicy decides whether a signal may be delivered.
type SignalPolicy interface {
	TaskKill(ctx context.Context, req *Request) Verdict
}

// PolicyFunc adapts a function to SignalPolicy.
type PolicyFunc func(ctx context.Context, req *Request) Verdict

func (f PolicyFunc) TaskKill(ctx context.Context, req *Request) Verdict {
	return f(ctx, req)
}

// AllowAll is the permissive policy used when nothing else is installed.
var AllowAll SignalPolicy = PolicyFunc(func(context.Context, *Request) Verdict {
	return Allow()
})
