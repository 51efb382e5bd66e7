package lsm

import (
	"context"
	"sync/atomic"
)

// SecurityOpsSymbol is the name under which the host exports its
// Operations table.
const SecurityOpsSymbol = "security_ops"

// Hook is the value held in an Operations slot. Hooks are compared by
// pointer, so restoring a saved *Hook restores the slot exactly.
type Hook struct {
	Name   string
	Policy SignalPolicy
}

// NewHook wraps a policy in a hook.
func NewHook(name string, p SignalPolicy) *Hook {
	return &Hook{Name: name, Policy: p}
}

// Operations is the process-wide decision-function table. Every signal
// delivery attempt is routed through its task_kill slot.
type Operations struct {
	taskKill atomic.Pointer[Hook]
}

// NewOperations returns a table whose task_kill slot holds base.
// base may be nil.
func NewOperations(base *Hook) *Operations {
	ops := &Operations{}
	if base != nil {
		ops.taskKill.Store(base)
	}
	return ops
}

// TaskKillHook returns the hook currently installed in the task_kill slot.
func (o *Operations) TaskKillHook() *Hook {
	return o.taskKill.Load()
}

// CompareAndSwapTaskKill replaces old with next if old is still installed.
func (o *Operations) CompareAndSwapTaskKill(old, next *Hook) bool {
	return o.taskKill.CompareAndSwap(old, next)
}

// StoreTaskKill unconditionally writes h into the task_kill slot.
func (o *Operations) StoreTaskKill(h *Hook) {
	o.taskKill.Store(h)
}

// TaskKill runs the installed policy. An empty slot allows.
func (o *Operations) TaskKill(ctx context.Context, req *Request) Verdict {
	return o.taskKill.Load().Call(ctx, req)
}

// Call runs h's policy, allowing when h or its policy is nil.
func (h *Hook) Call(ctx context.Context, req *Request) Verdict {
	if h == nil || h.Policy == nil {
		return Allow()
	}
	return h.Policy.TaskKill(ctx, req)
}
