//go:build !linux

package procpath

import (
	"context"

	"github.com/agentsh/sigguard/internal/lsm"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcTask is a Task backed by gopsutil on platforms without procfs.
type ProcTask struct {
	pid int
}

// NewTask returns a handle to pid.
func NewTask(pid int) lsm.Task {
	return &ProcTask{pid: pid}
}

func (t *ProcTask) PID() int { return t.pid }

func (t *ProcTask) Comm() string {
	p, err := process.NewProcess(int32(t.pid))
	if err != nil {
		return ""
	}
	name, _ := p.Name()
	return name
}

func (t *ProcTask) ReadExe(buf []byte) (int, bool) {
	p, err := process.NewProcess(int32(t.pid))
	if err != nil {
		return 0, false
	}
	exe, err := p.Exe()
	if err != nil || exe == "" {
		return 0, false
	}
	return copy(buf, exe), true
}

// SenderOf describes pid as a signal sender.
func SenderOf(ctx context.Context, pid int) lsm.Sender {
	s := lsm.Sender{PID: pid, UID: -1}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return s
	}
	if uids, err := p.UidsWithContext(ctx); err == nil && len(uids) > 0 {
		s.UID = int(uids[0])
	}
	return s
}
