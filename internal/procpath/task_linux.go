//go:build linux

package procpath

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/agentsh/sigguard/internal/lsm"
	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"
)

const defaultProcRoot = "/proc"

// ProcTask is a Task backed by procfs.
type ProcTask struct {
	root string
	pid  int
}

var _ lsm.IdentifiedTask = (*ProcTask)(nil)

// NewTask returns a handle to pid.
func NewTask(pid int) lsm.Task {
	return &ProcTask{root: defaultProcRoot, pid: pid}
}

// NewTaskAt returns a handle to pid under an alternate procfs mount.
func NewTaskAt(root string, pid int) *ProcTask {
	return &ProcTask{root: root, pid: pid}
}

func (t *ProcTask) PID() int { return t.pid }

func (t *ProcTask) dir() string {
	return filepath.Join(t.root, strconv.Itoa(t.pid))
}

// Comm reads the kernel's short command name (at most 15 bytes).
func (t *ProcTask) Comm() string {
	b, err := os.ReadFile(filepath.Join(t.dir(), "comm"))
	if err != nil {
		return ""
	}
	return strings.TrimRight(string(b), "\n")
}

// ReadExe reads the exe link. The kernel resolves symlinks for us, so the
// result is the path of the image actually mapped.
func (t *ProcTask) ReadExe(buf []byte) (int, bool) {
	n, err := unix.Readlink(filepath.Join(t.dir(), "exe"), buf)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// ExeID stats the exe link, which identifies the mapped image even after it
// was renamed or unlinked.
func (t *ProcTask) ExeID() (lsm.FileID, bool) {
	var st unix.Stat_t
	if err := unix.Stat(filepath.Join(t.dir(), "exe"), &st); err != nil {
		return lsm.FileID{}, false
	}
	return lsm.FileID{Dev: uint64(st.Dev), Ino: st.Ino}, true
}

// SenderOf describes pid as a signal sender. The uid is -1 if it cannot be read.
func SenderOf(ctx context.Context, pid int) lsm.Sender {
	s := lsm.Sender{PID: pid, UID: -1}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return s
	}
	uids, err := p.UidsWithContext(ctx)
	if err == nil && len(uids) > 1 {
		// real, effective, saved, fs: permission checks use the effective uid.
		s.UID = int(uids[1])
	} else if err == nil && len(uids) == 1 {
		s.UID = int(uids[0])
	}
	return s
}

// GroupMembers returns the pids whose process group is pgid.
func GroupMembers(ctx context.Context, pgid int) ([]int, error) {
	pids, err := process.PidsWithContext(ctx)
	if err != nil {
		return nil, err
	}
	var out []int
	for _, pid := range pids {
		g, err := unix.Getpgid(int(pid))
		if err != nil {
			continue
		}
		if g == pgid {
			out = append(out, int(pid))
		}
	}
	return out, nil
}

// AllPIDs returns every visible pid except init and self, the set a
// kill(-1, sig) would reach.
func AllPIDs(ctx context.Context, self int) ([]int, error) {
	pids, err := process.PidsWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]int, 0, len(pids))
	for _, pid := range pids {
		if pid == 1 || int(pid) == self {
			continue
		}
		out = append(out, int(pid))
	}
	return out, nil
}
