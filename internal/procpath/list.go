package procpath

import (
	"context"

	"github.com/shirou/gopsutil/v4/process"
)

// Resolved pairs a running process with its resolved image path.
type Resolved struct {
	PID  int
	Path string
}

// Running resolves every visible process. Processes that exit during the walk
// are skipped.
func Running(ctx context.Context) ([]Resolved, error) {
	pids, err := process.PidsWithContext(ctx)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, PathMax)
	out := make([]Resolved, 0, len(pids))
	for _, pid := range pids {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		path := Resolve(NewTask(int(pid)), buf)
		if path == "" {
			continue
		}
		out = append(out, Resolved{PID: int(pid), Path: path})
	}
	return out, nil
}
