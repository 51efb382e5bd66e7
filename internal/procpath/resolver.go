// Package procpath resolves a process to the canonical path of the image it
// is executing.
package procpath

import "github.com/agentsh/sigguard/internal/lsm"

// PathMax is the scratch buffer size needed to hold any resolvable path.
const PathMax = 4096

// Resolve returns the canonical path of task's executing image, using buf as
// scratch space. Tasks without an image resolve to their short command name.
// The caller must hold buf exclusively for the duration of the call.
func Resolve(task lsm.Task, buf []byte) string {
	if task == nil {
		return ""
	}
	if n, ok := task.ReadExe(buf); ok && n > 0 {
		return string(buf[:n])
	}
	return task.Comm()
}
