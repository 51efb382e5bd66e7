//go:build linux

package procpath

import (
	"github.com/agentsh/sigguard/internal/lsm"
	"golang.org/x/sys/unix"
)

// FileIDOf stats path, following symlinks, and returns its identity.
func FileIDOf(path string) (lsm.FileID, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return lsm.FileID{}, err
	}
	return lsm.FileID{Dev: uint64(st.Dev), Ino: st.Ino}, nil
}
