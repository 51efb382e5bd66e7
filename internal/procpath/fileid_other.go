//go:build !linux

package procpath

import (
	"errors"

	"github.com/agentsh/sigguard/internal/lsm"
)

// ErrIdentityUnsupported is returned where file identity cannot be read.
var ErrIdentityUnsupported = errors.New("file identity unsupported on this platform")

// FileIDOf is unsupported off Linux.
func FileIDOf(string) (lsm.FileID, error) {
	return lsm.FileID{}, ErrIdentityUnsupported
}
