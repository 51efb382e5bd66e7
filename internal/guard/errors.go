package guard

import (
	"errors"

	"github.com/agentsh/sigguard/internal/lsm"
)

// Startup errors. All of them leave the decision table untouched.
var (
	ErrConfiguration    = errors.New("configuration error")
	ErrSymbolNotFound   = lsm.ErrSymbolNotFound
	ErrOutOfMemory      = errors.New("out of memory")
	ErrAlreadyInstalled = errors.New("guard already installed")
)
