package guard

import (
	"fmt"
	"slices"

	"github.com/agentsh/sigguard/internal/lsm"
)

// MaxPrograms bounds the protected program list.
const MaxPrograms = 16

// IdentityMode selects how a target is matched against the protected list.
type IdentityMode string

const (
	// IdentityPath matches the resolved image path byte for byte. A copy of
	// a protected binary at another path is not protected.
	IdentityPath IdentityMode = "path"
	// IdentityInode additionally matches the (device, inode) of the target's
	// image against the protected files as they were at startup.
	IdentityInode IdentityMode = "inode"
)

// Registry is the immutable list of protected programs.
type Registry struct {
	paths []string
	mode  IdentityMode
	ids   map[lsm.FileID]string
}

type registryOptions struct {
	mode IdentityMode
	stat func(string) (lsm.FileID, error)
}

// RegistryOption configures NewRegistry.
type RegistryOption func(*registryOptions)

// WithInodeIdentity enables inode matching. stat resolves a path to its
// identity; paths it cannot stat are matched by path only.
func WithInodeIdentity(stat func(string) (lsm.FileID, error)) RegistryOption {
	return func(o *registryOptions) {
		o.mode = IdentityInode
		o.stat = stat
	}
}

// NewRegistry validates and freezes paths.
func NewRegistry(paths []string, opts ...RegistryOption) (*Registry, error) {
	o := registryOptions{mode: IdentityPath}
	for _, opt := range opts {
		opt(&o)
	}

	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: protected program list is empty", ErrConfiguration)
	}
	if len(paths) > MaxPrograms {
		return nil, fmt.Errorf("%w: %d protected programs, at most %d allowed", ErrConfiguration, len(paths), MaxPrograms)
	}
	for i, p := range paths {
		if p == "" {
			return nil, fmt.Errorf("%w: protected program %d is empty", ErrConfiguration, i)
		}
	}

	r := &Registry{
		paths: slices.Clone(paths),
		mode:  o.mode,
	}
	if o.mode == IdentityInode && o.stat != nil {
		r.ids = make(map[lsm.FileID]string, len(paths))
		for _, p := range paths {
			if id, err := o.stat(p); err == nil {
				r.ids[id] = p
			}
		}
	}
	return r, nil
}

// Len returns the number of protected programs.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.paths)
}

// Paths returns a copy of the protected list in configuration order.
func (r *Registry) Paths() []string {
	if r == nil {
		return nil
	}
	return slices.Clone(r.paths)
}

// Mode returns the identity mode.
func (r *Registry) Mode() IdentityMode {
	return r.mode
}

// IsProtected reports whether path exactly equals a protected entry.
func (r *Registry) IsProtected(path string) bool {
	for _, p := range r.paths {
		if p == path {
			return true
		}
	}
	return false
}

// IsProtectedID reports whether id belongs to a protected file and returns
// the configured path it was recorded under. It always fails in path mode.
func (r *Registry) IsProtectedID(id lsm.FileID) (string, bool) {
	if r.ids == nil {
		return "", false
	}
	p, ok := r.ids[id]
	return p, ok
}
