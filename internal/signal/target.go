package signal

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// TargetType names the relation a base policy rule selects on.
type TargetType string

const (
	TargetAny         TargetType = "any"
	TargetSelf        TargetType = "self"
	TargetChildren    TargetType = "children"
	TargetDescendants TargetType = "descendants"
	TargetSiblings    TargetType = "siblings"
	TargetParent      TargetType = "parent"
	TargetSystem      TargetType = "system"
	TargetUser        TargetType = "user"
	TargetRoot        TargetType = "root"
	TargetProcess     TargetType = "process"
	TargetPIDRange    TargetType = "pid_range"
)

// TargetSpec is the target of a base policy rule as written in YAML.
type TargetSpec struct {
	Type string `yaml:"type"`
	// Pattern is a glob over the target's resolved path or comm.
	Pattern string `yaml:"pattern,omitempty"`
	Min     int    `yaml:"min,omitempty"`
	Max     int    `yaml:"max,omitempty"`
}

// TargetContext describes the relation between sender and target.
type TargetContext struct {
	SourcePID  int
	TargetPID  int
	TargetCmd  string // resolved path, or comm when the path is unknown
	TargetComm string

	IsChild      bool
	IsDescendant bool
	IsSibling    bool
	IsParent     bool
	SameUser     bool
	TargetIsRoot bool
}

// ParsedTarget is a compiled TargetSpec.
type ParsedTarget struct {
	Type        TargetType
	ProcessGlob glob.Glob
	PIDMin      int
	PIDMax      int
}

type targetMatcher func(t *ParsedTarget, c *TargetContext) bool

var targetMatchers = map[TargetType]targetMatcher{
	TargetAny:         func(*ParsedTarget, *TargetContext) bool { return true },
	TargetSelf:        func(_ *ParsedTarget, c *TargetContext) bool { return c.TargetPID == c.SourcePID },
	TargetChildren:    func(_ *ParsedTarget, c *TargetContext) bool { return c.IsChild },
	TargetDescendants: func(_ *ParsedTarget, c *TargetContext) bool { return c.IsDescendant },
	TargetSiblings:    func(_ *ParsedTarget, c *TargetContext) bool { return c.IsSibling },
	TargetParent:      func(_ *ParsedTarget, c *TargetContext) bool { return c.IsParent },
	// init and kthreadd
	TargetSystem: func(_ *ParsedTarget, c *TargetContext) bool { return c.TargetPID == 1 || c.TargetPID == 2 },
	TargetUser:   func(_ *ParsedTarget, c *TargetContext) bool { return c.SameUser },
	TargetRoot:   func(_ *ParsedTarget, c *TargetContext) bool { return c.TargetIsRoot },
	TargetProcess: func(t *ParsedTarget, c *TargetContext) bool {
		if t.ProcessGlob == nil {
			return false
		}
		return t.ProcessGlob.Match(c.TargetCmd) || (c.TargetComm != "" && t.ProcessGlob.Match(c.TargetComm))
	},
	TargetPIDRange: func(t *ParsedTarget, c *TargetContext) bool {
		return c.TargetPID >= t.PIDMin && c.TargetPID <= t.PIDMax
	},
}

// ParseTargetSpec validates and compiles a target specification. An empty
// type means any target.
func ParseTargetSpec(spec TargetSpec) (*ParsedTarget, error) {
	typ := TargetType(strings.ToLower(strings.TrimSpace(spec.Type)))
	if typ == "" {
		typ = TargetAny
	}
	if _, ok := targetMatchers[typ]; !ok {
		return nil, fmt.Errorf("invalid target type: %s", spec.Type)
	}
	t := &ParsedTarget{Type: typ, PIDMin: spec.Min, PIDMax: spec.Max}

	switch typ {
	case TargetProcess:
		if spec.Pattern == "" {
			return nil, fmt.Errorf("process target requires a pattern")
		}
		g, err := glob.Compile(spec.Pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid process pattern %q: %w", spec.Pattern, err)
		}
		t.ProcessGlob = g
	case TargetPIDRange:
		if spec.Min <= 0 || spec.Max <= 0 {
			return nil, fmt.Errorf("pid_range requires positive min and max")
		}
		if spec.Min > spec.Max {
			return nil, fmt.Errorf("pid_range min (%d) > max (%d)", spec.Min, spec.Max)
		}
	}
	return t, nil
}

// Matches reports whether c falls under this target.
func (t *ParsedTarget) Matches(c *TargetContext) bool {
	m, ok := targetMatchers[t.Type]
	return ok && m(t, c)
}
