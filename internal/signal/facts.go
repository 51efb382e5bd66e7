package signal

import (
	"context"

	"github.com/shirou/gopsutil/v4/process"
)

// maxAncestry bounds the parent walk used for the descendants relation.
const maxAncestry = 64

// Facts fills in the relation fields of a TargetContext.
type Facts interface {
	Fill(ctx context.Context, tc *TargetContext)
}

// ProcFacts derives relations from the live process table.
type ProcFacts struct{}

func (ProcFacts) Fill(ctx context.Context, tc *TargetContext) {
	src, tgt := tc.SourcePID, tc.TargetPID
	if src <= 0 || tgt <= 0 {
		return
	}

	srcParent := ppid(ctx, src)
	tgtParent := ppid(ctx, tgt)

	tc.IsParent = srcParent > 0 && srcParent == tgt
	tc.IsChild = tgtParent > 0 && tgtParent == src
	tc.IsSibling = src != tgt && srcParent > 0 && srcParent == tgtParent
	tc.IsDescendant = tc.IsChild || isAncestor(ctx, src, tgtParent)

	tu, tok := euid(ctx, tgt)
	tc.TargetIsRoot = tok && tu == 0
	if su, ok := euid(ctx, src); ok && tok {
		tc.SameUser = su == tu
	}
}

func isAncestor(ctx context.Context, ancestor, pid int) bool {
	for i := 0; i < maxAncestry && pid > 1; i++ {
		if pid == ancestor {
			return true
		}
		pid = ppid(ctx, pid)
	}
	return false
}

func ppid(ctx context.Context, pid int) int {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return 0
	}
	pp, err := p.PpidWithContext(ctx)
	if err != nil {
		return 0
	}
	return int(pp)
}

func euid(ctx context.Context, pid int) (uint32, bool) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return 0, false
	}
	uids, err := p.UidsWithContext(ctx)
	if err != nil || len(uids) < 2 {
		return 0, false
	}
	return uids[1], true
}

// StaticFacts returns the same relations for every request. Useful for
// dry runs and tests.
type StaticFacts TargetContext

func (s StaticFacts) Fill(_ context.Context, tc *TargetContext) {
	tc.IsChild = s.IsChild
	tc.IsDescendant = s.IsDescendant
	tc.IsSibling = s.IsSibling
	tc.IsParent = s.IsParent
	tc.SameUser = s.SameUser
	tc.TargetIsRoot = s.TargetIsRoot
}
