package guard

import (
	"context"
	"log/slog"
	"sync"

	"github.com/agentsh/sigguard/internal/events"
	"github.com/agentsh/sigguard/internal/lsm"
	"github.com/agentsh/sigguard/internal/metrics"
	"github.com/agentsh/sigguard/internal/procpath"
	"github.com/agentsh/sigguard/internal/signal"
	"github.com/agentsh/sigguard/pkg/types"
)

// RuleProtectedProgram names the verdicts produced by the guard itself.
const RuleProtectedProgram = "protected-program"

// Recorder receives audit events. Record must not block.
type Recorder interface {
	Record(ev types.Event)
}

// Engine is the signal policy spliced in front of the original task_kill
// hook. It denies restricted signals aimed at protected programs and
// delegates everything else.
type Engine struct {
	registry *Registry
	original *lsm.Hook

	logger        *slog.Logger
	recorder      Recorder
	metrics       *metrics.Collector
	recordAllowed bool

	mu      sync.Mutex
	scratch []byte
}

func newEngine(cfg Config, original *lsm.Hook, scratch []byte) *Engine {
	return &Engine{
		registry:      cfg.Registry,
		original:      original,
		logger:        cfg.Logger,
		recorder:      cfg.Recorder,
		metrics:       cfg.Metrics,
		recordAllowed: cfg.RecordAllowed,
		scratch:       scratch,
	}
}

// TaskKill implements lsm.SignalPolicy.
func (e *Engine) TaskKill(ctx context.Context, req *lsm.Request) lsm.Verdict {
	path, protectedPath, live := e.lookup(req.Task)
	if !live || protectedPath == "" || !IsRestricted(req.Signal) {
		return e.delegate(ctx, req, path)
	}

	v := lsm.Deny(lsm.ErrPermissionDenied)
	v.Rule = RuleProtectedProgram
	v.Message = "protected program " + protectedPath

	e.metrics.ObserveDecision(false, false)
	e.logger.Error("blocked signal to protected program",
		"path", path,
		"pid", taskPID(req.Task),
		"signal", signal.SignalName(req.Signal),
		"sender_pid", req.Sender.PID,
		"sender_uid", req.Sender.UID,
	)
	e.recordAs(events.EventSignalBlocked, req, path, protectedPath, v)
	return v
}

// lookup resolves the target under the buffer lock and tests membership.
// protectedPath is the matching configured entry, empty when the target is
// not protected. live is false once the buffer has been released.
func (e *Engine) lookup(task lsm.Task) (path, protectedPath string, live bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.scratch == nil {
		return "", "", false
	}
	path = procpath.Resolve(task, e.scratch)
	if e.registry.IsProtected(path) {
		return path, path, true
	}
	if e.registry.Mode() == IdentityInode {
		if it, ok := task.(lsm.IdentifiedTask); ok {
			if id, ok := it.ExeID(); ok {
				if p, hit := e.registry.IsProtectedID(id); hit {
					return path, p, true
				}
			}
		}
	}
	return path, "", true
}

func (e *Engine) delegate(ctx context.Context, req *lsm.Request, path string) lsm.Verdict {
	v := e.original.Call(ctx, req)
	e.metrics.ObserveDecision(v.Allowed, true)
	switch {
	case !v.Allowed:
		e.logger.Debug("base policy denied signal",
			"pid", taskPID(req.Task), "signal", signal.SignalName(req.Signal), "rule", v.Rule)
		e.record(events.EventSignalBlocked, req, path, v)
	case e.recordAllowed:
		e.record(events.EventSignalAllowed, req, path, v)
	}
	return v
}

func (e *Engine) record(typ events.EventType, req *lsm.Request, path string, v lsm.Verdict) {
	e.recordAs(typ, req, path, "", v)
}

func (e *Engine) recordAs(typ events.EventType, req *lsm.Request, path, protectedPath string, v lsm.Verdict) {
	if e.recorder == nil {
		return
	}
	decision := types.DecisionAllow
	if !v.Allowed {
		decision = types.DecisionDeny
	}
	ev := types.Event{
		Type:          string(typ),
		PID:           taskPID(req.Task),
		SenderPID:     req.Sender.PID,
		Signal:        req.Signal,
		SigName:       signal.SignalName(req.Signal),
		Syscall:       req.Syscall,
		Path:          path,
		ProtectedPath: protectedPath,
		Policy:        &types.PolicyInfo{Decision: decision, Rule: v.Rule, Message: v.Message},
	}
	if req.Sender.UID >= 0 {
		uid := req.Sender.UID
		ev.SenderUID = &uid
	}
	e.recorder.Record(ev)
}

// release drops the scratch buffer. Later decisions delegate.
func (e *Engine) release() {
	e.mu.Lock()
	e.scratch = nil
	e.mu.Unlock()
}

func taskPID(t lsm.Task) int {
	if t == nil {
		return 0
	}
	return t.PID()
}
