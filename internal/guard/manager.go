package guard

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/agentsh/sigguard/internal/events"
	"github.com/agentsh/sigguard/internal/lsm"
	"github.com/agentsh/sigguard/internal/metrics"
	"github.com/agentsh/sigguard/internal/procpath"
	"github.com/agentsh/sigguard/internal/signal"
	"github.com/agentsh/sigguard/pkg/types"
)

// HookName is the name of the hook the guard installs.
const HookName = "sigguard"

// Allocator returns a zeroed buffer of n bytes.
type Allocator func(n int) ([]byte, error)

// DefaultAllocator allocates on the Go heap.
func DefaultAllocator(n int) ([]byte, error) {
	return make([]byte, n), nil
}

// Config wires a Manager to its host and collaborators.
type Config struct {
	Registry *Registry
	Symbols  lsm.SymbolEnumerator
	// Symbol overrides lsm.SecurityOpsSymbol.
	Symbol string
	Alloc  Allocator

	Logger        *slog.Logger
	Recorder      Recorder
	Metrics       *metrics.Collector
	RecordAllowed bool
}

// Binding records where the guard is spliced in.
type Binding struct {
	Ops       *lsm.Operations
	Original  *lsm.Hook
	Installed *lsm.Hook
}

// Manager owns the guard's lifecycle: it splices the engine into the host
// decision table and restores the original hook on Uninstall.
type Manager struct {
	cfg Config

	mu      sync.Mutex
	engine  *Engine
	binding *Binding
}

func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Alloc == nil {
		cfg.Alloc = DefaultAllocator
	}
	if cfg.Symbol == "" {
		cfg.Symbol = lsm.SecurityOpsSymbol
	}
	return &Manager{cfg: cfg}
}

// Install splices the guard into the host table. On error nothing has been
// modified and no buffer is held.
func (m *Manager) Install() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.binding != nil {
		return ErrAlreadyInstalled
	}
	if m.cfg.Registry.Len() == 0 {
		return fmt.Errorf("%w: no protected programs", ErrConfiguration)
	}

	sym, err := lsm.Resolve(m.cfg.Symbols, m.cfg.Symbol)
	if err != nil {
		return err
	}
	ops, ok := sym.(*lsm.Operations)
	if !ok || ops == nil {
		return fmt.Errorf("%w: %s is %T, not a decision table", ErrSymbolNotFound, m.cfg.Symbol, sym)
	}

	buf, err := m.cfg.Alloc(procpath.PathMax)
	if err != nil {
		return fmt.Errorf("%w: scratch buffer: %v", ErrOutOfMemory, err)
	}
	if len(buf) < procpath.PathMax {
		return fmt.Errorf("%w: scratch buffer is %d bytes", ErrOutOfMemory, len(buf))
	}

	for i, p := range m.cfg.Registry.Paths() {
		m.cfg.Logger.Info("protecting program", "index", i, "path", p)
	}

	var (
		original  *lsm.Hook
		engine    *Engine
		installed *lsm.Hook
	)
	for {
		original = ops.TaskKillHook()
		engine = newEngine(m.cfg, original, buf)
		installed = lsm.NewHook(HookName, engine)
		if ops.CompareAndSwapTaskKill(original, installed) {
			break
		}
	}

	m.engine = engine
	m.binding = &Binding{Ops: ops, Original: original, Installed: installed}
	m.cfg.Metrics.SetHookInstalled(true)

	names := make([]string, 0, 3)
	for _, sig := range RestrictedSignals() {
		names = append(names, signal.SignalName(sig))
	}
	m.cfg.Logger.Info("guard installed",
		"symbol", m.cfg.Symbol,
		"identity", string(m.cfg.Registry.Mode()),
		"restricted", names,
		"previous", hookName(original),
	)
	m.recordLifecycle(events.EventGuardInstalled)
	return nil
}

// Uninstall restores the original hook and releases the scratch buffer.
// Without a prior Install it only logs a warning.
func (m *Manager) Uninstall() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.binding == nil {
		m.cfg.Logger.Warn("guard uninstall without install")
		return
	}
	b := m.binding
	if !b.Ops.CompareAndSwapTaskKill(b.Installed, b.Original) {
		// Another hook was stacked on ours; the original is restored anyway.
		m.cfg.Logger.Warn("task_kill slot changed while installed", "current", hookName(b.Ops.TaskKillHook()))
		b.Ops.StoreTaskKill(b.Original)
	}
	m.engine.release()
	m.engine = nil
	m.binding = nil
	m.cfg.Metrics.SetHookInstalled(false)

	m.cfg.Logger.Info("guard uninstalled")
	m.recordLifecycle(events.EventGuardUninstalled)
}

// Installed reports whether the guard is currently spliced in.
func (m *Manager) Installed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.binding != nil
}

// Binding returns a copy of the current binding, or nil.
func (m *Manager) Binding() *Binding {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.binding == nil {
		return nil
	}
	b := *m.binding
	return &b
}

// Registry returns the protected program list.
func (m *Manager) Registry() *Registry {
	return m.cfg.Registry
}

func (m *Manager) recordLifecycle(typ events.EventType) {
	if m.cfg.Recorder == nil {
		return
	}
	m.cfg.Recorder.Record(types.Event{
		Type: string(typ),
		Fields: map[string]any{
			"programs": len(m.cfg.Registry.Paths()),
			"identity": string(m.cfg.Registry.Mode()),
		},
	})
}

func hookName(h *lsm.Hook) string {
	if h == nil {
		return "<none>"
	}
	return h.Name
}
