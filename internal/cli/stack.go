package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/agentsh/sigguard/internal/config"
	"github.com/agentsh/sigguard/internal/events"
	"github.com/agentsh/sigguard/internal/guard"
	"github.com/agentsh/sigguard/internal/lsm"
	"github.com/agentsh/sigguard/internal/metrics"
	"github.com/agentsh/sigguard/internal/signal"
	"github.com/agentsh/sigguard/internal/store"
	"github.com/agentsh/sigguard/internal/store/composite"
	"github.com/agentsh/sigguard/internal/store/jsonl"
	otelstore "github.com/agentsh/sigguard/internal/store/otel"
	"github.com/agentsh/sigguard/internal/store/sqlite"
	"github.com/agentsh/sigguard/pkg/types"
)

// stack is the host pipeline plus the guard and its collaborators.
type stack struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *metrics.Collector
	registry *guard.Registry

	store    store.EventStore
	broker   *events.Broker
	recorder *events.Recorder

	symbols *lsm.SymbolTable
	ops     *lsm.Operations
	manager *guard.Manager
}

// buildStack assembles the host table with the base policy in its task_kill
// slot and a guard manager ready to install. With audit false nothing is
// recorded.
func buildStack(ctx context.Context, cfg *config.Config, logger *slog.Logger, audit bool) (*stack, error) {
	reg, err := cfg.BuildRegistry()
	if err != nil {
		return nil, err
	}
	base, err := cfg.BuildBasePolicy(signal.WithPolicyLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("%w: base policy: %v", guard.ErrConfiguration, err)
	}

	s := &stack{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics.New(),
		registry: reg,
	}
	s.symbols, s.ops = lsm.NewHost(lsm.NewHook("base-policy", base))

	gcfg := guard.Config{
		Registry:      reg,
		Symbols:       s.symbols,
		Logger:        logger,
		Metrics:       s.metrics,
		RecordAllowed: cfg.Audit.RecordAllowed,
	}
	if audit && cfg.AuditEnabled() {
		st, db, err := openEventStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if db != nil {
			if cut, ok := cfg.RetentionCutoff(time.Now()); ok {
				if n, err := db.Prune(ctx, cut); err != nil {
					logger.Warn("audit retention", "error", err)
				} else if n > 0 {
					logger.Info("pruned audit events", "count", n, "before", cut)
				}
			}
		}
		s.store = metrics.WrapEventStore(st, s.metrics)
		s.broker = events.NewBroker()
		s.recorder = events.NewRecorder(s.store, s.broker, cfg.Audit.QueueSize,
			events.WithLogger(logger),
			events.WithDropHook(s.metrics.IncEventDropped),
		)
		gcfg.Recorder = s.guardRecorder()
	}
	s.manager = guard.NewManager(gcfg)
	return s, nil
}

// guardRecorder returns the recorder as a guard.Recorder, or nil when
// auditing is off.
func (s *stack) guardRecorder() guard.Recorder {
	if s.recorder == nil {
		return nil
	}
	return s.recorder
}

// record emits a supervisor event when auditing is on.
func (s *stack) record(typ events.EventType, pid int, fields map[string]any) {
	if s.recorder == nil {
		return
	}
	s.recorder.Record(types.Event{Type: string(typ), PID: pid, Fields: fields})
}

// streamEvents writes every published event to w as a JSON line. The
// returned stop flushes the recorder first, so events recorded during
// teardown still reach w, then waits for the writer to finish.
func (s *stack) streamEvents(w io.Writer, buf int) (stop func()) {
	if s.broker == nil {
		return func() {}
	}
	ch := s.broker.Subscribe(buf)
	done := make(chan struct{})
	go func() {
		defer close(done)
		enc := json.NewEncoder(w)
		for ev := range ch {
			_ = enc.Encode(ev)
		}
	}()
	return func() {
		if s.recorder != nil {
			_ = s.recorder.Close()
		}
		s.broker.Unsubscribe(ch)
		<-done
	}
}

// Close flushes queued events and closes the stores.
func (s *stack) Close() error {
	var errs []error
	if s.recorder != nil {
		errs = append(errs, s.recorder.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	return errors.Join(errs...)
}

// openEventStore opens every configured backend. sqlite, when set, is the
// queryable primary and is also returned on its own.
func openEventStore(ctx context.Context, cfg *config.Config) (store.EventStore, *sqlite.Store, error) {
	var (
		stores []store.EventStore
		db     *sqlite.Store
	)
	fail := func(err error) (store.EventStore, *sqlite.Store, error) {
		for _, st := range stores {
			_ = st.Close()
		}
		return nil, nil, err
	}

	if cfg.Audit.SQLitePath != "" {
		st, err := sqlite.Open(cfg.Audit.SQLitePath)
		if err != nil {
			return fail(fmt.Errorf("open sqlite store: %w", err))
		}
		db = st
		stores = append(stores, st)
	}
	if cfg.Audit.JSONL.Path != "" {
		st, err := jsonl.New(cfg.Audit.JSONL.Path, cfg.Audit.JSONL.MaxSizeMB(), cfg.Audit.JSONL.Backups())
		if err != nil {
			return fail(fmt.Errorf("open jsonl store: %w", err))
		}
		stores = append(stores, st)
	}
	if o := cfg.Audit.OTEL; o.Enabled {
		timeout, err := time.ParseDuration(o.Timeout)
		if err != nil {
			return fail(fmt.Errorf("audit.otel.timeout: %w", err))
		}
		host, _ := os.Hostname()
		st, err := otelstore.New(ctx, otelstore.Config{
			Endpoint:      o.Endpoint,
			Protocol:      o.Protocol,
			Insecure:      o.Insecure,
			TLSSkipVerify: o.TLSSkipVerify,
			Headers:       o.Headers,
			Timeout:       timeout,
			Filter: otelstore.Filter{
				IncludeTypes: o.IncludeTypes,
				ExcludeTypes: o.ExcludeTypes,
				DeniedOnly:   o.DeniedOnly,
			},
			Resource: otelstore.BuildResource("sigguard", map[string]string{"host.name": host}),
		})
		if err != nil {
			return fail(fmt.Errorf("open otel store: %w", err))
		}
		stores = append(stores, st)
	}

	switch len(stores) {
	case 0:
		return nil, nil, nil
	case 1:
		return stores[0], db, nil
	default:
		return composite.New(stores[0], stores[1:]...), db, nil
	}
}
