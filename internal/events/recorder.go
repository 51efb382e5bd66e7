package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentsh/sigguard/pkg/types"
	"github.com/google/uuid"
)

// Sink persists events.
type Sink interface {
	AppendEvent(ctx context.Context, ev types.Event) error
}

// Recorder queues events and writes them to a sink and broker from a single
// goroutine. Record never blocks: when the queue is full the event is dropped
// and counted.
type Recorder struct {
	sink   Sink
	broker *Broker
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan types.Event
	done   chan struct{}

	dropped atomic.Int64
	onDrop  func()
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithLogger sets the logger used for sink errors.
func WithLogger(l *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithDropHook registers a callback invoked for every dropped event.
func WithDropHook(fn func()) RecorderOption {
	return func(r *Recorder) { r.onDrop = fn }
}

// NewRecorder starts a recorder. sink and broker may be nil.
func NewRecorder(sink Sink, broker *Broker, queueSize int, opts ...RecorderOption) *Recorder {
	if queueSize <= 0 {
		queueSize = 1024
	}
	r := &Recorder{
		sink:   sink,
		broker: broker,
		logger: slog.Default(),
		queue:  make(chan types.Event, queueSize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.run()
	return r
}

// Record enqueues ev, filling in its id and timestamp if unset.
func (r *Recorder) Record(ev types.Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop()
		return
	}
	select {
	case r.queue <- ev:
	default:
		r.drop()
	}
}

func (r *Recorder) drop() {
	r.dropped.Add(1)
	if r.onDrop != nil {
		r.onDrop()
	}
}

// DroppedCount returns the number of events that never reached the sink.
func (r *Recorder) DroppedCount() int64 {
	return r.dropped.Load()
}

// Close drains the queue and stops the writer goroutine.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	<-r.done
	return nil
}

func (r *Recorder) run() {
	defer close(r.done)
	ctx := context.Background()
	for ev := range r.queue {
		if r.broker != nil {
			r.broker.Publish(ev)
		}
		if r.sink == nil {
			continue
		}
		if err := r.sink.AppendEvent(ctx, ev); err != nil {
			r.logger.Warn("append event", "type", ev.Type, "id", ev.ID, "error", err)
		}
	}
}
