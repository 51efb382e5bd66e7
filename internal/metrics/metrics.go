package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector provides a minimal Prometheus-compatible metrics exporter.
type Collector struct {
	startedAt time.Time

	eventsTotal   atomic.Uint64
	eventsDropped atomic.Uint64
	byType        sync.Map // string -> *atomic.Uint64

	decisionsAllowed atomic.Uint64
	decisionsDenied  atomic.Uint64
	delegated        atomic.Uint64
	protectedDenied  atomic.Uint64

	notifyErrors  atomic.Uint64
	groupExpanded atomic.Uint64
	staleRequests atomic.Uint64
	hookInstalled atomic.Bool
}

func New() *Collector {
	return &Collector{startedAt: time.Now().UTC()}
}

func (c *Collector) IncEvent(eventType string) {
	if c == nil {
		return
	}
	c.eventsTotal.Add(1)
	if eventType == "" {
		eventType = "unknown"
	}
	ptr, _ := c.byType.LoadOrStore(eventType, &atomic.Uint64{})
	ptr.(*atomic.Uint64).Add(1)
}

func (c *Collector) IncEventDropped() {
	if c == nil {
		return
	}
	c.eventsDropped.Add(1)
}

// ObserveDecision counts one verdict. delegated is true when the verdict
// came from the previously installed policy.
func (c *Collector) ObserveDecision(allowed, delegated bool) {
	if c == nil {
		return
	}
	if allowed {
		c.decisionsAllowed.Add(1)
	} else {
		c.decisionsDenied.Add(1)
	}
	if delegated {
		c.delegated.Add(1)
	} else if !allowed {
		c.protectedDenied.Add(1)
	}
}

func (c *Collector) IncNotifyError() {
	if c == nil {
		return
	}
	c.notifyErrors.Add(1)
}

func (c *Collector) IncGroupExpanded() {
	if c == nil {
		return
	}
	c.groupExpanded.Add(1)
}

func (c *Collector) IncStaleRequest() {
	if c == nil {
		return
	}
	c.staleRequests.Add(1)
}

func (c *Collector) SetHookInstalled(v bool) {
	if c == nil {
		return
	}
	c.hookInstalled.Store(v)
}

type HandlerOptions struct {
	ProtectedCount func() int
}

func (c *Collector) Handler(opts HandlerOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, "# HELP sigguard_up Whether the sigguard supervisor is running.\n")
		fmt.Fprint(w, "# TYPE sigguard_up gauge\n")
		fmt.Fprint(w, "sigguard_up 1\n")

		fmt.Fprint(w, "# HELP sigguard_hook_installed Whether the guard hook is installed.\n")
		fmt.Fprint(w, "# TYPE sigguard_hook_installed gauge\n")
		fmt.Fprintf(w, "sigguard_hook_installed %d\n", boolGauge(c.hookInstalled.Load()))

		fmt.Fprint(w, "# HELP sigguard_uptime_seconds Seconds since the collector was created.\n")
		fmt.Fprint(w, "# TYPE sigguard_uptime_seconds gauge\n")
		fmt.Fprintf(w, "sigguard_uptime_seconds %d\n", int64(time.Since(c.startedAt).Seconds()))

		fmt.Fprint(w, "# HELP sigguard_decisions_total Signal permission decisions by verdict.\n")
		fmt.Fprint(w, "# TYPE sigguard_decisions_total counter\n")
		fmt.Fprintf(w, "sigguard_decisions_total{verdict=\"allow\"} %d\n", c.decisionsAllowed.Load())
		fmt.Fprintf(w, "sigguard_decisions_total{verdict=\"deny\"} %d\n", c.decisionsDenied.Load())

		fmt.Fprint(w, "# HELP sigguard_decisions_delegated_total Decisions forwarded to the previously installed policy.\n")
		fmt.Fprint(w, "# TYPE sigguard_decisions_delegated_total counter\n")
		fmt.Fprintf(w, "sigguard_decisions_delegated_total %d\n", c.delegated.Load())

		fmt.Fprint(w, "# HELP sigguard_protected_denied_total Restricted signals denied to protected programs.\n")
		fmt.Fprint(w, "# TYPE sigguard_protected_denied_total counter\n")
		fmt.Fprintf(w, "sigguard_protected_denied_total %d\n", c.protectedDenied.Load())

		fmt.Fprint(w, "# HELP sigguard_notify_errors_total Seccomp notification receive/respond errors.\n")
		fmt.Fprint(w, "# TYPE sigguard_notify_errors_total counter\n")
		fmt.Fprintf(w, "sigguard_notify_errors_total %d\n", c.notifyErrors.Load())

		fmt.Fprint(w, "# HELP sigguard_notify_stale_total Notifications whose caller went away before the response.\n")
		fmt.Fprint(w, "# TYPE sigguard_notify_stale_total counter\n")
		fmt.Fprintf(w, "sigguard_notify_stale_total %d\n", c.staleRequests.Load())

		fmt.Fprint(w, "# HELP sigguard_group_signals_total Process group signals expanded to their members.\n")
		fmt.Fprint(w, "# TYPE sigguard_group_signals_total counter\n")
		fmt.Fprintf(w, "sigguard_group_signals_total %d\n", c.groupExpanded.Load())

		fmt.Fprint(w, "# HELP sigguard_events_total Total number of audit events appended.\n")
		fmt.Fprint(w, "# TYPE sigguard_events_total counter\n")
		fmt.Fprintf(w, "sigguard_events_total %d\n", c.eventsTotal.Load())

		fmt.Fprint(w, "# HELP sigguard_events_dropped_total Audit events dropped because the queue was full.\n")
		fmt.Fprint(w, "# TYPE sigguard_events_dropped_total counter\n")
		fmt.Fprintf(w, "sigguard_events_dropped_total %d\n", c.eventsDropped.Load())

		types := snapshotKeys(&c.byType)
		if len(types) > 0 {
			fmt.Fprint(w, "# HELP sigguard_events_by_type_total Total events appended by type.\n")
			fmt.Fprint(w, "# TYPE sigguard_events_by_type_total counter\n")
			for _, t := range types {
				ptr, _ := c.byType.Load(t)
				n := uint64(0)
				if ptr != nil {
					n = ptr.(*atomic.Uint64).Load()
				}
				fmt.Fprintf(w, "sigguard_events_by_type_total{type=\"%s\"} %d\n", escapeLabelValue(t), n)
			}
		}

		if opts.ProtectedCount != nil {
			fmt.Fprint(w, "# HELP sigguard_protected_programs Configured protected programs.\n")
			fmt.Fprint(w, "# TYPE sigguard_protected_programs gauge\n")
			fmt.Fprintf(w, "sigguard_protected_programs %d\n", opts.ProtectedCount())
		}
	})
}

func boolGauge(v bool) int {
	if v {
		return 1
	}
	return 0
}

func snapshotKeys(m *sync.Map) []string {
	var out []string
	m.Range(func(k, _ any) bool {
		if s, ok := k.(string); ok {
			out = append(out, s)
		}
		return true
	})
	sort.Strings(out)
	return out
}

func escapeLabelValue(v string) string {
	// Prometheus text format label escaping for " and \ and newlines.
	v = strings.ReplaceAll(v, "\\", "\\\\")
	v = strings.ReplaceAll(v, "\n", "\\n")
	v = strings.ReplaceAll(v, "\"", "\\\"")
	return v
}
