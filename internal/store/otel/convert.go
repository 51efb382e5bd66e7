package otel

import (
	"context"
	"fmt"

	"github.com/agentsh/sigguard/pkg/types"
	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func convertToLogRecord(ev types.Event) otellog.Record {
	var rec otellog.Record

	sev := eventSeverity(ev)
	rec.SetTimestamp(ev.Timestamp)
	rec.SetBody(otellog.StringValue(eventBody(ev)))
	rec.SetSeverity(sev)
	rec.SetSeverityText(sev.String())
	rec.AddAttributes(eventAttributes(ev)...)
	return rec
}

// eventBody returns a one-line summary such as
// "signal_blocked: SIGKILL -> /usr/sbin/sshd [deny]".
func eventBody(ev types.Event) string {
	decision := ""
	if ev.Policy != nil && ev.Policy.Decision != "" {
		decision = " [" + string(ev.Policy.Decision) + "]"
	}
	switch {
	case ev.SigName != "" && ev.Path != "":
		return fmt.Sprintf("%s: %s -> %s%s", ev.Type, ev.SigName, ev.Path, decision)
	case ev.Path != "":
		return fmt.Sprintf("%s: %s%s", ev.Type, ev.Path, decision)
	default:
		return ev.Type + decision
	}
}

func eventSeverity(ev types.Event) otellog.Severity {
	switch ev.Type {
	case "protected_binary_changed", "protected_binary_missing":
		return otellog.SeverityWarn
	}
	if ev.Policy != nil && ev.Policy.Decision == types.DecisionDeny {
		return otellog.SeverityError
	}
	return otellog.SeverityInfo
}

func eventAttributes(ev types.Event) []otellog.KeyValue {
	var attrs []otellog.KeyValue

	if ev.PID != 0 {
		attrs = append(attrs, otellog.Int("process.pid", ev.PID))
	}
	if ev.Path != "" {
		attrs = append(attrs, otellog.String("process.executable.path", ev.Path))
	}

	if ev.ID != "" {
		attrs = append(attrs, otellog.String("sigguard.event.id", ev.ID))
	}
	attrs = append(attrs, otellog.String("sigguard.event.type", ev.Type))
	if ev.SenderPID != 0 {
		attrs = append(attrs, otellog.Int("sigguard.sender.pid", ev.SenderPID))
	}
	if ev.SenderUID != nil {
		attrs = append(attrs, otellog.Int("sigguard.sender.uid", *ev.SenderUID))
	}
	if ev.Signal != 0 {
		attrs = append(attrs, otellog.Int("sigguard.signal", ev.Signal))
	}
	if ev.SigName != "" {
		attrs = append(attrs, otellog.String("sigguard.signal.name", ev.SigName))
	}
	if ev.Syscall != 0 {
		attrs = append(attrs, otellog.Int("sigguard.syscall", ev.Syscall))
	}
	if ev.Policy != nil {
		if ev.Policy.Decision != "" {
			attrs = append(attrs, otellog.String("sigguard.decision", string(ev.Policy.Decision)))
		}
		if ev.Policy.Rule != "" {
			attrs = append(attrs, otellog.String("sigguard.policy.rule", ev.Policy.Rule))
		}
	}

	for k, v := range ev.Fields {
		switch val := v.(type) {
		case string:
			attrs = append(attrs, otellog.String("sigguard."+k, val))
		case int:
			attrs = append(attrs, otellog.Int("sigguard."+k, val))
		case int64:
			attrs = append(attrs, otellog.Int64("sigguard."+k, val))
		case bool:
			attrs = append(attrs, otellog.Bool("sigguard."+k, val))
		}
	}
	return attrs
}

// BuildResource creates a Resource carrying the service name and any extra
// string attributes.
func BuildResource(serviceName string, extraAttrs map[string]string) *resource.Resource {
	kvs := []attribute.KeyValue{semconv.ServiceName(serviceName)}
	for k, v := range extraAttrs {
		kvs = append(kvs, attribute.String(k, v))
	}
	res, _ := resource.New(context.Background(), resource.WithAttributes(kvs...))
	return res
}
