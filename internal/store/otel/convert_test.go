package otel

import (
	"testing"

	"github.com/agentsh/sigguard/pkg/types"
	"github.com/stretchr/testify/assert"
	otellog "go.opentelemetry.io/otel/log"
)

func attrMap(rec otellog.Record) map[string]otellog.Value {
	out := map[string]otellog.Value{}
	rec.WalkAttributes(func(kv otellog.KeyValue) bool {
		out[kv.Key] = kv.Value
		return true
	})
	return out
}

func TestConvertBlockedSignal(t *testing.T) {
	uid := 1000
	ev := blocked()
	ev.SenderPID = 77
	ev.SenderUID = &uid
	ev.Fields = map[string]any{"group": true}

	rec := convertToLogRecord(ev)
	assert.Equal(t, otellog.SeverityError, rec.Severity())

	attrs := attrMap(rec)
	assert.Equal(t, int64(4242), attrs["process.pid"].AsInt64())
	assert.Equal(t, "/usr/sbin/sshd", attrs["process.executable.path"].AsString())
	assert.Equal(t, int64(77), attrs["sigguard.sender.pid"].AsInt64())
	assert.Equal(t, int64(1000), attrs["sigguard.sender.uid"].AsInt64())
	assert.Equal(t, "SIGKILL", attrs["sigguard.signal.name"].AsString())
	assert.Equal(t, "deny", attrs["sigguard.decision"].AsString())
	assert.Equal(t, "protected-program", attrs["sigguard.policy.rule"].AsString())
	assert.True(t, attrs["sigguard.group"].AsBool())
}

func TestEventSeverity(t *testing.T) {
	assert.Equal(t, otellog.SeverityInfo, eventSeverity(types.Event{Type: "guard_installed"}))
	assert.Equal(t, otellog.SeverityWarn, eventSeverity(types.Event{Type: "protected_binary_changed"}))
	assert.Equal(t, otellog.SeverityInfo, eventSeverity(types.Event{
		Type:   "signal_allowed",
		Policy: &types.PolicyInfo{Decision: types.DecisionAllow},
	}))
}

func TestEventBody(t *testing.T) {
	assert.Equal(t, "guard_installed", eventBody(types.Event{Type: "guard_installed"}))
	assert.Equal(t, "protected_binary_missing: /opt/x", eventBody(types.Event{Type: "protected_binary_missing", Path: "/opt/x"}))
}
