package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentsh/sigguard/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendAndQueryEvents(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	deny := types.Event{
		ID:        "evt1",
		Type:      "signal_blocked",
		Timestamp: base,
		PID:       4242,
		SenderPID: 77,
		Signal:    9,
		SigName:   "SIGKILL",
		Path:      "/usr/sbin/sshd",
		Policy:    &types.PolicyInfo{Decision: types.DecisionDeny, Rule: "protected-program"},
	}
	allow := types.Event{
		ID:        "evt2",
		Type:      "signal_allowed",
		Timestamp: base.Add(time.Second),
		PID:       5000,
		Signal:    15,
		Path:      "/usr/bin/sleep",
		Policy:    &types.PolicyInfo{Decision: types.DecisionAllow},
	}
	require.NoError(t, s.AppendEvent(ctx, deny))
	require.NoError(t, s.AppendEvent(ctx, allow))

	got, err := s.QueryEvents(ctx, types.EventQuery{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "evt2", got[0].ID, "default order is newest first")

	got, err = s.QueryEvents(ctx, types.EventQuery{Asc: true})
	require.NoError(t, err)
	assert.Equal(t, "evt1", got[0].ID)

	d := types.DecisionDeny
	got, err = s.QueryEvents(ctx, types.EventQuery{Decision: &d})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "SIGKILL", got[0].SigName)
	require.NotNil(t, got[0].Policy)
	assert.Equal(t, "protected-program", got[0].Policy.Rule)

	got, err = s.QueryEvents(ctx, types.EventQuery{PID: 5000})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "evt2", got[0].ID)

	got, err = s.QueryEvents(ctx, types.EventQuery{PathLike: "%sshd"})
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = s.QueryEvents(ctx, types.EventQuery{Types: []string{"signal_allowed"}})
	require.NoError(t, err)
	require.Len(t, got, 1)

	since := base.Add(500 * time.Millisecond)
	got, err = s.QueryEvents(ctx, types.EventQuery{Since: &since})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "evt2", got[0].ID)

	got, err = s.QueryEvents(ctx, types.EventQuery{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "evt1", got[0].ID)
}

func TestAppendEventRequiresID(t *testing.T) {
	s := openTemp(t)
	err := s.AppendEvent(context.Background(), types.Event{Type: "signal_blocked"})
	assert.Error(t, err)
}

func TestOpenEmptyPath(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)
}

func TestBlockedCountsAndPrune(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	now := time.Now().UTC()

	add := func(id, typ, path, protected string, at time.Time) {
		t.Helper()
		require.NoError(t, s.AppendEvent(ctx, types.Event{ID: id, Type: typ, Timestamp: at, Path: path, ProtectedPath: protected}))
	}
	add("old", "signal_blocked", "/usr/sbin/sshd", "/usr/sbin/sshd", now.Add(-48*time.Hour))
	add("b1", "signal_blocked", "/usr/sbin/sshd", "/usr/sbin/sshd", now.Add(-time.Hour))
	add("b2", "signal_blocked", "/tmp/sshd-copy", "/usr/sbin/sshd", now.Add(-time.Minute))
	add("b3", "signal_blocked", "/usr/sbin/auditd", "/usr/sbin/auditd", now.Add(-time.Minute))
	add("base", "signal_blocked", "/usr/sbin/auditd", "", now.Add(-time.Minute))
	add("a1", "signal_allowed", "/usr/sbin/auditd", "", now.Add(-time.Minute))

	counts, err := s.BlockedCounts(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"/usr/sbin/sshd": 2, "/usr/sbin/auditd": 1}, counts)

	n, err := s.Prune(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	all, err := s.QueryEvents(ctx, types.EventQuery{})
	require.NoError(t, err)
	assert.Len(t, all, 5)
}
