package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentsh/sigguard/internal/config"
	"github.com/agentsh/sigguard/internal/events"
	"github.com/agentsh/sigguard/internal/guard"
	"github.com/agentsh/sigguard/internal/procpath"
	"github.com/agentsh/sigguard/internal/store/sqlite"
	"github.com/agentsh/sigguard/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sigguard.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRoot("test")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestConfigValidateAndShow(t *testing.T) {
	path := writeConfig(t, "protect: {programs: [/usr/sbin/auditd]}\n")

	out, err := runCLI(t, "--config", path, "config", "validate")
	require.NoError(t, err)
	assert.Equal(t, "ok\n", out)

	out, err = runCLI(t, "--config", path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "/usr/sbin/auditd")
	assert.Contains(t, out, "identity: path")

	bad := writeConfig(t, "protect: {programs: []}\n")
	_, err = runCLI(t, "--config", bad, "config", "validate")
	assert.ErrorContains(t, err, "at least one program")
}

func TestVersionFlag(t *testing.T) {
	out, err := runCLI(t, "--version")
	require.NoError(t, err)
	assert.Equal(t, "sigguard test\n", out)
}

func TestBuildEventQuery(t *testing.T) {
	q, err := buildEventQuery("signal_blocked, guard_installed", "DENY", "1h", "", 42, "%/sbin/%", "", 10, 5, "asc")
	require.NoError(t, err)
	assert.Equal(t, []string{"signal_blocked", "guard_installed"}, q.Types)
	require.NotNil(t, q.Decision)
	assert.Equal(t, types.DecisionDeny, *q.Decision)
	require.NotNil(t, q.Since)
	assert.WithinDuration(t, time.Now().Add(-time.Hour), *q.Since, time.Minute)
	assert.Nil(t, q.Until)
	assert.Equal(t, 42, q.PID)
	assert.Equal(t, 10, q.Limit)
	assert.Equal(t, 5, q.Offset)
	assert.True(t, q.Asc)

	_, err = buildEventQuery("", "maybe", "", "", 0, "", "", 0, 0, "")
	assert.Error(t, err)
	_, err = buildEventQuery("", "", "yesterday", "", 0, "", "", 0, 0, "")
	assert.Error(t, err)
}

func TestParseTimeOrAgo(t *testing.T) {
	got, err := parseTimeOrAgo("2026-01-02T03:04:05Z")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), got.UTC())
}

func TestEventsCommandQueriesSQLite(t *testing.T) {
	db := filepath.Join(t.TempDir(), "events.db")
	st, err := sqlite.Open(db)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, st.AppendEvent(ctx, types.Event{
		ID:        "e1",
		Timestamp: time.Now().Add(-time.Minute),
		Type:      "signal_blocked",
		PID:       100,
		SenderPID: 7,
		Signal:    9,
		SigName:   "SIGKILL",
		Path:      "/usr/sbin/auditd",
		Policy:    &types.PolicyInfo{Decision: types.DecisionDeny, Rule: guard.RuleProtectedProgram},
	}))
	require.NoError(t, st.AppendEvent(ctx, types.Event{
		ID:        "e2",
		Timestamp: time.Now(),
		Type:      "guard_installed",
	}))
	require.NoError(t, st.Close())

	out, err := runCLI(t, "events", "--db-path", db, "--decision", "deny")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "signal_blocked [deny] SIGKILL -> /usr/sbin/auditd pid=100 sender=7 rule=protected-program")

	out, err = runCLI(t, "events", "--db-path", db, "--json", "--type", "guard_installed")
	require.NoError(t, err)
	assert.Contains(t, out, `"id": "e2"`)
	assert.NotContains(t, out, `"id": "e1"`)
}

func TestWrapEnvStripsPlumbing(t *testing.T) {
	env := wrapEnv([]string{"PATH=/bin", wrapSockEnv + "=3", "HOME=/root"})
	assert.Equal(t, []string{"PATH=/bin", "HOME=/root"}, env)
}

func TestWrapSockFD(t *testing.T) {
	t.Setenv(wrapSockEnv, "")
	_, err := wrapSockFD()
	assert.Error(t, err)

	t.Setenv(wrapSockEnv, "1")
	_, err = wrapSockFD()
	assert.Error(t, err)

	t.Setenv(wrapSockEnv, "3")
	fd, err := wrapSockFD()
	require.NoError(t, err)
	assert.Equal(t, 3, fd)
}

func TestProtectedStatus(t *testing.T) {
	onDisk := filepath.Join(t.TempDir(), "daemon")
	require.NoError(t, os.WriteFile(onDisk, []byte("x"), 0o755))
	reg, err := guard.NewRegistry([]string{onDisk, "/nonexistent/sigguard-test"})
	require.NoError(t, err)

	out := protectedStatus(reg, []procpath.Resolved{
		{PID: 10, Path: onDisk},
		{PID: 11, Path: "/bin/sh"},
		{PID: 12, Path: onDisk},
	})
	require.Len(t, out, 2)
	assert.Equal(t, programStatus{Path: onDisk, OnDisk: true, Running: []int{10, 12}}, out[0])
	assert.Equal(t, programStatus{Path: "/nonexistent/sigguard-test", OnDisk: false, Running: []int{}}, out[1])
}

func TestExitCode(t *testing.T) {
	assert.NoError(t, exitCode(0))
	err := exitCode(3)
	var ee *ExitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 3, ee.Code())
	assert.Equal(t, "exit 3", ee.Error())
}

func TestAddBlockedCounts(t *testing.T) {
	db := filepath.Join(t.TempDir(), "events.db")
	out := []programStatus{{Path: "/usr/sbin/sshd"}, {Path: "/usr/sbin/auditd"}}

	require.NoError(t, addBlockedCounts(context.Background(), db, time.Now().Add(-time.Hour), out))
	assert.Zero(t, out[0].Blocked)
	_, err := os.Stat(db)
	assert.True(t, os.IsNotExist(err), "missing database must not be created")

	st, err := sqlite.Open(db)
	require.NoError(t, err)
	for _, id := range []string{"e1", "e2"} {
		require.NoError(t, st.AppendEvent(context.Background(), types.Event{
			ID: id, Type: "signal_blocked", Timestamp: time.Now(), Path: "/usr/sbin/sshd", ProtectedPath: "/usr/sbin/sshd",
		}))
	}
	require.NoError(t, st.AppendEvent(context.Background(), types.Event{
		ID: "base", Type: "signal_blocked", Timestamp: time.Now(), Path: "/usr/sbin/auditd",
	}))
	require.NoError(t, st.Close())

	require.NoError(t, addBlockedCounts(context.Background(), db, time.Now().Add(-time.Hour), out))
	assert.Equal(t, 2, out[0].Blocked)
	assert.Equal(t, 0, out[1].Blocked)
}

func TestPrintCheckResult(t *testing.T) {
	var b bytes.Buffer
	printCheckResult(&b, &checkResult{PID: 7, Path: "/usr/sbin/sshd", Signal: "SIGKILL", Rule: "protected-program", Protected: true}, false)
	assert.Equal(t, "deny SIGKILL -> /usr/sbin/sshd (pid 7) rule=protected-program [protected]\n", b.String())

	b.Reset()
	printCheckResult(&b, &checkResult{PID: 8, Path: "/bin/sleep", Signal: "SIGHUP", Allowed: true}, true)
	assert.Equal(t, ansiGreen+"allow"+ansiReset+" SIGHUP -> /bin/sleep (pid 8)\n", b.String())
	assert.False(t, isTerminal(&b))
}

func TestStreamEventsIncludesTeardown(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadFromBytes([]byte("protect: {programs: [/usr/sbin/auditd]}\naudit: {sqlite_path: " + filepath.Join(dir, "events.db") + "}\n"))
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := buildStack(context.Background(), cfg, logger, true)
	require.NoError(t, err)
	defer st.Close()

	var out bytes.Buffer
	stop := st.streamEvents(&out, 256)
	require.NoError(t, st.manager.Install())
	st.manager.Uninstall()
	st.record(events.EventSupervisorExited, 42, map[string]any{"exit_code": 0})
	stop()

	got := out.String()
	assert.Contains(t, got, `"guard_installed"`)
	assert.Contains(t, got, `"guard_uninstalled"`)
	assert.Contains(t, got, `"supervisor_exited"`)
}
