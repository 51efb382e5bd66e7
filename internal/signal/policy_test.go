//go:build unix

package signal

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/agentsh/sigguard/internal/lsm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type stubTask struct {
	pid  int
	exe  string
	comm string
}

func (s stubTask) PID() int     { return s.pid }
func (s stubTask) Comm() string { return s.comm }
func (s stubTask) ReadExe(buf []byte) (int, bool) {
	if s.exe == "" {
		return 0, false
	}
	return copy(buf, s.exe), true
}

func TestNewPolicyExpandsSignals(t *testing.T) {
	p, err := NewPolicy([]Rule{{
		Name:     "mixed",
		Signals:  []string{"@reload", "SIGINT", "15"},
		Decision: "deny",
	}}, "")
	require.NoError(t, err)
	require.Equal(t, 1, p.Len())

	for _, sig := range []int{int(unix.SIGHUP), int(unix.SIGUSR1), int(unix.SIGUSR2), int(unix.SIGINT), 15} {
		_, ok := p.rules[0].signals[sig]
		assert.True(t, ok, "signal %d", sig)
	}
	assert.Equal(t, DecisionAllow, p.Default())
}

func TestNewPolicyErrors(t *testing.T) {
	tests := []struct {
		name  string
		rules []Rule
		def   string
	}{
		{"bad decision", []Rule{{Name: "x", Signals: []string{"SIGTERM"}, Decision: "redirect"}}, ""},
		{"bad signal", []Rule{{Name: "x", Signals: []string{"SIGNOPE"}, Decision: "deny"}}, ""},
		{"bad group", []Rule{{Name: "x", Signals: []string{"@nope"}, Decision: "deny"}}, ""},
		{"no signals", []Rule{{Name: "x", Decision: "deny"}}, ""},
		{"bad target", []Rule{{Name: "x", Signals: []string{"SIGTERM"}, Decision: "deny", Target: TargetSpec{Type: "session"}}}, ""},
		{"bad default", nil, "maybe"},
		{"audit default", nil, "audit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPolicy(tt.rules, tt.def)
			assert.Error(t, err)
		})
	}
}

func TestCheckFirstMatchWins(t *testing.T) {
	p, err := NewPolicy([]Rule{
		{Name: "allow-self", Signals: []string{"@all"}, Target: TargetSpec{Type: "self"}, Decision: "allow"},
		{Name: "deny-init", Signals: []string{"@fatal"}, Target: TargetSpec{Type: "system"}, Decision: "deny", Message: "leave init alone"},
		{Name: "deny-all-kill", Signals: []string{"SIGKILL"}, Decision: "deny"},
	}, "allow")
	require.NoError(t, err)

	d := p.Check(int(unix.SIGTERM), &TargetContext{SourcePID: 1, TargetPID: 1})
	assert.Equal(t, DecisionAllow, d.Action)
	assert.Equal(t, "allow-self", d.Rule)

	d = p.Check(int(unix.SIGTERM), &TargetContext{SourcePID: 50, TargetPID: 1})
	assert.Equal(t, DecisionDeny, d.Action)
	assert.Equal(t, "deny-init", d.Rule)
	assert.Equal(t, "leave init alone", d.Message)

	d = p.Check(int(unix.SIGKILL), &TargetContext{SourcePID: 50, TargetPID: 77})
	assert.Equal(t, "deny-all-kill", d.Rule)

	d = p.Check(int(unix.SIGUSR1), &TargetContext{SourcePID: 50, TargetPID: 77})
	assert.Equal(t, DecisionAllow, d.Action)
	assert.Empty(t, d.Rule)
}

func TestDefaultDeny(t *testing.T) {
	p, err := NewPolicy(nil, "deny")
	require.NoError(t, err)
	d := p.Check(int(unix.SIGHUP), &TargetContext{TargetPID: 10})
	assert.Equal(t, DecisionDeny, d.Action)
}

func TestPolicyTaskKill(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	p, err := NewPolicy([]Rule{
		{Name: "deny-children", Signals: []string{"SIGTERM"}, Target: TargetSpec{Type: "children"}, Decision: "deny"},
		{Name: "audit-sleep", Signals: []string{"@all"}, Target: TargetSpec{Type: "process", Pattern: "/usr/bin/sleep"}, Decision: "audit"},
	}, "", WithFacts(StaticFacts{IsChild: true}), WithPolicyLogger(logger))
	require.NoError(t, err)

	ctx := context.Background()
	v := p.TaskKill(ctx, &lsm.Request{
		Task:   stubTask{pid: 20, exe: "/bin/cat", comm: "cat"},
		Signal: int(unix.SIGTERM),
		Sender: lsm.Sender{PID: 10},
	})
	assert.False(t, v.Allowed)
	assert.ErrorIs(t, v.Error(), lsm.ErrPermissionDenied)
	assert.Equal(t, "deny-children", v.Rule)

	v = p.TaskKill(ctx, &lsm.Request{
		Task:   stubTask{pid: 21, exe: "/usr/bin/sleep", comm: "sleep"},
		Signal: int(unix.SIGHUP),
		Sender: lsm.Sender{PID: 10},
	})
	assert.True(t, v.Allowed)
	assert.Equal(t, "audit-sleep", v.Rule)
	assert.Contains(t, logs.String(), "base policy audit")
}

func TestPolicyRootTarget(t *testing.T) {
	rules := []Rule{{Name: "deny-term-root", Signals: []string{"SIGTERM"}, Target: TargetSpec{Type: "root"}, Decision: "deny"}}
	req := &lsm.Request{
		Task:   stubTask{pid: 30, exe: "/usr/sbin/crond", comm: "crond"},
		Signal: int(unix.SIGTERM),
		Sender: lsm.Sender{PID: 10},
	}

	p, err := NewPolicy(rules, "allow", WithFacts(StaticFacts{TargetIsRoot: true}))
	require.NoError(t, err)
	v := p.TaskKill(context.Background(), req)
	assert.False(t, v.Allowed)
	assert.Equal(t, "deny-term-root", v.Rule)

	p, err = NewPolicy(rules, "allow", WithFacts(StaticFacts{SameUser: true}))
	require.NoError(t, err)
	v = p.TaskKill(context.Background(), req)
	assert.True(t, v.Allowed)
	assert.Empty(t, v.Rule)
}

func TestPolicyIsUsableAsHook(t *testing.T) {
	p, err := NewPolicy(nil, "")
	require.NoError(t, err)
	_, ops := lsm.NewHost(lsm.NewHook("base", p))

	v := ops.TaskKill(context.Background(), &lsm.Request{Task: stubTask{pid: 1, comm: "init"}, Signal: 9})
	assert.True(t, v.Allowed)
}

func TestProcFactsParent(t *testing.T) {
	tc := TargetContext{SourcePID: os.Getpid(), TargetPID: os.Getppid()}
	ProcFacts{}.Fill(context.Background(), &tc)
	assert.True(t, tc.IsParent)
	assert.False(t, tc.IsChild)

	rev := TargetContext{SourcePID: os.Getppid(), TargetPID: os.Getpid()}
	ProcFacts{}.Fill(context.Background(), &rev)
	assert.True(t, rev.IsChild)
	assert.True(t, rev.IsDescendant)
}

func TestProcFactsIgnoresGroupTargets(t *testing.T) {
	tc := TargetContext{SourcePID: os.Getpid(), TargetPID: 0}
	ProcFacts{}.Fill(context.Background(), &tc)
	assert.False(t, tc.IsParent || tc.IsChild || tc.IsSibling || tc.IsDescendant)
}
