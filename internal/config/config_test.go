package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentsh/sigguard/internal/guard"
)

func TestLoad_ParsesFullConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(cfgPath, []byte(`
protect:
  programs: [/usr/sbin/auditd, /usr/sbin/sshd]
  identity: inode
  watch: false
base_policy:
  default: allow
  rules:
    - name: deny-system
      signals: ["@fatal"]
      target: {type: system}
      decision: deny
    - name: audit-sleep
      signals: [SIGHUP]
      target: {type: process, pattern: "/usr/bin/sleep*"}
      decision: audit
logging: {level: debug, format: json, output: "`+filepath.Join(dir, "sigguard.log")+`"}
audit:
  enabled: false
  record_allowed: true
  queue_size: 64
  sqlite_path: "`+filepath.Join(dir, "events.db")+`"
  retention: 720h
  jsonl: {path: "`+filepath.Join(dir, "events.jsonl")+`", max_size: 10MiB, max_backups: 2}
  otel:
    enabled: true
    endpoint: collector:4317
    protocol: http
    denied_only: true
    headers: {x-tenant: ops}
metrics: {enabled: true, addr: "127.0.0.1:0"}
supervisor: {workers: 8}
`), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Protect.Programs) != 2 || cfg.Protect.Programs[1] != "/usr/sbin/sshd" {
		t.Fatalf("protect.programs: got %v", cfg.Protect.Programs)
	}
	if cfg.Protect.Identity != "inode" {
		t.Fatalf("protect.identity: expected inode, got %q", cfg.Protect.Identity)
	}
	if cfg.WatchEnabled() {
		t.Fatalf("protect.watch: expected false")
	}
	if len(cfg.BasePolicy.Rules) != 2 || cfg.BasePolicy.Rules[1].Target.Pattern != "/usr/bin/sleep*" {
		t.Fatalf("base_policy.rules: got %+v", cfg.BasePolicy.Rules)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Fatalf("logging: got %+v", cfg.Logging)
	}
	if cfg.AuditEnabled() {
		t.Fatalf("audit.enabled: expected false")
	}
	if !cfg.Audit.RecordAllowed || cfg.Audit.QueueSize != 64 {
		t.Fatalf("audit: got %+v", cfg.Audit)
	}
	now := time.Now()
	if cut, ok := cfg.RetentionCutoff(now); !ok || !cut.Equal(now.Add(-720*time.Hour)) {
		t.Fatalf("audit.retention: got %v %v", cut, ok)
	}
	if got := cfg.Audit.JSONL.MaxSizeMB(); got != 10 {
		t.Fatalf("audit.jsonl.max_size: expected 10MB, got %d", got)
	}
	if cfg.Audit.OTEL.Protocol != "http" || !cfg.Audit.OTEL.DeniedOnly || cfg.Audit.OTEL.Headers["x-tenant"] != "ops" {
		t.Fatalf("audit.otel: got %+v", cfg.Audit.OTEL)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Path != "/metrics" {
		t.Fatalf("metrics: got %+v", cfg.Metrics)
	}
	if cfg.Supervisor.Workers != 8 {
		t.Fatalf("supervisor.workers: expected 8, got %d", cfg.Supervisor.Workers)
	}
}

func TestLoadFromBytes_Defaults(t *testing.T) {
	cfg, err := LoadFromBytes([]byte("protect: {programs: [/usr/sbin/auditd]}\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Protect.Identity != "path" {
		t.Fatalf("identity default: got %q", cfg.Protect.Identity)
	}
	if !cfg.WatchEnabled() || !cfg.AuditEnabled() {
		t.Fatalf("watch and audit should default to enabled")
	}
	if cfg.BasePolicy.Default != "allow" {
		t.Fatalf("base_policy.default: got %q", cfg.BasePolicy.Default)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Fatalf("logging defaults: got %+v", cfg.Logging)
	}
	if cfg.Audit.SQLitePath != "/var/lib/sigguard/events.db" {
		t.Fatalf("sqlite_path default: got %q", cfg.Audit.SQLitePath)
	}
	if cfg.Audit.QueueSize != 1024 || cfg.Audit.JSONL.Backups() != 3 {
		t.Fatalf("audit defaults: got %+v", cfg.Audit)
	}
	if _, ok := cfg.RetentionCutoff(time.Now()); ok {
		t.Fatalf("retention should default to disabled")
	}
	if cfg.Audit.OTEL.Protocol != "grpc" {
		t.Fatalf("otel protocol default: got %q", cfg.Audit.OTEL.Protocol)
	}
	if cfg.Metrics.Addr != "127.0.0.1:9464" {
		t.Fatalf("metrics addr default: got %q", cfg.Metrics.Addr)
	}
	if cfg.Supervisor.Workers != 4 {
		t.Fatalf("workers default: got %d", cfg.Supervisor.Workers)
	}
}

func TestLoadFromBytes_Invalid(t *testing.T) {
	tooMany := make([]string, guard.MaxPrograms+1)
	for i := range tooMany {
		tooMany[i] = "/bin/p" + string(rune('a'+i))
	}

	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"no programs", "logging: {level: info}\n", "at least one program"},
		{"too many", "protect: {programs: [" + strings.Join(tooMany, ",") + "]}\n", "at most"},
		{"relative", "protect: {programs: [sshd]}\n", "absolute"},
		{"identity", "protect: {programs: [/bin/a], identity: hash}\n", "protect.identity"},
		{"policy default", "protect: {programs: [/bin/a]}\nbase_policy: {default: audit}\n", "base_policy"},
		{"policy rule", "protect: {programs: [/bin/a]}\nbase_policy: {rules: [{name: r, signals: [SIGNOPE], decision: deny}]}\n", "rule r"},
		{"log level", "protect: {programs: [/bin/a]}\nlogging: {level: loud}\n", "logging.level"},
		{"log format", "protect: {programs: [/bin/a]}\nlogging: {format: xml}\n", "logging.format"},
		{"jsonl size", "protect: {programs: [/bin/a]}\naudit: {jsonl: {max_size: huge}}\n", "max_size"},
		{"otel protocol", "protect: {programs: [/bin/a]}\naudit: {otel: {protocol: udp}}\n", "protocol"},
		{"otel endpoint", "protect: {programs: [/bin/a]}\naudit: {otel: {enabled: true}}\n", "endpoint"},
		{"retention", "protect: {programs: [/bin/a]}\naudit: {retention: forever}\n", "retention"},
		{"workers", "protect: {programs: [/bin/a]}\nsupervisor: {workers: 500}\n", "workers"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tt.yaml))
			if err == nil {
				t.Fatalf("expected error containing %q", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadFromBytes_NoJSONLBackups(t *testing.T) {
	cfg, err := LoadFromBytes([]byte("protect: {programs: [/bin/a]}\naudit: {jsonl: {path: /tmp/e.jsonl, max_backups: 0}}\n"))
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.Audit.JSONL.Backups(); got != 0 {
		t.Fatalf("max_backups: expected explicit 0 to be kept, got %d", got)
	}
	if _, err := LoadFromBytes([]byte("protect: {programs: [/bin/a]}\naudit: {jsonl: {max_backups: -1}}\n")); err == nil {
		t.Fatal("expected negative max_backups to be rejected")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(cfgPath, []byte("protect: {programs: [/usr/sbin/auditd]}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SIGGUARD_LOG_LEVEL", "warn")
	t.Setenv("SIGGUARD_PROTECT", "/usr/sbin/sshd, /usr/sbin/crond,")
	t.Setenv("SIGGUARD_DATA_DIR", dir)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("level: got %q", cfg.Logging.Level)
	}
	if len(cfg.Protect.Programs) != 2 || cfg.Protect.Programs[0] != "/usr/sbin/sshd" || cfg.Protect.Programs[1] != "/usr/sbin/crond" {
		t.Fatalf("programs: got %v", cfg.Protect.Programs)
	}
	if cfg.Audit.SQLitePath != filepath.Join(dir, "events.db") {
		t.Fatalf("sqlite_path: got %q", cfg.Audit.SQLitePath)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yml")); err == nil {
		t.Fatal("expected error")
	}
}

func TestBuildRegistryAndPolicy(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(`
protect: {programs: [/usr/sbin/auditd]}
base_policy:
  rules:
    - {name: deny-term, signals: [SIGTERM], decision: deny}
`))
	if err != nil {
		t.Fatal(err)
	}
	reg, err := cfg.BuildRegistry()
	if err != nil {
		t.Fatal(err)
	}
	if !reg.IsProtected("/usr/sbin/auditd") || reg.Mode() != guard.IdentityPath {
		t.Fatalf("registry: got paths=%v mode=%s", reg.Paths(), reg.Mode())
	}
	pol, err := cfg.BuildBasePolicy()
	if err != nil {
		t.Fatal(err)
	}
	if pol.Len() != 1 {
		t.Fatalf("policy rules: got %d", pol.Len())
	}
}

func TestParseByteSize(t *testing.T) {
	tests := map[string]int64{
		"10":     10,
		"1KB":    1000,
		"1kib":   1024,
		"5MiB":   5 * 1024 * 1024,
		"2GB":    2 * 1000 * 1000 * 1000,
		"1_000":  1000,
		" 3MB  ": 3 * 1000 * 1000,
	}
	for in, want := range tests {
		got, err := ParseByteSize(in)
		if err != nil {
			t.Fatalf("%q: %v", in, err)
		}
		if got != want {
			t.Fatalf("%q: expected %d, got %d", in, want, got)
		}
	}
	for _, bad := range []string{"", "MB", "-1", "x"} {
		if _, err := ParseByteSize(bad); err == nil {
			t.Fatalf("%q: expected error", bad)
		}
	}
}
