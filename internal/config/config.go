package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentsh/sigguard/internal/guard"
	"github.com/agentsh/sigguard/internal/procpath"
	"github.com/agentsh/sigguard/internal/signal"
	"gopkg.in/yaml.v3"
)

const (
	defaultDataDir     = "/var/lib/sigguard"
	defaultMetricsAddr = "127.0.0.1:9464"
)

type Config struct {
	Protect    ProtectConfig    `yaml:"protect"`
	BasePolicy BasePolicyConfig `yaml:"base_policy"`
	Logging    LoggingConfig    `yaml:"logging"`
	Audit      AuditConfig      `yaml:"audit"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
}

// ProtectConfig lists the programs that must not receive termination
// signals.
type ProtectConfig struct {
	Programs []string `yaml:"programs"`
	// Identity is "path" (default) or "inode".
	Identity string `yaml:"identity"`
	// Watch enables the fsnotify watch of protected binaries. Defaults to true.
	Watch *bool `yaml:"watch"`
}

// BasePolicyConfig is the signal policy the guard delegates to.
type BasePolicyConfig struct {
	Default string        `yaml:"default"`
	Rules   []signal.Rule `yaml:"rules"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// Output is an optional log file written in addition to stderr.
	Output string `yaml:"output"`
}

type AuditConfig struct {
	Enabled       *bool  `yaml:"enabled"`
	RecordAllowed bool   `yaml:"record_allowed"`
	QueueSize     int    `yaml:"queue_size"`
	SQLitePath    string `yaml:"sqlite_path"`
	// Retention drops sqlite events older than this duration at startup.
	// Empty keeps everything.
	Retention string          `yaml:"retention"`
	JSONL     AuditJSONL      `yaml:"jsonl"`
	OTEL      AuditOTELConfig `yaml:"otel"`
}

type AuditJSONL struct {
	Path    string `yaml:"path"`
	MaxSize string `yaml:"max_size"` // e.g. "100MB"
	// MaxBackups is the number of rotated files kept. Unset means 3; 0
	// truncates on rotation.
	MaxBackups *int `yaml:"max_backups"`
}

// Backups returns MaxBackups, 3 when unset.
func (j AuditJSONL) Backups() int {
	if j.MaxBackups == nil {
		return 3
	}
	return *j.MaxBackups
}

// MaxSizeMB converts MaxSize to whole mebibytes, at least 1.
func (j AuditJSONL) MaxSizeMB() int {
	n, err := ParseByteSize(j.MaxSize)
	if err != nil || n <= 0 {
		return 0
	}
	mb := int(n / (1024 * 1024))
	if mb < 1 {
		mb = 1
	}
	return mb
}

type AuditOTELConfig struct {
	Enabled       bool              `yaml:"enabled"`
	Endpoint      string            `yaml:"endpoint"`
	Protocol      string            `yaml:"protocol"` // grpc | http
	Insecure      bool              `yaml:"insecure"`
	TLSSkipVerify bool              `yaml:"tls_skip_verify"`
	Headers       map[string]string `yaml:"headers"`
	Timeout       string            `yaml:"timeout"`
	DeniedOnly    bool              `yaml:"denied_only"`
	IncludeTypes  []string          `yaml:"include_types"`
	ExcludeTypes  []string          `yaml:"exclude_types"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

type SupervisorConfig struct {
	// Workers is the number of goroutines answering signal notifications.
	Workers int `yaml:"workers"`
}

// AuditEnabled reports whether events are recorded at all.
func (c *Config) AuditEnabled() bool {
	return c.Audit.Enabled == nil || *c.Audit.Enabled
}

// WatchEnabled reports whether protected binaries are watched for changes.
func (c *Config) WatchEnabled() bool {
	return c.Protect.Watch == nil || *c.Protect.Watch
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromBytes loads configuration from bytes without applying environment
// overrides. This is intended for testing where env vars should not interfere.
func LoadFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Protect.Identity == "" {
		cfg.Protect.Identity = string(guard.IdentityPath)
	}
	if cfg.BasePolicy.Default == "" {
		cfg.BasePolicy.Default = string(signal.DecisionAllow)
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Audit.QueueSize <= 0 {
		cfg.Audit.QueueSize = 1024
	}
	if cfg.Audit.SQLitePath == "" {
		cfg.Audit.SQLitePath = filepath.Join(defaultDataDir, "events.db")
	}
	if cfg.Audit.JSONL.MaxSize == "" {
		cfg.Audit.JSONL.MaxSize = "100MB"
	}
	if cfg.Audit.JSONL.MaxBackups == nil {
		n := 3
		cfg.Audit.JSONL.MaxBackups = &n
	}
	if cfg.Audit.OTEL.Protocol == "" {
		cfg.Audit.OTEL.Protocol = "grpc"
	}
	if cfg.Audit.OTEL.Timeout == "" {
		cfg.Audit.OTEL.Timeout = "10s"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = defaultMetricsAddr
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Supervisor.Workers <= 0 {
		cfg.Supervisor.Workers = 4
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SIGGUARD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SIGGUARD_PROTECT"); v != "" {
		var progs []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				progs = append(progs, p)
			}
		}
		cfg.Protect.Programs = progs
	}
	if v := os.Getenv("SIGGUARD_DATA_DIR"); v != "" {
		cfg.Audit.SQLitePath = filepath.Join(v, "events.db")
	}
}

func validateConfig(cfg *Config) error {
	if len(cfg.Protect.Programs) == 0 {
		return fmt.Errorf("protect.programs must list at least one program")
	}
	if len(cfg.Protect.Programs) > guard.MaxPrograms {
		return fmt.Errorf("protect.programs lists %d programs, at most %d allowed", len(cfg.Protect.Programs), guard.MaxPrograms)
	}
	for _, p := range cfg.Protect.Programs {
		if !filepath.IsAbs(p) {
			return fmt.Errorf("protect.programs: %q is not an absolute path", p)
		}
	}
	switch guard.IdentityMode(cfg.Protect.Identity) {
	case guard.IdentityPath, guard.IdentityInode:
	default:
		return fmt.Errorf("invalid protect.identity %q", cfg.Protect.Identity)
	}
	if _, err := signal.NewPolicy(cfg.BasePolicy.Rules, cfg.BasePolicy.Default); err != nil {
		return fmt.Errorf("base_policy: %w", err)
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	if _, err := ParseByteSize(cfg.Audit.JSONL.MaxSize); err != nil {
		return fmt.Errorf("audit.jsonl.max_size: %w", err)
	}
	if cfg.Audit.Retention != "" {
		if d, err := time.ParseDuration(cfg.Audit.Retention); err != nil || d <= 0 {
			return fmt.Errorf("invalid audit.retention %q", cfg.Audit.Retention)
		}
	}
	if *cfg.Audit.JSONL.MaxBackups < 0 {
		return fmt.Errorf("audit.jsonl.max_backups must be >= 0")
	}
	switch cfg.Audit.OTEL.Protocol {
	case "grpc", "http":
	default:
		return fmt.Errorf("invalid audit.otel.protocol %q", cfg.Audit.OTEL.Protocol)
	}
	if cfg.Audit.OTEL.Enabled && cfg.Audit.OTEL.Endpoint == "" {
		return fmt.Errorf("audit.otel.endpoint is required when otel export is enabled")
	}
	if cfg.Supervisor.Workers > 64 {
		return fmt.Errorf("supervisor.workers must be <= 64")
	}
	return nil
}

// RetentionCutoff returns the oldest timestamp to keep, or false when
// retention is disabled.
func (c *Config) RetentionCutoff(now time.Time) (time.Time, bool) {
	d, err := time.ParseDuration(c.Audit.Retention)
	if c.Audit.Retention == "" || err != nil {
		return time.Time{}, false
	}
	return now.Add(-d), true
}

// BuildRegistry freezes the protected program list.
func (c *Config) BuildRegistry() (*guard.Registry, error) {
	var opts []guard.RegistryOption
	if guard.IdentityMode(c.Protect.Identity) == guard.IdentityInode {
		opts = append(opts, guard.WithInodeIdentity(procpath.FileIDOf))
	}
	return guard.NewRegistry(c.Protect.Programs, opts...)
}

// BuildBasePolicy compiles the base signal policy.
func (c *Config) BuildBasePolicy(opts ...signal.PolicyOption) (*signal.Policy, error) {
	return signal.NewPolicy(c.BasePolicy.Rules, c.BasePolicy.Default, opts...)
}
