package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.etcd.io/etcd/client/pkg/v3/transport"
	"gopkg.in/yaml.v3"

	"github.com/ocf/strand/pkg/observability"
)

const DefaultConfigPath = "/etc/strand/config.yaml"

const (
	APIVersion = "v1alpha1"
	Kind       = "StrandConfig"

	BackendKubernetes = "kubernetes"
	BackendEtcd       = "etcd"
)

// Config represents the runtime configuration for the lock server.
type Config struct {
	APIVersion             string              `yaml:"api_version"`
	Kind                   string              `yaml:"kind"`
	Listen                 string              `yaml:"listen"`
	RequireFleetLockHeader *bool               `yaml:"require_fleetlock_header"`
	Lock                   LockConfig          `yaml:"lock"`
	Backend                BackendConfig       `yaml:"backend"`
	Strategies             StrategiesConfig    `yaml:"strategies"`
	Windows                WindowsConfig       `yaml:"windows"`
	MinRebootIntervalSec   int                 `yaml:"min_reboot_interval_sec"`
	HealthRecords          HealthRecordsConfig `yaml:"health_records"`
	Metrics                MetricsConfig       `yaml:"metrics"`
	LogLevel               string              `yaml:"log_level"`
}

// LockConfig names the lease backing the reboot lock.
type LockConfig struct {
	Name      string `yaml:"name"`
	Namespace string `yaml:"namespace"`
}

// BackendConfig selects where leases and auxiliary records are stored.
type BackendConfig struct {
	Type           string         `yaml:"type"`
	Kubeconfig     string         `yaml:"kubeconfig"`
	EtcdEndpoints  []string       `yaml:"etcd_endpoints"`
	EtcdNamespace  string         `yaml:"etcd_namespace"`
	EtcdTLS        *EtcdTLSConfig `yaml:"etcd_tls"`
	DialTimeoutSec int            `yaml:"dial_timeout_sec"`
}

// EtcdTLSConfig configures optional TLS settings for connecting to etcd.
type EtcdTLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	Insecure bool   `yaml:"insecure_skip_verify"`
}

// StrategiesConfig lists the strategies registered at startup.
type StrategiesConfig struct {
	// CommandTimeoutSec bounds every command run by the ceph and hook strategies.
	CommandTimeoutSec int          `yaml:"command_timeout_sec"`
	Drain             DrainConfig  `yaml:"drain"`
	Ceph              CephConfig   `yaml:"ceph"`
	Hooks             []HookConfig `yaml:"hooks"`
}

// PriorityConfig sets a strategy's ordering. On drain and ceph an omitted
// priority block keeps the built-in defaults; a present block is used as
// written, zero values included.
type PriorityConfig struct {
	Pre  uint64 `yaml:"pre"`
	Post uint64 `yaml:"post"`
}

// DrainConfig enables the Kubernetes node drain strategy.
type DrainConfig struct {
	Enabled         bool            `yaml:"enabled"`
	Priority        *PriorityConfig `yaml:"priority"`
	PollIntervalSec int             `yaml:"poll_interval_sec"`
	TimeoutSec      int             `yaml:"timeout_sec"`
}

// CephConfig enables the ceph noout strategy.
type CephConfig struct {
	Enabled         bool            `yaml:"enabled"`
	Binary          string          `yaml:"binary"`
	Args            []string        `yaml:"args"`
	Priority        *PriorityConfig `yaml:"priority"`
	PollIntervalSec int             `yaml:"poll_interval_sec"`
	TimeoutSec      int             `yaml:"timeout_sec"`
}

// HookConfig describes an operator-defined command strategy.
type HookConfig struct {
	Name            string         `yaml:"name"`
	PreReboot       []string       `yaml:"pre_reboot"`
	PostReboot      []string       `yaml:"post_reboot"`
	OnTimeout       []string       `yaml:"on_timeout"`
	Priority        PriorityConfig `yaml:"priority"`
	PollIntervalSec int            `yaml:"poll_interval_sec"`
	TimeoutSec      int            `yaml:"timeout_sec"`
}

// WindowsConfig enumerates optional allow/deny reboot windows.
type WindowsConfig struct {
	Deny  []WindowConfig `yaml:"deny"`
	Allow []WindowConfig `yaml:"allow"`
}

// WindowConfig opens a window at every cron schedule match for DurationSec.
type WindowConfig struct {
	Schedule    string `yaml:"schedule"`
	DurationSec int    `yaml:"duration_sec"`
}

// HealthRecordsConfig enables per-node health records in etcd.
type HealthRecordsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Prefix  string `yaml:"prefix"`
}

// MetricsConfig defines observability exposure options.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// ValidationError aggregates multiple configuration validation failures.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Is(target error) bool {
	var other *ValidationError
	return errors.As(target, &other)
}

// Load reads, parses, and validates a configuration from disk.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return decode(f)
}

func decode(r io.Reader) (*Config, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var cfg Config
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks for semantic correctness in the configuration.
func (c *Config) Validate() error {
	problems := make([]string, 0)

	if c.APIVersion != APIVersion {
		problems = append(problems, fmt.Sprintf("api_version %q is not supported (want %s)", c.APIVersion, APIVersion))
	}
	if c.Kind != Kind {
		problems = append(problems, fmt.Sprintf("kind %q is not supported (want %s)", c.Kind, Kind))
	}
	if strings.TrimSpace(c.Listen) == "" {
		problems = append(problems, "listen is required")
	}
	if strings.TrimSpace(c.Lock.Name) == "" {
		problems = append(problems, "lock.name is required")
	}
	if strings.TrimSpace(c.Lock.Namespace) == "" {
		problems = append(problems, "lock.namespace is required")
	}

	problems = append(problems, c.Backend.validate()...)
	problems = append(problems, c.Strategies.validate()...)
	problems = append(problems, c.Windows.validate()...)

	if c.MinRebootIntervalSec < 0 {
		problems = append(problems, "min_reboot_interval_sec must be non-negative")
	}
	if c.HealthRecords.Enabled && c.Backend.Type != BackendEtcd {
		problems = append(problems, "health_records requires the etcd backend")
	}
	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Listen) == "" {
		problems = append(problems, "metrics.listen must be set when metrics.enabled is true")
	}
	if _, err := observability.ParseLevel(c.LogLevel); err != nil {
		problems = append(problems, fmt.Sprintf("log_level: %v", err))
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.APIVersion == "" {
		c.APIVersion = APIVersion
	}
	if c.Kind == "" {
		c.Kind = Kind
	}
	if c.Listen == "" {
		c.Listen = "0.0.0.0:3000"
	}
	if c.RequireFleetLockHeader == nil {
		require := true
		c.RequireFleetLockHeader = &require
	}
	if strings.TrimSpace(c.Lock.Name) == "" {
		c.Lock.Name = "zincati-strand-lock"
	}
	if strings.TrimSpace(c.Lock.Namespace) == "" {
		c.Lock.Namespace = "strand"
	}
	if c.Backend.Type == "" {
		c.Backend.Type = BackendKubernetes
	}
	if c.Backend.EtcdNamespace == "" {
		c.Backend.EtcdNamespace = "/strand"
	}
	if c.Backend.DialTimeoutSec == 0 {
		c.Backend.DialTimeoutSec = 5
	}
	if c.Strategies.CommandTimeoutSec == 0 {
		c.Strategies.CommandTimeoutSec = 60
	}
	if c.HealthRecords.Prefix == "" {
		c.HealthRecords.Prefix = "cluster_health"
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9090"
	}
	if c.LogLevel == "" {
		c.LogLevel = string(observability.LevelInfo)
	}
}

func (b BackendConfig) validate() []string {
	problems := make([]string, 0)
	switch b.Type {
	case BackendKubernetes:
	case BackendEtcd:
		if len(b.EtcdEndpoints) == 0 {
			problems = append(problems, "backend.etcd_endpoints must contain at least one endpoint")
		}
	default:
		problems = append(problems, fmt.Sprintf("backend.type %q is not supported", b.Type))
	}
	if b.DialTimeoutSec < 0 {
		problems = append(problems, "backend.dial_timeout_sec must be non-negative")
	}
	if b.EtcdTLS != nil && b.EtcdTLS.Enabled {
		if strings.TrimSpace(b.EtcdTLS.CAFile) == "" {
			problems = append(problems, "backend.etcd_tls.ca_file is required when TLS is enabled")
		}
		if strings.TrimSpace(b.EtcdTLS.CertFile) == "" {
			problems = append(problems, "backend.etcd_tls.cert_file is required when TLS is enabled")
		}
		if strings.TrimSpace(b.EtcdTLS.KeyFile) == "" {
			problems = append(problems, "backend.etcd_tls.key_file is required when TLS is enabled")
		}
	}
	return problems
}

func (s StrategiesConfig) validate() []string {
	problems := make([]string, 0)
	if s.CommandTimeoutSec < 0 {
		problems = append(problems, "strategies.command_timeout_sec must be non-negative")
	}
	problems = append(problems, intervalProblems("strategies.drain", s.Drain.PollIntervalSec, s.Drain.TimeoutSec)...)
	problems = append(problems, intervalProblems("strategies.ceph", s.Ceph.PollIntervalSec, s.Ceph.TimeoutSec)...)

	seen := map[string]bool{}
	if s.Drain.Enabled {
		seen["drain"] = true
	}
	if s.Ceph.Enabled {
		seen["ceph"] = true
	}
	for i, hook := range s.Hooks {
		prefix := fmt.Sprintf("strategies.hooks[%d]", i)
		name := strings.TrimSpace(hook.Name)
		switch {
		case name == "":
			problems = append(problems, prefix+": name is required")
		case seen[name]:
			problems = append(problems, fmt.Sprintf("%s: duplicate strategy name %q", prefix, name))
		default:
			seen[name] = true
		}
		if len(hook.PreReboot) == 0 && len(hook.PostReboot) == 0 && len(hook.OnTimeout) == 0 {
			problems = append(problems, prefix+": at least one of pre_reboot, post_reboot or on_timeout is required")
		}
		problems = append(problems, intervalProblems(prefix, hook.PollIntervalSec, hook.TimeoutSec)...)
	}
	return problems
}

func intervalProblems(prefix string, poll, timeout int) []string {
	var problems []string
	if poll < 0 {
		problems = append(problems, prefix+".poll_interval_sec must be non-negative")
	}
	if timeout < 0 {
		problems = append(problems, prefix+".timeout_sec must be non-negative")
	}
	return problems
}

func (w WindowsConfig) validate() []string {
	problems := make([]string, 0)
	check := func(kind string, windows []WindowConfig) {
		for i, win := range windows {
			prefix := fmt.Sprintf("windows.%s[%d]", kind, i)
			if strings.TrimSpace(win.Schedule) == "" {
				problems = append(problems, prefix+": schedule is required")
			} else if _, err := cron.ParseStandard(win.Schedule); err != nil {
				problems = append(problems, fmt.Sprintf("%s: invalid schedule %q: %v", prefix, win.Schedule, err))
			}
			if win.DurationSec <= 0 {
				problems = append(problems, prefix+": duration_sec must be greater than zero")
			}
		}
	}
	check("allow", w.Allow)
	check("deny", w.Deny)
	return problems
}

// RequireHeader reports whether the fleet-lock-protocol header is enforced.
func (c *Config) RequireHeader() bool {
	return c.RequireFleetLockHeader == nil || *c.RequireFleetLockHeader
}

// DialTimeout returns the backend dial timeout as a duration.
func (c *Config) DialTimeout() time.Duration {
	return time.Duration(c.Backend.DialTimeoutSec) * time.Second
}

// CommandTimeout returns the per-command limit for strategy commands.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.Strategies.CommandTimeoutSec) * time.Second
}

// RebootCooldownInterval returns the configured minimum spacing between successful reboots.
func (c *Config) RebootCooldownInterval() time.Duration {
	if c == nil {
		return 0
	}
	return time.Duration(c.MinRebootIntervalSec) * time.Second
}

// Level returns the parsed log level.
func (c *Config) Level() observability.Level {
	level, err := observability.ParseLevel(c.LogLevel)
	if err != nil {
		return observability.LevelInfo
	}
	return level
}

// Duration converts a window's duration_sec.
func (w WindowConfig) Duration() time.Duration {
	return time.Duration(w.DurationSec) * time.Second
}

// PollInterval converts poll_interval_sec. Zero keeps the strategy default.
func (d DrainConfig) PollInterval() time.Duration {
	return time.Duration(d.PollIntervalSec) * time.Second
}

// Timeout converts timeout_sec. Zero keeps the strategy default.
func (d DrainConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutSec) * time.Second
}

func (c CephConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

func (c CephConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

func (h HookConfig) PollInterval() time.Duration {
	return time.Duration(h.PollIntervalSec) * time.Second
}

func (h HookConfig) Timeout() time.Duration {
	return time.Duration(h.TimeoutSec) * time.Second
}

// TLSConfig builds the client TLS configuration for etcd, or nil when TLS is
// disabled.
func (t *EtcdTLSConfig) TLSConfig() (*tls.Config, error) {
	if t == nil || !t.Enabled {
		return nil, nil
	}
	info := transport.TLSInfo{
		CertFile:           t.CertFile,
		KeyFile:            t.KeyFile,
		TrustedCAFile:      t.CAFile,
		InsecureSkipVerify: t.Insecure,
	}
	cfg, err := info.ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("load etcd tls material: %w", err)
	}
	return cfg, nil
}
