// Package config provides the Server's ambient configuration: listen
// address, audit sink tuning, dev-mode flags, and metrics exposure. This is
// distinct from the policy file (internal/adapter/outbound/policyfile),
// which has its own strict, unknown-field-rejecting loader per spec.md §6 —
// viper's permissive unmarshal is a fine fit for ambient ops config, but
// not for a policy document where an unrecognized field must fail startup.
package config

import (
	"os"

	"github.com/spf13/viper"
)

// ServerConfig is the Server's ambient operating configuration.
type ServerConfig struct {
	// Listen is the address the framed-channel listener binds (host:port).
	// Overridable by the --listen flag, which always wins over the file.
	Listen string `yaml:"listen" mapstructure:"listen" validate:"omitempty,hostname_port"`

	// PolicyFile is the path to the strict policy YAML (§6). Overridable by
	// --policy or CARAPACE_POLICY_FILE.
	PolicyFile string `yaml:"policy_file" mapstructure:"policy_file"`

	// LogLevel sets the minimum log level: debug, info, warn, error.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// DevMode enables verbose logging and full-rate trace sampling; the
	// stdout OTel exporters run in either mode.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`

	// MaxFrameBytes bounds the codec's accepted frame size (§4.1). Zero uses
	// codec.DefaultMaxFrameSize.
	MaxFrameBytes int `yaml:"max_frame_bytes" mapstructure:"max_frame_bytes" validate:"omitempty,min=1"`

	// CaptureCapBytes bounds the CLI dispatcher's per-stream stdout/stderr
	// capture (§5). Zero uses cli.DefaultCaptureCap.
	CaptureCapBytes int `yaml:"capture_cap_bytes" mapstructure:"capture_cap_bytes" validate:"omitempty,min=1"`

	// Audit configures the async priority-queue sink in front of the
	// audit-of-record store.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// AuditFile configures the JSON-Lines file store itself (rotation,
	// retention, in-memory cache).
	AuditFile AuditFileConfig `yaml:"audit_file" mapstructure:"audit_file"`

	// SqliteAudit optionally enables the queryable audit index alongside
	// the append-only file store.
	SqliteAudit SqliteAuditConfig `yaml:"sqlite_audit" mapstructure:"sqlite_audit"`

	// Metrics configures the Prometheus/OTel metrics endpoint.
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
}

// AuditConfig configures the async priority-queue sink (internal/service's
// AuditService) that sits in front of the audit-of-record Store.
type AuditConfig struct {
	// ChannelSize is the combined high+low priority channel capacity.
	// Defaults to 1000.
	ChannelSize int `yaml:"channel_size" mapstructure:"channel_size" validate:"omitempty,min=2"`

	// BatchSize is the number of records batched per write. Defaults to 100.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1"`

	// FlushInterval is how often pending records are flushed (e.g. "1s").
	// Defaults to "1s".
	FlushInterval string `yaml:"flush_interval" mapstructure:"flush_interval" validate:"omitempty"`

	// SendTimeout bounds how long Record blocks on a full channel before
	// dropping (e.g. "100ms"). "0" drops immediately. Defaults to "100ms".
	SendTimeout string `yaml:"send_timeout" mapstructure:"send_timeout" validate:"omitempty"`

	// WarningThreshold is the 0-100 channel-depth percentage above which a
	// rate-limited warning is logged. Defaults to 80.
	WarningThreshold int `yaml:"warning_threshold" mapstructure:"warning_threshold" validate:"omitempty,min=0,max=100"`
}

// AuditFileConfig configures the JSON-Lines audit-of-record store.
type AuditFileConfig struct {
	// Dir is the directory audit files are written to. Defaults to
	// "/var/log/carapace".
	Dir string `yaml:"dir" mapstructure:"dir"`

	// RetentionDays is how many days of audit files to keep. Defaults to 7.
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days" validate:"omitempty,min=1"`

	// MaxFileSizeMB is the per-file rotation threshold. Defaults to 100.
	MaxFileSizeMB int `yaml:"max_file_size_mb" mapstructure:"max_file_size_mb" validate:"omitempty,min=1"`

	// CacheSize is the in-memory ring-buffer depth for recent-records
	// queries. Defaults to 1000.
	CacheSize int `yaml:"cache_size" mapstructure:"cache_size" validate:"omitempty,min=1"`
}

// SqliteAuditConfig configures the optional queryable audit index.
type SqliteAuditConfig struct {
	// Enabled turns the SQLite query store on. Disabled by default: the
	// JSON-Lines file store is the audit-of-record regardless.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Path is the SQLite database file path. Defaults to
	// "<audit_file.dir>/audit-index.db".
	Path string `yaml:"path" mapstructure:"path"`
}

// MetricsConfig configures the Prometheus/OTel metrics HTTP endpoint.
type MetricsConfig struct {
	// Enabled turns the metrics endpoint on. Defaults to true.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Addr is the metrics listener address. Defaults to "127.0.0.1:9090".
	Addr string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`
}

// SetDevDefaults applies permissive defaults for local development. Applied
// before validation so a minimal config (or none) can still start.
func (c *ServerConfig) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	if c.LogLevel == "" {
		c.LogLevel = "debug"
	}
}

// SetDefaults applies sensible default values to the configuration.
func (c *ServerConfig) SetDefaults() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:7420"
	}
	if c.PolicyFile == "" {
		c.PolicyFile = "./carapace-policy.yaml"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.MaxFrameBytes == 0 {
		c.MaxFrameBytes = 16 * 1024 * 1024
	}
	if c.CaptureCapBytes == 0 {
		c.CaptureCapBytes = 8 * 1024 * 1024
	}

	if c.Audit.ChannelSize == 0 {
		c.Audit.ChannelSize = 1000
	}
	if c.Audit.BatchSize == 0 {
		c.Audit.BatchSize = 100
	}
	if c.Audit.FlushInterval == "" {
		c.Audit.FlushInterval = "1s"
	}
	if c.Audit.SendTimeout == "" {
		c.Audit.SendTimeout = "100ms"
	}
	if c.Audit.WarningThreshold == 0 {
		c.Audit.WarningThreshold = 80
	}

	if c.AuditFile.Dir == "" {
		c.AuditFile.Dir = "/var/log/carapace"
	}
	if c.AuditFile.RetentionDays == 0 {
		c.AuditFile.RetentionDays = 7
	}
	if c.AuditFile.MaxFileSizeMB == 0 {
		c.AuditFile.MaxFileSizeMB = 100
	}
	if c.AuditFile.CacheSize == 0 {
		c.AuditFile.CacheSize = 1000
	}

	if c.SqliteAudit.Enabled && c.SqliteAudit.Path == "" {
		c.SqliteAudit.Path = c.AuditFile.Dir + "/audit-index.db"
	}

	// Metrics default to enabled unless the user explicitly disabled them
	// in YAML/env; viper.IsSet distinguishes "unset" from "explicit false".
	if !viper.IsSet("metrics.enabled") {
		c.Metrics.Enabled = true
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = "127.0.0.1:9090"
	}
}

// AgentConfig is the Agent's configuration, sourced primarily from the
// environment variables spec.md §6 names rather than a YAML file: the
// Agent is meant to run unattended inside the untrusted workload with no
// local config file to manage.
type AgentConfig struct {
	// ServerHost / ServerPort address the trusted Server's framed listener.
	// CARAPACE_SERVER_HOST / CARAPACE_SERVER_PORT.
	ServerHost string `mapstructure:"server_host" validate:"required"`
	ServerPort int    `mapstructure:"server_port" validate:"required,min=1,max=65535"`

	// CliSocket is the local Unix socket path the shim's CliRequests arrive
	// on. CARAPACE_CLI_SOCKET.
	CliSocket string `mapstructure:"cli_socket" validate:"required"`

	// HTTPListenAddr is the local HTTP listener address. CARAPACE_HTTP_PORT
	// (host defaults to 127.0.0.1) or CARAPACE_HTTP_LISTEN_ADDR directly.
	HTTPListenAddr string `mapstructure:"http_listen_addr" validate:"required,hostname_port"`

	LogLevel string `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
	DevMode  bool   `mapstructure:"dev_mode"`
}

// SetDefaults applies sensible default values for fields the environment
// does not set.
func (c *AgentConfig) SetDefaults() {
	if c.ServerHost == "" {
		c.ServerHost = "127.0.0.1"
	}
	if c.ServerPort == 0 {
		c.ServerPort = 7420
	}
	if c.CliSocket == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.CliSocket = home + "/.carapace/agent.sock"
		} else {
			c.CliSocket = "/tmp/carapace-agent.sock"
		}
	}
	if c.HTTPListenAddr == "" {
		c.HTTPListenAddr = "127.0.0.1:7421"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}
