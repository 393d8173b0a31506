package config

import (
	"fmt"
	"net"
	"strings"
	"text/template"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds all application configuration.
type Config struct {
	// Action listener
	ListenAddr string   `koanf:"listen_addr"`
	IgnoreIPs  []string `koanf:"ignore_ips"`

	// Enforcement
	EnforcerMode        string        `koanf:"enforcer_mode"`
	IPSetBinary         string        `koanf:"ipset_binary"`
	IPSetSudo           bool          `koanf:"ipset_sudo"`
	IPSetNameTemplate   string        `koanf:"ipset_name_template"`
	IPSetEnableIPv6     bool          `koanf:"ipset_enable_ipv6"`
	EnforcerTimeout     time.Duration `koanf:"enforcer_timeout"`
	EnforcerConcurrency int           `koanf:"enforcer_concurrency"`

	// Reconciliation
	TickInterval     time.Duration `koanf:"tick_interval"`
	ReconcileOnStart bool          `koanf:"reconcile_on_start"`

	// Storage
	DataDir              string `koanf:"data_dir"`
	PersistDegradedAfter int    `koanf:"persist_degraded_after"`

	// Operational
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	LogLevel        string        `koanf:"log_level"`
	LogFormat       string        `koanf:"log_format"`
	MonitorEnabled  bool          `koanf:"monitor_enabled"`
	MonitorAddr     string        `koanf:"monitor_addr"`
	MetricsEnabled  bool          `koanf:"metrics_enabled"`
	MetricsAddr     string        `koanf:"metrics_addr"`
	JanitorInterval time.Duration `koanf:"janitor_interval"`
}

// Enforcer modes.
const (
	EnforcerIPSet  = "ipset"
	EnforcerDryRun = "dryrun"
)

// sanitise removes a single layer of matching surrounding quotes from all string
// fields and string slice elements. This normalises values from Docker --env-file
// which does not strip shell quoting.
func (c *Config) sanitise() {
	c.ListenAddr = stripEnvQuotes(c.ListenAddr)
	c.EnforcerMode = stripEnvQuotes(c.EnforcerMode)
	c.IPSetBinary = stripEnvQuotes(c.IPSetBinary)
	c.IPSetNameTemplate = stripEnvQuotes(c.IPSetNameTemplate)
	c.DataDir = stripEnvQuotes(c.DataDir)
	c.LogLevel = stripEnvQuotes(c.LogLevel)
	c.LogFormat = stripEnvQuotes(c.LogFormat)
	c.MonitorAddr = stripEnvQuotes(c.MonitorAddr)
	c.MetricsAddr = stripEnvQuotes(c.MetricsAddr)

	for i, s := range c.IgnoreIPs {
		c.IgnoreIPs[i] = stripEnvQuotes(s)
	}
}

// defaults sets sensible default values.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"listen_addr":            "127.0.0.1:9000",
		"enforcer_mode":          EnforcerIPSet,
		"ipset_binary":           "ipset",
		"ipset_sudo":             false,
		"ipset_name_template":    `{{.Jail}}{{if eq .Family "v6"}}-v6{{end}}`,
		"ipset_enable_ipv6":      true,
		"enforcer_timeout":       "5s",
		"enforcer_concurrency":   4,
		"tick_interval":          "1s",
		"reconcile_on_start":     true,
		"data_dir":               "/var/lib/actionban",
		"persist_degraded_after": 5,
		"shutdown_timeout":       "3s",
		"log_level":              "info",
		"log_format":             "json",
		"monitor_enabled":        true,
		"monitor_addr":           "127.0.0.1:3855",
		"metrics_enabled":        true,
		"metrics_addr":           ":9090",
		"janitor_interval":       "1m",
	}
}

// stripEnvQuotes removes a single layer of matching surrounding single or double
// quotes from s. Only symmetric pairs are stripped: 'x' becomes x, "x" becomes x.
// Unpaired or mismatched quotes are left as-is.
func stripEnvQuotes(s string) string {
	if len(s) < 2 {
		return s
	}
	if (s[0] == '\'' && s[len(s)-1] == '\'') ||
		(s[0] == '"' && s[len(s)-1] == '"') {
		return s[1 : len(s)-1]
	}
	return s
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// "." keeps LISTEN_ADDR as the flat key "listen_addr".
	k := koanf.New(".")

	if err := k.Load(&rawProvider{data: defaults()}, nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(s)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Comma-separated lists are not split by koanf.
	cfg.IgnoreIPs = splitCSV(k.String("ignore_ips"))

	cfg.sanitise()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks semantic constraints.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("LISTEN_ADDR is required")
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("LISTEN_ADDR must be host:port; got %q", c.ListenAddr)
	}

	if c.EnforcerMode != EnforcerIPSet && c.EnforcerMode != EnforcerDryRun {
		return fmt.Errorf("ENFORCER_MODE must be ipset or dryrun; got %q", c.EnforcerMode)
	}
	if c.EnforcerMode == EnforcerIPSet && c.IPSetBinary == "" {
		return fmt.Errorf("IPSET_BINARY is required in ipset mode")
	}
	if _, err := template.New("").Parse(c.IPSetNameTemplate); err != nil {
		return fmt.Errorf("IPSET_NAME_TEMPLATE is invalid Go template: %w", err)
	}

	if c.EnforcerTimeout <= 0 {
		return fmt.Errorf("ENFORCER_TIMEOUT must be > 0; got %s", c.EnforcerTimeout)
	}
	if c.EnforcerConcurrency < 1 || c.EnforcerConcurrency > 64 {
		return fmt.Errorf("ENFORCER_CONCURRENCY must be 1-64; got %d", c.EnforcerConcurrency)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("TICK_INTERVAL must be > 0; got %s", c.TickInterval)
	}
	if c.PersistDegradedAfter < 0 {
		return fmt.Errorf("PERSIST_DEGRADED_AFTER must be >= 0; got %d", c.PersistDegradedAfter)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must be > 0; got %s", c.ShutdownTimeout)
	}
	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR is required")
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of trace,debug,info,warn,error,fatal,panic; got %q", c.LogLevel)
	}

	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text; got %q", c.LogFormat)
	}

	for _, entry := range c.IgnoreIPs {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			if _, _, err := net.ParseCIDR(entry); err != nil {
				return fmt.Errorf("IGNORE_IPS: invalid CIDR %q: %w", entry, err)
			}
		} else {
			if net.ParseIP(entry) == nil {
				return fmt.Errorf("IGNORE_IPS: invalid IP address %q", entry)
			}
		}
	}

	if c.MonitorEnabled && c.MonitorAddr == "" {
		return fmt.Errorf("MONITOR_ADDR is required when MONITOR_ENABLED is true")
	}
	if c.MetricsEnabled && c.MetricsAddr == "" {
		return fmt.Errorf("METRICS_ADDR is required when METRICS_ENABLED is true")
	}

	if c.JanitorInterval <= 0 {
		return fmt.Errorf("JANITOR_INTERVAL must be > 0; got %s", c.JanitorInterval)
	}

	return nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// rawProvider implements koanf.Provider for a map[string]interface{}.
type rawProvider struct {
	data map[string]interface{}
}

// Read returns the config map directly (no Parser needed).
func (r *rawProvider) Read() (map[string]interface{}, error) {
	return r.data, nil
}

// ReadBytes is not used by rawProvider; koanf calls Read() when no Parser is given.
func (r *rawProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("rawProvider does not support ReadBytes")
}
