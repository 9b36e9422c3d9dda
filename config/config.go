// Package config loads and watches the depmcp configuration file: the
// identity the server role announces, the subprocess definitions the
// supervisor manages, and the reliability tuning applied around browser
// calls.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/varekai/depmcp/mcp"
)

// Defaults applied by Load when the file leaves fields unset.
const (
	DefaultServerName         = "depmcp"
	DefaultMaxRestartAttempts = 3
	DefaultRestartDelayMs     = 1000
	DefaultMaxRetries         = 3
	DefaultRetryBaseDelayMs   = 500
	DefaultBreakerThreshold   = 5
	DefaultBreakerRecoveryMs  = 30000
	DefaultCallTimeoutMs      = 30000
)

// Identity names the protocol server role toward the host.
type Identity struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// ReliabilityConfig tunes the retry, breaker, and timeout wrappers applied
// around subprocess calls.
type ReliabilityConfig struct {
	MaxRetries        int     `yaml:"max_retries"`
	RetryBaseDelayMs  int64   `yaml:"retry_base_delay_ms"`
	RetryMultiplier   float64 `yaml:"retry_multiplier"`
	BreakerThreshold  int     `yaml:"breaker_threshold"`
	BreakerRecoveryMs int64   `yaml:"breaker_recovery_ms"`
	CallTimeoutMs     int64   `yaml:"call_timeout_ms"`
}

// RetryBaseDelay returns the base retry delay as a duration.
func (r ReliabilityConfig) RetryBaseDelay() time.Duration {
	return time.Duration(r.RetryBaseDelayMs) * time.Millisecond
}

// BreakerRecovery returns the breaker recovery window as a duration.
func (r ReliabilityConfig) BreakerRecovery() time.Duration {
	return time.Duration(r.BreakerRecoveryMs) * time.Millisecond
}

// CallTimeout returns the per-call timeout as a duration.
func (r ReliabilityConfig) CallTimeout() time.Duration {
	return time.Duration(r.CallTimeoutMs) * time.Millisecond
}

// BrowserConfig selects which managed server backs the browser tools.
type BrowserConfig struct {
	// Server is the name of the entry in Servers that speaks the
	// browser-automation protocol (a playwright-style MCP server).
	Server string `yaml:"server"`
}

// Config is the full configuration file.
type Config struct {
	Server      Identity           `yaml:"server"`
	Servers     []mcp.ServerConfig `yaml:"servers"`
	Browser     BrowserConfig      `yaml:"browser"`
	Reliability ReliabilityConfig  `yaml:"reliability"`
}

// Load reads, parses, defaults, and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Name == "" {
		c.Server.Name = DefaultServerName
	}
	if c.Server.Version == "" {
		c.Server.Version = "dev"
	}

	for i := range c.Servers {
		if c.Servers[i].MaxRestartAttempts == 0 {
			c.Servers[i].MaxRestartAttempts = DefaultMaxRestartAttempts
		}
		if c.Servers[i].RestartDelayMs == 0 {
			c.Servers[i].RestartDelayMs = DefaultRestartDelayMs
		}
	}

	r := &c.Reliability
	if r.MaxRetries == 0 {
		r.MaxRetries = DefaultMaxRetries
	}
	if r.RetryBaseDelayMs == 0 {
		r.RetryBaseDelayMs = DefaultRetryBaseDelayMs
	}
	if r.RetryMultiplier == 0 {
		r.RetryMultiplier = 2.0
	}
	if r.BreakerThreshold == 0 {
		r.BreakerThreshold = DefaultBreakerThreshold
	}
	if r.BreakerRecoveryMs == 0 {
		r.BreakerRecoveryMs = DefaultBreakerRecoveryMs
	}
	if r.CallTimeoutMs == 0 {
		r.CallTimeoutMs = DefaultCallTimeoutMs
	}
}

// Validate checks the configuration for structural problems.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Servers))
	for _, s := range c.Servers {
		if s.Name == "" {
			return fmt.Errorf("server with command %q: name is required", s.Command)
		}
		if s.Command == "" {
			return fmt.Errorf("server %q: command is required", s.Name)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("duplicate server name: %s", s.Name)
		}
		seen[s.Name] = struct{}{}

		if s.MaxRestartAttempts < 0 {
			return fmt.Errorf("server %q: max_restart_attempts must not be negative", s.Name)
		}
	}

	if c.Browser.Server != "" {
		if _, ok := seen[c.Browser.Server]; !ok {
			return fmt.Errorf("browser.server %q is not a configured server", c.Browser.Server)
		}
	}

	return nil
}

// ServerByName returns the named server definition.
func (c *Config) ServerByName(name string) (mcp.ServerConfig, bool) {
	for _, s := range c.Servers {
		if s.Name == name {
			return s, true
		}
	}
	return mcp.ServerConfig{}, false
}

// BrowserServer returns the server definition backing the browser tools.
func (c *Config) BrowserServer() (mcp.ServerConfig, bool) {
	if c.Browser.Server == "" {
		return mcp.ServerConfig{}, false
	}
	return c.ServerByName(c.Browser.Server)
}
