// Package config provides configuration parsing and validation for AoNET.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete server configuration (§6).
type Config struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	MaxConnections int    `yaml:"max_connections"`
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`

	Tunnel TunnelConfig `yaml:"tunnel"`
}

// TunnelConfig configures the optional bore supervisor (§4.6).
type TunnelConfig struct {
	Enabled        bool          `yaml:"enabled"`
	HelperPath     string        `yaml:"helper_path"`
	Relay          string        `yaml:"relay"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	GraceTimeout   time.Duration `yaml:"grace_timeout"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	AutoReconnect  bool          `yaml:"auto_reconnect"`
}

// Default returns a Config populated with the defaults §6 documents.
func Default() *Config {
	return &Config{
		Host:           "127.0.0.1",
		Port:           47500,
		MaxConnections: 10,
		LogLevel:       "info",
		LogFormat:      "text",

		Tunnel: TunnelConfig{
			Enabled:        false,
			HelperPath:     "bore",
			Relay:          "bore.pub",
			ConnectTimeout: 15 * time.Second,
			GraceTimeout:   3 * time.Second,
			ReconnectDelay: 5 * time.Second,
			AutoReconnect:  true,
		},
	}
}

// Load reads and parses a configuration file. A missing file is not an
// error: it yields Default() so a first run never needs a config on disk.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, expands ${VAR}/$VAR
// references, applies AONET_* environment overrides, then validates.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR references inside the raw YAML text,
// resolved before parsing so any scalar field can reference the
// environment (e.g. a tunnel relay host injected by the deployment).
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName, defaultVal := name[:idx], name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// applyEnvOverrides lets AONET_HOST / AONET_PORT / AONET_MAX_CONNECTIONS /
// AONET_LOG_LEVEL take precedence over whatever the file (or its defaults)
// set, the override shape every service in this corpus offers operators
// who'd rather set an env var than edit YAML in a container image.
func (c *Config) applyEnvOverrides() {
	if v, ok := os.LookupEnv("AONET_HOST"); ok {
		c.Host = v
	}
	if v, ok := os.LookupEnv("AONET_PORT"); ok {
		if p, err := strconv.Atoi(v); err == nil {
			c.Port = p
		}
	}
	if v, ok := os.LookupEnv("AONET_MAX_CONNECTIONS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxConnections = n
		}
	}
	if v, ok := os.LookupEnv("AONET_LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := os.LookupEnv("AONET_LOG_FORMAT"); ok {
		c.LogFormat = v
	}
	if v, ok := os.LookupEnv("AONET_TUNNEL_ENABLED"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Tunnel.Enabled = b
		}
	}
	if v, ok := os.LookupEnv("AONET_TUNNEL_RELAY"); ok {
		c.Tunnel.Relay = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Host == "" {
		errs = append(errs, "host is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, "port must be between 1 and 65535")
	}
	if c.MaxConnections < 1 {
		errs = append(errs, "max_connections must be positive")
	}
	if !isValidLogLevel(c.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel))
	}
	if !isValidLogFormat(c.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.LogFormat))
	}
	if c.Tunnel.Enabled && c.Tunnel.HelperPath == "" {
		errs = append(errs, "tunnel.helper_path is required when tunnel.enabled")
	}
	if c.Tunnel.Enabled && c.Tunnel.Relay == "" {
		errs = append(errs, "tunnel.relay is required when tunnel.enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

// Address returns the host:port listen address derived from Host and Port.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// String returns a YAML rendering of the config, safe to log: this
// configuration carries no secrets, so unlike the teacher's Redacted()
// pattern there is nothing to strip.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
