package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. PYEXEC_EXECUTION_TIMEOUT_SEC.
const EnvPrefix = "PYEXEC"

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	MCP       MCPConfig       `mapstructure:"mcp"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Installer InstallerConfig `mapstructure:"installer"`
	Security  SecurityConfig  `mapstructure:"security"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// ServerConfig holds the HTTP API configuration
type ServerConfig struct {
	Host               string   `mapstructure:"host"`
	HTTPPort           int      `mapstructure:"http_port"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
	ReadTimeoutSec     int      `mapstructure:"read_timeout_sec"`
	WriteTimeoutSec    int      `mapstructure:"write_timeout_sec"`
	ShutdownTimeoutSec int      `mapstructure:"shutdown_timeout_sec"`
}

// MCPConfig holds the optional MCP tool server configuration
type MCPConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// ExecutionConfig holds process runner settings.
//
// MemoryMB is advisory: it is reported to clients but not enforced on the
// interpreter process.
type ExecutionConfig struct {
	Interpreter    string   `mapstructure:"interpreter"`
	TimeoutSec     int      `mapstructure:"timeout_sec"`
	MemoryMB       int      `mapstructure:"memory_mb"`
	BaseDir        string   `mapstructure:"base_dir"`
	GracePeriodSec int      `mapstructure:"grace_period_sec"`
	MaxOutputBytes int      `mapstructure:"max_output_bytes"`
	MaxCodeBytes   int      `mapstructure:"max_code_bytes"`
	ScriptName     string   `mapstructure:"script_name"`
	Environment    []string `mapstructure:"environment"`
}

// InstallerConfig holds dependency installer settings
type InstallerConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	TimeoutSec   int      `mapstructure:"timeout_sec"`
	ManifestName string   `mapstructure:"manifest_name"`
	ExtraArgs    []string `mapstructure:"extra_args"`
}

// SecurityConfig holds the allow-list and deny-list. Empty lists select the
// built-in defaults of the sandbox package.
type SecurityConfig struct {
	AllowedPackages []string `mapstructure:"allowed_packages"`
	DangerPatterns  []string `mapstructure:"danger_patterns"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// MetricsConfig holds prometheus settings
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

// New loads and validates the application configuration. The file named by
// PYEXEC_CONFIG wins over config.yaml in the working or ./config directory.
func New() (*Config, error) {
	return Load(os.Getenv(EnvPrefix + "_CONFIG"))
}

// Load reads configuration from path, or searches the default locations when
// path is empty. A missing default file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.http_port", 5000)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.read_timeout_sec", 15)
	v.SetDefault("server.write_timeout_sec", 150)
	v.SetDefault("server.shutdown_timeout_sec", 30)

	v.SetDefault("mcp.enabled", false)
	v.SetDefault("mcp.transport", "http")
	v.SetDefault("mcp.http_port", 5001)

	v.SetDefault("execution.interpreter", "python3")
	v.SetDefault("execution.timeout_sec", 30)
	v.SetDefault("execution.memory_mb", 512)
	v.SetDefault("execution.base_dir", "/tmp/python_execution")
	v.SetDefault("execution.grace_period_sec", 5)
	v.SetDefault("execution.max_output_bytes", 1024*1024)
	v.SetDefault("execution.max_code_bytes", 1024*1024)
	v.SetDefault("execution.script_name", "main.py")
	v.SetDefault("execution.environment", []string{"PYTHONUNBUFFERED=1", "MPLBACKEND=Agg"})

	v.SetDefault("installer.enabled", true)
	v.SetDefault("installer.timeout_sec", 60)
	v.SetDefault("installer.manifest_name", "requirements.txt")
	v.SetDefault("installer.extra_args", []string{"--user"})

	v.SetDefault("security.allowed_packages", []string{})
	v.SetDefault("security.danger_patterns", []string{})

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "pyexec")
}

// validate ensures the configuration is valid
//
//nolint:gocyclo // flat list of independent checks
func (c *Config) validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid server.http_port: %d", c.Server.HTTPPort)
	}

	// A request may spend the install timeout, the run timeout and the kill
	// grace period before its response is written.
	if budget := c.RequestBudgetSec(); c.Server.WriteTimeoutSec <= budget {
		return fmt.Errorf("server.write_timeout_sec (%d) must exceed the worst-case request time of %ds "+
			"(execution.timeout_sec + execution.grace_period_sec + installer.timeout_sec when enabled)",
			c.Server.WriteTimeoutSec, budget)
	}

	if c.Server.ShutdownTimeoutSec <= 0 {
		return fmt.Errorf("server.shutdown_timeout_sec must be positive, got: %d", c.Server.ShutdownTimeoutSec)
	}

	if c.MCP.Enabled && c.MCP.Transport != "stdio" && c.MCP.Transport != "http" {
		return fmt.Errorf("invalid mcp.transport: %s, must be 'stdio' or 'http'", c.MCP.Transport)
	}

	if c.MCP.Enabled && c.MCP.Transport == "http" && c.MCP.HTTPPort == c.Server.HTTPPort {
		return fmt.Errorf("mcp.http_port must differ from server.http_port")
	}

	if c.Execution.Interpreter == "" {
		return fmt.Errorf("execution.interpreter must not be empty")
	}

	if c.Execution.TimeoutSec <= 0 {
		return fmt.Errorf("execution.timeout_sec must be positive, got: %d", c.Execution.TimeoutSec)
	}

	if c.Execution.MemoryMB <= 0 {
		return fmt.Errorf("execution.memory_mb must be positive, got: %d", c.Execution.MemoryMB)
	}

	if c.Execution.BaseDir == "" {
		return fmt.Errorf("execution.base_dir must not be empty")
	}

	if c.Execution.GracePeriodSec <= 0 {
		return fmt.Errorf("execution.grace_period_sec must be positive, got: %d", c.Execution.GracePeriodSec)
	}

	if c.Execution.MaxOutputBytes <= 0 {
		return fmt.Errorf("execution.max_output_bytes must be positive, got: %d", c.Execution.MaxOutputBytes)
	}

	if c.Execution.MaxCodeBytes <= 0 {
		return fmt.Errorf("execution.max_code_bytes must be positive, got: %d", c.Execution.MaxCodeBytes)
	}

	if c.Execution.ScriptName == "" || strings.ContainsAny(c.Execution.ScriptName, `/\`) {
		return fmt.Errorf("invalid execution.script_name: %q", c.Execution.ScriptName)
	}

	for _, kv := range c.Execution.Environment {
		if key, _, ok := strings.Cut(kv, "="); !ok || key == "" {
			return fmt.Errorf("invalid execution.environment entry %q, want KEY=VALUE", kv)
		}
	}

	if c.Installer.TimeoutSec <= 0 {
		return fmt.Errorf("installer.timeout_sec must be positive, got: %d", c.Installer.TimeoutSec)
	}

	if c.Installer.ManifestName == "" || strings.ContainsAny(c.Installer.ManifestName, `/\`) {
		return fmt.Errorf("invalid installer.manifest_name: %q", c.Installer.ManifestName)
	}

	if c.Installer.ManifestName == c.Execution.ScriptName {
		return fmt.Errorf("installer.manifest_name must differ from execution.script_name")
	}

	switch c.Logging.Mode {
	case "production", "development":
	default:
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error", "dpanic", "panic", "fatal":
	default:
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	if c.Metrics.Enabled && c.Metrics.Namespace == "" {
		return fmt.Errorf("metrics.namespace must not be empty when metrics are enabled")
	}

	return nil
}

// GetTimeout returns the execution timeout as a duration
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.Execution.TimeoutSec) * time.Second
}

// GetGracePeriod returns the wait between SIGTERM and SIGKILL
func (c *Config) GetGracePeriod() time.Duration {
	return time.Duration(c.Execution.GracePeriodSec) * time.Second
}

// GetInstallTimeout returns the package manager timeout
func (c *Config) GetInstallTimeout() time.Duration {
	return time.Duration(c.Installer.TimeoutSec) * time.Second
}

// RequestBudgetSec is the longest an /execute request can take: dependency
// install, the run itself and the SIGTERM grace period before SIGKILL.
func (c *Config) RequestBudgetSec() int {
	budget := c.Execution.TimeoutSec + c.Execution.GracePeriodSec
	if c.Installer.Enabled {
		budget += c.Installer.TimeoutSec
	}
	return budget
}

// GetShutdownTimeout bounds the whole graceful stop of the process
func (c *Config) GetShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSec) * time.Second
}

// HTTPAddr returns the listen address of the HTTP API
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.HTTPPort)
}
