// ABOUTME: Configuration loading and parsing for consent-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied when a field is left empty.
const (
	DefaultHistoryLimit     = 100
	DefaultFailureThreshold = 3
	DefaultAnalyzerTimeout  = 10 * time.Second
	DefaultPauseThreshold   = 30
	DefaultResumeThreshold  = 80
	DefaultMinMessages      = 3
	DefaultWindow           = 50
)

// Database drivers.
const (
	DriverSQLite  = "sqlite"  // modernc.org/sqlite, pure Go
	DriverSQLite3 = "sqlite3" // github.com/mattn/go-sqlite3, cgo
	DriverBolt    = "bolt"
	DriverMemory  = "memory"
)

// Analyzer kinds.
const (
	AnalyzerLexicon = "lexicon"
	AnalyzerHTTP    = "http"
)

// Config represents the complete consent-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Monitor   MonitorConfig   `yaml:"monitor" toml:"monitor"`
	Analyzer  AnalyzerConfig  `yaml:"analyzer" toml:"analyzer"`
	Transport TransportConfig `yaml:"transport" toml:"transport"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"` // health service; empty disables it
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	Path   string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration. An empty secret disables auth.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// Enabled reports whether API requests must carry a token.
func (a AuthConfig) Enabled() bool {
	return a.JWTSecret != ""
}

// MonitorConfig holds gating and monitoring settings
type MonitorConfig struct {
	HistoryLimit     int           `yaml:"history_limit" toml:"history_limit"`
	FailureThreshold int           `yaml:"failure_threshold" toml:"failure_threshold"`
	AnalyzerTimeout  time.Duration `yaml:"-" toml:"-"`
	RecordSnapshots  bool          `yaml:"record_snapshots" toml:"record_snapshots"`
	PauseThreshold   *int          `yaml:"pause_threshold" toml:"pause_threshold"`
	ResumeThreshold  *int          `yaml:"resume_threshold" toml:"resume_threshold"`

	// Raw string values for unmarshaling
	AnalyzerTimeoutRaw string `yaml:"analyzer_timeout" toml:"analyzer_timeout"`
}

// AnalyzerConfig selects and tunes the score analyzer
type AnalyzerConfig struct {
	Kind        string `yaml:"kind" toml:"kind"`
	URL         string `yaml:"url" toml:"url"`
	MinMessages int    `yaml:"min_messages" toml:"min_messages"`
	Window      int    `yaml:"window" toml:"window"`
}

// TransportConfig holds chat transport integrations
type TransportConfig struct {
	Matrix MatrixConfig `yaml:"matrix" toml:"matrix"`
}

// MatrixConfig holds Matrix integration configuration
type MatrixConfig struct {
	Enabled     bool              `yaml:"enabled" toml:"enabled"`
	Homeserver  string            `yaml:"homeserver" toml:"homeserver"`
	UserID      string            `yaml:"user_id" toml:"user_id"`
	AccessToken string            `yaml:"access_token" toml:"access_token"`
	Rooms       map[string]string `yaml:"rooms" toml:"rooms"` // conversation ID -> room ID
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes raw configuration, then applies defaults and validates.
func Parse(data []byte, isTOML bool) (*Config, error) {
	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}

func intPtr(n int) *int { return &n }

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Monitor.HistoryLimit == 0 {
		c.Monitor.HistoryLimit = DefaultHistoryLimit
	}
	if c.Monitor.FailureThreshold == 0 {
		c.Monitor.FailureThreshold = DefaultFailureThreshold
	}
	if c.Monitor.AnalyzerTimeout == 0 {
		c.Monitor.AnalyzerTimeout = DefaultAnalyzerTimeout
	}
	if c.Monitor.PauseThreshold == nil {
		c.Monitor.PauseThreshold = intPtr(DefaultPauseThreshold)
	}
	if c.Monitor.ResumeThreshold == nil {
		c.Monitor.ResumeThreshold = intPtr(DefaultResumeThreshold)
	}
	if c.Analyzer.Kind == "" {
		c.Analyzer.Kind = AnalyzerLexicon
	}
	if c.Analyzer.MinMessages == 0 {
		c.Analyzer.MinMessages = DefaultMinMessages
	}
	if c.Analyzer.Window == 0 {
		c.Analyzer.Window = DefaultWindow
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The HTTP address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case DriverSQLite, DriverSQLite3, DriverBolt:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for driver %q", c.Database.Driver)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("database.driver %q is not one of sqlite, sqlite3, bolt, memory", c.Database.Driver)
	}

	if c.Monitor.HistoryLimit < 0 {
		return fmt.Errorf("monitor.history_limit must not be negative")
	}
	if c.Monitor.FailureThreshold < 0 {
		return fmt.Errorf("monitor.failure_threshold must not be negative")
	}
	if c.Monitor.AnalyzerTimeout < 0 {
		return fmt.Errorf("monitor.analyzer_timeout must not be negative")
	}
	pause, resume := *c.Monitor.PauseThreshold, *c.Monitor.ResumeThreshold
	if pause < 0 || pause > 100 {
		return fmt.Errorf("monitor.pause_threshold %d outside [0,100]", pause)
	}
	if resume < 0 || resume > 100 {
		return fmt.Errorf("monitor.resume_threshold %d outside [0,100]", resume)
	}
	if pause >= resume {
		return fmt.Errorf("monitor.pause_threshold %d must be below monitor.resume_threshold %d", pause, resume)
	}

	switch c.Analyzer.Kind {
	case AnalyzerLexicon:
	case AnalyzerHTTP:
		if c.Analyzer.URL == "" {
			return fmt.Errorf("analyzer.url is required when analyzer.kind is http")
		}
	default:
		return fmt.Errorf("analyzer.kind %q is not one of lexicon, http", c.Analyzer.Kind)
	}
	if c.Analyzer.MinMessages < 0 || c.Analyzer.Window < 0 {
		return fmt.Errorf("analyzer.min_messages and analyzer.window must not be negative")
	}

	if m := c.Transport.Matrix; m.Enabled {
		if m.Homeserver == "" {
			return fmt.Errorf("transport.matrix.homeserver is required when matrix is enabled")
		}
		if m.AccessToken == "" {
			return fmt.Errorf("transport.matrix.access_token is required when matrix is enabled")
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	if cfg.Monitor.AnalyzerTimeoutRaw != "" {
		d, err := time.ParseDuration(cfg.Monitor.AnalyzerTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing analyzer_timeout %q: %w", cfg.Monitor.AnalyzerTimeoutRaw, err)
		}
		cfg.Monitor.AnalyzerTimeout = d
	}
	return nil
}
