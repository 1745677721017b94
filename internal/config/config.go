// ABOUTME: Configuration loading and parsing for coven-chat
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-chat configuration
type Config struct {
	Gateway    GatewayConfig    `yaml:"gateway" toml:"gateway"`
	Chat       ChatConfig       `yaml:"chat" toml:"chat"`
	Session    SessionConfig    `yaml:"session" toml:"session"`
	Connection ConnectionConfig `yaml:"connection" toml:"connection"`
	Cache      CacheConfig      `yaml:"cache" toml:"cache"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
}

// GatewayConfig holds the gateway endpoints
type GatewayConfig struct {
	// URL is the HTTP base of the gateway API
	URL string `yaml:"url" toml:"url"`
	// WebSocketURL defaults to URL with a ws/wss scheme and path /ws
	WebSocketURL string `yaml:"ws_url" toml:"ws_url"`
	// APIToken is the app session bearer; falls back to COVEN_TOKEN or the token file
	APIToken string `yaml:"api_token" toml:"api_token"`
}

// ChatConfig selects what to chat in
type ChatConfig struct {
	Placement    string `yaml:"placement" toml:"placement"`
	ThreadID     string `yaml:"thread_id" toml:"thread_id"`
	HistoryLimit int    `yaml:"history_limit" toml:"history_limit"`
}

// SessionConfig holds credential renewal timing
type SessionConfig struct {
	RefreshLead     time.Duration `yaml:"-" toml:"-"`
	MinRefreshDelay time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	RefreshLeadRaw     string `yaml:"refresh_lead" toml:"refresh_lead"`
	MinRefreshDelayRaw string `yaml:"min_refresh_delay" toml:"min_refresh_delay"`
}

// ConnectionConfig holds socket resilience tuning
type ConnectionConfig struct {
	AutoReconnect        *bool   `yaml:"auto_reconnect" toml:"auto_reconnect"`
	MaxReconnectAttempts int     `yaml:"max_reconnect_attempts" toml:"max_reconnect_attempts"`
	BackoffMultiplier    float64 `yaml:"backoff_multiplier" toml:"backoff_multiplier"`
	BackoffJitter        float64 `yaml:"backoff_jitter" toml:"backoff_jitter"`
	QueueCapacity        int     `yaml:"queue_capacity" toml:"queue_capacity"`
	MaxErrors            int     `yaml:"max_errors" toml:"max_errors"`

	BackoffBase       time.Duration `yaml:"-" toml:"-"`
	BackoffMax        time.Duration `yaml:"-" toml:"-"`
	HeartbeatInterval time.Duration `yaml:"-" toml:"-"`
	HeartbeatTimeout  time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	BackoffBaseRaw       string `yaml:"backoff_base" toml:"backoff_base"`
	BackoffMaxRaw        string `yaml:"backoff_max" toml:"backoff_max"`
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	HeartbeatTimeoutRaw  string `yaml:"heartbeat_timeout" toml:"heartbeat_timeout"`
}

// Reconnect reports whether automatic reconnection is enabled (default true)
func (c ConnectionConfig) Reconnect() bool {
	return c.AutoReconnect == nil || *c.AutoReconnect
}

// CacheConfig holds the local transcript cache location
type CacheConfig struct {
	// Path of the SQLite file; empty disables the cache
	Path string `yaml:"path" toml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Defaults for fields left unset.
const (
	DefaultPlacement            = "default"
	DefaultHistoryLimit         = 50
	DefaultRefreshLead          = 45 * time.Second
	DefaultMinRefreshDelay      = 5 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultBackoffBase          = time.Second
	DefaultBackoffMax           = 30 * time.Second
	DefaultBackoffMultiplier    = 2.0
	DefaultBackoffJitter        = 0.2
	DefaultHeartbeatInterval    = 15 * time.Second
	DefaultHeartbeatTimeout     = 5 * time.Second
	DefaultQueueCapacity        = 10
	DefaultMaxErrors            = 20
)

// Default returns a configuration pointing at a local gateway.
func Default() *Config {
	cfg := &Config{
		Gateway: GatewayConfig{URL: "http://localhost:8080"},
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
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

// LoadOrDefault loads path, or returns Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Chat.Placement == "" {
		c.Chat.Placement = DefaultPlacement
	}
	if c.Chat.HistoryLimit <= 0 {
		c.Chat.HistoryLimit = DefaultHistoryLimit
	}
	if c.Session.RefreshLead == 0 {
		c.Session.RefreshLead = DefaultRefreshLead
	}
	if c.Session.MinRefreshDelay == 0 {
		c.Session.MinRefreshDelay = DefaultMinRefreshDelay
	}

	conn := &c.Connection
	if conn.MaxReconnectAttempts == 0 {
		conn.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if conn.BackoffBase == 0 {
		conn.BackoffBase = DefaultBackoffBase
	}
	if conn.BackoffMax == 0 {
		conn.BackoffMax = DefaultBackoffMax
	}
	if conn.BackoffMultiplier == 0 {
		conn.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if conn.BackoffJitter == 0 {
		conn.BackoffJitter = DefaultBackoffJitter
	}
	if conn.HeartbeatInterval == 0 {
		conn.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if conn.HeartbeatTimeout == 0 {
		conn.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if conn.QueueCapacity == 0 {
		conn.QueueCapacity = DefaultQueueCapacity
	}
	if conn.MaxErrors == 0 {
		conn.MaxErrors = DefaultMaxErrors
	}

	if c.Gateway.APIToken == "" {
		c.Gateway.APIToken = APIToken()
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required")
	}
	u, err := url.Parse(c.Gateway.URL)
	if err != nil {
		return fmt.Errorf("gateway.url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("gateway.url must use http or https scheme")
	}

	if c.Gateway.WebSocketURL != "" {
		ws, err := url.Parse(c.Gateway.WebSocketURL)
		if err != nil {
			return fmt.Errorf("gateway.ws_url is not a valid URL: %w", err)
		}
		if ws.Scheme != "ws" && ws.Scheme != "wss" {
			return fmt.Errorf("gateway.ws_url must use ws or wss scheme")
		}
	}

	if c.Session.RefreshLead < 0 || c.Session.MinRefreshDelay < 0 {
		return fmt.Errorf("session durations must not be negative")
	}

	conn := c.Connection
	if conn.MaxReconnectAttempts < 0 {
		return fmt.Errorf("connection.max_reconnect_attempts must not be negative")
	}
	if conn.BackoffMultiplier < 1 {
		return fmt.Errorf("connection.backoff_multiplier must be at least 1")
	}
	if conn.BackoffJitter < 0 || conn.BackoffJitter > 1 {
		return fmt.Errorf("connection.backoff_jitter must be between 0 and 1")
	}
	if conn.BackoffMax < conn.BackoffBase {
		return fmt.Errorf("connection.backoff_max must not be less than backoff_base")
	}
	if conn.QueueCapacity < 1 {
		return fmt.Errorf("connection.queue_capacity must be at least 1")
	}
	if conn.HeartbeatTimeout > conn.HeartbeatInterval {
		return fmt.Errorf("connection.heartbeat_timeout must not exceed heartbeat_interval")
	}

	return nil
}

// SocketURL returns the websocket endpoint, deriving it from the HTTP URL
// when ws_url is not set.
func (c *Config) SocketURL() string {
	if c.Gateway.WebSocketURL != "" {
		return c.Gateway.WebSocketURL
	}
	u, err := url.Parse(c.Gateway.URL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String()
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"refresh_lead", cfg.Session.RefreshLeadRaw, &cfg.Session.RefreshLead},
		{"min_refresh_delay", cfg.Session.MinRefreshDelayRaw, &cfg.Session.MinRefreshDelay},
		{"backoff_base", cfg.Connection.BackoffBaseRaw, &cfg.Connection.BackoffBase},
		{"backoff_max", cfg.Connection.BackoffMaxRaw, &cfg.Connection.BackoffMax},
		{"heartbeat_interval", cfg.Connection.HeartbeatIntervalRaw, &cfg.Connection.HeartbeatInterval},
		{"heartbeat_timeout", cfg.Connection.HeartbeatTimeoutRaw, &cfg.Connection.HeartbeatTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// Path returns the path to the chat config file.
// Priority: COVEN_CHAT_CONFIG env var > XDG_CONFIG_HOME/coven/chat.yaml > ~/.config/coven/chat.yaml
func Path() string {
	if envPath := os.Getenv("COVEN_CHAT_CONFIG"); envPath != "" {
		return envPath
	}
	return filepath.Join(configDir(), "coven", "chat.yaml")
}

// DataPath returns the coven data directory.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func DataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "coven")
}

// APIToken returns the app token from COVEN_TOKEN or the coven token file.
func APIToken() string {
	if token := os.Getenv("COVEN_TOKEN"); token != "" {
		return token
	}

	data, err := os.ReadFile(filepath.Join(configDir(), "coven", "token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func configDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return dir
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(homeDir, ".config")
}
