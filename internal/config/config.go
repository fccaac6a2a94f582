// ABOUTME: Configuration loading and parsing for orbit-sync
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
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

// ErrNoConfig is returned by DefaultPath when no candidate file exists.
var ErrNoConfig = errors.New("no config file found")

// Config represents the complete orbit-sync configuration
type Config struct {
	API      APIConfig      `yaml:"api" toml:"api"`
	Feed     FeedConfig     `yaml:"feed" toml:"feed"`
	Sync     SyncConfig     `yaml:"sync" toml:"sync"`
	Presence PresenceConfig `yaml:"presence" toml:"presence"`
	Journal  JournalConfig  `yaml:"journal" toml:"journal"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics"`
}

// APIConfig holds the REST backend settings
type APIConfig struct {
	BaseURL string        `yaml:"base_url" toml:"base_url"`
	Token   string        `yaml:"token" toml:"token"`
	Timeout time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// FeedConfig holds the realtime change feed settings
type FeedConfig struct {
	URL              string        `yaml:"url" toml:"url"`
	HandshakeTimeout time.Duration `yaml:"-" toml:"-"`
	SubscribeTimeout time.Duration `yaml:"-" toml:"-"`
	PingInterval     time.Duration `yaml:"-" toml:"-"`
	ReadTimeout      time.Duration `yaml:"-" toml:"-"`
	DedupeTTL        time.Duration `yaml:"-" toml:"-"`
	DedupeSize       int           `yaml:"dedupe_size" toml:"dedupe_size"`

	// Raw string values for unmarshaling
	HandshakeTimeoutRaw string `yaml:"handshake_timeout" toml:"handshake_timeout"`
	SubscribeTimeoutRaw string `yaml:"subscribe_timeout" toml:"subscribe_timeout"`
	PingIntervalRaw     string `yaml:"ping_interval" toml:"ping_interval"`
	ReadTimeoutRaw      string `yaml:"read_timeout" toml:"read_timeout"`
	DedupeTTLRaw        string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// SyncConfig holds refetch and reconnect tuning
type SyncConfig struct {
	RefetchDebounce      time.Duration `yaml:"-" toml:"-"`
	ReconnectBackoff     time.Duration `yaml:"-" toml:"-"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts" toml:"max_reconnect_attempts"`
	MessageWindow        int           `yaml:"message_window" toml:"message_window"`

	RefetchDebounceRaw  string `yaml:"refetch_debounce" toml:"refetch_debounce"`
	ReconnectBackoffRaw string `yaml:"reconnect_backoff" toml:"reconnect_backoff"`
}

// PresenceConfig holds online-presence settings
type PresenceConfig struct {
	Topic             string        `yaml:"topic" toml:"topic"`
	HeartbeatInterval time.Duration `yaml:"-" toml:"-"`

	HeartbeatIntervalRaw string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
}

// JournalConfig holds the local mutation journal settings
type JournalConfig struct {
	Path   string `yaml:"path" toml:"path"`
	Buffer int    `yaml:"buffer" toml:"buffer"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Addr    string `yaml:"addr" toml:"addr"`
	Path    string `yaml:"path" toml:"path"`
}

// Default returns a Config with every optional field set. The required
// endpoints and token are left empty.
func Default() *Config {
	return &Config{
		API: APIConfig{Timeout: 10 * time.Second},
		Feed: FeedConfig{
			HandshakeTimeout: 5 * time.Second,
			SubscribeTimeout: 5 * time.Second,
			PingInterval:     25 * time.Second,
			ReadTimeout:      60 * time.Second,
			DedupeTTL:        2 * time.Minute,
			DedupeSize:       4096,
		},
		Sync: SyncConfig{
			RefetchDebounce:      300 * time.Millisecond,
			ReconnectBackoff:     3 * time.Second,
			MaxReconnectAttempts: 5,
			MessageWindow:        50,
		},
		Presence: PresenceConfig{Topic: "online-users", HeartbeatInterval: 30 * time.Second},
		Journal:  JournalConfig{Path: defaultJournalPath(), Buffer: 256},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Metrics:  MetricsConfig{Addr: "127.0.0.1:9464", Path: "/metrics"},
	}
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

	cfg, err := Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes raw configuration bytes over the defaults and validates the result.
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if isTOML {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// DefaultPath resolves the config file location: ORBIT_CONFIG first, then
// $XDG_CONFIG_HOME/orbit/sync.yaml, then ~/.config/orbit/sync.yaml.
func DefaultPath() (string, error) {
	if p := os.Getenv("ORBIT_CONFIG"); p != "" {
		return p, nil
	}

	var candidates []string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		candidates = append(candidates, filepath.Join(xdg, "orbit", "sync.yaml"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "orbit", "sync.yaml"))
	}

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", ErrNoConfig
}

func defaultJournalPath() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "orbit", "journal.db")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "orbit", "journal.db")
	}
	return "journal.db"
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if err := checkURL("api.base_url", c.API.BaseURL, "http", "https"); err != nil {
		return err
	}
	if c.API.Token == "" {
		return fmt.Errorf("api.token is required")
	}
	if err := checkURL("feed.url", c.Feed.URL, "ws", "wss"); err != nil {
		return err
	}

	if c.Feed.DedupeSize <= 0 {
		return fmt.Errorf("feed.dedupe_size must be positive")
	}
	if c.Sync.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("sync.max_reconnect_attempts must be positive")
	}
	if c.Sync.MessageWindow <= 0 {
		return fmt.Errorf("sync.message_window must be positive")
	}
	if c.Presence.Topic == "" {
		return fmt.Errorf("presence.topic is required")
	}
	if c.Journal.Buffer <= 0 {
		return fmt.Errorf("journal.buffer must be positive")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}

	if c.Metrics.Enabled {
		if c.Metrics.Addr == "" {
			return fmt.Errorf("metrics.addr is required when metrics are enabled")
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return fmt.Errorf("metrics.path must start with /")
		}
	}

	return nil
}

func checkURL(field, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s %q must be an absolute %s URL", field, raw, strings.Join(schemes, " or "))
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"api.timeout", cfg.API.TimeoutRaw, &cfg.API.Timeout},
		{"feed.handshake_timeout", cfg.Feed.HandshakeTimeoutRaw, &cfg.Feed.HandshakeTimeout},
		{"feed.subscribe_timeout", cfg.Feed.SubscribeTimeoutRaw, &cfg.Feed.SubscribeTimeout},
		{"feed.ping_interval", cfg.Feed.PingIntervalRaw, &cfg.Feed.PingInterval},
		{"feed.read_timeout", cfg.Feed.ReadTimeoutRaw, &cfg.Feed.ReadTimeout},
		{"feed.dedupe_ttl", cfg.Feed.DedupeTTLRaw, &cfg.Feed.DedupeTTL},
		{"sync.refetch_debounce", cfg.Sync.RefetchDebounceRaw, &cfg.Sync.RefetchDebounce},
		{"sync.reconnect_backoff", cfg.Sync.ReconnectBackoffRaw, &cfg.Sync.ReconnectBackoff},
		{"presence.heartbeat_interval", cfg.Presence.HeartbeatIntervalRaw, &cfg.Presence.HeartbeatInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
