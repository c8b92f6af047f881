// Package config loads the collab client and server configuration.
package config

import (
	"net/url"
	"path/filepath"
	"strings"
	"time"
)

// Config is the main configuration structure for collab.
type Config struct {
	Version  int            `yaml:"version"`
	Identity IdentityConfig `yaml:"identity"`
	Backend  BackendConfig  `yaml:"backend"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Presence PresenceConfig `yaml:"presence"`
	Typing   TypingConfig   `yaml:"typing"`
	Links    LinksConfig    `yaml:"links"`
	Relay    RelayConfig    `yaml:"relay"`
	Storage  StorageConfig  `yaml:"storage"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// IdentityConfig is the local user announced on the event channel.
type IdentityConfig struct {
	Email string `yaml:"email"`
	Name  string `yaml:"name"`
}

type BackendConfig struct {
	URL       string        `yaml:"url"`
	APIPrefix string        `yaml:"api_prefix"`
	Timeout   time.Duration `yaml:"timeout"`
}

type RealtimeConfig struct {
	// URL defaults to the backend URL with a ws scheme and a /ws path.
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	MaxAttempts    int           `yaml:"max_attempts"`
	StableAfter    time.Duration `yaml:"stable_after"`
	SendBuffer     int           `yaml:"send_buffer"`
	EmitRate       float64       `yaml:"emit_rate"`
	EmitBurst      int           `yaml:"emit_burst"`
}

type PresenceConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// Mode is "merge" or "replace".
	Mode string `yaml:"mode"`
}

type TypingConfig struct {
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	RemoteTTL   time.Duration `yaml:"remote_ttl"`
}

type LinksConfig struct {
	BaseURL           string `yaml:"base_url"`
	DefaultExpiryDays int    `yaml:"default_expiry_days"`
}

type RelayConfig struct {
	MaxMessages int `yaml:"max_messages"`
}

type StorageConfig struct {
	// StateDir holds the session profile.
	StateDir string `yaml:"state_dir"`
	// Database is the reference server's SQLite file.
	Database string `yaml:"database"`
}

type ServerConfig struct {
	Addr          string        `yaml:"addr"`
	Prefix        string        `yaml:"prefix"`
	PublicURL     string        `yaml:"public_url"`
	TokenSecret   string        `yaml:"token_secret"`
	InviteTTL     time.Duration `yaml:"invite_ttl"`
	PresenceTTL   time.Duration `yaml:"presence_ttl"`
	SweepSchedule string        `yaml:"sweep_schedule"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{Version: CurrentVersion}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Backend.URL == "" {
		cfg.Backend.URL = "http://localhost:8080"
	}
	if cfg.Backend.APIPrefix == "" {
		cfg.Backend.APIPrefix = "/api"
	}
	if cfg.Backend.Timeout == 0 {
		cfg.Backend.Timeout = 10 * time.Second
	}
	if cfg.Realtime.ReconnectDelay == 0 {
		cfg.Realtime.ReconnectDelay = time.Second
	}
	if cfg.Realtime.MaxAttempts == 0 {
		cfg.Realtime.MaxAttempts = 5
	}
	if cfg.Realtime.StableAfter == 0 {
		cfg.Realtime.StableAfter = 5 * time.Second
	}
	if cfg.Realtime.SendBuffer == 0 {
		cfg.Realtime.SendBuffer = 64
	}
	if cfg.Presence.PollInterval == 0 {
		cfg.Presence.PollInterval = 5 * time.Second
	}
	if cfg.Presence.HeartbeatInterval == 0 {
		cfg.Presence.HeartbeatInterval = 30 * time.Second
	}
	if cfg.Presence.Mode == "" {
		cfg.Presence.Mode = "merge"
	}
	if cfg.Typing.IdleTimeout == 0 {
		cfg.Typing.IdleTimeout = 2 * time.Second
	}
	if cfg.Typing.RemoteTTL == 0 {
		cfg.Typing.RemoteTTL = 6 * time.Second
	}
	if cfg.Links.BaseURL == "" {
		cfg.Links.BaseURL = cfg.Backend.URL
	}
	if cfg.Links.DefaultExpiryDays == 0 {
		cfg.Links.DefaultExpiryDays = 7
	}
	if cfg.Relay.MaxMessages == 0 {
		cfg.Relay.MaxMessages = 500
	}
	if cfg.Storage.Database == "" {
		cfg.Storage.Database = "collab.db"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.Prefix == "" {
		cfg.Server.Prefix = "/api"
	}
	if cfg.Server.InviteTTL == 0 {
		cfg.Server.InviteTTL = 7 * 24 * time.Hour
	}
	if cfg.Server.PresenceTTL == 0 {
		cfg.Server.PresenceTTL = 90 * time.Second
	}
	if cfg.Server.SweepSchedule == "" {
		cfg.Server.SweepSchedule = "@every 30s"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// EventChannelURL returns the realtime URL, derived from the backend URL
// when none is configured.
func (c *Config) EventChannelURL() string {
	if strings.TrimSpace(c.Realtime.URL) != "" {
		return c.Realtime.URL
	}
	u, err := url.Parse(c.Backend.URL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String()
}

// DatabasePath resolves the server database relative to the state directory.
func (c *Config) DatabasePath(stateDir string) string {
	if filepath.IsAbs(c.Storage.Database) || c.Storage.Database == ":memory:" {
		return c.Storage.Database
	}
	return filepath.Join(stateDir, c.Storage.Database)
}
