package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Issues, "; ")
}

// Validate reports configuration values the components cannot run with.
func (c *Config) Validate() error {
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if err := ValidateVersion(c.Version); err != nil {
		var ve *VersionError
		if errors.As(err, &ve) {
			add("version: %s", ve.Error())
		}
	}
	if c.Identity.Email != "" && !strings.Contains(c.Identity.Email, "@") {
		add("identity.email: %q is not an email address", c.Identity.Email)
	}
	if err := checkURL(c.Backend.URL, "http", "https"); err != nil {
		add("backend.url: %v", err)
	}
	if c.Realtime.URL != "" {
		if err := checkURL(c.Realtime.URL, "ws", "wss"); err != nil {
			add("realtime.url: %v", err)
		}
	}
	if c.Realtime.MaxAttempts < 0 {
		add("realtime.max_attempts must not be negative")
	}
	if c.Realtime.StableAfter < 0 {
		add("realtime.stable_after must not be negative")
	}
	if c.Realtime.EmitRate < 0 {
		add("realtime.emit_rate must not be negative")
	}
	switch c.Presence.Mode {
	case "merge", "replace":
	default:
		add("presence.mode: %q must be merge or replace", c.Presence.Mode)
	}
	if c.Presence.PollInterval < 0 || c.Presence.HeartbeatInterval < 0 {
		add("presence intervals must not be negative")
	}
	if c.Typing.IdleTimeout < 0 || c.Typing.RemoteTTL < 0 {
		add("typing timeouts must not be negative")
	}
	if c.Links.DefaultExpiryDays < 0 {
		add("links.default_expiry_days must not be negative")
	}
	if c.Relay.MaxMessages < 0 {
		add("relay.max_messages must not be negative")
	}
	if c.Server.PublicURL != "" {
		if err := checkURL(c.Server.PublicURL, "http", "https"); err != nil {
			add("server.public_url: %v", err)
		}
	}
	if _, err := cron.ParseStandard(c.Server.SweepSchedule); err != nil {
		add("server.sweep_schedule: %v", err)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level: %q is not a log level", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		add("logging.format: %q must be json or text", c.Logging.Format)
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%q must be an absolute %s URL", raw, strings.Join(schemes, " or "))
}
