package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/citruslab/collab/internal/access"
	"github.com/citruslab/collab/internal/collabapi"
	"github.com/citruslab/collab/internal/config"
	"github.com/citruslab/collab/internal/observability"
	"github.com/citruslab/collab/internal/presence"
	"github.com/citruslab/collab/internal/profile"
	"github.com/citruslab/collab/internal/realtime"
	"github.com/citruslab/collab/internal/relay"
	"github.com/citruslab/collab/internal/typing"
	"github.com/citruslab/collab/pkg/models"
)

const defaultConfigName = "collab.yaml"

type globalOptions struct {
	configPath string
	stateDir   string
}

// loadConfig reads the configured file. Without an explicit path a missing
// collab.yaml falls back to defaults.
func loadConfig(opts *globalOptions) (*config.Config, error) {
	path := strings.TrimSpace(opts.configPath)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("COLLAB_CONFIG"))
	}
	explicit := path != ""
	if !explicit {
		path = defaultConfigName
	}
	cfg, err := config.Load(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return config.Default(), nil
		}
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func (o *globalOptions) resolveStateDir(cfg *config.Config) string {
	for _, dir := range []string{o.stateDir, os.Getenv("COLLAB_STATE_DIR"), cfg.Storage.StateDir} {
		if strings.TrimSpace(dir) != "" {
			return dir
		}
	}
	return profile.DefaultStateDir()
}

func newLogger(cfg *config.Config, cmd *cobra.Command) *slog.Logger {
	logger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
		Output:    cmd.ErrOrStderr(),
	})
	slog.SetDefault(logger)
	return logger
}

// clientEnv is what the client commands share: the REST client, the event
// channel manager and the session profile store.
type clientEnv struct {
	cfg      *config.Config
	logger   *slog.Logger
	client   *collabapi.Client
	manager  *realtime.Manager
	profiles *profile.Store
}

func newClientEnv(cmd *cobra.Command, opts *globalOptions) (*clientEnv, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg, cmd)
	httpClient := &http.Client{Timeout: cfg.Backend.Timeout}
	return &clientEnv{
		cfg:    cfg,
		logger: logger,
		client: collabapi.NewClient(cfg.Backend.URL, cfg.Backend.APIPrefix, httpClient),
		manager: realtime.NewManager(realtime.Config{
			URL:            cfg.EventChannelURL(),
			ReconnectDelay: cfg.Realtime.ReconnectDelay,
			MaxAttempts:    cfg.Realtime.MaxAttempts,
			StableAfter:    cfg.Realtime.StableAfter,
			SendBuffer:     cfg.Realtime.SendBuffer,
			EmitRate:       cfg.Realtime.EmitRate,
			EmitBurst:      cfg.Realtime.EmitBurst,
		}, &realtime.WebSocketDialer{}, realtime.WithLogger(logger)),
		profiles: profile.NewStore(opts.resolveStateDir(cfg)),
	}, nil
}

func (e *clientEnv) accessConfig() access.Config {
	return access.Config{
		LinksBaseURL:      e.cfg.Links.BaseURL,
		DefaultExpiryDays: e.cfg.Links.DefaultExpiryDays,
	}
}

func (e *clientEnv) controller() *access.Controller {
	return access.NewController(e.client, e.profiles, e.manager, e.accessConfig(), e.logger, nil)
}

func (e *clientEnv) presenceConfig() presence.Config {
	return presence.Config{
		PollInterval:      e.cfg.Presence.PollInterval,
		HeartbeatInterval: e.cfg.Presence.HeartbeatInterval,
		Mode:              presence.Mode(e.cfg.Presence.Mode),
	}
}

func (e *clientEnv) typingConfig() typing.Config {
	return typing.Config{
		IdleTimeout: e.cfg.Typing.IdleTimeout,
		RemoteTTL:   e.cfg.Typing.RemoteTTL,
	}
}

func (e *clientEnv) relayConfig() relay.Config {
	return relay.Config{MaxMessages: e.cfg.Relay.MaxMessages}
}

// identity merges flag values over the configured identity.
func (e *clientEnv) identity(email, name string) models.Identity {
	id := models.Identity{Email: e.cfg.Identity.Email, Name: e.cfg.Identity.Name}
	if strings.TrimSpace(email) != "" {
		id.Email = strings.TrimSpace(email)
	}
	if strings.TrimSpace(name) != "" {
		id.Name = strings.TrimSpace(name)
	}
	return id
}
