package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/citruslab/collab/internal/collabserver"
	"github.com/citruslab/collab/pkg/models"
)

type serveFlags struct {
	addr      string
	room      string
	title     string
	owner     string
	ownerName string
}

// runServe handles the serve command.
func runServe(cmd *cobra.Command, opts *globalOptions, flags serveFlags) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, cmd)

	if strings.TrimSpace(cfg.Server.TokenSecret) == "" {
		return fmt.Errorf("server.token_secret is required")
	}
	if flags.room != "" && strings.TrimSpace(flags.owner) == "" {
		return fmt.Errorf("--owner is required with --room")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbPath := cfg.DatabasePath(opts.resolveStateDir(cfg))
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}
	store, err := collabserver.OpenStore(ctx, dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	serverConfig := collabserver.Config{
		Addr:          cfg.Server.Addr,
		Prefix:        cfg.Server.Prefix,
		PublicURL:     cfg.Server.PublicURL,
		TokenSecret:   cfg.Server.TokenSecret,
		InviteTTL:     cfg.Server.InviteTTL,
		PresenceTTL:   cfg.Server.PresenceTTL,
		SweepSchedule: cfg.Server.SweepSchedule,
	}
	if flags.addr != "" {
		serverConfig.Addr = flags.addr
	}
	srv, err := collabserver.New(serverConfig, store, collabserver.WithLogger(logger))
	if err != nil {
		return err
	}

	if flags.room != "" {
		if err := seedRoom(ctx, srv, flags, logger); err != nil {
			return err
		}
	}

	logger.Info("collab server starting", "version", version, "database", dbPath)
	return srv.Run(ctx)
}

func seedRoom(ctx context.Context, srv *collabserver.Server, flags serveFlags, logger *slog.Logger) error {
	owner := models.Identity{Email: strings.TrimSpace(flags.owner), Name: strings.TrimSpace(flags.ownerName)}
	room, err := srv.CreateRoom(ctx, flags.room, flags.title, owner)
	if err != nil {
		return fmt.Errorf("create room %q: %w", flags.room, err)
	}
	rec, _ := room.Owner()
	logger.Info("room ready", "room", room.ChatID, "owner", rec.Email)
	return nil
}
