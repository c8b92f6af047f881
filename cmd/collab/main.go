// Package main provides the collab CLI: the reference collaboration server
// and a terminal client for rooms, invitations and share links.
//
// # Basic Usage
//
// Start the server with a seeded room:
//
//	collab serve --room design --owner olivia@example.com
//
// Watch a room and chat from the terminal:
//
//	collab watch design --email alice@example.com --name Alice
//
// Invite a collaborator and accept the invitation:
//
//	collab invite design bob@example.com --role editor
//	collab accept <token> --name Bob
//
// # Environment Variables
//
//   - COLLAB_CONFIG: path to the configuration file (default: collab.yaml)
//   - COLLAB_STATE_DIR: directory holding the session profile and server database
//
// A .env file in the working directory is loaded before flags are parsed.
package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// A missing .env is fine.
	_ = godotenv.Load() //nolint:errcheck

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	opts := &globalOptions{}
	rootCmd := &cobra.Command{
		Use:          "collab",
		Short:        "collab - realtime room collaboration",
		Long:         "collab runs the reference collaboration server and a terminal client for presence, typing, messaging and invitations.",
		Version:      version + " (commit: " + commit + ", built: " + date + ")",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to YAML/JSON5 configuration file (or set COLLAB_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&opts.stateDir, "state-dir", "", "State directory (or set COLLAB_STATE_DIR; default ~/.collab)")

	rootCmd.AddCommand(
		buildServeCmd(opts),
		buildWatchCmd(opts),
		buildInviteCmd(opts),
		buildShareLinkCmd(opts),
		buildInvitationCmd(opts),
		buildAcceptCmd(opts),
		buildCollaboratorsCmd(opts),
		buildSetRoleCmd(opts),
		buildRemoveCmd(opts),
		buildProfileCmd(opts),
	)
	return rootCmd
}
