package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Server
// =============================================================================

func buildServeCmd(opts *globalOptions) *cobra.Command {
	var flags serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference collaboration server",
		Long: `Run the collaboration REST API and event channel backed by SQLite.

Rooms are created with --room and --owner; an existing room is left as is.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts, flags)
		},
	}
	cmd.Flags().StringVar(&flags.addr, "addr", "", "Listen address (overrides server.addr)")
	cmd.Flags().StringVar(&flags.room, "room", "", "Room id to create on startup")
	cmd.Flags().StringVar(&flags.title, "title", "", "Title of the room created with --room")
	cmd.Flags().StringVar(&flags.owner, "owner", "", "Owner email of the room created with --room")
	cmd.Flags().StringVar(&flags.ownerName, "owner-name", "", "Owner display name")
	return cmd
}

// =============================================================================
// Rooms
// =============================================================================

func buildWatchCmd(opts *globalOptions) *cobra.Command {
	var email, name string
	cmd := &cobra.Command{
		Use:   "watch [room]",
		Short: "Join a room and stream presence, typing and messages",
		Long: `Join a room and print presence, typing and message events.

Lines read from stdin are sent to the room. A line starting with
"/dm <email> " is sent as a direct message. Without a room argument the
room of the saved session profile is resumed.`,
		Args: cobra.RangeArgs(0, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			room := ""
			if len(args) > 0 {
				room = args[0]
			}
			return runWatch(cmd, opts, room, email, name)
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Identity email (overrides identity.email)")
	cmd.Flags().StringVar(&name, "name", "", "Display name (overrides identity.name)")
	return cmd
}

func buildCollaboratorsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "collaborators [room]",
		Short: "List the collaborators of a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCollaborators(cmd, opts, args[0])
		},
	}
}

func buildSetRoleCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set-role [room] [collaborator-id] [role]",
		Short: "Change a collaborator's role (editor or viewer)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSetRole(cmd, opts, args[0], args[1], args[2])
		},
	}
}

func buildRemoveCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove [room] [collaborator-id]",
		Short: "Remove a collaborator from a room",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemove(cmd, opts, args[0], args[1])
		},
	}
}

// =============================================================================
// Invitations
// =============================================================================

func buildInviteCmd(opts *globalOptions) *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "invite [room] [email]",
		Short: "Invite a collaborator by email",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInvite(cmd, opts, args[0], args[1], role)
		},
	}
	cmd.Flags().StringVar(&role, "role", "viewer", "Role to grant (editor or viewer)")
	return cmd
}

func buildShareLinkCmd(opts *globalOptions) *cobra.Command {
	var role, qrPath string
	var expiryDays int
	cmd := &cobra.Command{
		Use:   "share-link [room]",
		Short: "Create a share link for a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShareLink(cmd, opts, args[0], role, expiryDays, qrPath)
		},
	}
	cmd.Flags().StringVar(&role, "role", "viewer", "Role granted by the link (editor or viewer)")
	cmd.Flags().IntVar(&expiryDays, "expires", 0, "Link lifetime in days (default links.default_expiry_days)")
	cmd.Flags().StringVar(&qrPath, "qr", "", "Also write the link as a QR code PNG to this path")
	return cmd
}

func buildInvitationCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "invitation [token]",
		Short: "Show the details of an invitation or share token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInvitation(cmd, opts, args[0])
		},
	}
}

func buildAcceptCmd(opts *globalOptions) *cobra.Command {
	var name, email string
	cmd := &cobra.Command{
		Use:   "accept [token]",
		Short: "Accept an invitation and save the session profile",
		Long: `Accept an invitation or share link token.

The display name is prompted for when --name is not given and stdin is a
terminal. The email defaults to the invited address.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAccept(cmd, opts, args[0], name, email)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.Flags().StringVar(&email, "email", "", "Email (defaults to the invited email)")
	return cmd
}

// =============================================================================
// Profile
// =============================================================================

func buildProfileCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage the saved session profile",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the saved session profile",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runProfileShow(cmd, opts)
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Delete the saved session profile",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runProfileClear(cmd, opts)
			},
		},
	)
	return cmd
}
