package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/citruslab/collab/internal/collab"
	"github.com/citruslab/collab/internal/profile"
	"github.com/citruslab/collab/pkg/models"
)

const (
	qrSize         = 256
	connectTimeout = 5 * time.Second
)

// =============================================================================
// Watch
// =============================================================================

// runWatch handles the watch command.
func runWatch(cmd *cobra.Command, opts *globalOptions, roomID, email, name string) error {
	env, err := newClientEnv(cmd, opts)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := collab.New(collab.Deps{
		Connection: env.manager,
		Backend:    env.client,
		Profiles:   env.profiles,
		Identity:   env.identity(email, name),
		Presence:   env.presenceConfig(),
		Typing:     env.typingConfig(),
		Access:     env.accessConfig(),
		Relay:      env.relayConfig(),
		Logger:     env.logger,
	})
	defer app.Close()

	out := &syncWriter{w: cmd.OutOrStdout()}
	app.Presence.OnChange(func(room string, users []models.Participant) {
		names := make([]string, 0, len(users))
		for _, u := range users {
			names = append(names, models.Identity{Email: u.Email, Name: u.Name}.DisplayName())
		}
		out.printf("[%s] online: %s\n", room, strings.Join(names, ", "))
	})
	app.Typing.OnChange(func(room string, emails []string) {
		if len(emails) == 0 {
			return
		}
		out.printf("[%s] typing: %s\n", room, strings.Join(emails, ", "))
	})
	app.Relay.OnMessage(func(msg models.Message) {
		out.printf("%s\n", formatMessage(msg))
	})

	var room *collab.Room
	if roomID == "" {
		room, err = app.Resume(ctx)
		if errors.Is(err, profile.ErrNoProfile) {
			return fmt.Errorf("no room given and no saved session profile; run collab accept first")
		}
	} else {
		if err = app.Start(ctx); err == nil {
			room, err = app.OpenRoom(ctx, roomID)
		}
	}
	if err != nil {
		return err
	}
	out.printf("watching %s as %s (Ctrl+C to leave)\n", room.ID(), app.Identity().DisplayName())

	go readMessages(ctx, cmd.InOrStdin(), room, out)
	<-ctx.Done()
	room.Close()
	return nil
}

// readMessages sends each input line to room until input ends.
func readMessages(ctx context.Context, in io.Reader, room *collab.Room, out *syncWriter) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		recipient, content := parseInputLine(scanner.Text())
		if content == "" {
			continue
		}
		if _, err := room.Send(recipient, content); err != nil {
			out.printf("send failed: %v\n", err)
		}
	}
}

// parseInputLine splits "/dm <email> <text>" into a direct message.
func parseInputLine(line string) (recipient, content string) {
	line = strings.TrimSpace(line)
	rest, ok := strings.CutPrefix(line, "/dm ")
	if !ok {
		return "", line
	}
	recipient, content, _ = strings.Cut(strings.TrimSpace(rest), " ")
	return recipient, strings.TrimSpace(content)
}

func formatMessage(msg models.Message) string {
	stamp := msg.CreatedAt.Local().Format("15:04")
	if msg.IsDirect() {
		return fmt.Sprintf("%s %s -> %s: %s", stamp, msg.Sender.DisplayName(), msg.Recipient, msg.Content)
	}
	return fmt.Sprintf("%s %s: %s", stamp, msg.Sender.DisplayName(), msg.Content)
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, format, args...)
}

// =============================================================================
// Collaborators
// =============================================================================

// runCollaborators handles the collaborators command.
func runCollaborators(cmd *cobra.Command, opts *globalOptions, room string) error {
	env, err := newClientEnv(cmd, opts)
	if err != nil {
		return err
	}
	info, err := env.controller().Load(cmd.Context(), room)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if info.Title != "" {
		fmt.Fprintf(out, "%s (%s)\n", info.Title, info.ChatID)
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tEMAIL\tNAME\tROLE\tSTATUS\tREVISION")
	for _, c := range info.Collaborators {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n", c.ID, c.Email, c.Name, c.Role, c.Status, c.Revision)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if info.ShareLinkEnabled {
		fmt.Fprintf(out, "Share link: %s\n", info.ShareLink)
	}
	return nil
}

// runSetRole handles the set-role command.
func runSetRole(cmd *cobra.Command, opts *globalOptions, room, id, roleName string) error {
	role, err := models.ParseRole(roleName)
	if err != nil {
		return err
	}
	env, err := newClientEnv(cmd, opts)
	if err != nil {
		return err
	}
	if err := env.controller().SetRole(cmd.Context(), room, id, role); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Collaborator %s is now %s\n", id, role)
	return nil
}

// runRemove handles the remove command.
func runRemove(cmd *cobra.Command, opts *globalOptions, room, id string) error {
	env, err := newClientEnv(cmd, opts)
	if err != nil {
		return err
	}
	if err := env.controller().Remove(cmd.Context(), room, id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed collaborator %s\n", id)
	return nil
}

// =============================================================================
// Invitations
// =============================================================================

// runInvite handles the invite command.
func runInvite(cmd *cobra.Command, opts *globalOptions, room, email, roleName string) error {
	role, err := models.ParseRole(roleName)
	if err != nil {
		return err
	}
	env, err := newClientEnv(cmd, opts)
	if err != nil {
		return err
	}
	result, err := env.controller().Invite(cmd.Context(), room, email, role)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Invited %s as %s (%s)\n", result.Collaborator.Email, result.Collaborator.Role, result.Collaborator.Status)
	fmt.Fprintf(out, "Invitation link: %s\n", result.InvitationLink)
	if !result.Delivery.Sent {
		fmt.Fprintf(out, "Email not sent: %s. Share the link directly.\n", result.Delivery.Error)
	}
	return nil
}

// runShareLink handles the share-link command.
func runShareLink(cmd *cobra.Command, opts *globalOptions, room, roleName string, expiryDays int, qrPath string) error {
	role, err := models.ParseRole(roleName)
	if err != nil {
		return err
	}
	env, err := newClientEnv(cmd, opts)
	if err != nil {
		return err
	}
	link, err := env.controller().CreateShareLink(cmd.Context(), room, role, expiryDays)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Share link: %s\n", link.URL)
	fmt.Fprintf(out, "Role: %s, expires %s\n", link.Role, link.ExpiresAt.Local().Format(time.RFC1123))
	if qrPath != "" {
		if err := qrcode.WriteFile(link.URL, qrcode.Medium, qrSize, qrPath); err != nil {
			return fmt.Errorf("write qr code: %w", err)
		}
		fmt.Fprintf(out, "QR code written to %s\n", qrPath)
	}
	return nil
}

// runInvitation handles the invitation command.
func runInvitation(cmd *cobra.Command, opts *globalOptions, token string) error {
	env, err := newClientEnv(cmd, opts)
	if err != nil {
		return err
	}
	inv, err := env.controller().ResolveInvitation(cmd.Context(), token)
	if err != nil {
		return err
	}
	printInvitation(cmd.OutOrStdout(), inv)
	return nil
}

func printInvitation(out io.Writer, inv *models.Invitation) {
	title := inv.ChatTitle
	if title == "" {
		title = inv.ChatID
	}
	fmt.Fprintf(out, "%s invited you to %s as %s\n", inv.InviterName, title, inv.Role)
	if inv.InvitedEmail != "" {
		fmt.Fprintf(out, "Invited email: %s\n", inv.InvitedEmail)
	}
	if !inv.ExpiresAt.IsZero() {
		fmt.Fprintf(out, "Expires: %s\n", inv.ExpiresAt.Local().Format(time.RFC1123))
	}
}

// runAccept handles the accept command.
func runAccept(cmd *cobra.Command, opts *globalOptions, token, name, email string) error {
	env, err := newClientEnv(cmd, opts)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	ctrl := env.controller()

	inv, err := ctrl.ResolveInvitation(ctx, token)
	if err != nil {
		return err
	}
	printInvitation(cmd.OutOrStdout(), inv)

	if strings.TrimSpace(name) == "" {
		name, err = promptName(cmd)
		if err != nil {
			return err
		}
	}
	if strings.TrimSpace(email) == "" {
		email = inv.InvitedEmail
	}
	if strings.TrimSpace(email) == "" {
		email = env.cfg.Identity.Email
	}

	// Connect so the room hears about the new collaborator. The accept
	// itself does not depend on it.
	if email != "" {
		if err := env.manager.Connect(ctx, models.Identity{Email: email, Name: name}); err == nil {
			defer env.manager.Disconnect()
			waitCtx, cancel := context.WithTimeout(ctx, connectTimeout)
			if err := env.manager.WaitForState(waitCtx, models.ConnectionConnected); err != nil {
				env.logger.Debug("event channel unavailable", "error", err)
			}
			cancel()
		}
	}

	prof, err := ctrl.AcceptInvitation(ctx, token, name, email)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Joined %s as %s (%s)\nProfile saved to %s\n", prof.RoomID, prof.Role, prof.Email, env.profiles.Path())
	return nil
}

func promptName(cmd *cobra.Command) (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("--name is required when stdin is not a terminal")
	}
	fmt.Fprint(cmd.OutOrStdout(), "Display name: ")
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	name := strings.TrimSpace(line)
	if name == "" {
		return "", fmt.Errorf("display name is required")
	}
	return name, nil
}

// =============================================================================
// Profile
// =============================================================================

// runProfileShow handles the profile show command.
func runProfileShow(cmd *cobra.Command, opts *globalOptions) error {
	env, err := newClientEnv(cmd, opts)
	if err != nil {
		return err
	}
	prof, err := env.profiles.Load()
	if errors.Is(err, profile.ErrNoProfile) {
		fmt.Fprintln(cmd.OutOrStdout(), "No saved profile.")
		return nil
	}
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(prof, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

// runProfileClear handles the profile clear command.
func runProfileClear(cmd *cobra.Command, opts *globalOptions) error {
	env, err := newClientEnv(cmd, opts)
	if err != nil {
		return err
	}
	if err := env.profiles.Clear(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", env.profiles.Path())
	return nil
}
