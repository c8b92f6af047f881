package collabserver

import (
	"context"
	"log/slog"
)

// InvitationMail is an invitation to deliver out of band.
type InvitationMail struct {
	To          string
	InviterName string
	ChatTitle   string
	Role        string
	Link        string
}

// Mailer delivers invitation links. Failures are reported to the inviter
// but do not undo the invitation.
type Mailer interface {
	SendInvitation(ctx context.Context, mail InvitationMail) error
}

// LogMailer logs invitations instead of sending them.
type LogMailer struct {
	Logger *slog.Logger
}

// SendInvitation implements Mailer.
func (m LogMailer) SendInvitation(_ context.Context, mail InvitationMail) error {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("invitation ready",
		"to", mail.To,
		"inviter", mail.InviterName,
		"room_title", mail.ChatTitle,
		"role", mail.Role,
		"link", mail.Link,
	)
	return nil
}
