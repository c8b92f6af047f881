package models

import (
	"fmt"
	"time"
)

// Role is the access level a collaborator holds in a room.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// ParseRole parses a role name. An empty string yields the viewer role.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case "":
		return RoleViewer, nil
	case RoleOwner, RoleEditor, RoleViewer:
		return Role(s), nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Assignable reports whether the role can be granted through an invitation,
// a share link or a role change. Ownership is never transferable.
func (r Role) Assignable() bool {
	return r == RoleEditor || r == RoleViewer
}

// CollaboratorStatus tracks where a collaborator is in the invitation flow.
type CollaboratorStatus string

const (
	StatusPending  CollaboratorStatus = "pending"
	StatusAccepted CollaboratorStatus = "accepted"
	StatusRejected CollaboratorStatus = "rejected"
)

// Collaborator is a user granted a persistent, room-scoped role.
type Collaborator struct {
	ID        string             `json:"id"`
	Email     string             `json:"email"`
	Name      string             `json:"name,omitempty"`
	Role      Role               `json:"role"`
	Status    CollaboratorStatus `json:"status"`
	InvitedAt time.Time          `json:"invitedAt"`
	// Revision increases on every mutation of the record.
	Revision int64 `json:"revision"`
}

// IsOwner reports whether the collaborator owns the room.
func (c Collaborator) IsOwner() bool {
	return c.Role == RoleOwner
}

// Collaboration is the access configuration of one room.
type Collaboration struct {
	ChatID           string         `json:"chatId"`
	Title            string         `json:"title,omitempty"`
	Collaborators    []Collaborator `json:"collaborators"`
	ShareLink        string         `json:"shareLink,omitempty"`
	ShareLinkEnabled bool           `json:"shareLinkEnabled"`
}

// Owner returns the owner record, if present.
func (c *Collaboration) Owner() (Collaborator, bool) {
	for _, collab := range c.Collaborators {
		if collab.IsOwner() {
			return collab, true
		}
	}
	return Collaborator{}, false
}

// Find returns the collaborator with the given id.
func (c *Collaboration) Find(id string) (Collaborator, bool) {
	for _, collab := range c.Collaborators {
		if collab.ID == id {
			return collab, true
		}
	}
	return Collaborator{}, false
}

// FindByEmail returns the collaborator with the given email.
func (c *Collaboration) FindByEmail(email string) (Collaborator, bool) {
	key := NormalizeEmail(email)
	for _, collab := range c.Collaborators {
		if NormalizeEmail(collab.Email) == key {
			return collab, true
		}
	}
	return Collaborator{}, false
}

// ShareLink is a generated room share link.
type ShareLink struct {
	Token     string    `json:"shareToken"`
	URL       string    `json:"shareUrl"`
	Role      Role      `json:"role"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Invitation is the public view of an invitation token.
type Invitation struct {
	InviterName  string    `json:"inviterName"`
	ChatTitle    string    `json:"chatTitle"`
	Role         Role      `json:"role"`
	ChatID       string    `json:"chatId"`
	InvitedEmail string    `json:"invitedEmail,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt,omitzero"`
}

// EmailStatus reports the outcome of out-of-band invitation delivery.
type EmailStatus struct {
	Sent  bool   `json:"sent"`
	Error string `json:"error,omitempty"`
}

// SessionProfile is the locally persisted record of an accepted invitation.
type SessionProfile struct {
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	Role       Role      `json:"role"`
	RoomID     string    `json:"roomId"`
	AcceptedAt time.Time `json:"acceptedAt,omitzero"`
}
