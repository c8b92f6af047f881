package models

import (
	"strings"
	"time"
)

// Cursor is the free-form cursor metadata a participant shares with the room.
type Cursor struct {
	Position int    `json:"position"`
	Color    string `json:"color,omitempty"`
}

// Participant is a user currently present in a room. The email is the
// identity key; a room never holds two participants with the same email.
type Participant struct {
	Email      string    `json:"email"`
	Name       string    `json:"name,omitempty"`
	Cursor     *Cursor   `json:"cursor,omitempty"`
	LastActive time.Time `json:"lastActive,omitzero"`
}

// Identity returns the participant as an identify payload.
func (p Participant) Identity() Identity {
	return Identity{Email: p.Email, Name: p.Name}
}

// NormalizeEmail lowercases and trims an email so it can be used as a key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ParticipantFromIdentity builds a participant for the given identity.
func ParticipantFromIdentity(id Identity) Participant {
	return Participant{Email: id.Email, Name: id.Name}
}
