package models

import "time"

// Message is a chat message relayed through the collaboration channel.
// An empty Recipient addresses the whole room.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	Sender    Identity  `json:"sender"`
	Recipient string    `json:"recipient,omitempty"`
	Content   string    `json:"content"`
	Type      string    `json:"type,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// IsDirect reports whether the message targets a single recipient.
func (m Message) IsDirect() bool {
	return m.Recipient != ""
}

// Involves reports whether the message was sent by or to the given email.
func (m Message) Involves(email string) bool {
	key := NormalizeEmail(email)
	return NormalizeEmail(m.Sender.Email) == key || NormalizeEmail(m.Recipient) == key
}
