package collab

import (
	"sync"

	"github.com/citruslab/collab/internal/presence"
	"github.com/citruslab/collab/pkg/models"
)

// Room is an open collaboration room.
type Room struct {
	app  *App
	id   string
	self models.Participant
	view *presence.View
	once sync.Once
}

// ID returns the room id.
func (r *Room) ID() string { return r.id }

// Users returns the room's participants in join order.
func (r *Room) Users() []models.Participant { return r.view.Users() }

// TypingUsers returns the emails of remote users typing in the room.
func (r *Room) TypingUsers() []string { return r.app.Typing.TypingUsers(r.id) }

// Messages returns the room transcript.
func (r *Room) Messages() []models.Message { return r.app.Relay.Messages(r.id) }

// Conversation returns the direct messages with peer.
func (r *Room) Conversation(peer string) []models.Message {
	return r.app.Relay.Conversation(r.id, peer)
}

// Send sends content to the room, or only to recipient when set.
func (r *Room) Send(recipient, content string) (models.Message, error) {
	msg, err := r.app.Relay.Send(r.id, recipient, content)
	if err == nil {
		r.app.Typing.StopLocal(r.id)
	}
	return msg, err
}

// Input records a local keystroke.
func (r *Room) Input() {
	r.app.Typing.OnLocalInput(r.id, r.self)
}

// SetCursor updates the cursor shared with the next heartbeat.
func (r *Room) SetCursor(cursor *models.Cursor) {
	r.view.SetCursor(cursor)
}

// Collaboration returns the cached access configuration of the room.
func (r *Room) Collaboration() (*models.Collaboration, bool) {
	return r.app.Access.Room(r.id)
}

// Close leaves the room and releases its presence, typing and relay
// state. It returns once the room's loops have stopped.
func (r *Room) Close() {
	r.once.Do(func() {
		r.view.Close()
		r.app.Typing.Release(r.id)
		r.app.Relay.Release(r.id)
		r.app.forget(r.id)
		r.app.logger.Info("room closed", "room", r.id)
	})
}
