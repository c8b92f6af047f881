// Package events defines the wire protocol of the collaboration event channel.
package events

// Kind names a frame on the event channel.
type Kind string

// Client to server kinds.
const (
	KindIdentify           Kind = "identify"
	KindJoinChat           Kind = "join-chat"
	KindLeaveChat          Kind = "leave-chat"
	KindSendMessage        Kind = "send-message"
	KindTyping             Kind = "typing"
	KindStopTyping         Kind = "stop-typing"
	KindPresenceUpdate     Kind = "presence-update"
	KindInvitationAccepted Kind = "invitation-accepted"
)

// Server to client kinds.
const (
	KindActiveUsers    Kind = "active-users"
	KindUserJoined     Kind = "user-joined"
	KindUserLeft       Kind = "user-left"
	KindUserTyping     Kind = "user-typing"
	KindUserStopTyping Kind = "user-stop-typing"
	KindNewMessage     Kind = "new-message"
	KindError          Kind = "error"
)

var clientKinds = map[Kind]bool{
	KindIdentify:           true,
	KindJoinChat:           true,
	KindLeaveChat:          true,
	KindSendMessage:        true,
	KindTyping:             true,
	KindStopTyping:         true,
	KindPresenceUpdate:     true,
	KindInvitationAccepted: true,
}

var serverKinds = map[Kind]bool{
	KindActiveUsers:    true,
	KindUserJoined:     true,
	KindUserLeft:       true,
	KindUserTyping:     true,
	KindUserStopTyping: true,
	KindNewMessage:     true,
	KindError:          true,
}

// IsClient reports whether clients may send frames of this kind.
func (k Kind) IsClient() bool { return clientKinds[k] }

// IsServer reports whether the server emits frames of this kind.
func (k Kind) IsServer() bool { return serverKinds[k] }

// RoomScoped reports whether frames of this kind must carry a room.
func (k Kind) RoomScoped() bool {
	switch k {
	case KindIdentify, KindError:
		return false
	default:
		return true
	}
}
