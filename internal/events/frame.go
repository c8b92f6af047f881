package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/citruslab/collab/pkg/models"
)

// ErrEmptyFrame is returned when decoding a frame without an event name.
var ErrEmptyFrame = errors.New("frame has no event")

// Frame is the envelope exchanged on the event channel.
type Frame struct {
	Event Kind            `json:"event"`
	Room  string          `json:"room,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Payload is the body carried by every frame kind. Fields not used by a kind
// are omitted.
type Payload struct {
	User      *models.Participant  `json:"user,omitempty"`
	Users     []models.Participant `json:"users,omitempty"`
	Cursor    *models.Cursor       `json:"cursor,omitempty"`
	Message   *models.Message      `json:"message,omitempty"`
	Token     string               `json:"token,omitempty"`
	Error     string               `json:"error,omitempty"`
	Timestamp time.Time            `json:"timestamp,omitzero"`
}

// NewFrame encodes payload into a frame of the given kind.
func NewFrame(kind Kind, room string, payload any) (Frame, error) {
	frame := Frame{Event: kind, Room: room}
	if payload == nil {
		return frame, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	frame.Data = data
	return frame, nil
}

// Payload decodes the frame body. A frame without data yields a zero payload.
func (f Frame) Payload() (Payload, error) {
	var p Payload
	if len(f.Data) == 0 || string(f.Data) == "null" {
		return p, nil
	}
	if err := json.Unmarshal(f.Data, &p); err != nil {
		return Payload{}, fmt.Errorf("decode %s payload: %w", f.Event, err)
	}
	return p, nil
}

// Encode serializes the frame for the wire.
func (f Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// Decode parses a frame from the wire.
func Decode(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, err
	}
	if f.Event == "" {
		return Frame{}, ErrEmptyFrame
	}
	return f, nil
}

// UserFrame builds the common room-scoped frame that names the acting user.
func UserFrame(kind Kind, room string, user models.Participant) Frame {
	data, _ := json.Marshal(Payload{User: &user})
	return Frame{Event: kind, Room: room, Data: data}
}
