package events

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type schemaRegistry struct {
	once    sync.Once
	initErr error
	frame   *jsonschema.Schema
	kinds   map[Kind]*jsonschema.Schema
}

var schemas schemaRegistry

func initSchemas() error {
	schemas.once.Do(func() {
		frameSchema, err := jsonschema.CompileString("client_frame", clientFrameSchema)
		if err != nil {
			schemas.initErr = err
			return
		}
		schemas.frame = frameSchema

		byKind := map[Kind]string{
			KindIdentify:           identifySchema,
			KindJoinChat:           roomUserSchema,
			KindLeaveChat:          roomUserSchema,
			KindTyping:             roomUserSchema,
			KindStopTyping:         roomUserSchema,
			KindPresenceUpdate:     presenceUpdateSchema,
			KindInvitationAccepted: roomUserSchema,
			KindSendMessage:        sendMessageSchema,
		}
		schemas.kinds = make(map[Kind]*jsonschema.Schema, len(byKind))
		for kind, src := range byKind {
			compiled, err := jsonschema.CompileString("client_frame_"+string(kind), src)
			if err != nil {
				schemas.initErr = err
				return
			}
			schemas.kinds[kind] = compiled
		}
	})
	return schemas.initErr
}

// ValidateClientFrame checks a raw client frame against the envelope schema
// and the schema of its kind.
func ValidateClientFrame(raw []byte) (Frame, error) {
	if err := initSchemas(); err != nil {
		return Frame{}, err
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Frame{}, err
	}
	if err := schemas.frame.Validate(doc); err != nil {
		return Frame{}, err
	}

	frame, err := Decode(raw)
	if err != nil {
		return Frame{}, err
	}
	if !frame.Event.IsClient() {
		return Frame{}, fmt.Errorf("unknown client event %q", frame.Event)
	}
	if frame.Event.RoomScoped() && frame.Room == "" {
		return Frame{}, fmt.Errorf("%s frame requires a room", frame.Event)
	}
	if schema := schemas.kinds[frame.Event]; schema != nil {
		data := doc.(map[string]any)["data"]
		if data == nil {
			data = map[string]any{}
		}
		if err := schema.Validate(data); err != nil {
			return Frame{}, err
		}
	}
	return frame, nil
}

const clientFrameSchema = `{
  "type": "object",
  "required": ["event"],
  "properties": {
    "event": { "type": "string", "minLength": 1 },
    "room": { "type": "string" },
    "data": {}
  },
  "additionalProperties": false
}`

const userSchema = `{
  "type": "object",
  "required": ["email"],
  "properties": {
    "email": { "type": "string", "minLength": 3 },
    "name": { "type": "string" }
  },
  "additionalProperties": true
}`

var identifySchema = `{
  "type": "object",
  "required": ["user"],
  "properties": { "user": ` + userSchema + ` },
  "additionalProperties": true
}`

var roomUserSchema = identifySchema

var presenceUpdateSchema = `{
  "type": "object",
  "required": ["user"],
  "properties": {
    "user": ` + userSchema + `,
    "cursor": {
      "type": "object",
      "properties": {
        "position": { "type": "integer" },
        "color": { "type": "string" }
      },
      "additionalProperties": true
    }
  },
  "additionalProperties": true
}`

var sendMessageSchema = `{
  "type": "object",
  "required": ["message"],
  "properties": {
    "user": ` + userSchema + `,
    "message": {
      "type": "object",
      "required": ["id", "content"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "content": { "type": "string", "minLength": 1 },
        "recipient": { "type": "string" }
      },
      "additionalProperties": true
    }
  },
  "additionalProperties": true
}`
