// Package envelope decodes the relay's JSON wire messages into a closed set
// of variants and builds the envelopes the relay originates itself.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	TagJoin        = "join"
	TagJoined      = "joined"
	TagSceneState  = "DISPLAY_SCENE_STATE"
	TagCountdown   = "DISPLAY_COUNTDOWN"
	TagChatMessage = "chat:msg"
	TagPresence    = "chat:presence"

	displayPrefix = "DISPLAY_"
	chatPrefix    = "chat:"
)

var (
	ErrMalformed = errors.New("malformed envelope")
	ErrNotObject = errors.New("envelope is not a JSON object")
)

type Role string

const (
	RoleGM     Role = "gm"
	RolePlayer Role = "player"
)

func (r Role) Valid() bool {
	return r == RoleGM || r == RolePlayer
}

// Envelope is one decoded inbound message: Join, Display, Chat or Unrecognized.
type Envelope interface{ isEnvelope() }

// Join carries the optional session fields of a join request. Absent or
// invalid fields are left at their zero value.
type Join struct {
	Room string
	Nick string
	Role Role
}

// Display is a DISPLAY_* envelope, forwarded verbatim.
type Display struct {
	Tag  string
	Room string
	Raw  []byte
}

// Chat is a chat:* envelope.
type Chat struct {
	Tag    string
	Room   string
	Raw    []byte
	fields map[string]json.RawMessage
}

// Unrecognized is any envelope whose tag is missing or not handled by the relay.
type Unrecognized struct {
	Tag string
}

func (Join) isEnvelope()         {}
func (Display) isEnvelope()      {}
func (Chat) isEnvelope()         {}
func (Unrecognized) isEnvelope() {}

// Decode parses data and classifies it by its "t" tag.
func Decode(data []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, fmt.Errorf("%w: %s", ErrNotObject, typeErr.Value)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if fields == nil {
		return nil, ErrNotObject
	}

	tag, ok := stringField(fields, "t")
	if !ok {
		return Unrecognized{}, nil
	}
	room, _ := stringField(fields, "room")

	switch {
	case tag == TagJoin:
		nick, _ := stringField(fields, "nick")
		role, _ := stringField(fields, "role")
		j := Join{Room: room, Nick: nick, Role: Role(role)}
		if !j.Role.Valid() {
			j.Role = ""
		}
		return j, nil
	case strings.HasPrefix(tag, displayPrefix):
		return Display{Tag: tag, Room: room, Raw: data}, nil
	case strings.HasPrefix(tag, chatPrefix):
		return Chat{Tag: tag, Room: room, Raw: data, fields: fields}, nil
	default:
		return Unrecognized{Tag: tag}, nil
	}
}

// Payload returns the bytes to broadcast. A chat:msg without a timestamp
// gets "ts" set to now in Unix milliseconds; anything else is returned as received.
func (c Chat) Payload(now time.Time) ([]byte, error) {
	if c.Tag != TagChatMessage || !isFalsy(c.fields["ts"]) {
		return c.Raw, nil
	}
	stamped := make(map[string]json.RawMessage, len(c.fields)+1)
	for k, v := range c.fields {
		stamped[k] = v
	}
	stamped["ts"] = json.RawMessage(strconv.FormatInt(now.UnixMilli(), 10))
	return json.Marshal(stamped)
}

// stringField reports the named field when it is a non-empty JSON string.
func stringField(fields map[string]json.RawMessage, name string) (string, bool) {
	raw, ok := fields[name]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return "", false
	}
	return s, true
}

// isFalsy treats absent, null, false, 0 and "" as no value.
func isFalsy(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return true
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return true
	}
	switch x := v.(type) {
	case nil:
		return true
	case bool:
		return !x
	case float64:
		return x == 0
	case string:
		return x == ""
	default:
		return false
	}
}
