// Package events defines the realtime channel's wire format: typed inbound
// events decoded from JSON text frames and the outbound payloads the client
// transmits.
package events

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/4xmen/echat/internal/models"
)

// Inbound wire types.
const (
	TypeNewMessage            = "new_message"
	TypeTypingStart           = "typing_start"
	TypeTypingStop            = "typing_stop"
	TypeMessageRead           = "message_read"
	TypeUserStatus            = "user_status"
	TypeProfileUpdated        = "profile_updated"
	TypeContactProfileUpdated = "contact_profile_updated"
	TypeConnected             = "connected"
)

// Outbound wire types.
const (
	TypeText = "text"
	TypeFile = "file"
)

var ErrMalformed = errors.New("malformed event")

// Event is one decoded inbound event. The concrete type is one of
// NewMessage, TypingStart, TypingStop, MessageRead, UserStatus,
// ProfileUpdated, Connected or Unknown.
type Event interface {
	EventType() string
}

type NewMessage struct {
	Message models.Message
}

// Typing carries the shared fields of typing_start and typing_stop.
type Typing struct {
	UserID     int `json:"user_id"`
	SenderID   int `json:"sender_id"`
	ReceiverID int `json:"receiver_id"`
	GroupID    int `json:"group_id"`
}

// Typist returns the id of the typing user; older servers only set sender_id.
func (t Typing) Typist() int {
	if t.UserID != 0 {
		return t.UserID
	}
	return t.SenderID
}

type TypingStart struct{ Typing }

type TypingStop struct{ Typing }

// MessageRead is either keyed by message id or, in the short form, by the
// user who read the conversation.
type MessageRead struct {
	MessageID int `json:"message_id"`
	ReaderID  int `json:"reader_id"`
	ReadBy    int `json:"read_by"`
}

type UserStatus struct {
	UserID int             `json:"user_id"`
	Status models.Presence `json:"status"`
}

type ProfileUpdated struct {
	Patch models.ProfilePatch
}

type Connected struct {
	UserID int `json:"user_id"`
}

type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (NewMessage) EventType() string     { return TypeNewMessage }
func (TypingStart) EventType() string    { return TypeTypingStart }
func (TypingStop) EventType() string     { return TypeTypingStop }
func (MessageRead) EventType() string    { return TypeMessageRead }
func (UserStatus) EventType() string     { return TypeUserStatus }
func (ProfileUpdated) EventType() string { return TypeProfileUpdated }
func (Connected) EventType() string      { return TypeConnected }
func (u Unknown) EventType() string      { return u.Type }

type envelope struct {
	Type string `json:"type"`
}

// Decode parses one text frame. Unknown types decode to Unknown; frames that
// are not JSON objects, lack a type, or miss a required field return an error
// wrapping ErrMalformed.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	switch env.Type {
	case TypeNewMessage:
		var msg models.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
		}
		if msg.ID == 0 || msg.SenderID == 0 {
			return nil, fmt.Errorf("%w: %s without id or sender_id", ErrMalformed, env.Type)
		}
		if msg.GroupID == 0 && msg.ReceiverID == 0 {
			return nil, fmt.Errorf("%w: %s without receiver_id or group_id", ErrMalformed, env.Type)
		}
		if msg.Status == "" {
			msg.Status = models.StatusSent
		}
		return NewMessage{Message: msg}, nil

	case TypeTypingStart, TypeTypingStop:
		var t Typing
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
		}
		if t.Typist() == 0 {
			return nil, fmt.Errorf("%w: %s without user", ErrMalformed, env.Type)
		}
		if env.Type == TypeTypingStart {
			return TypingStart{t}, nil
		}
		return TypingStop{t}, nil

	case TypeMessageRead:
		var r MessageRead
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
		}
		if r.MessageID == 0 && r.ReaderID == 0 {
			return nil, fmt.Errorf("%w: %s without message_id or reader_id", ErrMalformed, env.Type)
		}
		return r, nil

	case TypeUserStatus:
		var s UserStatus
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
		}
		if s.UserID == 0 || (s.Status != models.Online && s.Status != models.Offline) {
			return nil, fmt.Errorf("%w: %s without user_id or status", ErrMalformed, env.Type)
		}
		return s, nil

	case TypeProfileUpdated, TypeContactProfileUpdated:
		var p models.ProfilePatch
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
		}
		if p.UserID == 0 {
			return nil, fmt.Errorf("%w: %s without user_id", ErrMalformed, env.Type)
		}
		return ProfileUpdated{Patch: p}, nil

	case TypeConnected:
		var c Connected
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
		}
		return c, nil

	default:
		return Unknown{Type: env.Type, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

// Outbound is a payload the client sends. Type is one of text, file,
// typing_start, typing_stop, message_read or profile_updated.
type Outbound struct {
	Type            string `json:"type"`
	Content         string `json:"content,omitempty"`
	ReceiverID      int    `json:"receiver_id,omitempty"`
	GroupID         int    `json:"group_id,omitempty"`
	MessageID       int    `json:"message_id,omitempty"`
	DisplayName     string `json:"display_name,omitempty"`
	About           string `json:"about,omitempty"`
	ProfilePhotoURL string `json:"profile_photo_url,omitempty"`
	*models.Attachment
}
