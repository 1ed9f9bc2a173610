package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Kind string

const (
	KindDirect Kind = "direct"
	KindGroup  Kind = "group"
)

// ConversationKey addresses one message bucket: a direct partner or a group.
type ConversationKey struct {
	Kind Kind
	ID   int
}

func DirectKey(partnerID int) ConversationKey {
	return ConversationKey{Kind: KindDirect, ID: partnerID}
}

func GroupKey(groupID int) ConversationKey {
	return ConversationKey{Kind: KindGroup, ID: groupID}
}

func (k ConversationKey) IsZero() bool {
	return k.Kind == "" || k.ID == 0
}

func (k ConversationKey) IsGroup() bool {
	return k.Kind == KindGroup
}

func (k ConversationKey) String() string {
	if k.IsZero() {
		return ""
	}
	return fmt.Sprintf("%s_%d", k.Kind, k.ID)
}

// ParseConversationKey parses the "direct_7" / "group_3" form.
func ParseConversationKey(s string) (ConversationKey, error) {
	kind, rawID, ok := strings.Cut(s, "_")
	if !ok {
		return ConversationKey{}, fmt.Errorf("invalid conversation key %q", s)
	}
	id, err := strconv.Atoi(rawID)
	if err != nil || id <= 0 {
		return ConversationKey{}, fmt.Errorf("invalid conversation id in %q", s)
	}
	switch Kind(kind) {
	case KindDirect, KindGroup:
		return ConversationKey{Kind: Kind(kind), ID: id}, nil
	default:
		return ConversationKey{}, fmt.Errorf("invalid conversation kind in %q", s)
	}
}

func (k ConversationKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *ConversationKey) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*k = ConversationKey{}
		return nil
	}
	parsed, err := ParseConversationKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Status is the delivery status of a message: sent -> delivered -> read.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

func (s Status) rank() int {
	switch s {
	case StatusDelivered:
		return 1
	case StatusRead:
		return 2
	default:
		return 0
	}
}

// Advance returns the status after applying next. Status never moves
// backwards; the second result reports whether it changed.
func (s Status) Advance(next Status) (Status, bool) {
	if next.rank() > s.rank() {
		return next, true
	}
	if s == "" {
		return StatusSent, true
	}
	return s, false
}

type Presence string

const (
	Online  Presence = "online"
	Offline Presence = "offline"
)

// Timestamp accepts RFC 3339 as well as the backend's "2006-01-02 15:04:05.999999"
// text form.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func ParseTimestamp(s string) (Timestamp, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Timestamp{t}, nil
		}
	}
	return Timestamp{}, fmt.Errorf("unsupported timestamp %q", s)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*t = Timestamp{}
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == "" {
		*t = Timestamp{}
		return nil
	}
	parsed, err := ParseTimestamp(raw)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Attachment describes an uploaded file referenced by a message.
type Attachment struct {
	URL      string  `json:"file_url,omitempty"`
	Type     string  `json:"file_type,omitempty"`
	Name     string  `json:"file_name,omitempty"`
	Size     int64   `json:"file_size,omitempty"`
	Duration float64 `json:"duration,omitempty"` // seconds, audio only
}

func (a *Attachment) IsAudio() bool {
	return a != nil && strings.HasPrefix(a.Type, "audio/")
}

// Message mirrors the backend's message payload. Exactly one of ReceiverID
// and GroupID is set.
type Message struct {
	ID         int       `json:"id"`
	Content    string    `json:"content,omitempty"`
	SenderID   int       `json:"sender_id"`
	ReceiverID int       `json:"receiver_id,omitempty"`
	GroupID    int       `json:"group_id,omitempty"`
	CreatedAt  Timestamp `json:"created_at"`
	Status     Status    `json:"status"`
	*Attachment
}

func (m *Message) IsGroup() bool {
	return m.GroupID != 0
}

type User struct {
	ID    int    `json:"id"`
	Email string `json:"email"`
}

type Contact struct {
	ID              int       `json:"id"`
	Email           string    `json:"email"`
	DisplayName     string    `json:"display_name,omitempty"`
	About           string    `json:"about,omitempty"`
	ProfilePhotoURL string    `json:"profile_photo_url,omitempty"`
	CreatedAt       Timestamp `json:"created_at"`
}

// Name is the display name, falling back to the local part of the email.
func (c Contact) Name() string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	local, _, _ := strings.Cut(c.Email, "@")
	return local
}

type Group struct {
	ID        int       `json:"id"`
	Name      string    `json:"name"`
	AdminID   int       `json:"admin_id"`
	CreatedAt Timestamp `json:"created_at"`
}

type Profile struct {
	ID              int        `json:"id"`
	Email           string     `json:"email"`
	DisplayName     string     `json:"display_name,omitempty"`
	About           string     `json:"about,omitempty"`
	ProfilePhotoURL string     `json:"profile_photo_url,omitempty"`
	ThemePreference string     `json:"theme_preference,omitempty"`
	LastSeen        *Timestamp `json:"last_seen,omitempty"`
	CreatedAt       Timestamp  `json:"created_at"`
}

type ProfileUpdate struct {
	DisplayName     *string `json:"display_name,omitempty"`
	About           *string `json:"about,omitempty"`
	ThemePreference *string `json:"theme_preference,omitempty"`
}

// ProfilePatch carries the contact fields a profile_updated event may change.
type ProfilePatch struct {
	UserID          int     `json:"user_id"`
	DisplayName     *string `json:"display_name,omitempty"`
	About           *string `json:"about,omitempty"`
	ProfilePhotoURL *string `json:"profile_photo_url,omitempty"`
}

type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	UserID      int    `json:"user_id"`
	Email       string `json:"email"`
}

type Upload struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Type     string `json:"type"`
	Size     int64  `json:"size"`
}

func (u Upload) Attachment() *Attachment {
	return &Attachment{URL: u.URL, Type: u.Type, Name: u.Filename, Size: u.Size}
}
