// Package intent turns local user actions into outbound realtime payloads.
package intent

import (
	"time"

	"github.com/4xmen/echat/internal/events"
	"github.com/4xmen/echat/internal/models"
)

// address sets exactly one of receiver_id and group_id. Building a payload
// without a conversation is a caller bug.
func address(out *events.Outbound, key models.ConversationKey) {
	if key.IsZero() {
		panic("intent: payload built without a conversation")
	}
	if key.IsGroup() {
		out.GroupID = key.ID
	} else {
		out.ReceiverID = key.ID
	}
}

func Text(key models.ConversationKey, content string) events.Outbound {
	out := events.Outbound{Type: events.TypeText, Content: content}
	address(&out, key)
	return out
}

// File references an already uploaded attachment; caption may be empty.
func File(key models.ConversationKey, att *models.Attachment, caption string) events.Outbound {
	out := events.Outbound{Type: events.TypeFile, Content: caption, Attachment: att}
	address(&out, key)
	return out
}

func TypingStart(key models.ConversationKey) events.Outbound {
	out := events.Outbound{Type: events.TypeTypingStart}
	address(&out, key)
	return out
}

func TypingStop(key models.ConversationKey) events.Outbound {
	out := events.Outbound{Type: events.TypeTypingStop}
	address(&out, key)
	return out
}

// ReadReceipt tells a direct partner that the conversation has been read.
func ReadReceipt(partner models.ConversationKey) events.Outbound {
	out := events.Outbound{Type: events.TypeMessageRead}
	address(&out, partner)
	return out
}

func ReadMessage(messageID int) events.Outbound {
	return events.Outbound{Type: events.TypeMessageRead, MessageID: messageID}
}

func ProfileUpdated(p models.Profile) events.Outbound {
	return events.Outbound{
		Type:            events.TypeProfileUpdated,
		DisplayName:     p.DisplayName,
		About:           p.About,
		ProfilePhotoURL: p.ProfilePhotoURL,
	}
}

// Timers schedules callbacks. The session's implementation runs them on its
// reaction loop.
type Timers interface {
	AfterFunc(d time.Duration, f func()) (stop func() bool)
}

// Typist debounces typing indicators: one typing_start per burst of
// keystrokes, and one typing_stop either after the idle timeout or as soon
// as a message is sent. Not safe for concurrent use.
type Typist struct {
	idle   time.Duration
	timers Timers
	emit   func(events.Outbound)

	key    models.ConversationKey
	typing bool
	gen    int
	cancel func() bool
}

func NewTypist(idle time.Duration, timers Timers, emit func(events.Outbound)) *Typist {
	if idle <= 0 {
		idle = 2 * time.Second
	}
	return &Typist{idle: idle, timers: timers, emit: emit}
}

// Keystroke records input in key's composer.
func (t *Typist) Keystroke(key models.ConversationKey) {
	if t.typing && t.key != key {
		t.Stop()
	}
	if !t.typing {
		t.typing = true
		t.key = key
		t.emit(TypingStart(key))
	}
	t.arm()
}

// Sent ends the current burst immediately.
func (t *Typist) Sent() {
	t.Stop()
}

// Stop emits typing_stop if a burst is open.
func (t *Typist) Stop() {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.gen++
	if !t.typing {
		return
	}
	t.typing = false
	t.emit(TypingStop(t.key))
}

func (t *Typist) Typing() bool {
	return t.typing
}

func (t *Typist) arm() {
	if t.cancel != nil {
		t.cancel()
	}
	t.gen++
	gen := t.gen
	t.cancel = t.timers.AfterFunc(t.idle, func() {
		// A callback already queued when the timer was re-armed is stale.
		if gen != t.gen {
			return
		}
		t.cancel = nil
		t.Stop()
	})
}
