// Package router classifies inbound realtime events and applies them to the
// conversation store and overlay.
package router

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/4xmen/echat/internal/events"
	"github.com/4xmen/echat/internal/models"
	"github.com/4xmen/echat/internal/store"
)

// KeyFor resolves the conversation a message belongs to from the local
// user's point of view: the group if the message has one, otherwise the
// other party of the direct exchange. Echoes of the local user's own sends
// land in the receiver's bucket.
func KeyFor(m models.Message, localUserID int) models.ConversationKey {
	if m.GroupID != 0 {
		return models.GroupKey(m.GroupID)
	}
	if m.SenderID == localUserID {
		return models.DirectKey(m.ReceiverID)
	}
	return models.DirectKey(m.SenderID)
}

// Router dispatches decoded events. It is not safe for concurrent use; the
// session calls it from its reaction loop only.
type Router struct {
	localUserID   int
	conversations *store.Conversations
	overlay       *store.Overlay
	now           func() time.Time
	log           zerolog.Logger

	// OnIncomingActive is called after a message from someone else lands in
	// the active conversation.
	OnIncomingActive func(key models.ConversationKey, m models.Message)
}

func New(localUserID int, conversations *store.Conversations, overlay *store.Overlay, logger zerolog.Logger) *Router {
	return &Router{
		localUserID:   localUserID,
		conversations: conversations,
		overlay:       overlay,
		now:           time.Now,
		log:           logger.With().Str("component", "router").Logger(),
	}
}

// HandleFrame decodes and dispatches one text frame. Malformed frames are
// logged and dropped.
func (r *Router) HandleFrame(data []byte) {
	ev, err := events.Decode(data)
	if err != nil {
		r.log.Warn().Err(err).Int("bytes", len(data)).Msg("dropping inbound frame")
		return
	}
	r.Dispatch(ev)
}

func (r *Router) Dispatch(ev events.Event) {
	switch e := ev.(type) {
	case events.NewMessage:
		r.newMessage(e.Message)

	case events.TypingStart:
		r.overlay.StartTyping(r.typingKey(e.Typing), e.Typist(), r.now())

	case events.TypingStop:
		r.overlay.StopTyping(r.typingKey(e.Typing), e.Typist())

	case events.MessageRead:
		r.messageRead(e)

	case events.UserStatus:
		r.overlay.SetPresence(e.UserID, e.Status)

	case events.ProfileUpdated:
		if !r.overlay.ApplyProfile(e.Patch) {
			r.log.Debug().Int("user_id", e.Patch.UserID).Msg("profile update for unknown contact")
		}

	case events.Connected:
		r.log.Debug().Int("user_id", e.UserID).Msg("server acknowledged connection")

	default:
		r.log.Debug().Str("type", ev.EventType()).Msg("ignoring unknown event")
	}
}

func (r *Router) newMessage(m models.Message) {
	key := KeyFor(m, r.localUserID)
	if !r.conversations.Append(key, m) {
		return
	}
	// A message from the typist ends their burst even if typing_stop is lost.
	if m.SenderID != r.localUserID {
		r.overlay.StopTyping(key, m.SenderID)
		if r.OnIncomingActive != nil && r.conversations.Active() == key {
			r.OnIncomingActive(key, m)
		}
	}
}

func (r *Router) typingKey(t events.Typing) models.ConversationKey {
	if t.GroupID != 0 {
		return models.GroupKey(t.GroupID)
	}
	return models.DirectKey(t.Typist())
}

func (r *Router) messageRead(e events.MessageRead) {
	if e.MessageID != 0 {
		r.conversations.UpdateStatus(e.MessageID, models.StatusRead)
		return
	}
	// Short form: the reader read everything we sent them.
	r.conversations.MarkConversationRead(models.DirectKey(e.ReaderID), r.localUserID)
}
