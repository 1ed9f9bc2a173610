// Package store holds the client's conversation state: message buckets keyed
// by conversation plus the ephemeral typing, presence and directory overlay.
package store

import (
	"sort"
	"sync"

	"github.com/4xmen/echat/internal/models"
)

type conversation struct {
	messages []models.Message
	index    map[int]int // message id -> position in messages
}

func newConversation() *conversation {
	return &conversation{index: make(map[int]int)}
}

func (c *conversation) add(m models.Message) bool {
	if _, ok := c.index[m.ID]; ok {
		return false
	}
	if m.Status == "" {
		m.Status = models.StatusSent
	}
	c.index[m.ID] = len(c.messages)
	c.messages = append(c.messages, m)
	return true
}

// Conversations is an addressable collection of message lists. Appends are
// idempotent per message id, so an echo of a message that is already held
// leaves the bucket unchanged.
type Conversations struct {
	mu     sync.RWMutex
	convs  map[models.ConversationKey]*conversation
	active models.ConversationKey
}

func New() *Conversations {
	return &Conversations{convs: make(map[models.ConversationKey]*conversation)}
}

func (s *Conversations) bucket(key models.ConversationKey) *conversation {
	c, ok := s.convs[key]
	if !ok {
		c = newConversation()
		s.convs[key] = c
	}
	return c
}

// Append adds m to key unless a message with the same id is already there.
// It reports whether the message was inserted.
func (s *Conversations) Append(key models.ConversationKey, m models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bucket(key).add(m)
}

// Replace installs a freshly fetched history for key. Statuses of messages
// already held never regress, and held messages newer than everything in
// the fetched list (live arrivals racing the fetch) are kept at the end.
func (s *Conversations) Replace(key models.ConversationKey, messages []models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.convs[key]
	next := newConversation()
	maxID := 0
	for _, m := range messages {
		if prev != nil {
			if i, ok := prev.index[m.ID]; ok {
				m.Status, _ = m.Status.Advance(prev.messages[i].Status)
			}
		}
		next.add(m)
		if m.ID > maxID {
			maxID = m.ID
		}
	}
	if prev != nil {
		for _, m := range prev.messages {
			if m.ID > maxID {
				next.add(m)
			}
		}
	}
	s.convs[key] = next
}

// Messages returns a copy of the messages held for key, in insertion order.
// An unknown key yields an empty slice.
func (s *Conversations) Messages(key models.ConversationKey) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[key]
	if !ok {
		return []models.Message{}
	}
	out := make([]models.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Find locates a message by id in any conversation.
func (s *Conversations) Find(messageID int) (models.ConversationKey, models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for key, c := range s.convs {
		if i, ok := c.index[messageID]; ok {
			return key, c.messages[i], true
		}
	}
	return models.ConversationKey{}, models.Message{}, false
}

// UpdateStatus moves the message with the given id forward to status,
// wherever it is stored. It reports whether anything changed; applying the
// same or an older status is a no-op.
func (s *Conversations) UpdateStatus(messageID int, status models.Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.convs {
		i, ok := c.index[messageID]
		if !ok {
			continue
		}
		var changed bool
		c.messages[i].Status, changed = c.messages[i].Status.Advance(status)
		return changed
	}
	return false
}

// MarkConversationRead sets every message sent by senderID in key to read
// and returns how many changed.
func (s *Conversations) MarkConversationRead(key models.ConversationKey, senderID int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[key]
	if !ok {
		return 0
	}
	n := 0
	for i := range c.messages {
		if c.messages[i].SenderID != senderID {
			continue
		}
		var changed bool
		c.messages[i].Status, changed = c.messages[i].Status.Advance(models.StatusRead)
		if changed {
			n++
		}
	}
	return n
}

func (s *Conversations) SetActive(key models.ConversationKey) {
	s.mu.Lock()
	s.active = key
	s.mu.Unlock()
}

func (s *Conversations) Active() models.ConversationKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Keys lists the conversations that hold a bucket, sorted by their string form.
func (s *Conversations) Keys() []models.ConversationKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]models.ConversationKey, 0, len(s.convs))
	for k := range s.convs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Reset drops every bucket. The active conversation is kept so the view can
// refetch it.
func (s *Conversations) Reset() {
	s.mu.Lock()
	s.convs = make(map[models.ConversationKey]*conversation)
	s.mu.Unlock()
}
