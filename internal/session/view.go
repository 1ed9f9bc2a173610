package session

import (
	"github.com/4xmen/echat/internal/models"
	"github.com/4xmen/echat/internal/ws"
)

// The accessors below read the stores directly and are safe to call from
// any goroutine.

type Status struct {
	State     ws.State               `json:"state"`
	UserID    int                    `json:"user_id"`
	Email     string                 `json:"email"`
	Active    models.ConversationKey `json:"active"`
	Profile   *models.Profile        `json:"profile,omitempty"`
	LoggedOut bool                   `json:"logged_out"`
}

type ConversationView struct {
	Key      models.ConversationKey `json:"key"`
	Messages []models.Message       `json:"messages"`
	Typing   []int                  `json:"typing"`
}

type ContactView struct {
	models.Contact
	Name     string          `json:"name"`
	Presence models.Presence `json:"presence"`
}

func (s *Session) Status() Status {
	s.mu.RLock()
	profile := s.profile
	ended := s.ended
	s.mu.RUnlock()

	return Status{
		State:     s.conn.State(),
		UserID:    s.identity.UserID,
		Email:     s.identity.Email,
		Active:    s.convs.Active(),
		Profile:   profile,
		LoggedOut: ended,
	}
}

func (s *Session) LoggedOut() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ended
}

func (s *Session) Conversation(key models.ConversationKey) ConversationView {
	typing := s.overlay.Typing(key, s.now())
	if typing == nil {
		typing = []int{}
	}
	return ConversationView{
		Key:      key,
		Messages: s.convs.Messages(key),
		Typing:   typing,
	}
}

func (s *Session) Contacts() []ContactView {
	contacts := s.overlay.Contacts()
	views := make([]ContactView, 0, len(contacts))
	for _, c := range contacts {
		views = append(views, ContactView{
			Contact:  c,
			Name:     c.Name(),
			Presence: s.overlay.Presence(c.ID),
		})
	}
	return views
}

func (s *Session) Groups() []models.Group {
	return s.overlay.Groups()
}

func (s *Session) Profile() *models.Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.profile == nil {
		return nil
	}
	p := *s.profile
	return &p
}

// Notifications returns the retained notifications with an id greater than
// after, oldest first.
func (s *Session) Notifications(after int64) []Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Notification, 0, len(s.notes))
	for _, n := range s.notes {
		if n.ID > after {
			out = append(out, n)
		}
	}
	return out
}
