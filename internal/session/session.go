// Package session ties the realtime client together for one authenticated
// user: the connection, the conversation store and overlay, the event
// router and the outbound intents. Every state change runs on the session's
// reaction loop; the view reads the stores concurrently.
package session

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/4xmen/echat/internal/api"
	"github.com/4xmen/echat/internal/auth"
	"github.com/4xmen/echat/internal/events"
	"github.com/4xmen/echat/internal/intent"
	"github.com/4xmen/echat/internal/models"
	"github.com/4xmen/echat/internal/router"
	"github.com/4xmen/echat/internal/store"
	"github.com/4xmen/echat/internal/ws"
	"github.com/4xmen/echat/pkg/i18n"
)

var (
	ErrNoActiveConversation = errors.New("no active conversation")
	ErrEmptyMessage         = errors.New("message is empty")
	ErrLoggedOut            = errors.New("logged out")

	errConnectionActive = errors.New("connection active")
)

const maxNotifications = 50

// Conn is the realtime connection the session drives.
type Conn interface {
	Connect(token string)
	Disconnect()
	Send(v any) error
	State() ws.State
	Subscribe(fn func(ws.State))
}

// Backend is the REST surface the session uses.
type Backend interface {
	Contacts(ctx context.Context) ([]models.Contact, error)
	AddContact(ctx context.Context, email string) (*models.Contact, error)
	Groups(ctx context.Context) ([]models.Group, error)
	CreateGroup(ctx context.Context, name string) (*models.Group, error)
	History(ctx context.Context, key models.ConversationKey) ([]models.Message, error)
	Upload(ctx context.Context, filename, contentType string, r io.Reader) (*models.Upload, error)
	Profile(ctx context.Context) (*models.Profile, error)
	UpdateProfile(ctx context.Context, update models.ProfileUpdate) (*models.Profile, error)
	UploadPhoto(ctx context.Context, filename, contentType string, r io.Reader) (string, error)
	DeletePhoto(ctx context.Context) error
}

// CredentialPurger discards the persisted credential.
type CredentialPurger interface {
	Logout() error
}

type Options struct {
	Identity    auth.Identity
	Backend     Backend
	Credentials CredentialPurger

	// Conn replaces the default ws.Manager dialed at WSEndpoint. A custom
	// Conn delivers frames and rejections through HandleFrame and
	// HandleUnauthorized.
	Conn              Conn
	WSEndpoint        string
	ReconnectDelay    time.Duration
	ReconnectAttempts int

	TypingIdle time.Duration
	TypingTTL  time.Duration

	Translator i18n.Translator
	Logger     zerolog.Logger
}

type Notification struct {
	ID      int64     `json:"id"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// FileUpload is a file to upload and send to the active conversation.
type FileUpload struct {
	Name        string
	ContentType string
	Body        io.Reader
	Caption     string
	Duration    float64
}

type Session struct {
	identity auth.Identity
	backend  Backend
	creds    CredentialPurger
	conn     Conn
	loop     *Loop
	convs    *store.Conversations
	overlay  *store.Overlay
	router   *router.Router
	typist   *intent.Typist
	tr       i18n.Translator
	log      zerolog.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// Owned by the loop.
	connectedOnce bool
	loggedOut     bool
	profileRev    uint64 // bumped by every local profile write

	mu      sync.RWMutex
	profile *models.Profile
	notes   []Notification
	noteSeq int64
	ended   bool
}

func New(opts Options) *Session {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		identity: opts.Identity,
		backend:  opts.Backend,
		creds:    opts.Credentials,
		loop:     NewLoop(),
		convs:    store.New(),
		overlay:  store.NewOverlay(opts.TypingTTL),
		tr:       opts.Translator,
		log:      opts.Logger.With().Str("component", "session").Int("user_id", opts.Identity.UserID).Logger(),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
	s.router = router.New(opts.Identity.UserID, s.convs, s.overlay, opts.Logger)
	s.router.OnIncomingActive = s.incomingActive
	s.typist = intent.NewTypist(opts.TypingIdle, s.loop, s.transmit)

	s.conn = opts.Conn
	if s.conn == nil {
		s.conn = ws.NewManager(ws.Options{
			URL:               opts.WSEndpoint,
			ReconnectDelay:    opts.ReconnectDelay,
			ReconnectAttempts: opts.ReconnectAttempts,
			Logger:            opts.Logger,
			OnFrame:           s.HandleFrame,
			OnUnauthorized:    s.HandleUnauthorized,
		})
	}
	s.conn.Subscribe(s.onState)
	return s
}

// Run connects and processes reactions until ctx is done or the session
// logs out, in which case it returns ErrLoggedOut.
func (s *Session) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, s.cancel)
	defer stop()

	go s.sweepTyping()
	s.loop.Post(s.refreshDirectory)
	s.conn.Connect(s.identity.Token)

	s.loop.Run(s.ctx)
	s.conn.Disconnect()

	if s.LoggedOut() {
		return ErrLoggedOut
	}
	return ctx.Err()
}

// Close stops the session without purging the credential.
func (s *Session) Close() {
	s.cancel()
}

// HandleFrame queues one inbound text frame for routing.
func (s *Session) HandleFrame(data []byte) {
	s.loop.Post(func() { s.router.HandleFrame(data) })
}

// HandleUnauthorized queues a logout after the backend rejected the token.
func (s *Session) HandleUnauthorized() {
	s.loop.Post(s.expire)
}

func (s *Session) onState(st ws.State) {
	s.loop.Post(func() { s.stateChanged(st) })
}

func (s *Session) stateChanged(st ws.State) {
	if s.loggedOut {
		return
	}
	s.log.Debug().Str("state", string(st)).Msg("connection state")

	switch st {
	case ws.Connected:
		if s.connectedOnce {
			s.resync()
			s.notify("connected")
		}
		s.connectedOnce = true
	case ws.Reconnecting:
		s.typist.Stop()
		if s.connectedOnce {
			s.notify("connection lost, reconnecting")
		}
	case ws.Disconnected:
		s.typist.Stop()
		if s.ctx.Err() == nil {
			s.notify("connection failed")
		}
	}
}

// resync rebuilds everything but the active key after a reconnect.
func (s *Session) resync() {
	s.convs.Reset()
	s.overlay.ResetActivity()
	s.refreshDirectory()

	if key := s.convs.Active(); !key.IsZero() {
		s.fetchHistory(key)
		if !key.IsGroup() {
			s.markRead(key)
		}
	}
}

// refreshDirectory fetches contacts, groups and profile off the loop. Results
// never replace what user actions wrote after the fetch began.
func (s *Session) refreshDirectory() {
	ctx := s.ctx
	dirRev := s.overlay.DirectoryRev()
	profileRev := s.profileRev
	go func() {
		contacts, contactsErr := s.backend.Contacts(ctx)
		s.loop.Post(func() {
			if contactsErr != nil {
				s.requestFailed("failed to load contacts", contactsErr)
				return
			}
			s.overlay.SetContacts(contacts, dirRev)
		})

		groups, groupsErr := s.backend.Groups(ctx)
		s.loop.Post(func() {
			if groupsErr != nil {
				s.requestFailed("failed to load groups", groupsErr)
				return
			}
			s.overlay.SetGroups(groups, dirRev)
		})

		profile, profileErr := s.backend.Profile(ctx)
		s.loop.Post(func() {
			if profileErr != nil {
				s.requestFailed("failed to load profile", profileErr)
				return
			}
			if s.profileRev != profileRev {
				s.log.Debug().Msg("dropping profile fetched before a local update")
				return
			}
			s.setProfile(profile)
		})
	}()
}

// fetchHistory loads key's history off the loop. The result always lands in
// key, whatever is active when it arrives.
func (s *Session) fetchHistory(key models.ConversationKey) {
	ctx := s.ctx
	go func() {
		messages, err := s.backend.History(ctx, key)
		s.loop.Post(func() {
			if err != nil {
				s.requestFailed("failed to load history", err)
				return
			}
			s.convs.Replace(key, messages)
			if s.convs.Active() == key && !key.IsGroup() {
				s.convs.MarkConversationRead(key, key.ID)
			}
		})
	}()
}

// markRead marks the partner's messages read locally and tells the partner.
// Groups have no read receipts.
func (s *Session) markRead(key models.ConversationKey) {
	if key.IsGroup() {
		return
	}
	s.convs.MarkConversationRead(key, key.ID)
	s.transmit(intent.ReadReceipt(key))
}

func (s *Session) incomingActive(key models.ConversationKey, m models.Message) {
	s.markRead(key)
}

// transmit sends a best-effort event; typing and receipts are not retried.
func (s *Session) transmit(out events.Outbound) {
	if err := s.conn.Send(out); err != nil {
		s.log.Debug().Err(err).Str("type", out.Type).Msg("event not sent")
	}
}

func (s *Session) expire() {
	if s.loggedOut {
		return
	}
	s.log.Warn().Msg("credential rejected, logging out")
	s.notify("session expired, please log in again")
	if err := s.logout(); err != nil {
		s.log.Error().Err(err).Msg("failed to purge credential")
	}
}

func (s *Session) logout() error {
	if s.loggedOut {
		return nil
	}
	s.loggedOut = true

	s.typist.Stop()
	s.conn.Disconnect()
	err := s.creds.Logout()

	s.convs.Reset()
	s.convs.SetActive(models.ConversationKey{})
	s.overlay.Reset()

	s.mu.Lock()
	s.profile = nil
	s.ended = true
	s.mu.Unlock()

	s.log.Info().Msg("logged out")
	s.cancel()
	return err
}

func (s *Session) requestFailed(message string, err error) {
	if errors.Is(err, context.Canceled) || s.loggedOut {
		return
	}
	if errors.Is(err, api.ErrUnauthorized) {
		s.expire()
		return
	}

	s.log.Warn().Err(err).Msg(message)
	text := s.tr.Translate(message)
	var reqErr *api.RequestError
	if errors.As(err, &reqErr) && reqErr.Detail != "" {
		text += ": " + s.tr.Translate(reqErr.Detail)
	}
	s.push(text)
}

func (s *Session) notify(message string) {
	s.log.Info().Str("notification", message).Msg("notify")
	s.push(s.tr.Translate(message))
}

func (s *Session) push(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noteSeq++
	s.notes = append(s.notes, Notification{ID: s.noteSeq, Message: text, At: s.now()})
	if len(s.notes) > maxNotifications {
		s.notes = append([]Notification(nil), s.notes[len(s.notes)-maxNotifications:]...)
	}
}

func (s *Session) setProfile(p *models.Profile) {
	s.mu.Lock()
	s.profile = p
	s.mu.Unlock()
}

func (s *Session) sweepTyping() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.loop.Post(func() { s.overlay.Sweep(s.now()) })
		}
	}
}

// do runs fn on the loop on behalf of a caller.
func (s *Session) do(ctx context.Context, fn func() error) error {
	err := s.loop.Do(ctx, func() error {
		if s.loggedOut {
			return ErrLoggedOut
		}
		return fn()
	})
	if errors.Is(err, ErrLoopStopped) && s.LoggedOut() {
		return ErrLoggedOut
	}
	return err
}

// Open makes key the active conversation, fetches its history and, for
// direct conversations, marks it read.
func (s *Session) Open(ctx context.Context, key models.ConversationKey) error {
	if key.IsZero() {
		return ErrNoActiveConversation
	}
	return s.do(ctx, func() error {
		if s.convs.Active() != key {
			s.typist.Stop()
		}
		s.convs.SetActive(key)
		s.fetchHistory(key)
		s.markRead(key)
		return nil
	})
}

// SendText sends content to the active conversation. Nothing is inserted
// locally; the message appears when the server echoes it. Sends while not
// connected fail with ws.ErrNotConnected and the caller keeps its input.
func (s *Session) SendText(ctx context.Context, content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	return s.do(ctx, func() error {
		key := s.convs.Active()
		if key.IsZero() {
			return ErrNoActiveConversation
		}
		if err := s.conn.Send(intent.Text(key, content)); err != nil {
			return err
		}
		s.typist.Sent()
		return nil
	})
}

// SendFile uploads f and sends it to the conversation that was active when
// the call was made.
func (s *Session) SendFile(ctx context.Context, f FileUpload) error {
	var key models.ConversationKey
	err := s.do(ctx, func() error {
		key = s.convs.Active()
		if key.IsZero() {
			return ErrNoActiveConversation
		}
		if s.conn.State() != ws.Connected {
			return ws.ErrNotConnected
		}
		return nil
	})
	if err != nil {
		return err
	}

	up, err := s.backend.Upload(ctx, f.Name, f.ContentType, f.Body)
	if err != nil {
		s.loop.Post(func() { s.requestFailed("failed to upload file", err) })
		return err
	}

	att := up.Attachment()
	att.Duration = f.Duration
	return s.do(ctx, func() error {
		if err := s.conn.Send(intent.File(key, att, f.Caption)); err != nil {
			return err
		}
		s.typist.Sent()
		return nil
	})
}

// Keystroke feeds the typing debouncer for the active conversation.
func (s *Session) Keystroke(ctx context.Context) error {
	return s.do(ctx, func() error {
		key := s.convs.Active()
		if key.IsZero() {
			return ErrNoActiveConversation
		}
		s.typist.Keystroke(key)
		return nil
	})
}

func (s *Session) AddContact(ctx context.Context, email string) (*models.Contact, error) {
	contact, err := s.backend.AddContact(ctx, strings.TrimSpace(email))
	if err != nil {
		s.loop.Post(func() { s.requestFailed("failed to add contact", err) })
		return nil, err
	}
	err = s.do(ctx, func() error {
		s.overlay.PutContact(*contact)
		return nil
	})
	return contact, err
}

func (s *Session) CreateGroup(ctx context.Context, name string) (*models.Group, error) {
	group, err := s.backend.CreateGroup(ctx, strings.TrimSpace(name))
	if err != nil {
		s.loop.Post(func() { s.requestFailed("failed to create group", err) })
		return nil, err
	}
	err = s.do(ctx, func() error {
		s.overlay.PutGroup(*group)
		return nil
	})
	return group, err
}

// UpdateProfile saves the profile and announces it to contacts.
func (s *Session) UpdateProfile(ctx context.Context, update models.ProfileUpdate) (*models.Profile, error) {
	profile, err := s.backend.UpdateProfile(ctx, update)
	if err != nil {
		s.loop.Post(func() { s.requestFailed("failed to update profile", err) })
		return nil, err
	}
	err = s.do(ctx, func() error {
		s.profileRev++
		s.setProfile(profile)
		s.transmit(intent.ProfileUpdated(*profile))
		return nil
	})
	return profile, err
}

// UploadPhoto replaces the profile photo and announces it to contacts.
func (s *Session) UploadPhoto(ctx context.Context, filename, contentType string, r io.Reader) (string, error) {
	url, err := s.backend.UploadPhoto(ctx, filename, contentType, r)
	if err != nil {
		s.loop.Post(func() { s.requestFailed("failed to upload photo", err) })
		return "", err
	}
	err = s.do(ctx, func() error {
		s.profileRev++
		s.mu.Lock()
		profile := models.Profile{ID: s.identity.UserID, Email: s.identity.Email}
		if s.profile != nil {
			profile = *s.profile
		}
		profile.ProfilePhotoURL = url
		s.profile = &profile
		s.mu.Unlock()

		s.transmit(intent.ProfileUpdated(profile))
		return nil
	})
	return url, err
}

// DeletePhoto removes the profile photo and announces the change.
func (s *Session) DeletePhoto(ctx context.Context) error {
	if err := s.backend.DeletePhoto(ctx); err != nil {
		s.loop.Post(func() { s.requestFailed("failed to delete photo", err) })
		return err
	}
	return s.do(ctx, func() error {
		s.profileRev++
		s.mu.Lock()
		var profile models.Profile
		if s.profile != nil {
			profile = *s.profile
			profile.ProfilePhotoURL = ""
			s.profile = &profile
		}
		s.mu.Unlock()

		if profile.ID != 0 {
			s.transmit(intent.ProfileUpdated(profile))
		}
		return nil
	})
}

// Reconnect starts a fresh connection cycle once the connection has given
// up. It reports whether a cycle was started; an active connection or one
// already retrying is left alone.
func (s *Session) Reconnect(ctx context.Context) (bool, error) {
	err := s.do(ctx, func() error {
		if s.conn.State() != ws.Disconnected {
			return errConnectionActive
		}
		s.log.Info().Msg("reconnecting on request")
		s.conn.Connect(s.identity.Token)
		return nil
	})
	if errors.Is(err, errConnectionActive) {
		return false, nil
	}
	return err == nil, err
}

// Logout disconnects, purges the credential and ends Run.
func (s *Session) Logout(ctx context.Context) error {
	return s.do(ctx, s.logout)
}
