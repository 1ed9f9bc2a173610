// Package handlers serves the loopback view API a UI shell uses to read
// session state and issue user actions.
package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/4xmen/echat/internal/api"
	"github.com/4xmen/echat/internal/models"
	"github.com/4xmen/echat/internal/session"
	"github.com/4xmen/echat/internal/ws"
	"github.com/4xmen/echat/pkg/i18n"
)

// Session is the part of *session.Session the view API drives.
type Session interface {
	Status() session.Status
	Contacts() []session.ContactView
	Groups() []models.Group
	Conversation(key models.ConversationKey) session.ConversationView
	Profile() *models.Profile
	Notifications(after int64) []session.Notification

	Open(ctx context.Context, key models.ConversationKey) error
	SendText(ctx context.Context, content string) error
	SendFile(ctx context.Context, f session.FileUpload) error
	Keystroke(ctx context.Context) error
	AddContact(ctx context.Context, email string) (*models.Contact, error)
	CreateGroup(ctx context.Context, name string) (*models.Group, error)
	UpdateProfile(ctx context.Context, update models.ProfileUpdate) (*models.Profile, error)
	UploadPhoto(ctx context.Context, filename, contentType string, r io.Reader) (string, error)
	DeletePhoto(ctx context.Context) error
	Reconnect(ctx context.Context) (bool, error)
	Logout(ctx context.Context) error
}

type SessionHandler struct {
	sess          Session
	tr            i18n.Translator
	maxUploadSize int64
	log           zerolog.Logger
}

func NewSessionHandler(sess Session, tr i18n.Translator, maxUploadSize int64, logger zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		sess:          sess,
		tr:            tr,
		maxUploadSize: maxUploadSize,
		log:           logger.With().Str("component", "handlers").Logger(),
	}
}

type ActiveRequest struct {
	Key models.ConversationKey `json:"key"`
}

type MessageRequest struct {
	Content string `json:"content"`
}

type ContactRequest struct {
	Email string `json:"email" binding:"required"`
}

type GroupRequest struct {
	Name string `json:"name" binding:"required"`
}

func (h *SessionHandler) fail(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": h.tr.Translate(message)})
}

// respond maps a session error to a status code and a translated message.
func (h *SessionHandler) respond(c *gin.Context, err error) {
	var reqErr *api.RequestError
	switch {
	case errors.Is(err, ws.ErrNotConnected), errors.Is(err, ws.ErrSendBufferFull),
		errors.Is(err, session.ErrNoActiveConversation):
		h.fail(c, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrEmptyMessage):
		h.fail(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrLoggedOut), errors.Is(err, api.ErrUnauthorized):
		h.fail(c, http.StatusUnauthorized, "not logged in")
	case errors.As(err, &reqErr) && reqErr.Status >= 400 && reqErr.Status < 500:
		message := reqErr.Detail
		if message == "" {
			message = "invalid request"
		}
		h.fail(c, reqErr.Status, message)
	case errors.Is(err, context.Canceled):
		c.Status(499)
	default:
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		h.fail(c, http.StatusBadGateway, "internal server error")
	}
}

func (h *SessionHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.sess.Status())
}

func (h *SessionHandler) GetContacts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"contacts": h.sess.Contacts()})
}

func (h *SessionHandler) GetGroups(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"groups": h.sess.Groups()})
}

func (h *SessionHandler) GetProfile(c *gin.Context) {
	p := h.sess.Profile()
	if p == nil {
		h.fail(c, http.StatusNotFound, "not found")
		return
	}
	c.JSON(http.StatusOK, p)
}

// GetConversation returns the messages held for :key and who is typing there.
func (h *SessionHandler) GetConversation(c *gin.Context) {
	key, err := models.ParseConversationKey(c.Param("key"))
	if err != nil {
		h.fail(c, http.StatusBadRequest, "invalid conversation key")
		return
	}
	c.JSON(http.StatusOK, h.sess.Conversation(key))
}

// GetNotifications returns notifications newer than the after query id.
func (h *SessionHandler) GetNotifications(c *gin.Context) {
	var after int64
	if raw := c.Query("after"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			h.fail(c, http.StatusBadRequest, "invalid request")
			return
		}
		after = v
	}
	c.JSON(http.StatusOK, gin.H{"notifications": h.sess.Notifications(after)})
}

func (h *SessionHandler) SetActive(c *gin.Context) {
	var req ActiveRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Key.IsZero() {
		h.fail(c, http.StatusBadRequest, "invalid conversation key")
		return
	}
	if err := h.sess.Open(c.Request.Context(), req.Key); err != nil {
		h.respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": req.Key})
}

// SendMessage sends text to the active conversation. Nothing is stored until
// the server echoes it back.
func (h *SessionHandler) SendMessage(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, http.StatusBadRequest, "invalid request")
		return
	}
	if err := h.sess.SendText(c.Request.Context(), req.Content); err != nil {
		h.respond(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "sent"})
}

// SendFile uploads the multipart "file" field and sends it to the active
// conversation with the optional "caption" and "duration" fields.
func (h *SessionHandler) SendFile(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadSize)

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.fail(c, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		h.fail(c, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	var duration float64
	if raw := c.PostForm("duration"); raw != "" {
		duration, err = strconv.ParseFloat(raw, 64)
		if err != nil || duration < 0 {
			h.fail(c, http.StatusBadRequest, "invalid request")
			return
		}
	}

	err = h.sess.SendFile(c.Request.Context(), session.FileUpload{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Body:        file,
		Caption:     strings.TrimSpace(c.PostForm("caption")),
		Duration:    duration,
	})
	if err != nil {
		h.respond(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "sent", "file_name": header.Filename})
}

func (h *SessionHandler) Typing(c *gin.Context) {
	if err := h.sess.Keystroke(c.Request.Context()); err != nil {
		h.respond(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SessionHandler) AddContact(c *gin.Context) {
	var req ContactRequest
	if err := c.ShouldBindJSON(&req); err != nil || !strings.Contains(req.Email, "@") {
		h.fail(c, http.StatusBadRequest, "a valid email is required")
		return
	}
	contact, err := h.sess.AddContact(c.Request.Context(), req.Email)
	if err != nil {
		h.respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, contact)
}

func (h *SessionHandler) CreateGroup(c *gin.Context) {
	var req GroupRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		h.fail(c, http.StatusBadRequest, "invalid request")
		return
	}
	group, err := h.sess.CreateGroup(c.Request.Context(), req.Name)
	if err != nil {
		h.respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, group)
}

// UpdateProfile saves the profile fields present in the body and announces
// the change to contacts.
func (h *SessionHandler) UpdateProfile(c *gin.Context) {
	var req models.ProfileUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, http.StatusBadRequest, "invalid request")
		return
	}
	profile, err := h.sess.UpdateProfile(c.Request.Context(), req)
	if err != nil {
		h.respond(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *SessionHandler) UploadPhoto(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadSize)

	file, header, err := c.Request.FormFile("photo")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.fail(c, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		h.fail(c, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		h.fail(c, http.StatusBadRequest, "file must be an image")
		return
	}

	url, err := h.sess.UploadPhoto(c.Request.Context(), header.Filename, contentType, file)
	if err != nil {
		h.respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile_photo_url": url})
}

func (h *SessionHandler) DeletePhoto(c *gin.Context) {
	if err := h.sess.DeletePhoto(c.Request.Context()); err != nil {
		h.respond(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Connect restarts the connection after it gave up reconnecting. A
// connection that is up or still retrying is reported as is.
func (h *SessionHandler) Connect(c *gin.Context) {
	started, err := h.sess.Reconnect(c.Request.Context())
	if err != nil {
		h.respond(c, err)
		return
	}
	if !started {
		c.JSON(http.StatusOK, gin.H{"state": h.sess.Status().State})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"state": ws.Connecting})
}

func (h *SessionHandler) Logout(c *gin.Context) {
	if err := h.sess.Logout(c.Request.Context()); err != nil && !errors.Is(err, session.ErrLoggedOut) {
		h.respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "logged out"})
}
