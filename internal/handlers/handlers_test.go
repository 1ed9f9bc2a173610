package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/4xmen/echat/internal/api"
	"github.com/4xmen/echat/internal/models"
	"github.com/4xmen/echat/internal/session"
	"github.com/4xmen/echat/internal/ws"
	"github.com/4xmen/echat/pkg/i18n"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type fakeSession struct {
	mu        sync.Mutex
	state     ws.State
	active    models.ConversationKey
	sent      []string
	files     []session.FileUpload
	fileBody  string
	keys      int
	loggedOut bool
	redials   int
	addErr    error
	convs     map[models.ConversationKey][]models.Message
}

func newFakeSession() *fakeSession {
	return &fakeSession{state: ws.Connected, convs: make(map[models.ConversationKey][]models.Message)}
}

func (f *fakeSession) Status() session.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return session.Status{State: f.state, UserID: 1, Email: "me@x.io", Active: f.active, LoggedOut: f.loggedOut}
}

func (f *fakeSession) Contacts() []session.ContactView {
	return []session.ContactView{{Contact: models.Contact{ID: 7, Email: "bob@x.io"}, Name: "bob", Presence: models.Online}}
}

func (f *fakeSession) Groups() []models.Group {
	return []models.Group{{ID: 3, Name: "team"}}
}

func (f *fakeSession) Conversation(key models.ConversationKey) session.ConversationView {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.convs[key]
	if msgs == nil {
		msgs = []models.Message{}
	}
	return session.ConversationView{Key: key, Messages: msgs, Typing: []int{}}
}

func (f *fakeSession) Profile() *models.Profile {
	return &models.Profile{ID: 1, Email: "me@x.io"}
}

func (f *fakeSession) Notifications(after int64) []session.Notification {
	all := []session.Notification{{ID: 1, Message: "connected"}, {ID: 2, Message: "connection lost, reconnecting"}}
	var out []session.Notification
	for _, n := range all {
		if n.ID > after {
			out = append(out, n)
		}
	}
	return out
}

func (f *fakeSession) Open(ctx context.Context, key models.ConversationKey) error {
	f.mu.Lock()
	f.active = key
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) SendText(ctx context.Context, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if strings.TrimSpace(content) == "" {
		return session.ErrEmptyMessage
	}
	if f.active.IsZero() {
		return session.ErrNoActiveConversation
	}
	if f.state != ws.Connected {
		return ws.ErrNotConnected
	}
	f.sent = append(f.sent, content)
	return nil
}

func (f *fakeSession) SendFile(ctx context.Context, up session.FileUpload) error {
	data, err := io.ReadAll(up.Body)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.files = append(f.files, up)
	f.fileBody = string(data)
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) Keystroke(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active.IsZero() {
		return session.ErrNoActiveConversation
	}
	f.keys++
	return nil
}

func (f *fakeSession) AddContact(ctx context.Context, email string) (*models.Contact, error) {
	if f.addErr != nil {
		return nil, f.addErr
	}
	return &models.Contact{ID: 9, Email: email}, nil
}

func (f *fakeSession) CreateGroup(ctx context.Context, name string) (*models.Group, error) {
	return &models.Group{ID: 4, Name: name, AdminID: 1}, nil
}

func (f *fakeSession) UpdateProfile(ctx context.Context, update models.ProfileUpdate) (*models.Profile, error) {
	p := &models.Profile{ID: 1, Email: "me@x.io"}
	if update.DisplayName != nil {
		p.DisplayName = *update.DisplayName
	}
	return p, nil
}

func (f *fakeSession) UploadPhoto(ctx context.Context, filename, contentType string, r io.Reader) (string, error) {
	return "/uploads/profiles/" + filename, nil
}

func (f *fakeSession) DeletePhoto(ctx context.Context) error {
	return nil
}

func (f *fakeSession) Reconnect(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loggedOut {
		return false, session.ErrLoggedOut
	}
	if f.state != ws.Disconnected {
		return false, nil
	}
	f.state = ws.Connecting
	f.redials++
	return true, nil
}

func (f *fakeSession) Logout(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loggedOut {
		return session.ErrLoggedOut
	}
	f.loggedOut = true
	return nil
}

func newTestRouter(sess Session, lang string) *gin.Engine {
	return NewRouter(sess, RouterOptions{
		MaxUploadSize: 1024,
		Translator:    i18n.New(lang),
		Logger:        zerolog.Nop(),
	})
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	w := doJSON(t, newTestRouter(newFakeSession(), i18n.English), http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestSetActiveAndConversation(t *testing.T) {
	sess := newFakeSession()
	sess.convs[models.DirectKey(7)] = []models.Message{{ID: 1, SenderID: 7, ReceiverID: 1, Content: "hi", Status: models.StatusSent}}
	router := newTestRouter(sess, i18n.English)

	tests := []struct {
		name       string
		body       any
		wantStatus int
	}{
		{name: "direct key", body: map[string]string{"key": "direct_7"}, wantStatus: http.StatusOK},
		{name: "malformed key", body: map[string]string{"key": "chan_7"}, wantStatus: http.StatusBadRequest},
		{name: "missing key", body: map[string]string{}, wantStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, router, http.MethodPost, "/api/active", tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
	if sess.Status().Active != models.DirectKey(7) {
		t.Fatalf("active = %v", sess.Status().Active)
	}

	w := doJSON(t, router, http.MethodGet, "/api/conversations/direct_7", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var view struct {
		Key      string           `json:"key"`
		Messages []models.Message `json:"messages"`
		Typing   []int            `json:"typing"`
	}
	decode(t, w, &view)
	if view.Key != "direct_7" || len(view.Messages) != 1 || view.Typing == nil {
		t.Fatalf("view = %+v", view)
	}

	w = doJSON(t, router, http.MethodGet, "/api/conversations/nonsense", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad key status = %d", w.Code)
	}
}

func TestSendMessage(t *testing.T) {
	tests := []struct {
		name       string
		active     models.ConversationKey
		state      ws.State
		content    string
		wantStatus int
		wantError  string
	}{
		{name: "connected", active: models.GroupKey(3), state: ws.Connected, content: "hi", wantStatus: http.StatusAccepted},
		{name: "not connected", active: models.GroupKey(3), state: ws.Reconnecting, content: "hi", wantStatus: http.StatusConflict, wantError: "not connected"},
		{name: "no active conversation", state: ws.Connected, content: "hi", wantStatus: http.StatusConflict, wantError: "no active conversation"},
		{name: "empty", active: models.GroupKey(3), state: ws.Connected, content: " ", wantStatus: http.StatusBadRequest, wantError: "message is empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := newFakeSession()
			sess.active = tt.active
			sess.state = tt.state
			w := doJSON(t, newTestRouter(sess, i18n.English), http.MethodPost, "/api/messages", map[string]string{"content": tt.content})

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantError != "" {
				var resp map[string]string
				decode(t, w, &resp)
				if resp["error"] != tt.wantError {
					t.Fatalf("error = %q, want %q", resp["error"], tt.wantError)
				}
				if len(sess.sent) != 0 {
					t.Fatalf("sent = %v", sess.sent)
				}
			}
		})
	}
}

func TestErrorsAreTranslated(t *testing.T) {
	sess := newFakeSession()
	sess.active = models.DirectKey(7)
	sess.state = ws.Disconnected
	w := doJSON(t, newTestRouter(sess, i18n.Persian), http.MethodPost, "/api/messages", map[string]string{"content": "salam"})

	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d", w.Code)
	}
	var resp map[string]string
	decode(t, w, &resp)
	if resp["error"] != i18n.Translate("not connected") || resp["error"] == "not connected" {
		t.Fatalf("error = %q", resp["error"])
	}
}

func TestAddContactBackendError(t *testing.T) {
	sess := newFakeSession()
	sess.addErr = &api.RequestError{Method: http.MethodPost, Path: "/chat/contacts", Status: http.StatusBadRequest, Detail: "User not found or invalid"}
	router := newTestRouter(sess, i18n.English)

	w := doJSON(t, router, http.MethodPost, "/api/contacts", map[string]string{"email": "ghost@x.io"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	var resp map[string]string
	decode(t, w, &resp)
	if resp["error"] != "User not found or invalid" {
		t.Fatalf("error = %q", resp["error"])
	}

	w = doJSON(t, router, http.MethodPost, "/api/contacts", map[string]string{"email": "nope"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid email status = %d", w.Code)
	}

	sess.addErr = nil
	w = doJSON(t, router, http.MethodPost, "/api/contacts", map[string]string{"email": "bob@x.io"})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d", w.Code)
	}
}

func multipartBody(t *testing.T, field, filename, contentType, content string, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	h := make(map[string][]string)
	h["Content-Disposition"] = []string{`form-data; name="` + field + `"; filename="` + filename + `"`}
	h["Content-Type"] = []string{contentType}
	part, err := mw.CreatePart(h)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	part.Write([]byte(content))
	mw.Close()
	return &body, mw.FormDataContentType()
}

func TestSendFile(t *testing.T) {
	sess := newFakeSession()
	router := newTestRouter(sess, i18n.English)

	body, ct := multipartBody(t, "file", "voice.ogg", "audio/ogg", "OggS", map[string]string{"duration": "2.5", "caption": " hi "})
	req := httptest.NewRequest(http.MethodPost, "/api/files", body)
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if len(sess.files) != 1 {
		t.Fatalf("files = %d", len(sess.files))
	}
	f := sess.files[0]
	if f.Name != "voice.ogg" || f.ContentType != "audio/ogg" || f.Duration != 2.5 || f.Caption != "hi" || sess.fileBody != "OggS" {
		t.Fatalf("upload = %+v body %q", f, sess.fileBody)
	}
}

func TestSendFileRejections(t *testing.T) {
	router := newTestRouter(newFakeSession(), i18n.English)

	tests := []struct {
		name       string
		field      string
		content    string
		wantStatus int
	}{
		{name: "missing file", field: "other", content: "x", wantStatus: http.StatusBadRequest},
		{name: "too large", field: "file", content: strings.Repeat("x", 4096), wantStatus: http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, ct := multipartBody(t, tt.field, "a.bin", "application/octet-stream", tt.content, nil)
			req := httptest.NewRequest(http.MethodPost, "/api/files", body)
			req.Header.Set("Content-Type", ct)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

func TestUploadPhotoRequiresImage(t *testing.T) {
	router := newTestRouter(newFakeSession(), i18n.English)

	body, ct := multipartBody(t, "photo", "me.txt", "text/plain", "x", nil)
	req := httptest.NewRequest(http.MethodPost, "/api/profile/photo", body)
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}

	body, ct = multipartBody(t, "photo", "me.png", "image/png", "PNG", nil)
	req = httptest.NewRequest(http.MethodPost, "/api/profile/photo", body)
	req.Header.Set("Content-Type", ct)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "/uploads/profiles/me.png") {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	if w := doJSON(t, router, http.MethodDelete, "/api/profile/photo", nil); w.Code != http.StatusNoContent {
		t.Fatalf("delete photo status = %d", w.Code)
	}
}

func TestTypingAndProfile(t *testing.T) {
	sess := newFakeSession()
	router := newTestRouter(sess, i18n.English)

	if w := doJSON(t, router, http.MethodPost, "/api/typing", nil); w.Code != http.StatusConflict {
		t.Fatalf("typing without active = %d", w.Code)
	}
	sess.active = models.GroupKey(3)
	if w := doJSON(t, router, http.MethodPost, "/api/typing", nil); w.Code != http.StatusNoContent {
		t.Fatalf("typing = %d", w.Code)
	}

	w := doJSON(t, router, http.MethodPut, "/api/profile", map[string]string{"display_name": "Alice"})
	if w.Code != http.StatusOK {
		t.Fatalf("profile status = %d", w.Code)
	}
	var p models.Profile
	decode(t, w, &p)
	if p.DisplayName != "Alice" {
		t.Fatalf("profile = %+v", p)
	}
}

func TestNotifications(t *testing.T) {
	router := newTestRouter(newFakeSession(), i18n.English)

	w := doJSON(t, router, http.MethodGet, "/api/notifications?after=1", nil)
	var resp struct {
		Notifications []session.Notification `json:"notifications"`
	}
	decode(t, w, &resp)
	if len(resp.Notifications) != 1 || resp.Notifications[0].ID != 2 {
		t.Fatalf("notifications = %+v", resp.Notifications)
	}

	if w := doJSON(t, router, http.MethodGet, "/api/notifications?after=x", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad after status = %d", w.Code)
	}
}

func TestConnectAfterGivingUp(t *testing.T) {
	sess := newFakeSession()
	sess.state = ws.Disconnected
	router := newTestRouter(sess, i18n.English)

	w := doJSON(t, router, http.MethodPost, "/api/connect", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("connect status = %d", w.Code)
	}
	var resp struct {
		State ws.State `json:"state"`
	}
	decode(t, w, &resp)
	if resp.State != ws.Connecting {
		t.Fatalf("state = %s", resp.State)
	}

	w = doJSON(t, router, http.MethodPost, "/api/connect", nil)
	if w.Code != http.StatusOK || sess.redials != 1 {
		t.Fatalf("second connect status = %d, redials = %d", w.Code, sess.redials)
	}

	doJSON(t, router, http.MethodPost, "/api/logout", nil)
	if w := doJSON(t, router, http.MethodPost, "/api/connect", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("connect after logout = %d", w.Code)
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	sess := newFakeSession()
	router := newTestRouter(sess, i18n.English)

	for i := 0; i < 2; i++ {
		if w := doJSON(t, router, http.MethodPost, "/api/logout", nil); w.Code != http.StatusOK {
			t.Fatalf("logout %d status = %d", i, w.Code)
		}
	}
	if !sess.Status().LoggedOut {
		t.Fatal("session not logged out")
	}
}

func TestRateLimit(t *testing.T) {
	l := limiter.New(memory.NewStore(), limiter.Rate{Period: time.Minute, Limit: 2})
	router := NewRouter(newFakeSession(), RouterOptions{
		Limiter:       l,
		MaxUploadSize: 1024,
		Translator:    i18n.New(i18n.English),
		Logger:        zerolog.Nop(),
	})

	for i := 0; i < 2; i++ {
		w := doJSON(t, router, http.MethodGet, "/api/status", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, w.Code)
		}
		if w.Header().Get("X-RateLimit-Limit") != "2" {
			t.Fatalf("limit header = %q", w.Header().Get("X-RateLimit-Limit"))
		}
	}

	w := doJSON(t, router, http.MethodGet, "/api/status", nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}

	if w := doJSON(t, router, http.MethodGet, "/health", nil); w.Code != http.StatusOK {
		t.Fatalf("health should not be limited, got %d", w.Code)
	}
}
