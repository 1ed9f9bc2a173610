// Package api is the REST client for the E-Chat backend: authentication,
// contacts, groups, history, uploads and profiles.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/4xmen/echat/internal/models"
)

// ErrUnauthorized matches any RequestError with status 401.
var ErrUnauthorized = errors.New("unauthorized")

// RequestError is a non-2xx response. Detail is the backend's "detail" field
// when present, otherwise the raw body.
type RequestError struct {
	Method string
	Path   string
	Status int
	Detail string
}

func (e *RequestError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Detail)
}

func (e *RequestError) Is(target error) bool {
	return target == ErrUnauthorized && e.Status == http.StatusUnauthorized
}

type Client struct {
	baseURL string
	http    *http.Client

	mu    sync.RWMutex
	token string
}

// NewClient returns a client for baseURL. A nil httpClient uses a plain
// http.Client without a request timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// URL resolves a backend-relative path such as an upload url.
func (c *Client) URL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.baseURL + "/" + strings.TrimLeft(path, "/")
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (c *Client) Login(ctx context.Context, email, password string) (*models.Token, error) {
	var tok models.Token
	if err := c.doJSON(ctx, http.MethodPost, "/auth/login", credentials{email, password}, &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

func (c *Client) Signup(ctx context.Context, email, password string) (*models.Token, error) {
	var tok models.Token
	if err := c.doJSON(ctx, http.MethodPost, "/auth/signup", credentials{email, password}, &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

func (c *Client) Contacts(ctx context.Context) ([]models.Contact, error) {
	var contacts []models.Contact
	if err := c.doJSON(ctx, http.MethodGet, "/chat/contacts", nil, &contacts); err != nil {
		return nil, err
	}
	return contacts, nil
}

func (c *Client) AddContact(ctx context.Context, email string) (*models.Contact, error) {
	var contact models.Contact
	body := map[string]string{"email": email}
	if err := c.doJSON(ctx, http.MethodPost, "/chat/contacts", body, &contact); err != nil {
		return nil, err
	}
	return &contact, nil
}

func (c *Client) Groups(ctx context.Context) ([]models.Group, error) {
	var groups []models.Group
	if err := c.doJSON(ctx, http.MethodGet, "/chat/groups", nil, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

func (c *Client) CreateGroup(ctx context.Context, name string) (*models.Group, error) {
	var group models.Group
	body := map[string]string{"name": name}
	if err := c.doJSON(ctx, http.MethodPost, "/chat/groups", body, &group); err != nil {
		return nil, err
	}
	return &group, nil
}

// History returns the stored messages of one conversation, oldest first.
func (c *Client) History(ctx context.Context, key models.ConversationKey) ([]models.Message, error) {
	q := url.Values{}
	q.Set("is_group", strconv.FormatBool(key.IsGroup()))
	path := fmt.Sprintf("/chat/history/%d?%s", key.ID, q.Encode())

	var messages []models.Message
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &messages); err != nil {
		return nil, err
	}
	for i := range messages {
		if messages[i].Status == "" {
			messages[i].Status = models.StatusSent
		}
	}
	return messages, nil
}

// Upload stores a chat attachment and returns its reference.
func (c *Client) Upload(ctx context.Context, filename, contentType string, r io.Reader) (*models.Upload, error) {
	var up models.Upload
	if err := c.doMultipart(ctx, http.MethodPost, "/chat/upload", filename, contentType, r, &up); err != nil {
		return nil, err
	}
	return &up, nil
}

func (c *Client) Profile(ctx context.Context) (*models.Profile, error) {
	var p models.Profile
	if err := c.doJSON(ctx, http.MethodGet, "/profile/me", nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) UpdateProfile(ctx context.Context, update models.ProfileUpdate) (*models.Profile, error) {
	var p models.Profile
	if err := c.doJSON(ctx, http.MethodPut, "/profile/me", update, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// UploadPhoto replaces the profile photo and returns its new url.
func (c *Client) UploadPhoto(ctx context.Context, filename, contentType string, r io.Reader) (string, error) {
	var resp struct {
		ProfilePhotoURL string `json:"profile_photo_url"`
	}
	if err := c.doMultipart(ctx, http.MethodPost, "/profile/photo", filename, contentType, r, &resp); err != nil {
		return "", err
	}
	return resp.ProfilePhotoURL, nil
}

func (c *Client) DeletePhoto(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodDelete, "/profile/photo", nil, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) doMultipart(ctx context.Context, method, path, filename, contentType string, r io.Reader, out any) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)

	part, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return fmt.Errorf("read upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &RequestError{
			Method: req.Method,
			Path:   req.URL.Path,
			Status: resp.StatusCode,
			Detail: detail(data),
		}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

// detail extracts FastAPI's {"detail": ...}; validation errors carry a list
// whose first "msg" is used.
func detail(body []byte) string {
	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || len(payload.Detail) == 0 {
		return strings.TrimSpace(string(body))
	}

	var s string
	if err := json.Unmarshal(payload.Detail, &s); err == nil {
		return s
	}
	var list []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(payload.Detail, &list); err == nil && len(list) > 0 {
		return list[0].Msg
	}
	return string(payload.Detail)
}
