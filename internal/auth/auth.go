package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/4xmen/echat/internal/db"
	"github.com/4xmen/echat/internal/models"
)

var (
	ErrNotLoggedIn  = errors.New("not logged in")
	ErrTokenExpired = errors.New("stored token has expired")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims are the backend's access token claims: sub is the email and id the
// numeric user id.
type Claims struct {
	UserID int `json:"id"`
	jwt.RegisteredClaims
}

// Identity is the authenticated user of a session.
type Identity struct {
	UserID    int
	Email     string
	Token     string
	ExpiresAt time.Time
}

type CredentialStore interface {
	SaveCredential(c db.Credential) error
	LoadCredential() (*db.Credential, error)
	ClearCredential() error
}

type Backend interface {
	Login(ctx context.Context, email, password string) (*models.Token, error)
	Signup(ctx context.Context, email, password string) (*models.Token, error)
}

// Service obtains, restores and discards the session credential. Tokens are
// decoded without verification: the client holds no signing key and the
// backend remains the authority.
type Service struct {
	store   CredentialStore
	backend Backend
	now     func() time.Time
}

func New(store CredentialStore, backend Backend) *Service {
	return &Service{store: store, backend: backend, now: time.Now}
}

func (s *Service) Login(ctx context.Context, email, password string) (*Identity, error) {
	email, err := validate(email, password)
	if err != nil {
		return nil, err
	}
	tok, err := s.backend.Login(ctx, email, password)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	return s.persist(tok)
}

func (s *Service) Signup(ctx context.Context, email, password string) (*Identity, error) {
	email, err := validate(email, password)
	if err != nil {
		return nil, err
	}
	tok, err := s.backend.Signup(ctx, email, password)
	if err != nil {
		return nil, fmt.Errorf("signup: %w", err)
	}
	return s.persist(tok)
}

// Restore loads the stored credential. An expired or undecodable token is
// purged and reported as an error.
func (s *Service) Restore() (*Identity, error) {
	c, err := s.store.LoadCredential()
	if err != nil {
		if errors.Is(err, db.ErrNoCredential) {
			return nil, ErrNotLoggedIn
		}
		return nil, err
	}

	id, err := s.identity(c.Token, c.UserID, c.Email)
	if err != nil {
		if clearErr := s.store.ClearCredential(); clearErr != nil {
			return nil, fmt.Errorf("%w (purge failed: %v)", err, clearErr)
		}
		return nil, err
	}
	return id, nil
}

// Logout purges the stored credential.
func (s *Service) Logout() error {
	return s.store.ClearCredential()
}

func (s *Service) persist(tok *models.Token) (*Identity, error) {
	id, err := s.identity(tok.AccessToken, tok.UserID, tok.Email)
	if err != nil {
		return nil, err
	}
	err = s.store.SaveCredential(db.Credential{
		Token:   id.Token,
		UserID:  id.UserID,
		Email:   id.Email,
		SavedAt: s.now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	return id, nil
}

// identity decodes token and fills gaps in the known user id and email.
func (s *Service) identity(token string, userID int, email string) (*Identity, error) {
	claims, err := ParseClaims(token)
	if err != nil {
		return nil, err
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.After(s.now()) {
		return nil, ErrTokenExpired
	}

	id := &Identity{UserID: userID, Email: email, Token: token}
	if id.UserID == 0 {
		id.UserID = claims.UserID
	}
	if id.Email == "" {
		id.Email = claims.Subject
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	if id.UserID == 0 {
		return nil, fmt.Errorf("%w: no user id", ErrInvalidToken)
	}
	return id, nil
}

// ParseClaims decodes a token without verifying its signature.
func ParseClaims(token string) (*Claims, error) {
	claims := &Claims{}
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

func validate(email, password string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" || !strings.Contains(email, "@") {
		return "", fmt.Errorf("a valid email is required")
	}
	if password == "" {
		return "", fmt.Errorf("password is required")
	}
	return email, nil
}
