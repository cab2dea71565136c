// Package auth issues and validates the bearer tokens that protect the API
// and the session websocket (?token= query form). HS256 only; an empty
// secret disables auth for local development.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jsarkisian/PTBudgetBuster/pkg/models"
)

var (
	ErrAuthDisabled = errors.New("auth disabled")
	ErrInvalidToken = errors.New("invalid token")
)

// DefaultTokenExpiry applies when the config does not set one.
const DefaultTokenExpiry = 12 * time.Hour

// Service signs and verifies operator tokens.
type Service struct {
	secret []byte
	expiry time.Duration
}

// NewService builds the token helper. An empty secret yields a disabled
// service: Generate and Validate return ErrAuthDisabled and Enabled reports
// false.
func NewService(secret string, expiry time.Duration) *Service {
	if expiry <= 0 {
		expiry = DefaultTokenExpiry
	}
	return &Service{secret: []byte(strings.TrimSpace(secret)), expiry: expiry}
}

// Enabled reports whether token checks should run.
func (s *Service) Enabled() bool {
	return s != nil && len(s.secret) > 0
}

// Claims carried in operator tokens.
type Claims struct {
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Generate issues a signed token for the given user.
func (s *Service) Generate(user models.User) (string, error) {
	if !s.Enabled() {
		return "", ErrAuthDisabled
	}
	if strings.TrimSpace(user.ID) == "" {
		return "", errors.New("user id required")
	}
	now := time.Now()
	claims := Claims{
		Username: user.Username,
		Role:     user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses a token and returns the identity embedded in it.
func (s *Service) Validate(token string) (models.User, error) {
	if !s.Enabled() {
		return models.User{}, ErrAuthDisabled
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return models.User{}, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return models.User{}, ErrInvalidToken
	}
	return models.User{
		ID:       claims.Subject,
		Username: claims.Username,
		Role:     claims.Role,
	}, nil
}
