// Package identity turns credentials into usernames. Google ID tokens are
// verified once at login; the server then issues its own HS256 session JWT,
// carried in an httpOnly cookie or a Bearer header on later requests.
package identity

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tandem/chat-app/internal/clock"
)

// CookieName is the session cookie set at login.
const CookieName = "token"

var (
	// ErrNoCredential is returned when a request carries neither cookie nor
	// Bearer token.
	ErrNoCredential = errors.New("identity: no credential")
	// ErrInvalidToken is returned when the token is malformed or forged.
	ErrInvalidToken = errors.New("identity: invalid token")
	// ErrExpiredToken is returned when the token has expired.
	ErrExpiredToken = errors.New("identity: token has expired")
)

// Config holds session token settings.
type Config struct {
	SecretKey string
	TTL       time.Duration
	Issuer    string
}

// DefaultConfig returns the 7-day session used by the web client. The secret
// must be replaced through JWT_SECRET outside development.
func DefaultConfig() Config {
	return Config{
		SecretKey: "dev-secret-change-me",
		TTL:       7 * 24 * time.Hour,
		Issuer:    "tandem-chat",
	}
}

// Claims are the session token claims. Subject is the username.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Sessions issues and verifies session tokens.
type Sessions struct {
	config Config
	clock  clock.Clock
}

// NewSessions creates a Sessions with the given configuration.
func NewSessions(config Config, c clock.Clock) *Sessions {
	if c == nil {
		c = clock.Real()
	}
	return &Sessions{config: config, clock: c}
}

// TTL returns the lifetime of issued tokens.
func (s *Sessions) TTL() time.Duration { return s.config.TTL }

// Issue signs a session token for username.
func (s *Sessions) Issue(username, name string) (string, error) {
	now := s.clock.Now()
	claims := Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.config.Issuer,
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.TTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.config.SecretKey))
}

// Verify validates a session token and returns its username.
func (s *Sessions) Verify(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(s.config.SecretKey), nil
	},
		jwt.WithIssuer(s.config.Issuer),
		jwt.WithTimeFunc(s.clock.Now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// Resolve extracts and verifies the credential on r. The cookie wins over
// the Authorization header.
func (s *Sessions) Resolve(_ context.Context, r *http.Request) (string, error) {
	token := TokenFromRequest(r)
	if token == "" {
		return "", ErrNoCredential
	}
	return s.Verify(token)
}

// TokenFromRequest returns the session token carried by r, or "".
func TokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}
