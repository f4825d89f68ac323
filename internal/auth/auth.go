// Package auth authenticates API callers with HS256 bearer tokens or static
// API keys and places the caller on the request context.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/haasonsaas/coachd/pkg/models"
)

var (
	ErrAuthDisabled = errors.New("auth disabled")
	ErrInvalidToken = errors.New("invalid token")
	ErrInvalidKey   = errors.New("invalid api key")
)

// Config configures authentication helpers.
type Config struct {
	JWTSecret   string
	Issuer      string
	TokenExpiry time.Duration
	APIKeys     []APIKeyConfig
}

// APIKeyConfig declares a static API key and associated identity.
type APIKeyConfig struct {
	Key    string
	UserID string
	Email  string
	Name   string
}

// Service validates JWTs and API keys.
type Service struct {
	jwt   *JWTService
	keys  []apiKey
	users map[string]models.User
}

// apiKey holds the digest of a configured key, never the key itself.
type apiKey struct {
	digest [sha256.Size]byte
	userID string
}

// NewService constructs an auth service from static configuration.
func NewService(cfg Config) *Service {
	service := &Service{users: map[string]models.User{}}
	if strings.TrimSpace(cfg.JWTSecret) != "" {
		service.jwt = NewJWTService(cfg.JWTSecret, cfg.Issuer, cfg.TokenExpiry)
	}
	for _, entry := range cfg.APIKeys {
		key := strings.TrimSpace(entry.Key)
		if key == "" {
			continue
		}
		digest := sha256.Sum256([]byte(key))
		user := models.User{
			ID:    strings.TrimSpace(entry.UserID),
			Email: strings.TrimSpace(entry.Email),
			Name:  strings.TrimSpace(entry.Name),
		}
		if user.ID == "" {
			user.ID = "api_" + hex.EncodeToString(digest[:8])
		}
		service.keys = append(service.keys, apiKey{digest: digest, userID: user.ID})
		service.users[user.ID] = user
	}
	return service
}

// Enabled reports whether auth checks should run.
func (s *Service) Enabled() bool {
	return s != nil && (s.jwt != nil || len(s.keys) > 0)
}

// GenerateJWT issues a signed token for the given user.
func (s *Service) GenerateJWT(user *models.User) (string, error) {
	if s == nil || s.jwt == nil {
		return "", ErrAuthDisabled
	}
	return s.jwt.Generate(user)
}

// ValidateJWT validates a JWT and returns the associated user.
func (s *Service) ValidateJWT(token string) (*models.User, error) {
	if s == nil || s.jwt == nil {
		return nil, ErrAuthDisabled
	}
	return s.jwt.Validate(token)
}

// ValidateAPIKey returns the user owning key. The digest is compared against
// every configured key in constant time.
func (s *Service) ValidateAPIKey(key string) (*models.User, error) {
	if s == nil || len(s.keys) == 0 {
		return nil, ErrAuthDisabled
	}
	digest := sha256.Sum256([]byte(strings.TrimSpace(key)))
	matched := ""
	for _, k := range s.keys {
		if subtle.ConstantTimeCompare(digest[:], k.digest[:]) == 1 {
			matched = k.userID
		}
	}
	if matched == "" {
		return nil, ErrInvalidKey
	}
	user := s.users[matched]
	return &user, nil
}

// LookupUser returns the identity configured for an API key user id.
func (s *Service) LookupUser(id string) (*models.User, bool) {
	if s == nil {
		return nil, false
	}
	user, ok := s.users[id]
	if !ok {
		return nil, false
	}
	return &user, true
}
