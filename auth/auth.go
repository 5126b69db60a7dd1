// Package auth validates API keys for HTTP and WebSocket admission. Keys can
// come from the config file (static entries) or from the store (created with
// the apikey command). Raw keys are never persisted; the store holds SHA-256
// hashes.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Lounger-Habitat/GameServer/config"
	"github.com/Lounger-Habitat/GameServer/store"
)

// ErrInvalidKey indicates the presented API key matched no known credential.
var ErrInvalidKey = errors.New("invalid API key")

// Identity is the authenticated principal behind a validated key.
type Identity struct {
	Username string
}

// Provider validates presented API keys.
type Provider interface {
	ValidateKey(ctx context.Context, key string) (*Identity, error)
}

type staticKey struct {
	username string
	hash     string
}

// Service validates keys against the static config entries and the store.
type Service struct {
	static []staticKey
	store  store.Store
	logger *slog.Logger
}

// NewService builds a Service from the auth config. Static config keys are
// hashed at construction so validation never holds raw keys.
func NewService(cfg config.AuthConfig, st store.Store, logger *slog.Logger) *Service {
	s := &Service{
		store:  st,
		logger: logger.With("component", "auth"),
	}
	for _, e := range cfg.APIKeys {
		s.static = append(s.static, staticKey{
			username: e.Username,
			hash:     HashKey(e.Key),
		})
	}
	return s
}

// HashKey returns the hex SHA-256 digest of a raw key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// ValidateKey checks a raw key against static entries, then the store.
// Store-backed keys get their last-used timestamp bumped on success.
func (s *Service) ValidateKey(ctx context.Context, key string) (*Identity, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	hash := HashKey(key)

	for _, sk := range s.static {
		if subtle.ConstantTimeCompare([]byte(sk.hash), []byte(hash)) == 1 {
			return &Identity{Username: sk.username}, nil
		}
	}

	if s.store != nil {
		rec, err := s.store.GetAPIKeyByHash(ctx, hash)
		if err != nil {
			return nil, fmt.Errorf("look up API key: %w", err)
		}
		if rec != nil {
			if err := s.store.TouchAPIKey(ctx, rec.ID); err != nil {
				s.logger.Warn("failed to update key usage", "error", err)
			}
			return &Identity{Username: rec.Username}, nil
		}
	}

	return nil, ErrInvalidKey
}

// CreateKey generates a new random API key for username, persists its hash,
// and returns the raw key. The raw key is shown once and cannot be recovered.
func (s *Service) CreateKey(ctx context.Context, username string) (string, *store.APIKey, error) {
	if s.store == nil {
		return "", nil, errors.New("no store configured")
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("generate key: %w", err)
	}
	key := hex.EncodeToString(raw)

	rec := &store.APIKey{
		ID:        uuid.NewString(),
		Username:  username,
		KeyHash:   HashKey(key),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateAPIKey(ctx, rec); err != nil {
		return "", nil, err
	}
	return key, rec, nil
}
