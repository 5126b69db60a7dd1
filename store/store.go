// Package store defines the persistence interface for the gameserver and
// provides SQLite and PostgreSQL implementations. It holds the HTTP surface's
// data (players, game environments, API keys); live connection state never
// touches the store.
package store

import (
	"context"
	"time"
)

// Player is a registered participant account.
type Player struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name,omitempty"`
	Active       bool      `json:"active"`
	CurrentEnvID string    `json:"current_env_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Game describes a game environment that clients can join over WebSocket.
type Game struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	MaxPlayers     int       `json:"max_players"`
	Active         bool      `json:"active"`
	CurrentPlayers int       `json:"current_players"`
	CreatedAt      time.Time `json:"created_at"`
}

// APIKey is a stored admission credential. Only the SHA-256 hash of the key
// is persisted.
type APIKey struct {
	ID         string    `json:"id"`
	Username   string    `json:"username"`
	KeyHash    string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at,omitempty"`
}

// Store is the persistence interface for the gameserver.
type Store interface {
	// Players
	CreatePlayer(ctx context.Context, p *Player) error
	GetPlayer(ctx context.Context, id string) (*Player, error)
	ListPlayers(ctx context.Context) ([]Player, error)
	UpdatePlayer(ctx context.Context, p *Player) error
	DeletePlayer(ctx context.Context, id string) error

	// Games
	CreateGame(ctx context.Context, g *Game) error
	GetGame(ctx context.Context, id string) (*Game, error)
	ListGames(ctx context.Context) ([]Game, error)
	UpdateGame(ctx context.Context, g *Game) error
	DeleteGame(ctx context.Context, id string) error

	// API keys
	CreateAPIKey(ctx context.Context, k *APIKey) error
	GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error)
	ListAPIKeys(ctx context.Context) ([]APIKey, error)
	TouchAPIKey(ctx context.Context, id string) error
	DeleteAPIKey(ctx context.Context, id string) error

	Ping(ctx context.Context) error
	Close() error
}
