package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store backed by a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS players (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		email TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		current_env_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS games (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		max_players INTEGER NOT NULL DEFAULT 0,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		current_players INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		key_hash TEXT NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL,
		last_used_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_api_keys_hash ON api_keys(key_hash)`,
}

// NewPostgres connects to PostgreSQL with the given DSN and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	for i, m := range postgresMigrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			db.Close()
			return nil, fmt.Errorf("migration %d: %w", i, err)
		}
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) CreatePlayer(ctx context.Context, p *Player) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO players (id, username, email, display_name, active, current_env_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.Username, p.Email, p.DisplayName, p.Active, p.CurrentEnvID, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("create player: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPlayer(ctx context.Context, id string) (*Player, error) {
	var p Player
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, email, display_name, active, current_env_id, created_at
		 FROM players WHERE id = $1`, id).
		Scan(&p.ID, &p.Username, &p.Email, &p.DisplayName, &p.Active, &p.CurrentEnvID, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get player: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) ListPlayers(ctx context.Context) ([]Player, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, email, display_name, active, current_env_id, created_at
		 FROM players ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list players: %w", err)
	}
	defer rows.Close()

	var players []Player
	for rows.Next() {
		var p Player
		if err := rows.Scan(&p.ID, &p.Username, &p.Email, &p.DisplayName, &p.Active, &p.CurrentEnvID, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan player: %w", err)
		}
		players = append(players, p)
	}
	return players, rows.Err()
}

func (s *PostgresStore) UpdatePlayer(ctx context.Context, p *Player) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE players SET username = $1, email = $2, display_name = $3, active = $4, current_env_id = $5
		 WHERE id = $6`,
		p.Username, p.Email, p.DisplayName, p.Active, p.CurrentEnvID, p.ID)
	if err != nil {
		return fmt.Errorf("update player: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("player %s not found", p.ID)
	}
	return nil
}

func (s *PostgresStore) DeletePlayer(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM players WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete player: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateGame(ctx context.Context, g *Game) error {
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO games (id, name, description, max_players, active, current_players, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		g.ID, g.Name, g.Description, g.MaxPlayers, g.Active, g.CurrentPlayers, g.CreatedAt)
	if err != nil {
		return fmt.Errorf("create game: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetGame(ctx context.Context, id string) (*Game, error) {
	var g Game
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, max_players, active, current_players, created_at
		 FROM games WHERE id = $1`, id).
		Scan(&g.ID, &g.Name, &g.Description, &g.MaxPlayers, &g.Active, &g.CurrentPlayers, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get game: %w", err)
	}
	return &g, nil
}

func (s *PostgresStore) ListGames(ctx context.Context) ([]Game, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, max_players, active, current_players, created_at
		 FROM games ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list games: %w", err)
	}
	defer rows.Close()

	var games []Game
	for rows.Next() {
		var g Game
		if err := rows.Scan(&g.ID, &g.Name, &g.Description, &g.MaxPlayers, &g.Active, &g.CurrentPlayers, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan game: %w", err)
		}
		games = append(games, g)
	}
	return games, rows.Err()
}

func (s *PostgresStore) UpdateGame(ctx context.Context, g *Game) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE games SET name = $1, description = $2, max_players = $3, active = $4, current_players = $5
		 WHERE id = $6`,
		g.Name, g.Description, g.MaxPlayers, g.Active, g.CurrentPlayers, g.ID)
	if err != nil {
		return fmt.Errorf("update game: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("game %s not found", g.ID)
	}
	return nil
}

func (s *PostgresStore) DeleteGame(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM games WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete game: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, k *APIKey) error {
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, username, key_hash, created_at) VALUES ($1, $2, $3, $4)`,
		k.ID, k.Username, k.KeyHash, k.CreatedAt)
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	var k APIKey
	var lastUsed sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, key_hash, created_at, last_used_at FROM api_keys WHERE key_hash = $1`, hash).
		Scan(&k.ID, &k.Username, &k.KeyHash, &k.CreatedAt, &lastUsed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	if lastUsed.Valid {
		k.LastUsedAt = lastUsed.Time
	}
	return &k, nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, key_hash, created_at, last_used_at FROM api_keys ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		var k APIKey
		var lastUsed sql.NullTime
		if err := rows.Scan(&k.ID, &k.Username, &k.KeyHash, &k.CreatedAt, &lastUsed); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		if lastUsed.Valid {
			k.LastUsedAt = lastUsed.Time
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) TouchAPIKey(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = $1 WHERE id = $2`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteAPIKey(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
