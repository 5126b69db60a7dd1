package store

import (
	"context"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPlayerCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := &Player{
		ID:       "p1",
		Username: "alice",
		Email:    "alice@example.com",
		Active:   true,
	}
	if err := s.CreatePlayer(ctx, p); err != nil {
		t.Fatalf("CreatePlayer: %v", err)
	}
	if p.CreatedAt.IsZero() {
		t.Error("CreatePlayer did not set CreatedAt")
	}

	got, err := s.GetPlayer(ctx, "p1")
	if err != nil {
		t.Fatalf("GetPlayer: %v", err)
	}
	if got == nil {
		t.Fatal("GetPlayer returned nil for existing player")
	}
	if got.Username != "alice" || !got.Active {
		t.Errorf("unexpected player: %+v", got)
	}

	got.DisplayName = "Alice"
	got.CurrentEnvID = "env-1"
	if err := s.UpdatePlayer(ctx, got); err != nil {
		t.Fatalf("UpdatePlayer: %v", err)
	}
	got, err = s.GetPlayer(ctx, "p1")
	if err != nil {
		t.Fatalf("GetPlayer after update: %v", err)
	}
	if got.DisplayName != "Alice" || got.CurrentEnvID != "env-1" {
		t.Errorf("update not persisted: %+v", got)
	}

	players, err := s.ListPlayers(ctx)
	if err != nil {
		t.Fatalf("ListPlayers: %v", err)
	}
	if len(players) != 1 {
		t.Fatalf("ListPlayers returned %d players, want 1", len(players))
	}

	if err := s.DeletePlayer(ctx, "p1"); err != nil {
		t.Fatalf("DeletePlayer: %v", err)
	}
	got, err = s.GetPlayer(ctx, "p1")
	if err != nil {
		t.Fatalf("GetPlayer after delete: %v", err)
	}
	if got != nil {
		t.Error("player still present after delete")
	}
}

func TestGetPlayerMissing(t *testing.T) {
	s := newTestStore(t)

	got, err := s.GetPlayer(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetPlayer: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing player, got %+v", got)
	}
}

func TestUpdatePlayerMissing(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdatePlayer(context.Background(), &Player{ID: "nope", Username: "x"})
	if err == nil {
		t.Error("expected error updating missing player")
	}
}

func TestDuplicateUsername(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreatePlayer(ctx, &Player{ID: "p1", Username: "bob", Email: "a@b"}); err != nil {
		t.Fatalf("CreatePlayer: %v", err)
	}
	if err := s.CreatePlayer(ctx, &Player{ID: "p2", Username: "bob", Email: "c@d"}); err == nil {
		t.Error("expected unique constraint error for duplicate username")
	}
}

func TestGameCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	g := &Game{
		ID:         "g1",
		Name:       "maze",
		MaxPlayers: 8,
		Active:     true,
	}
	if err := s.CreateGame(ctx, g); err != nil {
		t.Fatalf("CreateGame: %v", err)
	}

	got, err := s.GetGame(ctx, "g1")
	if err != nil {
		t.Fatalf("GetGame: %v", err)
	}
	if got == nil || got.Name != "maze" || got.MaxPlayers != 8 {
		t.Errorf("unexpected game: %+v", got)
	}

	got.CurrentPlayers = 3
	got.Description = "a maze game"
	if err := s.UpdateGame(ctx, got); err != nil {
		t.Fatalf("UpdateGame: %v", err)
	}
	got, _ = s.GetGame(ctx, "g1")
	if got.CurrentPlayers != 3 || got.Description != "a maze game" {
		t.Errorf("update not persisted: %+v", got)
	}

	games, err := s.ListGames(ctx)
	if err != nil {
		t.Fatalf("ListGames: %v", err)
	}
	if len(games) != 1 {
		t.Fatalf("ListGames returned %d games, want 1", len(games))
	}

	if err := s.DeleteGame(ctx, "g1"); err != nil {
		t.Fatalf("DeleteGame: %v", err)
	}
	if got, _ := s.GetGame(ctx, "g1"); got != nil {
		t.Error("game still present after delete")
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	k := &APIKey{
		ID:       "k1",
		Username: "svc",
		KeyHash:  "deadbeef",
	}
	if err := s.CreateAPIKey(ctx, k); err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}

	got, err := s.GetAPIKeyByHash(ctx, "deadbeef")
	if err != nil {
		t.Fatalf("GetAPIKeyByHash: %v", err)
	}
	if got == nil || got.Username != "svc" {
		t.Fatalf("unexpected key: %+v", got)
	}
	if !got.LastUsedAt.IsZero() {
		t.Errorf("LastUsedAt should be zero before first use, got %v", got.LastUsedAt)
	}

	if err := s.TouchAPIKey(ctx, "k1"); err != nil {
		t.Fatalf("TouchAPIKey: %v", err)
	}
	got, _ = s.GetAPIKeyByHash(ctx, "deadbeef")
	if got.LastUsedAt.IsZero() {
		t.Error("TouchAPIKey did not set LastUsedAt")
	}
	if time.Since(got.LastUsedAt) > time.Minute {
		t.Errorf("LastUsedAt not recent: %v", got.LastUsedAt)
	}

	if got, _ := s.GetAPIKeyByHash(ctx, "unknown"); got != nil {
		t.Errorf("expected nil for unknown hash, got %+v", got)
	}

	keys, err := s.ListAPIKeys(ctx)
	if err != nil {
		t.Fatalf("ListAPIKeys: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("ListAPIKeys returned %d keys, want 1", len(keys))
	}

	if err := s.DeleteAPIKey(ctx, "k1"); err != nil {
		t.Fatalf("DeleteAPIKey: %v", err)
	}
	if got, _ := s.GetAPIKeyByHash(ctx, "deadbeef"); got != nil {
		t.Error("key still present after delete")
	}
}
