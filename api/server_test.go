package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Lounger-Habitat/GameServer/auth"
	"github.com/Lounger-Habitat/GameServer/metric"
	"github.com/Lounger-Habitat/GameServer/registry"
	"github.com/Lounger-Habitat/GameServer/store"
)

type stubAuth struct{ valid string }

func (f *stubAuth) ValidateKey(_ context.Context, key string) (*auth.Identity, error) {
	if key == f.valid {
		return &auth.Identity{Username: "tester"}, nil
	}
	return nil, auth.ErrInvalidKey
}

func newTestAPI(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := registry.New(logger)
	metrics := metric.New(reg)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	srv := NewServer(st, reg, &stubAuth{valid: "good-key"}, metrics, cfg, logger)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestAPI(t, Config{})

	resp := doJSON(t, http.MethodGet, ts.URL+"/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]any
	decode(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
}

func TestStatusEmpty(t *testing.T) {
	ts := newTestAPI(t, Config{})

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]any
	decode(t, resp, &body)
	envs, ok := body["environments"].([]any)
	if !ok || len(envs) != 0 {
		t.Errorf("environments = %v, want empty list", body["environments"])
	}
}

func TestPlayerEndpoints(t *testing.T) {
	ts := newTestAPI(t, Config{})

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/players", map[string]string{
		"username": "alice",
		"email":    "alice@example.com",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	var created store.Player
	decode(t, resp, &created)
	if created.ID == "" || created.Username != "alice" || !created.Active {
		t.Fatalf("unexpected created player: %+v", created)
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/players/"+created.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want 200", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPut, ts.URL+"/api/players/"+created.ID, map[string]any{
		"username":     "alice",
		"email":        "alice@example.com",
		"display_name": "Alice",
		"active":       true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d, want 200", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/players", nil)
	var players []store.Player
	decode(t, resp, &players)
	if len(players) != 1 || players[0].DisplayName != "Alice" {
		t.Fatalf("list = %+v", players)
	}

	resp = doJSON(t, http.MethodDelete, ts.URL+"/api/players/"+created.ID, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/players/"+created.ID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", resp.StatusCode)
	}
}

func TestCreatePlayerValidation(t *testing.T) {
	ts := newTestAPI(t, Config{})

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/players", map[string]string{"email": "x@y"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for missing username", resp.StatusCode)
	}
}

func TestGameEndpoints(t *testing.T) {
	ts := newTestAPI(t, Config{})

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/games", map[string]any{
		"name":        "maze",
		"max_players": 4,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	var g store.Game
	decode(t, resp, &g)
	if g.Name != "maze" || g.MaxPlayers != 4 {
		t.Fatalf("unexpected game: %+v", g)
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/games/"+g.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("get status = %d, want 200", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodDelete, ts.URL+"/api/games/"+g.ID, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", resp.StatusCode)
	}
}

func TestBroadcastUnknownEnv(t *testing.T) {
	ts := newTestAPI(t, Config{})

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/envs/E1/broadcast", map[string]string{"announce": "hi"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]any
	decode(t, resp, &body)
	if delivered, _ := body["delivered"].(float64); delivered != 0 {
		t.Errorf("delivered = %v, want 0 for unknown environment", body["delivered"])
	}
}

func TestAuthMiddleware(t *testing.T) {
	ts := newTestAPI(t, Config{RequireAuth: true})

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/status", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	// Health and metrics stay open.
	resp = doJSON(t, http.MethodGet, ts.URL+"/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/status", nil)
	req.Header.Set("X-API-Key", "good-key")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("authenticated request: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", resp2.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestAPI(t, Config{})

	resp := doJSON(t, http.MethodGet, ts.URL+"/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte("gameserver_connections")) {
		t.Error("metrics output missing gameserver_connections gauge")
	}
}
