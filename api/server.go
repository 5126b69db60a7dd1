// Package api serves the HTTP surface: health and status endpoints, player
// and game management, environment broadcast, and Prometheus metrics.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/Lounger-Habitat/GameServer/auth"
	"github.com/Lounger-Habitat/GameServer/metric"
	"github.com/Lounger-Habitat/GameServer/pkg/protocol"
	"github.com/Lounger-Habitat/GameServer/registry"
	"github.com/Lounger-Habitat/GameServer/store"
)

// Config tunes the HTTP API server.
type Config struct {
	AllowedOrigins []string
	RequireAuth    bool
	MaxBodyBytes   int64
}

// Server carries the HTTP handler dependencies.
type Server struct {
	store   store.Store
	reg     *registry.Registry
	auth    auth.Provider
	metrics *metric.Metrics
	logger  *slog.Logger
	cfg     Config
	started time.Time
}

// NewServer builds the API server. provider may be nil when cfg.RequireAuth
// is false.
func NewServer(st store.Store, reg *registry.Registry, provider auth.Provider, metrics *metric.Metrics, cfg Config, logger *slog.Logger) *Server {
	return &Server{
		store:   st,
		reg:     reg,
		auth:    provider,
		metrics: metrics,
		logger:  logger.With("component", "api"),
		cfg:     cfg,
		started: time.Now(),
	}
}

// Routes returns the HTTP router for everything except the WebSocket
// endpoints.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)
	r.Use(corsMiddleware(s.cfg.AllowedOrigins))
	if s.cfg.MaxBodyBytes > 0 {
		r.Use(limitBody(s.cfg.MaxBodyBytes))
	}

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", s.metrics.Handler().ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		if s.cfg.RequireAuth {
			r.Use(requireAPIKey(s.auth, s.logger))
		}

		r.Get("/status", s.handleStatus)
		r.Post("/envs/{env_id}/broadcast", s.handleBroadcast)

		r.Route("/players", func(r chi.Router) {
			r.Get("/", s.handleListPlayers)
			r.Post("/", s.handleCreatePlayer)
			r.Get("/{id}", s.handleGetPlayer)
			r.Put("/{id}", s.handleUpdatePlayer)
			r.Delete("/{id}", s.handleDeletePlayer)
		})
		r.Route("/games", func(r chi.Router) {
			r.Get("/", s.handleListGames)
			r.Post("/", s.handleCreateGame)
			r.Get("/{id}", s.handleGetGame)
			r.Put("/{id}", s.handleUpdateGame)
			r.Delete("/{id}", s.handleDeleteGame)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Error("store ping failed", "error", err)
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"uptime": time.Since(s.started).String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.reg.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"environments": snap.Environments,
		"env_info":     snap.EnvInfo(),
		"agent_info":   snap.AgentInfo(),
		"human_info":   snap.HumanInfo(),
	})
}

// handleBroadcast fans the request body out to every client in the
// environment, wrapped in a hub envelope. Responds with the delivery count;
// zero is not an error.
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	envID := chi.URLParam(r, "env_id")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be valid JSON")
		return
	}

	env := protocol.NewHubEnvelope(protocol.TypeMessage, payload, nil)
	frame, err := json.Marshal(env)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode envelope")
		return
	}

	delivered := s.reg.Broadcast(envID, frame)
	s.metrics.BroadcastDelivered(delivered)
	writeJSON(w, http.StatusOK, map[string]any{
		"env_id":    envID,
		"delivered": delivered,
	})
}

func (s *Server) handleListPlayers(w http.ResponseWriter, r *http.Request) {
	players, err := s.store.ListPlayers(r.Context())
	if err != nil {
		s.storeError(w, "list players", err)
		return
	}
	if players == nil {
		players = []store.Player{}
	}
	writeJSON(w, http.StatusOK, players)
}

func (s *Server) handleCreatePlayer(w http.ResponseWriter, r *http.Request) {
	var p store.Player
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid player body")
		return
	}
	if p.Username == "" {
		writeError(w, http.StatusBadRequest, "username is required")
		return
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.Active = true
	if err := s.store.CreatePlayer(r.Context(), &p); err != nil {
		s.storeError(w, "create player", err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetPlayer(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetPlayer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, "get player", err)
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "player not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdatePlayer(w http.ResponseWriter, r *http.Request) {
	var p store.Player
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid player body")
		return
	}
	p.ID = chi.URLParam(r, "id")
	if err := s.store.UpdatePlayer(r.Context(), &p); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeletePlayer(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeletePlayer(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.storeError(w, "delete player", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListGames(w http.ResponseWriter, r *http.Request) {
	games, err := s.store.ListGames(r.Context())
	if err != nil {
		s.storeError(w, "list games", err)
		return
	}
	if games == nil {
		games = []store.Game{}
	}
	writeJSON(w, http.StatusOK, games)
}

func (s *Server) handleCreateGame(w http.ResponseWriter, r *http.Request) {
	var g store.Game
	if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
		writeError(w, http.StatusBadRequest, "invalid game body")
		return
	}
	if g.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	g.Active = true
	if err := s.store.CreateGame(r.Context(), &g); err != nil {
		s.storeError(w, "create game", err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleGetGame(w http.ResponseWriter, r *http.Request) {
	g, err := s.store.GetGame(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, "get game", err)
		return
	}
	if g == nil {
		writeError(w, http.StatusNotFound, "game not found")
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleUpdateGame(w http.ResponseWriter, r *http.Request) {
	var g store.Game
	if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
		writeError(w, http.StatusBadRequest, "invalid game body")
		return
	}
	g.ID = chi.URLParam(r, "id")
	if err := s.store.UpdateGame(r.Context(), &g); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleDeleteGame(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteGame(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.storeError(w, "delete game", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("store operation failed", "op", op, "error", err)
	writeError(w, http.StatusInternalServerError, fmt.Sprintf("%s failed", op))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
