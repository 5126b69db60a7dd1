// Package ws exposes the WebSocket endpoints and the envelope dispatcher.
// One goroutine per connection reads frames and routes them through the
// registry; all outbound writes go through the shared connection handle.
package ws

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/Lounger-Habitat/GameServer/auth"
	"github.com/Lounger-Habitat/GameServer/metric"
	"github.com/Lounger-Habitat/GameServer/pkg/protocol"
	"github.com/Lounger-Habitat/GameServer/registry"
)

// Config tunes the WebSocket server.
type Config struct {
	AllowedOrigins  []string // "*" allows any origin
	RequireAuth     bool
	MaxMessageBytes int64
	Debug           bool // include diagnostic detail in error envelopes
}

// Server upgrades HTTP requests to WebSocket connections and runs the
// per-connection read loop.
type Server struct {
	reg      *registry.Registry
	auth     auth.Provider
	metrics  *metric.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader
	cfg      Config
	handlers map[string]handlerFunc
}

// NewServer builds a Server. provider may be nil when cfg.RequireAuth is
// false.
func NewServer(reg *registry.Registry, provider auth.Provider, metrics *metric.Metrics, cfg Config, logger *slog.Logger) *Server {
	s := &Server{
		reg:     reg,
		auth:    provider,
		metrics: metrics,
		logger:  logger.With("component", "ws"),
		cfg:     cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
	}
	s.handlers = map[string]handlerFunc{
		protocol.TypeStatus:     (*Server).handleStatus,
		protocol.TypeHeartbeat:  (*Server).handleHeartbeat,
		protocol.TypeMessage:    (*Server).handleMessage,
		protocol.TypeConnect:    (*Server).handleConnect,
		protocol.TypeDisconnect: (*Server).handleDisconnect,
	}
	return s
}

func originChecker(allowed []string) func(*http.Request) bool {
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimSuffix(o, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Non-browser clients send no Origin header.
			return true
		}
		_, ok := set[strings.TrimSuffix(origin, "/")]
		return ok
	}
}

// Register mounts the WebSocket endpoints on the router.
func (s *Server) Register(r chi.Router) {
	r.Get("/ws/metaverse/env/{env_id}", s.handleEnvWS)
	r.Get("/ws/metaverse/env/{env_id}/{client_type}/{client_id}", s.handleClientWS)
}

// handleEnvWS accepts the environment connection for env_id.
func (s *Server) handleEnvWS(w http.ResponseWriter, r *http.Request) {
	envID := chi.URLParam(r, "env_id")
	identity := &protocol.ClientIdentity{Type: protocol.RoleEnv, ID: envID, EnvID: envID}
	s.serve(w, r, identity)
}

// handleClientWS accepts an agent or human connection joining env_id.
func (s *Server) handleClientWS(w http.ResponseWriter, r *http.Request) {
	envID := chi.URLParam(r, "env_id")
	clientType := protocol.Role(chi.URLParam(r, "client_type"))
	clientID := chi.URLParam(r, "client_id")

	if clientType != protocol.RoleAgent && clientType != protocol.RoleHuman {
		http.Error(w, fmt.Sprintf("invalid client type %q", clientType), http.StatusBadRequest)
		return
	}
	identity := &protocol.ClientIdentity{Type: clientType, ID: clientID, EnvID: envID}
	s.serve(w, r, identity)
}

// serve authenticates, upgrades, registers the connection, and runs the read
// loop until the peer goes away or asks to disconnect.
func (s *Server) serve(w http.ResponseWriter, r *http.Request, identity *protocol.ClientIdentity) {
	if s.cfg.RequireAuth {
		if _, err := s.auth.ValidateKey(r.Context(), requestKey(r)); err != nil {
			s.logger.Warn("rejected unauthenticated connection", "client", identity.String(), "remote", r.RemoteAddr)
			http.Error(w, "invalid or missing API key", http.StatusUnauthorized)
			return
		}
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		s.logger.Warn("websocket upgrade failed", "client", identity.String(), "error", err)
		return
	}
	conn := newWSConn(ws)

	_, err = s.reg.Connect(identity.Type, identity.ID, identity.EnvID, conn)
	if err != nil {
		s.logger.Warn("connection rejected", "client", identity.String(), "error", err)
		code := websocket.ClosePolicyViolation
		if !errors.Is(err, registry.ErrDuplicateConnection) && !errors.Is(err, registry.ErrInvalidIdentity) {
			code = websocket.CloseInternalServerErr
		}
		msg := websocket.FormatCloseMessage(code, err.Error())
		_ = ws.WriteControl(websocket.CloseMessage, msg, closeDeadline())
		_ = ws.Close()
		return
	}
	defer func() {
		s.reg.Disconnect(identity.Type, identity.ID, identity.EnvID, conn)
		_ = ws.Close()
	}()

	if s.cfg.MaxMessageBytes > 0 {
		ws.SetReadLimit(s.cfg.MaxMessageBytes)
	}

	greeting := fmt.Sprintf("Connected as %s to environment %s", identity.String(), identity.EnvID)
	if err := conn.WriteEnvelope(protocol.NewHubEnvelope(protocol.TypeConnect, greeting, identity)); err != nil {
		s.logger.Warn("failed to send connect confirmation", "client", identity.String(), "error", err)
		return
	}

	s.logger.Info("client connected", "client", identity.String(), "remote", r.RemoteAddr)

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("connection closed unexpectedly", "client", identity.String(), "error", err)
			} else {
				s.logger.Debug("connection closed", "client", identity.String())
			}
			return
		}
		if s.dispatch(conn, identity, frame) {
			_ = conn.Close("goodbye")
			return
		}
	}
}

// requestKey extracts the API key from the Authorization header or, for
// browser clients that cannot set headers on WebSocket requests, the api_key
// query parameter.
func requestKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("api_key")
}
