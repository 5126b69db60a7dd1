// Package hub wires the gameserver together: store, registry, heartbeat
// monitor, WebSocket endpoints, and the HTTP API, behind one Run loop.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Lounger-Habitat/GameServer/api"
	"github.com/Lounger-Habitat/GameServer/auth"
	"github.com/Lounger-Habitat/GameServer/config"
	"github.com/Lounger-Habitat/GameServer/metric"
	"github.com/Lounger-Habitat/GameServer/registry"
	"github.com/Lounger-Habitat/GameServer/store"
	"github.com/Lounger-Habitat/GameServer/ws"
)

const shutdownTimeout = 30 * time.Second

// Hub owns the server's long-lived components.
type Hub struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   store.Store
	reg     *registry.Registry
	monitor *registry.Monitor
	router  chi.Router
}

// New builds a Hub from the configuration. The store is opened here; Run
// closes it.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	st, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	reg := registry.New(logger)
	metrics := metric.New(reg)
	authSvc := auth.NewService(cfg.Auth, st, logger)
	monitor := registry.NewMonitor(reg,
		cfg.Hub.HeartbeatInterval.Duration,
		cfg.Hub.HeartbeatTimeout.Duration,
		logger)

	wsSrv := ws.NewServer(reg, authSvc, metrics, ws.Config{
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		RequireAuth:     cfg.Auth.Require,
		MaxMessageBytes: cfg.Hub.MaxMessageBytes,
		Debug:           cfg.Hub.Debug,
	}, logger)

	apiSrv := api.NewServer(st, reg, authSvc, metrics, api.Config{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RequireAuth:    cfg.Auth.Require,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
	}, logger)

	router := apiSrv.Routes()
	wsSrv.Register(router)

	return &Hub{
		cfg:     cfg,
		logger:  logger.With("component", "hub"),
		store:   st,
		reg:     reg,
		monitor: monitor,
		router:  router,
	}, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (h *Hub) Run(ctx context.Context) error {
	defer func() {
		if err := h.store.Close(); err != nil {
			h.logger.Error("failed to close store", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:              h.cfg.Server.Addr,
		Handler:           h.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	monCtx, cancelMonitor := context.WithCancel(ctx)
	defer cancelMonitor()
	go h.monitor.Run(monCtx)

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("server listening", "addr", h.cfg.Server.Addr, "tls", h.cfg.Server.TLSCert != "")
		var err error
		if h.cfg.Server.TLSCert != "" {
			err = srv.ListenAndServeTLS(h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	h.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	h.reg.Reset()
	return nil
}
