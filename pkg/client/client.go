// Package client implements a reconnecting WebSocket client for the
// gameserver, for use by environments, agents, and human frontends written in
// Go.
package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Lounger-Habitat/GameServer/pkg/protocol"
)

// MessageHandler processes envelopes received from the server. The connect
// greeting and heartbeat acks are delivered too; handlers that only care
// about routed traffic can filter on env.Type.
type MessageHandler func(env protocol.Envelope) error

// Options configures a Client.
type Options struct {
	// URL is the server base, e.g. "ws://localhost:8000".
	URL string
	// Identity is the participant to connect as. For RoleEnv the ID is the
	// environment id; agents and humans also need EnvID.
	Identity protocol.ClientIdentity
	// APIKey is sent as a bearer token when set.
	APIKey string
	// HeartbeatInterval is how often the client sends heartbeats.
	// Zero disables them.
	HeartbeatInterval time.Duration
	// ReconnectInterval is the pause between reconnect attempts.
	// Defaults to 5s.
	ReconnectInterval time.Duration
	TLSSkipVerify     bool
}

// Client manages one participant connection to the server.
type Client struct {
	opts    Options
	handler MessageHandler
	logger  *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// New creates a Client. handler may be nil to drop inbound envelopes.
func New(opts Options, handler MessageHandler, logger *slog.Logger) *Client {
	if opts.ReconnectInterval == 0 {
		opts.ReconnectInterval = 5 * time.Second
	}
	if handler == nil {
		handler = func(protocol.Envelope) error { return nil }
	}
	return &Client{
		opts:    opts,
		handler: handler,
		logger:  logger.With("component", "client", "identity", opts.Identity.String()),
	}
}

// endpoint builds the WebSocket path for the configured identity.
func (c *Client) endpoint() string {
	id := c.opts.Identity
	if id.Type == protocol.RoleEnv {
		return fmt.Sprintf("%s/ws/metaverse/env/%s", c.opts.URL, id.ID)
	}
	return fmt.Sprintf("%s/ws/metaverse/env/%s/%s/%s", c.opts.URL, id.EnvID, id.Type, id.ID)
}

// Run connects and processes messages, reconnecting on failure, until ctx is
// cancelled.
func (c *Client) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := c.runOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("connection failed", "error", err)
		}

		c.logger.Info("reconnecting", "delay", c.opts.ReconnectInterval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.opts.ReconnectInterval):
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	if c.opts.TLSSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	header := http.Header{}
	if c.opts.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}

	conn, _, err := dialer.DialContext(ctx, c.endpoint(), header)
	if err != nil {
		return fmt.Errorf("dial server: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	c.logger.Info("connected", "url", c.opts.URL)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	if c.opts.HeartbeatInterval > 0 {
		go c.heartbeatLoop(hbCtx)
	}

	for {
		select {
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown")
			_ = c.write(websocket.CloseMessage, msg)
			return ctx.Err()
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("invalid envelope from server", "error", err)
			continue
		}
		if err := c.handler(env); err != nil {
			c.logger.Warn("handler error", "type", env.Type, "error", err)
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.sendEnvelope(protocol.TypeHeartbeat, "ping", nil); err != nil {
				c.logger.Debug("heartbeat send failed", "error", err)
			}
		}
	}
}

// SendTo sends a routed message to recipient.
func (c *Client) SendTo(recipient protocol.ClientIdentity, payload any) error {
	return c.sendEnvelope(protocol.TypeMessage, payload, &recipient)
}

// Status asks the server for its connection snapshot. The reply arrives on
// the handler.
func (c *Client) Status() error {
	return c.sendEnvelope(protocol.TypeStatus, map[string]any{}, nil)
}

// Disconnect asks the server to close this connection gracefully. Run will
// still try to reconnect afterwards; cancel its context to stop for good.
func (c *Client) Disconnect() error {
	return c.sendEnvelope(protocol.TypeDisconnect, map[string]any{}, nil)
}

func (c *Client) sendEnvelope(msgType string, payload any, recipient *protocol.ClientIdentity) error {
	sender := c.opts.Identity
	env := protocol.Envelope{
		Type:      msgType,
		Sender:    &sender,
		Recipient: recipient,
		Payload:   payload,
		Timestamp: protocol.Now(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return c.write(websocket.TextMessage, data)
}

func (c *Client) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	return c.conn.WriteMessage(messageType, data)
}
