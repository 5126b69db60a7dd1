package ws

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Lounger-Habitat/GameServer/pkg/protocol"
)

const closeWriteTimeout = 5 * time.Second

func closeDeadline() time.Time {
	return time.Now().Add(closeWriteTimeout)
}

// wsConn wraps a websocket connection with a write mutex so the registry,
// the heartbeat monitor, and the read loop can all write to it safely.
// gorilla/websocket allows at most one concurrent writer.
type wsConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

// WriteRaw sends a pre-encoded frame as a text message.
func (c *wsConn) WriteRaw(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// WriteEnvelope marshals and sends an envelope.
func (c *wsConn) WriteEnvelope(env *protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return c.WriteRaw(data)
}

// Close sends a close frame carrying reason, then closes the underlying
// connection. Safe to call more than once.
func (c *wsConn) Close(reason string) error {
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
	c.writeMu.Unlock()
	return c.ws.Close()
}
