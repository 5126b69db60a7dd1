package ws

import (
	"errors"
	"fmt"

	"github.com/Lounger-Habitat/GameServer/metric"
	"github.com/Lounger-Habitat/GameServer/pkg/protocol"
)

// handlerFunc processes one validated envelope. frame is the raw inbound
// bytes so routed messages are forwarded byte-exact. Returning wantClose asks
// the read loop to close the connection gracefully.
type handlerFunc func(s *Server, conn *wsConn, from *protocol.ClientIdentity, env *protocol.Envelope, frame []byte) (wantClose bool)

const maxLoggedFrame = 256

// dispatch validates and routes one inbound frame. Validation failures and
// handler panics are reported to the client on an error envelope; the
// connection stays open in both cases.
func (s *Server) dispatch(conn *wsConn, from *protocol.ClientIdentity, frame []byte) (wantClose bool) {
	defer func() {
		if rec := recover(); rec != nil {
			logged := frame
			if len(logged) > maxLoggedFrame {
				logged = logged[:maxLoggedFrame]
			}
			s.logger.Error("panic handling message", "client", from.String(), "panic", rec, "frame", string(logged))
			s.metrics.EnvelopeError(metric.ErrKindInternal)
			s.sendError(conn, from, "internal server error", fmt.Sprint(rec))
			wantClose = false
		}
	}()

	env, err := protocol.ParseEnvelope(frame)
	if err != nil {
		var verr *protocol.ValidationError
		if errors.As(err, &verr) {
			s.metrics.EnvelopeError(metric.ErrKindValidation)
			s.sendError(conn, from, verr.Msg, "")
			return false
		}
		s.metrics.EnvelopeError(metric.ErrKindInternal)
		s.sendError(conn, from, "internal server error", err.Error())
		return false
	}

	handler, ok := s.handlers[env.Type]
	if !ok {
		s.logger.Warn("unknown message type", "client", from.String(), "type", env.Type)
		s.metrics.EnvelopeError(metric.ErrKindUnknownType)
		s.sendError(conn, from, fmt.Sprintf("unknown message type: %s", env.Type), "")
		return false
	}
	return handler(s, conn, from, env, frame)
}

// handleStatus replies with a snapshot of everything currently connected.
func (s *Server) handleStatus(conn *wsConn, from *protocol.ClientIdentity, env *protocol.Envelope, frame []byte) bool {
	snap := s.reg.Snapshot()
	payload := map[string]any{
		"status": "ok",
		"connections": map[string]any{
			"env_info":   snap.EnvInfo(),
			"agent_info": snap.AgentInfo(),
			"human_info": snap.HumanInfo(),
		},
	}
	s.reply(conn, from, protocol.NewHubEnvelope(protocol.TypeMessage, payload, from))
	return false
}

// handleHeartbeat re-arms the connection's liveness entry and acknowledges.
// The registry tracks liveness by the connection's own identity, not the
// envelope sender, so a client cannot keep someone else alive.
func (s *Server) handleHeartbeat(conn *wsConn, from *protocol.ClientIdentity, env *protocol.Envelope, frame []byte) bool {
	s.reg.UpdateHeartbeat(from)
	s.reply(conn, from, protocol.NewHubEnvelope(protocol.TypeHeartbeat, "ack", from))
	return false
}

// handleMessage forwards the raw frame to the recipient. The recipient sees
// the envelope exactly as the sender encoded it.
func (s *Server) handleMessage(conn *wsConn, from *protocol.ClientIdentity, env *protocol.Envelope, frame []byte) bool {
	if err := s.reg.RouteDirect(env.Sender, env.Recipient, frame); err != nil {
		s.metrics.EnvelopeError(metric.ErrKindRouting)
		s.sendError(conn, from, err.Error(), "")
		return false
	}
	s.metrics.MessageRouted()
	return false
}

// handleConnect acknowledges an in-band connection check.
func (s *Server) handleConnect(conn *wsConn, from *protocol.ClientIdentity, env *protocol.Envelope, frame []byte) bool {
	payload := map[string]any{
		"status": "connected",
		"client": from.String(),
	}
	s.reply(conn, from, protocol.NewHubEnvelope(protocol.TypeConnect, payload, from))
	return false
}

// handleDisconnect asks the read loop to close the connection. Registry
// cleanup happens in the read loop's deferred disconnect.
func (s *Server) handleDisconnect(conn *wsConn, from *protocol.ClientIdentity, env *protocol.Envelope, frame []byte) bool {
	s.logger.Info("client requested disconnect", "client", from.String())
	return true
}

func (s *Server) reply(conn *wsConn, from *protocol.ClientIdentity, env *protocol.Envelope) {
	if err := conn.WriteEnvelope(env); err != nil {
		s.logger.Warn("failed to send reply", "client", from.String(), "type", env.Type, "error", err)
	}
}

// sendError reports a recoverable failure back to the client. detail is only
// forwarded in debug mode.
func (s *Server) sendError(conn *wsConn, from *protocol.ClientIdentity, message, detail string) {
	if !s.cfg.Debug {
		detail = ""
	}
	if err := conn.WriteEnvelope(protocol.NewErrorEnvelope(message, detail, from)); err != nil {
		s.logger.Warn("failed to send error envelope", "client", from.String(), "error", err)
	}
}
