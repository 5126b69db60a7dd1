// Package protocol defines the wire protocol exchanged between the hub and
// its participants (environments, agents, humans) over WebSocket.
//
// All messages are JSON-encoded and share a common envelope with a "type"
// field. Payloads are opaque to the hub: they are carried, never interpreted.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role identifies the category of a connected participant.
type Role string

const (
	RoleEnv   Role = "env"
	RoleAgent Role = "agent"
	RoleHuman Role = "human"
	RoleHub   Role = "hub"
)

// Valid reports whether the role is one of the four defined roles.
func (r Role) Valid() bool {
	switch r {
	case RoleEnv, RoleAgent, RoleHuman, RoleHub:
		return true
	}
	return false
}

// Message type constants for Envelope.Type.
const (
	TypeStatus     = "status"
	TypeConnect    = "connect"
	TypeDisconnect = "disconnect"
	TypeHeartbeat  = "heartbeat"
	TypeMessage    = "message"
	TypeError      = "error"
)

// ClientIdentity identifies a participant on the wire. For role=env the ID is
// the environment id itself. Agent and human identities are only meaningful
// together with the environment they joined; EnvID may be omitted on the wire,
// in which case the hub resolves it from the connection registry.
type ClientIdentity struct {
	Type  Role   `json:"type"`
	ID    string `json:"id,omitempty"`
	EnvID string `json:"env_id,omitempty"`
}

// Hub is the identity the hub uses as sender on envelopes it originates.
func Hub() *ClientIdentity {
	return &ClientIdentity{Type: RoleHub}
}

// String renders the identity for logs and error payloads.
func (c *ClientIdentity) String() string {
	if c == nil {
		return "<nil>"
	}
	if c.EnvID != "" && c.Type != RoleEnv {
		return fmt.Sprintf("%s:%s@%s", c.Type, c.ID, c.EnvID)
	}
	return fmt.Sprintf("%s:%s", c.Type, c.ID)
}

// Envelope is the top-level wire format for all messages.
type Envelope struct {
	Type      string          `json:"type"`
	Sender    *ClientIdentity `json:"sender,omitempty"`
	Recipient *ClientIdentity `json:"recipient,omitempty"`
	Payload   any             `json:"payload"`
	Timestamp float64         `json:"timestamp"`
}

// Now returns the current time as Unix seconds, the envelope timestamp format.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// NewHubEnvelope builds a hub-originated envelope addressed to recipient.
func NewHubEnvelope(msgType string, payload any, recipient *ClientIdentity) *Envelope {
	return &Envelope{
		Type:      msgType,
		Sender:    Hub(),
		Recipient: recipient,
		Payload:   payload,
		Timestamp: Now(),
	}
}

// ErrorPayload is the payload of an error envelope. Detail carries diagnostic
// context and is only populated in debug deployments.
type ErrorPayload struct {
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// NewErrorEnvelope builds an error envelope addressed to recipient. When
// detail is empty the payload is the plain message string.
func NewErrorEnvelope(message, detail string, recipient *ClientIdentity) *Envelope {
	var payload any = message
	if detail != "" {
		payload = ErrorPayload{Message: message, Detail: detail}
	}
	return NewHubEnvelope(TypeError, payload, recipient)
}

// ValidationError reports a malformed or incomplete inbound envelope. It is
// recoverable: the dispatcher reports it to the sender and keeps the
// connection open.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// ParseEnvelope decodes and validates an inbound frame. A JSON decode failure
// or a missing required field returns a *ValidationError.
func ParseEnvelope(data []byte) (*Envelope, error) {
	// Decode through an auxiliary struct so an absent payload field can be
	// told apart from an explicit null.
	var raw struct {
		Type      *string         `json:"type"`
		Sender    *ClientIdentity `json:"sender"`
		Recipient *ClientIdentity `json:"recipient"`
		Payload   json.RawMessage `json:"payload"`
		Timestamp *float64        `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ValidationError{Msg: "Invalid JSON format"}
	}

	if raw.Type == nil || *raw.Type == "" {
		return nil, validationErrorf("Message must include 'type' field")
	}
	if raw.Payload == nil {
		return nil, validationErrorf("Message must include 'payload' field")
	}
	if raw.Timestamp == nil {
		return nil, validationErrorf("Message must include 'timestamp' field")
	}
	if raw.Sender == nil {
		return nil, validationErrorf("Message must include 'sender' field")
	}
	if err := validateIdentity("sender", raw.Sender); err != nil {
		return nil, err
	}
	if raw.Recipient != nil {
		if err := validateIdentity("recipient", raw.Recipient); err != nil {
			return nil, err
		}
	}

	var payload any
	if err := json.Unmarshal(raw.Payload, &payload); err != nil {
		return nil, &ValidationError{Msg: "Invalid JSON format"}
	}

	env := &Envelope{
		Type:      *raw.Type,
		Sender:    raw.Sender,
		Recipient: raw.Recipient,
		Payload:   payload,
		Timestamp: *raw.Timestamp,
	}

	if env.Type == TypeMessage {
		if err := validateRecipientAddressing(env.Recipient); err != nil {
			return nil, err
		}
	}
	return env, nil
}

func validateIdentity(field string, id *ClientIdentity) error {
	if id.Type == "" {
		return validationErrorf("Message '%s' must include 'type' field", field)
	}
	if !id.Type.Valid() {
		return validationErrorf("Message '%s' has invalid type %q", field, id.Type)
	}
	if id.Type != RoleHub && id.ID == "" {
		return validationErrorf("Message '%s' must include 'id' field", field)
	}
	return nil
}

// validateRecipientAddressing enforces the addressing rules for direct
// messages: the recipient must be fully resolvable for its role. The env_id
// for agent/human recipients may still come from the registry, so only the
// wire-level requirements are checked here.
func validateRecipientAddressing(recipient *ClientIdentity) error {
	if recipient == nil {
		return validationErrorf("Message must include 'recipient' field")
	}
	switch recipient.Type {
	case RoleEnv, RoleAgent, RoleHuman:
		if recipient.ID == "" {
			return validationErrorf("Message 'recipient' must include 'id' field")
		}
	case RoleHub:
		// The hub itself is never a direct-message recipient.
		return validationErrorf("Message recipient cannot be the hub")
	}
	return nil
}
