// Package registry maintains the in-memory index of live hub connections,
// grouped by environment membership, and routes envelopes between them.
//
// The registry is the only shared mutable state in the hub. Every structural
// mutation and every multi-structure lookup runs under one coarse mutex;
// socket writes happen after the lock is released, so a connection may be
// torn down mid-send; that failure is logged, never escalated.
package registry

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Lounger-Habitat/GameServer/pkg/protocol"
)

// Conn is an opaque handle to a live bidirectional transport stream. A Conn
// must be safe for concurrent writers; the ws package backs it with a
// per-connection write mutex around the WebSocket.
type Conn interface {
	// WriteRaw sends an already-encoded frame.
	WriteRaw(data []byte) error
	// Close closes the transport, carrying reason to the peer.
	Close(reason string) error
}

// connMeta tracks per-connection bookkeeping keyed by connection key.
// Entries live exactly as long as the connection's registry entry.
type connMeta struct {
	role        protocol.Role
	id          string
	envID       string
	conn        Conn
	connectedAt time.Time
	lastBeat    time.Time
}

// Registry indexes live connections by participant identity and environment
// membership.
type Registry struct {
	logger *slog.Logger

	mu        sync.Mutex
	envs      map[string]Conn            // env_id -> conn
	agents    map[string]map[string]Conn // agent_id -> env_id -> conn
	humans    map[string]map[string]Conn // human_id -> env_id -> conn
	envAgents map[string]map[string]struct{}
	envHumans map[string]map[string]struct{}
	meta      map[string]*connMeta // connection key -> metadata
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		logger:    logger.With("component", "registry"),
		envs:      make(map[string]Conn),
		agents:    make(map[string]map[string]Conn),
		humans:    make(map[string]map[string]Conn),
		envAgents: make(map[string]map[string]struct{}),
		envHumans: make(map[string]map[string]struct{}),
		meta:      make(map[string]*connMeta),
	}
}

// connectionKey builds the stable key for a (role, id, env_id) triple. For
// environments the id is the env id, so the env part is omitted.
func connectionKey(role protocol.Role, id, envID string) string {
	if role == protocol.RoleEnv {
		return fmt.Sprintf("%s:%s", role, id)
	}
	return fmt.Sprintf("%s:%s:%s", role, id, envID)
}

// Connect registers a connection for the given identity and returns its
// connection key. Agent and human triples must be unique
// (ErrDuplicateConnection); an environment reconnect replaces the previous
// connection with a warning and closes it.
func (r *Registry) Connect(role protocol.Role, id, envID string, conn Conn) (string, error) {
	var replaced Conn

	r.mu.Lock()
	switch role {
	case protocol.RoleEnv:
		if id == "" {
			r.mu.Unlock()
			return "", fmt.Errorf("%w: environment requires an id", ErrInvalidIdentity)
		}
		envID = id
		if old, ok := r.envs[id]; ok {
			r.logger.Warn("replacing existing environment connection", "env_id", id)
			replaced = old
		}
		r.envs[id] = conn
		if _, ok := r.envAgents[id]; !ok {
			r.envAgents[id] = make(map[string]struct{})
		}
		if _, ok := r.envHumans[id]; !ok {
			r.envHumans[id] = make(map[string]struct{})
		}

	case protocol.RoleAgent:
		if id == "" || envID == "" {
			r.mu.Unlock()
			return "", fmt.Errorf("%w: agent requires both id and env_id", ErrInvalidIdentity)
		}
		if _, ok := r.agents[id]; !ok {
			r.agents[id] = make(map[string]Conn)
		}
		if _, ok := r.agents[id][envID]; ok {
			r.mu.Unlock()
			return "", fmt.Errorf("%w: agent %s already connected to environment %s", ErrDuplicateConnection, id, envID)
		}
		r.agents[id][envID] = conn
		if _, ok := r.envAgents[envID]; !ok {
			r.envAgents[envID] = make(map[string]struct{})
		}
		r.envAgents[envID][id] = struct{}{}

	case protocol.RoleHuman:
		if id == "" || envID == "" {
			r.mu.Unlock()
			return "", fmt.Errorf("%w: human requires both id and env_id", ErrInvalidIdentity)
		}
		if _, ok := r.humans[id]; !ok {
			r.humans[id] = make(map[string]Conn)
		}
		if _, ok := r.humans[id][envID]; ok {
			r.mu.Unlock()
			return "", fmt.Errorf("%w: human %s already connected to environment %s", ErrDuplicateConnection, id, envID)
		}
		r.humans[id][envID] = conn
		if _, ok := r.envHumans[envID]; !ok {
			r.envHumans[envID] = make(map[string]struct{})
		}
		r.envHumans[envID][id] = struct{}{}

	default:
		r.mu.Unlock()
		return "", fmt.Errorf("%w: role %q cannot connect", ErrInvalidIdentity, role)
	}

	key := connectionKey(role, id, envID)
	now := time.Now()
	r.meta[key] = &connMeta{
		role:        role,
		id:          id,
		envID:       envID,
		conn:        conn,
		connectedAt: now,
		lastBeat:    now,
	}
	r.mu.Unlock()

	if replaced != nil {
		_ = replaced.Close("replaced by new environment connection")
	}

	r.logger.Info("connected", "role", role, "id", id, "env_id", envID)
	return key, nil
}

// Disconnect removes a connection's registry entries. It is idempotent:
// removing an unknown entry logs a warning. When owner is non-nil the entry is
// only removed if it still belongs to that connection; a newer environment
// reconnect may have already replaced it.
// Disconnecting an environment clears its membership indices but does not
// close its members' connections; they stay registered until they disconnect
// or time out.
func (r *Registry) Disconnect(role protocol.Role, id, envID string, owner Conn) {
	if role == protocol.RoleEnv {
		envID = id
	}
	key := connectionKey(role, id, envID)

	r.mu.Lock()
	m, ok := r.meta[key]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("disconnect for unknown connection", "role", role, "id", id, "env_id", envID)
		return
	}
	if owner != nil && m.conn != owner {
		r.mu.Unlock()
		r.logger.Info("connection superseded, skipping cleanup", "role", role, "id", id, "env_id", envID)
		return
	}

	switch role {
	case protocol.RoleEnv:
		delete(r.envs, id)
		delete(r.envAgents, id)
		delete(r.envHumans, id)

	case protocol.RoleAgent:
		if envs, ok := r.agents[id]; ok {
			delete(envs, envID)
			if len(envs) == 0 {
				delete(r.agents, id)
			}
		}
		if members, ok := r.envAgents[envID]; ok {
			delete(members, id)
		}

	case protocol.RoleHuman:
		if envs, ok := r.humans[id]; ok {
			delete(envs, envID)
			if len(envs) == 0 {
				delete(r.humans, id)
			}
		}
		if members, ok := r.envHumans[envID]; ok {
			delete(members, id)
		}
	}

	delete(r.meta, key)
	r.mu.Unlock()

	r.logger.Info("disconnected", "role", role, "id", id, "env_id", envID)
}

// envIDForLocked resolves the environment a client belongs to. Callers hold
// the registry lock.
func (r *Registry) envIDForLocked(id *protocol.ClientIdentity) string {
	if id.EnvID != "" {
		return id.EnvID
	}
	switch id.Type {
	case protocol.RoleEnv:
		return id.ID
	case protocol.RoleAgent:
		for envID := range r.agents[id.ID] {
			return envID
		}
	case protocol.RoleHuman:
		for envID := range r.humans[id.ID] {
			return envID
		}
	}
	return ""
}

// RouteDirect resolves recipient to a live connection and delivers frame. The
// returned error is nil on delivery, ErrClientNotFound or
// ErrEnvironmentNotFound when the target is unresolved, or the transport
// write error.
//
// Delivery to an agent recipient from an agent sender additionally sends a
// carbon copy to the environment connection owning that env_id, if present,
// so an environment can observe agent-to-agent traffic. The copy is
// best-effort: its failure never fails the primary delivery.
func (r *Registry) RouteDirect(sender, recipient *protocol.ClientIdentity, frame []byte) error {
	var target, carbonCopy Conn
	var ccEnvID string

	r.mu.Lock()
	switch recipient.Type {
	case protocol.RoleEnv:
		conn, ok := r.envs[recipient.ID]
		if !ok {
			r.mu.Unlock()
			return fmt.Errorf("%w: environment %s", ErrEnvironmentNotFound, recipient.ID)
		}
		target = conn

	case protocol.RoleAgent:
		envID := r.envIDForLocked(recipient)
		if envID == "" {
			r.mu.Unlock()
			return fmt.Errorf("%w: no environment for agent %s", ErrEnvironmentNotFound, recipient.ID)
		}
		conn, ok := r.agents[recipient.ID][envID]
		if !ok {
			r.mu.Unlock()
			return fmt.Errorf("%w: agent %s in environment %s", ErrClientNotFound, recipient.ID, envID)
		}
		target = conn
		if sender != nil && sender.Type == protocol.RoleAgent {
			carbonCopy = r.envs[envID]
			ccEnvID = envID
		}

	case protocol.RoleHuman:
		envID := r.envIDForLocked(recipient)
		if envID == "" {
			r.mu.Unlock()
			return fmt.Errorf("%w: no environment for human %s", ErrEnvironmentNotFound, recipient.ID)
		}
		conn, ok := r.humans[recipient.ID][envID]
		if !ok {
			r.mu.Unlock()
			return fmt.Errorf("%w: human %s in environment %s", ErrClientNotFound, recipient.ID, envID)
		}
		target = conn

	default:
		r.mu.Unlock()
		return fmt.Errorf("%w: invalid recipient role %q", ErrClientNotFound, recipient.Type)
	}
	r.mu.Unlock()

	// Writes happen outside the lock; the Conn handle serializes its own
	// writers.
	if err := target.WriteRaw(frame); err != nil {
		r.logger.Error("direct delivery failed", "recipient", recipient.String(), "error", err)
		return fmt.Errorf("send to %s: %w", recipient.String(), err)
	}
	r.logger.Debug("message delivered", "recipient", recipient.String())

	if carbonCopy != nil {
		if err := carbonCopy.WriteRaw(frame); err != nil {
			r.logger.Error("carbon copy delivery failed", "env_id", ccEnvID, "error", err)
		} else {
			r.logger.Debug("carbon copy delivered", "env_id", ccEnvID, "sender", sender.String())
		}
	}
	return nil
}

// Broadcast delivers frame to every agent and human currently indexed under
// envID and returns the number of successful deliveries. Zero means the
// environment is unknown or empty; that is a signal, not an error.
func (r *Registry) Broadcast(envID string, frame []byte) int {
	type member struct {
		role protocol.Role
		id   string
		conn Conn
	}

	r.mu.Lock()
	agentMembers, haveAgents := r.envAgents[envID]
	humanMembers, haveHumans := r.envHumans[envID]
	if !haveAgents && !haveHumans {
		r.mu.Unlock()
		r.logger.Warn("no clients found for environment", "env_id", envID)
		return 0
	}
	members := make([]member, 0, len(agentMembers)+len(humanMembers))
	for agentID := range agentMembers {
		if conn, ok := r.agents[agentID][envID]; ok {
			members = append(members, member{protocol.RoleAgent, agentID, conn})
		}
	}
	for humanID := range humanMembers {
		if conn, ok := r.humans[humanID][envID]; ok {
			members = append(members, member{protocol.RoleHuman, humanID, conn})
		}
	}
	r.mu.Unlock()

	sent := 0
	for _, m := range members {
		if err := m.conn.WriteRaw(frame); err != nil {
			r.logger.Error("broadcast delivery failed", "role", m.role, "id", m.id, "env_id", envID, "error", err)
			continue
		}
		sent++
	}
	r.logger.Info("broadcast complete", "env_id", envID, "delivered", sent)
	return sent
}

// UpdateHeartbeat re-arms the liveness entry for a connected client. Unknown
// clients are ignored with a warning; the hub's own envelopes never arm.
func (r *Registry) UpdateHeartbeat(id *protocol.ClientIdentity) {
	if id == nil || id.Type == protocol.RoleHub {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	key := connectionKey(id.Type, id.ID, r.envIDForLocked(id))
	m, ok := r.meta[key]
	if !ok {
		r.logger.Warn("heartbeat from unknown connection", "sender", id.String())
		return
	}
	m.lastBeat = time.Now()
}

// IsConnected reports whether the identity has a live registry entry.
func (r *Registry) IsConnected(id *protocol.ClientIdentity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch id.Type {
	case protocol.RoleEnv:
		_, ok := r.envs[id.ID]
		return ok
	case protocol.RoleAgent:
		envID := r.envIDForLocked(id)
		_, ok := r.agents[id.ID][envID]
		return ok
	case protocol.RoleHuman:
		envID := r.envIDForLocked(id)
		_, ok := r.humans[id.ID][envID]
		return ok
	}
	return false
}

// Reset drops all connection state. Test and teardown hook; heartbeat and
// registry state are cleared together.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.envs = make(map[string]Conn)
	r.agents = make(map[string]map[string]Conn)
	r.humans = make(map[string]map[string]Conn)
	r.envAgents = make(map[string]map[string]struct{})
	r.envHumans = make(map[string]map[string]struct{})
	r.meta = make(map[string]*connMeta)
	r.mu.Unlock()
	r.logger.Info("connection registry reset")
}

// staleConn describes a connection whose heartbeat has gone silent.
type staleConn struct {
	role     protocol.Role
	id       string
	envID    string
	conn     Conn
	lastBeat time.Time
}

// stale returns connections whose last heartbeat predates now-timeout. The
// lock is held only for the scan; disconnects happen per candidate afterwards.
func (r *Registry) stale(now time.Time, timeout time.Duration) []staleConn {
	cutoff := now.Add(-timeout)

	r.mu.Lock()
	defer r.mu.Unlock()
	var out []staleConn
	for _, m := range r.meta {
		if m.lastBeat.Before(cutoff) {
			out = append(out, staleConn{
				role:     m.role,
				id:       m.id,
				envID:    m.envID,
				conn:     m.conn,
				lastBeat: m.lastBeat,
			})
		}
	}
	return out
}
