package registry

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Lounger-Habitat/GameServer/pkg/protocol"
)

// fakeConn records frames written to it.
type fakeConn struct {
	mu          sync.Mutex
	frames      [][]byte
	failWrites  bool
	closed      bool
	closeReason string
}

func (f *fakeConn) WriteRaw(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return errors.New("write failed")
	}
	f.frames = append(f.frames, data)
	return nil
}

func (f *fakeConn) Close(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeReason = reason
	return nil
}

func (f *fakeConn) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func identity(role protocol.Role, id, envID string) *protocol.ClientIdentity {
	return &protocol.ClientIdentity{Type: role, ID: id, EnvID: envID}
}

// checkIndexes verifies the membership invariant: every (id, env_id) in the
// connection maps appears in the matching env index, and vice versa.
func checkIndexes(t *testing.T, r *Registry) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()

	for agentID, envs := range r.agents {
		for envID := range envs {
			if _, ok := r.envAgents[envID][agentID]; !ok {
				t.Errorf("agent %s in env %s missing from envAgents", agentID, envID)
			}
		}
	}
	for envID, members := range r.envAgents {
		for agentID := range members {
			if _, ok := r.agents[agentID][envID]; !ok {
				t.Errorf("envAgents has %s/%s without a connection", envID, agentID)
			}
		}
	}
	for humanID, envs := range r.humans {
		for envID := range envs {
			if _, ok := r.envHumans[envID][humanID]; !ok {
				t.Errorf("human %s in env %s missing from envHumans", humanID, envID)
			}
		}
	}
	for envID, members := range r.envHumans {
		for humanID := range members {
			if _, ok := r.humans[humanID][envID]; !ok {
				t.Errorf("envHumans has %s/%s without a connection", envID, humanID)
			}
		}
	}
}

func TestConnect_IndexConsistency(t *testing.T) {
	r := newTestRegistry(t)

	mustConnect(t, r, protocol.RoleEnv, "E1", "")
	mustConnect(t, r, protocol.RoleAgent, "A1", "E1")
	mustConnect(t, r, protocol.RoleAgent, "A2", "E1")
	mustConnect(t, r, protocol.RoleHuman, "H1", "E1")
	checkIndexes(t, r)

	r.Disconnect(protocol.RoleAgent, "A1", "E1", nil)
	checkIndexes(t, r)

	mustConnect(t, r, protocol.RoleEnv, "E2", "")
	mustConnect(t, r, protocol.RoleAgent, "A1", "E2")
	checkIndexes(t, r)

	r.Disconnect(protocol.RoleHuman, "H1", "E1", nil)
	r.Disconnect(protocol.RoleAgent, "A2", "E1", nil)
	checkIndexes(t, r)
}

func mustConnect(t *testing.T, r *Registry, role protocol.Role, id, envID string) *fakeConn {
	t.Helper()
	conn := &fakeConn{}
	if _, err := r.Connect(role, id, envID, conn); err != nil {
		t.Fatalf("Connect(%s, %s, %s) failed: %v", role, id, envID, err)
	}
	return conn
}

func TestConnect_DuplicateAgentRejected(t *testing.T) {
	r := newTestRegistry(t)
	mustConnect(t, r, protocol.RoleAgent, "A1", "E1")

	_, err := r.Connect(protocol.RoleAgent, "A1", "E1", &fakeConn{})
	if !errors.Is(err, ErrDuplicateConnection) {
		t.Fatalf("expected ErrDuplicateConnection, got %v", err)
	}

	// A different environment is not a duplicate.
	if _, err := r.Connect(protocol.RoleAgent, "A1", "E2", &fakeConn{}); err != nil {
		t.Fatalf("connect to second env failed: %v", err)
	}
	checkIndexes(t, r)
}

func TestConnect_DuplicateHumanRejected(t *testing.T) {
	r := newTestRegistry(t)
	mustConnect(t, r, protocol.RoleHuman, "H1", "E1")

	_, err := r.Connect(protocol.RoleHuman, "H1", "E1", &fakeConn{})
	if !errors.Is(err, ErrDuplicateConnection) {
		t.Fatalf("expected ErrDuplicateConnection, got %v", err)
	}
}

func TestConnect_EnvReconnectReplaces(t *testing.T) {
	r := newTestRegistry(t)
	first := mustConnect(t, r, protocol.RoleEnv, "E1", "")

	second := &fakeConn{}
	if _, err := r.Connect(protocol.RoleEnv, "E1", "", second); err != nil {
		t.Fatalf("env reconnect should succeed, got %v", err)
	}
	if !first.closed {
		t.Error("expected previous env connection to be closed")
	}

	// The replaced connection's deferred cleanup must not tear down the new
	// registration.
	r.Disconnect(protocol.RoleEnv, "E1", "", first)
	if !r.IsConnected(identity(protocol.RoleEnv, "E1", "")) {
		t.Error("superseded cleanup removed the new env connection")
	}

	// Routing goes to the replacement.
	if err := r.RouteDirect(nil, identity(protocol.RoleAgent, "X", ""), []byte("x")); err == nil {
		t.Error("expected routing to unknown agent to fail")
	}
	if err := r.RouteDirect(nil, identity(protocol.RoleEnv, "E1", ""), []byte("hi")); err != nil {
		t.Fatalf("route to env failed: %v", err)
	}
	if second.frameCount() != 1 || first.frameCount() != 0 {
		t.Error("expected delivery to the replacement connection only")
	}
}

func TestConnect_InvalidIdentity(t *testing.T) {
	r := newTestRegistry(t)

	cases := []struct {
		role      protocol.Role
		id, envID string
	}{
		{protocol.RoleEnv, "", ""},
		{protocol.RoleAgent, "A1", ""},
		{protocol.RoleAgent, "", "E1"},
		{protocol.RoleHuman, "H1", ""},
		{protocol.RoleHub, "hub", ""},
	}
	for _, tc := range cases {
		if _, err := r.Connect(tc.role, tc.id, tc.envID, &fakeConn{}); !errors.Is(err, ErrInvalidIdentity) {
			t.Errorf("Connect(%s, %q, %q): expected ErrInvalidIdentity, got %v", tc.role, tc.id, tc.envID, err)
		}
	}
}

func TestRouteDirect_NotFoundThenFound(t *testing.T) {
	r := newTestRegistry(t)

	err := r.RouteDirect(nil, identity(protocol.RoleAgent, "X", "E1"), []byte("x"))
	if !errors.Is(err, ErrClientNotFound) && !errors.Is(err, ErrEnvironmentNotFound) {
		t.Fatalf("expected not-found error, got %v", err)
	}

	conn := mustConnect(t, r, protocol.RoleAgent, "X", "E1")
	if err := r.RouteDirect(nil, identity(protocol.RoleAgent, "X", "E1"), []byte("x")); err != nil {
		t.Fatalf("route after connect failed: %v", err)
	}
	if conn.frameCount() != 1 {
		t.Errorf("expected 1 frame, got %d", conn.frameCount())
	}
}

func TestRouteDirect_EnvNotFound(t *testing.T) {
	r := newTestRegistry(t)
	err := r.RouteDirect(nil, identity(protocol.RoleEnv, "E9", ""), []byte("x"))
	if !errors.Is(err, ErrEnvironmentNotFound) {
		t.Fatalf("expected ErrEnvironmentNotFound, got %v", err)
	}
}

func TestRouteDirect_ResolvesEnvFromRegistry(t *testing.T) {
	r := newTestRegistry(t)
	conn := mustConnect(t, r, protocol.RoleAgent, "A1", "E1")

	// Recipient omits env_id; the registry resolves the environment the agent
	// joined.
	if err := r.RouteDirect(nil, identity(protocol.RoleAgent, "A1", ""), []byte("x")); err != nil {
		t.Fatalf("route failed: %v", err)
	}
	if conn.frameCount() != 1 {
		t.Errorf("expected 1 frame, got %d", conn.frameCount())
	}
}

func TestRouteDirect_AgentToAgentCarbonCopy(t *testing.T) {
	r := newTestRegistry(t)
	envConn := mustConnect(t, r, protocol.RoleEnv, "E1", "")
	mustConnect(t, r, protocol.RoleAgent, "A1", "E1")
	target := mustConnect(t, r, protocol.RoleAgent, "A2", "E1")

	sender := identity(protocol.RoleAgent, "A1", "E1")
	if err := r.RouteDirect(sender, identity(protocol.RoleAgent, "A2", "E1"), []byte("m")); err != nil {
		t.Fatalf("route failed: %v", err)
	}
	if target.frameCount() != 1 {
		t.Errorf("expected primary delivery, got %d frames", target.frameCount())
	}
	if envConn.frameCount() != 1 {
		t.Errorf("expected carbon copy to env, got %d frames", envConn.frameCount())
	}
}

func TestRouteDirect_NoCarbonCopyWithoutEnvConnection(t *testing.T) {
	r := newTestRegistry(t)
	mustConnect(t, r, protocol.RoleAgent, "A1", "E1")
	target := mustConnect(t, r, protocol.RoleAgent, "A2", "E1")

	sender := identity(protocol.RoleAgent, "A1", "E1")
	if err := r.RouteDirect(sender, identity(protocol.RoleAgent, "A2", "E1"), []byte("m")); err != nil {
		t.Fatalf("primary delivery must not fail when no env is connected: %v", err)
	}
	if target.frameCount() != 1 {
		t.Errorf("expected primary delivery, got %d frames", target.frameCount())
	}
}

func TestRouteDirect_NoCarbonCopyFromEnvSender(t *testing.T) {
	r := newTestRegistry(t)
	envConn := mustConnect(t, r, protocol.RoleEnv, "E1", "")
	target := mustConnect(t, r, protocol.RoleAgent, "A1", "E1")

	sender := identity(protocol.RoleEnv, "E1", "")
	if err := r.RouteDirect(sender, identity(protocol.RoleAgent, "A1", "E1"), []byte("m")); err != nil {
		t.Fatalf("route failed: %v", err)
	}
	if target.frameCount() != 1 {
		t.Errorf("expected delivery to agent, got %d", target.frameCount())
	}
	if envConn.frameCount() != 0 {
		t.Errorf("env-to-agent traffic must not be copied back, got %d frames", envConn.frameCount())
	}
}

func TestRouteDirect_CarbonCopyFailureDoesNotFailPrimary(t *testing.T) {
	r := newTestRegistry(t)
	envConn := mustConnect(t, r, protocol.RoleEnv, "E1", "")
	envConn.failWrites = true
	mustConnect(t, r, protocol.RoleAgent, "A1", "E1")
	target := mustConnect(t, r, protocol.RoleAgent, "A2", "E1")

	sender := identity(protocol.RoleAgent, "A1", "E1")
	if err := r.RouteDirect(sender, identity(protocol.RoleAgent, "A2", "E1"), []byte("m")); err != nil {
		t.Fatalf("carbon copy failure must not fail primary: %v", err)
	}
	if target.frameCount() != 1 {
		t.Errorf("expected primary delivery, got %d frames", target.frameCount())
	}
}

func TestBroadcast_ExactMembership(t *testing.T) {
	r := newTestRegistry(t)
	envConn := mustConnect(t, r, protocol.RoleEnv, "E1", "")
	a1 := mustConnect(t, r, protocol.RoleAgent, "A1", "E1")
	h1 := mustConnect(t, r, protocol.RoleHuman, "H1", "E1")

	// Members of a different environment must not receive the broadcast.
	mustConnect(t, r, protocol.RoleEnv, "E2", "")
	other := mustConnect(t, r, protocol.RoleAgent, "A9", "E2")

	sent := r.Broadcast("E1", []byte("state"))
	if sent != 2 {
		t.Fatalf("expected 2 deliveries, got %d", sent)
	}
	if a1.frameCount() != 1 || h1.frameCount() != 1 {
		t.Error("expected every E1 member to receive the broadcast")
	}
	if other.frameCount() != 0 {
		t.Error("broadcast leaked into another environment")
	}
	if envConn.frameCount() != 0 {
		t.Error("broadcast must not echo to the environment itself")
	}
}

func TestBroadcast_UnknownOrEmptyEnv(t *testing.T) {
	r := newTestRegistry(t)
	if sent := r.Broadcast("nope", []byte("x")); sent != 0 {
		t.Errorf("expected 0 for unknown env, got %d", sent)
	}

	mustConnect(t, r, protocol.RoleEnv, "E1", "")
	if sent := r.Broadcast("E1", []byte("x")); sent != 0 {
		t.Errorf("expected 0 for empty env, got %d", sent)
	}
}

func TestBroadcast_CountsOnlySuccessfulDeliveries(t *testing.T) {
	r := newTestRegistry(t)
	mustConnect(t, r, protocol.RoleEnv, "E1", "")
	broken := mustConnect(t, r, protocol.RoleAgent, "A1", "E1")
	broken.failWrites = true
	mustConnect(t, r, protocol.RoleHuman, "H1", "E1")

	if sent := r.Broadcast("E1", []byte("x")); sent != 1 {
		t.Errorf("expected 1 successful delivery, got %d", sent)
	}
}

func TestDisconnect_Idempotent(t *testing.T) {
	r := newTestRegistry(t)
	mustConnect(t, r, protocol.RoleAgent, "A1", "E1")

	r.Disconnect(protocol.RoleAgent, "A1", "E1", nil)
	// Second disconnect must not panic or corrupt state.
	r.Disconnect(protocol.RoleAgent, "A1", "E1", nil)
	checkIndexes(t, r)

	if r.IsConnected(identity(protocol.RoleAgent, "A1", "E1")) {
		t.Error("agent should be gone")
	}
}

func TestDisconnect_EnvCascadeLeavesMembersRoutable(t *testing.T) {
	r := newTestRegistry(t)
	mustConnect(t, r, protocol.RoleEnv, "E1", "")
	agentConn := mustConnect(t, r, protocol.RoleAgent, "A1", "E1")

	r.Disconnect(protocol.RoleEnv, "E1", "", nil)

	// Membership indices for the env are gone...
	if sent := r.Broadcast("E1", []byte("x")); sent != 0 {
		t.Errorf("expected no broadcast targets after env disconnect, got %d", sent)
	}
	// ...but the agent connection itself is orphaned, not closed.
	if agentConn.closed {
		t.Error("env cascade must not close member connections")
	}
	if err := r.RouteDirect(nil, identity(protocol.RoleAgent, "A1", "E1"), []byte("x")); err != nil {
		t.Errorf("orphaned agent should remain routable: %v", err)
	}
}

func TestSnapshot(t *testing.T) {
	r := newTestRegistry(t)
	mustConnect(t, r, protocol.RoleEnv, "E1", "")
	mustConnect(t, r, protocol.RoleAgent, "A1", "E1")
	mustConnect(t, r, protocol.RoleAgent, "A2", "E1")
	mustConnect(t, r, protocol.RoleHuman, "H1", "E1")

	info := r.Snapshot()
	if len(info.Environments) != 1 || info.Environments[0] != "E1" {
		t.Errorf("unexpected environments: %v", info.Environments)
	}
	if len(info.Agents["A1"]) != 1 || info.Agents["A1"][0] != "E1" {
		t.Errorf("unexpected agents: %v", info.Agents)
	}

	envInfo := info.EnvInfo()
	detail, ok := envInfo["E1"]
	if !ok {
		t.Fatal("missing E1 detail")
	}
	if detail.AgentCount != 2 || detail.HumanCount != 1 {
		t.Errorf("unexpected counts: %+v", detail)
	}
	if got := info.AgentInfo().Total; got != 2 {
		t.Errorf("expected 2 agents total, got %d", got)
	}
	if got := info.HumanInfo().Total; got != 1 {
		t.Errorf("expected 1 human total, got %d", got)
	}
}

func TestReset(t *testing.T) {
	r := newTestRegistry(t)
	mustConnect(t, r, protocol.RoleEnv, "E1", "")
	mustConnect(t, r, protocol.RoleAgent, "A1", "E1")

	r.Reset()
	info := r.Snapshot()
	if len(info.Environments) != 0 || len(info.Agents) != 0 || len(info.Humans) != 0 {
		t.Errorf("expected empty registry after reset, got %+v", info)
	}
	if stale := r.stale(time.Now(), 0); len(stale) != 0 {
		t.Errorf("expected no heartbeat state after reset, got %d entries", len(stale))
	}
}
