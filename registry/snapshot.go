package registry

import "sort"

// ConnectionInfo is a read-only aggregate of the registry for status
// reporting.
type ConnectionInfo struct {
	Environments []string            `json:"environments"`
	Agents       map[string][]string `json:"agents"` // agent_id -> [env_id]
	Humans       map[string][]string `json:"humans"` // human_id -> [env_id]
}

// EnvDetail summarizes one environment's membership.
type EnvDetail struct {
	Agents     []string `json:"agents"`
	AgentCount int      `json:"agent_count"`
	Humans     []string `json:"humans"`
	HumanCount int      `json:"human_count"`
}

// RoleTotals carries a participant-category total with per-environment detail.
type RoleTotals struct {
	Total   int                 `json:"total"`
	Details map[string][]string `json:"details"` // env_id -> member ids
}

// Snapshot captures the current connection state. The critical section copies
// ids only; no I/O happens under the lock.
func (r *Registry) Snapshot() ConnectionInfo {
	r.mu.Lock()
	info := ConnectionInfo{
		Environments: make([]string, 0, len(r.envs)),
		Agents:       make(map[string][]string, len(r.agents)),
		Humans:       make(map[string][]string, len(r.humans)),
	}
	for envID := range r.envs {
		info.Environments = append(info.Environments, envID)
	}
	for agentID, envs := range r.agents {
		ids := make([]string, 0, len(envs))
		for envID := range envs {
			ids = append(ids, envID)
		}
		sort.Strings(ids)
		info.Agents[agentID] = ids
	}
	for humanID, envs := range r.humans {
		ids := make([]string, 0, len(envs))
		for envID := range envs {
			ids = append(ids, envID)
		}
		sort.Strings(ids)
		info.Humans[humanID] = ids
	}
	r.mu.Unlock()

	sort.Strings(info.Environments)
	return info
}

// membersOf inverts an id->envs map into env->member-ids for one environment.
func membersOf(byID map[string][]string, envID string) []string {
	var members []string
	for id, envs := range byID {
		for _, e := range envs {
			if e == envID {
				members = append(members, id)
				break
			}
		}
	}
	sort.Strings(members)
	return members
}

// EnvInfo returns per-environment membership detail.
func (ci ConnectionInfo) EnvInfo() map[string]EnvDetail {
	out := make(map[string]EnvDetail, len(ci.Environments))
	for _, envID := range ci.Environments {
		agents := membersOf(ci.Agents, envID)
		humans := membersOf(ci.Humans, envID)
		out[envID] = EnvDetail{
			Agents:     agents,
			AgentCount: len(agents),
			Humans:     humans,
			HumanCount: len(humans),
		}
	}
	return out
}

// AgentInfo returns the total number of agent connections with per-environment
// detail.
func (ci ConnectionInfo) AgentInfo() RoleTotals {
	return roleTotals(ci.Agents, ci.Environments)
}

// HumanInfo returns the total number of human connections with
// per-environment detail.
func (ci ConnectionInfo) HumanInfo() RoleTotals {
	return roleTotals(ci.Humans, ci.Environments)
}

func roleTotals(byID map[string][]string, envs []string) RoleTotals {
	totals := RoleTotals{Details: make(map[string][]string, len(envs))}
	for _, envIDs := range byID {
		totals.Total += len(envIDs)
	}
	for _, envID := range envs {
		totals.Details[envID] = membersOf(byID, envID)
	}
	return totals
}
