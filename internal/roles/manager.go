// Package roles manages role definitions and per-agent role assignments,
// enforcing concurrency quotas declared on the roles.
package roles

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshgate/meshgate/internal/common/logger"
	"github.com/meshgate/meshgate/pkg/protocol"
)

// Role bounds.
const (
	MaxConcurrentLimit = 64
	MaxPriority        = 100
)

// Role is a named capability and constraint bundle assignable to agents.
type Role struct {
	RoleID               string   `json:"roleId" yaml:"roleId"`
	Name                 string   `json:"name" yaml:"name"`
	Description          string   `json:"description,omitempty" yaml:"description,omitempty"`
	SystemPromptFragment string   `json:"systemPromptFragment,omitempty" yaml:"systemPromptFragment,omitempty"`
	AllowedTools         []string `json:"allowedTools,omitempty" yaml:"allowedTools,omitempty"`
	DeniedTools          []string `json:"deniedTools,omitempty" yaml:"deniedTools,omitempty"`

	// MaxConcurrent caps how many agents may hold the role at once.
	// Zero means unlimited.
	MaxConcurrent int `json:"maxConcurrent,omitempty" yaml:"maxConcurrent,omitempty"`

	// Priority orders agents during selection, higher first. Defaults to 50.
	Priority int `json:"priority" yaml:"priority"`
}

// Assignment records that an agent instance holds a role.
// Keyed by agent instance id; at most one assignment per instance.
type Assignment struct {
	AgentInstanceID string    `json:"agentInstanceId"`
	AgentConfigID   string    `json:"agentConfigId"`
	GatewayID       string    `json:"gatewayId"`
	Role            Role      `json:"role"`
	AssignedAt      time.Time `json:"assignedAt"`
	AssignedBy      string    `json:"assignedBy"`
}

// State is the exportable snapshot of the manager.
type State struct {
	Roles       []Role       `json:"roles"`
	Assignments []Assignment `json:"assignments"`
}

// Manager holds role definitions and assignments.
type Manager struct {
	roles       map[string]Role
	assignments map[string]Assignment // by agent instance id
	mu          sync.RWMutex
	logger      *logger.Logger
}

// NewManager creates a role manager seeded with the built-in roles.
func NewManager(log *logger.Logger) *Manager {
	m := &Manager{
		roles:       make(map[string]Role),
		assignments: make(map[string]Assignment),
		logger:      log.WithFields(zap.String("component", "role-manager")),
	}
	for _, role := range BuiltinRoles() {
		m.roles[role.RoleID] = role
	}
	return m
}

// DefineRole upserts a role definition.
func (m *Manager) DefineRole(role Role) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.roles[role.RoleID] = role
	m.logger.Debug("role defined", zap.String("role_id", role.RoleID))
}

// RemoveRole deletes a role definition. Existing assignments referencing
// the role are left untouched.
func (m *Manager) RemoveRole(roleID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.roles[roleID]; !ok {
		return false
	}
	delete(m.roles, roleID)
	return true
}

// GetRole returns a role definition by id.
func (m *Manager) GetRole(roleID string) (Role, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	role, ok := m.roles[roleID]
	return role, ok
}

// AssignRole assigns a role to an agent. It returns nil when the role is
// unknown, or when the role's MaxConcurrent quota would be exceeded by a
// new holder. An agent already holding the role is not counted twice, so
// re-assignment always succeeds. On success any prior assignment for the
// agent instance is replaced.
func (m *Manager) AssignRole(agent protocol.AgentIdentity, roleID, assignedBy string) *Assignment {
	m.mu.Lock()
	defer m.mu.Unlock()

	role, ok := m.roles[roleID]
	if !ok {
		m.logger.Warn("assign to unknown role", zap.String("role_id", roleID))
		return nil
	}

	if role.MaxConcurrent > 0 {
		holders := 0
		for id, a := range m.assignments {
			if a.Role.RoleID == roleID && id != agent.AgentInstanceID {
				holders++
			}
		}
		if holders >= role.MaxConcurrent {
			m.logger.Warn("role quota exceeded",
				zap.String("role_id", roleID),
				zap.Int("max_concurrent", role.MaxConcurrent),
			)
			return nil
		}
	}

	assignment := Assignment{
		AgentInstanceID: agent.AgentInstanceID,
		AgentConfigID:   agent.AgentConfigID,
		GatewayID:       agent.GatewayID,
		Role:            role,
		AssignedAt:      time.Now().UTC(),
		AssignedBy:      assignedBy,
	}
	m.assignments[agent.AgentInstanceID] = assignment

	m.logger.Info("role assigned",
		zap.String("role_id", roleID),
		zap.String("agent_instance_id", agent.AgentInstanceID),
		zap.String("assigned_by", assignedBy),
	)
	return &assignment
}

// UnassignRole removes the assignment for an agent instance.
func (m *Manager) UnassignRole(instanceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.assignments[instanceID]; !ok {
		return false
	}
	delete(m.assignments, instanceID)
	return true
}

// GetAssignment returns the assignment for an agent instance.
func (m *Manager) GetAssignment(instanceID string) (Assignment, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.assignments[instanceID]
	return a, ok
}

// CountAgentsWithRole returns the number of agents holding a role.
func (m *Manager) CountAgentsWithRole(roleID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, a := range m.assignments {
		if a.Role.RoleID == roleID {
			count++
		}
	}
	return count
}

// GetAgentsWithRole returns the instance ids of agents holding a role.
func (m *Manager) GetAgentsWithRole(roleID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for id, a := range m.assignments {
		if a.Role.RoleID == roleID {
			ids = append(ids, id)
		}
	}
	return ids
}

// ListAssignments returns all assignments.
func (m *Manager) ListAssignments() []Assignment {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Assignment, 0, len(m.assignments))
	for _, a := range m.assignments {
		result = append(result, a)
	}
	return result
}

// ListRoles returns all role definitions.
func (m *Manager) ListRoles() []Role {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Role, 0, len(m.roles))
	for _, r := range m.roles {
		result = append(result, r)
	}
	return result
}

// ExportState returns a deep-copied snapshot for checkpointing.
func (m *Manager) ExportState() State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state := State{
		Roles:       make([]Role, 0, len(m.roles)),
		Assignments: make([]Assignment, 0, len(m.assignments)),
	}
	for _, r := range m.roles {
		state.Roles = append(state.Roles, cloneRole(r))
	}
	for _, a := range m.assignments {
		a.Role = cloneRole(a.Role)
		state.Assignments = append(state.Assignments, a)
	}
	return state
}

// ImportState replaces all roles and assignments with the snapshot.
func (m *Manager) ImportState(state State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.roles = make(map[string]Role, len(state.Roles))
	for _, r := range state.Roles {
		m.roles[r.RoleID] = cloneRole(r)
	}
	m.assignments = make(map[string]Assignment, len(state.Assignments))
	for _, a := range state.Assignments {
		a.Role = cloneRole(a.Role)
		m.assignments[a.AgentInstanceID] = a
	}
	m.logger.Info("state imported",
		zap.Int("roles", len(m.roles)),
		zap.Int("assignments", len(m.assignments)),
	)
}

func cloneRole(r Role) Role {
	clone := r
	if r.AllowedTools != nil {
		clone.AllowedTools = append([]string(nil), r.AllowedTools...)
	}
	if r.DeniedTools != nil {
		clone.DeniedTools = append([]string(nil), r.DeniedTools...)
	}
	return clone
}
