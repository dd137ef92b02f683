// Package api provides the HTTP control surface of a gateway: agent
// registration, task submission, role and policy management, and reports.
package api

import (
	"time"

	"github.com/meshgate/meshgate/internal/roles"
	"github.com/meshgate/meshgate/internal/security"
	"github.com/meshgate/meshgate/internal/tracker"
	"github.com/meshgate/meshgate/pkg/protocol"
)

// RegisterAgentRequest registers an agent with this gateway.
type RegisterAgentRequest struct {
	AgentConfigID string   `json:"agentConfigId" binding:"required"`
	RoleID        string   `json:"roleId"`
	DisplayName   string   `json:"displayName"`
	Capabilities  []string `json:"capabilities"`
}

// SubmitTaskRequest submits a task for dispatch.
type SubmitTaskRequest struct {
	Task                  string   `json:"task" binding:"required"`
	TargetRoleID          string   `json:"targetRoleId"`
	TargetAgentInstanceID string   `json:"targetAgentInstanceId"`
	Priority              *int     `json:"priority"`
	MaxRetries            *int     `json:"maxRetries"`
	WorkflowStepID        string   `json:"workflowStepId"`
	WorkflowPlanID        string   `json:"workflowPlanId"`
	Deadline              string   `json:"deadline"` // RFC 3339
	Tags                  []string `json:"tags"`
}

// DefineRoleRequest creates or replaces a role definition.
type DefineRoleRequest struct {
	RoleID               string   `json:"roleId" binding:"required"`
	Name                 string   `json:"name" binding:"required"`
	Description          string   `json:"description"`
	SystemPromptFragment string   `json:"systemPromptFragment"`
	AllowedTools         []string `json:"allowedTools"`
	DeniedTools          []string `json:"deniedTools"`
	MaxConcurrent        int      `json:"maxConcurrent"`
	Priority             *int     `json:"priority"`
}

// AssignRoleRequest assigns a role to a registered agent.
type AssignRoleRequest struct {
	AgentInstanceID string `json:"agentInstanceId" binding:"required"`
	RoleID          string `json:"roleId" binding:"required"`
}

// SetPolicyRequest stores a per-agent security policy.
type SetPolicyRequest struct {
	Permissions          []security.Permission `json:"permissions"`
	NetworkAllowlist     []string              `json:"networkAllowlist"`
	MaxConcurrentTasks   *int                  `json:"maxConcurrentTasks"`
	MaxMessagesPerMinute *int                  `json:"maxMessagesPerMinute"`
	AllowCrossGateway    bool                  `json:"allowCrossGateway"`
}

// Response types

// AgentResponse is one registered agent.
type AgentResponse struct {
	AgentInstanceID string   `json:"agentInstanceId"`
	AgentConfigID   string   `json:"agentConfigId"`
	GatewayID       string   `json:"gatewayId"`
	RoleID          string   `json:"roleId,omitempty"`
	DisplayName     string   `json:"displayName,omitempty"`
	Capabilities    []string `json:"capabilities,omitempty"`
}

// RegisterAgentResponse returns the admitted identity and assignment.
type RegisterAgentResponse struct {
	Agent      AgentResponse     `json:"agent"`
	Assignment *roles.Assignment `json:"assignment,omitempty"`
}

// AgentsListResponse lists registered agents.
type AgentsListResponse struct {
	Agents []AgentResponse `json:"agents"`
	Total  int             `json:"total"`
}

// TasksListResponse lists tracked tasks.
type TasksListResponse struct {
	Tasks []*tracker.Task `json:"tasks"`
	Total int             `json:"total"`
}

// RolesListResponse lists role definitions.
type RolesListResponse struct {
	Roles []roles.Role `json:"roles"`
	Total int          `json:"total"`
}

// AssignmentsListResponse lists role assignments.
type AssignmentsListResponse struct {
	Assignments []roles.Assignment `json:"assignments"`
	Total       int                `json:"total"`
}

// PoliciesListResponse lists stored security policies.
type PoliciesListResponse struct {
	Policies []security.Policy `json:"policies"`
	Total    int               `json:"total"`
}

// AuditListResponse lists audit entries, oldest first.
type AuditListResponse struct {
	Entries []security.AuditEntry `json:"entries"`
	Total   int                   `json:"total"`
}

// QueuedTaskResponse is one task waiting for an agent.
type QueuedTaskResponse struct {
	TaskID       string    `json:"taskId"`
	Priority     int       `json:"priority"`
	TargetRoleID string    `json:"targetRoleId,omitempty"`
	QueuedAt     time.Time `json:"queuedAt"`
}

// QueueResponse lists the pending queue contents.
type QueueResponse struct {
	Tasks []QueuedTaskResponse `json:"tasks"`
	Total int                  `json:"total"`
}

// HealthResponse reports gateway liveness.
type HealthResponse struct {
	Status    string `json:"status"`
	GatewayID string `json:"gatewayId"`
	Agents    int    `json:"agents"`
	BusOnline bool   `json:"busOnline"`
}

func agentToResponse(a protocol.AgentIdentity) AgentResponse {
	return AgentResponse{
		AgentInstanceID: a.AgentInstanceID,
		AgentConfigID:   a.AgentConfigID,
		GatewayID:       a.GatewayID,
		RoleID:          a.RoleID,
		DisplayName:     a.DisplayName,
		Capabilities:    a.Capabilities,
	}
}
