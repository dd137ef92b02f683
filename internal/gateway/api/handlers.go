package api

import (
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/meshgate/meshgate/internal/common/errors"
	"github.com/meshgate/meshgate/internal/common/logger"
	"github.com/meshgate/meshgate/internal/events/bus"
	"github.com/meshgate/meshgate/internal/orchestrator"
	"github.com/meshgate/meshgate/internal/roles"
	"github.com/meshgate/meshgate/internal/security"
	"github.com/meshgate/meshgate/internal/tracker"
	"github.com/meshgate/meshgate/internal/validation"
	"github.com/meshgate/meshgate/pkg/protocol"
)

// Handler contains the HTTP handlers for the gateway API.
type Handler struct {
	orch   *orchestrator.Orchestrator
	bus    bus.EventBus
	logger *logger.Logger
}

// NewHandler creates a new API handler.
func NewHandler(orch *orchestrator.Orchestrator, eb bus.EventBus, log *logger.Logger) *Handler {
	return &Handler{
		orch:   orch,
		bus:    eb,
		logger: log,
	}
}

// respondError maps an error to its HTTP status and body. Server-side
// failures are logged with the request path.
func (h *Handler) respondError(c *gin.Context, err error) {
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		appErr = errors.InternalError("request failed", err)
	}
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err),
		)
	}
	c.JSON(appErr.HTTPStatus, appErr)
}

// Agent endpoints

// RegisterAgent admits an agent to this gateway
// POST /api/v1/agents
func (h *Handler) RegisterAgent(c *gin.Context) {
	var req RegisterAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, errors.BadRequest(err.Error()))
		return
	}
	if err := validation.ValidateAgentConfigID(req.AgentConfigID); err != nil {
		h.respondError(c, errors.ValidationError("agentConfigId", err.Error()))
		return
	}

	agent := protocol.AgentIdentity{
		AgentConfigID: req.AgentConfigID,
		DisplayName:   validation.SanitizeString(req.DisplayName),
		Capabilities:  req.Capabilities,
	}
	assignment, err := h.orch.RegisterAgent(c.Request.Context(), agent, req.RoleID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	// The orchestrator filled in the instance id and gateway.
	registered := agent
	for _, a := range h.orch.Agents() {
		if a.AgentConfigID == req.AgentConfigID && (assignment == nil || a.AgentInstanceID == assignment.AgentInstanceID) {
			registered = a
			break
		}
	}

	c.JSON(http.StatusCreated, RegisterAgentResponse{
		Agent:      agentToResponse(registered),
		Assignment: assignment,
	})
}

// UnregisterAgent removes an agent
// DELETE /api/v1/agents/:instanceId
func (h *Handler) UnregisterAgent(c *gin.Context) {
	instanceID := c.Param("instanceId")
	if err := validation.ValidateUUID(instanceID); err != nil {
		h.respondError(c, errors.ValidationError("instanceId", err.Error()))
		return
	}
	if err := h.orch.UnregisterAgent(c.Request.Context(), instanceID); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListAgents returns the registered agents
// GET /api/v1/agents
func (h *Handler) ListAgents(c *gin.Context) {
	agents := h.orch.Agents()
	resp := AgentsListResponse{
		Agents: make([]AgentResponse, len(agents)),
		Total:  len(agents),
	}
	for i, a := range agents {
		resp.Agents[i] = agentToResponse(a)
	}
	c.JSON(http.StatusOK, resp)
}

// Task endpoints

// SubmitTask creates and dispatches a task
// POST /api/v1/tasks
func (h *Handler) SubmitTask(c *gin.Context) {
	var req SubmitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, errors.BadRequest(err.Error()))
		return
	}
	if err := validation.ValidateTaskDescription(req.Task); err != nil {
		h.respondError(c, errors.ValidationError("task", err.Error()))
		return
	}

	var deadline *time.Time
	if req.Deadline != "" {
		parsed, err := time.Parse(time.RFC3339, req.Deadline)
		if err != nil {
			h.respondError(c, errors.ValidationError("deadline", "must be RFC 3339"))
			return
		}
		deadline = &parsed
	}

	task, err := h.orch.SubmitTask(c.Request.Context(), orchestrator.SubmitOptions{
		Task:                  req.Task,
		TargetRoleID:          req.TargetRoleID,
		TargetAgentInstanceID: req.TargetAgentInstanceID,
		Priority:              req.Priority,
		MaxRetries:            req.MaxRetries,
		WorkflowStepID:        req.WorkflowStepID,
		WorkflowPlanID:        req.WorkflowPlanID,
		Deadline:              deadline,
		Tags:                  req.Tags,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

// GetTask returns a tracked task
// GET /api/v1/tasks/:taskId
func (h *Handler) GetTask(c *gin.Context) {
	taskID := c.Param("taskId")
	task, ok := h.orch.Tracker().GetTask(taskID)
	if !ok {
		h.respondError(c, errors.NotFound("task", taskID))
		return
	}
	c.JSON(http.StatusOK, task)
}

// ListTasks returns tracked tasks matching the query filters
// GET /api/v1/tasks
func (h *Handler) ListTasks(c *gin.Context) {
	filter := tracker.Filter{
		Status:         tracker.Status(c.Query("status")),
		AssignedTo:     c.Query("assignedTo"),
		WorkflowPlanID: c.Query("workflowPlanId"),
		WorkflowStepID: c.Query("workflowStepId"),
		Tag:            c.Query("tag"),
	}
	if since := c.Query("since"); since != "" {
		parsed, err := time.Parse(time.RFC3339, since)
		if err != nil {
			h.respondError(c, errors.ValidationError("since", "must be RFC 3339"))
			return
		}
		filter.Since = &parsed
	}

	tasks := h.orch.Tracker().ListTasks(filter)
	c.JSON(http.StatusOK, TasksListResponse{Tasks: tasks, Total: len(tasks)})
}

// CancelTask cancels a task
// POST /api/v1/tasks/:taskId/cancel
func (h *Handler) CancelTask(c *gin.Context) {
	taskID := c.Param("taskId")
	if err := h.orch.CancelTask(c.Request.Context(), taskID); err != nil {
		h.respondError(c, err)
		return
	}
	task, _ := h.orch.Tracker().GetTask(taskID)
	c.JSON(http.StatusOK, task)
}

// RetryTask manually retries a failed task
// POST /api/v1/tasks/:taskId/retry
func (h *Handler) RetryTask(c *gin.Context) {
	taskID := c.Param("taskId")
	task, err := h.orch.RetryTask(c.Request.Context(), taskID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// Report endpoints

// GetReport returns a snapshot of tasks, summary, and workloads
// GET /api/v1/report
func (h *Handler) GetReport(c *gin.Context) {
	opts := tracker.ReportOptions{WorkflowPlanID: c.Query("workflowPlanId")}
	if since := c.Query("since"); since != "" {
		parsed, err := time.Parse(time.RFC3339, since)
		if err != nil {
			h.respondError(c, errors.ValidationError("since", "must be RFC 3339"))
			return
		}
		opts.Since = &parsed
	}
	c.JSON(http.StatusOK, h.orch.Tracker().GenerateReport(opts))
}

// GetSummary returns aggregate task counts
// GET /api/v1/report/summary
func (h *Handler) GetSummary(c *gin.Context) {
	c.JSON(http.StatusOK, h.orch.Tracker().GetSummary())
}

// GetWorkloads returns per-agent workload figures
// GET /api/v1/report/workloads
func (h *Handler) GetWorkloads(c *gin.Context) {
	workloads := h.orch.Tracker().GetAgentWorkloads()
	c.JSON(http.StatusOK, gin.H{"workloads": workloads, "total": len(workloads)})
}

// Role endpoints

// ListRoles returns all role definitions
// GET /api/v1/roles
func (h *Handler) ListRoles(c *gin.Context) {
	defined := h.orch.Roles().ListRoles()
	c.JSON(http.StatusOK, RolesListResponse{Roles: defined, Total: len(defined)})
}

// DefineRole creates or replaces a role
// POST /api/v1/roles
func (h *Handler) DefineRole(c *gin.Context) {
	var req DefineRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, errors.BadRequest(err.Error()))
		return
	}
	if err := validation.ValidateRoleID(req.RoleID); err != nil {
		h.respondError(c, errors.ValidationError("roleId", err.Error()))
		return
	}
	if req.MaxConcurrent < 0 || req.MaxConcurrent > roles.MaxConcurrentLimit {
		h.respondError(c, errors.ValidationError("maxConcurrent", "out of range"))
		return
	}

	priority := tracker.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}
	if priority < 0 || priority > roles.MaxPriority {
		h.respondError(c, errors.ValidationError("priority", "out of range"))
		return
	}

	role := roles.Role{
		RoleID:               req.RoleID,
		Name:                 req.Name,
		Description:          req.Description,
		SystemPromptFragment: req.SystemPromptFragment,
		AllowedTools:         req.AllowedTools,
		DeniedTools:          req.DeniedTools,
		MaxConcurrent:        req.MaxConcurrent,
		Priority:             priority,
	}
	h.orch.Roles().DefineRole(role)
	c.JSON(http.StatusCreated, role)
}

// RemoveRole deletes a role definition
// DELETE /api/v1/roles/:roleId
func (h *Handler) RemoveRole(c *gin.Context) {
	roleID := c.Param("roleId")
	if !h.orch.Roles().RemoveRole(roleID) {
		h.respondError(c, errors.NotFound("role", roleID))
		return
	}
	c.Status(http.StatusNoContent)
}

// AssignRole assigns a role to a registered agent
// POST /api/v1/roles/assign
func (h *Handler) AssignRole(c *gin.Context) {
	var req AssignRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, errors.BadRequest(err.Error()))
		return
	}

	var agent *protocol.AgentIdentity
	for _, a := range h.orch.Agents() {
		if a.AgentInstanceID == req.AgentInstanceID {
			found := a
			agent = &found
			break
		}
	}
	if agent == nil {
		h.respondError(c, errors.NotFound("agent", req.AgentInstanceID))
		return
	}

	assignment := h.orch.Roles().AssignRole(*agent, req.RoleID, "api")
	if assignment == nil {
		if _, ok := h.orch.Roles().GetRole(req.RoleID); !ok {
			h.respondError(c, errors.NotFound("role", req.RoleID))
			return
		}
		h.respondError(c, errors.Conflict("role is at its concurrency limit"))
		return
	}
	c.JSON(http.StatusOK, assignment)
}

// UnassignRole removes an agent's role assignment
// DELETE /api/v1/roles/assignments/:instanceId
func (h *Handler) UnassignRole(c *gin.Context) {
	instanceID := c.Param("instanceId")
	if !h.orch.Roles().UnassignRole(instanceID) {
		h.respondError(c, errors.NotFound("assignment", instanceID))
		return
	}
	c.Status(http.StatusNoContent)
}

// ListAssignments returns all role assignments
// GET /api/v1/roles/assignments
func (h *Handler) ListAssignments(c *gin.Context) {
	assignments := h.orch.Roles().ListAssignments()
	c.JSON(http.StatusOK, AssignmentsListResponse{Assignments: assignments, Total: len(assignments)})
}

// Policy endpoints

// GetPolicy returns the effective policy for an agent
// GET /api/v1/policies/:agentId
func (h *Handler) GetPolicy(c *gin.Context) {
	c.JSON(http.StatusOK, h.orch.Security().GetPolicy(c.Param("agentId")))
}

// SetPolicy stores a policy for an agent
// PUT /api/v1/policies/:agentId
func (h *Handler) SetPolicy(c *gin.Context) {
	var req SetPolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, errors.BadRequest(err.Error()))
		return
	}

	policy := security.Policy{
		AgentID:              c.Param("agentId"),
		Permissions:          req.Permissions,
		NetworkAllowlist:     req.NetworkAllowlist,
		MaxConcurrentTasks:   security.DefaultMaxConcurrentTasks,
		MaxMessagesPerMinute: security.DefaultMaxMessagesPerMinute,
		AllowCrossGateway:    req.AllowCrossGateway,
	}
	if req.MaxConcurrentTasks != nil {
		policy.MaxConcurrentTasks = *req.MaxConcurrentTasks
	}
	if req.MaxMessagesPerMinute != nil {
		policy.MaxMessagesPerMinute = *req.MaxMessagesPerMinute
	}

	h.orch.Security().SetPolicy(policy)
	c.JSON(http.StatusOK, policy)
}

// RemovePolicy deletes a stored policy, reverting the agent to defaults
// DELETE /api/v1/policies/:agentId
func (h *Handler) RemovePolicy(c *gin.Context) {
	if !h.orch.Security().RemovePolicy(c.Param("agentId")) {
		h.respondError(c, errors.NotFound("policy", c.Param("agentId")))
		return
	}
	c.Status(http.StatusNoContent)
}

// ListPolicies exports all stored policies
// GET /api/v1/policies
func (h *Handler) ListPolicies(c *gin.Context) {
	policies := h.orch.Security().ExportPolicies()
	c.JSON(http.StatusOK, PoliciesListResponse{Policies: policies, Total: len(policies)})
}

// GetAuditLog returns recent audit entries
// GET /api/v1/audit
func (h *Handler) GetAuditLog(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			h.respondError(c, errors.ValidationError("limit", "must be a non-negative integer"))
			return
		}
		limit = parsed
	}

	var entries []security.AuditEntry
	if agentID := c.Query("agentId"); agentID != "" {
		entries = h.orch.Security().GetAgentAuditLog(agentID, limit)
	} else {
		entries = h.orch.Security().GetAuditLog(limit)
	}
	c.JSON(http.StatusOK, AuditListResponse{Entries: entries, Total: len(entries)})
}

// Mesh endpoints

// ListPeers returns the peer gateway links
// GET /api/v1/peers
func (h *Handler) ListPeers(c *gin.Context) {
	peers := h.orch.Router().Peers()
	c.JSON(http.StatusOK, gin.H{"peers": peers, "total": len(peers)})
}

// GetQueue returns the pending task queue
// GET /api/v1/queue
func (h *Handler) GetQueue(c *gin.Context) {
	queued := h.orch.QueuedTasks()
	resp := QueueResponse{Tasks: make([]QueuedTaskResponse, len(queued)), Total: len(queued)}
	for i, qt := range queued {
		resp.Tasks[i] = QueuedTaskResponse{
			TaskID:       qt.TaskID,
			Priority:     qt.Priority,
			TargetRoleID: qt.TargetRoleID,
			QueuedAt:     qt.QueuedAt,
		}
	}
	c.JSON(http.StatusOK, resp)
}

// ExportState returns the checkpointable gateway state
// GET /api/v1/state/export
func (h *Handler) ExportState(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"roles":    h.orch.Roles().ExportState(),
		"policies": h.orch.Security().ExportPolicies(),
	})
}

// Health reports gateway liveness
// GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		GatewayID: h.orch.Router().GatewayID(),
		Agents:    len(h.orch.Agents()),
		BusOnline: h.bus != nil && h.bus.IsConnected(),
	})
}
