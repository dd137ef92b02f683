package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/meshgate/meshgate/internal/common/logger"
	"github.com/meshgate/meshgate/internal/events/bus"
	"github.com/meshgate/meshgate/internal/orchestrator"
	"github.com/meshgate/meshgate/internal/roles"
	"github.com/meshgate/meshgate/internal/router"
	"github.com/meshgate/meshgate/internal/security"
	"github.com/meshgate/meshgate/internal/tracker"
	"github.com/meshgate/meshgate/pkg/protocol"
)

func setupTestAPI(t *testing.T) (*gin.Engine, *orchestrator.Orchestrator) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	rt := router.NewRouter("gw-1", log)
	rm := roles.NewManager(log)
	wt := tracker.NewTracker(log)
	sm := security.NewManager([]byte("test-secret"), log)
	eb := bus.NewMemoryEventBus(log)

	orch := orchestrator.New(rt, rm, wt, sm, eb, orchestrator.Options{}, log)
	t.Cleanup(func() {
		orch.Stop()
		eb.Close()
	})

	engine := gin.New()
	SetupRoutes(engine, orch, eb, log)
	return engine, orch
}

func doJSON(t *testing.T, engine *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func registerTestAgent(t *testing.T, orch *orchestrator.Orchestrator, instance, config, roleID string) {
	t.Helper()
	agent := protocol.AgentIdentity{AgentInstanceID: instance, AgentConfigID: config, GatewayID: "gw-1"}
	if _, err := orch.RegisterAgent(context.Background(), agent, roleID); err != nil {
		t.Fatalf("failed to register agent: %v", err)
	}
}

func TestHandler_RegisterAgent(t *testing.T) {
	engine, _ := setupTestAPI(t)

	w := doJSON(t, engine, http.MethodPost, "/api/v1/agents", RegisterAgentRequest{
		AgentConfigID: "coder-a",
		RoleID:        "coder",
		DisplayName:   "Coder A",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp RegisterAgentResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Agent.AgentInstanceID == "" {
		t.Error("expected a minted instance id")
	}
	if resp.Assignment == nil || resp.Assignment.Role.RoleID != "coder" {
		t.Errorf("unexpected assignment: %+v", resp.Assignment)
	}
}

func TestHandler_RegisterAgentValidation(t *testing.T) {
	engine, _ := setupTestAPI(t)

	// Uppercase config ids are rejected at the validation boundary.
	w := doJSON(t, engine, http.MethodPost, "/api/v1/agents", RegisterAgentRequest{AgentConfigID: "Coder-A"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, engine, http.MethodPost, "/api/v1/agents", map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for missing config id, got %d", w.Code)
	}

	w = doJSON(t, engine, http.MethodPost, "/api/v1/agents", RegisterAgentRequest{
		AgentConfigID: "coder-a",
		RoleID:        "no-such-role",
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404 for unknown role, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_UnregisterAgent(t *testing.T) {
	engine, orch := setupTestAPI(t)
	instance := "11111111-1111-4111-8111-111111111111"
	registerTestAgent(t, orch, instance, "coder-a", "coder")

	w := doJSON(t, engine, http.MethodDelete, "/api/v1/agents/"+instance, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, engine, http.MethodDelete, "/api/v1/agents/"+instance, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404 on second delete, got %d", w.Code)
	}

	w = doJSON(t, engine, http.MethodDelete, "/api/v1/agents/not-a-uuid", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for malformed id, got %d", w.Code)
	}
}

func TestHandler_ListAgents(t *testing.T) {
	engine, orch := setupTestAPI(t)
	registerTestAgent(t, orch, "11111111-1111-4111-8111-111111111111", "coder-a", "coder")
	registerTestAgent(t, orch, "22222222-2222-4222-8222-222222222222", "coder-b", "reviewer")

	w := doJSON(t, engine, http.MethodGet, "/api/v1/agents", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp AgentsListResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Total != 2 {
		t.Errorf("expected 2 agents, got %d", resp.Total)
	}
}

func TestHandler_SubmitTask(t *testing.T) {
	engine, orch := setupTestAPI(t)
	registerTestAgent(t, orch, "11111111-1111-4111-8111-111111111111", "coder-a", "coder")

	w := doJSON(t, engine, http.MethodPost, "/api/v1/tasks", SubmitTaskRequest{
		Task:         "implement the parser",
		TargetRoleID: "coder",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	var task tracker.Task
	if err := json.Unmarshal(w.Body.Bytes(), &task); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if task.Status != tracker.StatusInProgress {
		t.Errorf("expected in-progress, got %s", task.Status)
	}
}

func TestHandler_SubmitTaskValidation(t *testing.T) {
	engine, _ := setupTestAPI(t)

	w := doJSON(t, engine, http.MethodPost, "/api/v1/tasks", map[string]string{"targetRoleId": "coder"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for missing task, got %d", w.Code)
	}

	w = doJSON(t, engine, http.MethodPost, "/api/v1/tasks", SubmitTaskRequest{
		Task:         "x",
		TargetRoleID: "coder",
		Deadline:     "tomorrow",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for bad deadline, got %d", w.Code)
	}
}

func TestHandler_GetTask(t *testing.T) {
	engine, orch := setupTestAPI(t)

	task, err := orch.SubmitTask(context.Background(), orchestrator.SubmitOptions{Task: "x", TargetRoleID: "coder"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	w := doJSON(t, engine, http.MethodGet, "/api/v1/tasks/"+task.TaskID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	w = doJSON(t, engine, http.MethodGet, "/api/v1/tasks/no-such-task", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestHandler_ListTasksFilter(t *testing.T) {
	engine, orch := setupTestAPI(t)
	ctx := context.Background()

	orch.SubmitTask(ctx, orchestrator.SubmitOptions{Task: "a", TargetRoleID: "coder", WorkflowPlanID: "plan-1"})
	orch.SubmitTask(ctx, orchestrator.SubmitOptions{Task: "b", TargetRoleID: "coder", WorkflowPlanID: "plan-2"})

	w := doJSON(t, engine, http.MethodGet, "/api/v1/tasks?workflowPlanId=plan-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp TasksListResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Total != 1 {
		t.Errorf("expected 1 task, got %d", resp.Total)
	}
}

func TestHandler_CancelTask(t *testing.T) {
	engine, orch := setupTestAPI(t)

	task, _ := orch.SubmitTask(context.Background(), orchestrator.SubmitOptions{Task: "x", TargetRoleID: "coder"})

	w := doJSON(t, engine, http.MethodPost, "/api/v1/tasks/"+task.TaskID+"/cancel", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, engine, http.MethodPost, "/api/v1/tasks/"+task.TaskID+"/cancel", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("expected status 409 on double cancel, got %d", w.Code)
	}
}

func TestHandler_DefineRole(t *testing.T) {
	engine, _ := setupTestAPI(t)

	w := doJSON(t, engine, http.MethodPost, "/api/v1/roles", DefineRoleRequest{
		RoleID:        "tester",
		Name:          "Tester",
		MaxConcurrent: 4,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	var role roles.Role
	if err := json.Unmarshal(w.Body.Bytes(), &role); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if role.Priority != tracker.DefaultPriority {
		t.Errorf("expected default priority, got %d", role.Priority)
	}

	// Out-of-range quota is rejected.
	w = doJSON(t, engine, http.MethodPost, "/api/v1/roles", DefineRoleRequest{
		RoleID:        "crowd",
		Name:          "Crowd",
		MaxConcurrent: roles.MaxConcurrentLimit + 1,
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestHandler_AssignRole(t *testing.T) {
	engine, orch := setupTestAPI(t)
	instance := "11111111-1111-4111-8111-111111111111"
	registerTestAgent(t, orch, instance, "coder-a", "")

	w := doJSON(t, engine, http.MethodPost, "/api/v1/roles/assign", AssignRoleRequest{
		AgentInstanceID: instance,
		RoleID:          "reviewer",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, engine, http.MethodPost, "/api/v1/roles/assign", AssignRoleRequest{
		AgentInstanceID: "99999999-9999-4999-8999-999999999999",
		RoleID:          "reviewer",
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404 for unknown agent, got %d", w.Code)
	}
}

func TestHandler_Policies(t *testing.T) {
	engine, _ := setupTestAPI(t)

	w := doJSON(t, engine, http.MethodPut, "/api/v1/policies/coder-a", SetPolicyRequest{
		Permissions:       []security.Permission{security.PermTaskAssign, security.PermRoleAssign},
		AllowCrossGateway: true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, engine, http.MethodGet, "/api/v1/policies/coder-a", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var policy security.Policy
	if err := json.Unmarshal(w.Body.Bytes(), &policy); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if !policy.AllowCrossGateway {
		t.Error("stored policy lost AllowCrossGateway")
	}
	// Unset numeric fields take the defaults.
	if policy.MaxMessagesPerMinute != security.DefaultMaxMessagesPerMinute {
		t.Errorf("expected default rate limit, got %d", policy.MaxMessagesPerMinute)
	}

	w = doJSON(t, engine, http.MethodDelete, "/api/v1/policies/coder-a", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", w.Code)
	}
	w = doJSON(t, engine, http.MethodDelete, "/api/v1/policies/coder-a", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404 on second delete, got %d", w.Code)
	}
}

func TestHandler_GetQueue(t *testing.T) {
	engine, orch := setupTestAPI(t)

	// No agents hold the role, so the task queues.
	task, _ := orch.SubmitTask(context.Background(), orchestrator.SubmitOptions{Task: "x", TargetRoleID: "reviewer"})

	w := doJSON(t, engine, http.MethodGet, "/api/v1/queue", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp QueueResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Total != 1 || resp.Tasks[0].TaskID != task.TaskID {
		t.Errorf("unexpected queue contents: %+v", resp)
	}
}

func TestHandler_GetSummary(t *testing.T) {
	engine, orch := setupTestAPI(t)

	orch.SubmitTask(context.Background(), orchestrator.SubmitOptions{Task: "x", TargetRoleID: "coder"})

	w := doJSON(t, engine, http.MethodGet, "/api/v1/report/summary", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var summary tracker.Summary
	if err := json.Unmarshal(w.Body.Bytes(), &summary); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if summary.Total != 1 {
		t.Errorf("expected 1 task, got %d", summary.Total)
	}
}

func TestHandler_Health(t *testing.T) {
	engine, _ := setupTestAPI(t)

	w := doJSON(t, engine, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Status != "ok" || resp.GatewayID != "gw-1" {
		t.Errorf("unexpected health response: %+v", resp)
	}
	if !resp.BusOnline {
		t.Error("memory bus should report online")
	}
}
