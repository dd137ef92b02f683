package roles

import (
	"fmt"
	"testing"

	"github.com/meshgate/meshgate/internal/common/logger"
	"github.com/meshgate/meshgate/pkg/protocol"
)

func testAgent(instance string) protocol.AgentIdentity {
	return protocol.AgentIdentity{
		AgentInstanceID: instance,
		AgentConfigID:   "config-" + instance,
		GatewayID:       "gw-1",
	}
}

func TestBuiltinRolesSeeded(t *testing.T) {
	m := NewManager(logger.Default())

	for _, roleID := range []string{"orchestrator", "monitor", "reviewer", "coder", "researcher", "executor"} {
		if _, ok := m.GetRole(roleID); !ok {
			t.Errorf("built-in role %s missing", roleID)
		}
	}

	orch, _ := m.GetRole("orchestrator")
	if orch.Priority != 100 {
		t.Errorf("expected orchestrator priority 100, got %d", orch.Priority)
	}
	executor, _ := m.GetRole("executor")
	if executor.Priority != 40 {
		t.Errorf("expected executor priority 40, got %d", executor.Priority)
	}
}

func TestAssignRole(t *testing.T) {
	m := NewManager(logger.Default())

	a := m.AssignRole(testAgent("a1"), "coder", "admin")
	if a == nil {
		t.Fatal("expected assignment")
	}
	if a.Role.RoleID != "coder" {
		t.Errorf("expected role coder, got %s", a.Role.RoleID)
	}
	if a.AssignedBy != "admin" {
		t.Errorf("expected assignedBy admin, got %s", a.AssignedBy)
	}

	got, ok := m.GetAssignment("a1")
	if !ok {
		t.Fatal("assignment not stored")
	}
	if got.AgentConfigID != "config-a1" {
		t.Errorf("expected config id config-a1, got %s", got.AgentConfigID)
	}
}

func TestAssignUnknownRole(t *testing.T) {
	m := NewManager(logger.Default())

	if a := m.AssignRole(testAgent("a1"), "no-such-role", "admin"); a != nil {
		t.Errorf("expected nil assignment for unknown role, got %+v", a)
	}
}

func TestAssignRoleQuota(t *testing.T) {
	m := NewManager(logger.Default())
	m.DefineRole(Role{RoleID: "pair", Name: "Pair", MaxConcurrent: 2, Priority: 50})

	if m.AssignRole(testAgent("a1"), "pair", "admin") == nil {
		t.Fatal("first assignment should succeed")
	}
	if m.AssignRole(testAgent("a2"), "pair", "admin") == nil {
		t.Fatal("second assignment should succeed")
	}
	if m.AssignRole(testAgent("a3"), "pair", "admin") != nil {
		t.Fatal("third assignment should be rejected by quota")
	}
	if count := m.CountAgentsWithRole("pair"); count != 2 {
		t.Errorf("expected 2 holders, got %d", count)
	}
}

func TestReassignSameRoleNotCountedTwice(t *testing.T) {
	m := NewManager(logger.Default())
	m.DefineRole(Role{RoleID: "solo", Name: "Solo", MaxConcurrent: 1, Priority: 50})

	if m.AssignRole(testAgent("a1"), "solo", "admin") == nil {
		t.Fatal("first assignment should succeed")
	}
	// The same holder re-assigning must not trip the quota.
	if m.AssignRole(testAgent("a1"), "solo", "admin") == nil {
		t.Fatal("re-assignment of the holder should succeed")
	}
	if m.AssignRole(testAgent("a2"), "solo", "admin") != nil {
		t.Fatal("a second holder should be rejected")
	}
}

func TestAssignReplacesPriorRole(t *testing.T) {
	m := NewManager(logger.Default())

	m.AssignRole(testAgent("a1"), "coder", "admin")
	m.AssignRole(testAgent("a1"), "reviewer", "admin")

	a, ok := m.GetAssignment("a1")
	if !ok {
		t.Fatal("assignment not stored")
	}
	if a.Role.RoleID != "reviewer" {
		t.Errorf("expected reviewer, got %s", a.Role.RoleID)
	}
	if count := m.CountAgentsWithRole("coder"); count != 0 {
		t.Errorf("expected no coder holders after replacement, got %d", count)
	}
}

func TestUnassignRole(t *testing.T) {
	m := NewManager(logger.Default())

	m.AssignRole(testAgent("a1"), "coder", "admin")
	if !m.UnassignRole("a1") {
		t.Fatal("expected unassign to succeed")
	}
	if m.UnassignRole("a1") {
		t.Fatal("second unassign should report false")
	}
	if _, ok := m.GetAssignment("a1"); ok {
		t.Fatal("assignment should be gone")
	}
}

func TestRemoveRoleKeepsAssignments(t *testing.T) {
	m := NewManager(logger.Default())

	m.AssignRole(testAgent("a1"), "coder", "admin")
	if !m.RemoveRole("coder") {
		t.Fatal("expected remove to succeed")
	}
	if _, ok := m.GetRole("coder"); ok {
		t.Fatal("role should be gone")
	}
	// Existing assignments keep their role copy.
	if _, ok := m.GetAssignment("a1"); !ok {
		t.Fatal("assignment should survive role removal")
	}
}

func TestGetAgentsWithRole(t *testing.T) {
	m := NewManager(logger.Default())

	for i := 0; i < 3; i++ {
		m.AssignRole(testAgent(fmt.Sprintf("a%d", i)), "researcher", "admin")
	}
	m.AssignRole(testAgent("b1"), "coder", "admin")

	if ids := m.GetAgentsWithRole("researcher"); len(ids) != 3 {
		t.Errorf("expected 3 researchers, got %d", len(ids))
	}
}

func TestExportImportState(t *testing.T) {
	m := NewManager(logger.Default())
	m.DefineRole(Role{RoleID: "custom", Name: "Custom", AllowedTools: []string{"grep"}, Priority: 60})
	m.AssignRole(testAgent("a1"), "custom", "admin")

	state := m.ExportState()

	// Mutating the export must not leak back into the manager.
	state.Roles[0].AllowedTools = append(state.Roles[0].AllowedTools, "rm")

	restored := NewManager(logger.Default())
	restored.ImportState(m.ExportState())

	role, ok := restored.GetRole("custom")
	if !ok {
		t.Fatal("imported role missing")
	}
	if len(role.AllowedTools) != 1 || role.AllowedTools[0] != "grep" {
		t.Errorf("unexpected allowed tools after import: %v", role.AllowedTools)
	}
	a, ok := restored.GetAssignment("a1")
	if !ok {
		t.Fatal("imported assignment missing")
	}
	if a.Role.RoleID != "custom" {
		t.Errorf("expected custom role, got %s", a.Role.RoleID)
	}
}
