package roles

// BuiltinRoles returns the six roles seeded on every gateway. They may be
// re-defined at runtime but are re-seeded on construction.
func BuiltinRoles() []Role {
	return []Role{
		{
			RoleID:      "orchestrator",
			Name:        "Orchestrator",
			Description: "Coordinates tasks and delegates work across the mesh",
			Priority:    100,
		},
		{
			RoleID:      "monitor",
			Name:        "Monitor",
			Description: "Observes agent health and task progress",
			Priority:    80,
		},
		{
			RoleID:      "reviewer",
			Name:        "Reviewer",
			Description: "Reviews produced work before completion",
			Priority:    70,
		},
		{
			RoleID:      "coder",
			Name:        "Coder",
			Description: "Implements code changes",
			Priority:    60,
		},
		{
			RoleID:      "researcher",
			Name:        "Researcher",
			Description: "Gathers and summarizes information",
			Priority:    50,
		},
		{
			RoleID:      "executor",
			Name:        "Executor",
			Description: "Runs commands and long-lived jobs",
			Priority:    40,
		},
	}
}
