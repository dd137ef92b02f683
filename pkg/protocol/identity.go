package protocol

// Orchestrator identity constants. System-originated messages carry a
// fixed, well-known sender so peers can distinguish them from agent traffic.
const (
	OrchestratorInstanceID = "00000000-0000-0000-0000-000000000000"
	OrchestratorConfigID   = "__orchestrator__"
	OrchestratorRoleID     = "orchestrator"
)

// AgentIdentity identifies an agent within the mesh.
//
// Identities are value types: they are never mutated in place, only
// replaced. AgentInstanceID is a v4 UUID unique across the mesh;
// AgentConfigID is a declarative identifier reused across restarts.
type AgentIdentity struct {
	AgentInstanceID string   `json:"agentInstanceId"`
	AgentConfigID   string   `json:"agentConfigId"`
	GatewayID       string   `json:"gatewayId"`
	RoleID          string   `json:"roleId,omitempty"`
	DisplayName     string   `json:"displayName,omitempty"`
	Capabilities    []string `json:"capabilities,omitempty"`
}

// OrchestratorIdentity returns the fixed identity used as the sender of
// system-originated messages on the given gateway.
func OrchestratorIdentity(gatewayID string) AgentIdentity {
	return AgentIdentity{
		AgentInstanceID: OrchestratorInstanceID,
		AgentConfigID:   OrchestratorConfigID,
		GatewayID:       gatewayID,
		RoleID:          OrchestratorRoleID,
	}
}

// IsOrchestrator reports whether the identity is a gateway orchestrator.
func (a AgentIdentity) IsOrchestrator() bool {
	return a.AgentConfigID == OrchestratorConfigID
}
