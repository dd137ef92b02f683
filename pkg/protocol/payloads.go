package protocol

import (
	"encoding/json"
	"fmt"
)

// Payload type discriminators.
const (
	TypeTaskAssign        = "task.assign"
	TypeTaskResult        = "task.result"
	TypeTaskProgress      = "task.progress"
	TypeHeartbeat         = "heartbeat"
	TypeAgentDiscovery    = "agent.discovery"
	TypeRoleAssign        = "role.assign"
	TypeSecurityChallenge = "security.challenge"
	TypeSecurityResponse  = "security.response"
)

// Payload field bounds.
const (
	MaxTaskChars       = 65_536
	MaxResultChars     = 262_144
	MaxStatusLineChars = 1_024
)

// Result statuses reported in task.result payloads.
const (
	ResultSuccess = "success"
	ResultPartial = "partial"
	ResultFailure = "failure"
	ResultTimeout = "timeout"
)

// Discovery actions.
const (
	DiscoveryJoin     = "join"
	DiscoveryLeave    = "leave"
	DiscoveryAnnounce = "announce"
)

// Payload is the tagged union of message payload variants. The concrete
// type is selected by the "type" JSON field.
type Payload interface {
	PayloadType() string
	Validate() error
}

// TaskAssignPayload asks an agent to take on a task.
type TaskAssignPayload struct {
	Type           string   `json:"type"`
	TaskID         string   `json:"taskId"`
	Task           string   `json:"task"`
	Priority       int      `json:"priority,omitempty"`
	WorkflowStepID string   `json:"workflowStepId,omitempty"`
	WorkflowPlanID string   `json:"workflowPlanId,omitempty"`
	Deadline       string   `json:"deadline,omitempty"` // RFC 3339
	Tags           []string `json:"tags,omitempty"`
}

func (p *TaskAssignPayload) PayloadType() string { return TypeTaskAssign }

func (p *TaskAssignPayload) Validate() error {
	if p.TaskID == "" {
		return fmt.Errorf("task.assign: taskId is required")
	}
	if p.Task == "" {
		return fmt.Errorf("task.assign: task is required")
	}
	if len(p.Task) > MaxTaskChars {
		return fmt.Errorf("task.assign: task exceeds %d chars", MaxTaskChars)
	}
	return nil
}

// TaskResultPayload reports the final outcome of a task.
type TaskResultPayload struct {
	Type           string `json:"type"`
	WorkflowStepID string `json:"workflowStepId,omitempty"`
	Status         string `json:"status"` // success, partial, failure, timeout
	Result         string `json:"result,omitempty"`
	Error          string `json:"error,omitempty"`
}

func (p *TaskResultPayload) PayloadType() string { return TypeTaskResult }

func (p *TaskResultPayload) Validate() error {
	switch p.Status {
	case ResultSuccess, ResultPartial, ResultFailure, ResultTimeout:
	default:
		return fmt.Errorf("task.result: invalid status %q", p.Status)
	}
	if len(p.Result) > MaxResultChars {
		return fmt.Errorf("task.result: result exceeds %d chars", MaxResultChars)
	}
	return nil
}

// TaskProgressPayload reports intermediate progress on a task.
type TaskProgressPayload struct {
	Type           string `json:"type"`
	WorkflowStepID string `json:"workflowStepId,omitempty"`
	Percent        int    `json:"percent"`
	StatusLine     string `json:"statusLine,omitempty"`
}

func (p *TaskProgressPayload) PayloadType() string { return TypeTaskProgress }

func (p *TaskProgressPayload) Validate() error {
	if p.Percent < 0 || p.Percent > 100 {
		return fmt.Errorf("task.progress: percent %d out of range [0, 100]", p.Percent)
	}
	if len(p.StatusLine) > MaxStatusLineChars {
		return fmt.Errorf("task.progress: statusLine exceeds %d chars", MaxStatusLineChars)
	}
	return nil
}

// HeartbeatPayload carries agent liveness and load.
type HeartbeatPayload struct {
	Type        string  `json:"type"`
	Load        float64 `json:"load"` // [0, 1]
	ActiveTasks int     `json:"activeTasks,omitempty"`
	Status      string  `json:"status,omitempty"`
}

func (p *HeartbeatPayload) PayloadType() string { return TypeHeartbeat }

func (p *HeartbeatPayload) Validate() error {
	if p.Load < 0 || p.Load > 1 {
		return fmt.Errorf("heartbeat: load %f out of range [0, 1]", p.Load)
	}
	return nil
}

// AgentDiscoveryPayload announces mesh membership changes.
type AgentDiscoveryPayload struct {
	Type   string        `json:"type"`
	Action string        `json:"action"` // join, leave, announce
	Agent  AgentIdentity `json:"agent"`
}

func (p *AgentDiscoveryPayload) PayloadType() string { return TypeAgentDiscovery }

func (p *AgentDiscoveryPayload) Validate() error {
	switch p.Action {
	case DiscoveryJoin, DiscoveryLeave, DiscoveryAnnounce:
	default:
		return fmt.Errorf("agent.discovery: invalid action %q", p.Action)
	}
	if p.Agent.AgentInstanceID == "" {
		return fmt.Errorf("agent.discovery: agent instance id is required")
	}
	return nil
}

// RoleAssignPayload notifies an agent of its role assignment.
type RoleAssignPayload struct {
	Type            string `json:"type"`
	RoleID          string `json:"roleId"`
	AgentInstanceID string `json:"agentInstanceId"`
	AssignedBy      string `json:"assignedBy,omitempty"`
}

func (p *RoleAssignPayload) PayloadType() string { return TypeRoleAssign }

func (p *RoleAssignPayload) Validate() error {
	if p.RoleID == "" {
		return fmt.Errorf("role.assign: roleId is required")
	}
	if p.AgentInstanceID == "" {
		return fmt.Errorf("role.assign: agentInstanceId is required")
	}
	return nil
}

// SecurityChallengePayload opens a peer handshake. Signature verification
// of the response is delegated to a pluggable verifier.
type SecurityChallengePayload struct {
	Type      string `json:"type"`
	Nonce     string `json:"nonce"`     // base64, 32 random bytes
	Algorithm string `json:"algorithm"` // ed25519
}

func (p *SecurityChallengePayload) PayloadType() string { return TypeSecurityChallenge }

func (p *SecurityChallengePayload) Validate() error {
	if p.Nonce == "" {
		return fmt.Errorf("security.challenge: nonce is required")
	}
	return nil
}

// SecurityResponsePayload answers a challenge with a signed nonce.
type SecurityResponsePayload struct {
	Type      string `json:"type"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"` // base64
	PublicKey string `json:"publicKey"` // base64
}

func (p *SecurityResponsePayload) PayloadType() string { return TypeSecurityResponse }

func (p *SecurityResponsePayload) Validate() error {
	if p.Nonce == "" || p.Signature == "" {
		return fmt.Errorf("security.response: nonce and signature are required")
	}
	return nil
}

// NewTaskAssign constructs a task.assign payload with the type tag set.
func NewTaskAssign(taskID, task string) *TaskAssignPayload {
	return &TaskAssignPayload{Type: TypeTaskAssign, TaskID: taskID, Task: task}
}

// NewHeartbeat constructs a heartbeat payload with the type tag set.
func NewHeartbeat(load float64) *HeartbeatPayload {
	return &HeartbeatPayload{Type: TypeHeartbeat, Load: load}
}

// NewDiscovery constructs an agent.discovery payload with the type tag set.
func NewDiscovery(action string, agent AgentIdentity) *AgentDiscoveryPayload {
	return &AgentDiscoveryPayload{Type: TypeAgentDiscovery, Action: action, Agent: agent}
}

// DecodePayload decodes a JSON payload into its concrete variant based on
// the "type" discriminator.
func DecodePayload(data []byte) (Payload, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to probe payload type: %w", err)
	}

	var payload Payload
	switch probe.Type {
	case TypeTaskAssign:
		payload = &TaskAssignPayload{}
	case TypeTaskResult:
		payload = &TaskResultPayload{}
	case TypeTaskProgress:
		payload = &TaskProgressPayload{}
	case TypeHeartbeat:
		payload = &HeartbeatPayload{}
	case TypeAgentDiscovery:
		payload = &AgentDiscoveryPayload{}
	case TypeRoleAssign:
		payload = &RoleAssignPayload{}
	case TypeSecurityChallenge:
		payload = &SecurityChallengePayload{}
	case TypeSecurityResponse:
		payload = &SecurityResponsePayload{}
	default:
		return nil, fmt.Errorf("unknown payload type: %q", probe.Type)
	}

	if err := json.Unmarshal(data, payload); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", probe.Type, err)
	}
	return payload, nil
}
