// Package security enforces per-agent policies on mesh traffic:
// permissions, rate limits, cross-gateway access, and HMAC message
// integrity. Every denial is recorded in a bounded audit log.
package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/meshgate/meshgate/internal/common/logger"
	"github.com/meshgate/meshgate/pkg/protocol"
)

// Permission is one of the fixed capability tokens.
type Permission string

const (
	PermTaskAssign      Permission = "task.assign"
	PermTaskCancel      Permission = "task.cancel"
	PermRoleAssign      Permission = "role.assign"
	PermRoleManage      Permission = "role.manage"
	PermAgentRegister   Permission = "agent.register"
	PermAgentUnregister Permission = "agent.unregister"
	PermWorkflowCreate  Permission = "workflow.create"
	PermWorkflowAbort   Permission = "workflow.abort"
	PermConfigRead      Permission = "config.read"
	PermConfigWrite     Permission = "config.write"
	PermReportRead      Permission = "report.read"
	PermReportExport    Permission = "report.export"
)

// Policy defaults applied when no policy is stored for an agent.
const (
	DefaultMaxConcurrentTasks   = 8
	DefaultMaxMessagesPerMinute = 120
)

// Policy is the per-agent security policy.
type Policy struct {
	AgentID              string       `json:"agentId"`
	Permissions          []Permission `json:"permissions"`
	NetworkAllowlist     []string     `json:"networkAllowlist,omitempty"`
	MaxConcurrentTasks   int          `json:"maxConcurrentTasks"`
	MaxMessagesPerMinute int          `json:"maxMessagesPerMinute"`
	AllowCrossGateway    bool         `json:"allowCrossGateway"`
}

// DefaultPolicy returns the policy applied to agents without one.
func DefaultPolicy(agentID string) Policy {
	return Policy{
		AgentID:              agentID,
		Permissions:          []Permission{PermTaskAssign, PermReportRead, PermConfigRead},
		MaxConcurrentTasks:   DefaultMaxConcurrentTasks,
		MaxMessagesPerMinute: DefaultMaxMessagesPerMinute,
		AllowCrossGateway:    false,
	}
}

// requiredPermission maps payload types to the permission needed to
// deliver them. Types not listed require no permission.
var requiredPermission = map[string]Permission{
	protocol.TypeTaskAssign:     PermTaskAssign,
	protocol.TypeRoleAssign:     PermRoleAssign,
	protocol.TypeAgentDiscovery: PermAgentRegister,
}

// Decision is the outcome of AuthorizeMessage.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// ChallengeVerifier validates a security.response payload against the
// challenge nonce. Peer handshake verification is delegated to the
// transport layer; the default verifier accepts nothing.
type ChallengeVerifier func(challenge *protocol.SecurityChallengePayload, response *protocol.SecurityResponsePayload) bool

// Manager holds policies, the shared HMAC secret, per-agent rate-limit
// windows, and the audit log.
type Manager struct {
	policies map[string]Policy
	secret   []byte
	limiters map[string]*rateWindow
	audit    *auditLog
	verifier ChallengeVerifier
	mu       sync.RWMutex
	logger   *logger.Logger
}

// NewManager creates a security manager. A nil or empty secret generates
// a random 32-byte one.
func NewManager(secret []byte, log *logger.Logger) *Manager {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			// crypto/rand failure is unrecoverable
			panic(fmt.Sprintf("security: failed to generate secret: %v", err))
		}
	}
	return &Manager{
		policies: make(map[string]Policy),
		secret:   secret,
		limiters: make(map[string]*rateWindow),
		audit:    newAuditLog(),
		verifier: func(*protocol.SecurityChallengePayload, *protocol.SecurityResponsePayload) bool { return false },
		logger:   log.WithFields(zap.String("component", "security-manager")),
	}
}

// SetChallengeVerifier installs the pluggable handshake verifier.
func (m *Manager) SetChallengeVerifier(v ChallengeVerifier) {
	if v == nil {
		return
	}
	m.mu.Lock()
	m.verifier = v
	m.mu.Unlock()
}

// VerifyChallengeResponse runs the installed verifier.
func (m *Manager) VerifyChallengeResponse(challenge *protocol.SecurityChallengePayload, response *protocol.SecurityResponsePayload) bool {
	m.mu.RLock()
	v := m.verifier
	m.mu.RUnlock()
	return v(challenge, response)
}

// SetPolicy stores a policy keyed by agent id.
func (m *Manager) SetPolicy(policy Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[policy.AgentID] = clonePolicy(policy)
}

// RemovePolicy deletes a stored policy.
func (m *Manager) RemovePolicy(agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[agentID]; !ok {
		return false
	}
	delete(m.policies, agentID)
	return true
}

// GetPolicy returns the stored policy, or the defaults when absent.
func (m *Manager) GetPolicy(agentID string) Policy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.policies[agentID]; ok {
		return clonePolicy(p)
	}
	return DefaultPolicy(agentID)
}

// ExportPolicies returns a deep-copied snapshot of all stored policies.
func (m *Manager) ExportPolicies() []Policy {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Policy, 0, len(m.policies))
	for _, p := range m.policies {
		result = append(result, clonePolicy(p))
	}
	return result
}

// ImportPolicies replaces all stored policies with the snapshot.
func (m *Manager) ImportPolicies(policies []Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.policies = make(map[string]Policy, len(policies))
	for _, p := range policies {
		m.policies[p.AgentID] = clonePolicy(p)
	}
}

// HasPermission checks a permission against the agent's policy and
// records the check in the audit log.
func (m *Manager) HasPermission(agentID string, perm Permission) bool {
	policy := m.GetPolicy(agentID)
	allowed := false
	for _, p := range policy.Permissions {
		if p == perm {
			allowed = true
			break
		}
	}
	m.audit.append(agentID, fmt.Sprintf("permission.check:%s", perm), allowed, "")
	return allowed
}

// signedBody is the canonical form covered by the HMAC signature.
type signedBody struct {
	MessageID string           `json:"messageId"`
	Payload   protocol.Payload `json:"payload"`
}

// SignMessage computes the base64 HMAC-SHA256 signature over the message
// id and payload with the shared secret.
func (m *Manager) SignMessage(envelope *protocol.Envelope, payload protocol.Payload) (string, error) {
	data, err := json.Marshal(signedBody{MessageID: envelope.MessageID, Payload: payload})
	if err != nil {
		return "", fmt.Errorf("failed to serialize signed body: %w", err)
	}
	mac := hmac.New(sha256.New, m.secret)
	mac.Write(data)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// VerifySignature recomputes the signature and compares in constant time.
// Returns false when the signature is absent, undecodable, or of the
// wrong length.
func (m *Manager) VerifySignature(envelope *protocol.Envelope, payload protocol.Payload) bool {
	if envelope.Signature == "" {
		return false
	}
	provided, err := base64.StdEncoding.DecodeString(envelope.Signature)
	if err != nil {
		return false
	}

	data, err := json.Marshal(signedBody{MessageID: envelope.MessageID, Payload: payload})
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, m.secret)
	mac.Write(data)
	expected := mac.Sum(nil)

	if len(provided) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare(provided, expected) == 1
}

// AuthorizeMessage gates an inbound message. Checks run in order: rate
// limit, cross-gateway policy, signature (when present), and payload
// permission.
func (m *Manager) AuthorizeMessage(msg *protocol.Message) Decision {
	agentID := msg.Envelope.From.AgentConfigID

	if !m.CheckRateLimit(agentID) {
		return Decision{Allowed: false, Reason: "rate limit exceeded"}
	}

	if msg.Envelope.To != nil && msg.Envelope.From.GatewayID != msg.Envelope.To.GatewayID {
		if !m.GetPolicy(agentID).AllowCrossGateway {
			m.audit.append(agentID, "cross-gateway.denied", false, msg.Envelope.To.GatewayID)
			return Decision{Allowed: false, Reason: "cross-gateway access denied"}
		}
	}

	if msg.Envelope.Signature != "" && !m.VerifySignature(&msg.Envelope, msg.Payload) {
		m.audit.append(agentID, "signature.invalid", false, msg.Envelope.MessageID)
		return Decision{Allowed: false, Reason: "invalid signature"}
	}

	if perm, ok := requiredPermission[msg.Payload.PayloadType()]; ok {
		if !m.HasPermission(agentID, perm) {
			return Decision{Allowed: false, Reason: fmt.Sprintf("missing permission %s", perm)}
		}
	}

	return Decision{Allowed: true}
}

// GenerateChallenge produces a fresh handshake challenge.
func (m *Manager) GenerateChallenge() *protocol.SecurityChallengePayload {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		panic(fmt.Sprintf("security: failed to generate nonce: %v", err))
	}
	return &protocol.SecurityChallengePayload{
		Type:      protocol.TypeSecurityChallenge,
		Nonce:     base64.StdEncoding.EncodeToString(nonce),
		Algorithm: "ed25519",
	}
}

// SignChallenge computes the shared-secret response for a handshake nonce.
func (m *Manager) SignChallenge(nonce string) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(nonce))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// HMACChallengeVerifier returns a verifier for responses produced by
// SignChallenge on a gateway holding the same shared secret.
func (m *Manager) HMACChallengeVerifier() ChallengeVerifier {
	return func(challenge *protocol.SecurityChallengePayload, response *protocol.SecurityResponsePayload) bool {
		if challenge == nil || response == nil || response.Nonce != challenge.Nonce {
			return false
		}
		expected := m.SignChallenge(challenge.Nonce)
		return subtle.ConstantTimeCompare([]byte(expected), []byte(response.Signature)) == 1
	}
}

// GetAuditLog returns the most recent audit entries, newest last.
func (m *Manager) GetAuditLog(limit int) []AuditEntry {
	if limit <= 0 {
		limit = 100
	}
	return m.audit.tail(limit)
}

// GetAgentAuditLog returns the most recent audit entries for one agent.
func (m *Manager) GetAgentAuditLog(agentID string, limit int) []AuditEntry {
	if limit <= 0 {
		limit = 50
	}
	return m.audit.tailFor(agentID, limit)
}

func clonePolicy(p Policy) Policy {
	clone := p
	clone.Permissions = append([]Permission(nil), p.Permissions...)
	if p.NetworkAllowlist != nil {
		clone.NetworkAllowlist = append([]string(nil), p.NetworkAllowlist...)
	}
	return clone
}
