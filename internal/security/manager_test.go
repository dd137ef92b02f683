package security

import (
	"fmt"
	"testing"
	"time"

	"github.com/meshgate/meshgate/internal/common/logger"
	"github.com/meshgate/meshgate/pkg/protocol"
)

func testManager() *Manager {
	return NewManager([]byte("test-secret"), logger.Default())
}

func testAgent(instance, config, gateway string) protocol.AgentIdentity {
	return protocol.AgentIdentity{
		AgentInstanceID: instance,
		AgentConfigID:   config,
		GatewayID:       gateway,
	}
}

func testMessage(from protocol.AgentIdentity, to *protocol.AgentIdentity, payload protocol.Payload) *protocol.Message {
	direction := protocol.DirectionBroadcast
	if to != nil {
		direction = protocol.DirectionRequest
	}
	return &protocol.Message{
		Envelope: protocol.NewEnvelope(from, to, direction, ""),
		Payload:  payload,
	}
}

func TestSignAndVerify(t *testing.T) {
	m := testManager()

	msg := testMessage(testAgent("a1", "coder-a", "gw-1"), nil, protocol.NewHeartbeat(0.1))
	sig, err := m.SignMessage(&msg.Envelope, msg.Payload)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	msg.Envelope.Signature = sig

	if !m.VerifySignature(&msg.Envelope, msg.Payload) {
		t.Fatal("valid signature rejected")
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	m := testManager()

	msg := testMessage(testAgent("a1", "coder-a", "gw-1"), nil, protocol.NewHeartbeat(0.1))
	sig, _ := m.SignMessage(&msg.Envelope, msg.Payload)
	msg.Envelope.Signature = sig

	// Payload altered after signing.
	tampered := protocol.NewHeartbeat(0.9)
	if m.VerifySignature(&msg.Envelope, tampered) {
		t.Error("tampered payload should fail verification")
	}

	// Message id altered after signing.
	msg.Envelope.MessageID = "ffffffff-0000-0000-0000-000000000000"
	if m.VerifySignature(&msg.Envelope, msg.Payload) {
		t.Error("tampered message id should fail verification")
	}
}

func TestVerifyRejectsMalformedSignature(t *testing.T) {
	m := testManager()
	msg := testMessage(testAgent("a1", "coder-a", "gw-1"), nil, protocol.NewHeartbeat(0.1))

	msg.Envelope.Signature = ""
	if m.VerifySignature(&msg.Envelope, msg.Payload) {
		t.Error("empty signature should fail")
	}
	msg.Envelope.Signature = "not base64!!!"
	if m.VerifySignature(&msg.Envelope, msg.Payload) {
		t.Error("undecodable signature should fail")
	}
	msg.Envelope.Signature = "c2hvcnQ=" // wrong length
	if m.VerifySignature(&msg.Envelope, msg.Payload) {
		t.Error("wrong-length signature should fail")
	}
}

func TestDifferentSecretsDoNotVerify(t *testing.T) {
	m1 := NewManager([]byte("secret-one"), logger.Default())
	m2 := NewManager([]byte("secret-two"), logger.Default())

	msg := testMessage(testAgent("a1", "coder-a", "gw-1"), nil, protocol.NewHeartbeat(0.1))
	sig, _ := m1.SignMessage(&msg.Envelope, msg.Payload)
	msg.Envelope.Signature = sig

	if m2.VerifySignature(&msg.Envelope, msg.Payload) {
		t.Error("signature from another secret should fail")
	}
}

func TestDefaultPolicy(t *testing.T) {
	m := testManager()

	p := m.GetPolicy("unknown-agent")
	if p.MaxConcurrentTasks != DefaultMaxConcurrentTasks {
		t.Errorf("expected %d, got %d", DefaultMaxConcurrentTasks, p.MaxConcurrentTasks)
	}
	if p.MaxMessagesPerMinute != DefaultMaxMessagesPerMinute {
		t.Errorf("expected %d, got %d", DefaultMaxMessagesPerMinute, p.MaxMessagesPerMinute)
	}
	if p.AllowCrossGateway {
		t.Error("cross-gateway should default to denied")
	}
	if !m.HasPermission("unknown-agent", PermTaskAssign) {
		t.Error("defaults should include task.assign")
	}
	if m.HasPermission("unknown-agent", PermRoleManage) {
		t.Error("defaults should not include role.manage")
	}
}

func TestSetAndRemovePolicy(t *testing.T) {
	m := testManager()

	m.SetPolicy(Policy{
		AgentID:              "coder-a",
		Permissions:          []Permission{PermRoleManage},
		MaxConcurrentTasks:   2,
		MaxMessagesPerMinute: 10,
	})
	if !m.HasPermission("coder-a", PermRoleManage) {
		t.Error("stored permission missing")
	}
	if m.HasPermission("coder-a", PermTaskAssign) {
		t.Error("stored policy should replace the defaults")
	}

	if !m.RemovePolicy("coder-a") {
		t.Fatal("remove failed")
	}
	if m.RemovePolicy("coder-a") {
		t.Fatal("second remove should report false")
	}
	// Back to defaults.
	if !m.HasPermission("coder-a", PermTaskAssign) {
		t.Error("defaults should apply after removal")
	}
}

func TestRateLimit(t *testing.T) {
	m := testManager()
	m.SetPolicy(Policy{
		AgentID:              "chatty",
		Permissions:          []Permission{PermTaskAssign},
		MaxMessagesPerMinute: 3,
	})

	for i := 0; i < 3; i++ {
		if !m.CheckRateLimit("chatty") {
			t.Fatalf("message %d should be within budget", i+1)
		}
	}
	if m.CheckRateLimit("chatty") {
		t.Fatal("fourth message should exceed the budget")
	}

	// Expire the window and confirm the lazy reset.
	m.mu.Lock()
	m.limiters["chatty"].start = time.Now().Add(-2 * time.Minute)
	m.mu.Unlock()
	if !m.CheckRateLimit("chatty") {
		t.Fatal("expired window should reset the count")
	}
}

func TestAuthorizeMessage(t *testing.T) {
	m := testManager()
	local := testAgent("a1", "coder-a", "gw-1")
	remote := testAgent("b1", "coder-b", "gw-2")

	// Heartbeats need no permission.
	d := m.AuthorizeMessage(testMessage(local, nil, protocol.NewHeartbeat(0.2)))
	if !d.Allowed {
		t.Fatalf("heartbeat denied: %s", d.Reason)
	}

	// task.assign is covered by the default permissions.
	assign := protocol.NewTaskAssign("t1", "do it")
	d = m.AuthorizeMessage(testMessage(local, &local, assign))
	if !d.Allowed {
		t.Fatalf("task.assign denied: %s", d.Reason)
	}

	// role.assign is not in the default set.
	role := &protocol.RoleAssignPayload{Type: protocol.TypeRoleAssign, RoleID: "coder", AgentInstanceID: "a1"}
	d = m.AuthorizeMessage(testMessage(local, &local, role))
	if d.Allowed {
		t.Fatal("role.assign should be denied by default")
	}

	// Cross-gateway targeted messages need AllowCrossGateway.
	d = m.AuthorizeMessage(testMessage(local, &remote, assign))
	if d.Allowed {
		t.Fatal("cross-gateway should be denied by default")
	}

	p := DefaultPolicy("coder-a")
	p.AllowCrossGateway = true
	m.SetPolicy(p)
	d = m.AuthorizeMessage(testMessage(local, &remote, assign))
	if !d.Allowed {
		t.Fatalf("cross-gateway with policy denied: %s", d.Reason)
	}
}

func TestAuthorizeRejectsBadSignature(t *testing.T) {
	m := testManager()
	local := testAgent("a1", "coder-a", "gw-1")

	msg := testMessage(local, nil, protocol.NewHeartbeat(0.2))
	msg.Envelope.Signature = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="
	if d := m.AuthorizeMessage(msg); d.Allowed {
		t.Fatal("invalid signature should be denied")
	}
}

func TestChallengeHandshake(t *testing.T) {
	m := testManager()
	m.SetChallengeVerifier(m.HMACChallengeVerifier())

	challenge := m.GenerateChallenge()
	if challenge.Algorithm != "ed25519" {
		t.Errorf("unexpected algorithm %s", challenge.Algorithm)
	}

	response := &protocol.SecurityResponsePayload{
		Type:      protocol.TypeSecurityResponse,
		Nonce:     challenge.Nonce,
		Signature: m.SignChallenge(challenge.Nonce),
	}
	if !m.VerifyChallengeResponse(challenge, response) {
		t.Fatal("valid response rejected")
	}

	// Wrong nonce.
	bad := &protocol.SecurityResponsePayload{Nonce: "other", Signature: response.Signature}
	if m.VerifyChallengeResponse(challenge, bad) {
		t.Error("mismatched nonce accepted")
	}

	// Signature from a different secret.
	other := NewManager([]byte("other-secret"), logger.Default())
	forged := &protocol.SecurityResponsePayload{
		Nonce:     challenge.Nonce,
		Signature: other.SignChallenge(challenge.Nonce),
	}
	if m.VerifyChallengeResponse(challenge, forged) {
		t.Error("forged signature accepted")
	}
}

func TestDefaultVerifierRejects(t *testing.T) {
	m := testManager()

	challenge := m.GenerateChallenge()
	response := &protocol.SecurityResponsePayload{
		Nonce:     challenge.Nonce,
		Signature: m.SignChallenge(challenge.Nonce),
	}
	if m.VerifyChallengeResponse(challenge, response) {
		t.Fatal("verifier must reject until one is installed")
	}
}

func TestAuditLogRecordsDenials(t *testing.T) {
	m := testManager()

	m.HasPermission("coder-a", PermRoleManage)
	entries := m.GetAgentAuditLog("coder-a", 10)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Allowed {
		t.Error("denied check should be recorded as not allowed")
	}
	if entries[0].Action != "permission.check:role.manage" {
		t.Errorf("unexpected action %s", entries[0].Action)
	}
}

func TestExportImportPolicies(t *testing.T) {
	m := testManager()
	m.SetPolicy(Policy{AgentID: "coder-a", Permissions: []Permission{PermTaskAssign}, MaxMessagesPerMinute: 5})
	m.SetPolicy(Policy{AgentID: "coder-b", Permissions: []Permission{PermReportRead}, MaxMessagesPerMinute: 7})

	exported := m.ExportPolicies()
	if len(exported) != 2 {
		t.Fatalf("expected 2 policies, got %d", len(exported))
	}

	restored := testManager()
	restored.ImportPolicies(exported)
	if p := restored.GetPolicy("coder-b"); p.MaxMessagesPerMinute != 7 {
		t.Errorf("imported policy lost: %+v", p)
	}
}

func TestAuditLogTrim(t *testing.T) {
	l := newAuditLog()
	for i := 0; i <= auditCapacity; i++ {
		l.mu.Lock()
		l.entries = append(l.entries, AuditEntry{AgentID: fmt.Sprintf("a%d", i)})
		l.mu.Unlock()
	}
	l.trim()

	l.mu.Lock()
	size := len(l.entries)
	first := l.entries[0].AgentID
	l.mu.Unlock()

	want := auditCapacity - auditCapacity/auditTrimFraction
	if size != want {
		t.Errorf("expected %d entries after trim, got %d", want, size)
	}
	// The oldest fifth is gone.
	if first == "a0" {
		t.Error("oldest entries should have been trimmed")
	}
}
