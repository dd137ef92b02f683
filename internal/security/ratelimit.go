package security

import (
	"fmt"
	"time"
)

// rateLimitWindow is the width of the per-agent message window.
const rateLimitWindow = time.Minute

// rateWindow tracks one agent's message count within the current window.
// Windows reset lazily on the next check after they lapse.
type rateWindow struct {
	start time.Time
	count int
}

// CheckRateLimit counts a message against the agent's sliding 60 s window
// and reports whether it is within the policy budget. A denial emits an
// audit entry with the observed count and the limit.
func (m *Manager) CheckRateLimit(agentID string) bool {
	limit := m.GetPolicy(agentID).MaxMessagesPerMinute

	m.mu.Lock()
	w, ok := m.limiters[agentID]
	now := time.Now()
	if !ok || now.Sub(w.start) > rateLimitWindow {
		w = &rateWindow{start: now}
		m.limiters[agentID] = w
	}
	w.count++
	count := w.count
	m.mu.Unlock()

	if count > limit {
		m.audit.append(agentID, "rate-limit.exceeded", false, fmt.Sprintf("%d/%d", count, limit))
		return false
	}
	return true
}
