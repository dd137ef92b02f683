package security

import (
	"sync"
	"time"
)

// Audit retention bounds.
const (
	auditCapacity     = 10_000
	auditTrimFraction = 5 // trim 1/5 (20%) of capacity per pass
)

// AuditEntry records one security decision.
type AuditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	AgentID   string    `json:"agentId"`
	Action    string    `json:"action"`
	Allowed   bool      `json:"allowed"`
	Detail    string    `json:"detail,omitempty"`
}

// auditLog is a bounded, insertion-ordered log. When the capacity is
// exceeded the oldest 20% are trimmed asynchronously; a pending flag
// keeps a burst of appends from scheduling repeated trims.
type auditLog struct {
	entries     []AuditEntry
	trimPending bool
	mu          sync.Mutex
}

func newAuditLog() *auditLog {
	return &auditLog{entries: make([]AuditEntry, 0, 256)}
}

func (l *auditLog) append(agentID, action string, allowed bool, detail string) {
	l.mu.Lock()
	l.entries = append(l.entries, AuditEntry{
		Timestamp: time.Now().UTC(),
		AgentID:   agentID,
		Action:    action,
		Allowed:   allowed,
		Detail:    detail,
	})
	schedule := len(l.entries) > auditCapacity && !l.trimPending
	if schedule {
		l.trimPending = true
	}
	l.mu.Unlock()

	if schedule {
		go l.trim()
	}
}

func (l *auditLog) trim() {
	l.mu.Lock()
	defer l.mu.Unlock()

	drop := auditCapacity / auditTrimFraction
	if over := len(l.entries) - auditCapacity; over > 0 {
		drop += over
	}
	if drop > len(l.entries) {
		drop = len(l.entries)
	}
	l.entries = append(l.entries[:0:0], l.entries[drop:]...)
	l.trimPending = false
}

// tail returns up to limit entries, oldest first.
func (l *auditLog) tail(limit int) []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := len(l.entries) - limit
	if start < 0 {
		start = 0
	}
	return append([]AuditEntry(nil), l.entries[start:]...)
}

// tailFor returns up to limit entries for one agent, oldest first.
func (l *auditLog) tailFor(agentID string, limit int) []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var matched []AuditEntry
	for _, e := range l.entries {
		if e.AgentID == agentID {
			matched = append(matched, e)
		}
	}
	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return append([]AuditEntry(nil), matched...)
}
