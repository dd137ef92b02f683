// Package validation checks externally supplied identifiers and payloads
// before they reach the coordination core. Operations here never mutate
// state; they return descriptive errors for the RPC surface to report.
package validation

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Limits applied at the validation boundary. Note the task description
// limit here is tighter than the internal task.assign payload bound.
const (
	MaxPayloadBytes  = 256 * 1024
	MaxAgentIDChars  = 128
	MaxRoleNameChars = 64
	MaxTaskDescChars = 16_384
)

var (
	agentConfigIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,127}$`)
	roleIDPattern        = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,63}$`)
)

// allowedGatewaySchemes are the URL schemes accepted for peer gateway links.
var allowedGatewaySchemes = map[string]bool{
	"ws": true, "wss": true, "http": true, "https": true,
}

// ValidateAgentConfigID checks the lowercase token format of a config id.
func ValidateAgentConfigID(id string) error {
	if !agentConfigIDPattern.MatchString(id) {
		return fmt.Errorf("invalid agent config id %q: must match %s", id, agentConfigIDPattern.String())
	}
	return nil
}

// ValidateRoleID checks the role identifier format.
func ValidateRoleID(id string) error {
	if !roleIDPattern.MatchString(id) {
		return fmt.Errorf("invalid role id %q: must match %s", id, roleIDPattern.String())
	}
	return nil
}

// ValidateUUID checks that the value is a version-4 UUID.
func ValidateUUID(value string) error {
	id, err := uuid.Parse(value)
	if err != nil {
		return fmt.Errorf("invalid uuid %q: %w", value, err)
	}
	if id.Version() != 4 {
		return fmt.Errorf("invalid uuid %q: version %d, want 4", value, id.Version())
	}
	return nil
}

// ValidateTaskDescription applies the RPC-surface task description limit.
func ValidateTaskDescription(task string) error {
	if task == "" {
		return fmt.Errorf("task description is required")
	}
	if len(task) > MaxTaskDescChars {
		return fmt.Errorf("task description exceeds %d chars", MaxTaskDescChars)
	}
	return nil
}

// ValidatePayloadSize checks the JSON-serialized size of a payload.
func ValidatePayloadSize(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("payload is not serializable: %w", err)
	}
	if len(data) > MaxPayloadBytes {
		return fmt.Errorf("payload size %d exceeds %d bytes", len(data), MaxPayloadBytes)
	}
	return nil
}

// ValidateGatewayURL checks that a peer gateway URL uses an allowed scheme
// and carries no embedded credentials.
func ValidateGatewayURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid gateway url: %w", err)
	}
	if !allowedGatewaySchemes[u.Scheme] {
		return fmt.Errorf("invalid gateway url scheme %q: must be ws, wss, http or https", u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("gateway url must not embed credentials")
	}
	if u.Host == "" {
		return fmt.Errorf("gateway url must have a host")
	}
	return nil
}

// SanitizeString strips C0 control characters (except tab, newline and
// carriage return), C1 controls, and zero-width code points.
func SanitizeString(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\t' || r == '\n' || r == '\r':
			b.WriteRune(r)
		case r < 0x20 || r == 0x7F:
			// C0 and DEL
		case r >= 0x80 && r <= 0x9F:
			// C1
		case r == 0x200B || r == 0x200C || r == 0x200D || r == 0x2060 || r == 0xFEFF:
			// zero-width
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
