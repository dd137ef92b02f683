package roles

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/meshgate/meshgate/internal/validation"
)

// rolesFile is the YAML document shape accepted by LoadFile.
type rolesFile struct {
	Roles []Role `yaml:"roles"`
}

// LoadFile reads role definitions from a YAML file and upserts them into
// the manager. Definitions with an invalid role id or out-of-range quota
// are rejected.
func (m *Manager) LoadFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read roles file: %w", err)
	}

	var doc rolesFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("failed to parse roles file: %w", err)
	}

	for i, role := range doc.Roles {
		if err := validation.ValidateRoleID(role.RoleID); err != nil {
			return 0, fmt.Errorf("roles[%d]: %w", i, err)
		}
		if role.MaxConcurrent < 0 || role.MaxConcurrent > MaxConcurrentLimit {
			return 0, fmt.Errorf("roles[%d]: maxConcurrent %d out of range [0, %d]", i, role.MaxConcurrent, MaxConcurrentLimit)
		}
		if role.Priority < 0 || role.Priority > MaxPriority {
			return 0, fmt.Errorf("roles[%d]: priority %d out of range [0, %d]", i, role.Priority, MaxPriority)
		}
	}

	for _, role := range doc.Roles {
		m.DefineRole(role)
	}
	return len(doc.Roles), nil
}
