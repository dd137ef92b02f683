package orchestrator

import (
	"sort"

	"github.com/meshgate/meshgate/pkg/protocol"
)

// candidate is one agent eligible for a dispatch.
type candidate struct {
	identity     protocol.AgentIdentity
	load         float64
	activeTasks  int
	rolePriority int
}

// selectAgent picks the best eligible agent: least loaded first, then
// highest role priority, then fewest active tasks. An empty role id
// makes every registered agent a candidate. Returns nil when no agent
// is eligible.
func (o *Orchestrator) selectAgent(roleID string) *protocol.AgentIdentity {
	o.mu.RLock()
	var candidates []candidate
	for id, state := range o.agents {
		rolePriority := 0
		if assignment, ok := o.roles.GetAssignment(id); ok {
			if roleID != "" && assignment.Role.RoleID != roleID {
				continue
			}
			rolePriority = assignment.Role.Priority
		} else if roleID != "" {
			continue
		}
		candidates = append(candidates, candidate{
			identity:     state.identity,
			load:         state.load,
			activeTasks:  state.activeTasks,
			rolePriority: rolePriority,
		})
	}
	o.mu.RUnlock()

	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].load != candidates[j].load {
			return candidates[i].load < candidates[j].load
		}
		if candidates[i].rolePriority != candidates[j].rolePriority {
			return candidates[i].rolePriority > candidates[j].rolePriority
		}
		if candidates[i].activeTasks != candidates[j].activeTasks {
			return candidates[i].activeTasks < candidates[j].activeTasks
		}
		return candidates[i].identity.AgentInstanceID < candidates[j].identity.AgentInstanceID
	})

	best := candidates[0].identity
	return &best
}
