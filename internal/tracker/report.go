package tracker

import (
	"sort"
	"time"

	"go.uber.org/zap"
)

// atRiskRatio is the remaining-time-to-budget threshold below which a
// deadlined task counts as at risk.
const atRiskRatio = 0.20

// DefaultCleanupMaxAge is the retention window for settled tasks.
const DefaultCleanupMaxAge = 24 * time.Hour

// Filter narrows ListTasks results. Zero-valued fields match all.
type Filter struct {
	Status         Status
	AssignedTo     string // agent instance id
	WorkflowPlanID string
	WorkflowStepID string
	Tag            string
	Since          *time.Time
}

// Summary aggregates task counts and derived figures.
type Summary struct {
	Total             int            `json:"total"`
	ByStatus          map[Status]int `json:"byStatus"`
	AverageDurationMs float64        `json:"averageDurationMs"`
	AtRisk            int            `json:"atRisk"`
}

// AgentWorkload reports the per-agent task load.
type AgentWorkload struct {
	AgentInstanceID   string  `json:"agentInstanceId"`
	ActiveTasks       int     `json:"activeTasks"`
	CompletedTasks    int     `json:"completedTasks"`
	FailedTasks       int     `json:"failedTasks"`
	AverageDurationMs float64 `json:"averageDurationMs"`
}

// Report is a stamped snapshot of tasks, summary, and workloads.
type Report struct {
	GeneratedAt time.Time       `json:"generatedAt"`
	Tasks       []*Task         `json:"tasks"`
	Summary     Summary         `json:"summary"`
	Workloads   []AgentWorkload `json:"workloads"`
}

// ReportOptions filter the tasks included in a report.
type ReportOptions struct {
	WorkflowPlanID string
	Since          *time.Time
}

// ListTasks returns copies of tasks matching the filter, sorted by
// priority descending. When an agent or workflow filter is present the
// corresponding index narrows the scan to the matching tasks.
func (t *Tracker) ListTasks(filter Filter) []*Task {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var candidates []*Task
	switch {
	case filter.WorkflowStepID != "":
		if id, ok := t.byStep[filter.WorkflowStepID]; ok {
			if task, ok := t.tasks[id]; ok {
				candidates = append(candidates, task)
			}
		}
	case filter.AssignedTo != "":
		for id := range t.byAgent[filter.AssignedTo] {
			if task, ok := t.tasks[id]; ok {
				candidates = append(candidates, task)
			}
		}
	case filter.WorkflowPlanID != "":
		for id := range t.byPlan[filter.WorkflowPlanID] {
			if task, ok := t.tasks[id]; ok {
				candidates = append(candidates, task)
			}
		}
	default:
		for _, task := range t.tasks {
			candidates = append(candidates, task)
		}
	}

	var result []*Task
	for _, task := range candidates {
		if !matches(task, filter) {
			continue
		}
		result = append(result, copyTask(task))
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Priority > result[j].Priority
	})
	return result
}

func matches(task *Task, filter Filter) bool {
	if filter.Status != "" && task.Status != filter.Status {
		return false
	}
	if filter.AssignedTo != "" {
		if task.AssignedTo == nil || task.AssignedTo.AgentInstanceID != filter.AssignedTo {
			return false
		}
	}
	if filter.WorkflowPlanID != "" && task.WorkflowPlanID != filter.WorkflowPlanID {
		return false
	}
	if filter.WorkflowStepID != "" && task.WorkflowStepID != filter.WorkflowStepID {
		return false
	}
	if filter.Tag != "" && !hasTag(task, filter.Tag) {
		return false
	}
	if filter.Since != nil && task.CreatedAt.Before(*filter.Since) {
		return false
	}
	return true
}

func hasTag(task *Task, tag string) bool {
	for _, t := range task.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// GetSummary computes status counts, the average duration of completed
// tasks, and the number of at-risk tasks. A task is at risk when it is
// not terminal, its deadline lies ahead, and the remaining time is below
// 20% of the original deadline budget.
func (t *Tracker) GetSummary() Summary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := time.Now().UTC()
	summary := Summary{ByStatus: make(map[Status]int)}

	var durationSum float64
	var durationCount int
	for _, task := range t.tasks {
		summary.Total++
		summary.ByStatus[task.Status]++

		if task.Status == StatusCompleted && task.StartedAt != nil && task.CompletedAt != nil {
			durationSum += float64(task.CompletedAt.Sub(*task.StartedAt).Milliseconds())
			durationCount++
		}
		if atRisk(task, now) {
			summary.AtRisk++
		}
	}
	if durationCount > 0 {
		summary.AverageDurationMs = durationSum / float64(durationCount)
	}
	return summary
}

func atRisk(task *Task, now time.Time) bool {
	if task.Deadline == nil || task.Status.Settled() {
		return false
	}
	if !task.Deadline.After(now) {
		return false
	}
	budget := task.Deadline.Sub(task.CreatedAt)
	if budget <= 0 {
		return false
	}
	remaining := task.Deadline.Sub(now)
	return float64(remaining)/float64(budget) < atRiskRatio
}

// GetAgentWorkloads reports load figures for every agent that owns at
// least one tracked task.
func (t *Tracker) GetAgentWorkloads() []AgentWorkload {
	t.mu.RLock()
	defer t.mu.RUnlock()

	byAgent := make(map[string]*AgentWorkload)
	durations := make(map[string][]float64)

	for _, task := range t.tasks {
		if task.AssignedTo == nil {
			continue
		}
		id := task.AssignedTo.AgentInstanceID
		wl, ok := byAgent[id]
		if !ok {
			wl = &AgentWorkload{AgentInstanceID: id}
			byAgent[id] = wl
		}
		switch task.Status {
		case StatusAssigned, StatusInProgress:
			wl.ActiveTasks++
		case StatusCompleted:
			wl.CompletedTasks++
			if task.StartedAt != nil && task.CompletedAt != nil {
				durations[id] = append(durations[id], float64(task.CompletedAt.Sub(*task.StartedAt).Milliseconds()))
			}
		case StatusFailed, StatusTimeout:
			wl.FailedTasks++
		}
	}

	result := make([]AgentWorkload, 0, len(byAgent))
	for id, wl := range byAgent {
		if ds := durations[id]; len(ds) > 0 {
			var sum float64
			for _, d := range ds {
				sum += d
			}
			wl.AverageDurationMs = sum / float64(len(ds))
		}
		result = append(result, *wl)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].AgentInstanceID < result[j].AgentInstanceID
	})
	return result
}

// GenerateReport returns a filtered snapshot with summary and workloads.
func (t *Tracker) GenerateReport(opts ReportOptions) Report {
	tasks := t.ListTasks(Filter{
		WorkflowPlanID: opts.WorkflowPlanID,
		Since:          opts.Since,
	})
	return Report{
		GeneratedAt: time.Now().UTC(),
		Tasks:       tasks,
		Summary:     t.GetSummary(),
		Workloads:   t.GetAgentWorkloads(),
	}
}

// Cleanup removes settled tasks older than maxAge, along with their index
// entries, and returns the number removed. Age is measured from
// completedAt when set, otherwise createdAt.
func (t *Tracker) Cleanup(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = DefaultCleanupMaxAge
	}
	cutoff := time.Now().UTC().Add(-maxAge)

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, task := range t.tasks {
		if !task.Status.Settled() {
			continue
		}
		stamp := task.CreatedAt
		if task.CompletedAt != nil {
			stamp = *task.CompletedAt
		}
		if !stamp.Before(cutoff) {
			continue
		}

		if task.AssignedTo != nil {
			t.unindexAgent(task.AssignedTo.AgentInstanceID, id)
		}
		if task.WorkflowPlanID != "" {
			if set, ok := t.byPlan[task.WorkflowPlanID]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(t.byPlan, task.WorkflowPlanID)
				}
			}
		}
		if task.WorkflowStepID != "" && t.byStep[task.WorkflowStepID] == id {
			delete(t.byStep, task.WorkflowStepID)
		}
		delete(t.tasks, id)
		removed++
	}

	if removed > 0 {
		t.logger.Info("cleaned up settled tasks", zap.Int("removed", removed))
	}
	return removed
}
