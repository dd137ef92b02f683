// Package tracker follows tasks through their lifecycle: creation,
// assignment, progress, completion, retries, and cleanup. It maintains
// secondary indices by agent and by workflow ids so that lookups driven by
// incoming results stay O(1).
package tracker

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meshgate/meshgate/internal/common/logger"
	"github.com/meshgate/meshgate/pkg/protocol"
)

// Status is the lifecycle state of a tracked task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTimeout    Status = "timeout"
	StatusCancelled  Status = "cancelled"
)

// Defaults applied at creation.
const (
	DefaultPriority   = 50
	DefaultMaxRetries = 2
)

// Settled reports whether the task has left the active portion of the
// lifecycle. Failed and timeout tasks are settled but may still be retried.
func (s Status) Settled() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Result is the recorded outcome of a task.
type Result struct {
	Status string `json:"status"` // success, partial, failure, timeout
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Task is a tracked unit of work.
type Task struct {
	TaskID          string                  `json:"taskId"`
	CorrelationID   string                  `json:"correlationId"`
	Task            string                  `json:"task"`
	Status          Status                  `json:"status"`
	AssignedTo      *protocol.AgentIdentity `json:"assignedTo,omitempty"`
	RequestedBy     *protocol.AgentIdentity `json:"requestedBy,omitempty"`
	WorkflowStepID  string                  `json:"workflowStepId,omitempty"`
	WorkflowPlanID  string                  `json:"workflowPlanId,omitempty"`
	Priority        int                     `json:"priority"`
	CreatedAt       time.Time               `json:"createdAt"`
	AssignedAt      *time.Time              `json:"assignedAt,omitempty"`
	StartedAt       *time.Time              `json:"startedAt,omitempty"`
	CompletedAt     *time.Time              `json:"completedAt,omitempty"`
	Deadline        *time.Time              `json:"deadline,omitempty"`
	ProgressPercent *int                    `json:"progressPercent,omitempty"`
	StatusLine      string                  `json:"statusLine,omitempty"`
	Result          *Result                 `json:"result,omitempty"`
	RetryCount      int                     `json:"retryCount"`
	MaxRetries      int                     `json:"maxRetries"`
	Tags            []string                `json:"tags,omitempty"`
}

// CreateOptions are the caller-supplied attributes for a new task.
type CreateOptions struct {
	Task           string
	CorrelationID  string
	Priority       *int
	MaxRetries     *int
	RequestedBy    *protocol.AgentIdentity
	WorkflowStepID string
	WorkflowPlanID string
	Deadline       *time.Time
	Tags           []string
}

// Tracker is the in-memory task store with its secondary indices.
// The indices are rebuilt on every mutation that touches them, so they
// stay consistent with the primary map at all times.
type Tracker struct {
	tasks   map[string]*Task
	byAgent map[string]map[string]struct{} // agentInstanceId -> taskIds
	byPlan  map[string]map[string]struct{} // workflowPlanId -> taskIds
	byStep  map[string]string              // workflowStepId -> taskId
	mu      sync.RWMutex
	logger  *logger.Logger
}

// NewTracker creates an empty work tracker.
func NewTracker(log *logger.Logger) *Tracker {
	return &Tracker{
		tasks:   make(map[string]*Task),
		byAgent: make(map[string]map[string]struct{}),
		byPlan:  make(map[string]map[string]struct{}),
		byStep:  make(map[string]string),
		logger:  log.WithFields(zap.String("component", "work-tracker")),
	}
}

// CreateTask registers a new pending task and its workflow indices.
func (t *Tracker) CreateTask(opts CreateOptions) *Task {
	t.mu.Lock()
	defer t.mu.Unlock()

	correlationID := opts.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	priority := DefaultPriority
	if opts.Priority != nil {
		priority = *opts.Priority
	}
	maxRetries := DefaultMaxRetries
	if opts.MaxRetries != nil {
		maxRetries = *opts.MaxRetries
	}

	task := &Task{
		TaskID:         uuid.New().String(),
		CorrelationID:  correlationID,
		Task:           opts.Task,
		Status:         StatusPending,
		RequestedBy:    opts.RequestedBy,
		WorkflowStepID: opts.WorkflowStepID,
		WorkflowPlanID: opts.WorkflowPlanID,
		Priority:       priority,
		CreatedAt:      time.Now().UTC(),
		Deadline:       opts.Deadline,
		MaxRetries:     maxRetries,
		Tags:           append([]string(nil), opts.Tags...),
	}

	t.tasks[task.TaskID] = task
	if task.WorkflowPlanID != "" {
		t.indexPlan(task.WorkflowPlanID, task.TaskID)
	}
	if task.WorkflowStepID != "" {
		t.byStep[task.WorkflowStepID] = task.TaskID
	}

	t.logger.Debug("task created",
		zap.String("task_id", task.TaskID),
		zap.Int("priority", task.Priority),
	)
	return copyTask(task)
}

// GetTask returns a copy of a task.
func (t *Tracker) GetTask(taskID string) (*Task, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	task, ok := t.tasks[taskID]
	if !ok {
		return nil, false
	}
	return copyTask(task), true
}

// TaskIDForStep resolves a workflow step id to the tracked task id.
func (t *Tracker) TaskIDForStep(stepID string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	id, ok := t.byStep[stepID]
	return id, ok
}

// AssignTask moves a pending or failed task to assigned and records the
// assignee. Returns false for unknown tasks or illegal transitions.
func (t *Tracker) AssignTask(taskID string, agent protocol.AgentIdentity) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	task, ok := t.tasks[taskID]
	if !ok {
		return false
	}
	if task.Status != StatusPending && task.Status != StatusFailed {
		return false
	}

	if task.AssignedTo != nil {
		t.unindexAgent(task.AssignedTo.AgentInstanceID, taskID)
	}
	now := time.Now().UTC()
	task.Status = StatusAssigned
	task.AssignedTo = &agent
	task.AssignedAt = &now
	t.indexAgent(agent.AgentInstanceID, taskID)

	t.logger.Debug("task assigned",
		zap.String("task_id", taskID),
		zap.String("agent_instance_id", agent.AgentInstanceID),
	)
	return true
}

// StartTask moves an assigned task to in-progress.
func (t *Tracker) StartTask(taskID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	task, ok := t.tasks[taskID]
	if !ok || task.Status != StatusAssigned {
		return false
	}
	now := time.Now().UTC()
	task.Status = StatusInProgress
	task.StartedAt = &now
	return true
}

// UpdateProgress records progress on a non-terminal task. Idempotent;
// late updates for completed or cancelled tasks are no-ops.
func (t *Tracker) UpdateProgress(taskID string, percent *int, statusLine string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	task, ok := t.tasks[taskID]
	if !ok || task.Status.Terminal() {
		return false
	}
	if percent != nil {
		p := *percent
		task.ProgressPercent = &p
	}
	if statusLine != "" {
		task.StatusLine = statusLine
	}
	return true
}

// CompleteTask records the task outcome. The result status maps to the
// task status: success and partial complete the task, timeout marks it
// timed out, anything else marks it failed.
func (t *Tracker) CompleteTask(taskID string, result Result) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	task, ok := t.tasks[taskID]
	if !ok || task.Status.Terminal() {
		return false
	}

	now := time.Now().UTC()
	task.CompletedAt = &now
	full := 100
	task.ProgressPercent = &full
	task.Result = &result

	switch result.Status {
	case protocol.ResultSuccess, protocol.ResultPartial:
		task.Status = StatusCompleted
	case protocol.ResultTimeout:
		task.Status = StatusTimeout
	default:
		task.Status = StatusFailed
	}

	t.logger.Debug("task completed",
		zap.String("task_id", taskID),
		zap.String("status", string(task.Status)),
	)
	return true
}

// CancelTask marks a task cancelled. Rejected when the task has already
// completed or been cancelled.
func (t *Tracker) CancelTask(taskID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	task, ok := t.tasks[taskID]
	if !ok || task.Status.Terminal() {
		return false
	}

	now := time.Now().UTC()
	task.Status = StatusCancelled
	task.CompletedAt = &now
	if task.AssignedTo != nil {
		t.unindexAgent(task.AssignedTo.AgentInstanceID, taskID)
	}
	return true
}

// RetryTask returns a failed or timed-out task to pending, clearing the
// transient fields and incrementing the retry count. Returns false when
// the retry budget is exhausted.
func (t *Tracker) RetryTask(taskID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	task, ok := t.tasks[taskID]
	if !ok {
		return false
	}
	if task.Status != StatusFailed && task.Status != StatusTimeout {
		return false
	}
	if task.RetryCount >= task.MaxRetries {
		return false
	}

	if task.AssignedTo != nil {
		t.unindexAgent(task.AssignedTo.AgentInstanceID, taskID)
	}
	task.RetryCount++
	task.Status = StatusPending
	task.AssignedTo = nil
	task.AssignedAt = nil
	task.StartedAt = nil
	task.CompletedAt = nil
	task.ProgressPercent = nil
	task.StatusLine = ""
	task.Result = nil

	t.logger.Info("task retried",
		zap.String("task_id", taskID),
		zap.Int("retry_count", task.RetryCount),
	)
	return true
}

func (t *Tracker) indexAgent(instanceID, taskID string) {
	set, ok := t.byAgent[instanceID]
	if !ok {
		set = make(map[string]struct{})
		t.byAgent[instanceID] = set
	}
	set[taskID] = struct{}{}
}

func (t *Tracker) unindexAgent(instanceID, taskID string) {
	if set, ok := t.byAgent[instanceID]; ok {
		delete(set, taskID)
		if len(set) == 0 {
			delete(t.byAgent, instanceID)
		}
	}
}

func (t *Tracker) indexPlan(planID, taskID string) {
	set, ok := t.byPlan[planID]
	if !ok {
		set = make(map[string]struct{})
		t.byPlan[planID] = set
	}
	set[taskID] = struct{}{}
}

func copyTask(task *Task) *Task {
	clone := *task
	if task.AssignedTo != nil {
		a := *task.AssignedTo
		clone.AssignedTo = &a
	}
	if task.RequestedBy != nil {
		r := *task.RequestedBy
		clone.RequestedBy = &r
	}
	if task.AssignedAt != nil {
		v := *task.AssignedAt
		clone.AssignedAt = &v
	}
	if task.StartedAt != nil {
		v := *task.StartedAt
		clone.StartedAt = &v
	}
	if task.CompletedAt != nil {
		v := *task.CompletedAt
		clone.CompletedAt = &v
	}
	if task.Deadline != nil {
		v := *task.Deadline
		clone.Deadline = &v
	}
	if task.ProgressPercent != nil {
		v := *task.ProgressPercent
		clone.ProgressPercent = &v
	}
	if task.Result != nil {
		r := *task.Result
		clone.Result = &r
	}
	if task.Tags != nil {
		clone.Tags = append([]string(nil), task.Tags...)
	}
	return &clone
}
