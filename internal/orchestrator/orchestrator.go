// Package orchestrator composes the router, role manager, work tracker,
// and security manager into the coordination loop of a gateway: agents
// register, tasks are submitted and dispatched to the least loaded
// eligible agent, results and progress flow back through the router, and
// lifecycle events are published on the event bus.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meshgate/meshgate/internal/common/errors"
	"github.com/meshgate/meshgate/internal/common/logger"
	"github.com/meshgate/meshgate/internal/common/tracing"
	"github.com/meshgate/meshgate/internal/events/bus"
	"github.com/meshgate/meshgate/internal/roles"
	"github.com/meshgate/meshgate/internal/router"
	"github.com/meshgate/meshgate/internal/security"
	"github.com/meshgate/meshgate/internal/tracker"
	"github.com/meshgate/meshgate/pkg/protocol"
)

// Liveness and queue defaults.
const (
	DefaultHeartbeatTimeout = 90 * time.Second
	heartbeatSweepInterval  = 30 * time.Second
	pendingQueueSize        = 1000
)

// Options tune the orchestrator loops. Zero values select the defaults.
type Options struct {
	CleanupInterval  time.Duration
	TaskMaxAge       time.Duration
	HeartbeatTimeout time.Duration
}

// agentState is the orchestrator's view of one registered agent.
type agentState struct {
	identity      protocol.AgentIdentity
	lastHeartbeat time.Time
	load          float64
	activeTasks   int
	status        string
}

// Orchestrator is the coordination core of a gateway.
type Orchestrator struct {
	gatewayID string
	self      protocol.AgentIdentity

	router   *router.Router
	roles    *roles.Manager
	tracker  *tracker.Tracker
	security *security.Manager
	bus      bus.EventBus

	agents  map[string]*agentState // by agent instance id
	pending *pendingQueue
	opts    Options

	cancel       context.CancelFunc
	wg           sync.WaitGroup
	unsubscribes []func()
	mu           sync.RWMutex
	logger       *logger.Logger
}

// New wires an orchestrator over its collaborators and installs the
// router gate and the built-in payload handlers.
func New(rt *router.Router, rm *roles.Manager, wt *tracker.Tracker, sm *security.Manager, eb bus.EventBus, opts Options, log *logger.Logger) *Orchestrator {
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if opts.TaskMaxAge <= 0 {
		opts.TaskMaxAge = tracker.DefaultCleanupMaxAge
	}

	o := &Orchestrator{
		gatewayID: rt.GatewayID(),
		self:      protocol.OrchestratorIdentity(rt.GatewayID()),
		router:    rt,
		roles:     rm,
		tracker:   wt,
		security:  sm,
		bus:       eb,
		agents:    make(map[string]*agentState),
		pending:   newPendingQueue(pendingQueueSize),
		opts:      opts,
		logger:    log.WithFields(zap.String("component", "orchestrator")),
	}

	// The orchestrator's own broadcasts must pass the security gate.
	sm.SetPolicy(security.Policy{
		AgentID: protocol.OrchestratorConfigID,
		Permissions: []security.Permission{
			security.PermTaskAssign, security.PermTaskCancel,
			security.PermRoleAssign, security.PermRoleManage,
			security.PermAgentRegister, security.PermAgentUnregister,
			security.PermWorkflowCreate, security.PermWorkflowAbort,
			security.PermConfigRead, security.PermConfigWrite,
			security.PermReportRead, security.PermReportExport,
		},
		MaxConcurrentTasks:   0,
		MaxMessagesPerMinute: 100_000,
		AllowCrossGateway:    true,
	})

	rt.SetGate(func(msg *protocol.Message) bool {
		decision := sm.AuthorizeMessage(msg)
		if !decision.Allowed {
			o.publishEvent(context.Background(), "security.denied", map[string]any{
				"agentId":   msg.Envelope.From.AgentConfigID,
				"messageId": msg.Envelope.MessageID,
				"reason":    decision.Reason,
			})
		}
		return decision.Allowed
	})

	o.subscribeHandlers()
	return o
}

// Start launches the background cleanup and liveness loops.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()

	if o.opts.CleanupInterval > 0 {
		o.wg.Add(1)
		go o.cleanupLoop(ctx)
	}
	o.wg.Add(1)
	go o.livenessLoop(ctx)

	o.logger.Info("orchestrator started", zap.String("gateway_id", o.gatewayID))
}

// Stop announces the departure of this gateway's agents, cancels the
// background loops, and removes the router subscriptions.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	cancel := o.cancel
	o.cancel = nil
	unsubs := o.unsubscribes
	o.unsubscribes = nil
	var local []protocol.AgentIdentity
	if unsubs != nil {
		for _, state := range o.agents {
			if state.identity.GatewayID == o.gatewayID {
				local = append(local, state.identity)
			}
		}
	}
	o.mu.Unlock()

	for _, agent := range local {
		o.announce(context.Background(), protocol.DiscoveryLeave, agent)
	}

	if cancel != nil {
		cancel()
	}
	o.wg.Wait()
	for _, unsub := range unsubs {
		unsub()
	}
	o.logger.Info("orchestrator stopped")
}

// Roles exposes the role manager to the API layer.
func (o *Orchestrator) Roles() *roles.Manager { return o.roles }

// Tracker exposes the work tracker to the API layer.
func (o *Orchestrator) Tracker() *tracker.Tracker { return o.tracker }

// Security exposes the security manager to the API layer.
func (o *Orchestrator) Security() *security.Manager { return o.security }

// Router exposes the router to the transport layer.
func (o *Orchestrator) Router() *router.Router { return o.router }

// Identity returns the fixed orchestrator sender identity.
func (o *Orchestrator) Identity() protocol.AgentIdentity { return o.self }

// RegisterAgent admits an agent to this gateway, optionally assigning a
// role, and announces the join to the mesh.
func (o *Orchestrator) RegisterAgent(ctx context.Context, agent protocol.AgentIdentity, roleID string) (*roles.Assignment, error) {
	if agent.AgentInstanceID == "" {
		agent.AgentInstanceID = uuid.New().String()
	}
	if agent.GatewayID == "" {
		agent.GatewayID = o.gatewayID
	}

	var assignment *roles.Assignment
	if roleID != "" {
		assignment = o.roles.AssignRole(agent, roleID, protocol.OrchestratorConfigID)
		if assignment == nil {
			if _, ok := o.roles.GetRole(roleID); !ok {
				return nil, errors.NotFound("role", roleID)
			}
			return nil, errors.Conflict(fmt.Sprintf("role %s is at its concurrency limit", roleID))
		}
		agent.RoleID = roleID
	}

	o.mu.Lock()
	o.agents[agent.AgentInstanceID] = &agentState{
		identity:      agent,
		lastHeartbeat: time.Now().UTC(),
	}
	o.mu.Unlock()

	o.router.RegisterLocalAgent(agent)
	o.announce(ctx, protocol.DiscoveryJoin, agent)
	o.publishEvent(ctx, "agent.joined", map[string]any{
		"agentInstanceId": agent.AgentInstanceID,
		"agentConfigId":   agent.AgentConfigID,
		"roleId":          agent.RoleID,
	})

	o.logger.Info("agent registered",
		zap.String("agent_instance_id", agent.AgentInstanceID),
		zap.String("agent_config_id", agent.AgentConfigID),
		zap.String("role_id", agent.RoleID),
	)

	// A new agent may unblock queued work.
	o.drainPending(ctx)
	return assignment, nil
}

// UnregisterAgent removes an agent, releases its role, and returns its
// unfinished tasks to the pending queue.
func (o *Orchestrator) UnregisterAgent(ctx context.Context, instanceID string) error {
	o.mu.Lock()
	state, ok := o.agents[instanceID]
	if ok {
		delete(o.agents, instanceID)
	}
	o.mu.Unlock()

	if !ok {
		return errors.NotFound("agent", instanceID)
	}

	o.roles.UnassignRole(instanceID)
	o.router.UnregisterLocalAgent(instanceID)
	o.requeueAgentTasks(ctx, instanceID, "agent unregistered")

	o.announce(ctx, protocol.DiscoveryLeave, state.identity)
	o.publishEvent(ctx, "agent.left", map[string]any{
		"agentInstanceId": instanceID,
		"agentConfigId":   state.identity.AgentConfigID,
	})

	o.logger.Info("agent unregistered", zap.String("agent_instance_id", instanceID))
	return nil
}

// Agents returns a snapshot of the registered agents.
func (o *Orchestrator) Agents() []protocol.AgentIdentity {
	o.mu.RLock()
	defer o.mu.RUnlock()

	result := make([]protocol.AgentIdentity, 0, len(o.agents))
	for _, state := range o.agents {
		result = append(result, state.identity)
	}
	return result
}

// QueuedTasks returns the tasks currently waiting for an agent.
func (o *Orchestrator) QueuedTasks() []*QueuedTask {
	return o.pending.list()
}

// SubmitOptions describe a task submission.
type SubmitOptions struct {
	Task                  string
	TargetRoleID          string
	TargetAgentInstanceID string
	Priority              *int
	MaxRetries            *int
	WorkflowStepID        string
	WorkflowPlanID        string
	Deadline              *time.Time
	Tags                  []string
	RequestedBy           *protocol.AgentIdentity
}

// SubmitTask creates a tracked task and dispatches it to the best
// eligible agent, or queues it when none is available.
func (o *Orchestrator) SubmitTask(ctx context.Context, opts SubmitOptions) (*tracker.Task, error) {
	if opts.Task == "" {
		return nil, errors.BadRequest("task description is required")
	}
	if opts.TargetRoleID != "" {
		if _, ok := o.roles.GetRole(opts.TargetRoleID); !ok {
			return nil, errors.NotFound("role", opts.TargetRoleID)
		}
	}

	task := o.tracker.CreateTask(tracker.CreateOptions{
		Task:           opts.Task,
		Priority:       opts.Priority,
		MaxRetries:     opts.MaxRetries,
		RequestedBy:    opts.RequestedBy,
		WorkflowStepID: opts.WorkflowStepID,
		WorkflowPlanID: opts.WorkflowPlanID,
		Deadline:       opts.Deadline,
		Tags:           opts.Tags,
	})

	ctx, span := tracing.TraceSubmitTask(ctx, task.TaskID, opts.TargetRoleID)
	defer span.End()

	o.publishEvent(ctx, "task.created", map[string]any{
		"taskId":   task.TaskID,
		"roleId":   opts.TargetRoleID,
		"priority": task.Priority,
	})

	// A missing or not-yet-registered target is not an error: the task
	// waits on the queue until a matching agent appears.
	var target *protocol.AgentIdentity
	if opts.TargetAgentInstanceID != "" {
		o.mu.RLock()
		state, ok := o.agents[opts.TargetAgentInstanceID]
		o.mu.RUnlock()
		if ok {
			identity := state.identity
			target = &identity
		}
	}
	if target == nil {
		target = o.selectAgent(opts.TargetRoleID)
	}

	if target == nil {
		if err := o.pending.enqueue(task.TaskID, opts.TargetRoleID, task.Priority); err != nil {
			return nil, errors.Conflict(err.Error())
		}
		o.logger.Info("task queued, no eligible agent",
			zap.String("task_id", task.TaskID),
			zap.String("role_id", opts.TargetRoleID),
		)
		updated, _ := o.tracker.GetTask(task.TaskID)
		return updated, nil
	}

	if err := o.dispatch(ctx, task.TaskID, *target); err != nil {
		return nil, err
	}
	updated, _ := o.tracker.GetTask(task.TaskID)
	return updated, nil
}

// RetryTask manually returns a failed or timed-out task to dispatch.
func (o *Orchestrator) RetryTask(ctx context.Context, taskID string) (*tracker.Task, error) {
	if _, ok := o.tracker.GetTask(taskID); !ok {
		return nil, errors.NotFound("task", taskID)
	}

	roleID := ""
	if task, _ := o.tracker.GetTask(taskID); task.AssignedTo != nil {
		roleID = task.AssignedTo.RoleID
	}
	if !o.tracker.RetryTask(taskID) {
		return nil, errors.Conflict(fmt.Sprintf("task %s is not retryable", taskID))
	}

	task, _ := o.tracker.GetTask(taskID)
	if target := o.selectAgent(roleID); target != nil {
		if err := o.dispatch(ctx, taskID, *target); err == nil {
			task, _ = o.tracker.GetTask(taskID)
			return task, nil
		}
	}
	if err := o.pending.enqueue(taskID, roleID, task.Priority); err != nil {
		return nil, errors.Conflict(err.Error())
	}
	return task, nil
}

// CancelTask cancels a tracked task and withdraws it from the queue.
func (o *Orchestrator) CancelTask(ctx context.Context, taskID string) error {
	if !o.tracker.CancelTask(taskID) {
		return errors.Conflict(fmt.Sprintf("task %s cannot be cancelled", taskID))
	}
	o.pending.remove(taskID)
	o.publishEvent(ctx, "task.cancelled", map[string]any{"taskId": taskID})
	return nil
}

// dispatch assigns the task, marks it in-progress, and sends a signed
// task.assign to the agent.
func (o *Orchestrator) dispatch(ctx context.Context, taskID string, agent protocol.AgentIdentity) error {
	if !o.tracker.AssignTask(taskID, agent) {
		return errors.Conflict(fmt.Sprintf("task %s is not assignable", taskID))
	}
	o.tracker.StartTask(taskID)

	task, _ := o.tracker.GetTask(taskID)
	payload := protocol.NewTaskAssign(task.TaskID, task.Task)
	payload.Priority = task.Priority
	payload.WorkflowStepID = task.WorkflowStepID
	payload.WorkflowPlanID = task.WorkflowPlanID
	payload.Tags = task.Tags
	if task.Deadline != nil {
		payload.Deadline = task.Deadline.Format(time.RFC3339)
	}

	o.router.Send(ctx, o.self, &agent, payload, &router.SendOptions{
		CorrelationID: task.CorrelationID,
		Signer:        o.security.SignMessage,
	})

	o.mu.Lock()
	if state, ok := o.agents[agent.AgentInstanceID]; ok {
		state.activeTasks++
	}
	o.mu.Unlock()

	o.publishEvent(ctx, "task.assigned", map[string]any{
		"taskId":          taskID,
		"agentInstanceId": agent.AgentInstanceID,
	})
	return nil
}

// drainPending retries dispatch for queued tasks. Tasks that still have
// no eligible agent go back on the queue.
func (o *Orchestrator) drainPending(ctx context.Context) {
	var requeue []*QueuedTask
	for {
		qt := o.pending.dequeue()
		if qt == nil {
			break
		}
		target := o.selectAgent(qt.TargetRoleID)
		if target == nil {
			requeue = append(requeue, qt)
			continue
		}
		if err := o.dispatch(ctx, qt.TaskID, *target); err != nil {
			o.logger.Warn("failed to dispatch queued task",
				zap.String("task_id", qt.TaskID),
				zap.Error(err),
			)
		}
	}
	for _, qt := range requeue {
		if err := o.pending.enqueue(qt.TaskID, qt.TargetRoleID, qt.Priority); err != nil {
			o.logger.Warn("failed to requeue task",
				zap.String("task_id", qt.TaskID),
				zap.Error(err),
			)
		}
	}
}

// requeueAgentTasks fails an agent's unfinished tasks and retries them
// where budget remains.
func (o *Orchestrator) requeueAgentTasks(ctx context.Context, instanceID, reason string) {
	for _, status := range []tracker.Status{tracker.StatusAssigned, tracker.StatusInProgress} {
		for _, task := range o.tracker.ListTasks(tracker.Filter{AssignedTo: instanceID, Status: status}) {
			o.tracker.CompleteTask(task.TaskID, tracker.Result{
				Status: protocol.ResultFailure,
				Error:  reason,
			})
			o.retryOrSettle(ctx, task.TaskID, "")
		}
	}
}

// retryOrSettle returns a failed task to the queue when retries remain,
// otherwise leaves it settled.
func (o *Orchestrator) retryOrSettle(ctx context.Context, taskID, targetRoleID string) {
	// The retry clears the assignee, so capture its role first.
	roleID := targetRoleID
	if roleID == "" {
		if task, ok := o.tracker.GetTask(taskID); ok && task.AssignedTo != nil {
			roleID = task.AssignedTo.RoleID
		}
	}

	if !o.tracker.RetryTask(taskID) {
		return
	}
	task, ok := o.tracker.GetTask(taskID)
	if !ok {
		return
	}

	if target := o.selectAgent(roleID); target != nil {
		if err := o.dispatch(ctx, taskID, *target); err == nil {
			return
		}
	}
	if err := o.pending.enqueue(taskID, roleID, task.Priority); err != nil {
		o.logger.Warn("failed to queue retried task",
			zap.String("task_id", taskID),
			zap.Error(err),
		)
	}
}

// announce broadcasts an agent.discovery payload from the orchestrator.
func (o *Orchestrator) announce(ctx context.Context, action string, agent protocol.AgentIdentity) {
	o.router.Send(ctx, o.self, nil, protocol.NewDiscovery(action, agent), &router.SendOptions{
		Signer: o.security.SignMessage,
	})
}

// cleanupLoop periodically purges settled tasks past the retention window.
func (o *Orchestrator) cleanupLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.tracker.Cleanup(o.opts.TaskMaxAge)
		}
	}
}

// livenessLoop evicts agents whose heartbeats have lapsed.
func (o *Orchestrator) livenessLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(heartbeatSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.evictStaleAgents(ctx)
		}
	}
}

func (o *Orchestrator) evictStaleAgents(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-o.opts.HeartbeatTimeout)

	o.mu.RLock()
	var stale []string
	for id, state := range o.agents {
		if state.lastHeartbeat.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	o.mu.RUnlock()

	for _, id := range stale {
		o.logger.Warn("evicting agent, heartbeat lapsed", zap.String("agent_instance_id", id))
		if err := o.UnregisterAgent(ctx, id); err != nil {
			o.logger.Warn("failed to evict agent", zap.String("agent_instance_id", id), zap.Error(err))
		}
	}
}
