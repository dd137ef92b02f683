package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/meshgate/meshgate/internal/router"
	"github.com/meshgate/meshgate/internal/tracker"
	"github.com/meshgate/meshgate/pkg/protocol"
)

// subscribeHandlers installs the orchestrator's router subscriptions for
// the payload types it reacts to.
func (o *Orchestrator) subscribeHandlers() {
	o.unsubscribes = append(o.unsubscribes,
		o.router.Subscribe(router.SubscriptionFilter{PayloadType: protocol.TypeHeartbeat}, o.handleHeartbeat),
		o.router.Subscribe(router.SubscriptionFilter{PayloadType: protocol.TypeTaskProgress}, o.handleTaskProgress),
		o.router.Subscribe(router.SubscriptionFilter{PayloadType: protocol.TypeTaskResult}, o.handleTaskResult),
		o.router.Subscribe(router.SubscriptionFilter{PayloadType: protocol.TypeAgentDiscovery}, o.handleDiscovery),
	)
}

// handleHeartbeat refreshes the sender's liveness and load figures. A
// heartbeat from an agent that never registered still creates an entry;
// the liveness sweep bounds the map when the sender goes quiet.
func (o *Orchestrator) handleHeartbeat(ctx context.Context, msg *protocol.Message) error {
	hb, ok := msg.Payload.(*protocol.HeartbeatPayload)
	if !ok || msg.Envelope.From.AgentInstanceID == "" {
		return nil
	}

	o.mu.Lock()
	state, known := o.agents[msg.Envelope.From.AgentInstanceID]
	if !known {
		state = &agentState{identity: msg.Envelope.From}
		o.agents[msg.Envelope.From.AgentInstanceID] = state
	}
	state.lastHeartbeat = time.Now().UTC()
	state.load = hb.Load
	state.activeTasks = hb.ActiveTasks
	state.status = hb.Status
	o.mu.Unlock()

	if !known {
		o.logger.Debug("tracking agent from heartbeat",
			zap.String("agent_instance_id", msg.Envelope.From.AgentInstanceID))
	}

	// Fresh capacity may unblock queued work.
	o.drainPending(ctx)
	return nil
}

// handleTaskProgress records progress against the tracked task. Progress
// without a workflow step id cannot be correlated and is dropped.
func (o *Orchestrator) handleTaskProgress(ctx context.Context, msg *protocol.Message) error {
	progress, ok := msg.Payload.(*protocol.TaskProgressPayload)
	if !ok || progress.WorkflowStepID == "" {
		return nil
	}

	taskID, ok := o.tracker.TaskIDForStep(progress.WorkflowStepID)
	if !ok {
		o.logger.Debug("progress for unknown step",
			zap.String("workflow_step_id", progress.WorkflowStepID))
		return nil
	}

	percent := progress.Percent
	o.tracker.UpdateProgress(taskID, &percent, progress.StatusLine)
	return nil
}

// handleTaskResult settles the tracked task and retries failures while
// budget remains. Results without a workflow step id are dropped.
func (o *Orchestrator) handleTaskResult(ctx context.Context, msg *protocol.Message) error {
	result, ok := msg.Payload.(*protocol.TaskResultPayload)
	if !ok || result.WorkflowStepID == "" {
		return nil
	}

	taskID, ok := o.tracker.TaskIDForStep(result.WorkflowStepID)
	if !ok {
		o.logger.Debug("result for unknown step",
			zap.String("workflow_step_id", result.WorkflowStepID))
		return nil
	}

	if !o.tracker.CompleteTask(taskID, tracker.Result{
		Status: result.Status,
		Result: result.Result,
		Error:  result.Error,
	}) {
		return nil
	}

	o.mu.Lock()
	if state, known := o.agents[msg.Envelope.From.AgentInstanceID]; known && state.activeTasks > 0 {
		state.activeTasks--
	}
	o.mu.Unlock()

	task, _ := o.tracker.GetTask(taskID)
	o.publishEvent(ctx, "task."+string(task.Status), map[string]any{
		"taskId":       taskID,
		"resultStatus": result.Status,
	})

	switch task.Status {
	case tracker.StatusFailed, tracker.StatusTimeout:
		o.retryOrSettle(ctx, taskID, msg.Envelope.From.RoleID)
	}
	return nil
}

// handleDiscovery tracks mesh membership announced by peer gateways.
// Local joins are handled by RegisterAgent directly, so announcements for
// this gateway's own agents are ignored.
func (o *Orchestrator) handleDiscovery(ctx context.Context, msg *protocol.Message) error {
	discovery, ok := msg.Payload.(*protocol.AgentDiscoveryPayload)
	if !ok || discovery.Agent.GatewayID == o.gatewayID {
		return nil
	}

	agent := discovery.Agent
	switch discovery.Action {
	case protocol.DiscoveryJoin, protocol.DiscoveryAnnounce:
		o.mu.Lock()
		o.agents[agent.AgentInstanceID] = &agentState{
			identity:      agent,
			lastHeartbeat: time.Now().UTC(),
		}
		o.mu.Unlock()

		if agent.RoleID != "" {
			if o.roles.AssignRole(agent, agent.RoleID, msg.Envelope.From.AgentConfigID) == nil {
				o.logger.Warn("could not mirror remote role assignment",
					zap.String("agent_instance_id", agent.AgentInstanceID),
					zap.String("role_id", agent.RoleID),
				)
			}
		}
		o.publishEvent(ctx, "agent.joined", map[string]any{
			"agentInstanceId": agent.AgentInstanceID,
			"agentConfigId":   agent.AgentConfigID,
			"gatewayId":       agent.GatewayID,
			"roleId":          agent.RoleID,
		})
		o.logger.Info("remote agent discovered",
			zap.String("agent_instance_id", agent.AgentInstanceID),
			zap.String("gateway_id", agent.GatewayID),
		)
		o.drainPending(ctx)

	case protocol.DiscoveryLeave:
		o.mu.Lock()
		delete(o.agents, agent.AgentInstanceID)
		o.mu.Unlock()
		o.roles.UnassignRole(agent.AgentInstanceID)
		o.publishEvent(ctx, "agent.left", map[string]any{
			"agentInstanceId": agent.AgentInstanceID,
			"agentConfigId":   agent.AgentConfigID,
			"gatewayId":       agent.GatewayID,
		})
	}
	return nil
}
