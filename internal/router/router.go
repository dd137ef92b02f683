// Package router delivers multi-agent messages to interested local
// subscribers and forwards them to connected peer gateways. Routing never
// fails from the caller's perspective: invalid or duplicate messages are
// dropped with a debug log.
package router

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshgate/meshgate/internal/common/logger"
	"github.com/meshgate/meshgate/internal/common/tracing"
	"github.com/meshgate/meshgate/pkg/protocol"
)

// Handler processes a routed message. Returned errors are logged, never
// propagated: one bad handler must not block the others.
type Handler func(ctx context.Context, msg *protocol.Message) error

// SubscriptionFilter narrows which messages a handler receives.
// Zero-valued fields match all.
type SubscriptionFilter struct {
	PayloadType       string
	FromAgentConfigID string
	FromRoleID        string
}

// Gate authorizes a message before local delivery. A nil gate admits all.
type Gate func(msg *protocol.Message) bool

type subscription struct {
	id      uint64
	filter  SubscriptionFilter
	handler Handler
}

// SendOptions tune envelope construction in Send.
type SendOptions struct {
	CorrelationID string
	TTLSeconds    int
	Direction     protocol.Direction // overrides the to-based default
	// Signer, when set, computes the envelope signature before routing.
	Signer func(envelope *protocol.Envelope, payload protocol.Payload) (string, error)
}

// Router dispatches messages between local subscribers and peer gateways.
type Router struct {
	gatewayID   string
	localAgents map[string]protocol.AgentIdentity
	peers       map[string]*Peer
	subs        []*subscription
	nextSubID   uint64
	seen        *dedupSet
	sender      PeerSender
	gate        Gate
	mu          sync.RWMutex
	logger      *logger.Logger
}

// NewRouter creates a router for the given local gateway id.
func NewRouter(gatewayID string, log *logger.Logger) *Router {
	return &Router{
		gatewayID:   gatewayID,
		localAgents: make(map[string]protocol.AgentIdentity),
		peers:       make(map[string]*Peer),
		seen:        newDedupSet(dedupCapacity),
		sender:      func(context.Context, Peer, *protocol.Message) error { return nil },
		logger:      log.WithFields(zap.String("component", "router")),
	}
}

// GatewayID returns the local gateway id.
func (r *Router) GatewayID() string {
	return r.gatewayID
}

// SetGate installs the authorization gate applied to every routed message.
func (r *Router) SetGate(gate Gate) {
	r.mu.Lock()
	r.gate = gate
	r.mu.Unlock()
}

// RegisterLocalAgent records an agent hosted on this gateway.
func (r *Router) RegisterLocalAgent(agent protocol.AgentIdentity) {
	r.mu.Lock()
	r.localAgents[agent.AgentInstanceID] = agent
	r.mu.Unlock()

	r.logger.Debug("local agent registered",
		zap.String("agent_instance_id", agent.AgentInstanceID),
		zap.String("agent_config_id", agent.AgentConfigID),
	)
}

// UnregisterLocalAgent removes an agent from the local map.
func (r *Router) UnregisterLocalAgent(instanceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.localAgents[instanceID]; !ok {
		return false
	}
	delete(r.localAgents, instanceID)
	return true
}

// LocalAgent returns a locally registered agent by instance id.
func (r *Router) LocalAgent(instanceID string) (protocol.AgentIdentity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.localAgents[instanceID]
	return agent, ok
}

// LocalAgents returns all locally registered agents.
func (r *Router) LocalAgents() []protocol.AgentIdentity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]protocol.AgentIdentity, 0, len(r.localAgents))
	for _, a := range r.localAgents {
		result = append(result, a)
	}
	return result
}

// Subscribe registers a filtered handler and returns its unsubscribe
// function. Handlers fire in subscription order.
func (r *Router) Subscribe(filter SubscriptionFilter, handler Handler) func() {
	r.mu.Lock()
	r.nextSubID++
	sub := &subscription{id: r.nextSubID, filter: filter, handler: handler}
	r.subs = append(r.subs, sub)
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, s := range r.subs {
			if s.id == sub.id {
				r.subs = append(r.subs[:i], r.subs[i+1:]...)
				return
			}
		}
	}
}

// Send constructs an envelope for the payload and routes it immediately.
// The direction defaults to request when a recipient is present and
// broadcast otherwise. The built envelope is returned.
func (r *Router) Send(ctx context.Context, from protocol.AgentIdentity, to *protocol.AgentIdentity, payload protocol.Payload, opts *SendOptions) protocol.Envelope {
	direction := protocol.DirectionBroadcast
	if to != nil {
		direction = protocol.DirectionRequest
	}

	correlationID := ""
	if opts != nil {
		correlationID = opts.CorrelationID
		if opts.Direction != "" {
			direction = opts.Direction
		}
	}

	envelope := protocol.NewEnvelope(from, to, direction, correlationID)
	if opts != nil {
		if opts.TTLSeconds > 0 {
			envelope.TTLSeconds = opts.TTLSeconds
		}
		if opts.Signer != nil {
			sig, err := opts.Signer(&envelope, payload)
			if err != nil {
				r.logger.Warn("failed to sign message", zap.Error(err))
			} else {
				envelope.Signature = sig
			}
		}
	}

	msg := &protocol.Message{Envelope: envelope, Payload: payload}
	r.Route(ctx, msg)
	return envelope
}

// Route is the entry point for both locally originated and peer-received
// messages. Duplicates, expired envelopes, over-hopped envelopes, and
// messages rejected by the gate are dropped silently.
func (r *Router) Route(ctx context.Context, msg *protocol.Message) {
	ctx, span := tracing.TraceRoute(ctx, msg.Envelope.MessageID, msg.Payload.PayloadType())
	defer span.End()

	r.mu.Lock()
	fresh := r.seen.observe(msg.Envelope.MessageID)
	r.mu.Unlock()
	if !fresh {
		r.logger.Debug("dropped duplicate message", zap.String("message_id", msg.Envelope.MessageID))
		return
	}

	if msg.Envelope.Expired(time.Now().UTC()) {
		r.logger.Debug("dropped expired message",
			zap.String("message_id", msg.Envelope.MessageID),
			zap.Int("ttl_seconds", msg.Envelope.TTLSeconds),
		)
		return
	}

	if msg.Envelope.HopCount >= protocol.HopForwardLimit {
		r.logger.Debug("dropped over-hopped message",
			zap.String("message_id", msg.Envelope.MessageID),
			zap.Int("hop_count", msg.Envelope.HopCount),
		)
		return
	}

	r.mu.RLock()
	gate := r.gate
	r.mu.RUnlock()
	if gate != nil && !gate(msg) {
		r.logger.Debug("message rejected by gate", zap.String("message_id", msg.Envelope.MessageID))
		return
	}

	isBroadcast := msg.Envelope.Direction == protocol.DirectionBroadcast
	isLocal := msg.Envelope.To == nil || msg.Envelope.To.GatewayID == r.gatewayID
	isRemote := msg.Envelope.To != nil && msg.Envelope.To.GatewayID != r.gatewayID

	if isLocal || isBroadcast {
		r.deliverLocal(ctx, msg)
	}
	if isRemote || isBroadcast {
		r.forwardToPeers(ctx, msg)
	}
}

// deliverLocal dispatches the message to every matching subscription.
// Handler panics and errors are contained per handler.
func (r *Router) deliverLocal(ctx context.Context, msg *protocol.Message) {
	r.mu.RLock()
	subs := make([]*subscription, len(r.subs))
	copy(subs, r.subs)
	r.mu.RUnlock()

	for _, sub := range subs {
		if !sub.filter.matches(msg) {
			continue
		}
		r.invoke(ctx, sub, msg)
	}
}

func (r *Router) invoke(ctx context.Context, sub *subscription, msg *protocol.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("subscriber panicked",
				zap.Uint64("subscription_id", sub.id),
				zap.String("payload_type", msg.Payload.PayloadType()),
				zap.Any("panic", rec),
			)
		}
	}()
	if err := sub.handler(ctx, msg); err != nil {
		r.logger.Error("subscriber returned error",
			zap.Uint64("subscription_id", sub.id),
			zap.String("payload_type", msg.Payload.PayloadType()),
			zap.Error(err),
		)
	}
}

func (f SubscriptionFilter) matches(msg *protocol.Message) bool {
	if f.PayloadType != "" && msg.Payload.PayloadType() != f.PayloadType {
		return false
	}
	if f.FromAgentConfigID != "" && msg.Envelope.From.AgentConfigID != f.FromAgentConfigID {
		return false
	}
	if f.FromRoleID != "" && msg.Envelope.From.RoleID != f.FromRoleID {
		return false
	}
	return true
}
