package router

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/meshgate/meshgate/internal/common/logger"
	"github.com/meshgate/meshgate/pkg/protocol"
)

func testAgent(instance, config, gateway, role string) protocol.AgentIdentity {
	return protocol.AgentIdentity{
		AgentInstanceID: instance,
		AgentConfigID:   config,
		GatewayID:       gateway,
		RoleID:          role,
	}
}

func testMessage(from protocol.AgentIdentity, to *protocol.AgentIdentity, payload protocol.Payload) *protocol.Message {
	direction := protocol.DirectionBroadcast
	if to != nil {
		direction = protocol.DirectionRequest
	}
	return &protocol.Message{
		Envelope: protocol.NewEnvelope(from, to, direction, ""),
		Payload:  payload,
	}
}

func TestRouteDeliversToSubscriber(t *testing.T) {
	r := NewRouter("gw-1", logger.Default())

	received := make(chan *protocol.Message, 1)
	r.Subscribe(SubscriptionFilter{}, func(ctx context.Context, msg *protocol.Message) error {
		received <- msg
		return nil
	})

	msg := testMessage(testAgent("a1", "coder-a", "gw-1", "coder"), nil, protocol.NewHeartbeat(0.5))
	r.Route(context.Background(), msg)

	select {
	case got := <-received:
		if got.Envelope.MessageID != msg.Envelope.MessageID {
			t.Errorf("expected message %s, got %s", msg.Envelope.MessageID, got.Envelope.MessageID)
		}
	default:
		t.Fatal("subscriber did not receive message")
	}
}

func TestRouteDropsDuplicates(t *testing.T) {
	r := NewRouter("gw-1", logger.Default())

	var count atomic.Int64
	r.Subscribe(SubscriptionFilter{}, func(ctx context.Context, msg *protocol.Message) error {
		count.Add(1)
		return nil
	})

	msg := testMessage(testAgent("a1", "coder-a", "gw-1", "coder"), nil, protocol.NewHeartbeat(0.1))
	r.Route(context.Background(), msg)
	r.Route(context.Background(), msg)

	if got := count.Load(); got != 1 {
		t.Errorf("expected 1 delivery, got %d", got)
	}
}

func TestRouteDropsExpired(t *testing.T) {
	r := NewRouter("gw-1", logger.Default())

	var count atomic.Int64
	r.Subscribe(SubscriptionFilter{}, func(ctx context.Context, msg *protocol.Message) error {
		count.Add(1)
		return nil
	})

	msg := testMessage(testAgent("a1", "coder-a", "gw-1", "coder"), nil, protocol.NewHeartbeat(0.1))
	msg.Envelope.TTLSeconds = 1
	msg.Envelope.Timestamp = time.Now().UTC().Add(-5 * time.Second)
	r.Route(context.Background(), msg)

	if got := count.Load(); got != 0 {
		t.Errorf("expected expired message to be dropped, got %d deliveries", got)
	}
}

func TestRouteDropsOverHopped(t *testing.T) {
	r := NewRouter("gw-1", logger.Default())

	var count atomic.Int64
	r.Subscribe(SubscriptionFilter{}, func(ctx context.Context, msg *protocol.Message) error {
		count.Add(1)
		return nil
	})

	msg := testMessage(testAgent("a1", "coder-a", "gw-1", "coder"), nil, protocol.NewHeartbeat(0.1))
	msg.Envelope.HopCount = protocol.HopForwardLimit
	r.Route(context.Background(), msg)

	if got := count.Load(); got != 0 {
		t.Errorf("expected over-hopped message to be dropped, got %d deliveries", got)
	}
}

func TestSubscriptionFilters(t *testing.T) {
	r := NewRouter("gw-1", logger.Default())

	var heartbeats, fromCoder atomic.Int64
	r.Subscribe(SubscriptionFilter{PayloadType: protocol.TypeHeartbeat}, func(ctx context.Context, msg *protocol.Message) error {
		heartbeats.Add(1)
		return nil
	})
	r.Subscribe(SubscriptionFilter{FromRoleID: "coder"}, func(ctx context.Context, msg *protocol.Message) error {
		fromCoder.Add(1)
		return nil
	})

	r.Route(context.Background(), testMessage(testAgent("a1", "coder-a", "gw-1", "coder"), nil, protocol.NewHeartbeat(0.1)))
	r.Route(context.Background(), testMessage(testAgent("a2", "reviewer-a", "gw-1", "reviewer"), nil, &protocol.TaskProgressPayload{
		Type:    protocol.TypeTaskProgress,
		Percent: 50,
	}))

	if got := heartbeats.Load(); got != 1 {
		t.Errorf("expected 1 heartbeat delivery, got %d", got)
	}
	if got := fromCoder.Load(); got != 1 {
		t.Errorf("expected 1 coder delivery, got %d", got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	r := NewRouter("gw-1", logger.Default())

	var count atomic.Int64
	unsubscribe := r.Subscribe(SubscriptionFilter{}, func(ctx context.Context, msg *protocol.Message) error {
		count.Add(1)
		return nil
	})

	r.Route(context.Background(), testMessage(testAgent("a1", "coder-a", "gw-1", "coder"), nil, protocol.NewHeartbeat(0.1)))
	unsubscribe()
	r.Route(context.Background(), testMessage(testAgent("a1", "coder-a", "gw-1", "coder"), nil, protocol.NewHeartbeat(0.2)))

	if got := count.Load(); got != 1 {
		t.Errorf("expected 1 delivery after unsubscribe, got %d", got)
	}
}

func TestGateBlocksDelivery(t *testing.T) {
	r := NewRouter("gw-1", logger.Default())
	r.SetGate(func(msg *protocol.Message) bool {
		return msg.Envelope.From.RoleID != "coder"
	})

	var count atomic.Int64
	r.Subscribe(SubscriptionFilter{}, func(ctx context.Context, msg *protocol.Message) error {
		count.Add(1)
		return nil
	})

	r.Route(context.Background(), testMessage(testAgent("a1", "coder-a", "gw-1", "coder"), nil, protocol.NewHeartbeat(0.1)))
	r.Route(context.Background(), testMessage(testAgent("a2", "monitor-a", "gw-1", "monitor"), nil, protocol.NewHeartbeat(0.2)))

	if got := count.Load(); got != 1 {
		t.Errorf("expected gate to block coder message, got %d deliveries", got)
	}
}

func TestSubscriberPanicIsContained(t *testing.T) {
	r := NewRouter("gw-1", logger.Default())

	var after atomic.Int64
	r.Subscribe(SubscriptionFilter{}, func(ctx context.Context, msg *protocol.Message) error {
		panic("boom")
	})
	r.Subscribe(SubscriptionFilter{}, func(ctx context.Context, msg *protocol.Message) error {
		after.Add(1)
		return nil
	})

	r.Route(context.Background(), testMessage(testAgent("a1", "coder-a", "gw-1", "coder"), nil, protocol.NewHeartbeat(0.1)))

	if got := after.Load(); got != 1 {
		t.Errorf("expected delivery to continue past panicking subscriber, got %d", got)
	}
}

func TestTargetedRemoteForwarding(t *testing.T) {
	r := NewRouter("gw-1", logger.Default())
	r.RegisterPeer("gw-2", "ws://gw2.local/mesh")
	r.RegisterPeer("gw-3", "ws://gw3.local/mesh")
	r.SetPeerStatus("gw-2", PeerConnected)
	r.SetPeerStatus("gw-3", PeerConnected)

	forwarded := make(chan Peer, 2)
	hops := make(chan int, 2)
	r.SetPeerSender(func(ctx context.Context, peer Peer, msg *protocol.Message) error {
		forwarded <- peer
		hops <- msg.Envelope.HopCount
		return nil
	})

	var local atomic.Int64
	r.Subscribe(SubscriptionFilter{}, func(ctx context.Context, msg *protocol.Message) error {
		local.Add(1)
		return nil
	})

	to := testAgent("b1", "reviewer-b", "gw-2", "reviewer")
	r.Route(context.Background(), testMessage(testAgent("a1", "coder-a", "gw-1", "coder"), &to, protocol.NewTaskAssign("t-1", "review the change")))

	select {
	case peer := <-forwarded:
		if peer.GatewayID != "gw-2" {
			t.Errorf("expected forward to gw-2, got %s", peer.GatewayID)
		}
	case <-time.After(time.Second):
		t.Fatal("message was not forwarded to peer")
	}
	if got := <-hops; got != 1 {
		t.Errorf("expected hop count 1 on forwarded copy, got %d", got)
	}
	if got := local.Load(); got != 0 {
		t.Errorf("expected no local delivery for remote target, got %d", got)
	}

	select {
	case peer := <-forwarded:
		t.Errorf("unexpected forward to %s", peer.GatewayID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcastFansOutToConnectedPeers(t *testing.T) {
	r := NewRouter("gw-1", logger.Default())
	r.RegisterPeer("gw-2", "ws://gw2.local/mesh")
	r.RegisterPeer("gw-3", "ws://gw3.local/mesh")
	r.SetPeerStatus("gw-2", PeerConnected)
	// gw-3 stays disconnected

	forwarded := make(chan Peer, 2)
	r.SetPeerSender(func(ctx context.Context, peer Peer, msg *protocol.Message) error {
		forwarded <- peer
		return nil
	})

	var local atomic.Int64
	r.Subscribe(SubscriptionFilter{}, func(ctx context.Context, msg *protocol.Message) error {
		local.Add(1)
		return nil
	})

	r.Route(context.Background(), testMessage(testAgent("a1", "coder-a", "gw-1", "coder"), nil, protocol.NewHeartbeat(0.3)))

	select {
	case peer := <-forwarded:
		if peer.GatewayID != "gw-2" {
			t.Errorf("expected forward to gw-2, got %s", peer.GatewayID)
		}
	case <-time.After(time.Second):
		t.Fatal("broadcast was not forwarded to connected peer")
	}
	select {
	case peer := <-forwarded:
		t.Errorf("unexpected forward to disconnected peer %s", peer.GatewayID)
	case <-time.After(50 * time.Millisecond):
	}
	if got := local.Load(); got != 1 {
		t.Errorf("expected 1 local delivery for broadcast, got %d", got)
	}
}

func TestSendBuildsEnvelope(t *testing.T) {
	r := NewRouter("gw-1", logger.Default())

	received := make(chan *protocol.Message, 1)
	r.Subscribe(SubscriptionFilter{}, func(ctx context.Context, msg *protocol.Message) error {
		received <- msg
		return nil
	})

	from := testAgent("a1", "coder-a", "gw-1", "coder")
	to := testAgent("a2", "reviewer-a", "gw-1", "reviewer")
	envelope := r.Send(context.Background(), from, &to, protocol.NewTaskAssign("t-1", "write tests"), nil)

	if envelope.Direction != protocol.DirectionRequest {
		t.Errorf("expected request direction for targeted send, got %s", envelope.Direction)
	}
	if envelope.ProtocolVersion != protocol.Version {
		t.Errorf("expected protocol version %s, got %s", protocol.Version, envelope.ProtocolVersion)
	}
	if err := envelope.Validate(); err != nil {
		t.Errorf("sent envelope failed validation: %v", err)
	}

	select {
	case got := <-received:
		if got.Envelope.MessageID != envelope.MessageID {
			t.Errorf("expected delivery of sent message")
		}
	default:
		t.Fatal("sent message was not delivered locally")
	}
}

func TestDedupSetEviction(t *testing.T) {
	d := newDedupSet(10)

	for i := 0; i < 10; i++ {
		d.observe(string(rune('a' + i)))
	}
	if d.size() != 10 {
		t.Fatalf("expected size 10, got %d", d.size())
	}

	// capacity reached: next insert evicts the oldest 20% first
	if !d.observe("new") {
		t.Fatal("expected fresh id to be observed")
	}
	if d.size() != 9 {
		t.Errorf("expected size 9 after eviction, got %d", d.size())
	}
	if d.observe("a") != true {
		t.Error("expected evicted id to be observable again")
	}
	if d.observe("new") {
		t.Error("expected retained id to stay deduplicated")
	}
}
