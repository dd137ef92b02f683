package router

import (
	"context"

	"go.uber.org/zap"

	"github.com/meshgate/meshgate/pkg/protocol"
)

// PeerStatus is the connection state of a peer gateway link.
type PeerStatus string

const (
	PeerConnected    PeerStatus = "connected"
	PeerConnecting   PeerStatus = "connecting"
	PeerDisconnected PeerStatus = "disconnected"
)

// Peer is a remote gateway the router can forward messages to.
type Peer struct {
	GatewayID string     `json:"gatewayId"`
	URL       string     `json:"url"`
	Status    PeerStatus `json:"status"`
}

// PeerSender pushes a message over the wire to one peer. The transport
// layer installs the real implementation; the default drops messages.
// Delivery is at-most-once: a failed send is logged, not retried.
type PeerSender func(ctx context.Context, peer Peer, msg *protocol.Message) error

// SetPeerSender installs the transport hook used for peer forwarding.
func (r *Router) SetPeerSender(sender PeerSender) {
	if sender == nil {
		return
	}
	r.mu.Lock()
	r.sender = sender
	r.mu.Unlock()
}

// RegisterPeer adds or replaces a peer gateway entry.
func (r *Router) RegisterPeer(gatewayID, url string) {
	r.mu.Lock()
	r.peers[gatewayID] = &Peer{GatewayID: gatewayID, URL: url, Status: PeerDisconnected}
	r.mu.Unlock()

	r.logger.Info("peer registered",
		zap.String("peer_gateway_id", gatewayID),
		zap.String("url", url),
	)
}

// RemovePeer deletes a peer gateway entry.
func (r *Router) RemovePeer(gatewayID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[gatewayID]; !ok {
		return false
	}
	delete(r.peers, gatewayID)
	return true
}

// SetPeerStatus updates the connection state of a peer.
func (r *Router) SetPeerStatus(gatewayID string, status PeerStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.peers[gatewayID]; ok {
		p.Status = status
	}
}

// Peers returns a snapshot of all registered peers.
func (r *Router) Peers() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		result = append(result, *p)
	}
	return result
}

// forwardToPeers sends the message to connected peers. Targeted messages
// go only to the recipient's gateway; broadcasts fan out to every
// connected peer. The hop count is incremented on the forwarded copy.
func (r *Router) forwardToPeers(ctx context.Context, msg *protocol.Message) {
	if msg.Envelope.HopCount+1 > protocol.MaxHopCount {
		return
	}

	r.mu.RLock()
	sender := r.sender
	var targets []Peer
	for _, p := range r.peers {
		if p.Status != PeerConnected {
			continue
		}
		if msg.Envelope.To != nil && msg.Envelope.To.GatewayID != p.GatewayID {
			continue
		}
		targets = append(targets, *p)
	}
	r.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	forwarded := &protocol.Message{Envelope: msg.Envelope.Clone(), Payload: msg.Payload}
	forwarded.Envelope.HopCount++

	for _, peer := range targets {
		go func(p Peer) {
			if err := sender(ctx, p, forwarded); err != nil {
				r.logger.Warn("failed to forward message to peer",
					zap.String("peer_gateway_id", p.GatewayID),
					zap.String("message_id", forwarded.Envelope.MessageID),
					zap.Error(err),
				)
			}
		}(peer)
	}
}
