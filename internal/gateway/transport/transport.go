// Package transport maintains the WebSocket links between peer gateways.
// Each configured peer gets an outbound link with reconnection; inbound
// links are accepted on the /mesh endpoint after a shared-secret
// challenge handshake. Received frames are fed straight into the router.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/meshgate/meshgate/internal/common/logger"
	"github.com/meshgate/meshgate/internal/router"
	"github.com/meshgate/meshgate/internal/security"
	"github.com/meshgate/meshgate/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024 // 1MB

	handshakeTimeout = 10 * time.Second
	reconnectMin     = time.Second
	reconnectMax     = 30 * time.Second
)

// Transport owns the peer links of a gateway.
type Transport struct {
	router   *router.Router
	security *security.Manager
	upgrader websocket.Upgrader

	links  map[string]*peerLink // by peer gateway id
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	logger *logger.Logger
}

// New creates a transport over the router's registered peers and installs
// the shared-secret handshake verifier.
func New(rt *router.Router, sm *security.Manager, log *logger.Logger) *Transport {
	sm.SetChallengeVerifier(sm.HMACChallengeVerifier())
	return &Transport{
		router:   rt,
		security: sm,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Peer links are gateway to gateway, not browser traffic.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		links:  make(map[string]*peerLink),
		logger: log.WithFields(zap.String("component", "peer-transport")),
	}
}

// Start launches an outbound connect loop for every registered peer and
// installs the transport as the router's peer sender.
func (t *Transport) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	t.router.SetPeerSender(t.Send)

	for _, peer := range t.router.Peers() {
		if peer.URL == "" {
			continue // inbound-only peer
		}
		t.wg.Add(1)
		go t.connectLoop(ctx, peer)
	}
}

// Stop closes all links and waits for the loops to exit.
func (t *Transport) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	links := make([]*peerLink, 0, len(t.links))
	for _, l := range t.links {
		links = append(links, l)
	}
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, l := range links {
		l.close()
	}
	t.wg.Wait()
}

// Send implements router.PeerSender: it marshals the message and queues
// it on the peer's link.
func (t *Transport) Send(ctx context.Context, peer router.Peer, msg *protocol.Message) error {
	t.mu.Lock()
	link, ok := t.links[peer.GatewayID]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("no link to peer %s", peer.GatewayID)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if !link.send(data) {
		return fmt.Errorf("send buffer full for peer %s", peer.GatewayID)
	}
	return nil
}

// HandlePeer upgrades an inbound peer connection, runs the challenge
// handshake, and starts pumping frames into the router.
// GET /mesh?gatewayId=<peer>
func (t *Transport) HandlePeer(c *gin.Context) {
	peerID := c.Query("gatewayId")
	if peerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "gatewayId query parameter is required"})
		return
	}

	conn, err := t.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		t.logger.Warn("failed to upgrade peer connection", zap.Error(err))
		return
	}

	if err := t.challengePeer(conn); err != nil {
		t.logger.Warn("peer handshake failed",
			zap.String("peer_gateway_id", peerID),
			zap.Error(err),
		)
		conn.Close()
		return
	}

	// Unknown inbound peers are registered without a dial URL.
	if !t.hasPeer(peerID) {
		t.router.RegisterPeer(peerID, "")
	}
	t.attach(peerID, conn)
}

// challengePeer sends a challenge over a fresh inbound connection and
// verifies the response.
func (t *Transport) challengePeer(conn *websocket.Conn) error {
	challenge := t.security.GenerateChallenge()
	data, err := json.Marshal(challenge)
	if err != nil {
		return err
	}

	conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send challenge: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read challenge response: %w", err)
	}

	payload, err := protocol.DecodePayload(raw)
	if err != nil {
		return fmt.Errorf("malformed challenge response: %w", err)
	}
	response, ok := payload.(*protocol.SecurityResponsePayload)
	if !ok {
		return fmt.Errorf("expected security.response, got %s", payload.PayloadType())
	}
	if !t.security.VerifyChallengeResponse(challenge, response) {
		return fmt.Errorf("challenge response rejected")
	}
	return nil
}

// answerChallenge handles the handshake on an outbound connection.
func (t *Transport) answerChallenge(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read challenge: %w", err)
	}

	payload, err := protocol.DecodePayload(raw)
	if err != nil {
		return fmt.Errorf("malformed challenge: %w", err)
	}
	challenge, ok := payload.(*protocol.SecurityChallengePayload)
	if !ok {
		return fmt.Errorf("expected security.challenge, got %s", payload.PayloadType())
	}

	response := &protocol.SecurityResponsePayload{
		Type:      protocol.TypeSecurityResponse,
		Nonce:     challenge.Nonce,
		Signature: t.security.SignChallenge(challenge.Nonce),
	}
	data, err := json.Marshal(response)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send challenge response: %w", err)
	}
	return nil
}

// connectLoop dials the peer and reconnects with capped backoff until
// the context ends.
func (t *Transport) connectLoop(ctx context.Context, peer router.Peer) {
	defer t.wg.Done()

	backoff := reconnectMin
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		t.router.SetPeerStatus(peer.GatewayID, router.PeerConnecting)
		url := fmt.Sprintf("%s?gatewayId=%s", peer.URL, t.router.GatewayID())
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err == nil {
			err = t.answerChallenge(conn)
			if err != nil {
				conn.Close()
			}
		}
		if err != nil {
			t.router.SetPeerStatus(peer.GatewayID, router.PeerDisconnected)
			t.logger.Warn("failed to connect to peer",
				zap.String("peer_gateway_id", peer.GatewayID),
				zap.Duration("retry_in", backoff),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > reconnectMax {
				backoff = reconnectMax
			}
			continue
		}

		backoff = reconnectMin
		link := t.attach(peer.GatewayID, conn)
		<-link.done // run until the link drops, then reconnect
	}
}

// attach wires a verified connection into the link table and starts its
// pumps.
func (t *Transport) attach(peerID string, conn *websocket.Conn) *peerLink {
	link := newPeerLink(peerID, conn, t, t.logger)

	t.mu.Lock()
	if old, ok := t.links[peerID]; ok {
		old.close()
	}
	t.links[peerID] = link
	t.mu.Unlock()

	t.router.SetPeerStatus(peerID, router.PeerConnected)
	t.logger.Info("peer link established", zap.String("peer_gateway_id", peerID))

	go link.writePump()
	go link.readPump()
	return link
}

// detach removes a dropped link and marks the peer disconnected.
func (t *Transport) detach(link *peerLink) {
	t.mu.Lock()
	if current, ok := t.links[link.peerID]; ok && current == link {
		delete(t.links, link.peerID)
	}
	t.mu.Unlock()

	t.router.SetPeerStatus(link.peerID, router.PeerDisconnected)
	t.logger.Info("peer link dropped", zap.String("peer_gateway_id", link.peerID))
}

func (t *Transport) hasPeer(gatewayID string) bool {
	for _, p := range t.router.Peers() {
		if p.GatewayID == gatewayID {
			return true
		}
	}
	return false
}

// route feeds one received frame into the router.
func (t *Transport) route(data []byte) {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.logger.Warn("dropped malformed peer frame", zap.Error(err))
		return
	}
	if err := msg.Envelope.Validate(); err != nil {
		t.logger.Warn("dropped invalid peer envelope", zap.Error(err))
		return
	}
	t.router.Route(context.Background(), &msg)
}
