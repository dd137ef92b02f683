package transport

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/meshgate/meshgate/internal/common/logger"
)

// peerLink is one live WebSocket connection to a peer gateway.
type peerLink struct {
	peerID    string
	conn      *websocket.Conn
	transport *Transport
	sendCh    chan []byte
	done      chan struct{}
	closeOnce sync.Once
	logger    *logger.Logger
}

func newPeerLink(peerID string, conn *websocket.Conn, t *Transport, log *logger.Logger) *peerLink {
	return &peerLink{
		peerID:    peerID,
		conn:      conn,
		transport: t,
		sendCh:    make(chan []byte, 256),
		done:      make(chan struct{}),
		logger:    log.WithFields(zap.String("peer_gateway_id", peerID)),
	}
}

// send queues a frame, reporting false when the buffer is full.
func (l *peerLink) send(data []byte) bool {
	select {
	case l.sendCh <- data:
		return true
	default:
		return false
	}
}

func (l *peerLink) close() {
	l.closeOnce.Do(func() {
		close(l.done)
		l.conn.Close()
		l.transport.detach(l)
	})
}

// readPump reads frames until the connection drops and feeds them into
// the router.
func (l *peerLink) readPump() {
	defer l.close()

	l.conn.SetReadLimit(maxMessageSize)
	l.conn.SetReadDeadline(time.Now().Add(pongWait))
	l.conn.SetPongHandler(func(string) error {
		l.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				l.logger.Warn("peer read error", zap.Error(err))
			}
			return
		}
		l.transport.route(message)
	}
}

// writePump drains the send queue and keeps the connection alive with
// pings.
func (l *peerLink) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		l.close()
	}()

	for {
		select {
		case <-l.done:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			l.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-l.sendCh:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
