// internal/server/handlers/websocket.go

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"taxistream/internal/domain/stream"
	"taxistream/internal/service/broadcast"
)

// Frame types sent to websocket clients
const (
	FrameRecord    = "record"
	FrameCompleted = "completed"
	FrameFailed    = "failed"
)

// Subscriber admits and removes broadcast subscriptions
type Subscriber interface {
	Subscribe() (*broadcast.Subscription, error)
	Unsubscribe(sub *broadcast.Subscription)
}

// TripFrame is one JSON message on the trips websocket
type TripFrame struct {
	Type    string   `json:"type"`
	Seq     uint64   `json:"seq,omitempty"`
	Fields  []string `json:"fields,omitempty"`
	Records uint64   `json:"records,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// WebSocketClient relays one broadcast subscription to a websocket peer
type WebSocketClient struct {
	conn        *websocket.Conn
	send        chan []byte
	sub         *broadcast.Subscription
	broadcaster Subscriber
	config      WebSocketConfig
	logger      *zap.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// WebSocketConfig contains configuration for WebSocket connections
type WebSocketConfig struct {
	// Time allowed to write a message to the peer
	WriteWait time.Duration

	// Time allowed to read the next pong message from the peer
	PongWait time.Duration

	// Send pings to peer with this period
	PingPeriod time.Duration

	// Maximum message size allowed from peer
	MaxMessageSize int64

	// Frames buffered between the subscription and the socket
	SendBuffer int
}

// DefaultWebSocketConfig returns the default WebSocket configuration
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     (60 * time.Second * 9) / 10,
		MaxMessageSize: 4 * 1024,
		SendBuffer:     256,
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// origins are enforced by the CORS middleware
		return true
	},
}

// TripsWebSocketHandler subscribes every websocket client to the broadcast.
// Clients that connect after the stream ended are closed with 1013.
func TripsWebSocketHandler(b Subscriber, logger *zap.Logger) http.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	config := DefaultWebSocketConfig()

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("Failed to upgrade to WebSocket", zap.Error(err))
			return
		}

		sub, err := b.Subscribe()
		if err != nil {
			code := websocket.CloseInternalServerErr
			if errors.Is(err, stream.ErrStreamClosed) {
				code = websocket.CloseTryAgainLater
			}
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, "stream closed"),
				time.Now().Add(config.WriteWait))
			conn.Close()
			logger.Info("Rejected WebSocket client", zap.String("remote", r.RemoteAddr), zap.Error(err))
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		client := &WebSocketClient{
			conn:        conn,
			send:        make(chan []byte, config.SendBuffer),
			sub:         sub,
			broadcaster: b,
			config:      config,
			logger:      logger.With(zap.String("subscription_id", sub.ID()), zap.String("remote", r.RemoteAddr)),
			ctx:         ctx,
			cancel:      cancel,
		}

		go client.writePump()
		go client.forward()
		go client.readPump()

		client.logger.Info("New WebSocket connection")
	}
}

// forward moves deliveries from the subscription into the send buffer. It
// blocks while the buffer is full, so a slow peer fills its subscription
// queue and is dropped by the broadcaster.
func (c *WebSocketClient) forward() {
	defer close(c.send)

	for {
		d, err := c.sub.Receive(c.ctx)
		if err != nil {
			return
		}

		frame := TripFrame{Type: FrameRecord}
		switch d.Kind {
		case stream.KindRecord:
			frame.Seq = d.Record.Seq()
			frame.Fields = d.Record.Fields()
		case stream.KindCompleted:
			frame.Type = FrameCompleted
			frame.Records = c.sub.Position()
		case stream.KindFailed:
			frame.Type = FrameFailed
			frame.Records = c.sub.Position()
			frame.Error = d.Err.Error()
		}

		data, err := json.Marshal(frame)
		if err != nil {
			c.logger.Error("Failed to encode frame", zap.Error(err))
			return
		}

		select {
		case c.send <- data:
		case <-c.ctx.Done():
			return
		}

		if d.IsTerminal() {
			return
		}
	}
}

// readPump watches the peer for close and pong messages
func (c *WebSocketClient) readPump() {
	defer c.closeConnection()

	c.conn.SetReadLimit(c.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
	}
}

// writePump pumps frames to the WebSocket connection
func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(c.config.PingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if !ok {
				// the stream ended or the client is gone
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// closeConnection releases the subscription and the socket
func (c *WebSocketClient) closeConnection() {
	c.closeOnce.Do(func() {
		c.cancel()
		pending := c.sub.Pending()
		c.broadcaster.Unsubscribe(c.sub)
		c.conn.Close()

		c.logger.Info("WebSocket connection closed",
			zap.Uint64("records", c.sub.Position()),
			zap.Int("unsent", pending))
	})
}
