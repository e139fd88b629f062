package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coveyhq/covey/pkg/protocol"
)

const (
	wsSendBuffer   = 64
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = 25 * time.Second
	wsMaxPayload   = 4096 // clients only send control frames
)

// wsClient is one attached event-mirror connection. Clients receive every
// job event as a protocol.Frame; they never send requests.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}

	logger *slog.Logger
}

func newWSClient(id string, conn *websocket.Conn, logger *slog.Logger) *wsClient {
	return &wsClient{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, wsSendBuffer),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// SendFrame queues a frame for delivery. Slow consumers drop frames rather
// than stall the bus broadcast.
func (c *wsClient) SendFrame(frame protocol.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		c.logger.Debug("ws client lagging, frame dropped", "client", c.id, "type", frame.Type)
	}
}

// run services the connection until either side closes it.
func (c *wsClient) run() {
	go c.writeLoop()
	c.readLoop()
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// readLoop discards inbound messages; it exists to surface disconnects and
// keep the pong deadline fresh.
func (c *wsClient) readLoop() {
	defer c.close()
	c.conn.SetReadLimit(wsMaxPayload)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
