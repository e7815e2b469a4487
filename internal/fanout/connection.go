package fanout

import (
	"time"

	"github.com/gorilla/websocket"

	"typerace/broker/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 1 << 16
)

// connection is a single client's bidirectional event channel. Its id
// doubles as the player id throughout the Race Engine, matching the
// "connection id == player id" contract in §6.
type connection struct {
	id    string
	conn  *websocket.Conn
	queue *outboundQueue
	log   *logging.Logger

	hub *Hub
}

func newConnection(id string, ws *websocket.Conn, hub *Hub, log *logging.Logger) *connection {
	return &connection{id: id, conn: ws, queue: newOutboundQueue(), hub: hub, log: log}
}

// send enqueues a pre-encoded payload for delivery, never blocking the
// caller. Critical events are reserved capacity per the per-connection
// backpressure contract.
func (c *connection) send(payload []byte, critical bool) {
	c.queue.push(payload, critical)
}

// runWriter drains the outbound queue and owns the physical socket write
// side, plus the keepalive ping ticker. It is the only goroutine allowed to
// call conn.Write*.
func (c *connection) runWriter() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	msgCh := make(chan outboundMessage)
	stop := make(chan struct{})
	go func() {
		for {
			msg, ok := c.queue.pop()
			if !ok {
				close(msgCh)
				return
			}
			select {
			case msgCh <- msg:
			case <-stop:
				return
			}
		}
	}()
	defer close(stop)

	for {
		select {
		case msg, ok := <-msgCh:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(writeWait))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg.payload); err != nil {
				c.log.Debug("connection write failed", logging.String("conn", c.id), logging.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// runReader owns the physical socket read side, decoding inbound envelopes
// and handing them to the Hub for dispatch in arrival order. It returns
// once the connection closes, at which point the caller triggers cleanup.
func (c *connection) runReader() {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.hub.handleInbound(c, raw)
	}
}

func (c *connection) close() {
	c.queue.close()
	_ = c.conn.Close()
}
