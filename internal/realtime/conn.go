package realtime

import (
	"log/slog"
	"time"

	"github.com/gofiber/contrib/websocket"
)

// ConnLike is the part of a websocket connection the hub needs. Both
// fiber's websocket.Conn and test fakes satisfy it.
type ConnLike interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	Close() error
}

type writeDeadliner interface {
	SetWriteDeadline(time.Time) error
}

// Conn is one live persistent connection. Outbound frames are queued on
// send and written by WritePump; the hub owns the channel and closes it on
// unregister.
type Conn struct {
	ID string

	ws   ConnLike
	send chan []byte
	log  *slog.Logger
}

func newConn(id string, ws ConnLike, buffer int, log *slog.Logger) *Conn {
	return &Conn{
		ID:   id,
		ws:   ws,
		send: make(chan []byte, buffer),
		log:  log.With("conn_id", id),
	}
}

// enqueue hands data to the writer without blocking. A full buffer drops
// the frame.
func (c *Conn) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// ReadPump forwards every frame to the hub until the socket fails.
func (c *Conn) ReadPump(h *Hub) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.log.Debug("read stopped", slog.String("error", err.Error()))
			return
		}
		if !h.submit(frame{conn: c, data: data}) {
			return
		}
	}
}

// WritePump drains the send queue until the hub closes it.
func (c *Conn) WritePump(writeTimeout time.Duration, now func() time.Time) {
	defer c.ws.Close()

	for data := range c.send {
		if d, ok := c.ws.(writeDeadliner); ok && writeTimeout > 0 {
			_ = d.SetWriteDeadline(now().Add(writeTimeout))
		}
		if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			c.log.Debug("write failed", slog.String("error", err.Error()))
			return
		}
	}
}
