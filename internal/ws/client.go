package ws

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// sendQueueSize bounds how many payloads a slow consumer can have
	// pending before new ones are dropped.
	sendQueueSize = 32
	writeTimeout  = 5 * time.Second
)

// ErrClientClosed is returned by Send once the connection is gone.
var ErrClientClosed = errors.New("ws: client closed")

// Client wraps a websocket connection with a bounded send queue. A writer
// goroutine drains the queue, so broadcasters never wait on socket I/O.
type Client struct {
	conn *websocket.Conn
	log  *slog.Logger

	queue   chan []byte
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

// NewClient constructs a client wrapper and starts its writer.
func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	c := &Client{
		conn:  conn,
		log:   logger,
		queue: make(chan []byte, sendQueueSize),
		done:  make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.queue:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				if c.log != nil {
					c.log.Warn("websocket send failed", "error", err)
				}
				c.Close()
				return
			}
		}
	}
}

// Send enqueues a payload for the writer. Payloads are dropped when the
// queue is full; a stalled subscriber must not back up the broadcaster.
func (c *Client) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	select {
	case c.queue <- payload:
	default:
		if n := c.dropped.Add(1); n == 1 || n%100 == 0 {
			if c.log != nil {
				c.log.Warn("websocket send queue full", "dropped", n)
			}
		}
	}
	return nil
}

// Close terminates the connection and stops the writer. Idempotent.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
