package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chatrelay/pkg/types"
)

// Connection wraps one authenticated websocket. All writes go through a
// single writer goroutine; callers only enqueue.
type Connection struct {
	id        string
	userID    string
	conn      *websocket.Conn
	writeCh   chan []byte
	writeWait time.Duration
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	log       zerolog.Logger
}

// NewConnection starts the writer goroutine for an upgraded socket. The
// user id is known at this point: authentication happens before upgrade.
func NewConnection(id, userID string, conn *websocket.Conn, cfg Config, log zerolog.Logger) *Connection {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultConfig().SendBuffer
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = DefaultConfig().WriteWait
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:        id,
		userID:    userID,
		conn:      conn,
		writeCh:   make(chan []byte, cfg.SendBuffer),
		writeWait: cfg.WriteWait,
		ctx:       ctx,
		cancel:    cancel,
		log:       log.With().Str("conn_id", id).Str("user_id", userID).Logger(),
	}

	go c.writeLoop()

	return c
}

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug().Err(err).Msg("Write failed, closing connection")
				_ = c.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// ID returns the process-unique connection id
func (c *Connection) ID() string {
	return c.id
}

// UserID returns the authenticated owner of the connection
func (c *Connection) UserID() string {
	return c.userID
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// WriteJSON queues v for delivery. It gives up after the write timeout when
// the client is not draining its queue.
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	timer := time.NewTimer(c.writeWait)
	defer timer.Stop()

	select {
	case c.writeCh <- data:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Send queues an event, waiting up to the write timeout for room in the
// queue. Used for direct replies to the connection's own frames.
func (c *Connection) Send(event types.Event) error {
	return c.WriteJSON(event)
}

// TrySend queues an event without waiting. A client whose queue is full is
// too slow to keep up; it is closed and ErrSendQueueFull is returned.
func (c *Connection) TrySend(event types.Event) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(event)
	if err != nil {
		return ErrInvalidJSON
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		c.log.Warn().Int("queued", len(c.writeCh)).Msg("Send queue full, dropping slow client")
		_ = c.Close()
		return ErrSendQueueFull
	}
}

// Close stops the writer and closes the socket. Safe to call repeatedly.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}
