package handlers

import (
	"errors"
	"sync"

	"chat-relay/internal/utils"

	"go.uber.org/zap"
)

var (
	ErrConnClosed   = errors.New("connection closed")
	ErrSlowConsumer = errors.New("send queue full")
)

// socket is the part of a websocket the write pump needs.
type socket interface {
	utils.FrameWriter
	Close() error
}

// wsConn is one client socket. Frames are queued by Send and written by a
// single write pump.
type wsConn struct {
	id       string
	ws       socket
	out      chan []byte
	done     chan struct{}
	pumpDone chan struct{}
	once     sync.Once
	log      *zap.Logger
}

func newWSConn(id string, ws socket, buffer int, log *zap.Logger) *wsConn {
	return &wsConn{
		id:   id,
		ws:   ws,
		out:      make(chan []byte, buffer),
		done:     make(chan struct{}),
		pumpDone: make(chan struct{}),
		log:      log,
	}
}

func (c *wsConn) ID() string { return c.id }

// Send queues one event. A client that cannot keep up is disconnected.
func (c *wsConn) Send(event string, payload any) error {
	frame, err := utils.EncodeEnvelope(event, payload)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.out <- frame:
		return nil
	default:
		c.log.Warn("send queue full, closing connection", zap.String("conn", c.id))
		c.close()
		return ErrSlowConsumer
	}
}

// writePump writes queued frames until the connection closes. Nothing is
// written once done is closed, even if frames are still queued.
func (c *wsConn) writePump() {
	defer close(c.pumpDone)
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.out:
			select {
			case <-c.done:
				return
			default:
			}
			if err := utils.SendFrame(c.ws, frame); err != nil {
				c.log.Debug("write failed", zap.String("conn", c.id), zap.Error(err))
				c.close()
				return
			}
		}
	}
}

// wait blocks until the write pump has exited.
func (c *wsConn) wait() { <-c.pumpDone }

// close stops the write pump and closes the socket, which also ends the
// read loop.
func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}
