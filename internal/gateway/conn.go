package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Socket is the transport a Conn writes to. *websocket.Conn satisfies it.
type Socket interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// State is the lifecycle stage of a connection.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateJoined
	StateActive
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateJoined:
		return "joined"
	case StateActive:
		return "active"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Conn is one authenticated client connection. The Hub owns it; callers only read its fields.
type Conn struct {
	id         string
	identityID string
	roleID     string
	createdAt  time.Time

	sock Socket
	send chan []byte
	done chan struct{}

	state     atomic.Int32
	strikes   atomic.Int32
	closeOnce sync.Once
}

func newConn(id, identityID, roleID string, sock Socket, buffer int, now time.Time) *Conn {
	c := &Conn{
		id:         id,
		identityID: identityID,
		roleID:     roleID,
		createdAt:  now,
		sock:       sock,
		send:       make(chan []byte, buffer),
		done:       make(chan struct{}),
	}
	c.setState(StateAuthenticated)
	return c
}

func (c *Conn) ID() string           { return c.id }
func (c *Conn) IdentityID() string   { return c.identityID }
func (c *Conn) RoleID() string       { return c.roleID }
func (c *Conn) CreatedAt() time.Time { return c.createdAt }

// State returns the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// Done is closed when the connection is disconnected.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) setState(s State) { c.state.Store(int32(s)) }

// enqueue hands frame to the writer without blocking. It returns false when the queue is full
// or the connection is gone.
func (c *Conn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// strike records a dropped frame and returns the consecutive count.
func (c *Conn) strike() int { return int(c.strikes.Add(1)) }

func (c *Conn) clearStrikes() { c.strikes.Store(0) }

// shutdown stops the writer and closes the socket, first sending frame as a close control message
// when it is non-nil. Safe to call more than once.
func (c *Conn) shutdown(frame []byte, writeTimeout time.Duration) {
	c.closeOnce.Do(func() {
		c.setState(StateDisconnected)
		close(c.done)
		if frame != nil {
			_ = c.sock.WriteControl(websocket.CloseMessage, frame, time.Now().Add(writeTimeout))
		}
		_ = c.sock.Close()
	})
}

// writeLoop drains the send queue in FIFO order and sends heartbeat pings. It is the only goroutine
// that writes data frames to the socket. onFail is called once with the cause when a write fails.
func (c *Conn) writeLoop(writeTimeout, pingPeriod time.Duration, onFail func(error)) {
	var tick <-chan time.Time
	if pingPeriod > 0 {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			if err := c.sock.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				onFail(err)
				return
			}
			if err := c.sock.WriteMessage(websocket.TextMessage, frame); err != nil {
				onFail(err)
				return
			}
		case <-tick:
			if err := c.sock.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				onFail(err)
				return
			}
		}
	}
}
