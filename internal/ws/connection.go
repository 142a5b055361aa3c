package ws

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
)

// ErrConnectionClosed is returned by Send on a connection that was closed.
var ErrConnectionClosed = errors.New("ws: connection closed")

// ConnConfig holds per-connection I/O limits.
type ConnConfig struct {
	WriteTimeout time.Duration // deadline for each outbound frame, 0 disables
	IdleTimeout  time.Duration // read deadline between inbound frames, 0 disables
	MaxFrameSize int64         // max inbound message size in bytes, 0 disables
}

// Connection represents a single WebSocket client connection with its
// associated metadata and a write mutex for serializing outbound frames.
// Reads are performed by exactly one goroutine, the one running the
// connection's ChatSession.
type Connection struct {
	id         string
	Conn       net.Conn  // underlying TCP connection
	CreatedAt  time.Time // when the connection was established
	lastActive atomic.Int64
	config     ConnConfig
	reader     wsutil.Reader
	writeMu    sync.Mutex // serializes writes to this connection
	closed     atomic.Bool
	closeOnce  sync.Once
}

// NewConnection wraps an upgraded server-side connection.
func NewConnection(conn net.Conn, config ConnConfig) *Connection {
	c := &Connection{
		id:        uuid.New().String(),
		Conn:      conn,
		CreatedAt: time.Now(),
		config:    config,
	}
	c.reader = wsutil.Reader{
		Source:       conn,
		State:        ws.StateServerSide,
		CheckUTF8:    true,
		MaxFrameSize: config.MaxFrameSize,
	}
	c.touch()
	return c
}

// ID returns the connection's unique identifier.
func (c *Connection) ID() string {
	return c.id
}

// LastActive returns when a frame was last received from the peer.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

func (c *Connection) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// ReadFrame blocks until the next complete data message arrives and returns
// its payload. Ping and close control frames are answered inline. When the
// peer closes the connection a wsutil.ClosedError is returned.
func (c *Connection) ReadFrame() ([]byte, error) {
	for {
		if c.config.IdleTimeout > 0 {
			_ = c.Conn.SetReadDeadline(time.Now().Add(c.config.IdleTimeout))
		}

		hdr, err := c.reader.NextFrame()
		if err != nil {
			return nil, err
		}

		// Any frame proves the connection is alive.
		c.touch()

		if hdr.OpCode.IsControl() {
			if err := c.handleControl(hdr); err != nil {
				return nil, err
			}
			continue
		}

		src := io.Reader(&c.reader)
		if c.config.MaxFrameSize > 0 {
			src = io.LimitReader(src, c.config.MaxFrameSize+1)
		}
		data, err := io.ReadAll(src)
		if err != nil {
			return nil, err
		}
		if c.config.MaxFrameSize > 0 && int64(len(data)) > c.config.MaxFrameSize {
			return nil, wsutil.ErrFrameTooLarge
		}
		return data, nil
	}
}

// handleControl answers ping and close frames. Pong frames only refresh the
// activity timestamp.
func (c *Connection) handleControl(hdr ws.Header) error {
	payload, err := io.ReadAll(&c.reader)
	if err != nil {
		return err
	}

	switch hdr.OpCode {
	case ws.OpPing:
		return c.writeFrame(ws.NewPongFrame(payload))

	case ws.OpClose:
		code, reason := ws.StatusNoStatusRcvd, ""
		reply := ws.NewCloseFrame(nil)
		if len(payload) >= 2 {
			code, reason = ws.ParseCloseFrameData(payload)
			reply = ws.NewCloseFrame(ws.NewCloseFrameBody(code, ""))
		}
		_ = c.writeFrame(reply)
		return wsutil.ClosedError{Code: code, Reason: reason}
	}
	return nil
}

func (c *Connection) writeFrame(f ws.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	err := ws.WriteFrame(c.Conn, f)
	_ = c.Conn.SetWriteDeadline(time.Time{})
	return err
}

func (c *Connection) setWriteDeadline() {
	if c.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
}

// Send writes a WebSocket text frame to this connection. The write mutex
// ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) Send(data []byte) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.setWriteDeadline()
	err := wsutil.WriteServerMessage(c.Conn, ws.OpText, data)

	// Clear write deadline so it doesn't affect future writes (e.g., heartbeat pings).
	_ = c.Conn.SetWriteDeadline(time.Time{})
	return err
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9) on the
// connection.
func (c *Connection) WritePing() error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	return c.writeFrame(ws.NewPingFrame(nil))
}

// CloseWithStatus sends a close frame carrying code and reason, then closes
// the underlying network connection.
func (c *Connection) CloseWithStatus(code ws.StatusCode, reason string) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	werr := c.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason)))
	cerr := c.Close()
	if werr != nil {
		return fmt.Errorf("ws: write close frame: %w", werr)
	}
	return cerr
}

// Close closes the underlying network connection. It is safe to call more
// than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.Conn.Close()
	})
	return err
}

// ConnectionManager is a thread-safe table of every upgraded connection on
// this server, used for the connection cap, heartbeats and shutdown.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
	}
}

// Add registers a new connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID()] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by ID and closes it. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
