package ws

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

var (
	// ErrConnNotFound is returned when sending to an unknown connection ID.
	ErrConnNotFound = errors.New("ws: connection not found")
	// ErrQueueFull is returned when a connection's send queue has no room.
	// The frame is dropped.
	ErrQueueFull = errors.New("ws: send queue full")
	// ErrConnClosed is returned when sending to a connection being torn down.
	ErrConnClosed = errors.New("ws: connection closed")
)

// Connection is one WebSocket client. Outbound frames go through a bounded
// queue drained by a dedicated writer goroutine, so a slow peer only ever
// fills its own queue.
type Connection struct {
	ID         string   // connection ID (UUID), also the presence handle
	Conn       net.Conn // underlying TCP connection
	Fd         int      // file descriptor for epoll lookups, -1 off Linux
	Identity   string   // authenticated username, empty when auth is off
	RemoteAddr string
	CreatedAt  time.Time

	// reader is where frames are read from. It is Conn itself on Linux and
	// a buffered reader shared with the poller elsewhere.
	reader io.Reader

	lastActive atomic.Int64 // unix nanos of the last inbound frame
	send       chan []byte
	done       chan struct{}
	closeOnce  sync.Once
	writeMu    sync.Mutex // serializes queued frames with heartbeat pings
}

func newConnection(id string, conn net.Conn, queueSize int) *Connection {
	now := time.Now()
	c := &Connection{
		ID:        id,
		Conn:      conn,
		Fd:        socketFD(conn),
		CreatedAt: now,
		reader:    conn,
		send:      make(chan []byte, queueSize),
		done:      make(chan struct{}),
	}
	c.lastActive.Store(now.UnixNano())
	return c
}

// Enqueue queues a text frame without blocking.
func (c *Connection) Enqueue(data []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		return ErrQueueFull
	}
}

// writeLoop drains the send queue until the connection closes. It returns
// the first write error, or nil once the connection is closed.
func (c *Connection) writeLoop(writeTimeout time.Duration) error {
	for {
		select {
		case <-c.done:
			return nil
		case data := <-c.send:
			if err := c.write(data, writeTimeout); err != nil {
				return err
			}
		}
	}
}

func (c *Connection) write(data []byte, timeout time.Duration) error {
	return c.withWriteDeadline(timeout, func() error {
		return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
	})
}

// WritePing sends a protocol-level ping frame (opcode 0x9) directly,
// bypassing the queue.
func (c *Connection) WritePing(timeout time.Duration) error {
	return c.withWriteDeadline(timeout, func() error {
		return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
	})
}

func (c *Connection) withWriteDeadline(timeout time.Duration, fn func() error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return fn()
}

// LastActive returns when the last inbound frame arrived.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

func (c *Connection) touch(t time.Time) {
	c.lastActive.Store(t.UnixNano())
}

// Close stops the writer and closes the network connection. Safe to call
// more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.Conn.Close()
	})
	return err
}

// ConnectionManager is a thread-safe registry of live connections, indexed
// by connection ID and, on Linux, by file descriptor.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
	byFd map[int]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
		byFd: make(map[int]*Connection),
	}
}

// Add registers a connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	if conn.Fd >= 0 {
		cm.byFd[conn.Fd] = conn
	}
	cm.mu.Unlock()
}

// Remove unregisters and closes a connection. It returns true only for the
// caller that actually removed it.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		if cm.byFd[conn.Fd] == conn {
			delete(cm.byFd, conn.Fd)
		}
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for id, or nil.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection registered for fd, or nil.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
