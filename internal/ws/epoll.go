//go:build linux

package ws

import (
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Epoll wraps Linux epoll for read readiness. Descriptors are registered
// one-shot: after a connection is reported ready it stays disarmed until
// Rearm, so exactly one worker reads a connection at a time and frames are
// handled in arrival order.
type Epoll struct {
	fd     int
	mu     sync.RWMutex
	conns  map[int]*Connection
	events []unix.EpollEvent
}

const readEvents = unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP | unix.EPOLLONESHOT

// NewEpoll creates an epoll instance.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:     fd,
		conns:  make(map[int]*Connection),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

// Add registers c and arms it.
func (e *Epoll) Add(c *Connection) error {
	e.mu.Lock()
	e.conns[c.Fd] = c
	e.mu.Unlock()

	err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, c.Fd, &unix.EpollEvent{
		Events: readEvents,
		Fd:     int32(c.Fd),
	})
	if err != nil {
		e.mu.Lock()
		delete(e.conns, c.Fd)
		e.mu.Unlock()
	}
	return err
}

// Rearm re-enables readiness reporting for c after a worker is done with it.
func (e *Epoll) Rearm(c *Connection) error {
	return unix.EpollCtl(e.fd, unix.EPOLL_CTL_MOD, c.Fd, &unix.EpollEvent{
		Events: readEvents,
		Fd:     int32(c.Fd),
	})
}

// Remove unregisters c. Errors from an already-closed descriptor are
// ignored by callers; the kernel drops closed fds on its own.
func (e *Epoll) Remove(c *Connection) error {
	e.mu.Lock()
	if e.conns[c.Fd] == c {
		delete(e.conns, c.Fd)
	}
	e.mu.Unlock()
	return unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, c.Fd, nil)
}

// Wait blocks until at least one connection is ready and returns them.
func (e *Epoll) Wait() ([]*Connection, error) {
	n, err := unix.EpollWait(e.fd, e.events, -1)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	ready := make([]*Connection, 0, n)
	for i := 0; i < n; i++ {
		if c, ok := e.conns[int(e.events[i].Fd)]; ok {
			ready = append(ready, c)
		}
	}
	e.mu.RUnlock()
	return ready, nil
}

// Close closes the epoll descriptor, which unblocks Wait with an error.
func (e *Epoll) Close() error {
	e.mu.Lock()
	e.conns = make(map[int]*Connection)
	e.mu.Unlock()
	return unix.Close(e.fd)
}

// socketFD returns the descriptor behind conn without dup'ing it, or -1.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
