//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
)

// Epoll emulates one-shot readiness off Linux with a goroutine per
// connection. The goroutine peeks one byte through a bufio.Reader that the
// server then reads frames from, so nothing is consumed, and it waits for
// Rearm before peeking again.
type Epoll struct {
	mu        sync.Mutex
	rearm     map[*Connection]chan struct{}
	ready     chan *Connection
	done      chan struct{}
	closeOnce sync.Once
}

// NewEpoll creates the fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		rearm: make(map[*Connection]chan struct{}),
		ready: make(chan *Connection, 128),
		done:  make(chan struct{}),
	}, nil
}

// Add starts watching c.
func (e *Epoll) Add(c *Connection) error {
	br := bufio.NewReader(c.Conn)
	c.reader = br
	rearm := make(chan struct{}, 1)

	e.mu.Lock()
	e.rearm[c] = rearm
	e.mu.Unlock()

	go e.watch(c, br, rearm)
	return nil
}

func (e *Epoll) watch(c *Connection, br *bufio.Reader, rearm chan struct{}) {
	for {
		_, err := br.Peek(1)

		select {
		case e.ready <- c:
		case <-e.done:
			return
		}
		// A read error is reported once; the server removes the connection.
		if err != nil {
			return
		}

		select {
		case <-rearm:
		case <-c.done:
			return
		case <-e.done:
			return
		}
	}
}

// Rearm lets the watcher report c again.
func (e *Epoll) Rearm(c *Connection) error {
	e.mu.Lock()
	ch, ok := e.rearm[c]
	e.mu.Unlock()
	if !ok {
		return net.ErrClosed
	}
	select {
	case ch <- struct{}{}:
	default:
	}
	return nil
}

// Remove stops tracking c. Its watcher exits once c is closed.
func (e *Epoll) Remove(c *Connection) error {
	e.mu.Lock()
	delete(e.rearm, c)
	e.mu.Unlock()
	return nil
}

// Wait blocks until at least one connection is ready and drains any others
// already queued.
func (e *Epoll) Wait() ([]*Connection, error) {
	var first *Connection
	select {
	case first = <-e.ready:
	case <-e.done:
		return nil, net.ErrClosed
	}

	ready := []*Connection{first}
	for {
		select {
		case c := <-e.ready:
			ready = append(ready, c)
		default:
			return ready, nil
		}
	}
}

// Close stops every watcher.
func (e *Epoll) Close() error {
	e.closeOnce.Do(func() { close(e.done) })
	return nil
}

func socketFD(net.Conn) int {
	return -1
}
