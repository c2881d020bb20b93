// Package ws is the WebSocket transport of the chat server. It upgrades HTTP
// requests with gobwas/ws, multiplexes reads over epoll, hands each frame to
// a dispatch callback and delivers outbound frames through per-connection
// bounded queues.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/tandem/chat-app/internal/metrics"
	"github.com/tandem/chat-app/internal/protocol"
	"github.com/tandem/chat-app/internal/ratelimit"
	"github.com/tandem/chat-app/internal/session"
)

// maxFrameBytes caps one inbound message. It leaves room for the JSON
// envelope around the largest allowed chat text.
const maxFrameBytes = 16 << 10

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for reading one frame once ready
	WriteTimeout   time.Duration // timeout for writing one frame
	SendQueueSize  int           // outbound frames buffered per connection
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendQueueSize:  64,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Authenticator resolves the user an upgrade request is acting for.
type Authenticator interface {
	Resolve(ctx context.Context, r *http.Request) (string, error)
}

// ConnectLimiter throttles upgrades per client IP.
type ConnectLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Server is the WebSocket server built on gobwas/ws and epoll. Ready
// connections are read by a bounded worker pool; each connection is read by
// at most one worker at a time.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	sessions     *session.Manager
	auth         Authenticator
	limiter      ConnectLimiter
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onDisconnect func(connID string)                 // called once per removed connection
	mux          *http.ServeMux
	httpServer   *http.Server
	done         chan struct{}
	stopOnce     sync.Once
	startedAt    time.Time
}

// NewServer creates a Server. onMessage is called from a worker goroutine
// for every complete text or binary message.
func NewServer(config ServerConfig, sessions *session.Manager, onMessage func(conn *Connection, data []byte)) *Server {
	if config.SendQueueSize <= 0 {
		config.SendQueueSize = 1
	}
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	s := &Server{
		config:     config,
		conns:      NewConnectionManager(),
		sessions:   sessions,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		mux:        http.NewServeMux(),
		done:       make(chan struct{}),
	}
	s.mux.HandleFunc("/ws", s.handleUpgrade)
	s.mux.HandleFunc("/health", s.handleHealth)
	return s
}

// SetOnDisconnect registers the callback run when a connection is removed
// (read error, close frame, heartbeat timeout or shutdown). The callback owns
// closing the connection's session. Without one, the server closes it.
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// SetAuthenticator makes upgrades require a resolvable identity.
func (s *Server) SetAuthenticator(a Authenticator) {
	s.auth = a
}

// SetConnectLimiter enables per-IP upgrade throttling.
func (s *Server) SetConnectLimiter(l ConnectLimiter) {
	s.limiter = l
}

// Handle mounts an extra handler on the server's mux, e.g. the REST API or
// /metrics. It must be called before Start or Serve.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Start listens on config.ListenAddr and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve starts the event loop and heartbeat and serves HTTP on ln. It blocks
// until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.startedAt = time.Now()
	s.httpServer = &http.Server{Handler: s.mux}

	go s.startEventLoop()
	if s.config.Heartbeat.Interval > 0 {
		s.startHeartbeat(s.config.Heartbeat)
	}

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d, queue=%d)",
		ln.Addr(), s.config.WorkerPoolSize, s.config.MaxConnections, s.config.SendQueueSize)

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade checks capacity, rate limit and identity, upgrades the
// request and registers the new connection.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ip := clientIP(r)
	if s.limiter != nil {
		if ok, _ := s.limiter.Allow(r.Context(), ip, ratelimit.RuleConnect); !ok {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	var identity string
	if s.auth != nil {
		var err error
		identity, err = s.auth.Resolve(r.Context(), r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := newConnection(uuid.New().String(), conn, s.config.SendQueueSize)
	c.Identity = identity
	c.RemoteAddr = ip

	s.sessions.Open(c.ID, identity, ip)
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()
	go func() {
		if err := c.writeLoop(s.config.WriteTimeout); err != nil {
			log.Printf("ws: write failed conn=%s: %v", c.ID, err)
			s.RemoveConnection(c)
		}
	}()

	created, err := protocol.NewServerMessage(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{
		SessionID: c.ID,
		Username:  identity,
	})
	if err == nil {
		_ = c.Enqueue(created)
	}

	if err := s.epoll.Add(c); err != nil {
		log.Printf("ws: epoll add failed conn=%s: %v", c.ID, err)
		s.RemoveConnection(c)
		return
	}

	log.Printf("ws: new connection conn=%s user=%q fd=%d (total=%d)", c.ID, identity, c.Fd, s.conns.Count())
}

// handleHealth reports connection count and uptime as JSON.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Sessions    int    `json:"sessions"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Sessions:    s.sessions.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop waits for ready connections and hands each to a worker.
func (s *Server) startEventLoop() {
	for {
		ready, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			log.Printf("ws: epoll wait error: %v", err)
			continue
		}

		for _, c := range ready {
			c := c
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(c)
			}()
		}
	}
}

// handleConn reads one frame from a ready connection and re-arms it. Any
// read failure removes the connection.
func (s *Server) handleConn(c *Connection) {
	if s.readFrame(c) {
		if err := s.epoll.Rearm(c); err != nil {
			s.RemoveConnection(c)
		}
		return
	}
	s.RemoveConnection(c)
}

// readFrame reports whether the connection is still usable.
func (s *Server) readFrame(c *Connection) bool {
	if s.config.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		defer c.Conn.SetReadDeadline(time.Time{})
	}

	header, reader, err := wsutil.NextReader(c.reader, ws.StateServerSide)
	if err != nil {
		// A timeout here means readiness without a full frame header yet.
		// The heartbeat catches peers that stay silent.
		var netErr net.Error
		return errors.As(err, &netErr) && netErr.Timeout()
	}
	c.touch(time.Now())

	if header.OpCode.IsControl() {
		payload, err := io.ReadAll(reader)
		if err != nil {
			return false
		}
		switch header.OpCode {
		case ws.OpClose:
			return false
		case ws.OpPing:
			_ = c.withWriteDeadline(s.config.WriteTimeout, func() error {
				return ws.WriteFrame(c.Conn, ws.NewPongFrame(payload))
			})
		}
		return true
	}

	data, err := io.ReadAll(io.LimitReader(reader, maxFrameBytes+1))
	if err != nil {
		return false
	}
	if len(data) > maxFrameBytes {
		log.Printf("ws: frame over %d bytes conn=%s, closing", maxFrameBytes, c.ID)
		return false
	}
	if len(data) > 0 && s.onMessage != nil {
		s.onMessage(c, data)
	}
	return true
}

// RemoveConnection unregisters and closes c and runs the disconnect
// callback. Concurrent callers race safely; only one runs the callback.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c)
	}
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	} else {
		s.sessions.Close(c.ID)
	}

	log.Printf("ws: connection closed conn=%s (total=%d)", c.ID, s.conns.Count())
}

// SendMessage queues a frame for connID without blocking.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return ErrConnNotFound
	}
	return c.Enqueue(data)
}

// Broadcast queues a frame on every connection. Full queues drop it.
func (s *Server) Broadcast(data []byte) {
	for _, c := range s.conns.All() {
		if err := c.Enqueue(data); err != nil {
			metrics.DeliveriesTotal.WithLabelValues("dropped").Inc()
			continue
		}
		metrics.DeliveriesTotal.WithLabelValues("queued").Inc()
	}
}

// Connections returns the ConnectionManager.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops accepting connections, disconnects every client through
// the normal disconnect path and releases the poller.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	s.stopOnce.Do(func() { close(s.done) })

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// clientIP prefers the first X-Forwarded-For hop set by the load balancer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
