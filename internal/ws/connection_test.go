package ws

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/tandem/chat-app/internal/session"
)

func pipeConnection(t *testing.T, id string, queue int) (*Connection, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return newConnection(id, server, queue), client
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	c, _ := pipeConnection(t, "c1", 2)

	for i := 0; i < 2; i++ {
		if err := c.Enqueue([]byte("x")); err != nil {
			t.Fatalf("Enqueue() #%d error: %v", i+1, err)
		}
	}
	if err := c.Enqueue([]byte("x")); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Enqueue() error = %v, want ErrQueueFull", err)
	}
}

func TestEnqueueAfterClose(t *testing.T) {
	c, _ := pipeConnection(t, "c1", 2)
	c.Close()
	c.Close()

	if err := c.Enqueue([]byte("x")); !errors.Is(err, ErrConnClosed) {
		t.Errorf("Enqueue() error = %v, want ErrConnClosed", err)
	}
}

func TestSlowPeerDoesNotBlockOthers(t *testing.T) {
	srv := NewServer(DefaultServerConfig(), session.NewManager(nil, nil), nil)

	slow, _ := pipeConnection(t, "slow", 1) // nobody reads the peer end
	fast, _ := pipeConnection(t, "fast", 8)
	srv.conns.Add(slow)
	srv.conns.Add(fast)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			srv.Broadcast([]byte("frame"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked on a slow connection")
	}
	if n := len(fast.send); n != 5 {
		t.Errorf("fast queue = %d frames, want 5", n)
	}
	if n := len(slow.send); n != 1 {
		t.Errorf("slow queue = %d frames, want 1", n)
	}
}

func TestSendMessageUnknownConnection(t *testing.T) {
	srv := NewServer(DefaultServerConfig(), session.NewManager(nil, nil), nil)
	if err := srv.SendMessage("missing", []byte("x")); !errors.Is(err, ErrConnNotFound) {
		t.Errorf("SendMessage() error = %v, want ErrConnNotFound", err)
	}
}

func TestHeartbeatEvictsStaleConnections(t *testing.T) {
	sessions := session.NewManager(nil, nil)
	srv := NewServer(DefaultServerConfig(), sessions, nil)

	var disconnected []string
	srv.SetOnDisconnect(func(id string) { disconnected = append(disconnected, id) })

	stale, _ := pipeConnection(t, "stale", 1)
	stale.touch(time.Now().Add(-time.Hour))
	srv.conns.Add(stale)

	if n := srv.checkConnections(DefaultHeartbeatConfig(), time.Now()); n != 1 {
		t.Fatalf("evicted = %d, want 1", n)
	}
	if srv.conns.Count() != 0 {
		t.Errorf("connections = %d, want 0", srv.conns.Count())
	}
	if len(disconnected) != 1 || disconnected[0] != "stale" {
		t.Errorf("disconnected = %v, want [stale]", disconnected)
	}
}

func TestRemoveConnectionRunsCallbackOnce(t *testing.T) {
	srv := NewServer(DefaultServerConfig(), session.NewManager(nil, nil), nil)
	calls := 0
	srv.SetOnDisconnect(func(string) { calls++ })

	c, _ := pipeConnection(t, "c1", 1)
	srv.conns.Add(c)
	srv.RemoveConnection(c)
	srv.RemoveConnection(c)

	if calls != 1 {
		t.Errorf("onDisconnect calls = %d, want 1", calls)
	}
}
