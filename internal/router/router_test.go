package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tandem/chat-app/internal/clock"
	"github.com/tandem/chat-app/internal/messaging"
	"github.com/tandem/chat-app/internal/presence"
	"github.com/tandem/chat-app/internal/protocol"
	"github.com/tandem/chat-app/internal/ratelimit"
	"github.com/tandem/chat-app/internal/session"
	"github.com/tandem/chat-app/internal/store"
	"github.com/tandem/chat-app/internal/store/memory"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// recorder is a Fanout that keeps every frame per connection.
type recorder struct {
	mu     sync.Mutex
	frames map[string][][]byte
	conns  map[string]bool
}

func newRecorder() *recorder {
	return &recorder{frames: make(map[string][][]byte), conns: make(map[string]bool)}
}

func (f *recorder) open(id string) {
	f.mu.Lock()
	f.conns[id] = true
	f.mu.Unlock()
}

func (f *recorder) SendMessage(connID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.conns[connID] {
		return errors.New("connection not found")
	}
	f.frames[connID] = append(f.frames[connID], data)
	return nil
}

func (f *recorder) Broadcast(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id := range f.conns {
		f.frames[id] = append(f.frames[id], data)
	}
}

// ofType returns the decoded frames of msgType sent to connID.
func (f *recorder) ofType(connID, msgType string) []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]interface{}
	for _, raw := range f.frames[connID] {
		var m map[string]interface{}
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		if m["type"] == msgType {
			out = append(out, m)
		}
	}
	return out
}

func (f *recorder) reset() {
	f.mu.Lock()
	f.frames = make(map[string][][]byte)
	f.mu.Unlock()
}

type feedEvent struct {
	kind    string
	payload interface{}
}

type fakeFeed struct {
	mu     sync.Mutex
	events []feedEvent
}

func (f *fakeFeed) PublishEvent(kind string, payload interface{}) error {
	f.mu.Lock()
	f.events = append(f.events, feedEvent{kind, payload})
	f.mu.Unlock()
	return nil
}

func (f *fakeFeed) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	for i, e := range f.events {
		out[i] = e.kind
	}
	return out
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string, ratelimit.Rule) (bool, error) { return false, nil }
func (denyLimiter) RetryAfter(context.Context, string, ratelimit.Rule) time.Duration {
	return 7 * time.Second
}

// failingMessages fails every write.
type failingMessages struct {
	store.MessageStore
}

func (failingMessages) Insert(context.Context, store.Message) (*store.Message, error) {
	return nil, errors.New("db down")
}

type harness struct {
	router   *Router
	fanout   *recorder
	feed     *fakeFeed
	store    *memory.Store
	sessions *session.Manager
	clock    *clock.FakeClock
}

// blockingMirror holds Identify for blockUser until release is closed.
type blockingMirror struct {
	blockUser string
	entered   chan struct{}
	release   chan struct{}
}

func (m *blockingMirror) Create(context.Context, session.Session) error { return nil }
func (m *blockingMirror) Delete(context.Context, string) error          { return nil }

func (m *blockingMirror) Identify(_ context.Context, _, username string) error {
	if username == m.blockUser {
		m.entered <- struct{}{}
		<-m.release
	}
	return nil
}

func newHarness(t *testing.T, users ...string) *harness {
	t.Helper()
	return newHarnessWithMirror(t, nil, users...)
}

func newHarnessWithMirror(t *testing.T, mirror session.Mirror, users ...string) *harness {
	t.Helper()
	c := clock.Fake(t0)
	st := memory.New(c)
	for _, u := range users {
		if _, err := st.Upsert(context.Background(), store.User{Username: u, Name: u}); err != nil {
			t.Fatalf("Upsert(%s) error: %v", u, err)
		}
	}
	h := &harness{
		fanout:   newRecorder(),
		feed:     &fakeFeed{},
		store:    st,
		sessions: session.NewManager(c, mirror),
		clock:    c,
	}
	h.router = New(Config{
		Presence: presence.NewTable(),
		Sessions: h.sessions,
		Users:    st,
		Messages: st,
		Fanout:   h.fanout,
		Feed:     h.feed,
		Clock:    c,
	})
	return h
}

// connect opens a connection and, if username is non-empty, announces it.
func (h *harness) connect(t *testing.T, connID, username string) {
	t.Helper()
	h.sessions.Open(connID, "", "127.0.0.1:1")
	h.fanout.open(connID)
	if username == "" {
		return
	}
	if err := h.router.Announce(context.Background(), connID, username); err != nil {
		t.Fatalf("Announce(%s, %s) error: %v", connID, username, err)
	}
}

func send(sender, receiver, text string) protocol.SendMessageMsg {
	return protocol.SendMessageMsg{Type: protocol.TypeSendMessage, Sender: sender, Receiver: receiver, Text: text}
}

func TestAnnounceBroadcastsPresence(t *testing.T) {
	h := newHarness(t, "alice", "bob")
	h.connect(t, "c1", "alice")
	h.connect(t, "c2", "bob")

	got := h.fanout.ofType("c1", protocol.TypePresenceChanged)
	if len(got) != 2 {
		t.Fatalf("c1 presence frames = %d, want 2", len(got))
	}
	online := got[1]["onlineUsernames"].([]interface{})
	if len(online) != 2 || online[0] != "alice" || online[1] != "bob" {
		t.Errorf("onlineUsernames = %v, want [alice bob]", online)
	}

	u, _ := h.store.FindUser(context.Background(), "alice")
	if !u.Online {
		t.Error("expected alice to be marked online")
	}
	if conn, ok := h.router.Presence().Resolve("bob"); !ok || conn != "c2" {
		t.Errorf("Resolve(bob) = %q, %v", conn, ok)
	}
}

func TestAnnounceRejectsOtherIdentity(t *testing.T) {
	h := newHarness(t, "alice", "mallory")
	h.sessions.Open("c1", "mallory", "127.0.0.1:1")
	h.fanout.open("c1")

	err := h.router.Announce(context.Background(), "c1", "alice")
	if !errors.Is(err, session.ErrIdentityMismatch) {
		t.Fatalf("Announce() error = %v, want ErrIdentityMismatch", err)
	}
	if _, ok := h.router.Presence().Resolve("alice"); ok {
		t.Error("alice should not be online")
	}
}

func TestAnnounceBlankUsername(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "c1", "")
	if err := h.router.Announce(context.Background(), "c1", ""); !errors.Is(err, ErrInvalidUsername) {
		t.Errorf("Announce() error = %v, want ErrInvalidUsername", err)
	}
}

func TestSendRoundTrip(t *testing.T) {
	h := newHarness(t, "alice", "bob")
	h.connect(t, "ca", "alice")
	h.connect(t, "cb", "bob")
	ctx := context.Background()

	if err := h.router.Send(ctx, "ca", send("alice", "bob", "hi")); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	conv, _ := h.store.Conversation(ctx, "alice", "bob")
	if len(conv) != 1 {
		t.Fatalf("persisted %d messages, want 1", len(conv))
	}
	m := conv[0]
	if m.Sender != "alice" || m.Receiver != "bob" || m.Text != "hi" || m.Read {
		t.Errorf("unexpected message: %+v", m)
	}

	for _, conn := range []string{"ca", "cb"} {
		got := h.fanout.ofType(conn, protocol.TypeMessageReceived)
		if len(got) != 1 {
			t.Fatalf("%s messageReceived frames = %d, want 1", conn, len(got))
		}
		msg := got[0]["message"].(map[string]interface{})
		if msg["_id"] != m.ID {
			t.Errorf("%s got _id %v, want %v", conn, msg["_id"], m.ID)
		}
	}

	kinds := h.feed.kinds()
	if kinds[len(kinds)-1] != messaging.KindMessageCreated {
		t.Errorf("last feed event = %s, want %s", kinds[len(kinds)-1], messaging.KindMessageCreated)
	}
}

func TestSendEchoesClientID(t *testing.T) {
	h := newHarness(t, "alice")
	h.connect(t, "ca", "alice")

	msg := send("alice", "bob", "hi")
	msg.ClientID = "tmp-42"
	if err := h.router.Send(context.Background(), "ca", msg); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	got := h.fanout.ofType("ca", protocol.TypeMessageReceived)
	if len(got) != 1 || got[0]["clientId"] != "tmp-42" {
		t.Errorf("echo = %v, want clientId tmp-42", got)
	}
}

func TestSendToOfflineRecipient(t *testing.T) {
	h := newHarness(t, "alice", "bob")
	h.connect(t, "ca", "alice")
	h.connect(t, "cb", "")
	ctx := context.Background()

	if err := h.router.Send(ctx, "ca", send("alice", "bob", "hello")); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	conv, _ := h.store.Conversation(ctx, "alice", "bob")
	if len(conv) != 1 || conv[0].Text != "hello" || conv[0].Read {
		t.Fatalf("unexpected conversation: %+v", conv)
	}
	if got := h.fanout.ofType("ca", protocol.TypeMessageReceived); len(got) != 1 {
		t.Errorf("sender echo frames = %d, want 1", len(got))
	}

	// Bob comes online later and gets no replay.
	if err := h.router.Announce(ctx, "cb", "bob"); err != nil {
		t.Fatalf("Announce() error: %v", err)
	}
	if got := h.fanout.ofType("cb", protocol.TypeMessageReceived); len(got) != 0 {
		t.Errorf("bob got %d messageReceived frames, want 0", len(got))
	}
}

func TestSendEmptyTextIsNoop(t *testing.T) {
	h := newHarness(t, "alice", "bob")
	h.connect(t, "ca", "alice")
	h.connect(t, "cb", "bob")
	ctx := context.Background()

	if err := h.router.Send(ctx, "ca", send("alice", "bob", "   ")); err != nil {
		t.Fatalf("Send() error = %v, want nil", err)
	}
	if conv, _ := h.store.Conversation(ctx, "alice", "bob"); len(conv) != 0 {
		t.Errorf("persisted %d messages, want 0", len(conv))
	}
	if got := h.fanout.ofType("cb", protocol.TypeMessageReceived); len(got) != 0 {
		t.Errorf("receiver frames = %d, want 0", len(got))
	}
}

func TestSendRejections(t *testing.T) {
	h := newHarness(t, "alice", "bob")
	h.connect(t, "ca", "alice")
	h.connect(t, "cx", "")
	ctx := context.Background()

	cases := []struct {
		name   string
		conn   string
		msg    protocol.SendMessageMsg
		target error
	}{
		{"not identified", "cx", send("alice", "bob", "hi"), ErrNotIdentified},
		{"unknown connection", "nope", send("alice", "bob", "hi"), ErrNotIdentified},
		{"spoofed sender", "ca", send("bob", "alice", "hi"), ErrSenderMismatch},
		{"invalid utf8", "ca", send("alice", "bob", "bad\xff"), ErrInvalidMessage},
		{"no receiver", "ca", send("alice", "", "hi"), ErrInvalidMessage},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := h.router.Send(ctx, tc.conn, tc.msg); !errors.Is(err, tc.target) {
				t.Errorf("Send() error = %v, want %v", err, tc.target)
			}
		})
	}

	if conv, _ := h.store.Conversation(ctx, "alice", "bob"); len(conv) != 0 {
		t.Errorf("persisted %d messages, want 0", len(conv))
	}
}

func TestSendRateLimited(t *testing.T) {
	h := newHarness(t, "alice")
	h.router.limiter = denyLimiter{}
	h.connect(t, "ca", "alice")

	err := h.router.Send(context.Background(), "ca", send("alice", "bob", "hi"))
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("Send() error = %v, want *RateLimitError", err)
	}
	if !errors.Is(err, ErrRateLimited) {
		t.Error("RateLimitError should match ErrRateLimited")
	}
	if rl.RetryAfter != 7*time.Second {
		t.Errorf("RetryAfter = %v, want 7s", rl.RetryAfter)
	}
}

func TestSendPersistenceFailure(t *testing.T) {
	h := newHarness(t, "alice", "bob")
	h.router.messages = failingMessages{h.store}
	h.connect(t, "ca", "alice")
	h.connect(t, "cb", "bob")

	if err := h.router.Send(context.Background(), "ca", send("alice", "bob", "hi")); err == nil {
		t.Fatal("expected an error")
	}
	for _, conn := range []string{"ca", "cb"} {
		if got := h.fanout.ofType(conn, protocol.TypeMessageReceived); len(got) != 0 {
			t.Errorf("%s got %d messageReceived frames, want 0", conn, len(got))
		}
	}
}

func TestTyping(t *testing.T) {
	h := newHarness(t, "alice", "bob")
	h.connect(t, "ca", "alice")
	h.connect(t, "cb", "bob")
	ctx := context.Background()

	typing := protocol.TypingMsg{Sender: "alice", Receiver: "bob"}
	if err := h.router.Typing(ctx, "ca", protocol.TypeTyping, typing); err != nil {
		t.Fatalf("Typing() error: %v", err)
	}
	if err := h.router.Typing(ctx, "ca", protocol.TypeStopTyping, typing); err != nil {
		t.Fatalf("Typing(stop) error: %v", err)
	}

	got := h.fanout.ofType("cb", protocol.TypeTyping)
	if len(got) != 1 || got[0]["sender"] != "alice" {
		t.Errorf("bob typing frames = %v", got)
	}
	if got := h.fanout.ofType("cb", protocol.TypeStopTyping); len(got) != 1 {
		t.Errorf("bob stopTyping frames = %d, want 1", len(got))
	}
	if got := h.fanout.ofType("ca", protocol.TypeTyping); len(got) != 0 {
		t.Errorf("alice typing frames = %d, want 0", len(got))
	}
}

func TestTypingToOfflineIsDropped(t *testing.T) {
	h := newHarness(t, "alice")
	h.connect(t, "ca", "alice")

	err := h.router.Typing(context.Background(), "ca", protocol.TypeTyping, protocol.TypingMsg{Sender: "alice", Receiver: "bob"})
	if err != nil {
		t.Errorf("Typing() error = %v, want nil", err)
	}
}

func TestMarkReadAcknowledgesAuthor(t *testing.T) {
	h := newHarness(t, "alice", "bob")
	h.connect(t, "ca", "alice")
	h.connect(t, "cb", "bob")
	ctx := context.Background()

	if err := h.router.Send(ctx, "ca", send("alice", "bob", "read me")); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	conv, _ := h.store.Conversation(ctx, "alice", "bob")
	id := conv[0].ID

	mark := protocol.MarkReadMsg{MessageIDs: []string{id}, Sender: "alice", Receiver: "bob", IsList: true}
	for i := 0; i < 2; i++ {
		if err := h.router.MarkRead(ctx, "cb", mark); err != nil {
			t.Fatalf("MarkRead() #%d error: %v", i+1, err)
		}
	}

	m, _ := h.store.FindMessage(ctx, id)
	if !m.Read {
		t.Error("expected message to be read")
	}

	acks := h.fanout.ofType("ca", protocol.TypeMessagesRead)
	if len(acks) != 2 {
		t.Fatalf("alice messagesRead frames = %d, want 2", len(acks))
	}
	ids := acks[0]["messageIds"].([]interface{})
	if len(ids) != 1 || ids[0] != id {
		t.Errorf("messageIds = %v, want [%s]", ids, id)
	}
	if got := h.fanout.ofType("cb", protocol.TypeMessagesRead); len(got) != 0 {
		t.Errorf("bob messagesRead frames = %d, want 0", len(got))
	}

	reads := 0
	for _, k := range h.feed.kinds() {
		if k == messaging.KindMessagesRead {
			reads++
		}
	}
	if reads != 1 {
		t.Errorf("message.read feed events = %d, want 1", reads)
	}
}

func TestMarkReadNonListIsNoop(t *testing.T) {
	h := newHarness(t, "alice", "bob")
	h.connect(t, "ca", "alice")
	h.connect(t, "cb", "bob")

	err := h.router.MarkRead(context.Background(), "cb", protocol.MarkReadMsg{Sender: "alice", Receiver: "bob"})
	if err != nil {
		t.Fatalf("MarkRead() error = %v, want nil", err)
	}
	if got := h.fanout.ofType("ca", protocol.TypeMessagesRead); len(got) != 0 {
		t.Errorf("alice messagesRead frames = %d, want 0", len(got))
	}
}

func TestMarkReadByNonReceiver(t *testing.T) {
	h := newHarness(t, "alice", "bob")
	h.connect(t, "ca", "alice")

	mark := protocol.MarkReadMsg{MessageIDs: []string{"x"}, Sender: "alice", Receiver: "bob", IsList: true}
	if err := h.router.MarkRead(context.Background(), "ca", mark); !errors.Is(err, ErrSenderMismatch) {
		t.Errorf("MarkRead() error = %v, want ErrSenderMismatch", err)
	}
}

func TestMarkReadIgnoresOtherConversations(t *testing.T) {
	h := newHarness(t, "alice", "bob", "mallory")
	h.connect(t, "ca", "alice")
	h.connect(t, "cm", "mallory")
	ctx := context.Background()

	if err := h.router.Send(ctx, "ca", send("alice", "bob", "for bob only")); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	conv, _ := h.store.Conversation(ctx, "alice", "bob")
	id := conv[0].ID
	h.fanout.reset()

	// mallory names herself as receiver of a message addressed to bob.
	mark := protocol.MarkReadMsg{MessageIDs: []string{id}, Sender: "alice", Receiver: "mallory", IsList: true}
	if err := h.router.MarkRead(ctx, "cm", mark); err != nil {
		t.Fatalf("MarkRead() error = %v, want nil", err)
	}

	if m, _ := h.store.FindMessage(ctx, id); m.Read {
		t.Error("alice->bob message must stay unread")
	}
	if got := h.fanout.ofType("ca", protocol.TypeMessagesRead); len(got) != 0 {
		t.Errorf("alice messagesRead frames = %d, want 0", len(got))
	}
	for _, k := range h.feed.kinds() {
		if k == messaging.KindMessagesRead {
			t.Error("unexpected message.read feed event")
		}
	}
}

func TestDeleteUnknownID(t *testing.T) {
	h := newHarness(t, "alice", "bob")
	h.connect(t, "ca", "alice")
	h.connect(t, "cb", "bob")
	h.fanout.reset()

	err := h.router.DeleteMessage(context.Background(), "ca", "does-not-exist")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("DeleteMessage() error = %v, want ErrNotFound", err)
	}
	for _, conn := range []string{"ca", "cb"} {
		if got := h.fanout.ofType(conn, protocol.TypeMessageDeleted); len(got) != 0 {
			t.Errorf("%s messageDeleted frames = %d, want 0", conn, len(got))
		}
	}
}

func TestDeleteTargetsParticipantsOnly(t *testing.T) {
	h := newHarness(t, "alice", "bob", "carol")
	h.connect(t, "ca", "alice")
	h.connect(t, "cb", "bob")
	h.connect(t, "cc", "carol")
	ctx := context.Background()

	if err := h.router.Send(ctx, "ca", send("alice", "bob", "oops")); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	conv, _ := h.store.Conversation(ctx, "alice", "bob")
	id := conv[0].ID

	if err := h.router.DeleteMessage(ctx, "cb", id); err != nil {
		t.Fatalf("DeleteMessage() error: %v", err)
	}
	if _, err := h.store.FindMessage(ctx, id); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("message still present: %v", err)
	}

	for conn, want := range map[string]int{"ca": 1, "cb": 1, "cc": 0} {
		if got := h.fanout.ofType(conn, protocol.TypeMessageDeleted); len(got) != want {
			t.Errorf("%s messageDeleted frames = %d, want %d", conn, len(got), want)
		}
	}
}

func TestDeleteByOutsider(t *testing.T) {
	h := newHarness(t, "alice", "bob", "carol")
	h.connect(t, "ca", "alice")
	h.connect(t, "cc", "carol")
	ctx := context.Background()

	if err := h.router.Send(ctx, "ca", send("alice", "bob", "private")); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	conv, _ := h.store.Conversation(ctx, "alice", "bob")

	if err := h.router.DeleteMessage(ctx, "cc", conv[0].ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("DeleteMessage() error = %v, want ErrForbidden", err)
	}
	if _, err := h.store.FindMessage(ctx, conv[0].ID); err != nil {
		t.Errorf("message should survive: %v", err)
	}
}

func TestReconnectKeepsNewestMapping(t *testing.T) {
	h := newHarness(t, "alice", "bob")
	h.connect(t, "old", "alice")
	h.connect(t, "new", "alice")
	h.connect(t, "cb", "bob")
	ctx := context.Background()

	// The orphaned connection closing must not take alice offline.
	h.router.Disconnect(ctx, "old")
	if conn, ok := h.router.Presence().Resolve("alice"); !ok || conn != "new" {
		t.Fatalf("Resolve(alice) = %q, %v, want new", conn, ok)
	}
	u, _ := h.store.FindUser(ctx, "alice")
	if !u.Online {
		t.Error("alice should still be online")
	}

	if err := h.router.Send(ctx, "cb", send("bob", "alice", "yo")); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if got := h.fanout.ofType("new", protocol.TypeMessageReceived); len(got) != 1 {
		t.Errorf("new conn frames = %d, want 1", len(got))
	}
	if got := h.fanout.ofType("old", protocol.TypeMessageReceived); len(got) != 0 {
		t.Errorf("orphaned conn frames = %d, want 0", len(got))
	}
}

func TestDisconnectMarksOfflineOnce(t *testing.T) {
	h := newHarness(t, "alice", "bob")
	h.connect(t, "ca", "alice")
	h.connect(t, "cb", "bob")
	ctx := context.Background()
	h.fanout.reset()

	h.clock.Advance(5 * time.Minute)
	h.router.Disconnect(ctx, "ca")
	h.router.Disconnect(ctx, "ca")

	if _, ok := h.router.Presence().Resolve("alice"); ok {
		t.Error("alice should be offline")
	}
	u, _ := h.store.FindUser(ctx, "alice")
	if u.Online {
		t.Error("alice should be marked offline")
	}
	want := t0.Add(5 * time.Minute)
	if u.LastSeen == nil || !u.LastSeen.Equal(want) {
		t.Errorf("lastSeen = %v, want %v", u.LastSeen, want)
	}

	got := h.fanout.ofType("cb", protocol.TypePresenceChanged)
	if len(got) != 1 {
		t.Fatalf("presence frames = %d, want 1", len(got))
	}
	online := got[0]["onlineUsernames"].([]interface{})
	if len(online) != 1 || online[0] != "bob" {
		t.Errorf("onlineUsernames = %v, want [bob]", online)
	}
}

func TestDisconnectWhileAnnouncing(t *testing.T) {
	mirror := &blockingMirror{
		blockUser: "alice",
		entered:   make(chan struct{}, 1),
		release:   make(chan struct{}),
	}
	h := newHarnessWithMirror(t, mirror, "alice", "bob")
	h.connect(t, "cb", "bob")
	ctx := context.Background()

	h.sessions.Open("ca", "", "127.0.0.1:2")
	h.fanout.open("ca")

	done := make(chan error, 1)
	go func() { done <- h.router.Announce(ctx, "ca", "alice") }()

	<-mirror.entered
	h.router.Disconnect(ctx, "ca")
	close(mirror.release)

	if err := <-done; !errors.Is(err, session.ErrClosed) {
		t.Fatalf("Announce() error = %v, want ErrClosed", err)
	}
	if conn, ok := h.router.Presence().Resolve("alice"); ok {
		t.Errorf("closed connection still routed: Resolve(alice) = %q", conn)
	}
	if online := h.router.Presence().ListOnline(); len(online) != 1 || online[0] != "bob" {
		t.Errorf("ListOnline() = %v, want [bob]", online)
	}
	if u, _ := h.store.FindUser(ctx, "alice"); u.Online {
		t.Error("alice must not be marked online")
	}
}

func TestSignOutUnroutesUser(t *testing.T) {
	h := newHarness(t, "alice", "bob")
	h.connect(t, "ca", "alice")
	h.connect(t, "cb", "bob")
	ctx := context.Background()
	h.fanout.reset()

	h.clock.Advance(time.Minute)
	if err := h.router.SignOut(ctx, "alice"); err != nil {
		t.Fatalf("SignOut() error: %v", err)
	}

	if _, ok := h.router.Presence().Resolve("alice"); ok {
		t.Error("alice should no longer be routed")
	}
	u, _ := h.store.FindUser(ctx, "alice")
	if u.Online || u.LastSeen == nil || !u.LastSeen.Equal(t0.Add(time.Minute)) {
		t.Errorf("user after sign out = %+v", u)
	}
	got := h.fanout.ofType("cb", protocol.TypePresenceChanged)
	if len(got) != 1 {
		t.Fatalf("presence frames = %d, want 1", len(got))
	}
	if online := got[0]["onlineUsernames"].([]interface{}); len(online) != 1 || online[0] != "bob" {
		t.Errorf("onlineUsernames = %v, want [bob]", online)
	}

	// The socket closing later has nothing left to announce.
	h.fanout.reset()
	h.router.Disconnect(ctx, "ca")
	if got := h.fanout.ofType("cb", protocol.TypePresenceChanged); len(got) != 0 {
		t.Errorf("presence frames after disconnect = %d, want 0", len(got))
	}
}

func TestDisconnectUnidentifiedIsSilent(t *testing.T) {
	h := newHarness(t, "bob")
	h.connect(t, "cb", "bob")
	h.connect(t, "cx", "")
	h.fanout.reset()

	h.router.Disconnect(context.Background(), "cx")
	if got := h.fanout.ofType("cb", protocol.TypePresenceChanged); len(got) != 0 {
		t.Errorf("presence frames = %d, want 0", len(got))
	}
}

func TestEventsAfterCloseAreRejected(t *testing.T) {
	h := newHarness(t, "alice")
	h.connect(t, "ca", "alice")
	h.router.Disconnect(context.Background(), "ca")

	if err := h.router.Send(context.Background(), "ca", send("alice", "bob", "late")); !errors.Is(err, ErrNotIdentified) {
		t.Errorf("Send() error = %v, want ErrNotIdentified", err)
	}
}
