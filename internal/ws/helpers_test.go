package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws"

	"github.com/duochat/chat-server/internal/store"
)

var fakeSeq atomic.Int64

// fakeTransport is an in-memory Transport. Frames pushed with deliver are
// returned by ReadFrame; hangup ends the stream like a client disconnect.
type fakeTransport struct {
	id string

	in       chan []byte
	closedCh chan struct{}
	once     sync.Once

	mu          sync.Mutex
	sent        [][]byte
	sendErr     error
	closeCode   ws.StatusCode
	closeReason string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		id:       fmt.Sprintf("fake-%d", fakeSeq.Add(1)),
		in:       make(chan []byte, 16),
		closedCh: make(chan struct{}),
	}
}

func (f *fakeTransport) ID() string { return f.id }

func (f *fakeTransport) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	if f.isClosed() {
		return ErrConnectionClosed
	}
	f.sent = append(f.sent, append([]byte(nil), frame...))
	return nil
}

func (f *fakeTransport) ReadFrame() ([]byte, error) {
	select {
	case data, ok := <-f.in:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	case <-f.closedCh:
		return nil, ErrConnectionClosed
	}
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closedCh) })
	return nil
}

func (f *fakeTransport) CloseWithStatus(code ws.StatusCode, reason string) error {
	f.mu.Lock()
	f.closeCode = code
	f.closeReason = reason
	f.mu.Unlock()
	return f.Close()
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closedCh:
		return true
	default:
		return false
	}
}

func (f *fakeTransport) deliver(frame string) { f.in <- []byte(frame) }

func (f *fakeTransport) hangup() { close(f.in) }

func (f *fakeTransport) failSends(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

// frames returns every frame sent so far, decoded as JSON objects.
func (f *fakeTransport) frames(t *testing.T) []map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.sent))
	for _, raw := range f.sent {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("sent frame is not JSON: %s", raw)
		}
		out = append(out, m)
	}
	return out
}

// waitFrame waits until a sent frame satisfies match and returns it.
func (f *fakeTransport) waitFrame(t *testing.T, desc string, match func(map[string]any) bool) map[string]any {
	t.Helper()
	var found map[string]any
	waitFor(t, desc, func() bool {
		for _, m := range f.frames(t) {
			if match(m) {
				found = m
				return true
			}
		}
		return false
	})
	return found
}

func (f *fakeTransport) countFrames(t *testing.T, match func(map[string]any) bool) int {
	t.Helper()
	n := 0
	for _, m := range f.frames(t) {
		if match(m) {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func isAction(action string) func(map[string]any) bool {
	return func(m map[string]any) bool { return m["action"] == action }
}

func isStatus(username string, online bool) func(map[string]any) bool {
	return func(m map[string]any) bool {
		return m["action"] == "user_status" && m["username"] == username && m["is_online"] == online
	}
}

func isMessage(username, text string) func(map[string]any) bool {
	return func(m map[string]any) bool {
		_, hasAction := m["action"]
		return !hasAction && m["username"] == username && m["message"] == text
	}
}

// tokenMap validates tokens by lookup.
type tokenMap map[string]int64

func (m tokenMap) ValidateToken(token string) (int64, error) {
	id, ok := m[token]
	if !ok {
		return 0, errors.New("unknown token")
	}
	return id, nil
}

// fixture is a hub over an in-memory store with registered users.
type fixture struct {
	store  *store.Memory
	tokens tokenMap
	hub    *Hub
	users  map[string]store.User
}

func newFixture(t *testing.T, opts HubOptions, usernames ...string) *fixture {
	t.Helper()
	fx := &fixture{
		store:  store.NewMemory(),
		tokens: tokenMap{},
		users:  map[string]store.User{},
	}
	for _, name := range usernames {
		u, err := fx.store.CreateUser(context.Background(), store.NewUser{
			Username:     name,
			Email:        name + "@example.com",
			PasswordHash: "x",
		})
		if err != nil {
			t.Fatalf("CreateUser(%s): %v", name, err)
		}
		fx.users[name] = u
		fx.tokens["tok-"+name] = u.ID
	}
	fx.hub = NewHub(fx.store, fx.tokens, opts)
	return fx
}

func (fx *fixture) chat(t *testing.T, a, b string) int64 {
	t.Helper()
	c, err := fx.store.GetOrCreateChat(context.Background(), fx.users[a].ID, fx.users[b].ID)
	if err != nil {
		t.Fatalf("GetOrCreateChat(%s, %s): %v", a, b, err)
	}
	return c.ID
}

// running is a session executing Run on its own goroutine.
type running struct {
	session   *ChatSession
	transport *fakeTransport
	done      chan error
}

// connect starts a session for username in chatID and waits until it is
// active.
func (fx *fixture) connect(t *testing.T, username string, chatID int64) *running {
	t.Helper()
	r := fx.start("tok-"+username, chatID)
	waitFor(t, username+" session active", func() bool { return r.session.State() == StateActive })
	waitFor(t, username+" subscribed", func() bool { return fx.hub.Registry().Has(chatID, r.transport) })
	return r
}

func (fx *fixture) start(token string, chatID int64) *running {
	tr := newFakeTransport()
	r := &running{
		session:   fx.hub.NewSession(tr, chatID, token),
		transport: tr,
		done:      make(chan error, 1),
	}
	go func() { r.done <- r.session.Run(context.Background()) }()
	return r
}

// disconnect ends the client stream and waits for Run to return.
func (r *running) disconnect(t *testing.T) {
	t.Helper()
	r.transport.hangup()
	r.wait(t)
}

func (r *running) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
		return nil
	}
}
