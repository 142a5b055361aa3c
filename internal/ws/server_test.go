package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/duochat/chat-server/internal/auth"
	"github.com/duochat/chat-server/internal/store"
)

type e2e struct {
	server *Server
	http   *httptest.Server
	store  *store.Memory
	jwt    *auth.JWTManager
}

func newE2E(t *testing.T) *e2e {
	t.Helper()
	st := store.NewMemory()
	jwt := auth.NewJWTManager(auth.JWTConfig{SecretKey: "test-secret", AccessTokenDuration: time.Hour, Issuer: "test"})

	config := DefaultServerConfig()
	config.Heartbeat.Interval = 0
	srv := NewServer(config, NewHub(st, jwt, HubOptions{}))
	hs := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		hs.Close()
	})
	return &e2e{server: srv, http: hs, store: st, jwt: jwt}
}

func (e *e2e) user(t *testing.T, name string) (store.User, string) {
	t.Helper()
	u, err := e.store.CreateUser(context.Background(), store.NewUser{Username: name, Email: name + "@example.com", PasswordHash: "x"})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	tok, err := e.jwt.GenerateAccessToken(u.ID)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}
	return u, tok
}

type client struct {
	conn net.Conn
	rw   io.ReadWriter
}

func (e *e2e) dial(t *testing.T, chatID int64, token string) *client {
	t.Helper()
	url := fmt.Sprintf("ws%s/ws/%d", strings.TrimPrefix(e.http.URL, "http"), chatID)
	if token != "" {
		url += "?token=" + token
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })

	c := &client{conn: conn, rw: conn}
	if br != nil {
		c.rw = struct {
			io.Reader
			io.Writer
		}{br, conn}
	}
	return c
}

func (c *client) send(t *testing.T, frame string) {
	t.Helper()
	if err := wsutil.WriteClientText(c.conn, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// next reads frames until one matches.
func (c *client) next(t *testing.T, match func(map[string]any) bool) map[string]any {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		data, err := wsutil.ReadServerText(c.rw)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("frame is not JSON: %s", data)
		}
		if match(m) {
			return m
		}
	}
}

func TestServer_RejectsWithPolicyViolation(t *testing.T) {
	e := newE2E(t)
	alice, _ := e.user(t, "alice")
	bob, _ := e.user(t, "bob")
	_, carolTok := e.user(t, "carol")
	chatAB, _ := e.store.GetOrCreateChat(context.Background(), alice.ID, bob.ID)

	for name, tc := range map[string]struct {
		chatID int64
		token  string
	}{
		"no token":   {chatAB.ID, ""},
		"bad token":  {chatAB.ID, "not-a-jwt"},
		"non member": {chatAB.ID, carolTok},
	} {
		t.Run(name, func(t *testing.T) {
			c := e.dial(t, tc.chatID, tc.token)
			_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, err := wsutil.ReadServerText(c.rw)

			var closed wsutil.ClosedError
			if !errors.As(err, &closed) {
				t.Fatalf("read error = %v, want close frame", err)
			}
			if closed.Code != ws.StatusPolicyViolation {
				t.Errorf("close code = %d, want 1008", closed.Code)
			}
		})
	}

	if rooms := e.server.hub.Registry().Rooms(); rooms != 0 {
		t.Errorf("registry has %d rooms after rejected handshakes", rooms)
	}
}

func TestServer_ChatRoundTrip(t *testing.T) {
	e := newE2E(t)
	alice, aliceTok := e.user(t, "alice")
	bob, bobTok := e.user(t, "bob")
	chatX, _ := e.store.GetOrCreateChat(context.Background(), alice.ID, bob.ID)

	bc := e.dial(t, chatX.ID, bobTok)
	waitFor(t, "bob subscribed", func() bool { return e.server.hub.Registry().Count(chatX.ID) == 1 })

	ac := e.dial(t, chatX.ID, aliceTok)
	bc.next(t, isStatus("alice", true))

	ac.send(t, `{"action":"typing"}`)
	bc.next(t, isAction("typing"))

	ac.send(t, `{"message":"hi"}`)
	got := bc.next(t, isMessage("alice", "hi"))
	if len(got["time"].(string)) != 5 {
		t.Errorf("time = %q, want HH:MM", got["time"])
	}
	ac.next(t, isMessage("alice", "hi"))

	ac.conn.Close()
	bc.next(t, isStatus("alice", false))
	waitFor(t, "alice unsubscribed", func() bool { return e.server.hub.Registry().Count(chatX.ID) == 1 })
}

func TestServer_Health(t *testing.T) {
	e := newE2E(t)

	resp, err := http.Get(e.http.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != http.StatusOK || body.Status != "ok" {
		t.Errorf("health = %d %+v", resp.StatusCode, body)
	}
}

func TestServer_ShutdownClosesSessions(t *testing.T) {
	e := newE2E(t)
	alice, aliceTok := e.user(t, "alice")
	bob, _ := e.user(t, "bob")
	chatX, _ := e.store.GetOrCreateChat(context.Background(), alice.ID, bob.ID)

	e.dial(t, chatX.ID, aliceTok)
	waitFor(t, "alice subscribed", func() bool { return e.server.hub.Registry().Count(chatX.ID) == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.server.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	if e.server.Connections().Count() != 0 {
		t.Errorf("connections after shutdown = %d", e.server.Connections().Count())
	}
	if e.server.hub.Registry().Rooms() != 0 {
		t.Error("rooms left after shutdown")
	}
	u, _ := e.store.FindUserByID(context.Background(), alice.ID)
	if u.IsOnline {
		t.Error("alice still online after shutdown")
	}
}

func TestNewServer_EnforcesMinWriteTimeout(t *testing.T) {
	hub := NewHub(store.NewMemory(), tokenMap{}, HubOptions{})
	tests := []struct {
		name string
		in   time.Duration
		want time.Duration
	}{
		{"zero", 0, MinWriteTimeout},
		{"negative", -time.Second, MinWriteTimeout},
		{"below minimum", 10 * time.Millisecond, MinWriteTimeout},
		{"kept", 5 * time.Second, 5 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultServerConfig()
			config.WriteTimeout = tt.in
			config.Heartbeat.Interval = 0
			srv := NewServer(config, hub)
			if srv.config.WriteTimeout != tt.want {
				t.Errorf("WriteTimeout = %v, want %v", srv.config.WriteTimeout, tt.want)
			}
		})
	}
}
