package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/duochat/chat-server/internal/chat"
	"github.com/duochat/chat-server/internal/metrics"
	"github.com/duochat/chat-server/internal/protocol"
	"github.com/duochat/chat-server/internal/store"
)

// Handshake rejection reasons, sent as the close frame reason.
const (
	ReasonMissingToken = "missing_token"
	ReasonInvalidToken = "invalid_token"
	ReasonUnknownUser  = "unknown_user"
	ReasonUnknownChat  = "unknown_chat"
	ReasonNotMember    = "not_member"
	ReasonStoreError   = "store_error"
)

// ErrHandshakeRejected matches every *HandshakeError via errors.Is.
var ErrHandshakeRejected = errors.New("ws: handshake rejected")

// HandshakeError describes why a session never became active.
type HandshakeError struct {
	Reason string
	Err    error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ws: handshake rejected (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("ws: handshake rejected (%s)", e.Reason)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

func (e *HandshakeError) Is(target error) bool { return target == ErrHandshakeRejected }

// State is a ChatSession lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateAuthorizing
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthorizing:
		return "authorizing"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Transport is the push channel a ChatSession runs over.
type Transport interface {
	Subscriber
	// ReadFrame blocks for the next inbound data frame.
	ReadFrame() ([]byte, error)
	// CloseWithStatus sends a close frame and closes the transport.
	CloseWithStatus(code ws.StatusCode, reason string) error
}

// TokenValidator resolves an access token to a user id.
type TokenValidator interface {
	ValidateToken(token string) (int64, error)
}

// SessionMirror records live sessions outside the process.
type SessionMirror interface {
	Track(ctx context.Context, sessionID string, userID, chatID int64) error
	Touch(ctx context.Context, sessionID string) error
	Forget(ctx context.Context, sessionID string, userID int64) error
}

// HubOptions holds the optional collaborators of a Hub.
type HubOptions struct {
	Limiter        RateLimiter   // message rate limit, nil disables
	Publisher      Publisher     // event bus, nil disables
	Mirror         SessionMirror // live session mirror, nil disables
	CleanupTimeout time.Duration // bound on disconnect cleanup, default 5s
}

// Hub owns the shared realtime state: the room registry, the message router
// and the presence tracker. One Hub serves every session of a server.
type Hub struct {
	store    store.Store
	tokens   TokenValidator
	registry *Registry
	router   *MessageRouter
	presence *PresenceTracker
	mirror   SessionMirror
	cleanup  time.Duration
}

// NewHub wires a Hub over st and tokens.
func NewHub(st store.Store, tokens TokenValidator, opts HubOptions) *Hub {
	reg := NewRegistry()
	cleanup := opts.CleanupTimeout
	if cleanup <= 0 {
		cleanup = 5 * time.Second
	}
	return &Hub{
		store:    st,
		tokens:   tokens,
		registry: reg,
		router:   NewMessageRouter(st, reg, opts.Limiter, opts.Publisher),
		presence: NewPresenceTracker(st, reg, opts.Publisher),
		mirror:   opts.Mirror,
		cleanup:  cleanup,
	}
}

// Registry returns the hub's room registry.
func (h *Hub) Registry() *Registry { return h.registry }

// Router returns the hub's message router.
func (h *Hub) Router() *MessageRouter { return h.router }

// Presence returns the hub's presence tracker.
func (h *Hub) Presence() *PresenceTracker { return h.presence }

// ChatSession drives one connection through
// connecting -> authorizing -> active -> closed.
type ChatSession struct {
	hub       *Hub
	transport Transport
	chatID    int64
	token     string
	user      store.User
	state     atomic.Int32
}

// NewSession creates a session for a connection to chatID that presented
// token. The session does nothing until Run is called.
func (h *Hub) NewSession(t Transport, chatID int64, token string) *ChatSession {
	return &ChatSession{hub: h, transport: t, chatID: chatID, token: token}
}

// State returns the current lifecycle state.
func (s *ChatSession) State() State {
	return State(s.state.Load())
}

// User returns the authenticated user. It is the zero User before the
// session became active.
func (s *ChatSession) User() store.User {
	return s.user
}

func (s *ChatSession) transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// Run authorizes the session, then processes inbound frames one at a time
// until the transport closes. A rejected handshake returns a *HandshakeError.
// A normal disconnect returns nil.
func (s *ChatSession) Run(ctx context.Context) error {
	if s.token == "" {
		return s.reject(StateConnecting, &HandshakeError{Reason: ReasonMissingToken})
	}
	s.transition(StateConnecting, StateAuthorizing)

	user, herr := s.authorize(ctx)
	if herr != nil {
		return s.reject(StateAuthorizing, herr)
	}
	s.user = user

	s.activate(ctx)
	defer s.close()

	for {
		data, err := s.transport.ReadFrame()
		if err != nil {
			if isNormalClose(err) {
				return nil
			}
			return fmt.Errorf("ws: read conn=%s: %w", s.transport.ID(), err)
		}
		s.handleFrame(ctx, data)
	}
}

func (s *ChatSession) authorize(ctx context.Context) (store.User, *HandshakeError) {
	userID, err := s.hub.tokens.ValidateToken(s.token)
	if err != nil {
		return store.User{}, &HandshakeError{Reason: ReasonInvalidToken, Err: err}
	}

	user, err := s.hub.store.FindUserByID(ctx, userID)
	if err != nil {
		return store.User{}, lookupFailure(ReasonUnknownUser, err)
	}

	if _, err := s.hub.store.FindChatByID(ctx, s.chatID); err != nil {
		return store.User{}, lookupFailure(ReasonUnknownChat, err)
	}

	member, err := s.hub.store.IsMember(ctx, s.chatID, user.ID)
	if err != nil {
		return store.User{}, lookupFailure(ReasonStoreError, err)
	}
	if !member {
		return store.User{}, &HandshakeError{Reason: ReasonNotMember}
	}
	return user, nil
}

func lookupFailure(reason string, err error) *HandshakeError {
	if !errors.Is(err, store.ErrNotFound) {
		reason = ReasonStoreError
	}
	return &HandshakeError{Reason: reason, Err: err}
}

func (s *ChatSession) reject(from State, herr *HandshakeError) error {
	s.transition(from, StateClosed)
	metrics.HandshakesTotal.WithLabelValues(herr.Reason).Inc()
	log.Printf("[session] rejected conn=%s chat=%d: %v", s.transport.ID(), s.chatID, herr)
	if err := s.transport.CloseWithStatus(ws.StatusPolicyViolation, herr.Reason); err != nil {
		log.Printf("[session] close conn=%s failed: %v", s.transport.ID(), err)
	}
	return herr
}

func (s *ChatSession) activate(ctx context.Context) {
	s.transition(StateAuthorizing, StateActive)
	metrics.HandshakesTotal.WithLabelValues("accepted").Inc()
	metrics.ConnectionsActive.Inc()

	s.hub.registry.Subscribe(s.chatID, s.transport)
	if err := s.hub.presence.Announce(ctx, s.user, true, s.transport); err != nil {
		log.Printf("[session] announce online user=%d failed: %v", s.user.ID, err)
	}
	if s.hub.mirror != nil {
		if err := s.hub.mirror.Track(ctx, s.transport.ID(), s.user.ID, s.chatID); err != nil {
			log.Printf("[session] mirror track conn=%s failed: %v", s.transport.ID(), err)
		}
	}
	log.Printf("[session] active conn=%s user=%s chat=%d", s.transport.ID(), s.user.Username, s.chatID)
}

// close runs the disconnect path once. It uses a fresh context because the
// request context may already be cancelled.
func (s *ChatSession) close() {
	if !s.transition(StateActive, StateClosed) {
		return
	}
	metrics.ConnectionsActive.Dec()
	s.hub.registry.Unsubscribe(s.chatID, s.transport)

	ctx, cancel := context.WithTimeout(context.Background(), s.hub.cleanup)
	defer cancel()

	if err := s.hub.presence.Announce(ctx, s.user, false, nil); err != nil {
		log.Printf("[session] announce offline user=%d failed: %v", s.user.ID, err)
	}
	if s.hub.mirror != nil {
		if err := s.hub.mirror.Forget(ctx, s.transport.ID(), s.user.ID); err != nil {
			log.Printf("[session] mirror forget conn=%s failed: %v", s.transport.ID(), err)
		}
	}
	_ = s.transport.Close()
	log.Printf("[session] closed conn=%s user=%s chat=%d", s.transport.ID(), s.user.Username, s.chatID)
}

func (s *ChatSession) handleFrame(ctx context.Context, data []byte) {
	frame, err := protocol.ParseClientFrame(data)
	if err != nil {
		metrics.FramesTotal.WithLabelValues("malformed").Inc()
		log.Printf("[session] malformed frame conn=%s: %v", s.transport.ID(), err)
		s.sendError(protocol.CodeMalformedFrame, "frame must be a JSON object with an action or a message")
		return
	}
	metrics.FramesTotal.WithLabelValues(frame.Kind.String()).Inc()

	switch frame.Kind {
	case protocol.KindTyping, protocol.KindStopTyping:
		out, err := protocol.NewTyping(s.user.Username, frame.Kind == protocol.KindTyping)
		if err != nil {
			log.Printf("[session] %v", err)
			return
		}
		s.hub.registry.Broadcast(s.chatID, out, s.transport)

	case protocol.KindMessage:
		if _, err := s.hub.router.Submit(ctx, s.chatID, s.user, frame.Text); err != nil {
			code, msg := submitErrorCode(err)
			log.Printf("[session] submit rejected conn=%s chat=%d: %v", s.transport.ID(), s.chatID, err)
			s.sendError(code, msg)
			return
		}
		if s.hub.mirror != nil {
			if err := s.hub.mirror.Touch(ctx, s.transport.ID()); err != nil {
				log.Printf("[session] mirror touch conn=%s failed: %v", s.transport.ID(), err)
			}
		}
	}
}

func submitErrorCode(err error) (code, message string) {
	switch {
	case errors.Is(err, chat.ErrEmptyContent), errors.Is(err, store.ErrEmptyContent):
		return protocol.CodeEmptyMessage, "message text is empty"
	case errors.Is(err, chat.ErrInvalidContent):
		return protocol.CodeInvalidMessage, err.Error()
	case errors.Is(err, ErrRateLimited):
		return protocol.CodeRateLimited, "too many messages, slow down"
	}
	return protocol.CodeStoreError, "message could not be saved"
}

func (s *ChatSession) sendError(code, message string) {
	out, err := protocol.NewError(code, message)
	if err != nil {
		log.Printf("[session] %v", err)
		return
	}
	if err := s.transport.Send(out); err != nil {
		log.Printf("[session] send error frame conn=%s failed: %v", s.transport.ID(), err)
	}
}

// isNormalClose reports whether err marks an orderly end of the stream.
func isNormalClose(err error) bool {
	var closed wsutil.ClosedError
	if errors.As(err, &closed) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, ErrConnectionClosed)
}
