package ws

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/duochat/chat-server/internal/chat"
	"github.com/duochat/chat-server/internal/metrics"
	"github.com/duochat/chat-server/internal/protocol"
	"github.com/duochat/chat-server/internal/store"
)

// ErrRateLimited is returned by Submit when the author exceeded the message
// rate limit.
var ErrRateLimited = errors.New("ws: message rate limit exceeded")

// roomLockStripes is the number of mutexes that serialize submissions per
// room. Rooms sharing a stripe also share the lock.
const roomLockStripes = 64

// MessageStore is the subset of store.Store used to persist messages.
type MessageStore interface {
	CreateMessage(ctx context.Context, chatID, userID int64, content string) (store.Message, error)
}

// RateLimiter decides whether an identifier may perform one more action.
type RateLimiter interface {
	Allow(ctx context.Context, identifier string) (bool, error)
}

// Publisher forwards domain events to the message bus.
type Publisher interface {
	PublishMessage(ev chat.MessageEvent) error
	PublishPresence(ev chat.PresenceEvent) error
}

// MessageRouter validates, persists and fans out chat messages. Within a
// room, the order messages are stored in is the order they are broadcast in.
type MessageRouter struct {
	store     MessageStore
	registry  *Registry
	limiter   RateLimiter
	publisher Publisher
	locks     [roomLockStripes]sync.Mutex
}

// NewMessageRouter creates a MessageRouter. limiter and publisher may be nil.
func NewMessageRouter(st MessageStore, registry *Registry, limiter RateLimiter, publisher Publisher) *MessageRouter {
	return &MessageRouter{store: st, registry: registry, limiter: limiter, publisher: publisher}
}

// Submit stores content as a message by author in chatID and delivers it to
// every subscriber of the room, including the author's own connections.
// Nothing is broadcast when validation, rate limiting or the store write fails.
func (r *MessageRouter) Submit(ctx context.Context, chatID int64, author store.User, content string) (store.Message, error) {
	if err := chat.ValidateMessage(content); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return store.Message{}, err
	}

	if r.limiter != nil {
		allowed, _ := r.limiter.Allow(ctx, strconv.FormatInt(author.ID, 10))
		if !allowed {
			metrics.MessagesTotal.WithLabelValues("rejected").Inc()
			return store.Message{}, ErrRateLimited
		}
	}

	start := time.Now()
	msg, err := r.persistAndBroadcast(ctx, chatID, author, content)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return store.Message{}, err
	}
	metrics.SubmitLatency.Observe(time.Since(start).Seconds())
	metrics.MessagesTotal.WithLabelValues("delivered").Inc()

	if r.publisher != nil {
		ev := chat.MessageEvent{
			MessageID: msg.ID,
			ChatID:    msg.ChatID,
			UserID:    msg.UserID,
			Username:  msg.Username,
			Text:      msg.Content,
			CreatedAt: msg.CreatedAt,
		}
		if err := r.publisher.PublishMessage(ev); err != nil {
			log.Printf("[router] publish message=%d chat=%d failed: %v", msg.ID, chatID, err)
		}
	}
	return msg, nil
}

func (r *MessageRouter) persistAndBroadcast(ctx context.Context, chatID int64, author store.User, content string) (store.Message, error) {
	mu := &r.locks[uint64(chatID)%roomLockStripes]
	mu.Lock()
	defer mu.Unlock()

	msg, err := r.store.CreateMessage(ctx, chatID, author.ID, content)
	if err != nil {
		return store.Message{}, fmt.Errorf("ws: persist message chat=%d: %w", chatID, err)
	}
	if msg.Username == "" {
		msg.Username = author.Username
	}

	frame, err := protocol.NewChatMessage(msg.Username, msg.Content, msg.CreatedAt)
	if err != nil {
		return msg, err
	}
	r.registry.Broadcast(chatID, frame, nil)
	return msg, nil
}
