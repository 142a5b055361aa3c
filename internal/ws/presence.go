package ws

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/duochat/chat-server/internal/chat"
	"github.com/duochat/chat-server/internal/protocol"
	"github.com/duochat/chat-server/internal/store"
)

// PresenceStore is the subset of store.Store used for presence updates.
type PresenceStore interface {
	SetPresence(ctx context.Context, userID int64, online bool, lastSeen time.Time) error
	GetChatsOf(ctx context.Context, userID int64) ([]store.Chat, error)
}

// PresenceTracker records online/offline transitions and fans them out to
// every room the user belongs to, whether or not the user is connected to it.
type PresenceTracker struct {
	store     PresenceStore
	registry  *Registry
	publisher Publisher
	now       func() time.Time
}

// NewPresenceTracker creates a PresenceTracker. publisher may be nil.
func NewPresenceTracker(st PresenceStore, registry *Registry, publisher Publisher) *PresenceTracker {
	return &PresenceTracker{store: st, registry: registry, publisher: publisher, now: time.Now}
}

// Announce persists the user's presence and broadcasts a user_status frame
// to all subscribers of each of the user's chats except exclude.
func (p *PresenceTracker) Announce(ctx context.Context, user store.User, online bool, exclude Subscriber) error {
	lastSeen := p.now()

	if err := p.store.SetPresence(ctx, user.ID, online, lastSeen); err != nil {
		return fmt.Errorf("ws: set presence user=%d: %w", user.ID, err)
	}

	chats, err := p.store.GetChatsOf(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("ws: chats of user=%d: %w", user.ID, err)
	}

	frame, err := protocol.NewUserStatus(user.Username, online, lastSeen)
	if err != nil {
		return err
	}
	for _, c := range chats {
		p.registry.Broadcast(c.ID, frame, exclude)
	}

	if p.publisher != nil {
		ev := chat.PresenceEvent{UserID: user.ID, Username: user.Username, IsOnline: online, LastSeen: lastSeen}
		if err := p.publisher.PublishPresence(ev); err != nil {
			log.Printf("[presence] publish user=%d failed: %v", user.ID, err)
		}
	}
	return nil
}
