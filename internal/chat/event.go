// Package chat holds chat content rules and the domain events emitted to the
// message bus when messages are persisted or presence changes.
package chat

import "time"

// MessageEvent is published to chat.<chat_id>.message after a message has
// been persisted and delivered to the live room.
type MessageEvent struct {
	MessageID int64     `json:"message_id"`
	ChatID    int64     `json:"chat_id"`
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// PresenceEvent is published to presence.<user_id> on every online/offline
// transition.
type PresenceEvent struct {
	UserID   int64     `json:"user_id"`
	Username string    `json:"username"`
	IsOnline bool      `json:"is_online"`
	LastSeen time.Time `json:"last_seen"`
}
