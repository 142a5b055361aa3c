// Package store defines the durable data model of the chat backend (users,
// pairwise chats and their messages) together with the Store contract the
// realtime core and the HTTP API depend on. Two implementations are provided:
// an in-memory Store for development and tests, and a PostgreSQL Store.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a user, chat or message does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a unique constraint (username, email)
	// would be violated.
	ErrConflict = errors.New("store: already exists")

	// ErrSelfChat is returned when a chat is requested between a user and
	// themselves. Every chat has exactly two distinct members.
	ErrSelfChat = errors.New("store: chat requires two distinct users")

	// ErrEmptyContent is returned when a message with no content is written.
	ErrEmptyContent = errors.New("store: message content is empty")
)

// User is a registered account. PasswordHash is owned by the auth service and
// never leaves the backend.
type User struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	IsOnline     bool
	LastSeen     *time.Time
}

// Chat is a pairwise conversation. Members is kept in ascending id order.
type Chat struct {
	ID        int64
	CreatedAt time.Time
	Members   [2]int64
}

// HasMember reports whether userID is one of the two chat members.
func (c *Chat) HasMember(userID int64) bool {
	return c.Members[0] == userID || c.Members[1] == userID
}

// Partner returns the other member of the chat, or 0 if userID is not a member.
func (c *Chat) Partner(userID int64) int64 {
	switch userID {
	case c.Members[0]:
		return c.Members[1]
	case c.Members[1]:
		return c.Members[0]
	}
	return 0
}

// Message is an immutable chat message. Username is the author's username,
// resolved when the message is read back.
type Message struct {
	ID        int64
	ChatID    int64
	UserID    int64
	Username  string
	Content   string
	CreatedAt time.Time
}

// ChatPeer is one entry of a user's chat list: the chat id and the username
// of the other member.
type ChatPeer struct {
	ChatID   int64
	UserID   int64
	Username string
}

// NewUser carries the fields needed to register an account.
type NewUser struct {
	Username     string
	Email        string
	PasswordHash string
}

// Store is the durable storage contract. Implementations must be safe for
// concurrent use; each operation is atomic on its own.
type Store interface {
	CreateUser(ctx context.Context, u NewUser) (User, error)
	FindUserByID(ctx context.Context, id int64) (User, error)
	// FindUserByLogin looks a user up by username or email.
	FindUserByLogin(ctx context.Context, login string) (User, error)
	ListUsersExcept(ctx context.Context, id int64) ([]User, error)

	FindChatByID(ctx context.Context, id int64) (Chat, error)
	IsMember(ctx context.Context, chatID, userID int64) (bool, error)
	GetChatsOf(ctx context.Context, userID int64) ([]Chat, error)
	ChatPeers(ctx context.Context, userID int64) ([]ChatPeer, error)
	// GetOrCreateChat returns the chat for the unordered pair (a, b),
	// creating it on first request.
	GetOrCreateChat(ctx context.Context, a, b int64) (Chat, error)

	CreateMessage(ctx context.Context, chatID, userID int64, content string) (Message, error)
	// ListMessages returns the chat history ordered by (created_at, id).
	ListMessages(ctx context.Context, chatID int64) ([]Message, error)

	SetPresence(ctx context.Context, userID int64, online bool, lastSeen time.Time) error

	Close() error
}

// orderPair returns the pair in ascending order.
func orderPair(a, b int64) (int64, int64) {
	if a > b {
		return b, a
	}
	return a, b
}
