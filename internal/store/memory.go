package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is a goroutine-safe in-memory Store. It is used when no database is
// configured and as the backing store in tests.
type Memory struct {
	mu       sync.RWMutex
	users    map[int64]*User
	chats    map[int64]*Chat
	pairs    map[[2]int64]int64 // ordered pair -> chat id
	messages map[int64][]Message
	nextUser int64
	nextChat int64
	nextMsg  int64

	// Now returns the timestamp assigned to new rows. Tests may replace it.
	Now func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:    make(map[int64]*User),
		chats:    make(map[int64]*Chat),
		pairs:    make(map[[2]int64]int64),
		messages: make(map[int64][]Message),
		Now:      time.Now,
	}
}

func (m *Memory) CreateUser(_ context.Context, nu NewUser) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if u.Username == nu.Username || strings.EqualFold(u.Email, nu.Email) {
			return User{}, fmt.Errorf("store: create user %q: %w", nu.Username, ErrConflict)
		}
	}

	m.nextUser++
	u := &User{
		ID:           m.nextUser,
		Username:     nu.Username,
		Email:        nu.Email,
		PasswordHash: nu.PasswordHash,
		CreatedAt:    m.Now(),
	}
	m.users[u.ID] = u
	return *u, nil
}

func (m *Memory) FindUserByID(_ context.Context, id int64) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return User{}, fmt.Errorf("store: user %d: %w", id, ErrNotFound)
	}
	return *u, nil
}

func (m *Memory) FindUserByLogin(_ context.Context, login string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, u := range m.users {
		if u.Username == login || strings.EqualFold(u.Email, login) {
			return *u, nil
		}
	}
	return User{}, fmt.Errorf("store: user %q: %w", login, ErrNotFound)
}

func (m *Memory) ListUsersExcept(_ context.Context, id int64) ([]User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]User, 0, len(m.users))
	for _, u := range m.users {
		if u.ID != id {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) FindChatByID(_ context.Context, id int64) (Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.chats[id]
	if !ok {
		return Chat{}, fmt.Errorf("store: chat %d: %w", id, ErrNotFound)
	}
	return *c, nil
}

func (m *Memory) IsMember(_ context.Context, chatID, userID int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.chats[chatID]
	if !ok {
		return false, fmt.Errorf("store: chat %d: %w", chatID, ErrNotFound)
	}
	return c.HasMember(userID), nil
}

func (m *Memory) GetChatsOf(_ context.Context, userID int64) ([]Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Chat
	for _, c := range m.chats {
		if c.HasMember(userID) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ChatPeers(ctx context.Context, userID int64) ([]ChatPeer, error) {
	chats, err := m.GetChatsOf(ctx, userID)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	peers := make([]ChatPeer, 0, len(chats))
	for _, c := range chats {
		partner := m.users[c.Partner(userID)]
		if partner == nil {
			continue
		}
		peers = append(peers, ChatPeer{ChatID: c.ID, UserID: partner.ID, Username: partner.Username})
	}
	return peers, nil
}

func (m *Memory) GetOrCreateChat(_ context.Context, a, b int64) (Chat, error) {
	if a == b {
		return Chat{}, ErrSelfChat
	}
	low, high := orderPair(a, b)

	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.pairs[[2]int64{low, high}]; ok {
		return *m.chats[id], nil
	}
	for _, id := range []int64{low, high} {
		if _, ok := m.users[id]; !ok {
			return Chat{}, fmt.Errorf("store: user %d: %w", id, ErrNotFound)
		}
	}

	m.nextChat++
	c := &Chat{ID: m.nextChat, CreatedAt: m.Now(), Members: [2]int64{low, high}}
	m.chats[c.ID] = c
	m.pairs[c.Members] = c.ID
	return *c, nil
}

func (m *Memory) CreateMessage(_ context.Context, chatID, userID int64, content string) (Message, error) {
	if content == "" {
		return Message{}, ErrEmptyContent
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.chats[chatID]
	if !ok {
		return Message{}, fmt.Errorf("store: chat %d: %w", chatID, ErrNotFound)
	}
	u, ok := m.users[userID]
	if !ok || !c.HasMember(userID) {
		return Message{}, fmt.Errorf("store: author %d in chat %d: %w", userID, chatID, ErrNotFound)
	}

	m.nextMsg++
	msg := Message{
		ID:        m.nextMsg,
		ChatID:    chatID,
		UserID:    userID,
		Username:  u.Username,
		Content:   content,
		CreatedAt: m.Now(),
	}
	m.messages[chatID] = append(m.messages[chatID], msg)
	return msg, nil
}

func (m *Memory) ListMessages(_ context.Context, chatID int64) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.chats[chatID]; !ok {
		return nil, fmt.Errorf("store: chat %d: %w", chatID, ErrNotFound)
	}

	out := make([]Message, len(m.messages[chatID]))
	copy(out, m.messages[chatID])
	for i := range out {
		if u := m.users[out[i].UserID]; u != nil {
			out[i].Username = u.Username
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) SetPresence(_ context.Context, userID int64, online bool, lastSeen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return fmt.Errorf("store: user %d: %w", userID, ErrNotFound)
	}
	u.IsOnline = online
	ls := lastSeen
	u.LastSeen = &ls
	return nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error {
	return nil
}
