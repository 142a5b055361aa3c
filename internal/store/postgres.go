package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgreSQL error codes the store translates into sentinel errors.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"
)

// Postgres is a Store backed by PostgreSQL through lib/pq.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects to the database at dsn, verifies the connection and
// applies pending migrations.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: postgres connection failed: %w", err)
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

// NewPostgres wraps an already opened and migrated database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// translate maps driver errors to the store's sentinel errors.
func translate(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", ErrConflict, pqErr.Constraint)
		case pgForeignKeyViolation:
			return fmt.Errorf("%w: %s", ErrNotFound, pqErr.Constraint)
		case pgCheckViolation:
			if pqErr.Constraint == "chats_distinct_members" {
				return ErrSelfChat
			}
			return ErrEmptyContent
		}
	}
	return err
}

const userColumns = `id, username, email, hashed_password, created_at, is_online, last_seen`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (User, error) {
	var (
		u        User
		lastSeen sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.IsOnline, &lastSeen); err != nil {
		return User{}, err
	}
	if lastSeen.Valid {
		t := lastSeen.Time
		u.LastSeen = &t
	}
	return u, nil
}

func (p *Postgres) CreateUser(ctx context.Context, nu NewUser) (User, error) {
	const query = `
		INSERT INTO users (username, email, hashed_password)
		VALUES ($1, $2, $3)
		RETURNING ` + userColumns

	u, err := scanUser(p.db.QueryRowContext(ctx, query, nu.Username, nu.Email, nu.PasswordHash))
	if err != nil {
		return User{}, fmt.Errorf("store: create user: %w", translate(err))
	}
	return u, nil
}

func (p *Postgres) FindUserByID(ctx context.Context, id int64) (User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	u, err := scanUser(p.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return User{}, fmt.Errorf("store: user %d: %w", id, translate(err))
	}
	return u, nil
}

func (p *Postgres) FindUserByLogin(ctx context.Context, login string) (User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE username = $1 OR lower(email) = lower($1) LIMIT 1`
	u, err := scanUser(p.db.QueryRowContext(ctx, query, login))
	if err != nil {
		return User{}, fmt.Errorf("store: user %q: %w", login, translate(err))
	}
	return u, nil
}

func (p *Postgres) ListUsersExcept(ctx context.Context, id int64) ([]User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id <> $1 ORDER BY id`
	rows, err := p.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("store: list users: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list users: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (p *Postgres) FindChatByID(ctx context.Context, id int64) (Chat, error) {
	const query = `SELECT id, user_low, user_high, created_at FROM chats WHERE id = $1`
	var c Chat
	err := p.db.QueryRowContext(ctx, query, id).Scan(&c.ID, &c.Members[0], &c.Members[1], &c.CreatedAt)
	if err != nil {
		return Chat{}, fmt.Errorf("store: chat %d: %w", id, translate(err))
	}
	return c, nil
}

func (p *Postgres) IsMember(ctx context.Context, chatID, userID int64) (bool, error) {
	c, err := p.FindChatByID(ctx, chatID)
	if err != nil {
		return false, err
	}
	return c.HasMember(userID), nil
}

func (p *Postgres) GetChatsOf(ctx context.Context, userID int64) ([]Chat, error) {
	const query = `
		SELECT id, user_low, user_high, created_at
		FROM chats
		WHERE user_low = $1 OR user_high = $1
		ORDER BY id`

	rows, err := p.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("store: chats of %d: %w", userID, err)
	}
	defer rows.Close()

	var out []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ID, &c.Members[0], &c.Members[1], &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: chats of %d: %w", userID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) ChatPeers(ctx context.Context, userID int64) ([]ChatPeer, error) {
	const query = `
		SELECT c.id, u.id, u.username
		FROM chats c
		JOIN users u ON u.id = CASE WHEN c.user_low = $1 THEN c.user_high ELSE c.user_low END
		WHERE c.user_low = $1 OR c.user_high = $1
		ORDER BY c.id`

	rows, err := p.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("store: chat peers of %d: %w", userID, err)
	}
	defer rows.Close()

	var out []ChatPeer
	for rows.Next() {
		var cp ChatPeer
		if err := rows.Scan(&cp.ChatID, &cp.UserID, &cp.Username); err != nil {
			return nil, fmt.Errorf("store: chat peers of %d: %w", userID, err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// GetOrCreateChat relies on the (user_low, user_high) unique constraint so
// that concurrent requests for the same pair converge on a single row.
func (p *Postgres) GetOrCreateChat(ctx context.Context, a, b int64) (Chat, error) {
	if a == b {
		return Chat{}, ErrSelfChat
	}
	low, high := orderPair(a, b)

	const query = `
		INSERT INTO chats (user_low, user_high)
		VALUES ($1, $2)
		ON CONFLICT ON CONSTRAINT chats_pair_unique
		DO UPDATE SET user_low = EXCLUDED.user_low
		RETURNING id, created_at`

	c := Chat{Members: [2]int64{low, high}}
	if err := p.db.QueryRowContext(ctx, query, low, high).Scan(&c.ID, &c.CreatedAt); err != nil {
		return Chat{}, fmt.Errorf("store: get or create chat (%d,%d): %w", low, high, translate(err))
	}
	return c, nil
}

func (p *Postgres) CreateMessage(ctx context.Context, chatID, userID int64, content string) (Message, error) {
	if content == "" {
		return Message{}, ErrEmptyContent
	}

	// The membership predicate turns a write by a non-member into ErrNotFound.
	const query = `
		WITH author AS (
			SELECT u.id, u.username
			FROM users u
			JOIN chats c ON c.id = $1 AND (c.user_low = u.id OR c.user_high = u.id)
			WHERE u.id = $2
		)
		INSERT INTO messages (chat_id, user_id, content)
		SELECT $1, author.id, $3 FROM author
		RETURNING id, created_at, (SELECT username FROM author)`

	msg := Message{ChatID: chatID, UserID: userID, Content: content}
	err := p.db.QueryRowContext(ctx, query, chatID, userID, content).Scan(&msg.ID, &msg.CreatedAt, &msg.Username)
	if err != nil {
		return Message{}, fmt.Errorf("store: create message in chat %d: %w", chatID, translate(err))
	}
	return msg, nil
}

func (p *Postgres) ListMessages(ctx context.Context, chatID int64) ([]Message, error) {
	if _, err := p.FindChatByID(ctx, chatID); err != nil {
		return nil, err
	}

	const query = `
		SELECT m.id, m.chat_id, m.user_id, u.username, m.content, m.created_at
		FROM messages m
		JOIN users u ON u.id = m.user_id
		WHERE m.chat_id = $1
		ORDER BY m.created_at ASC, m.id ASC`

	rows, err := p.db.QueryContext(ctx, query, chatID)
	if err != nil {
		return nil, fmt.Errorf("store: list messages of chat %d: %w", chatID, err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.UserID, &m.Username, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: list messages of chat %d: %w", chatID, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Postgres) SetPresence(ctx context.Context, userID int64, online bool, lastSeen time.Time) error {
	const query = `UPDATE users SET is_online = $2, last_seen = $3 WHERE id = $1`
	res, err := p.db.ExecContext(ctx, query, userID, online, lastSeen)
	if err != nil {
		return fmt.Errorf("store: set presence of %d: %w", userID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("store: set presence of %d: %w", userID, ErrNotFound)
	}
	return nil
}

// Close closes the underlying connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}
