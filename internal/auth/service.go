package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/duochat/chat-server/internal/store"
)

var (
	// ErrInvalidCredentials is returned by Login for an unknown login or a
	// wrong password. Both cases return the same error.
	ErrInvalidCredentials = errors.New("auth: incorrect username or password")
	// ErrValidation is returned when registration input is rejected.
	ErrValidation = errors.New("auth: invalid registration")
	// ErrUserExists is returned when the username or email is taken.
	ErrUserExists = errors.New("auth: username or email already exists")
)

// UserStore is the subset of store.Store the auth service needs.
type UserStore interface {
	CreateUser(ctx context.Context, u store.NewUser) (store.User, error)
	FindUserByLogin(ctx context.Context, login string) (store.User, error)
}

// RegisterRequest is the input of Register.
type RegisterRequest struct {
	Username        string `json:"username"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"password_confirm"`
}

// Token is the result of a successful login.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// Service implements registration, login and token validation.
type Service struct {
	users  UserStore
	hasher *PasswordHasher
	tokens *JWTManager
}

// NewService wires the auth service.
func NewService(users UserStore, hasher *PasswordHasher, tokens *JWTManager) *Service {
	return &Service{users: users, hasher: hasher, tokens: tokens}
}

// Register validates the request and creates the account.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (store.User, error) {
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)

	if req.Username == "" || req.Email == "" || req.Password == "" {
		return store.User{}, fmt.Errorf("%w: username, email and password are required", ErrValidation)
	}
	if addr, err := mail.ParseAddress(req.Email); err != nil || addr.Address != req.Email {
		return store.User{}, fmt.Errorf("%w: invalid email address", ErrValidation)
	}
	if req.Password != req.PasswordConfirm {
		return store.User{}, fmt.Errorf("%w: passwords do not match", ErrValidation)
	}

	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return store.User{}, fmt.Errorf("auth: hash password: %w", err)
	}

	u, err := s.users.CreateUser(ctx, store.NewUser{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hash,
	})
	if errors.Is(err, store.ErrConflict) {
		return store.User{}, ErrUserExists
	}
	if err != nil {
		return store.User{}, fmt.Errorf("auth: register: %w", err)
	}
	return u, nil
}

// Login authenticates by username or email and issues an access token.
func (s *Service) Login(ctx context.Context, login, password string) (Token, error) {
	u, err := s.users.FindUserByLogin(ctx, strings.TrimSpace(login))
	if errors.Is(err, store.ErrNotFound) {
		return Token{}, ErrInvalidCredentials
	}
	if err != nil {
		return Token{}, fmt.Errorf("auth: login: %w", err)
	}
	if !s.hasher.Verify(password, u.PasswordHash) {
		return Token{}, ErrInvalidCredentials
	}

	access, err := s.tokens.GenerateAccessToken(u.ID)
	if err != nil {
		return Token{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return Token{AccessToken: access, TokenType: "bearer"}, nil
}

// ValidateToken returns the user id the token was issued for.
func (s *Service) ValidateToken(token string) (int64, error) {
	return s.tokens.ValidateToken(token)
}
