package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/duochat/chat-server/internal/store"
)

func newTestService() (*Service, *store.Memory) {
	mem := store.NewMemory()
	svc := NewService(mem, NewPasswordHasher(bcrypt.MinCost), NewJWTManager(JWTConfig{
		SecretKey:           "test-secret",
		AccessTokenDuration: time.Hour,
	}))
	return svc, mem
}

func TestRegister(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	u, err := svc.Register(ctx, RegisterRequest{
		Username: "newuser", Email: "new@example.com", Password: "pass123", PasswordConfirm: "pass123",
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if u.Username != "newuser" || u.Email != "new@example.com" {
		t.Errorf("unexpected user: %+v", u)
	}
	if u.PasswordHash == "pass123" {
		t.Error("password stored in clear text")
	}
}

func TestRegister_Rejections(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	valid := RegisterRequest{Username: "dupuser", Email: "dup@example.com", Password: "pass", PasswordConfirm: "pass"}
	if _, err := svc.Register(ctx, valid); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	tests := []struct {
		name string
		req  RegisterRequest
		want error
	}{
		{name: "duplicate", req: valid, want: ErrUserExists},
		{name: "missing username", req: RegisterRequest{Email: "a@example.com", Password: "p", PasswordConfirm: "p"}, want: ErrValidation},
		{name: "bad email", req: RegisterRequest{Username: "a", Email: "not-an-email", Password: "p", PasswordConfirm: "p"}, want: ErrValidation},
		{name: "password mismatch", req: RegisterRequest{Username: "a", Email: "a@example.com", Password: "p", PasswordConfirm: "q"}, want: ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Register(ctx, tt.req); !errors.Is(err, tt.want) {
				t.Errorf("Register() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestLogin(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	u, err := svc.Register(ctx, RegisterRequest{Username: "alice", Email: "alice@example.com", Password: "testpass", PasswordConfirm: "testpass"})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	for _, login := range []string{"alice", "alice@example.com"} {
		tok, err := svc.Login(ctx, login, "testpass")
		if err != nil {
			t.Fatalf("Login(%q) error = %v", login, err)
		}
		if tok.TokenType != "bearer" {
			t.Errorf("TokenType = %q, want bearer", tok.TokenType)
		}
		id, err := svc.ValidateToken(tok.AccessToken)
		if err != nil || id != u.ID {
			t.Errorf("ValidateToken() = %d, %v; want %d", id, err, u.ID)
		}
	}

	if _, err := svc.Login(ctx, "alice", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password: error = %v", err)
	}
	if _, err := svc.Login(ctx, "nobody", "testpass"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown user: error = %v", err)
	}
}
