// Package api serves the REST surface of the chat server: registration and
// login, the user directory, chat get-or-create and message history. Live
// delivery happens over the WebSocket endpoint served by package ws.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/duochat/chat-server/internal/auth"
	"github.com/duochat/chat-server/internal/protocol"
	"github.com/duochat/chat-server/internal/store"
)

// Mux is anything routes can be mounted on, such as *http.ServeMux or
// *ws.Server.
type Mux interface {
	Handle(pattern string, handler http.Handler)
}

// Handler implements the REST endpoints.
type Handler struct {
	store store.Store
	auth  *auth.Service
}

// NewHandler creates a Handler.
func NewHandler(st store.Store, svc *auth.Service) *Handler {
	return &Handler{store: st, auth: svc}
}

// Mount registers every route on mux.
func (h *Handler) Mount(mux Mux) {
	protect := func(fn http.HandlerFunc) http.Handler {
		return AuthMiddleware(h.auth, h.requireUser(fn))
	}

	mux.Handle("POST /auth/register", http.HandlerFunc(h.register))
	mux.Handle("POST /auth/login", http.HandlerFunc(h.login))
	mux.Handle("GET /users", protect(h.listUsers))
	mux.Handle("GET /chats", protect(h.listChats))
	mux.Handle("POST /chats/{user_id}", protect(h.getOrCreateChat))
	mux.Handle("GET /chats/{chat_id}/messages", protect(h.listMessages))
}

// requireUser answers 404 when the token's subject no longer exists.
func (h *Handler) requireUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := h.store.FindUserByID(r.Context(), UserFromCtx(r.Context())); err != nil {
			h.storeError(w, "user", err)
			return
		}
		next(w, r)
	}
}

type userResponse struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	u, err := h.auth.Register(r.Context(), req)
	switch {
	case errors.Is(err, auth.ErrValidation):
		WriteError(w, strings.TrimPrefix(err.Error(), auth.ErrValidation.Error()+": "), http.StatusBadRequest)
		return
	case errors.Is(err, auth.ErrUserExists):
		WriteError(w, "Username or email already exists", http.StatusBadRequest)
		return
	case err != nil:
		log.Printf("[api] register: %v", err)
		WriteError(w, "internal error", http.StatusInternalServerError)
		return
	}
	WriteJSON(w, userResponse{ID: u.ID, Username: u.Username, Email: u.Email}, http.StatusOK)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// login accepts an OAuth2 password form or a JSON body. The username field
// may hold a username or an email.
func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			WriteError(w, "invalid form body", http.StatusBadRequest)
			return
		}
		req.Username = r.PostForm.Get("username")
		req.Password = r.PostForm.Get("password")
	}

	tok, err := h.auth.Login(r.Context(), req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		WriteError(w, "Incorrect username or password", http.StatusUnauthorized)
		return
	}
	if err != nil {
		log.Printf("[api] login: %v", err)
		WriteError(w, "internal error", http.StatusInternalServerError)
		return
	}
	WriteJSON(w, tok, http.StatusOK)
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsersExcept(r.Context(), UserFromCtx(r.Context()))
	if err != nil {
		h.storeError(w, "users", err)
		return
	}
	out := make([]userResponse, 0, len(users))
	for _, u := range users {
		out = append(out, userResponse{ID: u.ID, Username: u.Username})
	}
	WriteJSON(w, out, http.StatusOK)
}

type chatResponse struct {
	ChatID   int64  `json:"chat_id"`
	Username string `json:"username,omitempty"`
}

func (h *Handler) listChats(w http.ResponseWriter, r *http.Request) {
	peers, err := h.store.ChatPeers(r.Context(), UserFromCtx(r.Context()))
	if err != nil {
		h.storeError(w, "chats", err)
		return
	}
	out := make([]chatResponse, 0, len(peers))
	for _, p := range peers {
		out = append(out, chatResponse{ChatID: p.ChatID, Username: p.Username})
	}
	WriteJSON(w, out, http.StatusOK)
}

func (h *Handler) getOrCreateChat(w http.ResponseWriter, r *http.Request) {
	other, err := strconv.ParseInt(r.PathValue("user_id"), 10, 64)
	if err != nil {
		WriteError(w, "invalid user id", http.StatusBadRequest)
		return
	}

	c, err := h.store.GetOrCreateChat(r.Context(), UserFromCtx(r.Context()), other)
	if errors.Is(err, store.ErrSelfChat) {
		WriteError(w, "cannot start a chat with yourself", http.StatusBadRequest)
		return
	}
	if err != nil {
		h.storeError(w, "user", err)
		return
	}
	WriteJSON(w, chatResponse{ChatID: c.ID}, http.StatusOK)
}

type messageResponse struct {
	Username string `json:"username"`
	Message  string `json:"message"`
	Time     string `json:"time"`
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	chatID, err := strconv.ParseInt(r.PathValue("chat_id"), 10, 64)
	if err != nil {
		WriteError(w, "invalid chat id", http.StatusBadRequest)
		return
	}
	ctx := r.Context()

	c, err := h.store.FindChatByID(ctx, chatID)
	if err != nil {
		h.storeError(w, "chat", err)
		return
	}
	if !c.HasMember(UserFromCtx(ctx)) {
		WriteError(w, "Forbidden", http.StatusForbidden)
		return
	}

	msgs, err := h.store.ListMessages(ctx, chatID)
	if err != nil {
		h.storeError(w, "chat", err)
		return
	}
	out := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageResponse{
			Username: m.Username,
			Message:  m.Content,
			Time:     protocol.FormatClock(m.CreatedAt),
		})
	}
	WriteJSON(w, out, http.StatusOK)
}

// storeError maps store.ErrNotFound to 404 and everything else to 500.
func (h *Handler) storeError(w http.ResponseWriter, what string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		WriteError(w, strings.ToUpper(what[:1])+what[1:]+" not found", http.StatusNotFound)
		return
	}
	log.Printf("[api] %s: %v", what, err)
	WriteError(w, "internal error", http.StatusInternalServerError)
}
