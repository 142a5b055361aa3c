// Package protocol defines the JSON frames exchanged with chat clients over
// the WebSocket push channel. Inbound frames are discriminated by their
// optional "action" field; a frame without a recognised action is a chat
// message submission.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Actions shared by inbound and outbound frames.
const (
	ActionTyping     = "typing"
	ActionStopTyping = "stop_typing"
	ActionUserStatus = "user_status"
	ActionError      = "error"
)

// Error codes carried by outbound error frames.
const (
	CodeMalformedFrame = "malformed_frame"
	CodeEmptyMessage   = "empty_message"
	CodeInvalidMessage = "invalid_message"
	CodeRateLimited    = "rate_limited"
	CodeStoreError     = "store_error"
)

// ClockLayout is the hour:minute layout of message timestamps, shared by
// live delivery frames and the history listing.
const ClockLayout = "15:04"

// ErrMalformedFrame is returned for frames that are not a JSON object or lack
// a required field.
var ErrMalformedFrame = errors.New("protocol: malformed frame")

// Kind classifies a parsed inbound frame.
type Kind int

const (
	KindMessage Kind = iota
	KindTyping
	KindStopTyping
)

func (k Kind) String() string {
	switch k {
	case KindTyping:
		return ActionTyping
	case KindStopTyping:
		return ActionStopTyping
	default:
		return "message"
	}
}

// ClientFrame is a decoded inbound frame. Text is only meaningful for
// KindMessage.
type ClientFrame struct {
	Kind Kind
	Text string
}

// rawClientFrame mirrors the inbound wire shape. Message is a pointer so that
// an absent field can be told apart from an empty string.
type rawClientFrame struct {
	Action  string  `json:"action"`
	Message *string `json:"message"`
}

// ParseClientFrame decodes one inbound frame.
func ParseClientFrame(data []byte) (ClientFrame, error) {
	var raw rawClientFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return ClientFrame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch raw.Action {
	case ActionTyping:
		return ClientFrame{Kind: KindTyping}, nil
	case ActionStopTyping:
		return ClientFrame{Kind: KindStopTyping}, nil
	}

	if raw.Message == nil {
		return ClientFrame{}, fmt.Errorf("%w: missing \"message\" field", ErrMalformedFrame)
	}
	return ClientFrame{Kind: KindMessage, Text: *raw.Message}, nil
}

// TypingFrame relays a typing indicator to the other members of a room.
type TypingFrame struct {
	Action   string `json:"action"`
	Username string `json:"username"`
}

// UserStatusFrame announces a presence transition.
type UserStatusFrame struct {
	Action   string `json:"action"`
	Username string `json:"username"`
	IsOnline bool   `json:"is_online"`
	LastSeen string `json:"last_seen"`
}

// MessageFrame delivers a persisted chat message. Time is hour:minute only.
type MessageFrame struct {
	Username string `json:"username"`
	Message  string `json:"message"`
	Time     string `json:"time"`
}

// ErrorFrame reports a rejected inbound frame to its sender only.
type ErrorFrame struct {
	Action  string `json:"action"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewTyping encodes a typing (typing=true) or stop_typing frame.
func NewTyping(username string, typing bool) ([]byte, error) {
	action := ActionStopTyping
	if typing {
		action = ActionTyping
	}
	return encode(TypingFrame{Action: action, Username: username})
}

// NewUserStatus encodes a user_status frame. lastSeen is rendered as ISO 8601.
func NewUserStatus(username string, online bool, lastSeen time.Time) ([]byte, error) {
	return encode(UserStatusFrame{
		Action:   ActionUserStatus,
		Username: username,
		IsOnline: online,
		LastSeen: lastSeen.Format(time.RFC3339Nano),
	})
}

// NewChatMessage encodes a message delivery frame.
func NewChatMessage(username, text string, at time.Time) ([]byte, error) {
	return encode(MessageFrame{Username: username, Message: text, Time: FormatClock(at)})
}

// NewError encodes an error frame.
func NewError(code, message string) ([]byte, error) {
	return encode(ErrorFrame{Action: ActionError, Code: code, Message: message})
}

// FormatClock renders t in server local time as HH:MM.
func FormatClock(t time.Time) string {
	return t.Local().Format(ClockLayout)
}

func encode(v any) ([]byte, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %T: %w", v, err)
	}
	return out, nil
}
