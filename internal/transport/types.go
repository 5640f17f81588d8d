package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// MessageRef identifies a delivered message so it can be deleted later.
type MessageRef struct {
	ChatID    string
	MessageID int
}

// Chat is the subset of getChat the notifier needs.
type Chat struct {
	ID    int64
	Title string
	Type  string
}

// BotInfo is the subset of getMe the notifier needs.
type BotInfo struct {
	ID       int64
	Username string
}

// Messenger is the outbound messaging capability. One implementation serves
// every bot token; token and chat are passed per call.
//
// Text is sent with HTML parse mode. Errors are *Error values whenever the
// failure can be classified.
type Messenger interface {
	SendText(ctx context.Context, token, chatID, text string) (MessageRef, error)
	SendPhoto(ctx context.Context, token, chatID, path, caption string) (MessageRef, error)
	SendVideo(ctx context.Context, token, chatID, path, caption string) (MessageRef, error)
	DeleteMessage(ctx context.Context, token, chatID string, messageID int) error
	GetChat(ctx context.Context, token, chatID string) (Chat, error)
	GetMe(ctx context.Context, token string) (BotInfo, error)
}

// Kind is the failure category of a messaging call.
type Kind int

const (
	KindAPI Kind = iota
	KindRateLimited
	KindNetwork
	KindUnavailable
	KindUnauthorized
	KindChatNotFound
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindNetwork:
		return "network"
	case KindUnavailable:
		return "unavailable"
	case KindUnauthorized:
		return "unauthorized"
	case KindChatNotFound:
		return "chat_not_found"
	default:
		return "api"
	}
}

// Error wraps a messaging failure with its category. RetryAfter is set when
// the remote side asked for a specific back-off.
type Error struct {
	Kind       Kind
	Op         string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := "unknown error"
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.RetryAfter > 0 {
		// Keep the "retry in N seconds" wording; retry parsing relies on it
		// when the structured hint is lost.
		return fmt.Sprintf("%s: %s: %s (retry in %d seconds)", e.Op, e.Kind, msg, int(e.RetryAfter/time.Second))
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err and whether err carries one.
func KindOf(err error) (Kind, bool) {
	var te *Error
	if errors.As(err, &te) && te != nil {
		return te.Kind, true
	}
	return KindAPI, false
}

// RetryAfterOf returns the remote back-off hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var te *Error
	if errors.As(err, &te) && te != nil {
		return te.RetryAfter
	}
	return 0
}
