package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"onpatrol/internal/transport"
	logx "onpatrol/pkg/logx"
)

type Config struct {
	// APIURL overrides the Bot API endpoint (tests, local bot API server).
	APIURL  string
	Timeout time.Duration
}

// Adapter implements transport.Messenger on top of telebot. Bots are created
// lazily per token and never poll for updates.
type Adapter struct {
	cfg  Config
	log  logx.Logger
	http *http.Client

	mu   sync.Mutex
	bots map[string]*tele.Bot
}

var _ transport.Messenger = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) *Adapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{
		cfg:  cfg,
		log:  log.With(logx.String("comp", "telegram")),
		http: &http.Client{Timeout: cfg.Timeout},
		bots: map[string]*tele.Bot{},
	}
}

// chatRef lets telebot address chats by numeric id or @username.
type chatRef string

func (c chatRef) Recipient() string { return string(c) }

func (a *Adapter) bot(token string) (*tele.Bot, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, &transport.Error{Kind: transport.KindUnauthorized, Op: "bot", Err: errors.New("empty token")}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if b := a.bots[token]; b != nil {
		return b, nil
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   token,
		URL:     a.cfg.APIURL,
		Client:  a.http,
		Offline: true,
	})
	if err != nil {
		return nil, &transport.Error{Kind: transport.KindAPI, Op: "bot", Err: err}
	}
	a.bots[token] = b
	return b, nil
}

func (a *Adapter) SendText(ctx context.Context, token, chatID, text string) (transport.MessageRef, error) {
	return a.send(ctx, "sendMessage", token, chatID, text)
}

func (a *Adapter) SendPhoto(ctx context.Context, token, chatID, path, caption string) (transport.MessageRef, error) {
	return a.send(ctx, "sendPhoto", token, chatID, &tele.Photo{File: tele.FromDisk(path), Caption: caption})
}

func (a *Adapter) SendVideo(ctx context.Context, token, chatID, path, caption string) (transport.MessageRef, error) {
	return a.send(ctx, "sendVideo", token, chatID, &tele.Video{File: tele.FromDisk(path), Caption: caption})
}

func (a *Adapter) send(ctx context.Context, op, token, chatID string, what any) (transport.MessageRef, error) {
	b, err := a.bot(token)
	if err != nil {
		return transport.MessageRef{}, err
	}
	msg, err := call(ctx, op, func() (*tele.Message, error) {
		return b.Send(chatRef(chatID), what, &tele.SendOptions{ParseMode: tele.ModeHTML})
	})
	if err != nil {
		return transport.MessageRef{}, err
	}
	ref := transport.MessageRef{ChatID: chatID, MessageID: msg.ID}
	if msg.Chat != nil && msg.Chat.ID != 0 {
		ref.ChatID = strconv.FormatInt(msg.Chat.ID, 10)
	}
	return ref, nil
}

func (a *Adapter) DeleteMessage(ctx context.Context, token, chatID string, messageID int) error {
	b, err := a.bot(token)
	if err != nil {
		return err
	}
	cid, perr := strconv.ParseInt(strings.TrimSpace(chatID), 10, 64)
	if perr != nil {
		chat, err := a.GetChat(ctx, token, chatID)
		if err != nil {
			return err
		}
		cid = chat.ID
	}
	_, err = call(ctx, "deleteMessage", func() (struct{}, error) {
		return struct{}{}, b.Delete(tele.StoredMessage{MessageID: strconv.Itoa(messageID), ChatID: cid})
	})
	return err
}

func (a *Adapter) GetChat(ctx context.Context, token, chatID string) (transport.Chat, error) {
	b, err := a.bot(token)
	if err != nil {
		return transport.Chat{}, err
	}
	chat, err := call(ctx, "getChat", func() (*tele.Chat, error) {
		return b.ChatByUsername(strings.TrimSpace(chatID))
	})
	if err != nil {
		return transport.Chat{}, err
	}
	return transport.Chat{ID: chat.ID, Title: chat.Title, Type: string(chat.Type)}, nil
}

func (a *Adapter) GetMe(ctx context.Context, token string) (transport.BotInfo, error) {
	b, err := a.bot(token)
	if err != nil {
		return transport.BotInfo{}, err
	}
	raw, err := call(ctx, "getMe", func() ([]byte, error) {
		return b.Raw("getMe", nil)
	})
	if err != nil {
		return transport.BotInfo{}, err
	}
	var resp struct {
		Result tele.User `json:"result"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return transport.BotInfo{}, &transport.Error{Kind: transport.KindAPI, Op: "getMe", Err: err}
	}
	return transport.BotInfo{ID: resp.Result.ID, Username: resp.Result.Username}, nil
}

// call runs fn but returns as soon as ctx ends. telebot has no per-request
// context; the abandoned request is bounded by the http client timeout.
func call[T any](ctx context.Context, op string, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v: v, err: err}
	}()
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return zero, classify(op, r.err)
		}
		return r.v, nil
	}
}

var (
	retryAfterRe = regexp.MustCompile(`(?i)retry (?:after|in) (\d+)`)
	codeSuffixRe = regexp.MustCompile(`\((\d{3})\)\s*$`)
)

// classify maps telebot and net errors onto transport kinds.
func classify(op string, err error) error {
	te := &transport.Error{Kind: transport.KindAPI, Op: op, Err: err}

	var flood tele.FloodError
	var floodp *tele.FloodError
	var apiErr *tele.Error
	var netErr net.Error
	var urlErr *url.Error
	msg := strings.ToLower(err.Error())

	switch {
	case errors.As(err, &flood):
		te.Kind = transport.KindRateLimited
		te.RetryAfter = time.Duration(flood.RetryAfter) * time.Second
	case errors.As(err, &floodp) && floodp != nil:
		te.Kind = transport.KindRateLimited
		te.RetryAfter = time.Duration(floodp.RetryAfter) * time.Second
	case errors.Is(err, tele.ErrUnauthorized):
		te.Kind = transport.KindUnauthorized
	case errors.Is(err, tele.ErrChatNotFound):
		te.Kind = transport.KindChatNotFound
	case errors.As(err, &apiErr) && apiErr != nil:
		te.Kind = kindForCode(apiErr.Code, msg)
	case errors.As(err, &netErr), errors.As(err, &urlErr),
		errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		te.Kind = transport.KindNetwork
	default:
		code := 0
		if m := codeSuffixRe.FindStringSubmatch(msg); len(m) == 2 {
			code, _ = strconv.Atoi(m[1])
		}
		te.Kind = kindForCode(code, msg)
	}

	if te.Kind == transport.KindRateLimited && te.RetryAfter == 0 {
		if m := retryAfterRe.FindStringSubmatch(msg); len(m) == 2 {
			if n, err := strconv.Atoi(m[1]); err == nil {
				te.RetryAfter = time.Duration(n) * time.Second
			}
		}
	}
	return te
}

func kindForCode(code int, msg string) transport.Kind {
	switch {
	case code == http.StatusTooManyRequests || strings.Contains(msg, "too many requests"):
		return transport.KindRateLimited
	case code == http.StatusUnauthorized || strings.Contains(msg, "unauthorized"):
		return transport.KindUnauthorized
	case strings.Contains(msg, "chat not found"):
		return transport.KindChatNotFound
	case code >= 500,
		strings.Contains(msg, "gateway"),
		strings.Contains(msg, "service unavailable"),
		strings.Contains(msg, "internal server error"),
		strings.Contains(msg, "restart"):
		return transport.KindUnavailable
	case strings.Contains(msg, "connection"), strings.Contains(msg, "timeout"):
		return transport.KindNetwork
	default:
		return transport.KindAPI
	}
}
