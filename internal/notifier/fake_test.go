package notifier

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"

	"onpatrol/internal/transport"
)

type sentCall struct {
	Op      string
	Token   string
	ChatID  string
	Text    string
	Path    string
	Caption string
}

// fakeMessenger records calls. fail, when set, decides the error for each
// send; hold, when set, blocks sends until closed.
type fakeMessenger struct {
	mu      sync.Mutex
	calls   []sentCall
	deletes []int
	nextID  int

	fail       func(n int, c sentCall) error
	deleteFail func(msgID int) error
	hold       chan struct{}

	inFlight atomic.Int32
	maxSeen  atomic.Int32
	sends    atomic.Int32

	meErr   error
	chatErr error
}

var _ transport.Messenger = (*fakeMessenger)(nil)

func (f *fakeMessenger) send(ctx context.Context, c sentCall) (transport.MessageRef, error) {
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		old := f.maxSeen.Load()
		if cur <= old || f.maxSeen.CompareAndSwap(old, cur) {
			break
		}
	}
	if f.hold != nil {
		select {
		case <-f.hold:
		case <-ctx.Done():
			return transport.MessageRef{}, ctx.Err()
		}
	}
	n := int(f.sends.Add(1))

	f.mu.Lock()
	f.calls = append(f.calls, c)
	fail := f.fail
	f.mu.Unlock()

	if fail != nil {
		if err := fail(n, c); err != nil {
			return transport.MessageRef{}, err
		}
	}
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.mu.Unlock()
	return transport.MessageRef{ChatID: c.ChatID, MessageID: id}, nil
}

func (f *fakeMessenger) SendText(ctx context.Context, token, chatID, text string) (transport.MessageRef, error) {
	return f.send(ctx, sentCall{Op: "text", Token: token, ChatID: chatID, Text: text})
}

func (f *fakeMessenger) SendPhoto(ctx context.Context, token, chatID, path, caption string) (transport.MessageRef, error) {
	return f.send(ctx, sentCall{Op: "photo", Token: token, ChatID: chatID, Path: path, Caption: caption})
}

func (f *fakeMessenger) SendVideo(ctx context.Context, token, chatID, path, caption string) (transport.MessageRef, error) {
	return f.send(ctx, sentCall{Op: "video", Token: token, ChatID: chatID, Path: path, Caption: caption})
}

func (f *fakeMessenger) DeleteMessage(ctx context.Context, token, chatID string, messageID int) error {
	if f.deleteFail != nil {
		if err := f.deleteFail(messageID); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, messageID)
	return nil
}

func (f *fakeMessenger) GetChat(ctx context.Context, token, chatID string) (transport.Chat, error) {
	if f.chatErr != nil {
		return transport.Chat{}, f.chatErr
	}
	id, _ := strconv.ParseInt(chatID, 10, 64)
	return transport.Chat{ID: id, Title: "chat " + chatID}, nil
}

func (f *fakeMessenger) GetMe(ctx context.Context, token string) (transport.BotInfo, error) {
	if f.meErr != nil {
		return transport.BotInfo{}, f.meErr
	}
	return transport.BotInfo{ID: 1, Username: "onpatrol_bot"}, nil
}

func (f *fakeMessenger) Calls() []sentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentCall(nil), f.calls...)
}

func (f *fakeMessenger) Deletes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.deletes...)
}

func transient() error {
	return &transport.Error{Kind: transport.KindNetwork, Op: "sendMessage", Err: errors.New("connection reset")}
}

func permanent() error {
	return &transport.Error{Kind: transport.KindAPI, Op: "sendMessage", Err: errors.New("Bad Request: message text is empty")}
}
