package notifier

import (
	"context"
	"sync"
	"time"

	"onpatrol/internal/flood"
	"onpatrol/internal/transport"
	logx "onpatrol/pkg/logx"
)

// Verification reasons.
const (
	ReasonActive          = "ACTIVE"
	ReasonDisabled        = "DISABLED"
	ReasonChatNotFound    = "CHAT NOT FOUND"
	ReasonUnauthorized    = "TOKEN UNAUTHORISED"
	ReasonConnectionError = "Connection error, loaded as ACTIVE"
	ReasonUnknownError    = "Unknown error, loaded as ACTIVE"
)

// VerifyBurst is the default per-token budget used while verifying targets,
// kept below the send budget.
const VerifyBurst = 19

// Verify checks that target's token is authorised and its chat reachable.
// fc, when set, paces the two API calls per token.
//
// A target whose check fails for a connection or unclassified reason is
// loaded as active: an outage of the Bot API at startup must not silence
// every subscriber until the next reload.
func Verify(ctx context.Context, m transport.Messenger, fc *flood.Controller, t Target) Verification {
	v := Verification{CheckedAt: time.Now()}
	if !t.Enabled {
		v.Reason = ReasonDisabled
		return v
	}
	opt := flood.DelayOptions{APIOnly: true}

	wait := func() error {
		if fc == nil {
			return nil
		}
		return fc.Delay(ctx, t.Token, t.ChatID, opt)
	}

	if err := wait(); err != nil {
		return failOpen(v, err)
	}
	me, err := m.GetMe(ctx, t.Token)
	if err != nil {
		return verifyFailure(v, err)
	}
	v.BotUsername = me.Username

	if err := wait(); err != nil {
		return failOpen(v, err)
	}
	chat, err := m.GetChat(ctx, t.Token, t.ChatID)
	if err != nil {
		if k, ok := transport.KindOf(err); ok && k == transport.KindChatNotFound {
			v.Reason = ReasonChatNotFound
			return v
		}
		return verifyFailure(v, err)
	}
	v.Active = true
	v.Reason = ReasonActive
	v.ChatTitle = chat.Title
	return v
}

func verifyFailure(v Verification, err error) Verification {
	kind, ok := transport.KindOf(err)
	switch {
	case ok && kind == transport.KindUnauthorized:
		v.Active = false
		v.Reason = ReasonUnauthorized
		return v
	case ok && kind == transport.KindChatNotFound:
		v.Active = false
		v.Reason = ReasonChatNotFound
		return v
	}
	return failOpen(v, err)
}

func failOpen(v Verification, err error) Verification {
	v.Active = true
	if k, ok := transport.KindOf(err); ok && (k == transport.KindNetwork || k == transport.KindUnavailable || k == transport.KindRateLimited) {
		v.Reason = ReasonConnectionError
	} else {
		v.Reason = ReasonUnknownError
	}
	return v
}

// VerifyTargets verifies all targets concurrently and returns a copy with
// Verification filled in, in the same order. burst is the per-token call
// rate; <= 0 means VerifyBurst.
func VerifyTargets(ctx context.Context, m transport.Messenger, targets []Target, burst int, log logx.Logger) []Target {
	if log.IsZero() {
		log = logx.Nop()
	}
	if burst <= 0 {
		burst = VerifyBurst
	}
	fc := flood.New(flood.Config{TokenRate: burst})
	out := make([]Target, len(targets))
	copy(out, targets)

	var wg sync.WaitGroup
	for i := range out {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out[i].Verification = Verify(ctx, m, fc, out[i])
		}(i)
	}
	wg.Wait()

	for _, t := range out {
		fields := []logx.Field{
			logx.Target(t.Name),
			logx.Bool("active", t.Verification.Active),
			logx.String("reason", t.Verification.Reason),
			logx.String("bot", t.Verification.BotUsername),
			logx.String("chat", t.Verification.ChatTitle),
		}
		switch t.Verification.Reason {
		case ReasonActive, ReasonDisabled:
			log.Info("target verified", fields...)
		default:
			log.Warn("target verification", fields...)
		}
	}
	return out
}
