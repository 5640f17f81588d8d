// Package flood keeps outbound messaging calls inside the Bot API budgets.
//
// Two kinds of token buckets are kept:
//   - one per bot token (global per-credential budget)
//   - one per (token, chat) pair (per-destination budget; groups are slower)
//
// Buckets with distinct keys never block each other.
package flood

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config sets the bucket sizes. Zero values fall back to Bot API defaults.
type Config struct {
	// TokenRate is the per-token budget in calls per second (burst equal to rate).
	TokenRate int
	// PrivateChatRate is calls per second to a single private chat.
	PrivateChatRate float64
	// GroupPerMinute is messages per minute to a single group chat.
	GroupPerMinute int
	// IdleTTL evicts buckets that were not used for this long.
	IdleTTL time.Duration
}

// DelayOptions describes a single outbound call.
type DelayOptions struct {
	IsGroup bool
	// APIOnly marks administrative calls (delete, getMe, getChat) that only
	// consume the per-token budget.
	APIOnly bool
	// Burst, when > 0, paces the call on a separate per-token bucket of
	// Burst calls/sec. The configured token bucket is left untouched.
	Burst int
}

type bucket struct {
	lim      *rate.Limiter
	lastUsed time.Time
}

// Controller is safe for concurrent use.
type Controller struct {
	mu        sync.Mutex
	cfg       Config
	buckets   map[string]*bucket
	lastPrune time.Time
}

func New(cfg Config) *Controller {
	if cfg.TokenRate <= 0 {
		cfg.TokenRate = 29
	}
	if cfg.PrivateChatRate <= 0 {
		cfg.PrivateChatRate = 1
	}
	if cfg.GroupPerMinute <= 0 {
		cfg.GroupPerMinute = 20
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	return &Controller{cfg: cfg, buckets: map[string]*bucket{}}
}

// Delay blocks until both the token budget and (unless APIOnly) the chat
// budget allow one more call. It returns ctx.Err() if ctx ends first; in
// that case no call may be made.
func (c *Controller) Delay(ctx context.Context, token, chatID string, opt DelayOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !opt.APIOnly {
		if err := c.chatLimiter(token, chatID, opt.IsGroup).Wait(ctx); err != nil {
			return err
		}
	}
	return c.tokenLimiter(token, opt.Burst).Wait(ctx)
}

// Len returns the number of live buckets.
func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buckets)
}

func (c *Controller) tokenLimiter(token string, burst int) *rate.Limiter {
	key := "t|" + strings.TrimSpace(token)
	if burst > 0 {
		key += "|b" + strconv.Itoa(burst)
	}
	return c.get(key, func(cfg Config) (rate.Limit, int) {
		if burst > 0 {
			return rate.Limit(burst), burst
		}
		return rate.Limit(cfg.TokenRate), cfg.TokenRate
	})
}

func (c *Controller) chatLimiter(token, chatID string, group bool) *rate.Limiter {
	key := "c|" + strings.TrimSpace(token) + "|" + strings.TrimSpace(chatID)
	return c.get(key, func(cfg Config) (rate.Limit, int) {
		if group {
			return rate.Every(time.Minute / time.Duration(cfg.GroupPerMinute)), cfg.GroupPerMinute
		}
		b := int(cfg.PrivateChatRate)
		if b < 1 {
			b = 1
		}
		return rate.Limit(cfg.PrivateChatRate), b
	})
}

// get returns the limiter for key, creating it with shape on first use.
func (c *Controller) get(key string, shape func(Config) (rate.Limit, int)) *rate.Limiter {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneLocked(now)

	b := c.buckets[key]
	if b == nil {
		lim, burst := shape(c.cfg)
		b = &bucket{lim: rate.NewLimiter(lim, burst)}
		c.buckets[key] = b
	}
	b.lastUsed = now
	return b.lim
}

func (c *Controller) pruneLocked(now time.Time) {
	if now.Sub(c.lastPrune) < c.cfg.IdleTTL {
		return
	}
	c.lastPrune = now
	for k, b := range c.buckets {
		// A bucket idle for longer than IdleTTL is full again, so dropping it
		// can't let a key exceed its rate.
		if now.Sub(b.lastUsed) > c.cfg.IdleTTL {
			delete(c.buckets, k)
		}
	}
}
