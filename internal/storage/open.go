package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "onpatrol/pkg/logx"
)

// Store is the persistence API used by the notifier.
type Store interface {
	// AddSentItem records a delivered message. A missing GUID is generated.
	AddSentItem(ctx context.Context, it SentItem) error
	// ExpiredSentItems returns non-deleted items with ExpiresAt <= now,
	// oldest first. limit <= 0 means no limit.
	ExpiredSentItems(ctx context.Context, now time.Time, limit int) ([]SentItem, error)
	MarkSentItemDeleted(ctx context.Context, guid string) error
	// PurgeDeletedSentItems removes every row already marked deleted.
	PurgeDeletedSentItems(ctx context.Context) (int64, error)
	AppendEventLog(ctx context.Context, e EventLogEntry) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "memory", "mem":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
