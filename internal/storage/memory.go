package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps everything in process memory. It is used by tests and by
// deployments that don't need auto-deletion to survive a restart.
type MemoryStore struct {
	mu     sync.Mutex
	closed bool
	sent   map[string]SentItem
	events []EventLogEntry
}

var _ Store = (*MemoryStore)(nil)

func NewMemory() *MemoryStore {
	return &MemoryStore{sent: map[string]SentItem{}}
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) AddSentItem(ctx context.Context, it SentItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if it.GUID == "" {
		it.GUID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.sent[it.GUID] = it
	return nil
}

func (s *MemoryStore) ExpiredSentItems(ctx context.Context, now time.Time, limit int) ([]SentItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []SentItem
	for _, it := range s.sent {
		if !it.Deleted && !it.ExpiresAt.After(now) {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		return out[i].GUID < out[j].GUID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkSentItemDeleted(ctx context.Context, guid string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	it, ok := s.sent[guid]
	if !ok {
		return ErrNotFound
	}
	it.Deleted = true
	s.sent[guid] = it
	return nil
}

func (s *MemoryStore) PurgeDeletedSentItems(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	var n int64
	for k, it := range s.sent {
		if it.Deleted {
			delete(s.sent, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) AppendEventLog(ctx context.Context, e EventLogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.GUID == "" {
		e.GUID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	e.EventTypes = append([]string(nil), e.EventTypes...)
	s.events = append(s.events, e)
	return nil
}

// SentItems returns a snapshot of every stored sent item, deleted or not.
func (s *MemoryStore) SentItems() []SentItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SentItem, 0, len(s.sent))
	for _, it := range s.sent {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GUID < out[j].GUID })
	return out
}

// EventLog returns a copy of the logged events in arrival order.
func (s *MemoryStore) EventLog() []EventLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]EventLogEntry(nil), s.events...)
}
