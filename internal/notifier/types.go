package notifier

import (
	"strings"
	"sync/atomic"
	"time"

	"onpatrol/internal/rules"
)

// Config controls the delivery pipeline. Zero values take defaults.
type Config struct {
	EventQueueSize     int
	SendQueueSize      int
	MaxConcurrentSends int
	MaxPendingRetries  int
	RetryLimit         int
	RetryFirstDelay    time.Duration
	RetryDelay         time.Duration
	CleanupInterval    time.Duration
	CleanupBatch       int
	// PurgeSchedule is a cron spec for dropping rows already marked deleted.
	// Empty disables the purge.
	PurgeSchedule string
	// MediaDir resolves relative media file names.
	MediaDir string
}

func (c Config) withDefaults() Config {
	if c.EventQueueSize <= 0 {
		c.EventQueueSize = 100
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 1000
	}
	if c.MaxConcurrentSends <= 0 {
		c.MaxConcurrentSends = 30
	}
	if c.MaxPendingRetries <= 0 {
		c.MaxPendingRetries = 1000
	}
	if c.RetryLimit <= 0 {
		c.RetryLimit = 5
	}
	if c.RetryFirstDelay <= 0 {
		c.RetryFirstDelay = 5 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 10 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 60 * time.Second
	}
	return c
}

// Verification is the live check result for a Target, set once per config
// load.
type Verification struct {
	Active      bool
	Reason      string
	BotUsername string
	ChatTitle   string
	CheckedAt   time.Time
}

// Target is a configured notification destination.
type Target struct {
	Name              string
	Enabled           bool
	Clusters          []string
	Token             string
	ChatID            string
	ExpiryTTL         time.Duration
	IndicateEventType bool
	IsGroup           bool
	Verification      Verification
}

// Eligible reports whether the target may receive deliveries.
func (t Target) Eligible() bool { return t.Enabled && t.Verification.Active }

// Subscribes reports whether any of the target's clusters is in matched.
func (t Target) Subscribes(matched []string) bool {
	for _, want := range t.Clusters {
		want = strings.TrimSpace(want)
		for _, got := range matched {
			if strings.EqualFold(want, got) {
				return true
			}
		}
	}
	return false
}

// DeliveryMessage is one queued send derived from an event for a target.
// Media entries are blanked as they are delivered so a retry resumes where
// the previous attempt stopped.
type DeliveryMessage struct {
	Token      string
	ChatID     string
	Text       string
	Media      []string
	ExpiryTTL  time.Duration
	RetryCount int
	IsGroup    bool
	CameraName string
	TargetName string
}

// Snapshot is an immutable view of the routing configuration. A reload builds
// a new Snapshot; readers never see a half-applied one.
type Snapshot struct {
	Clusters rules.Clusters
	Targets  []Target
	Profiles []rules.Profile
	Location *time.Location
}

// Loc returns the configured location, defaulting to time.Local.
func (s *Snapshot) Loc() *time.Location {
	if s == nil || s.Location == nil {
		return time.Local
	}
	return s.Location
}

// SnapshotSource yields the snapshot current at call time.
type SnapshotSource interface {
	Snapshot() *Snapshot
}

// SnapshotStore holds the current Snapshot and swaps it atomically.
type SnapshotStore struct {
	p atomic.Pointer[Snapshot]
}

func NewSnapshotStore(s *Snapshot) *SnapshotStore {
	st := &SnapshotStore{}
	st.Swap(s)
	return st
}

// Snapshot never returns nil.
func (s *SnapshotStore) Snapshot() *Snapshot {
	if p := s.p.Load(); p != nil {
		return p
	}
	return &Snapshot{}
}

// Swap installs next and returns the previous snapshot.
func (s *SnapshotStore) Swap(next *Snapshot) *Snapshot {
	if next == nil {
		next = &Snapshot{}
	}
	return s.p.Swap(next)
}
