package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
	ErrNotFound = errors.New("sent item not found")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "memory": process-local maps, lost on exit
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// SentItem is a delivered message waiting for its expiry deletion.
type SentItem struct {
	GUID      string
	Token     string
	ChatID    string
	MessageID int
	ExpiresAt time.Time
	Deleted   bool
}

// EventLogEntry records an event that entered the pipeline.
type EventLogEntry struct {
	GUID          string
	CameraID      string
	CameraName    string
	ChannelName   string
	ChannelNumber string
	EventTypes    []string
	EventTime     time.Time
	Profile       string
	MinConfidence float64
}
