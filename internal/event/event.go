// Package event defines the normalized camera alert that enters the pipeline.
package event

import (
	"strings"
	"time"
)

// TestNotification is the event type carried by operator test alerts.
// Rules always accept it regardless of their event type filter.
const TestNotification = "Test Notification."

// Event is produced upstream (mail ingestion) and never mutated afterwards.
type Event struct {
	CameraID      string
	CameraName    string
	ChannelName   string
	ChannelNumber string
	EventTypes    []string
	Time          time.Time
	Media         []string
}

// WithLabels returns a copy of e with extra event types appended.
// Labels already present (case-insensitive) are skipped.
func (e Event) WithLabels(labels ...string) Event {
	out := e.Clone()
	for _, l := range labels {
		l = strings.TrimSpace(l)
		if l == "" || out.HasType(l) {
			continue
		}
		out.EventTypes = append(out.EventTypes, l)
	}
	return out
}

// WithMedia returns a copy of e with media files appended.
func (e Event) WithMedia(files ...string) Event {
	out := e.Clone()
	out.Media = append(out.Media, files...)
	return out
}

// Clone deep-copies the slices so downstream stages can't alias each other.
func (e Event) Clone() Event {
	out := e
	out.EventTypes = append([]string(nil), e.EventTypes...)
	out.Media = append([]string(nil), e.Media...)
	return out
}

// HasType reports whether the event carries t (case-insensitive).
func (e Event) HasType(t string) bool {
	for _, x := range e.EventTypes {
		if strings.EqualFold(x, t) {
			return true
		}
	}
	return false
}

// IsTest reports whether the event is an operator test notification.
func (e Event) IsTest() bool {
	for _, x := range e.EventTypes {
		if x == TestNotification {
			return true
		}
	}
	return false
}
