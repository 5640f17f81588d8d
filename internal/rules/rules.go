// Package rules decides whether a camera event falls inside a notification
// schedule. Matching is pure: the same event, rule and clock always give the
// same answer.
package rules

import (
	"sort"
	"strings"
	"time"

	"onpatrol/internal/event"
)

// Rule is one scheduling entry of a cluster. Empty filter lists are wildcards.
type Rule struct {
	IPCNames       []string
	ChannelNames   []string
	ChannelNumbers []string
	EventTypes     []string
	Enabled        bool
	Schedule       Schedule
}

// Clusters maps a cluster name to its rules.
type Clusters map[string][]Rule

// Matches reports whether ev satisfies r. now is only consulted when the
// event carries no timestamp.
func Matches(ev event.Event, r Rule, now time.Time) bool {
	if !r.Enabled {
		return false
	}
	if !matchName(ev.CameraName, r.IPCNames) || !matchName(ev.ChannelName, r.ChannelNames) {
		return false
	}
	if !matchNumber(ev.ChannelNumber, r.ChannelNumbers) {
		return false
	}
	if !matchEventType(ev, r.EventTypes) {
		return false
	}
	t := ev.Time
	if t.IsZero() {
		t = now
	}
	return r.Schedule.Allows(t)
}

// MatchCluster reports whether any rule of the cluster matches.
func MatchCluster(ev event.Event, rs []Rule, now time.Time) bool {
	for _, r := range rs {
		if Matches(ev, r, now) {
			return true
		}
	}
	return false
}

// MatchClusters returns the sorted names of every cluster with a matching rule.
func MatchClusters(ev event.Event, cs Clusters, now time.Time) []string {
	out := make([]string, 0, len(cs))
	for name, rs := range cs {
		if MatchCluster(ev, rs, now) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// matchName accepts an empty list, "*", a case-insensitive exact match or a
// prefix pattern such as "Front*".
func matchName(name string, filters []string) bool {
	if len(filters) == 0 {
		return true
	}
	n := strings.ToLower(strings.TrimSpace(name))
	for _, f := range filters {
		f = strings.ToLower(strings.TrimSpace(f))
		switch {
		case f == "*":
			return true
		case f == n:
			return true
		case strings.HasSuffix(f, "*") && strings.HasPrefix(n, strings.TrimSuffix(f, "*")):
			return true
		}
	}
	return false
}

func matchNumber(num string, filters []string) bool {
	if len(filters) == 0 {
		return true
	}
	num = strings.TrimSpace(num)
	for _, f := range filters {
		if strings.TrimSpace(f) == num {
			return true
		}
	}
	return false
}

func matchEventType(ev event.Event, filters []string) bool {
	if len(filters) == 0 || ev.IsTest() {
		return true
	}
	for _, t := range ev.EventTypes {
		for _, f := range filters {
			if strings.EqualFold(strings.TrimSpace(f), strings.TrimSpace(t)) {
				return true
			}
		}
	}
	return false
}
