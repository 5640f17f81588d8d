package rules

import (
	"strings"
	"time"

	"onpatrol/internal/event"
)

// Profile selects the object-detection confidence for a camera during a
// time slot. IPCNames may list explicit cameras, "*" for every camera, and
// "!name" entries that exclude a camera from the "*" wildcard.
type Profile struct {
	Name           string
	IPCNames       []string
	ChannelNames   []string
	ChannelNumbers []string
	MinConfidence  float64
	Enabled        bool
	Schedule       Schedule
}

// SelectProfile returns the first profile that applies to ev. Profiles naming
// the camera explicitly win over wildcard profiles; within each group the
// slice order is kept.
func SelectProfile(ev event.Event, profiles []Profile, now time.Time) (Profile, bool) {
	cam := strings.ToLower(strings.TrimSpace(ev.CameraName))
	t := ev.Time
	if t.IsZero() {
		t = now
	}

	for _, p := range profiles {
		if p.Enabled && p.namesCamera(cam) && p.applies(ev, t) {
			return p, true
		}
	}
	for _, p := range profiles {
		if p.Enabled && p.isWildcard() && !p.excludes(cam) && p.applies(ev, t) {
			return p, true
		}
	}
	return Profile{}, false
}

func (p Profile) applies(ev event.Event, t time.Time) bool {
	return matchName(ev.ChannelName, p.ChannelNames) &&
		matchNumber(ev.ChannelNumber, p.ChannelNumbers) &&
		p.Schedule.Allows(t)
}

func (p Profile) namesCamera(cam string) bool {
	for _, n := range p.IPCNames {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "" || n == "*" || strings.HasPrefix(n, "!") {
			continue
		}
		if n == cam {
			return true
		}
	}
	return false
}

func (p Profile) isWildcard() bool {
	if len(p.IPCNames) == 0 {
		return true
	}
	for _, n := range p.IPCNames {
		if strings.TrimSpace(n) == "*" {
			return true
		}
	}
	return false
}

// excludes only honours "!name" entries when "*" is present.
func (p Profile) excludes(cam string) bool {
	if len(p.IPCNames) == 0 {
		return false
	}
	for _, n := range p.IPCNames {
		n = strings.ToLower(strings.TrimSpace(n))
		if strings.HasPrefix(n, "!") && n[1:] == cam {
			return true
		}
	}
	return false
}
