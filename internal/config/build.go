package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"onpatrol/internal/flood"
	"onpatrol/internal/notifier"
	"onpatrol/internal/observability/debugserver"
	"onpatrol/internal/rules"
	"onpatrol/internal/storage"
	logx "onpatrol/pkg/logx"
)

const defaultShutdownTimeout = 30 * time.Second

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error
	if lvl := strings.TrimSpace(c.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", lvl))
	}
	if c.TelegramLog.Enabled && (strings.TrimSpace(c.TelegramLog.Token) == "" || strings.TrimSpace(string(c.TelegramLog.ChatID)) == "") {
		errs = append(errs, errors.New("telegram_log: token and chat_id are required when enabled"))
	}
	if _, err := c.Pipeline(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.ShutdownTimeout(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.StorageConfig(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Snapshot(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// LogConfig maps the logging sections onto logx.
func (c *Config) LogConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    c.TelegramLog.Enabled,
			MinLevel:   c.TelegramLog.MinLevel,
			RatePerSec: c.TelegramLog.RatePerSec,
		},
	}
}

func (c *Config) FloodConfig() flood.Config {
	return flood.Config{
		TokenRate:       c.Flood.TokenRate,
		PrivateChatRate: c.Flood.PrivateChatRate,
		GroupPerMinute:  c.Flood.GroupChatPerMinute,
	}
}

func (c *Config) DebugServer() debugserver.Config {
	return debugserver.Config{
		Enabled:       c.Debug.Enabled,
		Addr:          strings.TrimSpace(c.Debug.Addr),
		Prefix:        strings.TrimSpace(c.Debug.Prefix),
		Token:         strings.TrimSpace(c.Debug.Token),
		AllowInsecure: c.Debug.AllowInsecure,
	}
}

// VerifyBurst is the per-token budget used during target verification.
func (c *Config) VerifyBurst() int {
	if c.Flood.VerifyBurst > 0 {
		return c.Flood.VerifyBurst
	}
	return notifier.VerifyBurst
}

func (c *Config) StorageConfig() (storage.Config, error) {
	busy, err := c.Storage.BusyTimeout.Parse("storage.busy_timeout")
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(c.Storage.Driver)),
		Path:        strings.TrimSpace(c.Storage.Path),
		BusyTimeout: busy,
	}, nil
}

// Pipeline maps the notifier section onto notifier.Config.
func (c *Config) Pipeline() (notifier.Config, error) {
	n := c.Notifier
	out := notifier.Config{
		EventQueueSize:     n.EventQueueSize,
		SendQueueSize:      n.SendQueueSize,
		MaxConcurrentSends: n.MaxConcurrentSends,
		MaxPendingRetries:  n.MaxPendingRetries,
		RetryLimit:         n.RetryLimit,
		CleanupBatch:       n.CleanupBatch,
		PurgeSchedule:      strings.TrimSpace(c.Storage.PurgeSchedule),
		MediaDir:           strings.TrimSpace(n.MediaDir),
	}
	var err error
	if out.RetryFirstDelay, err = n.RetryFirstDelay.Parse("notifier.retry_first_delay"); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryDelay, err = n.RetryDelay.Parse("notifier.retry_delay"); err != nil {
		return notifier.Config{}, err
	}
	if out.CleanupInterval, err = n.CleanupInterval.Parse("notifier.cleanup_interval"); err != nil {
		return notifier.Config{}, err
	}
	if n.EventQueueSize < 0 || n.SendQueueSize < 0 || n.MaxConcurrentSends < 0 || n.MaxPendingRetries < 0 || n.RetryLimit < 0 {
		return notifier.Config{}, errors.New("notifier: sizes must be >= 0")
	}
	return out, nil
}

func (c *Config) ShutdownTimeout() (time.Duration, error) {
	return c.Notifier.ShutdownTimeout.ParseOr("notifier.shutdown_timeout", defaultShutdownTimeout)
}

// Location resolves notifier.timezone.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Notifier.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("notifier.timezone: %w", err)
	}
	return loc, nil
}

// Snapshot builds the routing snapshot. Targets come back unverified; the
// caller fills Verification before publishing it.
func (c *Config) Snapshot() (*notifier.Snapshot, error) {
	loc, err := c.Location()
	if err != nil {
		return nil, err
	}
	snap := &notifier.Snapshot{Location: loc, Clusters: rules.Clusters{}}

	for name, rs := range c.Clusters {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, errors.New("clusters: empty cluster name")
		}
		for i, rc := range rs {
			path := fmt.Sprintf("clusters.%s[%d]", name, i)
			sched, err := rc.ScheduleConfig.build(path)
			if err != nil {
				return nil, err
			}
			snap.Clusters[name] = append(snap.Clusters[name], rules.Rule{
				IPCNames:       rc.IPCNames,
				ChannelNames:   rc.ChannelNames,
				ChannelNumbers: rc.ChannelNumbers,
				EventTypes:     rc.EventTypes,
				Enabled:        enabled(rc.Enabled),
				Schedule:       sched,
			})
		}
	}

	seen := make(map[string]bool, len(c.Targets))
	for i, tc := range c.Targets {
		t, err := tc.build(fmt.Sprintf("targets[%d]", i))
		if err != nil {
			return nil, err
		}
		if seen[strings.ToLower(t.Name)] {
			return nil, fmt.Errorf("targets[%d]: duplicate name %q", i, t.Name)
		}
		seen[strings.ToLower(t.Name)] = true
		for _, cl := range t.Clusters {
			if !hasCluster(snap.Clusters, cl) {
				return nil, fmt.Errorf("targets[%d]: unknown cluster %q", i, cl)
			}
		}
		snap.Targets = append(snap.Targets, t)
	}

	for i, pc := range c.Profiles {
		path := fmt.Sprintf("profiles[%d]", i)
		sched, err := pc.ScheduleConfig.build(path)
		if err != nil {
			return nil, err
		}
		if pc.MinConfidence < 0 || pc.MinConfidence > 1 {
			return nil, fmt.Errorf("%s: min_confidence must be within [0,1]", path)
		}
		snap.Profiles = append(snap.Profiles, rules.Profile{
			Name:           strings.TrimSpace(pc.Name),
			IPCNames:       pc.IPCNames,
			ChannelNames:   pc.ChannelNames,
			ChannelNumbers: pc.ChannelNumbers,
			MinConfidence:  pc.MinConfidence,
			Enabled:        enabled(pc.Enabled),
			Schedule:       sched,
		})
	}
	return snap, nil
}

func hasCluster(cs rules.Clusters, name string) bool {
	for k := range cs {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}

func (tc TargetConfig) build(path string) (notifier.Target, error) {
	name := strings.TrimSpace(tc.Name)
	if name == "" {
		return notifier.Target{}, fmt.Errorf("%s: name is required", path)
	}
	token := strings.TrimSpace(tc.Token)
	chatID := strings.TrimSpace(string(tc.ChatID))
	if token == "" || chatID == "" {
		return notifier.Target{}, fmt.Errorf("%s: token and chat_id are required", path)
	}
	ttl, err := tc.ExpiryTTL.Parse(path + ".expiry_ttl")
	if err != nil {
		return notifier.Target{}, err
	}
	isGroup := strings.HasPrefix(chatID, "-")
	if tc.IsGroup != nil {
		isGroup = *tc.IsGroup
	}
	return notifier.Target{
		Name:              name,
		Enabled:           enabled(tc.Enabled),
		Clusters:          tc.Clusters,
		Token:             token,
		ChatID:            chatID,
		ExpiryTTL:         ttl,
		IndicateEventType: tc.IndicateEventType,
		IsGroup:           isGroup,
	}, nil
}

func (sc ScheduleConfig) build(path string) (rules.Schedule, error) {
	var s rules.Schedule
	if len(sc.Days) == 0 {
		s.Days = rules.EveryDay()
	}
	for _, d := range sc.Days {
		key := strings.ToLower(strings.TrimSpace(d))
		if key == "*" || key == "all" {
			s.Days = rules.EveryDay()
			continue
		}
		wd, ok := weekdays[key]
		if !ok {
			return rules.Schedule{}, fmt.Errorf("%s.days: unknown weekday %q", path, d)
		}
		s.Days[wd] = true
	}
	var err error
	if s.Window.Start, err = rules.ParseClock(sc.Start); err != nil {
		return rules.Schedule{}, fmt.Errorf("%s.start: %w", path, err)
	}
	if s.Window.Stop, err = rules.ParseClock(sc.Stop); err != nil {
		return rules.Schedule{}, fmt.Errorf("%s.stop: %w", path, err)
	}
	return s, nil
}
