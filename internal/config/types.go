package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Config is the on-disk configuration (JSON or YAML).
//
// Durations are Go duration strings ("500ms", "10s", "1m") or a number of
// seconds. Times of day are "HH:MM" (24h).
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	TelegramLog TelegramLogConfig `json:"telegram_log"`
	Notifier    NotifierConfig    `json:"notifier"`
	Flood       FloodConfig       `json:"flood"`
	Storage     StorageConfig     `json:"storage"`
	Debug       DebugConfig       `json:"debug,omitempty"`

	// Clusters maps a cluster name to its scheduling rules.
	Clusters map[string][]RuleConfig `json:"clusters"`
	Targets  []TargetConfig          `json:"targets"`
	Profiles []ProfileConfig         `json:"profiles,omitempty"`
}

type LoggingConfig struct {
	Level   string     `json:"level"`
	Console bool       `json:"console"`
	File    FileConfig `json:"file"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// TelegramLogConfig forwards warnings and errors to an operator chat.
type TelegramLogConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token"`
	ChatID     Scalar `json:"chat_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// NotifierConfig sizes the delivery pipeline. Zero values take defaults:
//   - event_queue_size: 100
//   - send_queue_size: 1000
//   - max_concurrent_sends: 30
//   - max_pending_retries: 1000
//   - retry_limit: 5
//   - retry_first_delay: "5s", retry_delay: "10s"
//   - cleanup_interval: "60s"
//   - shutdown_timeout: "30s"
type NotifierConfig struct {
	EventQueueSize     int      `json:"event_queue_size,omitempty"`
	SendQueueSize      int      `json:"send_queue_size,omitempty"`
	MaxConcurrentSends int      `json:"max_concurrent_sends,omitempty"`
	MaxPendingRetries  int      `json:"max_pending_retries,omitempty"`
	RetryLimit         int      `json:"retry_limit,omitempty"`
	RetryFirstDelay    Duration `json:"retry_first_delay,omitempty"`
	RetryDelay         Duration `json:"retry_delay,omitempty"`
	CleanupInterval    Duration `json:"cleanup_interval,omitempty"`
	CleanupBatch       int      `json:"cleanup_batch,omitempty"`
	ShutdownTimeout    Duration `json:"shutdown_timeout,omitempty"`
	// Timezone is an IANA name; empty means the host's local zone.
	Timezone string `json:"timezone,omitempty"`
	MediaDir string `json:"media_dir,omitempty"`
}

// FloodConfig overrides the Bot API budgets.
type FloodConfig struct {
	TokenRate          int     `json:"token_rate,omitempty"`
	PrivateChatRate    float64 `json:"private_chat_rate,omitempty"`
	GroupChatPerMinute int     `json:"group_chat_per_minute,omitempty"`
	VerifyBurst        int     `json:"verify_burst,omitempty"`
}

// StorageConfig selects the sent-item store.
//
// driver: "sqlite", "memory" or "none" (empty). Without storage, delivered
// messages are never auto-deleted.
type StorageConfig struct {
	Driver      string   `json:"driver"`
	Path        string   `json:"path,omitempty"`
	BusyTimeout Duration `json:"busy_timeout,omitempty"`
	// PurgeSchedule is a cron spec (5 fields or a descriptor like "@daily").
	PurgeSchedule string `json:"purge_schedule,omitempty"`
}

// DebugConfig exposes /healthz and pprof. Addr defaults to 127.0.0.1:6060;
// a non-loopback addr needs a token or allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Prefix        string `json:"prefix,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// ScheduleConfig is shared by rules and profiles. Empty days means every
// day; start == stop covers the whole day.
type ScheduleConfig struct {
	Days  []string `json:"days,omitempty"`
	Start string   `json:"start,omitempty"`
	Stop  string   `json:"stop,omitempty"`
}

type RuleConfig struct {
	// Enabled is a pointer so an omitted field defaults to true.
	Enabled        *bool      `json:"enabled,omitempty"`
	IPCNames       StringList `json:"ipc_names,omitempty"`
	ChannelNames   StringList `json:"channel_names,omitempty"`
	ChannelNumbers StringList `json:"channel_numbers,omitempty"`
	EventTypes     StringList `json:"event_types,omitempty"`
	ScheduleConfig
}

type TargetConfig struct {
	Name     string     `json:"name"`
	Enabled  *bool      `json:"enabled,omitempty"`
	Clusters StringList `json:"clusters"`
	Token    string     `json:"token"`
	ChatID   Scalar     `json:"chat_id"`
	// ExpiryTTL deletes delivered messages after this long; empty keeps them.
	ExpiryTTL         Duration `json:"expiry_ttl,omitempty"`
	IndicateEventType bool     `json:"indicate_event_type,omitempty"`
	// IsGroup defaults to true for negative chat ids.
	IsGroup *bool `json:"is_group,omitempty"`
}

type ProfileConfig struct {
	Name           string     `json:"name"`
	Enabled        *bool      `json:"enabled,omitempty"`
	IPCNames       StringList `json:"ipc_names,omitempty"`
	ChannelNames   StringList `json:"channel_names,omitempty"`
	ChannelNumbers StringList `json:"channel_numbers,omitempty"`
	MinConfidence  float64    `json:"min_confidence"`
	ScheduleConfig
}

func enabled(b *bool) bool { return b == nil || *b }

// StringList accepts a JSON array of strings or numbers, or a single
// scalar, so `channel_numbers: [1, 2]` and `ipc_names: Porch` both decode.
type StringList []string

func (l *StringList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*l = nil
		return nil
	}
	var raw []json.RawMessage
	if len(b) > 0 && b[0] == '[' {
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
	} else {
		raw = []json.RawMessage{b}
	}
	out := make(StringList, 0, len(raw))
	for _, r := range raw {
		var s Scalar
		if err := s.UnmarshalJSON(r); err != nil {
			return err
		}
		out = append(out, string(s))
	}
	*l = out
	return nil
}

// Scalar is a string that also accepts a bare JSON number, e.g. a YAML
// `chat_id: -1001234567890`.
type Scalar string

func (s *Scalar) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*s = Scalar(str)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", b)
	}
	if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
		*s = Scalar(strconv.FormatInt(i, 10))
		return nil
	}
	*s = Scalar(n.String())
	return nil
}
