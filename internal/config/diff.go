package config

import (
	"reflect"
	"sort"
	"strings"

	logx "onpatrol/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe structured
// attrs for logging. Tokens are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	o, n := oldCfg.TelegramLog, newCfg.TelegramLog
	if o.Enabled != n.Enabled || o.ChatID != n.ChatID || o.MinLevel != n.MinLevel ||
		o.RatePerSec != n.RatePerSec || o.Token != n.Token {
		changed = append(changed, "telegram_log")
		attrs = append(attrs,
			logx.Bool("telegram_log.enabled", n.Enabled),
			logx.String("telegram_log.min_level", n.MinLevel),
			logx.Bool("telegram_log.token_changed", o.Token != n.Token),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Int("notifier.max_concurrent_sends", newCfg.Notifier.MaxConcurrentSends),
			logx.Int("notifier.send_queue_size", newCfg.Notifier.SendQueueSize),
			logx.String("notifier.timezone", newCfg.Notifier.Timezone),
		)
	}
	if !reflect.DeepEqual(oldCfg.Flood, newCfg.Flood) {
		changed = append(changed, "flood")
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if !reflect.DeepEqual(oldCfg.Debug, newCfg.Debug) {
		changed = append(changed, "debug")
		attrs = append(attrs, logx.Bool("debug.enabled", newCfg.Debug.Enabled))
	}

	if !reflect.DeepEqual(oldCfg.Clusters, newCfg.Clusters) {
		changed = append(changed, "clusters")
		attrs = append(attrs, logx.Int("clusters.count", len(newCfg.Clusters)))
	}
	if names := changedTargets(oldCfg.Targets, newCfg.Targets); len(names) > 0 {
		changed = append(changed, "targets")
		attrs = append(attrs, logx.String("targets.changed", strings.Join(names, ",")))
	}
	if !reflect.DeepEqual(oldCfg.Profiles, newCfg.Profiles) {
		changed = append(changed, "profiles")
		attrs = append(attrs, logx.Int("profiles.count", len(newCfg.Profiles)))
	}
	return changed, attrs
}

// changedTargets lists names added, removed or modified, sorted.
func changedTargets(oldT, newT []TargetConfig) []string {
	index := func(ts []TargetConfig) map[string]TargetConfig {
		m := make(map[string]TargetConfig, len(ts))
		for _, t := range ts {
			m[strings.TrimSpace(t.Name)] = t
		}
		return m
	}
	om, nm := index(oldT), index(newT)

	var out []string
	for name, nt := range nm {
		if ot, ok := om[name]; !ok || !reflect.DeepEqual(ot, nt) {
			out = append(out, name)
		}
	}
	for name := range om {
		if _, ok := nm[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// RequiresRestart reports whether the change touches settings only read at
// startup: queue sizes, storage, flood budgets and the debug server.
func RequiresRestart(oldCfg, newCfg *Config) bool {
	if oldCfg == nil || newCfg == nil {
		return false
	}
	return !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) ||
		!reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) ||
		!reflect.DeepEqual(oldCfg.Flood, newCfg.Flood) ||
		!reflect.DeepEqual(oldCfg.Debug, newCfg.Debug)
}
