package config

import (
	"sort"
	"strings"

	logx "warden/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging. Redis URLs are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 3)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	ow, nw := oldCfg.Warden, newCfg.Warden
	if ow != nw {
		changed = append(changed, "warden")
		attrs = append(attrs,
			logx.Int("warden.max_workers", nw.MaxWorkers),
			logx.Bool("warden.max_workers_changed", ow.MaxWorkers != nw.MaxWorkers),
			logx.String("warden.task_timeout", strings.TrimSpace(nw.TaskTimeout)),
			logx.Int("warden.retry_max", nw.RetryMax),
			logx.String("warden.retry_base", strings.TrimSpace(nw.RetryBase)),
			logx.String("warden.retain_finished", strings.TrimSpace(nw.RetainFinished)),
			logx.String("warden.compact_schedule", strings.TrimSpace(nw.CompactSchedule)),
		)
	}

	// Nil means memory.
	var oldS, newS StorageConfig
	if oldCfg.Storage != nil {
		oldS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		newS = *newCfg.Storage
	}
	if strings.TrimSpace(oldS.Driver) != strings.TrimSpace(newS.Driver) ||
		strings.TrimSpace(oldS.Dir) != strings.TrimSpace(newS.Dir) ||
		strings.TrimSpace(oldS.BusyTimeout) != strings.TrimSpace(newS.BusyTimeout) ||
		oldS.RedisURL != newS.RedisURL ||
		oldS.RedisPrefix != newS.RedisPrefix {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newS.Driver)),
			logx.Bool("storage.dir_set", strings.TrimSpace(newS.Dir) != ""),
			logx.Bool("storage.redis_url_set", newS.RedisURL != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newS.BusyTimeout)),
		)
	}

	// Diagnostics (never log token)
	od, nd := oldCfg.Diagnostics, newCfg.Diagnostics
	if od != nd {
		changed = append(changed, "diagnostics")
		attrs = append(attrs,
			logx.Bool("diagnostics.enabled", nd.Enabled),
			logx.String("diagnostics.addr", strings.TrimSpace(nd.Addr)),
			logx.Bool("diagnostics.token_set", strings.TrimSpace(nd.Token) != ""),
			logx.Bool("diagnostics.pprof", nd.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports the changed settings that only take effect on the
// next start.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if oldCfg.Warden.MaxWorkers != newCfg.Warden.MaxWorkers {
		out = append(out, "warden.max_workers")
	}
	if strings.TrimSpace(oldCfg.Warden.ReapInterval) != strings.TrimSpace(newCfg.Warden.ReapInterval) {
		out = append(out, "warden.reap_interval")
	}
	if strings.TrimSpace(oldCfg.Warden.CompactSchedule) != strings.TrimSpace(newCfg.Warden.CompactSchedule) {
		out = append(out, "warden.compact_schedule")
	}
	_, attrs := SummarizeConfigChange(&Config{Storage: oldCfg.Storage}, &Config{Storage: newCfg.Storage})
	if len(attrs) > 0 {
		out = append(out, "storage")
	}
	return out
}
