package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	logx "warden/pkg/logx"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Warden  WardenConfig  `json:"warden"`

	// Storage is optional; nil means the in-memory driver.
	Storage *StorageConfig `json:"storage,omitempty"`

	Diagnostics DiagnosticsConfig `json:"diagnostics"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

func (c LoggingConfig) Logx() logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
	}
}

// WardenConfig controls the scheduler and its minion pool.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - max_workers: 2
//   - task_timeout: "30s"
//   - reap_interval: "1s"
//   - retry_max: 2 (use -1 to disable retries)
//   - retry_base: "200ms"
//   - retry_max_delay: "5s"
//   - retain_finished: "1h"
//   - compact_schedule: "" (compaction disabled)
//
// max_workers is read once at startup; changing it requires a restart.
type WardenConfig struct {
	MaxWorkers      int    `json:"max_workers,omitempty"`
	TaskTimeout     string `json:"task_timeout,omitempty"`
	ReapInterval    string `json:"reap_interval,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	RetainFinished  string `json:"retain_finished,omitempty"`
	CompactSchedule string `json:"compact_schedule,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "dir": "./warden_data" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Dir         string `json:"dir,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)

	RedisURL    string `json:"redis_url,omitempty"` // never logged
	RedisPrefix string `json:"redis_prefix,omitempty"`
}

// DiagnosticsConfig controls the optional diagnostics HTTP server
// (/healthz, /statusz and optionally /debug/pprof/).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DiagnosticsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout string `json:"read_timeout,omitempty"`
	IdleTimeout string `json:"idle_timeout,omitempty"`
}

// WardenDurations is the parsed form of the warden duration fields.
type WardenDurations struct {
	TaskTimeout    time.Duration
	ReapInterval   time.Duration
	RetryBase      time.Duration
	RetryMaxDelay  time.Duration
	RetainFinished time.Duration
}

// Durations parses the warden duration fields. Omitted fields stay zero for
// the warden to default; every bad field is reported.
func (c WardenConfig) Durations() (WardenDurations, error) {
	var d WardenDurations
	p := durationParser{section: "warden"}
	d.TaskTimeout = p.parse("task_timeout", c.TaskTimeout, 0)
	d.ReapInterval = p.parse("reap_interval", c.ReapInterval, 0)
	d.RetryBase = p.parse("retry_base", c.RetryBase, 0)
	d.RetryMaxDelay = p.parse("retry_max_delay", c.RetryMaxDelay, 0)
	d.RetainFinished = p.parse("retain_finished", c.RetainFinished, 0)
	return d, p.err()
}

// BusyTimeoutOr returns the sqlite busy timeout, or def when it is omitted.
func (c StorageConfig) BusyTimeoutOr(def time.Duration) (time.Duration, error) {
	p := durationParser{section: "storage"}
	d := p.parse("busy_timeout", c.BusyTimeout, def)
	return d, p.err()
}

// Timeouts returns the diagnostics server's read and idle timeouts. Zero
// means the server default.
func (c DiagnosticsConfig) Timeouts() (read, idle time.Duration, err error) {
	p := durationParser{section: "diagnostics"}
	read = p.parse("read_timeout", c.ReadTimeout, 0)
	idle = p.parse("idle_timeout", c.IdleTimeout, 0)
	return read, idle, p.err()
}

// durationParser collects errors across the duration fields of one section.
type durationParser struct {
	section string
	errs    []error
}

// parse reads a Go duration string. Blank and zero values yield def;
// negative values are rejected.
func (p *durationParser) parse(field, raw string, def time.Duration) time.Duration {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		p.errs = append(p.errs, fmt.Errorf("%s.%s: invalid duration %q: %w", p.section, field, raw, err))
		return 0
	case d < 0:
		p.errs = append(p.errs, fmt.Errorf("%s.%s: duration must be >= 0", p.section, field))
		return 0
	case d == 0:
		return def
	}
	return d
}

func (p *durationParser) err() error { return errors.Join(p.errs...) }

// Validate checks the fields that can be checked without the rest of the
// program. Cron schedules are validated by the warden itself.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if c.Warden.MaxWorkers < 0 {
		errs = append(errs, fmt.Errorf("warden.max_workers: must be >= 0"))
	}
	if _, err := c.Warden.Durations(); err != nil {
		errs = append(errs, err)
	}
	if _, _, err := c.Diagnostics.Timeouts(); err != nil {
		errs = append(errs, err)
	}
	if s := c.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "memory", "redis":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Dir) == "" {
				errs = append(errs, fmt.Errorf("storage.dir: required for driver %q", s.Driver))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		if _, err := s.BusyTimeoutOr(0); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
