package app

import (
	"strings"
	"time"

	"warden/internal/config"
	"warden/internal/observability/diag"
	"warden/internal/storage"
	"warden/internal/warden"
)

const (
	defaultBusyTimeout = time.Second
	defaultMaxWorkers  = 2
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	out := storage.Config{
		Driver:      driver,
		Dir:         strings.TrimSpace(sc.Dir),
		RedisURL:    strings.TrimSpace(sc.RedisURL),
		RedisPrefix: strings.TrimSpace(sc.RedisPrefix),
	}
	if driver == "sqlite" || driver == "sqlite3" {
		busy, err := sc.BusyTimeoutOr(defaultBusyTimeout)
		if err != nil {
			return storage.Config{}, err
		}
		out.BusyTimeout = busy
	}
	return out, nil
}

func mapWardenConfig(cfg *config.Config) (warden.Config, error) {
	if cfg == nil {
		return warden.Config{MaxWorkers: defaultMaxWorkers}, nil
	}
	wc := cfg.Warden
	if wc.MaxWorkers == 0 {
		wc.MaxWorkers = defaultMaxWorkers
	}
	d, err := wc.Durations()
	if err != nil {
		return warden.Config{}, err
	}
	return warden.Config{
		MaxWorkers:      wc.MaxWorkers,
		TaskTimeout:     d.TaskTimeout,
		ReapInterval:    d.ReapInterval,
		RetryMax:        wc.RetryMax,
		RetryBase:       d.RetryBase,
		RetryMaxDelay:   d.RetryMaxDelay,
		RetainFinished:  d.RetainFinished,
		CompactSchedule: strings.TrimSpace(wc.CompactSchedule),
	}, nil
}

func mapDiagConfig(cfg *config.Config) (diag.Config, error) {
	if cfg == nil {
		return diag.Config{}, nil
	}
	dc := cfg.Diagnostics
	read, idle, err := dc.Timeouts()
	if err != nil {
		return diag.Config{}, err
	}
	return diag.Config{
		Enabled:       dc.Enabled,
		Addr:          strings.TrimSpace(dc.Addr),
		Token:         strings.TrimSpace(dc.Token),
		AllowInsecure: dc.AllowInsecure,
		Pprof:         dc.Pprof,
		ReadTimeout:   read,
		IdleTimeout:   idle,
	}, nil
}
