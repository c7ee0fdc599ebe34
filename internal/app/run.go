package app

import (
	"context"
	"strings"
	"time"

	"warden/internal/config"
	"warden/internal/runtime/supervisor"
	logx "warden/pkg/logx"
)

// Start builds the pool and, when cfgm is non-nil, starts the config watch
// and the reload loop. Background loops stop on Close or when ctx is done.
func (h *Hub) Start(ctx context.Context, cfgm *config.ConfigManager) error {
	h.mu.Lock()
	if h.sup != nil {
		h.mu.Unlock()
		return nil
	}
	h.sup = supervisor.New(ctx, supervisor.WithLogger(h.log), supervisor.WithCancelOnError(true))
	sup := h.sup
	h.mu.Unlock()

	if err := h.warden.Initialize(ctx); err != nil {
		return err
	}
	if err := h.diag.Start(sup.Context()); err != nil {
		return err
	}
	if cfgm == nil {
		h.log.Info("hub started")
		return nil
	}

	// Transactional reload: validate before commit/publish.
	cfgm.SetLogger(h.log.Named("config"))
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapDiagConfig(cfg); err != nil {
			return err
		}
		_, err := mapWardenConfig(cfg)
		return err
	})
	if cur := cfgm.Get(); cur != nil {
		h.mu.Lock()
		h.cfg = cur
		h.mu.Unlock()
	}

	sub := cfgm.Subscribe(1)
	sup.Go("config.reload", func(c context.Context) error {
		defer cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				if next != nil {
					h.applyConfig(next)
				}
			}
		}
	})
	sup.Go("config.watch", cfgm.Watch)

	h.log.Info("hub started", logx.String("config", cfgm.Path()))
	return nil
}

// Done is closed when the hub's background loops stop, either through
// Close or after a fatal loop error.
func (h *Hub) Done() <-chan struct{} {
	h.mu.Lock()
	sup := h.sup
	h.mu.Unlock()
	if sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return sup.Context().Done()
}

// Err returns the first fatal background error, if any.
func (h *Hub) Err() error {
	h.mu.Lock()
	sup := h.sup
	h.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Err()
}

// applyConfig applies the settings that can change at runtime: logging and
// the warden's timeout and retry budget.
func (h *Hub) applyConfig(next *config.Config) {
	start := time.Now()
	h.mu.Lock()
	prev := h.cfg
	h.cfg = next
	h.mu.Unlock()

	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		h.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(prev, next); len(restart) > 0 {
		h.log.Warn("config change requires restart", logx.String("settings", strings.Join(restart, ",")))
	}

	if h.logs != nil {
		if err := h.logs.Apply(next.Logging.Logx()); err != nil {
			h.log.Warn("logging config not applied", logx.Err(err))
		}
	}
	wc, err := mapWardenConfig(next)
	if err != nil {
		// The validator already accepted this config.
		h.log.Error("config apply failed", logx.Err(err))
		return
	}
	h.warden.Apply(wc)
	if dc, err := mapDiagConfig(next); err == nil {
		if err := h.diag.Reconfigure(h.sup.Context(), dc); err != nil {
			h.log.Warn("diagnostics reconfigure failed", logx.Err(err))
		}
	}

	fields := append([]logx.Field{
		logx.String("changed", strings.Join(sections, ",")),
		logx.Duration("took", time.Since(start)),
	}, attrs...)
	h.log.Info("config reloaded", fields...)
}
