package app

import (
	"context"
	"sync"

	"warden/internal/config"
)

// Loader produces the config for the process-wide hub.
type Loader func(ctx context.Context) (*config.Config, error)

// FileLoader loads the config file at path.
func FileLoader(path string) Loader {
	return func(context.Context) (*config.Config, error) {
		return config.NewConfigManager(path).Load()
	}
}

var defaultHub struct {
	mu       sync.Mutex
	hub      *Hub
	building chan struct{} // closed when the build in flight finishes
	opts     []Option
}

// SetDefaultOptions sets the options used when Default builds the hub. It
// has no effect once the hub exists.
func SetDefaultOptions(opts ...Option) {
	defaultHub.mu.Lock()
	defaultHub.opts = opts
	defaultHub.mu.Unlock()
}

// Default returns the process-wide hub, building it on first access.
// Concurrent first callers share one build and receive the same hub. A failed
// build is reported to the caller that ran it; waiting callers then try again.
func Default(ctx context.Context, load Loader) (*Hub, error) {
	for {
		defaultHub.mu.Lock()
		if h := defaultHub.hub; h != nil {
			defaultHub.mu.Unlock()
			return h, nil
		}
		if wait := defaultHub.building; wait != nil {
			defaultHub.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		done := make(chan struct{})
		defaultHub.building = done
		opts := defaultHub.opts
		defaultHub.mu.Unlock()

		h, err := buildDefault(ctx, load, opts)

		defaultHub.mu.Lock()
		defaultHub.building = nil
		if err == nil {
			defaultHub.hub = h
		}
		close(done)
		defaultHub.mu.Unlock()
		return h, err
	}
}

func buildDefault(ctx context.Context, load Loader, opts []Option) (*Hub, error) {
	var cfg *config.Config
	if load != nil {
		c, err := load(ctx)
		if err != nil {
			return nil, err
		}
		cfg = c
	}
	return New(context.WithoutCancel(ctx), cfg, opts...)
}

// CloseDefault closes the process-wide hub, if built, and forgets it so a
// later Default builds a fresh one.
func CloseDefault(ctx context.Context) error {
	defaultHub.mu.Lock()
	h := defaultHub.hub
	defaultHub.hub = nil
	defaultHub.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.Close(ctx)
}
