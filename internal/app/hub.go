// Package app wires the warden, its minions, the RPC router and storage into
// one Hub, and owns the process-wide Hub returned by Default.
package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"warden/internal/config"
	"warden/internal/eventbus"
	"warden/internal/minion"
	"warden/internal/observability/diag"
	"warden/internal/rpc"
	"warden/internal/runtime/supervisor"
	"warden/internal/storage"
	"warden/internal/warden"
	logx "warden/pkg/logx"
)

// SharedNamespace is the storage namespace of the warden's shared store.
const SharedNamespace = "warden"

type Option func(*options)

type options struct {
	log      logx.Logger
	tp       trace.TracerProvider
	mp       metric.MeterProvider
	handlers *minion.Registry
}

// WithLogger makes the hub log through log instead of a logging service
// built from the config.
func WithLogger(log logx.Logger) Option { return func(o *options) { o.log = log } }

func WithTracerProvider(tp trace.TracerProvider) Option { return func(o *options) { o.tp = tp } }

func WithMeterProvider(mp metric.MeterProvider) Option { return func(o *options) { o.mp = mp } }

// WithHandlers sets the handler registry shared by every minion.
func WithHandlers(r *minion.Registry) Option { return func(o *options) { o.handlers = r } }

// Hub owns one warden, its minion pool and the router they talk over.
type Hub struct {
	cfg *config.Config

	log  logx.Logger
	logs *logx.Service // nil when the logger was injected

	bus      eventbus.Bus
	opener   *storage.Opener
	store    storage.Store
	router   *rpc.Router
	endpoint *rpc.Endpoint
	warden   *warden.Warden
	client   *warden.Proxy
	handlers *minion.Registry
	diag     *diag.Service

	mu      sync.Mutex
	minions map[string]*minion.Minion

	sup       *supervisor.Supervisor
	closeOnce sync.Once
	closeErr  error
}

// New builds a hub from cfg. The pool itself is built lazily by the first
// AssignTask or an explicit Warden().Initialize.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Hub, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	h := &Hub{cfg: cfg, minions: map[string]*minion.Minion{}, handlers: o.handlers}
	if h.handlers == nil {
		h.handlers = minion.DefaultRegistry()
	}
	if o.log.IsZero() {
		h.logs, h.log = logx.New(cfg.Logging.Logx())
	} else {
		h.log = o.log
	}
	log := h.log.Named("app")

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, h.abort(err)
	}
	wc, err := mapWardenConfig(cfg)
	if err != nil {
		return nil, h.abort(err)
	}

	h.opener, err = storage.NewOpener(sc, h.log.Named("storage"))
	if err != nil {
		return nil, h.abort(err)
	}
	h.store, err = h.opener.Open(SharedNamespace)
	if err != nil {
		return nil, h.abort(fmt.Errorf("open shared store: %w", err))
	}

	h.bus = eventbus.New()
	ropts := []rpc.Option{rpc.WithLogger(h.log)}
	if o.tp != nil {
		ropts = append(ropts, rpc.WithTracerProvider(o.tp))
	}
	h.router = rpc.NewRouter(context.WithoutCancel(ctx), ropts...)
	h.client = warden.NewProxy(h.router.Client())

	wopts := []warden.Option{warden.WithLogger(h.log), warden.WithBus(h.bus)}
	if o.mp != nil {
		wopts = append(wopts, warden.WithMeterProvider(o.mp))
	}
	h.warden, err = warden.New(wc, h.store, h.spawn, wopts...)
	if err != nil {
		return nil, h.abort(err)
	}
	h.endpoint, err = warden.Serve(h.router, h.warden)
	if err != nil {
		return nil, h.abort(err)
	}
	dc, err := mapDiagConfig(cfg)
	if err != nil {
		return nil, h.abort(err)
	}
	h.diag = diag.New(dc, h.status, h.log)

	log.Info("hub ready",
		logx.String("storage", h.opener.Driver()),
		logx.Int("max_workers", wc.MaxWorkers),
		logx.String("handlers", strings.Join(h.handlers.Names(), ",")))
	return h, nil
}

// abort releases whatever New managed to build before err.
func (h *Hub) abort(err error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = errors.Join(err, h.release(ctx))
	if h.logs != nil {
		_ = h.logs.Close()
	}
	return err
}

// minionHandle is the warden's view of one minion: calls go through the
// router, Close tears down the endpoint and the minion.
type minionHandle struct {
	*minion.Proxy
	hub      *Hub
	m        *minion.Minion
	endpoint *rpc.Endpoint
}

func (mh *minionHandle) Close(ctx context.Context) error {
	err := mh.endpoint.Close(ctx)
	mh.hub.mu.Lock()
	delete(mh.hub.minions, mh.m.ID())
	mh.hub.mu.Unlock()
	return errors.Join(err, mh.m.Close())
}

func (h *Hub) spawn(ctx context.Context, id string) (warden.Minion, error) {
	m, err := minion.New(ctx, minion.Config{
		ID:          id,
		Opener:      h.opener,
		Coordinator: h.client,
		Handlers:    h.handlers,
		Logger:      h.log,
	})
	if err != nil {
		return nil, err
	}
	ep, err := minion.Serve(h.router, m)
	if err != nil {
		_ = m.Close()
		return nil, err
	}
	h.mu.Lock()
	h.minions[id] = m
	h.mu.Unlock()
	return &minionHandle{
		Proxy:    minion.NewProxy(h.router.Client(), id),
		hub:      h,
		m:        m,
		endpoint: ep,
	}, nil
}

// Config returns the config currently applied.
func (h *Hub) Config() *config.Config {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cfg
}

func (h *Hub) Logger() logx.Logger { return h.log }

// Warden returns the warden itself, bypassing the RPC boundary.
func (h *Hub) Warden() *warden.Warden { return h.warden }

// Client returns a warden proxy that speaks through the router.
func (h *Hub) Client() *warden.Proxy { return h.client }

func (h *Hub) Router() *rpc.Router { return h.router }

func (h *Hub) Bus() eventbus.Bus { return h.bus }

// Minions lists the ids of the live minions.
func (h *Hub) Minions() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.minions))
	for id := range h.minions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Minion returns a proxy for a live minion.
func (h *Hub) Minion(id string) (*minion.Proxy, bool) {
	h.mu.Lock()
	_, ok := h.minions[id]
	h.mu.Unlock()
	if !ok {
		return nil, false
	}
	return minion.NewProxy(h.router.Client(), id), true
}

// Status is the document served by the diagnostics endpoint.
type Status struct {
	Warden     warden.Snapshot         `json:"warden"`
	Minions    []string                `json:"minions"`
	Endpoints  []string                `json:"endpoints"`
	Supervisor supervisor.Counters     `json:"supervisor"`
	Panics     []supervisor.PanicCount `json:"panics,omitempty"`
}

func (h *Hub) status(context.Context) (any, error) {
	st := Status{Warden: h.warden.Snapshot(), Minions: h.Minions()}
	for _, ref := range h.router.Refs() {
		st.Endpoints = append(st.Endpoints, ref.String())
	}
	h.mu.Lock()
	sup := h.sup
	h.mu.Unlock()
	if sup != nil {
		st.Supervisor = sup.Counters()
		st.Panics = sup.Panics()
	}
	return st, nil
}

// Close stops background loops, the warden with its minions, the router and
// storage, in that order. It is safe to call more than once.
func (h *Hub) Close(ctx context.Context) error {
	return h.Stop(ctx, StopHubClose)
}

func (h *Hub) Stop(ctx context.Context, reason StopReason) error {
	h.closeOnce.Do(func() {
		h.log.Info("stopping", logx.String("reason", string(reason)))
		h.closeErr = h.release(ctx)
		h.log.Info("stopped")
		if h.logs != nil {
			_ = h.logs.Close()
		}
	})
	return h.closeErr
}

func (h *Hub) release(ctx context.Context) error {
	var errs []error
	step := func(name string, fn func(context.Context) error) {
		start := time.Now()
		if err := fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			h.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		h.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	h.mu.Lock()
	sup := h.sup
	h.mu.Unlock()
	if sup != nil {
		step("supervisor", sup.Stop)
	}
	if h.diag != nil {
		step("diagnostics", h.diag.Stop)
	}
	if h.warden != nil {
		step("warden", h.warden.Close)
	}
	if h.endpoint != nil {
		step("endpoint", h.endpoint.Close)
	}
	if h.router != nil {
		step("router", h.router.Close)
	}
	if h.store != nil {
		step("store", func(context.Context) error { return h.store.Close() })
	}
	if h.opener != nil {
		step("storage", func(context.Context) error { return h.opener.Close() })
	}
	return errors.Join(errs...)
}
