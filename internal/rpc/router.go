package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"warden/internal/runtime/supervisor"
	logx "warden/pkg/logx"
)

const (
	defaultMailbox = 64
	tracerName     = "warden/internal/rpc"
)

// Ref is a cloneable reference to an endpoint.
type Ref struct {
	Addr string `json:"addr"`
}

func (r Ref) IsZero() bool   { return r.Addr == "" }
func (r Ref) String() string { return r.Addr }

// HandlerFunc serves one method. args is the JSON encoding of the caller's
// argument; the returned value is JSON encoded as the reply.
type HandlerFunc func(ctx context.Context, args json.RawMessage) (any, error)

// Method adapts a typed function to a HandlerFunc.
func Method[A, R any](fn func(ctx context.Context, args A) (R, error)) HandlerFunc {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var a A
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &a); err != nil {
				return nil, fmt.Errorf("decode args: %w", err)
			}
		}
		return fn(ctx, a)
	}
}

// Methods maps method names to handlers.
type Methods map[string]HandlerFunc

type Option func(*Router)

func WithLogger(log logx.Logger) Option {
	return func(r *Router) { r.log = log }
}

// WithTracerProvider sets the provider for call spans. The global provider is
// used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Router) {
		if tp != nil {
			r.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithMailbox sets the per-endpoint mailbox capacity.
func WithMailbox(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.mailbox = n
		}
	}
}

// Router is the in-process dispatch table from addresses to endpoints.
type Router struct {
	log     logx.Logger
	tracer  trace.Tracer
	mailbox int
	sup     *supervisor.Supervisor

	mu        sync.RWMutex
	closed    bool
	endpoints map[string]*Endpoint
}

func NewRouter(ctx context.Context, opts ...Option) *Router {
	r := &Router{
		log:       logx.Nop(),
		tracer:    otel.Tracer(tracerName),
		mailbox:   defaultMailbox,
		endpoints: map[string]*Endpoint{},
	}
	for _, o := range opts {
		o(r)
	}
	r.log = r.log.Named("rpc")
	r.sup = supervisor.New(ctx, supervisor.WithLogger(r.log))
	return r
}

// Bind starts an endpoint serving methods at addr.
func (r *Router) Bind(addr string, methods Methods) (*Endpoint, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("%w: empty address", ErrNoEndpoint)
	}
	ms := make(Methods, len(methods))
	for k, v := range methods {
		if v != nil {
			ms[k] = v
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if _, ok := r.endpoints[addr]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAddrInUse, addr)
	}
	ep := &Endpoint{
		ref:     Ref{Addr: addr},
		router:  r,
		methods: ms,
		mailbox: make(chan *envelope, r.mailbox),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	r.endpoints[addr] = ep
	r.sup.Go0("rpc.endpoint:"+addr, ep.loop)
	r.log.Debug("endpoint bound", logx.String("addr", addr), logx.Int("methods", len(ms)))
	return ep, nil
}

func (r *Router) lookup(addr string) (*Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrClosed
	}
	ep, ok := r.endpoints[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoEndpoint, addr)
	}
	return ep, nil
}

func (r *Router) unbind(ep *Endpoint) {
	r.mu.Lock()
	if cur, ok := r.endpoints[ep.ref.Addr]; ok && cur == ep {
		delete(r.endpoints, ep.ref.Addr)
	}
	r.mu.Unlock()
}

// Refs lists bound endpoints in address order.
func (r *Router) Refs() []Ref {
	r.mu.RLock()
	out := make([]Ref, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, ep.ref)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// Client returns a caller bound to this router.
func (r *Router) Client() *Client { return &Client{router: r} }

// Close stops every endpoint. Pending calls fail with ErrClosed.
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	eps := make([]*Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		eps = append(eps, ep)
	}
	r.endpoints = map[string]*Endpoint{}
	r.mu.Unlock()

	for _, ep := range eps {
		ep.stop()
	}
	return r.sup.Stop(ctx)
}

// Endpoint is an isolated execution context: one goroutine draining a
// mailbox. Handlers run only on that goroutine.
type Endpoint struct {
	ref     Ref
	router  *Router
	methods Methods
	mailbox chan *envelope

	stopOnce sync.Once
	done     chan struct{}
	exited   chan struct{}

	// mu orders senders against the final drain.
	mu     sync.RWMutex
	closed bool
}

type envelope struct {
	method   string
	args     []byte
	span     trace.SpanContext
	deadline time.Time
	future   *Future
}

func (e *Endpoint) Ref() Ref { return e.ref }

// Close unbinds the endpoint and waits for its loop to exit. A handler that
// is running finishes first; when ctx ends before it does, Close returns and
// the loop exits once the handler returns.
func (e *Endpoint) Close(ctx context.Context) error {
	e.router.unbind(e)
	e.stop()
	select {
	case <-e.exited:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("rpc: close %s: %w", e.ref.Addr, ctx.Err())
	}
}

func (e *Endpoint) stop() { e.stopOnce.Do(func() { close(e.done) }) }

func (e *Endpoint) send(ctx context.Context, env *envelope) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	select {
	case e.mailbox <- env:
		return nil
	case <-e.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Endpoint) loop(ctx context.Context) {
	defer close(e.exited)
	defer e.drain()
	for {
		// A stop wins over queued messages.
		select {
		case <-ctx.Done():
			return
		case <-e.done:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-e.done:
			return
		case env := <-e.mailbox:
			e.serve(ctx, env)
		}
	}
}

func (e *Endpoint) drain() {
	e.stop()
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	for {
		select {
		case env := <-e.mailbox:
			env.future.resolve(nil, ErrClosed)
		default:
			return
		}
	}
}

func (e *Endpoint) serve(base context.Context, env *envelope) {
	ctx := base
	if env.span.IsValid() {
		ctx = trace.ContextWithRemoteSpanContext(ctx, env.span)
	}
	if !env.deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, env.deadline)
		defer cancel()
	}
	ctx, span := e.router.tracer.Start(ctx, "rpc.serve "+env.method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("rpc.system", "warden"),
			attribute.String("rpc.service", e.ref.Addr),
			attribute.String("rpc.method", env.method),
		))
	defer span.End()

	h, ok := e.methods[env.method]
	if !ok {
		err := fmt.Errorf("%w: %s.%s", ErrUnknownMethod, e.ref.Addr, env.method)
		span.SetStatus(codes.Error, err.Error())
		env.future.resolve(nil, err)
		return
	}

	reply, err := e.invoke(ctx, h, env)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		env.future.resolve(nil, err)
		return
	}
	b, err := json.Marshal(reply)
	if err != nil {
		err = &RemoteError{Addr: e.ref.Addr, Method: env.method, Message: "encode reply: " + err.Error()}
		span.SetStatus(codes.Error, err.Error())
		env.future.resolve(nil, err)
		return
	}
	env.future.resolve(b, nil)
}

func (e *Endpoint) invoke(ctx context.Context, h HandlerFunc, env *envelope) (reply any, err error) {
	defer func() {
		if p := recover(); p != nil {
			e.router.log.Error("handler panicked",
				logx.String("addr", e.ref.Addr),
				logx.String("method", env.method),
				logx.Any("panic", p))
			reply = nil
			err = &RemoteError{Addr: e.ref.Addr, Method: env.method, Message: fmt.Sprint(p), Panic: true}
		}
	}()
	// Hand the handler its own copy of the bytes.
	args := append(json.RawMessage(nil), env.args...)
	reply, err = h(ctx, args)
	if err != nil {
		return nil, &RemoteError{Addr: e.ref.Addr, Method: env.method, Message: err.Error()}
	}
	return reply, nil
}
