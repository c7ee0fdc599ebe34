package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Client issues calls through a Router.
type Client struct {
	router *Router
}

// Go sends method to ref and returns immediately. The call is delivered even
// if the returned Future is never awaited.
//
// There is no built-in timeout; a ctx deadline is forwarded to the handler.
func (c *Client) Go(ctx context.Context, ref Ref, method string, args any) *Future {
	ctx, span := c.router.tracer.Start(ctx, "rpc.call "+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.system", "warden"),
			attribute.String("rpc.service", ref.Addr),
			attribute.String("rpc.method", method),
		))
	f := &Future{done: make(chan struct{}), span: span}

	b, err := json.Marshal(args)
	if err != nil {
		f.resolve(nil, fmt.Errorf("rpc %s.%s: encode args: %w", ref.Addr, method, err))
		return f
	}
	ep, err := c.router.lookup(ref.Addr)
	if err != nil {
		f.resolve(nil, err)
		return f
	}
	env := &envelope{method: method, args: b, span: span.SpanContext(), future: f}
	if dl, ok := ctx.Deadline(); ok {
		env.deadline = dl
	}
	if err := ep.send(ctx, env); err != nil {
		f.resolve(nil, err)
	}
	return f
}

// Call is Go followed by Await.
func (c *Client) Call(ctx context.Context, ref Ref, method string, args, reply any) error {
	return c.Go(ctx, ref, method, args).Await(ctx, reply)
}

// Future is the pending result of a call.
type Future struct {
	once  sync.Once
	done  chan struct{}
	span  trace.Span
	reply []byte
	err   error
}

func (f *Future) resolve(reply []byte, err error) {
	f.once.Do(func() {
		f.reply = reply
		f.err = err
		if f.span != nil {
			if err != nil {
				f.span.RecordError(err)
				f.span.SetStatus(codes.Error, err.Error())
			}
			f.span.End()
		}
		close(f.done)
	})
}

// Done is closed once the call has a result.
func (f *Future) Done() <-chan struct{} { return f.done }

// Await blocks until the call resolves or ctx ends, then decodes the reply
// into reply (which may be nil to discard it).
func (f *Future) Await(ctx context.Context, reply any) error {
	select {
	case <-f.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if f.err != nil {
		return f.err
	}
	if reply == nil || len(f.reply) == 0 {
		return nil
	}
	if err := json.Unmarshal(f.reply, reply); err != nil {
		return fmt.Errorf("rpc: decode reply: %w", err)
	}
	return nil
}
