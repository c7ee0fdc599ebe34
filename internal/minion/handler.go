package minion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"warden/internal/task"
)

// DefaultType is the handler used when a task carries no type.
const DefaultType = "default"

var ErrUnknownHandler = errors.New("no handler for task type")

// Handler runs one task and returns its JSON output.
type Handler interface {
	Handle(ctx context.Context, t task.Task) (json.RawMessage, error)
}

type HandlerFunc func(ctx context.Context, t task.Task) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, t task.Task) (json.RawMessage, error) {
	return f(ctx, t)
}

// Registry maps task types to handlers. It is safe for concurrent use and
// is shared by every minion of a hub.
type Registry struct {
	mu sync.RWMutex
	m  map[string]Handler
}

func NewRegistry() *Registry { return &Registry{m: map[string]Handler{}} }

// DefaultRegistry returns a registry with the built-in handlers:
// "default", "echo" and "cel".
func DefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register(DefaultType, HandlerFunc(processed))
	_ = r.Register("echo", HandlerFunc(echo))
	_ = r.Register("cel", NewCELHandler())
	return r
}

// Register adds the handler for name, replacing any handler already
// registered under it.
func (r *Registry) Register(name string, h Handler) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("handler name is required")
	}
	if h == nil {
		return fmt.Errorf("handler %q is nil", name)
	}
	r.mu.Lock()
	r.m[name] = h
	r.mu.Unlock()
	return nil
}

func (r *Registry) Lookup(name string) (Handler, bool) {
	if strings.TrimSpace(name) == "" {
		name = DefaultType
	}
	r.mu.RLock()
	h, ok := r.m[name]
	r.mu.RUnlock()
	return h, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.m))
	for k := range r.m {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// processed is the reference transformation: "processed:" + value as text.
func processed(_ context.Context, t task.Task) (json.RawMessage, error) {
	return json.Marshal("processed:" + t.Payload.Text())
}

func echo(_ context.Context, t task.Task) (json.RawMessage, error) {
	return append(json.RawMessage(nil), t.Payload.Value...), nil
}
