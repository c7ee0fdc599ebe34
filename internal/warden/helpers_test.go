package warden

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"warden/internal/storage"
	"warden/internal/task"
	logx "warden/pkg/logx"
)

// behavior decides what a fake minion does with a dispatched task.
type behavior func(ctx context.Context, w *Warden, minionID string, t task.Task) error

// manual records the dispatch and leaves the outcome to the test.
func manual(context.Context, *Warden, string, task.Task) error { return nil }

func complete(_ context.Context, w *Warden, minionID string, t task.Task) error {
	return w.NotifyTaskCompletion(context.Background(), task.Result{TaskID: t.ID, MinionID: minionID, Output: []byte(`"ok"`)})
}

func fail(permanent bool) behavior {
	return func(_ context.Context, w *Warden, minionID string, t task.Task) error {
		return w.NotifyTaskFailure(context.Background(), task.Result{TaskID: t.ID, MinionID: minionID, Error: "boom", Permanent: permanent})
	}
}

// hang ignores the task until the dispatch deadline passes, then reports a
// failure once the warden has given up on the attempt, the way a minion
// finishing a slow handler does.
func hang(ctx context.Context, w *Warden, minionID string, t task.Task) error {
	<-ctx.Done()
	go reportLate(w, minionID, t)
	return ctx.Err()
}

func reportLate(w *Warden, minionID string, t task.Task) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		cur, ok := w.GetTask(t.ID)
		if !ok || cur.Status != task.InProgress || cur.Attempts != t.Attempts {
			break
		}
		time.Sleep(time.Millisecond)
	}
	_ = w.NotifyTaskFailure(context.Background(), task.Result{TaskID: t.ID, MinionID: minionID, Error: "deadline exceeded"})
}

type fakePool struct {
	mu       sync.Mutex
	w        *Warden
	behave   behavior
	started  []task.Task
	spawned  atomic.Int32
	closed   atomic.Int32
	failOn   string
	spawnGap time.Duration
}

func (p *fakePool) spawn(ctx context.Context, id string) (Minion, error) {
	if p.spawnGap > 0 {
		time.Sleep(p.spawnGap)
	}
	p.mu.Lock()
	failOn := p.failOn
	p.mu.Unlock()
	if id == failOn {
		return nil, errors.New("spawn refused")
	}
	p.spawned.Add(1)
	return &fakeMinion{id: id, pool: p}, nil
}

func (p *fakePool) setBehavior(b behavior) {
	p.mu.Lock()
	p.behave = b
	p.mu.Unlock()
}

func (p *fakePool) dispatched() []task.Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]task.Task(nil), p.started...)
}

type fakeMinion struct {
	id   string
	pool *fakePool
}

func (m *fakeMinion) ID() string { return m.id }

func (m *fakeMinion) ProcessTask(ctx context.Context, t task.Task) error {
	m.pool.mu.Lock()
	m.pool.started = append(m.pool.started, t)
	b, w := m.pool.behave, m.pool.w
	m.pool.mu.Unlock()
	if b == nil {
		return nil
	}
	return b(ctx, w, m.id, t)
}

func (m *fakeMinion) Close(context.Context) error {
	m.pool.closed.Add(1)
	return nil
}

func memStore(t *testing.T) storage.Store {
	t.Helper()
	o, err := storage.NewOpener(storage.Config{Driver: "memory"}, logx.Nop())
	require.NoError(t, err)
	st, err := o.Open("warden")
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close() })
	return st
}

func newWarden(t *testing.T, cfg Config, b behavior, opts ...Option) (*Warden, *fakePool) {
	t.Helper()
	return newWardenOn(t, memStore(t), cfg, b, opts...)
}

func newWardenOn(t *testing.T, st storage.Store, cfg Config, b behavior, opts ...Option) (*Warden, *fakePool) {
	t.Helper()
	pool := &fakePool{behave: b}
	w, err := New(cfg, st, pool.spawn, opts...)
	require.NoError(t, err)
	pool.mu.Lock()
	pool.w = w
	pool.mu.Unlock()
	t.Cleanup(func() { closeWarden(t, w) })
	return w, pool
}

func closeWarden(t *testing.T, w *Warden) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Close(ctx))
}

func rec(t *testing.T, id string, v any) task.Record {
	t.Helper()
	r, err := task.NewRecord(id, v)
	require.NoError(t, err)
	return r
}

func assign(t *testing.T, w *Warden, id string, opts ...SubmitOption) string {
	t.Helper()
	tid, err := w.AssignTask(context.Background(), rec(t, id, id), opts...)
	require.NoError(t, err)
	return tid
}

func minionOf(t *testing.T, w *Warden, taskID string) string {
	t.Helper()
	tk, ok := w.GetTask(taskID)
	require.True(t, ok)
	require.NotEmpty(t, tk.MinionID)
	return tk.MinionID
}

func finish(t *testing.T, w *Warden, taskID string) {
	t.Helper()
	require.NoError(t, w.NotifyTaskCompletion(context.Background(), task.Result{TaskID: taskID, MinionID: minionOf(t, w, taskID)}))
}

func waitStatus(t *testing.T, w *Warden, taskID string, want task.Status) {
	t.Helper()
	require.Eventually(t, func() bool { return w.GetTaskStatus(taskID) == want },
		3*time.Second, 2*time.Millisecond, "task %s never reached %s (now %s)", taskID, want, w.GetTaskStatus(taskID))
}
