package minion

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/rpc"
	"warden/internal/storage"
	"warden/internal/task"
	logx "warden/pkg/logx"
)

// recorder is an in-memory Coordinator.
type recorder struct {
	mu        sync.Mutex
	completed []task.Result
	failed    []task.Result
	states    []task.WorkerState
	records   map[string]task.Record
	failWith  error
}

func newRecorder() *recorder { return &recorder{records: map[string]task.Record{}} }

func (r *recorder) NotifyTaskCompletion(_ context.Context, res task.Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, res)
	return r.failWith
}

func (r *recorder) NotifyTaskFailure(_ context.Context, res task.Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, res)
	return r.failWith
}

func (r *recorder) UpdateWorkerState(_ context.Context, st task.WorkerState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, st)
	return nil
}

func (r *recorder) AddRecord(_ context.Context, rec task.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.ID] = rec
	return nil
}

func (r *recorder) lastState() task.WorkerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return task.WorkerState{}
	}
	return r.states[len(r.states)-1]
}

func newOpener(t *testing.T) *storage.Opener {
	t.Helper()
	o, err := storage.NewOpener(storage.Config{Driver: "memory"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func newMinion(t *testing.T, id string, coord Coordinator, reg *Registry) *Minion {
	t.Helper()
	m, err := New(context.Background(), Config{ID: id, Opener: newOpener(t), Coordinator: coord, Handlers: reg})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func mustRecord(t *testing.T, id string, v any) task.Record {
	t.Helper()
	rec, err := task.NewRecord(id, v)
	require.NoError(t, err)
	return rec
}

func TestProcessTaskPersistsPayloadAndResult(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	coord := newRecorder()
	m := newMinion(t, "m1", coord, nil)

	payload := mustRecord(t, "d1", "x")
	res, err := m.ProcessTask(ctx, task.Task{ID: "01TASK", Payload: payload})
	require.NoError(t, err)
	assert.JSONEq(t, `"processed:x"`, string(res.Output))
	assert.Empty(t, res.Error)

	got, ok, err := m.GetDataByID(ctx, "d1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, payload.ID, got.ID)
	assert.JSONEq(t, `"x"`, string(got.Value))

	out, ok, err := m.GetDataByID(ctx, "01TASK")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `"processed:x"`, string(out.Value))

	require.Len(t, coord.completed, 1)
	assert.Equal(t, "01TASK", coord.completed[0].TaskID)
	assert.Equal(t, "m1", coord.completed[0].MinionID)
	assert.Empty(t, coord.failed)

	st := m.State()
	assert.Equal(t, task.MinionIdle, st.Status)
	assert.Equal(t, "d1", st.LastProcessedDataID)
	assert.Equal(t, st.Status, coord.lastState().Status)
}

func TestProcessTaskDeterministic(t *testing.T) {
	t.Parallel()
	a := newMinion(t, "a", newRecorder(), nil)
	b := newMinion(t, "b", newRecorder(), nil)
	p := mustRecord(t, "d1", map[string]int{"n": 1})

	ra, err := a.ProcessTask(context.Background(), task.Task{ID: "t1", Payload: p})
	require.NoError(t, err)
	rb, err := b.ProcessTask(context.Background(), task.Task{ID: "t2", Payload: p})
	require.NoError(t, err)
	assert.Equal(t, string(ra.Output), string(rb.Output))
	assert.JSONEq(t, `"processed:{\"n\":1}"`, string(ra.Output))
}

func TestProcessTaskReportsFailures(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	require.NoError(t, reg.Register("flaky", HandlerFunc(func(context.Context, task.Task) (json.RawMessage, error) {
		return nil, errors.New("downstream unavailable")
	})))
	require.NoError(t, reg.Register("bad", HandlerFunc(func(context.Context, task.Task) (json.RawMessage, error) {
		return nil, NoRetry(errors.New("bad input"))
	})))
	require.NoError(t, reg.Register("crash", HandlerFunc(func(context.Context, task.Task) (json.RawMessage, error) {
		panic("nil map")
	})))

	tests := []struct {
		name      string
		typ       string
		permanent bool
		contains  string
	}{
		{name: "retryable", typ: "flaky", permanent: false, contains: "downstream unavailable"},
		{name: "permanent", typ: "bad", permanent: true, contains: "bad input"},
		{name: "panic", typ: "crash", permanent: false, contains: "panicked"},
		{name: "unknown type", typ: "nope", permanent: true, contains: "no handler"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			coord := newRecorder()
			m := newMinion(t, "m", coord, reg)
			res, err := m.ProcessTask(context.Background(), task.Task{ID: "t", Type: tt.typ, Payload: mustRecord(t, "d", 1)})
			require.NoError(t, err, "failure is reported, not returned")
			assert.Contains(t, res.Error, tt.contains)
			assert.Equal(t, tt.permanent, res.Permanent)
			require.Len(t, coord.failed, 1)
			assert.Empty(t, coord.completed)
			assert.Equal(t, task.MinionIdle, m.State().Status, "minion is free again")
		})
	}
}

func TestProcessTaskReturnsReportError(t *testing.T) {
	t.Parallel()
	coord := newRecorder()
	coord.failWith = errors.New("warden gone")
	m := newMinion(t, "m", coord, nil)
	_, err := m.ProcessTask(context.Background(), task.Task{ID: "t", Payload: mustRecord(t, "d", "x")})
	assert.EqualError(t, err, "warden gone")
}

func TestMigrateDataToWarden(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	coord := newRecorder()
	m := newMinion(t, "m1", coord, nil)

	rec := mustRecord(t, "d2", map[string]string{"k": "v"})
	require.NoError(t, m.AddData(ctx, rec))
	require.NoError(t, m.MigrateDataToWarden(ctx, task.Record{ID: "d2"}))

	got, ok := coord.records["d2"]
	require.True(t, ok)
	assert.JSONEq(t, `{"k":"v"}`, string(got.Value))
	assert.Equal(t, "d2", m.State().LastProcessedDataID)
	assert.Equal(t, "d2", coord.lastState().LastProcessedDataID)

	err := m.MigrateDataToWarden(ctx, task.Record{ID: "missing"})
	assert.Error(t, err)
}

func TestNamespacesAreUnique(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	o := newOpener(t)
	a, err := New(ctx, Config{ID: "same", Opener: o, Coordinator: newRecorder()})
	require.NoError(t, err)
	b, err := New(ctx, Config{ID: "same", Opener: o, Coordinator: newRecorder()})
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	assert.NotEqual(t, a.Namespace(), b.Namespace())
	require.NoError(t, a.AddData(ctx, mustRecord(t, "only-a", 1)))
	_, ok, err := b.GetDataByID(ctx, "only-a")
	require.NoError(t, err)
	assert.False(t, ok, "private tables do not leak between minions")
}

func TestClosedMinion(t *testing.T) {
	t.Parallel()
	m, err := New(context.Background(), Config{ID: "m", Opener: newOpener(t), Coordinator: newRecorder()})
	require.NoError(t, err)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.Equal(t, task.MinionStopped, m.State().Status)
	_, err = m.ProcessTask(context.Background(), task.Task{ID: "t"})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, m.AddData(context.Background(), mustRecord(t, "d", 1)), ErrClosed)
}

func TestServeAndProxy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	router := rpc.NewRouter(ctx)
	t.Cleanup(func() {
		cctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = router.Close(cctx)
	})
	coord := newRecorder()
	m := newMinion(t, "m7", coord, nil)
	_, err := Serve(router, m)
	require.NoError(t, err)

	p := NewProxy(router.Client(), "m7")
	assert.Equal(t, "minion/m7", p.Ref().Addr)
	require.NoError(t, p.ProcessTask(ctx, task.Task{ID: "t1", Payload: mustRecord(t, "d1", "x")}))

	rec, ok, err := p.GetDataByID(ctx, "d1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `"x"`, string(rec.Value))

	_, ok, err = p.GetDataByID(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, p.MigrateDataToWarden(ctx, task.Record{ID: "d1"}))
	st, err := p.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, "d1", st.LastProcessedDataID)
	assert.Len(t, coord.completed, 1)
}
