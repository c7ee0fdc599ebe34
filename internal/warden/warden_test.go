package warden

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"warden/internal/eventbus"
	"warden/internal/storage"
	"warden/internal/task"
	"warden/internal/ulid"
)

func TestTwoMinionsThreeTasks(t *testing.T) {
	t.Parallel()
	w, _ := newWarden(t, Config{MaxWorkers: 2}, manual)

	t1 := assign(t, w, "a")
	t2 := assign(t, w, "b")
	t3 := assign(t, w, "c")

	assert.Equal(t, task.InProgress, w.GetTaskStatus(t1))
	assert.Equal(t, task.InProgress, w.GetTaskStatus(t2))
	assert.Equal(t, task.Queued, w.GetTaskStatus(t3))
	assert.NotEqual(t, minionOf(t, w, t1), minionOf(t, w, t2))

	m1 := minionOf(t, w, t1)
	finish(t, w, t1)
	assert.Equal(t, task.Completed, w.GetTaskStatus(t1))
	assert.Equal(t, task.InProgress, w.GetTaskStatus(t3), "freed slot is reused in the same step")
	assert.Equal(t, m1, minionOf(t, w, t3))

	finish(t, w, t2)
	finish(t, w, t3)
	for _, id := range []string{t1, t2, t3} {
		assert.Equal(t, task.Completed, w.GetTaskStatus(id))
	}
	snap := w.Snapshot()
	assert.Equal(t, 0, snap.InFlight)
	assert.Equal(t, 0, snap.Queued)
	assert.Equal(t, uint64(3), snap.Counters.Completed)
}

func TestIDsAreSortedInSubmissionOrder(t *testing.T) {
	t.Parallel()
	w, _ := newWarden(t, Config{MaxWorkers: 1}, manual)
	ids := make([]string, 0, 50)
	for i := 0; i < 50; i++ {
		ids = append(ids, assign(t, w, "d"))
	}
	assert.True(t, sort.StringsAreSorted(ids))
	seen := map[string]bool{}
	for _, id := range ids {
		assert.True(t, ulid.Valid(id))
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestUnknownTaskIsNotFound(t *testing.T) {
	t.Parallel()
	w, _ := newWarden(t, Config{MaxWorkers: 1}, manual)
	assert.Equal(t, task.NotFound, w.GetTaskStatus("nope"))
	_, ok := w.GetTask("nope")
	assert.False(t, ok)
}

func TestAssignTaskValidation(t *testing.T) {
	t.Parallel()
	w, pool := newWarden(t, Config{MaxWorkers: 1}, manual)
	tests := []struct {
		name string
		rec  task.Record
	}{
		{name: "empty id", rec: task.Record{Value: []byte(`1`)}},
		{name: "empty value", rec: task.Record{ID: "a"}},
		{name: "not json", rec: task.Record{ID: "a", Value: []byte(`{`)}},
	}
	for _, tt := range tests {
		_, err := w.AssignTask(context.Background(), tt.rec)
		assert.ErrorIs(t, err, ErrValidation, tt.name)
	}
	assert.Zero(t, pool.spawned.Load(), "rejected before the pool is touched")
	assert.Zero(t, w.Snapshot().Tasks)
}

func TestTaskTypeIsCarried(t *testing.T) {
	t.Parallel()
	w, pool := newWarden(t, Config{MaxWorkers: 1}, manual)
	id := assign(t, w, "a", WithType("cel"))
	other := assign(t, w, "b")
	tk, _ := w.GetTask(id)
	assert.Equal(t, "cel", tk.Type)
	require.Eventually(t, func() bool { return len(pool.dispatched()) == 1 }, time.Second, time.Millisecond)
	finish(t, w, id)
	tk, _ = w.GetTask(other)
	assert.Equal(t, "default", tk.Type)
	require.Eventually(t, func() bool { return len(pool.dispatched()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, "cel", pool.dispatched()[0].Type)
}

func TestMarkWorkerFreeDrainsQueue(t *testing.T) {
	t.Parallel()
	w, _ := newWarden(t, Config{MaxWorkers: 1}, manual)
	t1 := assign(t, w, "a")
	t2 := assign(t, w, "b")
	require.NoError(t, w.MarkWorkerFree(context.Background(), minionOf(t, w, t1), t1))
	assert.Equal(t, task.Completed, w.GetTaskStatus(t1))
	assert.Equal(t, task.InProgress, w.GetTaskStatus(t2))
}

func TestLateAndForeignCallbacksAreIgnored(t *testing.T) {
	t.Parallel()
	w, _ := newWarden(t, Config{MaxWorkers: 2}, manual)
	t1 := assign(t, w, "a")
	t2 := assign(t, w, "b")
	m2 := minionOf(t, w, t2)

	// The wrong minion cannot complete t1.
	require.NoError(t, w.NotifyTaskCompletion(context.Background(), task.Result{TaskID: t1, MinionID: m2}))
	assert.Equal(t, task.InProgress, w.GetTaskStatus(t1))

	finish(t, w, t1)
	m1 := "m01"
	require.NoError(t, w.NotifyTaskFailure(context.Background(), task.Result{TaskID: t1, MinionID: m1, Error: "late"}))
	assert.Equal(t, task.Completed, w.GetTaskStatus(t1), "no regression after completion")
	assert.Equal(t, uint64(2), w.Snapshot().Counters.Late)
}

func TestAtMostMaxWorkersInProgress(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	properties := gopter.NewProperties(parameters)

	properties.Property("in-flight bounded and no idle minion while work is queued", prop.ForAll(
		func(n int, ops []int) bool {
			st := memStore(t)
			pool := &fakePool{behave: manual}
			w, err := New(Config{MaxWorkers: n}, st, pool.spawn)
			if err != nil {
				return false
			}
			defer closeWarden(t, w)

			var live []string
			for _, op := range ops {
				if op == 0 || len(live) == 0 {
					id, err := w.AssignTask(context.Background(), task.Record{ID: "p", Value: []byte(`1`)})
					if err != nil {
						return false
					}
					live = append(live, id)
				} else {
					// Complete the oldest task that is running.
					for i, id := range live {
						tk, _ := w.GetTask(id)
						if tk.Status != task.InProgress {
							continue
						}
						if w.NotifyTaskCompletion(context.Background(), task.Result{TaskID: id, MinionID: tk.MinionID}) != nil {
							return false
						}
						live = append(live[:i], live[i+1:]...)
						break
					}
				}

				inProgress, queued := 0, 0
				for _, id := range live {
					switch w.GetTaskStatus(id) {
					case task.InProgress:
						inProgress++
					case task.Queued:
						queued++
					}
				}
				snap := w.Snapshot()
				if inProgress > n || snap.InFlight != inProgress {
					return false
				}
				if queued > 0 && inProgress < n {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 4),
		gen.SliceOfN(30, gen.IntRange(0, 1)),
	))

	properties.TestingRun(t)
}

func TestFailureIsRetriedThenFailed(t *testing.T) {
	t.Parallel()
	w, pool := newWarden(t, Config{MaxWorkers: 1, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, fail(false))
	id := assign(t, w, "a")
	waitStatus(t, w, id, task.Failed)

	tk, _ := w.GetTask(id)
	assert.Equal(t, 3, tk.Attempts)
	assert.Equal(t, "boom", tk.Error)
	assert.False(t, tk.FinishedAt.IsZero())
	assert.Len(t, pool.dispatched(), 3)
	snap := w.Snapshot()
	assert.Equal(t, uint64(2), snap.Counters.Requeued)
	assert.Equal(t, uint64(1), snap.Counters.Failed)
	assert.Equal(t, 0, snap.InFlight, "slot is reclaimed")
}

func TestPermanentFailureSkipsRetries(t *testing.T) {
	t.Parallel()
	w, pool := newWarden(t, Config{MaxWorkers: 1, RetryBase: time.Millisecond}, fail(true))
	id := assign(t, w, "a")
	waitStatus(t, w, id, task.Failed)
	tk, _ := w.GetTask(id)
	assert.Equal(t, 1, tk.Attempts)
	assert.Len(t, pool.dispatched(), 1)
}

func TestRetryThenSuccess(t *testing.T) {
	t.Parallel()
	var once sync.Once
	flaky := func(ctx context.Context, w *Warden, minionID string, tk task.Task) error {
		failed := false
		once.Do(func() { failed = true })
		if failed {
			return fail(false)(ctx, w, minionID, tk)
		}
		return complete(ctx, w, minionID, tk)
	}
	w, _ := newWarden(t, Config{MaxWorkers: 1, RetryBase: time.Millisecond}, flaky)
	id := assign(t, w, "a")
	waitStatus(t, w, id, task.Completed)
	tk, _ := w.GetTask(id)
	assert.Equal(t, 2, tk.Attempts)
	assert.Empty(t, tk.Error)
	assert.JSONEq(t, `"ok"`, string(tk.Output))
}

func TestDispatchErrorCountsAsFailure(t *testing.T) {
	t.Parallel()
	refuse := func(context.Context, *Warden, string, task.Task) error { return assert.AnError }
	w, _ := newWarden(t, Config{MaxWorkers: 1, RetryMax: -1}, refuse)
	id := assign(t, w, "a")
	waitStatus(t, w, id, task.Failed)
	tk, _ := w.GetTask(id)
	assert.Contains(t, tk.Error, "dispatch:")
}

func TestTimeoutRequeuesThenFails(t *testing.T) {
	t.Parallel()
	st := memStore(t)
	w, pool := newWardenOn(t, st, Config{
		MaxWorkers:   1,
		TaskTimeout:  20 * time.Millisecond,
		ReapInterval: 5 * time.Millisecond,
		RetryMax:     1,
		RetryBase:    time.Millisecond,
	}, hang)
	id := assign(t, w, "a")
	waitStatus(t, w, id, task.Failed)

	tk, _ := w.GetTask(id)
	assert.Equal(t, 2, tk.Attempts)
	assert.Equal(t, ErrTimeout.Error(), tk.Error)
	assert.Len(t, pool.dispatched(), 2)
	assert.Equal(t, uint64(2), w.Snapshot().Counters.TimedOut)

	require.Eventually(t, func() bool {
		ws, ok, err := storage.WorkerStatesOf(st).Get(context.Background(), "m01")
		return err == nil && ok && ws.Status == task.MinionStalled
	}, time.Second, 2*time.Millisecond)

	// The stalled minion is usable again.
	pool.setBehavior(complete)
	next := assign(t, w, "b")
	waitStatus(t, w, next, task.Completed)
}

func TestReaperReclaimsWithoutDispatchDeadline(t *testing.T) {
	t.Parallel()
	w, _ := newWarden(t, Config{MaxWorkers: 1, TaskTimeout: 10 * time.Millisecond, ReapInterval: 5 * time.Millisecond, RetryMax: -1}, manual)
	id := assign(t, w, "a")
	waitStatus(t, w, id, task.Failed)
	assert.Equal(t, 0, w.Snapshot().InFlight)

	snap := w.Snapshot()
	assert.Equal(t, 1, snap.Stalled)
	assert.True(t, snap.Slots[0].Stalled)

	// Nothing runs on the stalled minion until it reports back.
	next := assign(t, w, "b")
	assert.Equal(t, task.Queued, w.GetTaskStatus(next))

	// The late report is ignored for the task but frees the minion.
	require.NoError(t, w.NotifyTaskCompletion(context.Background(), task.Result{TaskID: id, MinionID: "m01"}))
	assert.Equal(t, task.Failed, w.GetTaskStatus(id))
	assert.Zero(t, w.Snapshot().Stalled)
	tk, _ := w.GetTask(next)
	assert.Equal(t, "m01", tk.MinionID)
	assert.Equal(t, 1, tk.Attempts)
}

func TestStalledMinionTakesNoWork(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	var once sync.Once
	unwedge := func() { once.Do(func() { close(release) }) }

	// m01 ignores its deadline and only reports once released; m02 is healthy.
	w, pool := newWarden(t, Config{
		MaxWorkers:   2,
		TaskTimeout:  20 * time.Millisecond,
		ReapInterval: 5 * time.Millisecond,
		RetryBase:    time.Millisecond,
	}, func(_ context.Context, w *Warden, minionID string, t task.Task) error {
		if minionID == "m01" {
			<-release
			return w.NotifyTaskCompletion(context.Background(), task.Result{TaskID: t.ID, MinionID: minionID})
		}
		return complete(context.Background(), w, minionID, t)
	})
	t.Cleanup(unwedge)

	first := assign(t, w, "wedge")
	ids := make([]string, 0, 6)
	for i := 0; i < 6; i++ {
		ids = append(ids, assign(t, w, "d"))
	}

	waitStatus(t, w, first, task.Completed)
	tk, _ := w.GetTask(first)
	assert.Equal(t, 2, tk.Attempts)
	assert.Equal(t, "m02", tk.MinionID)
	for _, id := range ids {
		waitStatus(t, w, id, task.Completed)
		assert.Equal(t, "m02", minionOf(t, w, id))
	}

	onM01 := 0
	for _, d := range pool.dispatched() {
		if d.MinionID == "m01" {
			onM01++
		}
	}
	assert.Equal(t, 1, onM01, "the wedged minion received only the task it stalled on")
	assert.Equal(t, 1, w.Snapshot().Stalled)

	unwedge()
	require.Eventually(t, func() bool { return w.Snapshot().Stalled == 0 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, uint64(1), w.Snapshot().Counters.Late)
}

func TestRetryPrefersAnotherMinion(t *testing.T) {
	t.Parallel()
	w, pool := newWarden(t, Config{MaxWorkers: 2, RetryBase: time.Millisecond}, func(ctx context.Context, w *Warden, minionID string, t task.Task) error {
		if t.Attempts == 1 {
			return fail(false)(ctx, w, minionID, t)
		}
		return complete(ctx, w, minionID, t)
	})
	id := assign(t, w, "a")
	waitStatus(t, w, id, task.Completed)

	ds := pool.dispatched()
	require.Len(t, ds, 2)
	assert.Equal(t, "m01", ds[0].MinionID)
	assert.Equal(t, "m02", ds[1].MinionID)
}

func TestRetryFallsBackToSameMinion(t *testing.T) {
	t.Parallel()
	w, pool := newWarden(t, Config{MaxWorkers: 1, RetryBase: time.Millisecond}, func(ctx context.Context, w *Warden, minionID string, t task.Task) error {
		if t.Attempts == 1 {
			return fail(false)(ctx, w, minionID, t)
		}
		return complete(ctx, w, minionID, t)
	})
	id := assign(t, w, "a")
	waitStatus(t, w, id, task.Completed)
	assert.Len(t, pool.dispatched(), 2)
	assert.Equal(t, "m01", minionOf(t, w, id))
}

func TestConcurrentInitializeBuildsOnePool(t *testing.T) {
	t.Parallel()
	st := memStore(t)
	pool := &fakePool{behave: manual, spawnGap: 5 * time.Millisecond}
	w, err := New(Config{MaxWorkers: 3}, st, pool.spawn)
	require.NoError(t, err)
	defer closeWarden(t, w)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, w.Initialize(context.Background()))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(3), pool.spawned.Load())
	assert.Len(t, w.Snapshot().Slots, 3)
	assert.Equal(t, "ready", w.Snapshot().State)
}

func TestFailedInitializeCanRetry(t *testing.T) {
	t.Parallel()
	w, pool := newWarden(t, Config{MaxWorkers: 3}, manual)
	pool.failOn = "m02"

	err := w.Initialize(context.Background())
	require.Error(t, err)
	assert.Equal(t, "uninitialized", w.Snapshot().State)
	assert.Equal(t, int32(1), pool.closed.Load(), "partial pool is torn down")

	pool.mu.Lock()
	pool.failOn = ""
	pool.mu.Unlock()
	require.NoError(t, w.Initialize(context.Background()))
	assert.Len(t, w.Snapshot().Slots, 3)
}

func TestRecoveryAfterRestart(t *testing.T) {
	t.Parallel()
	st := memStore(t)
	w1, _ := newWardenOn(t, st, Config{MaxWorkers: 1}, manual)
	t1 := assign(t, w1, "a")
	t2 := assign(t, w1, "b")
	t3 := assign(t, w1, "c")
	finish(t, w1, t1)
	require.Equal(t, task.InProgress, w1.GetTaskStatus(t2))
	closeWarden(t, w1)

	w2, pool2 := newWardenOn(t, st, Config{MaxWorkers: 1}, manual)
	assert.Equal(t, task.NotFound, w2.GetTaskStatus(t1), "nothing is loaded before Initialize")
	require.NoError(t, w2.Initialize(context.Background()))

	assert.Equal(t, task.Completed, w2.GetTaskStatus(t1))
	tk2, ok := w2.GetTask(t2)
	require.True(t, ok)
	assert.Equal(t, task.InProgress, tk2.Status, "interrupted task runs again first")
	assert.Equal(t, 2, tk2.Attempts)
	assert.Equal(t, task.Queued, w2.GetTaskStatus(t3))
	require.Eventually(t, func() bool { return len(pool2.dispatched()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(3), w2.Snapshot().Counters.Recovered)

	// New ids still sort after recovered ones.
	time.Sleep(2 * time.Millisecond)
	t4 := assign(t, w2, "d")
	assert.Greater(t, t4, t3)
}

func TestRecoveryFailsInterruptedTaskWithoutBudget(t *testing.T) {
	t.Parallel()
	st := memStore(t)
	w1, _ := newWardenOn(t, st, Config{MaxWorkers: 1, RetryMax: -1}, manual)
	id := assign(t, w1, "a")
	closeWarden(t, w1)

	w2, _ := newWardenOn(t, st, Config{MaxWorkers: 1, RetryMax: -1}, manual)
	require.NoError(t, w2.Initialize(context.Background()))
	tk, ok := w2.GetTask(id)
	require.True(t, ok)
	assert.Equal(t, task.Failed, tk.Status)
	assert.Equal(t, restartError, tk.Error)
}

func TestCompactDropsOldFinishedTasks(t *testing.T) {
	t.Parallel()
	st := memStore(t)
	w, _ := newWardenOn(t, st, Config{MaxWorkers: 1, RetainFinished: time.Nanosecond}, manual)
	done := assign(t, w, "a")
	running := assign(t, w, "b")
	finish(t, w, done)
	time.Sleep(2 * time.Millisecond)

	assert.Equal(t, 1, w.Compact())
	assert.Equal(t, task.NotFound, w.GetTaskStatus(done))
	assert.Equal(t, task.InProgress, w.GetTaskStatus(running))

	closeWarden(t, w)
	stored, err := storage.TasksOf(st).List(context.Background())
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, running, stored[0].ID)
}

func TestCompactScheduleRuns(t *testing.T) {
	t.Parallel()
	w, _ := newWarden(t, Config{MaxWorkers: 1, RetainFinished: time.Nanosecond, CompactSchedule: "@every 1s"}, complete)
	id := assign(t, w, "a")
	waitStatus(t, w, id, task.Completed)
	require.Eventually(t, func() bool { return w.GetTaskStatus(id) == task.NotFound }, 3*time.Second, 10*time.Millisecond)
}

func TestInvalidCompactSchedule(t *testing.T) {
	t.Parallel()
	pool := &fakePool{}
	_, err := New(Config{MaxWorkers: 1, CompactSchedule: "every tuesday"}, memStore(t), pool.spawn)
	assert.Error(t, err)
}

func TestLifecycleEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(32, eventbus.TaskQueued, eventbus.TaskStarted, eventbus.TaskCompleted)
	defer unsub()
	w, _ := newWarden(t, Config{MaxWorkers: 1}, manual, WithBus(bus), WithMeterProvider(noop.NewMeterProvider()))
	id := assign(t, w, "a")
	finish(t, w, id)

	var types []string
	for len(types) < 3 {
		select {
		case e := <-ch:
			ev, ok := e.Data.(TaskEvent)
			require.True(t, ok)
			assert.Equal(t, id, ev.ID)
			types = append(types, e.Type)
		case <-time.After(time.Second):
			t.Fatalf("events so far: %v", types)
		}
	}
	assert.Equal(t, []string{eventbus.TaskQueued, eventbus.TaskStarted, eventbus.TaskCompleted}, types)
}

func TestSharedStoreOperations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	w, _ := newWarden(t, Config{MaxWorkers: 1}, manual)

	require.NoError(t, w.AddRecord(ctx, rec(t, "r1", map[string]int{"x": 1})))
	got, ok, err := w.GetRecord(ctx, "r1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"x":1}`, string(got.Value))
	assert.ErrorIs(t, w.AddRecord(ctx, task.Record{ID: "r2"}), ErrValidation)

	require.NoError(t, w.UpdateWorkerState(ctx, task.WorkerState{ID: "ext", Status: "busy", LastProcessedDataID: "r1"}))
	states, err := w.WorkerStates(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "r1", states[0].LastProcessedDataID)
	assert.False(t, states[0].UpdatedAt.IsZero())
	assert.ErrorIs(t, w.UpdateWorkerState(ctx, task.WorkerState{}), ErrValidation)
}

func TestApplyKeepsPoolSize(t *testing.T) {
	t.Parallel()
	w, _ := newWarden(t, Config{MaxWorkers: 2}, manual)
	require.NoError(t, w.Initialize(context.Background()))
	w.Apply(Config{MaxWorkers: 5, TaskTimeout: time.Minute, RetryMax: 4})
	snap := w.Snapshot()
	assert.Equal(t, 2, snap.MaxWorkers)
	assert.Len(t, snap.Slots, 2)
	assert.Equal(t, time.Minute, snap.Timeout)
	assert.Equal(t, 4, snap.RetryMax)

	id := assign(t, w, "a")
	tk, _ := w.GetTask(id)
	assert.WithinDuration(t, tk.StartedAt.Add(time.Minute), tk.Deadline, time.Millisecond)
}

func TestClose(t *testing.T) {
	t.Parallel()
	w, pool := newWarden(t, Config{MaxWorkers: 2}, manual)
	assign(t, w, "a")
	closeWarden(t, w)
	closeWarden(t, w)

	assert.Equal(t, int32(2), pool.closed.Load())
	_, err := w.AssignTask(context.Background(), rec(t, "b", 1))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, w.Initialize(context.Background()), ErrClosed)
	assert.ErrorIs(t, w.NotifyTaskCompletion(context.Background(), task.Result{}), ErrClosed)
	assert.Equal(t, 0, w.Compact())
}
