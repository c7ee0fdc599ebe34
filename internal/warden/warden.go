// Package warden owns the minion pool and the task queue.
//
// All scheduling state (slots, task index, FIFO queue) sits behind one mutex.
// The check-and-set that hands an idle slot to a task happens in the same
// critical section as the scan, so two sweeps can never claim one slot.
// Minions run out of line; their outcome comes back through the Notify
// callbacks, and a reaper reclaims slots whose minion missed the deadline.
package warden

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"warden/internal/eventbus"
	"warden/internal/runtime/supervisor"
	"warden/internal/storage"
	"warden/internal/task"
	"warden/internal/ulid"
	logx "warden/pkg/logx"
)

const meterName = "warden/internal/warden"

type Option func(*Warden)

func WithLogger(log logx.Logger) Option { return func(w *Warden) { w.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(w *Warden) { w.bus = bus } }

func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(w *Warden) { w.mp = mp }
}

// WithIDs replaces the task id generator.
func WithIDs(g *ulid.Generator) Option { return func(w *Warden) { w.ids = g } }

type Warden struct {
	log   logx.Logger
	bus   eventbus.Bus
	mp    metric.MeterProvider
	ids   *ulid.Generator
	spawn Spawner

	store   storage.Store
	records storage.Records
	states  storage.WorkerStates
	tasks   storage.Tasks

	sup    *supervisor.Supervisor
	m      instruments
	stalls *logx.Throttle
	lates  *logx.Throttle

	persistCh   chan persistOp
	persistDone chan struct{}

	startOnce sync.Once
	cron      *cron.Cron

	mu       sync.Mutex
	cfg      Config
	state    initState
	initDone chan struct{}
	initErr  error
	slots    []*slot
	entries  map[string]*entry
	queue    []string
	counters Counters
	timer    *time.Timer
	wakeAt   time.Time
}

// New returns an uninitialized warden. The pool is built on the first
// Initialize or AssignTask. store is the shared namespace the warden owns.
func New(cfg Config, store storage.Store, spawn Spawner, opts ...Option) (*Warden, error) {
	if cfg.MaxWorkers <= 0 {
		return nil, errors.New("warden: max_workers must be > 0")
	}
	if store == nil {
		return nil, errors.New("warden: store is required")
	}
	if spawn == nil {
		return nil, errors.New("warden: spawner is required")
	}
	cfg = cfg.withDefaults()
	if _, err := parseSchedule(cfg.CompactSchedule); err != nil {
		return nil, err
	}

	w := &Warden{
		log:         logx.Nop(),
		spawn:       spawn,
		store:       store,
		records:     storage.RecordsOf(store),
		states:      storage.WorkerStatesOf(store),
		tasks:       storage.TasksOf(store),
		stalls:      logx.NewThrottle(5*time.Second, 1),
		lates:       logx.NewThrottle(5*time.Second, 3),
		cfg:         cfg,
		entries:     map[string]*entry{},
		persistCh:   make(chan persistOp, cfg.PersistBuffer),
		persistDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	w.log = w.log.Named("warden")
	if w.bus == nil {
		w.bus = eventbus.New()
	}
	if w.mp == nil {
		w.mp = otel.GetMeterProvider()
	}
	if w.ids == nil {
		w.ids = ulid.NewGenerator()
	}
	m, err := newInstruments(w.mp.Meter(meterName))
	if err != nil {
		return nil, err
	}
	w.m = m
	w.sup = supervisor.New(context.Background(), supervisor.WithLogger(w.log))
	go w.persistLoop()
	return w, nil
}

// Initialize builds the pool exactly once. Concurrent callers wait for the
// build in flight. A failed build leaves the warden uninitialized so a later
// call may retry.
func (w *Warden) Initialize(ctx context.Context) error {
	w.mu.Lock()
	switch w.state {
	case stateReady:
		w.mu.Unlock()
		return nil
	case stateClosed:
		w.mu.Unlock()
		return ErrClosed
	case stateInitializing:
		done := w.initDone
		w.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.state == stateReady {
			return nil
		}
		if w.state == stateClosed {
			return ErrClosed
		}
		return w.initErr
	}

	w.state = stateInitializing
	done := make(chan struct{})
	w.initDone = done
	n := w.cfg.MaxWorkers
	w.mu.Unlock()

	start := time.Now()
	slots, rec, err := w.build(ctx, n)

	w.mu.Lock()
	if err == nil && w.state == stateClosed {
		err = ErrClosed
	}
	if err != nil {
		if w.state != stateClosed {
			w.state = stateUninitialized
		}
		w.initErr = err
		close(done)
		w.mu.Unlock()
		for _, s := range slots {
			_ = s.minion.Close(ctx)
		}
		w.log.Warn("pool build failed", logx.Err(err))
		return err
	}
	w.slots = slots
	w.installRecoveredLocked(rec)
	w.state = stateReady
	w.initErr = nil
	close(done)
	ds := w.sweepLocked(time.Now())
	w.mu.Unlock()

	w.startLoops()
	w.dispatch(ds)
	w.log.Info("pool ready",
		logx.Int("minions", n),
		logx.Int("recovered", len(rec)),
		logx.Duration("took", time.Since(start)))
	return nil
}

func (w *Warden) build(ctx context.Context, n int) ([]*slot, []*entry, error) {
	// Recover before spawning: spawned minions overwrite the state rows that
	// recovery inspects.
	rec, err := w.recoverTasks(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("recover: %w", err)
	}

	slots := make([]*slot, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("m%02d", i+1)
		mn, err := w.spawn(ctx, id)
		if err != nil {
			return slots, nil, fmt.Errorf("spawn minion %s: %w", id, err)
		}
		slots = append(slots, &slot{id: mn.ID(), minion: mn})
		if err := w.states.Put(ctx, task.WorkerState{ID: mn.ID(), Status: task.MinionIdle, UpdatedAt: time.Now()}); err != nil {
			return slots, nil, fmt.Errorf("minion %s state: %w", id, err)
		}
	}
	return slots, rec, nil
}

func (w *Warden) startLoops() {
	w.startOnce.Do(func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.state != stateReady {
			return
		}
		w.sup.Every("warden.reaper", w.cfg.ReapInterval, func(ctx context.Context) { w.reap() })

		if s, _ := parseSchedule(w.cfg.CompactSchedule); s != nil {
			w.cron = cron.New()
			w.cron.Schedule(s, cron.FuncJob(func() {
				if n := w.Compact(); n > 0 {
					w.log.Info("task index compacted", logx.Int("dropped", n))
				}
			}))
			w.cron.Start()
		}
	})
}

// AssignTask enqueues payload and returns its task id without waiting for
// the task to run.
func (w *Warden) AssignTask(ctx context.Context, payload task.Record, opts ...SubmitOption) (string, error) {
	if err := payload.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrValidation, err)
	}
	o := submitOptions{typ: "default"}
	for _, fn := range opts {
		fn(&o)
	}
	o.typ = strings.TrimSpace(o.typ)
	if o.typ == "" {
		o.typ = "default"
	}
	if err := w.Initialize(ctx); err != nil {
		return "", err
	}
	id, err := w.ids.New()
	if err != nil {
		return "", fmt.Errorf("task id: %w", err)
	}

	now := time.Now()
	w.mu.Lock()
	if w.state != stateReady {
		w.mu.Unlock()
		return "", ErrClosed
	}
	e := &entry{t: task.Task{
		ID:         id,
		Type:       o.typ,
		Payload:    task.Record{ID: payload.ID, Value: append([]byte(nil), payload.Value...)},
		Status:     task.Queued,
		EnqueuedAt: now,
	}}
	w.entries[id] = e
	w.queue = append(w.queue, id)
	w.counters.Submitted++
	w.persistLocked(e.t)
	w.publishLocked(eventbus.TaskQueued, e.t)
	ds := w.sweepLocked(now)
	w.mu.Unlock()

	w.m.submitted.Add(ctx, 1)
	w.dispatch(ds)
	return id, nil
}

// acquireSlot is the scheduler's getAvailableWorker: the first idle slot is
// flipped busy in the same critical section as the scan. Stalled slots are
// skipped, and avoid is only taken when no other slot is idle. Callers hold
// mu.
func (w *Warden) acquireSlotLocked(avoid string) *slot {
	var pick *slot
	for _, s := range w.slots {
		if s.busy || s.stalledOn != "" {
			continue
		}
		if s.id != avoid {
			pick = s
			break
		}
		if pick == nil {
			pick = s
		}
	}
	if pick != nil {
		pick.busy = true
	}
	return pick
}

// nextQueuedLocked returns the queue index of the oldest task that may run at
// now, or -1.
func (w *Warden) nextQueuedLocked(now time.Time) int {
	for i, id := range w.queue {
		e := w.entries[id]
		if e == nil || e.t.Status != task.Queued {
			continue
		}
		if e.notBefore.After(now) {
			continue
		}
		return i
	}
	return -1
}

// sweepLocked assigns queued tasks to idle slots until one runs out. The
// returned dispatches must be started after mu is released.
func (w *Warden) sweepLocked(now time.Time) []dispatch {
	if w.state != stateReady {
		return nil
	}
	w.pruneQueueLocked()
	var out []dispatch
	for {
		i := w.nextQueuedLocked(now)
		if i < 0 {
			break
		}
		id := w.queue[i]
		e := w.entries[id]
		s := w.acquireSlotLocked(e.lastMinion)
		if s == nil {
			if ok, suppressed := w.stalls.Allow(); ok {
				w.log.Debug("assignment stall: no idle minion",
					logx.Int("queued", len(w.queue)),
					logx.Uint64("suppressed", suppressed))
			}
			break
		}
		w.queue = append(w.queue[:i], w.queue[i+1:]...)

		e.slot = s
		s.taskID = id
		e.notBefore = time.Time{}
		e.t.Status = task.InProgress
		e.t.Attempts++
		e.t.MinionID = s.id
		e.t.StartedAt = now
		e.t.Deadline = now.Add(w.cfg.TaskTimeout)
		w.persistLocked(e.t)
		w.publishLocked(eventbus.TaskStarted, e.t)
		out = append(out, dispatch{slot: s, t: cloneTask(e.t)})
	}
	w.armTimerLocked(now)
	return out
}

// pruneQueueLocked drops ids that are no longer Queued.
func (w *Warden) pruneQueueLocked() {
	kept := w.queue[:0]
	for _, id := range w.queue {
		if e := w.entries[id]; e != nil && e.t.Status == task.Queued {
			kept = append(kept, id)
		}
	}
	w.queue = kept
}

// armTimerLocked schedules a sweep for the earliest backoff that has not
// elapsed yet.
func (w *Warden) armTimerLocked(now time.Time) {
	var next time.Time
	for _, id := range w.queue {
		e := w.entries[id]
		if e == nil || !e.notBefore.After(now) {
			continue
		}
		if next.IsZero() || e.notBefore.Before(next) {
			next = e.notBefore
		}
	}
	if next.IsZero() {
		return
	}
	if w.timer != nil && !w.wakeAt.IsZero() && !w.wakeAt.After(next) && w.wakeAt.After(now) {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.wakeAt = next
	w.timer = time.AfterFunc(next.Sub(now), w.wake)
}

func (w *Warden) wake() {
	w.mu.Lock()
	w.wakeAt = time.Time{}
	ds := w.sweepLocked(time.Now())
	w.mu.Unlock()
	w.dispatch(ds)
}

func (w *Warden) dispatch(ds []dispatch) {
	if w.sup.Context().Err() != nil {
		return
	}
	for _, d := range ds {
		d := d
		w.m.inflight.Add(context.Background(), 1)
		w.sup.Go0("warden.dispatch:"+d.t.ID, func(ctx context.Context) {
			dctx, cancel := context.WithDeadline(ctx, d.t.Deadline)
			defer cancel()
			err := d.slot.minion.ProcessTask(dctx, d.t)
			switch {
			case err == nil:
			case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
				w.expire(d.t.ID, d.slot.id)
			default:
				res := task.Result{TaskID: d.t.ID, MinionID: d.slot.id, Error: "dispatch: " + err.Error()}
				if nerr := w.NotifyTaskFailure(context.Background(), res); nerr != nil && !errors.Is(nerr, ErrClosed) {
					w.log.Warn("dispatch failure not recorded", logx.String("task", d.t.ID), logx.Err(nerr))
				}
			}
		})
	}
}

// claimLocked returns the entry if taskID is InProgress on minionID.
func (w *Warden) claimLocked(minionID, taskID string) (*entry, bool) {
	e, ok := w.entries[taskID]
	if !ok || e.t.Status != task.InProgress || e.slot == nil || e.slot.id != minionID {
		return nil, false
	}
	return e, true
}

func (w *Warden) releaseLocked(e *entry) {
	if e.slot != nil {
		e.slot.busy = false
		e.slot.taskID = ""
		e.slot = nil
	}
	w.m.inflight.Add(context.Background(), -1)
}

// lateLocked handles a report for a task that is no longer InProgress on the
// reporting minion. A report on the task a slot stalled on puts that slot
// back in the pool.
func (w *Warden) lateLocked(kind string, res task.Result, now time.Time) []dispatch {
	w.counters.Late++
	if ok, suppressed := w.lates.Allow(); ok {
		w.log.Warn("ignoring late callback",
			logx.String("kind", kind),
			logx.String("minion", res.MinionID),
			logx.String("task", res.TaskID),
			logx.Uint64("suppressed", suppressed))
	}
	for _, s := range w.slots {
		if s.id != res.MinionID || s.stalledOn == "" || s.stalledOn != res.TaskID {
			continue
		}
		s.stalledOn = ""
		w.log.Info("stalled minion reported back", logx.String("minion", s.id), logx.String("task", res.TaskID))
		return w.sweepLocked(now)
	}
	return nil
}

// MarkWorkerFree frees the minion's slot and completes taskID.
func (w *Warden) MarkWorkerFree(ctx context.Context, minionID, taskID string) error {
	return w.NotifyTaskCompletion(ctx, task.Result{TaskID: taskID, MinionID: minionID})
}

// NotifyTaskCompletion is the minion's success callback. A callback for a
// task that is no longer InProgress on that minion is ignored.
func (w *Warden) NotifyTaskCompletion(ctx context.Context, res task.Result) error {
	now := time.Now()
	w.mu.Lock()
	if w.state == stateClosed {
		w.mu.Unlock()
		return ErrClosed
	}
	e, ok := w.claimLocked(res.MinionID, res.TaskID)
	if !ok {
		ds := w.lateLocked("completion", res, now)
		w.mu.Unlock()
		w.dispatch(ds)
		return nil
	}
	w.releaseLocked(e)
	e.t.Status = task.Completed
	e.t.FinishedAt = now
	e.t.Error = ""
	e.t.Output = append([]byte(nil), res.Output...)
	w.counters.Completed++
	w.persistLocked(e.t)
	w.publishLocked(eventbus.TaskCompleted, e.t)
	ds := w.sweepLocked(now)
	w.mu.Unlock()

	w.m.completed.Add(ctx, 1)
	w.dispatch(ds)
	return nil
}

// NotifyTaskFailure is the minion's failure callback. The task is requeued
// with backoff while its retry budget lasts, then marked Failed.
func (w *Warden) NotifyTaskFailure(ctx context.Context, res task.Result) error {
	now := time.Now()
	w.mu.Lock()
	if w.state == stateClosed {
		w.mu.Unlock()
		return ErrClosed
	}
	e, ok := w.claimLocked(res.MinionID, res.TaskID)
	if !ok {
		ds := w.lateLocked("failure", res, now)
		w.mu.Unlock()
		w.dispatch(ds)
		return nil
	}
	w.releaseLocked(e)
	msg := res.Error
	if msg == "" {
		msg = "minion reported failure"
	}
	w.retryOrFailLocked(ctx, e, now, msg, res.Permanent)
	ds := w.sweepLocked(now)
	w.mu.Unlock()

	w.dispatch(ds)
	return nil
}

// expire handles a deadline miss for taskID on minionID.
func (w *Warden) expire(taskID, minionID string) {
	now := time.Now()
	w.mu.Lock()
	if w.state != stateReady {
		w.mu.Unlock()
		return
	}
	e, ok := w.claimLocked(minionID, taskID)
	if !ok {
		w.mu.Unlock()
		return
	}
	w.expireLocked(e, now)
	ds := w.sweepLocked(now)
	w.mu.Unlock()

	w.markStalled(minionID)
	w.dispatch(ds)
}

// expireLocked takes the minion that missed the deadline out of assignment
// and retries or fails the task.
func (w *Warden) expireLocked(e *entry, now time.Time) {
	minionID := e.t.MinionID
	if e.slot != nil {
		e.slot.stalledOn = e.t.ID
	}
	w.releaseLocked(e)
	w.counters.TimedOut++
	w.m.timedOut.Add(context.Background(), 1)
	w.publishLocked(eventbus.TaskTimeout, e.t)
	w.log.Warn("task deadline exceeded",
		logx.String("task", e.t.ID),
		logx.String("minion", minionID),
		logx.Int("attempt", e.t.Attempts))
	w.retryOrFailLocked(context.Background(), e, now, ErrTimeout.Error(), false)
}

func (w *Warden) retryOrFailLocked(ctx context.Context, e *entry, now time.Time, msg string, permanent bool) {
	e.t.Error = msg
	e.lastMinion = e.t.MinionID
	if !permanent && e.t.Attempts <= w.cfg.RetryMax {
		if e.bo == nil {
			e.bo = w.cfg.newBackoff()
		}
		delay := e.bo.NextBackOff()
		if delay < 0 {
			delay = w.cfg.RetryMaxDelay
		}
		e.t.Status = task.Queued
		e.t.MinionID = ""
		e.t.Deadline = time.Time{}
		e.notBefore = now.Add(delay)
		w.queue = append(w.queue, e.t.ID)
		w.counters.Requeued++
		w.persistLocked(e.t)
		w.publishLocked(eventbus.TaskRequeued, e.t)
		w.m.requeued.Add(ctx, 1)
		w.log.Debug("task requeued",
			logx.String("task", e.t.ID),
			logx.Int("attempt", e.t.Attempts),
			logx.Duration("backoff", delay),
			logx.String("err", msg))
		return
	}
	e.t.Status = task.Failed
	e.t.FinishedAt = now
	w.counters.Failed++
	w.persistLocked(e.t)
	w.publishLocked(eventbus.TaskFailed, e.t)
	w.m.failed.Add(ctx, 1)
	w.log.Warn("task failed",
		logx.String("task", e.t.ID),
		logx.Int("attempts", e.t.Attempts),
		logx.Bool("permanent", permanent),
		logx.String("err", msg))
}

// reap reclaims slots whose task is past its deadline.
func (w *Warden) reap() {
	now := time.Now()
	w.mu.Lock()
	if w.state != stateReady {
		w.mu.Unlock()
		return
	}
	var stalled []string
	for _, s := range w.slots {
		if !s.busy {
			continue
		}
		e := w.entries[s.taskID]
		if e == nil || e.t.Status != task.InProgress || e.t.Deadline.After(now) {
			continue
		}
		stalled = append(stalled, s.id)
		w.expireLocked(e, now)
	}
	ds := w.sweepLocked(now)
	w.mu.Unlock()

	for _, id := range stalled {
		w.markStalled(id)
	}
	w.dispatch(ds)
}

func (w *Warden) markStalled(minionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	st := task.WorkerState{ID: minionID, Status: task.MinionStalled, UpdatedAt: time.Now()}
	if err := w.states.Put(ctx, st); err != nil {
		w.log.Debug("stalled state write failed", logx.String("minion", minionID), logx.Err(err))
	}
	w.bus.Publish(eventbus.Event{Type: eventbus.MinionState, Data: st})
}

// GetTaskStatus returns task.NotFound for unknown ids.
func (w *Warden) GetTaskStatus(taskID string) task.Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[taskID]
	if !ok {
		return task.NotFound
	}
	return e.t.Status
}

func (w *Warden) GetTask(taskID string) (task.Task, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[taskID]
	if !ok {
		return task.Task{}, false
	}
	return cloneTask(e.t), true
}

// UpdateWorkerState upserts a minion snapshot into the shared store. It
// never influences assignment.
func (w *Warden) UpdateWorkerState(ctx context.Context, st task.WorkerState) error {
	if strings.TrimSpace(st.ID) == "" {
		return fmt.Errorf("%w: worker state id is required", ErrValidation)
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	if err := w.states.Put(ctx, st); err != nil {
		return err
	}
	w.bus.Publish(eventbus.Event{Type: eventbus.MinionState, Data: st})
	return nil
}

func (w *Warden) WorkerStates(ctx context.Context) ([]task.WorkerState, error) {
	return w.states.List(ctx)
}

// AddRecord upserts rec into the shared records table.
func (w *Warden) AddRecord(ctx context.Context, rec task.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return w.records.Put(ctx, rec)
}

func (w *Warden) GetRecord(ctx context.Context, id string) (task.Record, bool, error) {
	return w.records.Get(ctx, id)
}

func (w *Warden) RecordKeys(ctx context.Context) ([]string, error) {
	return w.records.Keys(ctx)
}

// Compact drops finished tasks older than RetainFinished from the index and
// the shared store, and returns how many were dropped.
func (w *Warden) Compact() int {
	now := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == stateClosed || w.cfg.RetainFinished < 0 {
		return 0
	}
	cutoff := now.Add(-w.cfg.RetainFinished)
	n := 0
	for id, e := range w.entries {
		if !e.t.Status.Terminal() || e.t.FinishedAt.After(cutoff) {
			continue
		}
		delete(w.entries, id)
		w.persistCh <- persistOp{t: task.Task{ID: id}, del: true}
		n++
	}
	w.pruneQueueLocked()
	return n
}

// Apply updates the tunables that can change at runtime. The pool size is
// fixed; a different MaxWorkers is logged and ignored.
func (w *Warden) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	w.mu.Lock()
	defer w.mu.Unlock()
	if cfg.MaxWorkers != w.cfg.MaxWorkers {
		w.log.Warn("max_workers change requires restart",
			logx.Int("current", w.cfg.MaxWorkers),
			logx.Int("requested", cfg.MaxWorkers))
	}
	w.cfg.TaskTimeout = cfg.TaskTimeout
	w.cfg.RetryMax = cfg.RetryMax
	w.cfg.RetryBase = cfg.RetryBase
	w.cfg.RetryMaxDelay = cfg.RetryMaxDelay
	w.cfg.RetainFinished = cfg.RetainFinished
	w.log.Info("warden config applied",
		logx.Duration("task_timeout", cfg.TaskTimeout),
		logx.Int("retry_max", cfg.RetryMax))
}

func (w *Warden) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Snapshot{
		State:      w.state.String(),
		MaxWorkers: w.cfg.MaxWorkers,
		Tasks:      len(w.entries),
		Counters:   w.counters,
		Timeout:    w.cfg.TaskTimeout,
		RetryMax:   w.cfg.RetryMax,
		Slots:      make([]SlotInfo, 0, len(w.slots)),
	}
	for _, id := range w.queue {
		if e := w.entries[id]; e != nil && e.t.Status == task.Queued {
			s.Queued++
		}
	}
	for _, sl := range w.slots {
		if sl.busy {
			s.InFlight++
		}
		if sl.stalledOn != "" {
			s.Stalled++
		}
		s.Slots = append(s.Slots, SlotInfo{MinionID: sl.id, Busy: sl.busy, Stalled: sl.stalledOn != "", TaskID: sl.taskID})
	}
	return s
}

// Bus exposes the lifecycle event stream.
func (w *Warden) Bus() eventbus.Bus { return w.bus }

// Close stops the reaper and dispatchers, flushes task snapshots and closes
// every minion. Tasks still InProgress stay that way in the store and are
// picked up by recovery on the next start. A minion still running a task when
// ctx ends is abandoned and reported in the returned error.
func (w *Warden) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.state == stateClosed {
		w.mu.Unlock()
		return nil
	}
	w.state = stateClosed
	if w.timer != nil {
		w.timer.Stop()
	}
	slots := w.slots
	w.slots = nil
	close(w.persistCh)
	w.mu.Unlock()

	var errs []error
	if w.cron != nil {
		<-w.cron.Stop().Done()
	}
	if err := w.sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		errs = append(errs, err)
	}
	select {
	case <-w.persistDone:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("flush task snapshots: %w", ctx.Err()))
	}
	for _, s := range slots {
		if err := s.minion.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close minion %s: %w", s.id, err))
		}
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = w.states.Put(sctx, task.WorkerState{ID: s.id, Status: task.MinionStopped, UpdatedAt: time.Now()})
		cancel()
	}
	w.log.Info("warden stopped")
	return errors.Join(errs...)
}

func (w *Warden) persistLocked(t task.Task) {
	w.persistCh <- persistOp{t: cloneTask(t)}
}

// persistLoop is the single writer of the tasks table, so snapshots land in
// transition order.
func (w *Warden) persistLoop() {
	defer close(w.persistDone)
	for op := range w.persistCh {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		var err error
		if op.del {
			err = w.tasks.Delete(ctx, op.t.ID)
		} else {
			err = w.tasks.Put(ctx, op.t)
		}
		cancel()
		if err != nil {
			w.log.Warn("task snapshot write failed", logx.String("task", op.t.ID), logx.Err(err))
		}
	}
}

func (w *Warden) publishLocked(typ string, t task.Task) {
	w.bus.Publish(eventbus.Event{Type: typ, Data: TaskEvent{
		ID:       t.ID,
		Type:     t.Type,
		Status:   t.Status,
		MinionID: t.MinionID,
		Attempts: t.Attempts,
		Error:    t.Error,
	}})
}

func cloneTask(t task.Task) task.Task {
	t.Payload.Value = append([]byte(nil), t.Payload.Value...)
	if t.Output != nil {
		t.Output = append([]byte(nil), t.Output...)
	}
	return t
}

func parseSchedule(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}
	p := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s, err := p.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("warden: compact_schedule %q: %w", spec, err)
	}
	return s, nil
}
