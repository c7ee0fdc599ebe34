// Package minion is the isolated execution unit of the warden pool.
//
// A minion runs one task at a time, keeps its own private store namespace
// and reports every outcome back to its coordinator. It never mutates task
// status; the warden owns that.
package minion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"warden/internal/storage"
	"warden/internal/task"
	logx "warden/pkg/logx"
)

// callbackTimeout bounds each report sent back to the coordinator. Reports
// are detached from the task context so a run that hit its deadline still
// reports.
const callbackTimeout = 10 * time.Second

var ErrClosed = errors.New("minion closed")

// Coordinator is the part of the warden a minion talks back to.
type Coordinator interface {
	NotifyTaskCompletion(ctx context.Context, res task.Result) error
	NotifyTaskFailure(ctx context.Context, res task.Result) error
	UpdateWorkerState(ctx context.Context, state task.WorkerState) error
	AddRecord(ctx context.Context, rec task.Record) error
}

type Config struct {
	ID          string
	Opener      *storage.Opener
	Coordinator Coordinator
	Handlers    *Registry
	Logger      logx.Logger
}

type Minion struct {
	id    string
	ns    string
	log   logx.Logger
	coord Coordinator
	reg   *Registry

	store   storage.Store
	records storage.Records
	states  storage.WorkerStates

	// run serializes ProcessTask; the RPC endpoint already does, this keeps
	// direct callers honest too.
	run sync.Mutex

	mu     sync.Mutex
	state  task.WorkerState
	closed bool
}

// New opens the minion's private store. It does not contact the
// coordinator; the warden records the initial state on its behalf.
func New(ctx context.Context, cfg Config) (*Minion, error) {
	id := strings.TrimSpace(cfg.ID)
	if id == "" {
		return nil, errors.New("minion id is required")
	}
	if cfg.Opener == nil {
		return nil, errors.New("minion storage opener is required")
	}
	if cfg.Coordinator == nil {
		return nil, errors.New("minion coordinator is required")
	}
	reg := cfg.Handlers
	if reg == nil {
		reg = DefaultRegistry()
	}
	log := cfg.Logger
	if log.IsZero() {
		log = logx.Nop()
	}

	ns := Namespace(id)
	st, err := cfg.Opener.Open(ns)
	if err != nil {
		return nil, fmt.Errorf("minion %s: open store: %w", id, err)
	}
	m := &Minion{
		id:      id,
		ns:      ns,
		log:     log.Named("minion").With(logx.String("minion", id)),
		coord:   cfg.Coordinator,
		reg:     reg,
		store:   st,
		records: storage.RecordsOf(st),
		states:  storage.WorkerStatesOf(st),
		state:   task.WorkerState{ID: id, Status: task.MinionIdle, UpdatedAt: time.Now()},
	}
	if err := m.states.Put(ctx, m.state); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("minion %s: write state: %w", id, err)
	}
	m.log.Debug("minion ready", logx.String("ns", ns))
	return m, nil
}

// Namespace returns a fresh private store namespace for a minion id. The
// salt keeps concurrently created minions apart.
func Namespace(id string) string {
	return "minion-" + id + "-" + uuid.NewString()
}

func (m *Minion) ID() string        { return m.id }
func (m *Minion) Namespace() string { return m.ns }

func (m *Minion) State() task.WorkerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ProcessTask persists the payload, runs the handler registered for t.Type
// and stores the output under t.ID. The coordinator is always told the
// outcome. The returned error covers only a failed report; handler failures
// are carried in the Result.
func (m *Minion) ProcessTask(ctx context.Context, t task.Task) (task.Result, error) {
	m.run.Lock()
	defer m.run.Unlock()

	res := task.Result{TaskID: t.ID, MinionID: m.id}
	if m.isClosed() {
		return res, ErrClosed
	}
	if strings.TrimSpace(t.ID) == "" {
		return res, errors.New("task id is required")
	}

	log := m.log.With(logx.String("task", t.ID), logx.String("type", t.Type))
	m.setState(ctx, task.MinionBusy, "")

	out, err := m.execute(ctx, t)
	if err != nil {
		res.Error = err.Error()
		res.Permanent = IsNoRetry(err)
		log.Warn("task failed", logx.Err(err), logx.Bool("permanent", res.Permanent))
	} else {
		res.Output = out
		log.Debug("task done")
	}
	m.setState(ctx, task.MinionIdle, t.Payload.ID)

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), callbackTimeout)
	defer cancel()
	if err != nil {
		return res, m.coord.NotifyTaskFailure(cctx, res)
	}
	return res, m.coord.NotifyTaskCompletion(cctx, res)
}

func (m *Minion) execute(ctx context.Context, t task.Task) (json.RawMessage, error) {
	if err := t.Payload.Validate(); err != nil {
		return nil, NoRetry(fmt.Errorf("payload: %w", err))
	}
	if err := m.records.Put(ctx, t.Payload); err != nil {
		return nil, fmt.Errorf("persist payload: %w", err)
	}
	h, ok := m.reg.Lookup(t.Type)
	if !ok {
		return nil, NoRetry(fmt.Errorf("%w: %q", ErrUnknownHandler, t.Type))
	}
	out, err := runHandler(ctx, h, t)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		out = json.RawMessage("null")
	}
	if err := m.records.Put(ctx, task.Record{ID: t.ID, Value: out}); err != nil {
		return nil, fmt.Errorf("persist result: %w", err)
	}
	return out, nil
}

func runHandler(ctx context.Context, h Handler, t task.Task) (out json.RawMessage, err error) {
	defer func() {
		if p := recover(); p != nil {
			out = nil
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return h.Handle(ctx, t)
}

// AddData upserts rec into the private records table.
func (m *Minion) AddData(ctx context.Context, rec task.Record) error {
	if m.isClosed() {
		return ErrClosed
	}
	return m.records.Put(ctx, rec)
}

func (m *Minion) GetDataByID(ctx context.Context, id string) (task.Record, bool, error) {
	if m.isClosed() {
		return task.Record{}, false, ErrClosed
	}
	return m.records.Get(ctx, id)
}

// MigrateDataToWarden pushes rec into the coordinator's shared store and
// records it as this minion's last processed data, locally and on the
// coordinator. A rec with no value is looked up in the private table first.
func (m *Minion) MigrateDataToWarden(ctx context.Context, rec task.Record) error {
	if m.isClosed() {
		return ErrClosed
	}
	if len(rec.Value) == 0 && rec.ID != "" {
		local, ok, err := m.records.Get(ctx, rec.ID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("migrate %s: not held by minion %s", rec.ID, m.id)
		}
		rec = local
	}
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := m.coord.AddRecord(ctx, rec); err != nil {
		return fmt.Errorf("migrate %s: %w", rec.ID, err)
	}

	m.mu.Lock()
	m.state.LastProcessedDataID = rec.ID
	m.state.UpdatedAt = time.Now()
	st := m.state
	m.mu.Unlock()

	if err := m.states.Put(ctx, st); err != nil {
		return err
	}
	return m.coord.UpdateWorkerState(ctx, st)
}

// Close marks the minion stopped and releases its store handle.
func (m *Minion) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.state.Status = task.MinionStopped
	m.state.UpdatedAt = time.Now()
	st := m.state
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.states.Put(ctx, st); err != nil {
		m.log.Debug("final state write failed", logx.Err(err))
	}
	return m.store.Close()
}

func (m *Minion) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// setState records a lifecycle change locally and reports it to the
// coordinator. Reports are best effort.
func (m *Minion) setState(ctx context.Context, status, lastDataID string) {
	m.mu.Lock()
	m.state.Status = status
	if lastDataID != "" {
		m.state.LastProcessedDataID = lastDataID
	}
	m.state.UpdatedAt = time.Now()
	st := m.state
	m.mu.Unlock()

	if err := m.states.Put(ctx, st); err != nil {
		m.log.Debug("state write failed", logx.Err(err))
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), callbackTimeout)
	defer cancel()
	if err := m.coord.UpdateWorkerState(cctx, st); err != nil {
		m.log.Debug("state report failed", logx.Err(err))
	}
}
