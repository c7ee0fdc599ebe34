package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"warden/internal/task"
)

// Records is a typed view over the records table.
type Records struct{ st Store }

func RecordsOf(st Store) Records { return Records{st: st} }

func (r Records) Put(ctx context.Context, rec task.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.st.Put(ctx, TableRecords, rec.ID, b)
}

func (r Records) Get(ctx context.Context, id string) (task.Record, bool, error) {
	var rec task.Record
	ok, err := getJSON(ctx, r.st, TableRecords, id, &rec)
	return rec, ok, err
}

func (r Records) Keys(ctx context.Context) ([]string, error) {
	return r.st.ListKeys(ctx, TableRecords)
}

// WorkerStates is a typed view over the worker_states table.
type WorkerStates struct{ st Store }

func WorkerStatesOf(st Store) WorkerStates { return WorkerStates{st: st} }

func (w WorkerStates) Put(ctx context.Context, ws task.WorkerState) error {
	if ws.ID == "" {
		return ErrEmptyKey
	}
	b, err := json.Marshal(ws)
	if err != nil {
		return err
	}
	return w.st.Put(ctx, TableWorkerStates, ws.ID, b)
}

func (w WorkerStates) Get(ctx context.Context, id string) (task.WorkerState, bool, error) {
	var ws task.WorkerState
	ok, err := getJSON(ctx, w.st, TableWorkerStates, id, &ws)
	return ws, ok, err
}

func (w WorkerStates) List(ctx context.Context) ([]task.WorkerState, error) {
	return listJSON[task.WorkerState](ctx, w.st, TableWorkerStates)
}

// Tasks is a typed view over the tasks table (warden namespace only).
type Tasks struct{ st Store }

func TasksOf(st Store) Tasks { return Tasks{st: st} }

func (t Tasks) Put(ctx context.Context, tk task.Task) error {
	b, err := json.Marshal(tk)
	if err != nil {
		return err
	}
	return t.st.Put(ctx, TableTasks, tk.ID, b)
}

func (t Tasks) Delete(ctx context.Context, id string) error {
	return t.st.Delete(ctx, TableTasks, id)
}

// List returns tasks in id order, which for ULIDs is submission order.
func (t Tasks) List(ctx context.Context) ([]task.Task, error) {
	return listJSON[task.Task](ctx, t.st, TableTasks)
}

func getJSON(ctx context.Context, st Store, table Table, key string, out any) (bool, error) {
	b, ok, err := st.Get(ctx, table, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(b, out); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", table, key, err)
	}
	return true, nil
}

func listJSON[T any](ctx context.Context, st Store, table Table) ([]T, error) {
	keys, err := st.ListKeys(ctx, table)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		var v T
		ok, err := getJSON(ctx, st, table, k, &v)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, v)
		}
	}
	return out, nil
}
