package warden

import (
	"context"
	"fmt"

	"warden/internal/rpc"
	"warden/internal/task"
)

// Addr is the router address of the warden endpoint.
const Addr = "warden"

// RPC method names served by the warden endpoint.
const (
	MethodAssignTask           = "AssignTask"
	MethodGetTaskStatus        = "GetTaskStatus"
	MethodGetTask              = "GetTask"
	MethodMarkWorkerFree       = "MarkWorkerFree"
	MethodNotifyTaskCompletion = "NotifyTaskCompletion"
	MethodNotifyTaskFailure    = "NotifyTaskFailure"
	MethodUpdateWorkerState    = "UpdateWorkerState"
	MethodAddRecord            = "AddRecord"
	MethodGetRecord            = "GetRecord"
	MethodSnapshot             = "Snapshot"
)

type assignArgs struct {
	Payload task.Record `json:"payload"`
	Type    string      `json:"type,omitempty"`
}

type freeArgs struct {
	MinionID string `json:"minion_id"`
	TaskID   string `json:"task_id"`
}

type taskReply struct {
	Task  task.Task `json:"task"`
	Found bool      `json:"found"`
}

type recordReply struct {
	Record task.Record `json:"record"`
	Found  bool        `json:"found"`
}

type none struct{}

// Serve binds w to the router at Addr. The endpoint serializes every call,
// minion callbacks included.
func Serve(r *rpc.Router, w *Warden) (*rpc.Endpoint, error) {
	return r.Bind(Addr, rpc.Methods{
		MethodAssignTask: rpc.Method(func(ctx context.Context, a assignArgs) (string, error) {
			return w.AssignTask(ctx, a.Payload, WithType(a.Type))
		}),
		MethodGetTaskStatus: rpc.Method(func(ctx context.Context, id string) (task.Status, error) {
			return w.GetTaskStatus(id), nil
		}),
		MethodGetTask: rpc.Method(func(ctx context.Context, id string) (taskReply, error) {
			t, ok := w.GetTask(id)
			return taskReply{Task: t, Found: ok}, nil
		}),
		MethodMarkWorkerFree: rpc.Method(func(ctx context.Context, a freeArgs) (none, error) {
			return none{}, w.MarkWorkerFree(ctx, a.MinionID, a.TaskID)
		}),
		MethodNotifyTaskCompletion: rpc.Method(func(ctx context.Context, res task.Result) (none, error) {
			return none{}, w.NotifyTaskCompletion(ctx, res)
		}),
		MethodNotifyTaskFailure: rpc.Method(func(ctx context.Context, res task.Result) (none, error) {
			return none{}, w.NotifyTaskFailure(ctx, res)
		}),
		MethodUpdateWorkerState: rpc.Method(func(ctx context.Context, st task.WorkerState) (none, error) {
			return none{}, w.UpdateWorkerState(ctx, st)
		}),
		MethodAddRecord: rpc.Method(func(ctx context.Context, rec task.Record) (none, error) {
			return none{}, w.AddRecord(ctx, rec)
		}),
		MethodGetRecord: rpc.Method(func(ctx context.Context, id string) (recordReply, error) {
			rec, ok, err := w.GetRecord(ctx, id)
			return recordReply{Record: rec, Found: ok}, err
		}),
		MethodSnapshot: rpc.Method(func(ctx context.Context, _ none) (Snapshot, error) {
			return w.Snapshot(), nil
		}),
	})
}

// Proxy is the caller side of the warden endpoint. It satisfies
// minion.Coordinator, which is how minions report back by reference.
//
// Errors raised by the warden arrive as *rpc.RemoteError.
type Proxy struct {
	ref    rpc.Ref
	client *rpc.Client
}

func NewProxy(c *rpc.Client) *Proxy {
	return &Proxy{ref: rpc.Ref{Addr: Addr}, client: c}
}

func (p *Proxy) Ref() rpc.Ref { return p.ref }

// AssignTask validates payload locally, so ErrValidation is returned as is.
func (p *Proxy) AssignTask(ctx context.Context, payload task.Record, opts ...SubmitOption) (string, error) {
	if err := payload.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrValidation, err)
	}
	var o submitOptions
	for _, fn := range opts {
		fn(&o)
	}
	var id string
	err := p.client.Call(ctx, p.ref, MethodAssignTask, assignArgs{Payload: payload, Type: o.typ}, &id)
	return id, err
}

// GetTaskStatus returns NotFound alongside any call error.
func (p *Proxy) GetTaskStatus(ctx context.Context, id string) (task.Status, error) {
	st := task.NotFound
	err := p.client.Call(ctx, p.ref, MethodGetTaskStatus, id, &st)
	if err != nil {
		return task.NotFound, err
	}
	return st, nil
}

func (p *Proxy) GetTask(ctx context.Context, id string) (task.Task, bool, error) {
	var reply taskReply
	if err := p.client.Call(ctx, p.ref, MethodGetTask, id, &reply); err != nil {
		return task.Task{}, false, err
	}
	return reply.Task, reply.Found, nil
}

func (p *Proxy) MarkWorkerFree(ctx context.Context, minionID, taskID string) error {
	return p.client.Call(ctx, p.ref, MethodMarkWorkerFree, freeArgs{MinionID: minionID, TaskID: taskID}, nil)
}

func (p *Proxy) NotifyTaskCompletion(ctx context.Context, res task.Result) error {
	return p.client.Call(ctx, p.ref, MethodNotifyTaskCompletion, res, nil)
}

func (p *Proxy) NotifyTaskFailure(ctx context.Context, res task.Result) error {
	return p.client.Call(ctx, p.ref, MethodNotifyTaskFailure, res, nil)
}

func (p *Proxy) UpdateWorkerState(ctx context.Context, st task.WorkerState) error {
	return p.client.Call(ctx, p.ref, MethodUpdateWorkerState, st, nil)
}

func (p *Proxy) AddRecord(ctx context.Context, rec task.Record) error {
	return p.client.Call(ctx, p.ref, MethodAddRecord, rec, nil)
}

func (p *Proxy) GetRecord(ctx context.Context, id string) (task.Record, bool, error) {
	var reply recordReply
	if err := p.client.Call(ctx, p.ref, MethodGetRecord, id, &reply); err != nil {
		return task.Record{}, false, err
	}
	return reply.Record, reply.Found, nil
}

func (p *Proxy) Snapshot(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	err := p.client.Call(ctx, p.ref, MethodSnapshot, none{}, &s)
	return s, err
}
