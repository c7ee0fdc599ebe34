package minion

import (
	"context"

	"warden/internal/rpc"
	"warden/internal/task"
)

// RPC method names served by a minion endpoint.
const (
	MethodProcessTask = "ProcessTask"
	MethodAddData     = "AddData"
	MethodGetDataByID = "GetDataByID"
	MethodMigrate     = "MigrateDataToWarden"
	MethodState       = "State"
)

// Addr is the router address of a minion.
func Addr(id string) string { return "minion/" + id }

type dataReply struct {
	Record task.Record `json:"record"`
	Found  bool        `json:"found"`
}

// Serve binds m to the router at Addr(m.ID()).
func Serve(r *rpc.Router, m *Minion) (*rpc.Endpoint, error) {
	return r.Bind(Addr(m.ID()), rpc.Methods{
		MethodProcessTask: rpc.Method(func(ctx context.Context, t task.Task) (task.Result, error) {
			return m.ProcessTask(ctx, t)
		}),
		MethodAddData: rpc.Method(func(ctx context.Context, rec task.Record) (struct{}, error) {
			return struct{}{}, m.AddData(ctx, rec)
		}),
		MethodGetDataByID: rpc.Method(func(ctx context.Context, id string) (dataReply, error) {
			rec, ok, err := m.GetDataByID(ctx, id)
			return dataReply{Record: rec, Found: ok}, err
		}),
		MethodMigrate: rpc.Method(func(ctx context.Context, rec task.Record) (struct{}, error) {
			return struct{}{}, m.MigrateDataToWarden(ctx, rec)
		}),
		MethodState: rpc.Method(func(ctx context.Context, _ struct{}) (task.WorkerState, error) {
			return m.State(), nil
		}),
	})
}

// Proxy is the caller side of a minion endpoint.
type Proxy struct {
	id     string
	ref    rpc.Ref
	client *rpc.Client
}

func NewProxy(c *rpc.Client, id string) *Proxy {
	return &Proxy{id: id, ref: rpc.Ref{Addr: Addr(id)}, client: c}
}

func (p *Proxy) ID() string   { return p.id }
func (p *Proxy) Ref() rpc.Ref { return p.ref }

// ProcessTask blocks until the minion has run t and reported back to its
// coordinator. The outcome itself reaches the warden through that report.
func (p *Proxy) ProcessTask(ctx context.Context, t task.Task) error {
	return p.client.Call(ctx, p.ref, MethodProcessTask, t, nil)
}

func (p *Proxy) AddData(ctx context.Context, rec task.Record) error {
	return p.client.Call(ctx, p.ref, MethodAddData, rec, nil)
}

func (p *Proxy) GetDataByID(ctx context.Context, id string) (task.Record, bool, error) {
	var reply dataReply
	if err := p.client.Call(ctx, p.ref, MethodGetDataByID, id, &reply); err != nil {
		return task.Record{}, false, err
	}
	return reply.Record, reply.Found, nil
}

func (p *Proxy) MigrateDataToWarden(ctx context.Context, rec task.Record) error {
	return p.client.Call(ctx, p.ref, MethodMigrate, rec, nil)
}

func (p *Proxy) State(ctx context.Context) (task.WorkerState, error) {
	var st task.WorkerState
	err := p.client.Call(ctx, p.ref, MethodState, struct{}{}, &st)
	return st, err
}
