package warden

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"

	"warden/internal/task"
)

var (
	// ErrValidation rejects a malformed payload before it is enqueued.
	ErrValidation = errors.New("invalid task payload")
	ErrClosed     = errors.New("warden closed")
	// ErrTimeout is recorded on a task whose minion missed the deadline.
	ErrTimeout = errors.New("task deadline exceeded")
)

// Minion is the warden's handle on one pool member. ProcessTask returns once
// the minion has reported back; the outcome itself arrives through
// NotifyTaskCompletion or NotifyTaskFailure. Close gives up when ctx ends,
// even if the minion is still running a task.
type Minion interface {
	ID() string
	ProcessTask(ctx context.Context, t task.Task) error
	Close(ctx context.Context) error
}

// Spawner builds the pool member with the given id.
type Spawner func(ctx context.Context, id string) (Minion, error)

// Config controls the warden.
//
// Zero values take defaults. RetryMax < 0 disables retries; RetainFinished < 0
// keeps finished tasks forever.
type Config struct {
	MaxWorkers int

	TaskTimeout  time.Duration
	ReapInterval time.Duration

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	RetainFinished  time.Duration
	CompactSchedule string

	// PersistBuffer bounds task snapshots waiting to be written.
	PersistBuffer int
}

func (c Config) withDefaults() Config {
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 30 * time.Second
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = time.Second
	}
	if c.RetryMax == 0 {
		c.RetryMax = 2
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 200 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Second
	}
	if c.RetryMaxDelay < c.RetryBase {
		c.RetryMaxDelay = c.RetryBase
	}
	if c.RetainFinished == 0 {
		c.RetainFinished = time.Hour
	}
	if c.PersistBuffer <= 0 {
		c.PersistBuffer = 1024
	}
	return c
}

func (c Config) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.RetryBase
	b.MaxInterval = c.RetryMaxDelay
	b.RandomizationFactor = 0.2
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

type initState int

const (
	stateUninitialized initState = iota
	stateInitializing
	stateReady
	stateClosed
)

func (s initState) String() string {
	switch s {
	case stateUninitialized:
		return "uninitialized"
	case stateInitializing:
		return "initializing"
	case stateReady:
		return "ready"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// slot is the warden's record of one minion. busy holds exactly while a task
// is InProgress on it. stalledOn names the task whose deadline the minion
// missed; the slot takes no work until the minion reports on that task.
type slot struct {
	id        string
	minion    Minion
	busy      bool
	taskID    string
	stalledOn string
}

type entry struct {
	t         task.Task
	bo        *backoff.ExponentialBackOff
	notBefore time.Time
	slot      *slot

	// lastMinion ran the previous attempt; a retry goes elsewhere when it can.
	lastMinion string
}

type dispatch struct {
	slot *slot
	t    task.Task
}

// persistOp is one ordered write to the shared tasks table.
type persistOp struct {
	t   task.Task
	del bool
}

type SubmitOption func(*submitOptions)

type submitOptions struct {
	typ string
}

// WithType selects the minion handler for the task.
func WithType(name string) SubmitOption {
	return func(o *submitOptions) { o.typ = name }
}

// TaskEvent is published on the event bus for task lifecycle events.
type TaskEvent struct {
	ID       string      `json:"id"`
	Type     string      `json:"type"`
	Status   task.Status `json:"status"`
	MinionID string      `json:"minion_id,omitempty"`
	Attempts int         `json:"attempts"`
	Error    string      `json:"error,omitempty"`
}

// Counters are cumulative since the warden was created.
type Counters struct {
	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Requeued  uint64 `json:"requeued"`
	TimedOut  uint64 `json:"timed_out"`
	Late      uint64 `json:"late_callbacks"`
	Recovered uint64 `json:"recovered"`
}

type SlotInfo struct {
	MinionID string `json:"minion_id"`
	Busy     bool   `json:"busy"`
	Stalled  bool   `json:"stalled,omitempty"`
	TaskID   string `json:"task_id,omitempty"`
}

// Snapshot is a point-in-time view for operators.
type Snapshot struct {
	State      string        `json:"state"`
	MaxWorkers int           `json:"max_workers"`
	Queued     int           `json:"queued"`
	InFlight   int           `json:"in_flight"`
	Stalled    int           `json:"stalled"`
	Tasks      int           `json:"tasks"`
	Slots      []SlotInfo    `json:"slots"`
	Counters   Counters      `json:"counters"`
	Timeout    time.Duration `json:"task_timeout"`
	RetryMax   int           `json:"retry_max"`
}
