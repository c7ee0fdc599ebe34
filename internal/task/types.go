// Package task holds the data model shared by the warden and its minions.
//
// Everything here crosses the RPC boundary, so every type must survive a JSON
// round trip without losing meaning.
package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a task. The warden is the only writer.
type Status int

const (
	Queued Status = iota
	InProgress
	Completed
	Failed
	// NotFound is a query result only; it is never stored.
	NotFound
)

var statusNames = [...]string{
	Queued:     "queued",
	InProgress: "in_progress",
	Completed:  "completed",
	Failed:     "failed",
	NotFound:   "not_found",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool { return s == Completed || s == Failed }

func ParseStatus(raw string) (Status, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	for i, n := range statusNames {
		if n == raw {
			return Status(i), nil
		}
	}
	return NotFound, fmt.Errorf("unknown task status %q", raw)
}

func (s Status) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *Status) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	v, err := ParseStatus(raw)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

var (
	ErrEmptyID    = errors.New("record id is required")
	ErrEmptyValue = errors.New("record value is required")
	ErrBadValue   = errors.New("record value is not valid JSON")
)

// Record is an opaque payload carried by tasks and persisted by minions.
// The warden never looks inside Value.
type Record struct {
	ID    string          `json:"id"`
	Value json.RawMessage `json:"value"`
}

// NewRecord marshals v into a Record value.
func NewRecord(id string, v any) (Record, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Record{}, fmt.Errorf("record %s: %w", id, err)
	}
	return Record{ID: id, Value: b}, nil
}

func (r Record) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return ErrEmptyID
	}
	if len(r.Value) == 0 {
		return ErrEmptyValue
	}
	if !json.Valid(r.Value) {
		return ErrBadValue
	}
	return nil
}

// Text renders the value for humans: JSON strings are unquoted, anything
// else is the raw JSON text.
func (r Record) Text() string {
	var s string
	if err := json.Unmarshal(r.Value, &s); err == nil {
		return s
	}
	return string(r.Value)
}

// Task is a unit of work. Identity is ID.
type Task struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Payload  Record `json:"payload"`
	Status   Status `json:"status"`
	Attempts int    `json:"attempts"`
	MinionID string `json:"minion_id,omitempty"`
	Error    string `json:"error,omitempty"`
	// Output is the handler result reported on completion.
	Output json.RawMessage `json:"output,omitempty"`

	EnqueuedAt time.Time `json:"enqueued_at"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	Deadline   time.Time `json:"deadline,omitzero"`
}

// Result is what a minion reports back after running a task.
type Result struct {
	TaskID   string          `json:"task_id"`
	MinionID string          `json:"minion_id"`
	Output   json.RawMessage `json:"output,omitempty"`
	Error    string          `json:"error,omitempty"`
	// Permanent marks a failure that must not be retried.
	Permanent bool `json:"permanent,omitempty"`
}

// Minion lifecycle values stored in WorkerState.Status.
const (
	MinionIdle     = "idle"
	MinionBusy     = "busy"
	MinionStalled  = "stalled"
	MinionStopped  = "stopped"
	MinionStarting = "starting"
)

// WorkerState is a minion snapshot for observability and recovery. It is
// never consulted for assignment.
type WorkerState struct {
	ID                  string    `json:"id"`
	Status              string    `json:"status"`
	LastProcessedDataID string    `json:"last_processed_data_id,omitempty"`
	UpdatedAt           time.Time `json:"updated_at"`
}
