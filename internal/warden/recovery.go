package warden

import (
	"context"
	"time"

	"warden/internal/task"
	logx "warden/pkg/logx"
)

const restartError = "interrupted by restart"

// recoverTasks loads the task snapshots left by a previous process. Finished
// tasks are kept for status queries; queued ones go back on the queue in id
// order; a task that was running when the process died counts that attempt
// and is requeued or failed like any other failure.
func (w *Warden) recoverTasks(ctx context.Context) ([]*entry, error) {
	states, err := w.states.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, st := range states {
		if st.Status != task.MinionBusy && st.Status != task.MinionStarting {
			continue
		}
		w.log.Info("stale minion snapshot from previous run",
			logx.String("minion", st.ID),
			logx.String("status", st.Status),
			logx.String("last_data", st.LastProcessedDataID))
		st.Status = task.MinionStopped
		st.UpdatedAt = time.Now()
		if err := w.states.Put(ctx, st); err != nil {
			return nil, err
		}
	}

	stored, err := w.tasks.List(ctx)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	retryMax := w.cfg.RetryMax
	w.mu.Unlock()

	now := time.Now()
	out := make([]*entry, 0, len(stored))
	for _, t := range stored {
		switch t.Status {
		case task.Completed, task.Failed, task.Queued:
		case task.InProgress:
			t.MinionID = ""
			t.Deadline = time.Time{}
			t.Error = restartError
			if t.Attempts <= retryMax {
				t.Status = task.Queued
			} else {
				t.Status = task.Failed
				t.FinishedAt = now
			}
		default:
			continue
		}
		out = append(out, &entry{t: t})
	}
	return out, nil
}

// installRecoveredLocked adds recovered tasks to the index. Ids already known
// to this process win.
func (w *Warden) installRecoveredLocked(rec []*entry) {
	for _, e := range rec {
		if _, ok := w.entries[e.t.ID]; ok {
			continue
		}
		w.entries[e.t.ID] = e
		w.counters.Recovered++
		if e.t.Status.Terminal() {
			if e.t.Error == restartError {
				w.counters.Failed++
				w.persistLocked(e.t)
			}
			continue
		}
		w.queue = append(w.queue, e.t.ID)
		w.persistLocked(e.t)
	}
}
