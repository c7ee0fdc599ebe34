package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"warden/internal/app"
	"warden/internal/task"
	"warden/internal/warden"
)

type submitFlags struct {
	typ  string
	wait time.Duration
}

func newSubmitCmd(f *rootFlags) *cobra.Command {
	sf := &submitFlags{}
	cmd := &cobra.Command{
		Use:   "submit <id> <json-value> [<id> <json-value>...]",
		Short: "submit records as tasks and wait for their final status",
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) == 0 || len(args)%2 != 0 {
				return fmt.Errorf("expected <id> <json-value> pairs, got %d args", len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := parseRecords(args)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			hub, err := app.Default(ctx, f.loader())
			if err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
				defer cancel()
				_ = app.CloseDefault(sctx)
			}()
			return submit(ctx, hub.Client(), recs, sf, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&sf.typ, "type", "", "handler name (default, echo, cel, ...)")
	cmd.Flags().DurationVar(&sf.wait, "wait", 30*time.Second, "how long to wait for the tasks to finish")
	return cmd
}

func parseRecords(args []string) ([]task.Record, error) {
	recs := make([]task.Record, 0, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		rec := task.Record{ID: args[i], Value: json.RawMessage(args[i+1])}
		if err := rec.Validate(); err != nil {
			return nil, fmt.Errorf("record %q: %w", args[i], err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func submit(ctx context.Context, c *warden.Proxy, recs []task.Record, sf *submitFlags, out io.Writer) error {
	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		id, err := c.AssignTask(ctx, rec, warden.WithType(sf.typ))
		if err != nil {
			return fmt.Errorf("submit %s: %w", rec.ID, err)
		}
		ids = append(ids, id)
	}

	wctx, cancel := context.WithTimeout(ctx, sf.wait)
	defer cancel()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tRECORD\tSTATUS\tATTEMPTS\tRESULT")
	var failed int
	for i, id := range ids {
		t, err := waitFinal(wctx, c, id, tick.C)
		if err != nil {
			tw.Flush()
			return fmt.Errorf("wait %s: %w", id, err)
		}
		result := string(t.Output)
		if t.Status == task.Failed {
			failed++
			result = t.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", id, recs[i].ID, t.Status, t.Attempts, result)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d tasks failed", failed, len(ids))
	}
	return nil
}

func waitFinal(ctx context.Context, c *warden.Proxy, id string, tick <-chan time.Time) (task.Task, error) {
	for {
		t, ok, err := c.GetTask(ctx, id)
		if err != nil {
			return task.Task{}, err
		}
		if ok && t.Status.Terminal() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return task.Task{}, ctx.Err()
		case <-tick:
		}
	}
}
