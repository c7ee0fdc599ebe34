package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"warden/internal/app"
	"warden/internal/task"
	"warden/internal/warden"
)

type inspectReport struct {
	Workers []task.WorkerState `json:"workers"`
	Records []string           `json:"records"`
	Warden  warden.Snapshot    `json:"warden"`
}

func newInspectCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "print worker snapshots and record keys from the shared store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
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
			return inspect(ctx, hub.Warden(), cmd.OutOrStdout())
		},
	}
}

// inspect reads the store without building the pool, so the snapshots left
// by the last run are printed as they are.
func inspect(ctx context.Context, w *warden.Warden, out io.Writer) error {
	states, err := w.WorkerStates(ctx)
	if err != nil {
		return err
	}
	keys, err := w.RecordKeys(ctx)
	if err != nil {
		return err
	}
	rep := inspectReport{Workers: states, Records: keys, Warden: w.Snapshot()}
	if rep.Workers == nil {
		rep.Workers = []task.WorkerState{}
	}
	if rep.Records == nil {
		rep.Records = []string{}
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}
