package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"warden/internal/app"
	"warden/internal/config"
	logx "warden/pkg/logx"
)

const stopTimeout = 15 * time.Second

func newRunCmd(f *rootFlags) *cobra.Command {
	var trace bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "start the warden and serve until SIGINT/SIGTERM",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), f, trace)
		},
	}
	cmd.Flags().BoolVar(&trace, "trace", false, "print RPC spans to stderr")
	return cmd
}

func runServe(parent context.Context, f *rootFlags, trace bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var cfgm *config.ConfigManager
	if path := strings.TrimSpace(f.configPath); path != "" {
		cfgm = config.NewConfigManager(path)
		if _, err := cfgm.Load(); err != nil {
			return err
		}
	}

	var opts []app.Option
	if trace {
		tp, err := newStdoutTracer(ctx, os.Stderr)
		if err != nil {
			return err
		}
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), time.Second)
			defer scancel()
			_ = tp.Shutdown(sctx)
		}()
		opts = append(opts, app.WithTracerProvider(tp))
	}
	app.SetDefaultOptions(opts...)

	load := f.loader()
	if cfgm != nil {
		load = func(context.Context) (*config.Config, error) { return cfgm.Get(), nil }
	}
	hub, err := app.Default(ctx, load)
	if err != nil {
		return err
	}
	log := hub.Logger().Named("main")

	if err := hub.Start(ctx, cfgm); err != nil {
		_ = hub.Stop(context.Background(), app.StopFatalError)
		return err
	}
	notifySystemd(log, daemon.SdNotifyReady)

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-hub.Done():
		reason = app.StopFatalError
	}
	notifySystemd(log, daemon.SdNotifyStopping)

	sctx, scancel := context.WithTimeout(context.Background(), stopTimeout)
	defer scancel()
	stopErr := hub.Stop(sctx, reason)
	if reason == app.StopFatalError {
		if err := hub.Err(); err != nil {
			return err
		}
	}
	return stopErr
}

// notifySystemd reports state to systemd when running under a notify unit.
func notifySystemd(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify sent", logx.String("state", state))
	}
}
