package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"warden/internal/app"
	"warden/internal/config"
)

type rootFlags struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:           "warden",
		Short:         "in-process task scheduler with a fixed pool of isolated minions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&f.configPath, "config", "", "path to config json/yaml (empty: built-in defaults)")

	root.AddCommand(
		newRunCmd(f),
		newSubmitCmd(f),
		newInspectCmd(f),
	)
	return root
}

// loader returns the config loader for the --config flag.
func (f *rootFlags) loader() app.Loader {
	path := strings.TrimSpace(f.configPath)
	if path == "" {
		return func(context.Context) (*config.Config, error) { return &config.Config{}, nil }
	}
	return app.FileLoader(path)
}
