package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/snowmerak/bundlehook/lib/config"
	"github.com/snowmerak/bundlehook/lib/host"
	"github.com/snowmerak/bundlehook/lib/logging"
)

type globalOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

// NewRootCommand builds the hookctl command tree.
func NewRootCommand(version, commit, date string) *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "hookctl",
		Short: "Inspect bundler plugins and drive their hooks by hand",
		Long: `hookctl opens the plugins listed in a manifest (executables, plugin
servers and JavaScript files) and runs individual bundler stages against them.

Every command runs buildStart before its stage and buildEnd after it, so
plugins see the same lifecycle they would in a real build.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "plugins.yaml", "plugin manifest")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "log level (trace, debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", logging.FormatConsole, "log format (console, json)")

	rootCmd.AddCommand(newInspectCommand(opts))
	rootCmd.AddCommand(newResolveCommand(opts))
	rootCmd.AddCommand(newLoadCommand(opts))
	rootCmd.AddCommand(newTransformCommand(opts))
	rootCmd.AddCommand(newBuildCommand(opts))

	return rootCmd
}

// withBuild opens the manifest's plugins and runs stage between buildStart
// and buildEnd. buildEnd sees the error of whatever ran before it.
func withBuild(cmd *cobra.Command, opts *globalOptions, stage func(ctx context.Context, h *host.Host) error) error {
	log, err := logging.New(opts.logLevel, opts.logFormat, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	manifest, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	h, err := host.Open(ctx, manifest, log)
	if err != nil {
		return err
	}
	defer h.Close()

	driver := h.Driver()
	err = driver.BuildStart(ctx)
	if err == nil {
		err = stage(ctx, h)
	}
	return errors.Join(err, driver.BuildEnd(ctx, err))
}
