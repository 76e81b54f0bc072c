package cli

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/app"
	"github.com/roach88/fieldsync/internal/config"
)

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// openApp loads configuration, configures logging and assembles the data
// layer. The caller closes the returned app.
func openApp(opts *RootOptions, cmd *cobra.Command, f *OutputFormatter) (*app.App, *config.Config, error) {
	cfg, err := config.Load(opts.Config, opts.EnvFile)
	if err != nil {
		return nil, nil, f.Fail(ExitCommandError, ErrCodeConfig, "failed to load config", err)
	}

	level, _ := config.ParseLevel(cfg.LogLevel)
	if opts.Verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))

	a, err := app.New(commandContext(cmd), cfg, opts.appOptions...)
	if err != nil {
		return nil, nil, f.Fail(ExitCommandError, ErrCodeOpen, "failed to open data layer", err)
	}
	f.VerboseLog("data dir %s, device %s", cfg.DataDir, a.Identity.DeviceID())
	return a, cfg, nil
}

func closeApp(a *app.App) {
	if err := a.Close(); err != nil {
		slog.Error("error closing data layer", "error", err)
	}
}

// commandContext returns the command's context, or Background when run
// outside Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
