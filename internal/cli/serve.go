package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	ShutdownTimeout time.Duration
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync scheduler and the local API",
		Long: `Run the data layer as a long-lived process.

The scheduler syncs after a period without user activity, at least every
max_interval, and immediately when the network comes back. The host talks to
the process over the local HTTP API (POST /sync, GET /status, ...).

Example:
  fieldsync serve --config fieldsync.yaml
  FIELDSYNC_API_LISTEN=127.0.0.1:9000 fieldsync serve -v`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.ShutdownTimeout, "shutdown-timeout", 10*time.Second, "grace period for in-flight requests and cycles")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	a, _, err := openApp(opts.RootOptions, cmd, f)
	if err != nil {
		return err
	}
	defer closeApp(a)

	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	addr, err := a.Start(ctx)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeOpen, "failed to start", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Listening on http://%s\n", addr)
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-a.Done():
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
	defer stopCancel()
	if err := a.Stop(stopCtx); err != nil {
		slog.Warn("shutdown incomplete", "error", err)
	}
	if serveErr != nil {
		return WrapExitError(ExitFailure, "api server failed", serveErr)
	}

	slog.Info("stopped gracefully")
	return nil
}
