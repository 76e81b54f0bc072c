package cli

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/audit"
	"github.com/roach88/fieldsync/internal/layered"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/syncengine"
)

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle now",
		Long: `Drain the outbox, pull remote changes and merge them, once.

Without --force the cycle is skipped while the circuit breaker is open.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			a, _, err := openApp(rootOpts, cmd, f)
			if err != nil {
				return err
			}
			defer closeApp(a)

			res, err := a.Engine.Sync(commandContext(cmd), syncengine.SyncOptions{Force: force})
			if err != nil {
				return f.Fail(ExitFailure, ErrCodeSync, "sync failed", err)
			}
			return f.Success(res, func(w io.Writer) {
				fmt.Fprintf(w, "Uploaded %d, failed %d, downloaded %d (applied %d, merged %d), reviews %d\n",
					res.Uploaded, res.FailedUploads, res.Downloaded, res.Applied, res.Merged, res.Reviews)
				for _, id := range res.Exhausted {
					fmt.Fprintf(w, "  gave up on %s\n", id)
				}
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "run even while the circuit breaker is open")

	return cmd
}

// StatusReport is the output of the status command.
type StatusReport struct {
	DeviceID string               `json:"device_id"`
	Sync     syncengine.Status    `json:"sync"`
	Storage  layered.StorageStats `json:"storage"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "status",
		Short:         "Show outbox and storage status",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			a, _, err := openApp(rootOpts, cmd, f)
			if err != nil {
				return err
			}
			defer closeApp(a)

			ctx := commandContext(cmd)
			st, err := a.Engine.Status(ctx)
			if err != nil {
				return f.Fail(ExitFailure, ErrCodeStorage, "failed to read status", err)
			}
			report := StatusReport{
				DeviceID: a.Identity.DeviceID(),
				Sync:     st,
				Storage:  a.Layers.GetStorageStats(ctx),
			}
			return f.Success(report, func(w io.Writer) { writeStatus(w, report) })
		},
	}
}

func writeStatus(w io.Writer, r StatusReport) {
	fmt.Fprintf(w, "Device:   %s\n", r.DeviceID)
	fmt.Fprintf(w, "State:    %s\n", r.Sync.State)
	fmt.Fprintf(w, "Pending:  %d\n", r.Sync.PendingCount)
	fmt.Fprintf(w, "Failed:   %d\n", r.Sync.FailedCount)
	if !r.Sync.LastSyncAt.IsZero() {
		fmt.Fprintf(w, "Last:     %s\n", r.Sync.LastSyncAt.Format(time.RFC3339))
	}
	if r.Sync.LastError != "" {
		fmt.Fprintf(w, "Error:    %s\n", r.Sync.LastError)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nLAYER\tAVAILABLE\tRECORDS\tBYTES")
	for _, l := range r.Storage.Layers {
		fmt.Fprintf(tw, "%s\t%t\t%d\t%d\n", l.Name, l.Available, l.Records, l.Bytes)
	}
	fmt.Fprintf(tw, "total\t\t%d\t%d\n", r.Storage.Total.Records, r.Storage.Total.Bytes)
	tw.Flush()
}

// NewClearBackupsCommand creates the clear-backups command.
func NewClearBackupsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "clear-backups",
		Short:         "Empty the backup layers, keeping the primary store",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			a, _, err := openApp(rootOpts, cmd, f)
			if err != nil {
				return err
			}
			defer closeApp(a)

			if err := a.Layers.ClearBackups(commandContext(cmd)); err != nil {
				return f.Fail(ExitFailure, ErrCodeStorage, "failed to clear backups", err)
			}
			return f.Success(map[string]bool{"cleared": true}, func(w io.Writer) {
				fmt.Fprintln(w, "Backups cleared")
			})
		},
	}
}

// NewAuditCommand creates the audit command group.
func NewAuditCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit log",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Recompute every hash and link of the audit chain",
		Long: `Walk the audit log in order, recomputing every hash and checking every
link. Exits 1 when the chain is broken; audited writes stay refused until the
log is restored.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			a, _, err := openApp(rootOpts, cmd, f)
			if err != nil {
				return err
			}
			defer closeApp(a)

			v, err := a.Chain.VerifyChain(commandContext(cmd))
			switch {
			case errors.Is(err, audit.ErrAuditChainBroken):
				_ = f.Error(ErrCodeAuditBroken, err.Error(), v)
				return WrapExitError(ExitFailure, "audit chain broken", err)
			case err != nil:
				return f.Fail(ExitFailure, ErrCodeStorage, "failed to read audit log", err)
			}
			return f.Success(v, func(w io.Writer) {
				fmt.Fprintf(w, "Audit chain valid (%d events)\n", v.Length)
			})
		},
	})
	return cmd
}

// NewQueueCommand creates the queue command group.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and requeue outbox entries that exhausted their retries",
	}

	cmd.AddCommand(&cobra.Command{
		Use:           "failed",
		Short:         "List failed outbox entries",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			a, _, err := openApp(rootOpts, cmd, f)
			if err != nil {
				return err
			}
			defer closeApp(a)

			entries, err := a.DB.FailedEntries(commandContext(cmd))
			if err != nil {
				return f.Fail(ExitFailure, ErrCodeStorage, "failed to list entries", err)
			}
			return f.Success(entries, func(w io.Writer) {
				if len(entries) == 0 {
					fmt.Fprintln(w, "No failed entries")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTABLE\tRECORD\tOP\tRETRIES\tERROR")
				for _, e := range entries {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", e.ID, e.Table, e.RecordID, e.Operation, e.RetryCount, e.LastError)
				}
				tw.Flush()
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:           "requeue <entry-id>",
		Short:         "Give a failed entry a fresh retry budget",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			a, _, err := openApp(rootOpts, cmd, f)
			if err != nil {
				return err
			}
			defer closeApp(a)

			err = a.DB.Requeue(commandContext(cmd), args[0], time.Now().UnixMilli())
			switch {
			case errors.Is(err, store.ErrNotFound):
				return f.Fail(ExitCommandError, ErrCodeNotFound, "no failed entry "+args[0], nil)
			case err != nil:
				return f.Fail(ExitFailure, ErrCodeStorage, "failed to requeue", err)
			}
			return f.Success(map[string]string{"requeued": args[0]}, func(w io.Writer) {
				fmt.Fprintf(w, "Requeued %s\n", args[0])
			})
		},
	})
	return cmd
}

// NewReviewsCommand creates the reviews command group.
func NewReviewsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reviews",
		Short: "Inspect conflicts the resolver refused to merge",
	}

	var all bool
	list := &cobra.Command{
		Use:           "list",
		Short:         "List open conflict reviews",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			a, _, err := openApp(rootOpts, cmd, f)
			if err != nil {
				return err
			}
			defer closeApp(a)

			reviews, err := a.DB.Reviews(commandContext(cmd), all)
			if err != nil {
				return f.Fail(ExitFailure, ErrCodeStorage, "failed to list reviews", err)
			}
			return f.Success(reviews, func(w io.Writer) {
				if len(reviews) == 0 {
					fmt.Fprintln(w, "No conflict reviews")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "SEQ\tTABLE\tRECORD\tRESOLVED\tREASON")
				for _, r := range reviews {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%s\n", r.Seq, r.Table, r.RecordID, r.Resolved, r.Reason)
				}
				tw.Flush()
			})
		},
	}
	list.Flags().BoolVar(&all, "all", false, "include resolved reviews")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:           "resolve <seq>",
		Short:         "Mark a review as handled",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			seq, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeNotFound, "review id must be numeric", err)
			}
			a, _, err := openApp(rootOpts, cmd, f)
			if err != nil {
				return err
			}
			defer closeApp(a)

			err = a.DB.ResolveReview(commandContext(cmd), seq)
			switch {
			case errors.Is(err, store.ErrNotFound):
				return f.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("no review %d", seq), nil)
			case err != nil:
				return f.Fail(ExitFailure, ErrCodeStorage, "failed to resolve review", err)
			}
			return f.Success(map[string]int64{"resolved": seq}, func(w io.Writer) {
				fmt.Fprintf(w, "Resolved review %d\n", seq)
			})
		},
	})
	return cmd
}
