package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/harness"
)

// NewScenarioCommand creates the scenario command.
func NewScenarioCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "scenario <file.yaml>...",
		Short: "Replay multi-device sync scenarios",
		Long: `Replay YAML sync scenarios against simulated devices and an in-process
backend, then check their assertions.

Every scenario runs in a fresh temporary directory; the configured data
directory is not touched. Exits 1 when any scenario fails.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			ctx := commandContext(cmd)

			results := make([]*harness.Result, 0, len(args))
			failed := 0
			for _, path := range args {
				f.VerboseLog("Loading %s", path)
				s, err := harness.LoadScenario(path)
				if err != nil {
					return f.Fail(ExitCommandError, ErrCodeScenario, path, err)
				}
				res, err := harness.Run(ctx, s)
				if err != nil {
					return f.Fail(ExitFailure, ErrCodeScenario, "run "+s.Name, err)
				}
				if !res.Pass {
					failed++
				}
				results = append(results, res)
			}

			if err := f.Success(results, func(w io.Writer) {
				for _, res := range results {
					if res.Pass {
						fmt.Fprintf(w, "PASS %s (%d steps)\n", res.Name, res.Steps)
						continue
					}
					fmt.Fprintf(w, "FAIL %s\n", res.Name)
					for _, msg := range res.Errors {
						fmt.Fprintf(w, "  %s\n", msg)
					}
				}
			}); err != nil {
				return err
			}
			if failed > 0 {
				return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenarios failed", failed, len(results)))
			}
			return nil
		},
	}
}
