package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/cipherq/internal/harness"
)

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "simulate <scenario-file>",
		Short: "Run one scenario and print its trace",
		Long: `Run a scenario in-process against a fresh in-memory engine and the
reference executor, printing every dispatch, execute and callback stage.

Nothing is written to the configured database.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(rootOpts, args[0], cmd)
		},
	}
}

func runSimulate(opts *RootOptions, path string, cmd *cobra.Command) error {
	opts.setupLogging(quietLog, cmd.ErrOrStderr())

	scenario, err := harness.LoadScenario(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load scenario", err)
	}
	result, err := harness.Run(commandContext(cmd), scenario)
	if err != nil {
		return WrapExitError(ExitFailure, "scenario execution failed", err)
	}

	f := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if f.Format == "json" {
		if err := f.Success(harness.TraceSnapshot{ScenarioName: scenario.Name, Trace: result.Trace}); err != nil {
			return err
		}
	} else {
		writeHarnessTrace(cmd.OutOrStdout(), scenario.Name, result)
	}

	if !result.Pass {
		for _, e := range result.Errors {
			f.VerboseLog("%s", e)
		}
		return NewExitError(ExitFailure, fmt.Sprintf("scenario %s: %d failure(s)", scenario.Name, len(result.Errors)))
	}
	return nil
}

func writeHarnessTrace(w io.Writer, name string, result *harness.Result) {
	fmt.Fprintf(w, "Scenario: %s\n\n", name)
	for _, e := range result.Trace {
		fmt.Fprintf(w, "%3d %-8s %-18s #%-4d", e.Step, e.Stage, e.Kind, e.RequestID)
		if e.Seq != 0 {
			fmt.Fprintf(w, " seq=%d", e.Seq)
		}
		for _, kv := range [][2]string{
			{"status", e.Status},
			{"outcome", e.Outcome},
			{"error", e.Error},
			{"nonce", e.Nonce},
			{"audience", e.Audience},
			{"value", e.Value},
		} {
			if kv[1] != "" {
				fmt.Fprintf(w, " %s=%s", kv[0], kv[1])
			}
		}
		fmt.Fprintln(w)
	}
	if result.Pass {
		fmt.Fprintln(w, "\n✓ pass")
		return
	}
	fmt.Fprintln(w, "\n✗ fail")
	for _, e := range result.Errors {
		fmt.Fprintf(w, "  %s\n", e)
	}
}
