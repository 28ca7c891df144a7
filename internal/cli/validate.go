package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/cipherq/internal/compdef"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid       bool                      `json:"valid"`
	Definitions int                       `json:"definitions"`
	Errors      []compdef.ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [definitions-dir]",
		Short: "Validate definitions without registering them",
		Long: `Validate CUE computation definitions.

Checks the CUE schema, then every definition: argument entries, output
shape, callback action and layout, the input-to-output context transition,
the kind offset, and duplicate kinds across the set.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, dirArg(args), cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, dir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	var (
		defs []compdef.Definition
		err  error
	)
	if dir == "" {
		defs, err = compdef.Defaults()
	} else {
		defs, err = compdef.LoadDir(dir)
	}
	if err != nil {
		var cerr *compdef.CompileError
		if errors.As(err, &cerr) {
			_ = formatter.Error(ErrCodeValidation, cerr.Error(), nil)
			return NewExitError(ExitFailure, "compilation failed")
		}
		_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load definitions", err)
	}

	formatter.VerboseLog("Compiled %d definition(s)", len(defs))

	verrs := compdef.ValidateSet(defs)
	result := ValidationResult{
		Valid:       len(verrs) == 0,
		Definitions: len(defs),
		Errors:      verrs,
	}

	if formatter.Format == "json" {
		if result.Valid {
			return formatter.Success(result)
		}
		if err := formatter.Error(ErrCodeValidation, fmt.Sprintf("%d validation error(s)", len(verrs)), result); err != nil {
			return err
		}
		return NewExitError(ExitFailure, "validation failed")
	}

	w := cmd.OutOrStdout()
	if result.Valid {
		fmt.Fprintf(w, "✓ %d definition(s) valid\n", len(defs))
		return nil
	}
	for _, v := range verrs {
		fmt.Fprintf(w, "✗ %s\n", v.Error())
	}
	fmt.Fprintf(w, "%d validation error(s)\n", len(verrs))
	return NewExitError(ExitFailure, "validation failed")
}
