package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/cipherq/internal/compdef"
	"github.com/roach88/cipherq/internal/store"
)

// DefinitionsOptions holds flags for the definitions commands.
type DefinitionsOptions struct {
	*RootOptions
	Output string // write compiled JSON here instead of stdout
}

// NewDefinitionsCommand creates the definitions command group.
func NewDefinitionsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DefinitionsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "definitions",
		Short: "Compile, register and list computation definitions",
	}

	compile := &cobra.Command{
		Use:   "compile [definitions-dir]",
		Short: "Compile CUE definitions to JSON",
		Long: `Compile CUE computation definitions and print them as JSON.

Without a directory the built-in definitions are compiled.

Examples:
  cipherq definitions compile
  cipherq definitions compile ./definitions -o definitions.json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDefinitionsCompile(opts, dirArg(args), cmd)
		},
	}
	compile.Flags().StringVarP(&opts.Output, "output", "o", "", "output file (default stdout)")

	register := &cobra.Command{
		Use:   "register [definitions-dir]",
		Short: "Register definitions in the database",
		Long: `Compile definitions and register them, replacing any definition of the
same kind. Outstanding computations keep the callback bound at dispatch.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDefinitionsRegister(opts, dirArg(args), cmd)
		},
	}

	list := &cobra.Command{
		Use:           "list",
		Short:         "List registered definitions",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDefinitionsList(opts, cmd)
		},
	}

	cmd.AddCommand(compile, register, list)
	return cmd
}

func dirArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func runDefinitionsCompile(opts *DefinitionsOptions, dir string, cmd *cobra.Command) error {
	defs, err := loadDefinitions(dir)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(defs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal definitions: %w", err)
	}
	data = append(data, '\n')

	if opts.Output != "" {
		if err := os.WriteFile(opts.Output, data, 0644); err != nil {
			return WrapExitError(ExitCommandError, "failed to write output", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Compiled %d definition(s) to %s\n", len(defs), opts.Output)
		return nil
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func runDefinitionsRegister(opts *DefinitionsOptions, dir string, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	opts.setupLogging(cfg.Log, cmd.ErrOrStderr())
	if dir != "" {
		cfg.Definitions = dir
	}

	ctx := commandContext(cmd)
	env, err := openEnvironment(ctx, cfg)
	if err != nil {
		return err
	}
	defer env.Close()

	defs, err := env.definitions()
	if err != nil {
		return err
	}
	kinds := make([]string, 0, len(defs))
	for _, def := range defs {
		if err := env.store.RegisterDefinition(ctx, def, env.engine.Clock().Next()); err != nil {
			return WrapExitError(ExitFailure, "failed to register definition", err)
		}
		kinds = append(kinds, string(def.Kind))
	}

	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if f.Format == "json" {
		return f.Success(map[string]any{"registered": kinds})
	}
	return f.Success(fmt.Sprintf("Registered %d definition(s): %s", len(kinds), strings.Join(kinds, ", ")))
}

func runDefinitionsList(opts *DefinitionsOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	opts.setupLogging(cfg.Log, cmd.ErrOrStderr())

	st, err := store.Open(cfg.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	defs, err := st.Definitions(commandContext(cmd))
	if err != nil {
		return err
	}

	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if f.Format == "json" {
		return f.Success(defs)
	}
	writeDefinitions(cmd.OutOrStdout(), defs)
	return nil
}

func writeDefinitions(w io.Writer, defs []compdef.Definition) {
	if len(defs) == 0 {
		fmt.Fprintln(w, "No definitions registered.")
		return
	}
	for _, d := range defs {
		fmt.Fprintf(w, "%-20s offset=%-10d output=%s[%d] callback=%s",
			d.Kind, d.Offset, d.Output.Shape, d.Output.Blocks, d.Callback.Action)
		if d.Callback.Layout != "" {
			fmt.Fprintf(w, " layout=%s", d.Callback.Layout)
		}
		if d.Callback.Event != "" {
			fmt.Fprintf(w, " event=%s", d.Callback.Event)
		}
		fmt.Fprintln(w)
	}
}
