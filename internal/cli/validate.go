package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/sqlpoint/internal/compiler"
	"github.com/roach88/sqlpoint/internal/registry"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid       bool                 `json:"valid"`
	Root        string               `json:"root"`
	Endpoints   []string             `json:"endpoints"`
	Diagnostics compiler.Diagnostics `json:"diagnostics,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [dir]",
		Short: "Compile every source file and report diagnostics",
		Long: `Compile every .sql file under dir (default: source.root from the config)
the same way the server does at startup, including name collisions.
Exits 1 if any file has an error.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			}
			return runValidate(rootOpts, dir, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, dir string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	cfg, err := opts.loadConfig(true)
	if err != nil {
		return err
	}
	if dir == "" {
		dir = cfg.Source.Root
	}

	reg := registry.New(dir, cfg.Source.CompilerOptions(), nil)
	if err := reg.Build(); err != nil {
		_ = formatter.Error(ErrCodeReadFailed, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load sources", err)
	}

	snap := reg.Snapshot()
	status := reg.Status()
	result := ValidationResult{
		Valid:       !status.HasErrors(),
		Root:        reg.Root(),
		Endpoints:   make([]string, 0, snap.Len()),
		Diagnostics: status.All(),
	}
	for _, ep := range snap.Endpoints() {
		formatter.VerboseLog("Compiled %s from %s", ep.Name, ep.File)
		result.Endpoints = append(result.Endpoints, ep.Name)
	}

	if formatter.Format == "json" {
		if result.Valid {
			if err := formatter.Success(result); err != nil {
				return err
			}
		} else {
			first := result.Diagnostics.Errors()[0]
			if err := formatter.encode(Response{
				Status: "error",
				Error:  &ResponseError{Code: first.Code, Message: first.Error()},
				Data:   result,
			}); err != nil {
				return err
			}
		}
	} else {
		printDiagnostics(formatter.Writer, result.Diagnostics)
		if result.Valid {
			fmt.Fprintf(formatter.Writer, "\u2713 %d endpoint(s) valid\n", len(result.Endpoints))
		} else {
			fmt.Fprintf(formatter.Writer, "\u2717 %d error(s), %d endpoint(s) valid\n",
				len(result.Diagnostics.Errors()), len(result.Endpoints))
		}
	}

	if !result.Valid {
		return NewExitError(ExitFailure, "validation failed")
	}
	return nil
}
