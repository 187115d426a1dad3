package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/sqlpoint/internal/compiler"
	"github.com/roach88/sqlpoint/internal/ir"
)

// Error codes for command-level failures. Compile diagnostics carry their
// own E1xx codes.
const (
	ErrCodeGeneric     = "E001"
	ErrCodeReadFailed  = "E002"
	ErrCodeWriteFailed = "E003"
	ErrCodeConfig      = "E004"
	ErrCodeDatabase    = "E005"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Output string // output file path
}

// CompileResult is the JSON payload of the compile command.
type CompileResult struct {
	Endpoint    *ir.Endpoint         `json:"endpoint,omitempty"`
	Diagnostics compiler.Diagnostics `json:"diagnostics,omitempty"`
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <file.sql>",
		Short: "Compile one SQL file and print the endpoint",
		Long: `Compile one annotated SQL file and print the compiled endpoint:
its name, auth mode, cardinality, ordered parameters, rewritten body and
content hash. Diagnostics are printed and the command exits 1 on errors.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write the endpoint as JSON to this file")

	return cmd
}

func runCompile(opts *CompileOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	cfg, err := opts.loadConfig(true)
	if err != nil {
		return err
	}

	src, err := os.ReadFile(path)
	if err != nil {
		_ = formatter.Error(ErrCodeReadFailed, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to read source", err)
	}

	file := filepath.ToSlash(filepath.Clean(path))
	formatter.VerboseLog("Compiling %s", file)
	ep, diags := compiler.Compile(file, string(src), cfg.Source.CompilerOptions())

	if ep == nil {
		return outputCompileErrors(formatter, diags)
	}

	if opts.Output != "" {
		if err := writeEndpoint(ep, opts.Output); err != nil {
			_ = formatter.Error(ErrCodeWriteFailed, fmt.Sprintf("writing output file: %v", err), nil)
			return WrapExitError(ExitCommandError, "failed to write output", err)
		}
	}

	if formatter.Format == "json" {
		return formatter.Success(CompileResult{Endpoint: ep, Diagnostics: diags})
	}
	printEndpoint(formatter.Writer, ep)
	printDiagnostics(formatter.Writer, diags)
	if opts.Output != "" {
		fmt.Fprintf(formatter.Writer, "\nWrote endpoint to %s\n", opts.Output)
	}
	return nil
}

func outputCompileErrors(formatter *OutputFormatter, diags compiler.Diagnostics) error {
	errs := diags.Errors()
	if formatter.Format == "json" {
		first := errs[0]
		resp := Response{
			Status: "error",
			Error:  &ResponseError{Code: first.Code, Message: first.Message, Details: first},
			Data:   CompileResult{Diagnostics: diags},
		}
		if err := formatter.encode(resp); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(formatter.Writer, "\u2717 Compilation failed")
		fmt.Fprintln(formatter.Writer)
		printDiagnostics(formatter.Writer, diags)
	}
	return NewExitError(ExitFailure, fmt.Sprintf("compilation failed with %d error(s)", len(errs)))
}

func printEndpoint(w io.Writer, ep *ir.Endpoint) {
	fmt.Fprintf(w, "\u2713 %s (%s)\n", ep.Name, ep.File)
	switch ep.Auth.Mode {
	case ir.AuthVerify:
		fmt.Fprintf(w, "  auth:    verify%s\n", secondsSuffix(" max_age=", ep.Auth.Seconds))
	case ir.AuthIssue:
		fmt.Fprintf(w, "  auth:    issue%s\n", secondsSuffix(" lifetime=", ep.Auth.Seconds))
	default:
		fmt.Fprintln(w, "  auth:    none")
	}
	fmt.Fprintf(w, "  returns: %s\n", ep.Returns)
	if len(ep.Params) > 0 {
		fmt.Fprintln(w, "  params:")
		for _, p := range ep.Params {
			fmt.Fprintf(w, "    $%d %s %s (%s)\n", p.Position, p.Name, p.Type, p.Source)
		}
	}
	fmt.Fprintf(w, "  hash:    %s\n\n", ep.Hash)
	fmt.Fprintln(w, ep.Body)
}

func secondsSuffix(label string, secs int64) string {
	if secs == 0 {
		return ""
	}
	return fmt.Sprintf("%s%ds", label, secs)
}

func printDiagnostics(w io.Writer, diags compiler.Diagnostics) {
	for _, d := range diags {
		fmt.Fprintf(w, "%s: %s\n", d.Severity, d.Error())
	}
}

func writeEndpoint(ep *ir.Endpoint, filename string) error {
	data, err := json.MarshalIndent(ep, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling endpoint: %w", err)
	}
	if err := os.WriteFile(filename, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing file: %w", err)
	}
	return nil
}
