package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/sqlpoint/internal/config"
	"github.com/roach88/sqlpoint/internal/logger"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
	Format     string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the sqlpoint CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "sqlpoint",
		Short: "sqlpoint - annotated SQL files as HTTP endpoints",
		Long: `Serve annotated SQL files as typed, batched HTTP endpoints.

Each .sql file under the source root declares one endpoint in comment
directives (-- @endpoint, -- @auth, -- @param, -- @returns) and references
typed parameters inline as @name::TYPE.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (default: nearest "+config.FileName+")")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewCompileCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewInitCommand(opts))

	return cmd
}

// loadConfig loads --config, or the nearest config file. Without --config a
// missing file yields the defaults when optional is set.
func (o *RootOptions) loadConfig(optional bool) (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err == nil {
		return cfg, nil
	}
	if optional && o.ConfigPath == "" && errors.Is(err, config.ErrNotFound) {
		return config.Default(), nil
	}
	return nil, WrapExitError(ExitCommandError, "failed to load config", err)
}

// newLogger builds the command logger. --verbose forces debug and --format
// json forces JSON records.
func (o *RootOptions) newLogger(w io.Writer, cfg *config.Config) (*slog.Logger, error) {
	lo := logger.Options{Format: cfg.Log.Format, Level: cfg.Log.Level}
	if o.Verbose {
		lo.Level = "debug"
	}
	if o.Format == "json" {
		lo.Format = "json"
	}
	return logger.New(w, lo)
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   o.Verbose,
	}
}
