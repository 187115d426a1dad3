package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/sqlpoint/internal/config"
)

const starterConfig = `# sqlpoint configuration. Any scalar may be written
# {from_env: $NAME, default: value}.
source:
  root: sql
  debounce: 100ms
  unused_params: error
database:
  driver: postgres
  url: {from_env: $DATABASE_URL, default: "postgres://localhost/postgres"}
  max_conns: 10
auth:
  # algorithm: HS256
  # secret_key_base64: {from_env: $SQLPOINT_SECRET}
  token_lifetime: 1d
server:
  addr: ":8080"
  max_batch: 64
cookie:
  name: sqlpoint_token
  secure: true
  http_only: true
  same_site: lax
dispatch:
  workers: 16
  item_timeout: 30s
log:
  format: text
  level: info
`

const starterEndpoint = `-- @endpoint hello
-- @returns one
SELECT 'hello, ' || @name::TEXT AS greeting
`

// InitOptions holds flags for the init command.
type InitOptions struct {
	*RootOptions
	Dir   string
	Force bool
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "init",
		Short:         "Write a starter " + config.FileName,
		Long:          "Write a starter " + config.FileName + " and an example endpoint under sql/.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Dir, "dir", ".", "directory to initialise")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "overwrite an existing config file")

	return cmd
}

func runInit(opts *InitOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	cfgPath := filepath.Join(opts.Dir, config.FileName)
	if _, err := os.Stat(cfgPath); err == nil && !opts.Force {
		_ = formatter.Error(ErrCodeWriteFailed, cfgPath+" already exists", nil)
		return NewExitError(ExitCommandError, cfgPath+" already exists (use --force to overwrite)")
	}

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return WrapExitError(ExitCommandError, "failed to create directory", err)
	}
	if err := os.WriteFile(cfgPath, []byte(starterConfig), 0o644); err != nil {
		_ = formatter.Error(ErrCodeWriteFailed, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to write config", err)
	}
	written := []string{cfgPath}

	// Only seed an example when the source root is absent.
	root := filepath.Join(opts.Dir, "sql")
	if _, err := os.Stat(root); errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return WrapExitError(ExitCommandError, "failed to create source root", err)
		}
		example := filepath.Join(root, "hello.sql")
		if err := os.WriteFile(example, []byte(starterEndpoint), 0o644); err != nil {
			return WrapExitError(ExitCommandError, "failed to write example", err)
		}
		written = append(written, example)
	}

	if formatter.Format == "json" {
		return formatter.Success(map[string]any{"written": written})
	}
	for _, p := range written {
		fmt.Fprintf(formatter.Writer, "Wrote %s\n", p)
	}
	return nil
}
