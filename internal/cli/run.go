package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/sqlpoint/internal/dispatch"
	"github.com/roach88/sqlpoint/internal/ir"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Token string
	Peek  bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <endpoint> [name=value ...]",
		Short: "Call one endpoint against the configured database",
		Long: `Call one endpoint the way the server would, without starting it.

Each name=value pair becomes a payload field. Values are parsed as JSON
literals and fall back to plain strings, so uid=7 binds a number and
email=a@b.c binds a string. Issue-mode endpoints print the signed token.

With --peek the call runs inside a transaction that is rolled back, so
you can see what a write would return without keeping it.

Example:
  sqlpoint run get_user uid=7
  sqlpoint run my_notes tag=work --token "$TOKEN"
  sqlpoint run signup email=a@b.c password=secret --peek`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEndpoint(opts, args[0], args[1:], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Token, "token", "", "token presented to verify-mode endpoints")
	cmd.Flags().BoolVar(&opts.Peek, "peek", false, "roll back instead of committing")

	return cmd
}

func runEndpoint(opts *RunOptions, name string, pairs []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	payload, err := parsePayload(pairs)
	if err != nil {
		_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid arguments", err)
	}

	cfg, err := opts.loadConfig(false)
	if err != nil {
		_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
		return err
	}
	logger, err := opts.newLogger(formatter.GetErrWriter(), cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid log settings", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := openRuntime(ctx, cfg, logger, runtimeOptions{Peek: opts.Peek})
	if err != nil {
		_ = formatter.Error(ErrCodeDatabase, err.Error(), nil)
		return err
	}
	defer func() {
		if cerr := rt.Close(); cerr != nil {
			logger.Error("error closing database", "error", cerr)
		}
	}()

	item := dispatch.Item{Endpoint: name, Payload: payload}
	var res dispatch.Result
	if ep, ok := rt.reg.Snapshot().Lookup(name); ok && ep.Auth.Mode == ir.AuthIssue {
		res = rt.disp.Issue(ctx, item)
	} else {
		res = rt.disp.Dispatch(ctx, opts.Token, []dispatch.Item{item})[0]
	}

	if err := printResult(formatter, res); err != nil {
		return err
	}
	if res.Status != dispatch.StatusSuccess {
		return NewExitError(ExitFailure, res.Message)
	}
	return nil
}

func printResult(formatter *OutputFormatter, res dispatch.Result) error {
	if formatter.Format == "json" {
		if res.Status == dispatch.StatusSuccess {
			return formatter.Success(res)
		}
		return formatter.encode(Response{
			Status: "error",
			Error:  &ResponseError{Code: string(res.Kind), Message: res.Message},
			Data:   res,
		})
	}

	if res.Status != dispatch.StatusSuccess {
		return formatter.Error(string(res.Kind), res.Message, nil)
	}
	return writeIndented(formatter.Writer, res.Data)
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parsePayload turns name=value pairs into a payload. Values that parse as
// a JSON literal keep their JSON type; anything else is a string.
func parsePayload(pairs []string) (map[string]any, error) {
	payload := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("argument %q is not name=value", pair)
		}
		if _, dup := payload[name]; dup {
			return nil, fmt.Errorf("parameter %q given twice", name)
		}
		payload[name] = parseValue(raw)
	}
	return payload, nil
}

func parseValue(raw string) any {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return raw
	}
	return v
}
