package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/sqlpoint/internal/registry"
	"github.com/roach88/sqlpoint/internal/server"
	"github.com/roach88/sqlpoint/internal/watcher"
)

// ShutdownTimeout bounds graceful HTTP shutdown.
const ShutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr    string
	NoWatch bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the source tree over HTTP",
		Long: `Compile the source tree, connect to the database and serve the
endpoints over HTTP. Source files are watched and recompiled on change;
requests always see one consistent registry snapshot.

Example:
  sqlpoint serve
  sqlpoint serve -c ./deploy/sqlpoint.yaml --addr :9090`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&opts.NoWatch, "no-watch", false, "do not watch the source tree for changes")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig(false)
	if err != nil {
		return err
	}
	if opts.Addr != "" {
		cfg.Server.Addr = opts.Addr
	}
	sameSite, err := server.ParseSameSite(cfg.Cookie.SameSite)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid config", err)
	}

	logger, err := opts.newLogger(cmd.ErrOrStderr(), cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid log settings", err)
	}
	logger.Info("config loaded", "path", cfg.Path)

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	rt, err := openRuntime(ctx, cfg, logger, runtimeOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(); cerr != nil {
			logger.Error("error closing database", "error", cerr)
		}
	}()

	srv := server.New(rt.disp, rt.reg, server.Options{
		MaxBatch:       cfg.Server.MaxBatch,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Cookie: server.Cookie{
			Name:     cfg.Cookie.Name,
			Domain:   cfg.Cookie.Domain,
			Path:     cfg.Cookie.Path,
			Secure:   cfg.Cookie.Secure,
			HTTPOnly: cfg.Cookie.HTTPOnly,
			SameSite: sameSite,
		},
		Logger: logger,
	})
	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	if !opts.NoWatch {
		w := watcher.New(rt.reg, watcher.Options{
			Debounce: cfg.Source.Debounce.Std(),
			Logger:   logger,
			OnChange: func(c registry.Change) {
				if c.Outcome == registry.OutcomePublished {
					rt.retain()
				}
			},
		})
		g.Go(func() error {
			return w.Run(gctx)
		})
	}

	g.Go(func() error {
		logger.Info("listening", "addr", cfg.Server.Addr)
		fmt.Fprintf(cmd.OutOrStdout(), "Serving %d endpoint(s) on %s\n", rt.reg.Snapshot().Len(), cfg.Server.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer done()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "server error", err)
	}
	logger.Info("server stopped gracefully")
	return nil
}
