package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/sqlpoint/internal/auth"
	"github.com/roach88/sqlpoint/internal/config"
	"github.com/roach88/sqlpoint/internal/dispatch"
	"github.com/roach88/sqlpoint/internal/registry"
	"github.com/roach88/sqlpoint/internal/store"
)

// runtime is everything a command needs to call endpoints.
type runtime struct {
	reg   *registry.Registry
	store store.Store
	gate  *auth.Gate // nil when auth is not configured
	disp  *dispatch.Dispatcher
}

// runtimeOptions tweaks openRuntime for a single command.
type runtimeOptions struct {
	// Peek rolls back every endpoint call instead of committing it.
	Peek bool
}

// openRuntime builds the registry, connects to the database and prepares
// the gate and dispatcher. Failures here are fatal startup errors.
func openRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger, ropts runtimeOptions) (*runtime, error) {
	reg := registry.New(cfg.Source.Root, cfg.Source.CompilerOptions(), logger)
	if err := reg.Build(); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load sources", err)
	}

	var gate *auth.Gate
	if cfg.AuthEnabled() {
		gc, err := cfg.Auth.GateConfig()
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load signing key", err)
		}
		if gate, err = auth.NewGate(gc); err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to create auth gate", err)
		}
		logger.Info("auth enabled", "algorithm", gate.Algorithm(), "can_issue", gate.CanIssue())
	}

	if cfg.Database.URL == "" {
		return nil, WrapExitError(ExitCommandError, "invalid config", errors.New("database.url is required"))
	}
	st, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.URL, store.Options{MaxConns: cfg.Database.MaxConns})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	if err := st.Ping(ctx); err != nil {
		_ = st.Close()
		return nil, WrapExitError(ExitCommandError, "database unreachable", err)
	}
	logger.Info("database ready", "driver", cfg.Database.Driver)

	backend := st
	if ropts.Peek {
		if backend, err = store.PeekOnly(st); err != nil {
			_ = st.Close()
			return nil, WrapExitError(ExitCommandError, "peek unavailable", err)
		}
		logger.Info("peek mode: endpoint changes are rolled back")
	}

	// A nil *auth.Gate must not reach the dispatcher as a non-nil interface.
	var dg dispatch.Gate
	if gate != nil {
		dg = gate
	}
	disp := dispatch.New(reg, backend, dg, dispatch.Options{
		Workers:     cfg.Dispatch.Workers,
		ItemTimeout: cfg.Dispatch.ItemTimeout.Std(),
		Logger:      logger,
	})

	return &runtime{reg: reg, store: st, gate: gate, disp: disp}, nil
}

// retain drops store caches for endpoints no longer in the snapshot.
func (rt *runtime) retain() {
	r, ok := rt.store.(store.Retainer)
	if !ok {
		return
	}
	eps := rt.reg.Snapshot().Endpoints()
	hashes := make([]string, len(eps))
	for i, ep := range eps {
		hashes[i] = ep.Hash
	}
	r.Retain(hashes)
}

func (rt *runtime) Close() error {
	if err := rt.store.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
