// Package dispatch executes batches of endpoint calls.
//
// A batch is served from a single registry snapshot, so a reload that lands
// mid-batch is never observed by it. Items run concurrently on a bounded
// pool, fail independently and come back in input order.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/sqlpoint/internal/ir"
	"github.com/roach88/sqlpoint/internal/registry"
)

// DefaultWorkers bounds concurrent items when Options.Workers is unset.
const DefaultWorkers = 16

// DB executes a compiled endpoint with positional arguments.
type DB interface {
	Query(ctx context.Context, ep *ir.Endpoint, args []any) ([]ir.Row, error)
}

// Registry provides the current endpoint snapshot.
type Registry interface {
	Snapshot() *registry.Snapshot
}

// Gate verifies and issues tokens.
type Gate interface {
	Verify(token string, maxAge time.Duration) (string, error)
	Issue(row ir.Row, lifetime time.Duration) (string, error)
}

// Item is one requested call.
type Item struct {
	Endpoint string         `json:"endpoint" validate:"required"`
	Payload  map[string]any `json:"payload"`
}

// Status is the outcome of one item.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Result is the outcome of one item. Data is set on success; Kind and
// Message on error.
type Result struct {
	Status   Status
	Endpoint string
	Data     any
	Kind     Kind
	Message  string
	Param    string
	Err      error
}

// MarshalJSON writes data for successes (including a null optional row)
// and kind/message for errors.
func (r Result) MarshalJSON() ([]byte, error) {
	if r.Status == StatusSuccess {
		return json.Marshal(struct {
			Status   Status `json:"status"`
			Endpoint string `json:"endpoint"`
			Data     any    `json:"data"`
		}{r.Status, r.Endpoint, r.Data})
	}
	return json.Marshal(struct {
		Status   Status `json:"status"`
		Endpoint string `json:"endpoint"`
		Kind     Kind   `json:"kind"`
		Message  string `json:"message"`
		Param    string `json:"param,omitempty"`
	}{r.Status, r.Endpoint, r.Kind, r.Message, r.Param})
}

// Token returns the issued token of a successful issue-mode result.
func (r Result) Token() (string, bool) {
	s, ok := r.Data.(string)
	return s, ok && r.Status == StatusSuccess
}

func success(endpoint string, data any) Result {
	return Result{Status: StatusSuccess, Endpoint: endpoint, Data: data}
}

func failure(err *Error) Result {
	return Result{
		Status:   StatusError,
		Endpoint: err.Endpoint,
		Kind:     err.Kind,
		Message:  err.Error(),
		Param:    err.Param,
		Err:      err,
	}
}

// Options configures a Dispatcher.
type Options struct {
	// Workers bounds the number of items in flight per batch.
	Workers int
	// ItemTimeout, when positive, bounds each database call.
	ItemTimeout time.Duration
	Logger      *slog.Logger
}

// Dispatcher runs batch items against the registry and database.
type Dispatcher struct {
	reg     Registry
	db      DB
	gate    Gate
	workers int
	timeout time.Duration
	logger  *slog.Logger
}

// New returns a Dispatcher. gate may be nil, in which case endpoints that
// need authentication fail with KindAuth.
func New(reg Registry, db DB, gate Gate, opts Options) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Dispatcher{
		reg:     reg,
		db:      db,
		gate:    gate,
		workers: opts.Workers,
		timeout: opts.ItemTimeout,
		logger:  opts.Logger,
	}
}

// Dispatch runs items concurrently and returns one result per item, in
// input order. token is the caller's presented token, possibly empty.
func (d *Dispatcher) Dispatch(ctx context.Context, token string, items []Item) []Result {
	snap := d.reg.Snapshot()
	results := make([]Result, len(items))

	var g errgroup.Group
	g.SetLimit(d.workers)
	for i, it := range items {
		g.Go(func() error {
			results[i] = d.run(ctx, snap, token, it)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Issue runs a single issue-mode item, the login boundary. On success the
// result data is the signed token.
func (d *Dispatcher) Issue(ctx context.Context, it Item) Result {
	snap := d.reg.Snapshot()
	ep, ok := snap.Lookup(it.Endpoint)
	if !ok {
		return failure(&Error{Endpoint: it.Endpoint, Kind: KindUnknownEndpoint})
	}
	if ep.Auth.Mode != ir.AuthIssue {
		return failure(&Error{
			Endpoint: it.Endpoint,
			Kind:     KindWrongMode,
			Err:      fmt.Errorf("endpoint does not issue tokens"),
		})
	}
	return d.run(ctx, snap, "", it)
}

func (d *Dispatcher) run(ctx context.Context, snap *registry.Snapshot, token string, it Item) Result {
	start := time.Now()
	data, err := d.call(ctx, snap, token, it)
	if err != nil {
		var de *Error
		if !errors.As(err, &de) {
			de = &Error{Endpoint: it.Endpoint, Kind: KindDBError, Err: err}
		}
		level := slog.LevelDebug
		if de.Kind == KindDBError {
			level = slog.LevelWarn
		}
		d.logger.Log(ctx, level, "item failed",
			"endpoint", it.Endpoint,
			"kind", de.Kind,
			"error", de.Error(),
			"duration", time.Since(start))
		return failure(de)
	}
	d.logger.Debug("item done",
		"endpoint", it.Endpoint,
		"snapshot", snap.Version(),
		"duration", time.Since(start))
	return success(it.Endpoint, data)
}

func (d *Dispatcher) call(ctx context.Context, snap *registry.Snapshot, token string, it Item) (any, error) {
	ep, ok := snap.Lookup(it.Endpoint)
	if !ok {
		return nil, &Error{Endpoint: it.Endpoint, Kind: KindUnknownEndpoint}
	}

	var subject string
	if ep.Auth.Mode == ir.AuthVerify {
		if d.gate == nil {
			return nil, &Error{Endpoint: ep.Name, Kind: KindAuth, Err: errors.New("authentication is not configured")}
		}
		sub, err := d.gate.Verify(token, seconds(ep.Auth.Seconds))
		if err != nil {
			return nil, &Error{Endpoint: ep.Name, Kind: KindAuth, Err: err}
		}
		subject = sub
	}

	args, err := Bind(ep, it.Payload, subject)
	if err != nil {
		return nil, err
	}

	qctx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		qctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	rows, err := d.db.Query(qctx, ep, args)
	if err != nil {
		return nil, &Error{Endpoint: ep.Name, Kind: KindDBError, Err: err}
	}

	return d.shape(ep, rows)
}

// shape fits rows to the endpoint's cardinality, or signs a token for
// issue-mode endpoints.
func (d *Dispatcher) shape(ep *ir.Endpoint, rows []ir.Row) (any, error) {
	mismatch := func(want string) error {
		return &Error{Endpoint: ep.Name, Kind: KindCardinality,
			Err: fmt.Errorf("expected %s, got %d rows", want, len(rows))}
	}

	if ep.Auth.Mode == ir.AuthIssue {
		if len(rows) != 1 {
			return nil, mismatch("exactly one row")
		}
		if d.gate == nil {
			return nil, &Error{Endpoint: ep.Name, Kind: KindAuth, Err: errors.New("authentication is not configured")}
		}
		token, err := d.gate.Issue(rows[0], seconds(ep.Auth.Seconds))
		if err != nil {
			return nil, &Error{Endpoint: ep.Name, Kind: KindAuth, Err: err}
		}
		return token, nil
	}

	switch ep.Returns {
	case ir.ReturnsOne:
		if len(rows) != 1 {
			return nil, mismatch("exactly one row")
		}
		return rows[0], nil
	case ir.ReturnsOptional:
		switch len(rows) {
		case 0:
			return nil, nil
		case 1:
			return rows[0], nil
		default:
			return nil, mismatch("at most one row")
		}
	default:
		if rows == nil {
			rows = []ir.Row{}
		}
		return rows, nil
	}
}

func seconds(n int64) time.Duration {
	return time.Duration(n) * time.Second
}
