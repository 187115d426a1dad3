package testutil

import (
	"context"
	"slices"
	"sync"

	"github.com/roach88/sqlpoint/internal/ir"
)

// Call records one query made against a FakeDB.
type Call struct {
	Endpoint string
	Args     []any
}

// QueryFunc computes the rows for one call.
type QueryFunc func(ctx context.Context, ep *ir.Endpoint, args []any) ([]ir.Row, error)

// FakeDB is an in-memory database collaborator that returns canned rows per
// endpoint and records every call.
//
// Endpoints with nothing configured return no rows.
type FakeDB struct {
	mu    sync.Mutex
	rows  map[string][]ir.Row
	errs  map[string]error
	funcs map[string]QueryFunc
	calls []Call
}

// NewFakeDB creates an empty fake.
func NewFakeDB() *FakeDB {
	return &FakeDB{
		rows:  make(map[string][]ir.Row),
		errs:  make(map[string]error),
		funcs: make(map[string]QueryFunc),
	}
}

// SetRows makes queries for endpoint return rows.
func (f *FakeDB) SetRows(endpoint string, rows ...ir.Row) *FakeDB {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[endpoint] = rows
	return f
}

// SetError makes queries for endpoint fail with err.
func (f *FakeDB) SetError(endpoint string, err error) *FakeDB {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[endpoint] = err
	return f
}

// SetFunc computes results for endpoint with fn. It takes precedence over
// SetRows and SetError.
func (f *FakeDB) SetFunc(endpoint string, fn QueryFunc) *FakeDB {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.funcs[endpoint] = fn
	return f
}

// Query implements the database collaborator contract.
func (f *FakeDB) Query(ctx context.Context, ep *ir.Endpoint, args []any) ([]ir.Row, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Endpoint: ep.Name, Args: slices.Clone(args)})
	fn := f.funcs[ep.Name]
	rows, err := f.rows[ep.Name], f.errs[ep.Name]
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, ep, args)
	}
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return slices.Clone(rows), nil
}

// Calls returns every recorded call in order.
func (f *FakeDB) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// CallCount returns the number of recorded calls.
func (f *FakeDB) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// CallsFor returns the calls made for one endpoint.
func (f *FakeDB) CallsFor(endpoint string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if c.Endpoint == endpoint {
			out = append(out, c)
		}
	}
	return out
}
