package store

import (
	"context"
	"fmt"

	"github.com/roach88/sqlpoint/internal/ir"
)

// Driver names accepted by Open.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Store executes compiled endpoints.
type Store interface {
	// Query runs ep with positional args and returns every row.
	Query(ctx context.Context, ep *ir.Endpoint, args []any) ([]ir.Row, error)
	Ping(ctx context.Context) error
	Close() error
}

// Retainer is implemented by stores that cache per-endpoint state. Retain
// drops everything not belonging to one of the live endpoint hashes.
type Retainer interface {
	Retain(hashes []string)
}

// Peeker is implemented by stores that can run an endpoint and roll back
// everything it changed.
type Peeker interface {
	Peek(ctx context.Context, ep *ir.Endpoint, args []any) ([]ir.Row, error)
}

// PeekOnly returns a Store whose Query runs through s's Peek, so nothing
// an endpoint writes is committed.
func PeekOnly(s Store) (Store, error) {
	p, ok := s.(Peeker)
	if !ok {
		return nil, fmt.Errorf("store %T cannot roll back endpoint runs", s)
	}
	return peekStore{Store: s, peeker: p}, nil
}

type peekStore struct {
	Store
	peeker Peeker
}

func (s peekStore) Query(ctx context.Context, ep *ir.Endpoint, args []any) ([]ir.Row, error) {
	return s.peeker.Peek(ctx, ep, args)
}

// Options configures Open.
type Options struct {
	// MaxConns bounds the Postgres pool. Zero keeps the pgx default.
	MaxConns int32
}

// Open connects to the database named by driver and url.
func Open(ctx context.Context, driver, url string, opts Options) (Store, error) {
	switch driver {
	case DriverPostgres:
		return OpenPostgres(ctx, url, opts.MaxConns)
	case DriverSQLite:
		return OpenSQLite(url)
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}
}
