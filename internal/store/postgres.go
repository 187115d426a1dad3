package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roach88/sqlpoint/internal/ir"
)

// Postgres runs endpoints on a PostgreSQL connection pool. Statements are
// cached per connection by pgx itself.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects a pool to url and checks it with a ping.
// maxConns <= 0 keeps the pgx default.
func OpenPostgres(ctx context.Context, url string, maxConns int32) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Pool returns the underlying pool.
func (p *Postgres) Pool() *pgxpool.Pool {
	return p.pool
}

// Query runs the compiled body of ep with positional args. A body of
// several statements runs in one transaction and returns the rows of the
// last statement.
func (p *Postgres) Query(ctx context.Context, ep *ir.Endpoint, args []any) ([]ir.Row, error) {
	if ep.StatementCount() <= 1 {
		return collectRows(p.pool.Query(ctx, ep.Body, args...))
	}
	return p.run(ctx, ep, args, false)
}

// Peek runs ep like Query inside a transaction that is always rolled back.
func (p *Postgres) Peek(ctx context.Context, ep *ir.Endpoint, args []any) ([]ir.Row, error) {
	return p.run(ctx, ep, args, true)
}

func (p *Postgres) run(ctx context.Context, ep *ir.Endpoint, args []any, rollback bool) ([]ir.Row, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin %s: %w", ep.Name, err)
	}
	// Rolling back a committed transaction is a no-op.
	defer func() { _ = tx.Rollback(ctx) }()

	var out []ir.Row
	for _, st := range ep.Statements(ir.PostgresPlaceholder) {
		if out, err = collectRows(tx.Query(ctx, st.SQL, st.Bind(args)...)); err != nil {
			return nil, err
		}
	}
	if rollback {
		return out, nil
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit %s: %w", ep.Name, err)
	}
	return out, nil
}

func collectRows(rows pgx.Rows, err error) ([]ir.Row, error) {
	if err != nil {
		return nil, err
	}
	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, err
	}
	out := make([]ir.Row, len(maps))
	for i, m := range maps {
		out[i] = ir.Row(m)
	}
	return out, nil
}

// Ping checks a pooled connection.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close closes every pooled connection.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
