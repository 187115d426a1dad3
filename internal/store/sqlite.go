package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/sqlpoint/internal/ir"
)

// SQLite runs endpoints on a SQLite database.
type SQLite struct {
	db    *sql.DB
	cache *stmtCache
}

// OpenSQLite creates or opens a SQLite database at path (":memory:" for an
// in-memory database) and applies the required pragmas.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, and an in-memory database
	// lives on a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	return &SQLite{db: db, cache: newStmtCache()}, nil
}

// DB returns the underlying handle, for schema setup and tests.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

// Close closes prepared statements and the database.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	s.cache.closeAll()
	return s.db.Close()
}

// Ping checks the connection.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Retain drops prepared statements of endpoints that are gone.
func (s *SQLite) Retain(hashes []string) {
	s.cache.retain(hashes)
}

// Query runs ep with positional args. A body of several statements runs in
// one transaction and returns the rows of the last statement.
func (s *SQLite) Query(ctx context.Context, ep *ir.Endpoint, args []any) ([]ir.Row, error) {
	return s.run(ctx, ep, args, false)
}

// Peek runs ep like Query inside a transaction that is always rolled back.
func (s *SQLite) Peek(ctx context.Context, ep *ir.Endpoint, args []any) ([]ir.Row, error) {
	return s.run(ctx, ep, args, true)
}

func (s *SQLite) run(ctx context.Context, ep *ir.Endpoint, args []any, rollback bool) ([]ir.Row, error) {
	stmts := ep.Statements(sqlitePlaceholder)

	// Prepare everything before the transaction takes the only connection.
	prepared := make([]*sql.Stmt, len(stmts))
	for i, st := range stmts {
		stmt, release, err := s.cache.acquire(ctx, s.db, stmtKey{hash: ep.Hash, index: i}, st.SQL)
		if err != nil {
			return nil, fmt.Errorf("prepare %s: %w", ep.Name, err)
		}
		defer release()
		prepared[i] = stmt
	}

	if len(stmts) == 1 && !rollback {
		rows, err := prepared[0].QueryContext(ctx, stmts[0].Bind(args)...)
		if err != nil {
			return nil, err
		}
		return scanRows(rows)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin %s: %w", ep.Name, err)
	}
	defer func() { _ = tx.Rollback() }()

	var out []ir.Row
	for i, st := range stmts {
		rows, err := tx.StmtContext(ctx, prepared[i]).QueryContext(ctx, st.Bind(args)...)
		if err != nil {
			return nil, err
		}
		if out, err = scanRows(rows); err != nil {
			return nil, err
		}
	}
	if rollback {
		return out, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit %s: %w", ep.Name, err)
	}
	return out, nil
}

// RenderSQLite renders the endpoint body with SQLite placeholders.
func RenderSQLite(ep *ir.Endpoint) string {
	return ep.Render(sqlitePlaceholder)
}

// sqlitePlaceholder renders ?N, cast to the affinity of the declared type.
func sqlitePlaceholder(p ir.Param) string {
	affinity := sqliteAffinity(p.Type)
	if affinity == "" {
		return fmt.Sprintf("?%d", p.Position)
	}
	return fmt.Sprintf("CAST(?%d AS %s)", p.Position, affinity)
}

// sqliteAffinity maps a declared type to a SQLite type affinity, following
// SQLite's own column affinity rules. Arrays and JSON stay text. An empty
// result means no cast.
func sqliteAffinity(typ string) string {
	t := strings.ToUpper(typ)
	switch {
	case strings.HasSuffix(t, "[]"), strings.Contains(t, "JSON"):
		return "TEXT"
	case strings.HasPrefix(t, "BOOL"):
		return "INTEGER"
	case strings.Contains(t, "INT"):
		return "INTEGER"
	case strings.Contains(t, "CHAR"), strings.Contains(t, "CLOB"), strings.Contains(t, "TEXT"),
		strings.Contains(t, "UUID"):
		return "TEXT"
	case strings.Contains(t, "BLOB"), strings.Contains(t, "BYTEA"):
		return "BLOB"
	case strings.Contains(t, "REAL"), strings.Contains(t, "FLOA"), strings.Contains(t, "DOUB"):
		return "REAL"
	case strings.Contains(t, "NUMERIC"), strings.Contains(t, "DECIMAL"):
		return "NUMERIC"
	default:
		return ""
	}
}

// scanRows reads every row into a column-keyed map and closes rows.
func scanRows(rows *sql.Rows) ([]ir.Row, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []ir.Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(ir.Row, len(cols))
		for i, col := range cols {
			row[col] = vals[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *SQLite) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
