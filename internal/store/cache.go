package store

import (
	"context"
	"database/sql"
	"sync"
)

// prepareSubstrate is an object that queries can be prepared on, e.g. a
// sql.DB or sql.Conn.
type prepareSubstrate interface {
	PrepareContext(context.Context, string) (*sql.Stmt, error)
}

// stmtKey names one statement of one endpoint. Endpoints are immutable and
// the hash covers the body, so a key always maps to the same SQL text.
type stmtKey struct {
	hash  string
	index int
}

// cachedStmt counts the queries currently using stmt. A retired entry is
// no longer in the cache and is closed by its last user.
type cachedStmt struct {
	stmt    *sql.Stmt
	refs    int
	retired bool
}

// stmtCache holds prepared statements per endpoint statement.
//
// The mutex must be held when accessing stmts or any entry's fields.
type stmtCache struct {
	mutex sync.Mutex
	stmts map[stmtKey]*cachedStmt
}

func newStmtCache() *stmtCache {
	return &stmtCache{stmts: map[stmtKey]*cachedStmt{}}
}

// acquire returns the cached statement for key, preparing query on ps first
// if needed. The caller must call release once it is done with the
// statement, including any rows read from it.
func (sc *stmtCache) acquire(ctx context.Context, ps prepareSubstrate, key stmtKey, query string) (*sql.Stmt, func(), error) {
	sc.mutex.Lock()
	if e, ok := sc.stmts[key]; ok {
		e.refs++
		sc.mutex.Unlock()
		return e.stmt, sc.releaser(e), nil
	}
	sc.mutex.Unlock()

	stmt, err := ps.PrepareContext(ctx, query)
	if err != nil {
		return nil, nil, err
	}

	sc.mutex.Lock()
	defer sc.mutex.Unlock()
	// Someone else may have prepared it meanwhile.
	e, ok := sc.stmts[key]
	if ok {
		stmt.Close()
	} else {
		e = &cachedStmt{stmt: stmt}
		sc.stmts[key] = e
	}
	e.refs++
	return e.stmt, sc.releaser(e), nil
}

func (sc *stmtCache) releaser(e *cachedStmt) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			sc.mutex.Lock()
			defer sc.mutex.Unlock()
			e.refs--
			if e.retired && e.refs == 0 {
				e.stmt.Close()
			}
		})
	}
}

// retain forgets statements whose hash is not in live. Statements nobody
// holds are closed now; the others close on their last release.
func (sc *stmtCache) retain(live []string) {
	keep := make(map[string]bool, len(live))
	for _, h := range live {
		keep[h] = true
	}

	sc.mutex.Lock()
	defer sc.mutex.Unlock()
	for key, e := range sc.stmts {
		if keep[key.hash] {
			continue
		}
		delete(sc.stmts, key)
		if e.refs == 0 {
			e.stmt.Close()
		} else {
			e.retired = true
		}
	}
}

func (sc *stmtCache) len() int {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()
	return len(sc.stmts)
}

// closeAll closes every statement, in use or not. Only for shutdown.
func (sc *stmtCache) closeAll() {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()
	for key, e := range sc.stmts {
		e.stmt.Close()
		delete(sc.stmts, key)
	}
}
