package db

import (
	"database/sql"
)

// Queries provides access to all picking-domain database operations. It
// wraps the shared connection pool; individual concerns (sequences,
// inventory, allocations, runs, auth, audit, putaway, jobs) are split
// across sibling files in this package, each adding methods to Queries.
type Queries struct {
	db *sql.DB
}

// New creates a new Queries instance around an already-configured pool.
func New(database *sql.DB) *Queries {
	return &Queries{db: database}
}

// DB returns the underlying connection pool. The sequence allocator and
// the transaction engines use this directly to acquire the dedicated
// connections §5 requires, rather than going through a shared *sql.Tx.
func (q *Queries) DB() *sql.DB {
	return q.db
}
