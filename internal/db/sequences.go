package db

import (
	"context"
	"database/sql"
	"fmt"
)

// NextSequence implements C1: atomically increments the named counter and
// returns the post-increment value. The increment is issued on a
// dedicated connection obtained via DB.Conn, never on the caller's
// transaction — running it inside the main pick/putaway transaction was
// observed to produce a database-level error (implicit transaction
// imbalance). The connection is released before this call returns, well
// before the transaction engine opens its own scope.
//
// A failed pick/putaway does not roll back a sequence number issued
// here; gaps in BT/PT numbering are expected and tolerated (§4.1).
func (q *Queries) NextSequence(ctx context.Context, counter SequenceCounter) (int64, error) {
	conn, err := q.db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire sequence connection: %w", err)
	}
	defer conn.Close()

	var next int64
	row := conn.QueryRowContext(ctx,
		`UPDATE sequence_counters SET current_value = current_value + 1
		 WHERE name = $1
		 RETURNING current_value`,
		string(counter))
	if err := row.Scan(&next); err != nil {
		if err == sql.ErrNoRows {
			// Missing counter row is a fatal configuration error, not
			// something to fabricate a starting value for (§4.1).
			return 0, fmt.Errorf("sequence counter %q is not configured", counter)
		}
		return 0, fmt.Errorf("increment sequence %q: %w", counter, err)
	}

	return next, nil
}

// FormatDocumentNo renders the document sequence as BT-########.
func FormatDocumentNo(seq int64) string {
	return fmt.Sprintf("BT-%08d", seq)
}
