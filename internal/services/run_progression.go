package services

import (
	"context"
	"fmt"
	"time"

	"github.com/nwfth/partial-picking/internal/apperrors"
	"github.com/nwfth/partial-picking/internal/db"
)

// RunProgressionEngine is C5: tracks per-ingredient, per-pallet, and
// per-run completion, and drives the NEW<->PRINT status transitions.
type RunProgressionEngine struct {
	queries *db.Queries
}

func NewRunProgressionEngine(queries *db.Queries) *RunProgressionEngine {
	return &RunProgressionEngine{queries: queries}
}

// IngredientCompletion reports the allocation-derived completion state
// for one item_key within a run. The allocation table is the source of
// truth here, not batch_lines.picked_units, because that aggregate has
// repeatedly gone stale or null for untouched rows (§4.5, §9).
type IngredientCompletion struct {
	ItemKey      string
	ToPickUnits  float64
	PickedUnits  float64
	Completed    bool
}

// IngredientCompletionStatus computes completion for every item_key in
// the run, deriving picked_units from SUM(alloc_lot_qty / pack_size)
// over the allocation table rather than trusting batch_lines directly.
func (e *RunProgressionEngine) IngredientCompletionStatus(ctx context.Context, runNo string) ([]IngredientCompletion, error) {
	rows, err := e.queries.DB().QueryContext(ctx, `
		SELECT b.item_key,
		       SUM(b.to_pick_units) AS to_pick_units,
		       COALESCE(MAX(a.picked_from_allocations), 0) AS picked_units
		FROM batch_lines b
		LEFT JOIN (
			SELECT run_no, item_key, SUM(qty_received / pack_size_kg) AS picked_from_allocations
			FROM allocations
			WHERE run_no = $1
			GROUP BY run_no, item_key
		) a ON a.run_no = b.run_no AND a.item_key = b.item_key
		WHERE b.run_no = $1
		GROUP BY b.item_key`, runNo)
	if err != nil {
		return nil, fmt.Errorf("ingredient completion status: %w", err)
	}
	defer rows.Close()

	var out []IngredientCompletion
	for rows.Next() {
		var ic IngredientCompletion
		if err := rows.Scan(&ic.ItemKey, &ic.ToPickUnits, &ic.PickedUnits); err != nil {
			return nil, fmt.Errorf("scan ingredient completion: %w", err)
		}
		ic.Completed = ic.PickedUnits >= ic.ToPickUnits
		out = append(out, ic)
	}
	return out, rows.Err()
}

// RunCompleted implements §4.5's run-completion predicate: there exists
// no pallet (batch-line) with to_pick_units > 0 whose picked_units is
// null or less than to_pick_units. This is pallet-level, not
// ingredient-level — every pallet must individually be satisfied.
func (e *RunProgressionEngine) RunCompleted(ctx context.Context, runNo string) (bool, error) {
	var incomplete int
	err := e.queries.DB().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM batch_lines
		WHERE run_no = $1 AND to_pick_units > 0
		  AND (picked_units IS NULL OR picked_units < to_pick_units)`, runNo).Scan(&incomplete)
	if err != nil {
		return false, fmt.Errorf("run completed check: %w", err)
	}
	return incomplete == 0, nil
}

// CheckAndCompleteRun attempts the terminal NEW -> PRINT transition after
// a successful pick. The UPDATE is conditioned on status = 'NEW' to
// prevent duplicate transitions under concurrent completions (§4.5).
// Returns whether this call performed the transition.
func (e *RunProgressionEngine) CheckAndCompleteRun(ctx context.Context, runNo string, now time.Time, userID string) (bool, error) {
	completed, err := e.RunCompleted(ctx, runNo)
	if err != nil {
		return false, err
	}
	if !completed {
		return false, nil
	}

	res, err := e.queries.DB().ExecContext(ctx, `
		UPDATE runs SET status = 'PRINT' WHERE run_no = $1 AND status = 'NEW'`, runNo)
	if err != nil {
		return false, fmt.Errorf("complete run status: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// RevertStatus implements the manual PRINT -> NEW revert. Only permitted
// from PRINT; calling it when the run is already NEW is a no-op with an
// informative result, not an error (§8 idempotence laws).
func (e *RunProgressionEngine) RevertStatus(ctx context.Context, runNo, userID string, now time.Time) (reverted bool, err error) {
	tx, err := e.queries.DB().BeginTx(ctx, nil)
	if err != nil {
		return false, apperrors.Internal(err)
	}
	defer tx.Rollback()

	var status string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE run_no = $1`, runNo).Scan(&status); err != nil {
		return false, apperrors.NotFound(fmt.Sprintf("run %q not found", runNo))
	}
	if status != "PRINT" {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `UPDATE runs SET status = 'NEW' WHERE run_no = $1`, runNo); err != nil {
		return false, apperrors.Internal(err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE batch_lines SET modified_by = $1, modified_date = $2 WHERE run_no = $3`,
		userID, now, runNo); err != nil {
		return false, apperrors.Internal(err)
	}

	if err := tx.Commit(); err != nil {
		return false, apperrors.Internal(err)
	}
	return true, nil
}
