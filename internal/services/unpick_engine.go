package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nwfth/partial-picking/internal/apperrors"
	"github.com/nwfth/partial-picking/internal/db"
)

// UnpickResult reports what the reversal actually touched, for the
// caller to surface or log.
type UnpickResult struct {
	AllocationsRemoved int
	LedgerRowsRemoved  int
	TraceabilityRemoved bool
}

// allocRow is the subset of an allocation row every unpick flavor reads
// before compensating (§4.4.4 step 1). BatchNo is carried specifically
// so the ledger match in step 2 can join on batch number (issue_doc_no)
// and line id (issue_doc_line_no) as the spec requires, not just on
// lot/item/bin, which multiple allocations can share.
type allocRow struct {
	LotTranNo  int64
	RunNo      string
	RowNum     int
	LineID     int
	ItemKey    string
	BatchNo    string
	LotNo      string
	BinNo      string
	QtyKG      float64
	PackSizeKG float64
}

func (e *PickEngine) allocationTable(partial bool) string {
	if partial {
		return "partial_allocations"
	}
	return "allocations"
}

// UnpickByLotTranNo implements the "precise unpick by lot_tran_no" flavor
// of §4.4.4. For the bulk-pick variant (partial=false) it removes the
// matching ledger row(s) per §4.4.5. For the partial-pick variant
// (partial=true) the ledger is never touched — the historical record is
// deliberately retained (§4.4.5's "legacy path").
func (e *PickEngine) UnpickByLotTranNo(ctx context.Context, lotTranNo int64, userID string, partial bool) (*UnpickResult, error) {
	now := time.Now().In(bangkok)
	var result *UnpickResult

	err := withRetry(ctx, e.retry, func() error {
		tx, err := e.queries.DB().BeginTx(ctx, nil)
		if err != nil {
			return apperrors.Internal(err)
		}
		defer tx.Rollback()

		table := e.allocationTable(partial)

		// Step 1: read the allocation row.
		var a allocRow
		err = tx.QueryRowContext(ctx, fmt.Sprintf(`
			SELECT lot_tran_no, run_no, row_num, line_id, item_key, batch_no, lot_no, bin_no,
			       qty_received, pack_size_kg
			FROM %s WHERE lot_tran_no = $1`, table), lotTranNo).
			Scan(&a.LotTranNo, &a.RunNo, &a.RowNum, &a.LineID, &a.ItemKey, &a.BatchNo, &a.LotNo, &a.BinNo, &a.QtyKG, &a.PackSizeKG)
		if err == sql.ErrNoRows {
			return apperrors.NotFound(fmt.Sprintf("allocation %d not found", lotTranNo))
		}
		if err != nil {
			return apperrors.Internal(err)
		}

		ledgerRemoved := 0
		if !partial {
			// Step 2+5: locate and delete the single matching ledger row,
			// scoped to this engine's own source marker and type code —
			// never touching receipts/transfers/issues, and never more
			// than the one row this allocation reversed (§4.4.5).
			_, removed, err := deleteLedgerRowForAllocation(ctx, tx, a)
			if err != nil {
				return err
			}
			if removed {
				ledgerRemoved = 1
			}
		}

		// Step 3: decrement qty_committed, clamped at zero.
		if _, err := tx.ExecContext(ctx, `
			UPDATE lots SET qty_committed = GREATEST(qty_committed - $1, 0)
			WHERE lot_no = $2 AND item_key = $3 AND bin_no = $4`,
			a.QtyKG, a.LotNo, a.ItemKey, a.BinNo); err != nil {
			return apperrors.Internal(err)
		}

		// Step 4: update the batch line.
		unitsDelta := a.QtyKG / a.PackSizeKG
		nulled, err := updateBatchLineForUnpick(ctx, tx, a.RunNo, a.RowNum, a.LineID, unitsDelta, a.QtyKG, partial)
		if err != nil {
			return err
		}
		_ = nulled

		// Step 6: delete the allocation row.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE lot_tran_no = $1`, table), lotTranNo); err != nil {
			return apperrors.Internal(err)
		}

		// Step 7: delete traceability only if no allocations remain for the key.
		traceRemoved, err := cleanupTraceabilityIfEmpty(ctx, tx, a.RunNo, a.RowNum, a.LineID, table)
		if err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return apperrors.Internal(err)
		}

		result = &UnpickResult{AllocationsRemoved: 1, LedgerRowsRemoved: ledgerRemoved, TraceabilityRemoved: traceRemoved}
		return nil
	})

	if err != nil {
		return nil, err
	}
	_ = now
	return result, nil
}

// UnpickLotForIngredient implements "unpick one lot across an
// ingredient": every allocation for (run_no, item_key, lot_no) is
// reversed. Per §4.4.4, the kg to decommit is computed from the ledger
// totals, not the allocation table, because direct allocation-column
// reads proved unreliable in the source system.
func (e *PickEngine) UnpickLotForIngredient(ctx context.Context, runNo, itemKey, lotNo, userID string) (*UnpickResult, error) {
	return e.unpickSet(ctx, runNo, itemKey, &lotNo, userID)
}

// UnpickEntireIngredient implements "unpick an entire ingredient": every
// allocation for (run_no, item_key) across every row/line is reversed.
func (e *PickEngine) UnpickEntireIngredient(ctx context.Context, runNo, itemKey, userID string) (*UnpickResult, error) {
	return e.unpickSet(ctx, runNo, itemKey, nil, userID)
}

func (e *PickEngine) unpickSet(ctx context.Context, runNo, itemKey string, lotNo *string, userID string) (*UnpickResult, error) {
	var result *UnpickResult

	err := withRetry(ctx, e.retry, func() error {
		tx, err := e.queries.DB().BeginTx(ctx, nil)
		if err != nil {
			return apperrors.Internal(err)
		}
		defer tx.Rollback()

		query := `SELECT lot_tran_no, run_no, row_num, line_id, item_key, batch_no, lot_no, bin_no, qty_received, pack_size_kg
			FROM allocations WHERE run_no = $1 AND item_key = $2`
		args := []interface{}{runNo, itemKey}
		if lotNo != nil {
			query += " AND lot_no = $3"
			args = append(args, *lotNo)
		}
		// Process in the order the allocations (and their corresponding
		// ledger rows, written moments later in the same pick) were
		// created, so the FIFO match in deleteLedgerRowForAllocation
		// pairs each allocation with its own ledger row rather than a
		// sibling's (§4.4.4, §8 invariant #4).
		query += " ORDER BY lot_tran_no ASC"

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return apperrors.Internal(err)
		}
		var allocs []allocRow
		for rows.Next() {
			var a allocRow
			if err := rows.Scan(&a.LotTranNo, &a.RunNo, &a.RowNum, &a.LineID, &a.ItemKey, &a.BatchNo, &a.LotNo, &a.BinNo, &a.QtyKG, &a.PackSizeKG); err != nil {
				rows.Close()
				return apperrors.Internal(err)
			}
			allocs = append(allocs, a)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return apperrors.Internal(err)
		}

		ledgerRemovedTotal := 0
		touchedKeys := map[[3]interface{}]bool{}
		var touchedOrder [][3]interface{}

		for _, a := range allocs {
			// Ledger-derived kg, not the allocation column (§4.4.4) —
			// matched to this allocation's own ledger row only, not
			// summed across every ledger row sharing the lot/item/bin
			// (that grouped sum double-counted and double-decommitted
			// whenever an ingredient had more than one allocation on the
			// same lot/bin, the exact case this flavor reverses).
			ledgerKG, removed, err := deleteLedgerRowForAllocation(ctx, tx, a)
			if err != nil {
				return err
			}
			if removed {
				ledgerRemovedTotal++
			}

			if _, err := tx.ExecContext(ctx, `
				UPDATE lots SET qty_committed = GREATEST(qty_committed - $1, 0)
				WHERE lot_no = $2 AND item_key = $3 AND bin_no = $4`,
				ledgerKG, a.LotNo, a.ItemKey, a.BinNo); err != nil {
				return apperrors.Internal(err)
			}

			unitsDelta := ledgerKG / a.PackSizeKG
			if _, err := updateBatchLineForUnpick(ctx, tx, a.RunNo, a.RowNum, a.LineID, unitsDelta, ledgerKG, false); err != nil {
				return err
			}

			if _, err := tx.ExecContext(ctx, `DELETE FROM allocations WHERE lot_tran_no = $1`, a.LotTranNo); err != nil {
				return apperrors.Internal(err)
			}

			key := [3]interface{}{a.RunNo, a.RowNum, a.LineID}
			if !touchedKeys[key] {
				touchedKeys[key] = true
				touchedOrder = append(touchedOrder, key)
			}
		}

		traceRemoved := false
		for _, key := range touchedOrder {
			removed, err := cleanupTraceabilityIfEmpty(ctx, tx, key[0].(string), key[1].(int), key[2].(int), "allocations")
			if err != nil {
				return err
			}
			traceRemoved = traceRemoved || removed
		}

		if err := tx.Commit(); err != nil {
			return apperrors.Internal(err)
		}

		result = &UnpickResult{
			AllocationsRemoved:  len(allocs),
			LedgerRowsRemoved:   ledgerRemovedTotal,
			TraceabilityRemoved: traceRemoved,
		}
		return nil
	})

	if err != nil {
		return nil, err
	}
	return result, nil
}

// deleteLedgerRowForAllocation locates the single ledger row that
// corresponds to this allocation — joined on batch number
// (issue_doc_no), line id (issue_doc_line_no), lot/item/bin, and
// quantity (§4.4.4 step 2) — and deletes only that row, restricted to
// this engine's own source marker and type code (§4.4.5). Two
// allocations sharing the same lot/item/bin/batch/line (multiple picks
// into one batch-line, §3) can still share every one of those columns,
// so ties are broken by taking the oldest remaining match; callers
// process allocations oldest-first so each allocation claims the ledger
// row its own pick wrote, not a sibling's (§8 invariant #4: never
// delete more than the reversed allocations' own rows).
//
// kg is the matched row's own qty_issued — the ledger-derived quantity
// callers reversing a set of allocations are required to decommit by,
// rather than the allocation table's column (§4.4.4). When no row
// matches, kg falls back to the allocation's own qty_received and
// removed is false, so decommitment still happens but nothing is
// deleted.
func deleteLedgerRowForAllocation(ctx context.Context, tx *sql.Tx, a allocRow) (kg float64, removed bool, err error) {
	var id int64
	var qty float64
	scanErr := tx.QueryRowContext(ctx, `
		SELECT lot_tran_no, qty_issued FROM lot_transactions
		WHERE lot_no = $1 AND item_key = $2 AND bin_no = $3
		  AND issue_doc_no = $4 AND issue_doc_line_no = $5 AND qty_issued = $6
		  AND source_marker = $7 AND transaction_type = $8
		ORDER BY lot_tran_no ASC LIMIT 1`,
		a.LotNo, a.ItemKey, a.BinNo, a.BatchNo, a.LineID, a.QtyKG, db.PickSourceMarker, db.PickTransactionType,
	).Scan(&id, &qty)
	if scanErr == sql.ErrNoRows {
		return a.QtyKG, false, nil
	}
	if scanErr != nil {
		return 0, false, apperrors.Internal(scanErr)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM lot_transactions
		WHERE lot_tran_no = $1 AND source_marker = $2 AND transaction_type = $3`,
		id, db.PickSourceMarker, db.PickTransactionType); err != nil {
		return 0, false, apperrors.Internal(err)
	}
	return qty, true, nil
}

// updateBatchLineForUnpick applies §4.4.4 step 4: subtract units/kg from
// the line, and when the running total reaches zero or below, null out
// the audit columns representing "never picked" — except on the
// partial-pick path, where the audit trail is always preserved
// regardless of the resulting total (§4.4.5).
func updateBatchLineForUnpick(ctx context.Context, tx *sql.Tx, runNo string, rowNum, lineID int, unitsDelta, kgDelta float64, partial bool) (bool, error) {
	var newUnits float64
	err := tx.QueryRowContext(ctx, `
		UPDATE batch_lines
		SET picked_units = COALESCE(picked_units, 0) - $1,
		    picked_kg = COALESCE(picked_kg, 0) - $2
		WHERE run_no = $3 AND row_num = $4 AND line_id = $5
		RETURNING picked_units`,
		unitsDelta, kgDelta, runNo, rowNum, lineID).Scan(&newUnits)
	if err != nil {
		return false, apperrors.Internal(err)
	}

	if partial {
		// Partial-pick unpick preserves picking_date/modified_by/status
		// unconditionally ("Audit Trail Preserved" in the source).
		return false, nil
	}

	if newUnits <= 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE batch_lines
			SET picking_date = NULL, modified_by = NULL, status = NULL, picked_units = 0
			WHERE run_no = $1 AND row_num = $2 AND line_id = $3`,
			runNo, rowNum, lineID); err != nil {
			return false, apperrors.Internal(err)
		}
		return true, nil
	}
	return false, nil
}

func cleanupTraceabilityIfEmpty(ctx context.Context, tx *sql.Tx, runNo string, rowNum, lineID int, allocationsTable string) (bool, error) {
	var remaining int
	err := tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*) FROM %s WHERE run_no = $1 AND row_num = $2 AND line_id = $3`, allocationsTable),
		runNo, rowNum, lineID).Scan(&remaining)
	if err != nil {
		return false, apperrors.Internal(err)
	}
	if remaining > 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM pallet_traceability WHERE run_no = $1 AND row_num = $2 AND line_id = $3`,
		runNo, rowNum, lineID); err != nil {
		return false, apperrors.Internal(err)
	}
	return true, nil
}
