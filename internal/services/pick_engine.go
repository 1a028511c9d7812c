package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/nwfth/partial-picking/internal/apperrors"
	"github.com/nwfth/partial-picking/internal/db"
)

var bangkok = mustLoadLocation("Asia/Bangkok")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone("ICT", 7*60*60)
	}
	return loc
}

// PickEngine is C4: the multi-phase atomic pick/unpick transaction
// engine. One instance is shared across requests; all per-request state
// is local to the method call (§5 — no in-process cache).
type PickEngine struct {
	queries   *db.Queries
	validator *Validator
	runs      *RunProgressionEngine
	location  string
	retry     RetryPolicy
}

func NewPickEngine(queries *db.Queries, validator *Validator, runs *RunProgressionEngine, location string, retry RetryPolicy) *PickEngine {
	return &PickEngine{queries: queries, validator: validator, runs: runs, location: location, retry: retry}
}

// PickResult is returned to the HTTP boundary on a successful pick (§6).
type PickResult struct {
	TransactionID  int64
	DocumentNo     string
	PalletID       int64
	UpdatedSummary db.BatchLine
	RunCompleted   bool
	Warnings       []string
}

// Pick drives the pre-phase (validate, allocate numbers, snapshot the
// wall clock) followed by the five transactional phases of §4.4.1.
// partial selects the partial-pick variant of §4.4.3.
func (e *PickEngine) Pick(ctx context.Context, req PickRequest, item db.Item, partial bool) (*PickResult, error) {
	// Pre-phase, outside the transaction scope.
	validated, err := e.validator.Validate(ctx, req, e.location, item, partial)
	if err != nil {
		return nil, err
	}

	documentSeq, err := e.queries.NextSequence(ctx, db.SequenceDocument)
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	documentNo := db.FormatDocumentNo(documentSeq)

	palletID, err := e.resolvePalletID(ctx, req.RunNo, req.RowNum, req.LineID)
	if err != nil {
		return nil, apperrors.Internal(err)
	}

	now := time.Now().In(bangkok)

	var result *PickResult
	err = withRetry(ctx, e.retry, func() error {
		r, txErr := e.runPickTransaction(ctx, req, validated, documentNo, palletID, now, partial)
		if txErr != nil {
			return txErr
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Post-phase: run completion check. Its failure is logged and
	// swallowed — the pick has already committed (§4.4.1, §7).
	completed, runErr := e.runs.CheckAndCompleteRun(ctx, req.RunNo, now, "system")
	if runErr != nil {
		log.Printf("ERROR: post-pick run completion check failed for run %s: %v", req.RunNo, runErr)
	}
	result.RunCompleted = completed
	result.Warnings = validated.Warnings

	return result, nil
}

// resolvePalletID implements §4.4.2: reuse an existing pallet id for
// (run_no, row_num, line_id) if one already exists — checking the
// allocation table first (most authoritative, written before
// traceability in Phase 5), then the traceability table — otherwise
// request a new one from C1.
func (e *PickEngine) resolvePalletID(ctx context.Context, runNo string, rowNum, lineID int) (int64, error) {
	var palletID sql.NullInt64
	row := e.queries.DB().QueryRowContext(ctx, `
		SELECT pallet_id FROM allocations
		WHERE run_no = $1 AND row_num = $2 AND line_id = $3 AND pallet_id IS NOT NULL
		ORDER BY lot_tran_no DESC LIMIT 1`,
		runNo, rowNum, lineID)
	if err := row.Scan(&palletID); err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("lookup allocation pallet id: %w", err)
	}
	if palletID.Valid {
		return palletID.Int64, nil
	}

	row = e.queries.DB().QueryRowContext(ctx, `
		SELECT pallet_id FROM pallet_traceability
		WHERE run_no = $1 AND row_num = $2 AND line_id = $3`,
		runNo, rowNum, lineID)
	if err := row.Scan(&palletID); err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("lookup traceability pallet id: %w", err)
	}
	if palletID.Valid {
		return palletID.Int64, nil
	}

	next, err := e.queries.NextSequence(ctx, db.SequencePallet)
	if err != nil {
		return 0, fmt.Errorf("allocate pallet id: %w", err)
	}
	return next, nil
}

func (e *PickEngine) runPickTransaction(ctx context.Context, req PickRequest, v *ValidationResult, documentNo string, palletID int64, now time.Time, partial bool) (*PickResult, error) {
	tx, err := e.queries.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	defer tx.Rollback()

	line := v.BatchLine
	allocationsTable := "allocations"
	if partial {
		allocationsTable = "partial_allocations"
	}

	// Phase 1 — Allocation insert.
	var lotTranNo int64
	palletLabel := fmt.Sprintf("Pallet %d", req.RowNum)
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (run_no, row_num, line_id, item_key, batch_no, lot_no, location, bin_no,
		                 qty_received, pack_size_kg, pallet_no, pallet_id, status, transaction_type,
		                 recorded_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,'Allocated',$13,$14,$15)
		RETURNING lot_tran_no`, allocationsTable),
		req.RunNo, req.RowNum, req.LineID, line.ItemKey, line.BatchNo, req.LotNo, e.location, req.BinNo,
		v.RequestedKG, line.PackSizeKG, palletLabel, palletID, db.PickTransactionType, req.UserID, now,
	).Scan(&lotTranNo)
	if err != nil {
		return nil, apperrors.TransactionFailed(1, err)
	}

	// Phase 2 — BatchLine update.
	res, err := tx.ExecContext(ctx, `
		UPDATE batch_lines
		SET picked_units = COALESCE(picked_units, 0) + $1,
		    picked_kg = COALESCE(picked_kg, 0) + $2,
		    picking_date = $3, modified_by = $4, modified_date = $3, status = 'Allocated'
		WHERE run_no = $5 AND row_num = $6 AND line_id = $7`,
		v.RequestedUnits, v.RequestedKG, now, req.UserID, req.RunNo, req.RowNum, req.LineID)
	if err != nil {
		return nil, apperrors.TransactionFailed(2, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, apperrors.TransactionFailed(2, fmt.Errorf("batch line %s/%d/%d not found", req.RunNo, req.RowNum, req.LineID))
	}

	// Phase 3 — Inventory commitment. Only qty_committed moves here;
	// qty_on_hand is moved exclusively by putaway (§6 schema constraint).
	res, err = tx.ExecContext(ctx, `
		UPDATE lots SET qty_committed = qty_committed + $1
		WHERE lot_no = $2 AND item_key = $3 AND location = $4 AND bin_no = $5`,
		v.RequestedKG, req.LotNo, line.ItemKey, e.location, req.BinNo)
	if err != nil {
		return nil, apperrors.TransactionFailed(3, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, apperrors.TransactionFailed(3, fmt.Errorf("lot %s/%s/%s not found", req.LotNo, e.location, req.BinNo))
	}

	// Phase 4 — Audit ledger insert. This lot_tran_no, not Phase 1's, is
	// the transaction id returned to the client (§4.4.1).
	var ledgerTranNo int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO lot_transactions (transaction_type, issue_doc_no, issue_doc_line_no,
		                               receipt_doc_no, lot_no, item_key, location, bin_no,
		                               qty_issued, source_marker, recorded_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING lot_tran_no`,
		db.PickTransactionType, line.BatchNo, req.LineID, documentNo, req.LotNo, line.ItemKey,
		e.location, req.BinNo, v.RequestedKG, db.PickSourceMarker, req.UserID, now,
	).Scan(&ledgerTranNo)
	if err != nil {
		return nil, apperrors.TransactionFailed(4, err)
	}

	// Phase 5 — Pallet traceability upsert.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO pallet_traceability (run_no, row_num, line_id, pallet_id, modified_by, modified_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (run_no, row_num, line_id) DO UPDATE
		SET pallet_id = EXCLUDED.pallet_id, modified_by = EXCLUDED.modified_by, modified_at = EXCLUDED.modified_at`,
		req.RunNo, req.RowNum, req.LineID, palletID, req.UserID, now)
	if err != nil {
		return nil, apperrors.TransactionFailed(5, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.TransactionFailed(5, err)
	}

	updated, err := e.queries.BatchLineState(ctx, req.RunNo, req.RowNum, req.LineID)
	if err != nil || updated == nil {
		updated = line
	}

	return &PickResult{
		TransactionID: ledgerTranNo,
		DocumentNo:    documentNo,
		PalletID:      palletID,
		UpdatedSummary: *updated,
	}, nil
}
