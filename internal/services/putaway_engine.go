package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nwfth/partial-picking/internal/apperrors"
	"github.com/nwfth/partial-picking/internal/db"
)

// fullTransferToleranceKG is the 1mg tolerance of §4.7: a residual this
// small blocks deletion of the source row and leaves phantom inventory,
// so requests within this tolerance of the available quantity are
// treated as consuming the exact available amount.
const fullTransferToleranceKG = 0.001

// PutawayEngine is C7: a close sibling of the Pick Engine that moves a
// quantity of one lot from one bin to another at the same location.
type PutawayEngine struct {
	queries  *db.Queries
	location string
	retry    RetryPolicy
}

func NewPutawayEngine(queries *db.Queries, location string, retry RetryPolicy) *PutawayEngine {
	return &PutawayEngine{queries: queries, location: location, retry: retry}
}

// TransferRequest is a bin-to-bin lot transfer request.
type TransferRequest struct {
	LotNo         string
	ItemKey       string
	SourceBinNo   string
	DestBinNo     string
	QuantityKG    float64
	UserID        string
}

// TransferResult reports what the engine actually did, including
// whether the tolerance-based full-transfer path was taken.
type TransferResult struct {
	DocumentNo   string
	FullTransfer bool
	TransferredKG float64
}

// Transfer validates and then executes the seven phases of §4.7 inside
// one transaction, using a dedicated sequence connection for the
// document number per the same connection discipline as the Pick
// Engine (§5).
func (e *PutawayEngine) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if req.QuantityKG <= 0 {
		return nil, apperrors.Validation("transfer quantity must be greater than zero")
	}
	if req.SourceBinNo == req.DestBinNo {
		return nil, apperrors.Validation("destination bin must differ from the source bin")
	}

	source, err := e.lookupLot(ctx, req.LotNo, req.ItemKey, req.SourceBinNo)
	if err != nil {
		return nil, err
	}
	if source == nil {
		return nil, apperrors.LotNotFound(req.LotNo)
	}
	available := source.Available()
	if req.QuantityKG > available+fullTransferToleranceKG {
		return nil, apperrors.InsufficientInventory(available)
	}

	destExists, err := e.binExists(ctx, req.DestBinNo)
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	if !destExists {
		return nil, apperrors.BinInvalid(req.DestBinNo)
	}

	documentSeq, err := e.queries.NextSequence(ctx, db.SequenceDocument)
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	documentNo := db.FormatDocumentNo(documentSeq)
	now := time.Now().In(bangkok)

	fullTransfer := (req.QuantityKG + fullTransferToleranceKG) >= available
	transferKG := req.QuantityKG
	if fullTransfer {
		transferKG = available
	}

	var result *TransferResult
	err = withRetry(ctx, e.retry, func() error {
		r, txErr := e.runTransferTransaction(ctx, req, *source, documentNo, transferKG, fullTransfer, now)
		if txErr != nil {
			return txErr
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *PutawayEngine) runTransferTransaction(ctx context.Context, req TransferRequest, source db.Lot, documentNo string, transferKG float64, fullTransfer bool, now time.Time) (*TransferResult, error) {
	tx, err := e.queries.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	defer tx.Rollback()

	// Phase 2 — movement journal header.
	var journalID int64
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO movement_journal (document_no, movement_type, lot_no, item_key, location, recorded_by, created_at)
		VALUES ($1,'TRANSFER',$2,$3,$4,$5,$6) RETURNING id`,
		documentNo, req.LotNo, req.ItemKey, e.location, req.UserID, now,
	).Scan(&journalID); err != nil {
		return nil, apperrors.TransactionFailed(2, err)
	}

	// Phase 3 — issue leg against the source bin.
	var issueTranNo int64
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO lot_transactions (transaction_type, issue_doc_no, issue_doc_line_no, receipt_doc_no,
		                               lot_no, item_key, location, bin_no, qty_issued, source_marker,
		                               recorded_by, created_at)
		VALUES ($1,$2,0,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING lot_tran_no`,
		db.PutawayIssueTransactionType, documentNo, documentNo, req.LotNo, req.ItemKey,
		e.location, req.SourceBinNo, transferKG, db.PutawaySourceMarker, req.UserID, now,
	).Scan(&issueTranNo); err != nil {
		return nil, apperrors.TransactionFailed(3, err)
	}

	// Phase 4 — receipt leg against the destination bin.
	var receiptTranNo int64
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO lot_transactions (transaction_type, issue_doc_no, issue_doc_line_no, receipt_doc_no,
		                               lot_no, item_key, location, bin_no, qty_issued, source_marker,
		                               recorded_by, created_at)
		VALUES ($1,$2,0,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING lot_tran_no`,
		db.PutawayReceiptTransactionType, documentNo, documentNo, req.LotNo, req.ItemKey,
		e.location, req.DestBinNo, transferKG, db.PutawaySourceMarker, req.UserID, now,
	).Scan(&receiptTranNo); err != nil {
		return nil, apperrors.TransactionFailed(4, err)
	}

	// Phase 5 — bin-transfer link row.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO bin_transfer_links (issue_tran_no, receipt_tran_no, document_no, source_bin_no, destination_bin_no, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		issueTranNo, receiptTranNo, documentNo, req.SourceBinNo, req.DestBinNo, now); err != nil {
		return nil, apperrors.TransactionFailed(5, err)
	}

	// Phase 6 — source reconciliation.
	remaining := source.QtyOnHand - transferKG
	if fullTransfer || remaining <= 0 {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM lots WHERE lot_no = $1 AND item_key = $2 AND location = $3 AND bin_no = $4`,
			req.LotNo, req.ItemKey, e.location, req.SourceBinNo); err != nil {
			return nil, apperrors.TransactionFailed(6, err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `
			UPDATE lots SET qty_on_hand = $1 WHERE lot_no = $2 AND item_key = $3 AND location = $4 AND bin_no = $5`,
			remaining, req.LotNo, req.ItemKey, e.location, req.SourceBinNo); err != nil {
			return nil, apperrors.TransactionFailed(6, err)
		}
	}

	// Phase 7 — destination reconciliation (consolidation).
	var destExisting sql.NullFloat64
	err = tx.QueryRowContext(ctx, `
		SELECT qty_on_hand FROM lots WHERE lot_no = $1 AND item_key = $2 AND location = $3 AND bin_no = $4`,
		req.LotNo, req.ItemKey, e.location, req.DestBinNo).Scan(&destExisting)
	if err != nil && err != sql.ErrNoRows {
		return nil, apperrors.TransactionFailed(7, err)
	}
	if destExisting.Valid {
		if _, err := tx.ExecContext(ctx, `
			UPDATE lots SET qty_on_hand = qty_on_hand + $1
			WHERE lot_no = $2 AND item_key = $3 AND location = $4 AND bin_no = $5`,
			transferKG, req.LotNo, req.ItemKey, e.location, req.DestBinNo); err != nil {
			return nil, apperrors.TransactionFailed(7, err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO lots (lot_no, item_key, location, bin_no, qty_on_hand, qty_committed,
			                   date_received, date_expiry, status, vendor_lot_no)
			VALUES ($1,$2,$3,$4,$5,0,$6,$7,$8,$9)`,
			req.LotNo, req.ItemKey, e.location, req.DestBinNo, transferKG,
			source.DateReceived, source.DateExpiry, source.Status, source.VendorLotNo); err != nil {
			return nil, apperrors.TransactionFailed(7, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.TransactionFailed(7, err)
	}

	return &TransferResult{DocumentNo: documentNo, FullTransfer: fullTransfer, TransferredKG: transferKG}, nil
}

func (e *PutawayEngine) lookupLot(ctx context.Context, lotNo, itemKey, binNo string) (*db.Lot, error) {
	var l db.Lot
	row := e.queries.DB().QueryRowContext(ctx, `
		SELECT lot_no, item_key, location, bin_no, qty_on_hand, qty_committed,
		       date_received, date_expiry, status, vendor_lot_no
		FROM lots WHERE lot_no = $1 AND item_key = $2 AND location = $3 AND bin_no = $4`,
		lotNo, itemKey, e.location, binNo)
	err := row.Scan(&l.LotNo, &l.ItemKey, &l.Location, &l.BinNo, &l.QtyOnHand, &l.QtyCommitted,
		&l.DateReceived, &l.DateExpiry, &l.Status, &l.VendorLotNo)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup lot: %w", err)
	}
	return &l, nil
}

func (e *PutawayEngine) binExists(ctx context.Context, binNo string) (bool, error) {
	var exists bool
	err := e.queries.DB().QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM bins WHERE location = $1 AND bin_no = $2)`,
		e.location, binNo).Scan(&exists)
	return exists, err
}
