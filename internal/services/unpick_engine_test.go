package services

import (
	"context"
	"database/sql"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nwfth/partial-picking/internal/apperrors"
	"github.com/nwfth/partial-picking/internal/db"
)

func allocRowCols() []string {
	return []string{"lot_tran_no", "run_no", "row_num", "line_id", "item_key", "batch_no", "lot_no", "bin_no", "qty_received", "pack_size_kg"}
}

// TestUnpickEngine_PreciseUnpickByLotTranNo pins S6: a bulk-pick precise
// unpick removes the allocation row, the matching ledger row, restores
// qty_committed (clamped), nulls the batch line's audit columns when it
// returns to zero picked units, and drops the now-empty traceability row.
func TestUnpickEngine_PreciseUnpickByLotTranNo(t *testing.T) {
	engine, mock, closeDB := newPickEngineUnderTest(t)
	defer closeDB()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT lot_tran_no, run_no, row_num, line_id").
		WithArgs(int64(900)).
		WillReturnRows(sqlmock.NewRows(allocRowCols()).
			AddRow(int64(900), "R1000", 1, 1, "ITEM1", "BATCH1", "LOT1", "BIN-A", 100.0, 20.0))

	mock.ExpectQuery("SELECT lot_tran_no, qty_issued FROM lot_transactions").
		WithArgs("LOT1", "ITEM1", "BIN-A", "BATCH1", 1, 100.0, db.PickSourceMarker, db.PickTransactionType).
		WillReturnRows(sqlmock.NewRows([]string{"lot_tran_no", "qty_issued"}).AddRow(int64(901), 100.0))
	mock.ExpectExec("DELETE FROM lot_transactions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectExec("UPDATE lots SET qty_committed = GREATEST").
		WithArgs(100.0, "LOT1", "ITEM1", "BIN-A").
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectQuery("UPDATE batch_lines").
		WithArgs(5.0, 100.0, "R1000", 1, 1).
		WillReturnRows(sqlmock.NewRows([]string{"picked_units"}).AddRow(0.0))
	mock.ExpectExec("UPDATE batch_lines").
		WithArgs("R1000", 1, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectExec(`DELETE FROM allocations WHERE lot_tran_no`).
		WithArgs(int64(900)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM allocations`).
		WithArgs("R1000", 1, 1).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("DELETE FROM pallet_traceability").
		WithArgs("R1000", 1, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectCommit()

	result, err := engine.UnpickByLotTranNo(context.Background(), 900, "operator1", false)

	require.NoError(t, err)
	assert.Equal(t, 1, result.AllocationsRemoved)
	assert.Equal(t, 1, result.LedgerRowsRemoved)
	assert.True(t, result.TraceabilityRemoved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestUnpickEngine_NotFoundIsNotSilentlyASuccess pins the idempotence law
// of §8: a precise unpick repeated against an already-removed
// lot_tran_no must return a clear not-found error, never a silent success.
func TestUnpickEngine_NotFoundIsNotSilentlyASuccess(t *testing.T) {
	engine, mock, closeDB := newPickEngineUnderTest(t)
	defer closeDB()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT lot_tran_no, run_no, row_num, line_id").
		WithArgs(int64(900)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := engine.UnpickByLotTranNo(context.Background(), 900, "operator1", false)

	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.KindNotFound, appErr.Kind)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestUnpickEngine_PartialPickPathNeverTouchesLedger pins §4.4.5's legacy
// path: the partial-pick unpick zeroes PickedPartialQty and deletes the
// allocation header, but the audit ledger is never read or modified.
func TestUnpickEngine_PartialPickPathNeverTouchesLedger(t *testing.T) {
	engine, mock, closeDB := newPickEngineUnderTest(t)
	defer closeDB()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT lot_tran_no, run_no, row_num, line_id").
		WithArgs(int64(500)).
		WillReturnRows(sqlmock.NewRows(allocRowCols()).
			AddRow(int64(500), "R1000", 1, 1, "ITEM1", "BATCH1", "LOT1", "BIN-A", 0.8, 20.0))

	mock.ExpectExec("UPDATE lots SET qty_committed = GREATEST").
		WithArgs(0.8, "LOT1", "ITEM1", "BIN-A").
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectQuery("UPDATE batch_lines").
		WillReturnRows(sqlmock.NewRows([]string{"picked_units"}).AddRow(0.0))

	mock.ExpectExec(`DELETE FROM partial_allocations WHERE lot_tran_no`).
		WithArgs(int64(500)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM partial_allocations`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("DELETE FROM pallet_traceability").
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectCommit()

	result, err := engine.UnpickByLotTranNo(context.Background(), 500, "operator1", true)

	require.NoError(t, err)
	assert.Equal(t, 0, result.LedgerRowsRemoved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestUnpickEngine_EntireIngredientUsesLedgerDerivedQuantity pins
// §4.4.4's aggregate unpick: decommit kg is taken from the matched ledger
// row, not the allocation column, and the ledger deletion is scoped to
// this engine's own source marker and type code.
func TestUnpickEngine_EntireIngredientUsesLedgerDerivedQuantity(t *testing.T) {
	engine, mock, closeDB := newPickEngineUnderTest(t)
	defer closeDB()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT lot_tran_no, run_no, row_num, line_id").
		WithArgs("R1000", "ITEM1").
		WillReturnRows(sqlmock.NewRows(allocRowCols()).
			AddRow(int64(900), "R1000", 1, 1, "ITEM1", "BATCH1", "LOT1", "BIN-A", 100.0, 20.0))

	mock.ExpectQuery("SELECT lot_tran_no, qty_issued FROM lot_transactions").
		WithArgs("LOT1", "ITEM1", "BIN-A", "BATCH1", 1, 100.0, db.PickSourceMarker, db.PickTransactionType).
		WillReturnRows(sqlmock.NewRows([]string{"lot_tran_no", "qty_issued"}).AddRow(int64(901), 100.0))
	mock.ExpectExec("DELETE FROM lot_transactions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectExec("UPDATE lots SET qty_committed = GREATEST").
		WithArgs(100.0, "LOT1", "ITEM1", "BIN-A").
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectQuery("UPDATE batch_lines").
		WithArgs(5.0, 100.0, "R1000", 1, 1).
		WillReturnRows(sqlmock.NewRows([]string{"picked_units"}).AddRow(0.0))
	mock.ExpectExec("UPDATE batch_lines").
		WithArgs("R1000", 1, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectExec(`DELETE FROM allocations WHERE lot_tran_no`).
		WithArgs(int64(900)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM allocations`).
		WithArgs("R1000", 1, 1).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("DELETE FROM pallet_traceability").
		WithArgs("R1000", 1, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectCommit()

	result, err := engine.UnpickEntireIngredient(context.Background(), "R1000", "ITEM1", "operator1")

	require.NoError(t, err)
	assert.Equal(t, 1, result.AllocationsRemoved)
	assert.Equal(t, 1, result.LedgerRowsRemoved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestUnpickEngine_EntireIngredientDoesNotDoubleDecommitSharedLotBin pins
// the fix for the case two allocations share the same (lot, item, bin) —
// e.g. the same ingredient picked from the same lot/bin into two
// different batch rows, exactly what "unpick an entire ingredient" is
// meant to reverse. Each allocation must claim exactly its own ledger
// row (by batch_no/line_id) and decommit exactly its own ledger-derived
// kg; the second allocation must never fall back to re-decommitting the
// first allocation's already-removed total.
func TestUnpickEngine_EntireIngredientDoesNotDoubleDecommitSharedLotBin(t *testing.T) {
	engine, mock, closeDB := newPickEngineUnderTest(t)
	defer closeDB()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT lot_tran_no, run_no, row_num, line_id").
		WithArgs("R1000", "ITEM1").
		WillReturnRows(sqlmock.NewRows(allocRowCols()).
			AddRow(int64(900), "R1000", 1, 1, "ITEM1", "BATCH1", "LOT1", "BIN-A", 60.0, 20.0).
			AddRow(int64(901), "R1000", 2, 1, "ITEM1", "BATCH1", "LOT1", "BIN-A", 40.0, 20.0))

	// Allocation 900 claims only its own ledger row (line_id 1, row_num 1).
	mock.ExpectQuery("SELECT lot_tran_no, qty_issued FROM lot_transactions").
		WithArgs("LOT1", "ITEM1", "BIN-A", "BATCH1", 1, 60.0, db.PickSourceMarker, db.PickTransactionType).
		WillReturnRows(sqlmock.NewRows([]string{"lot_tran_no", "qty_issued"}).AddRow(int64(9001), 60.0))
	mock.ExpectExec("DELETE FROM lot_transactions").
		WithArgs(int64(9001), db.PickSourceMarker, db.PickTransactionType).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE lots SET qty_committed = GREATEST").
		WithArgs(60.0, "LOT1", "ITEM1", "BIN-A").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("UPDATE batch_lines").
		WithArgs(3.0, 60.0, "R1000", 1, 1).
		WillReturnRows(sqlmock.NewRows([]string{"picked_units"}).AddRow(0.0))
	mock.ExpectExec("UPDATE batch_lines").
		WithArgs("R1000", 1, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM allocations WHERE lot_tran_no`).
		WithArgs(int64(900)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Allocation 901 claims its own, separate ledger row (line_id 1, row_num 2) —
	// it must NOT see zero rows and fall back to re-decommitting allocation 900's total.
	mock.ExpectQuery("SELECT lot_tran_no, qty_issued FROM lot_transactions").
		WithArgs("LOT1", "ITEM1", "BIN-A", "BATCH1", 1, 40.0, db.PickSourceMarker, db.PickTransactionType).
		WillReturnRows(sqlmock.NewRows([]string{"lot_tran_no", "qty_issued"}).AddRow(int64(9002), 40.0))
	mock.ExpectExec("DELETE FROM lot_transactions").
		WithArgs(int64(9002), db.PickSourceMarker, db.PickTransactionType).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE lots SET qty_committed = GREATEST").
		WithArgs(40.0, "LOT1", "ITEM1", "BIN-A").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("UPDATE batch_lines").
		WithArgs(2.0, 40.0, "R1000", 2, 1).
		WillReturnRows(sqlmock.NewRows([]string{"picked_units"}).AddRow(0.0))
	mock.ExpectExec("UPDATE batch_lines").
		WithArgs("R1000", 2, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM allocations WHERE lot_tran_no`).
		WithArgs(int64(901)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM allocations`).
		WithArgs("R1000", 1, 1).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("DELETE FROM pallet_traceability").
		WithArgs("R1000", 1, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM allocations`).
		WithArgs("R1000", 2, 1).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("DELETE FROM pallet_traceability").
		WithArgs("R1000", 2, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectCommit()

	result, err := engine.UnpickEntireIngredient(context.Background(), "R1000", "ITEM1", "operator1")

	require.NoError(t, err)
	assert.Equal(t, 2, result.AllocationsRemoved)
	assert.Equal(t, 2, result.LedgerRowsRemoved)
	assert.NoError(t, mock.ExpectationsWereMet())
}
