package services

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nwfth/partial-picking/internal/apperrors"
	"github.com/nwfth/partial-picking/internal/db"
)

func newPickEngineUnderTest(t *testing.T) (*PickEngine, sqlmock.Sqlmock, func()) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(false))
	require.NoError(t, err)
	queries := db.New(sqlDB)
	validator := NewValidator(queries)
	runs := NewRunProgressionEngine(queries)
	retry := RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, MaxRetries: 2}
	engine := NewPickEngine(queries, validator, runs, "TFC1", retry)
	return engine, mock, func() { sqlDB.Close() }
}

// expectValidationQueries wires the three read-committed lookups the
// Validator performs before the Pick Engine opens its write transaction:
// batch line state, ingredient totals, then lot/bin availability.
func expectValidationQueries(mock sqlmock.Sqlmock, remaining, ingredientTotal, ingredientPicked, availableKG float64) {
	mock.ExpectQuery("SELECT run_no, row_num, line_id").
		WithArgs("R1000", 1, 1).
		WillReturnRows(batchLineRowsPackSize("R1000", 1, 1, "ITEM1", remaining, sql.NullFloat64{}, 20.0))

	mock.ExpectQuery("SELECT COALESCE").
		WithArgs("R1000", "ITEM1").
		WillReturnRows(sqlmock.NewRows([]string{"sum_to_pick", "sum_picked"}).AddRow(ingredientTotal, ingredientPicked))

	mock.ExpectQuery("SELECT l.lot_no, l.item_key").
		WithArgs("LOT1", "ITEM1", "TFC1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(lotBinRows().AddRow("LOT1", "ITEM1", "TFC1", "BIN-A", availableKG, 0.0,
			sql.NullTime{}, sql.NullTime{}, "Approved", sql.NullString{}, true, false, 1))
}

// TestPickEngine_HappyPathRunsAllFivePhases pins the S1/S2 seed scenario:
// a bulk pick of 5 units at pack_size=20kg commits an allocation, updates
// the batch line, commits inventory, appends one ledger row, and upserts
// pallet traceability with a freshly allocated pallet id.
func TestPickEngine_HappyPathRunsAllFivePhases(t *testing.T) {
	engine, mock, closeDB := newPickEngineUnderTest(t)
	defer closeDB()

	expectValidationQueries(mock, 12, 12, 0, 568.92)

	mock.ExpectQuery(`UPDATE sequence_counters`).
		WillReturnRows(sqlmock.NewRows([]string{"current_value"}).AddRow(int64(42)))

	mock.ExpectQuery("SELECT pallet_id FROM allocations").
		WithArgs("R1000", 1, 1).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT pallet_id FROM pallet_traceability").
		WithArgs("R1000", 1, 1).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`UPDATE sequence_counters`).
		WillReturnRows(sqlmock.NewRows([]string{"current_value"}).AddRow(int64(7)))

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO allocations").
		WillReturnRows(sqlmock.NewRows([]string{"lot_tran_no"}).AddRow(int64(900)))
	mock.ExpectExec("UPDATE batch_lines").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE lots SET qty_committed").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO lot_transactions").
		WillReturnRows(sqlmock.NewRows([]string{"lot_tran_no"}).AddRow(int64(901)))
	mock.ExpectExec("INSERT INTO pallet_traceability").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectQuery("SELECT run_no, row_num, line_id").
		WithArgs("R1000", 1, 1).
		WillReturnRows(batchLineRows("R1000", 1, 1, "ITEM1", 5.0, sql.NullFloat64{Float64: 5.0, Valid: true}))

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM batch_lines`).
		WithArgs("R1000").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	req := baseRequest()
	req.PickedUnits = 5
	result, err := engine.Pick(context.Background(), req, db.Item{ItemKey: "ITEM1", ToleranceKG: -1, PackSizeKG: 20.0}, false)

	require.NoError(t, err)
	assert.Equal(t, int64(901), result.TransactionID)
	assert.Equal(t, "BT-00000042", result.DocumentNo)
	assert.False(t, result.RunCompleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestPickEngine_OverPickNeverOpensTransaction pins S3: validation must
// reject before any write-side connection is touched — zero database
// writes on a rejected pick.
func TestPickEngine_OverPickNeverOpensTransaction(t *testing.T) {
	engine, mock, closeDB := newPickEngineUnderTest(t)
	defer closeDB()

	mock.ExpectQuery("SELECT run_no, row_num, line_id").
		WithArgs("R1000", 1, 1).
		WillReturnRows(batchLineRows("R1000", 1, 1, "ITEM1", 7.0, sql.NullFloat64{}))

	req := baseRequest()
	req.PickedUnits = 8
	_, err := engine.Pick(context.Background(), req, db.Item{ItemKey: "ITEM1", ToleranceKG: -1, PackSizeKG: 20.0}, false)

	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.KindValidation, appErr.Kind)
	assert.Equal(t, 7.0, appErr.MaxAllowed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestPickEngine_Phase2FailureRollsBack pins the all-or-nothing guarantee
// of §4.4.1: a failure partway through the phase sequence must not leave
// the allocation insert committed.
func TestPickEngine_Phase2FailureRollsBack(t *testing.T) {
	engine, mock, closeDB := newPickEngineUnderTest(t)
	defer closeDB()

	expectValidationQueries(mock, 12, 12, 0, 568.92)

	mock.ExpectQuery(`UPDATE sequence_counters`).
		WillReturnRows(sqlmock.NewRows([]string{"current_value"}).AddRow(int64(42)))
	mock.ExpectQuery("SELECT pallet_id FROM allocations").
		WithArgs("R1000", 1, 1).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT pallet_id FROM pallet_traceability").
		WithArgs("R1000", 1, 1).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`UPDATE sequence_counters`).
		WillReturnRows(sqlmock.NewRows([]string{"current_value"}).AddRow(int64(7)))

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO allocations").
		WillReturnRows(sqlmock.NewRows([]string{"lot_tran_no"}).AddRow(int64(900)))
	mock.ExpectExec("UPDATE batch_lines").
		WillReturnResult(sqlmock.NewResult(0, 0)) // zero rows affected -> fatal phase failure
	mock.ExpectRollback()

	req := baseRequest()
	req.PickedUnits = 5
	_, err := engine.Pick(context.Background(), req, db.Item{ItemKey: "ITEM1", ToleranceKG: -1, PackSizeKG: 20.0}, false)

	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.KindTransactionFailed, appErr.Kind)
	assert.Equal(t, 2, appErr.Phase)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestPickEngine_DeadlockRetriesThenSucceeds pins §4.4.6: a transient
// deadlock on the first attempt is retried, and a clean second attempt
// succeeds without surfacing an error to the caller.
func TestPickEngine_DeadlockRetriesThenSucceeds(t *testing.T) {
	engine, mock, closeDB := newPickEngineUnderTest(t)
	defer closeDB()

	expectValidationQueries(mock, 12, 12, 0, 568.92)

	mock.ExpectQuery(`UPDATE sequence_counters`).
		WillReturnRows(sqlmock.NewRows([]string{"current_value"}).AddRow(int64(42)))
	mock.ExpectQuery("SELECT pallet_id FROM allocations").
		WithArgs("R1000", 1, 1).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT pallet_id FROM pallet_traceability").
		WithArgs("R1000", 1, 1).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`UPDATE sequence_counters`).
		WillReturnRows(sqlmock.NewRows([]string{"current_value"}).AddRow(int64(7)))

	// First attempt: Phase 3 hits a deadlock.
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO allocations").
		WillReturnRows(sqlmock.NewRows([]string{"lot_tran_no"}).AddRow(int64(900)))
	mock.ExpectExec("UPDATE batch_lines").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE lots SET qty_committed").
		WillReturnError(&pq.Error{Code: "40P01", Message: "deadlock detected"})
	mock.ExpectRollback()

	// Second attempt: succeeds cleanly.
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO allocations").
		WillReturnRows(sqlmock.NewRows([]string{"lot_tran_no"}).AddRow(int64(902)))
	mock.ExpectExec("UPDATE batch_lines").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE lots SET qty_committed").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO lot_transactions").
		WillReturnRows(sqlmock.NewRows([]string{"lot_tran_no"}).AddRow(int64(903)))
	mock.ExpectExec("INSERT INTO pallet_traceability").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectQuery("SELECT run_no, row_num, line_id").
		WithArgs("R1000", 1, 1).
		WillReturnRows(batchLineRows("R1000", 1, 1, "ITEM1", 5.0, sql.NullFloat64{Float64: 5.0, Valid: true}))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM batch_lines`).
		WithArgs("R1000").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("UPDATE runs SET status").
		WithArgs("R1000").
		WillReturnResult(sqlmock.NewResult(0, 1))

	req := baseRequest()
	req.PickedUnits = 5
	result, err := engine.Pick(context.Background(), req, db.Item{ItemKey: "ITEM1", ToleranceKG: -1, PackSizeKG: 20.0}, false)

	require.NoError(t, err)
	assert.Equal(t, int64(903), result.TransactionID)
	assert.True(t, result.RunCompleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestPickEngine_ResolvePalletIDReusesExisting pins §4.4.2: an existing
// pallet id on the allocation table wins over requesting a new one.
func TestPickEngine_ResolvePalletIDReusesExisting(t *testing.T) {
	engine, mock, closeDB := newPickEngineUnderTest(t)
	defer closeDB()

	mock.ExpectQuery("SELECT pallet_id FROM allocations").
		WithArgs("R1000", 1, 1).
		WillReturnRows(sqlmock.NewRows([]string{"pallet_id"}).AddRow(int64(55)))

	id, err := engine.resolvePalletID(context.Background(), "R1000", 1, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(55), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}
