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

func newValidatorUnderTest(t *testing.T) (*Validator, sqlmock.Sqlmock, func()) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	queries := db.New(sqlDB)
	return NewValidator(queries), mock, func() { sqlDB.Close() }
}

func batchLineRows(runNo string, rowNum, lineID int, itemKey string, toPick float64, pickedUnits sql.NullFloat64) *sqlmock.Rows {
	return batchLineRowsPackSize(runNo, rowNum, lineID, itemKey, toPick, pickedUnits, 25.0)
}

func batchLineRowsPackSize(runNo string, rowNum, lineID int, itemKey string, toPick float64, pickedUnits sql.NullFloat64, packSizeKG float64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"run_no", "row_num", "line_id", "item_key", "batch_no", "pack_size_kg",
		"to_pick_units", "picked_units", "picked_kg", "status", "picking_date",
		"modified_by", "modified_date",
	}).AddRow(runNo, rowNum, lineID, itemKey, "B001", packSizeKG, toPick, pickedUnits,
		sql.NullFloat64{}, sql.NullString{}, sql.NullTime{}, sql.NullString{}, sql.NullTime{})
}

func lotBinRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"lot_no", "item_key", "location", "bin_no", "qty_on_hand", "qty_committed",
		"date_received", "date_expiry", "status", "vendor_lot_no",
		"nettable", "partial_only", "zone_priority",
	})
}

func baseRequest() PickRequest {
	return PickRequest{
		RunNo:         "R1000",
		RowNum:        1,
		LineID:        1,
		LotNo:         "LOT1",
		BinNo:         "BIN-A",
		PickedUnits:   2,
		WorkstationID: "WS1",
		UserID:        "operator1",
	}
}

func TestValidator_RejectsEmptyLotOrBin(t *testing.T) {
	v, _, closeDB := newValidatorUnderTest(t)
	defer closeDB()

	req := baseRequest()
	req.LotNo = ""
	_, err := v.Validate(context.Background(), req, "TFC1", db.Item{}, false)

	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.KindValidation, appErr.Kind)
}

func TestValidator_RejectsZeroOrNegativePickedUnits(t *testing.T) {
	v, _, closeDB := newValidatorUnderTest(t)
	defer closeDB()

	req := baseRequest()
	req.PickedUnits = 0
	_, err := v.Validate(context.Background(), req, "TFC1", db.Item{}, false)

	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.KindValidation, appErr.Kind)
}

func TestValidator_BatchLineNotFound(t *testing.T) {
	v, mock, closeDB := newValidatorUnderTest(t)
	defer closeDB()

	mock.ExpectQuery("SELECT run_no, row_num, line_id").
		WithArgs("R1000", 1, 1).
		WillReturnError(sql.ErrNoRows)

	_, err := v.Validate(context.Background(), baseRequest(), "TFC1", db.Item{}, false)

	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.KindNotFound, appErr.Kind)
}

// TestValidator_NullPickedUnitsIsNotAlreadyComplete pins the §4.2
// null-coalescing rule: a NULL picked_units column reads as zero picked,
// not as "complete", so a line with nothing picked yet is still pickable.
func TestValidator_NullPickedUnitsIsNotAlreadyComplete(t *testing.T) {
	v, mock, closeDB := newValidatorUnderTest(t)
	defer closeDB()

	mock.ExpectQuery("SELECT run_no, row_num, line_id").
		WithArgs("R1000", 1, 1).
		WillReturnRows(batchLineRows("R1000", 1, 1, "ITEM1", 10.0, sql.NullFloat64{}))

	mock.ExpectQuery("SELECT COALESCE").
		WithArgs("R1000", "ITEM1").
		WillReturnRows(sqlmock.NewRows([]string{"sum_to_pick", "sum_picked"}).AddRow(10.0, 0.0))

	mock.ExpectQuery("SELECT l.lot_no, l.item_key").
		WithArgs("LOT1", "ITEM1", "TFC1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(lotBinRows().AddRow("LOT1", "ITEM1", "TFC1", "BIN-A", 100.0, 0.0,
			sql.NullTime{}, sql.NullTime{}, "Approved", sql.NullString{}, true, false, 1))

	result, err := v.Validate(context.Background(), baseRequest(), "TFC1", db.Item{ItemKey: "ITEM1", ToleranceKG: -1, PackSizeKG: 25.0}, false)

	require.NoError(t, err)
	assert.Equal(t, 50.0, result.RequestedKG)
}

func TestValidator_AlreadyCompletedRejected(t *testing.T) {
	v, mock, closeDB := newValidatorUnderTest(t)
	defer closeDB()

	mock.ExpectQuery("SELECT run_no, row_num, line_id").
		WithArgs("R1000", 1, 1).
		WillReturnRows(batchLineRows("R1000", 1, 1, "ITEM1", 10.0, sql.NullFloat64{Float64: 10.0, Valid: true}))

	_, err := v.Validate(context.Background(), baseRequest(), "TFC1", db.Item{ItemKey: "ITEM1"}, false)

	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.KindBatchAlreadyCompleted, appErr.Kind)
}

func TestValidator_OverPickRejected(t *testing.T) {
	v, mock, closeDB := newValidatorUnderTest(t)
	defer closeDB()

	mock.ExpectQuery("SELECT run_no, row_num, line_id").
		WithArgs("R1000", 1, 1).
		WillReturnRows(batchLineRows("R1000", 1, 1, "ITEM1", 1.0, sql.NullFloat64{}))

	req := baseRequest()
	req.PickedUnits = 5
	_, err := v.Validate(context.Background(), req, "TFC1", db.Item{ItemKey: "ITEM1"}, false)

	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.KindValidation, appErr.Kind)
	assert.Equal(t, 1.0, appErr.MaxAllowed)
}

// TestValidator_IngredientSaturationJoinsOnItemKeyOnly pins §4.3.5: the
// saturation check aggregates every batch line sharing item_key across
// the whole run, regardless of row_num/line_id, so a pick that fits the
// one line can still be rejected for saturating the ingredient overall.
func TestValidator_IngredientSaturationJoinsOnItemKeyOnly(t *testing.T) {
	v, mock, closeDB := newValidatorUnderTest(t)
	defer closeDB()

	mock.ExpectQuery("SELECT run_no, row_num, line_id").
		WithArgs("R1000", 1, 1).
		WillReturnRows(batchLineRows("R1000", 1, 1, "ITEM1", 10.0, sql.NullFloat64{}))

	mock.ExpectQuery("SELECT COALESCE").
		WithArgs("R1000", "ITEM1").
		WillReturnRows(sqlmock.NewRows([]string{"sum_to_pick", "sum_picked"}).AddRow(10.0, 9.0))

	req := baseRequest()
	req.PickedUnits = 2
	_, err := v.Validate(context.Background(), req, "TFC1", db.Item{ItemKey: "ITEM1"}, false)

	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.KindValidation, appErr.Kind)
}

func TestValidator_LotNotFoundInRequestedBin(t *testing.T) {
	v, mock, closeDB := newValidatorUnderTest(t)
	defer closeDB()

	mock.ExpectQuery("SELECT run_no, row_num, line_id").
		WithArgs("R1000", 1, 1).
		WillReturnRows(batchLineRows("R1000", 1, 1, "ITEM1", 10.0, sql.NullFloat64{}))

	mock.ExpectQuery("SELECT COALESCE").
		WithArgs("R1000", "ITEM1").
		WillReturnRows(sqlmock.NewRows([]string{"sum_to_pick", "sum_picked"}).AddRow(10.0, 0.0))

	mock.ExpectQuery("SELECT l.lot_no, l.item_key").
		WithArgs("LOT1", "ITEM1", "TFC1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(lotBinRows())

	_, err := v.Validate(context.Background(), baseRequest(), "TFC1", db.Item{ItemKey: "ITEM1"}, false)

	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.KindLotNotFound, appErr.Kind)
}

func TestValidator_InsufficientInventory(t *testing.T) {
	v, mock, closeDB := newValidatorUnderTest(t)
	defer closeDB()

	mock.ExpectQuery("SELECT run_no, row_num, line_id").
		WithArgs("R1000", 1, 1).
		WillReturnRows(batchLineRows("R1000", 1, 1, "ITEM1", 10.0, sql.NullFloat64{}))

	mock.ExpectQuery("SELECT COALESCE").
		WithArgs("R1000", "ITEM1").
		WillReturnRows(sqlmock.NewRows([]string{"sum_to_pick", "sum_picked"}).AddRow(10.0, 0.0))

	mock.ExpectQuery("SELECT l.lot_no, l.item_key").
		WithArgs("LOT1", "ITEM1", "TFC1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(lotBinRows().AddRow("LOT1", "ITEM1", "TFC1", "BIN-A", 10.0, 0.0,
			sql.NullTime{}, sql.NullTime{}, "Approved", sql.NullString{}, true, false, 1))

	req := baseRequest()
	req.PickedUnits = 1 // 1 * 25kg pack size = 25kg > 10kg available
	_, err := v.Validate(context.Background(), req, "TFC1", db.Item{ItemKey: "ITEM1"}, false)

	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.KindInsufficientInventory, appErr.Kind)
}

// TestValidator_WeightOutsideTolerance pins spec §8 scenario S7: a
// partial-pick weighing of 20.026kg against a 20.0kg pack size and a
// 0.025kg tolerance must be rejected (0.026kg deviation exceeds it). The
// partial variant passes the weighed kg directly in PickedUnits — see
// §4.4.3.
func TestValidator_WeightOutsideTolerance(t *testing.T) {
	v, mock, closeDB := newValidatorUnderTest(t)
	defer closeDB()

	mock.ExpectQuery("SELECT run_no, row_num, line_id").
		WithArgs("R1000", 1, 1).
		WillReturnRows(batchLineRowsPackSize("R1000", 1, 1, "ITEM1", 10.0, sql.NullFloat64{}, 20.0))

	mock.ExpectQuery("SELECT COALESCE").
		WithArgs("R1000", "ITEM1").
		WillReturnRows(sqlmock.NewRows([]string{"sum_to_pick", "sum_picked"}).AddRow(10.0, 0.0))

	mock.ExpectQuery("SELECT l.lot_no, l.item_key").
		WithArgs("LOT1", "ITEM1", "TFC1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(lotBinRows().AddRow("LOT1", "ITEM1", "TFC1", "BIN-A", 1000.0, 0.0,
			sql.NullTime{}, sql.NullTime{}, "Approved", sql.NullString{}, true, false, 1))

	req := baseRequest()
	req.PickedUnits = 20.026 // actual kg weighed, partial variant
	_, err := v.Validate(context.Background(), req, "TFC1", db.Item{ItemKey: "ITEM1", ToleranceKG: 0.025}, true)

	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.KindValidation, appErr.Kind)
}

// TestValidator_WeightWithinTolerance is the accepting counterpart: a
// weighed kg within the tolerance band passes.
func TestValidator_WeightWithinTolerance(t *testing.T) {
	v, mock, closeDB := newValidatorUnderTest(t)
	defer closeDB()

	mock.ExpectQuery("SELECT run_no, row_num, line_id").
		WithArgs("R1000", 1, 1).
		WillReturnRows(batchLineRowsPackSize("R1000", 1, 1, "ITEM1", 10.0, sql.NullFloat64{}, 20.0))

	mock.ExpectQuery("SELECT COALESCE").
		WithArgs("R1000", "ITEM1").
		WillReturnRows(sqlmock.NewRows([]string{"sum_to_pick", "sum_picked"}).AddRow(10.0, 0.0))

	mock.ExpectQuery("SELECT l.lot_no, l.item_key").
		WithArgs("LOT1", "ITEM1", "TFC1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(lotBinRows().AddRow("LOT1", "ITEM1", "TFC1", "BIN-A", 1000.0, 0.0,
			sql.NullTime{}, sql.NullTime{}, "Approved", sql.NullString{}, true, false, 1))

	req := baseRequest()
	req.PickedUnits = 20.01 // within the 0.025kg tolerance band
	result, err := v.Validate(context.Background(), req, "TFC1", db.Item{ItemKey: "ITEM1", ToleranceKG: 0.025}, true)

	require.NoError(t, err)
	assert.InDelta(t, 20.01, result.RequestedKG, 1e-9)
}

func TestValidator_WarnsNearFullLotConsumption(t *testing.T) {
	v, mock, closeDB := newValidatorUnderTest(t)
	defer closeDB()

	mock.ExpectQuery("SELECT run_no, row_num, line_id").
		WithArgs("R1000", 1, 1).
		WillReturnRows(batchLineRows("R1000", 1, 1, "ITEM1", 10.0, sql.NullFloat64{}))

	mock.ExpectQuery("SELECT COALESCE").
		WithArgs("R1000", "ITEM1").
		WillReturnRows(sqlmock.NewRows([]string{"sum_to_pick", "sum_picked"}).AddRow(10.0, 0.0))

	mock.ExpectQuery("SELECT l.lot_no, l.item_key").
		WithArgs("LOT1", "ITEM1", "TFC1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(lotBinRows().AddRow("LOT1", "ITEM1", "TFC1", "BIN-A", 50.0, 0.0,
			sql.NullTime{}, sql.NullTime{}, "Approved", sql.NullString{}, true, false, 1))

	req := baseRequest()
	req.PickedUnits = 2 // requestedKG = 50kg = 100% of the 50kg available
	result, err := v.Validate(context.Background(), req, "TFC1", db.Item{ItemKey: "ITEM1", ToleranceKG: -1}, false)

	require.NoError(t, err)
	assert.Contains(t, result.Warnings, "this pick will consume over 90% of the chosen lot's available quantity")
}
