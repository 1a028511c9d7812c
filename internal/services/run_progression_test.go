package services

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nwfth/partial-picking/internal/db"
)

func newRunProgressionUnderTest(t *testing.T) (*RunProgressionEngine, sqlmock.Sqlmock, func()) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	return NewRunProgressionEngine(db.New(sqlDB)), mock, func() { sqlDB.Close() }
}

func TestRunCompleted_TrueWhenNoIncompletePallets(t *testing.T) {
	e, mock, closeDB := newRunProgressionUnderTest(t)
	defer closeDB()

	mock.ExpectQuery("SELECT COUNT").WithArgs("R1000").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	completed, err := e.RunCompleted(context.Background(), "R1000")
	require.NoError(t, err)
	assert.True(t, completed)
}

func TestRunCompleted_FalseWhenAnyPalletIncomplete(t *testing.T) {
	e, mock, closeDB := newRunProgressionUnderTest(t)
	defer closeDB()

	mock.ExpectQuery("SELECT COUNT").WithArgs("R1000").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	completed, err := e.RunCompleted(context.Background(), "R1000")
	require.NoError(t, err)
	assert.False(t, completed)
}

func TestCheckAndCompleteRun_SkipsTransitionWhenIncomplete(t *testing.T) {
	e, mock, closeDB := newRunProgressionUnderTest(t)
	defer closeDB()

	mock.ExpectQuery("SELECT COUNT").WithArgs("R1000").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	transitioned, err := e.CheckAndCompleteRun(context.Background(), "R1000", time.Now(), "operator1")
	require.NoError(t, err)
	assert.False(t, transitioned)
}

func TestCheckAndCompleteRun_TransitionsNewToPrint(t *testing.T) {
	e, mock, closeDB := newRunProgressionUnderTest(t)
	defer closeDB()

	mock.ExpectQuery("SELECT COUNT").WithArgs("R1000").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("UPDATE runs SET status = 'PRINT'").WithArgs("R1000").
		WillReturnResult(sqlmock.NewResult(0, 1))

	transitioned, err := e.CheckAndCompleteRun(context.Background(), "R1000", time.Now(), "operator1")
	require.NoError(t, err)
	assert.True(t, transitioned)
}

func TestRevertStatus_NoOpWhenAlreadyNew(t *testing.T) {
	e, mock, closeDB := newRunProgressionUnderTest(t)
	defer closeDB()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM runs").WithArgs("R1000").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("NEW"))
	mock.ExpectRollback()

	reverted, err := e.RevertStatus(context.Background(), "R1000", "operator1", time.Now())
	require.NoError(t, err)
	assert.False(t, reverted)
}

func TestRevertStatus_TransitionsPrintToNew(t *testing.T) {
	e, mock, closeDB := newRunProgressionUnderTest(t)
	defer closeDB()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM runs").WithArgs("R1000").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("PRINT"))
	mock.ExpectExec("UPDATE runs SET status = 'NEW'").WithArgs("R1000").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE batch_lines SET modified_by").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	reverted, err := e.RevertStatus(context.Background(), "R1000", "operator1", time.Now())
	require.NoError(t, err)
	assert.True(t, reverted)
}
