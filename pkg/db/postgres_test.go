package db

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulseworm/pkg/proto"
	"pulseworm/pkg/report"
)

func newMock(t *testing.T) (*ResultDB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	logger, _ := test.NewNullLogger()
	return New(conn, logger), mock
}

func sampleRun() report.FuzzingRunResult {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return report.FuzzingRunResult{
		Target:             "10.0.0.5",
		Port:               445,
		Protocol:           proto.SMB,
		CrashCount:         2,
		AnomalyCount:       1,
		TestedPayloadCount: 50,
		GenerationCount:    10,
		CrashPayloads:      [][]byte{[]byte("a")},
		StartedAt:          start,
		FinishedAt:         start.Add(time.Minute),
	}
}

func TestRecord(t *testing.T) {
	rdb, mock := newMock(t)
	run := sampleRun()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO fuzz_runs")).
		WithArgs("10.0.0.5", 445, "SMB", 2, 1, 50, 10, sqlmock.AnyArg(), run.StartedAt, run.FinishedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, rdb.Record(context.Background(), run))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordWithoutSchema(t *testing.T) {
	rdb, mock := newMock(t)
	mock.ExpectExec("INSERT INTO fuzz_runs").WillReturnError(&pq.Error{Code: "42P01", Message: `relation "fuzz_runs" does not exist`})

	err := rdb.Record(context.Background(), sampleRun())
	assert.ErrorIs(t, err, ErrSchemaMissing)
}

func TestCreateSchema(t *testing.T) {
	rdb, mock := newMock(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS fuzz_runs").WillReturnResult(sqlmock.NewResult(0, 0))
	for range schema[1:] {
		mock.ExpectExec("CREATE INDEX IF NOT EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	require.NoError(t, rdb.CreateSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryRuns(t *testing.T) {
	rdb, mock := newMock(t)
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	cols := []string{"id", "target", "port", "protocol", "crash_count", "anomaly_count",
		"tested_payload_count", "generation_count", "crash_digests", "started_at", "finished_at"}

	mock.ExpectQuery(`SELECT (.+) FROM fuzz_runs WHERE protocol = \$1 AND \(crash_count > 0 OR anomaly_count > 0\) ORDER BY started_at DESC LIMIT \$2`).
		WithArgs("SMB", 5).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(int64(7), "10.0.0.5", int64(445), "SMB", int64(2), int64(0), int64(50), int64(10), "{abc,def}", start, start.Add(time.Second)))

	runs, err := rdb.QueryRuns(context.Background(), QueryOptions{Protocol: proto.SMB, FindingsOnly: true, Limit: 5})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, int64(7), runs[0].ID)
	assert.Equal(t, proto.SMB, runs[0].Protocol)
	assert.Equal(t, 445, runs[0].Port)
	assert.Equal(t, []string{"abc", "def"}, runs[0].CrashDigests)
	assert.Equal(t, start, runs[0].StartedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClosedDB(t *testing.T) {
	rdb, mock := newMock(t)
	mock.ExpectClose()
	require.NoError(t, rdb.Close())
	assert.ErrorIs(t, rdb.Record(context.Background(), sampleRun()), ErrNotInitialized)
	_, err := rdb.QueryRuns(context.Background(), QueryOptions{})
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.NoError(t, rdb.Close())
}
