// Package db stores fuzzing run results in PostgreSQL.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"pulseworm/pkg/proto"
	"pulseworm/pkg/report"
)

var (
	ErrNotInitialized = errors.New("db: connection not initialized")
	// ErrSchemaMissing means the fuzz_runs table does not exist yet.
	ErrSchemaMissing = errors.New("db: schema missing, run CreateSchema")
)

// undefined_table
const pqUndefinedTable = "42P01"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS fuzz_runs (
		id                   BIGSERIAL PRIMARY KEY,
		target               TEXT        NOT NULL,
		port                 INTEGER     NOT NULL,
		protocol             TEXT        NOT NULL,
		crash_count          INTEGER     NOT NULL,
		anomaly_count        INTEGER     NOT NULL,
		tested_payload_count INTEGER     NOT NULL,
		generation_count     INTEGER     NOT NULL,
		crash_digests        TEXT[]      NOT NULL DEFAULT '{}',
		started_at           TIMESTAMPTZ NOT NULL,
		finished_at          TIMESTAMPTZ NOT NULL
	)`,
	"CREATE INDEX IF NOT EXISTS idx_fuzz_runs_target ON fuzz_runs(target)",
	"CREATE INDEX IF NOT EXISTS idx_fuzz_runs_protocol ON fuzz_runs(protocol)",
	"CREATE INDEX IF NOT EXISTS idx_fuzz_runs_started_at ON fuzz_runs(started_at)",
}

// ResultDB is a report.Sink backed by PostgreSQL.
type ResultDB struct {
	logger logrus.FieldLogger
	db     *sql.DB
}

// Run is a stored fuzzing run.
type Run struct {
	ID int64
	report.FuzzingRunResult
	CrashDigests []string
}

// QueryOptions filter QueryRuns. Zero values do not filter.
type QueryOptions struct {
	Target       string
	Protocol     proto.Protocol
	Since        time.Time
	FindingsOnly bool
	Limit        int
}

// Open connects to dsn and checks the connection.
func Open(ctx context.Context, dsn string, logger logrus.FieldLogger) (*ResultDB, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	rdb := New(conn, logger)
	rdb.logger.Info("Connected to PostgreSQL database")
	return rdb, nil
}

// New wraps an open handle.
func New(conn *sql.DB, logger logrus.FieldLogger) *ResultDB {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ResultDB{logger: logger, db: conn}
}

func (r *ResultDB) Close() error {
	if r.db == nil {
		return nil
	}
	err := r.db.Close()
	if err != nil {
		r.logger.WithError(err).Error("Failed to close database connection")
	}
	r.db = nil
	return err
}

// CreateSchema creates the table and its indexes if missing.
func (r *ResultDB) CreateSchema(ctx context.Context) error {
	if r.db == nil {
		return ErrNotInitialized
	}
	for _, stmt := range schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// Record inserts one run.
func (r *ResultDB) Record(ctx context.Context, res report.FuzzingRunResult) error {
	if r.db == nil {
		return ErrNotInitialized
	}
	r.logger.WithFields(logrus.Fields{
		"target":   res.Target,
		"port":     res.Port,
		"protocol": res.Protocol,
	}).Debug("Storing fuzzing run")

	_, err := r.db.ExecContext(ctx, `INSERT INTO fuzz_runs
		(target, port, protocol, crash_count, anomaly_count, tested_payload_count,
		 generation_count, crash_digests, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		res.Target,
		res.Port,
		string(res.Protocol),
		res.CrashCount,
		res.AnomalyCount,
		res.TestedPayloadCount,
		res.GenerationCount,
		pq.Array(res.CrashDigests()),
		res.StartedAt,
		res.FinishedAt,
	)
	if err != nil {
		return classify("failed to store fuzzing run", err)
	}
	return nil
}

// QueryRuns returns stored runs, newest first.
func (r *ResultDB) QueryRuns(ctx context.Context, opts QueryOptions) ([]Run, error) {
	if r.db == nil {
		return nil, ErrNotInitialized
	}

	var (
		where []string
		args  []interface{}
	)
	arg := func(clause string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if opts.Target != "" {
		arg("target = $%d", opts.Target)
	}
	if opts.Protocol != "" {
		arg("protocol = $%d", string(opts.Protocol))
	}
	if !opts.Since.IsZero() {
		arg("started_at >= $%d", opts.Since)
	}
	if opts.FindingsOnly {
		where = append(where, "(crash_count > 0 OR anomaly_count > 0)")
	}

	query := `SELECT id, target, port, protocol, crash_count, anomaly_count,
		tested_payload_count, generation_count, crash_digests, started_at, finished_at
		FROM fuzz_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("failed to query fuzzing runs", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run      Run
			protocol string
		)
		if err := rows.Scan(
			&run.ID,
			&run.Target,
			&run.Port,
			&protocol,
			&run.CrashCount,
			&run.AnomalyCount,
			&run.TestedPayloadCount,
			&run.GenerationCount,
			pq.Array(&run.CrashDigests),
			&run.StartedAt,
			&run.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan fuzzing run: %w", err)
		}
		run.Protocol = proto.Parse(protocol)
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return runs, nil
}

func classify(msg string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUndefinedTable {
		return fmt.Errorf("%s: %w", msg, ErrSchemaMissing)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
