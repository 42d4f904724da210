package run

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ahmethakanbesel/expiry-archiver/internal/apperror"
	"github.com/ahmethakanbesel/expiry-archiver/internal/pipeline"
	domain "github.com/ahmethakanbesel/expiry-archiver/internal/run"
)

const (
	// Fixed width so started_at sorts as text.
	timeFormat = "2006-01-02T15:04:05.000000000Z07:00"
	columns    = `id, triggered_by, status, expiry, total, succeeded, failed,
		archive_name, archive_size, delivered, error, started_at, finished_at`
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Create(ctx context.Context, run *domain.Run) error {
	const query = `INSERT INTO runs (id, triggered_by, status, expiry, started_at)
		VALUES (?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		run.ID, string(run.Trigger), string(run.Status),
		formatDate(run.Expiry), run.StartedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// Finish stores the outcome of a run and its per-symbol results in one
// transaction.
func (r *Repository) Finish(ctx context.Context, run *domain.Run) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("finish run: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var finished sql.NullString
	if run.FinishedAt != nil {
		finished = sql.NullString{String: run.FinishedAt.UTC().Format(timeFormat), Valid: true}
	}

	res, err := tx.ExecContext(ctx, `UPDATE runs SET status = ?, expiry = ?, total = ?,
		succeeded = ?, failed = ?, archive_name = ?, archive_size = ?,
		delivered = ?, error = ?, finished_at = ?
		WHERE id = ?`,
		string(run.Status), formatDate(run.Expiry), run.Total,
		run.SucceededCount, run.FailedCount, nullString(run.ArchiveName), run.ArchiveSize,
		run.Delivered, nullString(run.Error), finished,
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("finish run: update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.New(apperror.NotFound, "run not found")
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO run_results (run_id, symbol, succeeded, reason) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("finish run: prepare: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, sym := range run.Succeeded {
		if _, err := stmt.ExecContext(ctx, run.ID, sym, true, nil); err != nil {
			return fmt.Errorf("finish run: insert result %s: %w", sym, err)
		}
	}
	for _, f := range run.Failures {
		if _, err := stmt.ExecContext(ctx, run.ID, f.Symbol, false, f.Reason); err != nil {
			return fmt.Errorf("finish run: insert result %s: %w", f.Symbol, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("finish run: commit: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*domain.Run, error) {
	run, err := scanRun(r.db.QueryRowContext(ctx, `SELECT `+columns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.New(apperror.NotFound, "run not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT symbol, succeeded, reason FROM run_results WHERE run_id = ? ORDER BY symbol`, id)
	if err != nil {
		return nil, fmt.Errorf("get run results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var sym string
		var ok bool
		var reason sql.NullString
		if err := rows.Scan(&sym, &ok, &reason); err != nil {
			return nil, fmt.Errorf("scan run result: %w", err)
		}
		if ok {
			run.Succeeded = append(run.Succeeded, sym)
		} else {
			run.Failures = append(run.Failures, pipeline.Failure{Symbol: sym, Reason: reason.String})
		}
	}
	return run, rows.Err()
}

// List returns runs newest first, without per-symbol results.
func (r *Repository) List(ctx context.Context, status domain.Status, limit int) ([]domain.Run, error) {
	query := `SELECT ` + columns + ` FROM runs WHERE 1=1`

	var args []any
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	runs := []domain.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// RecoverStale marks runs left running by a previous process as
// interrupted.
func (r *Repository) RecoverStale(ctx context.Context) (int64, error) {
	const query = `UPDATE runs SET status = 'interrupted',
		error = 'process exited before the run finished',
		finished_at = ?
		WHERE status = 'running'`

	res, err := r.db.ExecContext(ctx, query, time.Now().UTC().Format(timeFormat))
	if err != nil {
		return 0, fmt.Errorf("recover stale runs: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*domain.Run, error) {
	run := &domain.Run{}
	var trigger, status, expiry, started string
	var archiveName, runErr, finished sql.NullString

	err := s.Scan(
		&run.ID, &trigger, &status, &expiry,
		&run.Total, &run.SucceededCount, &run.FailedCount,
		&archiveName, &run.ArchiveSize, &run.Delivered, &runErr,
		&started, &finished,
	)
	if err != nil {
		return nil, err
	}

	run.Trigger = domain.Trigger(trigger)
	run.Status = domain.Status(status)
	run.ArchiveName = archiveName.String
	run.Error = runErr.String
	if expiry != "" {
		run.Expiry, _ = time.Parse(time.DateOnly, expiry)
	}
	run.StartedAt, _ = time.Parse(timeFormat, started)
	if finished.Valid {
		t, _ := time.Parse(timeFormat, finished.String)
		run.FinishedAt = &t
	}
	return run, nil
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.DateOnly)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
