package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/polisai/polis-esb/pkg/domain"
	"github.com/polisai/polis-esb/pkg/storage"
)

// RunJournal is a storage.RunJournal persisted in sqlite.
type RunJournal struct {
	db *DB
}

var _ storage.RunJournal = (*RunJournal)(nil)

// NewRunJournal returns a journal writing to db.
func NewRunJournal(db *DB) *RunJournal {
	return &RunJournal{db: db}
}

// Record inserts the run and its stages in one transaction.
func (j *RunJournal) Record(ctx context.Context, run domain.RunRecord) error {
	if run.RunID == "" {
		return fmt.Errorf("record run: empty run id")
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin run insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO pipeline_run (run_id, route_id, request_id, status, failed_stage, error_kind, error, downstream_status, started_at, duration_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.RouteID, run.RequestID, string(run.Status), run.FailedStage,
		string(run.ErrorKind), run.Error, run.DownstreamStatus,
		run.StartedAt.UnixNano(), int64(run.Duration),
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.RunID, err)
	}

	for _, s := range run.Stages {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO pipeline_run_stage (run_id, stage_index, name, kind, outcome, duration_ns, error)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			run.RunID, s.Index, s.Name, string(s.Kind), string(s.Outcome), int64(s.Duration), s.Error,
		)
		if err != nil {
			return fmt.Errorf("insert stage %d of run %s: %w", s.Index, run.RunID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run %s: %w", run.RunID, err)
	}
	return nil
}

// Get returns one run with its stages.
func (j *RunJournal) Get(ctx context.Context, runID string) (domain.RunRecord, error) {
	row := j.db.QueryRowContext(ctx, runColumns+` WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RunRecord{}, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	if err != nil {
		return domain.RunRecord{}, fmt.Errorf("load run %s: %w", runID, err)
	}

	run.Stages, err = j.stages(ctx, runID)
	if err != nil {
		return domain.RunRecord{}, err
	}
	return run, nil
}

// List returns matching runs, newest first. Stages are included.
func (j *RunJournal) List(ctx context.Context, filter domain.RunFilter) ([]domain.RunRecord, error) {
	var (
		where []string
		args  []any
	)
	if filter.RouteID != "" {
		where = append(where, "route_id = ?")
		args = append(args, filter.RouteID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := runColumns
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, rowid DESC LIMIT ?"
	args = append(args, storage.EffectiveLimit(filter.Limit))

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	for i := range runs {
		if runs[i].Stages, err = j.stages(ctx, runs[i].RunID); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

// Close closes the underlying database.
func (j *RunJournal) Close() error {
	return j.db.Close()
}

const runColumns = `SELECT run_id, route_id, request_id, status, failed_stage, error_kind, error, downstream_status, started_at, duration_ns FROM pipeline_run`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (domain.RunRecord, error) {
	var (
		run       domain.RunRecord
		status    string
		kind      string
		startedAt int64
		duration  int64
	)
	err := s.Scan(&run.RunID, &run.RouteID, &run.RequestID, &status, &run.FailedStage,
		&kind, &run.Error, &run.DownstreamStatus, &startedAt, &duration)
	if err != nil {
		return domain.RunRecord{}, err
	}
	run.Status = domain.RunStatus(status)
	run.ErrorKind = domain.ErrorKind(kind)
	run.StartedAt = time.Unix(0, startedAt).UTC()
	run.Duration = time.Duration(duration)
	return run, nil
}

func (j *RunJournal) stages(ctx context.Context, runID string) ([]domain.StageRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT stage_index, name, kind, outcome, duration_ns, error
		FROM pipeline_run_stage WHERE run_id = ? ORDER BY stage_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("load stages of run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []domain.StageRecord
	for rows.Next() {
		var (
			s        domain.StageRecord
			kind     string
			outcome  string
			duration int64
		)
		if err := rows.Scan(&s.Index, &s.Name, &kind, &outcome, &duration, &s.Error); err != nil {
			return nil, fmt.Errorf("scan stage: %w", err)
		}
		s.Kind = domain.StageKind(kind)
		s.Outcome = domain.StageOutcome(outcome)
		s.Duration = time.Duration(duration)
		out = append(out, s)
	}
	return out, rows.Err()
}
