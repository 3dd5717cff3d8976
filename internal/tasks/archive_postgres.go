package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresArchive struct {
	pool *pgxpool.Pool
}

func NewPostgresArchive(ctx context.Context, databaseURL string) (*PostgresArchive, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initArchiveSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresArchive{pool: pool}, nil
}

func initArchiveSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS task_snapshots (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			progress JSONB NOT NULL DEFAULT '[]'::jsonb,
			result JSONB NULL,
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ NULL,
			ended_at TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_snapshots_created ON task_snapshots (created_at DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init archive schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (a *PostgresArchive) SaveSnapshot(ctx context.Context, task Task) error {
	progress, err := json.Marshal(task.Progress)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	var result []byte
	if len(task.Result) > 0 {
		result = task.Result
	}
	_, err = a.pool.Exec(ctx,
		`INSERT INTO task_snapshots (id, kind, status, progress, result, error, created_at, started_at, ended_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		 ON CONFLICT (id) DO UPDATE SET
			status=EXCLUDED.status,
			progress=EXCLUDED.progress,
			result=EXCLUDED.result,
			error=EXCLUDED.error,
			started_at=EXCLUDED.started_at,
			ended_at=EXCLUDED.ended_at`,
		task.ID,
		task.Kind,
		string(task.Status),
		progress,
		result,
		task.Error,
		task.CreatedAt,
		task.StartedAt,
		task.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

func (a *PostgresArchive) GetSnapshot(ctx context.Context, taskID string) (Task, error) {
	row := a.pool.QueryRow(ctx,
		`SELECT id, kind, status, progress, result, error, created_at, started_at, ended_at
		   FROM task_snapshots WHERE id=$1`,
		taskID,
	)
	task, err := scanSnapshot(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Task{}, ErrArchiveNotFound
		}
		return Task{}, fmt.Errorf("get snapshot: %w", err)
	}
	return task, nil
}

func (a *PostgresArchive) ListRecent(ctx context.Context, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := a.pool.Query(ctx,
		`SELECT id, kind, status, progress, result, error, created_at, started_at, ended_at
		   FROM task_snapshots ORDER BY created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	out := make([]Task, 0, limit)
	for rows.Next() {
		task, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot rows: %w", err)
	}
	return out, nil
}

func scanSnapshot(row pgx.Row) (Task, error) {
	var (
		task            Task
		status          string
		progressRaw     []byte
		resultRaw       []byte
		startedNullable *time.Time
		endedNullable   *time.Time
	)
	if err := row.Scan(
		&task.ID,
		&task.Kind,
		&status,
		&progressRaw,
		&resultRaw,
		&task.Error,
		&task.CreatedAt,
		&startedNullable,
		&endedNullable,
	); err != nil {
		return Task{}, err
	}
	task.Status = Status(status)
	task.StartedAt = startedNullable
	task.EndedAt = endedNullable
	if len(progressRaw) > 0 {
		if err := json.Unmarshal(progressRaw, &task.Progress); err != nil {
			return Task{}, fmt.Errorf("unmarshal progress: %w", err)
		}
	}
	if len(resultRaw) > 0 {
		task.Result = json.RawMessage(resultRaw)
	}
	return task, nil
}

func (a *PostgresArchive) Close() error {
	a.pool.Close()
	return nil
}
