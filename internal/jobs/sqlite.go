package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// SQLiteStore persists jobs in a local SQLite file so journals and results
// survive restarts. A single connection serialises writers, which keeps
// SQLITE_BUSY out of the picture.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	const schema = `CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		prompt TEXT NOT NULL,
		system_prompt TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		journal TEXT NOT NULL DEFAULT '[]',
		result TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER
	)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create jobs table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Create(ctx context.Context, job *Job) error {
	journal, err := json.Marshal(job.Journal)
	if err != nil {
		return fmt.Errorf("encode journal: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, prompt, system_prompt, model, status, journal, result, error, created_at, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Prompt, job.SystemPrompt, job.Model, string(job.Status), string(journal),
		job.Result, job.Error, job.CreatedAt.UnixMilli(), unixMilliOrNil(job.StartedAt), unixMilliOrNil(job.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, job *Job) error {
	journal, err := json.Marshal(job.Journal)
	if err != nil {
		return fmt.Errorf("encode journal: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, journal = ?, result = ?, error = ?, started_at = ?, completed_at = ? WHERE id = ?`,
		string(job.Status), string(journal), job.Result, job.Error,
		unixMilliOrNil(job.StartedAt), unixMilliOrNil(job.CompletedAt), job.ID)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, selectJob+` WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

func (s *SQLiteStore) List(ctx context.Context, limit, offset int) ([]*Job, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	rows, err := s.db.QueryContext(ctx, selectJob+` ORDER BY rowid DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var result []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, job)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) Current(ctx context.Context) (*Job, error) {
	row := s.db.QueryRowContext(ctx, selectJob+` ORDER BY rowid DESC LIMIT 1`)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

func (s *SQLiteStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE created_at < ? AND status IN (?, ?, ?)`,
		cutoff, string(StatusCompleted), string(StatusFailed), string(StatusCancelled))
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

const selectJob = `SELECT id, prompt, system_prompt, model, status, journal, result, error, created_at, started_at, completed_at FROM jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job       Job
		status    string
		journal   string
		createdAt int64
		started   sql.NullInt64
		completed sql.NullInt64
	)
	err := row.Scan(&job.ID, &job.Prompt, &job.SystemPrompt, &job.Model, &status,
		&journal, &job.Result, &job.Error, &createdAt, &started, &completed)
	if err != nil {
		return nil, err
	}
	job.Status = Status(status)
	if err := json.Unmarshal([]byte(journal), &job.Journal); err != nil {
		return nil, fmt.Errorf("decode journal for job %s: %w", job.ID, err)
	}
	job.CreatedAt = time.UnixMilli(createdAt).UTC()
	if started.Valid {
		t := time.UnixMilli(started.Int64).UTC()
		job.StartedAt = &t
	}
	if completed.Valid {
		t := time.UnixMilli(completed.Int64).UTC()
		job.CompletedAt = &t
	}
	return &job, nil
}

func unixMilliOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
