package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/learnflow/internal/domain"
	"github.com/dunamismax/learnflow/internal/id"
	_ "modernc.org/sqlite"
)

const sqliteSchemaSQL = `
CREATE TABLE IF NOT EXISTS learnflow_jobs (
	id               TEXT PRIMARY KEY,
	kind             TEXT NOT NULL,
	resource_id      TEXT NOT NULL,
	status           TEXT NOT NULL,
	current_step     INTEGER NOT NULL DEFAULT 0,
	total_steps      INTEGER NOT NULL DEFAULT 0,
	progress         INTEGER NOT NULL DEFAULT 0,
	step_description TEXT NOT NULL DEFAULT '',
	error_message    TEXT NOT NULL DEFAULT '',
	options          TEXT,
	result           TEXT,
	webhook_url      TEXT NOT NULL DEFAULT '',
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_learnflow_jobs_status ON learnflow_jobs(status);

CREATE TABLE IF NOT EXISTS learnflow_activity (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id     TEXT NOT NULL,
	kind       TEXT NOT NULL DEFAULT '',
	action     TEXT NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_learnflow_activity_job ON learnflow_activity(job_id, id);
`

const sqliteJobColumns = `id, kind, resource_id, status, current_step, total_steps, progress,
	step_description, error_message, options, result, webhook_url, created_at, updated_at`

// SQLiteJobStore is the embedded durable backend. It runs on a single
// connection, which serializes writers and keeps ":memory:" databases shared.
type SQLiteJobStore struct {
	db    *sql.DB
	now   func() time.Time
	newID func() string
}

func NewSQLiteJobStore(ctx context.Context, path string) (*SQLiteJobStore, error) {
	if path == "" {
		path = "learnflow.db"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=10000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, sqliteSchemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure sqlite schema: %w", err)
	}

	return &SQLiteJobStore{db: db, now: time.Now, newID: id.New}, nil
}

func (s *SQLiteJobStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteJobStore) Create(ctx context.Context, input domain.NewJob) (domain.Job, error) {
	job := domain.NewPendingJob(s.newID(), input, s.now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO learnflow_jobs (`+sqliteJobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.Kind,
		job.ResourceID,
		string(job.Status),
		job.CurrentStep,
		job.TotalSteps,
		job.Progress,
		job.StepDescription,
		job.ErrorMessage,
		nullableJSON(job.Options),
		nullableJSON(job.Result),
		job.WebhookURL,
		job.CreatedAt.UnixMicro(),
		job.UpdatedAt.UnixMicro(),
	)
	if err != nil {
		return domain.Job{}, domain.NewStorageError("insert job", err)
	}
	return job, nil
}

func (s *SQLiteJobStore) Get(ctx context.Context, jobID string) (domain.Job, error) {
	if !id.Valid(jobID) {
		return domain.Job{}, domain.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM learnflow_jobs WHERE id = ?`, jobID)
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Job{}, domain.NewStorageError("query job", err)
	}
	return job, nil
}

func (s *SQLiteJobStore) Update(ctx context.Context, jobID string, update domain.Update) (domain.Job, error) {
	if !id.Valid(jobID) {
		return domain.Job{}, domain.ErrNotFound
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, domain.NewStorageError("begin update", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM learnflow_jobs WHERE id = ?`, jobID)
	current, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Job{}, domain.NewStorageError("query job", err)
	}

	next, err := domain.ApplyUpdate(current, update, s.now())
	if err != nil {
		return current, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE learnflow_jobs
		SET status = ?, current_step = ?, total_steps = ?, progress = ?,
		    step_description = ?, error_message = ?, result = ?, updated_at = ?
		WHERE id = ?`,
		string(next.Status),
		next.CurrentStep,
		next.TotalSteps,
		next.Progress,
		next.StepDescription,
		next.ErrorMessage,
		nullableJSON(next.Result),
		next.UpdatedAt.UnixMicro(),
		next.ID,
	)
	if err != nil {
		return current, domain.NewStorageError("update job", err)
	}
	if err := tx.Commit(); err != nil {
		return current, domain.NewStorageError("commit update", err)
	}
	return next, nil
}

func (s *SQLiteJobStore) RecordActivity(ctx context.Context, event domain.ActivityEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO learnflow_activity (job_id, kind, action, detail, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		event.JobID, event.Kind, event.Action, event.Detail, event.CreatedAt.UnixMicro(),
	)
	if err != nil {
		return domain.NewStorageError("insert activity", err)
	}
	return nil
}

func (s *SQLiteJobStore) ListActivity(ctx context.Context, jobID string, limit int) ([]domain.ActivityEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, kind, action, detail, created_at
		FROM learnflow_activity
		WHERE job_id = ?
		ORDER BY id ASC
		LIMIT ?`, jobID, clampActivityLimit(limit))
	if err != nil {
		return nil, domain.NewStorageError("query activity", err)
	}
	defer rows.Close()

	events := make([]domain.ActivityEvent, 0)
	for rows.Next() {
		var (
			event     domain.ActivityEvent
			createdAt int64
		)
		if err := rows.Scan(&event.JobID, &event.Kind, &event.Action, &event.Detail, &createdAt); err != nil {
			return nil, domain.NewStorageError("scan activity", err)
		}
		event.CreatedAt = time.UnixMicro(createdAt).UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewStorageError("iterate activity", err)
	}
	return events, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (domain.Job, error) {
	var (
		job                  domain.Job
		status               string
		options, result      sql.NullString
		createdAt, updatedAt int64
	)
	if err := row.Scan(
		&job.ID,
		&job.Kind,
		&job.ResourceID,
		&status,
		&job.CurrentStep,
		&job.TotalSteps,
		&job.Progress,
		&job.StepDescription,
		&job.ErrorMessage,
		&options,
		&result,
		&job.WebhookURL,
		&createdAt,
		&updatedAt,
	); err != nil {
		return domain.Job{}, err
	}
	job.Status = domain.Status(status)
	if options.Valid {
		job.Options = []byte(options.String)
	}
	if result.Valid {
		job.Result = []byte(result.String)
	}
	job.CreatedAt = time.UnixMicro(createdAt).UTC()
	job.UpdatedAt = time.UnixMicro(updatedAt).UTC()
	return job, nil
}

// nullableJSON returns nil for empty payloads so the column stays NULL.
func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
