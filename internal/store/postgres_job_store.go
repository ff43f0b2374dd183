package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/learnflow/internal/domain"
	"github.com/dunamismax/learnflow/internal/id"
	_ "github.com/lib/pq"
)

const postgresSchemaSQL = `
CREATE TABLE IF NOT EXISTS learnflow_jobs (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	resource_id TEXT NOT NULL,
	status TEXT NOT NULL,
	current_step INTEGER NOT NULL DEFAULT 0,
	total_steps INTEGER NOT NULL DEFAULT 0,
	progress INTEGER NOT NULL DEFAULT 0,
	step_description TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	options JSONB,
	result JSONB,
	webhook_url TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_learnflow_jobs_status ON learnflow_jobs (status);

CREATE TABLE IF NOT EXISTS learnflow_activity (
	id BIGSERIAL PRIMARY KEY,
	job_id TEXT NOT NULL,
	kind TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_learnflow_activity_job ON learnflow_activity (job_id, id);
`

const postgresJobColumns = `id, kind, resource_id, status, current_step, total_steps, progress,
	step_description, error_message, options, result, webhook_url, created_at, updated_at`

type PostgresJobStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresJobStore(ctx context.Context, dsn string) (*PostgresJobStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresJobStore{db: db, now: time.Now}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *PostgresJobStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, postgresSchemaSQL); err != nil {
		return fmt.Errorf("ensure learnflow schema: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Close() error {
	return s.db.Close()
}

func (s *PostgresJobStore) Create(ctx context.Context, input domain.NewJob) (domain.Job, error) {
	job := domain.NewPendingJob(id.New(), input, s.now())

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO learnflow_jobs (`+postgresJobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
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
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return domain.Job{}, domain.NewStorageError("insert job", err)
	}

	return job, nil
}

func (s *PostgresJobStore) Get(ctx context.Context, jobID string) (domain.Job, error) {
	if !id.Valid(jobID) {
		return domain.Job{}, domain.ErrNotFound
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+postgresJobColumns+` FROM learnflow_jobs WHERE id = $1`, jobID)
	job, err := scanPostgresJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Job{}, domain.NewStorageError("query job", err)
	}
	return job, nil
}

// Update locks the row for the duration of the read-validate-write cycle so
// concurrent writers to the same job apply in sequence.
func (s *PostgresJobStore) Update(ctx context.Context, jobID string, update domain.Update) (domain.Job, error) {
	if !id.Valid(jobID) {
		return domain.Job{}, domain.ErrNotFound
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, domain.NewStorageError("begin update", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+postgresJobColumns+` FROM learnflow_jobs WHERE id = $1 FOR UPDATE`, jobID)
	current, err := scanPostgresJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Job{}, domain.NewStorageError("lock job", err)
	}

	next, err := domain.ApplyUpdate(current, update, s.now())
	if err != nil {
		return current, err
	}

	_, err = tx.ExecContext(
		ctx,
		`UPDATE learnflow_jobs
		 SET status = $1, current_step = $2, total_steps = $3, progress = $4,
		     step_description = $5, error_message = $6, result = $7, updated_at = $8
		 WHERE id = $9`,
		string(next.Status),
		next.CurrentStep,
		next.TotalSteps,
		next.Progress,
		next.StepDescription,
		next.ErrorMessage,
		nullableJSON(next.Result),
		next.UpdatedAt,
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

func (s *PostgresJobStore) RecordActivity(ctx context.Context, event domain.ActivityEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO learnflow_activity (job_id, kind, action, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		event.JobID,
		event.Kind,
		event.Action,
		event.Detail,
		event.CreatedAt,
	)
	if err != nil {
		return domain.NewStorageError("insert activity", err)
	}
	return nil
}

func (s *PostgresJobStore) ListActivity(ctx context.Context, jobID string, limit int) ([]domain.ActivityEvent, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT job_id, kind, action, detail, created_at
		 FROM learnflow_activity
		 WHERE job_id = $1
		 ORDER BY id ASC
		 LIMIT $2`,
		jobID,
		clampActivityLimit(limit),
	)
	if err != nil {
		return nil, domain.NewStorageError("query activity", err)
	}
	defer rows.Close()

	events := make([]domain.ActivityEvent, 0)
	for rows.Next() {
		var event domain.ActivityEvent
		if err := rows.Scan(&event.JobID, &event.Kind, &event.Action, &event.Detail, &event.CreatedAt); err != nil {
			return nil, domain.NewStorageError("scan activity", err)
		}
		event.CreatedAt = event.CreatedAt.UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewStorageError("iterate activity", err)
	}
	return events, nil
}

func scanPostgresJob(row rowScanner) (domain.Job, error) {
	var (
		job             domain.Job
		status          string
		options, result []byte
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
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return domain.Job{}, err
	}
	job.Status = domain.Status(status)
	if len(options) > 0 {
		job.Options = options
	}
	if len(result) > 0 {
		job.Result = result
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return job, nil
}
