package state

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/geneflow/geneflow-go/internal/definition"
	"github.com/geneflow/geneflow-go/internal/errdefs"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresStore persists records in six tables: workflow, app, step,
// depend, job and job_step. Jobs and job steps keep their full record in
// a JSONB document next to the columns used for lookups.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore connects, pings and applies pending migrations
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := Migrate(dsn); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate applies the embedded schema migrations to dsn
func Migrate(dsn string) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

type workflowRow struct {
	ID      string    `db:"id"`
	Name    string    `db:"name"`
	Version string    `db:"version"`
	Source  []byte    `db:"source"`
	Created time.Time `db:"created"`
}

type documentRow struct {
	Data []byte `db:"data"`
}

// SaveWorkflow stores the record and, once per workflow id, its parsed
// apps, steps and dependency edges
func (s *PostgresStore) SaveWorkflow(ctx context.Context, wf *WorkflowRecord) error {
	bundle, err := definition.Parse(wf.Source)
	if err != nil {
		return err
	}
	source, err := json.Marshal(wf.Source)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow source: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO workflow (id, name, version, source, created) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		wf.ID, wf.Name, wf.Version, source, wf.Created)
	if err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// identical source already stored
		return tx.Commit()
	}

	for name, app := range bundle.Apps {
		doc, err := json.Marshal(app)
		if err != nil {
			return fmt.Errorf("failed to marshal app %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO app (workflow_id, name, version, definition) VALUES ($1, $2, $3, $4)`,
			wf.ID, name, app.Version, doc); err != nil {
			return fmt.Errorf("failed to save app %s: %w", name, err)
		}
	}
	for _, step := range bundle.Workflow.Steps {
		doc, err := json.Marshal(step)
		if err != nil {
			return fmt.Errorf("failed to marshal step %s: %w", step.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO step (workflow_id, id, number, letter, app, definition) VALUES ($1, $2, $3, $4, $5, $6)`,
			wf.ID, step.ID, step.Number, step.Letter, step.App, doc); err != nil {
			return fmt.Errorf("failed to save step %s: %w", step.ID, err)
		}
	}
	for _, step := range bundle.Workflow.Steps {
		for _, parent := range step.Depend {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO depend (workflow_id, child, parent) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
				wf.ID, step.ID, parent); err != nil {
				return fmt.Errorf("failed to save dependency %s -> %s: %w", parent, step.ID, err)
			}
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*WorkflowRecord, error) {
	var row workflowRow
	err := s.db.GetContext(ctx, &row, `SELECT id, name, version, source, created FROM workflow WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workflow %s: %w", id, errdefs.ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	wf := &WorkflowRecord{ID: row.ID, Name: row.Name, Version: row.Version, Created: row.Created}
	if err := json.Unmarshal(row.Source, &wf.Source); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow source: %w", err)
	}
	return wf, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO job (id, workflow_id, name, status, queued, data) VALUES ($1, $2, $3, $4, $5, $6)`,
		job.ID, job.WorkflowID, job.Name, job.Status, job.Queued, data)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*Job, error) {
	var row documentRow
	err := s.db.GetContext(ctx, &row, `SELECT data FROM job WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, errdefs.ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	job := &Job{}
	if err := json.Unmarshal(row.Data, job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE job SET status = $2, data = $3 WHERE id = $1`, job.ID, job.Status, data)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("job %s: %w", job.ID, errdefs.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListJobs(ctx context.Context) ([]*Job, error) {
	var rows []documentRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT data FROM job ORDER BY queued DESC, id`); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	jobs := make([]*Job, 0, len(rows))
	for _, row := range rows {
		job := &Job{}
		if err := json.Unmarshal(row.Data, job); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *PostgresStore) PutJobStep(ctx context.Context, step *JobStep) error {
	data, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("failed to marshal job step: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO job_step (job_id, step_id, instance_id, status, attempt, data) VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (job_id, step_id, instance_id)
		 DO UPDATE SET status = EXCLUDED.status, attempt = EXCLUDED.attempt, data = EXCLUDED.data`,
		step.JobID, step.StepID, step.InstanceID, step.Status, step.Attempt, data)
	if err != nil {
		return fmt.Errorf("failed to save job step %s: %w", step.Key(), err)
	}
	return nil
}

func (s *PostgresStore) ListJobSteps(ctx context.Context, jobID string) ([]*JobStep, error) {
	var rows []documentRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT data FROM job_step WHERE job_id = $1 ORDER BY step_id, instance_id`, jobID); err != nil {
		return nil, fmt.Errorf("failed to list job steps: %w", err)
	}
	steps := make([]*JobStep, 0, len(rows))
	for _, row := range rows {
		step := &JobStep{}
		if err := json.Unmarshal(row.Data, step); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job step: %w", err)
		}
		steps = append(steps, step)
	}
	SortJobSteps(steps)
	return steps, nil
}

// Dependencies returns the stored parent edges of a workflow, keyed by child
func (s *PostgresStore) Dependencies(ctx context.Context, workflowID string) (map[string][]string, error) {
	var edges []struct {
		Child  string `db:"child"`
		Parent string `db:"parent"`
	}
	if err := s.db.SelectContext(ctx, &edges,
		`SELECT child, parent FROM depend WHERE workflow_id = $1 ORDER BY child, parent`, workflowID); err != nil {
		return nil, fmt.Errorf("failed to list dependencies: %w", err)
	}
	out := make(map[string][]string)
	for _, e := range edges {
		out[e.Child] = append(out[e.Child], e.Parent)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
