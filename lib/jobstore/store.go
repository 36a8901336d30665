// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package jobstore persists tasks and jobs in a SQL database
// (PostgreSQL or SQLite).
package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/heynemann/easyq/sdk/go/easyq"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// timeFormat sorts lexically in time order as long as all
// timestamps are UTC.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		task_id TEXT PRIMARY KEY,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		job_id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES tasks (task_id),
		image TEXT NOT NULL,
		command TEXT NOT NULL,
		status TEXT NOT NULL,
		metadata TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS jobs_task_id ON jobs (task_id)`,
	`CREATE INDEX IF NOT EXISTS jobs_status ON jobs (status)`,
}

// Store is a Task/Job store backed by a SQL database. It is safe
// for concurrent use.
type Store struct {
	db     *sqlx.DB
	driver string

	// Now returns the current time. Tests can replace it.
	Now func() time.Time
}

// Open connects to the database and creates the tables if needed.
// driver is "postgres" or "sqlite".
func Open(ctx context.Context, driver, dsn string, maxOpenConns int) (*Store, error) {
	if driver == "sqlite" && !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == "sqlite" {
		// One writer at a time; concurrent writers on separate
		// connections get SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	} else if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	s := New(db, driver)
	err = s.migrate(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}
	return s, nil
}

// New returns a Store using an existing database handle. The tables
// must already exist.
func New(db *sqlx.DB, driver string) *Store {
	return &Store{db: db, driver: driver, Now: time.Now}
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) now() string {
	return s.Now().UTC().Format(timeFormat)
}

type taskRow struct {
	TaskID    string `db:"task_id"`
	CreatedAt string `db:"created_at"`
}

func (r taskRow) task() (easyq.Task, error) {
	t, err := time.Parse(timeFormat, r.CreatedAt)
	if err != nil {
		return easyq.Task{}, err
	}
	return easyq.Task{TaskID: r.TaskID, CreatedAt: t}, nil
}

type jobRow struct {
	JobID      string `db:"job_id"`
	TaskID     string `db:"task_id"`
	Image      string `db:"image"`
	Command    string `db:"command"`
	Status     string `db:"status"`
	Metadata   string `db:"metadata"`
	RetryCount int    `db:"retry_count"`
	CreatedAt  string `db:"created_at"`
	UpdatedAt  string `db:"updated_at"`
}

const jobColumns = `job_id, task_id, image, command, status, metadata, retry_count, created_at, updated_at`

func (r jobRow) job() (easyq.Job, error) {
	job := easyq.Job{
		JobID:      r.JobID,
		TaskID:     r.TaskID,
		Image:      r.Image,
		Command:    r.Command,
		Status:     easyq.JobStatus(r.Status),
		RetryCount: r.RetryCount,
	}
	var err error
	if job.CreatedAt, err = time.Parse(timeFormat, r.CreatedAt); err != nil {
		return job, err
	}
	if job.UpdatedAt, err = time.Parse(timeFormat, r.UpdatedAt); err != nil {
		return job, err
	}
	if err = json.Unmarshal([]byte(r.Metadata), &job.Metadata); err != nil {
		return job, fmt.Errorf("job %s: decoding metadata: %w", r.JobID, err)
	}
	if job.Metadata == nil {
		job.Metadata = map[string]interface{}{}
	}
	return job, nil
}

// UpsertTask returns the task with the given ID, creating it first
// if it does not exist. Concurrent calls with the same ID all return
// the same task.
func (s *Store) UpsertTask(ctx context.Context, taskID string) (easyq.Task, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return easyq.Task{}, err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO tasks (task_id, created_at) VALUES (?, ?) ON CONFLICT (task_id) DO NOTHING`), taskID, s.now())
	if err != nil {
		return easyq.Task{}, fmt.Errorf("inserting task: %w", err)
	}
	var row taskRow
	err = tx.GetContext(ctx, &row, tx.Rebind(`SELECT task_id, created_at FROM tasks WHERE task_id = ?`), taskID)
	if err != nil {
		return easyq.Task{}, err
	}
	if err = tx.Commit(); err != nil {
		return easyq.Task{}, err
	}
	return row.task()
}

// GetTask returns the task with the given ID, or easyq.ErrNotFound.
func (s *Store) GetTask(ctx context.Context, taskID string) (easyq.Task, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT task_id, created_at FROM tasks WHERE task_id = ?`), taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return easyq.Task{}, easyq.ErrNotFound
	} else if err != nil {
		return easyq.Task{}, err
	}
	return row.task()
}

// CreateJob adds a pending job to an existing task.
func (s *Store) CreateJob(ctx context.Context, taskID, image, command string, metadata map[string]interface{}) (easyq.Job, error) {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	md, err := json.Marshal(metadata)
	if err != nil {
		return easyq.Job{}, err
	}
	now := s.now()
	row := jobRow{
		JobID:     uuid.NewString(),
		TaskID:    taskID,
		Image:     image,
		Command:   command,
		Status:    string(easyq.JobPending),
		Metadata:  string(md),
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = s.db.NamedExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`) VALUES (:job_id, :task_id, :image, :command, :status, :metadata, :retry_count, :created_at, :updated_at)`, row)
	if err != nil {
		return easyq.Job{}, fmt.Errorf("inserting job: %w", err)
	}
	return row.job()
}

// GetJob returns the job with the given ID, or easyq.ErrNotFound.
func (s *Store) GetJob(ctx context.Context, jobID string) (easyq.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`), jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return easyq.Job{}, easyq.ErrNotFound
	} else if err != nil {
		return easyq.Job{}, err
	}
	return row.job()
}

// ListJobs returns the jobs of a task, oldest first.
func (s *Store) ListJobs(ctx context.Context, taskID string) ([]easyq.Job, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT `+jobColumns+` FROM jobs WHERE task_id = ? ORDER BY created_at, job_id`), taskID)
	if err != nil {
		return nil, err
	}
	return rowsToJobs(rows)
}

// StuckJobs returns pending jobs created before the given time that
// were never handed to the work queue or scheduler, typically
// because the backend was unavailable at enqueue time.
func (s *Store) StuckJobs(ctx context.Context, createdBefore time.Time) ([]easyq.Job, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT `+jobColumns+` FROM jobs WHERE status = ? AND created_at < ? ORDER BY created_at, job_id`),
		string(easyq.JobPending), createdBefore.UTC().Format(timeFormat))
	if err != nil {
		return nil, err
	}
	jobs, err := rowsToJobs(rows)
	if err != nil {
		return nil, err
	}
	stuck := jobs[:0]
	for _, job := range jobs {
		if job.EnqueuedID() == "" {
			stuck = append(stuck, job)
		}
	}
	return stuck, nil
}

func rowsToJobs(rows []jobRow) ([]easyq.Job, error) {
	jobs := make([]easyq.Job, 0, len(rows))
	for _, row := range rows {
		job, err := row.job()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// UpdateJob applies patch to a job and returns the updated job.
// Metadata keys in the patch are merged into the existing metadata.
//
// It returns easyq.ErrNotFound if the job does not exist, and
// easyq.ErrInvalidTransition if the patch would move the job to a
// status that cannot follow its current one. Concurrent updates are
// serialized: the status written is always a valid successor of the
// status it replaces.
func (s *Store) UpdateJob(ctx context.Context, jobID string, patch easyq.JobPatch) (easyq.Job, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return easyq.Job{}, err
	}
	defer tx.Rollback()

	q := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = ?`
	if s.driver == "postgres" {
		q += ` FOR UPDATE`
	}
	var row jobRow
	err = tx.GetContext(ctx, &row, tx.Rebind(q), jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return easyq.Job{}, easyq.ErrNotFound
	} else if err != nil {
		return easyq.Job{}, err
	}
	job, err := row.job()
	if err != nil {
		return easyq.Job{}, err
	}

	if patch.IfStatus != nil && job.Status != *patch.IfStatus {
		return easyq.Job{}, fmt.Errorf("%w: status is %s, not %s", easyq.ErrInvalidTransition, job.Status, *patch.IfStatus)
	}
	allowed := []string{string(job.Status)}
	if patch.IfStatus != nil {
		// The WHERE clause enforces the guard where there is no
		// row lock (sqlite).
		allowed = []string{string(*patch.IfStatus)}
	}
	if patch.Status != nil {
		if !patch.Status.Valid() {
			return easyq.Job{}, fmt.Errorf("invalid job status %q", *patch.Status)
		}
		if !easyq.CanTransition(job.Status, *patch.Status) {
			return easyq.Job{}, fmt.Errorf("%w: %s -> %s", easyq.ErrInvalidTransition, job.Status, *patch.Status)
		}
		if patch.IfStatus == nil {
			allowed = append(allowed, statusStrings(patch.Status.Predecessors())...)
		}
		job.Status = *patch.Status
	}
	for k, v := range patch.Metadata {
		job.Metadata[k] = v
	}
	if patch.RetryCount != nil {
		job.RetryCount = *patch.RetryCount
	}
	md, err := json.Marshal(job.Metadata)
	if err != nil {
		return easyq.Job{}, err
	}
	updatedAt := s.now()

	q, args, err := sqlx.In(`UPDATE jobs SET status = ?, metadata = ?, retry_count = ?, updated_at = ? WHERE job_id = ? AND status IN (?)`,
		string(job.Status), string(md), job.RetryCount, updatedAt, jobID, allowed)
	if err != nil {
		return easyq.Job{}, err
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(q), args...)
	if err != nil {
		return easyq.Job{}, fmt.Errorf("updating job: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return easyq.Job{}, err
	} else if n == 0 {
		return easyq.Job{}, easyq.ErrInvalidTransition
	}
	if err = tx.Commit(); err != nil {
		return easyq.Job{}, err
	}
	job.UpdatedAt, _ = time.Parse(timeFormat, updatedAt)
	job.Metadata = roundTrip(md, job.Metadata)
	return job, nil
}

// roundTrip returns metadata as it will be read back from the
// database, so callers see the same value types (e.g., float64
// rather than int) before and after a reload.
func roundTrip(md []byte, fallback map[string]interface{}) map[string]interface{} {
	var m map[string]interface{}
	if err := json.Unmarshal(md, &m); err != nil || m == nil {
		return fallback
	}
	return m
}

func statusStrings(statuses []easyq.JobStatus) []string {
	var ss []string
	for _, s := range statuses {
		ss = append(ss, string(s))
	}
	return ss
}
