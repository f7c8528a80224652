package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/spherical-ai/convertx/internal/domain"
)

// Common errors
var (
	ErrNotFound = errors.New("record not found")
)

// DB represents a database connection interface.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func now() time.Time {
	return time.Now().UTC()
}

const jobColumns = `id, user_id, status, target_format, engine, options, num_files,
	finished_files, failed_files, created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	job := &Job{}
	var options string
	err := row.Scan(
		&job.ID, &job.UserID, &job.Status, &job.TargetFormat, &job.Engine, &options,
		&job.NumFiles, &job.FinishedFiles, &job.FailedFiles,
		&job.CreatedAt, &job.UpdatedAt, &job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if options != "" && options != "{}" {
		job.Options = []byte(options)
	}
	return job, nil
}

// JobRepository handles job CRUD operations.
type JobRepository struct {
	db DB
}

// NewJobRepository creates a new job repository.
func NewJobRepository(db DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a new job.
func (r *JobRepository) Create(ctx context.Context, job *Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = domain.JobStatusNotStarted
	}
	job.CreatedAt = now()
	job.UpdatedAt = job.CreatedAt

	options := "{}"
	if len(job.Options) > 0 {
		options = string(job.Options)
	}

	query := `
		INSERT INTO jobs (id, user_id, status, target_format, engine, options, num_files,
			finished_files, failed_files, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := r.db.ExecContext(ctx, query,
		job.ID, job.UserID, job.Status, job.TargetFormat, job.Engine, options, job.NumFiles,
		job.FinishedFiles, job.FailedFiles, job.CreatedAt, job.UpdatedAt,
	)
	return err
}

// Get retrieves a job owned by userID. Jobs of other users are not found.
func (r *JobRepository) Get(ctx context.Context, userID string, id uuid.UUID) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1 AND user_id = $2`
	job, err := scanJob(r.db.QueryRowContext(ctx, query, id, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

// GetByID retrieves a job regardless of owner.
func (r *JobRepository) GetByID(ctx context.Context, id uuid.UUID) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	job, err := scanJob(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

// List returns a user's jobs, newest first.
func (r *JobRepository) List(ctx context.Context, userID string, limit, offset int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE user_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`
	return r.queryJobs(ctx, query, userID, limit, offset)
}

// Count returns the number of jobs owned by userID.
func (r *JobRepository) Count(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE user_id = $1`, userID).Scan(&n)
	return n, err
}

// UpdateStatus sets the job status. Terminal statuses also stamp completed_at.
func (r *JobRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.JobStatus) error {
	ts := now()
	var completedAt *time.Time
	if status.Terminal() {
		completedAt = &ts
	}

	query := `UPDATE jobs SET status = $1, updated_at = $2, completed_at = $3 WHERE id = $4`
	res, err := r.db.ExecContext(ctx, query, status, ts, completedAt, id)
	if err != nil {
		return err
	}
	return expectRows(res)
}

// MarkProcessing moves a pending job to processing. It reports whether the
// transition happened; later calls for the same job are no-ops.
func (r *JobRepository) MarkProcessing(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `UPDATE jobs SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`
	res, err := r.db.ExecContext(ctx, query, domain.JobStatusProcessing, now(), id, domain.JobStatusPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// IncrementFinished counts one more finished file and returns the updated
// counters. The update is a single statement, so concurrent workers never
// lose an increment and the counter never passes num_files.
func (r *JobRepository) IncrementFinished(ctx context.Context, id uuid.UUID, failed bool) (Counts, error) {
	inc := 0
	if failed {
		inc = 1
	}

	query := `
		UPDATE jobs
		SET finished_files = finished_files + 1,
			failed_files = failed_files + $1,
			updated_at = $2
		WHERE id = $3 AND finished_files < num_files
		RETURNING num_files, finished_files, failed_files
	`
	var c Counts
	err := r.db.QueryRowContext(ctx, query, inc, now(), id).Scan(&c.Total, &c.Finished, &c.Failed)
	if errors.Is(err, sql.ErrNoRows) {
		return Counts{}, ErrNotFound
	}
	return c, err
}

// RemoveFile takes one finished file out of the job's counters and returns
// the updated counters.
func (r *JobRepository) RemoveFile(ctx context.Context, id uuid.UUID, failed bool) (Counts, error) {
	dec := 0
	if failed {
		dec = 1
	}

	query := `
		UPDATE jobs
		SET num_files = num_files - 1,
			finished_files = finished_files - 1,
			failed_files = failed_files - $1,
			updated_at = $2
		WHERE id = $3 AND finished_files > 0
		RETURNING num_files, finished_files, failed_files
	`
	var c Counts
	err := r.db.QueryRowContext(ctx, query, dec, now(), id).Scan(&c.Total, &c.Finished, &c.Failed)
	if errors.Is(err, sql.ErrNoRows) {
		return Counts{}, ErrNotFound
	}
	return c, err
}

// Delete removes a job and its files.
func (r *JobRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM job_files WHERE job_id = $1`, id); err != nil {
		return fmt.Errorf("delete job files: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectRows(res)
}

// ListOlderThan returns jobs created before t, oldest first.
func (r *JobRepository) ListOlderThan(ctx context.Context, t time.Time) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE created_at < $1 ORDER BY created_at`
	return r.queryJobs(ctx, query, t.UTC())
}

// ListByStatus returns jobs in any of the given statuses.
func (r *JobRepository) ListByStatus(ctx context.Context, statuses ...domain.JobStatus) ([]*Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, s := range statuses {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = s
	}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status IN (` + strings.Join(placeholders, ", ") + `) ORDER BY created_at`
	return r.queryJobs(ctx, query, args...)
}

func (r *JobRepository) queryJobs(ctx context.Context, query string, args ...interface{}) ([]*Job, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

const fileColumns = `id, job_id, position, file_name, source_format, engine, output_file_name,
	status, error, size, started_at, completed_at`

func scanFile(row rowScanner) (*JobFile, error) {
	f := &JobFile{}
	err := row.Scan(
		&f.ID, &f.JobID, &f.Position, &f.FileName, &f.SourceFormat, &f.Engine, &f.OutputFileName,
		&f.Status, &f.Error, &f.Size, &f.StartedAt, &f.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// FileRepository handles job file operations.
type FileRepository struct {
	db DB
}

// NewFileRepository creates a new file repository.
func NewFileRepository(db DB) *FileRepository {
	return &FileRepository{db: db}
}

// Create inserts a job file.
func (r *FileRepository) Create(ctx context.Context, f *JobFile) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.Status == "" {
		f.Status = domain.FileStatusPending
	}

	query := `
		INSERT INTO job_files (id, job_id, position, file_name, source_format, engine, output_file_name,
			status, error, size)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.ExecContext(ctx, query,
		f.ID, f.JobID, f.Position, f.FileName, f.SourceFormat, f.Engine, f.OutputFileName,
		f.Status, f.Error, f.Size,
	)
	return err
}

// Get retrieves a file by ID.
func (r *FileRepository) Get(ctx context.Context, id uuid.UUID) (*JobFile, error) {
	query := `SELECT ` + fileColumns + ` FROM job_files WHERE id = $1`
	f, err := scanFile(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return f, err
}

// ListByJob returns the files of a job in upload order.
func (r *FileRepository) ListByJob(ctx context.Context, jobID uuid.UUID) ([]*JobFile, error) {
	query := `SELECT ` + fileColumns + ` FROM job_files WHERE job_id = $1 ORDER BY position`
	return r.queryFiles(ctx, query, jobID)
}

// ListUnfinished returns files still pending or processing across all jobs.
func (r *FileRepository) ListUnfinished(ctx context.Context) ([]*JobFile, error) {
	query := `SELECT ` + fileColumns + ` FROM job_files WHERE status IN ($1, $2) ORDER BY job_id, position`
	return r.queryFiles(ctx, query, domain.FileStatusPending, domain.FileStatusProcessing)
}

// UpdateStatus sets a file's status and error message. Moving to processing
// stamps started_at; finishing stamps completed_at.
func (r *FileRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.FileStatus, errMsg string) error {
	var (
		query string
		args  = []interface{}{status, errMsg}
	)
	// placeholders must appear in ascending order; sqlite numbers them by
	// first appearance
	switch {
	case status == domain.FileStatusProcessing:
		query = `UPDATE job_files SET status = $1, error = $2, started_at = $3 WHERE id = $4`
		args = append(args, now(), id)
	case status.Finished():
		query = `UPDATE job_files SET status = $1, error = $2, completed_at = $3 WHERE id = $4`
		args = append(args, now(), id)
	default:
		query = `UPDATE job_files SET status = $1, error = $2, started_at = NULL, completed_at = NULL WHERE id = $3`
		args = append(args, id)
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return expectRows(res)
}

// SetOutput records the converted file's name.
func (r *FileRepository) SetOutput(ctx context.Context, id uuid.UUID, outputFileName string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE job_files SET output_file_name = $1 WHERE id = $2`, outputFileName, id)
	if err != nil {
		return err
	}
	return expectRows(res)
}

// TargetCount is how often files of one source format were converted to a
// target by an engine.
type TargetCount struct {
	Target string
	Engine string
	Count  int
}

// TargetStats counts successful conversions from a source format, grouped by
// target and engine, most frequent first. An empty userID counts every user.
func (r *FileRepository) TargetStats(ctx context.Context, userID, from string) ([]TargetCount, error) {
	query := `
		SELECT j.target_format, f.engine, COUNT(*) AS n
		FROM job_files f
		JOIN jobs j ON j.id = f.job_id
		WHERE f.source_format = $1 AND f.status = $2`
	args := []interface{}{from, domain.FileStatusDone}
	if userID != "" {
		query += ` AND j.user_id = $3`
		args = append(args, userID)
	}
	query += `
		GROUP BY j.target_format, f.engine
		ORDER BY n DESC, j.target_format, f.engine`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []TargetCount
	for rows.Next() {
		var c TargetCount
		if err := rows.Scan(&c.Target, &c.Engine, &c.Count); err != nil {
			return nil, err
		}
		stats = append(stats, c)
	}
	return stats, rows.Err()
}

// Delete removes one file record.
func (r *FileRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM job_files WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectRows(res)
}

func (r *FileRepository) queryFiles(ctx context.Context, query string, args ...interface{}) ([]*JobFile, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []*JobFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func expectRows(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
