package async

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/teranos/bookenrich/db"
	"github.com/teranos/bookenrich/enrich"
	"github.com/teranos/bookenrich/errors"
)

// Store handles persistence of jobs and their item results
type Store struct {
	db *sql.DB
}

// NewStore creates a new job store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const jobColumns = `id, owner_id, pipeline, status, total_items, processed,
	summary, error, created_at, updated_at, completed_at, expires_at`

// CreateJob inserts a new job row
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	summary, err := json.Marshal(job.Summary)
	if err != nil {
		return errors.Wrap(err, "failed to marshal summary")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.OwnerID,
		job.Pipeline,
		string(job.Status),
		job.TotalItems,
		job.Processed,
		string(summary),
		nullString(job.Error),
		job.CreatedAt.UnixMilli(),
		job.UpdatedAt.UnixMilli(),
		nullMillis(job.CompletedAt),
		job.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		err = errors.Wrap(err, "failed to create job")
		return errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
	}
	return nil
}

// SaveJob writes the job row and replaces its items in one transaction
func (s *Store) SaveJob(ctx context.Context, job *Job) error {
	summary, err := json.Marshal(job.Summary)
	if err != nil {
		return errors.Wrap(err, "failed to marshal summary")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin job transaction")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?,
		    total_items = ?,
		    processed = ?,
		    summary = ?,
		    error = ?,
		    updated_at = ?,
		    completed_at = ?
		WHERE id = ?`,
		string(job.Status),
		job.TotalItems,
		job.Processed,
		string(summary),
		nullString(job.Error),
		job.UpdatedAt.UnixMilli(),
		nullMillis(job.CompletedAt),
		job.ID,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to update job")
		return errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Wrapf(errors.ErrJobNotFound, "save %s", job.ID)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM job_items WHERE job_id = ?`, job.ID); err != nil {
		return errors.Wrap(err, "failed to clear job items")
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO job_items (job_id, idx, status, input, result, error)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "failed to prepare item insert")
	}
	defer stmt.Close()

	for _, item := range job.Items {
		var result sql.NullString
		if item.Result != nil {
			data, err := json.Marshal(item.Result)
			if err != nil {
				return errors.Wrapf(err, "failed to marshal result for item %d", item.Index)
			}
			result = sql.NullString{String: string(data), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			job.ID, item.Index, string(item.Status), string(item.Input), result, nullString(item.Error),
		); err != nil {
			err = errors.Wrapf(err, "failed to insert item %d", item.Index)
			return errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit job")
	}
	return nil
}

// GetJob loads a job, with its items when withItems is set
func (s *Store) GetJob(ctx context.Context, id string, withItems bool) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrJobNotFound, "%s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}
	if !withItems {
		return job, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT idx, status, input, result, error FROM job_items WHERE job_id = ? ORDER BY idx`, id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list job items")
	}
	defer rows.Close()

	job.Items = []ItemProgress{}
	for rows.Next() {
		var (
			item        ItemProgress
			status      string
			input       sql.NullString
			result, msg sql.NullString
		)
		if err := rows.Scan(&item.Index, &status, &input, &result, &msg); err != nil {
			return nil, errors.Wrap(err, "failed to scan job item")
		}
		item.Status = ItemStatus(status)
		item.Input = json.RawMessage(input.String)
		item.Error = msg.String
		if result.Valid {
			var r enrich.Result
			if err := json.Unmarshal([]byte(result.String), &r); err != nil {
				return nil, errors.Wrapf(err, "failed to unmarshal result for item %d", item.Index)
			}
			item.Result = &r
		}
		job.Items = append(job.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating job items")
	}
	return job, nil
}

// ListJobs returns an owner's jobs, newest first. An empty owner lists every job.
func (s *Store) ListJobs(ctx context.Context, ownerID string, limit int) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []interface{}
	if ownerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating jobs")
	}
	return jobs, nil
}

// DeleteExpired removes jobs (and by cascade their items) past expires_at
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		if db.IsDatabaseClosed(err) {
			return 0, errors.Wrap(db.ErrDatabaseClosed, "delete expired jobs")
		}
		return 0, errors.Wrap(err, "failed to delete expired jobs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var (
		job                       Job
		status, summary, msg      sql.NullString
		created, updated, expires int64
		completed                 sql.NullInt64
	)
	if err := row.Scan(&job.ID, &job.OwnerID, &job.Pipeline, &status, &job.TotalItems, &job.Processed,
		&summary, &msg, &created, &updated, &completed, &expires); err != nil {
		return nil, err
	}
	job.Status = JobStatus(status.String)
	job.Error = msg.String
	job.CreatedAt = db.UnixMilli(created)
	job.UpdatedAt = db.UnixMilli(updated)
	job.ExpiresAt = db.UnixMilli(expires)
	if completed.Valid {
		t := db.UnixMilli(completed.Int64)
		job.CompletedAt = &t
	}
	if summary.Valid && summary.String != "" {
		if err := json.Unmarshal([]byte(summary.String), &job.Summary); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal summary")
		}
	}
	return &job, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}
