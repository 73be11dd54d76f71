package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/magabrotheeeer/access-expiry/internal/models"
)

const jobColumns = `job_id, kind, run_at, misfire_grace_ms, payload, revision, created_at, updated_at`

// UpsertJob сохраняет задачу или заменяет существующую с тем же job_id.
// При замене ревизия увеличивается; итоговая ревизия записывается в job.
func (s *Storage) UpsertJob(ctx context.Context, job *models.ScheduledJob) error {
	const op = "storage.UpsertJob"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("%s: %w", op, errNilJob)
	}

	query := `INSERT INTO scheduled_jobs (job_id, kind, run_at, misfire_grace_ms, payload, revision, created_at, updated_at)
			  VALUES ($1, $2, $3, $4, $5, 1, NOW(), NOW())
			  ON CONFLICT (job_id) DO UPDATE
			  SET kind = EXCLUDED.kind,
			      run_at = EXCLUDED.run_at,
			      misfire_grace_ms = EXCLUDED.misfire_grace_ms,
			      payload = EXCLUDED.payload,
			      revision = scheduled_jobs.revision + 1,
			      updated_at = NOW()
			  RETURNING revision, created_at, updated_at`
	err := s.DB.QueryRowContext(ctx, query,
		job.ID, job.Kind, job.RunAt.UTC(), job.MisfireGrace.Milliseconds(), job.Payload,
	).Scan(&job.Revision, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// DeleteJob удаляет задачу. Отсутствие задачи ошибкой не считается.
func (s *Storage) DeleteJob(ctx context.Context, jobID string) (bool, error) {
	const op = "storage.DeleteJob"
	if err := checkCtx(ctx, op); err != nil {
		return false, err
	}

	res, err := s.DB.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE job_id = $1`, jobID)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return n > 0, nil
}

// ClaimJob атомарно забирает задачу на исполнение: удаляет её, только если
// ревизия не изменилась. false означает, что задачу успели заменить или отменить.
func (s *Storage) ClaimJob(ctx context.Context, jobID string, revision int64) (bool, error) {
	const op = "storage.ClaimJob"
	if err := checkCtx(ctx, op); err != nil {
		return false, err
	}

	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM scheduled_jobs WHERE job_id = $1 AND revision = $2`, jobID, revision)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return n == 1, nil
}

// DueJobs возвращает задачи, срок которых наступил к моменту now,
// начиная с самых старых.
func (s *Storage) DueJobs(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledJob, error) {
	const op = "storage.DueJobs"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}

	query := `SELECT ` + jobColumns + `
			  FROM scheduled_jobs
			  WHERE run_at <= $1
			  ORDER BY run_at, job_id
			  LIMIT $2`
	rows, err := s.DB.QueryContext(ctx, query, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return jobs, nil
}

// NextRunAt возвращает ближайшее время срабатывания; false — задач нет.
func (s *Storage) NextRunAt(ctx context.Context) (time.Time, bool, error) {
	const op = "storage.NextRunAt"
	if err := checkCtx(ctx, op); err != nil {
		return time.Time{}, false, err
	}

	var next sql.NullTime
	if err := s.DB.QueryRowContext(ctx, `SELECT MIN(run_at) FROM scheduled_jobs`).Scan(&next); err != nil {
		return time.Time{}, false, fmt.Errorf("%s: %w", op, err)
	}
	if !next.Valid {
		return time.Time{}, false, nil
	}
	return next.Time.UTC(), true, nil
}

// GetJob возвращает задачу по идентификатору или models.ErrNotFound.
func (s *Storage) GetJob(ctx context.Context, jobID string) (*models.ScheduledJob, error) {
	const op = "storage.GetJob"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}

	rows, err := s.DB.QueryContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE job_id = $1`, jobID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	return jobs[0], nil
}

// ListJobs возвращает ожидающие задачи с пагинацией.
func (s *Storage) ListJobs(ctx context.Context, limit, offset int) ([]*models.ScheduledJob, error) {
	const op = "storage.ListJobs"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}

	query := `SELECT ` + jobColumns + `
			  FROM scheduled_jobs
			  ORDER BY run_at, job_id
			  LIMIT $1 OFFSET $2`
	rows, err := s.DB.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return jobs, nil
}

func scanJobs(rows *sql.Rows) ([]*models.ScheduledJob, error) {
	defer func() {
		_ = rows.Close()
	}()

	var result []*models.ScheduledJob
	for rows.Next() {
		var (
			j       models.ScheduledJob
			graceMS int64
		)
		if err := rows.Scan(&j.ID, &j.Kind, &j.RunAt, &graceMS, &j.Payload,
			&j.Revision, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		j.RunAt = j.RunAt.UTC()
		j.MisfireGrace = time.Duration(graceMS) * time.Millisecond
		result = append(result, &j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

var errNilJob = errors.New("nil job")
