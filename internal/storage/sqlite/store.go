// Package sqlite реализует хранилище отложенных задач на встроенной SQLite.
// Используется, когда отдельный PostgreSQL для планировщика не нужен:
// задачи переживают перезапуск процесса в одном файле jobs.db.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/magabrotheeeer/access-expiry/internal/models"

	_ "modernc.org/sqlite"
)

const jobColumns = `job_id, kind, run_at, misfire_grace_ms, payload, revision, created_at, updated_at`

var errNotInitialized = errors.New("sqlite job store not initialized")

// JobStore хранит задачи планировщика в файле SQLite.
// Время хранится как INTEGER (Unix, наносекунды, UTC).
type JobStore struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// New открывает (или создаёт) файл базы и схему.
func New(path string) (*JobStore, error) {
	const op = "sqlite.New"

	path = filepath.Clean(strings.TrimSpace(path))
	if path == "" || path == "." {
		return nil, fmt.Errorf("%s: path is required", op)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%s: create data dir: %w", op, err)
	}

	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &JobStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return s, nil
}

func (s *JobStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS scheduled_jobs (
		job_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		run_at INTEGER NOT NULL,
		misfire_grace_ms INTEGER NOT NULL DEFAULT 0,
		payload BLOB NOT NULL,
		revision INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_scheduled_jobs_run_at ON scheduled_jobs(run_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init scheduled_jobs schema: %w", err)
	}
	return nil
}

// Path возвращает путь к файлу базы.
func (s *JobStore) Path() string {
	return s.path
}

// Close закрывает базу. Повторный вызов безопасен.
func (s *JobStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *JobStore) conn(ctx context.Context, op string) (*sql.DB, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}
	if s.db == nil {
		return nil, fmt.Errorf("%s: %w", op, errNotInitialized)
	}
	return s.db, nil
}

// UpsertJob сохраняет задачу или заменяет существующую с тем же job_id,
// увеличивая ревизию.
func (s *JobStore) UpsertJob(ctx context.Context, job *models.ScheduledJob) error {
	const op = "sqlite.UpsertJob"
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.conn(ctx, op)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("%s: nil job", op)
	}
	if job.Payload == nil {
		job.Payload = []byte{}
	}

	now := time.Now().UTC().UnixNano()
	query := `INSERT INTO scheduled_jobs (job_id, kind, run_at, misfire_grace_ms, payload, revision, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			kind = excluded.kind,
			run_at = excluded.run_at,
			misfire_grace_ms = excluded.misfire_grace_ms,
			payload = excluded.payload,
			revision = scheduled_jobs.revision + 1,
			updated_at = excluded.updated_at
		RETURNING revision, created_at, updated_at`

	var created, updated int64
	err = db.QueryRowContext(ctx, query,
		job.ID, job.Kind, job.RunAt.UTC().UnixNano(), job.MisfireGrace.Milliseconds(), job.Payload, now, now,
	).Scan(&job.Revision, &created, &updated)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	job.CreatedAt = fromUnixNano(created)
	job.UpdatedAt = fromUnixNano(updated)
	return nil
}

// DeleteJob удаляет задачу; true, если она существовала.
func (s *JobStore) DeleteJob(ctx context.Context, jobID string) (bool, error) {
	const op = "sqlite.DeleteJob"
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.conn(ctx, op)
	if err != nil {
		return false, err
	}
	res, err := db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE job_id = ?`, jobID)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return n > 0, nil
}

// ClaimJob удаляет задачу, только если её ревизия не изменилась.
func (s *JobStore) ClaimJob(ctx context.Context, jobID string, revision int64) (bool, error) {
	const op = "sqlite.ClaimJob"
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.conn(ctx, op)
	if err != nil {
		return false, err
	}
	res, err := db.ExecContext(ctx,
		`DELETE FROM scheduled_jobs WHERE job_id = ? AND revision = ?`, jobID, revision)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return n == 1, nil
}

// DueJobs возвращает задачи с run_at <= now в порядке срабатывания.
func (s *JobStore) DueJobs(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledJob, error) {
	const op = "sqlite.DueJobs"
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.conn(ctx, op)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT `+jobColumns+`
		FROM scheduled_jobs
		WHERE run_at <= ?
		ORDER BY run_at, job_id
		LIMIT ?`, now.UTC().UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return jobs, nil
}

// NextRunAt возвращает ближайшее время срабатывания; false, если задач нет.
func (s *JobStore) NextRunAt(ctx context.Context) (time.Time, bool, error) {
	const op = "sqlite.NextRunAt"
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.conn(ctx, op)
	if err != nil {
		return time.Time{}, false, err
	}
	var next sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MIN(run_at) FROM scheduled_jobs`).Scan(&next); err != nil {
		return time.Time{}, false, fmt.Errorf("%s: %w", op, err)
	}
	if !next.Valid {
		return time.Time{}, false, nil
	}
	return fromUnixNano(next.Int64), true, nil
}

// GetJob возвращает задачу или models.ErrNotFound.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (*models.ScheduledJob, error) {
	const op = "sqlite.GetJob"
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.conn(ctx, op)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE job_id = ?`, jobID)
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
func (s *JobStore) ListJobs(ctx context.Context, limit, offset int) ([]*models.ScheduledJob, error) {
	const op = "sqlite.ListJobs"
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.conn(ctx, op)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT `+jobColumns+`
		FROM scheduled_jobs
		ORDER BY run_at, job_id
		LIMIT ? OFFSET ?`, limit, offset)
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
			j                       models.ScheduledJob
			runAt, created, updated int64
			graceMS                 int64
		)
		if err := rows.Scan(&j.ID, &j.Kind, &runAt, &graceMS, &j.Payload,
			&j.Revision, &created, &updated); err != nil {
			return nil, err
		}
		j.RunAt = fromUnixNano(runAt)
		j.MisfireGrace = time.Duration(graceMS) * time.Millisecond
		j.CreatedAt = fromUnixNano(created)
		j.UpdatedAt = fromUnixNano(updated)
		result = append(result, &j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func fromUnixNano(v int64) time.Time {
	return time.Unix(0, v).UTC()
}
